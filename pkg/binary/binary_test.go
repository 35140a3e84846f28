// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package binary

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
)

type record struct {
	Magic [4]byte
	Mode  uint32
	Size  int64
	Small int8
	Ptrs  [3]uint64
	pad   uint16
	Last  uint16
}

func TestSize(t *testing.T) {
	for _, test := range []struct {
		name string
		v    any
		want int
	}{
		{"uint32", uint32(1), 4},
		{"array", [5]uint16{}, 10},
		{"record", record{}, 4 + 4 + 8 + 1 + 24 + 2 + 2},
		{"pointer", &record{}, 45},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := Size(test.v); got != test.want {
				t.Errorf("Size = %d, want %d", got, test.want)
			}
		})
	}
}

func TestRecordRoundTrip(t *testing.T) {
	in := record{Magic: [4]byte{'v', 'f', 's', 'c'}, Mode: 0o100644, Size: -7, Small: -2, Ptrs: [3]uint64{1, 2, 1 << 40}, pad: 9, Last: 0xbeef}
	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = 0xff
	}
	n, err := MarshalInto(buf, LittleEndian, &in)
	if err != nil || n != Size(in) {
		t.Fatalf("MarshalInto = %d, %v, want %d, nil", n, err, Size(in))
	}
	if buf[n] != 0xff {
		t.Errorf("MarshalInto wrote past the record")
	}
	if got := Marshal(nil, LittleEndian, in); string(got) != string(buf[:n]) {
		t.Errorf("Marshal = %x, want %x", got, buf[:n])
	}

	var out record
	if m, err := Unmarshal(buf, LittleEndian, &out); err != nil || m != n {
		t.Fatalf("Unmarshal = %d, %v, want %d, nil", m, err, n)
	}
	in.pad = 0
	if diff := cmp.Diff(in, out, cmp.AllowUnexported(record{})); diff != "" {
		t.Errorf("Unmarshal mismatch (-want +got):\n%s", diff)
	}
}

func TestShortBuffers(t *testing.T) {
	var r record
	short := make([]byte, Size(r)-1)
	if _, err := MarshalInto(short, LittleEndian, &r); !linuxerr.Equals(linuxerr.EOVERFLOW, err) {
		t.Errorf("MarshalInto = %v, want EOVERFLOW", err)
	}
	if _, err := Unmarshal(short, LittleEndian, &r); !linuxerr.Equals(linuxerr.EOVERFLOW, err) {
		t.Errorf("Unmarshal = %v, want EOVERFLOW", err)
	}
}

func TestInvalidTypes(t *testing.T) {
	for _, test := range []struct {
		name string
		f    func()
		want string
	}{
		{"Size int", func() { Size(5) }, "invalid record type: int"},
		{"Marshal slice", func() { Marshal(nil, LittleEndian, []uint8{1}) }, "invalid record type: []uint8"},
		{"Unmarshal value", func() { Unmarshal(make([]byte, 8), LittleEndian, uint32(0)) }, "Unmarshal into non-pointer uint32"},
	} {
		t.Run(test.name, func(t *testing.T) {
			defer func() {
				if got := fmt.Sprint(recover()); !strings.HasPrefix(got, test.want) {
					t.Errorf("recover() = %q, want prefix %q", got, test.want)
				}
			}()
			test.f()
		})
	}
}

func TestDecoder(t *testing.T) {
	var buf []byte
	buf = append(buf, 3)
	buf = AppendUint16(buf, LittleEndian, 0x1234)
	buf = AppendUint32(buf, LittleEndian, 0xdeadbeef)
	buf = AppendUint64(buf, LittleEndian, 1<<63)
	buf = append(buf, "abc"...)

	d := NewDecoder(buf, LittleEndian)
	if got := d.Uint8(); got != 3 {
		t.Errorf("Uint8 = %d, want 3", got)
	}
	if got := d.Uint16(); got != 0x1234 {
		t.Errorf("Uint16 = %#x, want 0x1234", got)
	}
	if got := d.Uint32(); got != 0xdeadbeef {
		t.Errorf("Uint32 = %#x, want 0xdeadbeef", got)
	}
	if got := d.Uint64(); got != 1<<63 {
		t.Errorf("Uint64 = %#x, want 1<<63", got)
	}
	if got := string(d.Bytes(3)); got != "abc" || d.Len() != 0 || d.Err != nil {
		t.Errorf("Bytes = %q, Len %d, Err %v", got, d.Len(), d.Err)
	}
	if got := d.Uint32(); got != 0 || !linuxerr.Equals(linuxerr.EOVERFLOW, d.Err) {
		t.Errorf("read past end = %d, %v, want 0, EOVERFLOW", got, d.Err)
	}
	if d.Uint8() != 0 {
		t.Errorf("read after error returned data")
	}
}
