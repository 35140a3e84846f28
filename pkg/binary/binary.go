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

// Package binary encodes fixed-size records, such as on-disk inodes, and
// the variable length streams built from them.
//
// Records must only contain fixed-length signed and unsigned ints, arrays
// and structs of such types. Unexported struct fields are skipped on decode
// but still take up space.
package binary

import (
	"encoding/binary"
	"fmt"
	"reflect"

	"vfscore.dev/vfscore/pkg/errors/linuxerr"
)

// LittleEndian is the byte order of every on-disk structure.
var LittleEndian = binary.LittleEndian

// AppendUint16 appends the binary representation of a uint16 to buf.
func AppendUint16(buf []byte, order binary.ByteOrder, num uint16) []byte {
	buf = append(buf, make([]byte, 2)...)
	order.PutUint16(buf[len(buf)-2:], num)
	return buf
}

// AppendUint32 appends the binary representation of a uint32 to buf.
func AppendUint32(buf []byte, order binary.ByteOrder, num uint32) []byte {
	buf = append(buf, make([]byte, 4)...)
	order.PutUint32(buf[len(buf)-4:], num)
	return buf
}

// AppendUint64 appends the binary representation of a uint64 to buf.
func AppendUint64(buf []byte, order binary.ByteOrder, num uint64) []byte {
	buf = append(buf, make([]byte, 8)...)
	order.PutUint64(buf[len(buf)-8:], num)
	return buf
}

// MarshalInto encodes data at the start of dst and returns the number of
// bytes written. It fails with EOVERFLOW if dst is too short, in which case
// dst is left unmodified.
func MarshalInto(dst []byte, order binary.ByteOrder, data any) (int, error) {
	v := reflect.Indirect(reflect.ValueOf(data))
	n := int(sizeof(v))
	if n > len(dst) {
		return 0, linuxerr.EOVERFLOW
	}
	rest := put(dst[:n], order, v)
	if len(rest) != 0 {
		panic(fmt.Sprintf("%d bytes left after encoding %v", len(rest), v.Type()))
	}
	return n, nil
}

// Marshal appends the encoding of data to buf.
func Marshal(buf []byte, order binary.ByteOrder, data any) []byte {
	v := reflect.Indirect(reflect.ValueOf(data))
	off := len(buf)
	buf = append(buf, make([]byte, sizeof(v))...)
	put(buf[off:], order, v)
	return buf
}

func put(buf []byte, order binary.ByteOrder, v reflect.Value) []byte {
	switch v.Kind() {
	case reflect.Int8:
		buf[0] = byte(v.Int())
		return buf[1:]
	case reflect.Uint8:
		buf[0] = byte(v.Uint())
		return buf[1:]
	case reflect.Int16:
		order.PutUint16(buf, uint16(v.Int()))
		return buf[2:]
	case reflect.Uint16:
		order.PutUint16(buf, uint16(v.Uint()))
		return buf[2:]
	case reflect.Int32:
		order.PutUint32(buf, uint32(v.Int()))
		return buf[4:]
	case reflect.Uint32:
		order.PutUint32(buf, uint32(v.Uint()))
		return buf[4:]
	case reflect.Int64:
		order.PutUint64(buf, uint64(v.Int()))
		return buf[8:]
	case reflect.Uint64:
		order.PutUint64(buf, v.Uint())
		return buf[8:]
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			buf = put(buf, order, v.Index(i))
		}
		return buf
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			buf = put(buf, order, v.Field(i))
		}
		return buf
	default:
		panic("invalid record type: " + v.Type().String())
	}
}

// Unmarshal decodes the start of buf into the record data points to and
// returns the number of bytes consumed. It fails with EOVERFLOW if buf is
// too short.
func Unmarshal(buf []byte, order binary.ByteOrder, data any) (int, error) {
	v := reflect.ValueOf(data)
	if v.Kind() != reflect.Pointer {
		panic("Unmarshal into non-pointer " + v.Type().String())
	}
	v = v.Elem()
	n := int(sizeof(v))
	if n > len(buf) {
		return 0, linuxerr.EOVERFLOW
	}
	get(buf[:n], order, v)
	return n, nil
}

func get(buf []byte, order binary.ByteOrder, v reflect.Value) []byte {
	switch v.Kind() {
	case reflect.Int8:
		v.SetInt(int64(int8(buf[0])))
		return buf[1:]
	case reflect.Uint8:
		v.SetUint(uint64(buf[0]))
		return buf[1:]
	case reflect.Int16:
		v.SetInt(int64(int16(order.Uint16(buf))))
		return buf[2:]
	case reflect.Uint16:
		v.SetUint(uint64(order.Uint16(buf)))
		return buf[2:]
	case reflect.Int32:
		v.SetInt(int64(int32(order.Uint32(buf))))
		return buf[4:]
	case reflect.Uint32:
		v.SetUint(uint64(order.Uint32(buf)))
		return buf[4:]
	case reflect.Int64:
		v.SetInt(int64(order.Uint64(buf)))
		return buf[8:]
	case reflect.Uint64:
		v.SetUint(order.Uint64(buf))
		return buf[8:]
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			buf = get(buf, order, v.Index(i))
		}
		return buf
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if f := v.Field(i); f.CanSet() {
				buf = get(buf, order, f)
			} else {
				buf = buf[sizeof(f):]
			}
		}
		return buf
	default:
		panic("invalid record type: " + v.Type().String())
	}
}

// Size returns the encoded size of the record v.
func Size(v any) int {
	return int(sizeof(reflect.Indirect(reflect.ValueOf(v))))
}

func sizeof(v reflect.Value) uintptr {
	switch v.Kind() {
	case reflect.Int8, reflect.Uint8:
		return 1
	case reflect.Int16, reflect.Uint16:
		return 2
	case reflect.Int32, reflect.Uint32:
		return 4
	case reflect.Int64, reflect.Uint64:
		return 8
	case reflect.Array:
		return uintptr(v.Len()) * sizeof(reflect.Zero(v.Type().Elem()))
	case reflect.Struct:
		var size uintptr
		for i := 0; i < v.NumField(); i++ {
			size += sizeof(v.Field(i))
		}
		return size
	default:
		panic("invalid record type: " + v.Type().String())
	}
}

// Decoder reads a stream of values from a byte slice. The first read past
// the end sets Err, and every read after that returns zero.
type Decoder struct {
	buf   []byte
	order binary.ByteOrder

	// Err is EOVERFLOW once a read ran past the end of the input.
	Err error
}

// NewDecoder returns a Decoder reading buf.
func NewDecoder(buf []byte, order binary.ByteOrder) *Decoder {
	return &Decoder{buf: buf, order: order}
}

// Len returns the number of unread bytes.
func (d *Decoder) Len() int { return len(d.buf) }

func (d *Decoder) take(n int) []byte {
	if d.Err != nil {
		return nil
	}
	if n > len(d.buf) {
		d.Err = linuxerr.EOVERFLOW
		d.buf = nil
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

// Uint8 reads a byte.
func (d *Decoder) Uint8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

// Uint16 reads a uint16.
func (d *Decoder) Uint16() uint16 {
	if b := d.take(2); b != nil {
		return d.order.Uint16(b)
	}
	return 0
}

// Uint32 reads a uint32.
func (d *Decoder) Uint32() uint32 {
	if b := d.take(4); b != nil {
		return d.order.Uint32(b)
	}
	return 0
}

// Uint64 reads a uint64.
func (d *Decoder) Uint64() uint64 {
	if b := d.take(8); b != nil {
		return d.order.Uint64(b)
	}
	return 0
}

// Bytes reads n bytes. The result aliases the input.
func (d *Decoder) Bytes(n int) []byte {
	return d.take(n)
}
