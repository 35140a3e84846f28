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

package linuxerr_test

import (
	"fmt"
	"io"
	"testing"

	"golang.org/x/sys/unix"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
)

func TestEquals(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want bool
	}{
		{name: "same", err: linuxerr.EEXIST, want: true},
		{name: "unix", err: unix.EEXIST, want: true},
		{name: "wrapped", err: fmt.Errorf("insert: %w", linuxerr.EEXIST), want: true},
		{name: "different", err: linuxerr.ENOENT, want: false},
		{name: "nil", err: nil, want: false},
		{name: "foreign", err: io.EOF, want: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := linuxerr.Equals(linuxerr.EEXIST, tc.err); got != tc.want {
				t.Errorf("Equals(EEXIST, %v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestToUnixAndBack(t *testing.T) {
	for _, e := range []unix.Errno{unix.EBUSY, unix.EIO, unix.ENOENT, unix.EINVAL} {
		err := linuxerr.ErrorFromUnix(e)
		got, convErr := linuxerr.ToUnix(err)
		if convErr != nil {
			t.Fatalf("ToUnix(%v) failed: %v", err, convErr)
		}
		if got != e {
			t.Errorf("ToUnix(ErrorFromUnix(%v)) = %v", e, got)
		}
	}
	if err := linuxerr.ErrorFromUnix(0); err != nil {
		t.Errorf("ErrorFromUnix(0) = %v, want nil", err)
	}
}

func TestCode(t *testing.T) {
	if got, want := linuxerr.Code(linuxerr.EBUSY), -int(unix.EBUSY); got != want {
		t.Errorf("Code(EBUSY) = %d, want %d", got, want)
	}
	if got := linuxerr.Code(nil); got != 0 {
		t.Errorf("Code(nil) = %d, want 0", got)
	}
}
