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

// Package linuxerr contains error codes exported as error interface pointers.
// This allows for fast comparison and return operations comparable to
// unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"vfscore.dev/vfscore/pkg/errors"
)

// The following errors are semantically identical to Errno of type unix.Errno.
// However, since the types are distinct (these are *errors.Error), they are
// not directly comparable. The Errno method returns an Errno number such that
// the error can be compared to unix.Errno (e.g. EPERM.Errno() == unix.EPERM is
// true). Converting unix.Errno to the errors should be done via the lookup
// methods provided.
var (
	noError      *errors.Error = nil
	EPERM                      = errors.New(unix.EPERM, "operation not permitted")
	ENOENT                     = errors.New(unix.ENOENT, "no such file or directory")
	EIO                        = errors.New(unix.EIO, "I/O error")
	ENXIO                      = errors.New(unix.ENXIO, "no such device or address")
	EBADF                      = errors.New(unix.EBADF, "bad file number")
	EAGAIN                     = errors.New(unix.EAGAIN, "try again")
	ENOMEM                     = errors.New(unix.ENOMEM, "out of memory")
	EACCES                     = errors.New(unix.EACCES, "permission denied")
	EBUSY                      = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST                     = errors.New(unix.EEXIST, "file exists")
	EXDEV                      = errors.New(unix.EXDEV, "cross-device link")
	ENODEV                     = errors.New(unix.ENODEV, "no such device")
	ENOTDIR                    = errors.New(unix.ENOTDIR, "not a directory")
	EISDIR                     = errors.New(unix.EISDIR, "is a directory")
	EINVAL                     = errors.New(unix.EINVAL, "invalid argument")
	ENOTTY                     = errors.New(unix.ENOTTY, "not a typewriter")
	EFBIG                      = errors.New(unix.EFBIG, "file too large")
	ENOSPC                     = errors.New(unix.ENOSPC, "no space left on device")
	EROFS                      = errors.New(unix.EROFS, "read-only file system")
	EMLINK                     = errors.New(unix.EMLINK, "too many links")
	ERANGE                     = errors.New(unix.ERANGE, "math result not representable")
	ENAMETOOLONG               = errors.New(unix.ENAMETOOLONG, "file name too long")
	ENOSYS                     = errors.New(unix.ENOSYS, "invalid system call number")
	ENOTEMPTY                  = errors.New(unix.ENOTEMPTY, "directory not empty")
	ELOOP                      = errors.New(unix.ELOOP, "too many symbolic links encountered")
	ENODATA                    = errors.New(unix.ENODATA, "no data available")
	EOVERFLOW                  = errors.New(unix.EOVERFLOW, "value too large for defined data type")
	ESTALE                     = errors.New(unix.ESTALE, "stale file handle")
	EOPNOTSUPP                 = errors.New(unix.EOPNOTSUPP, "operation not supported")
)

// errNotValidError is returned by ToUnix when an error is not an errno.
var errNotValidError = goerrors.New("not a valid error")

// errorSlice maps errno numbers to the errors above.
var errorSlice = make(map[unix.Errno]*errors.Error)

func init() {
	for _, e := range []*errors.Error{
		EPERM, ENOENT, EIO, ENXIO, EBADF, EAGAIN, ENOMEM, EACCES, EBUSY,
		EEXIST, EXDEV, ENODEV, ENOTDIR, EISDIR, EINVAL, ENOTTY, EFBIG, ENOSPC,
		EROFS, EMLINK, ERANGE, ENAMETOOLONG, ENOSYS, ENOTEMPTY, ELOOP,
		ENODATA, EOVERFLOW, ESTALE, EOPNOTSUPP,
	} {
		errorSlice[e.Errno()] = e
	}
}

// ErrorFromUnix returns a linuxerr from a unix.Errno.
func ErrorFromUnix(err unix.Errno) error {
	if err == 0 {
		return nil
	}
	if e, ok := errorSlice[err]; ok {
		return e
	}
	return errors.New(err, err.Error())
}

// ToError converts a linuxerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno. Errors that are not errnos
// (including wrapped ones) are reported as EIO together with a non-nil
// second return.
func ToUnix(e error) (unix.Errno, error) {
	var unixErr unix.Errno
	if e == nil {
		return 0, nil
	}
	var le *errors.Error
	if goerrors.As(e, &le) {
		return le.Errno(), nil
	}
	if goerrors.As(e, &unixErr) {
		return unixErr, nil
	}
	return unix.EIO, errNotValidError
}

// Code returns the negative errno code for err, or 0 for nil.
func Code(err error) int {
	if err == nil {
		return 0
	}
	errno, _ := ToUnix(err)
	return -int(errno)
}

// Equals compares a linuxerr to a given error.
func Equals(e *errors.Error, err error) bool {
	var unixErr unix.Errno
	if err == nil {
		return e == noError || e == nil
	}
	if e == nil {
		return false
	}
	var le *errors.Error
	if goerrors.As(err, &le) {
		return e.Errno() == le.Errno()
	}
	if goerrors.As(err, &unixErr) {
		return e.Errno() == unixErr
	}
	return false
}
