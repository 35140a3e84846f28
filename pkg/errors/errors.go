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

// Package errors holds the standardized error definition for the cache core.
package errors

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Error represents an errno with a descriptive message.
type Error struct {
	errno   unix.Errno
	message string
}

// New creates a new *Error.
func New(err unix.Errno, message string) *Error {
	return &Error{
		errno:   err,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the underlying unix.Errno value.
func (e *Error) Errno() unix.Errno { return e.errno }

// Is reports whether target is the bare unix.Errno carried by e, so that
// errors.Is(err, unix.ENOENT) holds for the matching sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(unix.Errno)
	return ok && t == e.errno
}

// Wrap returns an error that reads as prefix followed by e's message and
// still matches e with errors.Is.
func Wrap(e *Error, format string, v ...any) error {
	return &wrapped{msg: fmt.Sprintf(format, v...), err: e}
}

type wrapped struct {
	msg string
	err *Error
}

func (w *wrapped) Error() string { return w.msg + ": " + w.err.message }

func (w *wrapped) Unwrap() error { return w.err }
