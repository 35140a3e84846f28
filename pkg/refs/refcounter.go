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

// Package refs defines an interface for reference counted objects. It
// also provides a drop-in implementation called AtomicRefCount.
package refs

import (
	"fmt"
	"sync/atomic"
)

// RefCounter is the interface to be implemented by objects that are reference
// counted.
type RefCounter interface {
	// IncRef increments the reference counter on the object.
	IncRef()

	// DecRef decrements the reference counter on the object.
	DecRef()

	// TryIncRef attempts to increase the reference counter on the object,
	// but may fail if all references have already been dropped.
	TryIncRef() bool
}

// AtomicRefCount keeps a reference count using atomic operations and calls
// the destructor when the count reaches zero.
//
// The zero value holds no references. Objects that start life referenced call
// InitRefs. Objects that live on a cache with a count of zero (cached but
// unused) start from the zero value and use TryIncRef or IncRefFromZero.
type AtomicRefCount struct {
	// refCount is composed of two fields:
	//
	//	[32-bit speculative references]:[32-bit real references]
	//
	// Speculative references are used for TryIncRef, to avoid a CompareAndSwap
	// loop. See IncRef, DecRef and TryIncRef for details of how these fields are
	// used.
	refCount atomic.Int64
}

// InitRefs initializes r with one reference.
func (r *AtomicRefCount) InitRefs() {
	r.refCount.Store(1)
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *AtomicRefCount) ReadRefs() int64 {
	return int64(int32(r.refCount.Load()))
}

// IncRef increments the reference count. The caller must already hold a
// reference.
func (r *AtomicRefCount) IncRef() {
	if v := r.refCount.Add(1); int32(v) <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %p", r))
	}
}

// IncRefFromZero increments the reference count, which may be zero. It is
// used by caches that revive unreferenced objects while holding the lock that
// protects the object's cache membership.
func (r *AtomicRefCount) IncRefFromZero() int64 {
	v := r.refCount.Add(1)
	if int32(v) <= 0 {
		panic(fmt.Sprintf("Incrementing negative count %p", r))
	}
	return int64(int32(v))
}

// TryIncRef attempts to increment the reference count.
//
// To do this safely without a loop, a speculative reference is first acquired
// on the object. This allows multiple concurrent TryIncRef calls to distinguish
// other TryIncRef calls from genuine references held.
func (r *AtomicRefCount) TryIncRef() bool {
	const speculativeRef = 1 << 32
	if v := r.refCount.Add(speculativeRef); int32(v) == 0 {
		// This object has already been freed.
		r.refCount.Add(-speculativeRef)
		return false
	}

	// Turn into a real reference.
	r.refCount.Add(-speculativeRef + 1)
	return true
}

// DecRef decrements the reference count and returns the new count. destroy,
// if not nil, is called when the count reaches zero.
//
// Note that speculative references are counted here. Since they were added
// prior to real references reaching zero, they will successfully convert to
// real references. In other words, we see speculative references only in the
// following case:
//
//	A: TryIncRef [speculative increase => sees non-negative references]
//	B: DecRef [real decrease]
//	A: TryIncRef [transform speculative to real]
func (r *AtomicRefCount) DecRef(destroy func()) int64 {
	v := int32(r.refCount.Add(-1))
	switch {
	case v < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count %p", r))

	case v == 0:
		if destroy != nil {
			destroy()
		}
	}
	return int64(v)
}
