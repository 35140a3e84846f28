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

package sync

// WaitQueue parks goroutines until a condition over state guarded by the
// queue becomes true. It replaces spinning on lock and I/O bits: buffer heads
// and pages keep their locked state as a bit in a flags word, and waiters
// sleep on the queue until the bit is cleared.
//
// State handed to the queue (such as a flags word) must only be modified
// through the queue's methods. The zero value is ready to use.
type WaitQueue struct {
	mu   Mutex
	cond Cond
}

// lock acquires q.mu and lazily binds the condition variable to it.
func (q *WaitQueue) lock() {
	q.mu.Lock()
	if q.cond.L == nil {
		q.cond.L = &q.mu
	}
}

// Wait blocks until ready returns true. ready is evaluated with the queue
// held.
func (q *WaitQueue) Wait(ready func() bool) {
	q.lock()
	for !ready() {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

// Update runs fn with the queue held and wakes every waiter.
func (q *WaitQueue) Update(fn func()) {
	q.lock()
	fn()
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Load runs fn with the queue held. No waiter is woken.
func (q *WaitQueue) Load(fn func()) {
	q.lock()
	fn()
	q.mu.Unlock()
}

// LockBit sets bit in *flags, sleeping until it is clear.
func (q *WaitQueue) LockBit(flags *uint32, bit uint32) {
	q.lock()
	for *flags&bit != 0 {
		q.cond.Wait()
	}
	*flags |= bit
	q.mu.Unlock()
}

// TryLockBit sets bit in *flags if it is clear, and reports whether it did.
func (q *WaitQueue) TryLockBit(flags *uint32, bit uint32) bool {
	q.lock()
	defer q.mu.Unlock()
	if *flags&bit != 0 {
		return false
	}
	*flags |= bit
	return true
}

// UnlockBit clears bit in *flags and wakes every waiter.
func (q *WaitQueue) UnlockBit(flags *uint32, bit uint32) {
	q.lock()
	if *flags&bit == 0 {
		q.mu.Unlock()
		panic("sync: unlock of unlocked bit")
	}
	*flags &^= bit
	q.mu.Unlock()
	q.cond.Broadcast()
}

// WaitBitClear sleeps until bit in *flags is clear, without taking it.
func (q *WaitQueue) WaitBitClear(flags *uint32, bit uint32) {
	q.Wait(func() bool { return *flags&bit == 0 })
}
