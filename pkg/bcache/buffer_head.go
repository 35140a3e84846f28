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

package bcache

import (
	"fmt"

	"vfscore.dev/vfscore/pkg/blockdev"
	"vfscore.dev/vfscore/pkg/ilist"
	"vfscore.dev/vfscore/pkg/refs"
	"vfscore.dev/vfscore/pkg/sync"
)

// Buffer state bits.
const (
	// BHUptodate is set when Data holds the block's contents.
	BHUptodate uint32 = 1 << iota

	// BHDirty is set when Data must be written back.
	BHDirty

	// BHLock is held across device I/O on the buffer.
	BHLock

	// BHMapped is set when the buffer is bound to a device block.
	BHMapped

	// BHNew is set on a freshly allocated buffer until its first I/O.
	BHNew

	// BHReq is set once I/O has been submitted for the buffer.
	BHReq

	// BHAsyncRead and BHAsyncWrite mark the direction of in-flight I/O.
	BHAsyncRead
	BHAsyncWrite
)

// Key identifies a cached block.
type Key struct {
	Dev   blockdev.DevID
	Block uint64
	Size  int
}

// BufferHead caches one block of a device.
type BufferHead struct {
	key Key
	dev *blockdev.BlockDevice

	// Data is the block contents. Callers hold a reference while touching
	// it and hold BHLock (see Lock) when racing with I/O.
	Data []byte

	refs refs.AtomicRefCount

	// wq guards flags and parks waiters on BHLock.
	wq    sync.WaitQueue
	flags uint32

	// lru is protected by Cache.lruMu.
	lru ilist.Entry[*BufferHead]
}

func newBufferHead(dev *blockdev.BlockDevice, key Key) *BufferHead {
	bh := &BufferHead{
		key:   key,
		dev:   dev,
		Data:  make([]byte, key.Size),
		flags: BHNew | BHMapped,
	}
	bh.lru.Value = bh
	bh.refs.InitRefs()
	return bh
}

// Key returns the buffer's cache key.
func (bh *BufferHead) Key() Key { return bh.key }

// Block returns the block number in units of Size.
func (bh *BufferHead) Block() uint64 { return bh.key.Block }

// Size returns the buffer size in bytes.
func (bh *BufferHead) Size() int { return bh.key.Size }

// Device returns the device the buffer maps.
func (bh *BufferHead) Device() *blockdev.BlockDevice { return bh.dev }

// Refs returns the current reference count.
func (bh *BufferHead) Refs() int64 { return bh.refs.ReadRefs() }

// Flags returns a snapshot of the state bits.
func (bh *BufferHead) Flags() uint32 {
	var f uint32
	bh.wq.Load(func() { f = bh.flags })
	return f
}

func (bh *BufferHead) test(bit uint32) bool {
	return bh.Flags()&bit != 0
}

func (bh *BufferHead) set(bits uint32) {
	bh.wq.Update(func() { bh.flags |= bits })
}

func (bh *BufferHead) clear(bits uint32) {
	bh.wq.Update(func() { bh.flags &^= bits })
}

// testAndClear clears bit and reports whether it was set.
func (bh *BufferHead) testAndClear(bit uint32) bool {
	var was bool
	bh.wq.Update(func() {
		was = bh.flags&bit != 0
		bh.flags &^= bit
	})
	return was
}

// Uptodate reports whether Data is valid.
func (bh *BufferHead) Uptodate() bool { return bh.test(BHUptodate) }

// SetUptodate marks Data valid, for callers that filled it themselves.
func (bh *BufferHead) SetUptodate() { bh.set(BHUptodate) }

// Dirty reports whether the buffer needs writeback.
func (bh *BufferHead) Dirty() bool { return bh.test(BHDirty) }

// Locked reports whether I/O is in progress.
func (bh *BufferHead) Locked() bool { return bh.test(BHLock) }

// Lock takes BHLock, sleeping while another goroutine holds it.
func (bh *BufferHead) Lock() { bh.wq.LockBit(&bh.flags, BHLock) }

// TryLock takes BHLock if it is free.
func (bh *BufferHead) TryLock() bool { return bh.wq.TryLockBit(&bh.flags, BHLock) }

// Unlock releases BHLock and wakes waiters.
func (bh *BufferHead) Unlock() { bh.wq.UnlockBit(&bh.flags, BHLock) }

// reclaimable reports whether the buffer may be dropped from the cache. It is
// evaluated with the hash bucket locked, which excludes new references.
func (bh *BufferHead) reclaimable() bool {
	if bh.refs.ReadRefs() != 0 {
		return false
	}
	return bh.Flags()&(BHDirty|BHLock) == 0
}

// devBlock returns the first device block covered by the buffer.
func (bh *BufferHead) devBlock() uint64 {
	return bh.key.Block * uint64(bh.key.Size/bh.dev.BlockSize())
}

// String implements fmt.Stringer.
func (bh *BufferHead) String() string {
	return fmt.Sprintf("bh{%v block %d size %d refs %d flags %#x}", bh.key.Dev, bh.key.Block, bh.key.Size, bh.Refs(), bh.Flags())
}
