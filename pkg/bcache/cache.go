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

// Package bcache implements the buffer cache: block sized buffers of a
// device, shared by every user of the block and written back on release.
//
// Buffers live in an open addressing hash table keyed by (device, block,
// size) and on an LRU list. An unreferenced clean buffer stays cached until
// the cache grows past its limit or the device's buffers are invalidated.
//
// Lock order:
//
//	Cache.lruMu
//	  hash bucket lock
//	    BufferHead.wq
package bcache

import (
	"context"
	"fmt"
	"time"

	"vfscore.dev/vfscore/pkg/blockdev"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/hashtable"
	"vfscore.dev/vfscore/pkg/ilist"
	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/metric"
	"vfscore.dev/vfscore/pkg/qstr"
	"vfscore.dev/vfscore/pkg/sync"
)

var (
	hitsMetric   = metric.MustCreateNewUint64Metric("/bcache/hits", "Buffer cache lookups that found the block cached.")
	missesMetric = metric.MustCreateNewUint64Metric("/bcache/misses", "Buffer cache lookups that allocated a new buffer.")
	readsMetric  = metric.MustCreateNewUint64Metric("/bcache/reads", "Device reads issued by the buffer cache.")
	writesMetric = metric.MustCreateNewUint64Metric("/bcache/writes", "Device writes issued by the buffer cache.")
)

// warn limits writeback failure warnings, which repeat for every buffer of a
// failing device.
var warn = log.BasicRateLimitedLogger(time.Second)

// DefaultMaxBuffers is the buffer limit used when Options leaves it unset.
const DefaultMaxBuffers = 4096

// Options configures a Cache.
type Options struct {
	// Buckets is the initial hash table size.
	Buckets int

	// MaxLoad is the hash table load factor limit, in percent.
	MaxLoad int

	// MaxBuffers bounds the number of cached buffers. Referenced and dirty
	// buffers are never evicted, so the bound is soft.
	MaxBuffers int
}

// Cache is a buffer cache.
type Cache struct {
	hash *hashtable.Table[Key, *BufferHead]

	// lruMu protects lru and every BufferHead.lru.
	lruMu sync.Mutex

	// lru holds cached buffers, least recently used first.
	lru ilist.List[*BufferHead]

	maxBuffers int
}

func hashKey(k Key) uint64 {
	return qstr.HashInt(uint64(k.Dev)<<44 ^ k.Block<<12 ^ uint64(k.Size))
}

// New returns an empty cache.
func New(opts Options) *Cache {
	if opts.MaxBuffers <= 0 {
		opts.MaxBuffers = DefaultMaxBuffers
	}
	return &Cache{
		hash: hashtable.New(hashtable.Options[Key, *BufferHead]{
			Name:     "bcache",
			Buckets:  opts.Buckets,
			MaxLoad:  opts.MaxLoad,
			Hash:     hashKey,
			Key:      func(bh *BufferHead) Key { return bh.key },
			Strategy: hashtable.OpenAddressing,
		}),
		maxBuffers: opts.MaxBuffers,
	}
}

// Len returns the number of cached buffers.
func (c *Cache) Len() int {
	return c.hash.Len()
}

// touch moves bh to the most recently used end of the LRU.
func (c *Cache) touch(bh *BufferHead) {
	c.lruMu.Lock()
	defer c.lruMu.Unlock()
	if bh.lru.Linked() {
		c.lru.MoveToBack(&bh.lru)
	} else {
		c.lru.PushBack(&bh.lru)
	}
}

// GetBlk returns the buffer for block (in units of size) of dev with a
// reference held, allocating an empty one on a miss. The buffer's contents
// are not read.
func (c *Cache) GetBlk(dev *blockdev.BlockDevice, block uint64, size int) (*BufferHead, error) {
	bs := dev.BlockSize()
	if size < bs || size%bs != 0 {
		return nil, linuxerr.EINVAL
	}
	if block >= dev.NumBlocks()/uint64(size/bs) {
		return nil, linuxerr.ENXIO
	}
	key := Key{Dev: dev.ID(), Block: block, Size: size}
	bh, found, err := c.hash.LookupOrInsert(key, func(bh *BufferHead) {
		bh.refs.IncRefFromZero()
	}, func() (*BufferHead, error) {
		return newBufferHead(dev, key), nil
	})
	if err != nil {
		return nil, err
	}
	if found {
		hitsMetric.Increment()
	} else {
		missesMetric.Increment()
		log.Debugf("bcache: miss on %v block %d", key.Dev, block)
	}
	c.touch(bh)
	if !found && c.Len() > c.maxBuffers {
		c.Evict(c.Len() - c.maxBuffers)
	}
	return bh, nil
}

// Lookup returns the cached buffer for the block with a reference held, or
// nil.
func (c *Cache) Lookup(dev blockdev.DevID, block uint64, size int) *BufferHead {
	bh, ok := c.hash.Get(Key{Dev: dev, Block: block, Size: size}, func(bh *BufferHead) {
		bh.refs.IncRefFromZero()
	})
	if !ok {
		return nil
	}
	return bh
}

// readLocked fills bh from the device. bh must be locked.
func (c *Cache) readLocked(ctx context.Context, bh *BufferHead) error {
	bh.set(BHReq | BHAsyncRead)
	readsMetric.Increment()
	err := bh.dev.ReadBlocks(ctx, bh.Data, bh.devBlock())
	if err != nil {
		bh.clear(BHAsyncRead)
		log.Debugf("bcache: read of %v failed: %v", bh, err)
		return linuxerr.EIO
	}
	bh.wq.Update(func() {
		bh.flags |= BHUptodate
		bh.flags &^= BHAsyncRead | BHNew
	})
	return nil
}

// writeLocked writes bh to the device if it is dirty. bh must be locked. On
// failure the buffer stays dirty.
func (c *Cache) writeLocked(ctx context.Context, bh *BufferHead) error {
	if !bh.testAndClear(BHDirty) {
		return nil
	}
	bh.set(BHReq | BHAsyncWrite)
	writesMetric.Increment()
	err := bh.dev.WriteBlocks(ctx, bh.Data, bh.devBlock())
	bh.wq.Update(func() {
		bh.flags &^= BHAsyncWrite | BHNew
		if err != nil {
			bh.flags |= BHDirty
		}
	})
	if err != nil {
		warn.Warningf("bcache: write of %v failed: %v", bh, err)
		return linuxerr.EIO
	}
	return nil
}

// BRead returns the buffer for the block with its contents read. At most one
// device read is issued however many goroutines race on the block. A failed
// read is not retried; the reference is dropped and EIO returned.
func (c *Cache) BRead(ctx context.Context, dev *blockdev.BlockDevice, block uint64, size int) (*BufferHead, error) {
	bh, err := c.GetBlk(dev, block, size)
	if err != nil {
		return nil, err
	}
	if bh.Uptodate() {
		return bh, nil
	}
	bh.Lock()
	if bh.Uptodate() {
		bh.Unlock()
		return bh, nil
	}
	err = c.readLocked(ctx, bh)
	bh.Unlock()
	if err != nil {
		c.BRelse(ctx, bh)
		return nil, err
	}
	return bh, nil
}

// BRelse drops a reference on bh. Releasing the last reference to a dirty
// buffer writes it synchronously, and the write's error is returned.
func (c *Cache) BRelse(ctx context.Context, bh *BufferHead) error {
	if bh.refs.DecRef(nil) != 0 || !bh.Dirty() {
		return nil
	}
	bh.Lock()
	defer bh.Unlock()
	return c.writeLocked(ctx, bh)
}

// put drops a reference without writing.
func (c *Cache) put(bh *BufferHead) {
	bh.refs.DecRef(nil)
}

// MarkBufferDirty marks bh for writeback. The caller holds a reference.
func (c *Cache) MarkBufferDirty(bh *BufferHead) {
	if bh.refs.ReadRefs() <= 0 {
		panic(fmt.Sprintf("MarkBufferDirty of unreferenced %v", bh))
	}
	bh.set(BHDirty | BHUptodate)
}

// SyncDirtyBuffer writes bh if it is dirty, waiting for any I/O in progress.
func (c *Cache) SyncDirtyBuffer(ctx context.Context, bh *BufferHead) error {
	bh.Lock()
	defer bh.Unlock()
	return c.writeLocked(ctx, bh)
}

// Op is the direction of LLRWBlock.
type Op int

// Ops.
const (
	OpRead Op = iota
	OpWrite
)

// LLRWBlock issues I/O on bhs in order. Buffers that are locked are skipped,
// as are buffers already up to date (reads) or clean (writes). All buffers
// are attempted and the first error is returned.
func (c *Cache) LLRWBlock(ctx context.Context, op Op, bhs []*BufferHead) error {
	var first error
	for _, bh := range bhs {
		if !bh.TryLock() {
			continue
		}
		var err error
		switch op {
		case OpRead:
			if !bh.Uptodate() {
				err = c.readLocked(ctx, bh)
			}
		case OpWrite:
			err = c.writeLocked(ctx, bh)
		default:
			err = linuxerr.EINVAL
		}
		bh.Unlock()
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

// WaitOnBuffer sleeps until I/O on bh completes.
func (c *Cache) WaitOnBuffer(bh *BufferHead) {
	bh.wq.WaitBitClear(&bh.flags, BHLock)
}

// grab returns the cached buffer for key with a reference, if it is still bh.
func (c *Cache) grab(bh *BufferHead) bool {
	got, ok := c.hash.Get(bh.key, func(cur *BufferHead) {
		if cur == bh {
			cur.refs.IncRefFromZero()
		}
	})
	return ok && got == bh
}

// SyncDirtyBuffers writes every dirty buffer of dev. It does not stop at
// failures; the first error is returned.
func (c *Cache) SyncDirtyBuffers(ctx context.Context, dev blockdev.DevID) error {
	var first error
	n := 0
	for _, bh := range c.hash.Snapshot() {
		if bh.key.Dev != dev || !bh.Dirty() || !c.grab(bh) {
			continue
		}
		if err := c.SyncDirtyBuffer(ctx, bh); err != nil && first == nil {
			first = err
		}
		c.put(bh)
		n++
	}
	if n > 0 {
		log.Debugf("bcache: synced %d buffers of %v", n, dev)
	}
	return first
}

// reclaimLocked drops bh from the cache if nothing uses it. c.lruMu must be
// held.
func (c *Cache) reclaimLocked(bh *BufferHead) bool {
	if _, ok := c.hash.RemoveIf(bh.key, func(cur *BufferHead) bool {
		return cur == bh && cur.reclaimable()
	}); !ok {
		return false
	}
	c.lru.Remove(&bh.lru)
	return true
}

// InvalidateBuffers drops every unreferenced clean buffer of dev and returns
// the number dropped.
func (c *Cache) InvalidateBuffers(dev blockdev.DevID) int {
	c.lruMu.Lock()
	defer c.lruMu.Unlock()
	n := 0
	for e := c.lru.Front(); e != nil; {
		next := e.Next()
		if e.Value.key.Dev == dev && c.reclaimLocked(e.Value) {
			n++
		}
		e = next
	}
	if n > 0 {
		log.Debugf("bcache: invalidated %d buffers of %v", n, dev)
	}
	return n
}

// Evict drops up to count unreferenced clean buffers, least recently used
// first, and returns the number dropped. A count of 0 drops every such
// buffer.
func (c *Cache) Evict(count int) int {
	c.lruMu.Lock()
	defer c.lruMu.Unlock()
	n := 0
	for e := c.lru.Front(); e != nil && (count == 0 || n < count); {
		next := e.Next()
		if c.reclaimLocked(e.Value) {
			n++
		}
		e = next
	}
	if n > 0 {
		log.Debugf("bcache: evicted %d buffers", n)
	}
	return n
}
