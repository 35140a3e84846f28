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

package blockdev

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/sync"
)

type memBlock struct {
	n    uint64
	data []byte
}

func memBlockLess(a, b memBlock) bool { return a.n < b.n }

// MemDisk is a sparse RAM disk. Blocks that were never written read as
// zeroes and take no memory. It counts I/O and can inject failures, which
// makes it the device of choice for tests.
type MemDisk struct {
	blockSize int
	nblocks   uint64

	mu     sync.Mutex
	blocks *btree.BTreeG[memBlock]

	reads   atomic.Int64
	writes  atomic.Int64
	flushes atomic.Int64

	// ReadHook and WriteHook, if set, run before each transfer of the
	// given block; a non-nil error fails the transfer. They must be set
	// before the disk is shared.
	ReadHook  func(block uint64) error
	WriteHook func(block uint64) error

	// Latency delays every transfer.
	Latency time.Duration
}

// NewMemDisk returns a disk of nblocks blocks of blockSize bytes.
func NewMemDisk(blockSize int, nblocks uint64) *MemDisk {
	return &MemDisk{
		blockSize: blockSize,
		nblocks:   nblocks,
		blocks:    btree.NewG(16, memBlockLess),
	}
}

// BlockSize implements Driver.BlockSize.
func (m *MemDisk) BlockSize() int { return m.blockSize }

// NumBlocks implements Driver.NumBlocks.
func (m *MemDisk) NumBlocks() uint64 { return m.nblocks }

// Reads returns the number of ReadBlocks calls.
func (m *MemDisk) Reads() int64 { return m.reads.Load() }

// Writes returns the number of WriteBlocks calls.
func (m *MemDisk) Writes() int64 { return m.writes.Load() }

// Flushes returns the number of Flush calls.
func (m *MemDisk) Flushes() int64 { return m.flushes.Load() }

// Allocated returns the number of blocks holding data.
func (m *MemDisk) Allocated() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocks.Len()
}

func (m *MemDisk) delay(ctx context.Context) error {
	if m.Latency == 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(m.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadBlocks implements Driver.ReadBlocks.
func (m *MemDisk) ReadBlocks(ctx context.Context, buf []byte, block uint64) error {
	m.reads.Add(1)
	if err := m.delay(ctx); err != nil {
		return err
	}
	bs := m.blockSize
	for i := 0; i*bs < len(buf); i++ {
		n := block + uint64(i)
		if m.ReadHook != nil {
			if err := m.ReadHook(n); err != nil {
				return err
			}
		}
		dst := buf[i*bs : (i+1)*bs]
		m.mu.Lock()
		b, ok := m.blocks.Get(memBlock{n: n})
		if ok {
			copy(dst, b.data)
		} else {
			clear(dst)
		}
		m.mu.Unlock()
	}
	return nil
}

// WriteBlocks implements Driver.WriteBlocks.
func (m *MemDisk) WriteBlocks(ctx context.Context, buf []byte, block uint64) error {
	m.writes.Add(1)
	if err := m.delay(ctx); err != nil {
		return err
	}
	bs := m.blockSize
	for i := 0; i*bs < len(buf); i++ {
		n := block + uint64(i)
		if m.WriteHook != nil {
			if err := m.WriteHook(n); err != nil {
				return err
			}
		}
		data := make([]byte, bs)
		copy(data, buf[i*bs:(i+1)*bs])
		m.mu.Lock()
		m.blocks.ReplaceOrInsert(memBlock{n: n, data: data})
		m.mu.Unlock()
	}
	return nil
}

// Discard drops the contents of count blocks starting at block, so that they
// read as zeroes.
func (m *MemDisk) Discard(block, count uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var victims []memBlock
	m.blocks.AscendRange(memBlock{n: block}, memBlock{n: block + count}, func(b memBlock) bool {
		victims = append(victims, b)
		return true
	})
	for _, b := range victims {
		m.blocks.Delete(b)
	}
}

// Flush implements Driver.Flush.
func (m *MemDisk) Flush(context.Context) error {
	m.flushes.Add(1)
	return nil
}

// Open implements Driver.Open.
func (m *MemDisk) Open() error { return nil }

// Release implements Driver.Release.
func (m *MemDisk) Release() error { return nil }

// Ioctl implements Ioctler. BLKDISCARD-style requests are not supported.
func (m *MemDisk) Ioctl(cmd uint32, arg uint64) (uint64, error) {
	return 0, linuxerr.ENOTTY
}
