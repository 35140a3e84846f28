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

// Package blockdev provides block devices and the registry that hands them
// out to the buffer cache.
//
// A Driver moves whole device blocks. BlockDevice wraps a driver with the
// bookkeeping the cache relies on: identity, open count, range checking and
// the generic ioctls.
package blockdev

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/refs"
	"vfscore.dev/vfscore/pkg/sync"
)

// DevID identifies a device as major:minor.
type DevID uint32

// MkDev builds a DevID.
func MkDev(major, minor uint32) DevID {
	return DevID(major<<20 | minor&0xfffff)
}

// Major returns the major number.
func (d DevID) Major() uint32 { return uint32(d) >> 20 }

// Minor returns the minor number.
func (d DevID) Minor() uint32 { return uint32(d) & 0xfffff }

// String implements fmt.Stringer.
func (d DevID) String() string { return fmt.Sprintf("%d:%d", d.Major(), d.Minor()) }

// Driver is implemented by device backends.
type Driver interface {
	// BlockSize returns the device block size in bytes.
	BlockSize() int

	// NumBlocks returns the device size in blocks.
	NumBlocks() uint64

	// ReadBlocks reads len(buf)/BlockSize() blocks starting at block.
	ReadBlocks(ctx context.Context, buf []byte, block uint64) error

	// WriteBlocks writes len(buf)/BlockSize() blocks starting at block.
	WriteBlocks(ctx context.Context, buf []byte, block uint64) error

	// Flush makes previous writes durable.
	Flush(ctx context.Context) error

	// Open is called when the first opener arrives.
	Open() error

	// Release is called when the last opener leaves.
	Release() error
}

// Ioctler is implemented by drivers with device specific ioctls.
type Ioctler interface {
	Ioctl(cmd uint32, arg uint64) (uint64, error)
}

// BlockDevice is a registered device.
type BlockDevice struct {
	id  DevID
	drv Driver

	// refs counts registry lookups, plus one for the registration itself.
	refs refs.AtomicRefCount

	mu      sync.Mutex
	openers int
}

// ID returns the device identity.
func (b *BlockDevice) ID() DevID { return b.id }

// BlockSize returns the device block size.
func (b *BlockDevice) BlockSize() int { return b.drv.BlockSize() }

// NumBlocks returns the device size in blocks.
func (b *BlockDevice) NumBlocks() uint64 { return b.drv.NumBlocks() }

// Driver returns the underlying driver.
func (b *BlockDevice) Driver() Driver { return b.drv }

// Openers returns the current open count.
func (b *BlockDevice) Openers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openers
}

func (b *BlockDevice) check(buf []byte, block uint64) (int, error) {
	bs := b.drv.BlockSize()
	if len(buf) == 0 || len(buf)%bs != 0 {
		return 0, linuxerr.EINVAL
	}
	count := uint64(len(buf) / bs)
	if block >= b.drv.NumBlocks() || count > b.drv.NumBlocks()-block {
		return 0, linuxerr.ENXIO
	}
	return int(count), nil
}

// ReadBlocks reads len(buf)/BlockSize() blocks starting at block.
func (b *BlockDevice) ReadBlocks(ctx context.Context, buf []byte, block uint64) error {
	count, err := b.check(buf, block)
	if err != nil {
		return err
	}
	if err := b.drv.ReadBlocks(ctx, buf, block); err != nil {
		log.Debugf("blockdev %v: read of %d blocks at %d failed: %v", b.id, count, block, err)
		return err
	}
	return nil
}

// WriteBlocks writes len(buf)/BlockSize() blocks starting at block.
func (b *BlockDevice) WriteBlocks(ctx context.Context, buf []byte, block uint64) error {
	count, err := b.check(buf, block)
	if err != nil {
		return err
	}
	if err := b.drv.WriteBlocks(ctx, buf, block); err != nil {
		log.Debugf("blockdev %v: write of %d blocks at %d failed: %v", b.id, count, block, err)
		return err
	}
	return nil
}

// Flush makes previous writes durable.
func (b *BlockDevice) Flush(ctx context.Context) error {
	return b.drv.Flush(ctx)
}

// Ioctl implements the generic block ioctls and forwards the rest to the
// driver.
func (b *BlockDevice) Ioctl(ctx context.Context, cmd uint32, arg uint64) (uint64, error) {
	switch cmd {
	case unix.BLKGETSIZE64:
		return b.drv.NumBlocks() * uint64(b.drv.BlockSize()), nil
	case unix.BLKSSZGET:
		return uint64(b.drv.BlockSize()), nil
	case unix.BLKFLSBUF:
		return 0, b.drv.Flush(ctx)
	}
	if i, ok := b.drv.(Ioctler); ok {
		return i.Ioctl(cmd, arg)
	}
	return 0, linuxerr.ENOTTY
}

// open increments the open count, opening the driver for the first opener.
func (b *BlockDevice) open() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openers == 0 {
		if err := b.drv.Open(); err != nil {
			return err
		}
	}
	b.openers++
	return nil
}

// release decrements the open count, releasing the driver for the last
// opener.
func (b *BlockDevice) release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openers <= 0 {
		panic(fmt.Sprintf("blockdev %v: release without open", b.id))
	}
	b.openers--
	if b.openers == 0 {
		return b.drv.Release()
	}
	return nil
}
