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

package memfs

import (
	"context"

	"github.com/google/btree"
	"vfscore.dev/vfscore/pkg/bcache"
	"vfscore.dev/vfscore/pkg/binary"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/sync"
	"vfscore.dev/vfscore/pkg/vfs"
)

// inodeData is the memfs state of an inode.
type inodeData struct {
	mu sync.Mutex

	// direct and indirect are the block map, as on disk.
	direct   [numDirect]uint64
	indirect uint64

	// diskSize is the size last written to the inode table.
	diskSize int64

	// dirents holds the entries of a directory; it is nil for other files.
	dirents *btree.BTreeG[dirent]
}

func dataOf(i *vfs.Inode) *inodeData {
	return i.Private().(*inodeData)
}

func (fs *filesystem) readIndirect(ctx context.Context, blk uint64) ([]uint64, error) {
	bh, err := fs.bufs.BRead(ctx, fs.dev, blk, fs.blockSize())
	if err != nil {
		return nil, err
	}
	defer fs.bufs.BRelse(ctx, bh)
	ptrs := make([]uint64, fs.geo.pointersPerBlock())
	bh.Lock()
	for i := range ptrs {
		ptrs[i] = binary.LittleEndian.Uint64(bh.Data[i*8:])
	}
	bh.Unlock()
	return ptrs, nil
}

// zeroBlock writes zeroes over device block blk.
func (fs *filesystem) zeroBlock(ctx context.Context, blk uint64) error {
	bh, err := fs.bufs.GetBlk(fs.dev, blk, fs.blockSize())
	if err != nil {
		return err
	}
	bh.Lock()
	clear(bh.Data)
	bh.Unlock()
	fs.bufs.MarkBufferDirty(bh)
	return fs.bufs.BRelse(ctx, bh)
}

// bmap returns the device block holding file block n, or 0 for a hole. With
// alloc set a hole is filled with a newly allocated block, and fresh reports
// that the block's contents are undefined. d.mu must be held.
func (fs *filesystem) bmap(ctx context.Context, d *inodeData, n uint64, alloc bool) (blk uint64, fresh bool, err error) {
	if n < numDirect {
		if d.direct[n] == 0 && alloc {
			if d.direct[n], err = fs.allocBlock(); err != nil {
				return 0, false, err
			}
			fresh = true
		}
		return d.direct[n], fresh, nil
	}
	n -= numDirect
	if n >= fs.geo.pointersPerBlock() {
		if alloc {
			return 0, false, linuxerr.EFBIG
		}
		return 0, false, nil
	}
	if d.indirect == 0 {
		if !alloc {
			return 0, false, nil
		}
		b, err := fs.allocBlock()
		if err != nil {
			return 0, false, err
		}
		if err := fs.zeroBlock(ctx, b); err != nil {
			fs.freeBlocks([]uint64{b})
			return 0, false, err
		}
		d.indirect = b
	}

	bh, err := fs.bufs.BRead(ctx, fs.dev, d.indirect, fs.blockSize())
	if err != nil {
		return 0, false, err
	}
	bh.Lock()
	blk = binary.LittleEndian.Uint64(bh.Data[n*8:])
	bh.Unlock()
	if blk != 0 || !alloc {
		fs.bufs.BRelse(ctx, bh)
		return blk, false, nil
	}
	if blk, err = fs.allocBlock(); err != nil {
		fs.bufs.BRelse(ctx, bh)
		return 0, false, err
	}
	bh.Lock()
	binary.LittleEndian.PutUint64(bh.Data[n*8:], blk)
	bh.Unlock()
	fs.bufs.MarkBufferDirty(bh)
	if err := fs.bufs.BRelse(ctx, bh); err != nil {
		return 0, false, err
	}
	return blk, true, nil
}

// readDataLocked reads file data at off into dst. Holes read as zeroes. The
// caller bounds dst by the file size. d.mu must be held.
func (fs *filesystem) readDataLocked(ctx context.Context, d *inodeData, off int64, dst []byte) (int, error) {
	bs := int64(fs.blockSize())
	done := 0
	for done < len(dst) {
		pos := off + int64(done)
		within := int(pos % bs)
		chunk := min(int(bs)-within, len(dst)-done)
		blk, _, err := fs.bmap(ctx, d, uint64(pos/bs), false)
		if err != nil {
			return done, err
		}
		if blk == 0 {
			clear(dst[done : done+chunk])
		} else {
			bh, err := fs.bufs.BRead(ctx, fs.dev, blk, int(bs))
			if err != nil {
				return done, err
			}
			bh.Lock()
			copy(dst[done:done+chunk], bh.Data[within:])
			bh.Unlock()
			fs.bufs.BRelse(ctx, bh)
		}
		done += chunk
	}
	return done, nil
}

// writeDataLocked writes src at off, allocating blocks as needed. d.mu must
// be held.
func (fs *filesystem) writeDataLocked(ctx context.Context, d *inodeData, off int64, src []byte) (int, error) {
	bs := int64(fs.blockSize())
	done := 0
	for done < len(src) {
		pos := off + int64(done)
		within := int(pos % bs)
		chunk := min(int(bs)-within, len(src)-done)
		blk, fresh, err := fs.bmap(ctx, d, uint64(pos/bs), true)
		if err != nil {
			return done, err
		}
		bufs := fs.bufs
		var bh *bcache.BufferHead
		if fresh || chunk == int(bs) {
			bh, err = bufs.GetBlk(fs.dev, blk, int(bs))
		} else {
			bh, err = bufs.BRead(ctx, fs.dev, blk, int(bs))
		}
		if err != nil {
			return done, err
		}
		bh.Lock()
		if fresh {
			clear(bh.Data)
		}
		copy(bh.Data[within:], src[done:done+chunk])
		bh.Unlock()
		bufs.MarkBufferDirty(bh)
		if err := bufs.BRelse(ctx, bh); err != nil {
			return done, err
		}
		done += chunk
	}
	return done, nil
}

// truncateLocked frees the blocks wholly past size and zeroes the tail of
// the block holding size if the file shrank. d.mu must be held.
func (fs *filesystem) truncateLocked(ctx context.Context, d *inodeData, size int64) error {
	bs := int64(fs.blockSize())
	if off := size % bs; size < d.diskSize && off != 0 {
		blk, _, err := fs.bmap(ctx, d, uint64(size/bs), false)
		if err != nil {
			return err
		}
		if blk != 0 {
			bh, err := fs.bufs.BRead(ctx, fs.dev, blk, int(bs))
			if err != nil {
				return err
			}
			bh.Lock()
			clear(bh.Data[off:])
			bh.Unlock()
			fs.bufs.MarkBufferDirty(bh)
			if err := fs.bufs.BRelse(ctx, bh); err != nil {
				return err
			}
		}
	}
	d.diskSize = size

	keep := uint64((size + bs - 1) / bs)
	var freed []uint64
	for n := keep; n < numDirect; n++ {
		if d.direct[n] != 0 {
			freed = append(freed, d.direct[n])
			d.direct[n] = 0
		}
	}
	if d.indirect != 0 {
		ptrs, err := fs.readIndirect(ctx, d.indirect)
		if err != nil {
			return err
		}
		first := uint64(0)
		if keep > numDirect {
			first = keep - numDirect
		}
		changed := false
		for n := first; n < uint64(len(ptrs)); n++ {
			if ptrs[n] != 0 {
				freed = append(freed, ptrs[n])
				ptrs[n] = 0
				changed = true
			}
		}
		if first == 0 {
			freed = append(freed, d.indirect)
			d.indirect = 0
		} else if changed {
			if err := fs.writeIndirect(ctx, d.indirect, ptrs); err != nil {
				return err
			}
		}
	}
	fs.freeBlocks(freed)
	return nil
}

func (fs *filesystem) writeIndirect(ctx context.Context, blk uint64, ptrs []uint64) error {
	bh, err := fs.bufs.BRead(ctx, fs.dev, blk, fs.blockSize())
	if err != nil {
		return err
	}
	bh.Lock()
	for i, p := range ptrs {
		binary.LittleEndian.PutUint64(bh.Data[i*8:], p)
	}
	bh.Unlock()
	fs.bufs.MarkBufferDirty(bh)
	return fs.bufs.BRelse(ctx, bh)
}
