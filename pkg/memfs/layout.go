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
	"math"

	"github.com/google/btree"
	"vfscore.dev/vfscore/pkg/bcache"
	"vfscore.dev/vfscore/pkg/binary"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
)

// Device layout:
//
//	block 0                  superblock
//	block 1 ... DataStart-1  inode table, InodeSize bytes per inode
//	block DataStart ...      file data, directory data and indirect blocks
//
// Inode 0 is never used; the root directory is inode 1. Block pointers are
// device block numbers, where 0 marks a hole. The free block and free inode
// maps are not stored: Mount rebuilds them from the inode table.
const (
	// Magic identifies a formatted device.
	Magic = 0x666d656d63736676

	// Version is the layout version written by Format.
	Version = 1

	// InodeSize is the size of an on-disk inode.
	InodeSize = 256

	// RootIno is the inode number of the root directory.
	RootIno = 1

	numDirect = 24

	// MinBlockSize is the smallest supported block size.
	MinBlockSize = 512
)

type diskSuper struct {
	Magic      uint64
	Version    uint32
	BlockSize  uint32
	NumBlocks  uint64
	NumInodes  uint32
	Reserved   uint32
	TableStart uint64
	DataStart  uint64
	UUID       [16]byte
	Created    int64
}

type diskInode struct {
	Mode     uint32
	UID      uint32
	GID      uint32
	Nlink    uint32
	Rdev     uint32
	Flags    uint32
	Size     int64
	Atime    int64
	Mtime    int64
	Ctime    int64
	Direct   [numDirect]uint64
	Indirect uint64
}

// geometry computes the layout of a device of nblocks blocks of bs bytes
// holding ninodes inodes (0 picks a default).
func geometry(bs int, nblocks uint64, ninodes uint32) (diskSuper, error) {
	if bs < MinBlockSize || bs&(bs-1) != 0 || bs%InodeSize != 0 {
		return diskSuper{}, linuxerr.EINVAL
	}
	if nblocks > math.MaxUint32 {
		return diskSuper{}, linuxerr.EFBIG
	}
	perBlock := uint32(bs / InodeSize)
	if ninodes == 0 {
		ninodes = uint32(max(nblocks/4, 16))
	}
	ninodes = (ninodes + perBlock - 1) / perBlock * perBlock
	tableBlocks := uint64(ninodes / perBlock)
	if 1+tableBlocks+1 > nblocks {
		return diskSuper{}, linuxerr.ENOSPC
	}
	return diskSuper{
		Magic:      Magic,
		Version:    Version,
		BlockSize:  uint32(bs),
		NumBlocks:  nblocks,
		NumInodes:  ninodes,
		TableStart: 1,
		DataStart:  1 + tableBlocks,
	}, nil
}

// inodeLocation returns the table block and offset of inode ino.
func (s *diskSuper) inodeLocation(ino uint64) (uint64, int) {
	perBlock := uint64(s.BlockSize) / InodeSize
	return s.TableStart + ino/perBlock, int(ino%perBlock) * InodeSize
}

// pointersPerBlock is the number of block pointers in an indirect block.
func (s *diskSuper) pointersPerBlock() uint64 {
	return uint64(s.BlockSize) / 8
}

// maxFileBlocks is the largest file size in blocks.
func (s *diskSuper) maxFileBlocks() uint64 {
	return numDirect + s.pointersPerBlock()
}

type dirent struct {
	name string
	ino  uint64
}

func direntLess(a, b dirent) bool { return a.name < b.name }

func newDirents() *btree.BTreeG[dirent] {
	return btree.NewG(8, direntLess)
}

// encodeDirents serializes a directory as a sequence of (ino, name length,
// name) entries in name order.
func encodeDirents(t *btree.BTreeG[dirent]) []byte {
	var buf []byte
	t.Ascend(func(e dirent) bool {
		buf = binary.AppendUint64(buf, binary.LittleEndian, e.ino)
		buf = append(buf, byte(len(e.name)))
		buf = append(buf, e.name...)
		return true
	})
	return buf
}

func decodeDirents(buf []byte) (*btree.BTreeG[dirent], error) {
	t := newDirents()
	d := binary.NewDecoder(buf, binary.LittleEndian)
	for d.Len() > 0 {
		ino := d.Uint64()
		name := d.Bytes(int(d.Uint8()))
		if d.Err != nil {
			return nil, linuxerr.EIO
		}
		if ino == 0 || len(name) == 0 {
			return nil, linuxerr.EIO
		}
		t.ReplaceOrInsert(dirent{name: string(name), ino: ino})
	}
	return t, nil
}

// readRecord reads the record at off in block blk.
func (fs *filesystem) readRecord(ctx context.Context, blk uint64, off int, rec any) error {
	bufs := fs.bufs
	bh, err := bufs.BRead(ctx, fs.dev, blk, fs.blockSize())
	if err != nil {
		return err
	}
	bh.Lock()
	_, err = binary.Unmarshal(bh.Data[off:], binary.LittleEndian, rec)
	bh.Unlock()
	bufs.BRelse(ctx, bh)
	return err
}

// writeRecord stores rec at off in block blk. The block is read first unless
// fresh is set, in which case the rest of it is zeroed. If wait is set, the
// block is on the device when writeRecord returns.
func (fs *filesystem) writeRecord(ctx context.Context, blk uint64, off int, rec any, fresh, wait bool) error {
	bufs := fs.bufs
	var err error
	var bh *bcache.BufferHead
	if fresh {
		bh, err = bufs.GetBlk(fs.dev, blk, fs.blockSize())
	} else {
		bh, err = bufs.BRead(ctx, fs.dev, blk, fs.blockSize())
	}
	if err != nil {
		return err
	}
	bh.Lock()
	if fresh {
		clear(bh.Data)
	}
	_, err = binary.MarshalInto(bh.Data[off:], binary.LittleEndian, rec)
	bh.Unlock()
	if err != nil {
		bufs.BRelse(ctx, bh)
		return err
	}
	bufs.MarkBufferDirty(bh)
	if wait {
		err = bufs.SyncDirtyBuffer(ctx, bh)
	}
	if rerr := bufs.BRelse(ctx, bh); err == nil {
		err = rerr
	}
	return err
}
