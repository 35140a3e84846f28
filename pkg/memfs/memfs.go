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

// Package memfs is a small block based filesystem.
//
// memfs keeps a fixed inode table and file data on a block device and
// reaches both only through the buffer cache. Directories are btrees in
// memory, written out as plain files when their inode is written back.
//
// Lock order:
//
//	inodeData.mu
//	  filesystem.mu
//	  bcache.BufferHead lock
package memfs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"vfscore.dev/vfscore/pkg/bcache"
	"vfscore.dev/vfscore/pkg/bitmap"
	"vfscore.dev/vfscore/pkg/blockdev"
	"vfscore.dev/vfscore/pkg/errors"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/sync"
	"vfscore.dev/vfscore/pkg/vfs"
)

// Name is the filesystem type name.
const Name = "memfs"

// FormatOptions configures Format.
type FormatOptions struct {
	// Inodes is the size of the inode table. Zero picks one inode per four
	// blocks.
	Inodes uint32

	// UUID identifies the filesystem. A random one is generated if it is
	// zero.
	UUID uuid.UUID

	// Now is the creation time of the root directory.
	Now time.Time
}

// Format writes an empty filesystem to dev. Any data on dev is lost.
func Format(ctx context.Context, v *vfs.VFS, dev blockdev.DevID, opts FormatOptions) error {
	bdev, err := v.Devices.Open(dev)
	if err != nil {
		return err
	}
	defer v.Devices.Close(bdev)

	geo, err := geometry(bdev.BlockSize(), bdev.NumBlocks(), opts.Inodes)
	if err != nil {
		return err
	}
	if opts.UUID == uuid.Nil {
		opts.UUID = uuid.New()
	}
	if opts.Now.IsZero() {
		opts.Now = v.Clock().Now()
	}
	geo.UUID = opts.UUID
	geo.Created = opts.Now.UnixNano()

	fs := &filesystem{dev: bdev, bufs: v.Buffers, geo: geo}
	// Stale buffers of a previous filesystem on the device must not be
	// written over the new one.
	v.Buffers.InvalidateBuffers(dev)
	if err := fs.writeRecord(ctx, 0, 0, &geo, true, false); err != nil {
		return err
	}
	empty := diskInode{}
	for blk := geo.TableStart; blk < geo.DataStart; blk++ {
		if err := fs.writeRecord(ctx, blk, 0, &empty, true, false); err != nil {
			return err
		}
	}
	now := opts.Now.UnixNano()
	root := diskInode{
		Mode:  unix.S_IFDIR | 0o755,
		Nlink: 2,
		Atime: now,
		Mtime: now,
		Ctime: now,
	}
	blk, off := geo.inodeLocation(RootIno)
	if err := fs.writeRecord(ctx, blk, off, &root, false, false); err != nil {
		return err
	}
	if err := v.Buffers.SyncDirtyBuffers(ctx, dev); err != nil {
		return err
	}
	log.Infof("memfs: formatted %v: %d blocks of %d bytes, %d inodes, uuid %v", dev, geo.NumBlocks, geo.BlockSize, geo.NumInodes, geo.UUID)
	return bdev.Flush(ctx)
}

// FileSystem is the memfs filesystem type.
type FileSystem struct{}

var _ vfs.FileSystemType = FileSystem{}

// Name implements vfs.FileSystemType.Name.
func (FileSystem) Name() string { return Name }

// Mount implements vfs.FileSystemType.Mount. dev must hold a filesystem
// written by Format.
func (fstype FileSystem) Mount(ctx context.Context, v *vfs.VFS, dev blockdev.DevID, flags uint32, _ string) (*vfs.SuperBlock, error) {
	bdev, err := v.Devices.Open(dev)
	if err != nil {
		return nil, err
	}
	fs := &filesystem{dev: bdev, bufs: v.Buffers}
	if err := fs.load(ctx); err != nil {
		v.Devices.Close(bdev)
		return nil, err
	}

	sb := v.NewSuperBlock(fstype, fs, bdev, flags)
	sb.SetPrivate(fs)
	root, err := v.Inodes.IGet(ctx, sb, RootIno)
	if err != nil {
		sb.GenericShutdownSuper(ctx)
		return nil, err
	}
	if !vfs.IsDir(root.Mode()) {
		root.DecRef(ctx)
		sb.GenericShutdownSuper(ctx)
		return nil, linuxerr.EIO
	}
	sb.SetRoot(root, nil)
	return sb, nil
}

// KillSB implements vfs.FileSystemType.KillSB.
func (FileSystem) KillSB(ctx context.Context, sb *vfs.SuperBlock) {
	sb.GenericShutdownSuper(ctx)
}

// UUID returns the identifier of the memfs superblock sb.
func UUID(sb *vfs.SuperBlock) uuid.UUID {
	return sb.Private().(*filesystem).geo.UUID
}

// filesystem is the per-superblock state. It implements
// vfs.SuperBlockOperations.
type filesystem struct {
	// dev, bufs and geo are immutable.
	dev  *blockdev.BlockDevice
	bufs *bcache.Cache
	geo  diskSuper

	mu sync.Mutex

	// inodes holds the allocated inode numbers and blocks the allocated
	// device blocks. They are protected by mu.
	inodes bitmap.Bitmap
	blocks bitmap.Bitmap

	// nextIno and nextBlock are allocation cursors, protected by mu.
	nextIno   uint32
	nextBlock uint32
}

var (
	_ vfs.SuperBlockOperations = (*filesystem)(nil)
	_ vfs.InoAllocator         = (*filesystem)(nil)
)

func (fs *filesystem) blockSize() int { return int(fs.geo.BlockSize) }

// load reads the superblock and rebuilds the allocation maps from the inode
// table.
func (fs *filesystem) load(ctx context.Context) error {
	if fs.dev.BlockSize() < MinBlockSize {
		return linuxerr.EINVAL
	}
	fs.geo.BlockSize = uint32(fs.dev.BlockSize())
	var geo diskSuper
	if err := fs.readRecord(ctx, 0, 0, &geo); err != nil {
		return err
	}
	if geo.Magic != Magic || geo.Version != Version {
		return errors.Wrap(linuxerr.EINVAL, "memfs: %v: bad magic %#x version %d", fs.dev.ID(), geo.Magic, geo.Version)
	}
	if int(geo.BlockSize) != fs.dev.BlockSize() || geo.NumBlocks > fs.dev.NumBlocks() || geo.DataStart >= geo.NumBlocks {
		return errors.Wrap(linuxerr.EINVAL, "memfs: %v: geometry %d x %d does not fit device", fs.dev.ID(), geo.BlockSize, geo.NumBlocks)
	}
	fs.geo = geo
	fs.inodes = bitmap.New(geo.NumInodes)
	fs.blocks = bitmap.New(uint32(geo.NumBlocks))
	fs.inodes.Add(0)
	for b := uint64(0); b < geo.DataStart; b++ {
		fs.blocks.Add(uint32(b))
	}

	var rec diskInode
	for ino := uint64(1); ino < uint64(geo.NumInodes); ino++ {
		blk, off := geo.inodeLocation(ino)
		if err := fs.readRecord(ctx, blk, off, &rec); err != nil {
			return err
		}
		if rec.Mode == 0 {
			continue
		}
		fs.inodes.Add(uint32(ino))
		for _, b := range rec.Direct {
			if err := fs.markUsed(b); err != nil {
				return err
			}
		}
		if rec.Indirect == 0 {
			continue
		}
		if err := fs.markUsed(rec.Indirect); err != nil {
			return err
		}
		ptrs, err := fs.readIndirect(ctx, rec.Indirect)
		if err != nil {
			return err
		}
		for _, b := range ptrs {
			if err := fs.markUsed(b); err != nil {
				return err
			}
		}
	}
	if !fs.inodes.Contains(RootIno) {
		return linuxerr.EIO
	}
	fs.nextIno = RootIno + 1
	fs.nextBlock = uint32(geo.DataStart)
	log.Debugf("memfs: %v: %d inodes, %d blocks in use", fs.dev.ID(), fs.inodes.Count()-1, fs.blocks.Count())
	return nil
}

func (fs *filesystem) markUsed(b uint64) error {
	if b == 0 {
		return nil
	}
	if b < fs.geo.DataStart || b >= fs.geo.NumBlocks || fs.blocks.Contains(uint32(b)) {
		err := errors.Wrap(linuxerr.EIO, "memfs: %v: bad or shared block %d", fs.dev.ID(), b)
		log.Warningf("%v", err)
		return err
	}
	fs.blocks.Add(uint32(b))
	return nil
}

// allocBlock reserves a free data block.
func (fs *filesystem) allocBlock() (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	b, ok := fs.blocks.FirstZero(fs.nextBlock)
	if !ok {
		return 0, linuxerr.ENOSPC
	}
	fs.blocks.Add(b)
	fs.nextBlock = b + 1
	return uint64(b), nil
}

func (fs *filesystem) freeBlocks(bs []uint64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, b := range bs {
		if b != 0 {
			fs.blocks.Remove(uint32(b))
		}
	}
}

// AllocIno implements vfs.InoAllocator.AllocIno.
func (fs *filesystem) AllocIno(context.Context, *vfs.SuperBlock) (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ino, ok := fs.inodes.FirstZero(fs.nextIno)
	if !ok {
		return 0, linuxerr.ENOSPC
	}
	fs.inodes.Add(ino)
	fs.nextIno = ino + 1
	return uint64(ino), nil
}

// AllocInode implements vfs.SuperBlockOperations.AllocInode.
func (fs *filesystem) AllocInode(i *vfs.Inode) error {
	i.SetPrivate(&inodeData{})
	return nil
}

// DestroyInode implements vfs.SuperBlockOperations.DestroyInode.
func (fs *filesystem) DestroyInode(i *vfs.Inode) {
	i.SetPrivate(nil)
}

// DirtyInode implements vfs.SuperBlockOperations.DirtyInode.
func (fs *filesystem) DirtyInode(*vfs.Inode, uint32) {}

// ReadInode implements vfs.SuperBlockOperations.ReadInode.
func (fs *filesystem) ReadInode(ctx context.Context, i *vfs.Inode) error {
	ino := i.Ino()
	if ino == 0 || ino >= uint64(fs.geo.NumInodes) {
		return linuxerr.ESTALE
	}
	var rec diskInode
	blk, off := fs.geo.inodeLocation(ino)
	if err := fs.readRecord(ctx, blk, off, &rec); err != nil {
		return err
	}
	if rec.Mode == 0 || rec.Nlink == 0 {
		return linuxerr.ESTALE
	}
	i.InitAttr(rec.Mode, rec.UID, rec.GID, rec.Nlink, rec.Rdev, rec.Size,
		time.Unix(0, rec.Atime), time.Unix(0, rec.Mtime), time.Unix(0, rec.Ctime))

	d := dataOf(i)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.direct = rec.Direct
	d.indirect = rec.Indirect
	d.diskSize = rec.Size
	if vfs.IsDir(rec.Mode) {
		buf := make([]byte, rec.Size)
		if _, err := fs.readDataLocked(ctx, d, 0, buf); err != nil {
			return err
		}
		dirents, err := decodeDirents(buf)
		if err != nil {
			log.Warningf("memfs: %v: corrupt directory %d", fs.dev.ID(), ino)
			return err
		}
		d.dirents = dirents
	}
	fs.setOps(i)
	return nil
}

// WriteInode implements vfs.SuperBlockOperations.WriteInode. Directory
// contents are written with the inode. Blocks past the end of file are
// freed.
func (fs *filesystem) WriteInode(ctx context.Context, i *vfs.Inode, wait bool) error {
	d := dataOf(i)
	d.mu.Lock()
	defer d.mu.Unlock()

	size := i.Size()
	if d.dirents != nil {
		buf := encodeDirents(d.dirents)
		if _, err := fs.writeDataLocked(ctx, d, 0, buf); err != nil {
			return err
		}
		size = int64(len(buf))
	}
	if err := fs.truncateLocked(ctx, d, size); err != nil {
		return err
	}

	uid, gid := i.Owner()
	atime, mtime, ctime := i.Times()
	rec := diskInode{
		Mode:     i.Mode(),
		UID:      uid,
		GID:      gid,
		Nlink:    i.Nlink(),
		Rdev:     i.Rdev(),
		Size:     size,
		Atime:    atime.UnixNano(),
		Mtime:    mtime.UnixNano(),
		Ctime:    ctime.UnixNano(),
		Direct:   d.direct,
		Indirect: d.indirect,
	}
	blk, off := fs.geo.inodeLocation(i.Ino())
	return fs.writeRecord(ctx, blk, off, &rec, false, wait)
}

// EvictInode implements vfs.SuperBlockOperations.EvictInode. The storage of
// an unlinked inode is freed.
func (fs *filesystem) EvictInode(ctx context.Context, i *vfs.Inode) {
	if i.Nlink() != 0 {
		return
	}
	d := dataOf(i)
	d.mu.Lock()
	err := fs.truncateLocked(ctx, d, 0)
	d.mu.Unlock()
	if err != nil {
		log.Warningf("memfs: %v: freeing blocks of inode %d: %v", fs.dev.ID(), i.Ino(), err)
	}
	blk, off := fs.geo.inodeLocation(i.Ino())
	if err := fs.writeRecord(ctx, blk, off, &diskInode{}, false, false); err != nil {
		// The inode is leaked until the table block is rewritten.
		log.Warningf("memfs: %v: clearing inode %d: %v", fs.dev.ID(), i.Ino(), err)
		return
	}
	fs.mu.Lock()
	fs.inodes.Remove(uint32(i.Ino()))
	fs.mu.Unlock()
}

// DropInode implements vfs.SuperBlockOperations.DropInode.
func (fs *filesystem) DropInode(*vfs.Inode) bool { return false }

// SyncFS implements vfs.SuperBlockOperations.SyncFS. All metadata lives in
// inodes, which the caller writes back.
func (fs *filesystem) SyncFS(context.Context, *vfs.SuperBlock, bool) error { return nil }

// StatFS implements vfs.SuperBlockOperations.StatFS.
func (fs *filesystem) StatFS(context.Context, *vfs.SuperBlock) (vfs.Statfs, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return vfs.Statfs{
		Type:       Name,
		BlockSize:  int64(fs.geo.BlockSize),
		Blocks:     fs.geo.NumBlocks - fs.geo.DataStart,
		BlocksFree: uint64(fs.blocks.Size() - fs.blocks.Count()),
		Files:      uint64(fs.geo.NumInodes - 1),
		FilesFree:  uint64(fs.inodes.Size() - fs.inodes.Count()),
		NameLen:    vfs.MaxNameLen,
	}, nil
}

// PutSuper implements vfs.SuperBlockOperations.PutSuper.
func (fs *filesystem) PutSuper(context.Context, *vfs.SuperBlock) {
	log.Debugf("memfs: %v: unmounted", fs.dev.ID())
}

func (fs *filesystem) setOps(i *vfs.Inode) {
	if vfs.IsDir(i.Mode()) {
		i.SetOps(dirOps{fs}, nil)
	} else {
		i.SetOps(nil, fileOps{fs})
	}
}
