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

package vfs

import (
	"context"
	"io"
	"math"

	"golang.org/x/sys/unix"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/sync"
)

// Kiocb is the cursor of one I/O request.
type Kiocb struct {
	// File is the open file, if the request came through one.
	File *File

	// Inode is the file's inode.
	Inode *Inode

	// Pos is the file offset of the next byte.
	Pos int64

	// Flags are the open flags of the request.
	Flags uint32
}

// File is an open file.
type File struct {
	v     *VFS
	vd    VirtualDentry
	inode *Inode
	flags uint32

	// mu serializes offset updates.
	mu  sync.Mutex
	pos int64
}

// Open opens the file at vd with unix open flags. The File holds its own
// references on vd.
func (v *VFS) Open(ctx context.Context, creds *Credentials, vd VirtualDentry, flags uint32) (*File, error) {
	inode := vd.Inode()
	if inode == nil {
		return nil, linuxerr.ENOENT
	}
	var ats AccessTypes
	switch flags & unix.O_ACCMODE {
	case unix.O_RDONLY:
		ats = MayRead
	case unix.O_WRONLY:
		ats = MayWrite
	case unix.O_RDWR:
		ats = MayRead | MayWrite
	default:
		return nil, linuxerr.EINVAL
	}
	if ats&MayWrite != 0 && IsDir(inode.Mode()) {
		return nil, linuxerr.EISDIR
	}
	if err := inode.Permission(creds, ats); err != nil {
		return nil, err
	}
	if flags&unix.O_TRUNC != 0 && ats&MayWrite != 0 && IsRegular(inode.Mode()) {
		inode.NotifyChange(ctx, &Attr{Mask: AttrSize | AttrMtime, Size: 0, Mtime: v.clock.Now()})
	}
	v.IncRefPath(vd)
	inode.IncRef()
	return &File{v: v, vd: vd, inode: inode, flags: flags}, nil
}

// Inode returns f's inode.
func (f *File) Inode() *Inode { return f.inode }

// Path returns where f was opened.
func (f *File) Path() VirtualDentry { return f.vd }

// Flags returns f's open flags.
func (f *File) Flags() uint32 { return f.flags }

func (f *File) readable() bool { return f.flags&unix.O_ACCMODE != unix.O_WRONLY }
func (f *File) writable() bool { return f.flags&unix.O_ACCMODE != unix.O_RDONLY }

// PRead reads into dst at off.
func (f *File) PRead(ctx context.Context, dst []byte, off int64) (int, error) {
	if !f.readable() {
		return 0, linuxerr.EBADF
	}
	if off < 0 {
		return 0, linuxerr.EINVAL
	}
	if IsDir(f.inode.Mode()) {
		return 0, linuxerr.EISDIR
	}
	k := &Kiocb{File: f, Inode: f.inode, Pos: off, Flags: f.flags}
	if f.flags&unix.O_DIRECT != 0 {
		return f.direct(ctx, k, dst, false)
	}
	return f.inode.mapping.Read(ctx, k, dst)
}

// PWrite writes src at off.
func (f *File) PWrite(ctx context.Context, src []byte, off int64) (int, error) {
	if !f.writable() {
		return 0, linuxerr.EBADF
	}
	if off < 0 || off > math.MaxInt64-int64(len(src)) {
		return 0, linuxerr.EINVAL
	}
	if f.inode.sb.ReadOnly() {
		return 0, linuxerr.EROFS
	}
	k := &Kiocb{File: f, Inode: f.inode, Pos: off, Flags: f.flags}
	if f.flags&unix.O_DIRECT != 0 {
		return f.direct(ctx, k, src, true)
	}
	return f.inode.mapping.Write(ctx, k, src)
}

// direct transfers buf bypassing the cache. Dirty cached pages in the range
// are written first so the device sees the latest data, and a write drops
// the cached copies it made stale.
func (f *File) direct(ctx context.Context, k *Kiocb, buf []byte, write bool) (int, error) {
	a := f.inode.mapping
	if len(buf) == 0 {
		return 0, nil
	}
	first := uint64(k.Pos) >> PageShift
	last := uint64(k.Pos+int64(len(buf))-1) >> PageShift
	wbc := &WritebackControl{SyncMode: WBSyncAll, Reason: ReasonSync, RangeStart: first, RangeEnd: last}
	if err := a.WritebackRange(ctx, wbc); err != nil {
		return 0, err
	}
	n, err := a.Ops().DirectIO(ctx, k, buf, write)
	if write && n > 0 {
		a.InvalidateMappingPages(first, last)
		if f.inode.growSize(k.Pos) {
			f.inode.MarkDirty(IDirtySync | IDirtyDatasync)
		}
	}
	return n, err
}

// Read reads into dst at the file offset and advances it.
func (f *File) Read(ctx context.Context, dst []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.PRead(ctx, dst, f.pos)
	f.pos += int64(n)
	return n, err
}

// Write writes src at the file offset, or at the end of file for O_APPEND,
// and advances the offset.
func (f *File) Write(ctx context.Context, src []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flags&unix.O_APPEND != 0 {
		f.pos = f.inode.Size()
	}
	n, err := f.PWrite(ctx, src, f.pos)
	f.pos += int64(n)
	return n, err
}

// Seek sets the file offset as lseek does.
func (f *File) Seek(off int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = f.pos
	case io.SeekEnd:
		base = f.inode.Size()
	default:
		return 0, linuxerr.EINVAL
	}
	if base+off < 0 {
		return 0, linuxerr.EINVAL
	}
	f.pos = base + off
	return f.pos, nil
}

// Truncate sets the file size.
func (f *File) Truncate(ctx context.Context, size int64) error {
	if !f.writable() {
		return linuxerr.EBADF
	}
	if size < 0 {
		return linuxerr.EINVAL
	}
	if IsDir(f.inode.Mode()) {
		return linuxerr.EISDIR
	}
	f.inode.NotifyChange(ctx, &Attr{Mask: AttrSize | AttrMtime, Size: size, Mtime: f.v.clock.Now()})
	return nil
}

// Fsync writes f's dirty pages and metadata back and waits for them. With
// dataOnly, clean metadata other than the size is left alone.
func (f *File) Fsync(ctx context.Context, dataOnly bool) error {
	i := f.inode
	sb := i.sb
	if err := i.mapping.SyncMappingPages(ctx, true); err != nil {
		return err
	}
	var flags uint32
	i.wq.Update(func() {
		mask := IDirtySync | IDirtyDatasync
		if dataOnly {
			mask = IDirtyDatasync
		}
		flags = i.state & mask
		i.state &^= mask | IDirtyPages
		if flags&IDirtyDatasync != 0 {
			// Size changes are part of the inode's metadata as well.
			i.state &^= IDirtySync
			flags |= IDirtySync
		}
	})
	if i.mapping.HasDirtyPages() {
		i.setState(IDirtyPages, 0)
	}
	if flags != 0 {
		inodeWritebackCalls.Increment()
		if err := sb.ops.WriteInode(ctx, i, true); err != nil {
			i.setState(flags, 0)
			return err
		}
	}
	if !i.Dirty() {
		i.MarkClean()
	}
	if sb.dev == nil {
		return nil
	}
	if err := sb.v.Buffers.SyncDirtyBuffers(ctx, sb.dev.ID()); err != nil {
		return err
	}
	return sb.dev.Flush(ctx)
}

// Close releases f's references.
func (f *File) Close(ctx context.Context) {
	f.inode.DecRef(ctx)
	f.v.PutPath(ctx, f.vd)
}
