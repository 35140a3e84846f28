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
	"time"

	"vfscore.dev/vfscore/pkg/blockdev"
	"vfscore.dev/vfscore/pkg/qstr"
)

// FileSystemType is a registered filesystem implementation.
type FileSystemType interface {
	// Name returns the name the type is registered and mounted under.
	Name() string

	// Mount returns a new superblock for dev (zero for filesystems that
	// need no device). The superblock must have a root.
	Mount(ctx context.Context, v *VFS, dev blockdev.DevID, flags uint32, data string) (*SuperBlock, error)

	// KillSB tears down a superblock whose last mount went away. Most
	// implementations call SuperBlock.GenericShutdownSuper.
	KillSB(ctx context.Context, sb *SuperBlock)
}

// SuperBlockOperations is implemented by each filesystem for its
// superblocks.
type SuperBlockOperations interface {
	// AllocInode initializes filesystem state for a new in-memory inode. It
	// runs with a hash bucket of the inode cache locked and must not call
	// back into the cache.
	AllocInode(inode *Inode) error

	// DestroyInode frees the state set up by AllocInode.
	DestroyInode(inode *Inode)

	// DirtyInode is called after inode was marked dirty with flags.
	DirtyInode(inode *Inode, flags uint32)

	// WriteInode writes inode's metadata back. If wait is set, the write
	// must be complete when WriteInode returns.
	WriteInode(ctx context.Context, inode *Inode, wait bool) error

	// ReadInode fills a new inode (whose number is already set) from
	// backing storage.
	ReadInode(ctx context.Context, inode *Inode) error

	// EvictInode releases the storage of an inode leaving the cache. It is
	// called with the inode's page cache still populated.
	EvictInode(ctx context.Context, inode *Inode)

	// DropInode reports whether an unreferenced inode should be evicted
	// right away instead of being kept cached.
	DropInode(inode *Inode) bool

	// SyncFS flushes filesystem wide state.
	SyncFS(ctx context.Context, sb *SuperBlock, wait bool) error

	// StatFS reports filesystem usage.
	StatFS(ctx context.Context, sb *SuperBlock) (Statfs, error)

	// PutSuper releases the filesystem's private superblock state.
	PutSuper(ctx context.Context, sb *SuperBlock)
}

// InoAllocator is optionally implemented by SuperBlockOperations that choose
// their own inode numbers.
type InoAllocator interface {
	AllocIno(ctx context.Context, sb *SuperBlock) (uint64, error)
}

// InodeOperations are the namespace operations of a directory inode. Methods
// returning an *Inode hand a reference to the caller.
type InodeOperations interface {
	// Lookup returns the inode named by d in dir, or ENOENT.
	Lookup(ctx context.Context, dir *Inode, d *Dentry) (*Inode, error)

	// Create creates a regular file.
	Create(ctx context.Context, dir *Inode, d *Dentry, mode uint32) (*Inode, error)

	// Mkdir creates a directory.
	Mkdir(ctx context.Context, dir *Inode, d *Dentry, mode uint32) (*Inode, error)

	// Mknod creates a special file.
	Mknod(ctx context.Context, dir *Inode, d *Dentry, mode uint32, dev uint32) (*Inode, error)

	// Unlink removes the link d from dir.
	Unlink(ctx context.Context, dir *Inode, d *Dentry) error

	// Rmdir removes the empty directory d from dir.
	Rmdir(ctx context.Context, dir *Inode, d *Dentry) error

	// Rename moves old in oldDir to the name of new in newDir, replacing
	// new's inode if it is positive.
	Rename(ctx context.Context, oldDir *Inode, old *Dentry, newDir *Inode, new *Dentry) error
}

// FileOperations move file data through a Kiocb cursor. For block backed
// filesystems they bottom out in the buffer cache.
type FileOperations interface {
	// ReadIter reads into dst at k.Pos and advances k. It returns 0 at end
	// of file.
	ReadIter(ctx context.Context, k *Kiocb, dst []byte) (int, error)

	// WriteIter writes src at k.Pos and advances k.
	WriteIter(ctx context.Context, k *Kiocb, src []byte) (int, error)
}

// AddressSpaceOperations move pages between the page cache and the
// filesystem. GenericAddressSpaceOps implements them on top of the host
// inode's FileOperations.
type AddressSpaceOperations interface {
	// ReadPage fills a locked page.
	ReadPage(ctx context.Context, f *File, p *Page) error

	// WritePage writes a locked page back.
	WritePage(ctx context.Context, p *Page, wbc *WritebackControl) error

	// ReadPages fills locked pages, stopping at the first error.
	ReadPages(ctx context.Context, f *File, pages []*Page) error

	// WritePages writes locked pages back, stopping at the first error.
	WritePages(ctx context.Context, pages []*Page, wbc *WritebackControl) error

	// SetPageDirty marks p dirty and reports whether it was clean.
	SetPageDirty(p *Page) bool

	// ReleasePage reports whether filesystem state attached to p allows
	// it to leave the cache.
	ReleasePage(p *Page) bool

	// InvalidatePage is called when length bytes at offset of p are
	// dropped from the cache.
	InvalidatePage(p *Page, offset, length int)

	// DirectIO transfers data bypassing the page cache.
	DirectIO(ctx context.Context, k *Kiocb, buf []byte, write bool) (int, error)
}

// DentryOperations are optional hooks a filesystem sets on its dentries. Any
// method may be left to the defaults by embedding NoDentryOperations.
type DentryOperations interface {
	// Revalidate reports whether a cached dentry is still valid.
	Revalidate(d *Dentry) bool

	// Hash returns the key used for name under parent.
	Hash(parent *Dentry, name qstr.QStr) qstr.QStr

	// Compare reports whether the cached name stored under parent matches
	// name.
	Compare(parent *Dentry, stored, name qstr.QStr) bool

	// Delete reports whether d should be freed instead of cached when its
	// last reference goes away.
	Delete(d *Dentry) bool

	// Release is called when d is freed.
	Release(d *Dentry)

	// InodePut releases d's inode reference when d lets go of it.
	InodePut(ctx context.Context, d *Dentry, inode *Inode)

	// DName returns the name shown for d in paths.
	DName(d *Dentry) string

	// Prune is called when d is detached from the tree.
	Prune(d *Dentry)
}

// NoDentryOperations provides the default behavior for every hook.
type NoDentryOperations struct{}

// Revalidate implements DentryOperations.Revalidate.
func (NoDentryOperations) Revalidate(*Dentry) bool { return true }

// Hash implements DentryOperations.Hash.
func (NoDentryOperations) Hash(_ *Dentry, name qstr.QStr) qstr.QStr { return name }

// Compare implements DentryOperations.Compare.
func (NoDentryOperations) Compare(_ *Dentry, stored, name qstr.QStr) bool { return stored.Equal(name) }

// Delete implements DentryOperations.Delete.
func (NoDentryOperations) Delete(*Dentry) bool { return false }

// Release implements DentryOperations.Release.
func (NoDentryOperations) Release(*Dentry) {}

// InodePut implements DentryOperations.InodePut.
func (NoDentryOperations) InodePut(ctx context.Context, _ *Dentry, inode *Inode) { inode.DecRef(ctx) }

// DName implements DentryOperations.DName.
func (NoDentryOperations) DName(d *Dentry) string { return d.Name().Name() }

// Prune implements DentryOperations.Prune.
func (NoDentryOperations) Prune(*Dentry) {}

// Statfs is filesystem usage as reported by StatFS.
type Statfs struct {
	Type       string
	BlockSize  int64
	Blocks     uint64
	BlocksFree uint64
	Files      uint64
	FilesFree  uint64
	NameLen    uint64
}

// Attribute mask bits for Attr.Mask.
const (
	AttrMode uint32 = 1 << iota
	AttrUID
	AttrGID
	AttrSize
	AttrAtime
	AttrMtime
	AttrCtime
)

// Attr is an attribute change.
type Attr struct {
	Mask  uint32
	Mode  uint32
	UID   uint32
	GID   uint32
	Size  int64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}
