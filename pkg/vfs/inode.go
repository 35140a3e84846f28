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
	"fmt"
	"time"

	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/ilist"
	"vfscore.dev/vfscore/pkg/refs"
	"vfscore.dev/vfscore/pkg/sync"
)

// Inode state bits.
const (
	// INew is set while the inode is being read. Concurrent getters sleep
	// until it clears.
	INew uint32 = 1 << iota

	// IDirtySync marks dirty metadata.
	IDirtySync

	// IDirtyDatasync marks metadata that fdatasync must write (the size).
	IDirtyDatasync

	// IDirtyPages marks dirty pages in the inode's mapping.
	IDirtyPages

	// ISync is set while writeback runs on the inode.
	ISync

	// IFreeing is set once the inode has left the cache and is being
	// evicted.
	IFreeing

	// IClear is set when eviction completed, or the inode could not be
	// read.
	IClear

	// IWillFree is set while an unreferenced inode is being considered for
	// eviction.
	IWillFree

	// IReferenced is set when a cached inode is looked up again.
	IReferenced

	// IDirty is any kind of dirtiness.
	IDirty = IDirtySync | IDirtyDatasync | IDirtyPages
)

// Inode is the in-memory form of a file.
//
// Inodes are reference counted. An inode whose count drops to zero stays in
// the inode cache on its superblock's clean list, or on the dirty list until
// written back, unless it has no links left or the filesystem asks to drop
// it.
type Inode struct {
	// sb, ino and mapping are immutable.
	sb      *SuperBlock
	ino     uint64
	mapping *AddressSpace

	refs refs.AtomicRefCount

	// wq protects state and wakes INew waiters.
	wq    sync.WaitQueue
	state uint32

	// readErr is the ReadInode error seen by INew waiters. It is written
	// before IClear is set.
	readErr error

	// mu protects the attributes and the operations. It is taken before
	// sb.listMu.
	mu      sync.Mutex
	mode    uint32
	uid     uint32
	gid     uint32
	nlink   uint32
	rdev    uint32
	size    int64
	atime   time.Time
	mtime   time.Time
	ctime   time.Time
	ops     InodeOperations
	fops    FileOperations
	private any

	// allLink and stateLink are protected by sb.listMu.
	allLink   ilist.Entry[*Inode]
	stateLink ilist.Entry[*Inode]
}

func newInode(sb *SuperBlock, ino uint64) *Inode {
	i := &Inode{sb: sb, ino: ino}
	i.allLink.Value = i
	i.stateLink.Value = i
	i.mapping = newAddressSpace(i, GenericAddressSpaceOps{})
	i.refs.InitRefs()
	return i
}

// SuperBlock returns the superblock i belongs to.
func (i *Inode) SuperBlock() *SuperBlock { return i.sb }

// Ino returns the inode number.
func (i *Inode) Ino() uint64 { return i.ino }

// Mapping returns i's page cache.
func (i *Inode) Mapping() *AddressSpace { return i.mapping }

// Refs returns the current reference count.
func (i *Inode) Refs() int64 { return i.refs.ReadRefs() }

// State returns a snapshot of the state bits.
func (i *Inode) State() uint32 {
	var s uint32
	i.wq.Load(func() { s = i.state })
	return s
}

func (i *Inode) setState(set, clear uint32) {
	i.wq.Update(func() { i.state = i.state&^clear | set })
}

// IncRef takes a reference. The caller must already hold one.
func (i *Inode) IncRef() {
	i.refs.IncRef()
}

// DecRef drops a reference. Dropping the last one may evict the inode.
func (i *Inode) DecRef(ctx context.Context) {
	if i.refs.DecRef(nil) != 0 {
		return
	}
	i.release(ctx)
}

// release handles an inode whose last reference went away.
func (i *Inode) release(ctx context.Context) {
	state := i.State()
	if state&(IFreeing|IClear) != 0 || state&IDirty != 0 {
		// Dirty inodes stay on the dirty list until written back.
		return
	}
	i.setState(IWillFree, 0)
	drop := i.Nlink() == 0 || i.sb.ops.DropInode(i)
	i.setState(0, IWillFree)
	if drop {
		i.sb.evict(ctx, i, false)
		return
	}
	i.mu.Lock()
	i.sb.listMu.Lock()
	if i.refs.ReadRefs() == 0 && i.State()&(IDirty|ISync|IFreeing) == 0 {
		i.sb.moveLocked(i, &i.sb.clean)
	}
	i.sb.listMu.Unlock()
	i.mu.Unlock()
}

// MarkDirty sets flags and moves i to its superblock's dirty list, whatever
// list it was on.
func (i *Inode) MarkDirty(flags uint32) {
	flags &= IDirty
	i.mu.Lock()
	var was uint32
	i.wq.Update(func() {
		was = i.state
		i.state |= flags
	})
	if was&(IFreeing|IClear) == 0 {
		i.sb.listMu.Lock()
		i.sb.moveLocked(i, &i.sb.dirty)
		i.sb.listMu.Unlock()
	}
	i.mu.Unlock()
	i.sb.ops.DirtyInode(i, flags)
}

// MarkClean clears every dirty bit and moves i to the clean list.
func (i *Inode) MarkClean() {
	i.mu.Lock()
	var st uint32
	i.wq.Update(func() {
		i.state &^= IDirty
		st = i.state
	})
	if st&(ISync|IFreeing|IClear) == 0 {
		i.sb.listMu.Lock()
		i.sb.moveLocked(i, &i.sb.clean)
		i.sb.listMu.Unlock()
	}
	i.mu.Unlock()
}

// Dirty returns true if any dirty bit is set.
func (i *Inode) Dirty() bool {
	return i.State()&IDirty != 0
}

// SetOps sets i's namespace and file operations.
func (i *Inode) SetOps(ops InodeOperations, fops FileOperations) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ops = ops
	i.fops = fops
}

// Ops returns i's namespace operations.
func (i *Inode) Ops() InodeOperations {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ops
}

// FileOps returns i's file operations.
func (i *Inode) FileOps() FileOperations {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.fops
}

// SetPrivate attaches filesystem state to i.
func (i *Inode) SetPrivate(p any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.private = p
}

// Private returns the filesystem state attached to i.
func (i *Inode) Private() any {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.private
}

// Mode returns the file type and permission bits.
func (i *Inode) Mode() uint32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.mode
}

// Owner returns the owning UID and GID.
func (i *Inode) Owner() (uint32, uint32) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.uid, i.gid
}

// Nlink returns the link count.
func (i *Inode) Nlink() uint32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.nlink
}

// Rdev returns the device number of a special file.
func (i *Inode) Rdev() uint32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rdev
}

// Size returns the file size.
func (i *Inode) Size() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.size
}

// Times returns the access, modification and change times.
func (i *Inode) Times() (atime, mtime, ctime time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.atime, i.mtime, i.ctime
}

// InitAttr sets the attributes of an inode being created or read. It does
// not dirty the inode.
func (i *Inode) InitAttr(mode, uid, gid, nlink, rdev uint32, size int64, atime, mtime, ctime time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.mode, i.uid, i.gid, i.nlink, i.rdev, i.size = mode, uid, gid, nlink, rdev, size
	i.atime, i.mtime, i.ctime = atime, mtime, ctime
}

// SetSize sets the file size and marks the inode dirty.
func (i *Inode) SetSize(size int64) {
	i.mu.Lock()
	i.size = size
	i.mu.Unlock()
	i.MarkDirty(IDirtySync | IDirtyDatasync)
}

// now reads the clock of i's VFS.
func (i *Inode) now() time.Time { return i.sb.v.clock.Now() }

// growSize raises the size to at least size, reporting whether it changed.
func (i *Inode) growSize(size int64) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if size <= i.size {
		return false
	}
	i.size = size
	return true
}

// IncLinks adds a link and marks the inode dirty.
func (i *Inode) IncLinks() {
	i.mu.Lock()
	i.nlink++
	i.ctime = i.now()
	i.mu.Unlock()
	i.MarkDirty(IDirtySync)
}

// DropLinks removes a link and marks the inode dirty.
func (i *Inode) DropLinks() {
	i.mu.Lock()
	if i.nlink == 0 {
		i.mu.Unlock()
		panic(fmt.Sprintf("DropLinks of unlinked inode %d", i.ino))
	}
	i.nlink--
	i.ctime = i.now()
	i.mu.Unlock()
	i.MarkDirty(IDirtySync)
}

// ClearLinks sets the link count to zero, as rmdir does for a directory.
func (i *Inode) ClearLinks() {
	i.mu.Lock()
	i.nlink = 0
	i.ctime = i.now()
	i.mu.Unlock()
	i.MarkDirty(IDirtySync)
}

// Touch updates the modification and change times.
func (i *Inode) Touch() {
	now := i.now()
	i.mu.Lock()
	i.mtime, i.ctime = now, now
	i.mu.Unlock()
	i.MarkDirty(IDirtySync)
}

// Permission checks that creds may access i as ats.
func (i *Inode) Permission(creds *Credentials, ats AccessTypes) error {
	i.mu.Lock()
	mode, uid, gid := i.mode, i.uid, i.gid
	i.mu.Unlock()
	if ats&MayWrite != 0 && i.sb.ReadOnly() {
		return linuxerr.EROFS
	}
	return GenericCheckPermissions(creds, ats, mode, uid, gid)
}

// SetattrPrepare checks that creds may apply attr to i.
func (i *Inode) SetattrPrepare(creds *Credentials, attr *Attr) error {
	i.mu.Lock()
	mode, uid, gid := i.mode, i.uid, i.gid
	i.mu.Unlock()
	if attr.Mask&AttrSize != 0 {
		if attr.Size < 0 {
			return linuxerr.EINVAL
		}
		if IsDir(mode) {
			return linuxerr.EISDIR
		}
		if err := GenericCheckPermissions(creds, MayWrite, mode, uid, gid); err != nil {
			return err
		}
	}
	if i.sb.ReadOnly() {
		return linuxerr.EROFS
	}
	if attr.Mask&AttrUID != 0 && attr.UID != uid && !creds.IsRoot() {
		return linuxerr.EPERM
	}
	if attr.Mask&AttrGID != 0 && attr.GID != gid && !creds.IsRoot() && (creds.UID != uid || !creds.InGroup(attr.GID)) {
		return linuxerr.EPERM
	}
	if attr.Mask&AttrMode != 0 && creds.UID != uid && !creds.IsRoot() {
		return linuxerr.EPERM
	}
	if attr.Mask&(AttrAtime|AttrMtime) != 0 && creds.UID != uid && !creds.IsRoot() {
		return linuxerr.EPERM
	}
	return nil
}

// NotifyChange applies attr to i and marks it dirty. Shrinking the size
// drops cached pages past the new end of file.
func (i *Inode) NotifyChange(ctx context.Context, attr *Attr) {
	i.mu.Lock()
	oldSize := i.size
	if attr.Mask&AttrMode != 0 {
		i.mode = i.mode&^0o7777 | attr.Mode&0o7777
	}
	if attr.Mask&AttrUID != 0 {
		i.uid = attr.UID
	}
	if attr.Mask&AttrGID != 0 {
		i.gid = attr.GID
	}
	if attr.Mask&AttrSize != 0 {
		i.size = attr.Size
	}
	if attr.Mask&AttrAtime != 0 {
		i.atime = attr.Atime
	}
	if attr.Mask&AttrMtime != 0 {
		i.mtime = attr.Mtime
	}
	if attr.Mask&AttrCtime != 0 {
		i.ctime = attr.Ctime
	} else {
		i.ctime = i.now()
	}
	i.mu.Unlock()

	flags := IDirtySync
	if attr.Mask&AttrSize != 0 && attr.Size != oldSize {
		flags |= IDirtyDatasync
		if attr.Size < oldSize {
			i.mapping.truncateSize(ctx, attr.Size)
		}
	}
	i.MarkDirty(flags)
}

// String implements fmt.Stringer.
func (i *Inode) String() string {
	return fmt.Sprintf("inode{sb %d ino %d refs %d state %#x}", i.sb.id, i.ino, i.Refs(), i.State())
}
