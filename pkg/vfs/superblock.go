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
	"sync/atomic"

	"vfscore.dev/vfscore/pkg/blockdev"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/ilist"
	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/refs"
	"vfscore.dev/vfscore/pkg/sync"
)

// Superblock flags.
const (
	// SBActive is set from creation until shutdown.
	SBActive uint32 = 1 << iota

	// SBReadOnly rejects modifications.
	SBReadOnly
)

var superIDs atomic.Uint64

// SuperBlock is one mounted instance of a filesystem. It owns the inode
// lists that drive writeback: every cached inode is on allInodes and on
// exactly one of clean, dirty or io.
//
// Lock order: Inode.mu, then listMu.
type SuperBlock struct {
	// id, v, fstype, ops, dev and blockSize are immutable.
	id        uint64
	v         *VFS
	fstype    FileSystemType
	ops       SuperBlockOperations
	dev       *blockdev.BlockDevice
	blockSize int

	flags   atomic.Uint32
	refs    refs.AtomicRefCount
	nextIno atomic.Uint64

	// mu protects root and private.
	mu      sync.Mutex
	root    *Dentry
	private any

	// listMu protects the inode lists and each inode's list links.
	listMu    sync.Mutex
	allInodes ilist.List[*Inode]
	clean     ilist.List[*Inode]
	dirty     ilist.List[*Inode]
	io        ilist.List[*Inode]

	// nmounts is protected by VFS.mountMu.
	nmounts int

	// link is protected by VFS.supersMu.
	link ilist.Entry[*SuperBlock]
}

// NewSuperBlock returns an active superblock of fstype on dev, which may be
// nil. The superblock is registered with v until it is shut down.
func (v *VFS) NewSuperBlock(fstype FileSystemType, ops SuperBlockOperations, dev *blockdev.BlockDevice, flags uint32) *SuperBlock {
	sb := &SuperBlock{
		id:        superIDs.Add(1),
		v:         v,
		fstype:    fstype,
		ops:       ops,
		dev:       dev,
		blockSize: PageSize,
	}
	if dev != nil {
		sb.blockSize = dev.BlockSize()
	}
	sb.link.Value = sb
	sb.flags.Store(SBActive | flags&SBReadOnly)
	sb.refs.InitRefs()
	v.addSuper(sb)
	return sb
}

// ID returns a unique identifier for sb.
func (sb *SuperBlock) ID() uint64 { return sb.id }

// VFS returns the VFS sb belongs to.
func (sb *SuperBlock) VFS() *VFS { return sb.v }

// Type returns sb's filesystem type.
func (sb *SuperBlock) Type() FileSystemType { return sb.fstype }

// Ops returns sb's operations.
func (sb *SuperBlock) Ops() SuperBlockOperations { return sb.ops }

// Device returns the device sb lives on, or nil.
func (sb *SuperBlock) Device() *blockdev.BlockDevice { return sb.dev }

// BlockSize returns sb's block size.
func (sb *SuperBlock) BlockSize() int { return sb.blockSize }

// Active returns true until sb is shut down.
func (sb *SuperBlock) Active() bool { return sb.flags.Load()&SBActive != 0 }

// ReadOnly returns true if sb rejects modifications.
func (sb *SuperBlock) ReadOnly() bool { return sb.flags.Load()&SBReadOnly != 0 }

// Private returns the filesystem's superblock state.
func (sb *SuperBlock) Private() any {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.private
}

// SetPrivate attaches filesystem state to sb.
func (sb *SuperBlock) SetPrivate(p any) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.private = p
}

// Root returns sb's root dentry, without taking a reference.
func (sb *SuperBlock) Root() *Dentry {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.root
}

// SetRoot makes a root dentry for inode, taking over the caller's inode
// reference. sb holds the dentry's only reference until shutdown.
func (sb *SuperBlock) SetRoot(inode *Inode, ops DentryOperations) *Dentry {
	d := sb.v.Dentries.MakeRoot(sb, inode, ops)
	sb.mu.Lock()
	sb.root = d
	sb.mu.Unlock()
	return d
}

// GrabSuper takes a reference on sb.
func (sb *SuperBlock) GrabSuper() { sb.refs.IncRef() }

// DropSuper drops a reference on sb.
func (sb *SuperBlock) DropSuper() { sb.refs.DecRef(nil) }

// moveLocked puts i on l, taking it off whichever state list it was on.
// sb.listMu must be held.
func (sb *SuperBlock) moveLocked(i *Inode, l *ilist.List[*Inode]) {
	if i.stateLink.On(l) {
		l.MoveToBack(&i.stateLink)
		return
	}
	for _, cur := range []*ilist.List[*Inode]{&sb.clean, &sb.dirty, &sb.io} {
		if i.stateLink.On(cur) {
			cur.Remove(&i.stateLink)
			break
		}
	}
	l.PushBack(&i.stateLink)
}

// addInode puts a newly cached inode on allInodes and on the list matching
// its state.
func (sb *SuperBlock) addInode(i *Inode) {
	i.mu.Lock()
	defer i.mu.Unlock()
	sb.listMu.Lock()
	defer sb.listMu.Unlock()
	if !i.allLink.Linked() {
		sb.allInodes.PushBack(&i.allLink)
	}
	if i.State()&IDirty != 0 {
		sb.moveLocked(i, &sb.dirty)
	} else {
		sb.moveLocked(i, &sb.clean)
	}
}

// removeInode takes i off every list.
func (sb *SuperBlock) removeInode(i *Inode) {
	sb.listMu.Lock()
	defer sb.listMu.Unlock()
	if i.allLink.On(&sb.allInodes) {
		sb.allInodes.Remove(&i.allLink)
	}
	for _, l := range []*ilist.List[*Inode]{&sb.clean, &sb.dirty, &sb.io} {
		if i.stateLink.On(l) {
			l.Remove(&i.stateLink)
		}
	}
}

// InodeList names the state list an inode is on.
type InodeList int

// State lists.
const (
	ListNone InodeList = iota
	ListClean
	ListDirty
	ListIO
)

// ListOf returns the state list i is on.
func (sb *SuperBlock) ListOf(i *Inode) InodeList {
	sb.listMu.Lock()
	defer sb.listMu.Unlock()
	switch {
	case i.stateLink.On(&sb.clean):
		return ListClean
	case i.stateLink.On(&sb.dirty):
		return ListDirty
	case i.stateLink.On(&sb.io):
		return ListIO
	}
	return ListNone
}

// InodeCounts returns the lengths of the inode lists.
func (sb *SuperBlock) InodeCounts() (all, clean, dirty, io int) {
	sb.listMu.Lock()
	defer sb.listMu.Unlock()
	return sb.allInodes.Len(), sb.clean.Len(), sb.dirty.Len(), sb.io.Len()
}

func snapshot(l *ilist.List[*Inode]) []*Inode {
	out := make([]*Inode, 0, l.Len())
	for e := l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value)
	}
	return out
}

// CreateInode returns a new, referenced, dirty inode of sb with mode. The
// number comes from the filesystem if it implements InoAllocator.
func (sb *SuperBlock) CreateInode(ctx context.Context, mode uint32) (*Inode, error) {
	if sb.ReadOnly() {
		return nil, linuxerr.EROFS
	}
	var ino uint64
	if alloc, ok := sb.ops.(InoAllocator); ok {
		var err error
		if ino, err = alloc.AllocIno(ctx, sb); err != nil {
			return nil, err
		}
	} else {
		ino = sb.nextIno.Add(1)
	}
	i := newInode(sb, ino)
	now := sb.v.clock.Now()
	i.InitAttr(mode, 0, 0, 1, 0, 0, now, now, now)
	if err := sb.ops.AllocInode(i); err != nil {
		return nil, err
	}
	if err := sb.v.Inodes.Insert(i); err != nil {
		sb.ops.DestroyInode(i)
		return nil, err
	}
	i.MarkDirty(IDirtySync)
	return i, nil
}

// evict removes an unreferenced inode from the cache and frees it. Unless
// force is set, an inode that is dirty or under writeback is left alone.
func (sb *SuperBlock) evict(ctx context.Context, i *Inode, force bool) bool {
	if _, ok := sb.v.Inodes.hash.RemoveIf(inodeKeyOf(i), func(cur *Inode) bool {
		if cur != i || cur.refs.ReadRefs() != 0 {
			return false
		}
		st := cur.State()
		return st&(IFreeing|IClear|INew) == 0 && (force || st&(IDirty|ISync) == 0)
	}); !ok {
		return false
	}
	i.setState(IFreeing, IDirty)
	sb.ops.EvictInode(ctx, i)
	i.mapping.TruncatePages(ctx, 0)
	sb.removeInode(i)
	i.setState(IClear, 0)
	sb.ops.DestroyInode(i)
	icacheEvictions.Increment()
	return true
}

// Sync writes back every dirty inode of sb and its device's buffers. If wait
// is set all writes are complete on return and the first error is returned.
func (sb *SuperBlock) Sync(ctx context.Context, wait bool) error {
	wbc := &WritebackControl{SyncMode: WBSyncNone, Reason: ReasonSync}
	if wait {
		wbc.SyncMode = WBSyncAll
	}
	return sb.Writeback(ctx, wbc)
}

// Writeback runs one writeback pass over sb as directed by wbc: filesystem
// state first, then each dirty inode's pages and metadata, then the
// device's dirty buffers.
//
// An inode that was written successfully moves to the clean list in either
// sync mode; one that was redirtied meanwhile or failed goes back to dirty.
func (sb *SuperBlock) Writeback(ctx context.Context, wbc *WritebackControl) error {
	wait := wbc.SyncMode == WBSyncAll
	if err := sb.ops.SyncFS(ctx, sb, wait); err != nil {
		if wait {
			return err
		}
		warn.Warningf("writeback: sync of sb %d: %v", sb.id, err)
	}

	sb.listMu.Lock()
	dirty := snapshot(&sb.dirty)
	sb.listMu.Unlock()
	for _, i := range dirty {
		if wbc.Exhausted() || ctx.Err() != nil {
			break
		}
		if !sb.v.Inodes.grab(i) {
			continue
		}
		err := sb.writebackInode(ctx, i, wbc)
		i.DecRef(ctx)
		if err != nil {
			return err
		}
	}

	if sb.dev == nil {
		return nil
	}
	if err := sb.v.Buffers.SyncDirtyBuffers(ctx, sb.dev.ID()); err != nil {
		if wait {
			return err
		}
		warn.Warningf("writeback: buffers of %v: %v", sb.dev.ID(), err)
	}
	if wait {
		return sb.dev.Flush(ctx)
	}
	return nil
}

// writebackInode writes i's dirty pages and metadata. The caller holds a
// reference on i.
func (sb *SuperBlock) writebackInode(ctx context.Context, i *Inode, wbc *WritebackControl) error {
	wait := wbc.SyncMode == WBSyncAll
	i.mu.Lock()
	sb.listMu.Lock()
	sb.moveLocked(i, &sb.io)
	sb.listMu.Unlock()
	i.mu.Unlock()
	i.setState(ISync, 0)

	var err error
	if i.State()&IDirtyPages != 0 {
		iwbc := *wbc
		iwbc.RangeStart, iwbc.RangeEnd = 0, 0
		err = i.mapping.WritebackRange(ctx, &iwbc)
		wbc.PagesWritten, wbc.PagesSkipped, wbc.ErrorsSeen = iwbc.PagesWritten, iwbc.PagesSkipped, iwbc.ErrorsSeen
	}
	if err == nil {
		// Clear before writing so that concurrent dirtying is kept.
		var flags uint32
		i.wq.Update(func() {
			flags = i.state & IDirty
			i.state &^= IDirty
		})
		if i.mapping.HasDirtyPages() {
			i.setState(IDirtyPages, 0)
		}
		if flags&(IDirtySync|IDirtyDatasync) != 0 {
			inodeWritebackCalls.Increment()
			if err = sb.ops.WriteInode(ctx, i, wait); err != nil {
				i.setState(flags&(IDirtySync|IDirtyDatasync), 0)
				log.Debugf("writeback: inode %d: %v", i.ino, err)
			}
		}
	}

	i.mu.Lock()
	var st uint32
	i.wq.Update(func() {
		i.state &^= ISync
		st = i.state
	})
	sb.listMu.Lock()
	if st&IDirty != 0 || err != nil {
		sb.moveLocked(i, &sb.dirty)
	} else {
		sb.moveLocked(i, &sb.clean)
	}
	sb.listMu.Unlock()
	i.mu.Unlock()

	if err != nil && !wait {
		wbc.ErrorsSeen++
		warn.Warningf("writeback: inode %d of sb %d: %v", i.ino, sb.id, err)
		return nil
	}
	return err
}

// EvictUnused evicts every clean, unreferenced inode of sb and returns the
// number evicted.
func (sb *SuperBlock) EvictUnused(ctx context.Context) int {
	sb.listMu.Lock()
	clean := snapshot(&sb.clean)
	sb.listMu.Unlock()
	n := 0
	for _, i := range clean {
		if i.Refs() == 0 && sb.evict(ctx, i, false) {
			n++
		}
	}
	return n
}

// StatFS reports sb's usage.
func (sb *SuperBlock) StatFS(ctx context.Context) (Statfs, error) {
	return sb.ops.StatFS(ctx, sb)
}

// GenericShutdownSuper tears sb down after its last mount went away: it
// syncs, frees the dentry tree, evicts every inode, releases the
// filesystem's state and finally the device.
func (sb *SuperBlock) GenericShutdownSuper(ctx context.Context) {
	if !sb.ReadOnly() {
		if err := sb.Sync(ctx, true); err != nil {
			log.Warningf("vfs: sync of sb %d at shutdown failed: %v", sb.id, err)
		}
	}
	sb.v.Dentries.ShrinkSuper(ctx, sb)
	sb.mu.Lock()
	root := sb.root
	sb.root = nil
	sb.mu.Unlock()
	if root != nil {
		sb.v.Dentries.Unref(ctx, root)
	}
	sb.v.Dentries.ShrinkSuper(ctx, sb)

	sb.listMu.Lock()
	all := snapshot(&sb.allInodes)
	sb.listMu.Unlock()
	busy := 0
	for _, i := range all {
		if !sb.evict(ctx, i, true) {
			busy++
		}
	}
	if busy > 0 {
		log.Warningf("vfs: %d busy inodes after shutdown of sb %d", busy, sb.id)
	}

	sb.ops.PutSuper(ctx, sb)
	if sb.dev != nil {
		if err := sb.v.Buffers.SyncDirtyBuffers(ctx, sb.dev.ID()); err != nil {
			log.Warningf("vfs: buffers of %v lost at shutdown: %v", sb.dev.ID(), err)
		}
		sb.v.Buffers.InvalidateBuffers(sb.dev.ID())
		if err := sb.v.Devices.Close(sb.dev); err != nil {
			log.Warningf("vfs: close of %v: %v", sb.dev.ID(), err)
		}
	}
	for old := sb.flags.Load(); !sb.flags.CompareAndSwap(old, old&^SBActive); old = sb.flags.Load() {
	}
	sb.v.removeSuper(sb)
	sb.DropSuper()
}

// String implements fmt.Stringer.
func (sb *SuperBlock) String() string {
	return fmt.Sprintf("sb{%d %s}", sb.id, sb.fstype.Name())
}
