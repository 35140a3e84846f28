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
	"fmt"
	"sync/atomic"

	"vfscore.dev/vfscore/pkg/ilist"
	"vfscore.dev/vfscore/pkg/qstr"
	"vfscore.dev/vfscore/pkg/refs"
	"vfscore.dev/vfscore/pkg/sync"
)

// Dentry flags.
const (
	// DentryDisconnected marks a dentry that is not reachable from its
	// superblock's root.
	DentryDisconnected uint32 = 1 << iota

	// DentryNegative marks a dentry that names nothing. Negative dentries
	// cache failed lookups.
	DentryNegative

	// DentryMounted marks a mount point.
	DentryMounted

	// DentryHashed is set while the dentry is in the cache's hash table.
	DentryHashed

	// DentryInLRU is set while the dentry is on the cache's LRU.
	DentryInLRU

	// DentryReferenced is set when an LRU dentry is revived.
	DentryReferenced

	// DentryDead is set when the dentry is freed.
	DentryDead
)

var dentryIDs atomic.Uint64

// Dentry binds a name in a parent directory to an inode.
//
// A dentry holds a reference on its parent for as long as it exists, so a
// parent is never freed while it has children. The inode reference is
// strong; the parent pointer is not.
//
// Dentries are reference counted. A dentry whose count drops to zero stays
// cached on the LRU of its DentryCache until it is reclaimed or looked up
// again.
type Dentry struct {
	// id is unique and immutable. It is used in place of the dentry's
	// address for hashing.
	id uint64

	refs refs.AtomicRefCount

	// sb and ops are immutable.
	sb  *SuperBlock
	ops DentryOperations

	// mu protects the fields below, and the children list.
	mu       sync.Mutex
	name     qstr.QStr
	parent   *Dentry
	inode    *Inode
	flags    uint32
	children ilist.List[*Dentry]

	// childLink is protected by parent.mu.
	childLink ilist.Entry[*Dentry]

	// lruLink is protected by DentryCache.lruMu.
	lruLink ilist.Entry[*Dentry]
}

func newDentry(sb *SuperBlock, parent *Dentry, name qstr.QStr, ops DentryOperations) *Dentry {
	if ops == nil {
		ops = NoDentryOperations{}
	}
	d := &Dentry{
		id:     dentryIDs.Add(1),
		sb:     sb,
		ops:    ops,
		name:   name,
		parent: parent,
		flags:  DentryNegative,
	}
	d.childLink.Value = d
	d.lruLink.Value = d
	d.refs.InitRefs()
	return d
}

// ID returns a unique identifier for d.
func (d *Dentry) ID() uint64 { return d.id }

// SuperBlock returns the superblock d belongs to.
func (d *Dentry) SuperBlock() *SuperBlock { return d.sb }

// Ops returns d's hooks.
func (d *Dentry) Ops() DentryOperations { return d.ops }

// Name returns d's name.
func (d *Dentry) Name() qstr.QStr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

// Parent returns d's parent, or nil for a root.
func (d *Dentry) Parent() *Dentry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.parent
}

// Inode returns d's inode, or nil if d is negative.
func (d *Dentry) Inode() *Inode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inode
}

// Flags returns a snapshot of d's flags.
func (d *Dentry) Flags() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flags
}

func (d *Dentry) setFlags(set, clear uint32) {
	d.mu.Lock()
	d.flags = d.flags&^clear | set
	d.mu.Unlock()
}

// Negative returns true if d names nothing.
func (d *Dentry) Negative() bool { return d.Flags()&DentryNegative != 0 }

// Mounted returns true if d is a mount point.
func (d *Dentry) Mounted() bool { return d.Flags()&DentryMounted != 0 }

// IsRoot returns true if d has no parent.
func (d *Dentry) IsRoot() bool { return d.Parent() == nil }

// IsDir returns true if d is positive and names a directory.
func (d *Dentry) IsDir() bool {
	inode := d.Inode()
	return inode != nil && IsDir(inode.Mode())
}

// Refs returns the current reference count.
func (d *Dentry) Refs() int64 { return d.refs.ReadRefs() }

// IncRef takes a reference. The caller must already hold one.
func (d *Dentry) IncRef() { d.refs.IncRef() }

// key returns d's hash table key.
func (d *Dentry) key() dentryKey {
	d.mu.Lock()
	defer d.mu.Unlock()
	return dentryKey{parent: d.parent, name: d.name}
}

// String implements fmt.Stringer.
func (d *Dentry) String() string {
	return fmt.Sprintf("dentry{%q id %d refs %d flags %#x}", d.Name().Name(), d.id, d.Refs(), d.Flags())
}
