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
	"strings"
	"sync/atomic"

	"vfscore.dev/vfscore/pkg/blockdev"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/refs"
)

var mountIDs atomic.Uint64

// Mount is a superblock attached to the tree at a mount point.
type Mount struct {
	// All fields but refs and children are immutable.
	id         uint64
	sb         *SuperBlock
	root       *Dentry
	parent     *Mount
	mountpoint *Dentry

	// refs counts users of the mount. The mount table holds one.
	refs refs.AtomicRefCount

	// children is the number of mounts on top of this one. It is protected
	// by VFS.mountMu.
	children int
}

// ID returns a unique identifier for m.
func (m *Mount) ID() uint64 { return m.id }

// SuperBlock returns the mounted superblock.
func (m *Mount) SuperBlock() *SuperBlock { return m.sb }

// Root returns the root dentry of m.
func (m *Mount) Root() *Dentry { return m.root }

// Parent returns the mount m is mounted on, or nil for the root mount.
func (m *Mount) Parent() *Mount { return m.parent }

// Mountpoint returns the dentry m covers, or nil for the root mount.
func (m *Mount) Mountpoint() *Dentry { return m.mountpoint }

// IncRef takes a reference on m.
func (m *Mount) IncRef() { m.refs.IncRef() }

// DecRef drops a reference on m.
func (m *Mount) DecRef() { m.refs.DecRef(nil) }

// String implements fmt.Stringer.
func (m *Mount) String() string {
	return fmt.Sprintf("mount{%d %v}", m.id, m.sb)
}

type mountKey struct {
	parent *Mount
	point  *Dentry
}

func hashMountKey(k mountKey) uint64 {
	return (k.parent.id*31 ^ k.point.id) * goldenRatio64 >> 32
}

// VirtualDentry is a dentry together with the mount it was reached through.
type VirtualDentry struct {
	Mount  *Mount
	Dentry *Dentry
}

// Ok returns true if vd is set.
func (vd VirtualDentry) Ok() bool { return vd.Dentry != nil }

// Inode returns vd's inode, or nil.
func (vd VirtualDentry) Inode() *Inode { return vd.Dentry.Inode() }

// IncRefPath takes a reference on both halves of vd.
func (v *VFS) IncRefPath(vd VirtualDentry) {
	vd.Mount.IncRef()
	v.Dentries.Ref(vd.Dentry)
}

// PutPath drops the references held by vd.
func (v *VFS) PutPath(ctx context.Context, vd VirtualDentry) {
	v.Dentries.Unref(ctx, vd.Dentry)
	vd.Mount.DecRef()
}

// DoMount mounts a new instance of the filesystem type named fsName, on dev,
// at point under parent. A nil parent makes the root mount. It fails with
// ENODEV for an unknown type, ENOTDIR if point is not a directory, and EBUSY
// if something is already mounted there.
func (v *VFS) DoMount(ctx context.Context, fsName string, dev blockdev.DevID, parent VirtualDentry, flags uint32, data string) (*Mount, error) {
	fstype, err := v.GetFilesystem(fsName)
	if err != nil {
		return nil, err
	}
	if parent.Ok() && !parent.Dentry.IsDir() {
		return nil, linuxerr.ENOTDIR
	}

	v.mountMu.Lock()
	defer v.mountMu.Unlock()
	if !parent.Ok() && v.root != nil {
		return nil, linuxerr.EBUSY
	}
	if parent.Ok() {
		if _, ok := v.mounts.Lookup(mountKey{parent: parent.Mount, point: parent.Dentry}); ok {
			return nil, linuxerr.EBUSY
		}
	}

	sb, err := fstype.Mount(ctx, v, dev, flags, data)
	if err != nil {
		log.Debugf("vfs: mount of %s on %v failed: %v", fsName, dev, err)
		return nil, err
	}
	root := sb.Root()
	if root == nil {
		panic(fmt.Sprintf("%s returned a superblock without a root", fsName))
	}
	v.Dentries.Ref(root)
	m := &Mount{
		id:   mountIDs.Add(1),
		sb:   sb,
		root: root,
	}
	m.refs.InitRefs()
	sb.nmounts++

	if !parent.Ok() {
		v.root = m
	} else {
		m.parent = parent.Mount
		m.mountpoint = parent.Dentry
		v.Dentries.Ref(parent.Dentry)
		parent.Mount.IncRef()
		if err := v.mounts.Insert(m); err != nil {
			panic(fmt.Sprintf("mount table insert of %v: %v", m, err))
		}
		parent.Dentry.setFlags(DentryMounted, 0)
		parent.Mount.children++
	}
	log.Infof("vfs: mounted %s (%v) at %s", fsName, dev, v.pathLocked(m, root))
	return m, nil
}

// Umount detaches m. It fails with EBUSY while m has users or other mounts
// on top of it. The superblock is shut down with its last mount.
func (v *VFS) Umount(ctx context.Context, m *Mount) error {
	v.mountMu.Lock()
	if m.children > 0 || m.refs.ReadRefs() > 1 {
		v.mountMu.Unlock()
		return linuxerr.EBUSY
	}
	if m.parent == nil {
		if v.root != m {
			v.mountMu.Unlock()
			return linuxerr.EINVAL
		}
		v.root = nil
	} else {
		if err := v.mounts.Remove(m); err != nil {
			v.mountMu.Unlock()
			return linuxerr.EINVAL
		}
		m.mountpoint.setFlags(0, DentryMounted)
		m.parent.children--
	}
	m.sb.nmounts--
	last := m.sb.nmounts == 0
	v.mountMu.Unlock()

	if m.parent != nil {
		v.Dentries.Unref(ctx, m.mountpoint)
		m.parent.DecRef()
	}
	v.Dentries.Unref(ctx, m.root)
	m.DecRef()
	if last {
		m.sb.fstype.KillSB(ctx, m.sb)
	}
	return nil
}

// LookupMount returns the mount on point under parent, or nil.
func (v *VFS) LookupMount(parent *Mount, point *Dentry) *Mount {
	m, ok := v.mounts.Lookup(mountKey{parent: parent, point: point})
	if !ok {
		return nil
	}
	return m
}

// RootMount returns the root mount, or nil.
func (v *VFS) RootMount() *Mount {
	v.mountMu.Lock()
	defer v.mountMu.Unlock()
	return v.root
}

// Root returns the root of the tree with references held.
func (v *VFS) Root() (VirtualDentry, error) {
	v.mountMu.Lock()
	m := v.root
	if m == nil {
		v.mountMu.Unlock()
		return VirtualDentry{}, linuxerr.ENOENT
	}
	vd := VirtualDentry{Mount: m, Dentry: m.root}
	v.IncRefPath(vd)
	v.mountMu.Unlock()
	return vd, nil
}

// FullPath returns the absolute path of d reached through m, crossing
// mount points.
func (v *VFS) FullPath(vd VirtualDentry) string {
	v.mountMu.Lock()
	defer v.mountMu.Unlock()
	return v.pathLocked(vd.Mount, vd.Dentry)
}

// PathToMount returns the path of vd relative to the root of its mount.
func PathToMount(vd VirtualDentry) string {
	return "/" + strings.Join(pathUntil(vd.Dentry, vd.Mount.root), "/")
}

func (v *VFS) pathLocked(m *Mount, d *Dentry) string {
	var parts []string
	for {
		names := pathUntil(d, m.root)
		for i := len(names) - 1; i >= 0; i-- {
			parts = append(parts, names[i])
		}
		if m.parent == nil {
			break
		}
		d, m = m.mountpoint, m.parent
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}
