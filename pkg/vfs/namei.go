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
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/qstr"
)

// MaxNameLen is the longest path component.
const MaxNameLen = 255

func validateName(name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return linuxerr.EINVAL
	case len(name) > MaxNameLen:
		return linuxerr.ENAMETOOLONG
	case strings.ContainsAny(name, "/\x00"):
		return linuxerr.EINVAL
	}
	return nil
}

// resolve asks the filesystem about a negative dentry under dir, and
// instantiates it if the name exists.
func (v *VFS) resolve(ctx context.Context, dir *Inode, d *Dentry) error {
	if !d.Negative() {
		return nil
	}
	ops := dir.Ops()
	if ops == nil {
		return linuxerr.ENOTDIR
	}
	inode, err := ops.Lookup(ctx, dir, d)
	switch {
	case err == nil:
		v.Dentries.Instantiate(ctx, d, inode)
		return nil
	case linuxerr.Equals(linuxerr.ENOENT, err):
		return nil
	default:
		return err
	}
}

// lookupChild returns the dentry for name under parent, positive or
// negative, with a reference held. Concurrent misses on the same name go to
// the filesystem once; the caller that ran the lookup keeps its dentry, and
// the others acquire the cached result. The result, including a negative
// one, is left in the cache.
func (v *VFS) lookupChild(ctx context.Context, parent *Dentry, name string) (*Dentry, error) {
	dir := parent.Inode()
	if dir == nil {
		return nil, linuxerr.ENOENT
	}
	if !IsDir(dir.Mode()) {
		return nil, linuxerr.ENOTDIR
	}
	q := qstr.New(name)
	if d, err := v.Dentries.Acquire(ctx, parent, q, WantAny, true, false); err == nil {
		return d, nil
	}
	var (
		ran bool
		res *Dentry
	)
	key := strconv.FormatUint(parent.id, 10) + "/" + name
	_, err, _ := v.lookups.Do(key, func() (any, error) {
		ran = true
		d, err := v.resolveChild(ctx, parent, dir, q)
		res = d
		return nil, err
	})
	if ran {
		return res, err
	}
	if err != nil {
		return nil, err
	}
	// Another caller resolved the name. Its dentry may already be gone if
	// the Delete hook refused to cache it, so take whatever is there now.
	return v.resolveChild(ctx, parent, dir, q)
}

// resolveChild acquires the dentry for q under parent, allocating it on a
// miss, and asks the filesystem about it if it is negative.
func (v *VFS) resolveChild(ctx context.Context, parent *Dentry, dir *Inode, q qstr.QStr) (*Dentry, error) {
	v.renameMu.RLock()
	defer v.renameMu.RUnlock()
	d, err := v.Dentries.Acquire(ctx, parent, q, WantAny, false, true)
	if err != nil {
		return nil, err
	}
	if err := v.resolve(ctx, dir, d); err != nil {
		v.Dentries.Drop(d)
		v.Dentries.Unref(ctx, d)
		return nil, err
	}
	return d, nil
}

// step moves vd to name, crossing mount points, and drops the
// references on the old vd. It requires the result to be positive.
func (v *VFS) step(ctx context.Context, creds *Credentials, vd VirtualDentry, name string) (VirtualDentry, error) {
	dir := vd.Inode()
	if dir == nil {
		return vd, linuxerr.ENOENT
	}
	if !IsDir(dir.Mode()) {
		return vd, linuxerr.ENOTDIR
	}
	if err := dir.Permission(creds, MayExec); err != nil {
		return vd, err
	}
	switch name {
	case "", ".":
		return vd, nil
	case "..":
		return v.stepUp(ctx, vd), nil
	}
	if len(name) > MaxNameLen {
		return vd, linuxerr.ENAMETOOLONG
	}
	d, err := v.lookupChild(ctx, vd.Dentry, name)
	if err != nil {
		return vd, err
	}
	if d.Negative() {
		v.Dentries.Unref(ctx, d)
		return vd, linuxerr.ENOENT
	}
	next := VirtualDentry{Mount: vd.Mount, Dentry: d}
	vd.Mount.IncRef()
	v.PutPath(ctx, vd)
	return v.crossMounts(ctx, next), nil
}

// stepUp moves vd to its parent, leaving mounts through their mount points.
// The root of the tree is its own parent.
func (v *VFS) stepUp(ctx context.Context, vd VirtualDentry) VirtualDentry {
	for vd.Dentry == vd.Mount.root {
		m := vd.Mount
		if m.parent == nil {
			return vd
		}
		up := VirtualDentry{Mount: m.parent, Dentry: m.mountpoint}
		v.IncRefPath(up)
		v.PutPath(ctx, vd)
		vd = up
	}
	parent := vd.Dentry.Parent()
	if parent == nil {
		return vd
	}
	up := VirtualDentry{Mount: vd.Mount, Dentry: parent}
	v.IncRefPath(up)
	v.PutPath(ctx, vd)
	return up
}

// crossMounts follows mounts stacked on vd.
func (v *VFS) crossMounts(ctx context.Context, vd VirtualDentry) VirtualDentry {
	for vd.Dentry.Mounted() {
		v.mountMu.Lock()
		m := v.LookupMount(vd.Mount, vd.Dentry)
		if m == nil {
			v.mountMu.Unlock()
			return vd
		}
		next := VirtualDentry{Mount: m, Dentry: m.root}
		v.IncRefPath(next)
		v.mountMu.Unlock()
		v.PutPath(ctx, vd)
		vd = next
	}
	return vd
}

// WalkPath resolves path from start, or from the root for an absolute path,
// and returns the result with references held.
func (v *VFS) WalkPath(ctx context.Context, creds *Credentials, start VirtualDentry, path string) (VirtualDentry, error) {
	var vd VirtualDentry
	if strings.HasPrefix(path, "/") || !start.Ok() {
		var err error
		if vd, err = v.Root(); err != nil {
			return VirtualDentry{}, err
		}
	} else {
		vd = start
		v.IncRefPath(vd)
	}
	for _, name := range strings.Split(path, "/") {
		var err error
		if vd, err = v.step(ctx, creds, vd, name); err != nil {
			v.PutPath(ctx, vd)
			return VirtualDentry{}, err
		}
	}
	return vd, nil
}

// Lookup returns the positive dentry for name under dir with references
// held.
func (v *VFS) Lookup(ctx context.Context, creds *Credentials, dir VirtualDentry, name string) (VirtualDentry, error) {
	v.IncRefPath(dir)
	vd, err := v.step(ctx, creds, dir, name)
	if err != nil {
		v.PutPath(ctx, vd)
		return VirtualDentry{}, err
	}
	return vd, nil
}

// prepareCreate checks that creds may add name to dir and returns the
// negative dentry for it. v.renameMu must be held for writing.
func (v *VFS) prepareCreate(ctx context.Context, creds *Credentials, dir VirtualDentry, name string) (*Inode, *Dentry, error) {
	if err := validateName(name); err != nil {
		return nil, nil, err
	}
	dirInode := dir.Inode()
	if dirInode == nil {
		return nil, nil, linuxerr.ENOENT
	}
	if !IsDir(dirInode.Mode()) || dirInode.Ops() == nil {
		return nil, nil, linuxerr.ENOTDIR
	}
	if err := dirInode.Permission(creds, MayWrite|MayExec); err != nil {
		return nil, nil, err
	}
	d, err := v.Dentries.Acquire(ctx, dir.Dentry, qstr.New(name), WantAny, true, true)
	if err != nil {
		return nil, nil, err
	}
	if err := v.resolve(ctx, dirInode, d); err != nil {
		v.Dentries.Unref(ctx, d)
		return nil, nil, err
	}
	if !d.Negative() {
		v.Dentries.Unref(ctx, d)
		return nil, nil, linuxerr.EEXIST
	}
	return dirInode, d, nil
}

// finishCreate attaches a created inode to d and returns the new path.
func (v *VFS) finishCreate(ctx context.Context, creds *Credentials, dir VirtualDentry, d *Dentry, inode *Inode, err error) (VirtualDentry, error) {
	if err != nil {
		v.Dentries.Unref(ctx, d)
		return VirtualDentry{}, err
	}
	if creds != nil {
		inode.NotifyChange(ctx, &Attr{Mask: AttrUID | AttrGID, UID: creds.UID, GID: creds.GID})
	}
	v.Dentries.Instantiate(ctx, d, inode)
	dir.Mount.IncRef()
	return VirtualDentry{Mount: dir.Mount, Dentry: d}, nil
}

// Create creates a regular file name in dir.
func (v *VFS) Create(ctx context.Context, creds *Credentials, dir VirtualDentry, name string, mode uint32) (VirtualDentry, error) {
	v.renameMu.Lock()
	defer v.renameMu.Unlock()
	dirInode, d, err := v.prepareCreate(ctx, creds, dir, name)
	if err != nil {
		return VirtualDentry{}, err
	}
	inode, err := dirInode.Ops().Create(ctx, dirInode, d, unix.S_IFREG|mode&0o7777)
	return v.finishCreate(ctx, creds, dir, d, inode, err)
}

// Mkdir creates a directory name in dir.
func (v *VFS) Mkdir(ctx context.Context, creds *Credentials, dir VirtualDentry, name string, mode uint32) (VirtualDentry, error) {
	v.renameMu.Lock()
	defer v.renameMu.Unlock()
	dirInode, d, err := v.prepareCreate(ctx, creds, dir, name)
	if err != nil {
		return VirtualDentry{}, err
	}
	inode, err := dirInode.Ops().Mkdir(ctx, dirInode, d, unix.S_IFDIR|mode&0o7777)
	return v.finishCreate(ctx, creds, dir, d, inode, err)
}

// Mknod creates a special file name in dir. mode carries the file type.
func (v *VFS) Mknod(ctx context.Context, creds *Credentials, dir VirtualDentry, name string, mode, dev uint32) (VirtualDentry, error) {
	switch mode & unix.S_IFMT {
	case unix.S_IFCHR, unix.S_IFBLK, unix.S_IFIFO, unix.S_IFSOCK, unix.S_IFREG:
	default:
		return VirtualDentry{}, linuxerr.EINVAL
	}
	v.renameMu.Lock()
	defer v.renameMu.Unlock()
	dirInode, d, err := v.prepareCreate(ctx, creds, dir, name)
	if err != nil {
		return VirtualDentry{}, err
	}
	inode, err := dirInode.Ops().Mknod(ctx, dirInode, d, mode, dev)
	return v.finishCreate(ctx, creds, dir, d, inode, err)
}

// prepareRemove returns the positive dentry for name under dir, which creds
// may remove. v.renameMu must be held for writing.
func (v *VFS) prepareRemove(ctx context.Context, creds *Credentials, dir VirtualDentry, name string) (*Inode, *Dentry, error) {
	if err := validateName(name); err != nil {
		return nil, nil, err
	}
	dirInode := dir.Inode()
	if dirInode == nil {
		return nil, nil, linuxerr.ENOENT
	}
	if err := dirInode.Permission(creds, MayWrite|MayExec); err != nil {
		return nil, nil, err
	}
	d, err := v.Dentries.Acquire(ctx, dir.Dentry, qstr.New(name), WantAny, true, true)
	if err != nil {
		return nil, nil, err
	}
	if err := v.resolve(ctx, dirInode, d); err != nil {
		v.Dentries.Unref(ctx, d)
		return nil, nil, err
	}
	switch {
	case d.Negative():
		err = linuxerr.ENOENT
	case d.Mounted():
		err = linuxerr.EBUSY
	}
	if err != nil {
		v.Dentries.Unref(ctx, d)
		return nil, nil, err
	}
	return dirInode, d, nil
}

// Unlink removes the non-directory name from dir.
func (v *VFS) Unlink(ctx context.Context, creds *Credentials, dir VirtualDentry, name string) error {
	v.renameMu.Lock()
	defer v.renameMu.Unlock()
	dirInode, d, err := v.prepareRemove(ctx, creds, dir, name)
	if err != nil {
		return err
	}
	defer v.Dentries.Unref(ctx, d)
	if d.IsDir() {
		return linuxerr.EISDIR
	}
	if err := dirInode.Ops().Unlink(ctx, dirInode, d); err != nil {
		return err
	}
	v.Dentries.Delete(ctx, d)
	return nil
}

// Rmdir removes the empty directory name from dir.
func (v *VFS) Rmdir(ctx context.Context, creds *Credentials, dir VirtualDentry, name string) error {
	v.renameMu.Lock()
	defer v.renameMu.Unlock()
	dirInode, d, err := v.prepareRemove(ctx, creds, dir, name)
	if err != nil {
		return err
	}
	defer v.Dentries.Unref(ctx, d)
	if !d.IsDir() {
		return linuxerr.ENOTDIR
	}
	if !v.Dentries.IsEmptyDir(d) {
		return linuxerr.ENOTEMPTY
	}
	if err := dirInode.Ops().Rmdir(ctx, dirInode, d); err != nil {
		return err
	}
	v.Dentries.Delete(ctx, d)
	return nil
}

// Rename moves oldName in oldDir to newName in newDir, replacing whatever
// newName named if the types allow it.
func (v *VFS) Rename(ctx context.Context, creds *Credentials, oldDir VirtualDentry, oldName string, newDir VirtualDentry, newName string) error {
	if oldDir.Mount != newDir.Mount {
		return linuxerr.EXDEV
	}
	if err := validateName(newName); err != nil {
		return err
	}
	v.renameMu.Lock()
	defer v.renameMu.Unlock()
	oldDirInode, old, err := v.prepareRemove(ctx, creds, oldDir, oldName)
	if err != nil {
		return err
	}
	defer v.Dentries.Unref(ctx, old)
	newDirInode := newDir.Inode()
	if newDirInode == nil {
		return linuxerr.ENOENT
	}
	if err := newDirInode.Permission(creds, MayWrite|MayExec); err != nil {
		return err
	}
	target, err := v.Dentries.Acquire(ctx, newDir.Dentry, qstr.New(newName), WantAny, true, true)
	if err != nil {
		return err
	}
	defer v.Dentries.Unref(ctx, target)
	if target == old {
		return nil
	}
	if err := v.resolve(ctx, newDirInode, target); err != nil {
		return err
	}
	if !target.Negative() {
		switch {
		case target.Mounted():
			return linuxerr.EBUSY
		case old.IsDir() && !target.IsDir():
			return linuxerr.ENOTDIR
		case !old.IsDir() && target.IsDir():
			return linuxerr.EISDIR
		case target.IsDir() && !v.Dentries.IsEmptyDir(target):
			return linuxerr.ENOTEMPTY
		}
	}
	for p := newDir.Dentry; p != nil; p = p.Parent() {
		if p == old {
			return linuxerr.EINVAL
		}
	}
	if err := oldDirInode.Ops().Rename(ctx, oldDirInode, old, newDirInode, target); err != nil {
		return err
	}
	if target.Negative() {
		v.Dentries.Prune(target)
	} else {
		v.Dentries.Delete(ctx, target)
	}
	return v.Dentries.Rename(ctx, old, newDir.Dentry, qstr.New(newName))
}

// Stat returns the attributes of vd's inode.
func (v *VFS) Stat(vd VirtualDentry) (Attr, error) {
	i := vd.Inode()
	if i == nil {
		return Attr{}, linuxerr.ENOENT
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return Attr{
		Mask:  AttrMode | AttrUID | AttrGID | AttrSize | AttrAtime | AttrMtime | AttrCtime,
		Mode:  i.mode,
		UID:   i.uid,
		GID:   i.gid,
		Size:  i.size,
		Atime: i.atime,
		Mtime: i.mtime,
		Ctime: i.ctime,
	}, nil
}

// Setattr applies attr to vd's inode if creds allow it.
func (v *VFS) Setattr(ctx context.Context, creds *Credentials, vd VirtualDentry, attr *Attr) error {
	i := vd.Inode()
	if i == nil {
		return linuxerr.ENOENT
	}
	if err := i.SetattrPrepare(creds, attr); err != nil {
		return err
	}
	i.NotifyChange(ctx, attr)
	return nil
}
