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

	"golang.org/x/sys/unix"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/vfs"
)

// dirOps implements vfs.InodeOperations for directories.
type dirOps struct {
	fs *filesystem
}

var _ vfs.InodeOperations = dirOps{}

func lookupEntry(dir *vfs.Inode, name string) (uint64, bool) {
	d := dataOf(dir)
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.dirents.Get(dirent{name: name})
	return e.ino, ok
}

func addEntry(dir *vfs.Inode, name string, ino uint64) {
	d := dataOf(dir)
	d.mu.Lock()
	d.dirents.ReplaceOrInsert(dirent{name: name, ino: ino})
	d.mu.Unlock()
	dir.Touch()
}

func removeEntry(dir *vfs.Inode, name string) (uint64, bool) {
	d := dataOf(dir)
	d.mu.Lock()
	e, ok := d.dirents.Delete(dirent{name: name})
	d.mu.Unlock()
	if ok {
		dir.Touch()
	}
	return e.ino, ok
}

func isEmpty(dir *vfs.Inode) bool {
	d := dataOf(dir)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirents.Len() == 0
}

// Lookup implements vfs.InodeOperations.Lookup.
func (o dirOps) Lookup(ctx context.Context, dir *vfs.Inode, d *vfs.Dentry) (*vfs.Inode, error) {
	ino, ok := lookupEntry(dir, d.Name().Name())
	if !ok {
		return nil, linuxerr.ENOENT
	}
	return dir.SuperBlock().VFS().Inodes.IGet(ctx, dir.SuperBlock(), ino)
}

func (o dirOps) create(ctx context.Context, dir *vfs.Inode, d *vfs.Dentry, mode, rdev uint32) (*vfs.Inode, error) {
	i, err := dir.SuperBlock().CreateInode(ctx, mode)
	if err != nil {
		return nil, err
	}
	if rdev != 0 {
		uid, gid := i.Owner()
		atime, mtime, ctime := i.Times()
		i.InitAttr(mode, uid, gid, i.Nlink(), rdev, 0, atime, mtime, ctime)
	}
	if vfs.IsDir(mode) {
		dataOf(i).dirents = newDirents()
		i.IncLinks()
		dir.IncLinks()
	}
	o.fs.setOps(i)
	addEntry(dir, d.Name().Name(), i.Ino())
	return i, nil
}

// Create implements vfs.InodeOperations.Create.
func (o dirOps) Create(ctx context.Context, dir *vfs.Inode, d *vfs.Dentry, mode uint32) (*vfs.Inode, error) {
	return o.create(ctx, dir, d, mode, 0)
}

// Mkdir implements vfs.InodeOperations.Mkdir.
func (o dirOps) Mkdir(ctx context.Context, dir *vfs.Inode, d *vfs.Dentry, mode uint32) (*vfs.Inode, error) {
	return o.create(ctx, dir, d, mode, 0)
}

// Mknod implements vfs.InodeOperations.Mknod.
func (o dirOps) Mknod(ctx context.Context, dir *vfs.Inode, d *vfs.Dentry, mode, dev uint32) (*vfs.Inode, error) {
	switch mode & unix.S_IFMT {
	case unix.S_IFCHR, unix.S_IFBLK:
	default:
		dev = 0
	}
	return o.create(ctx, dir, d, mode, dev)
}

// Unlink implements vfs.InodeOperations.Unlink.
func (o dirOps) Unlink(_ context.Context, dir *vfs.Inode, d *vfs.Dentry) error {
	if _, ok := removeEntry(dir, d.Name().Name()); !ok {
		return linuxerr.ENOENT
	}
	d.Inode().DropLinks()
	return nil
}

// Rmdir implements vfs.InodeOperations.Rmdir. The cached dentries of a
// directory may not cover all of its entries, so emptiness is checked here.
func (o dirOps) Rmdir(_ context.Context, dir *vfs.Inode, d *vfs.Dentry) error {
	child := d.Inode()
	if !isEmpty(child) {
		return linuxerr.ENOTEMPTY
	}
	if _, ok := removeEntry(dir, d.Name().Name()); !ok {
		return linuxerr.ENOENT
	}
	child.ClearLinks()
	dir.DropLinks()
	return nil
}

// Rename implements vfs.InodeOperations.Rename.
func (o dirOps) Rename(_ context.Context, oldDir *vfs.Inode, old *vfs.Dentry, newDir *vfs.Inode, new *vfs.Dentry) error {
	moved := old.Inode()
	replaced := new.Inode()
	if replaced != nil && vfs.IsDir(replaced.Mode()) && !isEmpty(replaced) {
		return linuxerr.ENOTEMPTY
	}
	ino, ok := removeEntry(oldDir, old.Name().Name())
	if !ok {
		return linuxerr.ENOENT
	}
	addEntry(newDir, new.Name().Name(), ino)
	if replaced != nil {
		if vfs.IsDir(replaced.Mode()) {
			replaced.ClearLinks()
			newDir.DropLinks()
		} else {
			replaced.DropLinks()
		}
	}
	if vfs.IsDir(moved.Mode()) && oldDir != newDir {
		oldDir.DropLinks()
		newDir.IncLinks()
	}
	return nil
}

// DirEntry is a directory entry returned by ReadDir.
type DirEntry struct {
	Name string
	Ino  uint64
}

// ReadDir returns the entries of the memfs directory dir in name order.
func ReadDir(dir *vfs.Inode) ([]DirEntry, error) {
	if !vfs.IsDir(dir.Mode()) {
		return nil, linuxerr.ENOTDIR
	}
	d := dataOf(dir)
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DirEntry, 0, d.dirents.Len())
	d.dirents.Ascend(func(e dirent) bool {
		out = append(out, DirEntry{Name: e.name, Ino: e.ino})
		return true
	})
	return out, nil
}
