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
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"vfscore.dev/vfscore/pkg/blockdev"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
)

// testFS is an in-memory filesystem backing the tests. Its nodes play the
// part of on-disk inodes; the cache sees them only through the operation
// tables.
type testFS struct {
	name string

	mu      sync.Mutex
	nodes   map[uint64]*testNode
	nextIno uint64

	lookups     int
	reads       int
	writeInodes int
	dataWrites  int
	evicted     int
	destroyed   int
	killed      int

	readErr       map[uint64]error
	readGate      chan struct{}
	writeInodeErr error
	writePageErr  error
	dropAll       bool

	// writeErrAt fails data writes starting at the given offsets.
	writeErrAt map[int64]error

	// dentryOps is set on the root dentry and inherited by its children.
	dentryOps DentryOperations
}

type testNode struct {
	mode     uint32
	nlink    uint32
	size     int64
	data     []byte
	children map[string]uint64
}

const testRootIno = 1

func newTestFS(name string) *testFS {
	return &testFS{
		name: name,
		nodes: map[uint64]*testNode{
			testRootIno: {mode: unix.S_IFDIR | 0o755, nlink: 2, children: map[string]uint64{}},
		},
		nextIno:    100,
		readErr:    map[uint64]error{},
		writeErrAt: map[int64]error{},
	}
}

// addFile adds a regular file under dir and returns its number.
func (fs *testFS) addFile(dir uint64, name, data string) uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.nextIno++
	ino := fs.nextIno
	fs.nodes[ino] = &testNode{mode: unix.S_IFREG | 0o644, nlink: 1, size: int64(len(data)), data: []byte(data)}
	fs.nodes[dir].children[name] = ino
	return ino
}

func (fs *testFS) node(ino uint64) *testNode {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.nodes[ino]
}

func (fs *testFS) stats() (lookups, reads, writeInodes, evicted int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.lookups, fs.reads, fs.writeInodes, fs.evicted
}

func (fs *testFS) setOps(i *Inode) {
	if IsDir(i.Mode()) {
		i.SetOps(testDirOps{fs}, nil)
	} else {
		i.SetOps(nil, testFileOps{fs})
	}
}

// Name implements FileSystemType.Name.
func (fs *testFS) Name() string { return fs.name }

// Mount implements FileSystemType.Mount.
func (fs *testFS) Mount(ctx context.Context, v *VFS, _ blockdev.DevID, flags uint32, _ string) (*SuperBlock, error) {
	sb := v.NewSuperBlock(fs, fs, nil, flags)
	root, err := v.Inodes.IGet(ctx, sb, testRootIno)
	if err != nil {
		v.removeSuper(sb)
		return nil, err
	}
	sb.SetRoot(root, fs.dentryOps)
	return sb, nil
}

// KillSB implements FileSystemType.KillSB.
func (fs *testFS) KillSB(ctx context.Context, sb *SuperBlock) {
	fs.mu.Lock()
	fs.killed++
	fs.mu.Unlock()
	sb.GenericShutdownSuper(ctx)
}

// AllocIno implements InoAllocator.AllocIno.
func (fs *testFS) AllocIno(context.Context, *SuperBlock) (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.nextIno++
	return fs.nextIno, nil
}

// AllocInode implements SuperBlockOperations.AllocInode.
func (fs *testFS) AllocInode(*Inode) error { return nil }

// DestroyInode implements SuperBlockOperations.DestroyInode.
func (fs *testFS) DestroyInode(*Inode) {
	fs.mu.Lock()
	fs.destroyed++
	fs.mu.Unlock()
}

// DirtyInode implements SuperBlockOperations.DirtyInode.
func (fs *testFS) DirtyInode(*Inode, uint32) {}

// WriteInode implements SuperBlockOperations.WriteInode.
func (fs *testFS) WriteInode(_ context.Context, i *Inode, _ bool) error {
	mode, nlink, size := i.Mode(), i.Nlink(), i.Size()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.writeInodeErr != nil {
		return fs.writeInodeErr
	}
	if n := fs.nodes[i.Ino()]; n != nil {
		n.mode, n.nlink, n.size = mode, nlink, size
	}
	fs.writeInodes++
	return nil
}

// ReadInode implements SuperBlockOperations.ReadInode.
func (fs *testFS) ReadInode(_ context.Context, i *Inode) error {
	if fs.readGate != nil {
		<-fs.readGate
	}
	fs.mu.Lock()
	fs.reads++
	err := fs.readErr[i.Ino()]
	n, ok := fs.nodes[i.Ino()]
	var node testNode
	if ok {
		node = *n
	}
	fs.mu.Unlock()
	if err != nil {
		return err
	}
	if !ok {
		return linuxerr.ENOENT
	}
	var zero time.Time
	i.InitAttr(node.mode, 0, 0, node.nlink, 0, node.size, zero, zero, zero)
	fs.setOps(i)
	return nil
}

// EvictInode implements SuperBlockOperations.EvictInode.
func (fs *testFS) EvictInode(_ context.Context, i *Inode) {
	nlink := i.Nlink()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.evicted++
	if nlink == 0 {
		delete(fs.nodes, i.Ino())
	}
}

// DropInode implements SuperBlockOperations.DropInode.
func (fs *testFS) DropInode(*Inode) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.dropAll
}

// SyncFS implements SuperBlockOperations.SyncFS.
func (fs *testFS) SyncFS(context.Context, *SuperBlock, bool) error { return nil }

// StatFS implements SuperBlockOperations.StatFS.
func (fs *testFS) StatFS(context.Context, *SuperBlock) (Statfs, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return Statfs{Type: fs.name, BlockSize: PageSize, Files: uint64(len(fs.nodes)), NameLen: MaxNameLen}, nil
}

// PutSuper implements SuperBlockOperations.PutSuper.
func (fs *testFS) PutSuper(context.Context, *SuperBlock) {}

type testDirOps struct {
	fs *testFS
}

// Lookup implements InodeOperations.Lookup.
func (o testDirOps) Lookup(ctx context.Context, dir *Inode, d *Dentry) (*Inode, error) {
	o.fs.mu.Lock()
	o.fs.lookups++
	ino, ok := o.fs.nodes[dir.Ino()].children[d.Name().Name()]
	o.fs.mu.Unlock()
	if !ok {
		return nil, linuxerr.ENOENT
	}
	return dir.SuperBlock().VFS().Inodes.IGet(ctx, dir.SuperBlock(), ino)
}

func (o testDirOps) create(ctx context.Context, dir *Inode, d *Dentry, mode uint32) (*Inode, error) {
	i, err := dir.SuperBlock().CreateInode(ctx, mode)
	if err != nil {
		return nil, err
	}
	n := &testNode{mode: mode, nlink: 1}
	if IsDir(mode) {
		n.children = map[string]uint64{}
		n.nlink = 2
	}
	o.fs.mu.Lock()
	o.fs.nodes[i.Ino()] = n
	o.fs.nodes[dir.Ino()].children[d.Name().Name()] = i.Ino()
	o.fs.mu.Unlock()
	if IsDir(mode) {
		i.IncLinks()
		dir.IncLinks()
	}
	o.fs.setOps(i)
	return i, nil
}

// Create implements InodeOperations.Create.
func (o testDirOps) Create(ctx context.Context, dir *Inode, d *Dentry, mode uint32) (*Inode, error) {
	return o.create(ctx, dir, d, mode)
}

// Mkdir implements InodeOperations.Mkdir.
func (o testDirOps) Mkdir(ctx context.Context, dir *Inode, d *Dentry, mode uint32) (*Inode, error) {
	return o.create(ctx, dir, d, mode)
}

// Mknod implements InodeOperations.Mknod.
func (o testDirOps) Mknod(ctx context.Context, dir *Inode, d *Dentry, mode, _ uint32) (*Inode, error) {
	return o.create(ctx, dir, d, mode)
}

// Unlink implements InodeOperations.Unlink.
func (o testDirOps) Unlink(_ context.Context, dir *Inode, d *Dentry) error {
	o.fs.mu.Lock()
	delete(o.fs.nodes[dir.Ino()].children, d.Name().Name())
	o.fs.mu.Unlock()
	d.Inode().DropLinks()
	return nil
}

// Rmdir implements InodeOperations.Rmdir.
func (o testDirOps) Rmdir(_ context.Context, dir *Inode, d *Dentry) error {
	o.fs.mu.Lock()
	if len(o.fs.nodes[d.Inode().Ino()].children) != 0 {
		o.fs.mu.Unlock()
		return linuxerr.ENOTEMPTY
	}
	delete(o.fs.nodes[dir.Ino()].children, d.Name().Name())
	o.fs.mu.Unlock()
	d.Inode().ClearLinks()
	dir.DropLinks()
	return nil
}

// Rename implements InodeOperations.Rename.
func (o testDirOps) Rename(_ context.Context, oldDir *Inode, old *Dentry, newDir *Inode, new *Dentry) error {
	o.fs.mu.Lock()
	ino := o.fs.nodes[oldDir.Ino()].children[old.Name().Name()]
	delete(o.fs.nodes[oldDir.Ino()].children, old.Name().Name())
	o.fs.nodes[newDir.Ino()].children[new.Name().Name()] = ino
	o.fs.mu.Unlock()
	if replaced := new.Inode(); replaced != nil {
		if IsDir(replaced.Mode()) {
			replaced.ClearLinks()
		} else {
			replaced.DropLinks()
		}
	}
	return nil
}

type testFileOps struct {
	fs *testFS
}

// ReadIter implements FileOperations.ReadIter.
func (o testFileOps) ReadIter(_ context.Context, k *Kiocb, dst []byte) (int, error) {
	o.fs.mu.Lock()
	defer o.fs.mu.Unlock()
	n := o.fs.nodes[k.Inode.Ino()]
	if n == nil || k.Pos >= int64(len(n.data)) {
		return 0, nil
	}
	c := copy(dst, n.data[k.Pos:])
	k.Pos += int64(c)
	return c, nil
}

// WriteIter implements FileOperations.WriteIter.
func (o testFileOps) WriteIter(_ context.Context, k *Kiocb, src []byte) (int, error) {
	o.fs.mu.Lock()
	defer o.fs.mu.Unlock()
	if o.fs.writePageErr != nil {
		return 0, o.fs.writePageErr
	}
	if err := o.fs.writeErrAt[k.Pos]; err != nil {
		return 0, err
	}
	n := o.fs.nodes[k.Inode.Ino()]
	if n == nil {
		return 0, linuxerr.ENOENT
	}
	if end := k.Pos + int64(len(src)); end > int64(len(n.data)) {
		n.data = append(n.data, make([]byte, end-int64(len(n.data)))...)
	}
	copy(n.data[k.Pos:], src)
	k.Pos += int64(len(src))
	o.fs.dataWrites++
	return len(src), nil
}
