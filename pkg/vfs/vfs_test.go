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
	"bytes"
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sys/unix"
	"vfscore.dev/vfscore/pkg/config"
	"vfscore.dev/vfscore/pkg/errors"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
)

type testEnv struct {
	v    *VFS
	fs   *testFS
	root VirtualDentry
	sb   *SuperBlock
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	return newTestEnvFS(t, Options{Config: cfg}, newTestFS("testfs"))
}

// newTestEnvFS mounts fs, configured by the caller, as the root of a new VFS.
func newTestEnvFS(t *testing.T, opts Options, fs *testFS) *testEnv {
	t.Helper()
	ctx := context.Background()
	v, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := v.RegisterFilesystem(fs); err != nil {
		t.Fatalf("RegisterFilesystem: %v", err)
	}
	if _, err := v.DoMount(ctx, "testfs", 0, VirtualDentry{}, 0, ""); err != nil {
		t.Fatalf("DoMount: %v", err)
	}
	root, err := v.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	e := &testEnv{v: v, fs: fs, root: root, sb: root.Mount.SuperBlock()}
	t.Cleanup(func() {
		v.PutPath(ctx, root)
		if err := v.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return e
}

func (e *testEnv) walk(t *testing.T, path string) VirtualDentry {
	t.Helper()
	vd, err := e.v.WalkPath(context.Background(), RootCredentials(), e.root, path)
	if err != nil {
		t.Fatalf("WalkPath(%q): %v", path, err)
	}
	return vd
}

func (e *testEnv) create(t *testing.T, dir VirtualDentry, name string) VirtualDentry {
	t.Helper()
	vd, err := e.v.Create(context.Background(), RootCredentials(), dir, name, 0o644)
	if err != nil {
		t.Fatalf("Create(%q): %v", name, err)
	}
	return vd
}

func (e *testEnv) open(t *testing.T, vd VirtualDentry, flags uint32) *File {
	t.Helper()
	f, err := e.v.Open(context.Background(), RootCredentials(), vd, flags)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return f
}

// checkLists verifies that every cached inode of sb is on exactly one state
// list.
func checkLists(t *testing.T, sb *SuperBlock) {
	t.Helper()
	all, clean, dirty, io := sb.InodeCounts()
	if all != clean+dirty+io {
		t.Errorf("inode lists: all=%d clean=%d dirty=%d io=%d", all, clean, dirty, io)
	}
}

func TestLookupCaches(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	e.fs.addFile(testRootIno, "a", "hello")

	for i := 0; i < 3; i++ {
		vd := e.walk(t, "/a")
		e.v.PutPath(ctx, vd)
	}
	for i := 0; i < 3; i++ {
		if _, err := e.v.WalkPath(ctx, RootCredentials(), e.root, "/missing"); !linuxerr.Equals(linuxerr.ENOENT, err) {
			t.Fatalf("WalkPath(/missing) = %v, want ENOENT", err)
		}
	}
	lookups, reads, _, _ := e.fs.stats()
	// One lookup for "a" and one for "missing"; both results are cached.
	if lookups != 2 {
		t.Errorf("filesystem lookups = %d, want 2", lookups)
	}
	// The root and "a".
	if reads != 2 {
		t.Errorf("inode reads = %d, want 2", reads)
	}
}

func TestConcurrentLookup(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	e.fs.addFile(testRootIno, "shared", "x")

	const n = 16
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		inodes = map[*Inode]bool{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vd, err := e.v.WalkPath(ctx, RootCredentials(), e.root, "/shared")
			if err != nil {
				t.Errorf("WalkPath: %v", err)
				return
			}
			mu.Lock()
			inodes[vd.Inode()] = true
			mu.Unlock()
			e.v.PutPath(ctx, vd)
		}()
	}
	wg.Wait()
	if len(inodes) != 1 {
		t.Errorf("got %d distinct inodes, want 1", len(inodes))
	}
	if lookups, reads, _, _ := e.fs.stats(); lookups != 1 || reads != 2 {
		t.Errorf("lookups, reads = %d, %d, want 1, 2", lookups, reads)
	}
}

type uncachedDentries struct {
	NoDentryOperations
}

// Delete implements DentryOperations.Delete.
func (uncachedDentries) Delete(*Dentry) bool { return true }

type staleDentries struct {
	NoDentryOperations
}

// Revalidate implements DentryOperations.Revalidate.
func (staleDentries) Revalidate(*Dentry) bool { return false }

func TestLookupWithoutCaching(t *testing.T) {
	for _, test := range []struct {
		name string
		ops  DentryOperations
	}{
		{name: "delete", ops: uncachedDentries{}},
		{name: "revalidate", ops: staleDentries{}},
	} {
		t.Run(test.name, func(t *testing.T) {
			fs := newTestFS("testfs")
			fs.dentryOps = test.ops
			e := newTestEnvFS(t, Options{}, fs)
			ctx := context.Background()
			e.fs.addFile(testRootIno, "f", "data")

			done := make(chan error, 1)
			go func() {
				for i := 0; i < 3; i++ {
					vd, err := e.v.WalkPath(ctx, RootCredentials(), e.root, "/f")
					if err != nil {
						done <- err
						return
					}
					e.v.PutPath(ctx, vd)
				}
				_, err := e.v.WalkPath(ctx, RootCredentials(), e.root, "/missing")
				if !linuxerr.Equals(linuxerr.ENOENT, err) {
					done <- fmt.Errorf("WalkPath(/missing) = %v, want ENOENT", err)
					return
				}
				done <- nil
			}()
			select {
			case err := <-done:
				if err != nil {
					t.Fatalf("walk: %v", err)
				}
			case <-time.After(10 * time.Second):
				t.Fatalf("walk did not finish")
			}
			// Nothing stays cached, so every walk asks the filesystem.
			if lookups, _, _, _ := e.fs.stats(); lookups != 4 {
				t.Errorf("filesystem lookups = %d, want 4", lookups)
			}
		})
	}
}

func TestNameValidation(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	for _, tc := range []struct {
		name string
		want *errors.Error
	}{
		{strings.Repeat("x", MaxNameLen+1), linuxerr.ENAMETOOLONG},
		{"", linuxerr.EINVAL},
		{"..", linuxerr.EINVAL},
		{"a\x00b", linuxerr.EINVAL},
	} {
		if _, err := e.v.Create(ctx, RootCredentials(), e.root, tc.name, 0o644); !linuxerr.Equals(tc.want, err) {
			t.Errorf("Create(%q) = %v, want %v", tc.name, err, tc.want)
		}
	}
	vd := e.create(t, e.root, strings.Repeat("y", MaxNameLen))
	e.v.PutPath(ctx, vd)
}

func TestCreateExisting(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	// Not yet in the dentry cache: Create must ask the filesystem.
	e.fs.addFile(testRootIno, "on-disk", "")
	if _, err := e.v.Create(ctx, RootCredentials(), e.root, "on-disk", 0o644); !linuxerr.Equals(linuxerr.EEXIST, err) {
		t.Errorf("Create over existing file = %v, want EEXIST", err)
	}
	vd := e.create(t, e.root, "new")
	e.v.PutPath(ctx, vd)
	if _, err := e.v.Create(ctx, RootCredentials(), e.root, "new", 0o644); !linuxerr.Equals(linuxerr.EEXIST, err) {
		t.Errorf("second Create = %v, want EEXIST", err)
	}
}

func TestPermission(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	user := &Credentials{UID: 1000, GID: 1000}
	if _, err := e.v.Create(ctx, user, e.root, "f", 0o644); !linuxerr.Equals(linuxerr.EACCES, err) {
		t.Errorf("Create by non-owner = %v, want EACCES", err)
	}
	vd := e.create(t, e.root, "f")
	defer e.v.PutPath(ctx, vd)
	if _, err := e.v.Open(ctx, user, vd, unix.O_RDWR); !linuxerr.Equals(linuxerr.EACCES, err) {
		t.Errorf("Open(O_RDWR) by other = %v, want EACCES", err)
	}
	f, err := e.v.Open(ctx, user, vd, unix.O_RDONLY)
	if err != nil {
		t.Fatalf("Open(O_RDONLY) by other: %v", err)
	}
	f.Close(ctx)
	if err := e.v.Setattr(ctx, user, vd, &Attr{Mask: AttrUID, UID: 1000}); !linuxerr.Equals(linuxerr.EPERM, err) {
		t.Errorf("chown by other = %v, want EPERM", err)
	}
}

func TestUnlinkEvictsAfterWriteback(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	vd := e.create(t, e.root, "doomed")
	inode := vd.Inode()
	ino := inode.Ino()
	f := e.open(t, vd, unix.O_RDWR)
	if _, err := f.Write(ctx, []byte("data")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Close(ctx)
	e.v.PutPath(ctx, vd)

	if err := e.v.Unlink(ctx, RootCredentials(), e.root, "doomed"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	// Unreferenced but dirty: it waits for writeback.
	if got := e.sb.ListOf(inode); got != ListDirty {
		t.Errorf("list after unlink = %v, want dirty", got)
	}
	if _, err := e.v.WalkPath(ctx, RootCredentials(), e.root, "/doomed"); !linuxerr.Equals(linuxerr.ENOENT, err) {
		t.Errorf("WalkPath after unlink = %v, want ENOENT", err)
	}
	if err := e.v.SyncAll(ctx, true); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if got := e.v.Inodes.ILookup(e.sb, ino); got != nil {
		got.DecRef(ctx)
		t.Errorf("inode %d still cached after writeback", ino)
	}
	if e.fs.node(ino) != nil {
		t.Errorf("node %d not freed", ino)
	}
	if inode.State()&IClear == 0 {
		t.Errorf("state = %#x, want IClear", inode.State())
	}
	checkLists(t, e.sb)
}

func TestInodeLists(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	vd := e.create(t, e.root, "f")
	defer e.v.PutPath(ctx, vd)
	inode := vd.Inode()

	steps := []struct {
		name string
		do   func() error
		want InodeList
	}{
		{"created", func() error { return nil }, ListDirty},
		{"sync", func() error { return e.sb.Sync(ctx, true) }, ListClean},
		{"chmod", func() error {
			return e.v.Setattr(ctx, RootCredentials(), vd, &Attr{Mask: AttrMode, Mode: 0o600})
		}, ListDirty},
		{"nonblocking sync", func() error { return e.sb.Sync(ctx, false) }, ListClean},
		{"mark dirty", func() error { inode.MarkDirty(IDirtySync); return nil }, ListDirty},
		{"mark clean", func() error { inode.MarkClean(); return nil }, ListClean},
	}
	for _, s := range steps {
		if err := s.do(); err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
		if got := e.sb.ListOf(inode); got != s.want {
			t.Errorf("%s: list = %v, want %v", s.name, got, s.want)
		}
		checkLists(t, e.sb)
	}
	if n := e.fs.node(inode.Ino()); n.mode&0o7777 != 0o600 {
		t.Errorf("written mode = %#o, want 0600", n.mode&0o7777)
	}
}

func TestWriteInodeFailure(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	vd := e.create(t, e.root, "f")
	defer e.v.PutPath(ctx, vd)
	inode := vd.Inode()

	e.fs.mu.Lock()
	e.fs.writeInodeErr = linuxerr.EIO
	e.fs.mu.Unlock()
	if err := e.sb.Sync(ctx, true); !linuxerr.Equals(linuxerr.EIO, err) {
		t.Errorf("Sync(wait) = %v, want EIO", err)
	}
	if e.sb.ListOf(inode) != ListDirty || inode.State()&IDirtySync == 0 {
		t.Errorf("after failed sync: list %v state %#x, want dirty", e.sb.ListOf(inode), inode.State())
	}
	if err := e.sb.Sync(ctx, false); err != nil {
		t.Errorf("Sync(nowait) = %v, want nil", err)
	}
	if e.sb.ListOf(inode) != ListDirty {
		t.Errorf("after failed background sync: list %v, want dirty", e.sb.ListOf(inode))
	}

	e.fs.mu.Lock()
	e.fs.writeInodeErr = nil
	e.fs.mu.Unlock()
	if err := e.sb.Sync(ctx, true); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if e.sb.ListOf(inode) != ListClean || inode.Dirty() {
		t.Errorf("after sync: list %v state %#x, want clean", e.sb.ListOf(inode), inode.State())
	}
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/PageSize)
	}
	return b
}

func TestPageCacheReadWrite(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	vd := e.create(t, e.root, "f")
	defer e.v.PutPath(ctx, vd)
	f := e.open(t, vd, unix.O_RDWR)
	defer f.Close(ctx)

	data := pattern(3*PageSize + 100)
	if n, err := f.Write(ctx, data); err != nil || n != len(data) {
		t.Fatalf("Write = %d, %v", n, err)
	}
	m := f.Inode().Mapping()
	if got := m.NrDirty(); got != 4 {
		t.Errorf("dirty pages = %d, want 4", got)
	}
	if got := e.v.CachedPages(ctx); got != 4 {
		t.Errorf("CachedPages = %d, want 4", got)
	}
	if got := f.Inode().Size(); got != int64(len(data)) {
		t.Errorf("size = %d, want %d", got, len(data))
	}
	if f.Inode().State()&IDirtyPages == 0 {
		t.Errorf("state = %#x, want IDirtyPages", f.Inode().State())
	}

	got := make([]byte, len(data)+10)
	n, err := f.PRead(ctx, got, 0)
	if err != nil || n != len(data) {
		t.Fatalf("PRead = %d, %v", n, err)
	}
	if !bytes.Equal(got[:n], data) {
		t.Errorf("read back differs")
	}

	if err := e.v.SyncAll(ctx, true); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if got := m.NrDirty(); got != 0 {
		t.Errorf("dirty pages after sync = %d", got)
	}
	if !bytes.Equal(e.fs.node(f.Inode().Ino()).data, data) {
		t.Errorf("written data differs")
	}
	if e.sb.ListOf(f.Inode()) != ListClean {
		t.Errorf("list after sync = %v, want clean", e.sb.ListOf(f.Inode()))
	}
}

func TestPartialPageWriteReadsFirst(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	e.fs.addFile(testRootIno, "f", strings.Repeat("a", 100))
	vd := e.walk(t, "/f")
	defer e.v.PutPath(ctx, vd)
	f := e.open(t, vd, unix.O_RDWR)
	defer f.Close(ctx)
	if _, err := f.PWrite(ctx, []byte("bb"), 10); err != nil {
		t.Fatalf("PWrite: %v", err)
	}
	got := make([]byte, 100)
	if _, err := f.PRead(ctx, got, 0); err != nil {
		t.Fatalf("PRead: %v", err)
	}
	want := strings.Repeat("a", 10) + "bb" + strings.Repeat("a", 88)
	if diff := cmp.Diff(want, string(got)); diff != "" {
		t.Errorf("contents mismatch (-want +got):\n%s", diff)
	}
}

func TestWritebackSkipsLockedPages(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	vd := e.create(t, e.root, "f")
	defer e.v.PutPath(ctx, vd)
	f := e.open(t, vd, unix.O_RDWR)
	defer f.Close(ctx)
	if _, err := f.Write(ctx, pattern(2*PageSize)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	m := f.Inode().Mapping()
	p := m.FindLockPage(0)
	if p == nil {
		t.Fatalf("page 0 not cached")
	}
	wbc := &WritebackControl{SyncMode: WBSyncNone, Reason: ReasonBackground}
	if err := m.WritebackRange(ctx, wbc); err != nil {
		t.Fatalf("WritebackRange: %v", err)
	}
	if wbc.PagesSkipped != 1 || wbc.PagesWritten != 1 {
		t.Errorf("skipped, written = %d, %d, want 1, 1", wbc.PagesSkipped, wbc.PagesWritten)
	}
	if !p.Dirty() {
		t.Errorf("skipped page is clean")
	}
	// A waiting pass does not block on the lock either.
	wbc = &WritebackControl{SyncMode: WBSyncAll, Reason: ReasonSync}
	if err := m.WritebackRange(ctx, wbc); err != nil {
		t.Fatalf("WritebackRange(WBSyncAll): %v", err)
	}
	if wbc.PagesSkipped != 1 || wbc.PagesWritten != 0 || !p.Dirty() {
		t.Errorf("waiting pass: skipped, written = %d, %d, dirty %t, want 1, 0, true", wbc.PagesSkipped, wbc.PagesWritten, p.Dirty())
	}
	p.Unlock()
	m.PutPage(p)

	// Once the page is free a non-waiting pass writes it and cleans the inode.
	if err := e.sb.Sync(ctx, false); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if m.NrDirty() != 0 || e.sb.ListOf(f.Inode()) != ListClean {
		t.Errorf("after sync: %d dirty pages, list %v", m.NrDirty(), e.sb.ListOf(f.Inode()))
	}
}

func TestWritebackErrors(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	vd := e.create(t, e.root, "f")
	defer e.v.PutPath(ctx, vd)
	f := e.open(t, vd, unix.O_RDWR)
	defer f.Close(ctx)
	if _, err := f.Write(ctx, pattern(PageSize)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	m := f.Inode().Mapping()
	e.fs.mu.Lock()
	e.fs.writePageErr = linuxerr.EIO
	e.fs.mu.Unlock()

	wbc := &WritebackControl{SyncMode: WBSyncNone}
	if err := m.WritebackRange(ctx, wbc); err != nil {
		t.Errorf("best effort writeback = %v, want nil", err)
	}
	if wbc.ErrorsSeen != 1 {
		t.Errorf("ErrorsSeen = %d, want 1", wbc.ErrorsSeen)
	}
	p := m.FindGetPage(0)
	if !p.Dirty() || !p.Error() {
		t.Errorf("failed page: dirty %t error %t, want both", p.Dirty(), p.Error())
	}
	m.PutPage(p)
	if err := m.SyncMappingPages(ctx, true); !linuxerr.Equals(linuxerr.EIO, err) {
		t.Errorf("waiting writeback = %v, want EIO", err)
	}
	if err := f.Fsync(ctx, false); !linuxerr.Equals(linuxerr.EIO, err) {
		t.Errorf("Fsync = %v, want EIO", err)
	}

	e.fs.mu.Lock()
	e.fs.writePageErr = nil
	e.fs.mu.Unlock()
	if err := f.Fsync(ctx, false); err != nil {
		t.Fatalf("Fsync: %v", err)
	}
	if m.NrDirty() != 0 || f.Inode().Dirty() {
		t.Errorf("after fsync: %d dirty pages, state %#x", m.NrDirty(), f.Inode().State())
	}
}

func TestTruncate(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	vd := e.create(t, e.root, "f")
	defer e.v.PutPath(ctx, vd)
	f := e.open(t, vd, unix.O_RDWR)
	defer f.Close(ctx)
	if _, err := f.Write(ctx, bytes.Repeat([]byte{0xff}, 3*PageSize)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Truncate(ctx, PageSize+10); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	m := f.Inode().Mapping()
	if got := m.NrPages(); got != 2 {
		t.Errorf("pages = %d, want 2", got)
	}
	p := m.FindGetPage(1)
	if p == nil {
		t.Fatalf("page 1 dropped")
	}
	defer m.PutPage(p)
	if !bytes.Equal(p.Data[10:], make([]byte, PageSize-10)) {
		t.Errorf("tail of page 1 not zeroed")
	}
	// Growing again must read zeroes past the old end.
	if err := f.Truncate(ctx, 2*PageSize); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	buf := make([]byte, PageSize)
	if n, err := f.PRead(ctx, buf, PageSize); err != nil || n != PageSize {
		t.Fatalf("PRead = %d, %v", n, err)
	}
	if !bytes.Equal(buf[10:], make([]byte, PageSize-10)) {
		t.Errorf("read past old end of file is not zero")
	}
}

func TestInvalidateMappingPages(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	data := string(pattern(2 * PageSize))
	e.fs.addFile(testRootIno, "f", data)
	vd := e.walk(t, "/f")
	defer e.v.PutPath(ctx, vd)
	f := e.open(t, vd, unix.O_RDWR)
	defer f.Close(ctx)

	buf := make([]byte, len(data))
	if _, err := f.PRead(ctx, buf, 0); err != nil {
		t.Fatalf("PRead: %v", err)
	}
	if _, err := f.PWrite(ctx, []byte("z"), 0); err != nil {
		t.Fatalf("PWrite: %v", err)
	}
	m := f.Inode().Mapping()
	// Page 0 is dirty and stays.
	if got := m.InvalidateMappingPages(0, math.MaxUint64); got != 1 {
		t.Errorf("invalidated %d pages, want 1", got)
	}
	if got := m.NrPages(); got != 1 {
		t.Errorf("pages = %d, want 1", got)
	}
	if _, err := f.PRead(ctx, buf, 0); err != nil {
		t.Fatalf("PRead: %v", err)
	}
	if buf[0] != 'z' || !bytes.Equal(buf[1:], []byte(data)[1:]) {
		t.Errorf("contents changed by invalidation")
	}
}

func TestPageTreeENOMEM(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	vd := e.create(t, e.root, "f")
	defer e.v.PutPath(ctx, vd)
	f := e.open(t, vd, unix.O_RDWR)
	defer f.Close(ctx)
	f.Inode().Mapping().SetNodeLimit(1)
	if _, err := f.PWrite(ctx, []byte("a"), 0); err != nil {
		t.Fatalf("PWrite at 0: %v", err)
	}
	if _, err := f.PWrite(ctx, []byte("b"), 64*PageSize); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("PWrite past node limit = %v, want ENOMEM", err)
	}
	if got := f.Inode().Mapping().NrPages(); got != 1 {
		t.Errorf("pages = %d, want 1", got)
	}
}

func TestDirectIO(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	vd := e.create(t, e.root, "f")
	defer e.v.PutPath(ctx, vd)
	buffered := e.open(t, vd, unix.O_RDWR)
	defer buffered.Close(ctx)
	direct := e.open(t, vd, unix.O_RDWR|unix.O_DIRECT)
	defer direct.Close(ctx)

	if _, err := buffered.PWrite(ctx, []byte("cached"), 0); err != nil {
		t.Fatalf("PWrite: %v", err)
	}
	// A direct read sees buffered data because dirty pages are flushed
	// first.
	buf := make([]byte, 6)
	if n, err := direct.PRead(ctx, buf, 0); err != nil || string(buf[:n]) != "cached" {
		t.Errorf("direct PRead = %q, %v", buf[:n], err)
	}
	if _, err := direct.PWrite(ctx, []byte("DIRECT"), 0); err != nil {
		t.Fatalf("direct PWrite: %v", err)
	}
	// The stale cached page was dropped.
	if n, err := buffered.PRead(ctx, buf, 0); err != nil || string(buf[:n]) != "DIRECT" {
		t.Errorf("buffered PRead = %q, %v", buf[:n], err)
	}
}

func TestIGetReadFailure(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	ino := e.fs.addFile(testRootIno, "bad", "")
	e.fs.mu.Lock()
	e.fs.readErr[ino] = linuxerr.EIO
	e.fs.mu.Unlock()
	if _, err := e.v.Inodes.IGet(ctx, e.sb, ino); !linuxerr.Equals(linuxerr.EIO, err) {
		t.Fatalf("IGet = %v, want EIO", err)
	}
	if got := e.v.Inodes.Lookup(e.sb, ino); got != nil {
		t.Errorf("failed inode left in the cache")
	}
	checkLists(t, e.sb)

	e.fs.mu.Lock()
	delete(e.fs.readErr, ino)
	e.fs.mu.Unlock()
	i, err := e.v.Inodes.IGet(ctx, e.sb, ino)
	if err != nil {
		t.Fatalf("IGet retry: %v", err)
	}
	i.DecRef(ctx)
}

func TestIGetConcurrent(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	ino := e.fs.addFile(testRootIno, "f", "")
	_, before, _, _ := e.fs.stats()
	gate := make(chan struct{})
	e.fs.readGate = gate

	const n = 8
	got := make([]*Inode, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inode, err := e.v.Inodes.IGet(ctx, e.sb, ino)
			if err != nil {
				t.Errorf("IGet: %v", err)
				return
			}
			got[i] = inode
		}(i)
	}
	close(gate)
	wg.Wait()
	e.fs.readGate = nil

	if _, after, _, _ := e.fs.stats(); after-before != 1 {
		t.Errorf("reads = %d, want 1", after-before)
	}
	for i, inode := range got {
		if inode != got[0] {
			t.Errorf("goroutine %d got a different inode", i)
		}
		if inode != nil {
			inode.DecRef(ctx)
		}
	}
}

func TestIGetWaitsForEviction(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	ino := e.fs.addFile(testRootIno, "f", "")

	// An inode still hashed but already on its way out.
	old := newInode(e.sb, ino)
	old.state = IFreeing
	if err := e.v.Inodes.Insert(old); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	type result struct {
		i   *Inode
		err error
	}
	done := make(chan result, 1)
	go func() {
		i, err := e.v.Inodes.IGet(ctx, e.sb, ino)
		done <- result{i, err}
	}()
	select {
	case r := <-done:
		t.Fatalf("IGet returned %v, %v while the old inode was cached", r.i, r.err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := e.v.Inodes.Remove(old); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	e.sb.removeInode(old)
	old.setState(IClear, 0)
	r := <-done
	if r.err != nil {
		t.Fatalf("IGet: %v", r.err)
	}
	if r.i == old {
		t.Errorf("IGet returned the freed inode")
	}
	r.i.DecRef(ctx)
}

func TestInodeTimesFollowClock(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	e := newTestEnvFS(t, Options{Clock: clock}, newTestFS("testfs"))
	ctx := context.Background()
	vd := e.create(t, e.root, "f")
	defer e.v.PutPath(ctx, vd)
	inode := vd.Inode()
	if _, mtime, _ := inode.Times(); !mtime.Equal(clock.Now()) {
		t.Errorf("created mtime = %v, want %v", mtime, clock.Now())
	}

	clock.Advance(time.Hour)
	inode.Touch()
	if _, mtime, ctime := inode.Times(); !mtime.Equal(clock.Now()) || !ctime.Equal(clock.Now()) {
		t.Errorf("touched times = %v, %v, want %v", mtime, ctime, clock.Now())
	}

	clock.Advance(time.Hour)
	inode.IncLinks()
	if _, _, ctime := inode.Times(); !ctime.Equal(clock.Now()) {
		t.Errorf("ctime after IncLinks = %v, want %v", ctime, clock.Now())
	}
	inode.DropLinks()
}

func TestDropInode(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	ino := e.fs.addFile(testRootIno, "f", "")
	e.fs.mu.Lock()
	e.fs.dropAll = true
	e.fs.mu.Unlock()
	i, err := e.v.Inodes.IGet(ctx, e.sb, ino)
	if err != nil {
		t.Fatalf("IGet: %v", err)
	}
	i.DecRef(ctx)
	if e.v.Inodes.Lookup(e.sb, ino) != nil {
		t.Errorf("dropped inode still cached")
	}
	if _, _, _, evicted := e.fs.stats(); evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
}

func TestDentryLRULimit(t *testing.T) {
	cfg := config.Default()
	cfg.Dcache.LRULimit = 4
	e := newTestEnv(t, cfg)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		vd := e.create(t, e.root, fmt.Sprintf("f%d", i))
		e.v.PutPath(ctx, vd)
		if got := e.v.Dentries.LRULen(); got > 4 {
			t.Fatalf("LRU holds %d dentries, limit 4", got)
		}
	}
	// Reclaimed names are found again through the filesystem.
	vd := e.walk(t, "/f0")
	e.v.PutPath(ctx, vd)
	if n := e.v.Reclaim(ctx, 0); n == 0 {
		t.Errorf("Reclaim freed nothing")
	}
	if got := e.v.Dentries.LRULen(); got != 0 {
		t.Errorf("LRU holds %d dentries after full reclaim", got)
	}
}

func TestRenameAndRmdir(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	creds := RootCredentials()
	for _, dir := range []string{"a", "b"} {
		vd, err := e.v.Mkdir(ctx, creds, e.root, dir, 0o755)
		if err != nil {
			t.Fatalf("Mkdir(%s): %v", dir, err)
		}
		e.v.PutPath(ctx, vd)
	}
	a := e.walk(t, "/a")
	defer e.v.PutPath(ctx, a)
	b := e.walk(t, "/b")
	defer e.v.PutPath(ctx, b)
	e.v.PutPath(ctx, e.create(t, a, "f"))

	if err := e.v.Rename(ctx, creds, a, "f", b, "g"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := e.v.WalkPath(ctx, creds, e.root, "/a/f"); !linuxerr.Equals(linuxerr.ENOENT, err) {
		t.Errorf("old name: %v, want ENOENT", err)
	}
	g := e.walk(t, "/b/g")
	if got := e.v.FullPath(g); got != "/b/g" {
		t.Errorf("FullPath = %q, want /b/g", got)
	}
	e.v.PutPath(ctx, g)

	if err := e.v.Rename(ctx, creds, e.root, "b", b, "x"); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("rename into itself = %v, want EINVAL", err)
	}
	if err := e.v.Rmdir(ctx, creds, e.root, "b"); !linuxerr.Equals(linuxerr.ENOTEMPTY, err) {
		t.Errorf("Rmdir(non-empty) = %v, want ENOTEMPTY", err)
	}
	if err := e.v.Unlink(ctx, creds, e.root, "a"); !linuxerr.Equals(linuxerr.EISDIR, err) {
		t.Errorf("Unlink(dir) = %v, want EISDIR", err)
	}
	if err := e.v.Rmdir(ctx, creds, e.root, "a"); err != nil {
		t.Errorf("Rmdir(a): %v", err)
	}
	if _, err := e.v.WalkPath(ctx, creds, e.root, "/a"); !linuxerr.Equals(linuxerr.ENOENT, err) {
		t.Errorf("removed dir: %v, want ENOENT", err)
	}
	if _, err := e.v.WalkPath(ctx, creds, e.root, "/b/g/x"); !linuxerr.Equals(linuxerr.ENOTDIR, err) {
		t.Errorf("walk through file = %v, want ENOTDIR", err)
	}
}

func TestMounts(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	creds := RootCredentials()
	fs2 := newTestFS("other")
	fs2.addFile(testRootIno, "x", "inner")
	if err := e.v.RegisterFilesystem(fs2); err != nil {
		t.Fatalf("RegisterFilesystem: %v", err)
	}
	if err := e.v.RegisterFilesystem(fs2); !linuxerr.Equals(linuxerr.EEXIST, err) {
		t.Errorf("duplicate RegisterFilesystem = %v, want EEXIST", err)
	}
	mnt, err := e.v.Mkdir(ctx, creds, e.root, "mnt", 0o755)
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	m, err := e.v.DoMount(ctx, "other", 0, mnt, 0, "")
	if err != nil {
		t.Fatalf("DoMount: %v", err)
	}
	if _, err := e.v.DoMount(ctx, "other", 0, mnt, 0, ""); !linuxerr.Equals(linuxerr.EBUSY, err) {
		t.Errorf("second DoMount = %v, want EBUSY", err)
	}
	if _, err := e.v.DoMount(ctx, "nope", 0, mnt, 0, ""); !linuxerr.Equals(linuxerr.ENODEV, err) {
		t.Errorf("DoMount(unknown) = %v, want ENODEV", err)
	}
	e.v.PutPath(ctx, mnt)

	x := e.walk(t, "/mnt/x")
	if x.Mount != m {
		t.Errorf("/mnt/x reached through %v, want %v", x.Mount, m)
	}
	if got := e.v.FullPath(x); got != "/mnt/x" {
		t.Errorf("FullPath = %q", got)
	}
	if got := PathToMount(x); got != "/x" {
		t.Errorf("PathToMount = %q, want /x", got)
	}
	if _, err := e.v.WalkPath(ctx, creds, e.root, "/mnt/x/.."); !linuxerr.Equals(linuxerr.ENOTDIR, err) {
		t.Errorf("/mnt/x/.. = %v, want ENOTDIR", err)
	}
	up := e.walk(t, "/mnt/..")
	if up.Dentry != e.root.Dentry || up.Mount != e.root.Mount {
		t.Errorf("/mnt/.. = %v, want the root", up.Dentry)
	}
	e.v.PutPath(ctx, up)
	if err := e.v.Rmdir(ctx, creds, e.root, "mnt"); !linuxerr.Equals(linuxerr.EBUSY, err) {
		t.Errorf("Rmdir(mount point) = %v, want EBUSY", err)
	}

	f := e.open(t, x, unix.O_RDONLY)
	e.v.PutPath(ctx, x)
	if err := e.v.Umount(ctx, m); !linuxerr.Equals(linuxerr.EBUSY, err) {
		t.Errorf("Umount with open file = %v, want EBUSY", err)
	}
	f.Close(ctx)
	if err := e.v.Umount(ctx, m); err != nil {
		t.Fatalf("Umount: %v", err)
	}
	fs2.mu.Lock()
	killed := fs2.killed
	fs2.mu.Unlock()
	if killed != 1 {
		t.Errorf("KillSB calls = %d, want 1", killed)
	}
	if _, err := e.v.WalkPath(ctx, creds, e.root, "/mnt/x"); !linuxerr.Equals(linuxerr.ENOENT, err) {
		t.Errorf("after umount: %v, want ENOENT", err)
	}
	if diff := cmp.Diff([]string{"other", "testfs"}, e.v.Filesystems()); diff != "" {
		t.Errorf("Filesystems mismatch (-want +got):\n%s", diff)
	}
}

func TestShutdownWritesBack(t *testing.T) {
	ctx := context.Background()
	v, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fs := newTestFS("testfs")
	if err := v.RegisterFilesystem(fs); err != nil {
		t.Fatalf("RegisterFilesystem: %v", err)
	}
	if _, err := v.DoMount(ctx, "testfs", 0, VirtualDentry{}, 0, ""); err != nil {
		t.Fatalf("DoMount: %v", err)
	}
	root, _ := v.Root()
	vd, err := v.Create(ctx, RootCredentials(), root, "f", 0o644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f, _ := v.Open(ctx, RootCredentials(), vd, unix.O_WRONLY)
	if _, err := f.Write(ctx, []byte("persist")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	ino := f.Inode().Ino()
	f.Close(ctx)
	v.PutPath(ctx, vd)
	v.PutPath(ctx, root)

	if err := v.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := string(fs.node(ino).data); got != "persist" {
		t.Errorf("data after shutdown = %q", got)
	}
	if v.Inodes.Len() != 0 || v.Dentries.Len() != 0 {
		t.Errorf("caches not empty: %d inodes, %d dentries", v.Inodes.Len(), v.Dentries.Len())
	}
	if len(v.Supers()) != 0 {
		t.Errorf("superblocks left after shutdown")
	}
}
