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
	"math"
	"testing"

	"golang.org/x/sys/unix"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
)

func (fs *testFS) writes() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.dataWrites
}

// newTestFile creates /name and opens it for reading and writing.
func newTestFile(t *testing.T, e *testEnv, name string) *File {
	t.Helper()
	ctx := context.Background()
	vd := e.create(t, e.root, name)
	f := e.open(t, vd, unix.O_RDWR)
	e.v.PutPath(ctx, vd)
	t.Cleanup(func() { f.Close(ctx) })
	return f
}

func TestFindOrCreatePage(t *testing.T) {
	for _, index := range []uint64{0, 1000, math.MaxUint64} {
		e := newTestEnv(t, nil)
		m := newTestFile(t, e, "f").Inode().Mapping()
		p, err := m.FindOrCreatePage(index)
		if err != nil {
			t.Fatalf("FindOrCreatePage(%d): %v", index, err)
		}
		p.Unlock()
		if got := m.NrPages(); got != 1 {
			t.Errorf("index %d: pages = %d, want 1", index, got)
		}
		q, err := m.FindOrCreatePage(index)
		if err != nil {
			t.Fatalf("FindOrCreatePage(%d) again: %v", index, err)
		}
		q.Unlock()
		if q != p {
			t.Errorf("index %d: second call returned a different page", index)
		}
		if got := m.NrPages(); got != 1 {
			t.Errorf("index %d: pages = %d after second call, want 1", index, got)
		}
		m.PutPage(q)
		m.PutPage(p)
	}
}

func TestWritePagePastEOF(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	f := newTestFile(t, e, "f")
	inode := f.Inode()
	m := inode.Mapping()
	if err := e.sb.Sync(ctx, true); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	p, err := m.FindOrCreatePage(0)
	if err != nil {
		t.Fatalf("FindOrCreatePage: %v", err)
	}
	copy(p.Data, "hello")
	m.SetPageDirty(p)
	p.Unlock()
	m.PutPage(p)

	if err := m.SyncMappingPages(ctx, true); err != nil {
		t.Fatalf("SyncMappingPages: %v", err)
	}
	if m.NrDirty() != 0 {
		t.Errorf("page still dirty after sync")
	}
	if got := inode.Size(); got != PageSize {
		t.Errorf("size = %d, want %d", got, PageSize)
	}
	if inode.State()&IDirtySync == 0 {
		t.Errorf("grown inode not marked dirty: state %#x", inode.State())
	}
	n := e.fs.node(inode.Ino())
	e.fs.mu.Lock()
	data := append([]byte(nil), n.data...)
	e.fs.mu.Unlock()
	if len(data) != PageSize || !bytes.HasPrefix(data, []byte("hello")) {
		t.Errorf("backing data: length %d, prefix %q", len(data), data[:min(len(data), 5)])
	}

	// The grown size reaches the filesystem with the inode.
	if err := e.sb.Sync(ctx, true); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	e.fs.mu.Lock()
	size := n.size
	e.fs.mu.Unlock()
	if size != PageSize {
		t.Errorf("stored size = %d, want %d", size, PageSize)
	}
}

func TestInvalidateAfterSync(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	f := newTestFile(t, e, "f")
	m := f.Inode().Mapping()
	if _, err := f.Write(ctx, pattern(PageSize)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// A reference held by someone else does not pin the page.
	p := m.FindGetPage(0)
	if p == nil {
		t.Fatalf("page 0 not cached")
	}
	defer m.PutPage(p)
	before := e.fs.writes()

	if got := m.InvalidateMappingPages(0, math.MaxUint64); got != 0 {
		t.Errorf("invalidated %d dirty pages, want 0", got)
	}
	if got := m.NrPages(); got != 1 {
		t.Errorf("pages = %d after first invalidate, want 1", got)
	}
	if err := m.SyncMappingPages(ctx, true); err != nil {
		t.Fatalf("SyncMappingPages: %v", err)
	}
	if got := e.fs.writes() - before; got != 1 {
		t.Errorf("page writes = %d, want 1", got)
	}
	if p.Dirty() {
		t.Errorf("page dirty after sync")
	}
	if got := m.InvalidateMappingPages(0, math.MaxUint64); got != 1 {
		t.Errorf("invalidated %d clean pages, want 1", got)
	}
	if got := m.NrPages(); got != 0 {
		t.Errorf("pages = %d after second invalidate, want 0", got)
	}
	if p.Mapping() != nil {
		t.Errorf("invalidated page still mapped")
	}
}

func TestReleasePage(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	f := newTestFile(t, e, "f")
	m := f.Inode().Mapping()
	if _, err := f.Write(ctx, pattern(PageSize)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	p := m.FindLockPage(0)
	if p == nil {
		t.Fatalf("page 0 not cached")
	}
	defer m.PutPage(p)
	defer p.Unlock()
	if err := m.ReleasePage(p); !linuxerr.Equals(linuxerr.EBUSY, err) {
		t.Errorf("ReleasePage of a dirty page = %v, want EBUSY", err)
	}
	m.ClearPageDirty(p)
	if err := m.ReleasePage(p); err != nil {
		t.Errorf("ReleasePage of a clean page = %v", err)
	}
	if err := m.ReleasePage(p); !linuxerr.Equals(linuxerr.ENOENT, err) {
		t.Errorf("ReleasePage of a released page = %v, want ENOENT", err)
	}
	if m.NrPages() != 0 || p.Mapping() != nil {
		t.Errorf("released page still cached")
	}
}

func TestBestEffortWritebackContinues(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	f := newTestFile(t, e, "f")
	m := f.Inode().Mapping()
	if _, err := f.Write(ctx, pattern(2*PageSize)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	e.fs.mu.Lock()
	e.fs.writeErrAt[0] = linuxerr.EIO
	e.fs.mu.Unlock()
	before := e.fs.writes()

	if err := m.SyncMappingPages(ctx, false); err != nil {
		t.Errorf("SyncMappingPages(false) = %v, want nil", err)
	}
	if got := e.fs.writes() - before; got != 1 {
		t.Errorf("page writes = %d, want 1", got)
	}
	for index, want := range []bool{true, false} {
		p := m.FindGetPage(uint64(index))
		if got := p.Dirty(); got != want {
			t.Errorf("page %d dirty = %t, want %t", index, got, want)
		}
		m.PutPage(p)
	}

	e.fs.mu.Lock()
	delete(e.fs.writeErrAt, 0)
	e.fs.mu.Unlock()
	if err := m.SyncMappingPages(ctx, true); err != nil {
		t.Fatalf("SyncMappingPages(true): %v", err)
	}
	if m.NrDirty() != 0 {
		t.Errorf("%d pages dirty after retry", m.NrDirty())
	}
}
