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

package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"vfscore.dev/vfscore/pkg/blockdev"
	"vfscore.dev/vfscore/pkg/config"
	"vfscore.dev/vfscore/pkg/memfs"
	"vfscore.dev/vfscore/pkg/vfs"
)

func TestWorkload(t *testing.T) {
	ctx := context.Background()
	in, err := newInstance(ctx, config.Default(), blockdev.NewMemDisk(1024, 4096), true, 0)
	if err != nil {
		t.Fatalf("newInstance: %v", err)
	}
	defer func() {
		if err := in.close(ctx); err != nil {
			t.Errorf("close: %v", err)
		}
	}()

	w := workload{workers: 2, files: 6, size: 3000, fsyncEvery: 2}
	st, err := w.run(ctx, in)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got := []int64{st.created.Load(), st.unlinked.Load(), st.written.Load(), st.read.Load(), st.fsyncs.Load()}
	want := []int64{12, 6, 36000, 36000, 6}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	if n := in.v.DirtyInodes(); n != 0 {
		t.Errorf("DirtyInodes = %d after run, want 0", n)
	}

	dir, err := in.v.Lookup(ctx, vfs.RootCredentials(), in.root, "w1")
	if err != nil {
		t.Fatalf("Lookup(w1): %v", err)
	}
	defer in.v.PutPath(ctx, dir)
	ents, err := memfs.ReadDir(dir.Inode())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range ents {
		names = append(names, e.Name)
	}
	if diff := cmp.Diff([]string{"f1", "f3", "f5"}, names); diff != "" {
		t.Errorf("w1 entries mismatch (-want +got):\n%s", diff)
	}
}

func TestStatImage(t *testing.T) {
	ctx := context.Background()
	disk := diskFlags{image: filepath.Join(t.TempDir(), "disk.img"), blockSize: 1024, blocks: 2048}

	drv, _, err := disk.driver(true)
	if err != nil {
		t.Fatalf("driver: %v", err)
	}
	in, err := newInstance(ctx, config.Default(), drv, true, 0)
	if err != nil {
		t.Fatalf("newInstance: %v", err)
	}
	if _, err := (workload{workers: 2, files: 4, size: 5000}).run(ctx, in); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := in.close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	drv, _, err = disk.driver(false)
	if err != nil {
		t.Fatalf("driver: %v", err)
	}
	in, err = newInstance(ctx, config.Default(), drv, false, vfs.SBReadOnly)
	if err != nil {
		t.Fatalf("newInstance read-only: %v", err)
	}
	defer func() {
		if err := in.close(ctx); err != nil {
			t.Errorf("close: %v", err)
		}
	}()

	s := &Stat{read: true}
	var ts treeStats
	if err := s.walk(ctx, in, in.root, "/", &ts); err != nil {
		t.Fatalf("walk: %v", err)
	}
	if want := (treeStats{dirs: 3, files: 4, bytes: 20000}); ts != want {
		t.Errorf("walk = %+v, want %+v", ts, want)
	}
	// Each 5000 byte file spans two pages.
	if got := in.v.CachedPages(ctx); got < 8 {
		t.Errorf("CachedPages = %d after reading every file, want at least 8", got)
	}
	if _, err := in.v.Create(ctx, vfs.RootCredentials(), in.root, "new", 0o644); err == nil {
		t.Errorf("Create on read-only mount succeeded")
	}
}
