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

// Package vfs implements the caching core of a virtual filesystem: the
// dentry cache, the inode cache, per-inode page caches, superblocks with
// their writeback lists, and the mount tree tying them together.
//
// Filesystems plug in through the operation tables in ops.go. Devices and
// their block buffers come from packages blockdev and bcache.
//
// Lock order:
//
//	VFS.renameMu
//	  VFS.mountMu
//	    DentryCache.lruMu
//	      hash table buckets
//	        Dentry.mu (parent before child)
//	  Inode.mu
//	    SuperBlock.listMu
//	  Page lock
//	    AddressSpace.treeMu
package vfs

import (
	"context"
	"slices"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"vfscore.dev/vfscore/pkg/bcache"
	"vfscore.dev/vfscore/pkg/blockdev"
	"vfscore.dev/vfscore/pkg/config"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/hashtable"
	"vfscore.dev/vfscore/pkg/ilist"
	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/qstr"
	"vfscore.dev/vfscore/pkg/sync"
)

// VFS is one instance of the caching core.
type VFS struct {
	// The caches are immutable.
	Dentries *DentryCache
	Inodes   *ICache
	Devices  *blockdev.Registry
	Buffers  *bcache.Cache

	clock clockwork.Clock

	fsTypes *hashtable.Table[string, FileSystemType]

	// renameMu serializes namespace changes against each other. Lookups
	// that reach the filesystem hold it for reading.
	renameMu sync.RWMutex

	// lookups merges concurrent misses on the same name.
	lookups singleflight.Group

	// mountMu protects root, mounts and the mount counts.
	mountMu sync.Mutex
	root    *Mount
	mounts  *hashtable.Table[mountKey, *Mount]

	supersMu sync.Mutex
	supers   ilist.List[*SuperBlock]
}

// Options configure New.
type Options struct {
	// Config sizes the caches. Nil means config.Default().
	Config *config.Config

	// Clock stamps inode times. Nil means the real clock.
	Clock clockwork.Clock
}

// New returns an empty VFS.
func New(opts Options) (*VFS, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	alg, err := qstr.ParseAlgorithm(cfg.Qstr.Hash)
	if err != nil {
		return nil, err
	}
	if err := qstr.SetAlgorithm(alg); err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	maxLoad := cfg.Hashtable.MaxLoad
	v := &VFS{
		Dentries: NewDentryCache(cfg.Dcache.Buckets, maxLoad, cfg.Dcache.LRULimit),
		Inodes:   NewICache(cfg.Icache.Buckets, maxLoad),
		Devices:  blockdev.NewRegistry(),
		Buffers: bcache.New(bcache.Options{
			Buckets:    cfg.Bcache.Buckets,
			MaxLoad:    maxLoad,
			MaxBuffers: cfg.Bcache.MaxBuffers,
		}),
		clock: clock,
		fsTypes: hashtable.New(hashtable.Options[string, FileSystemType]{
			Name: "filesystems",
			Hash: qstr.HashString,
			Key:  FileSystemType.Name,
		}),
		mounts: hashtable.New(hashtable.Options[mountKey, *Mount]{
			Name:    "mounts",
			MaxLoad: maxLoad,
			Hash:    hashMountKey,
			Key:     func(m *Mount) mountKey { return mountKey{parent: m.parent, point: m.mountpoint} },
		}),
	}
	return v, nil
}

// Clock returns the clock used for inode times.
func (v *VFS) Clock() clockwork.Clock { return v.clock }

// RegisterFilesystem makes fstype mountable. It fails with EEXIST if the
// name is taken.
func (v *VFS) RegisterFilesystem(fstype FileSystemType) error {
	if err := v.fsTypes.Insert(fstype); err != nil {
		return err
	}
	log.Debugf("vfs: registered filesystem %q", fstype.Name())
	return nil
}

// UnregisterFilesystem removes the type registered as name.
func (v *VFS) UnregisterFilesystem(name string) error {
	if _, err := v.fsTypes.RemoveByKey(name); err != nil {
		return linuxerr.ENODEV
	}
	return nil
}

// GetFilesystem returns the type registered as name, or ENODEV.
func (v *VFS) GetFilesystem(name string) (FileSystemType, error) {
	fstype, ok := v.fsTypes.Lookup(name)
	if !ok {
		return nil, linuxerr.ENODEV
	}
	return fstype, nil
}

// Filesystems returns the registered type names in order.
func (v *VFS) Filesystems() []string {
	var names []string
	for _, fstype := range v.fsTypes.Snapshot() {
		names = append(names, fstype.Name())
	}
	slices.Sort(names)
	return names
}

func (v *VFS) addSuper(sb *SuperBlock) {
	v.supersMu.Lock()
	defer v.supersMu.Unlock()
	v.supers.PushBack(&sb.link)
}

func (v *VFS) removeSuper(sb *SuperBlock) {
	v.supersMu.Lock()
	defer v.supersMu.Unlock()
	if sb.link.On(&v.supers) {
		v.supers.Remove(&sb.link)
	}
}

// Supers returns the active superblocks, each with a reference held that the
// caller drops with DropSuper.
func (v *VFS) Supers() []*SuperBlock {
	v.supersMu.Lock()
	defer v.supersMu.Unlock()
	var out []*SuperBlock
	for e := v.supers.Front(); e != nil; e = e.Next() {
		e.Value.GrabSuper()
		out = append(out, e.Value)
	}
	return out
}

func dropSupers(sbs []*SuperBlock) {
	for _, sb := range sbs {
		sb.DropSuper()
	}
}

// SyncAll syncs every superblock concurrently and returns the first error.
func (v *VFS) SyncAll(ctx context.Context, wait bool) error {
	sbs := v.Supers()
	defer dropSupers(sbs)
	g, gctx := errgroup.WithContext(ctx)
	for _, sb := range sbs {
		if sb.ReadOnly() {
			continue
		}
		sb := sb
		g.Go(func() error { return sb.Sync(gctx, wait) })
	}
	return g.Wait()
}

// WritebackAll runs one non-waiting writeback pass over every superblock,
// sharing wbc's page budget, and returns the first hard error.
func (v *VFS) WritebackAll(ctx context.Context, wbc *WritebackControl) error {
	sbs := v.Supers()
	defer dropSupers(sbs)
	for _, sb := range sbs {
		if wbc.Exhausted() {
			break
		}
		if sb.ReadOnly() {
			continue
		}
		if err := sb.Writeback(ctx, wbc); err != nil {
			return err
		}
	}
	return nil
}

// DirtyInodes returns the number of dirty inodes over all superblocks.
func (v *VFS) DirtyInodes() int {
	sbs := v.Supers()
	defer dropSupers(sbs)
	n := 0
	for _, sb := range sbs {
		_, _, dirty, io := sb.InodeCounts()
		n += dirty + io
	}
	return n
}

// CachedPages returns the number of pages cached by inodes of every
// superblock.
func (v *VFS) CachedPages(ctx context.Context) int {
	sbs := v.Supers()
	defer dropSupers(sbs)
	n := 0
	for _, sb := range sbs {
		sb.listMu.Lock()
		all := snapshot(&sb.allInodes)
		sb.listMu.Unlock()
		for _, i := range all {
			if v.Inodes.grab(i) {
				n += i.mapping.NrPages()
				i.DecRef(ctx)
			}
		}
	}
	return n
}

// Reclaim frees cached objects nobody uses: up to count dentries (0 for all
// of them), then the inodes and clean pages they pinned, then clean
// buffers. It returns the number of dentries freed.
func (v *VFS) Reclaim(ctx context.Context, count int) int {
	n := v.Dentries.ShrinkLRU(ctx, count)
	sbs := v.Supers()
	defer dropSupers(sbs)
	for _, sb := range sbs {
		sb.EvictUnused(ctx)
		sb.listMu.Lock()
		clean := snapshot(&sb.clean)
		sb.listMu.Unlock()
		for _, i := range clean {
			if v.Inodes.grab(i) {
				i.mapping.InvalidateMappingPages(0, ^uint64(0))
				i.DecRef(ctx)
			}
		}
	}
	v.Buffers.Evict(count)
	return n
}

// Shutdown unmounts everything, innermost mounts first.
func (v *VFS) Shutdown(ctx context.Context) error {
	for {
		v.mountMu.Lock()
		var victims []*Mount
		for _, m := range v.mounts.Snapshot() {
			if m.children == 0 {
				victims = append(victims, m)
			}
		}
		if len(victims) == 0 && v.root != nil && v.root.children == 0 {
			victims = append(victims, v.root)
		}
		v.mountMu.Unlock()
		if len(victims) == 0 {
			return nil
		}
		for _, m := range victims {
			if err := v.Umount(ctx, m); err != nil {
				log.Warningf("vfs: unmount of %v at shutdown: %v", m, err)
				return err
			}
		}
	}
}
