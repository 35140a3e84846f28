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
	"math"

	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/radix"
	"vfscore.dev/vfscore/pkg/sync"
)

const (
	radixDirty     = radix.TagDirty
	radixWriteback = radix.TagWriteback
	radixAccessed  = radix.TagAccessed

	// scanBatch is the number of pages a cursor scan takes per tree lookup.
	scanBatch = 16
)

// AddressSpace is the page cache of one inode: its pages indexed by file
// offset in a radix tree. The tree's dirty tag is the only record of which
// pages are dirty.
//
// A cached page holds one reference owned by the AddressSpace, dropped when
// the page is deleted.
type AddressSpace struct {
	// host is immutable.
	host *Inode

	// treeMu protects tree and ops.
	treeMu sync.Mutex
	tree   radix.Tree[*Page]
	ops    AddressSpaceOperations
}

func newAddressSpace(host *Inode, ops AddressSpaceOperations) *AddressSpace {
	return &AddressSpace{host: host, ops: ops}
}

// Host returns the inode a caches.
func (a *AddressSpace) Host() *Inode { return a.host }

// SetOps replaces a's operations.
func (a *AddressSpace) SetOps(ops AddressSpaceOperations) {
	a.treeMu.Lock()
	defer a.treeMu.Unlock()
	a.ops = ops
}

// Ops returns a's operations.
func (a *AddressSpace) Ops() AddressSpaceOperations {
	a.treeMu.Lock()
	defer a.treeMu.Unlock()
	return a.ops
}

// SetNodeLimit bounds the nodes of a's tree, so that inserting pages can
// fail with ENOMEM.
func (a *AddressSpace) SetNodeLimit(n int) {
	a.treeMu.Lock()
	defer a.treeMu.Unlock()
	a.tree.SetNodeLimit(n)
}

// NrPages returns the number of cached pages.
func (a *AddressSpace) NrPages() int {
	a.treeMu.Lock()
	defer a.treeMu.Unlock()
	return a.tree.Len()
}

// NrDirty returns the number of dirty pages.
func (a *AddressSpace) NrDirty() int {
	a.treeMu.Lock()
	defer a.treeMu.Unlock()
	return a.tree.CountTagged(radixDirty)
}

// HasDirtyPages returns true if any page is dirty.
func (a *AddressSpace) HasDirtyPages() bool {
	a.treeMu.Lock()
	defer a.treeMu.Unlock()
	return a.tree.Tagged(radixDirty)
}

// FindGetPage returns the page at index with a reference held, or nil.
func (a *AddressSpace) FindGetPage(index uint64) *Page {
	a.treeMu.Lock()
	defer a.treeMu.Unlock()
	p, ok := a.tree.Lookup(index)
	if !ok {
		return nil
	}
	p.IncRef()
	a.tree.TagSet(index, radixAccessed)
	pageHits.Increment()
	return p
}

// FindLockPage returns the page at index locked and with a reference held,
// or nil.
func (a *AddressSpace) FindLockPage(index uint64) *Page {
	for {
		p := a.FindGetPage(index)
		if p == nil {
			return nil
		}
		p.Lock()
		if p.Mapping() == a {
			return p
		}
		// Truncated while we slept.
		p.Unlock()
		p.DecRef()
	}
}

// FindOrCreatePage returns the page at index locked and with a reference
// held, adding a new page if there is none.
func (a *AddressSpace) FindOrCreatePage(index uint64) (*Page, error) {
	for {
		if p := a.FindLockPage(index); p != nil {
			return p, nil
		}
		p := NewPage(index)
		p.flags = PageLocked
		switch err := a.AddPage(p); {
		case err == nil:
			pageMisses.Increment()
			return p, nil
		case linuxerr.Equals(linuxerr.EEXIST, err):
			continue
		default:
			return nil, err
		}
	}
}

// AddPage inserts p at its index, taking the cache's reference. It fails with
// EEXIST if the slot is taken, or ENOMEM if the tree cannot grow.
func (a *AddressSpace) AddPage(p *Page) error {
	a.treeMu.Lock()
	defer a.treeMu.Unlock()
	if err := a.tree.Insert(p.index, p); err != nil {
		return err
	}
	p.IncRef()
	p.mapping.Store(a)
	return nil
}

// DeletePage removes p from the cache and drops the cache's reference. p
// should be locked.
func (a *AddressSpace) DeletePage(p *Page) {
	a.treeMu.Lock()
	cur, ok := a.tree.Lookup(p.index)
	if !ok || cur != p {
		a.treeMu.Unlock()
		return
	}
	a.tree.Delete(p.index)
	p.mapping.Store(nil)
	a.treeMu.Unlock()
	p.DecRef()
}

// PutPage drops a reference returned by a lookup.
func (a *AddressSpace) PutPage(p *Page) {
	p.DecRef()
}

func (a *AddressSpace) pageTagged(p *Page, tag radix.Tag) bool {
	a.treeMu.Lock()
	defer a.treeMu.Unlock()
	cur, ok := a.tree.Lookup(p.index)
	return ok && cur == p && a.tree.TagGet(p.index, tag)
}

// tagPage sets tag on p and reports whether it was clear.
func (a *AddressSpace) tagPage(p *Page, tag radix.Tag) bool {
	a.treeMu.Lock()
	defer a.treeMu.Unlock()
	cur, ok := a.tree.Lookup(p.index)
	if !ok || cur != p || a.tree.TagGet(p.index, tag) {
		return false
	}
	a.tree.TagSet(p.index, tag)
	return true
}

// untagPage clears tag on p and reports whether it was set.
func (a *AddressSpace) untagPage(p *Page, tag radix.Tag) bool {
	a.treeMu.Lock()
	defer a.treeMu.Unlock()
	cur, ok := a.tree.Lookup(p.index)
	if !ok || cur != p || !a.tree.TagGet(p.index, tag) {
		return false
	}
	a.tree.TagClear(p.index, tag)
	return true
}

// SetPageDirty marks p dirty and, if it was clean, marks the host inode's
// pages dirty. It reports whether p was clean.
func (a *AddressSpace) SetPageDirty(p *Page) bool {
	if !a.Ops().SetPageDirty(p) {
		return false
	}
	a.host.MarkDirty(IDirtyPages)
	return true
}

// ClearPageDirty clears p's dirty tag and reports whether it was set.
func (a *AddressSpace) ClearPageDirty(p *Page) bool {
	return a.untagPage(p, radixDirty)
}

func (a *AddressSpace) gang(first uint64, max int, tag radix.Tag, tagged bool) ([]uint64, []*Page) {
	a.treeMu.Lock()
	defer a.treeMu.Unlock()
	var (
		idx   []uint64
		pages []*Page
	)
	if tagged {
		idx, pages = a.tree.GangLookupTagIndex(first, max, tag)
	} else {
		idx, pages = a.tree.GangLookupIndex(first, max)
	}
	for _, p := range pages {
		p.IncRef()
	}
	return idx, pages
}

// FindGetPages returns up to max pages at indexes from first on, in index
// order, with a reference held on each.
func (a *AddressSpace) FindGetPages(first uint64, max int) []*Page {
	_, pages := a.gang(first, max, 0, false)
	return pages
}

// FindGetPagesDirty is like FindGetPages for dirty pages only.
func (a *AddressSpace) FindGetPagesDirty(first uint64, max int) []*Page {
	_, pages := a.gang(first, max, radixDirty, true)
	return pages
}

// scan calls fn on every page with an index in [start, end], in order, with
// a reference held. Pages may come and go during the scan. fn returns false
// to stop.
func (a *AddressSpace) scan(start, end uint64, tag radix.Tag, tagged bool, fn func(p *Page) bool) {
	next := start
	for {
		idx, pages := a.gang(next, scanBatch, tag, tagged)
		if len(pages) == 0 {
			return
		}
		stop := false
		for j, p := range pages {
			if !stop && idx[j] <= end {
				stop = !fn(p)
			} else {
				stop = true
			}
			p.DecRef()
		}
		last := idx[len(idx)-1]
		if stop || last >= end || last == math.MaxUint64 {
			return
		}
		next = last + 1
	}
}

// ReadPage returns the page at index filled with valid data and with a
// reference held.
func (a *AddressSpace) ReadPage(ctx context.Context, f *File, index uint64) (*Page, error) {
	p := a.FindGetPage(index)
	if p != nil && p.Uptodate() {
		return p, nil
	}
	if p == nil {
		var err error
		if p, err = a.FindOrCreatePage(index); err != nil {
			return nil, err
		}
	} else {
		p.Lock()
		if p.Mapping() != a {
			p.Unlock()
			p.DecRef()
			return a.ReadPage(ctx, f, index)
		}
	}
	if p.Uptodate() {
		p.Unlock()
		return p, nil
	}
	if err := a.Ops().ReadPage(ctx, f, p); err != nil {
		log.Debugf("pagecache: read of page %d of inode %d failed: %v", index, a.host.ino, err)
		p.setFlags(PageError, 0)
		p.Unlock()
		p.DecRef()
		return nil, err
	}
	p.Unlock()
	return p, nil
}

// Read copies file data at k.Pos into dst through the cache, stopping at the
// end of file, and advances k.
func (a *AddressSpace) Read(ctx context.Context, k *Kiocb, dst []byte) (int, error) {
	done := 0
	for done < len(dst) {
		size := a.host.Size()
		if k.Pos >= size {
			break
		}
		index := uint64(k.Pos) >> PageShift
		off := int(k.Pos & (PageSize - 1))
		p, err := a.ReadPage(ctx, k.File, index)
		if err != nil {
			return done, err
		}
		avail := PageSize - off
		if rem := size - k.Pos; rem < int64(avail) {
			avail = int(rem)
		}
		n := copy(dst[done:], p.Data[off:off+avail])
		p.DecRef()
		done += n
		k.Pos += int64(n)
	}
	return done, nil
}

// Write copies src into the cache at k.Pos, dirtying the pages it touches and
// growing the file as needed, and advances k.
func (a *AddressSpace) Write(ctx context.Context, k *Kiocb, src []byte) (int, error) {
	done := 0
	for done < len(src) {
		index := uint64(k.Pos) >> PageShift
		off := int(k.Pos & (PageSize - 1))
		n := min(PageSize-off, len(src)-done)
		p, err := a.FindOrCreatePage(index)
		if err != nil {
			return done, err
		}
		if !p.Uptodate() {
			pageStart := int64(index) << PageShift
			if n < PageSize && pageStart < a.host.Size() {
				if err := a.Ops().ReadPage(ctx, k.File, p); err != nil {
					p.setFlags(PageError, 0)
					p.Unlock()
					p.DecRef()
					return done, err
				}
			} else {
				clear(p.Data)
				p.SetUptodate()
			}
		}
		copy(p.Data[off:off+n], src[done:])
		a.SetPageDirty(p)
		p.Unlock()
		p.DecRef()
		done += n
		k.Pos += int64(n)
		if a.host.growSize(k.Pos) {
			a.host.MarkDirty(IDirtySync | IDirtyDatasync)
		}
	}
	if done > 0 {
		a.host.Touch()
	}
	return done, nil
}

// ReleasePage removes a clean page from the cache. It fails with EBUSY if p
// is dirty, under writeback, or held by the filesystem, and with ENOENT if p
// is no longer cached.
func (a *AddressSpace) ReleasePage(p *Page) error {
	if p.Dirty() || !a.Ops().ReleasePage(p) {
		return linuxerr.EBUSY
	}
	a.treeMu.Lock()
	cur, ok := a.tree.Lookup(p.index)
	if !ok || cur != p {
		a.treeMu.Unlock()
		return linuxerr.ENOENT
	}
	// Checked again under the tree lock so a page dirtied since is kept.
	if a.tree.TagGet(p.index, radixDirty) || a.tree.TagGet(p.index, radixWriteback) || p.Writeback() {
		a.treeMu.Unlock()
		return linuxerr.EBUSY
	}
	a.tree.Delete(p.index)
	p.mapping.Store(nil)
	a.treeMu.Unlock()
	p.DecRef()
	return nil
}

// InvalidateMappingPages drops the clean, unlocked pages with indexes in
// [start, end] and returns the number dropped. Holders of references to a
// dropped page keep a detached copy.
func (a *AddressSpace) InvalidateMappingPages(start, end uint64) int {
	n := 0
	a.scan(start, end, 0, false, func(p *Page) bool {
		if !p.TryLock() {
			return true
		}
		if p.Mapping() == a && a.ReleasePage(p) == nil {
			n++
		}
		p.Unlock()
		return true
	})
	return n
}

// TruncatePages drops every page at index from or beyond, dirty or not.
func (a *AddressSpace) TruncatePages(ctx context.Context, from uint64) {
	a.scan(from, math.MaxUint64, 0, false, func(p *Page) bool {
		p.Lock()
		if p.Mapping() == a {
			a.Ops().InvalidatePage(p, 0, PageSize)
			a.ClearPageDirty(p)
			a.DeletePage(p)
		}
		p.Unlock()
		return true
	})
}

// truncateSize drops the cached data past size, zeroing the tail of the page
// holding the new end of file.
func (a *AddressSpace) truncateSize(ctx context.Context, size int64) {
	index := uint64(size) >> PageShift
	if off := int(size & (PageSize - 1)); off != 0 {
		if p := a.FindLockPage(index); p != nil {
			clear(p.Data[off:])
			a.Ops().InvalidatePage(p, off, PageSize-off)
			p.Unlock()
			p.DecRef()
		}
		index++
	}
	a.TruncatePages(ctx, index)
}

// GenericAddressSpaceOps implements AddressSpaceOperations on top of the
// host inode's FileOperations. Filesystems embed it and override what they
// need.
type GenericAddressSpaceOps struct{}

// ReadPage implements AddressSpaceOperations.ReadPage.
func (GenericAddressSpaceOps) ReadPage(ctx context.Context, f *File, p *Page) error {
	return GenericReadPage(ctx, f, p)
}

// WritePage implements AddressSpaceOperations.WritePage.
func (GenericAddressSpaceOps) WritePage(ctx context.Context, p *Page, wbc *WritebackControl) error {
	return GenericWritePage(ctx, p, wbc)
}

// ReadPages implements AddressSpaceOperations.ReadPages.
func (GenericAddressSpaceOps) ReadPages(ctx context.Context, f *File, pages []*Page) error {
	for _, p := range pages {
		if err := GenericReadPage(ctx, f, p); err != nil {
			return err
		}
	}
	return nil
}

// WritePages implements AddressSpaceOperations.WritePages.
func (GenericAddressSpaceOps) WritePages(ctx context.Context, pages []*Page, wbc *WritebackControl) error {
	for _, p := range pages {
		if err := GenericWritePage(ctx, p, wbc); err != nil {
			return err
		}
	}
	return nil
}

// SetPageDirty implements AddressSpaceOperations.SetPageDirty.
func (GenericAddressSpaceOps) SetPageDirty(p *Page) bool {
	a := p.Mapping()
	return a != nil && a.tagPage(p, radixDirty)
}

// ReleasePage implements AddressSpaceOperations.ReleasePage.
func (GenericAddressSpaceOps) ReleasePage(*Page) bool { return true }

// InvalidatePage implements AddressSpaceOperations.InvalidatePage.
func (GenericAddressSpaceOps) InvalidatePage(*Page, int, int) {}

// DirectIO implements AddressSpaceOperations.DirectIO.
func (GenericAddressSpaceOps) DirectIO(ctx context.Context, k *Kiocb, buf []byte, write bool) (int, error) {
	fops := k.Inode.FileOps()
	if fops == nil {
		return 0, linuxerr.EINVAL
	}
	if write {
		return fops.WriteIter(ctx, k, buf)
	}
	return fops.ReadIter(ctx, k, buf)
}

// GenericReadPage fills p from the host's FileOperations, zeroing whatever
// lies past the end of file.
func GenericReadPage(ctx context.Context, f *File, p *Page) error {
	host := p.Mapping().Host()
	fops := host.FileOps()
	n := 0
	if fops != nil {
		k := &Kiocb{File: f, Inode: host, Pos: int64(p.index) << PageShift}
		for n < PageSize {
			m, err := fops.ReadIter(ctx, k, p.Data[n:])
			if err != nil {
				return err
			}
			if m == 0 {
				break
			}
			n += m
		}
	}
	clear(p.Data[n:])
	p.SetUptodate()
	return nil
}

// GenericWritePage writes p back at its file offset through the host's
// FileOperations. A page inside the file is written up to the end of file; a
// page at or past it was dirtied without a write, so all of it is written
// and the size grows to cover it.
func GenericWritePage(ctx context.Context, p *Page, _ *WritebackControl) error {
	host := p.Mapping().Host()
	fops := host.FileOps()
	if fops == nil {
		return nil
	}
	start := int64(p.index) << PageShift
	end := int64(PageSize)
	if size := host.Size(); start < size {
		end = min(end, size-start)
	}
	k := &Kiocb{Inode: host, Pos: start}
	for done := int64(0); done < end; {
		m, err := fops.WriteIter(ctx, k, p.Data[done:end])
		if err != nil {
			return err
		}
		if m == 0 {
			return linuxerr.EIO
		}
		done += int64(m)
	}
	if host.growSize(start + end) {
		host.MarkDirty(IDirtySync | IDirtyDatasync)
	}
	return nil
}
