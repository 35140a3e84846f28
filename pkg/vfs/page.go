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

	"vfscore.dev/vfscore/pkg/refs"
	"vfscore.dev/vfscore/pkg/sync"
)

const (
	// PageShift is log2(PageSize).
	PageShift = 12

	// PageSize is the size of a page cache page.
	PageSize = 1 << PageShift
)

// Page flags.
const (
	// PageUptodate is set once the page holds valid data.
	PageUptodate uint32 = 1 << iota

	// PageLocked serializes I/O and truncation on the page.
	PageLocked

	// PageError records a failed read or write.
	PageError

	// PageWriteback is set while the page is being written.
	PageWriteback
)

// Page is one PageSize piece of a file cached in an AddressSpace.
//
// Whether a page is dirty is recorded only by the dirty tag of its mapping's
// tree, so it cannot disagree with tagged lookups.
type Page struct {
	// mapping is the owning AddressSpace, nil once the page has been
	// removed from it.
	mapping atomic.Pointer[AddressSpace]

	// index is immutable.
	index uint64

	// Data is the page contents. It is written with the page locked.
	Data []byte

	refs refs.AtomicRefCount

	// wq protects flags.
	wq    sync.WaitQueue
	flags uint32
}

// NewPage returns an unattached page for index holding one reference.
func NewPage(index uint64) *Page {
	p := &Page{
		index: index,
		Data:  make([]byte, PageSize),
	}
	p.refs.InitRefs()
	return p
}

// Index returns the page's offset in its file, in pages.
func (p *Page) Index() uint64 { return p.index }

// Mapping returns the AddressSpace caching p, or nil.
func (p *Page) Mapping() *AddressSpace { return p.mapping.Load() }

// Refs returns the current reference count.
func (p *Page) Refs() int64 { return p.refs.ReadRefs() }

// IncRef takes a reference. The caller must already hold one.
func (p *Page) IncRef() { p.refs.IncRef() }

// DecRef drops a reference.
func (p *Page) DecRef() { p.refs.DecRef(nil) }

// Flags returns a snapshot of the flags.
func (p *Page) Flags() uint32 {
	var f uint32
	p.wq.Load(func() { f = p.flags })
	return f
}

func (p *Page) setFlags(set, clear uint32) {
	p.wq.Update(func() { p.flags = p.flags&^clear | set })
}

// Uptodate returns true if p holds valid data.
func (p *Page) Uptodate() bool { return p.Flags()&PageUptodate != 0 }

// SetUptodate marks p as holding valid data.
func (p *Page) SetUptodate() { p.setFlags(PageUptodate, PageError) }

// Error returns true if the last I/O on p failed.
func (p *Page) Error() bool { return p.Flags()&PageError != 0 }

// Writeback returns true while p is being written.
func (p *Page) Writeback() bool { return p.Flags()&PageWriteback != 0 }

// Locked returns true if p is locked.
func (p *Page) Locked() bool { return p.Flags()&PageLocked != 0 }

// Lock locks p, sleeping until it is available.
func (p *Page) Lock() { p.wq.LockBit(&p.flags, PageLocked) }

// TryLock locks p if it is available.
func (p *Page) TryLock() bool { return p.wq.TryLockBit(&p.flags, PageLocked) }

// Unlock unlocks p and wakes its waiters.
func (p *Page) Unlock() { p.wq.UnlockBit(&p.flags, PageLocked) }

// WaitUnlocked sleeps until p is unlocked.
func (p *Page) WaitUnlocked() { p.wq.WaitBitClear(&p.flags, PageLocked) }

// Dirty returns true if p is tagged dirty in its mapping.
func (p *Page) Dirty() bool {
	a := p.mapping.Load()
	if a == nil {
		return false
	}
	return a.pageTagged(p, radixDirty)
}

// String implements fmt.Stringer.
func (p *Page) String() string {
	return fmt.Sprintf("page{index %d refs %d flags %#x}", p.index, p.Refs(), p.Flags())
}
