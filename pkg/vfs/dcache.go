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
	"slices"
	"strings"

	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/hashtable"
	"vfscore.dev/vfscore/pkg/ilist"
	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/qstr"
	"vfscore.dev/vfscore/pkg/sync"
)

// Want filters Acquire results by file type.
type Want int

// Type filters.
const (
	WantAny  Want = -1
	WantFile Want = 0
	WantDir  Want = 1
)

type dentryKey struct {
	parent *Dentry
	name   qstr.QStr
}

func hashDentryKey(k dentryKey) uint64 {
	var pid uint64
	if k.parent != nil {
		pid = k.parent.id
	}
	return pid*31 + uint64(k.name.Hash())
}

func equalDentryKey(stored, k dentryKey) bool {
	if stored.parent != k.parent {
		return false
	}
	if stored.parent == nil {
		return stored.name.Equal(k.name)
	}
	return stored.parent.ops.Compare(stored.parent, stored.name, k.name)
}

// DentryCache indexes dentries by (parent, name) and keeps unreferenced
// dentries on an LRU for reuse.
//
// Lock order:
//
//	DentryCache.lruMu
//	  hash bucket lock
//	    Dentry.mu (parent before child)
type DentryCache struct {
	hash *hashtable.Table[dentryKey, *Dentry]

	// lruMu protects lru and every Dentry.lruLink.
	lruMu sync.Mutex
	lru   ilist.List[*Dentry]

	// lruLimit bounds the LRU. Zero means unbounded.
	lruLimit int
}

// NewDentryCache returns an empty cache.
func NewDentryCache(buckets, maxLoad, lruLimit int) *DentryCache {
	return &DentryCache{
		hash: hashtable.New(hashtable.Options[dentryKey, *Dentry]{
			Name:    "dcache",
			Buckets: buckets,
			MaxLoad: maxLoad,
			Hash:    hashDentryKey,
			Key:     (*Dentry).key,
			Equal:   equalDentryKey,
		}),
		lruLimit: lruLimit,
	}
}

// Len returns the number of hashed dentries.
func (c *DentryCache) Len() int {
	return c.hash.Len()
}

// LRULen returns the number of unreferenced dentries kept for reuse.
func (c *DentryCache) LRULen() int {
	c.lruMu.Lock()
	defer c.lruMu.Unlock()
	return c.lru.Len()
}

// MakeRoot returns a new unhashed root dentry for sb holding inode. The
// dentry takes over the caller's inode reference.
func (c *DentryCache) MakeRoot(sb *SuperBlock, inode *Inode, ops DentryOperations) *Dentry {
	d := newDentry(sb, nil, qstr.New("/"), ops)
	d.inode = inode
	d.flags = 0
	return d
}

func reviveDentry(d *Dentry) {
	d.refs.IncRefFromZero()
}

// unlru takes d off the LRU after it was revived by a lookup.
func (c *DentryCache) unlru(d *Dentry) {
	c.lruMu.Lock()
	defer c.lruMu.Unlock()
	if d.lruLink.Linked() {
		c.lru.Remove(&d.lruLink)
		d.setFlags(DentryReferenced, DentryInLRU)
	}
}

// Lookup returns the hashed dentry for name under parent with a reference
// held, or nil.
func (c *DentryCache) Lookup(parent *Dentry, name qstr.QStr) *Dentry {
	name = parent.ops.Hash(parent, name)
	d, ok := c.hash.Get(dentryKey{parent: parent, name: name}, reviveDentry)
	if !ok {
		return nil
	}
	c.unlru(d)
	return d
}

// Acquire returns the dentry for name under parent with a reference held.
//
// A cached dentry is revalidated if revalidate is set; one that fails is
// dropped and the call proceeds as a miss. want filters the result by type:
// a negative dentry fails a typed acquire with ENOENT, a mismatch with
// ENOTDIR or EISDIR. On a miss, alloc creates a negative dentry linked under
// parent, which the caller fills with Instantiate; without alloc a miss
// fails with ENOENT.
func (c *DentryCache) Acquire(ctx context.Context, parent *Dentry, name qstr.QStr, want Want, revalidate, alloc bool) (*Dentry, error) {
	name = parent.ops.Hash(parent, name)
	key := dentryKey{parent: parent, name: name}
	if d, ok := c.hash.Get(key, reviveDentry); ok {
		c.unlru(d)
		if !revalidate || d.ops.Revalidate(d) {
			dcacheHits.Increment()
			return c.checkType(ctx, d, want)
		}
		log.Debugf("dcache: %v failed revalidation", d)
		c.Drop(d)
		c.Unref(ctx, d)
	}
	dcacheMisses.Increment()
	if !alloc {
		return nil, linuxerr.ENOENT
	}
	d, found, err := c.hash.LookupOrInsert(key, reviveDentry, func() (*Dentry, error) {
		d := newDentry(parent.sb, parent, name, parent.ops)
		d.flags |= DentryHashed
		parent.IncRef()
		parent.mu.Lock()
		parent.children.PushBack(&d.childLink)
		parent.mu.Unlock()
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	if found {
		c.unlru(d)
		return c.checkType(ctx, d, want)
	}
	return d, nil
}

func (c *DentryCache) checkType(ctx context.Context, d *Dentry, want Want) (*Dentry, error) {
	if want == WantAny {
		return d, nil
	}
	var err error
	switch inode := d.Inode(); {
	case inode == nil:
		err = linuxerr.ENOENT
	case want == WantDir && !IsDir(inode.Mode()):
		err = linuxerr.ENOTDIR
	case want == WantFile && IsDir(inode.Mode()):
		err = linuxerr.EISDIR
	}
	if err != nil {
		c.Unref(ctx, d)
		return nil, err
	}
	return d, nil
}

// Ref takes a reference on d. The caller must already hold one.
func (c *DentryCache) Ref(d *Dentry) {
	d.refs.IncRef()
}

// Unref drops a reference on d. The last reference leaves a hashed dentry
// cached on the LRU, unless its Delete hook says otherwise; anything else is
// freed.
func (c *DentryCache) Unref(ctx context.Context, d *Dentry) {
	if d.refs.DecRef(nil) != 0 {
		return
	}
	flags := d.Flags()
	if flags&DentryDead != 0 {
		panic(fmt.Sprintf("Unref of dead %v", d))
	}
	if flags&DentryHashed != 0 && !d.ops.Delete(d) {
		c.lruMu.Lock()
		if d.refs.ReadRefs() == 0 && !d.lruLink.Linked() && d.Flags()&DentryHashed != 0 {
			c.lru.PushBack(&d.lruLink)
			d.setFlags(DentryInLRU, 0)
		}
		var victims []*Dentry
		if c.lruLimit > 0 && c.lru.Len() > c.lruLimit {
			victims = c.collectLocked(c.lru.Len()-c.lruLimit, nil)
		}
		c.lruMu.Unlock()
		c.killAll(ctx, victims)
		return
	}
	if flags&DentryHashed != 0 {
		if _, ok := c.hash.RemoveIf(d.key(), func(cur *Dentry) bool {
			return cur == d && cur.refs.ReadRefs() == 0
		}); !ok {
			// Revived by a lookup.
			return
		}
		d.setFlags(0, DentryHashed)
	} else if d.refs.ReadRefs() != 0 {
		return
	}
	c.kill(ctx, d)
}

// collectLocked unhashes and unlinks up to count unreferenced dentries from
// the LRU for which match returns true, oldest first. c.lruMu must be held.
func (c *DentryCache) collectLocked(count int, match func(*Dentry) bool) []*Dentry {
	var victims []*Dentry
	for e := c.lru.Front(); e != nil && (count == 0 || len(victims) < count); {
		next := e.Next()
		d := e.Value
		if match == nil || match(d) {
			if _, ok := c.hash.RemoveIf(d.key(), func(cur *Dentry) bool {
				return cur == d && cur.refs.ReadRefs() == 0
			}); ok {
				c.lru.Remove(e)
				d.setFlags(0, DentryInLRU|DentryHashed)
				victims = append(victims, d)
			}
		}
		e = next
	}
	return victims
}

func (c *DentryCache) killAll(ctx context.Context, victims []*Dentry) {
	for _, d := range victims {
		c.kill(ctx, d)
	}
}

// kill frees an unhashed, unreferenced dentry, dropping its inode and its
// reference on its parent.
func (c *DentryCache) kill(ctx context.Context, d *Dentry) {
	d.mu.Lock()
	if d.flags&DentryDead != 0 {
		d.mu.Unlock()
		panic(fmt.Sprintf("double free of %v", d))
	}
	d.flags |= DentryDead
	inode := d.inode
	d.inode = nil
	parent := d.parent
	d.mu.Unlock()

	d.ops.Release(d)
	if inode != nil {
		d.ops.InodePut(ctx, d, inode)
	}
	if parent != nil {
		parent.mu.Lock()
		if d.childLink.On(&parent.children) {
			parent.children.Remove(&d.childLink)
		}
		parent.mu.Unlock()
		c.Unref(ctx, parent)
	}
	dcacheReclaims.Increment()
}

// ShrinkLRU frees up to count unreferenced dentries, oldest first, and
// returns the number freed. A count of 0 frees all of them.
func (c *DentryCache) ShrinkLRU(ctx context.Context, count int) int {
	c.lruMu.Lock()
	victims := c.collectLocked(count, nil)
	c.lruMu.Unlock()
	c.killAll(ctx, victims)
	if len(victims) > 0 {
		log.Debugf("dcache: reclaimed %d dentries", len(victims))
	}
	return len(victims)
}

// ShrinkSuper frees every unreferenced dentry of sb, including parents that
// become unreferenced as their children go, and returns the number freed.
func (c *DentryCache) ShrinkSuper(ctx context.Context, sb *SuperBlock) int {
	total := 0
	for {
		c.lruMu.Lock()
		victims := c.collectLocked(0, func(d *Dentry) bool { return d.sb == sb })
		c.lruMu.Unlock()
		if len(victims) == 0 {
			return total
		}
		c.killAll(ctx, victims)
		total += len(victims)
	}
}

// Drop removes d from the hash table so that lookups no longer find it.
func (c *DentryCache) Drop(d *Dentry) {
	if _, ok := c.hash.RemoveIf(d.key(), func(cur *Dentry) bool { return cur == d }); ok {
		d.setFlags(0, DentryHashed)
	}
}

// Rehash puts d back in the hash table. It fails with EEXIST if another
// dentry now holds the name.
func (c *DentryCache) Rehash(d *Dentry) error {
	if d.Flags()&DentryHashed != 0 {
		return nil
	}
	if err := c.hash.Insert(d); err != nil {
		return err
	}
	d.setFlags(DentryHashed, DentryDisconnected)
	return nil
}

// Prune detaches d from the hash table and its parent's children. d stays
// allocated, and keeps its parent reference, until its last reference goes.
func (c *DentryCache) Prune(d *Dentry) {
	c.Drop(d)
	if parent := d.Parent(); parent != nil {
		parent.mu.Lock()
		if d.childLink.On(&parent.children) {
			parent.children.Remove(&d.childLink)
		}
		parent.mu.Unlock()
	}
	d.setFlags(DentryDisconnected, 0)
	d.ops.Prune(d)
}

// Delete makes d negative, releasing its inode, and prunes it. It is the
// dentry side of unlink and rmdir.
func (c *DentryCache) Delete(ctx context.Context, d *Dentry) {
	d.mu.Lock()
	inode := d.inode
	d.inode = nil
	d.flags |= DentryNegative
	d.mu.Unlock()
	c.Prune(d)
	if inode != nil {
		d.ops.InodePut(ctx, d, inode)
	}
}

// Instantiate attaches inode to d, taking over the caller's reference, and
// releases any inode d held before.
func (c *DentryCache) Instantiate(ctx context.Context, d *Dentry, inode *Inode) {
	d.mu.Lock()
	old := d.inode
	d.inode = inode
	d.flags &^= DentryNegative
	d.mu.Unlock()
	if old != nil {
		d.ops.InodePut(ctx, d, old)
	}
}

// Rename moves d to newName under newParent. Both must be on d's superblock
// (EXDEV otherwise); mount points and roots cannot move (EBUSY), nor can a
// directory move beneath itself (EINVAL). The target name must be free
// (EEXIST otherwise); callers delete a replaced dentry first.
func (c *DentryCache) Rename(ctx context.Context, d, newParent *Dentry, newName qstr.QStr) error {
	if d.sb != newParent.sb {
		return linuxerr.EXDEV
	}
	oldParent := d.Parent()
	if oldParent == nil || d.Mounted() {
		return linuxerr.EBUSY
	}
	for p := newParent; p != nil; p = p.Parent() {
		if p == d {
			return linuxerr.EINVAL
		}
	}
	newName = newParent.ops.Hash(newParent, newName)
	if cur, ok := c.hash.Lookup(dentryKey{parent: newParent, name: newName}); ok && cur != d {
		return linuxerr.EEXIST
	}

	wasHashed := d.Flags()&DentryHashed != 0
	if wasHashed {
		c.Drop(d)
	}
	if oldParent != newParent {
		newParent.IncRef()
	}
	oldParent.mu.Lock()
	if d.childLink.On(&oldParent.children) {
		oldParent.children.Remove(&d.childLink)
	}
	oldParent.mu.Unlock()

	d.mu.Lock()
	d.parent = newParent
	d.name = newName
	d.mu.Unlock()

	newParent.mu.Lock()
	newParent.children.PushBack(&d.childLink)
	newParent.mu.Unlock()

	var err error
	if wasHashed {
		err = c.Rehash(d)
	}
	if oldParent != newParent {
		c.Unref(ctx, oldParent)
	}
	return err
}

// IsEmptyDir returns true if d has no positive children.
func (c *DentryCache) IsEmptyDir(d *Dentry) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for e := d.children.Front(); e != nil; e = e.Next() {
		if e.Value.Flags()&DentryNegative == 0 {
			return false
		}
	}
	return true
}

// Children returns d's children at the time of the call.
func (c *DentryCache) Children(d *Dentry) []*Dentry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Dentry, 0, d.children.Len())
	for e := d.children.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value)
	}
	return out
}

// pathUntil returns the names from stop (exclusive) down to d.
func pathUntil(d, stop *Dentry) []string {
	var names []string
	for cur := d; cur != stop; {
		parent := cur.Parent()
		if parent == nil {
			break
		}
		names = append(names, cur.ops.DName(cur))
		cur = parent
	}
	slices.Reverse(names)
	return names
}

// RawPath returns d's path from the root of its superblock.
func RawPath(d *Dentry) string {
	return "/" + strings.Join(pathUntil(d, nil), "/")
}
