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

// Package hashtable provides a generic concurrent hash table used by the
// dentry, inode, mount and buffer caches.
//
// Keys are never stored separately from values: the table is configured with
// a key extractor, and compares keys extracted from stored values. Two
// storage strategies share the same API. Chaining keeps a lock per bucket and
// is meant for large node caches where unrelated keys must not contend.
// OpenAddressing probes linearly over a flat slot array with tombstones and
// is meant for small value caches.
//
// Only inserting paths grow the table. Lookups and removals never resize.
package hashtable

import (
	"fmt"
	"math/bits"
	"sync/atomic"

	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/sync"
)

// Strategy selects how a Table stores entries.
type Strategy int

const (
	// Chaining keeps a linked chain and a lock per bucket.
	Chaining Strategy = iota

	// OpenAddressing keeps entries in a flat array with linear probing and
	// tombstones.
	OpenAddressing
)

// String implements fmt.Stringer.
func (s Strategy) String() string {
	switch s {
	case Chaining:
		return "chaining"
	case OpenAddressing:
		return "open-addressing"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

const (
	// MinBuckets is the smallest bucket array a table will use.
	MinBuckets = 16

	// DefaultMaxLoad is the default max load percentage.
	DefaultMaxLoad = 75

	minMaxLoad = 50
	maxMaxLoad = 90
)

// Options configures a Table.
type Options[K comparable, V any] struct {
	// Name identifies the table in log messages.
	Name string

	// Buckets is the initial bucket count. It is rounded up to a power of
	// two, and to at least MinBuckets.
	Buckets int

	// MaxLoad is the percentage of items per bucket above which inserts
	// grow the table. It is clamped to [50, 90]; zero selects
	// DefaultMaxLoad.
	MaxLoad int

	// Hash hashes a key. Required.
	Hash func(K) uint64

	// Key extracts the key from a stored value. Required.
	Key func(V) K

	// Equal compares keys. If nil, == is used.
	Equal func(a, b K) bool

	// Strategy selects the storage strategy.
	Strategy Strategy
}

// backend is implemented by the storage strategies. Callers hold the table's
// resize lock for reading, except for grow which is called with it held for
// writing.
type backend[K comparable, V any] interface {
	lookup(h uint64, k K, hit func(V)) (V, bool)
	insert(h uint64, k K, v V) bool
	lookupOrInsert(h uint64, k K, hit func(V), mk func() (V, error)) (V, bool, error)
	remove(h uint64, k K, match func(V) bool) (V, bool)
	forEach(fn func(V) bool) bool
	buckets() int
	load() (live, stale int64)
	grow(n int)
	clear()
}

// Table is a concurrent hash table. The zero value is not usable; use New.
type Table[K comparable, V any] struct {
	name    string
	hash    func(K) uint64
	key     func(V) K
	equal   func(a, b K) bool
	maxLoad int64

	// resizeMu is held for reading by every operation and for writing while
	// the bucket array is replaced, which is equivalent to holding every
	// bucket lock.
	resizeMu sync.RWMutex
	b        backend[K, V]

	// count is the number of live entries.
	count atomic.Int64
}

// RoundBuckets returns n rounded up to a power of two, and to at least
// MinBuckets.
func RoundBuckets(n int) int {
	if n <= MinBuckets {
		return MinBuckets
	}
	return 1 << bits.Len(uint(n-1))
}

// ClampMaxLoad clamps a max load percentage to the supported range. Zero
// selects DefaultMaxLoad.
func ClampMaxLoad(p int) int {
	switch {
	case p == 0:
		return DefaultMaxLoad
	case p < minMaxLoad:
		return minMaxLoad
	case p > maxMaxLoad:
		return maxMaxLoad
	}
	return p
}

// New creates a table. Missing required callbacks are programmer errors and
// panic.
func New[K comparable, V any](opts Options[K, V]) *Table[K, V] {
	if opts.Hash == nil || opts.Key == nil {
		panic(fmt.Sprintf("hashtable %q: Hash and Key callbacks are required", opts.Name))
	}
	t := &Table[K, V]{
		name:    opts.Name,
		hash:    opts.Hash,
		key:     opts.Key,
		equal:   opts.Equal,
		maxLoad: int64(ClampMaxLoad(opts.MaxLoad)),
	}
	if t.equal == nil {
		t.equal = func(a, b K) bool { return a == b }
	}
	n := RoundBuckets(opts.Buckets)
	switch opts.Strategy {
	case Chaining:
		t.b = newChain(t, n)
	case OpenAddressing:
		t.b = newOpen(t, n)
	default:
		panic(fmt.Sprintf("hashtable %q: unknown strategy %v", opts.Name, opts.Strategy))
	}
	return t
}

// Len returns the number of entries. It takes no lock.
func (t *Table[K, V]) Len() int {
	return int(t.count.Load())
}

// Buckets returns the current bucket count.
func (t *Table[K, V]) Buckets() int {
	t.resizeMu.RLock()
	defer t.resizeMu.RUnlock()
	return t.b.buckets()
}

// Lookup returns the value stored under k.
func (t *Table[K, V]) Lookup(k K) (V, bool) {
	return t.Get(k, nil)
}

// Get is like Lookup, but calls hit (if not nil) on the value with its bucket
// still locked. Caches use it to take a reference that cannot race with a
// concurrent RemoveIf. hit must not call back into the table.
func (t *Table[K, V]) Get(k K, hit func(V)) (V, bool) {
	h := t.hash(k)
	t.resizeMu.RLock()
	defer t.resizeMu.RUnlock()
	return t.b.lookup(h, k, hit)
}

// Insert adds v. It fails with EEXIST if an entry with an equal key is
// present; existing entries are never updated.
func (t *Table[K, V]) Insert(v V) error {
	k := t.key(v)
	h := t.hash(k)
	t.resizeMu.RLock()
	ok := t.b.insert(h, k, v)
	t.resizeMu.RUnlock()
	if !ok {
		return linuxerr.EEXIST
	}
	t.count.Add(1)
	t.maybeGrow()
	return nil
}

// LookupOrInsert returns the value stored under k, or inserts the value
// returned by mk. found reports whether the value already existed. hit (if
// not nil) is called on an existing value and mk on a miss, both with the
// bucket locked; neither may call back into the table. If mk fails, nothing
// is inserted and its error is returned.
func (t *Table[K, V]) LookupOrInsert(k K, hit func(V), mk func() (V, error)) (v V, found bool, err error) {
	h := t.hash(k)
	t.resizeMu.RLock()
	v, found, err = t.b.lookupOrInsert(h, k, hit, mk)
	t.resizeMu.RUnlock()
	if err != nil || found {
		return v, found, err
	}
	t.count.Add(1)
	t.maybeGrow()
	return v, false, nil
}

// Remove removes v. The stored entry must be v itself, compared with ==, so V
// must be a comparable type at run time (typically a pointer). It fails with
// ENOENT if v is not in the table.
func (t *Table[K, V]) Remove(v V) error {
	k := t.key(v)
	_, ok := t.RemoveIf(k, func(stored V) bool { return any(stored) == any(v) })
	if !ok {
		return linuxerr.ENOENT
	}
	return nil
}

// RemoveByKey removes and returns the entry stored under k. It fails with
// ENOENT if there is none.
func (t *Table[K, V]) RemoveByKey(k K) (V, error) {
	v, ok := t.RemoveIf(k, nil)
	if !ok {
		return v, linuxerr.ENOENT
	}
	return v, nil
}

// RemoveIf removes the entry stored under k if match, evaluated with the
// bucket locked, returns true. A nil match always matches.
func (t *Table[K, V]) RemoveIf(k K, match func(V) bool) (V, bool) {
	h := t.hash(k)
	t.resizeMu.RLock()
	v, ok := t.b.remove(h, k, match)
	t.resizeMu.RUnlock()
	if ok {
		t.count.Add(-1)
	}
	return v, ok
}

// ForEach calls fn for every entry until fn returns false. Buckets are locked
// one at a time, so fn must not call back into the table.
func (t *Table[K, V]) ForEach(fn func(V) bool) {
	t.resizeMu.RLock()
	defer t.resizeMu.RUnlock()
	t.b.forEach(fn)
}

// Snapshot returns every entry. Unlike ForEach, callers may mutate the table
// while walking the result.
func (t *Table[K, V]) Snapshot() []V {
	out := make([]V, 0, t.Len())
	t.ForEach(func(v V) bool {
		out = append(out, v)
		return true
	})
	return out
}

// Clear removes every entry.
func (t *Table[K, V]) Clear() {
	t.resizeMu.Lock()
	defer t.resizeMu.Unlock()
	t.b.clear()
	t.count.Store(0)
}

func (t *Table[K, V]) overloaded(load int64, buckets int) bool {
	return load*100 > int64(buckets)*t.maxLoad
}

// needsResize returns the bucket count the table should be rehashed into,
// or 0. Once the load, stale slots included, exceeds the maximum, the table
// doubles if live entries fill more than half of the allowed load, and is
// rehashed at its current size otherwise. Churn alone never grows it, and an
// in-place rehash always frees at least half the allowed load.
func (t *Table[K, V]) needsResize() int {
	live, stale := t.b.load()
	n := t.b.buckets()
	switch {
	case !t.overloaded(live+stale, n):
		return 0
	case t.overloaded(2*live, n):
		return n * 2
	default:
		return n
	}
}

// maybeGrow doubles the bucket array if the live load exceeds the maximum,
// and rehashes it in place if removed entries do.
func (t *Table[K, V]) maybeGrow() {
	t.resizeMu.RLock()
	n := t.needsResize()
	t.resizeMu.RUnlock()
	if n == 0 {
		return
	}

	t.resizeMu.Lock()
	defer t.resizeMu.Unlock()
	// Recheck: another inserter may have resized the table.
	old := t.b.buckets()
	if n = t.needsResize(); n == 0 {
		return
	}
	t.b.grow(n)
	if n == old {
		log.Debugf("hashtable %q: rehashed %d buckets with %d entries", t.name, n, t.Len())
		return
	}
	log.Debugf("hashtable %q: grew from %d to %d buckets with %d entries", t.name, old, n, t.Len())
}
