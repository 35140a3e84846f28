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

// Package radix implements a 64-way radix tree keyed by uint64 index, with
// per-slot tag bitmaps.
//
// Each level of the tree consumes 6 bits of the index. A tree of height h
// addresses indices below 64^h; inserting a larger index grows the tree by
// wrapping the root in new levels, and deleting the last items of a subtree
// frees its nodes and shrinks the tree again.
//
// Every node carries one bitmap per tag, with one bit per slot. A bit is set
// in a leaf node if the item in that slot carries the tag, and in an interior
// node if any item below that slot does. Tagged lookups use the bitmaps to
// skip whole untagged subtrees without touching items.
//
// A Tree is not synchronized. Callers serialize all access (the page cache
// holds its mapping's tree lock).
package radix

import (
	"fmt"
	"math"

	"vfscore.dev/vfscore/pkg/errors/linuxerr"
)

const (
	// MapShift is the number of index bits consumed per level.
	MapShift = 6

	// MapSize is the number of slots per node.
	MapSize = 1 << MapShift

	mapMask = MapSize - 1

	// MaxHeight is the height needed to address every uint64 index.
	MaxHeight = (64 + MapShift - 1) / MapShift
)

// Tag identifies a tag bitmap.
type Tag int

const (
	// TagDirty marks items with unwritten modifications.
	TagDirty Tag = iota

	// TagWriteback marks items being written back.
	TagWriteback

	// TagAccessed marks recently referenced items.
	TagAccessed

	// NumTags is the number of tags.
	NumTags
)

// String implements fmt.Stringer.
func (t Tag) String() string {
	switch t {
	case TagDirty:
		return "dirty"
	case TagWriteback:
		return "writeback"
	case TagAccessed:
		return "accessed"
	default:
		return fmt.Sprintf("Tag(%d)", int(t))
	}
}

type node[T any] struct {
	// count is the number of occupied slots.
	count int

	// children is used by interior nodes, items and present by leaf nodes.
	// Only one of the two is allocated.
	children *[MapSize]*node[T]
	items    *[MapSize]T
	present  uint64

	tags [NumTags]uint64
}

func newNode[T any](leaf bool) *node[T] {
	n := &node[T]{}
	if leaf {
		n.items = new([MapSize]T)
	} else {
		n.children = new([MapSize]*node[T])
	}
	return n
}

func (n *node[T]) occupied(i int) bool {
	if n.items != nil {
		return n.present&(1<<i) != 0
	}
	return n.children[i] != nil
}

func (n *node[T]) anyTag(i int) bool {
	for tag := range n.tags {
		if n.tags[tag]&(1<<i) != 0 {
			return true
		}
	}
	return false
}

// Tree is a radix tree of T. The zero value is an empty tree of height 0.
type Tree[T any] struct {
	root   *node[T]
	height int
	count  int
	nodes  int

	// nodeLimit bounds the number of nodes, 0 for no bound. Inserts that
	// would exceed it fail with ENOMEM.
	nodeLimit int
}

// SetNodeLimit bounds the number of nodes the tree may allocate. Zero removes
// the bound.
func (t *Tree[T]) SetNodeLimit(n int) {
	t.nodeLimit = n
}

// Height returns the current height.
func (t *Tree[T]) Height() int {
	return t.height
}

// Len returns the number of items.
func (t *Tree[T]) Len() int {
	return t.count
}

// Nodes returns the number of allocated nodes.
func (t *Tree[T]) Nodes() int {
	return t.nodes
}

// MaxIndex returns the largest index addressable at height h.
func MaxIndex(h int) uint64 {
	if h >= MaxHeight {
		return math.MaxUint64
	}
	if h <= 0 {
		return 0
	}
	return 1<<(uint(h)*MapShift) - 1
}

// heightFor returns the smallest height that addresses index.
func heightFor(index uint64) int {
	h := 1
	for index > MaxIndex(h) {
		h++
	}
	return h
}

func shiftFor(height int) uint {
	return uint(height-1) * MapShift
}

func offset(index uint64, height int) int {
	return int((index >> shiftFor(height)) & mapMask)
}

// Insert stores item at index. It fails with EEXIST if the slot is occupied
// and with ENOMEM if the node limit would be exceeded; on failure the tree is
// unchanged.
func (t *Tree[T]) Insert(index uint64, item T) error {
	want := heightFor(index)
	if want < t.height {
		want = t.height
	}

	// Count the nodes this insert needs before changing anything, so that
	// failure leaves the tree as it was.
	need := 0
	switch {
	case t.root == nil:
		need = want
	case want > t.height:
		// New top levels, plus a fresh path below the new root: the index
		// lies outside the old root's range.
		need = (want - t.height) + (want - 1)
	default:
		n, h := t.root, t.height
		for h > 1 {
			child := n.children[offset(index, h)]
			if child == nil {
				need = h - 1
				break
			}
			n, h = child, h-1
		}
		if h == 1 && n.occupied(offset(index, 1)) {
			return linuxerr.EEXIST
		}
	}
	if t.nodeLimit > 0 && t.nodes+need > t.nodeLimit {
		return linuxerr.ENOMEM
	}

	t.extend(want)
	n, h := t.root, t.height
	if n == nil {
		n = newNode[T](h == 1)
		t.nodes++
		t.root = n
	}
	for h > 1 {
		off := offset(index, h)
		child := n.children[off]
		if child == nil {
			child = newNode[T](h-1 == 1)
			t.nodes++
			n.children[off] = child
			n.count++
		}
		n, h = child, h-1
	}
	off := offset(index, 1)
	if n.occupied(off) {
		// Unreachable: checked above.
		return linuxerr.EEXIST
	}
	n.items[off] = item
	n.present |= 1 << off
	n.count++
	t.count++
	return nil
}

// extend grows the tree to height h by wrapping the root.
func (t *Tree[T]) extend(h int) {
	if t.root == nil {
		if h > t.height {
			t.height = h
		}
		return
	}
	for t.height < h {
		n := newNode[T](false)
		t.nodes++
		n.children[0] = t.root
		n.count = 1
		for tag := range n.tags {
			if t.root.tags[tag] != 0 {
				n.tags[tag] = 1
			}
		}
		t.root = n
		t.height++
	}
}

// pathEntry records a step of a descent.
type pathEntry[T any] struct {
	n   *node[T]
	off int
}

// descend returns the path from the root to the leaf slot for index, or nil
// if the slot is empty.
func (t *Tree[T]) descend(index uint64) []pathEntry[T] {
	if t.root == nil || index > MaxIndex(t.height) {
		return nil
	}
	path := make([]pathEntry[T], 0, t.height)
	n := t.root
	for h := t.height; h > 0; h-- {
		off := offset(index, h)
		if !n.occupied(off) {
			return nil
		}
		path = append(path, pathEntry[T]{n, off})
		if h > 1 {
			n = n.children[off]
		}
	}
	return path
}

// Lookup returns the item at index.
func (t *Tree[T]) Lookup(index uint64) (T, bool) {
	path := t.descend(index)
	if path == nil {
		var zero T
		return zero, false
	}
	leaf := path[len(path)-1]
	return leaf.n.items[leaf.off], true
}

// Delete removes and returns the item at index. Emptied nodes are freed and
// the tree shrinks while its root uses only slot 0.
func (t *Tree[T]) Delete(index uint64) (T, bool) {
	var zero T
	path := t.descend(index)
	if path == nil {
		return zero, false
	}
	leaf := path[len(path)-1]
	item := leaf.n.items[leaf.off]
	leaf.n.items[leaf.off] = zero
	leaf.n.present &^= 1 << leaf.off
	for tag := Tag(0); tag < NumTags; tag++ {
		t.clearTagPath(path, tag)
	}
	t.count--

	// Free empty nodes bottom up.
	for i := len(path) - 1; i >= 0; i-- {
		p := path[i]
		if p.n.items == nil {
			// Interior: the child at p.off was freed.
			p.n.children[p.off] = nil
		}
		p.n.count--
		if p.n.count > 0 {
			break
		}
		t.nodes--
		if i == 0 {
			t.root = nil
			t.height = 0
		}
	}
	t.shrink()
	return item, true
}

// shrink drops root levels whose only child is in slot 0.
func (t *Tree[T]) shrink() {
	for t.height > 1 && t.root.count == 1 && t.root.children[0] != nil {
		t.root = t.root.children[0]
		t.height--
		t.nodes--
	}
}

// clearTagPath clears tag at the leaf of path and in every ancestor whose
// subtree no longer carries it.
func (t *Tree[T]) clearTagPath(path []pathEntry[T], tag Tag) {
	for i := len(path) - 1; i >= 0; i-- {
		p := path[i]
		p.n.tags[tag] &^= 1 << p.off
		if p.n.tags[tag] != 0 {
			return
		}
	}
}

// TagSet tags the item at index. It returns the item, or false if the index
// is empty.
func (t *Tree[T]) TagSet(index uint64, tag Tag) (T, bool) {
	path := t.descend(index)
	if path == nil {
		var zero T
		return zero, false
	}
	for _, p := range path {
		p.n.tags[tag] |= 1 << p.off
	}
	leaf := path[len(path)-1]
	return leaf.n.items[leaf.off], true
}

// TagClear clears tag on the item at index. It returns the item, or false if
// the index is empty.
func (t *Tree[T]) TagClear(index uint64, tag Tag) (T, bool) {
	path := t.descend(index)
	if path == nil {
		var zero T
		return zero, false
	}
	t.clearTagPath(path, tag)
	leaf := path[len(path)-1]
	return leaf.n.items[leaf.off], true
}

// TagGet returns true if the item at index carries tag.
func (t *Tree[T]) TagGet(index uint64, tag Tag) bool {
	if t.root == nil || index > MaxIndex(t.height) {
		return false
	}
	n := t.root
	for h := t.height; h > 0; h-- {
		off := offset(index, h)
		if n.tags[tag]&(1<<off) == 0 {
			return false
		}
		if h > 1 {
			n = n.children[off]
		}
	}
	return true
}

// Tagged returns true if any item in the tree carries tag.
func (t *Tree[T]) Tagged(tag Tag) bool {
	return t.root != nil && t.root.tags[tag] != 0
}

// walk visits items at indices >= first in ascending order, descending only
// into subtrees that carry tag when tag is in range. It stops when fn
// returns false, and returns false in that case.
func (t *Tree[T]) walk(n *node[T], h int, base, first uint64, tag Tag, fn func(uint64, T) bool) bool {
	shift := shiftFor(h)
	start := 0
	if first > base {
		start = int((first - base) >> shift)
	}
	for i := start; i < MapSize; i++ {
		if !n.occupied(i) {
			continue
		}
		if tag >= 0 && tag < NumTags && n.tags[tag]&(1<<i) == 0 {
			continue
		}
		idx := base + uint64(i)<<shift
		if h == 1 {
			if !fn(idx, n.items[i]) {
				return false
			}
			continue
		}
		if !t.walk(n.children[i], h-1, idx, first, tag, fn) {
			return false
		}
	}
	return true
}

func (t *Tree[T]) gang(first uint64, max int, tag Tag) ([]uint64, []T) {
	if t.root == nil || max <= 0 || first > MaxIndex(t.height) {
		return nil, nil
	}
	indices := make([]uint64, 0, max)
	items := make([]T, 0, max)
	t.walk(t.root, t.height, 0, first, tag, func(idx uint64, item T) bool {
		indices = append(indices, idx)
		items = append(items, item)
		return len(items) < max
	})
	return indices, items
}

// GangLookup returns up to max items at indices >= first, in ascending index
// order. Empty subtrees are skipped, so sparse trees are scanned in time
// proportional to the occupied nodes.
func (t *Tree[T]) GangLookup(first uint64, max int) []T {
	_, items := t.gang(first, max, -1)
	return items
}

// GangLookupIndex is like GangLookup but also returns the index of each item.
func (t *Tree[T]) GangLookupIndex(first uint64, max int) ([]uint64, []T) {
	return t.gang(first, max, -1)
}

// GangLookupTag returns up to max items carrying tag at indices >= first, in
// ascending index order. Only the tag bitmaps of untagged subtrees are read.
func (t *Tree[T]) GangLookupTag(first uint64, max int, tag Tag) []T {
	_, items := t.gang(first, max, tag)
	return items
}

// GangLookupTagIndex is like GangLookupTag but also returns the index of each
// item.
func (t *Tree[T]) GangLookupTagIndex(first uint64, max int, tag Tag) ([]uint64, []T) {
	return t.gang(first, max, tag)
}

// CountTagged returns the number of items carrying tag.
func (t *Tree[T]) CountTagged(tag Tag) int {
	n := 0
	if t.root != nil {
		t.walk(t.root, t.height, 0, 0, tag, func(uint64, T) bool {
			n++
			return true
		})
	}
	return n
}

// ForEach calls fn for every item in ascending index order until fn returns
// false. fn must not modify the tree.
func (t *Tree[T]) ForEach(fn func(index uint64, item T) bool) {
	if t.root != nil {
		t.walk(t.root, t.height, 0, 0, -1, fn)
	}
}

// Destroy removes every item, calling fn (if not nil) on each in ascending
// index order.
func (t *Tree[T]) Destroy(fn func(index uint64, item T)) {
	if fn != nil {
		t.ForEach(func(index uint64, item T) bool {
			fn(index, item)
			return true
		})
	}
	t.root = nil
	t.height = 0
	t.count = 0
	t.nodes = 0
}
