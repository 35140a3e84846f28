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

package hashtable

import (
	"vfscore.dev/vfscore/pkg/sync"
)

type chainNode[V any] struct {
	hash uint64
	v    V
	next *chainNode[V]
}

type chainBucket[V any] struct {
	mu   sync.Mutex
	head *chainNode[V]
}

// chain is the Chaining strategy.
type chain[K comparable, V any] struct {
	t     *Table[K, V]
	mask  uint64
	table []chainBucket[V]
}

func newChain[K comparable, V any](t *Table[K, V], n int) *chain[K, V] {
	return &chain[K, V]{
		t:     t,
		mask:  uint64(n - 1),
		table: make([]chainBucket[V], n),
	}
}

func (c *chain[K, V]) bucket(h uint64) *chainBucket[V] {
	return &c.table[h&c.mask]
}

// find returns the link pointing at the node matching k. Preconditions:
// b.mu is locked.
func (c *chain[K, V]) find(b *chainBucket[V], h uint64, k K) **chainNode[V] {
	for p := &b.head; *p != nil; p = &(*p).next {
		if n := *p; n.hash == h && c.t.equal(c.t.key(n.v), k) {
			return p
		}
	}
	return nil
}

func (c *chain[K, V]) lookup(h uint64, k K, hit func(V)) (V, bool) {
	b := c.bucket(h)
	b.mu.Lock()
	defer b.mu.Unlock()
	if p := c.find(b, h, k); p != nil {
		if hit != nil {
			hit((*p).v)
		}
		return (*p).v, true
	}
	var zero V
	return zero, false
}

func (c *chain[K, V]) insert(h uint64, k K, v V) bool {
	b := c.bucket(h)
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.find(b, h, k) != nil {
		return false
	}
	b.head = &chainNode[V]{hash: h, v: v, next: b.head}
	return true
}

func (c *chain[K, V]) lookupOrInsert(h uint64, k K, hit func(V), mk func() (V, error)) (V, bool, error) {
	b := c.bucket(h)
	b.mu.Lock()
	defer b.mu.Unlock()
	if p := c.find(b, h, k); p != nil {
		if hit != nil {
			hit((*p).v)
		}
		return (*p).v, true, nil
	}
	v, err := mk()
	if err != nil {
		return v, false, err
	}
	b.head = &chainNode[V]{hash: h, v: v, next: b.head}
	return v, false, nil
}

func (c *chain[K, V]) remove(h uint64, k K, match func(V) bool) (V, bool) {
	b := c.bucket(h)
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero V
	p := c.find(b, h, k)
	if p == nil {
		return zero, false
	}
	n := *p
	if match != nil && !match(n.v) {
		return zero, false
	}
	*p = n.next
	return n.v, true
}

func (c *chain[K, V]) forEach(fn func(V) bool) bool {
	for i := range c.table {
		b := &c.table[i]
		b.mu.Lock()
		for n := b.head; n != nil; n = n.next {
			if !fn(n.v) {
				b.mu.Unlock()
				return false
			}
		}
		b.mu.Unlock()
	}
	return true
}

func (c *chain[K, V]) buckets() int {
	return len(c.table)
}

func (c *chain[K, V]) load() (live, stale int64) {
	return c.t.count.Load(), 0
}

// grow rehashes into n buckets. Preconditions: the table's resize lock is held
// for writing, so no bucket lock is needed.
func (c *chain[K, V]) grow(n int) {
	nb := make([]chainBucket[V], n)
	mask := uint64(n - 1)
	for i := range c.table {
		for node := c.table[i].head; node != nil; {
			next := node.next
			b := &nb[node.hash&mask]
			node.next = b.head
			b.head = node
			node = next
		}
	}
	c.table = nb
	c.mask = mask
}

func (c *chain[K, V]) clear() {
	for i := range c.table {
		c.table[i].head = nil
	}
}
