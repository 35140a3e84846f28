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

type slotState uint8

const (
	slotEmpty slotState = iota
	slotFull
	slotTombstone
)

type slot[V any] struct {
	state slotState
	hash  uint64
	v     V
}

// open is the OpenAddressing strategy. Probing can cross any number of
// slots, so a single lock protects the array; tables using this strategy are
// expected to be small.
type open[K comparable, V any] struct {
	t *Table[K, V]

	mu         sync.Mutex
	mask       uint64
	slots      []slot[V]
	tombstones int64
}

func newOpen[K comparable, V any](t *Table[K, V], n int) *open[K, V] {
	return &open[K, V]{
		t:     t,
		mask:  uint64(n - 1),
		slots: make([]slot[V], n),
	}
}

// probe returns the index of the slot holding k, or -1, and the first
// reusable slot seen on the way, or -1. Preconditions: o.mu is locked.
func (o *open[K, V]) probe(h uint64, k K) (found, free int) {
	free = -1
	for i, n := h&o.mask, 0; n < len(o.slots); i, n = (i+1)&o.mask, n+1 {
		s := &o.slots[i]
		switch s.state {
		case slotEmpty:
			if free < 0 {
				free = int(i)
			}
			return -1, free
		case slotTombstone:
			if free < 0 {
				free = int(i)
			}
		case slotFull:
			if s.hash == h && o.t.equal(o.t.key(s.v), k) {
				return int(i), free
			}
		}
	}
	return -1, free
}

func (o *open[K, V]) lookup(h uint64, k K, hit func(V)) (V, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i, _ := o.probe(h, k); i >= 0 {
		if hit != nil {
			hit(o.slots[i].v)
		}
		return o.slots[i].v, true
	}
	var zero V
	return zero, false
}

// place stores v in slot i. Preconditions: o.mu is locked, i >= 0.
func (o *open[K, V]) place(i int, h uint64, v V) {
	s := &o.slots[i]
	if s.state == slotTombstone {
		o.tombstones--
	}
	*s = slot[V]{state: slotFull, hash: h, v: v}
}

func (o *open[K, V]) insert(h uint64, k K, v V) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	found, free := o.probe(h, k)
	if found >= 0 {
		return false
	}
	if free < 0 {
		// Full of live entries; grow in place under our own lock.
		o.rehash(len(o.slots) * 2)
		_, free = o.probe(h, k)
	}
	o.place(free, h, v)
	return true
}

func (o *open[K, V]) lookupOrInsert(h uint64, k K, hit func(V), mk func() (V, error)) (V, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	found, free := o.probe(h, k)
	if found >= 0 {
		if hit != nil {
			hit(o.slots[found].v)
		}
		return o.slots[found].v, true, nil
	}
	v, err := mk()
	if err != nil {
		return v, false, err
	}
	if free < 0 {
		o.rehash(len(o.slots) * 2)
		_, free = o.probe(h, k)
	}
	o.place(free, h, v)
	return v, false, nil
}

func (o *open[K, V]) remove(h uint64, k K, match func(V) bool) (V, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var zero V
	i, _ := o.probe(h, k)
	if i < 0 {
		return zero, false
	}
	s := &o.slots[i]
	if match != nil && !match(s.v) {
		return zero, false
	}
	v := s.v
	*s = slot[V]{state: slotTombstone}
	o.tombstones++
	return v, true
}

func (o *open[K, V]) forEach(fn func(V) bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.slots {
		if o.slots[i].state == slotFull && !fn(o.slots[i].v) {
			return false
		}
	}
	return true
}

func (o *open[K, V]) buckets() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.slots)
}

// load reports tombstones as stale: they lengthen probe sequences as much as
// live entries do, but a rehash at the same size drops them.
func (o *open[K, V]) load() (live, stale int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.t.count.Load(), o.tombstones
}

func (o *open[K, V]) grow(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rehash(n)
}

// rehash moves live entries into n slots, dropping tombstones.
// Preconditions: o.mu is locked.
func (o *open[K, V]) rehash(n int) {
	old := o.slots
	o.slots = make([]slot[V], n)
	o.mask = uint64(n - 1)
	o.tombstones = 0
	for i := range old {
		if old[i].state != slotFull {
			continue
		}
		for j := old[i].hash & o.mask; ; j = (j + 1) & o.mask {
			if o.slots[j].state == slotEmpty {
				o.slots[j] = old[i]
				break
			}
		}
	}
}

func (o *open[K, V]) clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.slots {
		o.slots[i] = slot[V]{}
	}
	o.tombstones = 0
}
