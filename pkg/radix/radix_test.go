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

package radix

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
)

func TestHeightGrowth(t *testing.T) {
	for _, test := range []struct {
		index  uint64
		height int
	}{
		{index: 0, height: 1},
		{index: 63, height: 1},
		{index: 64, height: 2},
		{index: 1000, height: 2},
		{index: 4095, height: 2},
		{index: 4096, height: 3},
		{index: 1 << 36, height: 7},
		{index: math.MaxUint64, height: MaxHeight},
	} {
		var tr Tree[string]
		if tr.Height() != 0 {
			t.Fatalf("fresh tree has height %d", tr.Height())
		}
		if err := tr.Insert(test.index, "x"); err != nil {
			t.Fatalf("Insert(%d) failed: %v", test.index, err)
		}
		if got := tr.Height(); got != test.height {
			t.Errorf("Insert(%d): height = %d, want %d", test.index, got, test.height)
		}
		if got, ok := tr.Lookup(test.index); !ok || got != "x" {
			t.Errorf("Lookup(%d) = %q, %v", test.index, got, ok)
		}
	}
}

func TestInsertLookupDelete(t *testing.T) {
	var tr Tree[int]
	indices := []uint64{0, 1, 63, 64, 1000, 4096, 1 << 20, 1<<40 + 3}
	for _, idx := range indices {
		if err := tr.Insert(idx, int(idx%1000)); err != nil {
			t.Fatalf("Insert(%d) failed: %v", idx, err)
		}
	}
	if err := tr.Insert(1000, 7); !linuxerr.Equals(linuxerr.EEXIST, err) {
		t.Errorf("Insert into occupied slot: got %v, want EEXIST", err)
	}
	if got := tr.Len(); got != len(indices) {
		t.Errorf("Len() = %d, want %d", got, len(indices))
	}
	for _, idx := range indices {
		if got, ok := tr.Lookup(idx); !ok || got != int(idx%1000) {
			t.Errorf("Lookup(%d) = %d, %v", idx, got, ok)
		}
	}
	if _, ok := tr.Lookup(2); ok {
		t.Errorf("Lookup(2) found an item that was never inserted")
	}
	for _, idx := range indices {
		if _, ok := tr.Delete(idx); !ok {
			t.Fatalf("Delete(%d) found nothing", idx)
		}
		if _, ok := tr.Lookup(idx); ok {
			t.Errorf("Lookup(%d) succeeded after Delete", idx)
		}
	}
	if tr.Len() != 0 || tr.Height() != 0 || tr.Nodes() != 0 {
		t.Errorf("emptied tree: len %d height %d nodes %d, want all 0", tr.Len(), tr.Height(), tr.Nodes())
	}
}

func TestShrink(t *testing.T) {
	var tr Tree[int]
	tr.Insert(5, 5)
	tr.Insert(5000, 5000)
	if tr.Height() != 3 {
		t.Fatalf("height = %d, want 3", tr.Height())
	}
	tr.Delete(5000)
	if tr.Height() != 1 {
		t.Errorf("height after deleting the high index = %d, want 1", tr.Height())
	}
	if got, ok := tr.Lookup(5); !ok || got != 5 {
		t.Errorf("Lookup(5) = %d, %v after shrink", got, ok)
	}
	if tr.Nodes() != 1 {
		t.Errorf("Nodes() = %d, want 1", tr.Nodes())
	}
}

func TestGangLookup(t *testing.T) {
	var tr Tree[uint64]
	r := rand.New(rand.NewSource(1))
	live := make(map[uint64]bool)
	for len(live) < 500 {
		idx := uint64(r.Int63n(1 << 18))
		if live[idx] {
			continue
		}
		live[idx] = true
		tr.Insert(idx, idx)
	}
	// Delete a third to create holes.
	for idx := range live {
		if idx%3 == 0 {
			tr.Delete(idx)
			delete(live, idx)
		}
	}
	var want []uint64
	for idx := range live {
		want = append(want, idx)
	}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

	// Batched traversal with an explicit cursor must reproduce want.
	var got []uint64
	for next := uint64(0); ; {
		indices, items := tr.GangLookupIndex(next, 16)
		if len(items) == 0 {
			break
		}
		for i := range items {
			if items[i] != indices[i] {
				t.Fatalf("item %d reported at index %d", items[i], indices[i])
			}
		}
		got = append(got, items...)
		next = indices[len(indices)-1] + 1
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("gang lookup mismatch (-want +got):\n%s", diff)
	}

	// A window starting in the middle returns only indices >= first.
	first := want[len(want)/2]
	if diff := cmp.Diff(want[len(want)/2:len(want)/2+10], tr.GangLookup(first, 10)); diff != "" {
		t.Errorf("mid-range gang lookup mismatch (-want +got):\n%s", diff)
	}
	if got := tr.GangLookup(1<<40, 10); len(got) != 0 {
		t.Errorf("lookup beyond the tree returned %v", got)
	}
}

func TestTags(t *testing.T) {
	var tr Tree[uint64]
	for i := uint64(0); i < 300; i++ {
		tr.Insert(i*7, i*7)
	}
	var want []uint64
	for i := uint64(0); i < 300; i += 11 {
		if _, ok := tr.TagSet(i*7, TagDirty); !ok {
			t.Fatalf("TagSet(%d) found nothing", i*7)
		}
		want = append(want, i*7)
	}
	if _, ok := tr.TagSet(1, TagDirty); ok {
		t.Errorf("TagSet on an empty index succeeded")
	}
	if !tr.Tagged(TagDirty) || tr.Tagged(TagWriteback) {
		t.Errorf("Tagged: dirty %v writeback %v, want true false", tr.Tagged(TagDirty), tr.Tagged(TagWriteback))
	}
	if diff := cmp.Diff(want, tr.GangLookupTag(0, 1000, TagDirty)); diff != "" {
		t.Errorf("tagged lookup mismatch (-want +got):\n%s", diff)
	}
	if got := tr.CountTagged(TagDirty); got != len(want) {
		t.Errorf("CountTagged = %d, want %d", got, len(want))
	}

	// Clearing every tag must clear the ancestors too.
	for _, idx := range want {
		if !tr.TagGet(idx, TagDirty) {
			t.Errorf("TagGet(%d) = false", idx)
		}
		tr.TagClear(idx, TagDirty)
		if tr.TagGet(idx, TagDirty) {
			t.Errorf("TagGet(%d) = true after TagClear", idx)
		}
	}
	if tr.Tagged(TagDirty) {
		t.Errorf("tree still tagged after clearing every item")
	}

	// Deleting a tagged item clears its tags.
	tr.TagSet(14, TagAccessed)
	tr.Delete(14)
	if tr.Tagged(TagAccessed) {
		t.Errorf("tag survived deletion of its item")
	}
}

func TestTagSurvivesGrowth(t *testing.T) {
	var tr Tree[int]
	tr.Insert(3, 3)
	tr.TagSet(3, TagWriteback)
	tr.Insert(1<<30, 1)
	if !tr.TagGet(3, TagWriteback) {
		t.Errorf("tag lost when the root was wrapped")
	}
	if diff := cmp.Diff([]int{3}, tr.GangLookupTag(0, 10, TagWriteback)); diff != "" {
		t.Errorf("tagged lookup mismatch (-want +got):\n%s", diff)
	}
}

func TestInsertAllOrNothing(t *testing.T) {
	var tr Tree[int]
	tr.SetNodeLimit(3)
	if err := tr.Insert(1, 1); err != nil {
		t.Fatalf("Insert(1) failed: %v", err)
	}
	// Index 1<<20 needs height 4: three new root levels and a new path.
	if err := tr.Insert(1<<20, 2); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Fatalf("got %v, want ENOMEM", err)
	}
	if tr.Height() != 1 || tr.Len() != 1 || tr.Nodes() != 1 {
		t.Errorf("failed insert changed the tree: height %d len %d nodes %d", tr.Height(), tr.Len(), tr.Nodes())
	}
	if got, ok := tr.Lookup(1); !ok || got != 1 {
		t.Errorf("Lookup(1) = %d, %v after failed insert", got, ok)
	}
	if err := tr.Insert(100, 3); err != nil {
		t.Errorf("Insert within the limit failed: %v", err)
	}
}

func TestDestroy(t *testing.T) {
	var tr Tree[int]
	for i := 0; i < 100; i++ {
		tr.Insert(uint64(i*100), i)
	}
	var seen []int
	tr.Destroy(func(_ uint64, v int) { seen = append(seen, v) })
	if len(seen) != 100 || !sort.IntsAreSorted(seen) {
		t.Errorf("Destroy visited %d items, sorted %v", len(seen), sort.IntsAreSorted(seen))
	}
	if tr.Len() != 0 || tr.Height() != 0 {
		t.Errorf("tree not empty after Destroy")
	}
}
