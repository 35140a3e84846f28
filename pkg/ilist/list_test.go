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

package ilist

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type node struct {
	id    int
	entry Entry[*node]
}

func newNode(id int) *node {
	n := &node{id: id}
	n.entry.Value = n
	return n
}

func ids(l *List[*node]) []int {
	var out []int
	for e := l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.id)
	}
	return out
}

func TestPushRemove(t *testing.T) {
	var l List[*node]
	a, b, c := newNode(1), newNode(2), newNode(3)
	l.PushBack(&a.entry)
	l.PushBack(&b.entry)
	l.PushFront(&c.entry)
	if diff := cmp.Diff([]int{3, 1, 2}, ids(&l)); diff != "" {
		t.Fatalf("list mismatch (-want +got):\n%s", diff)
	}
	if got := l.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}

	l.Remove(&a.entry)
	if a.entry.Linked() {
		t.Errorf("removed entry still linked")
	}
	l.MoveToBack(&c.entry)
	if diff := cmp.Diff([]int{2, 3}, ids(&l)); diff != "" {
		t.Fatalf("list mismatch (-want +got):\n%s", diff)
	}
	if l.Back().Value != c {
		t.Errorf("Back() = %d, want %d", l.Back().Value.id, c.id)
	}
}

func TestDoubleInsertPanics(t *testing.T) {
	var l, m List[*node]
	n := newNode(1)
	l.PushBack(&n.entry)
	defer func() {
		if recover() == nil {
			t.Errorf("inserting a linked entry did not panic")
		}
	}()
	m.PushBack(&n.entry)
}

func TestPushBackList(t *testing.T) {
	var l, m List[*node]
	l.PushBack(&newNode(1).entry)
	m.PushBack(&newNode(2).entry)
	m.PushBack(&newNode(3).entry)
	l.PushBackList(&m)
	if diff := cmp.Diff([]int{1, 2, 3}, ids(&l)); diff != "" {
		t.Fatalf("list mismatch (-want +got):\n%s", diff)
	}
	if !m.Empty() || m.Len() != 0 {
		t.Errorf("source list not emptied")
	}
	if !l.Back().On(&l) {
		t.Errorf("moved entry does not report the new list")
	}
}
