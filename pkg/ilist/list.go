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

// Package ilist provides the implementation of intrusive linked lists.
//
// An Entry is embedded in the object it links, and Value points back at that
// object. An object may carry several entries to be on several lists at once
// (for example an inode on its superblock's list of all inodes and on one of
// the state lists). Entries remember the list they are on, which lets callers
// assert membership without walking.
package ilist

import (
	"fmt"
)

// Entry is a link in a List. The zero value is an unlinked entry.
type Entry[T any] struct {
	next *Entry[T]
	prev *Entry[T]
	list *List[T]

	// Value is the object this entry is embedded in.
	Value T
}

// Next returns the entry following e, or nil.
func (e *Entry[T]) Next() *Entry[T] {
	return e.next
}

// Prev returns the entry preceding e, or nil.
func (e *Entry[T]) Prev() *Entry[T] {
	return e.prev
}

// Linked returns true if e is on some list.
func (e *Entry[T]) Linked() bool {
	return e.list != nil
}

// On returns true if e is on l.
func (e *Entry[T]) On(l *List[T]) bool {
	return e.list == l
}

// List is an intrusive list. Entries can be added to or removed from the list
// in O(1) time and with no additional memory allocations.
//
// The zero value for List is an empty list ready to use.
//
// To iterate over a list (where l is a List):
//
//	for e := l.Front(); e != nil; e = e.Next() {
//		// do something with e.Value.
//	}
type List[T any] struct {
	head *Entry[T]
	tail *Entry[T]
	len  int
}

// Empty returns true iff the list is empty.
func (l *List[T]) Empty() bool {
	return l.head == nil
}

// Len returns the number of entries in the list.
func (l *List[T]) Len() int {
	return l.len
}

// Front returns the first entry of list l or nil.
func (l *List[T]) Front() *Entry[T] {
	return l.head
}

// Back returns the last entry of list l or nil.
func (l *List[T]) Back() *Entry[T] {
	return l.tail
}

func (l *List[T]) checkUnlinked(e *Entry[T]) {
	if e.list != nil {
		panic(fmt.Sprintf("ilist: entry %p for %v already on list %p", e, e.Value, e.list))
	}
}

// PushFront inserts the entry e at the front of list l.
func (l *List[T]) PushFront(e *Entry[T]) {
	l.checkUnlinked(e)
	e.next = l.head
	e.prev = nil
	if l.head != nil {
		l.head.prev = e
	} else {
		l.tail = e
	}
	l.head = e
	e.list = l
	l.len++
}

// PushBack inserts the entry e at the back of list l.
func (l *List[T]) PushBack(e *Entry[T]) {
	l.checkUnlinked(e)
	e.next = nil
	e.prev = l.tail
	if l.tail != nil {
		l.tail.next = e
	} else {
		l.head = e
	}
	l.tail = e
	e.list = l
	l.len++
}

// InsertAfter inserts e after b, which must be on l.
func (l *List[T]) InsertAfter(b, e *Entry[T]) {
	if b.list != l {
		panic(fmt.Sprintf("ilist: anchor %p not on list %p", b, l))
	}
	l.checkUnlinked(e)
	a := b.next
	e.next = a
	e.prev = b
	b.next = e
	if a != nil {
		a.prev = e
	} else {
		l.tail = e
	}
	e.list = l
	l.len++
}

// Remove removes e from l.
func (l *List[T]) Remove(e *Entry[T]) {
	if e.list != l {
		panic(fmt.Sprintf("ilist: removing entry %p from list %p, but it is on %p", e, l, e.list))
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.next = nil
	e.prev = nil
	e.list = nil
	l.len--
}

// MoveToBack moves e, which must be on l, to the back of l.
func (l *List[T]) MoveToBack(e *Entry[T]) {
	if l.tail == e {
		return
	}
	l.Remove(e)
	l.PushBack(e)
}

// PushBackList inserts list m at the end of list l, emptying m.
func (l *List[T]) PushBackList(m *List[T]) {
	for e := m.head; e != nil; e = e.next {
		e.list = l
	}
	if l.head == nil {
		l.head = m.head
		l.tail = m.tail
	} else if m.head != nil {
		l.tail.next = m.head
		m.head.prev = l.tail
		l.tail = m.tail
	}
	l.len += m.len
	m.head = nil
	m.tail = nil
	m.len = 0
}
