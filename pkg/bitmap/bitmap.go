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

// Package bitmap provides a fixed-size bitmap used as a free space map.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap is a set of bit numbers in [0, Size()). It is not synchronized.
type Bitmap struct {
	// ones is the number of set bits.
	ones uint32

	size  uint32
	words []uint64
}

// New returns an empty bitmap of size bits.
func New(size uint32) Bitmap {
	return Bitmap{size: size, words: make([]uint64, (size+63)/64)}
}

// Size returns the number of bits in the bitmap.
func (b *Bitmap) Size() uint32 { return b.size }

// Count returns the number of set bits.
func (b *Bitmap) Count() uint32 { return b.ones }

// Full returns true if every bit is set.
func (b *Bitmap) Full() bool { return b.ones == b.size }

func (b *Bitmap) check(i uint32) {
	if i >= b.size {
		panic(fmt.Sprintf("bit %d out of range [0, %d)", i, b.size))
	}
}

// Contains returns true if bit i is set.
func (b *Bitmap) Contains(i uint32) bool {
	b.check(i)
	return b.words[i/64]&(1<<(i%64)) != 0
}

// Add sets bit i.
func (b *Bitmap) Add(i uint32) {
	b.check(i)
	w, mask := &b.words[i/64], uint64(1)<<(i%64)
	if *w&mask == 0 {
		*w |= mask
		b.ones++
	}
}

// Remove clears bit i.
func (b *Bitmap) Remove(i uint32) {
	b.check(i)
	w, mask := &b.words[i/64], uint64(1)<<(i%64)
	if *w&mask != 0 {
		*w &^= mask
		b.ones--
	}
}

// FirstZero returns the first clear bit at or after start, wrapping around
// to the beginning, and false if every bit is set.
func (b *Bitmap) FirstZero(start uint32) (uint32, bool) {
	if b.Full() {
		return 0, false
	}
	if start >= b.size {
		start = 0
	}
	if i, ok := b.scanZero(start, b.size); ok {
		return i, true
	}
	return b.scanZero(0, start)
}

// scanZero returns the first clear bit in [begin, end).
func (b *Bitmap) scanZero(begin, end uint32) (uint32, bool) {
	for i := begin; i < end; {
		w := ^b.words[i/64] &^ (1<<(i%64) - 1)
		if w != 0 {
			bit := i/64*64 + uint32(bits.TrailingZeros64(w))
			if bit < end {
				return bit, true
			}
			return 0, false
		}
		i = (i/64 + 1) * 64
	}
	return 0, false
}

// ToSlice returns the set bits in ascending order.
func (b *Bitmap) ToSlice() []uint32 {
	out := make([]uint32, 0, b.ones)
	for wi, w := range b.words {
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			out = append(out, uint32(wi*64+bit))
			w &= w - 1
		}
	}
	return out
}
