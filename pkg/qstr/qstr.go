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

// Package qstr provides qualified strings: names paired with a precomputed
// hash. They are the comparison key everywhere names are looked up, so that
// most mismatches are rejected by comparing two integers.
package qstr

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
)

// Algorithm selects the name hash function.
type Algorithm uint32

const (
	// FNV1a is the 32-bit FNV-1a hash. It is the default.
	FNV1a Algorithm = iota

	// DJB is the xor variant of Bernstein's hash.
	DJB

	// XXHash is the low 32 bits of xxhash64.
	XXHash
)

const (
	fnvOffset32 = 2166136261
	fnvPrime32  = 16777619
	djbSeed     = 5381
)

// String implements fmt.Stringer.
func (a Algorithm) String() string {
	switch a {
	case FNV1a:
		return "fnv1a"
	case DJB:
		return "djb"
	case XXHash:
		return "xxhash"
	default:
		return fmt.Sprintf("Algorithm(%d)", uint32(a))
	}
}

// ParseAlgorithm parses an algorithm name.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(name) {
	case "", "fnv1a", "fnv":
		return FNV1a, nil
	case "djb", "djbx33a":
		return DJB, nil
	case "xxhash", "xxh64":
		return XXHash, nil
	default:
		return 0, linuxerr.EINVAL
	}
}

var algorithm atomic.Uint32

// SetAlgorithm selects the algorithm used by New. It must be called before
// any name is hashed; names hashed under different algorithms never compare
// equal.
func SetAlgorithm(a Algorithm) error {
	if a > XXHash {
		return linuxerr.EINVAL
	}
	algorithm.Store(uint32(a))
	return nil
}

// CurrentAlgorithm returns the algorithm used by New.
func CurrentAlgorithm() Algorithm {
	return Algorithm(algorithm.Load())
}

// Sum returns the hash of name under a.
func (a Algorithm) Sum(name string) uint32 {
	switch a {
	case DJB:
		h := uint32(djbSeed)
		for i := 0; i < len(name); i++ {
			h = ((h << 5) + h) ^ uint32(name[i])
		}
		return h
	case XXHash:
		return uint32(xxhash.Sum64String(name))
	default:
		h := uint32(fnvOffset32)
		for i := 0; i < len(name); i++ {
			h ^= uint32(name[i])
			h *= fnvPrime32
		}
		return h
	}
}

// QStr is an immutable name with its hash. The zero value is the empty name
// with a zero hash, which never equals a hashed empty name; use New("").
type QStr struct {
	name string
	hash uint32
}

// New returns a QStr for name hashed with the current algorithm.
func New(name string) QStr {
	return QStr{name: name, hash: CurrentAlgorithm().Sum(name)}
}

// NewWithHash returns a QStr for name hashed with a.
func NewWithHash(name string, a Algorithm) QStr {
	return QStr{name: name, hash: a.Sum(name)}
}

// FromParts returns a QStr with a caller-computed hash. It is used by
// filesystems that override name hashing (for example case-insensitive
// ones).
func FromParts(name string, hash uint32) QStr {
	return QStr{name: name, hash: hash}
}

// Name returns the string.
func (q QStr) Name() string { return q.name }

// Len returns the length of the name in bytes.
func (q QStr) Len() int { return len(q.name) }

// Hash returns the precomputed hash.
func (q QStr) Hash() uint32 { return q.hash }

// String implements fmt.Stringer.
func (q QStr) String() string { return q.name }

// WithName returns a QStr for name using the hash algorithm of the current
// configuration. Hashes must be recomputed whenever the bytes change.
func (q QStr) WithName(name string) QStr {
	return New(name)
}

// Equal compares hashes first and bytes only when they match.
func (q QStr) Equal(o QStr) bool {
	return q.hash == o.hash && len(q.name) == len(o.name) && q.name == o.name
}

// Compare orders names bytewise and returns -1, 0 or 1.
func (q QStr) Compare(o QStr) int {
	return strings.Compare(q.name, o.name)
}

// CaseCompare orders names bytewise after ASCII case folding.
func (q QStr) CaseCompare(o QStr) int {
	a, b := q.name, o.name
	for i := 0; i < len(a) && i < len(b); i++ {
		ca, cb := lower(a[i]), lower(b[i])
		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// CaseEqual returns true if the names are equal after ASCII case folding.
func (q QStr) CaseEqual(o QStr) bool {
	return len(q.name) == len(o.name) && q.CaseCompare(o) == 0
}

// HasPrefix returns true if q starts with prefix.
func (q QStr) HasPrefix(prefix QStr) bool {
	return strings.HasPrefix(q.name, prefix.name)
}

func lower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}
