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

	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/hashtable"
	"vfscore.dev/vfscore/pkg/log"
)

type inodeKey struct {
	sb  *SuperBlock
	ino uint64
}

// goldenRatio64 is 2^64 divided by the golden ratio.
const goldenRatio64 = 11400714819323198485

func hashInodeKey(k inodeKey) uint64 {
	return (k.sb.id ^ k.ino) * goldenRatio64 >> 32
}

func inodeKeyOf(i *Inode) inodeKey {
	return inodeKey{sb: i.sb, ino: i.ino}
}

// ICache indexes inodes by (superblock, inode number).
//
// An inode leaves the cache before it is marked IFreeing, and only while
// unreferenced and clean; lookups take their reference with the bucket
// locked, so a lookup and an eviction cannot both win.
type ICache struct {
	hash *hashtable.Table[inodeKey, *Inode]
}

// NewICache returns an empty cache.
func NewICache(buckets, maxLoad int) *ICache {
	return &ICache{
		hash: hashtable.New(hashtable.Options[inodeKey, *Inode]{
			Name:    "icache",
			Buckets: buckets,
			MaxLoad: maxLoad,
			Hash:    hashInodeKey,
			Key:     inodeKeyOf,
		}),
	}
}

// Len returns the number of cached inodes.
func (c *ICache) Len() int {
	return c.hash.Len()
}

func grabInode(ok *bool) func(*Inode) {
	return func(cur *Inode) {
		if cur.State()&(IFreeing|IClear) == 0 {
			cur.refs.IncRefFromZero()
			*ok = true
		}
	}
}

// Lookup returns the cached inode with a reference held, or nil. It does not
// wait for an inode that is still being read.
func (c *ICache) Lookup(sb *SuperBlock, ino uint64) *Inode {
	var live bool
	i, ok := c.hash.Get(inodeKey{sb: sb, ino: ino}, grabInode(&live))
	if !ok || !live {
		return nil
	}
	i.setState(IReferenced, 0)
	return i
}

// ILookup is like Lookup but waits for an inode being read, and returns nil
// if the read failed.
func (c *ICache) ILookup(sb *SuperBlock, ino uint64) *Inode {
	i := c.Lookup(sb, ino)
	if i == nil {
		return nil
	}
	if err := i.waitNew(); err != nil {
		i.refs.DecRef(nil)
		return nil
	}
	return i
}

// grab takes a reference on i if it is still the cached inode for its key.
func (c *ICache) grab(i *Inode) bool {
	var live bool
	cur, ok := c.hash.Get(inodeKeyOf(i), func(cur *Inode) {
		if cur == i {
			grabInode(&live)(cur)
		}
	})
	return ok && cur == i && live
}

// Insert adds a new inode and puts it on its superblock's lists. It fails
// with EEXIST if the number is taken.
func (c *ICache) Insert(i *Inode) error {
	if err := c.hash.Insert(i); err != nil {
		return err
	}
	i.sb.addInode(i)
	return nil
}

// Remove drops i from the cache. Its list membership is unchanged.
func (c *ICache) Remove(i *Inode) error {
	return c.hash.Remove(i)
}

// waitNew sleeps until i has been read, and returns the read's error.
func (i *Inode) waitNew() error {
	i.wq.Wait(func() bool { return i.state&INew == 0 })
	if i.State()&IClear != 0 {
		if i.readErr != nil {
			return i.readErr
		}
		return linuxerr.ESTALE
	}
	return nil
}

// waitCleared sleeps until an inode leaving the cache has been freed.
func (i *Inode) waitCleared() {
	i.wq.Wait(func() bool { return i.state&IClear != 0 })
}

// IGet returns inode ino of sb with a reference held, reading it through
// sb's ReadInode on a miss. Concurrent getters of an inode being read wait
// for the read and share its result.
func (c *ICache) IGet(ctx context.Context, sb *SuperBlock, ino uint64) (*Inode, error) {
	key := inodeKey{sb: sb, ino: ino}
	for {
		var live bool
		i, found, err := c.hash.LookupOrInsert(key, grabInode(&live), func() (*Inode, error) {
			i := newInode(sb, ino)
			i.state = INew
			if err := sb.ops.AllocInode(i); err != nil {
				return nil, err
			}
			return i, nil
		})
		if err != nil {
			return nil, err
		}
		if found {
			if !live {
				i.waitCleared()
				continue
			}
			icacheHits.Increment()
			if err := i.waitNew(); err != nil {
				i.refs.DecRef(nil)
				return nil, err
			}
			i.setState(IReferenced, 0)
			return i, nil
		}

		icacheMisses.Increment()
		sb.addInode(i)
		if err := sb.ops.ReadInode(ctx, i); err != nil {
			log.Debugf("icache: read of inode %d on sb %d failed: %v", ino, sb.id, err)
			c.hash.Remove(i)
			sb.removeInode(i)
			i.readErr = err
			i.setState(IClear, INew)
			sb.ops.DestroyInode(i)
			return nil, err
		}
		i.setState(0, INew)
		return i, nil
	}
}
