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

package blockdev

import (
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/hashtable"
	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/qstr"
)

// Registry maps device identities to registered devices.
type Registry struct {
	devs *hashtable.Table[DevID, *BlockDevice]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		devs: hashtable.New(hashtable.Options[DevID, *BlockDevice]{
			Name:     "blockdev",
			Hash:     func(id DevID) uint64 { return uint64(qstr.HashInt32(uint32(id))) },
			Key:      func(b *BlockDevice) DevID { return b.id },
			Strategy: hashtable.OpenAddressing,
		}),
	}
}

// Register adds a device backed by drv under id. It fails with EEXIST if id
// is taken.
func (r *Registry) Register(id DevID, drv Driver) (*BlockDevice, error) {
	if drv.BlockSize() <= 0 {
		return nil, linuxerr.EINVAL
	}
	b := &BlockDevice{id: id, drv: drv}
	b.refs.InitRefs()
	if err := r.devs.Insert(b); err != nil {
		return nil, err
	}
	log.Debugf("blockdev %v: registered, %d blocks of %d bytes", id, drv.NumBlocks(), drv.BlockSize())
	return b, nil
}

// Lookup returns the device registered under id with an extra reference,
// which the caller drops with Put.
func (r *Registry) Lookup(id DevID) (*BlockDevice, error) {
	b, ok := r.devs.Get(id, func(b *BlockDevice) { b.refs.IncRef() })
	if !ok {
		return nil, linuxerr.ENODEV
	}
	return b, nil
}

// Put drops a reference obtained from Lookup or Open.
func (r *Registry) Put(b *BlockDevice) {
	b.refs.DecRef(nil)
}

// Open looks up id and opens it.
func (r *Registry) Open(id DevID) (*BlockDevice, error) {
	b, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	if err := b.open(); err != nil {
		r.Put(b)
		return nil, err
	}
	return b, nil
}

// Close releases a device obtained from Open.
func (r *Registry) Close(b *BlockDevice) error {
	err := b.release()
	r.Put(b)
	return err
}

// Unregister removes the device registered under id. It fails with EBUSY
// while the device is open or referenced.
func (r *Registry) Unregister(id DevID) error {
	busy := false
	_, ok := r.devs.RemoveIf(id, func(b *BlockDevice) bool {
		busy = b.Openers() > 0 || b.refs.ReadRefs() > 1
		return !busy
	})
	switch {
	case busy:
		return linuxerr.EBUSY
	case !ok:
		return linuxerr.ENODEV
	}
	log.Debugf("blockdev %v: unregistered", id)
	return nil
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	return r.devs.Len()
}
