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

// Package cmd holds implementations of the vfscore commands.
package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"

	"vfscore.dev/vfscore/pkg/blockdev"
	"vfscore.dev/vfscore/pkg/config"
	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/memfs"
	"vfscore.dev/vfscore/pkg/vfs"
)

// Version is set at link time.
var Version = "dev"

// devID is the device every command mounts memfs from.
var devID = blockdev.MkDev(7, 0)

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	log.Warningf(format, args...)
	os.Exit(128)
}

// diskFlags selects the device backing the filesystem.
type diskFlags struct {
	image     string
	blockSize int
	blocks    uint64
}

func (d *diskFlags) setFlags(f *flag.FlagSet, withImage bool) {
	if withImage {
		f.StringVar(&d.image, "image", "", "host image file to use instead of an in-memory disk.")
	}
	f.IntVar(&d.blockSize, "block-size", 4096, "device block size in bytes.")
	f.Uint64Var(&d.blocks, "blocks", 16384, "device size in blocks when creating a disk.")
}

// driver returns the configured device. The MemDisk result is nil for
// images.
func (d *diskFlags) driver(create bool) (blockdev.Driver, *blockdev.MemDisk, error) {
	if d.image == "" {
		disk := blockdev.NewMemDisk(d.blockSize, d.blocks)
		return disk, disk, nil
	}
	var n uint64
	if create {
		n = d.blocks
	}
	h, err := blockdev.NewHostFile(d.image, d.blockSize, n, create)
	if err != nil {
		return nil, nil, fmt.Errorf("opening image %q: %w", d.image, err)
	}
	return h, nil, nil
}

// instance is a VFS with memfs mounted at its root.
type instance struct {
	v    *vfs.VFS
	root vfs.VirtualDentry
}

// newInstance registers drv, formats it if requested and mounts it.
func newInstance(ctx context.Context, cfg *config.Config, drv blockdev.Driver, format bool, flags uint32) (*instance, error) {
	v, err := vfs.New(vfs.Options{Config: cfg})
	if err != nil {
		return nil, err
	}
	if _, err := v.Devices.Register(devID, drv); err != nil {
		return nil, err
	}
	if format {
		if err := memfs.Format(ctx, v, devID, memfs.FormatOptions{}); err != nil {
			return nil, fmt.Errorf("formatting: %w", err)
		}
	}
	if err := v.RegisterFilesystem(memfs.FileSystem{}); err != nil {
		return nil, err
	}
	if _, err := v.DoMount(ctx, memfs.Name, devID, vfs.VirtualDentry{}, flags, ""); err != nil {
		return nil, fmt.Errorf("mounting: %w", err)
	}
	root, err := v.Root()
	if err != nil {
		return nil, err
	}
	return &instance{v: v, root: root}, nil
}

// close unmounts everything, writing back dirty state.
func (in *instance) close(ctx context.Context) error {
	in.v.PutPath(ctx, in.root)
	return in.v.Shutdown(ctx)
}

func (in *instance) statfs(ctx context.Context) (vfs.Statfs, error) {
	return in.root.Mount.SuperBlock().StatFS(ctx)
}

// printCaches writes the cache occupancy of in to stdout.
func (in *instance) printCaches(ctx context.Context) {
	all, clean, dirty, io := in.root.Mount.SuperBlock().InodeCounts()
	fmt.Printf("dentries: %d (%d unused)\n", in.v.Dentries.Len(), in.v.Dentries.LRULen())
	fmt.Printf("inodes:   %d cached, %d in superblock (%d clean, %d dirty, %d under writeback)\n", in.v.Inodes.Len(), all, clean, dirty, io)
	fmt.Printf("pages:    %d\n", in.v.CachedPages(ctx))
	fmt.Printf("buffers:  %d\n", in.v.Buffers.Len())
}

func printStatfs(st vfs.Statfs) {
	fmt.Printf("filesystem: %s, block size %d\n", st.Type, st.BlockSize)
	fmt.Printf("blocks:     %d total, %d free\n", st.Blocks, st.BlocksFree)
	fmt.Printf("inodes:     %d total, %d free\n", st.Files, st.FilesFree)
}
