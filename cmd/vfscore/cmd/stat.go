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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"path"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"vfscore.dev/vfscore/pkg/config"
	"vfscore.dev/vfscore/pkg/memfs"
	"vfscore.dev/vfscore/pkg/vfs"
)

// Stat implements subcommands.Command for the "stat" command.
type Stat struct {
	disk diskFlags
	tree bool
	read bool
}

// Name implements subcommands.Command.Name.
func (*Stat) Name() string {
	return "stat"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stat) Synopsis() string {
	return "mount a memfs image read-only, walk it and print cache usage"
}

// Usage implements subcommands.Command.Usage.
func (*Stat) Usage() string {
	return `stat [flags] <image> - mount the image, walk every directory and print what got cached
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stat) SetFlags(f *flag.FlagSet) {
	s.disk.setFlags(f, false)
	f.BoolVar(&s.tree, "tree", false, "print every path.")
	f.BoolVar(&s.read, "read", false, "read every regular file through the page cache.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stat) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg := args[0].(*config.Config)
	s.disk.image = f.Arg(0)

	drv, _, err := s.disk.driver(false)
	if err != nil {
		Fatalf("%v", err)
	}
	in, err := newInstance(ctx, cfg, drv, false, vfs.SBReadOnly)
	if err != nil {
		Fatalf("%v", err)
	}
	defer func() {
		if err := in.close(ctx); err != nil {
			Fatalf("unmounting: %v", err)
		}
	}()

	var t treeStats
	if err := s.walk(ctx, in, in.root, "/", &t); err != nil {
		Fatalf("walking %q: %v", s.disk.image, err)
	}
	fmt.Printf("tree:     %d directories, %d files, %d bytes\n", t.dirs, t.files, t.bytes)
	sfs, err := in.statfs(ctx)
	if err != nil {
		Fatalf("statfs: %v", err)
	}
	printStatfs(sfs)
	fmt.Printf("uuid:       %v\n", memfs.UUID(in.root.Mount.SuperBlock()))
	in.printCaches(ctx)
	return subcommands.ExitSuccess
}

type treeStats struct {
	dirs, files int
	bytes       int64
}

func (s *Stat) walk(ctx context.Context, in *instance, dir vfs.VirtualDentry, p string, t *treeStats) error {
	t.dirs++
	ents, err := memfs.ReadDir(dir.Inode())
	if err != nil {
		return err
	}
	for _, ent := range ents {
		vd, err := in.v.Lookup(ctx, vfs.RootCredentials(), dir, ent.Name)
		if err != nil {
			return fmt.Errorf("%s: %w", path.Join(p, ent.Name), err)
		}
		err = s.visit(ctx, in, vd, path.Join(p, ent.Name), t)
		in.v.PutPath(ctx, vd)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Stat) visit(ctx context.Context, in *instance, vd vfs.VirtualDentry, p string, t *treeStats) error {
	i := vd.Inode()
	if s.tree {
		fmt.Printf("%10d %#o %3d %s\n", i.Ino(), i.Mode(), i.Nlink(), p)
	}
	if vfs.IsDir(i.Mode()) {
		return s.walk(ctx, in, vd, p, t)
	}
	t.files++
	t.bytes += i.Size()
	if !s.read || i.Mode()&unix.S_IFMT != unix.S_IFREG {
		return nil
	}
	f, err := in.v.Open(ctx, vfs.RootCredentials(), vd, unix.O_RDONLY)
	if err != nil {
		return fmt.Errorf("%s: %w", p, err)
	}
	defer f.Close(ctx)
	buf := make([]byte, 64<<10)
	for off := int64(0); off < i.Size(); {
		n, err := f.PRead(ctx, buf, off)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		if n == 0 {
			break
		}
		off += int64(n)
	}
	return nil
}
