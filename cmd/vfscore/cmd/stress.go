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
	"os"
	"time"

	"github.com/google/subcommands"
	"vfscore.dev/vfscore/pkg/config"
	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/metric"
	"vfscore.dev/vfscore/pkg/writeback"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	disk    diskFlags
	load    workload
	flusher bool
	reclaim bool
	metrics bool
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run concurrent file churn against a fresh memfs"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - format a disk, then create, write, read, sync and unlink files from several workers
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	s.disk.setFlags(f, true)
	f.IntVar(&s.load.workers, "workers", 8, "number of concurrent workers.")
	f.IntVar(&s.load.files, "files", 64, "files written by each worker.")
	f.IntVar(&s.load.size, "size", 64<<10, "bytes per file.")
	f.IntVar(&s.load.fsyncEvery, "fsync-every", 8, "fsync every n-th file, 0 to never fsync.")
	f.BoolVar(&s.flusher, "flusher", true, "run the background writeback flusher.")
	f.BoolVar(&s.reclaim, "reclaim", false, "drop unused caches before unmounting.")
	f.BoolVar(&s.metrics, "metrics", true, "print metrics when done.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.load.workers <= 0 || s.load.size < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg := args[0].(*config.Config)

	drv, disk, err := s.disk.driver(true)
	if err != nil {
		Fatalf("%v", err)
	}
	in, err := newInstance(ctx, cfg, drv, true, 0)
	if err != nil {
		Fatalf("%v", err)
	}
	var fl *writeback.Flusher
	if s.flusher {
		fl = writeback.New(in.v, writeback.Options{Config: cfg.Writeback})
		if err := fl.Start(ctx); err != nil {
			Fatalf("starting flusher: %v", err)
		}
	}

	start := time.Now()
	st, err := s.load.run(ctx, in)
	elapsed := time.Since(start)
	if fl != nil {
		fl.Stop()
	}
	st.print()
	if err != nil {
		log.Warningf("stress: %v", err)
		fmt.Fprintf(os.Stderr, "stress failed: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("elapsed:  %v\n", elapsed)
	if fl != nil {
		fst := fl.Stats()
		fmt.Printf("flusher:  %d passes, %d failed\n", fst.Passes, fst.Failures)
	}
	if s.reclaim {
		fmt.Printf("reclaim:  %d dentries freed\n", in.v.Reclaim(ctx, 0))
	}
	in.printCaches(ctx)
	if sfs, err := in.statfs(ctx); err == nil {
		printStatfs(sfs)
	}
	if disk != nil {
		fmt.Printf("disk:     %d reads, %d writes, %d flushes, %d blocks allocated\n", disk.Reads(), disk.Writes(), disk.Flushes(), disk.Allocated())
	}
	if err := in.close(ctx); err != nil {
		Fatalf("unmounting: %v", err)
	}
	if s.metrics {
		if err := metric.WriteText(os.Stdout); err != nil {
			Fatalf("writing metrics: %v", err)
		}
	}
	return subcommands.ExitSuccess
}
