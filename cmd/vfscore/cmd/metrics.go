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
	"os"

	"github.com/google/subcommands"
	"vfscore.dev/vfscore/pkg/config"
	"vfscore.dev/vfscore/pkg/metric"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct{}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "run a short workload and print metrics in Prometheus text format"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return "metrics - run a short workload on an in-memory disk and dump every metric\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Metrics) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg := args[0].(*config.Config)
	disk := diskFlags{blockSize: 1024, blocks: 4096}
	drv, _, err := disk.driver(true)
	if err != nil {
		Fatalf("%v", err)
	}
	in, err := newInstance(ctx, cfg, drv, true, 0)
	if err != nil {
		Fatalf("%v", err)
	}
	load := workload{workers: 2, files: 8, size: 10000, fsyncEvery: 4}
	if _, err := load.run(ctx, in); err != nil {
		Fatalf("workload: %v", err)
	}
	in.v.Reclaim(ctx, 0)
	if err := in.close(ctx); err != nil {
		Fatalf("unmounting: %v", err)
	}
	if err := metric.WriteText(os.Stdout); err != nil {
		Fatalf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}
