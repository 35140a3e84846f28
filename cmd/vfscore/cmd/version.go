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
	"runtime"

	"github.com/google/subcommands"
)

// VersionCmd implements subcommands.Command for the "version" command.
type VersionCmd struct{}

// Name implements subcommands.Command.Name.
func (*VersionCmd) Name() string {
	return "version"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*VersionCmd) Synopsis() string {
	return "print the version"
}

// Usage implements subcommands.Command.Usage.
func (*VersionCmd) Usage() string {
	return "version\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*VersionCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*VersionCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	fmt.Printf("vfscore version %s, %s %s/%s\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return subcommands.ExitSuccess
}
