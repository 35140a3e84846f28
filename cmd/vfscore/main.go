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

// Binary vfscore exercises the caching core against memfs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"vfscore.dev/vfscore/cmd/vfscore/cmd"
	"vfscore.dev/vfscore/pkg/config"
	"vfscore.dev/vfscore/pkg/log"
)

var (
	configPath = flag.String("config", "", "TOML or YAML configuration file.")
	logFormat  = flag.String("log-format", "", "log format: text, json, logrus or auto. Overrides the configuration.")
	debug      = flag.Bool("debug", false, "enable debug logging.")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(cmd.Stress), "")
	subcommands.Register(new(cmd.Stat), "")
	subcommands.Register(new(cmd.Metrics), "")
	subcommands.Register(new(cmd.VersionCmd), "")
	flag.Parse()

	conf := config.Default()
	if *configPath != "" {
		var err error
		if conf, err = config.Load(*configPath); err != nil {
			cmd.Fatalf("%v", err)
		}
	}
	if *logFormat != "" {
		conf.Log.Format = *logFormat
	}
	if err := setupLogging(conf); err != nil {
		cmd.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()
	code := subcommands.Execute(ctx, conf)
	stop()
	os.Exit(int(code))
}

// setupLogging points the global logger at the configured file, or stderr.
func setupLogging(conf *config.Config) error {
	level, err := log.ParseLevel(conf.Log.Level)
	if err != nil {
		return err
	}
	if *debug {
		level = log.Debug
	}
	out := os.Stderr
	if conf.Log.File != "" {
		f, err := log.OpenFile(conf.Log.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, log.PatternOpts{})
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		out = f
	}
	e, err := log.EmitterFor(conf.Log.Format, out)
	if err != nil {
		return err
	}
	log.SetTarget(e)
	log.SetLevel(level)
	log.Debugf("vfscore %s, args %v", cmd.Version, os.Args)
	return nil
}
