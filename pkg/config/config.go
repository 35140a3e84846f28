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

// Package config holds the tunables of the caching core and loads them from
// TOML or YAML files.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/hashtable"
	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/qstr"
)

// Duration is a time.Duration that decodes from strings such as "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler. toml uses it directly.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// Qstr configures name hashing.
type Qstr struct {
	// Hash is one of "fnv1a", "djb" or "xxhash".
	Hash string `toml:"hash" yaml:"hash"`
}

// Hashtable holds defaults for every cache hash table.
type Hashtable struct {
	InitialBuckets int `toml:"initial_buckets" yaml:"initial_buckets"`
	MaxLoad        int `toml:"max_load" yaml:"max_load"`
}

// Dcache configures the dentry cache.
type Dcache struct {
	Buckets int `toml:"buckets" yaml:"buckets"`

	// LRULimit bounds the number of unreferenced dentries kept for reuse.
	// Zero means no limit.
	LRULimit int `toml:"lru_limit" yaml:"lru_limit"`
}

// Icache configures the inode cache.
type Icache struct {
	Buckets int `toml:"buckets" yaml:"buckets"`
}

// Bcache configures the buffer cache.
type Bcache struct {
	Buckets    int `toml:"buckets" yaml:"buckets"`
	MaxBuffers int `toml:"max_buffers" yaml:"max_buffers"`
}

// Writeback configures the background flusher.
type Writeback struct {
	Interval   Duration `toml:"interval" yaml:"interval"`
	NrToWrite  int64    `toml:"nr_to_write" yaml:"nr_to_write"`
	MaxBackoff Duration `toml:"max_backoff" yaml:"max_backoff"`
}

// Log configures logging.
type Log struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
	File   string `toml:"file" yaml:"file"`
}

// Config is the complete configuration.
type Config struct {
	Qstr      Qstr      `toml:"qstr" yaml:"qstr"`
	Hashtable Hashtable `toml:"hashtable" yaml:"hashtable"`
	Dcache    Dcache    `toml:"dcache" yaml:"dcache"`
	Icache    Icache    `toml:"icache" yaml:"icache"`
	Bcache    Bcache    `toml:"bcache" yaml:"bcache"`
	Writeback Writeback `toml:"writeback" yaml:"writeback"`
	Log       Log       `toml:"log" yaml:"log"`
}

var defaults = Config{
	Qstr: Qstr{Hash: "fnv1a"},
	Hashtable: Hashtable{
		InitialBuckets: hashtable.MinBuckets,
		MaxLoad:        hashtable.DefaultMaxLoad,
	},
	Dcache: Dcache{Buckets: 1024, LRULimit: 8192},
	Icache: Icache{Buckets: 1024},
	Bcache: Bcache{Buckets: 256, MaxBuffers: 4096},
	Writeback: Writeback{
		Interval:   Duration{5 * time.Second},
		NrToWrite:  1024,
		MaxBackoff: Duration{time.Minute},
	},
	Log: Log{Level: "info", Format: "text"},
}

// Default returns a copy of the built-in configuration that the caller may
// modify.
func Default() *Config {
	return deepcopy.Copy(&defaults).(*Config)
}

// Load reads the file at path over the defaults. Files ending in .yaml or
// .yml are YAML, anything else is TOML.
func Load(path string) (*Config, error) {
	c := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config file %q", path)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, errors.Wrapf(err, "decode config file %q", path)
		}
	default:
		md, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, errors.Wrapf(err, "decode config file %q", path)
		}
		for _, k := range md.Undecoded() {
			log.Warningf("config %q: unknown key %q", path, k.String())
		}
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config file %q", path)
	}
	return c, nil
}

// Validate rejects unusable values and normalizes the rest in place: bucket
// counts are rounded up to a power of two and the load factor is clamped.
func (c *Config) Validate() error {
	if _, err := qstr.ParseAlgorithm(c.Qstr.Hash); err != nil {
		return err
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return linuxerr.EINVAL
	}
	switch c.Log.Format {
	case "", "text", "json", "logrus", "auto":
	default:
		return linuxerr.EINVAL
	}
	if c.Dcache.LRULimit < 0 || c.Bcache.MaxBuffers < 0 || c.Writeback.NrToWrite < 0 {
		return linuxerr.EINVAL
	}
	if c.Writeback.Interval.Duration <= 0 || c.Writeback.MaxBackoff.Duration < 0 {
		return linuxerr.EINVAL
	}
	c.Hashtable.MaxLoad = hashtable.ClampMaxLoad(c.Hashtable.MaxLoad)
	c.Hashtable.InitialBuckets = hashtable.RoundBuckets(c.Hashtable.InitialBuckets)
	for _, b := range []*int{&c.Dcache.Buckets, &c.Icache.Buckets, &c.Bcache.Buckets} {
		if *b == 0 {
			*b = c.Hashtable.InitialBuckets
		}
		*b = hashtable.RoundBuckets(*b)
	}
	return nil
}
