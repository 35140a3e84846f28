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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDefaultIsACopy(t *testing.T) {
	a := Default()
	a.Dcache.LRULimit = 1
	a.Qstr.Hash = "djb"
	if b := Default(); b.Dcache.LRULimit == 1 || b.Qstr.Hash == "djb" {
		t.Errorf("mutating Default() changed the defaults: %+v", b)
	}
}

func TestLoad(t *testing.T) {
	want := Default()
	want.Qstr.Hash = "xxhash"
	want.Hashtable.MaxLoad = 90
	want.Dcache.Buckets = 128
	want.Dcache.LRULimit = 100
	want.Writeback.Interval = Duration{250 * time.Millisecond}
	want.Log.Level = "debug"

	for _, test := range []struct {
		name     string
		file     string
		contents string
	}{
		{
			name: "toml",
			file: "vfscore.toml",
			contents: `
[qstr]
hash = "xxhash"

[hashtable]
max_load = 95

[dcache]
buckets = 100
lru_limit = 100

[writeback]
interval = "250ms"

[log]
level = "debug"
`,
		},
		{
			name: "yaml",
			file: "vfscore.yaml",
			contents: `
qstr:
  hash: xxhash
hashtable:
  max_load: 95
dcache:
  buckets: 100
  lru_limit: 100
writeback:
  interval: 250ms
log:
  level: debug
`,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, err := Load(writeFile(t, test.file, test.contents))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("Load mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	for _, test := range []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "unknown hash", mutate: func(c *Config) { c.Qstr.Hash = "crc32" }, want: linuxerr.EINVAL},
		{name: "unknown level", mutate: func(c *Config) { c.Log.Level = "loud" }, want: linuxerr.EINVAL},
		{name: "unknown format", mutate: func(c *Config) { c.Log.Format = "xml" }, want: linuxerr.EINVAL},
		{name: "negative lru", mutate: func(c *Config) { c.Dcache.LRULimit = -1 }, want: linuxerr.EINVAL},
		{name: "zero interval", mutate: func(c *Config) { c.Writeback.Interval = Duration{} }, want: linuxerr.EINVAL},
	} {
		t.Run(test.name, func(t *testing.T) {
			c := Default()
			test.mutate(c)
			if err := c.Validate(); !errors.Is(err, test.want) {
				t.Errorf("Validate() = %v, want %v", err, test.want)
			}
		})
	}
}

func TestValidateNormalizes(t *testing.T) {
	c := Default()
	c.Hashtable.MaxLoad = 10
	c.Icache.Buckets = 0
	c.Bcache.Buckets = 17
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c.Hashtable.MaxLoad != 50 {
		t.Errorf("MaxLoad = %d, want 50", c.Hashtable.MaxLoad)
	}
	if c.Icache.Buckets != c.Hashtable.InitialBuckets {
		t.Errorf("Icache.Buckets = %d, want the table default %d", c.Icache.Buckets, c.Hashtable.InitialBuckets)
	}
	if c.Bcache.Buckets != 32 {
		t.Errorf("Bcache.Buckets = %d, want 32", c.Bcache.Buckets)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Errorf("Load of a missing file succeeded")
	}
	path := writeFile(t, "bad.toml", "[qstr]\nhash = \"md5\"\n")
	if _, err := Load(path); !errors.Is(err, linuxerr.EINVAL) {
		t.Errorf("Load with a bad hash = %v, want EINVAL", err)
	}
}
