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
	"time"

	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/metric"
)

var (
	dcacheHits     = metric.MustCreateNewUint64Metric("/vfs/dcache/hits", "Dentry cache lookups that found a cached dentry.")
	dcacheMisses   = metric.MustCreateNewUint64Metric("/vfs/dcache/misses", "Dentry cache lookups that found nothing.")
	dcacheReclaims = metric.MustCreateNewUint64Metric("/vfs/dcache/reclaims", "Dentries freed.")

	icacheHits      = metric.MustCreateNewUint64Metric("/vfs/icache/hits", "Inode cache lookups that found a cached inode.")
	icacheMisses    = metric.MustCreateNewUint64Metric("/vfs/icache/misses", "Inode cache lookups that read the inode.")
	icacheEvictions = metric.MustCreateNewUint64Metric("/vfs/icache/evictions", "Inodes evicted from the cache.")

	pageHits            = metric.MustCreateNewUint64Metric("/vfs/pagecache/hits", "Page cache lookups that found the page.")
	pageMisses          = metric.MustCreateNewUint64Metric("/vfs/pagecache/misses", "Page cache lookups that allocated a page.")
	writebackPages      = metric.MustCreateNewUint64Metric("/vfs/writeback/pages", "Pages written back.", metric.NewField("reason", reasonNames[:]...))
	writebackErrors     = metric.MustCreateNewUint64Metric("/vfs/writeback/errors", "Page writeback failures.")
	writebackSkipped    = metric.MustCreateNewUint64Metric("/vfs/writeback/skipped", "Dirty pages skipped by writeback because they were locked.")
	inodeWritebackCalls = metric.MustCreateNewUint64Metric("/vfs/writeback/inodes", "Inode metadata writes.")
)

// warn is used for writeback failures, which repeat for every page of a
// failing file.
var warn = log.BasicRateLimitedLogger(time.Second)
