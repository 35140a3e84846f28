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
	"context"
	"fmt"
	"math"
)

// SyncMode selects how writeback treats pages it cannot lock.
type SyncMode int

const (
	// WBSyncNone skips locked pages and keeps going after errors.
	WBSyncNone SyncMode = iota

	// WBSyncAll waits for every page and stops at the first error.
	WBSyncAll
)

// Reason records why writeback was started.
type Reason int

// Writeback reasons.
const (
	ReasonBackground Reason = iota
	ReasonSync
	ReasonPeriodic
	ReasonVMScan
	ReasonShutdown
	numReasons
)

var reasonNames = [numReasons]string{
	ReasonBackground: "background",
	ReasonSync:       "sync",
	ReasonPeriodic:   "periodic",
	ReasonVMScan:     "vmscan",
	ReasonShutdown:   "shutdown",
}

// String implements fmt.Stringer.
func (r Reason) String() string {
	if r < 0 || r >= numReasons {
		return fmt.Sprintf("Reason(%d)", int(r))
	}
	return reasonNames[r]
}

// WritebackControl carries the parameters and the results of one writeback
// pass. A pass may span many inodes.
type WritebackControl struct {
	// NrToWrite bounds the pages written by the pass. Zero or less means
	// no bound.
	NrToWrite int64

	// PagesWritten, PagesSkipped and ErrorsSeen accumulate over the pass.
	PagesWritten int64
	PagesSkipped int64
	ErrorsSeen   int64

	// RangeStart and RangeEnd are the first and last page indexes to
	// write. A zero RangeEnd means the end of the file.
	RangeStart uint64
	RangeEnd   uint64

	SyncMode SyncMode
	Reason   Reason
}

// Exhausted returns true once the pass has written NrToWrite pages.
func (wbc *WritebackControl) Exhausted() bool {
	return wbc.NrToWrite > 0 && wbc.PagesWritten >= wbc.NrToWrite
}

func (wbc *WritebackControl) rangeEnd() uint64 {
	if wbc.RangeEnd == 0 {
		return math.MaxUint64
	}
	return wbc.RangeEnd
}

// WritebackRange writes back the dirty pages of a in wbc's range.
//
// Each page has its dirty tag swapped for the writeback tag before it is
// written, and is tagged dirty again if the write fails. Pages locked by
// someone else are skipped and counted in wbc.PagesSkipped; they stay dirty.
// With WBSyncAll the first error stops the pass and is returned. With
// WBSyncNone failures are counted in wbc and logged but not returned.
func (a *AddressSpace) WritebackRange(ctx context.Context, wbc *WritebackControl) error {
	var firstErr error
	a.scan(wbc.RangeStart, wbc.rangeEnd(), radixDirty, true, func(p *Page) bool {
		if wbc.Exhausted() || ctx.Err() != nil {
			return false
		}
		if !p.TryLock() {
			wbc.PagesSkipped++
			writebackSkipped.Increment()
			return true
		}
		defer p.Unlock()
		if p.Mapping() != a || !a.ClearPageDirty(p) {
			// Truncated or written by someone else.
			return true
		}
		a.tagPage(p, radixWriteback)
		p.setFlags(PageWriteback, 0)
		err := a.Ops().WritePage(ctx, p, wbc)
		p.setFlags(0, PageWriteback)
		a.untagPage(p, radixWriteback)
		if err != nil {
			p.setFlags(PageError, 0)
			a.tagPage(p, radixDirty)
			wbc.ErrorsSeen++
			writebackErrors.Increment()
			if wbc.SyncMode == WBSyncAll {
				firstErr = err
				return false
			}
			warn.Warningf("writeback: page %d of inode %d: %v", p.index, a.host.ino, err)
			return true
		}
		p.setFlags(0, PageError)
		wbc.PagesWritten++
		writebackPages.Increment(wbc.Reason.String())
		return true
	})
	return firstErr
}

// SyncMappingPages writes back every dirty page of a that is not locked. If
// wait is set the first error stops the pass and is returned.
func (a *AddressSpace) SyncMappingPages(ctx context.Context, wait bool) error {
	wbc := &WritebackControl{SyncMode: WBSyncNone, Reason: ReasonSync}
	if wait {
		wbc.SyncMode = WBSyncAll
	}
	return a.WritebackRange(ctx, wbc)
}
