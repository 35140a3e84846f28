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

// Package writeback runs periodic background writeback for a VFS.
package writeback

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jonboulle/clockwork"
	"vfscore.dev/vfscore/pkg/config"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/metric"
	"vfscore.dev/vfscore/pkg/sync"
	"vfscore.dev/vfscore/pkg/vfs"
)

var passes = metric.MustCreateNewUint64Metric("/writeback/flusher/passes", "Background writeback passes.", metric.NewField("result", "ok", "failed"))

// Options configures a Flusher.
type Options struct {
	Config config.Writeback

	// Clock drives the pass timer. Nil means the VFS clock.
	Clock clockwork.Clock
}

// Stats describes the flusher's progress.
type Stats struct {
	Passes   int64
	Failures int64

	// Delay is the wait before the next timed pass.
	Delay time.Duration

	// LastReason is the reason given to the most recent pass.
	LastReason vfs.Reason
}

// Flusher writes back dirty inodes of every mounted superblock once per
// interval. A pass that sees errors is followed by an exponentially growing
// delay, capped at the configured maximum, until a pass succeeds.
type Flusher struct {
	v         *vfs.VFS
	clock     clockwork.Clock
	interval  time.Duration
	nrToWrite int64
	backoff   *backoff.ExponentialBackOff

	// kick has room for one pending request.
	kick chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	stats  Stats
}

// New returns a stopped Flusher for v.
func New(v *vfs.VFS, opts Options) *Flusher {
	clock := opts.Clock
	if clock == nil {
		clock = v.Clock()
	}
	interval := opts.Config.Interval.Duration
	if interval <= 0 {
		interval = config.Default().Writeback.Interval.Duration
	}
	maxDelay := opts.Config.MaxBackoff.Duration
	if maxDelay < interval {
		maxDelay = interval
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * interval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0
	b.Clock = clock
	b.Reset()
	return &Flusher{
		v:         v,
		clock:     clock,
		interval:  interval,
		nrToWrite: opts.Config.NrToWrite,
		backoff:   b,
		kick:      make(chan struct{}, 1),
		stats:     Stats{Delay: interval},
	}
}

// Start launches the flusher goroutine. It stops when ctx is cancelled or
// Stop is called. Starting a running flusher fails with EBUSY.
func (f *Flusher) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done != nil {
		return linuxerr.EBUSY
	}
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	go f.run(ctx, f.done)
	log.Debugf("writeback: flusher started, interval %v", f.interval)
	return nil
}

// Stop terminates the flusher goroutine and waits for it to exit. A pass in
// progress is allowed to finish.
func (f *Flusher) Stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()
	if done == nil {
		return
	}
	cancel()
	<-done
	log.Debugf("writeback: flusher stopped")
}

// Kick requests an immediate background pass. Requests made while one is
// already pending are merged.
func (f *Flusher) Kick() {
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the flusher's counters.
func (f *Flusher) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *Flusher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	delay := f.interval
	for {
		t := f.clock.NewTimer(delay)
		reason := vfs.ReasonPeriodic
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-f.kick:
			t.Stop()
			reason = vfs.ReasonBackground
		case <-t.Chan():
		}

		err := f.pass(ctx, reason)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			delay = f.backoff.NextBackOff()
			if delay == backoff.Stop {
				delay = f.backoff.MaxInterval
			}
			log.Warningf("writeback: %v pass failed: %v, next pass in %v", reason, err, delay)
		} else {
			f.backoff.Reset()
			delay = f.interval
		}

		f.mu.Lock()
		f.stats.Passes++
		if err != nil {
			f.stats.Failures++
		}
		f.stats.Delay = delay
		f.stats.LastReason = reason
		f.mu.Unlock()
	}
}

// pass runs one best-effort writeback over every superblock. Failures of
// individual pages and inodes are reported as EIO.
func (f *Flusher) pass(ctx context.Context, reason vfs.Reason) error {
	wbc := &vfs.WritebackControl{
		NrToWrite: f.nrToWrite,
		SyncMode:  vfs.WBSyncNone,
		Reason:    reason,
	}
	err := f.v.WritebackAll(ctx, wbc)
	if err == nil && wbc.ErrorsSeen > 0 {
		err = linuxerr.EIO
	}
	if err != nil {
		passes.Increment("failed")
		return err
	}
	passes.Increment("ok")
	log.Debugf("writeback: %v pass wrote %d pages, skipped %d", reason, wbc.PagesWritten, wbc.PagesSkipped)
	return nil
}
