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
	"bytes"
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/vfs"
)

// workload describes the file churn run by stress and metrics.
type workload struct {
	workers    int
	files      int
	size       int
	fsyncEvery int
}

type workloadStats struct {
	created  atomic.Int64
	unlinked atomic.Int64
	written  atomic.Int64
	read     atomic.Int64
	fsyncs   atomic.Int64
}

// run starts w.workers goroutines, each of which creates, writes, verifies
// and unlinks files in its own directory, then syncs everything.
func (w workload) run(ctx context.Context, in *instance) (*workloadStats, error) {
	st := &workloadStats{}
	g, gctx := errgroup.WithContext(ctx)
	for id := 0; id < w.workers; id++ {
		id := id
		g.Go(func() error { return w.worker(gctx, in, id, st) })
	}
	if err := g.Wait(); err != nil {
		return st, err
	}
	return st, in.v.SyncAll(ctx, true)
}

func (w workload) worker(ctx context.Context, in *instance, id int, st *workloadStats) error {
	creds := vfs.RootCredentials()
	dir, err := in.v.Mkdir(ctx, creds, in.root, fmt.Sprintf("w%d", id), 0o755)
	if err != nil {
		return fmt.Errorf("worker %d: mkdir: %w", id, err)
	}
	defer in.v.PutPath(ctx, dir)

	buf := make([]byte, w.size)
	for i := 0; i < w.files; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := fmt.Sprintf("f%d", i)
		data := fill(w.size, id, i)
		if err := w.writeFile(ctx, in, dir, name, data, i, st); err != nil {
			return fmt.Errorf("worker %d: %s: %w", id, name, err)
		}
		if err := readFile(ctx, in, dir, name, buf, data, st); err != nil {
			return fmt.Errorf("worker %d: %s: %w", id, name, err)
		}
		// Every other file is removed again, so the disk sees both
		// allocation and freeing.
		if i%2 == 1 {
			if err := in.v.Unlink(ctx, creds, dir, fmt.Sprintf("f%d", i-1)); err != nil {
				return fmt.Errorf("worker %d: unlink: %w", id, err)
			}
			st.unlinked.Add(1)
		}
	}
	log.Debugf("stress: worker %d done", id)
	return nil
}

func (w workload) writeFile(ctx context.Context, in *instance, dir vfs.VirtualDentry, name string, data []byte, i int, st *workloadStats) error {
	creds := vfs.RootCredentials()
	vd, err := in.v.Create(ctx, creds, dir, name, 0o644)
	if err != nil {
		return err
	}
	defer in.v.PutPath(ctx, vd)
	st.created.Add(1)
	f, err := in.v.Open(ctx, creds, vd, unix.O_RDWR)
	if err != nil {
		return err
	}
	defer f.Close(ctx)
	n, err := f.Write(ctx, data)
	st.written.Add(int64(n))
	if err != nil {
		return err
	}
	if w.fsyncEvery > 0 && i%w.fsyncEvery == 0 {
		st.fsyncs.Add(1)
		return f.Fsync(ctx, false)
	}
	return nil
}

func readFile(ctx context.Context, in *instance, dir vfs.VirtualDentry, name string, buf, want []byte, st *workloadStats) error {
	creds := vfs.RootCredentials()
	vd, err := in.v.Lookup(ctx, creds, dir, name)
	if err != nil {
		return err
	}
	defer in.v.PutPath(ctx, vd)
	f, err := in.v.Open(ctx, creds, vd, unix.O_RDONLY)
	if err != nil {
		return err
	}
	defer f.Close(ctx)
	n, err := f.PRead(ctx, buf, 0)
	st.read.Add(int64(n))
	if err != nil {
		return err
	}
	if !bytes.Equal(buf[:n], want) {
		return fmt.Errorf("read back %d bytes that differ from the %d written", n, len(want))
	}
	return nil
}

// fill returns size bytes unique to the worker and file.
func fill(size, worker, file int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i*7 + worker*31 + file)
	}
	return b
}

func (st *workloadStats) print() {
	fmt.Printf("files:    %d created, %d unlinked, %d fsyncs\n", st.created.Load(), st.unlinked.Load(), st.fsyncs.Load())
	fmt.Printf("bytes:    %d written, %d read\n", st.written.Load(), st.read.Load())
}
