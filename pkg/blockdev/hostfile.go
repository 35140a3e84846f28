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

package blockdev

import (
	"context"
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/log"
)

// HostFile is a device backed by a host image file. The image is locked
// exclusively while the device is open, so two processes cannot drive the
// same image.
type HostFile struct {
	path      string
	blockSize int
	nblocks   uint64

	lock *flock.Flock
	file *os.File
}

// NewHostFile returns a device for the image at path. If create is set, the
// image is created or extended to nblocks blocks; otherwise its size
// determines the block count.
func NewHostFile(path string, blockSize int, nblocks uint64, create bool) (*HostFile, error) {
	if blockSize <= 0 || blockSize%512 != 0 {
		return nil, linuxerr.EINVAL
	}
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return nil, fmt.Errorf("fstat %q: %w", path, err)
	}
	size := uint64(st.Size)
	if create && size < nblocks*uint64(blockSize) {
		if err := unix.Ftruncate(int(f.Fd()), int64(nblocks)*int64(blockSize)); err != nil {
			return nil, fmt.Errorf("truncate %q: %w", path, err)
		}
		size = nblocks * uint64(blockSize)
	}
	return &HostFile{
		path:      path,
		blockSize: blockSize,
		nblocks:   size / uint64(blockSize),
		lock:      flock.New(path),
	}, nil
}

// BlockSize implements Driver.BlockSize.
func (h *HostFile) BlockSize() int { return h.blockSize }

// NumBlocks implements Driver.NumBlocks.
func (h *HostFile) NumBlocks() uint64 { return h.nblocks }

// Open implements Driver.Open.
func (h *HostFile) Open() error {
	locked, err := h.lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %q: %w", h.path, err)
	}
	if !locked {
		return linuxerr.EBUSY
	}
	f, err := os.OpenFile(h.path, os.O_RDWR, 0)
	if err != nil {
		h.lock.Unlock()
		return err
	}
	h.file = f
	return nil
}

// Release implements Driver.Release.
func (h *HostFile) Release() error {
	err := h.file.Close()
	h.file = nil
	if uerr := h.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

func (h *HostFile) fd() (int, error) {
	if h.file == nil {
		return -1, linuxerr.EBADF
	}
	return int(h.file.Fd()), nil
}

// ReadBlocks implements Driver.ReadBlocks. Reads past the end of the image
// return zeroes.
func (h *HostFile) ReadBlocks(ctx context.Context, buf []byte, block uint64) error {
	fd, err := h.fd()
	if err != nil {
		return err
	}
	off := int64(block) * int64(h.blockSize)
	for done := 0; done < len(buf); {
		n, err := unix.Pread(fd, buf[done:], off+int64(done))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			log.Warningf("blockdev %s: pread at %d: %v", h.path, off+int64(done), err)
			return linuxerr.EIO
		}
		if n == 0 {
			clear(buf[done:])
			break
		}
		done += n
	}
	return nil
}

// WriteBlocks implements Driver.WriteBlocks.
func (h *HostFile) WriteBlocks(ctx context.Context, buf []byte, block uint64) error {
	fd, err := h.fd()
	if err != nil {
		return err
	}
	off := int64(block) * int64(h.blockSize)
	for done := 0; done < len(buf); {
		n, err := unix.Pwrite(fd, buf[done:], off+int64(done))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			log.Warningf("blockdev %s: pwrite at %d: %v", h.path, off+int64(done), err)
			return linuxerr.EIO
		}
		done += n
	}
	return nil
}

// Flush implements Driver.Flush.
func (h *HostFile) Flush(context.Context) error {
	fd, err := h.fd()
	if err != nil {
		return err
	}
	if err := unix.Fdatasync(fd); err != nil {
		return linuxerr.EIO
	}
	return nil
}
