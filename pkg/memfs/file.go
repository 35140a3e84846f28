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

package memfs

import (
	"context"

	"vfscore.dev/vfscore/pkg/vfs"
)

// fileOps implements vfs.FileOperations on the buffer cache. The page cache
// reaches it through vfs.GenericAddressSpaceOps.
type fileOps struct {
	fs *filesystem
}

var _ vfs.FileOperations = fileOps{}

// ReadIter implements vfs.FileOperations.ReadIter.
func (o fileOps) ReadIter(ctx context.Context, k *vfs.Kiocb, dst []byte) (int, error) {
	size := k.Inode.Size()
	if k.Pos >= size {
		return 0, nil
	}
	if rem := size - k.Pos; int64(len(dst)) > rem {
		dst = dst[:rem]
	}
	d := dataOf(k.Inode)
	d.mu.Lock()
	n, err := o.fs.readDataLocked(ctx, d, k.Pos, dst)
	d.mu.Unlock()
	k.Pos += int64(n)
	return n, err
}

// WriteIter implements vfs.FileOperations.WriteIter. The caller maintains
// the file size.
func (o fileOps) WriteIter(ctx context.Context, k *vfs.Kiocb, src []byte) (int, error) {
	d := dataOf(k.Inode)
	d.mu.Lock()
	n, err := o.fs.writeDataLocked(ctx, d, k.Pos, src)
	d.mu.Unlock()
	k.Pos += int64(n)
	return n, err
}
