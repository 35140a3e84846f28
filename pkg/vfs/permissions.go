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
	"slices"

	"golang.org/x/sys/unix"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
)

// AccessTypes is a bitmask of Unix file permissions.
type AccessTypes uint16

// Bits in AccessTypes.
const (
	MayRead  AccessTypes = 4
	MayWrite AccessTypes = 2
	MayExec  AccessTypes = 1
)

// Credentials identify the caller of a permission check.
type Credentials struct {
	UID    uint32
	GID    uint32
	Groups []uint32
}

// RootCredentials returns credentials of the superuser.
func RootCredentials() *Credentials {
	return &Credentials{}
}

// InGroup returns true if c is a member of gid.
func (c *Credentials) InGroup(gid uint32) bool {
	return c.GID == gid || slices.Contains(c.Groups, gid)
}

// IsRoot returns true for the superuser.
func (c *Credentials) IsRoot() bool {
	return c.UID == 0
}

// GenericCheckPermissions checks that creds has the given access rights on a
// file with the given mode, UID and GID, subject to the rules of
// fs/namei.c:generic_permission(). The superuser may do anything except
// execute a non-directory that has no execute bit set.
func GenericCheckPermissions(creds *Credentials, ats AccessTypes, mode, uid, gid uint32) error {
	perms := mode
	if creds.UID == uid {
		perms >>= 6
	} else if creds.InGroup(gid) {
		perms >>= 3
	}
	if uint32(ats)&perms == uint32(ats) {
		return nil
	}
	if creds.IsRoot() {
		isDir := mode&unix.S_IFMT == unix.S_IFDIR
		if isDir || ats&MayExec == 0 || mode&0111 != 0 {
			return nil
		}
	}
	return linuxerr.EACCES
}

// IsDir returns true if mode describes a directory.
func IsDir(mode uint32) bool {
	return mode&unix.S_IFMT == unix.S_IFDIR
}

// IsRegular returns true if mode describes a regular file.
func IsRegular(mode uint32) bool {
	return mode&unix.S_IFMT == unix.S_IFREG
}
