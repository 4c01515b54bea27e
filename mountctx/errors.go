// Copyright 2025 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mountctx

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Op names the part of a mount that failed.
type Op string

const (
	OpLoop  Op = "loop"  // setting up the loop device
	OpMount Op = "mount" // mounting the filesystem
)

// Error describes a failed [Context.Mount].
type Error struct {
	Op     Op
	Source string
	Target string
	FSType string
	Err    error
}

// Error returns the failure in the form “target: description”.
func (e *Error) Error() string {
	return e.Target + ": " + e.Description()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Description translates the failure cause into a human-readable description
// that hopefully is more helpful than the bare kernel error number.
func (e *Error) Description() string {
	if e.Err == nil {
		return ""
	}
	if e.Op == OpLoop {
		reason := e.Err.Error()
		switch {
		case errors.Is(e.Err, unix.EBUSY):
			reason = "loop device busy"
		case errors.Is(e.Err, unix.EACCES), errors.Is(e.Err, unix.EPERM):
			reason = "permission denied"
		}
		return "failed to setup loop device for " + e.Source + ": " + reason
	}
	var errno unix.Errno
	if !errors.As(e.Err, &errno) {
		return e.Err.Error()
	}
	switch errno {
	case unix.EPERM:
		return "must be superuser to use mount"
	case unix.EBUSY:
		return "target is busy"
	case unix.ENOENT:
		return "mount point does not exist"
	case unix.ENOTDIR:
		return "mount point is not a directory"
	case unix.ENODEV:
		return fmt.Sprintf("unknown filesystem type '%s'", e.FSType)
	case unix.ENOTBLK:
		return e.Source + " is not a block device"
	case unix.ENXIO:
		return e.Source + " is not a valid block device"
	case unix.EACCES:
		return "cannot mount " + e.Source + " read-only"
	case unix.EROFS:
		return "cannot mount " + e.Source + " read-write, is write-protected"
	case unix.EINVAL:
		return "wrong fs type, bad option, bad superblock on " + e.Source +
			", missing codepage or helper program, or other error"
	case unix.EMFILE:
		return "mount table full"
	}
	return fmt.Sprintf("mount(2) system call failed: %s", errno.Error())
}

// ErrNotPrivileged is returned by [New] when the real user ID isn't root.
var ErrNotPrivileged = errors.New("mount context requires root real user ID")
