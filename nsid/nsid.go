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

package nsid

import (
	"fmt"

	"github.com/thediveo/ioctl"
	"golang.org/x/sys/unix"
)

// Reference is a Linux kernel namespace reference in VFS path textual form or
// as an open file descriptor
type Reference interface{ ~int | ~string }

// Linux kernel [ioctl(2)] command for [namespace relationship queries].
//
// [ioctl(2)]: https://man7.org/linux/man-pages/man2/ioctl.2.html
// [namespace relationship queries]: https://elixir.bootlin.com/linux/v6.2.11/source/include/uapi/linux/nsfs.h
const _NSIO = 0xb7

// Returns the type of namespace CLONE_NEW* value referred to by a file
// descriptor.
var NS_GET_NSTYPE = ioctl.IO(_NSIO, 0x3)

// Name returns the procfs name of the passed CLONE_NEW* namespace type, such
// as “mnt” for [unix.CLONE_NEWNS]. It returns "" for unknown types.
func Name(typ int) string {
	switch typ {
	case unix.CLONE_NEWCGROUP:
		return "cgroup"
	case unix.CLONE_NEWIPC:
		return "ipc"
	case unix.CLONE_NEWNS:
		return "mnt"
	case unix.CLONE_NEWNET:
		return "net"
	case unix.CLONE_NEWPID:
		return "pid"
	case unix.CLONE_NEWTIME:
		return "time"
	case unix.CLONE_NEWUSER:
		return "user"
	case unix.CLONE_NEWUTS:
		return "uts"
	}
	return ""
}

// Type returns the type constant for the Linux kernel namespace referenced
// either by a file descriptor or a VFS path name.
func Type[R Reference](ref R) (int, error) {
	switch ref := any(ref).(type) {
	case int:
		typ, err := unix.IoctlRetInt(ref, NS_GET_NSTYPE)
		if err != nil {
			return 0, fmt.Errorf("cannot determine type of namespace, reason: %w", err)
		}
		return typ, nil
	case string:
		fd, err := unix.Open(ref, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			return 0, fmt.Errorf("cannot determine type of namespace referenced as %q, reason: %w", ref, err)
		}
		defer func() { _ = unix.Close(fd) }()
		typ, err := unix.IoctlRetInt(fd, NS_GET_NSTYPE)
		if err != nil {
			return 0, fmt.Errorf("cannot determine type of namespace referenced as %q, reason: %w", ref, err)
		}
		return typ, nil
	}
	return 0, nil // ST0666 cannot be reached
}

// Ino returns the identification (inode number) of the passed Linux kernel
// namespace that is either referenced by a file descriptor or a VFS path name.
// Ino fails when the reference is invalid or doesn't match the passed type of
// namespace.
func Ino[R Reference](ref R, typ int) (uint64, error) {
	var namespaceStat unix.Stat_t
	var err error
	switch ref := any(ref).(type) {
	case int:
		err = unix.Fstat(ref, &namespaceStat)
	case string:
		err = unix.Stat(ref, &namespaceStat)
	}
	if err != nil {
		return 0, fmt.Errorf("cannot stat %s namespace reference %v, reason: %w",
			Name(typ), ref, err)
	}
	actual, err := Type(ref)
	if err != nil {
		return 0, err
	}
	if actual != typ {
		return 0, fmt.Errorf("not a %s namespace", Name(typ))
	}
	return namespaceStat.Ino, nil
}

// CurrentIno returns the identification (inode number) for the namespace (of
// the specified type) the calling OS-level thread is currently attached to.
// The caller's go routine should be thread-locked.
func CurrentIno(typ int) (uint64, error) {
	name := Name(typ)
	if name == "" {
		return 0, fmt.Errorf("unknown type of namespace %d", typ)
	}
	return Ino("/proc/thread-self/ns/"+name, typ)
}

// ProcessIno returns the identification (inode number) for the namespace (of
// the specified type) of this process's initial thread, which is not
// necessarily the namespace of the calling thread.
func ProcessIno(typ int) (uint64, error) {
	name := Name(typ)
	if name == "" {
		return 0, fmt.Errorf("unknown type of namespace %d", typ)
	}
	return Ino("/proc/self/ns/"+name, typ)
}
