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

package mntns

import (
	"errors"
	"fmt"

	"github.com/moby/sys/mount"
	"github.com/thediveo/squashfs-mount/nsid"
	"golang.org/x/sys/unix"
)

// the mount namespace this process started in, as seen by its initial thread
// while package initialization runs; nothing can have unshared it yet.
var originIno, originErr = nsid.ProcessIno(unix.CLONE_NEWNS)

// Unshare creates and enters a new mount namespace for the calling OS-level
// thread. The caller's go routine must be locked to its OS-level thread, as
// otherwise other go routines might get scheduled into the new mount namespace
// and the caller might end up in the old one.
//
// Unshare doesn't trust unshare(2) blindly, but checks that the thread's mount
// namespace identification has actually changed.
//
// Please note that unsharing the mount namespace implies unsharing the
// filesystem attributes (CLONE_FS) of the calling thread, which cannot be
// undone.
func Unshare() error {
	before, err := nsid.CurrentIno(unix.CLONE_NEWNS)
	if err != nil {
		return err
	}
	if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
		return err
	}
	after, err := nsid.CurrentIno(unix.CLONE_NEWNS)
	if err != nil {
		return err
	}
	if after == before {
		return fmt.Errorf("still attached to mount namespace mnt:[%d]", before)
	}
	return nil
}

// Contain recursively changes the propagation of the mount point at path and
// all mount points below it to “slave”, so that mount points created from
// here on never propagate back into the mount namespace we came from.
//
// # Background
//
// We don't use “private” here, as this could race where the new mount
// namespace gets a reference to a mount and an unmount from the host does not
// propagate. With “slave”, host unmounts still reach us, but our mounts never
// reach the host.
//
// [unshare(1)] defaults the mount point propagation to "MS_REC | MS_PRIVATE",
// see [util-linux/unshare.c UNSHARE_PROPAGATION_DEFAULT].
//
// [unshare(1)]: https://man7.org/linux/man-pages/man1/unshare.1.html
// [util-linux/unshare.c UNSHARE_PROPAGATION_DEFAULT]: https://github.com/util-linux/util-linux/blob/86b6684e7a215a0608bd130371bd7b3faae67aca/sys-utils/unshare.c#L57
func Contain(path string) error {
	return mount.MakeRSlave(path)
}

// IsDetached returns true if the calling OS-level thread is attached to a
// mount namespace different from the one this process started in.
func IsDetached() (bool, error) {
	if originErr != nil {
		return false, fmt.Errorf("cannot determine original mount namespace, reason: %w", originErr)
	}
	current, err := nsid.CurrentIno(unix.CLONE_NEWNS)
	if err != nil {
		return false, err
	}
	return current != originIno, nil
}

// ErrNotDetached is returned by [MustBeDetached] when the calling thread is
// still attached to the process's original mount namespace.
var ErrNotDetached = errors.New("current mount namespace must not be the process's original mount namespace")

// MustBeDetached returns nil only when the calling OS-level thread has been
// detached into a new mount namespace; otherwise, it returns an error, such as
// [ErrNotDetached].
func MustBeDetached() error {
	detached, err := IsDetached()
	if err != nil {
		return err
	}
	if !detached {
		return ErrNotDetached
	}
	return nil
}
