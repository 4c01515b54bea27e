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

package isolate

import (
	"errors"

	"github.com/thediveo/squashfs-mount/mntns"
	"github.com/thediveo/squashfs-mount/mountctx"
	"github.com/thediveo/squashfs-mount/privilege"
	"golang.org/x/sys/unix"
)

// System is the [Kernel] of the running system.
type System struct{}

var _ Kernel = System{}

func (System) Unshare() error { return mntns.Unshare() }

func (System) Contain(path string) error { return mntns.Contain(path) }

func (System) NewMountContext() (MountContext, error) {
	mctx, err := mountctx.New()
	if err != nil {
		return nil, err
	}
	return mctx, nil
}

// Flock places or removes an advisory lock on the open file referenced by fd,
// retrying when interrupted by a signal.
func (System) Flock(fd int, how int) error {
	for {
		err := unix.Flock(fd, how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

func (System) Close(fd int) error { return unix.Close(fd) }

func (System) LockDown() error { return privilege.LockDown() }
