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
	"time"

	"github.com/freddierice/go-losetup/v2"
	"golang.org/x/sys/unix"
)

// loop device flag (see include/uapi/linux/loop.h) telling the kernel to
// detach the loop device when its last user, that is, our mount, is gone.
const loFlagsAutoclear = 4

// Finding a free loop device and binding it are two separate steps, so
// concurrent attachers may grab the same device; the loser gets EBUSY and
// tries again.
const (
	attachAttempts   = 16
	attachRetryDelay = 10 * time.Millisecond
)

// For the sake of testing.
var losetupAttach = losetup.Attach

type loopDevice interface {
	Path() string
	Detach() error
	Close() error
}

// heldLoop is a loop device kept open by us. As long as we hold it open, the
// kernel won't autoclear it, not even in the absence of any mount.
type heldLoop struct {
	losetup.Device
	fd int
}

// Close releases our hold on the loop device. Once closed, the loop device
// gets automatically cleared as soon as it isn't mounted anymore (or
// immediately, if it isn't mounted at all).
func (l *heldLoop) Close() error {
	if l.fd < 0 {
		return nil
	}
	err := unix.Close(l.fd)
	l.fd = -1
	return err
}

// attach the backing file read-only to a free loop device, with the loop
// device starting at the passed offset into the backing file. The returned
// loop device is held open and set to autoclear; the caller must close it
// after having mounted it.
func attach(backing string, offset uint64) (loopDevice, error) {
	var dev losetup.Device
	var err error
	for attempt := 1; ; attempt++ {
		dev, err = losetupAttach(backing, offset, true)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EBUSY) || attempt >= attachAttempts {
			return nil, err
		}
		time.Sleep(attachRetryDelay)
	}
	held, err := hold(dev)
	if err != nil {
		_ = dev.Detach()
		return nil, err
	}
	return held, nil
}

// hold opens the loop device and sets its autoclear flag; without autoclear
// the loop device would outlive the mount namespace. The autoclear flag must
// only be set while we keep the loop device open, as otherwise the kernel
// immediately clears the loop device upon our close.
func hold(dev losetup.Device) (*heldLoop, error) {
	path := dev.Path()
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot open loop device %s, reason: %w", path, err)
	}
	info, err := unix.IoctlLoopGetStatus64(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("cannot query loop device %s, reason: %w", path, err)
	}
	info.Flags |= loFlagsAutoclear
	if err := unix.IoctlLoopSetStatus64(fd, info); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("cannot set autoclear on loop device %s, reason: %w", path, err)
	}
	return &heldLoop{Device: dev, fd: fd}, nil
}
