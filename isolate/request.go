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
	"fmt"

	"github.com/thediveo/squashfs-mount/mountctx"
	"golang.org/x/sys/unix"
)

// Request describes a single mount of a squashfs image. It holds an open file
// descriptor of the image to place an exclusive advisory lock on while
// mounting. A Request can be used only once.
type Request struct {
	Image      string // path of the squashfs image file
	Mountpoint string // path of the directory to mount onto
	FSType     string // always “squashfs”
	Options    string // mount options

	fd int // -1 once consumed or closed
}

// ErrConsumed is returned when trying to mount the same request twice.
var ErrConsumed = errors.New("mount request already consumed")

// NewRequest returns a new mount request for the passed squashfs image file
// and mountpoint directory. If offset is true, the squashfs filesystem starts
// [mountctx.Offset] bytes into the image file.
//
// NewRequest opens the image file read-only and then checks that the opened
// file is a regular file. The loop device later gets attached to this very
// opened file, so the image cannot be swapped between checking and mounting.
func NewRequest(image, mountpoint string, offset bool) (*Request, error) {
	fd, err := unix.Open(image, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("could not open squashfs file %q: %w", image, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("invalid squashfs image file %q: %w", image, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("requested squashfs image %q is not a file", image)
	}
	return &Request{
		Image:      image,
		Mountpoint: mountpoint,
		FSType:     mountctx.FSType,
		Options:    mountctx.Default(offset),
		fd:         fd,
	}, nil
}

// take hands out the image file descriptor exactly once; the taker becomes
// responsible for closing it.
func (r *Request) take() (int, error) {
	if r.fd < 0 {
		return -1, ErrConsumed
	}
	fd := r.fd
	r.fd = -1
	return fd, nil
}

// release the image file descriptor of a request that hasn't been mounted.
// Releasing a consumed or already released request is a no-op.
func (r *Request) release() error {
	fd, err := r.take()
	if err != nil {
		return nil
	}
	return unix.Close(fd)
}
