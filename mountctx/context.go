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
	"cmp"
	"errors"
	"fmt"

	"github.com/moby/sys/mount"
	"github.com/thediveo/squashfs-mount/mntns"
	"golang.org/x/sys/unix"
)

// FSType is the only filesystem type a [Context] mounts.
const FSType = "squashfs"

// Context collects the parameters of a single mount and then carries it out.
// A Context is not safe for concurrent use.
type Context struct {
	fstype  string
	source  string
	backing string // file to attach the loop device to; defaults to source
	target  string
	opts    Options
	device  string
	mounted bool
}

// For the sake of testing without root and without trashing the host.
var (
	getuid         = unix.Getuid
	mustBeDetached = mntns.MustBeDetached
	attachLoop     = attach
	mountFS        = mount.Mount
)

// New returns a new mount context. Similar to libmount, New refuses to create
// a context unless the real user ID is root: it is the caller's job to assume
// root identity for the shortest possible time before creating the context.
func New() (*Context, error) {
	if getuid() != 0 {
		return nil, ErrNotPrivileged
	}
	return &Context{}, nil
}

// SetFSType sets the filesystem type, which must be “squashfs”.
func (c *Context) SetFSType(fstype string) error {
	if fstype != FSType {
		return fmt.Errorf("unsupported filesystem type %q", fstype)
	}
	c.fstype = fstype
	return nil
}

// AppendOptions appends the passed comma-separated options to the options
// already set.
func (c *Context) AppendOptions(opts string) error {
	o := c.opts
	if err := o.parse(opts); err != nil {
		return err
	}
	c.opts = o
	return nil
}

// DisableMtab is a no-op: unlike libmount, we never record mounts in
// /etc/mtab or any other persistent mount table.
func (c *Context) DisableMtab() error { return nil }

// SetSource sets the path of the image file to mount.
func (c *Context) SetSource(source string) error {
	if source == "" {
		return errors.New("empty source")
	}
	c.source = source
	return nil
}

// SetSourceFd sets the open file descriptor of the source file. The loop
// device then gets attached to exactly this open file, instead of reopening
// the source by its path that might have changed in the meantime.
func (c *Context) SetSourceFd(fd int) error {
	if fd < 0 {
		return fmt.Errorf("invalid source file descriptor %d", fd)
	}
	c.backing = fmt.Sprintf("/proc/self/fd/%d", fd)
	return nil
}

// SetTarget sets the path of the directory to mount onto.
func (c *Context) SetTarget(target string) error {
	if target == "" {
		return errors.New("empty target")
	}
	c.target = target
	return nil
}

// Mount carries out the mount. Mount refuses to mount unless the calling
// OS-level thread has been detached into a new mount namespace, and unless
// the options make the mount read-only without honoring set-user-ID bits and
// device nodes.
//
// With the “loop” option, Mount first attaches the source file read-only to
// a free loop device, which gets automatically cleared when its mount goes.
// Attaching retries a few times when racing with other attachers.
func (c *Context) Mount() error {
	switch {
	case c.mounted:
		return errors.New("already mounted")
	case c.fstype == "":
		return errors.New("no filesystem type set")
	case c.source == "":
		return errors.New("no source set")
	case c.target == "":
		return errors.New("no target set")
	case !c.opts.RO || !c.opts.NoSUID || !c.opts.NoDev:
		return fmt.Errorf("refusing to mount without ro,nosuid,nodev, got %q", c.opts.String())
	case c.opts.Offset != 0 && !c.opts.Loop:
		return errors.New("offset option requires loop option")
	}
	if err := mustBeDetached(); err != nil {
		return err
	}

	device := c.source
	if !c.opts.Loop {
		if err := mountFS(device, c.target, c.fstype, c.opts.mountOptions()); err != nil {
			return &Error{Op: OpMount, Source: c.source, Target: c.target, FSType: c.fstype, Err: err}
		}
		c.device = device
		c.mounted = true
		return nil
	}

	dev, err := attachLoop(cmp.Or(c.backing, c.source), c.opts.Offset)
	if err != nil {
		return &Error{Op: OpLoop, Source: c.source, Target: c.target, FSType: c.fstype, Err: err}
	}
	// Only after the mount holds the loop device we may let go of it.
	defer func() { _ = dev.Close() }()
	device = dev.Path()
	if err := mountFS(device, c.target, c.fstype, c.opts.mountOptions()); err != nil {
		_ = dev.Detach()
		return &Error{Op: OpMount, Source: c.source, Target: c.target, FSType: c.fstype, Err: err}
	}
	c.device = device
	c.mounted = true
	return nil
}
