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
	"io"
	"log/slog"
	"runtime"

	"github.com/thediveo/squashfs-mount/privilege"
	"golang.org/x/sys/unix"
)

// Unsharing the mount namespace, the mount itself, as well as the “no new
// privileges” attribute all apply only to the calling OS-level thread. The
// program later gets replaced by executing the requested command, which has
// to happen from this very same thread. So we lock the initial go routine to
// the initial thread here, never to be unlocked, ensuring that no other go
// routine ever gets scheduled onto this thread.
func init() {
	runtime.LockOSThread()
}

// MountContext sets up and carries out a single mount.
type MountContext interface {
	DisableMtab() error
	SetFSType(fstype string) error
	AppendOptions(opts string) error
	SetSource(source string) error
	SetSourceFd(fd int) error
	SetTarget(target string) error
	Mount() error
}

// Kernel carries out the individual steps of the isolation sequence.
type Kernel interface {
	Unshare() error
	Contain(path string) error
	NewMountContext() (MountContext, error)
	Flock(fd int, how int) error
	Close(fd int) error
	LockDown() error
}

// Engine mounts squashfs images in a new mount namespace, dropping privileges
// afterwards.
type Engine struct {
	id     privilege.Identity
	privs  *privilege.Privileges
	kernel Kernel
	log    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger to use; by default, an Engine doesn't log.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithPrivileges sets the privilege state to elevate and drop from; it
// defaults to [privilege.Process].
func WithPrivileges(privs *privilege.Privileges) Option {
	return func(e *Engine) {
		e.privs = privs
	}
}

// WithKernel replaces the system's kernel for carrying out the individual
// steps.
func WithKernel(k Kernel) Option {
	return func(e *Engine) {
		e.kernel = k
	}
}

// New returns an Engine that drops privileges back to the passed identity of
// the invoking user after mounting.
func New(id privilege.Identity, opts ...Option) *Engine {
	e := &Engine{
		id:     id,
		privs:  privilege.Process,
		kernel: System{},
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mount the squashfs image described by the passed request in a new mount
// namespace of the calling OS-level thread and then drop privileges for good.
// The caller must be on the initial (locked) OS-level thread.
//
// The sequence of steps is fixed: every step has to succeed before the next
// one starts, as reordering would either leak mounts into the host or open a
// window for privilege escalation.
//
//  1. create and enter a new mount namespace,
//  2. recursively make all mounts slaves so that our mount can't propagate,
//  3. assume root identity and create the mount context,
//  4. exclusively lock the image file,
//  5. mount the image loop-backed, read-only, nosuid, and nodev,
//  6. unlock and close the image file,
//  7. drop back to the invoking user's real, effective, and saved user ID,
//  8. set “no new privileges”.
//
// Mount returns a [*StageError] for the first step that fails. Root identity
// is dropped on all return paths, and the image file descriptor is closed on
// all return paths.
func (e *Engine) Mount(req *Request) error {
	fd, err := req.take()
	if err != nil {
		return err
	}
	closed := false
	defer func() {
		if !closed {
			// Closing releases the lock, if any.
			_ = e.kernel.Close(fd)
		}
	}()

	log := e.log.With(
		slog.String("image", req.Image),
		slog.String("mountpoint", req.Mountpoint))

	log.Debug("creating new mount namespace", slog.String("stage", StageUnshare.String()))
	if err := e.kernel.Unshare(); err != nil {
		return e.fail(log, StageUnshare, err)
	}

	log.Debug("containing mount propagation", slog.String("stage", StagePropagation.String()))
	if err := e.kernel.Contain("/"); err != nil {
		return e.fail(log, StagePropagation, err)
	}

	log.Debug("assuming root identity", slog.String("stage", StageEscalate.String()))
	elev, err := e.privs.Elevate(e.id)
	if err != nil {
		return e.fail(log, StageEscalate, err)
	}
	defer elev.Release()

	mctx, err := e.mountContext(req, fd)
	if err != nil {
		return e.fail(log, StageMountContext, err)
	}

	log.Debug("locking image", slog.String("stage", StageLock.String()))
	if err := e.kernel.Flock(fd, unix.LOCK_EX); err != nil {
		return e.fail(log, StageLock, err)
	}

	log.Debug("mounting", slog.String("stage", StageMount.String()),
		slog.String("options", req.Options))
	if err := mctx.Mount(); err != nil {
		return e.fail(log, StageMount, err)
	}

	log.Debug("unlocking image", slog.String("stage", StageUnlock.String()))
	if err := e.kernel.Flock(fd, unix.LOCK_UN); err != nil {
		return e.fail(log, StageUnlock, err)
	}
	closed = true // ...whatever happens next, don't close twice.
	if err := e.kernel.Close(fd); err != nil {
		return e.fail(log, StageClose, err)
	}

	log.Debug("dropping privileges", slog.String("stage", StageDrop.String()),
		slog.Int("uid", e.id.UID()))
	if err := elev.Drop(); err != nil {
		return e.fail(log, StageDrop, err)
	}

	log.Debug("locking down privileges", slog.String("stage", StageNoNewPrivs.String()))
	if err := e.kernel.LockDown(); err != nil {
		return e.fail(log, StageNoNewPrivs, err)
	}

	log.Info("mounted squashfs image")
	return nil
}

// mountContext returns a new mount context, set up for mounting the passed
// request from the already opened image file.
func (e *Engine) mountContext(req *Request, fd int) (MountContext, error) {
	mctx, err := e.kernel.NewMountContext()
	if err != nil {
		return nil, err
	}
	if err := mctx.DisableMtab(); err != nil {
		return nil, err
	}
	if err := mctx.SetFSType(req.FSType); err != nil {
		return nil, err
	}
	if err := mctx.AppendOptions(req.Options); err != nil {
		return nil, err
	}
	if err := mctx.SetSource(req.Image); err != nil {
		return nil, err
	}
	if err := mctx.SetSourceFd(fd); err != nil {
		return nil, err
	}
	if err := mctx.SetTarget(req.Mountpoint); err != nil {
		return nil, err
	}
	return mctx, nil
}

// fail returns a StageError for the failed stage. It logs only at debug
// level, as reporting the error to the user is up to the caller.
func (e *Engine) fail(log *slog.Logger, stage Stage, err error) error {
	log.Debug("isolation failed",
		slog.String("stage", stage.String()),
		slog.String("err", err.Error()))
	return &StageError{Stage: stage, Err: err}
}
