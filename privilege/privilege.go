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

package privilege

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Setter changes and queries the user identity of this process. [Kernel] is
// the real thing; tests substitute their own.
type Setter interface {
	Setreuid(ruid, euid int) error
	Setresuid(ruid, euid, suid int) error
	Getresuid() (ruid, euid, suid int)
}

// Kernel sets user identities using the Linux kernel. The [unix] wrappers
// apply identity changes to all OS-level threads of this process, not just
// the calling one.
type Kernel struct{}

var _ Setter = Kernel{}

func (Kernel) Setreuid(ruid, euid int) error { return unix.Setreuid(ruid, euid) }
func (Kernel) Setresuid(ruid, euid, suid int) error { return unix.Setresuid(ruid, euid, suid) }
func (Kernel) Getresuid() (ruid, euid, suid int) { return unix.Getresuid() }

// Identity is the real user identity of the invoking user, captured before
// any identity change.
type Identity struct {
	uid int
}

// Capture returns the current real user identity. Call it as early as
// possible and before any identity change.
func Capture() Identity {
	return Identity{uid: unix.Getuid()}
}

// IdentityOf returns an Identity for the specified uid.
func IdentityOf(uid int) Identity {
	return Identity{uid: uid}
}

// UID returns the captured real user ID.
func (id Identity) UID() int { return id.uid }

// ErrDropped is returned when trying to elevate after privileges have already
// been dropped for good.
var ErrDropped = errors.New("privileges have already been dropped")

// Privileges tracks the one-way transition of a process from being able to
// elevate to having dropped privileges for good. [Process] represents this
// process.
type Privileges struct {
	setter  Setter
	dropped atomic.Bool // switches exactly once from false to true
}

// Process is the privilege state of this process.
var Process = New(Kernel{})

// New returns a new privilege state using the passed setter to change user
// identities.
func New(setter Setter) *Privileges {
	return &Privileges{setter: setter}
}

// Dropped returns true after privileges have been permanently dropped.
func (p *Privileges) Dropped() bool { return p.dropped.Load() }

// Elevation represents root identity held for a short span of time. It must
// be released using either [Elevation.Drop] on the success path, or deferring
// [Elevation.Release] to cover all other paths.
type Elevation struct {
	id   Identity
	p    *Privileges
	mu   sync.Mutex
	done bool
	err  error
}

// Elevate sets the real and effective user ID to root, returning a guard
// value to later drop privileges back to the passed identity.
//
//	elev, err := privilege.Process.Elevate(id)
//	if err != nil {
//		return err
//	}
//	defer elev.Release()
func (p *Privileges) Elevate(id Identity) (*Elevation, error) {
	if p.dropped.Load() {
		return nil, ErrDropped
	}
	if err := p.setter.Setreuid(0, 0); err != nil {
		return nil, err
	}
	return &Elevation{id: id, p: p}, nil
}

// Drop sets the real, effective, and saved user ID to the invoking user's
// ID. Setting the saved user ID too ensures that this process and its
// children cannot regain the dropped privileges. Once Drop succeeded, any
// later [Privileges.Elevate] fails with [ErrDropped].
//
// Calling Drop again after it succeeded is a no-op; after it failed, the
// original error is returned again.
func (e *Elevation) Drop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return e.err
	}
	e.done = true
	uid := e.id.uid
	if err := e.p.setter.Setresuid(uid, uid, uid); err != nil {
		e.err = err
		return err
	}
	if r, eff, s := e.p.setter.Getresuid(); r != uid || eff != uid || s != uid {
		e.err = fmt.Errorf("user IDs are %d/%d/%d instead of %d after dropping privileges",
			r, eff, s, uid)
		return e.err
	}
	e.p.dropped.Store(true)
	return nil
}

// Release drops privileges unless [Elevation.Drop] has been called before,
// regardless of its outcome, as the caller of Drop already got told. Release
// is meant to be deferred right after a successful [Privileges.Elevate] so
// that early error returns never leak root identity. If dropping fails,
// Release panics: there is no sane way to continue running as root by
// accident.
func (e *Elevation) Release() {
	if e == nil {
		return
	}
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done {
		return
	}
	if err := e.Drop(); err != nil {
		panic(fmt.Sprintf("cannot drop privileges, reason: %s", err.Error()))
	}
}

// LockDown sets the “no new privileges” attribute of the calling OS-level
// thread, so that neither this thread nor any program it executes can gain
// privileges through set-user-ID and set-group-ID bits or file capabilities.
// The attribute is inherited by children and preserved across execve(2). As
// it is a per-thread attribute, callers must call LockDown on the very same
// locked thread that later executes the next program.
func LockDown() error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return err
	}
	set, err := NoNewPrivs()
	if err != nil {
		return err
	}
	if !set {
		return errors.New("no new privileges attribute did not stick")
	}
	return nil
}

// NoNewPrivs returns true if the calling OS-level thread has the “no new
// privileges” attribute set.
func NoNewPrivs() (bool, error) {
	v, err := unix.PrctlRetInt(unix.PR_GET_NO_NEW_PRIVS, 0, 0, 0, 0)
	if err != nil {
		return false, err
	}
	return v == 1, nil
}
