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

package invocation

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// OffsetFlag is the only offset flag recognized.
const OffsetFlag = "--offset=4096"

// flags are only recognized in this many leading argument slots.
const flagSlots = 3

var (
	// ErrHelp is returned by [Parse] when help was requested.
	ErrHelp = errors.New("help requested")
	// ErrVersion is returned by [Parse] when the version was requested.
	ErrVersion = errors.New("version requested")
	// ErrUsage is returned by [Parse] for a command line it cannot make sense
	// of.
	ErrUsage = errors.New("invalid usage")
)

// Invocation is a resolved command line.
type Invocation struct {
	Program    string   // name the program was invoked with
	Image      string   // path of the squashfs image file
	Mountpoint string   // path of the directory to mount the image onto
	Offset     bool     // image filesystem starts at offset 4096
	Command    []string // command to execute with its arguments, never empty
}

// Parse resolves the passed command line arguments, including the program
// name in args[0] as found in [os.Args].
func Parse(args []string) (*Invocation, error) {
	if len(args) == 0 {
		return nil, ErrUsage
	}
	inv := &Invocation{Program: args[0]}
	args = args[1:]

	for _, arg := range args[:min(len(args), flagSlots)] {
		switch arg {
		case "-h", "--help":
			return inv, ErrHelp
		case "-v", "--version":
			return inv, ErrVersion
		}
	}

	if len(args) < 3 {
		return inv, ErrUsage
	}
	inv.Image, inv.Mountpoint, args = args[0], args[1], args[2:]
	if args[0] == OffsetFlag {
		inv.Offset = true
		args = args[1:]
	}
	if len(args) == 0 {
		return inv, ErrUsage
	}
	inv.Command = args
	return inv, nil
}

// Usage returns the usage text for the passed program name.
func Usage(program string) string {
	return "Usage: " + program +
		" <squashfs file> <mountpoint> [" + OffsetFlag + "] <command> [args...]\n\n" +
		"  The " + OffsetFlag + " option translates to an offset=4096 mount option.\n"
}

// PreconditionError reports a mountpoint or image path that cannot be used.
type PreconditionError struct {
	Path   string
	Reason string // message format with a single %q verb for the path
	Err    error  // underlying cause, if any
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf(e.Reason, e.Path)
}

// Unwrap returns the underlying cause, if any.
func (e *PreconditionError) Unwrap() error { return e.Err }

// Check that the mountpoint is an existing directory and the image is an
// existing regular file readable by the invoking user, returning a
// [*PreconditionError] otherwise.
//
// As we typically run set-user-ID root, readability is checked against the
// real user ID using access(2): the invoking user must not be able to mount
// images they cannot read themselves.
func (inv *Invocation) Check() error {
	info, err := os.Stat(inv.Mountpoint)
	if err != nil {
		return &PreconditionError{Path: inv.Mountpoint, Reason: "Invalid mount point %q", Err: err}
	}
	if !info.IsDir() {
		return &PreconditionError{Path: inv.Mountpoint, Reason: "Invalid mount point %q is not a directory"}
	}

	info, err = os.Stat(inv.Image)
	if err != nil {
		return &PreconditionError{Path: inv.Image, Reason: "Could not open squashfs file %q", Err: err}
	}
	if !info.Mode().IsRegular() {
		return &PreconditionError{Path: inv.Image, Reason: "Requested squashfs image %q is not a file"}
	}
	if err := unix.Access(inv.Image, unix.R_OK); err != nil {
		return &PreconditionError{Path: inv.Image, Reason: "Could not open squashfs file %q", Err: err}
	}
	return nil
}
