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

package main

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	petname "github.com/dustinkirkland/golang-petname"
	squashfsmount "github.com/thediveo/squashfs-mount"
	"github.com/thediveo/squashfs-mount/handoff"
	"github.com/thediveo/squashfs-mount/invocation"
	"github.com/thediveo/squashfs-mount/isolate"
	"github.com/thediveo/squashfs-mount/privilege"
)

// LogLevelEnv names the environment variable for setting the log level, such
// as “debug” or “info”. We default to warnings and errors only.
const LogLevelEnv = "SQUASHFS_MOUNT_LOG"

func main() {
	// Capture who invoked us before anything gets the chance to change our
	// identity.
	id := privilege.Capture()
	os.Exit(run(id, os.Args, os.Environ(), os.Stdout, os.Stderr))
}

// run squashfs-mount, returning only in case of version output or failure;
// otherwise, run gets replaced by the requested command.
func run(id privilege.Identity, args []string, env []string, stdout, stderr io.Writer) int {
	inv, err := invocation.Parse(args)
	if err != nil {
		if errors.Is(err, invocation.ErrVersion) {
			_, _ = fmt.Fprintln(stdout, squashfsmount.Version)
			return 0
		}
		program := "squashfs-mount"
		if inv != nil {
			program = cmp.Or(inv.Program, program)
		}
		_, _ = fmt.Fprint(stderr, invocation.Usage(program))
		return 1
	}

	log := newLogger(stderr, os.Getenv(LogLevelEnv))
	log.Debug("squashfs-mount started",
		slog.Int("pid", os.Getpid()),
		slog.Int("uid", id.UID()),
		slog.String("image", inv.Image),
		slog.String("mountpoint", inv.Mountpoint),
		slog.Bool("offset", inv.Offset))

	if err := inv.Check(); err != nil {
		return fail(stderr, err)
	}

	req, err := isolate.NewRequest(inv.Image, inv.Mountpoint, inv.Offset)
	if err != nil {
		return fail(stderr, err)
	}
	if err := isolate.New(id, isolate.WithLogger(log)).Mount(req); err != nil {
		return fail(stderr, err)
	}

	log.Debug("executing command", slog.String("command", inv.Command[0]))
	// If this succeeds, we're gone for good.
	return fail(stderr, handoff.Exec(inv.Command, env))
}

// fail writes the error message to stderr and returns a non-zero exit code.
func fail(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintln(stderr, err.Error())
	return 1
}

// newLogger returns a text logger writing to w, filtering on the passed level
// name; an empty or invalid level name means “warn”. Every record carries
// the run-id of this invocation.
func newLogger(w io.Writer, level string) *slog.Logger {
	lvl := slog.LevelWarn
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			lvl = slog.LevelWarn
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})).
		With(slog.String("run-id", petname.Generate(2, "-")))
}
