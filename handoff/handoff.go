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

/*
Package handoff replaces the current program with another one, keeping the
process, its namespaces, and its credentials.
*/
package handoff

import (
	"errors"
	"fmt"
	"os/exec"

	"golang.org/x/sys/unix"
)

// For the sake of testing.
var (
	lookPath = exec.LookPath
	execve   = unix.Exec
)

// Error reports a command that could not be executed.
type Error struct {
	Command string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("cannot execute %q: %s", e.Command, e.Err.Error())
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Exec replaces the current program with the passed command and its
// arguments, passing it the specified environment. Similar to execvp(3), the
// command is searched for in the directories listed in PATH unless it
// contains a slash. argv is passed on unmodified, including argv[0].
//
// Exec doesn't return on success; nothing after a successful Exec will ever
// run, not even deferred functions. When Exec returns, it always returns an
// [*Error].
//
// Exec must be called from the same OS-level thread that created the mount
// namespace and set “no new privileges”, since both are per-thread.
func Exec(argv []string, env []string) error {
	if len(argv) == 0 {
		return &Error{Err: errors.New("no command")}
	}
	path, err := lookPath(argv[0])
	if err != nil {
		return &Error{Command: argv[0], Err: err}
	}
	return &Error{Command: argv[0], Err: execve(path, argv, env)}
}
