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

	"github.com/thediveo/squashfs-mount/mountctx"
)

// Stage identifies a step of the isolation sequence.
type Stage int

// The stages of the isolation sequence, in the order they are carried out.
const (
	StageUnshare Stage = iota + 1
	StagePropagation
	StageEscalate
	StageMountContext
	StageLock
	StageMount
	StageUnlock
	StageClose
	StageDrop
	StageNoNewPrivs
)

var stageNames = map[Stage]string{
	StageUnshare:      "unshare",
	StagePropagation:  "propagation",
	StageEscalate:     "escalate",
	StageMountContext: "mount-context",
	StageLock:         "lock",
	StageMount:        "mount",
	StageUnlock:       "unlock",
	StageClose:        "close",
	StageDrop:         "drop",
	StageNoNewPrivs:   "no-new-privs",
}

var stageMessages = map[Stage]string{
	StageUnshare:      "failed to unshare the mount namespace",
	StagePropagation:  `failed to remount "/" with MS_SLAVE`,
	StageEscalate:     "failed to setreuid",
	StageMountContext: "failed to set up the mount context",
	StageLock:         "could not acquire a lock on the squashfs file",
	StageMount:        "failed to mount",
	StageUnlock:       "could not release the lock on the squashfs file",
	StageClose:        "could not close squashfs file",
	StageDrop:         "setresuid failed",
	StageNoNewPrivs:   "PR_SET_NO_NEW_PRIVS failed",
}

// String returns the short name of the stage.
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

// StageError reports the stage of the isolation sequence that failed, together
// with the underlying cause.
type StageError struct {
	Stage Stage
	Err   error
}

// Error returns a message identifying the failed stage and its cause. Mount
// failures the mount context was able to describe are returned as-is in the
// form “target: description”.
func (e *StageError) Error() string {
	if e.Stage == StageMount {
		var merr *mountctx.Error
		if errors.As(e.Err, &merr) && merr.Description() != "" {
			return merr.Error()
		}
	}
	msg, ok := stageMessages[e.Stage]
	if !ok {
		msg = "failed at stage " + e.Stage.String()
	}
	if e.Err == nil {
		return msg
	}
	return msg + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *StageError) Unwrap() error { return e.Err }
