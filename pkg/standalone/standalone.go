// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package standalone

import (
	"context"
	"errors"
	"fmt"
)

// Install streams the artifact from src (a file path or an http(s) URL)
// and installs it. With rollback support the update pauses afterwards,
// waiting for Commit or Rollback; otherwise it is committed immediately.
func Install(ctx context.Context, c *Context, src string, opts InstallOptions) (Result, error) {
	if opts.StopBefore != "" && !validCheckpoint(opts.StopBefore) {
		return ResultNothingDone, fmt.Errorf("unknown stop-before checkpoint %q", opts.StopBefore)
	}
	c.stopBefore = opts.StopBefore
	c.autoCommit = opts.AutoCommit
	c.noStdout = opts.NoStdout

	sd, err := LoadStateData(ctx, c.store)
	if err != nil {
		return ResultFailed, err
	}
	if sd != nil {
		if opts.StopBefore != "" && sd.InState == opts.StopBefore {
			c.printf("Update already stopped before %s. Nothing to do.", opts.StopBefore)

			return ResultNothingDone, nil
		}

		return ResultFailed, errors.New("update already in progress, commit or roll back first")
	}

	c.src = src
	m := newMachine(c)

	return m.run(ctx, m.prepareDownload)
}

// Resume continues an interrupted update from its recorded checkpoint. An
// update interrupted mid-install is rolled back.
func Resume(ctx context.Context, c *Context) (Result, error) {
	m, sd, err := loadForContinuation(ctx, c, "resume")
	if err != nil {
		if sd == nil && errors.Is(err, ErrNoUpdateInProgress) {
			return ResultNoUpdateInProgress, err
		}

		return ResultFailed, err
	}

	start, err := m.resumeState(sd.InState)
	if err != nil {
		return ResultFailed, err
	}

	if sd.InState == InStateArtifactInstallEnter {
		c.updateResult(ResultInstallFailed|ResultFailed,
			errors.New("update was interrupted during ArtifactInstall"))
	}

	return m.run(ctx, start)
}

// Commit finishes an update paused after installation.
func Commit(ctx context.Context, c *Context) (Result, error) {
	m, sd, err := loadForContinuation(ctx, c, "commit")
	if err != nil {
		if sd == nil && errors.Is(err, ErrNoUpdateInProgress) {
			return ResultNoUpdateInProgress, err
		}

		return ResultFailed, err
	}

	if sd.InState != InStateArtifactCommitEnter {
		return ResultFailed, fmt.Errorf(
			"update is not at the commit checkpoint (in %s)", sd.InState)
	}

	return m.run(ctx, m.commitEnter)
}

// Rollback reverts an update paused after installation, or retries a
// previously failed rollback. Without rollback support the record is kept
// so the update can still be committed.
func Rollback(ctx context.Context, c *Context) (Result, error) {
	m, sd, err := loadForContinuation(ctx, c, "roll back")
	if err != nil {
		if sd == nil && errors.Is(err, ErrNoUpdateInProgress) {
			return ResultNoUpdateInProgress, err
		}

		return ResultFailed, err
	}

	switch sd.InState {
	case InStateArtifactCommitEnter, InStateArtifactRollbackEnter, InStateArtifactFailureEnter:
	default:
		return ResultFailed, fmt.Errorf(
			"update is not at a checkpoint it can be rolled back from (in %s)", sd.InState)
	}

	return m.run(ctx, m.rollbackQuery)
}

// loadForContinuation loads the record a continuation entry point needs and
// recreates the module handle from the recorded payload type.
func loadForContinuation(ctx context.Context, c *Context, operation string) (*machine, *StateData, error) {
	sd, err := LoadStateData(ctx, c.store)
	if err != nil {
		return nil, sd, err
	}
	if sd == nil {
		return nil, nil, fmt.Errorf("cannot %s: %w", operation, ErrNoUpdateInProgress)
	}

	c.sd = sd
	c.module = c.modules(sd.PayloadTypes[0])

	return newMachine(c), sd, nil
}
