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
	"io"
	"os"
	"strings"

	"github.com/united-manufacturing-hub/update-agent/internal/fsm"
	"github.com/united-manufacturing-hub/update-agent/pkg/datastore"
	"github.com/united-manufacturing-hub/update-agent/pkg/scripts"
	"github.com/united-manufacturing-hub/update-agent/pkg/store"
	"github.com/united-manufacturing-hub/update-agent/pkg/updatemodule"
)

// Events consumed by the standalone state machine.
const (
	eventSuccess          fsm.Event = "success"
	eventFailure          fsm.Event = "failure"
	eventNothingToDo      fsm.Event = "nothing-to-do"
	eventNeedsInteraction fsm.Event = "needs-interaction"
	eventEmptyPayload     fsm.Event = "empty-payload-artifact"
	eventStopRequested    fsm.Event = "stop-requested"
)

// saveState persists the checkpoint the machine is about to run. With a
// matching --stop-before the machine exits here instead, leaving the record
// at the checkpoint for a later invocation.
type saveState struct {
	c          *Context
	name       string
	checkpoint string
}

func (s *saveState) Name() string { return s.name }

func (s *saveState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	c := s.c
	c.sd.InState = s.checkpoint
	c.syncOutcomeFlags()

	if err := c.saveStateData(ctx); err != nil {
		c.updateResult(ResultFailed, fmt.Errorf("failed to persist checkpoint %s: %w", s.checkpoint, err))
		poster.PostEvent(eventFailure)

		return
	}

	if c.stopBefore == s.checkpoint {
		c.printf("Stopping before %s, as requested.", s.checkpoint)
		poster.PostEvent(eventStopRequested)

		return
	}

	poster.PostEvent(eventSuccess)
}

// scriptState runs the state scripts for one state/action pair. Hook states
// post failure when a script fails; Error-action states always continue.
type scriptState struct {
	c       *Context
	name    string
	state   string
	action  scripts.Action
	onError Result

	// runErrorScripts runs the Error scripts of the same state when this
	// hook fails, for hooks that are not followed by an Error-action state.
	runErrorScripts bool
}

func (s *scriptState) Name() string { return s.name }

func (s *scriptState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	c := s.c

	err := c.scripts.RunScripts(ctx, s.state, s.action)
	if err == nil {
		poster.PostEvent(eventSuccess)

		return
	}

	c.updateResult(s.onError, fmt.Errorf("state script %s %s: %w", s.state, s.action, err))

	if s.action == scripts.ActionError {
		// Error scripts are best effort; the flow continues regardless.
		poster.PostEvent(eventSuccess)

		return
	}

	if s.runErrorScripts {
		_ = c.scripts.RunScripts(ctx, s.state, scripts.ActionError)
	}
	poster.PostEvent(eventFailure)
}

// prepareDownloadState opens the artifact source, parses the header and
// prepares the update module work tree.
type prepareDownloadState struct{ c *Context }

func (s *prepareDownloadState) Name() string { return "prepare-download" }

func (s *prepareDownloadState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	c := s.c
	failFlags := ResultDownloadFailed | ResultFailed | ResultNoRollbackNeeded

	stream, err := c.openSource(ctx)
	if err != nil {
		c.updateResult(failFlags, err)
		poster.PostEvent(eventFailure)

		return
	}
	c.body = stream

	art, err := c.artifacts.Open(stream)
	if err != nil {
		c.updateResult(failFlags, err)
		poster.PostEvent(eventFailure)

		return
	}
	header := art.Header

	if !header.CompatibleWith(c.deviceType) {
		c.updateResult(failFlags, fmt.Errorf(
			"artifact %s is not compatible with device type %s", header.Name, c.deviceType))
		poster.PostEvent(eventFailure)

		return
	}
	if len(header.PayloadTypes) > 1 {
		c.updateResult(failFlags, errors.New("multiple payloads are not supported in standalone mode"))
		poster.PostEvent(eventFailure)

		return
	}

	c.sd = stateDataFromHeader(header)
	c.payloads = art

	c.printf("Installing artifact...")

	if len(header.PayloadTypes) == 0 {
		s.emptyPayloadArtifact(ctx, poster)

		return
	}

	c.module = c.modules(header.PayloadTypes[0])

	headerInfo, err := header.HeaderInfoJSON()
	if err == nil {
		err = c.module.PrepareTree(headerInfo)
	}
	if err != nil {
		err = errors.Join(err, c.module.Cleanup(ctx))
		c.updateResult(failFlags, err)
		poster.PostEvent(eventFailure)

		return
	}

	poster.PostEvent(eventSuccess)
}

// emptyPayloadArtifact commits a payload-less artifact's identity and
// provides immediately; there is nothing to install.
func (s *prepareDownloadState) emptyPayloadArtifact(ctx context.Context, poster fsm.EventPoster) {
	c := s.c
	c.printf("Artifact with empty payload. Committing immediately.")

	sd := c.sd
	err := c.store.WriteTransaction(ctx, func(tx store.Transaction) error {
		return datastore.CommitArtifactData(ctx, tx,
			sd.ArtifactName, sd.ArtifactGroup, sd.TypeInfoProvides, sd.ClearsArtifactProvides, nil)
	})
	if err != nil {
		c.updateResult(ResultDownloadFailed|ResultFailed|ResultFailedInPostCommit, err)
		poster.PostEvent(eventFailure)

		return
	}

	c.updateResult(ResultDownloaded|ResultInstalled|ResultCommitted, nil)
	poster.PostEvent(eventEmptyPayload)
}

func (c *Context) openSource(ctx context.Context) (io.ReadCloser, error) {
	if strings.HasPrefix(c.src, "http://") || strings.HasPrefix(c.src, "https://") {
		return c.fetcher.FetchArtifact(ctx, c.src)
	}

	f, err := os.Open(c.src)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}

	return f, nil
}

// downloadState streams the payload files into the update module and runs
// its Download hook.
type downloadState struct{ c *Context }

func (s *downloadState) Name() string { return "download" }

func (s *downloadState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	c := s.c

	fail := func(err error) {
		c.updateResult(ResultDownloadFailed|ResultFailed|ResultNoRollbackNeeded, err)
		poster.PostEvent(eventFailure)
	}

	for {
		name, r, err := c.payloads.NextPayloadFile()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fail(err)

			return
		}
		if err := c.module.StorePayload(name, r); err != nil {
			fail(err)

			return
		}
	}

	if err := c.module.CallState(ctx, updatemodule.StateDownload); err != nil {
		fail(fmt.Errorf("streaming failed: %w", err))

		return
	}

	c.updateResult(ResultDownloaded, nil)
	poster.PostEvent(eventSuccess)
}

type artifactInstallState struct{ c *Context }

func (s *artifactInstallState) Name() string { return "artifact-install" }

func (s *artifactInstallState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	c := s.c

	if err := c.module.CallState(ctx, updatemodule.StateArtifactInstall); err != nil {
		c.updateResult(ResultInstallFailed|ResultFailed, fmt.Errorf("installation failed: %w", err))
		poster.PostEvent(eventFailure)

		return
	}

	c.updateResult(ResultInstalled, nil)
	poster.PostEvent(eventSuccess)
}

// rebootRollbackQueryState asks the module about reboot and rollback. With
// rollback support the update pauses for an explicit Commit or Rollback;
// without it (or with AutoCommit) the commit follows immediately.
type rebootRollbackQueryState struct{ c *Context }

func (s *rebootRollbackQueryState) Name() string { return "reboot-rollback-query" }

func (s *rebootRollbackQueryState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	c := s.c

	reboot, err := c.module.NeedsReboot(ctx)
	if err != nil {
		c.updateResult(ResultFailed, fmt.Errorf("failed to query for reboot: %w", err))
		poster.PostEvent(eventFailure)

		return
	}
	if reboot != updatemodule.RebootNone {
		c.updateResult(ResultRebootRequired, nil)
	}

	supported, err := c.module.SupportsRollback(ctx)
	if err != nil {
		c.updateResult(ResultFailed, fmt.Errorf("failed to query for rollback support: %w", err))
		poster.PostEvent(eventFailure)

		return
	}

	if supported && !c.autoCommit {
		poster.PostEvent(eventNeedsInteraction)

		return
	}
	if !supported {
		c.printf("Update module does not support rollback. Committing immediately.")
	}

	poster.PostEvent(eventSuccess)
}

type artifactCommitState struct{ c *Context }

func (s *artifactCommitState) Name() string { return "artifact-commit" }

func (s *artifactCommitState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	c := s.c

	if err := c.module.CallState(ctx, updatemodule.StateArtifactCommit); err != nil {
		c.updateResult(ResultCommitFailed|ResultFailed, fmt.Errorf("commit failed: %w", err))
		poster.PostEvent(eventFailure)

		return
	}

	c.updateResult(ResultCommitted, nil)
	poster.PostEvent(eventSuccess)
}

// rollbackQueryState decides how a failed or explicitly rolled back update
// proceeds. Without rollback support a failed update goes straight to the
// failure hooks; an explicit rollback request bails out instead, keeping
// the record so the user can still commit.
type rollbackQueryState struct{ c *Context }

func (s *rollbackQueryState) Name() string { return "rollback-query" }

func (s *rollbackQueryState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	c := s.c

	supported, err := c.module.SupportsRollback(ctx)
	if err != nil {
		c.updateResult(ResultFailed|ResultRollbackFailed,
			fmt.Errorf("failed to query for rollback support: %w", err))
		poster.PostEvent(eventFailure)

		return
	}

	if !supported {
		alreadyFailed := c.result.Contains(ResultFailed) || c.sd.Failed
		c.updateResult(ResultFailed|ResultNoRollback, nil)
		if alreadyFailed {
			poster.PostEvent(eventNothingToDo)
		} else {
			poster.PostEvent(eventNeedsInteraction)
		}

		return
	}

	poster.PostEvent(eventSuccess)
}

type artifactRollbackState struct{ c *Context }

func (s *artifactRollbackState) Name() string { return "artifact-rollback" }

func (s *artifactRollbackState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	c := s.c

	if err := c.module.CallState(ctx, updatemodule.StateArtifactRollback); err != nil {
		c.updateResult(ResultFailed|ResultRollbackFailed, fmt.Errorf("rollback failed: %w", err))
		poster.PostEvent(eventFailure)

		return
	}

	c.updateResult(ResultRolledBack, nil)
	poster.PostEvent(eventSuccess)
}

// rollbackDoneState routes a finished rollback: a rollback triggered by a
// failure continues into the failure hooks, an explicit Rollback invocation
// goes straight to cleanup.
type rollbackDoneState struct{ c *Context }

func (s *rollbackDoneState) Name() string { return "rollback-done" }

func (s *rollbackDoneState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	c := s.c

	if c.result.Contains(ResultFailed) || c.sd.Failed {
		poster.PostEvent(eventSuccess)

		return
	}

	poster.PostEvent(eventNothingToDo)
}

type artifactFailureState struct{ c *Context }

func (s *artifactFailureState) Name() string { return "artifact-failure" }

func (s *artifactFailureState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	c := s.c

	if err := c.module.CallState(ctx, updatemodule.StateArtifactFailure); err != nil {
		c.updateResult(ResultFailed|ResultRollbackFailed, fmt.Errorf("failure hook failed: %w", err))
		poster.PostEvent(eventFailure)

		return
	}

	poster.PostEvent(eventSuccess)
}

// cleanupState runs the module's Cleanup hook and settles the database: a
// rolled back update leaves the installed artifact untouched, anything
// else commits the new identity, with the broken suffix when the update
// failed without a successful rollback.
type cleanupState struct{ c *Context }

func (s *cleanupState) Name() string { return "cleanup" }

func (s *cleanupState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	c := s.c
	finalEvent := eventSuccess

	c.syncOutcomeFlags()

	if c.module != nil {
		if err := c.module.Cleanup(ctx); err != nil {
			c.updateResult(ResultFailed|ResultCleanupFailed, err)
			c.sd.Failed = true
			finalEvent = eventFailure
		}
	}

	var err error
	if c.sd.RolledBack {
		err = c.store.WriteTransaction(ctx, func(tx store.Transaction) error {
			return RemoveStateData(ctx, tx)
		})
	} else {
		sd := c.sd
		if sd.Failed {
			sd.ArtifactName += datastore.BrokenArtifactSuffix
			if sd.TypeInfoProvides != nil {
				sd.TypeInfoProvides["artifact_name"] = sd.ArtifactName
			}
		}
		err = c.store.WriteTransaction(ctx, func(tx store.Transaction) error {
			return datastore.CommitArtifactData(ctx, tx,
				sd.ArtifactName, sd.ArtifactGroup, sd.TypeInfoProvides, sd.ClearsArtifactProvides,
				func(tx store.Transaction) error {
					return RemoveStateData(ctx, tx)
				})
		})
	}
	if err != nil {
		c.updateResult(ResultFailed|ResultRollbackFailed,
			fmt.Errorf("error while updating database: %w", err))
		poster.PostEvent(eventFailure)

		return
	}

	c.updateResult(ResultCleaned, nil)
	poster.PostEvent(finalEvent)
}

// exitState stops the machine. A record left behind with the failed flag is
// resaved clean: the failure belongs to this invocation's result, not to
// the next one, which may well succeed (a resumed rollback, for example).
type exitState struct{ c *Context }

func (s *exitState) Name() string { return "exit" }

func (s *exitState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	c := s.c

	err := c.store.WriteTransaction(ctx, func(tx store.Transaction) error {
		_, err := tx.ReadAll(ctx, datastore.KeyStandaloneState)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if c.sd != nil && c.sd.Failed {
			c.sd.Failed = false

			return SaveStateData(ctx, tx, c.sd)
		}

		return nil
	})
	if err != nil {
		c.updateResult(ResultFailed, err)
	}

	c.runner.Stop()
}
