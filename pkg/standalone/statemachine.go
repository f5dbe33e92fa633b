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
	"fmt"

	"github.com/united-manufacturing-hub/update-agent/internal/fsm"
	"github.com/united-manufacturing-hub/update-agent/pkg/logger"
	"github.com/united-manufacturing-hub/update-agent/pkg/scripts"
)

// machine is the standalone state machine: one linear install flow with a
// rollback/failure branch, entered at different states depending on the
// invocation and the recorded checkpoint.
type machine struct {
	c *Context

	prepareDownload *prepareDownloadState
	downloadEnter   *scriptState
	download        *downloadState
	downloadLeave   *scriptState
	downloadError   *scriptState

	saveInstall  *saveState
	installEnter *scriptState
	install      *artifactInstallState
	installLeave *scriptState
	installError *scriptState

	rebootRollbackQuery *rebootRollbackQueryState

	savePause       *saveState
	saveCommit      *saveState
	commitEnter     *scriptState
	commit          *artifactCommitState
	commitError     *scriptState
	savePostCommit  *saveState
	saveCommitLeave *saveState
	commitLeave     *scriptState

	rollbackQuery *rollbackQueryState
	saveRollback  *saveState
	rollbackEnter *scriptState
	rollback      *artifactRollbackState
	rollbackLeave *scriptState
	rollbackDone  *rollbackDoneState

	saveFailure  *saveState
	failureEnter *scriptState
	failure      *artifactFailureState
	failureLeave *scriptState

	saveCleanup *saveState
	cleanup     *cleanupState
	exit        *exitState

	sm *fsm.StateMachine
}

func newMachine(c *Context) *machine {
	downloadFail := ResultDownloadFailed | ResultFailed | ResultNoRollbackNeeded
	installFail := ResultInstallFailed | ResultFailed
	commitFail := ResultCommitFailed | ResultFailed
	rollbackFail := ResultFailed | ResultRollbackFailed

	m := &machine{
		c: c,

		prepareDownload: &prepareDownloadState{c},
		downloadEnter: &scriptState{
			c: c, name: "download-enter", state: "Download",
			action: scripts.ActionEnter, onError: downloadFail, runErrorScripts: true,
		},
		download: &downloadState{c},
		downloadLeave: &scriptState{
			c: c, name: "download-leave", state: "Download",
			action: scripts.ActionLeave, onError: downloadFail, runErrorScripts: true,
		},
		downloadError: &scriptState{
			c: c, name: "download-error", state: "Download", action: scripts.ActionError,
		},

		saveInstall: &saveState{c: c, name: "save-artifact-install", checkpoint: InStateArtifactInstallEnter},
		installEnter: &scriptState{
			c: c, name: "artifact-install-enter", state: "ArtifactInstall",
			action: scripts.ActionEnter, onError: installFail, runErrorScripts: true,
		},
		install: &artifactInstallState{c},
		installLeave: &scriptState{
			c: c, name: "artifact-install-leave", state: "ArtifactInstall",
			action: scripts.ActionLeave, onError: installFail, runErrorScripts: true,
		},
		installError: &scriptState{
			c: c, name: "artifact-install-error", state: "ArtifactInstall", action: scripts.ActionError,
		},

		rebootRollbackQuery: &rebootRollbackQueryState{c},

		savePause:  &saveState{c: c, name: "save-pause-for-commit", checkpoint: InStateArtifactCommitEnter},
		saveCommit: &saveState{c: c, name: "save-artifact-commit", checkpoint: InStateArtifactCommitEnter},
		commitEnter: &scriptState{
			c: c, name: "artifact-commit-enter", state: "ArtifactCommit",
			action: scripts.ActionEnter, onError: commitFail, runErrorScripts: true,
		},
		commit: &artifactCommitState{c},
		commitError: &scriptState{
			c: c, name: "artifact-commit-error", state: "ArtifactCommit", action: scripts.ActionError,
		},
		savePostCommit:  &saveState{c: c, name: "save-post-artifact-commit", checkpoint: InStatePostArtifactCommit},
		saveCommitLeave: &saveState{c: c, name: "save-artifact-commit-leave", checkpoint: InStateArtifactCommitLeave},
		commitLeave: &scriptState{
			c: c, name: "artifact-commit-leave", state: "ArtifactCommit",
			action: scripts.ActionLeave, onError: ResultFailedInPostCommit, runErrorScripts: true,
		},

		rollbackQuery: &rollbackQueryState{c},
		saveRollback:  &saveState{c: c, name: "save-artifact-rollback", checkpoint: InStateArtifactRollbackEnter},
		rollbackEnter: &scriptState{
			c: c, name: "artifact-rollback-enter", state: "ArtifactRollback",
			action: scripts.ActionEnter, onError: rollbackFail,
		},
		rollback: &artifactRollbackState{c},
		rollbackLeave: &scriptState{
			c: c, name: "artifact-rollback-leave", state: "ArtifactRollback",
			action: scripts.ActionLeave, onError: rollbackFail,
		},
		rollbackDone: &rollbackDoneState{c},

		saveFailure: &saveState{c: c, name: "save-artifact-failure", checkpoint: InStateArtifactFailureEnter},
		failureEnter: &scriptState{
			c: c, name: "artifact-failure-enter", state: "ArtifactFailure",
			action: scripts.ActionEnter, onError: rollbackFail,
		},
		failure: &artifactFailureState{c},
		failureLeave: &scriptState{
			c: c, name: "artifact-failure-leave", state: "ArtifactFailure",
			action: scripts.ActionLeave, onError: rollbackFail,
		},

		saveCleanup: &saveState{c: c, name: "save-cleanup", checkpoint: InStateCleanup},
		cleanup:     &cleanupState{c},
		exit:        &exitState{c},
	}

	log := logger.For(logger.ComponentStateMachine)
	c.runner = fsm.NewRunner(log)
	sm := fsm.NewStateMachine("standalone", m.prepareDownload, log)

	add := func(src fsm.State, ev fsm.Event, dst fsm.State) {
		sm.AddTransition(src, ev, dst, fsm.Immediate)
	}

	add(m.prepareDownload, eventSuccess, m.downloadEnter)
	add(m.prepareDownload, eventEmptyPayload, m.exit)
	add(m.prepareDownload, eventFailure, m.exit)

	add(m.downloadEnter, eventSuccess, m.download)
	add(m.downloadEnter, eventFailure, m.cleanup)
	add(m.download, eventSuccess, m.downloadLeave)
	add(m.download, eventFailure, m.downloadError)
	add(m.downloadLeave, eventSuccess, m.saveInstall)
	add(m.downloadLeave, eventFailure, m.cleanup)
	add(m.downloadError, eventSuccess, m.cleanup)

	add(m.saveInstall, eventSuccess, m.installEnter)
	add(m.saveInstall, eventStopRequested, m.exit)
	add(m.saveInstall, eventFailure, m.rollbackQuery)
	add(m.installEnter, eventSuccess, m.install)
	add(m.installEnter, eventFailure, m.rollbackQuery)
	add(m.install, eventSuccess, m.installLeave)
	add(m.install, eventFailure, m.installError)
	add(m.installError, eventSuccess, m.rollbackQuery)
	add(m.installLeave, eventSuccess, m.rebootRollbackQuery)
	add(m.installLeave, eventFailure, m.rollbackQuery)

	add(m.rebootRollbackQuery, eventSuccess, m.saveCommit)
	add(m.rebootRollbackQuery, eventNeedsInteraction, m.savePause)
	add(m.rebootRollbackQuery, eventFailure, m.rollbackQuery)

	add(m.savePause, eventSuccess, m.exit)
	add(m.savePause, eventStopRequested, m.exit)
	add(m.savePause, eventFailure, m.exit)

	add(m.saveCommit, eventSuccess, m.commitEnter)
	add(m.saveCommit, eventStopRequested, m.exit)
	add(m.saveCommit, eventFailure, m.rollbackQuery)
	add(m.commitEnter, eventSuccess, m.commit)
	add(m.commitEnter, eventFailure, m.rollbackQuery)
	add(m.commit, eventSuccess, m.savePostCommit)
	add(m.commit, eventFailure, m.commitError)
	add(m.commitError, eventSuccess, m.rollbackQuery)

	add(m.savePostCommit, eventSuccess, m.saveCommitLeave)
	add(m.savePostCommit, eventStopRequested, m.exit)
	add(m.savePostCommit, eventFailure, m.cleanup)
	add(m.saveCommitLeave, eventSuccess, m.commitLeave)
	add(m.saveCommitLeave, eventStopRequested, m.exit)
	add(m.saveCommitLeave, eventFailure, m.cleanup)
	add(m.commitLeave, eventSuccess, m.saveCleanup)
	add(m.commitLeave, eventFailure, m.saveCleanup)

	add(m.rollbackQuery, eventSuccess, m.saveRollback)
	add(m.rollbackQuery, eventNothingToDo, m.saveFailure)
	add(m.rollbackQuery, eventNeedsInteraction, m.exit)
	add(m.rollbackQuery, eventFailure, m.saveFailure)

	add(m.saveRollback, eventSuccess, m.rollbackEnter)
	add(m.saveRollback, eventStopRequested, m.exit)
	add(m.saveRollback, eventFailure, m.exit)
	add(m.rollbackEnter, eventSuccess, m.rollback)
	add(m.rollbackEnter, eventFailure, m.saveFailure)
	add(m.rollback, eventSuccess, m.rollbackLeave)
	add(m.rollback, eventFailure, m.saveFailure)
	add(m.rollbackLeave, eventSuccess, m.rollbackDone)
	add(m.rollbackLeave, eventFailure, m.saveFailure)
	add(m.rollbackDone, eventSuccess, m.saveFailure)
	add(m.rollbackDone, eventNothingToDo, m.saveCleanup)

	add(m.saveFailure, eventSuccess, m.failureEnter)
	add(m.saveFailure, eventStopRequested, m.exit)
	add(m.saveFailure, eventFailure, m.cleanup)
	add(m.failureEnter, eventSuccess, m.failure)
	add(m.failureEnter, eventFailure, m.failure)
	add(m.failure, eventSuccess, m.failureLeave)
	add(m.failure, eventFailure, m.failureLeave)
	add(m.failureLeave, eventSuccess, m.saveCleanup)
	add(m.failureLeave, eventFailure, m.saveCleanup)

	add(m.saveCleanup, eventSuccess, m.cleanup)
	add(m.saveCleanup, eventStopRequested, m.exit)
	add(m.saveCleanup, eventFailure, m.cleanup)
	add(m.cleanup, eventSuccess, m.exit)
	add(m.cleanup, eventFailure, m.exit)

	m.sm = sm
	c.runner.AttachStateMachine(sm)

	return m
}

// resumeState maps a recorded checkpoint to the state the machine continues
// from.
func (m *machine) resumeState(checkpoint string) (fsm.State, error) {
	switch checkpoint {
	case InStateArtifactInstallEnter:
		// Interrupted mid-install; the installation cannot be trusted.
		return m.rollbackQuery, nil
	case InStateArtifactCommitEnter:
		return m.commitEnter, nil
	case InStatePostArtifactCommit:
		return m.saveCommitLeave, nil
	case InStateArtifactCommitLeave:
		return m.commitLeave, nil
	case InStateArtifactRollbackEnter:
		return m.rollbackEnter, nil
	case InStateArtifactFailureEnter:
		return m.failureEnter, nil
	case InStateCleanup:
		return m.cleanup, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint %q in standalone state data", checkpoint)
	}
}

// run drives the machine from start until the exit state stops the runner.
func (m *machine) run(ctx context.Context, start fsm.State) (Result, error) {
	m.sm.SetState(start)

	err := m.c.runner.Run(ctx)
	if m.c.body != nil {
		_ = m.c.body.Close()
	}
	if err != nil {
		m.c.updateResult(ResultFailed, err)
	}

	return m.c.result, m.c.err
}

func validCheckpoint(name string) bool {
	switch name {
	case InStateArtifactInstallEnter, InStateArtifactCommitEnter, InStatePostArtifactCommit,
		InStateArtifactCommitLeave, InStateArtifactRollbackEnter, InStateArtifactFailureEnter,
		InStateCleanup:
		return true
	}

	return false
}
