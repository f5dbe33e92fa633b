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

package daemon

import (
	"github.com/united-manufacturing-hub/update-agent/internal/fsm"
	"github.com/united-manufacturing-hub/update-agent/pkg/client"
	"github.com/united-manufacturing-hub/update-agent/pkg/datastore"
	"github.com/united-manufacturing-hub/update-agent/pkg/logger"
)

// mainStates bundles the instantiated states of the main machine so the
// transition table and the resume mapping can refer to them by field.
type mainStates struct {
	idle                 *idleState
	submitInventory      *submitInventoryState
	pollForDeployment    *pollForDeploymentState
	sendDownloadStatus   *statusReportState
	download             fsm.State
	sendInstallStatus    *statusReportState
	artifactInstall      fsm.State
	checkReboot          *checkRebootState
	sendRebootStatus     *statusReportState
	reboot               fsm.State
	verifyReboot         fsm.State
	sendCommitStatus     *statusReportState
	commit               fsm.State
	afterCommit          *afterCommitState
	checkRollback        *checkRollbackState
	rollbackNotNeeded    *rollbackNotNeededState
	rollback             fsm.State
	checkRollbackReboot  *checkRollbackRebootState
	rollbackReboot       fsm.State
	verifyRollbackReboot fsm.State
	updateFailure        fsm.State
	saveProvides         *saveProvidesState
	cleanup              fsm.State
	sendFinalStatus      *sendFinalStatusState
	clearStateData       *clearStateDataState
	endOfDeployment      *endOfDeploymentState
	stateLoop            *stateLoopState
}

func newMainStates(c *Context) *mainStates {
	save := func(inner fsm.State, dbName string, failureState bool) fsm.State {
		return &saveState{c: c, inner: inner, dbName: dbName, failureState: failureState}
	}

	return &mainStates{
		idle:                &idleState{c: c},
		submitInventory:     &submitInventoryState{c: c},
		pollForDeployment:   &pollForDeploymentState{c: c},
		sendDownloadStatus:  &statusReportState{c: c, name: stateSendDownloadStatus, status: client.StatusDownloading},
		download:            save(&downloadState{c: c}, datastore.DBStateDownload, false),
		sendInstallStatus:   &statusReportState{c: c, name: stateSendInstallStatus, status: client.StatusInstalling},
		artifactInstall:     save(&artifactInstallState{c: c}, datastore.DBStateArtifactInstall, false),
		checkReboot:         &checkRebootState{c: c},
		sendRebootStatus:    &statusReportState{c: c, name: stateSendRebootStatus, status: client.StatusRebooting},
		reboot:              save(&rebootState{c: c}, datastore.DBStateReboot, false),
		verifyReboot:        save(&verifyRebootState{c: c}, datastore.DBStateVerifyReboot, false),
		sendCommitStatus:    &statusReportState{c: c, name: stateSendCommitStatus, status: client.StatusInstalling},
		commit:              save(&commitState{c: c}, datastore.DBStateCommit, false),
		afterCommit:         &afterCommitState{c: c},
		checkRollback:       &checkRollbackState{c: c},
		rollbackNotNeeded:   &rollbackNotNeededState{c: c},
		rollback:            save(&rollbackState{c: c}, datastore.DBStateRollback, true),
		checkRollbackReboot: &checkRollbackRebootState{c: c},
		rollbackReboot:      save(&rollbackRebootState{c: c}, datastore.DBStateRollbackReboot, true),
		verifyRollbackReboot: save(&verifyRollbackRebootState{c: c},
			datastore.DBStateVerifyRollbackReboot, true),
		updateFailure:   save(&updateFailureState{c: c}, datastore.DBStateFailure, true),
		saveProvides:    &saveProvidesState{c: c},
		cleanup:         save(&cleanupState{c: c}, datastore.DBStateCleanup, true),
		sendFinalStatus: &sendFinalStatusState{c: c},
		clearStateData:  &clearStateDataState{c: c},
		endOfDeployment: &endOfDeploymentState{c: c},
		stateLoop:       &stateLoopState{c: c},
	}
}

// newMainMachine builds the deployment machine over the given states.
func newMainMachine(s *mainStates) *fsm.StateMachine {
	sm := fsm.NewStateMachine("deployment", s.idle, logger.For(logger.ComponentStateMachine))

	// Polling triggers are accepted only in idle; posted at any other time
	// they wait in the queue.
	sm.AddTransition(s.idle, EventDeploymentPollingTriggered, s.pollForDeployment, fsm.Deferred)
	sm.AddTransition(s.idle, EventInventoryPollingTriggered, s.submitInventory, fsm.Deferred)
	sm.AddTransition(s.submitInventory, EventSuccess, s.idle, fsm.Immediate)

	sm.AddTransition(s.pollForDeployment, EventDeploymentStarted, s.sendDownloadStatus, fsm.Immediate)
	sm.AddTransition(s.pollForDeployment, EventNothingToDo, s.idle, fsm.Immediate)
	sm.AddTransition(s.pollForDeployment, EventFailure, s.idle, fsm.Immediate)

	// Happy path.
	sm.AddTransition(s.sendDownloadStatus, EventSuccess, s.download, fsm.Immediate)
	sm.AddTransition(s.download, EventSuccess, s.sendInstallStatus, fsm.Immediate)
	sm.AddTransition(s.sendInstallStatus, EventSuccess, s.artifactInstall, fsm.Immediate)
	sm.AddTransition(s.artifactInstall, EventSuccess, s.checkReboot, fsm.Immediate)
	sm.AddTransition(s.checkReboot, EventSuccess, s.sendRebootStatus, fsm.Immediate)
	sm.AddTransition(s.checkReboot, EventNothingToDo, s.sendCommitStatus, fsm.Immediate)
	sm.AddTransition(s.sendRebootStatus, EventSuccess, s.reboot, fsm.Immediate)
	sm.AddTransition(s.reboot, EventSuccess, s.verifyReboot, fsm.Immediate)
	sm.AddTransition(s.verifyReboot, EventSuccess, s.sendCommitStatus, fsm.Immediate)
	sm.AddTransition(s.sendCommitStatus, EventSuccess, s.commit, fsm.Immediate)
	sm.AddTransition(s.commit, EventSuccess, s.afterCommit, fsm.Immediate)
	sm.AddTransition(s.afterCommit, EventSuccess, s.saveProvides, fsm.Immediate)

	// Failure funnel. Download-phase failures happen before anything is
	// installed, so they skip the rollback decision; everything after routes
	// through it.
	for _, src := range []fsm.State{s.sendDownloadStatus, s.download} {
		sm.AddTransition(src, EventFailure, s.rollbackNotNeeded, fsm.Immediate)
	}
	sm.AddTransition(s.sendDownloadStatus, EventDeploymentAborted, s.rollbackNotNeeded, fsm.Immediate)
	sm.AddTransition(s.rollbackNotNeeded, EventSuccess, s.saveProvides, fsm.Immediate)
	for _, src := range []fsm.State{
		s.sendInstallStatus, s.artifactInstall,
		s.checkReboot, s.sendRebootStatus, s.reboot, s.verifyReboot,
		s.sendCommitStatus, s.commit, s.afterCommit,
	} {
		sm.AddTransition(src, EventFailure, s.checkRollback, fsm.Immediate)
	}
	for _, src := range []fsm.State{
		s.sendInstallStatus, s.sendRebootStatus, s.sendCommitStatus,
	} {
		sm.AddTransition(src, EventDeploymentAborted, s.checkRollback, fsm.Immediate)
	}

	// Rollback path.
	sm.AddTransition(s.checkRollback, EventSuccess, s.rollback, fsm.Immediate)
	sm.AddTransition(s.checkRollback, EventNothingToDo, s.updateFailure, fsm.Immediate)
	sm.AddTransition(s.rollback, EventSuccess, s.checkRollbackReboot, fsm.Immediate)
	sm.AddTransition(s.rollback, EventFailure, s.updateFailure, fsm.Immediate)
	sm.AddTransition(s.checkRollbackReboot, EventSuccess, s.rollbackReboot, fsm.Immediate)
	sm.AddTransition(s.checkRollbackReboot, EventNothingToDo, s.updateFailure, fsm.Immediate)
	sm.AddTransition(s.rollbackReboot, EventSuccess, s.verifyRollbackReboot, fsm.Immediate)
	sm.AddTransition(s.verifyRollbackReboot, EventRetry, s.verifyRollbackReboot, fsm.Immediate)
	sm.AddTransition(s.verifyRollbackReboot, EventSuccess, s.updateFailure, fsm.Immediate)
	sm.AddTransition(s.updateFailure, EventSuccess, s.saveProvides, fsm.Immediate)
	sm.AddTransition(s.updateFailure, EventFailure, s.saveProvides, fsm.Immediate)

	// Wind-down shared by all outcomes.
	sm.AddTransition(s.saveProvides, EventSuccess, s.cleanup, fsm.Immediate)
	sm.AddTransition(s.saveProvides, EventFailure, s.cleanup, fsm.Immediate)
	sm.AddTransition(s.cleanup, EventSuccess, s.sendFinalStatus, fsm.Immediate)
	sm.AddTransition(s.cleanup, EventFailure, s.sendFinalStatus, fsm.Immediate)
	sm.AddTransition(s.sendFinalStatus, EventSuccess, s.clearStateData, fsm.Immediate)
	sm.AddTransition(s.clearStateData, EventSuccess, s.endOfDeployment, fsm.Immediate)
	sm.AddTransition(s.endOfDeployment, EventSuccess, s.idle, fsm.Immediate)

	// Loop detection can fire wherever state data is saved.
	for _, src := range []fsm.State{
		s.download, s.artifactInstall, s.reboot, s.verifyReboot, s.commit,
		s.afterCommit, s.rollback, s.rollbackReboot, s.verifyRollbackReboot,
		s.updateFailure, s.saveProvides, s.cleanup,
	} {
		sm.AddTransition(src, EventStateLoopDetected, s.stateLoop, fsm.Immediate)
	}
	sm.AddTransition(s.stateLoop, EventSuccess, s.sendFinalStatus, fsm.Immediate)

	return sm
}

// trackingStates bundles the deployment tracking machine's states.
type trackingStates struct {
	idle              *trackingState
	noFailures        *trackingState
	failed            *trackingState
	rollbackNotNeeded *trackingState
	rollbackAttempted *trackingState
	rollbackFailed    *trackingState
}

func newTrackingStates(c *Context) *trackingStates {
	// A bare failure counts as a failed rollback until a rollback actually
	// succeeds or turns out to be unnecessary; that is what makes the
	// broken-artifact marker the default for unrecovered failures.
	return &trackingStates{
		idle:              &trackingState{c: c, name: trackingIdle},
		noFailures:        &trackingState{c: c, name: trackingNoFailures},
		failed:            &trackingState{c: c, name: trackingFailed, failed: true, rollbackFail: true},
		rollbackNotNeeded: &trackingState{c: c, name: trackingRollbackNotNeeded, failed: true},
		rollbackAttempted: &trackingState{c: c, name: trackingRollbackAttempted, failed: true},
		rollbackFailed:    &trackingState{c: c, name: trackingRollbackFailed, failed: true, rollbackFail: true},
	}
}

// newTrackingMachine builds the machine that follows the deployment's
// failure status from the side. It shares the event stream with the main
// machine and must be attached before it, so the flags are up to date when
// the main states run.
func newTrackingMachine(s *trackingStates) *fsm.StateMachine {
	sm := fsm.NewStateMachine("deployment-tracking", s.idle, logger.For(logger.ComponentStateMachine))

	sm.AddTransition(s.idle, EventDeploymentStarted, s.noFailures, fsm.Immediate)

	sm.AddTransition(s.noFailures, EventFailure, s.failed, fsm.Immediate)
	sm.AddTransition(s.noFailures, EventDeploymentAborted, s.failed, fsm.Immediate)
	sm.AddTransition(s.noFailures, EventRollbackStarted, s.rollbackAttempted, fsm.Immediate)
	sm.AddTransition(s.noFailures, EventRollbackNotNeeded, s.rollbackNotNeeded, fsm.Immediate)
	sm.AddTransition(s.failed, EventRollbackStarted, s.rollbackAttempted, fsm.Immediate)
	sm.AddTransition(s.failed, EventRollbackNotNeeded, s.rollbackNotNeeded, fsm.Immediate)
	sm.AddTransition(s.rollbackAttempted, EventFailure, s.rollbackFailed, fsm.Immediate)

	for _, src := range []fsm.State{
		s.noFailures, s.failed, s.rollbackNotNeeded, s.rollbackAttempted, s.rollbackFailed,
	} {
		sm.AddTransition(src, EventDeploymentEnded, s.idle, fsm.Immediate)
	}

	return sm
}

// resumeStates maps a persisted database state name to the states both
// machines restart in. The rule of thumb: anything not provably past the
// point of no return resumes on the failure path, which is idempotent.
func resumeStates(sd *datastore.StateData, main *mainStates, tracking *trackingStates) (fsm.State, fsm.State) {
	rollbackOutcome := tracking.rollbackFailed
	if sd.UpdateInfo.AllRollbacksSuccessful {
		rollbackOutcome = tracking.rollbackAttempted
	}

	switch sd.Name {
	case datastore.DBStateDownload:
		// Interrupted mid-download: nothing installed, just clean up. The
		// tracking state keeps the final report honest about the failure
		// while leaving the installed-artifact record alone.
		return main.cleanup, tracking.rollbackNotNeeded
	case datastore.DBStateReboot, datastore.DBStateVerifyReboot:
		// The expected reboot happened (or the process died around it);
		// verification decides whether the new artifact came up.
		return main.verifyReboot, tracking.noFailures
	case datastore.DBStateRollback:
		return main.rollback, tracking.rollbackAttempted
	case datastore.DBStateRollbackReboot,
		datastore.DBStateVerifyRollbackReboot,
		datastore.DBStateLegacyVerifyRollbackReboot:
		return main.verifyRollbackReboot, tracking.rollbackAttempted
	case datastore.DBStateAfterCommit, datastore.DBStateLegacyAfterFirstCommit:
		// Committed; only the post-commit bookkeeping is left.
		return main.afterCommit, tracking.noFailures
	case datastore.DBStateFailure:
		return main.updateFailure, rollbackOutcome
	case datastore.DBStateCleanup:
		return main.cleanup, rollbackOutcome
	default:
		// update-install, update-commit and anything unknown: the module may
		// have half-done something, so walk the rollback decision.
		return main.checkRollback, tracking.failed
	}
}
