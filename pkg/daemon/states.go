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
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/united-manufacturing-hub/update-agent/internal/fsm"
	"github.com/united-manufacturing-hub/update-agent/pkg/client"
	"github.com/united-manufacturing-hub/update-agent/pkg/datastore"
	"github.com/united-manufacturing-hub/update-agent/pkg/metrics"
	"github.com/united-manufacturing-hub/update-agent/pkg/scripts"
	"github.com/united-manufacturing-hub/update-agent/pkg/store"
	"github.com/united-manufacturing-hub/update-agent/pkg/updatemodule"
)

// State names of the main machine.
const (
	stateIdle                 = "idle"
	stateSubmitInventory      = "submit-inventory"
	statePollForDeployment    = "poll-for-deployment"
	stateSendDownloadStatus   = "send-download-status"
	stateDownload             = "download"
	stateSendInstallStatus    = "send-install-status"
	stateArtifactInstall      = "artifact-install"
	stateCheckReboot          = "check-reboot"
	stateSendRebootStatus     = "send-reboot-status"
	stateReboot               = "reboot"
	stateVerifyReboot         = "verify-reboot"
	stateSendCommitStatus     = "send-commit-status"
	stateCommit               = "commit"
	stateAfterCommit          = "after-commit"
	stateCheckRollback        = "check-rollback"
	stateRollbackNotNeeded    = "rollback-not-needed"
	stateRollback             = "rollback"
	stateCheckRollbackReboot  = "check-rollback-reboot"
	stateRollbackReboot       = "rollback-reboot"
	stateVerifyRollbackReboot = "verify-rollback-reboot"
	stateUpdateFailure        = "update-failure"
	stateSaveProvides         = "save-provides"
	stateCleanup              = "cleanup"
	stateSendFinalStatus      = "send-final-status"
	stateClearStateData       = "clear-state-data"
	stateEndOfDeployment      = "end-of-deployment"
	stateStateLoop            = "state-loop"
)

// saveState persists the deployment record before running the wrapped
// state, so a crash during the state resumes at the right place.
type saveState struct {
	c            *Context
	inner        fsm.State
	dbName       string
	failureState bool
}

func (s *saveState) Name() string { return s.inner.Name() }

func (s *saveState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	if !s.c.persist(ctx, poster, s.dbName, s.failureState) {
		return
	}
	s.inner.OnEnter(ctx, poster)
}

// idleState is where the daemon rests between polls. Both polling events
// are only accepted here, which is what holds them back during a
// deployment.
type idleState struct {
	c *Context
}

func (s *idleState) Name() string { return stateIdle }

func (s *idleState) OnEnter(_ context.Context, _ fsm.EventPoster) {
	s.c.log.Debug("idle, waiting for polling triggers")
}

// submitInventoryState pushes the inventory. Failures only log; the next
// trigger retries.
type submitInventoryState struct {
	c *Context
}

func (s *submitInventoryState) Name() string { return stateSubmitInventory }

func (s *submitInventoryState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	if err := s.c.inventory.Submit(ctx, s.c.identity(ctx)); err != nil {
		s.c.log.Warnf("inventory submission failed: %v", err)
		metrics.IncErrorCount(metrics.ComponentInventory)
	}
	poster.PostEvent(EventSuccess)
}

// pollForDeploymentState asks the server whether there is work.
type pollForDeploymentState struct {
	c *Context
}

func (s *pollForDeploymentState) Name() string { return statePollForDeployment }

func (s *pollForDeploymentState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	info, err := s.c.api.CheckNewDeployments(ctx, s.c.deviceType, s.c.installedArtifactName(ctx))
	if err != nil {
		s.c.log.Warnf("deployment check failed: %v", err)
		metrics.IncErrorCount(metrics.ComponentClient)
		poster.PostEvent(EventFailure)

		return
	}
	if info == nil {
		poster.PostEvent(EventNothingToDo)

		return
	}

	s.c.beginDeployment(info)
	s.c.log.Infof("deployment %s offers artifact %s", info.ID, info.Artifact.Name)
	poster.PostEvent(EventDeploymentStarted)
}

// statusReportState pushes one intermediate deployment status. A server-side
// abort raises EventDeploymentAborted; any other exhausted error fails the
// deployment.
type statusReportState struct {
	c      *Context
	name   string
	status client.DeploymentStatus
}

func (s *statusReportState) Name() string { return s.name }

func (s *statusReportState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	err := s.c.reportStatus(ctx, s.status)
	switch {
	case errors.Is(err, client.ErrDeploymentAborted):
		s.c.log.Warnf("deployment %s aborted by the server", s.c.sd.UpdateInfo.ID)
		s.c.aborted = true
		poster.PostEvent(EventDeploymentAborted)
	case err != nil:
		s.c.fail(poster, fmt.Errorf("failed to report %s status: %w", s.status, err))
	default:
		poster.PostEvent(EventSuccess)
	}
}

// downloadState fetches the artifact, validates its header against the
// device and hands the payload to the update module.
type downloadState struct {
	c *Context
}

func (s *downloadState) Name() string { return stateDownload }

func (s *downloadState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	err := s.c.runHooked(ctx, "Download", func() error {
		return s.download(ctx)
	})
	if err != nil {
		s.c.fail(poster, err)

		return
	}
	poster.PostEvent(EventSuccess)
}

func (s *downloadState) download(ctx context.Context) error {
	c := s.c

	body, err := c.api.FetchArtifact(ctx, c.sd.UpdateInfo.Artifact.Source.URI)
	if err != nil {
		return err
	}
	defer func() {
		_ = body.Close()
	}()

	art, err := c.artifacts.Open(body)
	if err != nil {
		return err
	}

	header := art.Header
	if !header.CompatibleWith(c.deviceType) {
		return fmt.Errorf("artifact %s is not compatible with device type %s", header.Name, c.deviceType)
	}
	if len(header.PayloadTypes) > 1 {
		return fmt.Errorf("artifact %s has %d payloads, only one is supported", header.Name, len(header.PayloadTypes))
	}

	// The artifact header is authoritative over the deployment offer.
	c.sd.UpdateInfo.Artifact.ArtifactName = header.Name
	c.sd.UpdateInfo.Artifact.ArtifactGroup = header.Group
	c.sd.UpdateInfo.Artifact.CompatibleDevices = header.CompatibleDevices
	c.sd.UpdateInfo.Artifact.PayloadTypes = header.PayloadTypes
	c.sd.UpdateInfo.Artifact.TypeInfoProvides = header.TypeInfoProvides
	c.sd.UpdateInfo.Artifact.ClearsArtifactProvides = header.ClearsProvides

	if len(header.PayloadTypes) == 0 {
		// Bootstrap artifact: nothing to install, the provides commit at the
		// end is the whole update.
		c.log.Infof("artifact %s carries no payload", header.Name)

		return nil
	}

	c.module = c.modules(header.PayloadTypes[0])

	headerInfo, err := header.HeaderInfoJSON()
	if err != nil {
		return err
	}
	if err := c.module.PrepareTree(headerInfo); err != nil {
		return err
	}

	for {
		name, file, err := art.NextPayloadFile()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := c.module.StorePayload(name, file); err != nil {
			return err
		}
	}

	return c.module.CallState(ctx, updatemodule.StateDownload)
}

// artifactInstallState runs the module's ArtifactInstall state.
type artifactInstallState struct {
	c *Context
}

func (s *artifactInstallState) Name() string { return stateArtifactInstall }

func (s *artifactInstallState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	err := s.c.runHooked(ctx, "ArtifactInstall", func() error {
		if s.c.module == nil {
			return nil
		}

		return s.c.module.CallState(ctx, updatemodule.StateArtifactInstall)
	})
	if err != nil {
		s.c.fail(poster, err)

		return
	}
	poster.PostEvent(EventSuccess)
}

// checkRebootState asks the module whether a reboot is needed and caches
// the answer in the deployment record for the post-reboot resume.
type checkRebootState struct {
	c *Context
}

func (s *checkRebootState) Name() string { return stateCheckReboot }

func (s *checkRebootState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	rebootType := datastore.RebootTypeNone
	if s.c.module != nil {
		action, err := s.c.module.NeedsReboot(ctx)
		if err != nil {
			s.c.fail(poster, fmt.Errorf("failed to query reboot requirement: %w", err))

			return
		}
		switch action {
		case updatemodule.RebootCustom:
			rebootType = datastore.RebootTypeCustom
		case updatemodule.RebootAutomatic:
			rebootType = datastore.RebootTypeAutomatic
		case updatemodule.RebootNone:
		}
	}

	s.c.sd.UpdateInfo.RebootRequested = []string{rebootType}
	if rebootType == datastore.RebootTypeNone {
		poster.PostEvent(EventNothingToDo)

		return
	}
	poster.PostEvent(EventSuccess)
}

// rebootState performs the reboot the module asked for. With an automatic
// reboot the process usually dies here and the daemon resumes in
// verify-reboot after the restart.
type rebootState struct {
	c *Context
}

func (s *rebootState) Name() string { return stateReboot }

func (s *rebootState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	err := s.c.scripts.RunScripts(ctx, "ArtifactReboot", scripts.ActionEnter)
	if err == nil {
		switch s.c.sd.UpdateInfo.RebootRequested[0] {
		case datastore.RebootTypeAutomatic:
			err = s.c.module.SystemReboot(ctx)
		default:
			err = s.c.module.CallState(ctx, updatemodule.StateArtifactReboot)
		}
	}
	if err != nil {
		_ = s.c.scripts.RunScripts(ctx, "ArtifactReboot", scripts.ActionError)
		s.c.fail(poster, err)

		return
	}
	poster.PostEvent(EventSuccess)
}

// verifyRebootState confirms the device came back on the new artifact. The
// ArtifactReboot leave scripts run here because this is where the reboot
// pair ends.
type verifyRebootState struct {
	c *Context
}

func (s *verifyRebootState) Name() string { return stateVerifyReboot }

func (s *verifyRebootState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	var err error
	if s.c.module != nil {
		err = s.c.module.CallState(ctx, updatemodule.StateArtifactVerifyReboot)
	}
	if err == nil {
		err = s.c.scripts.RunScripts(ctx, "ArtifactReboot", scripts.ActionLeave)
	}
	if err != nil {
		_ = s.c.scripts.RunScripts(ctx, "ArtifactReboot", scripts.ActionError)
		s.c.fail(poster, err)

		return
	}
	poster.PostEvent(EventSuccess)
}

// commitState makes the new artifact permanent. The ArtifactCommit leave
// scripts run in after-commit, once the commit is fully persisted.
type commitState struct {
	c *Context
}

func (s *commitState) Name() string { return stateCommit }

func (s *commitState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	err := s.c.scripts.RunScripts(ctx, "ArtifactCommit", scripts.ActionEnter)
	if err == nil && s.c.module != nil {
		err = s.c.module.CallState(ctx, updatemodule.StateArtifactCommit)
	}
	if err != nil {
		_ = s.c.scripts.RunScripts(ctx, "ArtifactCommit", scripts.ActionError)
		s.c.fail(poster, err)

		return
	}
	poster.PostEvent(EventSuccess)
}

// afterCommitState drops the schema-migration marker now that the commit
// point is passed and runs the ArtifactCommit leave scripts. From here on
// there is no way back to the old artifact.
type afterCommitState struct {
	c *Context
}

func (s *afterCommitState) Name() string { return stateAfterCommit }

func (s *afterCommitState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	s.c.sd.UpdateInfo.HasDBSchemaUpdate = false
	if !s.c.persist(ctx, poster, datastore.DBStateAfterCommit, false) {
		return
	}

	if err := s.c.scripts.RunScripts(ctx, "ArtifactCommit", scripts.ActionLeave); err != nil {
		s.c.fail(poster, err)

		return
	}
	poster.PostEvent(EventSuccess)
}

// checkRollbackState decides whether the failed deployment can be rolled
// back, caching the module's answer for resumes.
type checkRollbackState struct {
	c *Context
}

func (s *checkRollbackState) Name() string { return stateCheckRollback }

func (s *checkRollbackState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	if s.c.module == nil {
		s.c.sd.UpdateInfo.SupportsRollback = datastore.RollbackNotSupported
		poster.PostEvent(EventNothingToDo)

		return
	}

	supported, err := s.c.module.SupportsRollback(ctx)
	if err != nil {
		s.c.logError(fmt.Errorf("failed to query rollback support: %w", err))
		poster.PostEvent(EventNothingToDo)

		return
	}

	if !supported {
		s.c.sd.UpdateInfo.SupportsRollback = datastore.RollbackNotSupported
		poster.PostEvent(EventNothingToDo)

		return
	}

	s.c.sd.UpdateInfo.SupportsRollback = datastore.RollbackSupported
	poster.PostEvent(EventRollbackStarted)
	poster.PostEvent(EventSuccess)
}

// rollbackNotNeededState records that the deployment failed before anything
// was installed: the device is untouched, so no rollback has to run and the
// installed-artifact record stays as it is.
type rollbackNotNeededState struct {
	c *Context
}

func (s *rollbackNotNeededState) Name() string { return stateRollbackNotNeeded }

func (s *rollbackNotNeededState) OnEnter(_ context.Context, poster fsm.EventPoster) {
	poster.PostEvent(EventRollbackNotNeeded)
	poster.PostEvent(EventSuccess)
}

// rollbackState runs the module's rollback.
type rollbackState struct {
	c *Context
}

func (s *rollbackState) Name() string { return stateRollback }

func (s *rollbackState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	err := s.c.runHooked(ctx, "ArtifactRollback", func() error {
		if s.c.module == nil {
			return nil
		}

		return s.c.module.CallState(ctx, updatemodule.StateArtifactRollback)
	})
	if err != nil {
		s.c.fail(poster, err)

		return
	}

	s.c.sd.UpdateInfo.AllRollbacksSuccessful = true
	poster.PostEvent(EventSuccess)
}

// checkRollbackRebootState reuses the cached reboot answer: if the install
// direction rebooted, the rollback direction has to as well.
type checkRollbackRebootState struct {
	c *Context
}

func (s *checkRollbackRebootState) Name() string { return stateCheckRollbackReboot }

func (s *checkRollbackRebootState) OnEnter(_ context.Context, poster fsm.EventPoster) {
	requested := s.c.sd.UpdateInfo.RebootRequested
	if len(requested) == 0 || requested[0] == datastore.RebootTypeNone {
		poster.PostEvent(EventNothingToDo)

		return
	}
	poster.PostEvent(EventSuccess)
}

// rollbackRebootState reboots back onto the old artifact. Errors do not
// fail the rollback here; verify-rollback-reboot is the judge of whether
// the reboot worked.
type rollbackRebootState struct {
	c *Context
}

func (s *rollbackRebootState) Name() string { return stateRollbackReboot }

func (s *rollbackRebootState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	err := s.c.scripts.RunScripts(ctx, "ArtifactRollbackReboot", scripts.ActionEnter)
	if err == nil {
		switch s.c.sd.UpdateInfo.RebootRequested[0] {
		case datastore.RebootTypeAutomatic:
			err = s.c.module.SystemReboot(ctx)
		default:
			err = s.c.module.CallState(ctx, updatemodule.StateArtifactReboot)
		}
	}
	if err != nil {
		s.c.logError(fmt.Errorf("rollback reboot: %w", err))
	}
	poster.PostEvent(EventSuccess)
}

// verifyRollbackRebootState retries until the device is confirmed back on
// the old artifact. Giving up would leave the device in an unknown state,
// so the only way out of the retry loop is success or the state store
// counter tripping.
type verifyRollbackRebootState struct {
	c *Context
}

func (s *verifyRollbackRebootState) Name() string { return stateVerifyRollbackReboot }

func (s *verifyRollbackRebootState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	var err error
	if s.c.module != nil {
		err = s.c.module.CallState(ctx, updatemodule.StateArtifactVerifyReboot)
	}
	if err != nil {
		s.c.logError(fmt.Errorf("rollback reboot verification: %w", err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.c.cfg.RetryPollInterval):
		}
		poster.PostEvent(EventRetry)

		return
	}

	if err := s.c.scripts.RunScripts(ctx, "ArtifactRollbackReboot", scripts.ActionLeave); err != nil {
		s.c.log.Warnf("rollback reboot leave scripts: %v", err)
	}
	poster.PostEvent(EventSuccess)
}

// updateFailureState runs the module's failure handling.
type updateFailureState struct {
	c *Context
}

func (s *updateFailureState) Name() string { return stateUpdateFailure }

func (s *updateFailureState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	err := s.c.runHooked(ctx, "ArtifactFailure", func() error {
		if s.c.module == nil {
			return nil
		}

		return s.c.module.CallState(ctx, updatemodule.StateArtifactFailure)
	})
	if err != nil {
		s.c.fail(poster, err)

		return
	}
	poster.PostEvent(EventSuccess)
}

// saveProvidesState decides what the installed-artifact record looks like
// after this deployment and commits it atomically with the move to the
// cleanup state.
type saveProvidesState struct {
	c *Context
}

func (s *saveProvidesState) Name() string { return stateSaveProvides }

func (s *saveProvidesState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	c := s.c
	c.sd.Name = datastore.DBStateCleanup

	saveRecord := func(tx store.Transaction) error {
		return datastore.SaveDeploymentStateData(ctx, tx, c.sd, c.cfg.MaxStateDataStoreCount)
	}

	a := c.sd.UpdateInfo.Artifact
	err := c.store.WriteTransaction(ctx, func(tx store.Transaction) error {
		switch {
		case !c.failed:
			return datastore.CommitArtifactData(ctx, tx,
				a.ArtifactName, a.ArtifactGroup,
				a.TypeInfoProvides, a.ClearsArtifactProvides, saveRecord)
		case c.rollbackFail:
			// Failed without a successful rollback; the device may be on
			// either artifact. Record the new name with the broken marker so
			// nothing trusts this state.
			return datastore.CommitArtifactData(ctx, tx,
				a.ArtifactName+datastore.BrokenArtifactSuffix, a.ArtifactGroup,
				a.TypeInfoProvides, a.ClearsArtifactProvides, saveRecord)
		default:
			// Rolled back, or nothing was installed: the old artifact record
			// still describes reality.
			return saveRecord(tx)
		}
	})
	if err != nil {
		if errors.Is(err, datastore.ErrStateDataStoreCountExceeded) {
			c.logError(err)
			poster.PostEvent(EventStateLoopDetected)

			return
		}
		c.fail(poster, fmt.Errorf("failed to commit artifact data: %w", err))

		return
	}
	poster.PostEvent(EventSuccess)
}

// cleanupState lets the module remove its work tree.
type cleanupState struct {
	c *Context
}

func (s *cleanupState) Name() string { return stateCleanup }

func (s *cleanupState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	if s.c.module != nil {
		if err := s.c.module.Cleanup(ctx); err != nil {
			s.c.fail(poster, fmt.Errorf("module cleanup: %w", err))

			return
		}
	}
	poster.PostEvent(EventSuccess)
}

// sendFinalStatusState reports the deployment outcome and, on failure, the
// collected deployment log. Report errors are logged but no longer change
// the outcome.
type sendFinalStatusState struct {
	c *Context
}

func (s *sendFinalStatusState) Name() string { return stateSendFinalStatus }

func (s *sendFinalStatusState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	c := s.c
	if c.aborted {
		// The server closed the deployment; it does not accept further
		// reports for it.
		poster.PostEvent(EventSuccess)

		return
	}

	status := client.StatusSuccess
	if c.failed {
		status = client.StatusFailure
	}

	if c.failed && len(c.deploymentLog) > 0 {
		if err := c.api.PushLogs(ctx, c.sd.UpdateInfo.ID, c.deploymentLog); err != nil {
			c.log.Warnf("failed to push deployment log: %v", err)
		}
	}

	if err := c.reportStatus(ctx, status); err != nil {
		c.log.Errorf("failed to report final status %s: %v", status, err)
		metrics.IncErrorCount(metrics.ComponentClient)
	}
	poster.PostEvent(EventSuccess)
}

// clearStateDataState forgets the deployment record.
type clearStateDataState struct {
	c *Context
}

func (s *clearStateDataState) Name() string { return stateClearStateData }

func (s *clearStateDataState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	if err := datastore.RemoveStateData(ctx, s.c.store); err != nil {
		s.c.log.Errorf("failed to clear deployment state data: %v", err)
		metrics.IncErrorCount(metrics.ComponentStore)
	}
	poster.PostEvent(EventSuccess)
}

// endOfDeploymentState closes the books on the deployment and kicks off a
// fresh inventory push.
type endOfDeploymentState struct {
	c *Context
}

func (s *endOfDeploymentState) Name() string { return stateEndOfDeployment }

func (s *endOfDeploymentState) OnEnter(_ context.Context, poster fsm.EventPoster) {
	c := s.c
	outcome := c.outcome()
	metrics.ObserveDeployment(outcome)
	c.log.Infof("deployment %s finished: %s", c.sd.UpdateInfo.ID, outcome)

	c.endDeployment()

	poster.PostEvent(EventInventoryPollingTriggered)
	poster.PostEvent(EventDeploymentEnded)

	if c.stopAfterDeployment {
		c.runner.Stop()

		return
	}
	poster.PostEvent(EventSuccess)
}

// stateLoopState handles a tripped state store counter. The deployment is
// hopeless at this point; the artifact record gets the broken marker so
// the device's state is visibly suspect.
type stateLoopState struct {
	c *Context
}

func (s *stateLoopState) Name() string { return stateStateLoop }

func (s *stateLoopState) OnEnter(ctx context.Context, poster fsm.EventPoster) {
	c := s.c
	c.failed = true
	c.loopDetected = true
	c.logError(errors.New("aborting deployment, state loop detected"))

	a := c.sd.UpdateInfo.Artifact
	err := c.store.WriteTransaction(ctx, func(tx store.Transaction) error {
		return datastore.CommitArtifactData(ctx, tx,
			a.ArtifactName+datastore.BrokenArtifactSuffix, a.ArtifactGroup,
			a.TypeInfoProvides, a.ClearsArtifactProvides, nil)
	})
	if err != nil {
		c.log.Errorf("failed to mark artifact broken: %v", err)
	}
	poster.PostEvent(EventSuccess)
}

// Deployment tracking states. They only maintain the failure flags the
// main machine's states consult; transitions are driven by the same event
// stream.
const (
	trackingIdle              = "no-deployment"
	trackingNoFailures        = "no-failures"
	trackingFailed            = "failed"
	trackingRollbackNotNeeded = "rollback-not-needed"
	trackingRollbackAttempted = "rollback-attempted"
	trackingRollbackFailed    = "rollback-failed"
)

type trackingState struct {
	c            *Context
	name         string
	failed       bool
	rollbackFail bool
}

func (s *trackingState) Name() string { return s.name }

func (s *trackingState) OnEnter(_ context.Context, _ fsm.EventPoster) {
	if s.name == trackingIdle {
		return
	}
	s.c.failed = s.failed
	s.c.rollbackFail = s.rollbackFail
}
