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

// Package daemon implements the polling update orchestrator: it asks the
// server for deployments, drives them through download, install, reboot,
// commit and rollback, and reports progress back. All control flow lives in
// two state machines fed by one event queue; crash recovery re-enters the
// machines from the persisted deployment record.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/update-agent/internal/fsm"
	"github.com/united-manufacturing-hub/update-agent/pkg/artifact"
	"github.com/united-manufacturing-hub/update-agent/pkg/client"
	"github.com/united-manufacturing-hub/update-agent/pkg/config"
	"github.com/united-manufacturing-hub/update-agent/pkg/datastore"
	"github.com/united-manufacturing-hub/update-agent/pkg/inventory"
	"github.com/united-manufacturing-hub/update-agent/pkg/logger"
	"github.com/united-manufacturing-hub/update-agent/pkg/metrics"
	"github.com/united-manufacturing-hub/update-agent/pkg/scripts"
	"github.com/united-manufacturing-hub/update-agent/pkg/store"
	"github.com/united-manufacturing-hub/update-agent/pkg/updatemodule"
)

// Events consumed by the daemon's state machines.
const (
	EventSuccess                    fsm.Event = "success"
	EventFailure                    fsm.Event = "failure"
	EventNothingToDo                fsm.Event = "nothing-to-do"
	EventRetry                      fsm.Event = "retry"
	EventStateLoopDetected          fsm.Event = "state-loop-detected"
	EventDeploymentStarted          fsm.Event = "deployment-started"
	EventDeploymentEnded            fsm.Event = "deployment-ended"
	EventRollbackStarted            fsm.Event = "rollback-started"
	EventRollbackNotNeeded          fsm.Event = "rollback-not-needed"
	EventDeploymentAborted          fsm.Event = "deployment-aborted"
	EventDeploymentPollingTriggered fsm.Event = "deployment-polling-triggered"
	EventInventoryPollingTriggered  fsm.Event = "inventory-polling-triggered"
)

// ModuleRunner is the slice of updatemodule.UpdateModule the daemon states
// use; tests substitute fakes.
type ModuleRunner interface {
	PrepareTree(headerInfo []byte) error
	StorePayload(name string, r io.Reader) error
	CallState(ctx context.Context, state updatemodule.ModuleState) error
	NeedsReboot(ctx context.Context) (updatemodule.RebootAction, error)
	SupportsRollback(ctx context.Context) (bool, error)
	Cleanup(ctx context.Context) error
	SystemReboot(ctx context.Context) error
}

// ModuleFactory builds the module runner for a payload type.
type ModuleFactory func(payloadType string) ModuleRunner

// Context is the shared state of one daemon run. It is only touched from
// the runner goroutine.
type Context struct {
	cfg       config.Config
	store     store.Store
	api       client.DeploymentsAPI
	scripts   *scripts.Runner
	artifacts artifact.Reader
	modules   ModuleFactory
	inventory *inventory.Submitter
	runner    *fsm.Runner
	log       *zap.SugaredLogger

	deviceType string

	// Per-deployment state, reset by beginDeployment/endDeployment.
	sd            *datastore.StateData
	module        ModuleRunner
	attemptID     string
	failed        bool
	rollbackFail  bool
	aborted       bool
	loopDetected  bool
	deploymentLog []client.LogMessage

	stopAfterDeployment bool
}

// NewContext wires a daemon context. modules may be nil, in which case real
// update modules from the configured directory are used.
func NewContext(cfg config.Config, st store.Store, api client.DeploymentsAPI, modules ModuleFactory) (*Context, error) {
	deviceType, err := datastore.GetDeviceType(cfg.DeviceTypeFile)
	if err != nil {
		return nil, fmt.Errorf("failed to determine device type: %w", err)
	}

	if modules == nil {
		modules = func(payloadType string) ModuleRunner {
			return updatemodule.New(cfg.ModulesDir, payloadType, cfg.ModulesWorkPath(), cfg.UpdateModuleTimeout)
		}
	}

	return &Context{
		cfg:        cfg,
		store:      st,
		api:        api,
		scripts:    scripts.NewRunner(cfg.ScriptsDir, cfg.UpdateModuleTimeout),
		artifacts:  artifact.NewTarReader(),
		modules:    modules,
		inventory:  inventory.NewSubmitter(api),
		log:        logger.For(logger.ComponentDaemon),
		deviceType: deviceType,
	}, nil
}

// beginDeployment installs the deployment record for a freshly offered
// deployment and prepares the per-deployment context.
func (c *Context) beginDeployment(info *client.DeploymentInfo) {
	c.sd = &datastore.StateData{
		Version: datastore.StateDataVersion,
		UpdateInfo: datastore.UpdateInfo{
			ID: info.ID,
			Artifact: datastore.Artifact{
				Source: datastore.ArtifactSource{
					URI:    info.Artifact.Source.URI,
					Expire: info.Artifact.Source.Expire,
				},
				CompatibleDevices:      info.Artifact.DeviceTypesCompatible,
				PayloadTypes:           info.Artifact.PayloadTypes,
				ArtifactName:           info.Artifact.Name,
				ArtifactGroup:          info.Artifact.Group,
				TypeInfoProvides:       info.Artifact.Provides,
				ClearsArtifactProvides: info.Artifact.ClearsProvides,
			},
		},
	}
	c.module = nil
	c.attemptID = uuid.New().String()
	c.failed = false
	c.rollbackFail = false
	c.aborted = false
	c.loopDetected = false
	c.deploymentLog = nil
	c.log = logger.For(logger.ComponentDaemon).With(
		"deployment_id", info.ID, "attempt_id", c.attemptID)
}

// resumeDeployment restores the per-deployment context from a loaded
// record.
func (c *Context) resumeDeployment(sd *datastore.StateData) {
	c.sd = sd
	c.attemptID = uuid.New().String()
	c.deploymentLog = nil
	c.log = logger.For(logger.ComponentDaemon).With(
		"deployment_id", sd.UpdateInfo.ID, "attempt_id", c.attemptID)

	// The module tree may have survived the restart; hand the module to the
	// resumed states so cleanup and rollback can talk to it.
	if len(sd.UpdateInfo.Artifact.PayloadTypes) > 0 {
		c.module = c.modules(sd.UpdateInfo.Artifact.PayloadTypes[0])
	}
}

func (c *Context) endDeployment() {
	c.sd = nil
	c.module = nil
	c.failed = false
	c.rollbackFail = false
	c.aborted = false
	c.loopDetected = false
	c.deploymentLog = nil
	c.log = logger.For(logger.ComponentDaemon)
}

// outcome names how the deployment ended, for metrics.
func (c *Context) outcome() string {
	switch {
	case c.loopDetected:
		return metrics.OutcomeLoopDetected
	case c.rollbackFail:
		return metrics.OutcomeRollbackFailed
	case c.aborted:
		return metrics.OutcomeAborted
	case c.failed:
		return metrics.OutcomeFailure
	default:
		return metrics.OutcomeSuccess
	}
}

// saveStateData persists the deployment record under the given database
// state name.
func (c *Context) saveStateData(ctx context.Context, dbName string) error {
	c.sd.Name = dbName

	return c.store.WriteTransaction(ctx, func(tx store.Transaction) error {
		return datastore.SaveDeploymentStateData(ctx, tx, c.sd, c.cfg.MaxStateDataStoreCount)
	})
}

// persist saves the deployment record under dbName and turns persistence
// problems into the matching events. Returns true when the caller may run
// its state body. failureState states proceed even when the save fails,
// since posting another failure there would loop.
func (c *Context) persist(ctx context.Context, poster fsm.EventPoster, dbName string, failureState bool) bool {
	err := c.saveStateData(ctx, dbName)
	if err == nil {
		return true
	}

	if errors.Is(err, datastore.ErrStateDataStoreCountExceeded) {
		c.logError(fmt.Errorf("deployment seems to be looping: %w", err))
		poster.PostEvent(EventStateLoopDetected)

		return false
	}

	c.logError(fmt.Errorf("failed to persist deployment state %s: %w", dbName, err))
	if failureState {
		return true
	}
	poster.PostEvent(EventFailure)

	return false
}

// runHooked runs body between the Enter and Leave state scripts of
// scriptState, running the Error scripts instead of Leave when either the
// enter scripts or the body fail.
func (c *Context) runHooked(ctx context.Context, scriptState string, body func() error) error {
	err := c.scripts.RunScripts(ctx, scriptState, scripts.ActionEnter)
	if err == nil {
		err = body()
	}
	if err != nil {
		_ = c.scripts.RunScripts(ctx, scriptState, scripts.ActionError)

		return err
	}

	return c.scripts.RunScripts(ctx, scriptState, scripts.ActionLeave)
}

// reportStatus pushes a deployment status with exponential backoff.
// ErrDeploymentAborted is never retried.
func (c *Context) reportStatus(ctx context.Context, status client.DeploymentStatus) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryPollInterval
	bo.MaxInterval = c.cfg.UpdatePollInterval

	operation := func() error {
		err := c.api.PushStatus(ctx, c.sd.UpdateInfo.ID, status)
		if errors.Is(err, client.ErrDeploymentAborted) {
			return backoff.Permanent(err)
		}

		return err
	}

	return backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(c.cfg.RetryPollCount)), ctx))
}

// logError records err in the daemon log and the deployment log that may be
// pushed to the server.
func (c *Context) logError(err error) {
	c.log.Errorf("%v", err)
	metrics.IncErrorCount(metrics.ComponentDaemon)
	c.deploymentLog = append(c.deploymentLog, client.LogMessage{
		Timestamp: time.Now().UTC(),
		Level:     "error",
		Message:   err.Error(),
	})
}

// fail records err and posts the failure event.
func (c *Context) fail(poster fsm.EventPoster, err error) {
	c.logError(err)
	poster.PostEvent(EventFailure)
}

func (c *Context) installedArtifactName(ctx context.Context) string {
	data, err := datastore.LoadArtifactData(ctx, c.store)
	if err != nil {
		if !errors.Is(err, datastore.ErrNoArtifactName) {
			c.log.Warnf("failed to read installed artifact name: %v", err)
		}

		return "unknown"
	}

	return data.Name
}

func (c *Context) identity(ctx context.Context) inventory.Identity {
	identity := inventory.Identity{
		DeviceType:   c.deviceType,
		ArtifactName: "unknown",
	}
	data, err := datastore.LoadArtifactData(ctx, c.store)
	if err == nil {
		identity.ArtifactName = data.Name
		identity.ArtifactGroup = data.Group
	}

	return identity
}
