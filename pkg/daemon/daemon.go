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
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/update-agent/internal/fsm"
	"github.com/united-manufacturing-hub/update-agent/pkg/datastore"
	"github.com/united-manufacturing-hub/update-agent/pkg/logger"
	"github.com/united-manufacturing-hub/update-agent/pkg/store"
)

// Daemon is the long-running update agent: two state machines on one
// runner, fed by the polling timers.
type Daemon struct {
	ctx      *Context
	runner   *fsm.Runner
	main     *fsm.StateMachine
	tracking *fsm.StateMachine

	mainStates     *mainStates
	trackingStates *trackingStates
}

// New assembles a Daemon around ctx. With stopAfterDeployment set the
// daemon exits once the first deployment it touches has ended, which is
// how devices under test are driven through exactly one update.
func New(ctx *Context, stopAfterDeployment bool) *Daemon {
	ctx.stopAfterDeployment = stopAfterDeployment
	ctx.runner = fsm.NewRunner(logger.For(logger.ComponentStateMachine))

	main := newMainStates(ctx)
	tracking := newTrackingStates(ctx)

	d := &Daemon{
		ctx:            ctx,
		runner:         ctx.runner,
		main:           newMainMachine(main),
		tracking:       newTrackingMachine(tracking),
		mainStates:     main,
		trackingStates: tracking,
	}

	// Tracking first: its flag updates must land before the main machine's
	// state handlers read them.
	d.runner.AttachStateMachine(d.tracking)
	d.runner.AttachStateMachine(d.main)

	return d
}

// resume checks for a deployment interrupted by a restart and positions
// both machines accordingly. A corrupt or looping record is dropped with
// the artifact marked broken rather than bricking the daemon.
func (d *Daemon) resume(ctx context.Context) error {
	c := d.ctx

	sd, err := datastore.LoadDeploymentStateData(ctx, c.store, c.cfg.MaxStateDataStoreCount)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case errors.Is(err, datastore.ErrUnsupportedStateDataVersion):
		return fmt.Errorf("cannot resume deployment: %w", err)
	case errors.Is(err, datastore.ErrStateDataStoreCountExceeded):
		c.log.Error("deployment record exceeded its store count during resume, dropping it")
		dropStateData(ctx, c)

		return nil
	case err != nil:
		c.log.Errorf("failed to load deployment record, dropping it: %v", err)
		dropStateData(ctx, c)

		return nil
	}

	c.resumeDeployment(sd)
	c.log.Infof("resuming deployment %s from state %s", sd.UpdateInfo.ID, sd.Name)

	mainState, trackingState := resumeStates(sd, d.mainStates, d.trackingStates)
	d.main.SetState(mainState)
	d.tracking.SetState(trackingState)

	return nil
}

func dropStateData(ctx context.Context, c *Context) {
	if err := datastore.RemoveStateData(ctx, c.store); err != nil {
		c.log.Errorf("failed to remove deployment record: %v", err)
	}
}

// Run resumes any interrupted deployment and serves polling triggers until
// ctx is cancelled or, with stopAfterDeployment, the deployment ends.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.resume(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancel()

		return d.runner.Run(gctx)
	})
	g.Go(d.triggerLoop(gctx, d.ctx.cfg.InventoryPollInterval, EventInventoryPollingTriggered))
	g.Go(d.triggerLoop(gctx, d.ctx.cfg.UpdatePollInterval, EventDeploymentPollingTriggered))

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// triggerLoop posts ev immediately and then on every interval tick.
func (d *Daemon) triggerLoop(ctx context.Context, interval time.Duration, ev fsm.Event) func() error {
	return func() error {
		d.runner.PostEvent(ev)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				d.runner.PostEvent(ev)
			}
		}
	}
}
