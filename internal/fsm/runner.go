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

package fsm

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Runner drains one event queue into a set of state machines. Every event is
// offered to all attached machines in attachment order; machines that have a
// transition for it move and run their entry handler. Entry handlers run on
// the runner goroutine, so machines never act concurrently with each other.
type Runner struct {
	mu       sync.Mutex
	queue    []Event
	deferred []Event
	machines []*StateMachine
	wake     chan struct{}
	stopped  bool
	logger   *zap.SugaredLogger
}

// NewRunner creates a Runner with no machines attached.
func NewRunner(logger *zap.SugaredLogger) *Runner {
	return &Runner{
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

// AttachStateMachine adds sm to the set of machines events are offered to.
// Attach all machines before calling Run.
func (r *Runner) AttachStateMachine(sm *StateMachine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.machines = append(r.machines, sm)
}

// PostEvent enqueues ev. Safe to call from entry handlers, timers and other
// goroutines.
func (r *Runner) PostEvent(ev Event) {
	r.mu.Lock()
	r.queue = append(r.queue, ev)
	r.mu.Unlock()
	r.notify()
}

// Stop makes Run return after the event currently being dispatched.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.notify()
}

func (r *Runner) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) pop() (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.queue) == 0 {
		return "", false
	}

	ev := r.queue[0]
	r.queue = r.queue[1:]

	return ev, true
}

// requeueDeferred moves events parked as deferred back into the live queue.
// Called after a machine changed state, which is the only thing that can
// make a previously unhandled event handleable.
func (r *Runner) requeueDeferred() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.deferred) == 0 {
		return
	}

	r.queue = append(r.queue, r.deferred...)
	r.deferred = r.deferred[:0]
}

func (r *Runner) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.stopped
}

// Run enters every machine's current state once, then dispatches events
// until ctx is cancelled or Stop is called.
func (r *Runner) Run(ctx context.Context) error {
	for _, sm := range r.machines {
		sm.enterCurrent(ctx, r)
	}

	for {
		if r.isStopped() {
			return nil
		}

		ev, ok := r.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.wake:
				continue
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		r.dispatch(ctx, ev)
	}
}

func (r *Runner) dispatch(ctx context.Context, ev Event) {
	handled := false
	deferrable := false

	for _, sm := range r.machines {
		if sm.isDeferred(ev) {
			deferrable = true
		}
		if !sm.canHandle(ev) {
			continue
		}

		handled = true
		if err := sm.handle(ctx, ev, r); err != nil {
			r.logger.Errorf("event dispatch failed: %v", err)
		}
	}

	switch {
	case handled:
		r.requeueDeferred()
	case deferrable:
		r.logger.Debugf("deferring event %s, no machine accepts it now", ev)
		r.mu.Lock()
		r.deferred = append(r.deferred, ev)
		r.mu.Unlock()
	default:
		// An unmatched immediate event means a transition is missing from
		// some table. This is a bug in the caller, not a runtime condition.
		r.logger.DPanicf("event %s not handled by any state machine", ev)
	}
}
