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

// Package fsm implements the event-driven state machine engine the update
// orchestrators are built on. Transition tables are kept in looplab/fsm;
// this package adds typed states with entry handlers, an event queue shared
// by several machines, and deferred event delivery.
package fsm

import (
	"context"
	"errors"
	"fmt"

	loopfsm "github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/update-agent/pkg/metrics"
)

// Event identifies something that happened which may move one or more state
// machines forward.
type Event string

// TransitionFlag controls how an event behaves when no machine can currently
// accept it.
type TransitionFlag int

const (
	// Immediate events must be handled by some machine when they are
	// dispatched; an unhandled immediate event is a programming error.
	Immediate TransitionFlag = iota
	// Deferred events are kept in the queue until a machine reaches a state
	// that accepts them.
	Deferred
)

// EventPoster lets state entry handlers feed events back into the runner.
type EventPoster interface {
	PostEvent(ev Event)
}

// State is a node in a state machine. OnEnter runs every time the machine
// transitions into the state, and once for the initial state when the runner
// starts. Handlers may block; they receive the runner's context.
type State interface {
	Name() string
	OnEnter(ctx context.Context, poster EventPoster)
}

// StateMachine is one transition table plus the State objects behind it.
// Build it with AddTransition calls before attaching it to a Runner; the
// underlying table is frozen on first use.
type StateMachine struct {
	name        string
	states      map[string]State
	transitions []loopfsm.EventDesc
	deferred    map[Event]bool
	machine     *loopfsm.FSM
	initial     State
	logger      *zap.SugaredLogger
}

// NewStateMachine creates an empty machine starting in initial.
func NewStateMachine(name string, initial State, logger *zap.SugaredLogger) *StateMachine {
	sm := &StateMachine{
		name:     name,
		states:   make(map[string]State),
		deferred: make(map[Event]bool),
		initial:  initial,
		logger:   logger,
	}
	sm.registerState(initial)

	return sm
}

func (sm *StateMachine) registerState(state State) {
	existing, ok := sm.states[state.Name()]
	if ok && existing != state {
		sm.logger.DPanicf("state machine %s: duplicate state name %s", sm.name, state.Name())
	}
	sm.states[state.Name()] = state
}

// AddTransition wires src --ev--> dst. Marking any transition of an event as
// Deferred makes the whole event deferrable on this machine.
func (sm *StateMachine) AddTransition(src State, ev Event, dst State, flag TransitionFlag) {
	if sm.machine != nil {
		sm.logger.DPanicf("state machine %s: AddTransition after start", sm.name)

		return
	}

	sm.registerState(src)
	sm.registerState(dst)
	sm.transitions = append(sm.transitions, loopfsm.EventDesc{
		Name: string(ev),
		Src:  []string{src.Name()},
		Dst:  dst.Name(),
	})
	if flag == Deferred {
		sm.deferred[ev] = true
	}
}

// SetState forces the machine into state without running entry handlers.
// Used to pick up where a previous process left off before the runner
// starts.
func (sm *StateMachine) SetState(state State) {
	sm.registerState(state)
	if sm.machine == nil {
		sm.initial = state

		return
	}
	sm.machine.SetState(state.Name())
}

// Current returns the state object the machine is in.
func (sm *StateMachine) Current() State {
	if sm.machine == nil {
		return sm.initial
	}

	return sm.states[sm.machine.Current()]
}

func (sm *StateMachine) start() {
	if sm.machine != nil {
		return
	}
	sm.machine = loopfsm.NewFSM(sm.initial.Name(), sm.transitions, loopfsm.Callbacks{})
}

func (sm *StateMachine) canHandle(ev Event) bool {
	sm.start()

	return sm.machine.Can(string(ev))
}

func (sm *StateMachine) isDeferred(ev Event) bool {
	return sm.deferred[ev]
}

// handle moves the machine and runs the destination state's entry handler.
// Self-transitions re-run the entry handler of the current state.
func (sm *StateMachine) handle(ctx context.Context, ev Event, poster EventPoster) error {
	from := sm.machine.Current()
	if err := sm.machine.Event(ctx, string(ev)); err != nil {
		var noTransition loopfsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			return fmt.Errorf("state machine %s: event %s in state %s: %w", sm.name, ev, from, err)
		}
	}

	current := sm.states[sm.machine.Current()]
	sm.logger.Debugf("%s: %s --(%s)--> %s", sm.name, from, ev, current.Name())
	metrics.ObserveStateTransition(sm.name, current.Name())
	current.OnEnter(ctx, poster)

	return nil
}

func (sm *StateMachine) enterCurrent(ctx context.Context, poster EventPoster) {
	sm.start()
	current := sm.states[sm.machine.Current()]
	sm.logger.Debugf("%s: entering initial state %s", sm.name, current.Name())
	metrics.ObserveStateTransition(sm.name, current.Name())
	current.OnEnter(ctx, poster)
}
