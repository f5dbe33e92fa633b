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
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"
)

func TestFSM(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "FSM Engine Suite")
}

type recordingState struct {
	name    string
	entered *[]string
	onEnter func(poster EventPoster)
}

func (s *recordingState) Name() string { return s.name }

func (s *recordingState) OnEnter(ctx context.Context, poster EventPoster) {
	if s.entered != nil {
		*s.entered = append(*s.entered, s.name)
	}
	if s.onEnter != nil {
		s.onEnter(poster)
	}
}

var _ = Describe("Runner", func() {
	var (
		runner  *Runner
		entered []string
	)

	newState := func(name string, onEnter func(poster EventPoster)) *recordingState {
		return &recordingState{name: name, entered: &entered, onEnter: onEnter}
	}

	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		Expect(runner.Run(ctx)).To(Succeed())
	}

	BeforeEach(func() {
		entered = nil
		runner = NewRunner(zaptest.NewLogger(GinkgoT()).Sugar())
	})

	It("enters the initial state and follows transitions in post order", func() {
		var a, b, c *recordingState
		a = newState("a", func(poster EventPoster) { poster.PostEvent("go-b") })
		b = newState("b", func(poster EventPoster) { poster.PostEvent("go-c") })
		c = newState("c", func(poster EventPoster) { runner.Stop() })

		sm := NewStateMachine("test", a, zaptest.NewLogger(GinkgoT()).Sugar())
		sm.AddTransition(a, "go-b", b, Immediate)
		sm.AddTransition(b, "go-c", c, Immediate)
		runner.AttachStateMachine(sm)

		run()
		Expect(entered).To(Equal([]string{"a", "b", "c"}))
	})

	It("offers one event to every attached machine", func() {
		idleA := newState("idle-a", nil)
		doneA := newState("done-a", nil)
		idleB := newState("idle-b", nil)
		doneB := newState("done-b", func(poster EventPoster) { runner.Stop() })

		smA := NewStateMachine("a", idleA, zaptest.NewLogger(GinkgoT()).Sugar())
		smA.AddTransition(idleA, "finish", doneA, Immediate)
		smB := NewStateMachine("b", idleB, zaptest.NewLogger(GinkgoT()).Sugar())
		smB.AddTransition(idleB, "finish", doneB, Immediate)

		runner.AttachStateMachine(smA)
		runner.AttachStateMachine(smB)

		runner.PostEvent("finish")
		run()

		Expect(entered).To(ContainElements("done-a", "done-b"))
		Expect(smA.Current().Name()).To(Equal("done-a"))
		Expect(smB.Current().Name()).To(Equal("done-b"))
	})

	It("holds deferred events until a state accepts them", func() {
		var idle, busy *recordingState
		idle = newState("idle", nil)
		working := newState("working", func(poster EventPoster) { poster.PostEvent("done") })
		busy = working
		finished := newState("finished", func(poster EventPoster) { runner.Stop() })

		sm := NewStateMachine("test", idle, zaptest.NewLogger(GinkgoT()).Sugar())
		sm.AddTransition(idle, "poll", busy, Deferred)
		sm.AddTransition(busy, "done", finished, Immediate)
		sm.AddTransition(finished, "poll", finished, Deferred)

		// The first poll is consumable, the second arrives while working
		// and must wait for the finished state.
		runner.AttachStateMachine(sm)
		runner.PostEvent("poll")
		runner.PostEvent("poll")
		run()

		Expect(entered).To(Equal([]string{"idle", "working", "finished", "finished"}))
	})

	It("resumes from a forced state without replaying earlier states", func() {
		a := newState("a", nil)
		b := newState("b", nil)
		c := newState("c", func(poster EventPoster) { runner.Stop() })

		sm := NewStateMachine("test", a, zaptest.NewLogger(GinkgoT()).Sugar())
		sm.AddTransition(a, "next", b, Immediate)
		sm.AddTransition(b, "next", c, Immediate)
		sm.SetState(b)
		runner.AttachStateMachine(sm)

		runner.PostEvent("next")
		run()

		Expect(entered).To(Equal([]string{"b", "c"}))
	})

	It("counts every state entry in the transition metric", func() {
		// The counters live on the default registry and accumulate across
		// specs, so compare against the values gathered up front.
		transitionCount := func(state string) float64 {
			families, err := prometheus.DefaultGatherer.Gather()
			Expect(err).ToNot(HaveOccurred())
			for _, family := range families {
				if family.GetName() != "update_agent_state_transitions_total" {
					continue
				}
				for _, metric := range family.GetMetric() {
					labels := make(map[string]string)
					for _, pair := range metric.GetLabel() {
						labels[pair.GetName()] = pair.GetValue()
					}
					if labels["machine"] == "counted" && labels["state"] == state {
						return metric.GetCounter().GetValue()
					}
				}
			}

			return 0
		}
		beforeA := transitionCount("a")
		beforeB := transitionCount("b")

		a := newState("a", func(poster EventPoster) { poster.PostEvent("next") })
		b := newState("b", func(poster EventPoster) { runner.Stop() })
		sm := NewStateMachine("counted", a, zaptest.NewLogger(GinkgoT()).Sugar())
		sm.AddTransition(a, "next", b, Immediate)
		runner.AttachStateMachine(sm)

		run()

		Expect(transitionCount("a")).To(Equal(beforeA + 1))
		Expect(transitionCount("b")).To(Equal(beforeB + 1))
	})

	It("stops on context cancellation", func() {
		idle := newState("idle", nil)
		sm := NewStateMachine("test", idle, zaptest.NewLogger(GinkgoT()).Sugar())
		runner.AttachStateMachine(sm)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- runner.Run(ctx) }()

		cancel()
		Eventually(done).Should(Receive(MatchError(context.Canceled)))
	})
})
