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

// Package metrics holds the agent's prometheus counters. They are
// registered on the default registry; embedders that want to expose them
// can mount promhttp wherever fits their device.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Component labels.
const (
	ComponentDaemon       = "daemon"
	ComponentStandalone   = "standalone"
	ComponentStore        = "store"
	ComponentClient       = "client"
	ComponentUpdateModule = "update_module"
	ComponentInventory    = "inventory"
)

// Deployment outcome labels.
const (
	OutcomeSuccess        = "success"
	OutcomeFailure        = "failure"
	OutcomeAlreadyDone    = "already_installed"
	OutcomeAborted        = "aborted"
	OutcomeLoopDetected   = "state_loop"
	OutcomeRollbackFailed = "rollback_failed"
)

var (
	namespace = "update_agent"

	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component"},
	)

	stateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "State machine transitions by machine and entered state",
		},
		[]string{"machine", "state"},
	)

	deployments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_total",
			Help:      "Finished deployments by outcome",
		},
		[]string{"outcome"},
	)
)

// IncErrorCount increments the error counter for a component.
func IncErrorCount(component string) {
	errorCounter.WithLabelValues(component).Inc()
}

// ObserveStateTransition counts a machine entering a state.
func ObserveStateTransition(machine, state string) {
	stateTransitions.WithLabelValues(machine, state).Inc()
}

// ObserveDeployment counts a finished deployment.
func ObserveDeployment(outcome string) {
	deployments.WithLabelValues(outcome).Inc()
}
