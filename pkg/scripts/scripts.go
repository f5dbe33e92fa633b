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

// Package scripts runs operator-provided state scripts around update
// states. Scripts live in one directory and are named
// <State>_<Action>_<NN>[_description], e.g. Download_Enter_05_wifi; they
// run in lexical order.
package scripts

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/update-agent/pkg/logger"
)

// Action is the hook position relative to the state.
type Action string

const (
	ActionEnter Action = "Enter"
	ActionLeave Action = "Leave"
	ActionError Action = "Error"
)

// Runner executes state scripts from one directory. A missing directory
// means no scripts are installed and every run succeeds.
type Runner struct {
	dir     string
	timeout time.Duration
	log     *zap.SugaredLogger
}

// NewRunner returns a Runner over dir. timeout bounds each script run;
// zero means no limit.
func NewRunner(dir string, timeout time.Duration) *Runner {
	return &Runner{
		dir:     dir,
		timeout: timeout,
		log:     logger.For(logger.ComponentScripts),
	}
}

// RunScripts executes all scripts for the given state and action. Error
// hooks are best effort: failures are logged but do not fail the run,
// since they already execute on a failure path.
func (r *Runner) RunScripts(ctx context.Context, state string, action Action) error {
	matches, err := r.collect(state, action)
	if err != nil {
		return err
	}

	for _, script := range matches {
		if err := r.runOne(ctx, script); err != nil {
			if action == ActionError {
				r.log.Errorf("state script failed: %v", err)

				continue
			}

			return err
		}
	}

	return nil
}

func (r *Runner) collect(state string, action Action) ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state scripts dir: %w", err)
	}

	prefix := state + "_" + string(action) + "_"
	var matches []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		matches = append(matches, filepath.Join(r.dir, entry.Name()))
	}
	sort.Strings(matches)

	return matches, nil
}

func (r *Runner) runOne(ctx context.Context, script string) error {
	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	r.log.Debugf("running state script %s", script)
	cmd := exec.CommandContext(runCtx, script)
	output, err := cmd.CombinedOutput()
	if len(output) > 0 {
		r.log.Infof("state script %s output: %s", filepath.Base(script), strings.TrimSpace(string(output)))
	}
	if err != nil {
		return fmt.Errorf("state script %s: %w", filepath.Base(script), err)
	}

	return nil
}
