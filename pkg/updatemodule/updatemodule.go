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

// Package updatemodule drives the external update module executables that
// know how to install a payload type. A module is called once per state as
// `<module> <StateName> <workdir>`; query states answer on stdout with a
// single line.
package updatemodule

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/update-agent/pkg/logger"
)

// ModuleState names the update module states, in call order.
type ModuleState string

const (
	StateDownload             ModuleState = "Download"
	StateArtifactInstall      ModuleState = "ArtifactInstall"
	StateNeedsArtifactReboot  ModuleState = "NeedsArtifactReboot"
	StateArtifactReboot       ModuleState = "ArtifactReboot"
	StateArtifactVerifyReboot ModuleState = "ArtifactVerifyReboot"
	StateSupportsRollback     ModuleState = "SupportsRollback"
	StateArtifactRollback     ModuleState = "ArtifactRollback"
	StateArtifactCommit       ModuleState = "ArtifactCommit"
	StateArtifactFailure      ModuleState = "ArtifactFailure"
	StateCleanup              ModuleState = "Cleanup"
)

// RebootAction is the module's answer to NeedsArtifactReboot.
type RebootAction string

const (
	RebootNone      RebootAction = "No"
	RebootAutomatic RebootAction = "Automatic"
	RebootCustom    RebootAction = "Yes"
)

// ErrTooManyLines is returned when a query state prints more than one line.
var ErrTooManyLines = errors.New("too many lines from update module")

// UpdateModule calls one update module executable against one work tree.
type UpdateModule struct {
	modulePath string
	workPath   string
	timeout    time.Duration
	log        *zap.SugaredLogger

	// rebootGrace is how long a successful ArtifactReboot via the system
	// `reboot` command may take before it is considered failed.
	rebootGrace time.Duration
}

// New returns an UpdateModule for the given payload type. The module
// executable is expected at <modulesDir>/<payloadType>.
func New(modulesDir, payloadType, workPath string, timeout time.Duration) *UpdateModule {
	return &UpdateModule{
		modulePath:  filepath.Join(modulesDir, payloadType),
		workPath:    workPath,
		timeout:     timeout,
		log:         logger.For(logger.ComponentUpdateModule),
		rebootGrace: 10 * time.Minute,
	}
}

// WorkPath returns the module's work tree root.
func (um *UpdateModule) WorkPath() string {
	return um.workPath
}

// PrepareTree creates the work tree and writes the artifact header the
// module reads during Download and ArtifactInstall.
func (um *UpdateModule) PrepareTree(headerInfo []byte) error {
	headerDir := filepath.Join(um.workPath, "header")
	if err := os.MkdirAll(headerDir, 0o755); err != nil {
		return fmt.Errorf("failed to create module work tree: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(um.workPath, "files"), 0o755); err != nil {
		return fmt.Errorf("failed to create module files dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(headerDir, "header-info"), headerInfo, 0o644); err != nil {
		return fmt.Errorf("failed to write header-info: %w", err)
	}

	return nil
}

// StorePayload streams one payload file into the work tree, where the
// module picks it up in the Download state.
func (um *UpdateModule) StorePayload(name string, r io.Reader) error {
	path := filepath.Join(um.workPath, "files", filepath.Base(name))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create payload file: %w", err)
	}

	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()

		return fmt.Errorf("failed to write payload file: %w", err)
	}

	return f.Close()
}

// CallState invokes the module for a non-query state. Module output is
// forwarded to the log.
func (um *UpdateModule) CallState(ctx context.Context, state ModuleState) error {
	_, err := um.call(ctx, state, false)

	return err
}

// CallStateCaptureLine invokes the module for a query state and returns the
// single line it printed. More than one non-empty line is a protocol error.
func (um *UpdateModule) CallStateCaptureLine(ctx context.Context, state ModuleState) (string, error) {
	return um.call(ctx, state, true)
}

// NeedsReboot queries whether installing this payload requires a reboot.
// An empty answer means no.
func (um *UpdateModule) NeedsReboot(ctx context.Context) (RebootAction, error) {
	line, err := um.CallStateCaptureLine(ctx, StateNeedsArtifactReboot)
	if err != nil {
		return "", err
	}

	switch line {
	case "", "No":
		return RebootNone, nil
	case "Automatic":
		return RebootAutomatic, nil
	case "Yes":
		return RebootCustom, nil
	default:
		return "", fmt.Errorf("invalid NeedsArtifactReboot answer: %q", line)
	}
}

// SupportsRollback queries whether the module can roll this payload back.
// An empty answer means no.
func (um *UpdateModule) SupportsRollback(ctx context.Context) (bool, error) {
	line, err := um.CallStateCaptureLine(ctx, StateSupportsRollback)
	if err != nil {
		return false, err
	}

	switch line {
	case "", "No":
		return false, nil
	case "Yes":
		return true, nil
	default:
		return false, fmt.Errorf("invalid SupportsRollback answer: %q", line)
	}
}

// Cleanup calls the module's Cleanup state and removes the work tree. The
// tree is removed even when the call fails; a missing tree is a no-op.
func (um *UpdateModule) Cleanup(ctx context.Context) error {
	callErr := um.CallState(ctx, StateCleanup)

	if err := os.RemoveAll(um.workPath); err != nil {
		if callErr == nil {
			callErr = fmt.Errorf("failed to remove module work tree: %w", err)
		} else {
			um.log.Errorf("failed to remove module work tree: %v", err)
		}
	}

	return callErr
}

func (um *UpdateModule) call(ctx context.Context, state ModuleState, capture bool) (string, error) {
	if _, err := os.Stat(um.workPath); err != nil {
		if state == StateCleanup && errors.Is(err, os.ErrNotExist) {
			return "", nil
		}

		return "", fmt.Errorf("%s: module work tree not usable: %w", state, err)
	}

	callCtx := ctx
	if um.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, um.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(callCtx, um.modulePath, string(state), um.workPath)
	cmd.Dir = um.workPath

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("%s: %w", state, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("%s: %w", state, err)
	}

	um.log.Debugf("calling update module: %s %s %s", um.modulePath, state, um.workPath)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("%s: failed to start update module: %w", state, err)
	}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			um.log.Infof("update module output (stderr): %s", scanner.Text())
		}
	}()

	var (
		firstLine    string
		lineCaptured bool
		tooManyLines bool
	)
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case !lineCaptured:
			firstLine = line
			lineCaptured = true
		case strings.TrimSpace(line) != "":
			tooManyLines = true
		}
		if !capture {
			um.log.Infof("update module output (stdout): %s", line)
		}
	}

	<-stderrDone
	if err := cmd.Wait(); err != nil {
		if callCtx.Err() != nil {
			return "", fmt.Errorf("%s: update module timed out: %w", state, callCtx.Err())
		}

		return "", fmt.Errorf("%s: update module failed: %w", state, err)
	}

	if capture && tooManyLines {
		return "", fmt.Errorf("%s: %w", state, ErrTooManyLines)
	}

	return firstLine, nil
}

// SystemReboot runs the system `reboot` command. The process is expected to
// be killed by the reboot; still being alive after the grace period means
// rebooting failed.
func (um *UpdateModule) SystemReboot(ctx context.Context) error {
	um.log.Info("calling `reboot` command and waiting for the system to restart")

	cmd := exec.CommandContext(ctx, "reboot")
	if err := cmd.Run(); err != nil {
		um.log.Warnf("`reboot` command returned error: %v", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(um.rebootGrace):
		return errors.New("`reboot` command did not kill us; rebooting failed")
	}
}
