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

// Package standalone implements the CLI-driven update flow: one process
// invocation runs one slice of the update, and the slices are stitched
// together through a record in the store. Install streams and installs an
// artifact, then pauses when the update module supports rollback; Commit,
// Rollback and Resume pick the update up from the recorded checkpoint.
package standalone

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/update-agent/internal/fsm"
	"github.com/united-manufacturing-hub/update-agent/pkg/artifact"
	"github.com/united-manufacturing-hub/update-agent/pkg/client"
	"github.com/united-manufacturing-hub/update-agent/pkg/config"
	"github.com/united-manufacturing-hub/update-agent/pkg/datastore"
	"github.com/united-manufacturing-hub/update-agent/pkg/logger"
	"github.com/united-manufacturing-hub/update-agent/pkg/metrics"
	"github.com/united-manufacturing-hub/update-agent/pkg/scripts"
	"github.com/united-manufacturing-hub/update-agent/pkg/store"
	"github.com/united-manufacturing-hub/update-agent/pkg/updatemodule"
)

// Result is a bitset describing what one invocation did. Flags are only
// ever added, never cleared, so a caller can tell a partial success from a
// complete failure.
type Result uint32

const (
	ResultNothingDone        Result = 0x0
	ResultNoUpdateInProgress Result = 0x1
	ResultDownloaded         Result = 0x2
	ResultDownloadFailed     Result = 0x4
	ResultInstalled          Result = 0x8
	ResultInstallFailed      Result = 0x10
	ResultRebootRequired     Result = 0x20
	ResultCommitted          Result = 0x40
	ResultCommitFailed       Result = 0x80
	ResultFailed             Result = 0x100
	ResultFailedInPostCommit Result = 0x200
	ResultNoRollback         Result = 0x400
	ResultRolledBack         Result = 0x800
	ResultNoRollbackNeeded   Result = 0x1000
	ResultRollbackFailed     Result = 0x2000
	ResultCleaned            Result = 0x4000
	ResultCleanupFailed      Result = 0x8000
)

// Contains reports whether all of flags are set.
func (r Result) Contains(flags Result) bool {
	return r&flags == flags
}

// NoneOf reports whether none of flags are set.
func (r Result) NoneOf(flags Result) bool {
	return r&flags == 0
}

var resultNames = []struct {
	flag Result
	name string
}{
	{ResultNoUpdateInProgress, "no-update-in-progress"},
	{ResultDownloaded, "downloaded"},
	{ResultDownloadFailed, "download-failed"},
	{ResultInstalled, "installed"},
	{ResultInstallFailed, "install-failed"},
	{ResultRebootRequired, "reboot-required"},
	{ResultCommitted, "committed"},
	{ResultCommitFailed, "commit-failed"},
	{ResultFailed, "failed"},
	{ResultFailedInPostCommit, "failed-in-post-commit"},
	{ResultNoRollback, "no-rollback"},
	{ResultRolledBack, "rolled-back"},
	{ResultNoRollbackNeeded, "no-rollback-necessary"},
	{ResultRollbackFailed, "rollback-failed"},
	{ResultCleaned, "cleaned"},
	{ResultCleanupFailed, "cleanup-failed"},
}

func (r Result) String() string {
	if r == ResultNothingDone {
		return "nothing-done"
	}

	var names []string
	for _, entry := range resultNames {
		if r.Contains(entry.flag) {
			names = append(names, entry.name)
		}
	}

	return strings.Join(names, "|")
}

// StateDataVersion is the record schema written by this client. Version 1
// records from the pre-checkpoint client are accepted on load.
const StateDataVersion = 2

// Checkpoint names recorded in StateData.InState. Each marks the point the
// update has durably reached; a later invocation continues from there.
const (
	InStateArtifactInstallEnter  = "ArtifactInstall_Enter"
	InStateArtifactCommitEnter   = "ArtifactCommit_Enter"
	InStatePostArtifactCommit    = "PostArtifactCommit"
	InStateArtifactCommitLeave   = "ArtifactCommit_Leave"
	InStateArtifactRollbackEnter = "ArtifactRollback_Enter"
	InStateArtifactFailureEnter  = "ArtifactFailure_Enter"
	InStateCleanup               = "Cleanup"
)

// ErrNoUpdateInProgress is returned by Commit, Rollback and Resume when no
// update record exists.
var ErrNoUpdateInProgress = errors.New("no update in progress")

// StateData is the standalone update record. Field names are part of the
// on-device format.
type StateData struct {
	Version                int               `json:"Version"`
	ArtifactName           string            `json:"ArtifactName"`
	ArtifactGroup          string            `json:"ArtifactGroup"`
	TypeInfoProvides       map[string]string `json:"ArtifactTypeInfoProvides,omitempty"`
	ClearsArtifactProvides []string          `json:"ArtifactClearsProvides,omitempty"`
	PayloadTypes           []string          `json:"PayloadTypes"`

	// Introduced in version 2.
	InState    string `json:"in_state"`
	Failed     bool   `json:"failed"`
	RolledBack bool   `json:"rolled_back"`
}

// LoadStateData reads the standalone record, or returns nil when no update
// is in progress.
func LoadStateData(ctx context.Context, tx store.Transaction) (*StateData, error) {
	raw, err := tx.ReadAll(ctx, datastore.KeyStandaloneState)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var sd StateData
	if err := json.Unmarshal(raw, &sd); err != nil {
		return nil, fmt.Errorf("failed to decode standalone state data: %w", err)
	}

	switch sd.Version {
	case StateDataVersion:
	case 1:
		// The version 1 client had exactly one pause point: installed,
		// waiting for commit or rollback.
		sd.Version = StateDataVersion
		sd.InState = InStateArtifactCommitEnter
	default:
		return nil, fmt.Errorf("unsupported standalone state data version %d", sd.Version)
	}

	if sd.ArtifactName == "" {
		return nil, errors.New("standalone state data has no artifact name")
	}
	if len(sd.PayloadTypes) == 0 {
		return nil, errors.New("standalone state data has no payload types")
	}
	if len(sd.PayloadTypes) >= 2 {
		return nil, errors.New("multiple payloads are not supported in standalone mode")
	}

	return &sd, nil
}

// SaveStateData writes the standalone record. tx may be a store or an open
// transaction.
func SaveStateData(ctx context.Context, tx store.Transaction, sd *StateData) error {
	sd.Version = StateDataVersion
	encoded, err := json.Marshal(sd)
	if err != nil {
		return fmt.Errorf("failed to encode standalone state data: %w", err)
	}

	return tx.Write(ctx, datastore.KeyStandaloneState, encoded)
}

// RemoveStateData deletes the standalone record.
func RemoveStateData(ctx context.Context, tx store.Transaction) error {
	return tx.Remove(ctx, datastore.KeyStandaloneState)
}

func stateDataFromHeader(header artifact.View) *StateData {
	payloadTypes := header.PayloadTypes
	if len(payloadTypes) == 0 {
		payloadTypes = []string{""}
	}

	return &StateData{
		Version:                StateDataVersion,
		ArtifactName:           header.Name,
		ArtifactGroup:          header.Group,
		TypeInfoProvides:       header.TypeInfoProvides,
		ClearsArtifactProvides: header.ClearsProvides,
		PayloadTypes:           payloadTypes,
	}
}

// ModuleRunner is the slice of updatemodule.UpdateModule the standalone
// states use; tests substitute fakes.
type ModuleRunner interface {
	PrepareTree(headerInfo []byte) error
	StorePayload(name string, r io.Reader) error
	CallState(ctx context.Context, state updatemodule.ModuleState) error
	NeedsReboot(ctx context.Context) (updatemodule.RebootAction, error)
	SupportsRollback(ctx context.Context) (bool, error)
	Cleanup(ctx context.Context) error
}

// ModuleFactory builds the module runner for a payload type.
type ModuleFactory func(payloadType string) ModuleRunner

// ArtifactFetcher downloads an artifact from a URL source. Satisfied by
// client.Client.
type ArtifactFetcher interface {
	FetchArtifact(ctx context.Context, uri string) (io.ReadCloser, error)
}

// InstallOptions tune one Install invocation.
type InstallOptions struct {
	// StopBefore names a checkpoint; the machine persists it and exits
	// instead of entering the state behind it.
	StopBefore string
	// AutoCommit commits immediately even when the update module supports
	// rollback, instead of pausing for a separate Commit invocation.
	AutoCommit bool
	// NoStdout suppresses the progress lines printed for interactive use.
	NoStdout bool
}

// Context is the shared state of one standalone invocation. It is only
// touched from the runner goroutine.
type Context struct {
	cfg       config.Config
	store     store.Store
	scripts   *scripts.Runner
	artifacts artifact.Reader
	fetcher   ArtifactFetcher
	modules   ModuleFactory
	runner    *fsm.Runner
	log       *zap.SugaredLogger

	deviceType string

	sd       *StateData
	module   ModuleRunner
	payloads *artifact.Artifact
	body     io.Closer

	src        string
	stopBefore string
	autoCommit bool
	noStdout   bool

	result Result
	err    error
}

// NewContext wires a standalone context. fetcher and modules may be nil, in
// which case a plain HTTP client and real update modules are used.
func NewContext(cfg config.Config, st store.Store, fetcher ArtifactFetcher, modules ModuleFactory) (*Context, error) {
	deviceType, err := datastore.GetDeviceType(cfg.DeviceTypeFile)
	if err != nil {
		return nil, fmt.Errorf("failed to determine device type: %w", err)
	}

	if fetcher == nil {
		fetcher = client.New("", "", cfg.HTTPTimeout)
	}
	if modules == nil {
		modules = func(payloadType string) ModuleRunner {
			return updatemodule.New(cfg.ModulesDir, payloadType, cfg.ModulesWorkPath(), cfg.UpdateModuleTimeout)
		}
	}

	return &Context{
		cfg:        cfg,
		store:      st,
		scripts:    scripts.NewRunner(cfg.ScriptsDir, cfg.UpdateModuleTimeout),
		artifacts:  artifact.NewTarReader(),
		fetcher:    fetcher,
		modules:    modules,
		log:        logger.For(logger.ComponentStandalone),
		deviceType: deviceType,
	}, nil
}

// updateResult accumulates flags and errors across the invocation.
func (c *Context) updateResult(res Result, err error) {
	c.result |= res
	if err != nil {
		c.log.Errorf("%v", err)
		metrics.IncErrorCount(metrics.ComponentStandalone)
		if c.err == nil {
			c.err = err
		} else {
			c.err = errors.Join(c.err, err)
		}
	}
}

// syncOutcomeFlags folds the accumulated result into the persisted outcome
// flags. Flags are only raised here; RolledBack is taken back when a later
// rollback step failed.
func (c *Context) syncOutcomeFlags() {
	if c.result.Contains(ResultFailed) {
		c.sd.Failed = true
	}
	if c.result.Contains(ResultRolledBack) || c.result.Contains(ResultNoRollbackNeeded) {
		c.sd.RolledBack = true
	}
	if c.result.Contains(ResultRollbackFailed) {
		c.sd.RolledBack = false
	}
}

func (c *Context) saveStateData(ctx context.Context) error {
	return c.store.WriteTransaction(ctx, func(tx store.Transaction) error {
		return SaveStateData(ctx, tx, c.sd)
	})
}

func (c *Context) printf(format string, args ...any) {
	if c.noStdout {
		return
	}
	fmt.Printf(format+"\n", args...)
}
