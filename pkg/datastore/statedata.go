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

package datastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/tiendc/go-deepcopy"

	"github.com/united-manufacturing-hub/update-agent/pkg/store"
)

// StateDataVersion is the schema version written by this client. Version 1
// records from older clients are migrated on load.
const StateDataVersion = 2

// Database state strings recorded in StateData.Name. They name the point a
// deployment has reached and drive crash recovery.
const (
	DBStateDownload             = "update-store"
	DBStateArtifactInstall      = "update-install"
	DBStateReboot               = "reboot"
	DBStateVerifyReboot         = "after-reboot"
	DBStateCommit               = "update-commit"
	DBStateAfterCommit          = "update-after-commit"
	DBStateRollback             = "rollback"
	DBStateRollbackReboot       = "rollback-reboot"
	DBStateVerifyRollbackReboot = "after-rollback-reboot"
	DBStateFailure              = "update-error"
	DBStateCleanup              = "cleanup"

	// Written by older clients; accepted on resume, never written.
	DBStateLegacyAfterFirstCommit     = "update-after-first-commit"
	DBStateLegacyVerifyRollbackReboot = "verify-rollback-reboot"
)

// SupportsRollback answers as cached from the update module.
const (
	RollbackSupported    = "rollback-supported"
	RollbackNotSupported = "rollback-not-supported"
)

// Per-payload reboot answers as cached from the update module.
const (
	RebootTypeNone      = ""
	RebootTypeCustom    = "reboot-type-custom"
	RebootTypeAutomatic = "reboot-type-automatic"
)

var (
	// ErrStateDataStoreCountExceeded signals that state data has been
	// persisted more often than the configured limit allows, meaning the
	// deployment is looping.
	ErrStateDataStoreCountExceeded = errors.New("state data store count exceeded")

	// ErrUnsupportedStateDataVersion signals a record written by an
	// incompatible (newer) client.
	ErrUnsupportedStateDataVersion = errors.New("unsupported state data version")
)

// ArtifactSource is where the artifact is fetched from.
type ArtifactSource struct {
	URI    string `json:"URI"`
	Expire string `json:"Expire"`
}

// Artifact describes the artifact a deployment installs. Field names match
// the on-disk schema of previous clients.
type Artifact struct {
	Source                 ArtifactSource    `json:"Source"`
	CompatibleDevices      []string          `json:"device_types_compatible"`
	PayloadTypes           []string          `json:"PayloadTypes"`
	ArtifactName           string            `json:"artifact_name"`
	ArtifactGroup          string            `json:"artifact_group"`
	TypeInfoProvides       map[string]string `json:"artifact_provides,omitempty"`
	ClearsArtifactProvides []string          `json:"clears_artifact_provides,omitempty"`
}

// UpdateInfo is everything the daemon must remember about the in-flight
// deployment to survive restarts and reboots.
type UpdateInfo struct {
	Artifact Artifact `json:"Artifact"`
	ID       string   `json:"ID"`

	// RebootRequested holds one entry per payload, each one of the
	// RebootType values.
	RebootRequested []string `json:"RebootRequested"`

	SupportsRollback string `json:"SupportsRollback"`

	// StateDataStoreCount counts persists of this record; it only grows,
	// which is what makes state loops detectable.
	StateDataStoreCount int `json:"StateDataStoreCount"`

	// HasDBSchemaUpdate is set while a migrated version 1 record is kept
	// under the committed key for the benefit of a potential downgrade.
	HasDBSchemaUpdate bool `json:"HasDBSchemaUpdate"`

	AllRollbacksSuccessful bool `json:"AllRollbacksSuccessful"`
}

// StateData is the persisted deployment record.
type StateData struct {
	Version    int        `json:"Version"`
	Name       string     `json:"Name"`
	UpdateInfo UpdateInfo `json:"UpdateInfo"`
}

// Clone returns a deep copy, so tracking machines can hold a snapshot that
// later state mutations do not touch.
func (sd *StateData) Clone() (*StateData, error) {
	var cp StateData
	if err := deepcopy.Copy(&cp, sd); err != nil {
		return nil, fmt.Errorf("failed to clone state data: %w", err)
	}

	return &cp, nil
}

// SaveDeploymentStateData persists sd inside tx, bumping the store counter.
// When the counter has reached maxCount the record is not written and
// ErrStateDataStoreCountExceeded is returned; the deployment must be
// treated as looping.
//
// While HasDBSchemaUpdate is set, writes go to the uncommitted key and the
// committed key keeps the pre-migration record untouched.
func SaveDeploymentStateData(ctx context.Context, tx store.Transaction, sd *StateData, maxCount int) error {
	if sd.UpdateInfo.StateDataStoreCount >= maxCount {
		sd.UpdateInfo.StateDataStoreCount++

		return ErrStateDataStoreCountExceeded
	}
	sd.UpdateInfo.StateDataStoreCount++

	sd.Version = StateDataVersion
	encoded, err := json.Marshal(sd)
	if err != nil {
		return fmt.Errorf("failed to encode state data: %w", err)
	}

	if sd.UpdateInfo.HasDBSchemaUpdate {
		return tx.Write(ctx, KeyStateUncommitted, encoded)
	}

	if err := tx.Write(ctx, KeyState, encoded); err != nil {
		return err
	}

	return tx.Remove(ctx, KeyStateUncommitted)
}

// LoadDeploymentStateData reads the deployment record, migrating version 1
// records, and re-saves it so that the store counter also counts loads.
// Returns store.ErrNotFound when no deployment is in flight.
func LoadDeploymentStateData(ctx context.Context, s store.Store, maxCount int) (*StateData, error) {
	var sd StateData
	err := s.WriteTransaction(ctx, func(tx store.Transaction) error {
		loaded, err := loadStateDataRecord(ctx, tx, KeyState)
		if err != nil {
			// The uncommitted key may hold the only readable record, either
			// because a schema migration was interrupted or because a newer
			// client wrote it there.
			var fallbackErr error
			loaded, fallbackErr = loadStateDataRecord(ctx, tx, KeyStateUncommitted)
			if fallbackErr != nil {
				return err
			}
		}

		sd = *loaded

		return SaveDeploymentStateData(ctx, tx, &sd, maxCount)
	})
	if err != nil {
		return nil, err
	}

	return &sd, nil
}

func loadStateDataRecord(ctx context.Context, tx store.Transaction, key string) (*StateData, error) {
	raw, err := tx.ReadAll(ctx, key)
	if err != nil {
		return nil, err
	}

	var version struct {
		Version int `json:"Version"`
	}
	if err := json.Unmarshal(raw, &version); err != nil {
		return nil, fmt.Errorf("failed to decode state data: %w", err)
	}

	var sd StateData
	switch version.Version {
	case StateDataVersion:
		if err := json.Unmarshal(raw, &sd); err != nil {
			return nil, fmt.Errorf("failed to decode state data: %w", err)
		}
	case 1:
		if err := json.Unmarshal(raw, &sd); err != nil {
			return nil, fmt.Errorf("failed to decode state data: %w", err)
		}
		migrateVersion1(&sd)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedStateDataVersion, version.Version)
	}

	return &sd, nil
}

// migrateVersion1 fills the fields version 1 lacked with the values that
// match what a version 1 client was doing implicitly: exactly one rootfs
// payload with a custom reboot and rollback support.
func migrateVersion1(sd *StateData) {
	sd.UpdateInfo.Artifact.PayloadTypes = []string{"rootfs-image"}
	sd.UpdateInfo.RebootRequested = []string{RebootTypeCustom}
	sd.UpdateInfo.SupportsRollback = RollbackSupported
	sd.UpdateInfo.HasDBSchemaUpdate = true
}

// RemoveStateData deletes both deployment record keys in one transaction.
func RemoveStateData(ctx context.Context, s store.Store) error {
	return s.WriteTransaction(ctx, func(tx store.Transaction) error {
		if err := tx.Remove(ctx, KeyState); err != nil {
			return err
		}

		return tx.Remove(ctx, KeyStateUncommitted)
	})
}
