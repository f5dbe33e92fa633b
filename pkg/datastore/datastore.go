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

// Package datastore defines what the update agent persists in its key/value
// store: the currently installed artifact's identity and provides, and the
// in-flight deployment state consumed by the daemon and standalone modes.
package datastore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/update-agent/pkg/store"
)

// Database keys. These are part of the on-device format and must stay
// stable across releases.
const (
	KeyState            = "state"
	KeyStateUncommitted = "state-uncommitted"
	KeyArtifactName     = "artifact-name"
	KeyArtifactGroup    = "artifact-group"
	KeyArtifactProvides = "artifact-provides"
	KeyStandaloneState  = "standalone-state"
)

// BrokenArtifactSuffix marks an artifact whose installation failed in a way
// that left the device state unknown (for example a failed rollback).
const BrokenArtifactSuffix = "_INCONSISTENT"

// ErrNoArtifactName is returned when the device has no installed artifact
// recorded.
var ErrNoArtifactName = errors.New("no artifact name recorded")

// ArtifactData is the identity of the currently installed artifact.
type ArtifactData struct {
	Name     string
	Group    string
	Provides map[string]string
}

// LoadArtifactData reads the installed artifact identity from the store.
func LoadArtifactData(ctx context.Context, s store.Store) (ArtifactData, error) {
	var data ArtifactData
	err := s.ReadTransaction(ctx, func(tx store.Transaction) error {
		name, err := tx.ReadAll(ctx, KeyArtifactName)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoArtifactName
		}
		if err != nil {
			return err
		}
		data.Name = string(name)

		group, err := tx.ReadAll(ctx, KeyArtifactGroup)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		data.Group = string(group)

		data.Provides, err = loadProvides(ctx, tx)

		return err
	})
	if err != nil {
		return ArtifactData{}, err
	}

	return data, nil
}

func loadProvides(ctx context.Context, tx store.Transaction) (map[string]string, error) {
	raw, err := tx.ReadAll(ctx, KeyArtifactProvides)
	if errors.Is(err, store.ErrNotFound) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}

	provides := map[string]string{}
	if err := json.Unmarshal(raw, &provides); err != nil {
		return nil, fmt.Errorf("failed to decode artifact provides: %w", err)
	}

	return provides, nil
}

// CheckClearsMatch reports whether the clears_artifact_provides pattern
// matches the provide key. Patterns are literal except for '*', which
// matches any (possibly empty) substring.
func CheckClearsMatch(pattern, key string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == key
	}

	rest := key
	for i, part := range parts {
		switch i {
		case 0:
			if !strings.HasPrefix(rest, part) {
				return false
			}
			rest = rest[len(part):]
		case len(parts) - 1:
			return strings.HasSuffix(rest, part)
		default:
			idx := strings.Index(rest, part)
			if idx < 0 {
				return false
			}
			rest = rest[idx+len(part):]
		}
	}

	return true
}

func matchesAnyClears(clears []string, key string) bool {
	for _, pattern := range clears {
		if CheckClearsMatch(pattern, key) {
			return true
		}
	}

	return false
}

// FilterProvides drops existing provides matched by the clears patterns and
// overlays the new provides. A nil clears list (field absent from the
// artifact) replaces everything, per the artifact format contract.
func FilterProvides(existing, incoming map[string]string, clears []string) map[string]string {
	filtered := map[string]string{}
	if clears != nil {
		for key, value := range existing {
			if !matchesAnyClears(clears, key) {
				filtered[key] = value
			}
		}
	}
	for key, value := range incoming {
		filtered[key] = value
	}

	return filtered
}

// CommitArtifactData records a newly installed artifact's identity inside
// the given transaction, filtering previous provides through the clears
// patterns. extra runs in the same transaction so callers can atomically
// update deployment state alongside the artifact data.
func CommitArtifactData(
	ctx context.Context,
	tx store.Transaction,
	name, group string,
	provides map[string]string,
	clears []string,
	extra func(tx store.Transaction) error,
) error {
	existing, err := loadProvides(ctx, tx)
	if err != nil {
		return err
	}

	filtered := FilterProvides(existing, provides, clears)

	if err := tx.Write(ctx, KeyArtifactName, []byte(name)); err != nil {
		return err
	}

	switch {
	case group != "":
		if err := tx.Write(ctx, KeyArtifactGroup, []byte(group)); err != nil {
			return err
		}
	case clears == nil || matchesAnyClears(clears, "artifact_group"):
		if err := tx.Remove(ctx, KeyArtifactGroup); err != nil {
			return err
		}
	}

	encoded, err := json.Marshal(filtered)
	if err != nil {
		return fmt.Errorf("failed to encode artifact provides: %w", err)
	}
	if err := tx.Write(ctx, KeyArtifactProvides, encoded); err != nil {
		return err
	}

	if extra != nil {
		return extra(tx)
	}

	return nil
}

// GetDeviceType reads the device type from a file containing a single
// "device_type=<type>" line.
func GetDeviceType(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open device type file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		value, found := strings.CutPrefix(line, "device_type=")
		if !found {
			return "", fmt.Errorf("malformed device type line: %q", line)
		}

		return value, scanner.Err()
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}

	return "", errors.New("device type file is empty")
}
