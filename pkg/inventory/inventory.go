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

// Package inventory gathers the device attributes reported to the server:
// update identity (device type, artifact name and group) plus basic host
// facts.
package inventory

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/update-agent/pkg/client"
	"github.com/united-manufacturing-hub/update-agent/pkg/logger"
)

// Identity is the update-related part of the inventory.
type Identity struct {
	DeviceType    string
	ArtifactName  string
	ArtifactGroup string
}

// Submitter gathers and pushes inventory data.
type Submitter struct {
	api client.DeploymentsAPI
	log *zap.SugaredLogger
}

// NewSubmitter returns a Submitter pushing through api.
func NewSubmitter(api client.DeploymentsAPI) *Submitter {
	return &Submitter{
		api: api,
		log: logger.For(logger.ComponentInventory),
	}
}

// Gather collects the attribute set. Host facts are best effort: a probe
// failure drops the attribute rather than failing the submission.
func Gather(ctx context.Context, identity Identity) []client.InventoryAttribute {
	attributes := []client.InventoryAttribute{
		{Name: "device_type", Value: identity.DeviceType},
		{Name: "artifact_name", Value: identity.ArtifactName},
	}
	if identity.ArtifactGroup != "" {
		attributes = append(attributes, client.InventoryAttribute{
			Name: "artifact_group", Value: identity.ArtifactGroup,
		})
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		attributes = append(attributes,
			client.InventoryAttribute{Name: "hostname", Value: info.Hostname},
			client.InventoryAttribute{Name: "os", Value: fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion)},
			client.InventoryAttribute{Name: "kernel", Value: info.KernelVersion},
		)
	}

	if count, err := cpu.CountsWithContext(ctx, true); err == nil {
		attributes = append(attributes, client.InventoryAttribute{
			Name: "cpu_count", Value: strconv.Itoa(count),
		})
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		attributes = append(attributes, client.InventoryAttribute{
			Name: "mem_total_kb", Value: strconv.FormatUint(vm.Total/1024, 10),
		})
	}

	return attributes
}

// Submit gathers and pushes the inventory.
func (s *Submitter) Submit(ctx context.Context, identity Identity) error {
	attributes := Gather(ctx, identity)

	if err := s.api.PushInventory(ctx, attributes); err != nil {
		return fmt.Errorf("failed to submit inventory: %w", err)
	}

	s.log.Debugf("submitted %d inventory attributes", len(attributes))

	return nil
}
