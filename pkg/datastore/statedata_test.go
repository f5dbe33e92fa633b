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

	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/update-agent/pkg/store"
)

func sampleStateData() *StateData {
	return &StateData{
		Version: StateDataVersion,
		Name:    DBStateDownload,
		UpdateInfo: UpdateInfo{
			ID: "w81s4fae-7dec-11d0-a765-00a0c91e6bf6",
			Artifact: Artifact{
				Source:            ArtifactSource{URI: "https://server/artifact.update"},
				CompatibleDevices: []string{"raspberrypi4"},
				PayloadTypes:      []string{"rootfs-image"},
				ArtifactName:      "release-2",
				ArtifactGroup:     "stable",
				TypeInfoProvides:  map[string]string{"rootfs-image.version": "v2"},
				ClearsArtifactProvides: []string{
					"rootfs-image.*",
				},
			},
			RebootRequested:  []string{RebootTypeCustom},
			SupportsRollback: RollbackSupported,
		},
	}
}

var _ = Describe("StateData persistence", func() {
	var (
		ctx context.Context
		s   store.Store
	)

	const maxCount = 28

	BeforeEach(func() {
		ctx = context.Background()
		s = store.NewMemoryStore()
	})

	save := func(sd *StateData) error {
		return s.WriteTransaction(ctx, func(tx store.Transaction) error {
			return SaveDeploymentStateData(ctx, tx, sd, maxCount)
		})
	}

	It("round-trips and counts every persist and load", func() {
		sd := sampleStateData()
		Expect(save(sd)).To(Succeed())
		Expect(sd.UpdateInfo.StateDataStoreCount).To(Equal(1))

		loaded, err := LoadDeploymentStateData(ctx, s, maxCount)
		Expect(err).ToNot(HaveOccurred())
		Expect(loaded.Name).To(Equal(DBStateDownload))
		Expect(loaded.UpdateInfo.ID).To(Equal(sd.UpdateInfo.ID))
		Expect(loaded.UpdateInfo.Artifact).To(Equal(sd.UpdateInfo.Artifact))
		// One store plus one load-and-resave.
		Expect(loaded.UpdateInfo.StateDataStoreCount).To(Equal(2))
	})

	It("returns ErrNotFound without a deployment in flight", func() {
		_, err := LoadDeploymentStateData(ctx, s, maxCount)
		Expect(err).To(MatchError(store.ErrNotFound))
	})

	It("detects a state loop once the counter is exhausted", func() {
		sd := sampleStateData()
		sd.UpdateInfo.StateDataStoreCount = maxCount

		err := save(sd)
		Expect(err).To(MatchError(ErrStateDataStoreCountExceeded))
		Expect(sd.UpdateInfo.StateDataStoreCount).To(Equal(maxCount + 1))
	})

	It("migrates version 1 records and protects the committed key", func() {
		v1 := []byte(`{"Version":1,"Name":"reboot","UpdateInfo":{"ID":"old","Artifact":{"Source":{"URI":"","Expire":""},"device_types_compatible":["rpi"],"artifact_name":"release-1"}}}`)
		Expect(s.Write(ctx, KeyState, v1)).To(Succeed())

		loaded, err := LoadDeploymentStateData(ctx, s, maxCount)
		Expect(err).ToNot(HaveOccurred())
		Expect(loaded.UpdateInfo.Artifact.PayloadTypes).To(Equal([]string{"rootfs-image"}))
		Expect(loaded.UpdateInfo.RebootRequested).To(Equal([]string{RebootTypeCustom}))
		Expect(loaded.UpdateInfo.SupportsRollback).To(Equal(RollbackSupported))
		Expect(loaded.UpdateInfo.HasDBSchemaUpdate).To(BeTrue())

		// The migrated record lands under the uncommitted key; the version 1
		// record stays for a potential downgrade.
		raw, err := s.ReadAll(ctx, KeyState)
		Expect(err).ToNot(HaveOccurred())
		Expect(raw).To(Equal(v1))

		var uncommitted StateData
		rawUncommitted, err := s.ReadAll(ctx, KeyStateUncommitted)
		Expect(err).ToNot(HaveOccurred())
		Expect(json.Unmarshal(rawUncommitted, &uncommitted)).To(Succeed())
		Expect(uncommitted.Version).To(Equal(StateDataVersion))
	})

	It("moves the record to the committed key once the schema update flag clears", func() {
		sd := sampleStateData()
		sd.UpdateInfo.HasDBSchemaUpdate = true
		Expect(save(sd)).To(Succeed())

		_, err := s.ReadAll(ctx, KeyState)
		Expect(err).To(MatchError(store.ErrNotFound))

		sd.UpdateInfo.HasDBSchemaUpdate = false
		Expect(save(sd)).To(Succeed())

		_, err = s.ReadAll(ctx, KeyState)
		Expect(err).ToNot(HaveOccurred())
		_, err = s.ReadAll(ctx, KeyStateUncommitted)
		Expect(err).To(MatchError(store.ErrNotFound))
	})

	It("falls back to the uncommitted key", func() {
		sd := sampleStateData()
		sd.UpdateInfo.HasDBSchemaUpdate = true
		Expect(save(sd)).To(Succeed())

		loaded, err := LoadDeploymentStateData(ctx, s, maxCount)
		Expect(err).ToNot(HaveOccurred())
		Expect(loaded.UpdateInfo.ID).To(Equal(sd.UpdateInfo.ID))
	})

	It("rejects records from newer clients", func() {
		Expect(s.Write(ctx, KeyState, []byte(`{"Version":3}`))).To(Succeed())

		_, err := LoadDeploymentStateData(ctx, s, maxCount)
		Expect(err).To(MatchError(ErrUnsupportedStateDataVersion))
	})

	It("removes both record keys", func() {
		sd := sampleStateData()
		Expect(save(sd)).To(Succeed())
		Expect(RemoveStateData(ctx, s)).To(Succeed())

		_, err := LoadDeploymentStateData(ctx, s, maxCount)
		Expect(err).To(MatchError(store.ErrNotFound))
	})

	It("clones state data deeply", func() {
		sd := sampleStateData()
		cp, err := sd.Clone()
		Expect(err).ToNot(HaveOccurred())

		cp.UpdateInfo.Artifact.TypeInfoProvides["rootfs-image.version"] = "v3"
		Expect(sd.UpdateInfo.Artifact.TypeInfoProvides["rootfs-image.version"]).To(Equal("v2"))
	})
})
