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
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/update-agent/pkg/store"
)

func TestDatastore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Datastore Suite")
}

var _ = Describe("CheckClearsMatch", func() {
	DescribeTable("pattern matching",
		func(pattern, key string, expected bool) {
			Expect(CheckClearsMatch(pattern, key)).To(Equal(expected))
		},
		Entry("literal match", "artifact_name", "artifact_name", true),
		Entry("literal mismatch", "artifact_name", "artifact_group", false),
		Entry("trailing wildcard", "rootfs-image.*", "rootfs-image.checksum", true),
		Entry("trailing wildcard mismatch", "rootfs-image.*", "data-image.checksum", false),
		Entry("leading wildcard", "*.version", "rootfs-image.version", true),
		Entry("inner wildcard", "rootfs*version", "rootfs-image.version", true),
		Entry("wildcard matches empty", "rootfs-image.*", "rootfs-image.", true),
		Entry("everything wildcard", "*", "anything.at.all", true),
		Entry("two wildcards", "*image*", "rootfs-image.version", true),
	)
})

var _ = Describe("FilterProvides", func() {
	It("keeps unmatched provides and overlays incoming ones", func() {
		existing := map[string]string{
			"rootfs-image.version":  "v1",
			"rootfs-image.checksum": "abc",
			"data.version":          "v9",
		}
		incoming := map[string]string{"rootfs-image.version": "v2"}

		result := FilterProvides(existing, incoming, []string{"rootfs-image.*"})
		Expect(result).To(Equal(map[string]string{
			"rootfs-image.version": "v2",
			"data.version":         "v9",
		}))
	})

	It("replaces everything when the clears list is absent", func() {
		existing := map[string]string{"data.version": "v9"}
		incoming := map[string]string{"rootfs-image.version": "v2"}

		result := FilterProvides(existing, incoming, nil)
		Expect(result).To(Equal(map[string]string{"rootfs-image.version": "v2"}))
	})

	It("keeps everything when the clears list is empty", func() {
		existing := map[string]string{"data.version": "v9"}

		result := FilterProvides(existing, nil, []string{})
		Expect(result).To(Equal(map[string]string{"data.version": "v9"}))
	})
})

var _ = Describe("CommitArtifactData", func() {
	var (
		ctx context.Context
		s   store.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		s = store.NewMemoryStore()
	})

	commit := func(name, group string, provides map[string]string, clears []string, extra func(tx store.Transaction) error) error {
		return s.WriteTransaction(ctx, func(tx store.Transaction) error {
			return CommitArtifactData(ctx, tx, name, group, provides, clears, extra)
		})
	}

	It("records name, group and filtered provides", func() {
		Expect(commit("release-1", "stable",
			map[string]string{"rootfs-image.version": "v1"}, nil, nil)).To(Succeed())
		Expect(commit("release-2", "stable",
			map[string]string{"rootfs-image.version": "v2"},
			[]string{"rootfs-image.*"}, nil)).To(Succeed())

		data, err := LoadArtifactData(ctx, s)
		Expect(err).ToNot(HaveOccurred())
		Expect(data.Name).To(Equal("release-2"))
		Expect(data.Group).To(Equal("stable"))
		Expect(data.Provides).To(Equal(map[string]string{"rootfs-image.version": "v2"}))
	})

	It("removes the group when cleared and not re-provided", func() {
		Expect(commit("release-1", "stable", nil, nil, nil)).To(Succeed())
		Expect(commit("release-2", "", nil, nil, nil)).To(Succeed())

		data, err := LoadArtifactData(ctx, s)
		Expect(err).ToNot(HaveOccurred())
		Expect(data.Group).To(BeEmpty())
	})

	It("keeps the group when the clears list does not touch it", func() {
		Expect(commit("release-1", "stable", nil, nil, nil)).To(Succeed())
		Expect(commit("release-2", "", nil, []string{"rootfs-image.*"}, nil)).To(Succeed())

		data, err := LoadArtifactData(ctx, s)
		Expect(err).ToNot(HaveOccurred())
		Expect(data.Group).To(Equal("stable"))
	})

	It("rolls the whole commit back when extra fails", func() {
		Expect(commit("release-1", "stable", nil, nil, nil)).To(Succeed())

		boom := errors.New("boom")
		err := commit("release-2", "", nil, nil, func(tx store.Transaction) error { return boom })
		Expect(err).To(MatchError(boom))

		data, err := LoadArtifactData(ctx, s)
		Expect(err).ToNot(HaveOccurred())
		Expect(data.Name).To(Equal("release-1"))
	})

	It("reports a missing artifact name distinctly", func() {
		_, err := LoadArtifactData(ctx, s)
		Expect(err).To(MatchError(ErrNoArtifactName))
	})
})

var _ = Describe("GetDeviceType", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	write := func(content string) string {
		path := filepath.Join(dir, "device_type")
		Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())

		return path
	}

	It("parses a device_type line", func() {
		deviceType, err := GetDeviceType(write("device_type=raspberrypi4\n"))
		Expect(err).ToNot(HaveOccurred())
		Expect(deviceType).To(Equal("raspberrypi4"))
	})

	It("rejects malformed content", func() {
		_, err := GetDeviceType(write("raspberrypi4\n"))
		Expect(err).To(HaveOccurred())
	})

	It("rejects an empty file", func() {
		_, err := GetDeviceType(write(""))
		Expect(err).To(HaveOccurred())
	})

	It("fails when the file is missing", func() {
		_, err := GetDeviceType(filepath.Join(dir, "nope"))
		Expect(err).To(HaveOccurred())
	})
})
