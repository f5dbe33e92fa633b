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

package updatemodule

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestUpdateModule(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "UpdateModule Suite")
}

var _ = Describe("UpdateModule", func() {
	var (
		ctx        context.Context
		modulesDir string
		workPath   string
	)

	BeforeEach(func() {
		ctx = context.Background()
		modulesDir = GinkgoT().TempDir()
		workPath = filepath.Join(GinkgoT().TempDir(), "tree")
		Expect(os.MkdirAll(workPath, 0o755)).To(Succeed())
	})

	writeModule := func(script string) *UpdateModule {
		path := filepath.Join(modulesDir, "rootfs-image")
		Expect(os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755)).To(Succeed())

		return New(modulesDir, "rootfs-image", workPath, 5*time.Second)
	}

	It("captures a single answer line", func() {
		um := writeModule(`if [ "$1" = "SupportsRollback" ]; then echo "Yes"; fi`)

		supported, err := um.SupportsRollback(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(supported).To(BeTrue())
	})

	It("treats an empty answer as No", func() {
		um := writeModule(`exit 0`)

		action, err := um.NeedsReboot(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(action).To(Equal(RebootNone))

		supported, err := um.SupportsRollback(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(supported).To(BeFalse())
	})

	It("maps reboot answers", func() {
		um := writeModule(`echo "Automatic"`)

		action, err := um.NeedsReboot(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(action).To(Equal(RebootAutomatic))
	})

	It("rejects queries that print more than one line", func() {
		um := writeModule("echo Yes\necho also-this")

		_, err := um.SupportsRollback(ctx)
		Expect(err).To(MatchError(ErrTooManyLines))
	})

	It("rejects unknown answers", func() {
		um := writeModule(`echo "Maybe"`)

		_, err := um.NeedsReboot(ctx)
		Expect(err).To(MatchError(ContainSubstring("invalid NeedsArtifactReboot answer")))
	})

	It("reports a failing module call", func() {
		um := writeModule(`exit 1`)

		err := um.CallState(ctx, StateArtifactInstall)
		Expect(err).To(MatchError(ContainSubstring("ArtifactInstall")))
	})

	It("kills a module that exceeds its timeout", func() {
		path := filepath.Join(modulesDir, "rootfs-image")
		Expect(os.WriteFile(path, []byte("#!/bin/sh\nsleep 30\n"), 0o755)).To(Succeed())
		um := New(modulesDir, "rootfs-image", workPath, 100*time.Millisecond)

		start := time.Now()
		err := um.CallState(ctx, StateDownload)
		Expect(err).To(MatchError(ContainSubstring("timed out")))
		Expect(time.Since(start)).To(BeNumerically("<", 10*time.Second))
	})

	It("fails non-cleanup states when the work tree is missing", func() {
		um := writeModule(`exit 0`)
		Expect(os.RemoveAll(workPath)).To(Succeed())

		err := um.CallState(ctx, StateArtifactInstall)
		Expect(err).To(MatchError(ContainSubstring("work tree")))
	})

	Describe("Cleanup", func() {
		It("removes the work tree even when the module fails", func() {
			um := writeModule(`if [ "$1" = "Cleanup" ]; then exit 1; fi`)

			err := um.Cleanup(ctx)
			Expect(err).To(HaveOccurred())
			Expect(workPath).ToNot(BeADirectory())
		})

		It("is a no-op without a work tree", func() {
			um := writeModule(`exit 1`)
			Expect(os.RemoveAll(workPath)).To(Succeed())

			Expect(um.Cleanup(ctx)).To(Succeed())
		})
	})

	Describe("work tree preparation", func() {
		It("writes the header and payload files the module reads", func() {
			um := writeModule(`exit 0`)

			Expect(um.PrepareTree([]byte(`{"artifact_name":"release-2"}`))).To(Succeed())
			Expect(um.StorePayload("rootfs.ext4", strings.NewReader("payload-bytes"))).To(Succeed())

			header, err := os.ReadFile(filepath.Join(workPath, "header", "header-info"))
			Expect(err).ToNot(HaveOccurred())
			Expect(string(header)).To(ContainSubstring("release-2"))

			payload, err := os.ReadFile(filepath.Join(workPath, "files", "rootfs.ext4"))
			Expect(err).ToNot(HaveOccurred())
			Expect(string(payload)).To(Equal("payload-bytes"))
		})
	})
})
