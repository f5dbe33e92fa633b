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

package client

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/h2non/gock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestClient(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Deployments Client Suite")
}

const serverURL = "https://hosted.example.com"

var _ = Describe("Client", func() {
	var (
		ctx context.Context
		c   *Client
	)

	BeforeEach(func() {
		ctx = context.Background()
		c = New(serverURL, "test-token", 5*time.Second)
		gock.InterceptClient(c.http)
		DeferCleanup(gock.Off)
	})

	Describe("CheckNewDeployments", func() {
		It("decodes an offered deployment", func() {
			gock.New(serverURL).
				Get("/api/devices/v1/deployments/device/deployments/next").
				MatchParam("device_type", "raspberrypi4").
				MatchParam("artifact_name", "release-1").
				MatchHeader("Authorization", "Bearer test-token").
				Reply(200).
				JSON(map[string]any{
					"id": "w81s4fae-7dec-11d0-a765-00a0c91e6bf6",
					"artifact": map[string]any{
						"artifact_name":           "release-2",
						"source":                  map[string]string{"uri": "https://storage/artifact.update", "expire": "2026-09-01T00:00:00Z"},
						"device_types_compatible": []string{"raspberrypi4"},
					},
				})

			info, err := c.CheckNewDeployments(ctx, "raspberrypi4", "release-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(info.ID).To(Equal("w81s4fae-7dec-11d0-a765-00a0c91e6bf6"))
			Expect(info.Artifact.Name).To(Equal("release-2"))
			Expect(info.Artifact.Source.URI).To(Equal("https://storage/artifact.update"))
			Expect(info.Artifact.DeviceTypesCompatible).To(ContainElement("raspberrypi4"))
		})

		It("returns nil when there is nothing to deploy", func() {
			gock.New(serverURL).
				Get("/api/devices/v1/deployments/device/deployments/next").
				Reply(204)

			info, err := c.CheckNewDeployments(ctx, "raspberrypi4", "release-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(info).To(BeNil())
		})

		It("rejects a deployment without an artifact URI", func() {
			gock.New(serverURL).
				Get("/api/devices/v1/deployments/device/deployments/next").
				Reply(200).
				JSON(map[string]any{"id": "abc", "artifact": map[string]any{}})

			_, err := c.CheckNewDeployments(ctx, "raspberrypi4", "release-1")
			Expect(err).To(HaveOccurred())
		})

		It("surfaces server errors", func() {
			gock.New(serverURL).
				Get("/api/devices/v1/deployments/device/deployments/next").
				Reply(500)

			_, err := c.CheckNewDeployments(ctx, "raspberrypi4", "release-1")
			Expect(err).To(MatchError(ContainSubstring("500")))
		})
	})

	Describe("PushStatus", func() {
		It("sends the status value", func() {
			gock.New(serverURL).
				Put("/api/devices/v1/deployments/device/deployments/dep-1/status").
				JSON(map[string]string{"status": "downloading"}).
				Reply(204)

			Expect(c.PushStatus(ctx, "dep-1", StatusDownloading)).To(Succeed())
		})

		It("maps 409 to ErrDeploymentAborted", func() {
			gock.New(serverURL).
				Put("/api/devices/v1/deployments/device/deployments/dep-1/status").
				Reply(409)

			err := c.PushStatus(ctx, "dep-1", StatusInstalling)
			Expect(err).To(MatchError(ErrDeploymentAborted))
		})
	})

	Describe("PushLogs", func() {
		It("uploads the messages wrapper", func() {
			gock.New(serverURL).
				Put("/api/devices/v1/deployments/device/deployments/dep-1/log").
				Reply(204)

			messages := []LogMessage{{
				Timestamp: time.Now().UTC(),
				Level:     "error",
				Message:   "ArtifactInstall: update module failed",
			}}
			Expect(c.PushLogs(ctx, "dep-1", messages)).To(Succeed())
		})
	})

	Describe("FetchArtifact", func() {
		It("streams the artifact body", func() {
			gock.New("https://storage").
				Get("/artifact.update").
				Reply(200).
				BodyString("artifact-bytes")

			body, err := c.FetchArtifact(ctx, "https://storage/artifact.update")
			Expect(err).ToNot(HaveOccurred())
			defer func() {
				_ = body.Close()
			}()

			data, err := io.ReadAll(body)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(data)).To(Equal("artifact-bytes"))
		})
	})

	Describe("PushInventory", func() {
		It("replaces the attribute set", func() {
			gock.New(serverURL).
				Put("/api/devices/v1/inventory/device/attributes").
				Reply(200)

			attributes := []InventoryAttribute{
				{Name: "device_type", Value: "raspberrypi4"},
				{Name: "artifact_name", Value: "release-1"},
			}
			Expect(c.PushInventory(ctx, attributes)).To(Succeed())
		})
	})
})
