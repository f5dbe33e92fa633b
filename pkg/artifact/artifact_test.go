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

package artifact

import (
	"archive/tar"
	"bytes"
	"io"
	"testing"

	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestArtifact(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Artifact Suite")
}

func buildArtifact(hi HeaderInfo, payloads map[string]string) *bytes.Buffer {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	header, err := json.Marshal(hi)
	Expect(err).ToNot(HaveOccurred())
	Expect(tw.WriteHeader(&tar.Header{Name: "header-info", Mode: 0o644, Size: int64(len(header))})).To(Succeed())
	_, err = tw.Write(header)
	Expect(err).ToNot(HaveOccurred())

	for name, content := range payloads {
		Expect(tw.WriteHeader(&tar.Header{Name: "data/" + name, Mode: 0o644, Size: int64(len(content))})).To(Succeed())
		_, err = tw.Write([]byte(content))
		Expect(err).ToNot(HaveOccurred())
	}
	Expect(tw.Close()).To(Succeed())

	return &buf
}

var _ = Describe("TarReader", func() {
	sampleHeader := HeaderInfo{
		Payloads: []PayloadInfo{{
			Type:           "rootfs-image",
			Provides:       map[string]string{"rootfs-image.version": "v2"},
			ClearsProvides: []string{"rootfs-image.*"},
		}},
		Provides: ArtifactProvides{ArtifactName: "release-2", ArtifactGroup: "stable"},
		Depends:  ArtifactDepends{DeviceType: []string{"raspberrypi4"}},
	}

	It("parses the header view", func() {
		a, err := NewTarReader().Open(buildArtifact(sampleHeader, nil))
		Expect(err).ToNot(HaveOccurred())
		Expect(a.Header.Name).To(Equal("release-2"))
		Expect(a.Header.Group).To(Equal("stable"))
		Expect(a.Header.PayloadTypes).To(Equal([]string{"rootfs-image"}))
		Expect(a.Header.TypeInfoProvides).To(HaveKeyWithValue("rootfs-image.version", "v2"))
		Expect(a.Header.CompatibleWith("raspberrypi4")).To(BeTrue())
		Expect(a.Header.CompatibleWith("beaglebone")).To(BeFalse())
	})

	It("streams payload files in order", func() {
		a, err := NewTarReader().Open(buildArtifact(sampleHeader, map[string]string{
			"rootfs.ext4": "payload-bytes",
		}))
		Expect(err).ToNot(HaveOccurred())

		name, r, err := a.NextPayloadFile()
		Expect(err).ToNot(HaveOccurred())
		Expect(name).To(Equal("rootfs.ext4"))

		content, err := io.ReadAll(r)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(content)).To(Equal("payload-bytes"))

		_, _, err = a.NextPayloadFile()
		Expect(err).To(MatchError(io.EOF))
	})

	It("accepts bootstrap artifacts without payloads", func() {
		hi := HeaderInfo{Provides: ArtifactProvides{ArtifactName: "bootstrap-1"}}
		a, err := NewTarReader().Open(buildArtifact(hi, nil))
		Expect(err).ToNot(HaveOccurred())
		Expect(a.Header.PayloadTypes).To(BeEmpty())

		_, _, err = a.NextPayloadFile()
		Expect(err).To(MatchError(io.EOF))
	})

	It("rejects an artifact without a name", func() {
		hi := HeaderInfo{Payloads: []PayloadInfo{{Type: "rootfs-image"}}}
		_, err := NewTarReader().Open(buildArtifact(hi, nil))
		Expect(err).To(MatchError(ContainSubstring("artifact_name")))
	})

	It("rejects a stream that does not start with header-info", func() {
		var buf bytes.Buffer
		tw := tar.NewWriter(&buf)
		Expect(tw.WriteHeader(&tar.Header{Name: "data/rootfs.ext4", Mode: 0o644, Size: 1})).To(Succeed())
		_, err := tw.Write([]byte("x"))
		Expect(err).ToNot(HaveOccurred())
		Expect(tw.Close()).To(Succeed())

		_, err = NewTarReader().Open(&buf)
		Expect(err).To(MatchError(ContainSubstring("header-info")))
	})

	It("round-trips the module header-info document", func() {
		view := ViewFromHeader(sampleHeader)
		encoded, err := view.HeaderInfoJSON()
		Expect(err).ToNot(HaveOccurred())

		var decoded HeaderInfo
		Expect(json.Unmarshal(encoded, &decoded)).To(Succeed())
		Expect(decoded.Provides.ArtifactName).To(Equal("release-2"))
		Expect(decoded.Payloads).To(HaveLen(1))
		Expect(decoded.Payloads[0].Type).To(Equal("rootfs-image"))
	})
})
