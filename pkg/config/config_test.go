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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config Suite")
}

var _ = Describe("Load", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	It("returns defaults when the file does not exist", func() {
		cfg, err := Load(filepath.Join(dir, "missing.yaml"))
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.MaxStateDataStoreCount).To(Equal(DefaultMaxStateDataStoreCount))
		Expect(cfg.UpdatePollInterval).To(Equal(DefaultUpdatePollInterval))
		Expect(cfg.DataDir).To(Equal(DefaultDataDir))
	})

	It("merges file values over defaults", func() {
		path := filepath.Join(dir, "config.yaml")
		content := "serverUrl: https://hosted.example.com\nupdatePollInterval: 5m\nmaxStateDataStoreCount: 100\n"
		Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())

		cfg, err := Load(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.ServerURL).To(Equal("https://hosted.example.com"))
		Expect(cfg.UpdatePollInterval).To(Equal(5 * time.Minute))
		Expect(cfg.MaxStateDataStoreCount).To(Equal(100))
		Expect(cfg.RetryPollCount).To(Equal(DefaultRetryPollCount))
	})

	It("prefers environment variables over file values", func() {
		path := filepath.Join(dir, "config.yaml")
		Expect(os.WriteFile(path, []byte("serverUrl: https://file.example.com\n"), 0o600)).To(Succeed())
		GinkgoT().Setenv("SERVER_URL", "https://env.example.com")

		cfg, err := Load(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.ServerURL).To(Equal("https://env.example.com"))
	})

	It("rejects an invalid store count limit", func() {
		path := filepath.Join(dir, "config.yaml")
		Expect(os.WriteFile(path, []byte("maxStateDataStoreCount: 0\n"), 0o600)).To(Succeed())

		_, err := Load(path)
		Expect(err).To(MatchError(ContainSubstring("maxStateDataStoreCount")))
	})

	It("rejects malformed YAML", func() {
		path := filepath.Join(dir, "config.yaml")
		Expect(os.WriteFile(path, []byte(":\n\t- broken"), 0o600)).To(Succeed())

		_, err := Load(path)
		Expect(err).To(HaveOccurred())
	})

	It("derives database and module work paths from the data dir", func() {
		cfg := NewDefaultConfig()
		cfg.DataDir = "/data"
		Expect(cfg.DatabasePath()).To(Equal("/data/" + DatabaseFileName))
		Expect(cfg.ModulesWorkPath()).To(HavePrefix("/data/modules/v3/"))
	})
})
