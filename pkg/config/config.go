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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by NewDefaultConfig. Poll intervals follow the usual
// server-friendly cadence; the store count limit bounds how often state data
// may be persisted within a single deployment before it is considered stuck.
const (
	DefaultUpdatePollInterval     = 30 * time.Minute
	DefaultInventoryPollInterval  = 8 * time.Hour
	DefaultRetryPollInterval      = 5 * time.Minute
	DefaultRetryPollCount         = 10
	DefaultMaxStateDataStoreCount = 28
	DefaultUpdateModuleTimeout    = 15 * time.Minute
	DefaultHTTPTimeout            = 1 * time.Minute

	DefaultDataDir        = "/var/lib/update-agent"
	DefaultModulesDir     = "/usr/share/update-agent/modules/v3"
	DefaultScriptsDir     = "/etc/update-agent/scripts"
	DefaultDeviceTypeFile = "/var/lib/update-agent/device_type"

	// DatabaseFileName is the deployment database file inside DataDir.
	DatabaseFileName = "update-agent-store.db"
	// ModulesWorkDirName is the per-payload work tree root inside DataDir.
	ModulesWorkDirName = "modules/v3/payloads/0000/tree"
)

// Config holds the agent configuration, loaded from a YAML file with
// environment variable overrides.
type Config struct {
	// ServerURL is the base URL of the deployment server.
	ServerURL string `yaml:"serverUrl"`
	// TenantToken identifies the device's tenant towards the server.
	TenantToken string `yaml:"tenantToken"`

	// DeviceTypeFile contains a single "device_type=<type>" line.
	DeviceTypeFile string `yaml:"deviceTypeFile"`
	// DataDir holds the deployment database and module work trees.
	DataDir string `yaml:"dataDir"`
	// ModulesDir is where update module executables are installed.
	ModulesDir string `yaml:"modulesDir"`
	// ScriptsDir is where state scripts are installed.
	ScriptsDir string `yaml:"scriptsDir"`

	UpdatePollInterval    time.Duration `yaml:"updatePollInterval"`
	InventoryPollInterval time.Duration `yaml:"inventoryPollInterval"`
	RetryPollInterval     time.Duration `yaml:"retryPollInterval"`
	RetryPollCount        int           `yaml:"retryPollCount"`

	// MaxStateDataStoreCount bounds state-data writes per deployment; when
	// exceeded the deployment is treated as a state loop and aborted.
	MaxStateDataStoreCount int `yaml:"maxStateDataStoreCount"`

	UpdateModuleTimeout time.Duration `yaml:"updateModuleTimeout"`
	HTTPTimeout         time.Duration `yaml:"httpTimeout"`
}

// NewDefaultConfig returns a Config populated with defaults.
func NewDefaultConfig() Config {
	return Config{
		DeviceTypeFile:         DefaultDeviceTypeFile,
		DataDir:                DefaultDataDir,
		ModulesDir:             DefaultModulesDir,
		ScriptsDir:             DefaultScriptsDir,
		UpdatePollInterval:     DefaultUpdatePollInterval,
		InventoryPollInterval:  DefaultInventoryPollInterval,
		RetryPollInterval:      DefaultRetryPollInterval,
		RetryPollCount:         DefaultRetryPollCount,
		MaxStateDataStoreCount: DefaultMaxStateDataStoreCount,
		UpdateModuleTimeout:    DefaultUpdateModuleTimeout,
		HTTPTimeout:            DefaultHTTPTimeout,
	}
}

// Load reads the config file at path (if it exists), applies environment
// variable overrides and validates the result.
//
// Order of precedence (highest to lowest):
// 1. Environment variables (SERVER_URL, TENANT_TOKEN, DATA_DIR)
// 2. Config file values
// 3. Default values
func Load(path string) (Config, error) {
	cfg := NewDefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// Defaults plus env overrides only.
	default:
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("TENANT_TOKEN"); v != "" {
		cfg.TenantToken = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
}

// Validate checks the invariants the rest of the agent relies on.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("dataDir must not be empty")
	}
	if c.ModulesDir == "" {
		return errors.New("modulesDir must not be empty")
	}
	if c.MaxStateDataStoreCount <= 0 {
		return fmt.Errorf("maxStateDataStoreCount must be positive, got %d", c.MaxStateDataStoreCount)
	}
	if c.RetryPollCount < 0 {
		return fmt.Errorf("retryPollCount must not be negative, got %d", c.RetryPollCount)
	}
	if c.UpdatePollInterval <= 0 || c.RetryPollInterval <= 0 {
		return errors.New("poll intervals must be positive")
	}

	return nil
}

// DatabasePath returns the deployment database location.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, DatabaseFileName)
}

// ModulesWorkPath returns the work tree root for update module payloads.
func (c Config) ModulesWorkPath() string {
	return filepath.Join(c.DataDir, ModulesWorkDirName)
}
