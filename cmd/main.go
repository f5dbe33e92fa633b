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

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/united-manufacturing-hub/update-agent/pkg/client"
	"github.com/united-manufacturing-hub/update-agent/pkg/config"
	"github.com/united-manufacturing-hub/update-agent/pkg/daemon"
	"github.com/united-manufacturing-hub/update-agent/pkg/datastore"
	"github.com/united-manufacturing-hub/update-agent/pkg/logger"
	"github.com/united-manufacturing-hub/update-agent/pkg/standalone"
	"github.com/united-manufacturing-hub/update-agent/pkg/store"
	"github.com/united-manufacturing-hub/update-agent/pkg/version"
)

const defaultConfigPath = "/etc/update-agent/update-agent.yaml"

// invoked flips once argument parsing succeeded and a command body ran, to
// tell usage errors (exit 2) apart from runtime failures (exit 1).
var invoked bool

func main() {
	logger.Initialize()
	defer func() {
		_ = logger.Sync()
	}()

	if err := newRootCommand().Execute(); err != nil {
		if invoked {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "update-agent",
		Short:         "Over-the-air software update agent",
		Version:       version.GetAppVersion(),
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"path to the configuration file")

	root.AddCommand(
		newDaemonCommand(&configPath),
		newInstallCommand(&configPath),
		newResumeCommand(&configPath),
		newCommitCommand(&configPath),
		newRollbackCommand(&configPath),
		newShowArtifactCommand(&configPath),
		newShowProvidesCommand(&configPath),
	)

	return root
}

// begin marks the command body as reached and suppresses the usage text for
// the errors that follow, which are runtime failures rather than misuse.
func begin(cmd *cobra.Command) {
	invoked = true
	cmd.SilenceUsage = true
}

func openStore(cfg config.Config) (store.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return store.NewSQLiteStore(filepath.Join(cfg.DataDir, config.DatabaseFileName))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newDaemonCommand(configPath *string) *cobra.Command {
	var stopAfterDeployment bool

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Poll the server for deployments and apply them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			begin(cmd)

			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.ServerURL == "" {
				return errors.New("no server URL configured")
			}

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = st.Close()
			}()

			api := client.New(cfg.ServerURL, cfg.TenantToken, cfg.HTTPTimeout)
			dctx, err := daemon.NewContext(cfg, st, api, nil)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			return daemon.New(dctx, stopAfterDeployment).Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&stopAfterDeployment, "stop-after-deployment", false,
		"exit after the first deployment has ended")

	return cmd
}

func runStandalone(
	cmd *cobra.Command,
	configPath string,
	run func(ctx context.Context, c *standalone.Context) (standalone.Result, error),
) error {
	begin(cmd)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	c, err := standalone.NewContext(cfg, st, nil, nil)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	result, err := run(ctx, c)
	logger.For(logger.ComponentStandalone).Infof("result: %s", result)

	return err
}

func newInstallCommand(configPath *string) *cobra.Command {
	var opts standalone.InstallOptions

	cmd := &cobra.Command{
		Use:   "install <artifact path or URL>",
		Short: "Install an update artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStandalone(cmd, *configPath,
				func(ctx context.Context, c *standalone.Context) (standalone.Result, error) {
					return standalone.Install(ctx, c, args[0], opts)
				})
		},
	}
	cmd.Flags().StringVar(&opts.StopBefore, "stop-before", "",
		"pause the installation before the given checkpoint")
	cmd.Flags().BoolVar(&opts.AutoCommit, "auto-commit", false,
		"commit immediately instead of pausing for a separate commit")

	return cmd
}

func newResumeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume an interrupted installation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStandalone(cmd, *configPath, standalone.Resume)
		},
	}
}

func newCommitCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "commit",
		Short: "Commit an installed update",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStandalone(cmd, *configPath, standalone.Commit)
		},
	}
}

func newRollbackCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Roll back an installed update",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStandalone(cmd, *configPath, standalone.Rollback)
		},
	}
}

func loadArtifactData(configPath string) (datastore.ArtifactData, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return datastore.ArtifactData{}, err
	}

	st, err := openStore(cfg)
	if err != nil {
		return datastore.ArtifactData{}, err
	}
	defer func() {
		_ = st.Close()
	}()

	return datastore.LoadArtifactData(context.Background(), st)
}

func newShowArtifactCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show-artifact",
		Short: "Print the name of the installed artifact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			begin(cmd)

			data, err := loadArtifactData(*configPath)
			if errors.Is(err, datastore.ErrNoArtifactName) {
				fmt.Println("unknown")

				return nil
			}
			if err != nil {
				return err
			}

			fmt.Println(data.Name)

			return nil
		},
	}
}

func newShowProvidesCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show-provides",
		Short: "Print the provides of the installed artifact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			begin(cmd)

			data, err := loadArtifactData(*configPath)
			if errors.Is(err, datastore.ErrNoArtifactName) {
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Printf("artifact_name=%s\n", data.Name)
			if data.Group != "" {
				fmt.Printf("artifact_group=%s\n", data.Group)
			}

			keys := make([]string, 0, len(data.Provides))
			for key := range data.Provides {
				if key == "artifact_name" || key == "artifact_group" {
					continue
				}
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				fmt.Printf("%s=%s\n", key, data.Provides[key])
			}

			return nil
		},
	}
}
