// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the command-line interface for legacyhsm using Cobra. It
// defines the root command, the global flags, configuration loading and the
// entry point used by the root main package.

package cli

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/calypsonet/legacyhsm/buildvars"
	"github.com/calypsonet/legacyhsm/internal/config"
	"github.com/calypsonet/legacyhsm/internal/i18n"
	"github.com/calypsonet/legacyhsm/internal/logging"
	"github.com/calypsonet/legacyhsm/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const modulePath = "github.com/calypsonet/legacyhsm"

var version = "dev"   // set by the linker
var gitCommit = "dev" // short commit SHA, set at build time
var buildDate = ""    // RFC3339, set at build time
var cfgFile string
var verbose bool

var appConfig config.Config
var appStore *store.Store

// writeDefaultConfig is replaced in tests to keep the user config dir untouched.
var writeDefaultConfig = func(c *config.Config) error { return config.WriteConfigFile(c, false) }

// setupDefaultServices loads the configuration, applies logging and
// language settings and opens the store. It runs before every subcommand.
func setupDefaultServices(cmd *cobra.Command, args []string) error {
	if verbose {
		logging.SetDebug(true)
		store.SetDebug(true)
	}

	configPath, err := getConfigPathFromCli(cmd)
	if err != nil {
		return err
	}

	defaults := config.Defaults()
	appConfig, err = config.LoadConfig[config.Config](cmd, defaults, configPath)
	if errors.As(err, &viper.ConfigFileNotFoundError{}) {
		// First run: persist the defaults so operators have a file to edit.
		// The PIN is never written.
		persisted := appConfig
		persisted.HSM.PIN = ""
		if writeErr := writeDefaultConfig(&persisted); writeErr != nil {
			logging.Warnf("could not write default config file: %v", writeErr)
		}
	} else if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	// Empty values in a user file fall back to the defaults.
	if appConfig.Database.Type == "" {
		appConfig.Database.Type = defaults["database.type"].(string)
	}
	if appConfig.Database.Dsn == "" {
		appConfig.Database.Dsn = defaults["database.dsn"].(string)
	}
	if appConfig.Language == "" {
		appConfig.Language = defaults["language"].(string)
	}

	i18n.Init(appConfig.Language)

	if appStore == nil {
		s, err := store.Open(appConfig.Database.Type, appConfig.Database.Dsn)
		if err != nil {
			return errors.New(i18n.T("config.error_init_db", err))
		}
		appStore = s
	}
	return nil
}

// closeServices closes the store opened by setupDefaultServices.
func closeServices() {
	if appStore != nil {
		if err := appStore.Close(); err != nil {
			logging.Errorf("could not close store: %v", err)
		}
		appStore = nil
	}
}

// Execute runs the CLI entrypoint.
func Execute() error {
	defer closeServices()
	return NewRootCmd().Execute()
}

func getConfigPathFromCli(cmd *cobra.Command) (*string, error) {
	if !cmd.Flags().Changed("config") {
		return nil, nil
	}
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("could not read --config flag: %w", err)
	}
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file specified via --config flag not found or is not accessible: %w", err)
	}
	return &path, nil
}

// NewRootCmd creates the root command with every subcommand attached. Tests
// call it to get a fresh command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "legacyhsm",
		Short: "legacyhsm exposes HSM channels as a pool of virtual SAM readers.",
		Long: `legacyhsm drives a legacy HSM through a pool plugin: every key group of the
HSM becomes a reader group, and every allocated reader owns one HSM channel
that answers APDUs like a Calypso SAM.

Allocations and operator actions are written to an audit database.`,
		SilenceUsage:      true,
		PersistentPreRunE: setupDefaultServices,
	}

	v, c, d := resolveBuildVersion(nil)
	cmd.Version = compositeVersion(v, c, d)

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")
	cmd.PersistentFlags().String("language", "en", `Output language ("en", "de")`)
	cmd.PersistentFlags().String("database.type", "sqlite", "Database type (sqlite, postgres, mysql)")
	cmd.PersistentFlags().String("database.dsn", "./legacyhsm.db", "Database connection string (DSN)")
	cmd.PersistentFlags().String("hsm.inventory", "", "Simulated HSM inventory file (built-in inventory when empty)")

	cmd.AddCommand(
		newInfoCmd(),
		newGroupsCmd(),
		newProbeCmd(),
		newExchangeCmd(),
		newCertifyCmd(),
		newAuditCmd(),
		newAllocationsCmd(),
		newBackupCmd(),
		newRestoreCmd(),
		newDBMaintainCmd(),
		newMonitorCmd(),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		// No config or database is needed to print the version.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			v, c, d := resolveBuildVersion(nil)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "version: %s\n", v)
			fmt.Fprintf(out, "commit: %s\n", c)
			if d != "" {
				fmt.Fprintf(out, "built: %s\n", d)
			}
		},
	}
}

func compositeVersion(v, c, d string) string {
	out := v
	if c != "" && c != "dev" {
		out += " (" + c + ")"
	}
	if d != "" {
		out += " built: " + d
	}
	return out
}

// resolveBuildVersion computes the best-available version, commit and build
// date. When info is nil the runtime build info is read.
func resolveBuildVersion(info *debug.BuildInfo) (versionOut, commitOut, dateOut string) {
	resolvedVersion := buildvars.VersionOrDefault(version)
	resolvedCommit := gitCommit
	resolvedDate := buildDate

	if info == nil {
		if local, ok := debug.ReadBuildInfo(); ok {
			info = local
		}
	}
	if info != nil {
		if info.Main.Version != "" && info.Main.Version != "(devel)" && resolvedVersion == "dev" {
			resolvedVersion = info.Main.Version
		}
		if resolvedVersion == "dev" {
			for _, dep := range info.Deps {
				if dep.Path == modulePath && dep.Version != "" {
					resolvedVersion = dep.Version
					break
				}
			}
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if s.Value != "" && resolvedCommit == "dev" {
					resolvedCommit = s.Value
					if len(resolvedCommit) > 7 {
						resolvedCommit = resolvedCommit[:7]
					}
				}
			case "vcs.time":
				if s.Value != "" && resolvedDate == "" {
					resolvedDate = s.Value
				}
			}
		}
	}
	return resolvedVersion, resolvedCommit, resolvedDate
}
