package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stackdeploy/stackdeploy/pkg/config"
	"github.com/stackdeploy/stackdeploy/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	dbPath     string
	logLevel   string
	logFormat  string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stackctl",
		Short: "stackctl - OpenStack deployment orchestrator",
		Long: `stackctl deploys OpenStack clusters from a release's task graph.

Tasks declared for roles are merged with per-role overrides, expanded to the
roles present on the selected nodes, ordered into stages and layers, and
dispatched to nodes over SSH. Role-level fault tolerance decides whether a
failed node stops the deployment.

Features:
  - Release metadata in YAML with CUE schema checks
  - Starlark task conditions
  - Rego deployment policies
  - Append-only task run history in SQLite
  - Node liveness monitoring and Prometheus metrics`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: console or json")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newNodesCommand())
	rootCmd.AddCommand(newAttrsCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newAbortCommand())
	rootCmd.AddCommand(newMonitorCommand())
	rootCmd.AddCommand(newReleasesCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// loadConfig reads the config file and applies the global flags on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if logLevel != "" {
		cfg.Telemetry.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Telemetry.Logging.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(telemetry.ParseLevel(cfg.Telemetry.Logging.Level))
	return cfg, nil
}
