// Package cmd wires the annopipe command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/annopipe/internal/config"
	"github.com/3leaps/annopipe/internal/observability"
	"github.com/3leaps/annopipe/internal/server/handlers"
)

// Exit codes.
const (
	ExitSuccess       = 0
	ExitFailure       = 1
	ExitUsage         = 64
	ExitConfig        = 78
	ExitUnavailable   = 69
	ExitJobFailed     = 70
	ExitInterruptedBy = 130
)

type buildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var (
	versionInfo = buildInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
	appIdentity *config.Identity
	appConfig   *config.Config

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "annopipe",
	Short: "Asynchronous annotation job pipeline with tiered result storage",
	Long: `annopipe runs the workers of an annotation pipeline.

Each stage is a separate command that consumes one queue:

  runner    job-requests     -> launch one isolated execute per job
  notify    job-results      -> tell the account owner the job finished
  archive   archive-requests -> move free-account results to the cold tier
  thaw      thaw-requests    -> start cold retrieval for upgraded accounts
  restore   restore-results  -> copy retrieved results back to hot storage

'annopipe local' runs every stage in one process over in-memory queues.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: discovered annopipe.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Override logging.level")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		ExitWithCode(observability.CLILogger, ExitFailure, "command failed", err)
	}
}

// SetVersionInfo records build metadata for the version command and endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity resolved at startup, or nil before
// the first command runs.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

// setDefaults registers config defaults on the global viper instance.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

// ExitWithCode logs err and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, msg string, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err != nil {
		logger.Error(msg, zap.Error(err), zap.Int("exit_code", code))
		_, _ = fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		logger.Error(msg, zap.Int("exit_code", code))
	}
	observability.Sync()
	os.Exit(code)
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	config.SetConfigFile(cfgFile)

	var overrides []map[string]any
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		overrides = append(overrides, map[string]any{"logging": map[string]any{"level": lvl}})
	}

	cfg, err := config.Load(cmd.Context(), overrides...)
	if err != nil {
		return err
	}
	id := config.DefaultIdentity
	appIdentity = &id
	appConfig = cfg

	if err := observability.InitCLILogger(cfg.Logging); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	observability.CLILogger.Debug("configuration loaded",
		zap.String("config_file", config.ConfigFileUsed()),
		zap.String("registry", cfg.Registry.Backend),
		zap.String("queue", cfg.Queue.Backend))
	return nil
}
