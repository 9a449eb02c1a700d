package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/annopipe/internal/app"
	"github.com/3leaps/annopipe/internal/config"
)

var localAs submitter

var localCmd = &cobra.Command{
	Use:   "local [file]...",
	Short: "Run every stage in one process over in-memory queues",
	Long: `Run runner, notify, archive, thaw and restore in one process. Queues and
the cold tier are in memory and jobs run in-process; the registry and hot
storage follow the configuration, so registry.backend=file keeps records
across restarts.

Files given as arguments are submitted once the stages are up.

Example:
  annopipe local --account acct-1 --email me@example.com sample.vcf`,
	RunE: runLocal,
}

func init() {
	rootCmd.AddCommand(localCmd)
	addSubmitterFlags(localCmd, &localAs)
}

// localConfig forces the transports that only work inside one process.
func localConfig(base *config.Config) *config.Config {
	cfg := *base
	cfg.Queue.Backend = config.BackendMemory
	cfg.Cold.Backend = config.BackendMemory
	cfg.Runner.Launcher = config.LauncherInProcess
	return &cfg
}

func runLocal(cmd *cobra.Command, args []string) error {
	if len(args) > 0 && localAs.AccountID == "" {
		return fmt.Errorf("--account is required when submitting files")
	}
	cfg := localConfig(appConfig)
	submit := func(ctx context.Context, b *app.Backends) error {
		for _, path := range args {
			evt, err := submitFile(ctx, b.Hot, b.Publisher, localAs, path, time.Now())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), evt.JobID)
		}
		return nil
	}
	return runStagesThen(cmd, cfg, submit,
		runnerStage(cfg),
		notifyStage(cfg),
		archiveStage(cfg),
		thawStage(cfg),
		restoreStage(),
	)
}
