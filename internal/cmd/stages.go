package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/annopipe/internal/app"
	"github.com/3leaps/annopipe/internal/config"
	"github.com/3leaps/annopipe/internal/observability"
	"github.com/3leaps/annopipe/pkg/annotator"
	"github.com/3leaps/annopipe/pkg/events"
	"github.com/3leaps/annopipe/pkg/pipeline"
	"github.com/3leaps/annopipe/pkg/pipeline/launch"
	"github.com/3leaps/annopipe/pkg/worker"
)

var runnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Consume job-requests and launch one execute per job",
	Long: `Consume job-requests. Each submission is recorded, admitted against the
pool bound (runner.max_concurrent_jobs, 0 = unbounded), its input staged
into <runner.work_dir>/<job_id>, and an isolated execute started.

With runner.launcher=process each job runs as a child 'annopipe execute'
whose output goes to <runner.log_dir>/<job_id>.log.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runStages(cmd, appConfig, runnerStage(appConfig))
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Consume archive-requests and move free results to the cold tier",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runStages(cmd, appConfig, archiveStage(appConfig))
	},
}

var thawCmd = &cobra.Command{
	Use:   "thaw",
	Short: "Consume thaw-requests and start retrieval of archived results",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runStages(cmd, appConfig, thawStage(appConfig))
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Consume restore-results and copy retrieved results back to hot storage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runStages(cmd, appConfig, restoreStage())
	},
}

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Consume job-results and notify account owners",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runStages(cmd, appConfig, notifyStage(appConfig))
	},
}

func init() {
	rootCmd.AddCommand(runnerCmd, archiveCmd, thawCmd, restoreCmd, notifyCmd)
}

func annotatorFor(cfg *config.Config) annotator.Runner {
	return &annotator.Command{Path: cfg.Annotator.Command, Args: cfg.Annotator.Args}
}

func executorFor(cfg *config.Config, b *app.Backends) (*pipeline.Executor, error) {
	return pipeline.NewExecutor(b.Deps(), annotatorFor(cfg), pipeline.ExecutorConfig{
		Patterns:       cfg.Annotator.Patterns(),
		UploadAttempts: uint(cfg.Executor.UploadAttempts),
		UploadDelay:    cfg.Executor.UploadDelay,
		Output:         os.Stderr,
	})
}

// launcherFor builds the configured launcher. The returned wait func blocks
// until launched in-process jobs finish; it is nil for child processes,
// which outlive the runner.
func launcherFor(cfg *config.Config, b *app.Backends) (pipeline.Launcher, func(), error) {
	logger := observability.CLILogger
	switch cfg.Runner.Launcher {
	case config.LauncherInProcess:
		exec, err := executorFor(cfg, b)
		if err != nil {
			return nil, nil, err
		}
		l := launch.NewInProcess(exec, logger)
		return l, l.Wait, nil
	default:
		if cfg.Registry.Backend == config.BackendMemory || cfg.Hot.Backend == config.BackendMemory || cfg.Queue.Backend == config.BackendMemory {
			return nil, nil, fmt.Errorf("runner.launcher=%s needs backends shared across processes; use %s with memory backends",
				config.LauncherProcess, config.LauncherInProcess)
		}
		var global []string
		if f := config.ConfigFileUsed(); f != "" {
			abs, err := filepath.Abs(f)
			if err != nil {
				return nil, nil, err
			}
			global = append(global, "--config", abs)
		}
		l, err := launch.NewProcess(launch.ProcessConfig{
			GlobalArgs: global,
			LogDir:     cfg.Runner.LogDir,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return l, nil, nil
	}
}

func runnerStage(cfg *config.Config) stage {
	return stage{
		name:  "runner",
		queue: events.TopicJobRequests,
		build: func(ctx context.Context, b *app.Backends) (worker.Handler, func(), error) {
			l, wait, err := launcherFor(cfg, b)
			if err != nil {
				return nil, nil, err
			}
			r, err := pipeline.NewRunner(b.Deps(), pipeline.RunnerConfig{
				WorkDir:           cfg.Runner.WorkDir,
				MaxConcurrentJobs: cfg.Runner.MaxConcurrentJobs,
			}, l)
			if err != nil {
				return nil, nil, err
			}
			if observability.PrometheusRegistry != nil {
				if err := observability.RegisterJobsInFlight(observability.PrometheusRegistry, r.Pool().InFlight); err != nil {
					return nil, nil, err
				}
			}
			drain := func() {
				if wait != nil {
					wait()
				}
				observability.CLILogger.Info("runner stopped", zap.Int("in_flight", r.Pool().InFlight()))
			}
			return r, drain, nil
		},
	}
}

func archiveStage(cfg *config.Config) stage {
	return stage{
		name:  "archive",
		queue: events.TopicArchiveRequests,
		build: func(ctx context.Context, b *app.Backends) (worker.Handler, func(), error) {
			a, err := pipeline.NewArchiver(b.Deps(), pipeline.ArchiveConfig{Retention: cfg.Archive.Retention})
			return a, nil, err
		},
	}
}

func thawStage(cfg *config.Config) stage {
	return stage{
		name:  "thaw",
		queue: events.TopicThawRequests,
		build: func(ctx context.Context, b *app.Backends) (worker.Handler, func(), error) {
			tiers, err := cfg.Thaw.ParsedTiers()
			if err != nil {
				return nil, nil, err
			}
			t, err := pipeline.NewThawer(b.Deps(), pipeline.ThawConfig{Tiers: tiers})
			return t, nil, err
		},
	}
}

func restoreStage() stage {
	return stage{
		name:  "restore",
		queue: events.TopicRestoreResults,
		build: func(ctx context.Context, b *app.Backends) (worker.Handler, func(), error) {
			r, err := pipeline.NewRestorer(b.Deps())
			return r, nil, err
		},
	}
}

func notifyStage(cfg *config.Config) stage {
	return stage{
		name:  "notify",
		queue: events.TopicJobResults,
		build: func(ctx context.Context, b *app.Backends) (worker.Handler, func(), error) {
			n, err := b.Notifier(ctx)
			if err != nil {
				return nil, nil, fmt.Errorf("open notifier: %w", err)
			}
			h, err := pipeline.NewNotifier(b.Deps(), n, pipeline.NotifyConfig{
				BaseURL: cfg.Notify.BaseURL,
				Subject: cfg.Notify.Subject,
			})
			return h, nil, err
		},
	}
}
