package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/annopipe/internal/app"
	"github.com/3leaps/annopipe/internal/observability"
	"github.com/3leaps/annopipe/pkg/pipeline"
)

var (
	executeJobID   string
	executeInput   string
	executeWorkDir string
)

var executeCmd = &cobra.Command{
	Use:   "execute",
	Short: "Run one job to completion (started by the runner)",
	Long: `Run one annotation job: claim it PENDING -> RUNNING, run the annotator in
the work dir, upload the artifacts, mark it COMPLETE and publish the
job-results and archive-requests events.

The runner starts this command as a child process per job. Running it by
hand is useful for replaying a job whose input is already staged.`,
	Args: cobra.NoArgs,
	RunE: runExecute,
}

func init() {
	rootCmd.AddCommand(executeCmd)
	executeCmd.Flags().StringVar(&executeJobID, "job-id", "", "Job id (required)")
	executeCmd.Flags().StringVar(&executeInput, "input", "", "Staged input file (required)")
	executeCmd.Flags().StringVar(&executeWorkDir, "work-dir", "", "Job work dir (required)")
	_ = executeCmd.MarkFlagRequired("job-id")
	_ = executeCmd.MarkFlagRequired("input")
	_ = executeCmd.MarkFlagRequired("work-dir")
}

func runExecute(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	log := observability.CLILogger.With(zap.String("job_id", executeJobID))
	b, err := app.Open(ctx, appConfig, observability.CLILogger)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	exec, err := executorFor(appConfig, b)
	if err != nil {
		return err
	}
	job := pipeline.Job{JobID: executeJobID, InputPath: executeInput, WorkDir: executeWorkDir}
	if err := exec.Run(ctx, job); err != nil {
		ExitWithCode(log, ExitJobFailed, "execute failed", err)
	}
	return nil
}
