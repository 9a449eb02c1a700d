package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/annopipe/internal/app"
	"github.com/3leaps/annopipe/internal/config"
	"github.com/3leaps/annopipe/internal/observability"
	"github.com/3leaps/annopipe/pkg/events"
	"github.com/3leaps/annopipe/pkg/jobregistry"
	"github.com/3leaps/annopipe/pkg/provider"
	"github.com/3leaps/annopipe/pkg/queue"
)

// submitter identifies the account a submission belongs to.
type submitter struct {
	AccountID string
	Class     string
	Email     string
	Name      string
}

var submitAs submitter

var submitCmd = &cobra.Command{
	Use:   "submit <file>...",
	Short: "Upload input files and publish one job request per file",
	Long: `Upload each file to hot storage under inputs/<account>/<job_id>/ and
publish a job request. Prints one job id per line.

Requires a shared queue backend (sqs or redis); use 'annopipe local' to try
the pipeline with in-memory queues.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	addSubmitterFlags(submitCmd, &submitAs)
}

func addSubmitterFlags(cmd *cobra.Command, s *submitter) {
	cmd.Flags().StringVar(&s.AccountID, "account", "", "Submitting account id")
	cmd.Flags().StringVar(&s.Class, "class", string(jobregistry.AccountStandard), "Account class: standard or elevated")
	cmd.Flags().StringVar(&s.Email, "email", "", "Address notified on completion")
	cmd.Flags().StringVar(&s.Name, "name", "", "Account display name")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	if appConfig.Queue.Backend == config.BackendMemory {
		return fmt.Errorf("submit needs a shared queue backend, got %q", config.BackendMemory)
	}
	ctx := cmd.Context()
	b, err := app.Open(ctx, appConfig, observability.CLILogger)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	for _, path := range args {
		evt, err := submitFile(ctx, b.Hot, b.Publisher, submitAs, path, time.Now())
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), evt.JobID)
	}
	return nil
}

// submitFile uploads path as the input of a new job and publishes its
// submission event.
func submitFile(ctx context.Context, hot provider.ObjectStore, pub queue.Publisher, s submitter, path string, now time.Time) (events.SubmissionEvent, error) {
	if s.AccountID == "" {
		return events.SubmissionEvent{}, fmt.Errorf("--account is required")
	}
	class, err := jobregistry.ParseAccountClass(s.Class)
	if err != nil {
		return events.SubmissionEvent{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return events.SubmissionEvent{}, fmt.Errorf("open input: %w", err)
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return events.SubmissionEvent{}, fmt.Errorf("stat input: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return events.SubmissionEvent{}, fmt.Errorf("input %s is not a regular file", path)
	}

	jobID := uuid.NewString()
	name := filepath.Base(path)
	key := provider.InputKey(s.AccountID, jobID, name)
	if err := hot.Put(ctx, key, f, fi.Size()); err != nil {
		return events.SubmissionEvent{}, fmt.Errorf("upload input: %w", err)
	}

	evt := events.SubmissionEvent{
		JobID:         jobID,
		AccountID:     s.AccountID,
		AccountClass:  string(class),
		AccountEmail:  s.Email,
		AccountName:   s.Name,
		InputName:     name,
		InputLocation: key,
		SubmitTime:    now.Unix(),
		JobStatus:     string(jobregistry.JobStatusPending),
	}
	if err := queue.PublishJSON(ctx, pub, events.TopicJobRequests, evt); err != nil {
		return events.SubmissionEvent{}, fmt.Errorf("publish job request: %w", err)
	}
	observability.CLILogger.Info("job submitted",
		zap.String("job_id", jobID),
		zap.String("account_id", s.AccountID),
		zap.String("input", key))
	return evt, nil
}
