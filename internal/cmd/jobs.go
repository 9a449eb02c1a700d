package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/annopipe/internal/app"
	"github.com/3leaps/annopipe/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect annotation job records",
	Long: `Inspect job records in the configured registry.

Job ids may be abbreviated to any unique prefix.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show one job record",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().String("account", "", "Only jobs owned by this account")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	account, _ := cmd.Flags().GetString("account")

	reg, err := app.OpenRegistry(cmd.Context(), appConfig)
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()

	var jobs []jobregistry.JobRecord
	if account != "" {
		jobs, err = reg.ListByAccount(cmd.Context(), account)
	} else {
		jobs, err = reg.List(cmd.Context())
	}
	if err != nil {
		return err
	}
	return writeJobList(cmd.OutOrStdout(), jobs, jsonOutput)
}

func writeJobList(out io.Writer, jobs []jobregistry.JobRecord, jsonOutput bool) error {
	if jsonOutput {
		if jobs == nil {
			jobs = []jobregistry.JobRecord{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			shortJobID(j.JobID),
			j.AccountID,
			string(j.AccountClass),
			string(j.JobStatus),
			orDash(string(j.StorageState)),
			j.SubmitTime.UTC().Format(time.RFC3339),
			formatOptionalTime(j.CompleteTime),
			orDash(j.InputName),
		})
	}
	return renderTable(out, []string{"JOB ID", "ACCOUNT", "CLASS", "STATUS", "STORAGE", "SUBMITTED", "COMPLETED", "INPUT"}, rows)
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	reg, err := app.OpenRegistry(cmd.Context(), appConfig)
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()

	jobs, err := reg.List(cmd.Context())
	if err != nil {
		return err
	}
	rec, err := resolveJob(jobs, args[0])
	if err != nil {
		return err
	}
	return writeJobStatus(cmd.OutOrStdout(), rec, jsonOutput)
}

func writeJobStatus(out io.Writer, rec *jobregistry.JobRecord, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(out, "job_id=%s\n", rec.JobID)
	_, _ = fmt.Fprintf(out, "account_id=%s\n", rec.AccountID)
	_, _ = fmt.Fprintf(out, "account_class=%s\n", rec.AccountClass)
	_, _ = fmt.Fprintf(out, "job_status=%s\n", rec.JobStatus)
	if rec.StorageState != "" {
		_, _ = fmt.Fprintf(out, "storage_state=%s\n", rec.StorageState)
	}
	_, _ = fmt.Fprintf(out, "input_location=%s\n", rec.InputLocation)
	_, _ = fmt.Fprintf(out, "submit_time=%s\n", rec.SubmitTime.UTC().Format(time.RFC3339))
	if rec.CompleteTime != nil {
		_, _ = fmt.Fprintf(out, "complete_time=%s\n", formatOptionalTime(rec.CompleteTime))
	}
	if rec.ResultLocation != "" {
		_, _ = fmt.Fprintf(out, "result_location=%s\n", rec.ResultLocation)
	}
	if rec.LogLocation != "" {
		_, _ = fmt.Fprintf(out, "log_location=%s\n", rec.LogLocation)
	}
	if rec.ArchiveRef != "" {
		_, _ = fmt.Fprintf(out, "archive_ref=%s\n", rec.ArchiveRef)
	}
	return nil
}

// resolveJob finds the job whose id equals input or uniquely starts with it.
func resolveJob(jobs []jobregistry.JobRecord, input string) (*jobregistry.JobRecord, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	var match *jobregistry.JobRecord
	for i := range jobs {
		id := jobs[i].JobID
		if id == input {
			return &jobs[i], nil
		}
		if strings.HasPrefix(id, input) {
			if match != nil {
				return nil, fmt.Errorf("job id prefix %q is ambiguous", input)
			}
			match = &jobs[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("job %s: %w", input, jobregistry.ErrNotFound)
	}
	return match, nil
}

func shortJobID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
