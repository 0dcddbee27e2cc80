package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/yirzhou/backfill"
)

var (
	createCmd = &cobra.Command{
		Use:   "create",
		Short: "Create a backfill job",
		Long: `Create a backfill job on the running server. Only one job may be active
at a time. With --wait the command follows the job until it finishes.`,
		Example: `  backfill create --type data-collection --start 2024-01-01 --end 2024-01-31
  backfill create --type analytics-generation --wait`,
		RunE: createMain,
	}

	previewCmd = &cobra.Command{
		Use:   "preview",
		Short: "Estimate a job without creating it",
		RunE:  previewMain,
	}

	jobCmd = &cobra.Command{
		Use:   "job",
		Short: "Inspect and manage backfill jobs",
	}

	jobListCmd = &cobra.Command{
		Use:   "list",
		Short: "List backfill jobs, newest first",
		RunE:  jobListMain,
	}

	jobGetCmd = &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job with its progress and checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  jobGetMain,
	}

	jobStatusCmd = &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status summary of a job",
		Args:  cobra.ExactArgs(1),
		RunE:  jobStatusMain,
	}

	jobCancelCmd = &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE:  jobCancelMain,
	}

	jobReq struct {
		jobType      string
		start        string
		end          string
		districts    []string
		skipExisting bool
		maxPerMinute int
		minDelay     time.Duration
		maxDelay     time.Duration
		multiplier   float64
	}
	createWait         bool
	createPollInterval time.Duration

	jobListStatus []string
	jobListType   string
	jobListLimit  int
	jobListOffset int
)

func addJobRequestFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&jobReq.jobType, "type", "t", string(backfill.DataCollection), "Job type: data-collection or analytics-generation")
	flags.StringVar(&jobReq.start, "start", "", "First date of the range (YYYY-MM-DD)")
	flags.StringVar(&jobReq.end, "end", "", "Last date of the range, inclusive (YYYY-MM-DD)")
	flags.StringSliceVar(&jobReq.districts, "districts", nil, "Restrict collection to these districts")
	flags.BoolVar(&jobReq.skipExisting, "skip-existing", false, "Skip dates that already have a successful snapshot")
	flags.IntVar(&jobReq.maxPerMinute, "max-requests-per-minute", 0, "Override the request budget for this job")
	flags.DurationVar(&jobReq.minDelay, "min-delay", 0, "Override the minimum delay between requests")
	flags.DurationVar(&jobReq.maxDelay, "max-delay", 0, "Override the maximum backoff delay")
	flags.Float64Var(&jobReq.multiplier, "backoff-multiplier", 0, "Override the backoff multiplier")
}

func init() {
	addJobRequestFlags(createCmd)
	addJobRequestFlags(previewCmd)
	createCmd.Flags().BoolVarP(&createWait, "wait", "w", false, "Wait for the job to finish")
	createCmd.Flags().DurationVar(&createPollInterval, "poll-interval", 2*time.Second, "How often to poll the job while waiting")

	jobListCmd.Flags().StringSliceVarP(&jobListStatus, "status", "s", nil, "Filter by status (pending, running, recovering, completed, failed, cancelled)")
	jobListCmd.Flags().StringVar(&jobListType, "type", "", "Filter by job type")
	jobListCmd.Flags().IntVarP(&jobListLimit, "limit", "l", 20, "Maximum number of jobs to return")
	jobListCmd.Flags().IntVarP(&jobListOffset, "offset", "o", 0, "Offset for pagination")

	jobCmd.AddCommand(jobListCmd, jobGetCmd, jobStatusCmd, jobCancelCmd)
	rootCmd.AddCommand(createCmd, previewCmd, jobCmd)
}

// buildRequest turns the job flags into a request. Only flags set on the
// command line become rate limit overrides.
func buildRequest(cmd *cobra.Command) backfill.CreateJobRequest {
	req := backfill.CreateJobRequest{
		JobType:         backfill.JobType(jobReq.jobType),
		StartDate:       jobReq.start,
		EndDate:         jobReq.end,
		TargetDistricts: jobReq.districts,
		SkipExisting:    jobReq.skipExisting,
	}
	overrides := &backfill.RateLimitOverrides{}
	set := false
	if cmd.Flags().Changed("max-requests-per-minute") {
		overrides.MaxRequestsPerMinute = &jobReq.maxPerMinute
		set = true
	}
	if cmd.Flags().Changed("min-delay") {
		ms := jobReq.minDelay.Milliseconds()
		overrides.MinDelayMs = &ms
		set = true
	}
	if cmd.Flags().Changed("max-delay") {
		ms := jobReq.maxDelay.Milliseconds()
		overrides.MaxDelayMs = &ms
		set = true
	}
	if cmd.Flags().Changed("backoff-multiplier") {
		overrides.BackoffMultiplier = &jobReq.multiplier
		set = true
	}
	if set {
		req.RateLimitOverrides = overrides
	}
	return req
}

func createMain(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	client := apiClient()

	job, err := client.CreateJob(ctx, buildRequest(cmd))
	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}
	if !createWait {
		if outputJSON {
			return printJSON(job)
		}
		fmt.Printf("Created job %s (%s)\n", job.ID, job.Type)
		return nil
	}

	fmt.Printf("Created job %s, waiting for it to finish...\n", job.ID)
	report, err := waitForJob(ctx, job.ID, createPollInterval)
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(report)
	}
	printStatus(report)
	if report.Status != backfill.Completed {
		return errors.Errorf("job %s ended %s", job.ID, report.Status)
	}
	return nil
}

func waitForJob(ctx context.Context, jobID string, interval time.Duration) (*backfill.JobStatusReport, error) {
	client := apiClient()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastDone := -1
	for {
		report, err := client.GetJobStatus(ctx, jobID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to poll job")
		}
		if report == nil {
			return nil, errors.Errorf("job %s disappeared", jobID)
		}
		if report.Status.IsTerminal() {
			return report, nil
		}
		done := report.Progress.ProcessedItems + report.Progress.FailedItems + report.Progress.SkippedItems
		if done != lastDone && !outputJSON {
			fmt.Printf("  %s: %d/%d items (%.0f%%)\n", report.Status, done, report.Progress.TotalItems, report.PercentComplete)
			lastDone = done
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func previewMain(cmd *cobra.Command, args []string) error {
	preview, err := apiClient().PreviewJob(cmd.Context(), buildRequest(cmd))
	if err != nil {
		return errors.Wrap(err, "failed to preview job")
	}
	if outputJSON {
		return printJSON(preview)
	}
	fmt.Printf("Job type:           %s\n", preview.JobType)
	if preview.DateRange.Start != "" {
		fmt.Printf("Date range:         %s .. %s\n", preview.DateRange.Start, preview.DateRange.End)
	}
	fmt.Printf("Items:              %d\n", preview.TotalItems)
	if preview.SkippedExisting > 0 {
		fmt.Printf("Skipped (existing): %d\n", preview.SkippedExisting)
	}
	if len(preview.AffectedDistricts) > 0 {
		fmt.Printf("Districts:          %s\n", strings.Join(preview.AffectedDistricts, ", "))
	}
	fmt.Printf("Estimated duration: %s\n", (time.Duration(preview.EstimatedDurationMs) * time.Millisecond).String())
	return nil
}

func jobListMain(cmd *cobra.Command, args []string) error {
	filter := &backfill.JobFilter{Limit: jobListLimit, Offset: jobListOffset}
	for _, s := range jobListStatus {
		filter.Statuses = append(filter.Statuses, backfill.JobStatus(s))
	}
	if jobListType != "" {
		filter.Types = []backfill.JobType{backfill.JobType(jobListType)}
	}
	jobs, err := apiClient().ListJobs(cmd.Context(), filter)
	if err != nil {
		return errors.Wrap(err, "failed to list jobs")
	}
	if outputJSON {
		return printJSON(jobs)
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}
	fmt.Printf("%-38s %-22s %-11s %-21s %s\n", "Job ID", "Type", "Status", "Created", "Progress")
	for _, job := range jobs {
		p := job.Progress
		fmt.Printf("%-38s %-22s %-11s %-21s %d/%d (%d failed)\n",
			job.ID, job.Type, job.Status, job.CreatedAt.Format(time.RFC3339),
			p.ProcessedItems+p.FailedItems+p.SkippedItems, p.TotalItems, p.FailedItems)
	}
	return nil
}

func jobGetMain(cmd *cobra.Command, args []string) error {
	job, err := apiClient().GetJob(cmd.Context(), args[0])
	if err != nil {
		return errors.Wrap(err, "failed to get job")
	}
	if job == nil {
		return errors.Errorf("job %s not found", args[0])
	}
	return printJSON(job)
}

func jobStatusMain(cmd *cobra.Command, args []string) error {
	report, err := apiClient().GetJobStatus(cmd.Context(), args[0])
	if err != nil {
		return errors.Wrap(err, "failed to get job status")
	}
	if report == nil {
		return errors.Errorf("job %s not found", args[0])
	}
	if outputJSON {
		return printJSON(report)
	}
	printStatus(report)
	return nil
}

func printStatus(report *backfill.JobStatusReport) {
	p := report.Progress
	fmt.Printf("Job:       %s (%s)\n", report.JobID, report.JobType)
	fmt.Printf("Status:    %s\n", report.Status)
	fmt.Printf("Progress:  %.1f%% (%d processed, %d failed, %d skipped of %d)\n",
		report.PercentComplete, p.ProcessedItems, p.FailedItems, p.SkippedItems, p.TotalItems)
	if p.CurrentItem != "" && !report.Status.IsTerminal() {
		fmt.Printf("Current:   %s\n", p.CurrentItem)
	}
	if report.ResumedAt != nil {
		fmt.Printf("Resumed:   %s\n", report.ResumedAt.Format(time.RFC3339))
	}
	if report.Error != "" {
		fmt.Printf("Error:     %s\n", report.Error)
	}
}

func jobCancelMain(cmd *cobra.Command, args []string) error {
	cancelled, err := apiClient().CancelJob(cmd.Context(), args[0])
	if err != nil {
		return errors.Wrap(err, "failed to cancel job")
	}
	if !cancelled {
		fmt.Printf("Job %s already finished\n", args[0])
		return nil
	}
	fmt.Printf("Job %s cancelled\n", args[0])
	return nil
}
