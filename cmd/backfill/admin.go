package main

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/yirzhou/backfill"
)

var (
	rateLimitCmd = &cobra.Command{
		Use:   "ratelimit",
		Short: "Show or change the global rate limit configuration",
	}

	rateLimitGetCmd = &cobra.Command{
		Use:   "get",
		Short: "Show the current rate limit configuration",
		RunE:  rateLimitGetMain,
	}

	rateLimitSetCmd = &cobra.Command{
		Use:   "set",
		Short: "Update part of the rate limit configuration",
		Long: `Update part of the rate limit configuration. Only the flags given are
changed; a running job picks the new values up before its next item.`,
		Example: `  backfill ratelimit set --max-requests-per-minute 20 --min-delay 2s`,
		RunE:    rateLimitSetMain,
	}

	recoverCmd = &cobra.Command{
		Use:   "recover",
		Short: "Resume jobs left running or pending by a previous server",
		RunE:  recoverMain,
	}

	cleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished jobs older than a retention period",
		RunE:  cleanupMain,
	}

	rateLimitFlags struct {
		maxPerMinute  int
		maxConcurrent int
		minDelay      time.Duration
		maxDelay      time.Duration
		multiplier    float64
	}
	cleanupOlderThan time.Duration
)

func init() {
	flags := rateLimitSetCmd.Flags()
	flags.IntVar(&rateLimitFlags.maxPerMinute, "max-requests-per-minute", 0, "Requests allowed per minute; 0 disables the window")
	flags.IntVar(&rateLimitFlags.maxConcurrent, "max-concurrent", 0, "Requests allowed in flight at once")
	flags.DurationVar(&rateLimitFlags.minDelay, "min-delay", 0, "Minimum delay between two requests")
	flags.DurationVar(&rateLimitFlags.maxDelay, "max-delay", 0, "Upper bound of the backoff delay")
	flags.Float64Var(&rateLimitFlags.multiplier, "backoff-multiplier", 0, "Factor applied to the delay after a retryable failure")

	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 30*24*time.Hour, "Delete jobs that finished longer ago than this")

	rateLimitCmd.AddCommand(rateLimitGetCmd, rateLimitSetCmd)
	rootCmd.AddCommand(rateLimitCmd, recoverCmd, cleanupCmd)
}

func printRateLimit(cfg backfill.RateLimitConfig) error {
	if outputJSON {
		return printJSON(cfg)
	}
	fmt.Printf("Max requests per minute: %d\n", cfg.MaxRequestsPerMinute)
	fmt.Printf("Max concurrent:          %d\n", cfg.MaxConcurrent)
	fmt.Printf("Min delay:               %s\n", time.Duration(cfg.MinDelayMs)*time.Millisecond)
	fmt.Printf("Max delay:               %s\n", time.Duration(cfg.MaxDelayMs)*time.Millisecond)
	fmt.Printf("Backoff multiplier:      %g\n", cfg.BackoffMultiplier)
	return nil
}

func rateLimitGetMain(cmd *cobra.Command, args []string) error {
	cfg, err := apiClient().GetRateLimitConfig(cmd.Context())
	if err != nil {
		return errors.Wrap(err, "failed to get rate limit configuration")
	}
	return printRateLimit(cfg)
}

func rateLimitSetMain(cmd *cobra.Command, args []string) error {
	partial := &backfill.RateLimitOverrides{}
	changed := false
	if cmd.Flags().Changed("max-requests-per-minute") {
		partial.MaxRequestsPerMinute = &rateLimitFlags.maxPerMinute
		changed = true
	}
	if cmd.Flags().Changed("max-concurrent") {
		partial.MaxConcurrent = &rateLimitFlags.maxConcurrent
		changed = true
	}
	if cmd.Flags().Changed("min-delay") {
		ms := rateLimitFlags.minDelay.Milliseconds()
		partial.MinDelayMs = &ms
		changed = true
	}
	if cmd.Flags().Changed("max-delay") {
		ms := rateLimitFlags.maxDelay.Milliseconds()
		partial.MaxDelayMs = &ms
		changed = true
	}
	if cmd.Flags().Changed("backoff-multiplier") {
		partial.BackoffMultiplier = &rateLimitFlags.multiplier
		changed = true
	}
	if !changed {
		return errors.New("no rate limit flag given")
	}

	cfg, err := apiClient().UpdateRateLimitConfig(cmd.Context(), partial)
	if err != nil {
		return errors.Wrap(err, "failed to update rate limit configuration")
	}
	return printRateLimit(cfg)
}

func recoverMain(cmd *cobra.Command, args []string) error {
	result, err := apiClient().RecoverIncompleteJobs(cmd.Context())
	if err != nil {
		return errors.Wrap(err, "failed to recover jobs")
	}
	if outputJSON {
		return printJSON(result)
	}
	fmt.Printf("Recovered %d jobs, %d failed\n", result.JobsRecovered, result.JobsFailed)
	if !result.Success {
		return errors.New("some jobs could not be recovered")
	}
	return nil
}

func cleanupMain(cmd *cobra.Command, args []string) error {
	n, err := apiClient().CleanupOldJobs(cmd.Context(), cleanupOlderThan)
	if err != nil {
		return errors.Wrap(err, "failed to clean up jobs")
	}
	if outputJSON {
		return printJSON(map[string]int{"deleted": n})
	}
	fmt.Printf("Deleted %d jobs\n", n)
	return nil
}
