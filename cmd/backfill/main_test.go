package main

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yirzhou/backfill"
	"github.com/yirzhou/backfill/sqlstore"
	"github.com/yirzhou/backfill/web"
)

type stubCollector struct{}

func (stubCollector) RefreshDate(ctx context.Context, date string, districts []string) (*backfill.RefreshOutcome, error) {
	return &backfill.RefreshOutcome{SnapshotID: date}, nil
}

func (stubCollector) ComputeSnapshot(ctx context.Context, snapshotID string) error { return nil }

func (stubCollector) ListDistricts(ctx context.Context) ([]string, error) {
	return []string{"north", "south"}, nil
}

func (stubCollector) ListSnapshots(ctx context.Context) ([]backfill.Snapshot, error) {
	return nil, nil
}

func startServer(t *testing.T) (*backfill.Orchestrator, string) {
	t.Helper()
	store, err := sqlstore.Open(filepath.Join(t.TempDir(), "jobs.sqlite"))
	require.NoError(t, err)

	collector := stubCollector{}
	orch := backfill.NewOrchestrator(store, backfill.Collaborators{
		Refresh: collector, Analytics: collector, Districts: collector, Snapshots: collector,
	})
	zero := int64(0)
	perMinute := 0
	_, err = orch.UpdateRateLimitConfig(context.Background(), &backfill.RateLimitOverrides{
		MaxRequestsPerMinute: &perMinute, MinDelayMs: &zero, MaxDelayMs: &zero,
	})
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	server := httptest.NewServer(web.NewEngine(orch))
	t.Cleanup(func() {
		server.Close()
		orch.Dispose()
		_ = store.Close()
	})
	return orch, server.URL
}

// resetFlags clears the Changed marks left by a previous execution.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) { f.Changed = false }
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func runCLI(t *testing.T, args ...string) error {
	t.Helper()
	resetFlags(rootCmd)
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestCLICreateWaitAndList(t *testing.T) {
	orch, url := startServer(t)

	err := runCLI(t, "create", "--server", url, "--type", "data-collection",
		"--start", "2024-01-01", "--end", "2024-01-03", "--wait", "--poll-interval", "20ms")
	require.NoError(t, err)

	jobs, err := orch.ListJobs(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, backfill.Completed, jobs[0].Status)
	assert.Equal(t, 3, jobs[0].Progress.ProcessedItems)

	require.NoError(t, runCLI(t, "job", "list", "--server", url, "--status", "completed"))
	require.NoError(t, runCLI(t, "job", "status", "--server", url, jobs[0].ID))
	assert.Error(t, runCLI(t, "job", "get", "--server", url, "does-not-exist"))
}

func TestCLIRateLimitSet(t *testing.T) {
	orch, url := startServer(t)

	require.NoError(t, runCLI(t, "ratelimit", "set", "--server", url, "--max-requests-per-minute", "42", "--max-delay", "3s"))
	cfg := orch.GetRateLimitConfig(context.Background())
	assert.Equal(t, 42, cfg.MaxRequestsPerMinute)
	assert.Equal(t, int64(3000), cfg.MaxDelayMs)

	assert.Error(t, runCLI(t, "ratelimit", "set", "--server", url))
}

func TestBuildRequestOnlyUsesChangedFlags(t *testing.T) {
	cmd := previewCmd
	require.NoError(t, cmd.ParseFlags([]string{"--type", "analytics-generation", "--min-delay", "1500ms"}))
	t.Cleanup(func() {
		resetFlags(cmd)
		jobReq.minDelay = 0
		jobReq.jobType = string(backfill.DataCollection)
	})

	req := buildRequest(cmd)
	assert.Equal(t, backfill.AnalyticsGeneration, req.JobType)
	require.NotNil(t, req.RateLimitOverrides)
	require.NotNil(t, req.RateLimitOverrides.MinDelayMs)
	assert.Equal(t, int64(1500), *req.RateLimitOverrides.MinDelayMs)
	assert.Nil(t, req.RateLimitOverrides.MaxRequestsPerMinute)
	assert.Nil(t, req.RateLimitOverrides.BackoffMultiplier)
}
