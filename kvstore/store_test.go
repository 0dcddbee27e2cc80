package kvstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bedrock "github.com/yirzhou/bedrock"

	"github.com/yirzhou/backfill"
)

// openTestDB opens a bedrock store in a temp dir. The caller closes it.
func openTestDB(t *testing.T, dir string) *bedrock.KVStore {
	t.Helper()
	cfg := bedrock.NewDefaultConfiguration().
		WithBaseDir(filepath.Join(dir, "bedrock")).
		WithEnableMaintenance(false). // no background loops in tests
		WithEnableCompaction(false).
		WithEnableCheckpoint(true).
		WithEnableSyncCheckpoint(false).
		WithMemtableSizeThreshold(1024).
		WithCheckpointSize(1 << 20).
		WithNoLog()
	db, err := bedrock.Open(cfg)
	require.NoError(t, err, "failed to open bedrock store")
	return db
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	db := openTestDB(t, dir)
	t.Cleanup(func() {
		_ = db.CloseAndCleanUp()
		_ = os.RemoveAll(dir)
	})
	return New(db)
}

func newJob(id string, status backfill.JobStatus, created time.Time) *backfill.Job {
	return &backfill.Job{
		ID:        id,
		Type:      backfill.DataCollection,
		Status:    status,
		Config:    backfill.JobConfig{StartDate: "2024-01-01", EndDate: "2024-01-03"},
		CreatedAt: created,
	}
}

func TestCreateAndGetJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := newJob("a", backfill.Pending, time.Now().UTC())
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, backfill.Pending, got.Status)
	assert.Equal(t, "2024-01-03", got.Config.EndDate)

	missing, err := s.GetJob(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	assert.Error(t, s.CreateJob(ctx, job), "duplicate ids are rejected")
}

func TestCreateJobIfNoneActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateJobIfNoneActive(ctx, newJob("first", backfill.Pending, time.Now())))
	err := s.CreateJobIfNoneActive(ctx, newJob("second", backfill.Pending, time.Now()))
	assert.True(t, errors.Is(err, backfill.ErrConflict))

	second, err := s.GetJob(ctx, "second")
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, s.UpdateJob(ctx, "first", backfill.JobUpdate{Status: statusPtr(backfill.Completed)}))
	assert.NoError(t, s.CreateJobIfNoneActive(ctx, newJob("second", backfill.Pending, time.Now())))
}

func TestUpdateJobAndCheckpoint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newJob("a", backfill.Pending, time.Now())))

	progress := backfill.Progress{TotalItems: 3, ProcessedItems: 1, CurrentItem: "2024-01-01"}
	require.NoError(t, s.UpdateJob(ctx, "a", backfill.JobUpdate{
		Status:   statusPtr(backfill.Running),
		Progress: &progress,
	}))

	checkpoint := &backfill.Checkpoint{
		LastProcessedItem: "2024-01-01",
		LastProcessedAt:   time.Now().UTC(),
		ItemsCompleted:    []string{"2024-01-01"},
	}
	require.NoError(t, s.UpdateCheckpoint(ctx, "a", checkpoint))

	got, err := s.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, backfill.Running, got.Status)
	assert.Equal(t, 1, got.Progress.ProcessedItems)

	cp, err := s.GetCheckpoint(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, []string{"2024-01-01"}, cp.ItemsCompleted)

	err = s.UpdateJob(ctx, "ghost", backfill.JobUpdate{Status: statusPtr(backfill.Failed)})
	assert.True(t, errors.Is(err, backfill.ErrNotFound))
}

func TestListAndActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	require.NoError(t, s.CreateJob(ctx, newJob("old", backfill.Completed, base)))
	require.NoError(t, s.CreateJob(ctx, newJob("mid", backfill.Failed, base.Add(time.Minute))))
	require.NoError(t, s.CreateJob(ctx, newJob("new", backfill.Running, base.Add(2*time.Minute))))

	all, err := s.ListJobs(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "new", all[0].ID)
	assert.Equal(t, "old", all[2].ID)

	page, err := s.ListJobs(ctx, &backfill.JobFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "mid", page[0].ID)

	active, err := s.GetActiveJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "new", active.ID)

	terminal, err := s.GetJobsByStatus(ctx, []backfill.JobStatus{backfill.Completed, backfill.Failed})
	require.NoError(t, err)
	assert.Len(t, terminal, 2)
}

func TestDeleteAndCleanup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	stale := newJob("stale", backfill.Completed, old)
	stale.CompletedAt = &old
	fresh := newJob("fresh", backfill.Completed, recent)
	fresh.CompletedAt = &recent
	require.NoError(t, s.CreateJob(ctx, stale))
	require.NoError(t, s.CreateJob(ctx, fresh))
	require.NoError(t, s.CreateJob(ctx, newJob("running", backfill.Running, old)))

	removed, err := s.CleanupOldJobs(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	gone, err := s.GetJob(ctx, "stale")
	require.NoError(t, err)
	assert.Nil(t, gone)

	ok, err := s.DeleteJob(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.DeleteJob(ctx, "fresh")
	require.NoError(t, err)
	assert.False(t, ok)

	left, err := s.ListJobs(ctx, nil)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "running", left[0].ID)
}

func TestRateLimitConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cfg, err := s.GetRateLimitConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, backfill.DefaultRateLimitConfig(), cfg)

	cfg.MaxRequestsPerMinute = 42
	require.NoError(t, s.SetRateLimitConfig(ctx, cfg))

	got, err := s.GetRateLimitConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, got.MaxRequestsPerMinute)
	assert.True(t, s.IsReady(ctx))
}

func statusPtr(s backfill.JobStatus) *backfill.JobStatus {
	return &s
}

func TestIsReadyAndClose(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, t.TempDir())
	s := New(db)

	assert.True(t, s.IsReady(ctx))
	require.NoError(t, s.CreateJob(ctx, newJob("a", backfill.Completed, time.Now())))
	assert.True(t, s.IsReady(ctx))

	txn := db.BeginTransaction()
	require.NoError(t, txn.Put([]byte(indexKey), []byte("not a job index")))
	require.NoError(t, txn.Commit())
	assert.False(t, s.IsReady(ctx), "an undecodable index is not ready")

	require.NoError(t, s.Close())
	assert.False(t, s.IsReady(ctx), "a closed store is not ready")
	assert.NoError(t, s.Close())
}

func TestUpdateJobExpectStatus(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.CreateJob(ctx, newJob("c", backfill.Cancelled, time.Now())))

	err := s.UpdateJob(ctx, "c", backfill.JobUpdate{
		ExpectStatus: []backfill.JobStatus{backfill.Running},
		Status:       statusPtr(backfill.Completed),
	})
	assert.True(t, errors.Is(err, backfill.ErrStatusChanged))
	job, err := s.GetJob(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, backfill.Cancelled, job.Status)

	require.NoError(t, s.UpdateJob(ctx, "c", backfill.JobUpdate{
		ExpectStatus: []backfill.JobStatus{backfill.Cancelled},
		Error:        stringPtr("stopped by operator"),
	}))
	job, _ = s.GetJob(ctx, "c")
	assert.Equal(t, "stopped by operator", job.Error)
}

func TestHasRateLimitConfig(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	has, err := s.HasRateLimitConfig(ctx)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, s.SetRateLimitConfig(ctx, backfill.DefaultRateLimitConfig()))
	has, err = s.HasRateLimitConfig(ctx)
	require.NoError(t, err)
	assert.True(t, has)
}

func stringPtr(s string) *string { return &s }
