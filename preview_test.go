package backfill

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreview_DataCollectionRange(t *testing.T) {
	store := newMemStore()
	districts := &fakeDistricts{districts: []string{"north", "south"}}
	o := newTestOrchestrator(t, store, Collaborators{Districts: districts, Snapshots: &fakeSnapshots{}})

	preview, err := o.PreviewJob(context.Background(), CreateJobRequest{
		JobType:   DataCollection,
		StartDate: "2024-01-01",
		EndDate:   "2024-01-05",
	})
	require.NoError(t, err)
	assert.Equal(t, 5, preview.TotalItems)
	assert.Len(t, preview.ItemBreakdown.Dates, 5)
	assert.Equal(t, "2024-01-01", preview.ItemBreakdown.Dates[0])
	assert.Equal(t, "2024-01-05", preview.ItemBreakdown.Dates[4])
	assert.Equal(t, DateRange{Start: "2024-01-01", End: "2024-01-05"}, preview.DateRange)
	assert.Equal(t, []string{"north", "south"}, preview.AffectedDistricts)
	assert.Equal(t, 0, store.createCount())
	assert.Empty(t, store.recorded())
}

func TestPreview_SkipExisting(t *testing.T) {
	snapshots := &fakeSnapshots{snapshots: []Snapshot{
		{ID: "2024-01-01", Status: SnapshotSuccess},
		{ID: "snap-3", Date: "2024-01-03", Status: SnapshotSuccess},
		{ID: "2024-01-04", Status: SnapshotFailed},
	}}
	o := newTestOrchestrator(t, newMemStore(), Collaborators{Snapshots: snapshots})

	preview, err := o.PreviewJob(context.Background(), CreateJobRequest{
		JobType:      DataCollection,
		StartDate:    "2024-01-01",
		EndDate:      "2024-01-05",
		SkipExisting: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, preview.TotalItems)
	assert.Equal(t, []string{"2024-01-02", "2024-01-04", "2024-01-05"}, preview.ItemBreakdown.Dates)
	assert.Equal(t, 2, preview.SkippedExisting)
}

func TestPreview_AnalyticsGeneration(t *testing.T) {
	snapshots := &fakeSnapshots{snapshots: []Snapshot{
		{ID: "2024-01-03", Status: SnapshotSuccess},
		{ID: "2024-01-01", Status: SnapshotSuccess},
		{ID: "2024-01-02", Status: SnapshotPartial},
		{ID: "2023-12-31", Status: SnapshotSuccess},
	}}
	o := newTestOrchestrator(t, newMemStore(), Collaborators{Snapshots: snapshots})

	preview, err := o.PreviewJob(context.Background(), CreateJobRequest{
		JobType:   AnalyticsGeneration,
		StartDate: "2024-01-01",
		EndDate:   "2024-01-31",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, preview.TotalItems)
	assert.Equal(t, []string{"2024-01-01", "2024-01-03"}, preview.ItemBreakdown.SnapshotIDs)
	assert.Empty(t, preview.ItemBreakdown.Dates)
}

func TestPreview_EstimatedDurationFollowsPacing(t *testing.T) {
	store := newMemStore()
	store.rateLimit = &RateLimitConfig{MaxRequestsPerMinute: 6, MaxConcurrent: 1, MinDelayMs: 1000, MaxDelayMs: 2000, BackoffMultiplier: 2}
	o := newTestOrchestrator(t, store, Collaborators{})

	preview, err := o.PreviewJob(context.Background(), CreateJobRequest{
		JobType:   DataCollection,
		StartDate: "2024-01-01",
		EndDate:   "2024-01-03",
	})
	require.NoError(t, err)
	// 6 per minute is one every 10s, which dominates the 1s floor.
	assert.Equal(t, 30*time.Second, preview.EstimatedDuration)
	assert.Equal(t, int64(30000), preview.EstimatedDurationMs)
}

func TestPreview_Validation(t *testing.T) {
	snapshots := &fakeSnapshots{err: errors.New("should not be called")}
	o := newTestOrchestrator(t, newMemStore(), Collaborators{Snapshots: snapshots})

	for _, req := range []CreateJobRequest{
		{JobType: "unknown"},
		{JobType: DataCollection, StartDate: "2024-01-01"},
		{JobType: DataCollection, StartDate: "2024-01-05", EndDate: "2024-01-01"},
		{JobType: DataCollection, StartDate: "01/01/2024", EndDate: "2024-01-02"},
	} {
		_, err := o.PreviewJob(context.Background(), req)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidation), "request %+v", req)
	}
}

func TestPreview_CachesDistricts(t *testing.T) {
	districts := &fakeDistricts{districts: []string{"east"}}
	estimator := NewPreviewEstimator(districts, nil)
	req := CreateJobRequest{JobType: DataCollection, StartDate: "2024-01-01", EndDate: "2024-01-01"}

	for i := 0; i < 3; i++ {
		preview, err := estimator.Estimate(context.Background(), req, DefaultRateLimitConfig())
		require.NoError(t, err)
		assert.Equal(t, []string{"east"}, preview.AffectedDistricts)
	}
	assert.Equal(t, 1, districts.calls)

	req.TargetDistricts = []string{"west"}
	preview, err := estimator.Estimate(context.Background(), req, DefaultRateLimitConfig())
	require.NoError(t, err)
	assert.Equal(t, []string{"west"}, preview.AffectedDistricts)
}

func TestEnumerateDates(t *testing.T) {
	dates, err := EnumerateDates("2024-02-27", "2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-02-27", "2024-02-28", "2024-02-29", "2024-03-01"}, dates)

	dates, err = EnumerateDates("2024-01-01", "2024-01-01")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-01"}, dates)
}
