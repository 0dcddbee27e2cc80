package backfill

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverIncompleteJobs_NoCandidates(t *testing.T) {
	store := newMemStore()
	done := time.Now()
	store.seed(&Job{ID: "finished", Status: Completed, CreatedAt: done, CompletedAt: &done})
	o := newTestOrchestrator(t, store, Collaborators{})

	assert.Equal(t, RecoveryStatus{Status: RecoveryIdle}, o.GetRecoveryStatus())

	result, err := o.RecoverIncompleteJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &RecoveryResult{Success: true, JobsRecovered: 0, JobsFailed: 0}, result)

	status := o.GetRecoveryStatus()
	assert.Equal(t, RecoveryIdle, status.Status)
	assert.NotNil(t, status.LastRecoveryAt)
	assert.Equal(t, 0, status.JobsRecovered)
}

func TestRecoverIncompleteJobs_MarksRecovering(t *testing.T) {
	store := newMemStore()
	gate := make(chan struct{})
	refresh := &fakeRefresh{block: map[string]chan struct{}{"2024-01-01": gate}}
	store.seed(&Job{
		ID:        "interrupted",
		Type:      DataCollection,
		Status:    Running,
		Config:    JobConfig{StartDate: "2024-01-01", EndDate: "2024-01-02"},
		CreatedAt: time.Now().Add(-time.Hour),
	})
	o := newTestOrchestrator(t, store, Collaborators{Refresh: refresh})

	result, err := o.RecoverIncompleteJobs(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.JobsRecovered)
	assert.Equal(t, 0, result.JobsFailed)

	updates := store.recorded()
	require.NotEmpty(t, updates)
	first := updates[0]
	assert.Equal(t, "interrupted", first.id)
	require.NotNil(t, first.update.Status)
	assert.Equal(t, Recovering, *first.update.Status)
	assert.NotNil(t, first.update.ResumedAt)

	status := o.GetRecoveryStatus()
	assert.Equal(t, 1, status.JobsRecovered)

	close(gate)
	final := waitForJob(t, o, "interrupted")
	assert.Equal(t, Completed, final.Status)
	require.NotNil(t, final.ResumedAt)
	assert.WithinDuration(t, *first.update.ResumedAt, *final.ResumedAt, time.Millisecond)
}

func TestRecoverIncompleteJobs_ResumesFromCheckpoint(t *testing.T) {
	store := newMemStore()
	refresh := &fakeRefresh{}
	started := time.Now().Add(-time.Hour).UTC()
	store.seed(&Job{
		ID:     "half-done",
		Type:   DataCollection,
		Status: Running,
		Config: JobConfig{StartDate: "2024-01-01", EndDate: "2024-01-05"},
		Progress: Progress{
			TotalItems:     5,
			ProcessedItems: 2,
		},
		Checkpoint: &Checkpoint{
			LastProcessedItem: "2024-01-02",
			LastProcessedAt:   started,
			ItemsCompleted:    []string{"2024-01-01", "2024-01-02"},
		},
		CreatedAt: started,
		StartedAt: &started,
	})
	o := newTestOrchestrator(t, store, Collaborators{Refresh: refresh})

	result, err := o.Initialize(context.Background(), InitOptions{AutoRecoverOnInit: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.JobsRecovered)

	final := waitForJob(t, o, "half-done")
	assert.Equal(t, Completed, final.Status)
	assert.Equal(t, []string{"2024-01-03", "2024-01-04", "2024-01-05"}, refresh.calls())
	assert.Equal(t, 5, final.Progress.ProcessedItems)
	assert.Len(t, final.Checkpoint.ItemsCompleted, 5)
	assert.WithinDuration(t, started, *final.StartedAt, time.Millisecond)
	assert.NotNil(t, final.ResumedAt)
}

func TestRecoverIncompleteJobs_IgnoresRecoveringJobs(t *testing.T) {
	store := newMemStore()
	store.seed(&Job{ID: "in-flight", Type: DataCollection, Status: Recovering, CreatedAt: time.Now()})
	o := newTestOrchestrator(t, store, Collaborators{})

	result, err := o.RecoverIncompleteJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.JobsRecovered)
	assert.Empty(t, store.recorded())
}
