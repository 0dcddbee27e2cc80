package backfill

import (
	"context"
	"sort"
	"time"
)

// JobFilter narrows ListJobs. Zero values mean "no filter".
type JobFilter struct {
	Statuses []JobStatus `json:"statuses,omitempty"`
	Types    []JobType   `json:"job_types,omitempty"`
	Limit    int         `json:"limit,omitempty"`
	Offset   int         `json:"offset,omitempty"`
}

// Matches reports whether job passes the status and type filters.
func (f *JobFilter) Matches(job *Job) bool {
	if f == nil {
		return true
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, job.Status) {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == job.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Page sorts jobs newest first and applies the filter, limit and offset.
// Stores without a query language use it to implement ListJobs.
func (f *JobFilter) Page(jobs []*Job) []*Job {
	out := make([]*Job, 0, len(jobs))
	for _, job := range jobs {
		if f.Matches(job) {
			out = append(out, job)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f == nil {
		return out
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []*Job{}
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out
}

func containsStatus(statuses []JobStatus, s JobStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// JobStore is the durable storage the orchestrator relies on.
// GetJob and GetCheckpoint return nil, nil for unknown ids.
type JobStore interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	UpdateJob(ctx context.Context, id string, update JobUpdate) error
	DeleteJob(ctx context.Context, id string) (bool, error)
	ListJobs(ctx context.Context, filter *JobFilter) ([]*Job, error)
	GetActiveJob(ctx context.Context) (*Job, error)
	GetJobsByStatus(ctx context.Context, statuses []JobStatus) ([]*Job, error)

	UpdateCheckpoint(ctx context.Context, id string, checkpoint *Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)

	GetRateLimitConfig(ctx context.Context) (RateLimitConfig, error)
	SetRateLimitConfig(ctx context.Context, cfg RateLimitConfig) error

	// CleanupOldJobs deletes terminal jobs that completed before the cutoff.
	CleanupOldJobs(ctx context.Context, before time.Time) (int, error)
	IsReady(ctx context.Context) bool
}

// RateLimitRecorder is implemented by stores that can tell a stored rate
// limit config apart from the default GetRateLimitConfig falls back to.
type RateLimitRecorder interface {
	HasRateLimitConfig(ctx context.Context) (bool, error)
}

// AtomicCreator is implemented by stores that can check for an active job
// and insert a new one in a single transaction. CreateJobIfNoneActive
// returns ErrConflict when an active job exists.
type AtomicCreator interface {
	CreateJobIfNoneActive(ctx context.Context, job *Job) error
}
