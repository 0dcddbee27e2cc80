package backfill

import (
	"time"

	"github.com/pkg/errors"
)

// JobType selects what a backfill job iterates over.
type JobType string

const (
	DataCollection      JobType = "data-collection"      // one item per calendar date
	AnalyticsGeneration JobType = "analytics-generation" // one item per existing snapshot
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	return t == DataCollection || t == AnalyticsGeneration
}

// JobStatus represents the state of a job in its lifecycle.
type JobStatus string

const (
	Pending    JobStatus = "pending"    // Persisted, waiting for the engine to pick it up.
	Running    JobStatus = "running"    // The engine is iterating work items.
	Recovering JobStatus = "recovering" // Left over from a previous process, being resumed.
	Completed  JobStatus = "completed"  // Every item was visited.
	Failed     JobStatus = "failed"     // The job hit an unrecoverable error.
	Cancelled  JobStatus = "cancelled"  // Cancelled by a caller or at shutdown.
)

// ActiveStatuses are the statuses that count toward the single active job.
var ActiveStatuses = []JobStatus{Pending, Running, Recovering}

// IsActive reports whether a job in this status blocks the creation of another job.
func (s JobStatus) IsActive() bool {
	return s == Pending || s == Running || s == Recovering
}

// IsTerminal reports whether the status is final.
func (s JobStatus) IsTerminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// DistrictStatus tracks a single district inside a job.
type DistrictStatus string

const (
	DistrictPending    DistrictStatus = "pending"
	DistrictProcessing DistrictStatus = "processing"
	DistrictCompleted  DistrictStatus = "completed"
	DistrictFailed     DistrictStatus = "failed"
	DistrictSkipped    DistrictStatus = "skipped"
)

// JobConfig is the immutable intent of a job, fixed at creation.
type JobConfig struct {
	StartDate          string              `json:"start_date,omitempty"`
	EndDate            string              `json:"end_date,omitempty"`
	TargetDistricts    []string            `json:"target_districts,omitempty"`
	SkipExisting       bool                `json:"skip_existing,omitempty"`
	RateLimitOverrides *RateLimitOverrides `json:"rate_limit_overrides,omitempty"`
}

// DistrictProgress is the per-district slice of a job's progress.
type DistrictProgress struct {
	DistrictID     string         `json:"district_id"`
	Status         DistrictStatus `json:"status"`
	ItemsProcessed int            `json:"items_processed"`
	ItemsTotal     int            `json:"items_total"`
	LastError      string         `json:"last_error,omitempty"`
}

// JobError records one failed work item.
type JobError struct {
	ItemID      string    `json:"item_id"`
	Message     string    `json:"message"`
	OccurredAt  time.Time `json:"occurred_at"`
	IsRetryable bool      `json:"is_retryable"`
}

// Progress is owned by the execution engine. Counters only grow.
type Progress struct {
	TotalItems       int                          `json:"total_items"`
	ProcessedItems   int                          `json:"processed_items"`
	FailedItems      int                          `json:"failed_items"`
	SkippedItems     int                          `json:"skipped_items"`
	CurrentItem      string                       `json:"current_item,omitempty"`
	DistrictProgress map[string]*DistrictProgress `json:"district_progress,omitempty"`
	Errors           []JobError                   `json:"errors,omitempty"`
}

// Clone returns a deep copy so callers can mutate progress without racing the store.
func (p Progress) Clone() Progress {
	out := p
	if p.DistrictProgress != nil {
		out.DistrictProgress = make(map[string]*DistrictProgress, len(p.DistrictProgress))
		for id, dp := range p.DistrictProgress {
			cp := *dp
			out.DistrictProgress[id] = &cp
		}
	}
	out.Errors = append([]JobError(nil), p.Errors...)
	return out
}

// Checkpoint is the only anchor used to resume a job.
type Checkpoint struct {
	LastProcessedItem string    `json:"last_processed_item"`
	LastProcessedAt   time.Time `json:"last_processed_at"`
	ItemsCompleted    []string  `json:"items_completed"`
}

// CompletedSet returns the completed items as a set.
func (c *Checkpoint) CompletedSet() map[string]struct{} {
	set := make(map[string]struct{})
	if c == nil {
		return set
	}
	for _, item := range c.ItemsCompleted {
		set[item] = struct{}{}
	}
	return set
}

// JobResult is written once, when a job completes.
type JobResult struct {
	ItemsProcessed int           `json:"items_processed"`
	ItemsFailed    int           `json:"items_failed"`
	ItemsSkipped   int           `json:"items_skipped"`
	SnapshotIDs    []string      `json:"snapshot_ids"`
	Duration       time.Duration `json:"duration"`
}

// Job is the fundamental unit of work in the backfill system.
type Job struct {
	ID     string    `json:"id"`
	Type   JobType   `json:"job_type"`
	Status JobStatus `json:"status"`

	Config     JobConfig   `json:"config"`
	Progress   Progress    `json:"progress"`
	Checkpoint *Checkpoint `json:"checkpoint"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	ResumedAt   *time.Time `json:"resumed_at"`

	Result *JobResult `json:"result"`
	Error  string     `json:"error,omitempty"`
}

// JobUpdate is a partial update. Nil fields are left untouched by the store.
type JobUpdate struct {
	// ExpectStatus, when set, makes the update conditional: stores reject it
	// with ErrStatusChanged unless the stored status is one of these.
	ExpectStatus []JobStatus

	Status      *JobStatus
	Progress    *Progress
	Checkpoint  *Checkpoint
	StartedAt   *time.Time
	CompletedAt *time.Time
	ResumedAt   *time.Time
	Result      *JobResult
	Error       *string
}

// Permits reports whether the update may be applied to a job in status.
func (u JobUpdate) Permits(status JobStatus) bool {
	return len(u.ExpectStatus) == 0 || containsStatus(u.ExpectStatus, status)
}

// Check returns ErrStatusChanged when the update may not be applied to job.
func (u JobUpdate) Check(job *Job) error {
	if u.Permits(job.Status) {
		return nil
	}
	return errors.Wrapf(ErrStatusChanged, "job %s is %s", job.ID, job.Status)
}

// Apply merges the update into job in place.
func (u JobUpdate) Apply(job *Job) {
	if u.Status != nil {
		job.Status = *u.Status
	}
	if u.Progress != nil {
		job.Progress = u.Progress.Clone()
	}
	if u.Checkpoint != nil {
		cp := *u.Checkpoint
		cp.ItemsCompleted = append([]string(nil), u.Checkpoint.ItemsCompleted...)
		job.Checkpoint = &cp
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		job.StartedAt = &t
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		job.CompletedAt = &t
	}
	if u.ResumedAt != nil {
		t := *u.ResumedAt
		job.ResumedAt = &t
	}
	if u.Result != nil {
		r := *u.Result
		job.Result = &r
	}
	if u.Error != nil {
		job.Error = *u.Error
	}
}

// RecoveryState is the process-local state of the recovery flow.
type RecoveryState string

const (
	RecoveryIdle       RecoveryState = "idle"
	RecoveryInProgress RecoveryState = "recovering"
)

// RecoveryStatus is reset on each process start and never persisted.
type RecoveryStatus struct {
	Status         RecoveryState `json:"status"`
	LastRecoveryAt *time.Time    `json:"last_recovery_at"`
	JobsRecovered  int           `json:"jobs_recovered"`
	JobsFailed     int           `json:"jobs_failed"`
}

// RecoveryResult is returned by a recovery pass.
type RecoveryResult struct {
	Success       bool `json:"success"`
	JobsRecovered int  `json:"jobs_recovered"`
	JobsFailed    int  `json:"jobs_failed"`
}

func statusPtr(s JobStatus) *JobStatus { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func stringPtr(s string) *string { return &s }
