package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultMaxConsecutiveFailures is how many item failures in a row are
// treated as an outage of the collaborator.
const DefaultMaxConsecutiveFailures = 5

// Engine drives one job at a time from its current status to a terminal one.
type Engine struct {
	store   JobStore
	collab  Collaborators
	limiter *RateLimiter

	// MaxConsecutiveFailures aborts the job after this many failed items in
	// a row. Zero disables the check.
	MaxConsecutiveFailures int
}

// NewEngine creates an engine that paces its calls through limiter.
func NewEngine(store JobStore, collab Collaborators, limiter *RateLimiter) *Engine {
	return &Engine{
		store:                  store,
		collab:                 collab,
		limiter:                limiter,
		MaxConsecutiveFailures: DefaultMaxConsecutiveFailures,
	}
}

// run holds the mutable state of one execution.
type run struct {
	job        *Job
	logger     *log.Entry
	progress   Progress
	checkpoint Checkpoint
	completed  map[string]struct{}
	snapshots  []string
	startedAt  time.Time
	failStreak int
}

// Run executes the job with the given id. It returns nil when the job
// reached a terminal status, or when it was found cancelled. A cancelled
// ctx stops the loop and leaves the persisted status for recovery.
func (e *Engine) Run(ctx context.Context, jobID string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return storageError("get job", err)
	}
	if job == nil {
		return errors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	logger := log.WithFields(log.Fields{"job_id": job.ID, "job_type": job.Type})
	if job.Status.IsTerminal() {
		logger.Debugf("Job is already %s, nothing to run", job.Status)
		return nil
	}

	ActiveJobs.Inc()
	defer ActiveJobs.Dec()

	r := &run{job: job, logger: logger}
	if err := e.begin(ctx, r); err != nil {
		return err
	}
	if r.job.Status.IsTerminal() {
		return nil
	}

	items, skipped, err := e.planItems(ctx, r)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return e.fail(ctx, r, err.Error())
	}
	e.initProgress(r, items, skipped)
	if err := e.store.UpdateJob(ctx, job.ID, JobUpdate{Progress: &r.progress}); err != nil {
		return e.fail(ctx, r, storageError("update progress", err).Error())
	}
	logger.Infof("Processing %d items (%d already completed, %d skipped)", len(items), len(r.completed), skipped)

	for _, item := range items {
		if _, done := r.completed[item]; done {
			continue
		}
		if err := ctx.Err(); err != nil {
			logger.Info("Execution interrupted, leaving job for recovery")
			return err
		}
		current, err := e.store.GetJob(ctx, job.ID)
		if err != nil {
			return e.fail(ctx, r, storageError("get job", err).Error())
		}
		if current == nil || current.Status == Cancelled {
			logger.Info("Job was cancelled, stopping")
			return nil
		}

		stop, err := e.processItem(ctx, r, item)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}

	return e.complete(ctx, r)
}

// begin moves the job to running, stamping startedAt and resumedAt once.
func (e *Engine) begin(ctx context.Context, r *run) error {
	job := r.job
	now := time.Now().UTC()
	resuming := job.Status == Recovering

	if resuming {
		cp, err := e.store.GetCheckpoint(ctx, job.ID)
		if err != nil {
			return e.fail(ctx, r, storageError("get checkpoint", err).Error())
		}
		if cp != nil {
			job.Checkpoint = cp
		}
	}
	if job.Checkpoint != nil {
		r.checkpoint = *job.Checkpoint
		r.checkpoint.ItemsCompleted = append([]string(nil), job.Checkpoint.ItemsCompleted...)
	}
	r.completed = r.checkpoint.CompletedSet()
	r.progress = job.Progress.Clone()

	update := JobUpdate{ExpectStatus: ActiveStatuses, Status: statusPtr(Running)}
	if job.StartedAt == nil {
		update.StartedAt = timePtr(now)
	}
	if resuming && job.ResumedAt == nil {
		update.ResumedAt = timePtr(now)
	}
	if err := e.store.UpdateJob(ctx, job.ID, update); err != nil {
		if errors.Is(err, ErrStatusChanged) {
			return e.stopped(ctx, r)
		}
		return e.fail(ctx, r, storageError("mark running", err).Error())
	}
	update.Apply(job)
	r.startedAt = *job.StartedAt

	base, err := e.store.GetRateLimitConfig(ctx)
	if err != nil {
		r.logger.Warnf("Failed to read rate limit config, using defaults: %v", err)
		base = DefaultRateLimitConfig()
	}
	if err := base.Merge(job.Config.RateLimitOverrides).Validate(); err != nil {
		return e.fail(ctx, r, fmt.Sprintf("invalid rate limit configuration: %v", err))
	}
	e.limiter.Update(base)
	e.limiter.SetOverrides(job.Config.RateLimitOverrides)
	e.limiter.Reset()

	if resuming {
		r.logger.Infof("Resuming job from checkpoint with %d completed items", len(r.completed))
	} else {
		r.logger.Info("Job started")
	}
	return nil
}

// planItems lists the work items of the job and how many dates were
// skipped because they already have a successful snapshot.
func (e *Engine) planItems(ctx context.Context, r *run) ([]string, int, error) {
	cfg := r.job.Config
	switch r.job.Type {
	case DataCollection:
		dates, err := EnumerateDates(cfg.StartDate, cfg.EndDate)
		if err != nil {
			return nil, 0, err
		}
		if !cfg.SkipExisting {
			return dates, 0, nil
		}
		snapshots, err := successfulSnapshots(ctx, e.collab.Snapshots, cfg.StartDate, cfg.EndDate)
		if err != nil {
			return nil, 0, err
		}
		existing := make(map[string]struct{}, len(snapshots))
		for _, s := range snapshots {
			existing[s.SnapshotDate()] = struct{}{}
		}
		items := make([]string, 0, len(dates))
		skipped := 0
		for _, d := range dates {
			_, done := r.completed[d]
			if _, ok := existing[d]; ok && !done {
				skipped++
				continue
			}
			items = append(items, d)
		}
		return items, skipped, nil

	case AnalyticsGeneration:
		if cfg.StartDate != "" && cfg.EndDate != "" {
			if _, _, err := ParseDateRange(cfg.StartDate, cfg.EndDate); err != nil {
				return nil, 0, err
			}
		}
		snapshots, err := successfulSnapshots(ctx, e.collab.Snapshots, cfg.StartDate, cfg.EndDate)
		if err != nil {
			return nil, 0, err
		}
		ids := make([]string, 0, len(snapshots))
		for _, s := range snapshots {
			ids = append(ids, s.ID)
		}
		return ids, 0, nil
	}
	return nil, 0, newValidationError("job_type", "unknown job type %q", r.job.Type)
}

func (e *Engine) initProgress(r *run, items []string, skipped int) {
	p := &r.progress
	// Skips are recounted from the current plan so a snapshot that appeared
	// while the job was down keeps the totals consistent.
	newlySkipped := skipped - p.SkippedItems
	p.TotalItems = len(items) + skipped
	p.SkippedItems = skipped
	if p.DistrictProgress == nil {
		p.DistrictProgress = make(map[string]*DistrictProgress)
	}
	if r.job.Type != DataCollection {
		return
	}
	for _, id := range r.job.Config.TargetDistricts {
		if _, ok := p.DistrictProgress[id]; ok {
			continue
		}
		dp := &DistrictProgress{DistrictID: id, Status: DistrictPending, ItemsTotal: len(items)}
		if len(items) == 0 && skipped > 0 {
			dp.Status = DistrictSkipped
		}
		p.DistrictProgress[id] = dp
	}
	if newlySkipped > 0 {
		ItemsProcessedTotal.WithLabelValues(string(r.job.Type), "skipped").Add(float64(newlySkipped))
	}
}

// processItem dispatches one item and persists the outcome. stop is true
// when the job reached a terminal status.
func (e *Engine) processItem(ctx context.Context, r *run, item string) (stop bool, err error) {
	r.progress.CurrentItem = item

	release, err := e.limiter.Acquire(ctx)
	if err != nil {
		r.logger.Infof("Stopped while waiting for rate limiter: %v", err)
		return true, err
	}
	snapshotID, itemErr := e.dispatch(ctx, r, item)
	release()
	RateLimitDelaySeconds.Set(e.limiter.CurrentDelay().Seconds())

	if itemErr != nil && ctx.Err() != nil {
		return true, ctx.Err()
	}

	now := time.Now().UTC()
	jobType := string(r.job.Type)
	if itemErr != nil {
		ie := &ItemError{ItemID: item, Retryable: isRetryable(itemErr), Err: itemErr}
		r.logger.WithField("item", item).Warnf("Item failed: %v", itemErr)
		r.progress.FailedItems++
		r.progress.Errors = append(r.progress.Errors, JobError{
			ItemID:      item,
			Message:     itemErr.Error(),
			OccurredAt:  now,
			IsRetryable: ie.Retryable,
		})
		ItemsProcessedTotal.WithLabelValues(jobType, "failed").Inc()
		e.limiter.RecordFailure(ie.Retryable)
		r.failStreak++

		outage := ie.Structural() ||
			(e.MaxConsecutiveFailures > 0 && r.failStreak >= e.MaxConsecutiveFailures)
		if outage {
			if err := e.store.UpdateJob(ctx, r.job.ID, JobUpdate{Progress: &r.progress}); err != nil {
				r.logger.Warnf("Failed to persist progress before failing job: %v", err)
			}
			return true, e.fail(ctx, r, fmt.Sprintf("collaborator outage at item %s: %v", item, itemErr))
		}
	} else {
		r.progress.ProcessedItems++
		r.failStreak = 0
		if snapshotID != "" {
			r.snapshots = append(r.snapshots, snapshotID)
		}
		ItemsProcessedTotal.WithLabelValues(jobType, "success").Inc()
		e.limiter.RecordSuccess()
	}

	r.completed[item] = struct{}{}
	r.checkpoint.ItemsCompleted = append(r.checkpoint.ItemsCompleted, item)
	r.checkpoint.LastProcessedItem = item
	r.checkpoint.LastProcessedAt = now

	if err := e.store.UpdateJob(ctx, r.job.ID, JobUpdate{Progress: &r.progress, Checkpoint: &r.checkpoint}); err != nil {
		return true, e.fail(ctx, r, storageError("persist checkpoint", err).Error())
	}
	return false, nil
}

// dispatch calls the collaborator for one item and records district progress.
func (e *Engine) dispatch(ctx context.Context, r *run, item string) (string, error) {
	switch r.job.Type {
	case AnalyticsGeneration:
		if e.collab.Analytics == nil {
			return "", errors.Wrap(ErrCollaboratorUnavailable, "no analytics service configured")
		}
		if err := e.collab.Analytics.ComputeSnapshot(ctx, item); err != nil {
			return "", err
		}
		return item, nil
	default:
		if e.collab.Refresh == nil {
			return "", errors.Wrap(ErrCollaboratorUnavailable, "no refresh service configured")
		}
		e.markDistricts(r, r.job.Config.TargetDistricts, DistrictProcessing, "")
		outcome, err := e.collab.Refresh.RefreshDate(ctx, item, r.job.Config.TargetDistricts)
		if err != nil {
			e.markDistricts(r, r.job.Config.TargetDistricts, DistrictFailed, err.Error())
			return "", err
		}
		if outcome == nil {
			outcome = &RefreshOutcome{}
		}
		if len(outcome.Districts) == 0 {
			for _, id := range r.job.Config.TargetDistricts {
				e.recordDistrict(r, DistrictOutcome{DistrictID: id, Success: true})
			}
		}
		for _, d := range outcome.Districts {
			e.recordDistrict(r, d)
		}
		return outcome.SnapshotID, nil
	}
}

func (e *Engine) district(r *run, id string) *DistrictProgress {
	dp, ok := r.progress.DistrictProgress[id]
	if !ok {
		dp = &DistrictProgress{DistrictID: id, Status: DistrictPending, ItemsTotal: r.progress.TotalItems - r.progress.SkippedItems}
		r.progress.DistrictProgress[id] = dp
	}
	return dp
}

func (e *Engine) markDistricts(r *run, ids []string, status DistrictStatus, lastErr string) {
	for _, id := range ids {
		dp := e.district(r, id)
		dp.Status = status
		if lastErr != "" {
			dp.LastError = lastErr
		}
	}
}

func (e *Engine) recordDistrict(r *run, d DistrictOutcome) {
	dp := e.district(r, d.DistrictID)
	dp.ItemsProcessed++
	switch {
	case !d.Success:
		dp.Status = DistrictFailed
		dp.LastError = d.Error
	case dp.ItemsProcessed >= dp.ItemsTotal:
		dp.Status = DistrictCompleted
	default:
		dp.Status = DistrictProcessing
	}
}

// stopped reloads a job whose status changed under the engine, typically
// by a cancel, and leaves that status in place.
func (e *Engine) stopped(ctx context.Context, r *run) error {
	current, err := e.store.GetJob(ctx, r.job.ID)
	if err != nil {
		return storageError("get job", err)
	}
	if current == nil {
		r.job.Status = Cancelled
		r.logger.Info("Job was deleted, stopping")
		return nil
	}
	r.job.Status = current.Status
	r.logger.Infof("Job is now %s, stopping", current.Status)
	return nil
}

// complete writes the result unless the job was cancelled meanwhile.
func (e *Engine) complete(ctx context.Context, r *run) error {
	now := time.Now().UTC()
	r.progress.CurrentItem = ""
	result := &JobResult{
		ItemsProcessed: r.progress.ProcessedItems,
		ItemsFailed:    r.progress.FailedItems,
		ItemsSkipped:   r.progress.SkippedItems,
		SnapshotIDs:    append([]string{}, r.snapshots...),
		Duration:       now.Sub(r.startedAt),
	}
	update := JobUpdate{
		ExpectStatus: []JobStatus{Running},
		Status:       statusPtr(Completed),
		Progress:     &r.progress,
		CompletedAt:  timePtr(now),
		Result:       result,
	}
	if err := e.store.UpdateJob(ctx, r.job.ID, update); err != nil {
		if errors.Is(err, ErrStatusChanged) {
			return e.stopped(ctx, r)
		}
		return e.fail(ctx, r, storageError("mark completed", err).Error())
	}
	update.Apply(r.job)
	JobsFinishedTotal.WithLabelValues(string(r.job.Type), string(Completed)).Inc()
	r.logger.Infof("Job completed: %d processed, %d failed, %d skipped in %s",
		result.ItemsProcessed, result.ItemsFailed, result.ItemsSkipped, result.Duration.Round(time.Millisecond))
	return nil
}

// fail moves the job to failed unless it already left the active statuses,
// for example through a cancel. The returned error is nil so callers can
// return it directly from Run.
func (e *Engine) fail(ctx context.Context, r *run, msg string) error {
	now := time.Now().UTC()
	update := JobUpdate{
		ExpectStatus: ActiveStatuses,
		Status:       statusPtr(Failed),
		CompletedAt:  timePtr(now),
		Error:        stringPtr(msg),
	}
	if err := e.store.UpdateJob(ctx, r.job.ID, update); err != nil {
		if errors.Is(err, ErrStatusChanged) || errors.Is(err, ErrNotFound) {
			r.logger.Infof("Job is no longer active, not recording failure: %s", msg)
			return e.stopped(ctx, r)
		}
		r.logger.Errorf("Failed to record job failure %q: %v", msg, err)
		return storageError("mark failed", err)
	}
	update.Apply(r.job)
	JobsFinishedTotal.WithLabelValues(string(r.job.Type), string(Failed)).Inc()
	r.logger.Errorf("Job failed: %s", msg)
	return nil
}
