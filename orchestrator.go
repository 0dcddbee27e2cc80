package backfill

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrDisposed is returned when a job is submitted to a disposed orchestrator.
var ErrDisposed = errors.New("orchestrator has been disposed")

// disposeTimeout bounds the store writes made while shutting down.
const disposeTimeout = 10 * time.Second

// InitOptions controls Initialize.
type InitOptions struct {
	// AutoRecoverOnInit resumes jobs left incomplete by a previous process.
	AutoRecoverOnInit bool
	// CleanupInterval starts a janitor deleting terminal jobs older than
	// Retention. Zero disables it.
	CleanupInterval time.Duration
	Retention       time.Duration
}

// JobStatusReport is the lightweight view returned by GetJobStatus.
type JobStatusReport struct {
	JobID           string     `json:"job_id"`
	JobType         JobType    `json:"job_type"`
	Status          JobStatus  `json:"status"`
	Progress        Progress   `json:"progress"`
	PercentComplete float64    `json:"percent_complete"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	ResumedAt       *time.Time `json:"resumed_at"`
	Error           string     `json:"error,omitempty"`
}

// Orchestrator is the entry point for managing backfill jobs. Only one job
// may be active at a time; executions run in the background.
type Orchestrator struct {
	store   JobStore
	engine  *Engine
	limiter *RateLimiter
	preview *PreviewEstimator
	tasks   *taskRegistry

	ctx    context.Context
	cancel context.CancelFunc

	// createMu serializes the active-job check and the insert in this process.
	createMu sync.Mutex
	// execSlot admits one execution at a time.
	execSlot chan struct{}

	mu          sync.Mutex
	initialized bool
	disposed    bool
	recovery    RecoveryStatus
	janitorStop chan struct{}
	janitorDone chan struct{}
}

// NewOrchestrator wires an orchestrator around store and the collaborators.
func NewOrchestrator(store JobStore, collab Collaborators) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	limiter := NewRateLimiter(DefaultRateLimitConfig())
	return &Orchestrator{
		store:    store,
		engine:   NewEngine(store, collab, limiter),
		limiter:  limiter,
		preview:  NewPreviewEstimator(collab.Districts, collab.Snapshots),
		tasks:    newTaskRegistry(),
		ctx:      ctx,
		cancel:   cancel,
		execSlot: make(chan struct{}, 1),
		recovery: RecoveryStatus{Status: RecoveryIdle},
	}
}

// Engine exposes the execution engine for tuning.
func (o *Orchestrator) Engine() *Engine {
	return o.engine
}

// CreateJob validates and persists a new pending job, then starts it in
// the background. It returns as soon as the job is stored.
func (o *Orchestrator) CreateJob(ctx context.Context, req CreateJobRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if o.isDisposed() {
		return nil, ErrDisposed
	}

	o.createMu.Lock()
	defer o.createMu.Unlock()

	active, err := o.store.GetActiveJob(ctx)
	if err != nil {
		return nil, storageError("get active job", err)
	}
	if active != nil {
		return nil, errors.Wrapf(ErrConflict, "job %s is %s", active.ID, active.Status)
	}

	job := &Job{
		ID:        uuid.NewString(),
		Type:      req.JobType,
		Status:    Pending,
		Config:    req.jobConfig(),
		Progress:  Progress{DistrictProgress: map[string]*DistrictProgress{}},
		CreatedAt: time.Now().UTC(),
	}

	if atomic, ok := o.store.(AtomicCreator); ok {
		err = atomic.CreateJobIfNoneActive(ctx, job)
	} else {
		err = o.store.CreateJob(ctx, job)
	}
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, storageError("create job", err)
	}

	JobsCreatedTotal.WithLabelValues(string(job.Type)).Inc()
	log.WithFields(log.Fields{"job_id": job.ID, "job_type": job.Type}).
		Infof("Created job for %s..%s", job.Config.StartDate, job.Config.EndDate)

	o.dispatch(job.ID)
	return job, nil
}

// dispatch starts the background execution of a job.
func (o *Orchestrator) dispatch(jobID string) bool {
	started := o.tasks.start(o.ctx, jobID, func(ctx context.Context) {
		select {
		case o.execSlot <- struct{}{}:
			defer func() { <-o.execSlot }()
		case <-ctx.Done():
			return
		}
		err := o.engine.Run(ctx, jobID)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrLimiterStopped) {
			log.WithField("job_id", jobID).Errorf("Job execution ended with error: %v", err)
		}
	})
	if !started {
		log.WithField("job_id", jobID).Warn("Job was not dispatched; orchestrator is shutting down or already runs it")
	}
	return started
}

// CancelJob marks a non-terminal job cancelled. The engine notices between
// items. It returns false for unknown or already terminal jobs, including a
// job that reached a terminal status while the cancel was in flight.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) (bool, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return false, storageError("get job", err)
	}
	if job == nil || job.Status.IsTerminal() {
		return false, nil
	}
	update := JobUpdate{
		ExpectStatus: ActiveStatuses,
		Status:       statusPtr(Cancelled),
		CompletedAt:  timePtr(time.Now().UTC()),
	}
	if err := o.store.UpdateJob(ctx, jobID, update); err != nil {
		if errors.Is(err, ErrStatusChanged) || errors.Is(err, ErrNotFound) {
			log.WithField("job_id", jobID).Debugf("Job finished before it could be cancelled: %v", err)
			return false, nil
		}
		return false, storageError("cancel job", err)
	}
	JobsFinishedTotal.WithLabelValues(string(job.Type), string(Cancelled)).Inc()
	log.WithField("job_id", jobID).Infof("Job cancelled (was %s)", job.Status)
	return true, nil
}

// GetJob returns the stored job, or nil if it does not exist.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*Job, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, storageError("get job", err)
	}
	return job, nil
}

// GetJobStatus returns the status summary of a job, or nil if it does not exist.
func (o *Orchestrator) GetJobStatus(ctx context.Context, jobID string) (*JobStatusReport, error) {
	job, err := o.GetJob(ctx, jobID)
	if err != nil || job == nil {
		return nil, err
	}
	report := &JobStatusReport{
		JobID:       job.ID,
		JobType:     job.Type,
		Status:      job.Status,
		Progress:    job.Progress,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		ResumedAt:   job.ResumedAt,
		Error:       job.Error,
	}
	if p := job.Progress; p.TotalItems > 0 {
		done := p.ProcessedItems + p.FailedItems + p.SkippedItems
		report.PercentComplete = float64(done) * 100 / float64(p.TotalItems)
	}
	return report, nil
}

// ListJobs returns jobs matching filter, newest first.
func (o *Orchestrator) ListJobs(ctx context.Context, filter *JobFilter) ([]*Job, error) {
	jobs, err := o.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, storageError("list jobs", err)
	}
	return jobs, nil
}

// PreviewJob estimates a job without persisting anything.
func (o *Orchestrator) PreviewJob(ctx context.Context, req CreateJobRequest) (*JobPreview, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return o.preview.Estimate(ctx, req, o.GetRateLimitConfig(ctx))
}

// GetRateLimitConfig returns the stored config, or the default one when the
// store cannot be read.
func (o *Orchestrator) GetRateLimitConfig(ctx context.Context) RateLimitConfig {
	cfg, err := o.store.GetRateLimitConfig(ctx)
	if err != nil {
		log.Warnf("Failed to read rate limit config, using defaults: %v", err)
		return DefaultRateLimitConfig()
	}
	return cfg
}

// UpdateRateLimitConfig merges partial over the current config and stores
// the full result. The running job picks it up on its next item.
func (o *Orchestrator) UpdateRateLimitConfig(ctx context.Context, partial *RateLimitOverrides) (RateLimitConfig, error) {
	merged := o.GetRateLimitConfig(ctx).Merge(partial)
	if err := merged.Validate(); err != nil {
		return RateLimitConfig{}, err
	}
	if err := o.store.SetRateLimitConfig(ctx, merged); err != nil {
		return RateLimitConfig{}, storageError("set rate limit config", err)
	}
	o.limiter.Update(merged)
	log.WithFields(log.Fields{
		"max_requests_per_minute": merged.MaxRequestsPerMinute,
		"max_concurrent":          merged.MaxConcurrent,
		"min_delay_ms":            merged.MinDelayMs,
		"max_delay_ms":            merged.MaxDelayMs,
		"backoff_multiplier":      merged.BackoffMultiplier,
	}).Info("Rate limit configuration updated")
	return merged, nil
}

// SeedRateLimitConfig merges partial over the defaults and stores it, but
// only when no config was stored before. Values changed at runtime through
// UpdateRateLimitConfig therefore win over the seed after a restart.
// applied reports whether the seed was written.
func (o *Orchestrator) SeedRateLimitConfig(ctx context.Context, partial *RateLimitOverrides) (cfg RateLimitConfig, applied bool, err error) {
	if recorder, ok := o.store.(RateLimitRecorder); ok {
		stored, err := recorder.HasRateLimitConfig(ctx)
		if err != nil {
			return RateLimitConfig{}, false, storageError("check rate limit config", err)
		}
		if stored {
			cfg = o.GetRateLimitConfig(ctx)
			o.limiter.Update(cfg)
			return cfg, false, nil
		}
	}
	cfg = DefaultRateLimitConfig().Merge(partial)
	if err := cfg.Validate(); err != nil {
		return RateLimitConfig{}, false, err
	}
	if err := o.store.SetRateLimitConfig(ctx, cfg); err != nil {
		return RateLimitConfig{}, false, storageError("set rate limit config", err)
	}
	o.limiter.Update(cfg)
	return cfg, true, nil
}

// CleanupOldJobs deletes terminal jobs that finished more than retention ago.
func (o *Orchestrator) CleanupOldJobs(ctx context.Context, retention time.Duration) (int, error) {
	n, err := o.store.CleanupOldJobs(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, storageError("cleanup old jobs", err)
	}
	if n > 0 {
		log.Infof("Cleaned up %d old jobs", n)
	}
	return n, nil
}

// Initialize prepares the orchestrator. Only the first call has an effect.
// With AutoRecoverOnInit it runs the recovery flow and returns its result.
func (o *Orchestrator) Initialize(ctx context.Context, opts InitOptions) (*RecoveryResult, error) {
	o.mu.Lock()
	if o.initialized || o.disposed {
		o.mu.Unlock()
		return nil, nil
	}
	o.initialized = true
	o.mu.Unlock()

	log.Info("Initializing backfill orchestrator")
	if opts.CleanupInterval > 0 && opts.Retention > 0 {
		o.startJanitor(opts.CleanupInterval, opts.Retention)
	}

	if opts.AutoRecoverOnInit {
		return o.RecoverIncompleteJobs(ctx)
	}
	if !o.store.IsReady(ctx) {
		log.Warn("Job store is not ready yet; jobs will fail until it is")
	}
	return nil, nil
}

// startJanitor periodically removes old terminal jobs until Dispose.
func (o *Orchestrator) startJanitor(interval, retention time.Duration) {
	stop := make(chan struct{})
	done := make(chan struct{})
	o.mu.Lock()
	o.janitorStop, o.janitorDone = stop, done
	o.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				log.Debug("Stopping job cleanup task")
				return
			case <-ticker.C:
				if _, err := o.CleanupOldJobs(o.ctx, retention); err != nil {
					log.Errorf("Failed to clean up old jobs: %v", err)
				}
			}
		}
	}()
}

// WaitForJob blocks until the background execution of a job ends in this
// process. It returns immediately if none is running.
func (o *Orchestrator) WaitForJob(ctx context.Context, jobID string) error {
	done := o.tasks.done(jobID)
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) isDisposed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.disposed
}

// Dispose cancels the in-flight job, stops background work and waits for
// it to exit. Calling it more than once is harmless.
func (o *Orchestrator) Dispose() {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	o.disposed = true
	stop, done := o.janitorStop, o.janitorDone
	o.mu.Unlock()

	log.Info("Shutting down backfill orchestrator")

	ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
	defer cancel()
	for _, jobID := range o.tasks.running() {
		if _, err := o.CancelJob(ctx, jobID); err != nil {
			log.WithField("job_id", jobID).Warnf("Failed to cancel job during shutdown: %v", err)
		}
	}

	if stop != nil {
		close(stop)
		<-done
	}
	o.cancel()
	o.limiter.Stop()
	o.tasks.close()
	o.preview.InvalidateDistricts()
	log.Info("Backfill orchestrator shutdown complete")
}
