package backfill

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// memStore is an in-memory JobStore with failure injection.
type memStore struct {
	mu        sync.Mutex
	jobs      map[string][]byte
	rateLimit *RateLimitConfig
	updates   []recordedUpdate
	creates   int

	failGetActive   error
	failRateLimit   error
	failUpdateAfter int // fail UpdateJob calls that carry a checkpoint once this many succeeded; 0 disables
	checkpointSaves int
}

type recordedUpdate struct {
	id     string
	update JobUpdate
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string][]byte)}
}

func fastRateLimit() RateLimitConfig {
	return RateLimitConfig{MaxRequestsPerMinute: 0, MaxConcurrent: 1, MinDelayMs: 0, MaxDelayMs: 0, BackoffMultiplier: 1}
}

func (s *memStore) put(job *Job) {
	raw, err := json.Marshal(job)
	if err != nil {
		panic(err)
	}
	s.jobs[job.ID] = raw
}

func (s *memStore) load(id string) *Job {
	raw, ok := s.jobs[id]
	if !ok {
		return nil
	}
	job := &Job{}
	if err := json.Unmarshal(raw, job); err != nil {
		panic(err)
	}
	return job
}

// seed inserts a job bypassing the orchestrator.
func (s *memStore) seed(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(job)
}

func (s *memStore) createCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

func (s *memStore) recorded() []recordedUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedUpdate(nil), s.updates...)
}

func (s *memStore) CreateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return errors.Errorf("job %s already exists", job.ID)
	}
	s.creates++
	s.put(job)
	return nil
}

func (s *memStore) GetJob(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(id), nil
}

func (s *memStore) UpdateJob(ctx context.Context, id string, update JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.load(id)
	if job == nil {
		return ErrNotFound
	}
	if err := update.Check(job); err != nil {
		return err
	}
	if update.Checkpoint != nil {
		if s.failUpdateAfter > 0 && s.checkpointSaves >= s.failUpdateAfter {
			return errors.New("disk full")
		}
		s.checkpointSaves++
	}
	s.updates = append(s.updates, recordedUpdate{id: id, update: update})
	update.Apply(job)
	s.put(job)
	return nil
}

func (s *memStore) DeleteJob(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false, nil
	}
	delete(s.jobs, id)
	return true, nil
}

func (s *memStore) all() []*Job {
	jobs := make([]*Job, 0, len(s.jobs))
	for id := range s.jobs {
		jobs = append(jobs, s.load(id))
	}
	return jobs
}

func (s *memStore) ListJobs(ctx context.Context, filter *JobFilter) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filter.Page(s.all()), nil
}

func (s *memStore) GetActiveJob(ctx context.Context) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGetActive != nil {
		return nil, s.failGetActive
	}
	for _, job := range s.all() {
		if job.Status.IsActive() {
			return job, nil
		}
	}
	return nil, nil
}

func (s *memStore) GetJobsByStatus(ctx context.Context, statuses []JobStatus) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&JobFilter{Statuses: statuses}).Page(s.all()), nil
}

func (s *memStore) UpdateCheckpoint(ctx context.Context, id string, checkpoint *Checkpoint) error {
	return s.UpdateJob(ctx, id, JobUpdate{Checkpoint: checkpoint})
}

func (s *memStore) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job := s.load(id); job != nil {
		return job.Checkpoint, nil
	}
	return nil, nil
}

func (s *memStore) GetRateLimitConfig(ctx context.Context) (RateLimitConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRateLimit != nil {
		return RateLimitConfig{}, s.failRateLimit
	}
	if s.rateLimit == nil {
		return DefaultRateLimitConfig(), nil
	}
	return *s.rateLimit, nil
}

func (s *memStore) HasRateLimitConfig(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rateLimit != nil, nil
}

func (s *memStore) SetRateLimitConfig(ctx context.Context, cfg RateLimitConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimit = &cfg
	return nil
}

func (s *memStore) CleanupOldJobs(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, job := range s.all() {
		if job.Status.IsTerminal() && job.CompletedAt != nil && job.CompletedAt.Before(before) {
			delete(s.jobs, job.ID)
			n++
		}
	}
	return n, nil
}

func (s *memStore) IsReady(ctx context.Context) bool { return true }

// fakeRefresh records the dates it was asked to collect.
type fakeRefresh struct {
	mu      sync.Mutex
	dates   []string
	failOn  map[string]error
	block   map[string]chan struct{}
	started chan string
}

func (f *fakeRefresh) RefreshDate(ctx context.Context, date string, districts []string) (*RefreshOutcome, error) {
	f.mu.Lock()
	f.dates = append(f.dates, date)
	gate := f.block[date]
	err := f.failOn[date]
	f.mu.Unlock()

	if f.started != nil {
		f.started <- date
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	out := &RefreshOutcome{SnapshotID: "snap-" + date}
	for _, d := range districts {
		out.Districts = append(out.Districts, DistrictOutcome{DistrictID: d, Success: true})
	}
	return out, nil
}

func (f *fakeRefresh) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dates...)
}

type fakeAnalytics struct {
	mu        sync.Mutex
	snapshots []string
}

func (f *fakeAnalytics) ComputeSnapshot(ctx context.Context, snapshotID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, snapshotID)
	return nil
}

type fakeDistricts struct {
	districts []string
	calls     int
	mu        sync.Mutex
}

func (f *fakeDistricts) ListDistricts(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.districts, nil
}

type fakeSnapshots struct {
	snapshots []Snapshot
	err       error
}

func (f *fakeSnapshots) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	return f.snapshots, f.err
}

// retryableErr is a transient collaborator failure.
type retryableErr struct{ msg string }

func (e retryableErr) Error() string   { return e.msg }
func (e retryableErr) Retryable() bool { return true }
