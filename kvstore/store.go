// Package kvstore implements backfill.JobStore on top of a Bedrock KV store.
// Jobs are stored as JSON documents; an index document keeps the job ids so
// they can be listed without scanning.
package kvstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	bedrock "github.com/yirzhou/bedrock"

	"github.com/yirzhou/backfill"
)

const (
	jobKeyPrefix = "job/"
	indexKey     = "meta/job-index"
	rateLimitKey = "meta/rate-limit"
)

// Store is a JobStore backed by Bedrock.
type Store struct {
	db *bedrock.KVStore

	// mu serializes read-modify-write sequences on the index and on jobs.
	mu     sync.Mutex
	closed bool
}

var (
	_ backfill.JobStore      = (*Store)(nil)
	_ backfill.AtomicCreator = (*Store)(nil)

	_ backfill.RateLimitRecorder = (*Store)(nil)
)

// New wraps an open Bedrock store. Close closes db.
func New(db *bedrock.KVStore) *Store {
	return &Store{db: db}
}

// Open opens (or creates) a Bedrock store under dir.
func Open(dir string) (*bedrock.KVStore, error) {
	cfg := bedrock.NewDefaultConfiguration().
		WithBaseDir(dir).
		WithNoLog()
	db, err := bedrock.Open(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open bedrock store at %s", dir)
	}
	log.Infof("Bedrock job store opened at %s", dir)
	return db, nil
}

func jobKey(id string) []byte {
	return []byte(jobKeyPrefix + id)
}

// reader is satisfied by both the store and its transactions.
type reader interface {
	Get(key []byte) ([]byte, bool)
}

func readJob(r reader, id string) (*backfill.Job, error) {
	raw, found := r.Get(jobKey(id))
	if !found || len(raw) == 0 {
		return nil, nil
	}
	job := &backfill.Job{}
	if err := json.Unmarshal(raw, job); err != nil {
		return nil, errors.Wrapf(err, "failed to decode job %s", id)
	}
	return job, nil
}

func readIndex(raw []byte, found bool) ([]string, error) {
	if !found || len(raw) == 0 {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, errors.Wrap(err, "failed to decode job index")
	}
	return ids, nil
}

func (s *Store) allJobs() ([]*backfill.Job, error) {
	ids, err := readIndex(s.db.Get([]byte(indexKey)))
	if err != nil {
		return nil, err
	}
	jobs := make([]*backfill.Job, 0, len(ids))
	for _, id := range ids {
		job, err := readJob(s.db, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// CreateJob stores a new job and appends it to the index.
func (s *Store) CreateJob(ctx context.Context, job *backfill.Job) error {
	return s.insert(job, false)
}

// CreateJobIfNoneActive inserts job unless another job is active, in one
// transaction that holds the index for update.
func (s *Store) CreateJobIfNoneActive(ctx context.Context, job *backfill.Job) error {
	return s.insert(job, true)
}

func (s *Store) insert(job *backfill.Job, exclusive bool) error {
	jobBytes, err := json.Marshal(job)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.BeginTransaction()
	ids, err := readIndex(txn.GetForUpdate([]byte(indexKey)))
	if err != nil {
		txn.Rollback()
		return err
	}
	if existing, _ := txn.Get(jobKey(job.ID)); len(existing) > 0 {
		txn.Rollback()
		return errors.Errorf("job %s already exists", job.ID)
	}
	if exclusive {
		for _, id := range ids {
			other, err := readJob(txn, id)
			if err != nil {
				txn.Rollback()
				return err
			}
			if other != nil && other.Status.IsActive() {
				txn.Rollback()
				return errors.Wrapf(backfill.ErrConflict, "job %s is %s", other.ID, other.Status)
			}
		}
	}

	indexBytes, err := json.Marshal(append(ids, job.ID))
	if err != nil {
		txn.Rollback()
		return err
	}
	if err := txn.Put(jobKey(job.ID), jobBytes); err != nil {
		txn.Rollback()
		return err
	}
	if err := txn.Put([]byte(indexKey), indexBytes); err != nil {
		txn.Rollback()
		return err
	}
	if err := txn.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit job %s", job.ID)
	}
	log.Debugf("Stored job %s", job.ID)
	return nil
}

// GetJob returns the job, or nil if it does not exist.
func (s *Store) GetJob(ctx context.Context, id string) (*backfill.Job, error) {
	return readJob(s.db, id)
}

// UpdateJob applies a partial update inside a transaction. The job is held
// for update while its status precondition is checked.
func (s *Store) UpdateJob(ctx context.Context, id string, update backfill.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.BeginTransaction()
	raw, found := txn.GetForUpdate(jobKey(id))
	if !found || len(raw) == 0 {
		txn.Rollback()
		return errors.Wrapf(backfill.ErrNotFound, "job %s", id)
	}
	job := &backfill.Job{}
	if err := json.Unmarshal(raw, job); err != nil {
		txn.Rollback()
		return errors.Wrapf(err, "failed to decode job %s", id)
	}
	if err := update.Check(job); err != nil {
		txn.Rollback()
		return err
	}

	update.Apply(job)

	updated, err := json.Marshal(job)
	if err != nil {
		txn.Rollback()
		return err
	}
	if err := txn.Put(jobKey(id), updated); err != nil {
		txn.Rollback()
		return err
	}
	return txn.Commit()
}

// DeleteJob removes a job from the index and blanks its document.
func (s *Store) DeleteJob(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked([]string{id})
}

func (s *Store) deleteLocked(ids []string) (bool, error) {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	txn := s.db.BeginTransaction()
	index, err := readIndex(txn.GetForUpdate([]byte(indexKey)))
	if err != nil {
		txn.Rollback()
		return false, err
	}
	kept := make([]string, 0, len(index))
	removed := false
	for _, id := range index {
		if _, ok := drop[id]; ok {
			removed = true
			if err := txn.Put(jobKey(id), []byte{}); err != nil {
				txn.Rollback()
				return false, err
			}
			continue
		}
		kept = append(kept, id)
	}
	if !removed {
		txn.Rollback()
		return false, nil
	}
	indexBytes, err := json.Marshal(kept)
	if err != nil {
		txn.Rollback()
		return false, err
	}
	if err := txn.Put([]byte(indexKey), indexBytes); err != nil {
		txn.Rollback()
		return false, err
	}
	if err := txn.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// ListJobs returns jobs matching filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter *backfill.JobFilter) ([]*backfill.Job, error) {
	jobs, err := s.allJobs()
	if err != nil {
		return nil, err
	}
	return filter.Page(jobs), nil
}

// GetActiveJob returns the pending, running or recovering job, if any.
func (s *Store) GetActiveJob(ctx context.Context) (*backfill.Job, error) {
	jobs, err := s.GetJobsByStatus(ctx, backfill.ActiveStatuses)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// GetJobsByStatus returns the jobs in any of the statuses, newest first.
func (s *Store) GetJobsByStatus(ctx context.Context, statuses []backfill.JobStatus) ([]*backfill.Job, error) {
	return s.ListJobs(ctx, &backfill.JobFilter{Statuses: statuses})
}

// UpdateCheckpoint replaces the job's checkpoint.
func (s *Store) UpdateCheckpoint(ctx context.Context, id string, checkpoint *backfill.Checkpoint) error {
	return s.UpdateJob(ctx, id, backfill.JobUpdate{Checkpoint: checkpoint})
}

// GetCheckpoint returns the job's checkpoint, or nil.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*backfill.Checkpoint, error) {
	job, err := readJob(s.db, id)
	if err != nil || job == nil {
		return nil, err
	}
	return job.Checkpoint, nil
}

// GetRateLimitConfig returns the stored config, or the default one if none
// was ever stored.
func (s *Store) GetRateLimitConfig(ctx context.Context) (backfill.RateLimitConfig, error) {
	raw, found := s.db.Get([]byte(rateLimitKey))
	if !found || len(raw) == 0 {
		return backfill.DefaultRateLimitConfig(), nil
	}
	var cfg backfill.RateLimitConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return backfill.RateLimitConfig{}, errors.Wrap(err, "failed to decode rate limit config")
	}
	return cfg, nil
}

// HasRateLimitConfig reports whether a config was ever stored.
func (s *Store) HasRateLimitConfig(ctx context.Context) (bool, error) {
	raw, found := s.db.Get([]byte(rateLimitKey))
	return found && len(raw) > 0, nil
}

// SetRateLimitConfig stores the full config.
func (s *Store) SetRateLimitConfig(ctx context.Context, cfg backfill.RateLimitConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	txn := s.db.BeginTransaction()
	if err := txn.Put([]byte(rateLimitKey), raw); err != nil {
		txn.Rollback()
		return err
	}
	return txn.Commit()
}

// CleanupOldJobs deletes terminal jobs that completed before the cutoff.
func (s *Store) CleanupOldJobs(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.allJobs()
	if err != nil {
		return 0, err
	}
	var ids []string
	for _, job := range jobs {
		if job.Status.IsTerminal() && job.CompletedAt != nil && job.CompletedAt.Before(before) {
			ids = append(ids, job.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if _, err := s.deleteLocked(ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Close closes the underlying Bedrock store. Later calls are no-ops.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.db == nil {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "failed to close bedrock store")
	}
	return nil
}

// IsReady reports whether the store is open and its job index can be read
// and decoded inside a transaction.
func (s *Store) IsReady(ctx context.Context) (ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.db == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warnf("Bedrock store failed its readiness check: %v", r)
			ready = false
		}
	}()

	txn := s.db.BeginTransaction()
	defer txn.Rollback()
	if _, err := readIndex(txn.Get([]byte(indexKey))); err != nil {
		log.Warnf("Bedrock store is not ready: %v", err)
		return false
	}
	return true
}
