// Package sqlstore implements backfill.JobStore on SQLite through gorm.
package sqlstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yirzhou/backfill"
)

type jobRow struct {
	ID          string               `gorm:"primaryKey"`
	JobType     string               `gorm:"not null"`
	Status      string               `gorm:"not null;index"`
	Config      backfill.JobConfig   `gorm:"serializer:json"`
	Progress    backfill.Progress    `gorm:"serializer:json"`
	Checkpoint  *backfill.Checkpoint `gorm:"serializer:json"`
	Result      *backfill.JobResult  `gorm:"serializer:json"`
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ResumedAt   *time.Time
}

func (jobRow) TableName() string {
	return "backfill_jobs"
}

type rateLimitRow struct {
	ID                   int `gorm:"primaryKey"`
	MaxRequestsPerMinute int
	MaxConcurrent        int
	MinDelayMs           int64
	MaxDelayMs           int64
	BackoffMultiplier    float64
	UpdatedAt            time.Time
}

func (rateLimitRow) TableName() string {
	return "rate_limit_config"
}

const rateLimitRowID = 1

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func toRow(job *backfill.Job) *jobRow {
	return &jobRow{
		ID:          job.ID,
		JobType:     string(job.Type),
		Status:      string(job.Status),
		Config:      job.Config,
		Progress:    job.Progress,
		Checkpoint:  job.Checkpoint,
		Result:      job.Result,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt.UTC(),
		StartedAt:   utcPtr(job.StartedAt),
		CompletedAt: utcPtr(job.CompletedAt),
		ResumedAt:   utcPtr(job.ResumedAt),
	}
}

func (r *jobRow) toJob() *backfill.Job {
	return &backfill.Job{
		ID:          r.ID,
		Type:        backfill.JobType(r.JobType),
		Status:      backfill.JobStatus(r.Status),
		Config:      r.Config,
		Progress:    r.Progress,
		Checkpoint:  r.Checkpoint,
		Result:      r.Result,
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		ResumedAt:   r.ResumedAt,
	}
}

func statusStrings(statuses []backfill.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

var terminalStatuses = []backfill.JobStatus{backfill.Completed, backfill.Failed, backfill.Cancelled}

// Store is a JobStore backed by a gorm database.
type Store struct {
	db *gorm.DB
}

var (
	_ backfill.JobStore      = (*Store)(nil)
	_ backfill.AtomicCreator = (*Store)(nil)

	_ backfill.RateLimitRecorder = (*Store)(nil)
)

// New wraps db. The schema must already be migrated; see Open.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreateJob(ctx context.Context, job *backfill.Job) error {
	return s.db.WithContext(ctx).Create(toRow(job)).Error
}

// CreateJobIfNoneActive checks for an active job and inserts job in the same
// transaction.
func (s *Store) CreateJobIfNoneActive(ctx context.Context, job *backfill.Job) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active jobRow
		err := tx.Where("status IN ?", statusStrings(backfill.ActiveStatuses)).
			Order("created_at DESC").
			Take(&active).Error
		if err == nil {
			return errors.Wrapf(backfill.ErrConflict, "job %s is %s", active.ID, active.Status)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(toRow(job)).Error
	})
}

func (s *Store) GetJob(ctx context.Context, id string) (*backfill.Job, error) {
	row := jobRow{}
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toJob(), nil
}

// UpdateJob loads the row, applies update and writes it back in one
// transaction. A status precondition is also part of the UPDATE's WHERE.
func (s *Store) UpdateJob(ctx context.Context, id string, update backfill.JobUpdate) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := jobRow{}
		if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.Wrapf(backfill.ErrNotFound, "job %s", id)
			}
			return err
		}
		job := row.toJob()
		if err := update.Check(job); err != nil {
			return err
		}
		update.Apply(job)

		query := tx.Model(&jobRow{}).Where("id = ?", id)
		if len(update.ExpectStatus) > 0 {
			query = query.Where("status IN ?", statusStrings(update.ExpectStatus))
		}
		result := query.Select("*").Updates(toRow(job))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errors.Wrapf(backfill.ErrStatusChanged, "job %s", id)
		}
		return nil
	})
}

func (s *Store) DeleteJob(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&jobRow{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Store) ListJobs(ctx context.Context, filter *backfill.JobFilter) ([]*backfill.Job, error) {
	query := s.db.WithContext(ctx).Model(&jobRow{}).Order("created_at DESC")
	if filter != nil {
		if len(filter.Statuses) > 0 {
			query = query.Where("status IN ?", statusStrings(filter.Statuses))
		}
		if len(filter.Types) > 0 {
			types := make([]string, len(filter.Types))
			for i, t := range filter.Types {
				types[i] = string(t)
			}
			query = query.Where("job_type IN ?", types)
		}
		if filter.Limit > 0 {
			query = query.Limit(filter.Limit)
		}
		if filter.Offset > 0 {
			if filter.Limit <= 0 {
				// SQLite needs a LIMIT before OFFSET.
				query = query.Limit(-1)
			}
			query = query.Offset(filter.Offset)
		}
	}

	var rows []jobRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	jobs := make([]*backfill.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toJob())
	}
	return jobs, nil
}

func (s *Store) GetActiveJob(ctx context.Context) (*backfill.Job, error) {
	jobs, err := s.ListJobs(ctx, &backfill.JobFilter{Statuses: backfill.ActiveStatuses, Limit: 1})
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

func (s *Store) GetJobsByStatus(ctx context.Context, statuses []backfill.JobStatus) ([]*backfill.Job, error) {
	if len(statuses) == 0 {
		return []*backfill.Job{}, nil
	}
	return s.ListJobs(ctx, &backfill.JobFilter{Statuses: statuses})
}

func (s *Store) UpdateCheckpoint(ctx context.Context, id string, checkpoint *backfill.Checkpoint) error {
	return s.UpdateJob(ctx, id, backfill.JobUpdate{Checkpoint: checkpoint})
}

func (s *Store) GetCheckpoint(ctx context.Context, id string) (*backfill.Checkpoint, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil || job == nil {
		return nil, err
	}
	return job.Checkpoint, nil
}

// GetRateLimitConfig returns the stored config, or the default when the
// table is empty.
func (s *Store) GetRateLimitConfig(ctx context.Context) (backfill.RateLimitConfig, error) {
	row := rateLimitRow{}
	err := s.db.WithContext(ctx).Where("id = ?", rateLimitRowID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return backfill.DefaultRateLimitConfig(), nil
	}
	if err != nil {
		return backfill.RateLimitConfig{}, err
	}
	return backfill.RateLimitConfig{
		MaxRequestsPerMinute: row.MaxRequestsPerMinute,
		MaxConcurrent:        row.MaxConcurrent,
		MinDelayMs:           row.MinDelayMs,
		MaxDelayMs:           row.MaxDelayMs,
		BackoffMultiplier:    row.BackoffMultiplier,
	}, nil
}

func (s *Store) HasRateLimitConfig(ctx context.Context) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&rateLimitRow{}).Where("id = ?", rateLimitRowID).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) SetRateLimitConfig(ctx context.Context, cfg backfill.RateLimitConfig) error {
	row := rateLimitRow{
		ID:                   rateLimitRowID,
		MaxRequestsPerMinute: cfg.MaxRequestsPerMinute,
		MaxConcurrent:        cfg.MaxConcurrent,
		MinDelayMs:           cfg.MinDelayMs,
		MaxDelayMs:           cfg.MaxDelayMs,
		BackoffMultiplier:    cfg.BackoffMultiplier,
		UpdatedAt:            time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func (s *Store) CleanupOldJobs(ctx context.Context, before time.Time) (int, error) {
	result := s.db.WithContext(ctx).
		Where("status IN ? AND completed_at IS NOT NULL AND completed_at < ?", statusStrings(terminalStatuses), before.UTC()).
		Delete(&jobRow{})
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}

// IsReady pings the database.
func (s *Store) IsReady(ctx context.Context) bool {
	sqldb, err := s.db.DB()
	if err != nil {
		return false
	}
	return sqldb.PingContext(ctx) == nil
}
