package backfill

import (
	"time"
)

// DateLayout is the calendar date format used for items and snapshots.
const DateLayout = "2006-01-02"

// CreateJobRequest is what callers submit to create or preview a job.
type CreateJobRequest struct {
	JobType            JobType             `json:"job_type"`
	StartDate          string              `json:"start_date,omitempty"`
	EndDate            string              `json:"end_date,omitempty"`
	TargetDistricts    []string            `json:"target_districts,omitempty"`
	SkipExisting       bool                `json:"skip_existing,omitempty"`
	RateLimitOverrides *RateLimitOverrides `json:"rate_limit_overrides,omitempty"`
}

// Validate checks the fields needed to accept a request. Date ordering is
// not checked here; the engine rejects a reversed range when the job runs.
func (r CreateJobRequest) Validate() error {
	if r.JobType == "" {
		return newValidationError("job_type", "is required")
	}
	if !r.JobType.Valid() {
		return newValidationError("job_type", "unknown job type %q", r.JobType)
	}
	if r.JobType == DataCollection {
		if r.StartDate == "" {
			return newValidationError("start_date", "is required for %s jobs", r.JobType)
		}
		if r.EndDate == "" {
			return newValidationError("end_date", "is required for %s jobs", r.JobType)
		}
	}
	return nil
}

func (r CreateJobRequest) jobConfig() JobConfig {
	cfg := JobConfig{
		StartDate:    r.StartDate,
		EndDate:      r.EndDate,
		SkipExisting: r.SkipExisting,
	}
	if len(r.TargetDistricts) > 0 {
		cfg.TargetDistricts = append([]string(nil), r.TargetDistricts...)
	}
	if r.RateLimitOverrides != nil {
		o := *r.RateLimitOverrides
		cfg.RateLimitOverrides = &o
	}
	return cfg
}

// ParseDateRange parses and orders an inclusive date range.
func ParseDateRange(start, end string) (time.Time, time.Time, error) {
	from, err := time.Parse(DateLayout, start)
	if err != nil {
		return time.Time{}, time.Time{}, newValidationError("start_date", "invalid date %q", start)
	}
	to, err := time.Parse(DateLayout, end)
	if err != nil {
		return time.Time{}, time.Time{}, newValidationError("end_date", "invalid date %q", end)
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, newValidationError("end_date", "%s is before start date %s", end, start)
	}
	return from, to, nil
}

// EnumerateDates lists every date from start to end, inclusive.
func EnumerateDates(start, end string) ([]string, error) {
	from, to, err := ParseDateRange(start, end)
	if err != nil {
		return nil, err
	}
	dates := make([]string, 0, int(to.Sub(from).Hours()/24)+1)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(DateLayout))
	}
	return dates, nil
}

// inRange compares YYYY-MM-DD strings lexically; empty bounds are open.
func inRange(date, start, end string) bool {
	if start != "" && date < start {
		return false
	}
	if end != "" && date > end {
		return false
	}
	return true
}
