package backfill

import "context"

// DistrictOutcome is the result of collecting one district for a date.
type DistrictOutcome struct {
	DistrictID string `json:"district_id"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// RefreshOutcome is returned by a successful date refresh.
type RefreshOutcome struct {
	SnapshotID string            `json:"snapshot_id"`
	Districts  []DistrictOutcome `json:"districts,omitempty"`
}

// RefreshService scrapes and stores the data for one date.
// An empty districts slice means every configured district.
type RefreshService interface {
	RefreshDate(ctx context.Context, date string, districts []string) (*RefreshOutcome, error)
}

// AnalyticsService recomputes derived analytics for one stored snapshot.
type AnalyticsService interface {
	ComputeSnapshot(ctx context.Context, snapshotID string) error
}

// DistrictService lists the currently configured districts.
type DistrictService interface {
	ListDistricts(ctx context.Context) ([]string, error)
}

// SnapshotStatus is the outcome recorded for a stored snapshot.
type SnapshotStatus string

const (
	SnapshotSuccess SnapshotStatus = "success"
	SnapshotPartial SnapshotStatus = "partial"
	SnapshotFailed  SnapshotStatus = "failed"
)

// Snapshot describes one stored snapshot. Date is YYYY-MM-DD; when empty
// the ID is taken to be the date.
type Snapshot struct {
	ID     string         `json:"id"`
	Date   string         `json:"date,omitempty"`
	Status SnapshotStatus `json:"status"`
}

// SnapshotDate returns the calendar date a snapshot belongs to.
func (s Snapshot) SnapshotDate() string {
	if s.Date != "" {
		return s.Date
	}
	return s.ID
}

// SnapshotService reports the snapshots already stored.
type SnapshotService interface {
	ListSnapshots(ctx context.Context) ([]Snapshot, error)
}

// Collaborators bundles the external services a job talks to.
type Collaborators struct {
	Refresh   RefreshService
	Analytics AnalyticsService
	Districts DistrictService
	Snapshots SnapshotService
}
