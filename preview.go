package backfill

import (
	"context"
	"sort"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const districtCacheKey = "districts"

// DateRange is an inclusive range of YYYY-MM-DD dates.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// ItemBreakdown lists the items a job would visit.
type ItemBreakdown struct {
	Dates       []string `json:"dates,omitempty"`
	SnapshotIDs []string `json:"snapshot_ids,omitempty"`
}

// JobPreview is a read-only estimate of a prospective job.
type JobPreview struct {
	JobType             JobType       `json:"job_type"`
	TotalItems          int           `json:"total_items"`
	DateRange           DateRange     `json:"date_range"`
	ItemBreakdown       ItemBreakdown `json:"item_breakdown"`
	AffectedDistricts   []string      `json:"affected_districts"`
	SkippedExisting     int           `json:"skipped_existing"`
	EstimatedDuration   time.Duration `json:"-"`
	EstimatedDurationMs int64         `json:"estimated_duration_ms"`
}

// PreviewEstimator computes job scope without persisting anything.
type PreviewEstimator struct {
	districts     DistrictService
	snapshots     SnapshotService
	districtCache *ttlcache.Cache[string, []string]
}

// NewPreviewEstimator builds an estimator. Either service may be nil.
func NewPreviewEstimator(districts DistrictService, snapshots SnapshotService) *PreviewEstimator {
	return &PreviewEstimator{
		districts: districts,
		snapshots: snapshots,
		districtCache: ttlcache.New[string, []string](
			ttlcache.WithTTL[string, []string](time.Minute),
			ttlcache.WithDisableTouchOnHit[string, []string](),
		),
	}
}

// Estimate returns the preview of req paced by cfg.
func (p *PreviewEstimator) Estimate(ctx context.Context, req CreateJobRequest, cfg RateLimitConfig) (*JobPreview, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	preview := &JobPreview{
		JobType:   req.JobType,
		DateRange: DateRange{Start: req.StartDate, End: req.EndDate},
	}

	var dates []string
	if req.JobType == DataCollection {
		var err error
		if dates, err = EnumerateDates(req.StartDate, req.EndDate); err != nil {
			return nil, err
		}
	} else if req.StartDate != "" && req.EndDate != "" {
		if _, _, err := ParseDateRange(req.StartDate, req.EndDate); err != nil {
			return nil, err
		}
	}

	needSnapshots := req.JobType == AnalyticsGeneration || req.SkipExisting
	var snapshots []Snapshot
	egrp, egrpCtx := errgroup.WithContext(ctx)
	egrp.Go(func() error {
		districts, err := p.affectedDistricts(egrpCtx, req.TargetDistricts)
		preview.AffectedDistricts = districts
		return err
	})
	if needSnapshots {
		egrp.Go(func() error {
			var err error
			snapshots, err = successfulSnapshots(egrpCtx, p.snapshots, req.StartDate, req.EndDate)
			return err
		})
	}
	if err := egrp.Wait(); err != nil {
		return nil, err
	}

	switch req.JobType {
	case DataCollection:
		if req.SkipExisting {
			var kept []string
			kept, preview.SkippedExisting = excludeExisting(dates, snapshots)
			dates = kept
		}
		preview.ItemBreakdown.Dates = dates
		preview.TotalItems = len(dates)
	case AnalyticsGeneration:
		ids := make([]string, 0, len(snapshots))
		for _, s := range snapshots {
			ids = append(ids, s.ID)
		}
		preview.ItemBreakdown.SnapshotIDs = ids
		preview.TotalItems = len(ids)
	}

	preview.EstimatedDuration = time.Duration(preview.TotalItems) * cfg.Merge(req.RateLimitOverrides).PerItem()
	preview.EstimatedDurationMs = preview.EstimatedDuration.Milliseconds()
	return preview, nil
}

func (p *PreviewEstimator) affectedDistricts(ctx context.Context, targets []string) ([]string, error) {
	if len(targets) > 0 {
		return append([]string(nil), targets...), nil
	}
	if p.districts == nil {
		return []string{}, nil
	}
	if item := p.districtCache.Get(districtCacheKey); item != nil {
		return append([]string(nil), item.Value()...), nil
	}
	districts, err := p.districts.ListDistricts(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list configured districts")
	}
	p.districtCache.Set(districtCacheKey, districts, ttlcache.DefaultTTL)
	return append([]string(nil), districts...), nil
}

// InvalidateDistricts drops the cached district list.
func (p *PreviewEstimator) InvalidateDistricts() {
	p.districtCache.Delete(districtCacheKey)
}

// successfulSnapshots returns the successful snapshots inside the range,
// ordered by date then id.
func successfulSnapshots(ctx context.Context, svc SnapshotService, start, end string) ([]Snapshot, error) {
	if svc == nil {
		return nil, nil
	}
	all, err := svc.ListSnapshots(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list snapshots")
	}
	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		if s.Status != SnapshotSuccess {
			continue
		}
		if !inRange(s.SnapshotDate(), start, end) {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SnapshotDate() != out[j].SnapshotDate() {
			return out[i].SnapshotDate() < out[j].SnapshotDate()
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// excludeExisting drops dates that already have a successful snapshot.
func excludeExisting(dates []string, snapshots []Snapshot) ([]string, int) {
	existing := make(map[string]struct{}, len(snapshots))
	for _, s := range snapshots {
		existing[s.SnapshotDate()] = struct{}{}
	}
	kept := make([]string, 0, len(dates))
	for _, d := range dates {
		if _, ok := existing[d]; ok {
			continue
		}
		kept = append(kept, d)
	}
	return kept, len(dates) - len(kept)
}
