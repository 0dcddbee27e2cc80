package backfill

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backfill_jobs_created_total",
		Help: "The total number of backfill jobs created, by job type",
	}, []string{"job_type"})

	JobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backfill_jobs_finished_total",
		Help: "The total number of backfill jobs that reached a terminal status",
	}, []string{"job_type", "status"})

	ItemsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backfill_items_processed_total",
		Help: "The total number of work items visited by the execution engine. Labelled by outcome: success|failed|skipped",
	}, []string{"job_type", "outcome"})

	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backfill_active_jobs",
		Help: "The number of job executions currently running in this process",
	})

	RateLimitDelaySeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backfill_rate_limit_delay_seconds",
		Help: "The current delay enforced between two dispatches to the collection service",
	})

	RecoveredJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backfill_recovered_jobs_total",
		Help: "The total number of jobs picked up by the startup recovery flow. Labelled by result: recovered|failed",
	}, []string{"result"})
)
