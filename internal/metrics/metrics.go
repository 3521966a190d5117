package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	JobsSubmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tbatch_jobs_submitted_total",
			Help: "Total number of jobs accepted by the scheduler",
		},
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbatch_jobs_completed_total",
			Help: "Total number of jobs that reached a terminal state",
		},
		[]string{"state"}, // SUCCEEDED, FAILED, CANCELLED
	)

	JobsRetriedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tbatch_jobs_retried_total",
			Help: "Total number of transient-failure retries scheduled",
		},
	)

	SubmissionsRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tbatch_submissions_rejected_total",
			Help: "Total number of batch submissions rejected by backpressure",
		},
	)

	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tbatch_cache_hits_total",
			Help: "Total number of result cache hits",
		},
	)

	CacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tbatch_cache_misses_total",
			Help: "Total number of result cache misses",
		},
	)

	// Gauges
	QueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tbatch_queue_length",
			Help: "Current number of jobs waiting for a worker (ready and backoff-delayed)",
		},
	)

	RunningJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tbatch_running_jobs",
			Help: "Current number of jobs being executed",
		},
	)

	PoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tbatch_pool_size",
			Help: "Current worker pool size",
		},
	)

	CacheWeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tbatch_cache_weight",
			Help: "Current total weight of resident cache entries",
		},
	)

	// Histogram for job execution duration
	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tbatch_job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15), // 10ms to ~163s
		},
		[]string{"operation", "state"},
	)
)
