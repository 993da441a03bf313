package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_jobs_total",
			Help: "Total number of jobs by state",
		},
		[]string{"state"},
	)

	JobsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_jobs_scheduled_total",
			Help: "Total number of jobs transitioned from PENDING to RUNNING",
		},
	)

	JobsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_jobs_failed_total",
			Help: "Total number of jobs that ended FAILED",
		},
	)

	JobsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_jobs_completed_total",
			Help: "Total number of jobs that ended COMPLETED",
		},
	)

	JobsCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_jobs_cancelled_total",
			Help: "Total number of jobs cancelled",
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductor_scheduling_latency_seconds",
			Help:    "Time taken to reserve resources for one job in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductor_scheduler_tick_duration_seconds",
			Help:    "Duration of one scheduling pass in seconds, excluding the cleanup tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Resource-accounting metrics
	AllocatedCPUs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_allocated_cpus",
			Help: "CPUs currently counted as ALLOCATED in the cache",
		},
	)

	TotalCPUs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_total_cpus",
			Help: "Sum of advertised CPUs across live workers",
		},
	)

	CacheResyncTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_cache_resync_total",
			Help: "Total number of times the allocated-CPU cache was rebuilt from the database",
		},
	)

	// Worker registry metrics
	WorkersLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_workers_live",
			Help: "Number of workers with a live (non-expired) registry key",
		},
	)

	// Executor metrics
	ExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductor_execution_duration_seconds",
			Help:    "Time from spawning a job process to recording its outcome in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600, 14400},
		},
	)

	// Cleanup engine metrics
	CleanupStrategyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_cleanup_strategy_duration_seconds",
			Help:    "Duration of one cleanup strategy invocation in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	CleanupStrategyRepaired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_cleanup_strategy_repaired_total",
			Help: "Total number of rows repaired by a cleanup strategy",
		},
		[]string{"strategy"},
	)

	CleanupStrategyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_cleanup_strategy_errors_total",
			Help: "Total number of cleanup strategy invocations that errored",
		},
		[]string{"strategy"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsTotal,
		JobsScheduled,
		JobsFailed,
		JobsCompleted,
		JobsCancelled,
		SchedulingLatency,
		SchedulerTickDuration,
		AllocatedCPUs,
		TotalCPUs,
		CacheResyncTotal,
		WorkersLive,
		ExecutionDuration,
		CleanupStrategyDuration,
		CleanupStrategyRepaired,
		CleanupStrategyErrors,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
