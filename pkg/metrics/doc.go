/*
Package metrics provides Prometheus metrics collection and exposition for
the conductor job scheduler, following the teacher's pattern of package-level
metric variables registered once at init and a promhttp handler at /metrics.

# Metrics Catalog

Job Metrics:

conductor_jobs_total{state}:
  - Type: Gauge
  - Description: Jobs currently in each state, sampled periodically by Collector
  - Labels: state (PENDING, RUNNING, COMPLETED, FAILED, CANCELLED)

conductor_jobs_scheduled_total:
  - Type: Counter
  - Description: Jobs transitioned from PENDING to RUNNING by the scheduler

conductor_jobs_completed_total / conductor_jobs_failed_total / conductor_jobs_cancelled_total:
  - Type: Counter
  - Description: Terminal job outcomes, incremented by pkg/executor and pkg/api

Scheduler Metrics:

conductor_scheduling_latency_seconds:
  - Type: Histogram
  - Description: Time to reserve resources for one job

conductor_scheduler_tick_duration_seconds:
  - Type: Histogram
  - Description: Duration of one scheduling pass (the cleanup tick that precedes it is not included)

Resource-accounting Metrics:

conductor_allocated_cpus / conductor_total_cpus:
  - Type: Gauge
  - Description: CPUs counted ALLOCATED in the cache, and sum advertised by live workers

conductor_cache_resync_total:
  - Type: Counter
  - Description: Times the allocated-CPU cache was rebuilt from the database

Worker Registry Metrics:

conductor_workers_live:
  - Type: Gauge
  - Description: Workers with a non-expired registry key, sampled by Collector

Executor Metrics:

conductor_execution_duration_seconds:
  - Type: Histogram
  - Description: Time from SPAWN to RECORD (the job process's run time)

Cleanup Engine Metrics:

conductor_cleanup_strategy_duration_seconds{strategy} / _repaired_total{strategy} / _errors_total{strategy}:
  - Type: Histogram / Counter / Counter
  - Description: Per-strategy timing and outcome counts from pkg/cleanup

API Metrics:

conductor_api_requests_total{route, status} / conductor_api_request_duration_seconds{route}:
  - Type: Counter / Histogram
  - Description: HTTP request counts and latency by chi route pattern

# Usage

	timer := metrics.NewTimer()
	// ... do work ...
	timer.ObserveDuration(metrics.SchedulingLatency)

	metrics.JobsScheduled.Inc()

# Collector

Collector periodically samples pkg/store and pkg/registry into the job and
worker gauges, since those states aren't naturally touched on every request:

	c := metrics.NewCollector(st, reg, 15*time.Second)
	c.Start(ctx)
	defer c.Stop()

# See Also

  - pkg/store - source of job-state counts
  - pkg/registry - source of live-worker counts
  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
