/*
Package api is the conductor's HTTP front-end: three job routes under
/v1/jobs, plus health/readiness/metrics endpoints for ops tooling.

	srv := api.New(postgresStore)
	log.Fatal(srv.ListenAndServe(ctx, "0.0.0.0:8080"))

# Routes

	POST /v1/jobs/submit        write a PENDING job, return its id
	GET  /v1/jobs/query/{id}    job envelope: state, timestamps, job_log, detail
	POST /v1/jobs/cancel/{id}   idempotent; terminal jobs are a no-op

The API only writes the PENDING row and returns its id — it does not
reserve resources or push a dispatch token itself. Reservation is the
scheduler's job (pkg/scheduler), which reads PENDING jobs on its own tick
and only then enqueues a token once capacity is confirmed. Enqueuing at
submit time would let submissions bypass the FIFO/first-fit capacity
check entirely (see DESIGN.md).

# Cancellation

A RUNNING job's cancel request signals its recorded PID's process group
with SIGTERM (pkg/executor.SignalProcessGroup) and marks the job
CANCELLED; the executor's wait loop observes the exit and releases the
allocation on its own. A RESERVED-but-not-yet-ALLOCATED job is just marked
CANCELLED. When its dispatch token arrives, the executor's LOAD step sees a
non-RUNNING state and returns before PROMOTE; the executor does not release
the RESERVED allocation itself, and pkg/cleanup's CompletedJobCleanup
releases it on a later scheduler tick.

See Also

  - pkg/scheduler - the component that actually dispatches submitted jobs
  - pkg/executor - consumes dispatch tokens, honors cancellation
  - pkg/conderrors - the error taxonomy mapped to HTTP status here
*/
package api
