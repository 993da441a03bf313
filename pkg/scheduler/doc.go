/*
Package scheduler assigns CPUs to pending jobs.

Each tick it asks pkg/resources how many CPUs are free, then walks PENDING
jobs oldest-first, reserving for every job whose total_cpus fits in what's
left. A job that doesn't fit is skipped, not blocked on — a later, smaller
job can still run in the same cycle (first-fit, not FIFO-strict).

	sched := scheduler.New(store, kv, resourceModel, cleanupManager, scheduler.Config{
		QueueName: "queue:dispatch",
		Interval:  time.Second,
	})
	go sched.Start(ctx)
	defer sched.Stop()

Reserving a job is one unit of work: PENDING->RUNNING, a RESERVED
allocation row, and a dispatch token pushed onto the work queue for a
worker to pick up. The allocated-cpu cache is not touched here; it counts
only ALLOCATED capacity, which the executor adds on PROMOTE. The scheduler also ticks the
cleanup engine on the same loop, mirroring how the teacher's scheduler and
reconciler shared one ticker in the original cluster manager.

See Also

  - pkg/cleanup - periodic reconciliation of stuck/orphaned state
  - pkg/resources - the cached allocated-cpu counter this package reads
  - pkg/executor - the consumer on the other end of the dispatch queue
*/
package scheduler
