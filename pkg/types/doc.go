/*
Package types defines the core data structures shared by every conductor
component: the API front-end, the scheduler, and the executor worker.

These are deliberately plain structs with no storage-layer or transport-layer
dependencies — pkg/store, pkg/kv, pkg/api, and pkg/executor all operate on
borrowed values of these types rather than owning them; the SQL store is the
durable owner of Job and ResourceAllocation, and the KV store is the owner of
Worker.

# Core Types

Job lifecycle:
  - Job: a submitted shell-script workload, PENDING until the scheduler
    reserves resources for it
  - JobState: PENDING, RUNNING, COMPLETED, FAILED, CANCELLED (monotone
    toward the three terminal states)
  - ResourceRequest: the CPU/memory/time-limit shape a job asks for

Resource accounting:
  - ResourceAllocation: the one-to-one reservation/allocation/release record
    for a scheduled job
  - AllocationStatus: RESERVED, ALLOCATED, RELEASED (monotone, with
    RESERVED->RELEASED a permitted skip on orphan cleanup)

Worker registry:
  - Worker: the ephemeral, heartbeat-refreshed K/V record for a live
    executor
  - WorkerStatus: ready, busy, stopping

Dispatch:
  - DispatchToken: the work-queue payload naming a job-id to execute
*/
package types
