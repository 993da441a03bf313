// Package store defines conductor's durable system-of-record: the Job and
// ResourceAllocation repositories, backed by PostgreSQL.
package store

import (
	"context"
	"time"

	"github.com/cuemby/conductor/pkg/types"
)

// Store is the interface the scheduler, executor, cleanup engine, and API
// front-end use to read and mutate durable state. It is implemented by
// *Postgres for production and is satisfied by any sqlmock-backed *Postgres
// in tests.
type Store interface {
	CreateJob(ctx context.Context, job *types.Job) (int64, error)
	GetJob(ctx context.Context, id int64) (*types.Job, error)
	ListPendingJobs(ctx context.Context) ([]*types.Job, error)
	UpdateJobState(ctx context.Context, id int64, state types.JobState, fields JobStateFields) error
	DeleteJob(ctx context.Context, id int64) error

	CreateAllocation(ctx context.Context, alloc *types.ResourceAllocation) error
	GetAllocation(ctx context.Context, jobID int64) (*types.ResourceAllocation, error)
	UpdateAllocationStatus(ctx context.Context, jobID int64, status types.AllocationStatus, fields AllocationStateFields) error
	SumAllocatedCPUs(ctx context.Context) (int, error)
	ListAllocationsByStatus(ctx context.Context, status types.AllocationStatus) ([]*types.ResourceAllocation, error)
	ListStaleReservations(ctx context.Context, olderThan time.Time) ([]*types.ResourceAllocation, error)

	ListRunningJobs(ctx context.Context) ([]*types.Job, error)
	ListStuckRunningJobs(ctx context.Context, startedBefore time.Time) ([]*types.Job, error)
	ListOldTerminalJobs(ctx context.Context, endedBefore time.Time) ([]*types.Job, error)
	CountJobsByState(ctx context.Context) (map[types.JobState]int, error)

	Close() error
}

// JobStateFields carries the optional column updates that accompany a job
// state transition; zero-value pointers are left untouched.
type JobStateFields struct {
	StartTime    *time.Time
	EndTime      *time.Time
	ExitCode     *string
	ErrorMessage *string
	NodeList     *string
}

// AllocationStateFields carries the optional column updates that accompany
// an allocation status transition.
type AllocationStateFields struct {
	ProcessID    *int
	ReleasedTime *time.Time
}
