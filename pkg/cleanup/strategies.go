package cleanup

import (
	"context"
	"time"

	"github.com/cuemby/conductor/pkg/resources"
	"github.com/cuemby/conductor/pkg/store"
	"github.com/cuemby/conductor/pkg/types"
)

// baseStrategy holds the fields every default strategy shares so each
// concrete type only needs to implement DoCleanup.
type baseStrategy struct {
	name        string
	description string
	interval    time.Duration
	priority    int
	dependsOn   []string
}

func (b baseStrategy) Name() string                    { return b.name }
func (b baseStrategy) Description() string             { return b.description }
func (b baseStrategy) Interval() time.Duration         { return b.interval }
func (b baseStrategy) Priority() int                   { return b.priority }
func (b baseStrategy) DependsOn() []string              { return b.dependsOn }
func (b baseStrategy) Before(ctx context.Context) bool { return true }
func (b baseStrategy) After(ctx context.Context, repaired int) {}
func (b baseStrategy) OnError(ctx context.Context, err error)   {}

// CompletedJobCleanup releases allocations left behind by jobs that already
// reached a terminal state — it absorbs the scheduler's former
// release_completed duplicate path (spec.md §9, Open Question 3).
type CompletedJobCleanup struct {
	baseStrategy
	store     store.Store
	resources *resources.Model
}

// NewCompletedJobCleanup builds the prio-1, 5s default strategy.
func NewCompletedJobCleanup(st store.Store, rm *resources.Model) *CompletedJobCleanup {
	return &CompletedJobCleanup{
		baseStrategy: baseStrategy{
			name:        "CompletedJobCleanup",
			description: "releases allocations whose job already reached a terminal state",
			interval:    5 * time.Second,
			priority:    1,
		},
		store:     st,
		resources: rm,
	}
}

func (c *CompletedJobCleanup) DoCleanup(ctx context.Context) (int, error) {
	repaired := 0
	for _, status := range []types.AllocationStatus{types.AllocationReserved, types.AllocationAllocated} {
		allocs, err := c.store.ListAllocationsByStatus(ctx, status)
		if err != nil {
			return repaired, err
		}
		for _, alloc := range allocs {
			job, err := c.store.GetJob(ctx, alloc.JobID)
			if err != nil {
				continue
			}
			if !job.State.Terminal() {
				continue
			}
			now := time.Now().UTC()
			if err := c.store.UpdateAllocationStatus(ctx, alloc.JobID, types.AllocationReleased, store.AllocationStateFields{
				ReleasedTime: &now,
			}); err != nil {
				return repaired, err
			}
			if status == types.AllocationAllocated {
				if err := c.resources.Release(ctx, alloc.AllocatedCPUs); err != nil {
					return repaired, err
				}
			}
			repaired++
		}
	}
	return repaired, nil
}

// StaleReservationCleanup fails RUNNING jobs whose reservation never got
// promoted to ALLOCATED within the grace window — the queue likely lost the
// dispatch token, or the worker never started.
type StaleReservationCleanup struct {
	baseStrategy
	store   store.Store
	horizon time.Duration
}

// NewStaleReservationCleanup builds the prio-2, 120s default strategy with
// the spec's 10-minute staleness horizon.
func NewStaleReservationCleanup(st store.Store) *StaleReservationCleanup {
	return &StaleReservationCleanup{
		baseStrategy: baseStrategy{
			name:        "StaleReservationCleanup",
			description: "fails jobs whose reservation was never promoted to ALLOCATED",
			interval:    120 * time.Second,
			priority:    2,
			dependsOn:   []string{"CompletedJobCleanup"},
		},
		store:   st,
		horizon: 10 * time.Minute,
	}
}

func (c *StaleReservationCleanup) DoCleanup(ctx context.Context) (int, error) {
	stale, err := c.store.ListStaleReservations(ctx, time.Now().Add(-c.horizon))
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, alloc := range stale {
		now := time.Now().UTC()
		errMsg := "reservation timed out, queue lost or worker not starting"
		exitCode := "-3:0"
		if err := c.store.UpdateJobState(ctx, alloc.JobID, types.JobFailed, store.JobStateFields{
			EndTime:      &now,
			ExitCode:     &exitCode,
			ErrorMessage: &errMsg,
		}); err != nil {
			return repaired, err
		}
		// Never counted in the cache (RESERVED isn't ALLOCATED), so no
		// cache change on release — see spec.md §4.1.
		if err := c.store.UpdateAllocationStatus(ctx, alloc.JobID, types.AllocationReleased, store.AllocationStateFields{
			ReleasedTime: &now,
		}); err != nil {
			return repaired, err
		}
		repaired++
	}
	return repaired, nil
}

// StuckJobCleanup fails jobs that have been RUNNING implausibly long —
// almost certainly a crashed executor that never reported back.
type StuckJobCleanup struct {
	baseStrategy
	store     store.Store
	resources *resources.Model
	horizon   time.Duration
}

// NewStuckJobCleanup builds the prio-3, 1h default strategy with the spec's
// 48-hour stuck-job horizon.
func NewStuckJobCleanup(st store.Store, rm *resources.Model) *StuckJobCleanup {
	return &StuckJobCleanup{
		baseStrategy: baseStrategy{
			name:        "StuckJobCleanup",
			description: "fails jobs RUNNING far longer than any plausible workload",
			interval:    time.Hour,
			priority:    3,
			dependsOn:   []string{"CompletedJobCleanup"},
		},
		store:     st,
		resources: rm,
		horizon:   48 * time.Hour,
	}
}

func (c *StuckJobCleanup) DoCleanup(ctx context.Context) (int, error) {
	stuck, err := c.store.ListStuckRunningJobs(ctx, time.Now().Add(-c.horizon))
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, job := range stuck {
		now := time.Now().UTC()
		errMsg := "job exceeded maximum plausible runtime"
		exitCode := "-2:0"
		if err := c.store.UpdateJobState(ctx, job.ID, types.JobFailed, store.JobStateFields{
			EndTime:      &now,
			ExitCode:     &exitCode,
			ErrorMessage: &errMsg,
		}); err != nil {
			return repaired, err
		}

		alloc, err := c.store.GetAllocation(ctx, job.ID)
		if err == nil && alloc.Status != types.AllocationReleased {
			if err := c.store.UpdateAllocationStatus(ctx, job.ID, types.AllocationReleased, store.AllocationStateFields{
				ReleasedTime: &now,
			}); err != nil {
				return repaired, err
			}
			if alloc.Status == types.AllocationAllocated {
				if err := c.resources.Release(ctx, alloc.AllocatedCPUs); err != nil {
					return repaired, err
				}
			}
		}
		repaired++
	}
	return repaired, nil
}

// OldJobCleanup hard-deletes terminal jobs past their retention horizon.
// Disabled by default (spec.md §4.5) — callers must opt in by constructing
// it and adding it to the strategy slice.
type OldJobCleanup struct {
	baseStrategy
	store   store.Store
	horizon time.Duration
}

// NewOldJobCleanup builds the prio-4, 24h default strategy with the spec's
// 30-day retention horizon.
func NewOldJobCleanup(st store.Store) *OldJobCleanup {
	return &OldJobCleanup{
		baseStrategy: baseStrategy{
			name:        "OldJobCleanup",
			description: "hard-deletes terminal jobs past the retention horizon",
			interval:    24 * time.Hour,
			priority:    4,
		},
		store:   st,
		horizon: 30 * 24 * time.Hour,
	}
}

func (c *OldJobCleanup) DoCleanup(ctx context.Context) (int, error) {
	old, err := c.store.ListOldTerminalJobs(ctx, time.Now().Add(-c.horizon))
	if err != nil {
		return 0, err
	}
	for _, job := range old {
		if err := c.store.DeleteJob(ctx, job.ID); err != nil {
			return 0, err
		}
	}
	return len(old), nil
}
