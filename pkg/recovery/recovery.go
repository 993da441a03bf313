// Package recovery implements worker startup recovery: an ordered pipeline
// run once when an executor boots, distinct from the periodic cleanup
// engine in pkg/cleanup. Supplemented from original_source/worker/recovery*
// (the distilled spec.md names these strategies only as a bullet list).
package recovery

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/conductor/pkg/kv"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/resources"
	"github.com/cuemby/conductor/pkg/store"
	"github.com/cuemby/conductor/pkg/types"
)

// Pipeline runs the four recovery strategies in the fixed order spec.md
// §4.5 names, against one worker's view of durable state.
type Pipeline struct {
	store     store.Store
	kv        kv.Store
	resources *resources.Model
	queueName string
	resultTTL time.Duration
	timeout   time.Duration // max-runtime for TimeoutJobRecovery
	horizon   time.Duration // StaleAllocationCleanup horizon (48h default)
	logger    zerolog.Logger
}

// New builds a recovery Pipeline. timeout is the configured max-runtime used
// by TimeoutJobRecovery; horizon is StaleAllocationCleanup's window. rm is
// used to release cache capacity held by an ALLOCATED allocation the
// pipeline fails out from under a crashed or stuck job, mirroring
// pkg/cleanup's StuckJobCleanup.
func New(st store.Store, kvStore kv.Store, rm *resources.Model, queueName string, resultTTL, timeout, horizon time.Duration) *Pipeline {
	return &Pipeline{
		store:     st,
		kv:        kvStore,
		resources: rm,
		queueName: queueName,
		resultTTL: resultTTL,
		timeout:   timeout,
		horizon:   horizon,
		logger:    log.WithComponent("recovery"),
	}
}

// Run executes the full pipeline once, logging a summary of what it
// repaired. It is invoked on every worker process boot.
func (p *Pipeline) Run(ctx context.Context) error {
	pending, err := p.pendingJobRecovery(ctx)
	if err != nil {
		return fmt.Errorf("pending job recovery: %w", err)
	}
	orphaned, err := p.orphanJobRecovery(ctx)
	if err != nil {
		return fmt.Errorf("orphan job recovery: %w", err)
	}
	timedOut, err := p.timeoutJobRecovery(ctx)
	if err != nil {
		return fmt.Errorf("timeout job recovery: %w", err)
	}
	released, err := p.staleAllocationCleanup(ctx)
	if err != nil {
		return fmt.Errorf("stale allocation cleanup: %w", err)
	}

	p.logger.Info().
		Int("pending_requeued", pending).
		Int("orphans_failed", orphaned).
		Int("timeouts_failed", timedOut).
		Int("stale_released", released).
		Msg("startup recovery complete")
	return nil
}

// pendingJobRecovery pushes a dispatch token for every PENDING job. The
// token id is deterministic per job, but the queue is a plain Redis list, so
// every run pushes another copy; extra copies are harmless only because the
// executor's LOAD step ignores any token whose job is not RUNNING.
func (p *Pipeline) pendingJobRecovery(ctx context.Context) (int, error) {
	pending, err := p.store.ListPendingJobs(ctx)
	if err != nil {
		return 0, err
	}
	for _, job := range pending {
		token := dispatchToken(job.ID)
		if err := p.kv.LPush(ctx, p.queueName, token); err != nil {
			return 0, err
		}
	}
	return len(pending), nil
}

// orphanJobRecovery fails RUNNING jobs whose recorded PID no longer exists
// on this host.
func (p *Pipeline) orphanJobRecovery(ctx context.Context) (int, error) {
	running, err := p.store.ListRunningJobs(ctx)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, job := range running {
		alloc, err := p.store.GetAllocation(ctx, job.ID)
		if err != nil || alloc.ProcessID == nil {
			continue
		}
		if processAlive(*alloc.ProcessID) {
			continue
		}
		if err := p.failAndRelease(ctx, job.ID, alloc, "-999:0", "worker crash detected on recovery: process no longer exists"); err != nil {
			return repaired, err
		}
		repaired++
	}
	return repaired, nil
}

// timeoutJobRecovery fails RUNNING jobs that exceed the configured
// max-runtime, independent of whether their process is still alive.
func (p *Pipeline) timeoutJobRecovery(ctx context.Context) (int, error) {
	if p.timeout <= 0 {
		return 0, nil
	}
	running, err := p.store.ListStuckRunningJobs(ctx, time.Now().Add(-p.timeout))
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, job := range running {
		alloc, err := p.store.GetAllocation(ctx, job.ID)
		if err != nil {
			continue
		}
		if err := p.failAndRelease(ctx, job.ID, alloc, "-998:0", "job exceeded configured max-runtime, recovered at worker startup"); err != nil {
			return repaired, err
		}
		repaired++
	}
	return repaired, nil
}

// staleAllocationCleanup mirrors the periodic StaleReservationCleanup with a
// longer horizon (48h default), catching reservations the periodic engine
// might have missed across a worker restart.
func (p *Pipeline) staleAllocationCleanup(ctx context.Context) (int, error) {
	stale, err := p.store.ListStaleReservations(ctx, time.Now().Add(-p.horizon))
	if err != nil {
		return 0, err
	}
	for _, alloc := range stale {
		now := time.Now().UTC()
		errMsg := "reservation timed out, recovered at worker startup"
		exitCode := "-3:0"
		if err := p.store.UpdateJobState(ctx, alloc.JobID, types.JobFailed, store.JobStateFields{
			EndTime:      &now,
			ExitCode:     &exitCode,
			ErrorMessage: &errMsg,
		}); err != nil {
			return 0, err
		}
		wasAllocated := alloc.Status == types.AllocationAllocated
		if err := p.store.UpdateAllocationStatus(ctx, alloc.JobID, types.AllocationReleased, store.AllocationStateFields{
			ReleasedTime: &now,
		}); err != nil {
			return 0, err
		}
		if wasAllocated {
			if err := p.resources.Release(ctx, alloc.AllocatedCPUs); err != nil {
				return 0, err
			}
		}
	}
	return len(stale), nil
}

// failAndRelease marks a job FAILED and its allocation RELEASED, decrementing
// the CPU cache when the allocation had been promoted to ALLOCATED — these
// jobs were RUNNING, so an ALLOCATED allocation is cache-counted and must be
// given back, the same rule pkg/cleanup's StuckJobCleanup applies.
func (p *Pipeline) failAndRelease(ctx context.Context, jobID int64, alloc *types.ResourceAllocation, exitCode, errMsg string) error {
	now := time.Now().UTC()
	code := exitCode
	msg := errMsg
	if err := p.store.UpdateJobState(ctx, jobID, types.JobFailed, store.JobStateFields{
		EndTime:      &now,
		ExitCode:     &code,
		ErrorMessage: &msg,
	}); err != nil {
		return err
	}
	if alloc.Status == types.AllocationReleased {
		return nil
	}
	wasAllocated := alloc.Status == types.AllocationAllocated
	if err := p.store.UpdateAllocationStatus(ctx, jobID, types.AllocationReleased, store.AllocationStateFields{
		ReleasedTime: &now,
	}); err != nil {
		return err
	}
	if wasAllocated {
		return p.resources.Release(ctx, alloc.AllocatedCPUs)
	}
	return nil
}

// processAlive reports whether pid refers to a live process on this host,
// using signal 0 (no-op, existence check only).
func processAlive(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

// dispatchToken derives a deterministic token id for job-id: the same job
// always yields the same string, though LPush does not de-duplicate it.
func dispatchToken(jobID int64) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("execute_job:%d", jobID)))
	return hex.EncodeToString(sum[:8]) + ":" + fmt.Sprint(jobID)
}
