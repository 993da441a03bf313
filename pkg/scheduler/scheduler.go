// Package scheduler implements the FIFO-plus-first-fit main loop: every
// tick it reads available capacity, walks PENDING jobs oldest-first, and
// reserves resources for every job that currently fits, grounded on the
// teacher's pkg/scheduler ticker-driven run/schedule loop but generalized
// from container placement to job-resource reservation.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/conductor/pkg/cleanup"
	"github.com/cuemby/conductor/pkg/kv"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/resources"
	"github.com/cuemby/conductor/pkg/store"
	"github.com/cuemby/conductor/pkg/types"
)

// defaultQueueName is the Redis list spec.md §6 dispatches work on.
const defaultQueueName = "queue:dispatch"

// Scheduler drives the periodic reservation cycle and ticks the cleanup
// engine alongside it, mirroring the teacher's single ticker loop owning
// both scheduling and reconciliation.
type Scheduler struct {
	store     store.Store
	kv        kv.Store
	resources *resources.Model
	cleanup   *cleanup.Manager
	queueName string
	interval  time.Duration

	mu     sync.Mutex
	stopCh chan struct{}
	logger zerolog.Logger
}

// Config carries the constructor's tunables.
type Config struct {
	QueueName string
	Interval  time.Duration
}

// New builds a Scheduler. An empty QueueName defaults to "queue:dispatch";
// a zero Interval defaults to one second.
func New(st store.Store, kvStore kv.Store, rm *resources.Model, cm *cleanup.Manager, cfg Config) *Scheduler {
	queueName := cfg.QueueName
	if queueName == "" {
		queueName = defaultQueueName
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		store:     st,
		kv:        kvStore,
		resources: rm,
		cleanup:   cm,
		queueName: queueName,
		interval:  interval,
		logger:    log.WithComponent("scheduler"),
	}
}

// Start runs the scheduling loop until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info().Dur("interval", s.interval).Msg("scheduler starting")
	if _, err := s.resources.SyncFromDB(ctx); err != nil {
		s.logger.Error().Err(err).Msg("initial allocated-cpu cache resync failed")
	}
	s.run(ctx)
}

// Stop signals the running loop to exit at the next tick boundary.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		close(s.stopCh)
	}
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cleanup.Tick(ctx)
			if err := s.schedule(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scheduling cycle failed")
			}
		}
	}
}

// schedule is one reservation cycle: compute available capacity, then walk
// PENDING jobs in submit order, reserving for every job that fits and
// skipping (not blocking on) anything too large for current capacity, per
// spec.md §4.3's first-fit-not-head-of-line-blocking rule.
func (s *Scheduler) schedule(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulerTickDuration)

	available, err := s.resources.AvailableCPUs(ctx)
	if err != nil {
		return fmt.Errorf("computing available cpus: %w", err)
	}
	if available <= 0 {
		return nil
	}

	pending, err := s.store.ListPendingJobs(ctx)
	if err != nil {
		return fmt.Errorf("listing pending jobs: %w", err)
	}

	for _, job := range pending {
		need := job.Resources.TotalCPUs()
		if need <= 0 || need > available {
			continue
		}
		if err := s.reserve(ctx, job, need); err != nil {
			s.logger.Error().Err(err).Int64("job_id", job.ID).Msg("failed to reserve job")
			continue
		}
		available -= need
		if available <= 0 {
			break
		}
	}
	return nil
}

// reserve transitions one job PENDING->RUNNING, writes its RESERVED
// allocation row, and enqueues a dispatch token — spec.md §4.3's single
// reservation unit of work. It deliberately does not touch the CPU cache:
// the cache counts only ALLOCATED capacity, never RESERVED. schedule's local
// available counter accounts for reservations made within the same tick;
// the executor's promote step is what bumps the shared cache, once a
// reservation actually becomes an ALLOCATED allocation.
func (s *Scheduler) reserve(ctx context.Context, job *types.Job, cpus int) error {
	timer := metrics.NewTimer()
	now := time.Now().UTC()
	if err := s.store.UpdateJobState(ctx, job.ID, types.JobRunning, store.JobStateFields{
		StartTime: &now,
	}); err != nil {
		return fmt.Errorf("transitioning job to running: %w", err)
	}

	if err := s.store.CreateAllocation(ctx, &types.ResourceAllocation{
		JobID:          job.ID,
		AllocatedCPUs:  cpus,
		AllocationTime: now,
		Status:         types.AllocationReserved,
	}); err != nil {
		return fmt.Errorf("creating allocation: %w", err)
	}

	token := dispatchToken(job.ID)
	if err := s.kv.LPush(ctx, s.queueName, token); err != nil {
		return fmt.Errorf("enqueuing dispatch token: %w", err)
	}

	timer.ObserveDuration(metrics.SchedulingLatency)
	metrics.JobsScheduled.Inc()
	s.logger.Info().Int64("job_id", job.ID).Int("cpus", cpus).Msg("job reserved and dispatched")
	return nil
}

func dispatchToken(jobID int64) string {
	return fmt.Sprintf("%d:%d", time.Now().UnixNano(), jobID)
}
