// Package resources implements the resource-accounting model: the
// cached-aggregate-plus-database-of-truth answer to "how many CPUs are
// available right now", grounded on the teacher's manager cache/durable-store
// pairing (pkg/manager wraps a durable storage.Store behind process-local
// state; this package does the same for the allocated-CPU counter).
package resources

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/conductor/pkg/kv"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/metrics"
)

// cacheKey is the K/V counter spec.md §6 names: resource:allocated_cpus.
const cacheKey = "resource:allocated_cpus"

// WorkerLister is satisfied by pkg/registry.Registry; declared here, not
// imported from there, so pkg/resources has no compile-time dependency on
// pkg/registry (resources is built first in the dependency order).
type WorkerLister interface {
	TotalCPUs(ctx context.Context) (int, error)
}

// DBSummer is satisfied by pkg/store.Store; declared locally so tests can
// supply a minimal double instead of a full Store implementation.
type DBSummer interface {
	SumAllocatedCPUs(ctx context.Context) (int, error)
}

// Model answers total/allocated/available CPU questions and mutates the
// allocated-CPU cache on allocate/release.
type Model struct {
	kv           kv.Store
	store        DBSummer
	workers      WorkerLister
	fallbackCPUs int
	logger       zerolog.Logger
}

// New builds a Model. fallbackCPUs is the configured node capacity used when
// no workers are registered (defensive degraded mode per spec.md §4.1).
func New(kvStore kv.Store, st DBSummer, workers WorkerLister, fallbackCPUs int) *Model {
	return &Model{
		kv:           kvStore,
		store:        st,
		workers:      workers,
		fallbackCPUs: fallbackCPUs,
		logger:       log.WithComponent("resources"),
	}
}

// TotalCPUs sums cpus over all live workers, falling back to the configured
// node capacity when no workers are registered.
func (m *Model) TotalCPUs(ctx context.Context) (int, error) {
	total, err := m.workers.TotalCPUs(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing live worker capacity: %w", err)
	}
	if total == 0 {
		return m.fallbackCPUs, nil
	}
	metrics.TotalCPUs.Set(float64(total))
	return total, nil
}

// AllocatedCPUs reads the cache counter; on a miss it recomputes from the
// database and repopulates the cache.
func (m *Model) AllocatedCPUs(ctx context.Context) (int, error) {
	v, err := m.kv.Get(ctx, cacheKey)
	if err == nil {
		if n, parseErr := strconv.Atoi(v); parseErr == nil {
			return n, nil
		}
	}
	return m.SyncFromDB(ctx)
}

// AvailableCPUs returns max(0, total - allocated).
func (m *Model) AvailableCPUs(ctx context.Context) (int, error) {
	total, err := m.TotalCPUs(ctx)
	if err != nil {
		return 0, err
	}
	allocated, err := m.AllocatedCPUs(ctx)
	if err != nil {
		return 0, err
	}
	if allocated > total {
		return 0, nil
	}
	return total - allocated, nil
}

// Allocate bumps the cache counter by n CPUs. This is a cache-only update:
// the caller is responsible for transitioning the allocation row to
// ALLOCATED in the same database transaction.
func (m *Model) Allocate(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	v, err := m.kv.IncrBy(ctx, cacheKey, int64(n))
	if err != nil {
		return fmt.Errorf("incrementing allocated-cpu cache: %w", err)
	}
	metrics.AllocatedCPUs.Set(float64(v))
	return nil
}

// Release decrements the cache counter by n CPUs. Same cache-only contract
// as Allocate.
func (m *Model) Release(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	v, err := m.kv.DecrBy(ctx, cacheKey, int64(n))
	if err != nil {
		return fmt.Errorf("decrementing allocated-cpu cache: %w", err)
	}
	if v < 0 {
		// Never let the cache drift negative; resync instead of trusting a
		// decrement that outran the database.
		m.logger.Warn().Int64("value", v).Msg("allocated-cpu cache went negative, resyncing")
		if _, err := m.SyncFromDB(ctx); err != nil {
			return err
		}
		return nil
	}
	metrics.AllocatedCPUs.Set(float64(v))
	return nil
}

// SyncFromDB recomputes the cache from durable state: Σ allocated_cpus WHERE
// status = ALLOCATED. Invoked on scheduler startup and on detected
// inconsistency.
func (m *Model) SyncFromDB(ctx context.Context) (int, error) {
	sum, err := m.store.SumAllocatedCPUs(ctx)
	if err != nil {
		return 0, fmt.Errorf("resyncing allocated-cpu cache: %w", err)
	}
	if err := m.kv.Set(ctx, cacheKey, strconv.Itoa(sum), 0*time.Second); err != nil {
		return 0, fmt.Errorf("writing resynced cache: %w", err)
	}
	metrics.CacheResyncTotal.Inc()
	metrics.AllocatedCPUs.Set(float64(sum))
	return sum, nil
}
