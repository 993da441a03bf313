// Package registry maintains the live-worker set backing the scheduler's
// capacity view, grounded on the teacher's pkg/worker heartbeatLoop/
// sendHeartbeat pair, re-expressed against the Redis K/V contract instead of
// a gRPC heartbeat RPC.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/conductor/pkg/kv"
	"github.com/cuemby/conductor/pkg/types"
)

const workerKeyPrefix = "worker:"

func workerKey(id string) string { return workerKeyPrefix + id }

// Registry reads and writes Worker records in the shared K/V store.
type Registry struct {
	kv                kv.Store
	heartbeatInterval time.Duration
}

// New builds a Registry. heartbeatInterval determines the TTL (2x interval)
// applied on every Register/Heartbeat call.
func New(kvStore kv.Store, heartbeatInterval time.Duration) *Registry {
	return &Registry{kv: kvStore, heartbeatInterval: heartbeatInterval}
}

func (r *Registry) ttl() time.Duration {
	return 2 * r.heartbeatInterval
}

// Register writes a worker's initial record with a fresh TTL.
func (r *Registry) Register(ctx context.Context, w *types.Worker) error {
	w.RegisteredAt = time.Now().UTC()
	w.LastHeartbeat = w.RegisteredAt
	return r.write(ctx, w)
}

// Heartbeat refreshes a worker's TTL and last_heartbeat timestamp.
func (r *Registry) Heartbeat(ctx context.Context, workerID string) error {
	w, err := r.Get(ctx, workerID)
	if err != nil {
		return err
	}
	w.LastHeartbeat = time.Now().UTC()
	return r.write(ctx, w)
}

// UpdateStatus changes a worker's advertised status (ready/busy/stopping).
// No other field changes, but the rewrite also refreshes the record's TTL.
func (r *Registry) UpdateStatus(ctx context.Context, workerID string, status types.WorkerStatus) error {
	w, err := r.Get(ctx, workerID)
	if err != nil {
		return err
	}
	w.Status = status
	return r.write(ctx, w)
}

// Unregister deletes a worker's key on graceful shutdown.
func (r *Registry) Unregister(ctx context.Context, workerID string) error {
	return r.kv.Delete(ctx, workerKey(workerID))
}

func (r *Registry) write(ctx context.Context, w *types.Worker) error {
	fields := map[string]string{
		"worker_id":      w.WorkerID,
		"cpus":           fmt.Sprint(w.CPUs),
		"hostname":       w.Hostname,
		"status":         string(w.Status),
		"registered_at":  w.RegisteredAt.Format(time.RFC3339),
		"last_heartbeat": w.LastHeartbeat.Format(time.RFC3339),
	}
	if err := r.kv.HSet(ctx, workerKey(w.WorkerID), fields); err != nil {
		return fmt.Errorf("writing worker record: %w", err)
	}
	if err := r.kv.Expire(ctx, workerKey(w.WorkerID), r.ttl()); err != nil {
		return fmt.Errorf("refreshing worker TTL: %w", err)
	}
	return nil
}

// Get fetches a single worker's record. A worker is "alive" iff its key
// exists; an expired/absent key surfaces as an error from the caller's
// perspective (callers that only need liveness should use ListLive).
func (r *Registry) Get(ctx context.Context, workerID string) (*types.Worker, error) {
	fields, err := r.kv.HGetAll(ctx, workerKey(workerID))
	if err != nil {
		return nil, fmt.Errorf("reading worker record: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("worker %s not registered or TTL expired", workerID)
	}
	return fieldsToWorker(fields)
}

// ListLive returns every worker with a live (non-expired) registry key.
func (r *Registry) ListLive(ctx context.Context) ([]*types.Worker, error) {
	keys, err := r.kv.KeysByPrefix(ctx, workerKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing worker keys: %w", err)
	}

	workers := make([]*types.Worker, 0, len(keys))
	for _, key := range keys {
		fields, err := r.kv.HGetAll(ctx, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		w, err := fieldsToWorker(fields)
		if err != nil {
			continue
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// TotalCPUs sums cpus over all live workers; satisfies
// resources.WorkerLister.
func (r *Registry) TotalCPUs(ctx context.Context) (int, error) {
	workers, err := r.ListLive(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, w := range workers {
		total += w.CPUs
	}
	return total, nil
}

func fieldsToWorker(fields map[string]string) (*types.Worker, error) {
	w := &types.Worker{
		WorkerID: fields["worker_id"],
		Hostname: fields["hostname"],
		Status:   types.WorkerStatus(fields["status"]),
	}
	if _, err := fmt.Sscanf(fields["cpus"], "%d", &w.CPUs); err != nil {
		return nil, fmt.Errorf("parsing worker cpus: %w", err)
	}
	if t, err := time.Parse(time.RFC3339, fields["registered_at"]); err == nil {
		w.RegisteredAt = t
	}
	if t, err := time.Parse(time.RFC3339, fields["last_heartbeat"]); err == nil {
		w.LastHeartbeat = t
	}
	return w, nil
}
