package recovery

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/conductor/pkg/kv"
	"github.com/cuemby/conductor/pkg/resources"
	"github.com/cuemby/conductor/pkg/store"
	"github.com/cuemby/conductor/pkg/types"
)

func TestDispatchTokenDeterministic(t *testing.T) {
	a := dispatchToken(42)
	b := dispatchToken(42)
	require.Equal(t, a, b)
	require.NotEqual(t, a, dispatchToken(43))
}

func TestProcessAliveSelf(t *testing.T) {
	require.True(t, processAlive(os.Getpid()))
}

func TestProcessAliveUnusedPID(t *testing.T) {
	// PID 1 exists on any real host but is never this test process;
	// a very large, almost certainly unused PID should report not-alive.
	require.False(t, processAlive(999999))
}

// fakeStore is a minimal in-memory store.Store double covering the paths
// the recovery pipeline exercises.
type fakeStore struct {
	running []*types.Job
	allocs  map[int64]*types.ResourceAllocation
	states  map[int64]types.JobState
}

func newFakeStore() *fakeStore {
	return &fakeStore{allocs: map[int64]*types.ResourceAllocation{}, states: map[int64]types.JobState{}}
}

func (f *fakeStore) CreateJob(ctx context.Context, job *types.Job) (int64, error) { return 0, nil }
func (f *fakeStore) GetJob(ctx context.Context, id int64) (*types.Job, error)     { return nil, nil }
func (f *fakeStore) ListPendingJobs(ctx context.Context) ([]*types.Job, error)    { return nil, nil }
func (f *fakeStore) UpdateJobState(ctx context.Context, id int64, state types.JobState, fields store.JobStateFields) error {
	f.states[id] = state
	return nil
}
func (f *fakeStore) DeleteJob(ctx context.Context, id int64) error { return nil }

func (f *fakeStore) CreateAllocation(ctx context.Context, alloc *types.ResourceAllocation) error {
	f.allocs[alloc.JobID] = alloc
	return nil
}
func (f *fakeStore) GetAllocation(ctx context.Context, jobID int64) (*types.ResourceAllocation, error) {
	return f.allocs[jobID], nil
}
func (f *fakeStore) UpdateAllocationStatus(ctx context.Context, jobID int64, status types.AllocationStatus, fields store.AllocationStateFields) error {
	f.allocs[jobID].Status = status
	return nil
}
func (f *fakeStore) SumAllocatedCPUs(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeStore) ListAllocationsByStatus(ctx context.Context, status types.AllocationStatus) ([]*types.ResourceAllocation, error) {
	return nil, nil
}
func (f *fakeStore) ListStaleReservations(ctx context.Context, olderThan time.Time) ([]*types.ResourceAllocation, error) {
	return nil, nil
}
func (f *fakeStore) ListRunningJobs(ctx context.Context) ([]*types.Job, error) { return f.running, nil }
func (f *fakeStore) ListStuckRunningJobs(ctx context.Context, startedBefore time.Time) ([]*types.Job, error) {
	return nil, nil
}
func (f *fakeStore) ListOldTerminalJobs(ctx context.Context, endedBefore time.Time) ([]*types.Job, error) {
	return nil, nil
}
func (f *fakeStore) CountJobsByState(ctx context.Context) (map[types.JobState]int, error) {
	return nil, nil
}
func (f *fakeStore) Close() error { return nil }

type fakeWorkers struct{ total int }

func (f fakeWorkers) TotalCPUs(ctx context.Context) (int, error) { return f.total, nil }

func newTestKV(t *testing.T) kv.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return kv.NewRedisStoreFromClient(client)
}

func TestOrphanJobRecovery_ReleasesAllocatedCache(t *testing.T) {
	ctx := context.Background()
	kvStore := newTestKV(t)
	st := newFakeStore()
	rm := resources.New(kvStore, st, fakeWorkers{total: 4}, 4)
	require.NoError(t, rm.Allocate(ctx, 2))

	job := &types.Job{ID: 1, State: types.JobRunning}
	st.running = []*types.Job{job}
	pid := 999999 // unused PID: processAlive must report false
	st.allocs[job.ID] = &types.ResourceAllocation{JobID: job.ID, AllocatedCPUs: 2, Status: types.AllocationAllocated, ProcessID: &pid}

	p := New(st, kvStore, rm, "queue:dispatch", 0, 0, 48*time.Hour)
	repaired, err := p.orphanJobRecovery(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, repaired)

	require.Equal(t, types.JobFailed, st.states[job.ID])
	require.Equal(t, types.AllocationReleased, st.allocs[job.ID].Status)

	allocated, err := rm.AllocatedCPUs(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, allocated)
}

func TestOrphanJobRecovery_ReservedAllocationDoesNotTouchCache(t *testing.T) {
	ctx := context.Background()
	kvStore := newTestKV(t)
	st := newFakeStore()
	rm := resources.New(kvStore, st, fakeWorkers{total: 4}, 4)

	job := &types.Job{ID: 2, State: types.JobRunning}
	st.running = []*types.Job{job}
	pid := 999999
	st.allocs[job.ID] = &types.ResourceAllocation{JobID: job.ID, AllocatedCPUs: 2, Status: types.AllocationReserved, ProcessID: &pid}

	p := New(st, kvStore, rm, "queue:dispatch", 0, 0, 48*time.Hour)
	repaired, err := p.orphanJobRecovery(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, repaired)

	allocated, err := rm.AllocatedCPUs(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, allocated)
}
