package executor

import (
	"context"
	"os"
	"path/filepath"
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

// fakeStore is a minimal in-memory store.Store double covering the paths
// Executor exercises; it is not a general-purpose fake for every package.
type fakeStore struct {
	jobs   map[int64]*types.Job
	allocs map[int64]*types.ResourceAllocation
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[int64]*types.Job{}, allocs: map[int64]*types.ResourceAllocation{}}
}

func (f *fakeStore) CreateJob(ctx context.Context, job *types.Job) (int64, error) {
	f.jobs[job.ID] = job
	return job.ID, nil
}
func (f *fakeStore) GetJob(ctx context.Context, id int64) (*types.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, os.ErrNotExist
	}
	return j, nil
}
func (f *fakeStore) ListPendingJobs(ctx context.Context) ([]*types.Job, error) { return nil, nil }
func (f *fakeStore) UpdateJobState(ctx context.Context, id int64, state types.JobState, fields store.JobStateFields) error {
	j := f.jobs[id]
	j.State = state
	if fields.ExitCode != nil {
		j.ExitCode = *fields.ExitCode
	}
	if fields.ErrorMessage != nil {
		j.ErrorMessage = *fields.ErrorMessage
	}
	if fields.EndTime != nil {
		j.EndTime = fields.EndTime
	}
	return nil
}
func (f *fakeStore) DeleteJob(ctx context.Context, id int64) error { delete(f.jobs, id); return nil }

func (f *fakeStore) CreateAllocation(ctx context.Context, alloc *types.ResourceAllocation) error {
	f.allocs[alloc.JobID] = alloc
	return nil
}
func (f *fakeStore) GetAllocation(ctx context.Context, jobID int64) (*types.ResourceAllocation, error) {
	a, ok := f.allocs[jobID]
	if !ok {
		return nil, os.ErrNotExist
	}
	return a, nil
}
func (f *fakeStore) UpdateAllocationStatus(ctx context.Context, jobID int64, status types.AllocationStatus, fields store.AllocationStateFields) error {
	a := f.allocs[jobID]
	a.Status = status
	if fields.ProcessID != nil {
		a.ProcessID = fields.ProcessID
	}
	if fields.ReleasedTime != nil {
		a.ReleasedTime = fields.ReleasedTime
	}
	return nil
}
func (f *fakeStore) SumAllocatedCPUs(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeStore) ListAllocationsByStatus(ctx context.Context, status types.AllocationStatus) ([]*types.ResourceAllocation, error) {
	return nil, nil
}
func (f *fakeStore) ListStaleReservations(ctx context.Context, olderThan time.Time) ([]*types.ResourceAllocation, error) {
	return nil, nil
}
func (f *fakeStore) ListRunningJobs(ctx context.Context) ([]*types.Job, error) { return nil, nil }
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

func TestExecutor_RunsScriptToCompletion(t *testing.T) {
	kvStore := newTestKV(t)
	st := newFakeStore()
	rm := resources.New(kvStore, st, fakeWorkers{total: 4}, 4)

	workBase := t.TempDir()
	scriptDir := t.TempDir()

	job := &types.Job{
		ID:         1,
		Script:     "#!/bin/sh\necho hello\nexit 0\n",
		Resources:  &types.ResourceRequest{TasksPerNode: 1, CPUsPerTask: 1},
		State:      types.JobRunning,
		SubmitTime: time.Now(),
	}
	st.jobs[job.ID] = job
	st.allocs[job.ID] = &types.ResourceAllocation{
		JobID:         job.ID,
		AllocatedCPUs: 1,
		Status:        types.AllocationReserved,
	}

	exec := New(st, kvStore, rm, "test-node", scriptDir, workBase)
	err := exec.Execute(context.Background(), job.ID)
	require.NoError(t, err)

	require.Equal(t, types.JobCompleted, job.State)
	require.Equal(t, types.AllocationReleased, st.allocs[job.ID].Status)

	out, err := os.ReadFile(filepath.Join(workBase, "job_1", "stdout.log"))
	require.NoError(t, err)
	require.Contains(t, string(out), "hello")
}

func TestExecutor_NonZeroExitMarksFailed(t *testing.T) {
	kvStore := newTestKV(t)
	st := newFakeStore()
	rm := resources.New(kvStore, st, fakeWorkers{total: 4}, 4)

	job := &types.Job{
		ID:        2,
		Script:    "#!/bin/sh\nexit 7\n",
		Resources: &types.ResourceRequest{TasksPerNode: 1, CPUsPerTask: 1},
		State:     types.JobRunning,
	}
	st.jobs[job.ID] = job
	st.allocs[job.ID] = &types.ResourceAllocation{JobID: job.ID, AllocatedCPUs: 1, Status: types.AllocationReserved}

	exec := New(st, kvStore, rm, "test-node", t.TempDir(), t.TempDir())
	err := exec.Execute(context.Background(), job.ID)
	require.NoError(t, err)

	require.Equal(t, types.JobFailed, job.State)
	require.Equal(t, "7:0", job.ExitCode)
}

func TestExecutor_DoesNotOverwriteCancelledJob(t *testing.T) {
	kvStore := newTestKV(t)
	st := newFakeStore()
	rm := resources.New(kvStore, st, fakeWorkers{total: 4}, 4)

	job := &types.Job{
		ID:        4,
		Script:    "#!/bin/sh\nexit 7\n",
		Resources: &types.ResourceRequest{TasksPerNode: 1, CPUsPerTask: 1},
		State:     types.JobRunning,
	}
	st.jobs[job.ID] = job
	st.allocs[job.ID] = &types.ResourceAllocation{JobID: job.ID, AllocatedCPUs: 1, Status: types.AllocationReserved}

	exec := New(st, kvStore, rm, "test-node", t.TempDir(), t.TempDir())

	// Simulate a cancellation landing between SPAWN and RECORD: by the time
	// the executor's own wait() returns, the job is already CANCELLED.
	jec := &jobExecutionContext{job: job}
	job.State = types.JobCancelled

	exec.record(context.Background(), jec, 7, 0)

	require.Equal(t, types.JobCancelled, job.State)
}

func TestExecutor_SkipsNonRunningJob(t *testing.T) {
	kvStore := newTestKV(t)
	st := newFakeStore()
	rm := resources.New(kvStore, st, fakeWorkers{total: 4}, 4)

	job := &types.Job{ID: 3, State: types.JobCancelled}
	st.jobs[job.ID] = job

	exec := New(st, kvStore, rm, "test-node", t.TempDir(), t.TempDir())
	err := exec.Execute(context.Background(), job.ID)
	require.NoError(t, err)
	require.Nil(t, st.allocs[job.ID])
}

func TestParseDispatchToken(t *testing.T) {
	id, ok := parseDispatchToken("abcd1234:42")
	require.True(t, ok)
	require.Equal(t, int64(42), id)

	_, ok = parseDispatchToken("malformed")
	require.False(t, ok)
}
