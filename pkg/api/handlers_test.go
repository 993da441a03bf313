package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/conductor/pkg/store"
	"github.com/cuemby/conductor/pkg/types"
)

var errNotFound = errors.New("not found")

type fakeStore struct {
	jobs   map[int64]*types.Job
	allocs map[int64]*types.ResourceAllocation
	nextID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[int64]*types.Job{}, allocs: map[int64]*types.ResourceAllocation{}}
}

func (f *fakeStore) CreateJob(ctx context.Context, job *types.Job) (int64, error) {
	f.nextID++
	job.ID = f.nextID
	f.jobs[job.ID] = job
	return job.ID, nil
}
func (f *fakeStore) GetJob(ctx context.Context, id int64) (*types.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, errNotFound
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
	if fields.StartTime != nil {
		j.StartTime = fields.StartTime
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
		return nil, errNotFound
	}
	return a, nil
}
func (f *fakeStore) UpdateAllocationStatus(ctx context.Context, jobID int64, status types.AllocationStatus, fields store.AllocationStateFields) error {
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

func TestSubmit_CreatesPendingJob(t *testing.T) {
	st := newFakeStore()
	srv := New(st)

	body := `{"job":{"name":"test","ntasks_per_node":1,"cpus_per_task":2,"time_limit":"10"},"script":"exit 0"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/submit", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "1", resp.JobID)
	require.Equal(t, types.JobPending, st.jobs[1].State)
	require.Equal(t, 10, st.jobs[1].Resources.TimeLimitMinutes)
}

func TestSubmit_RejectsMissingScript(t *testing.T) {
	st := newFakeStore()
	srv := New(st)

	body := `{"job":{"name":"test","ntasks_per_node":1,"cpus_per_task":1},"script":""}`
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/submit", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuery_ReturnsJobEnvelope(t *testing.T) {
	st := newFakeStore()
	now := time.Now().UTC()
	st.jobs[1] = &types.Job{
		ID: 1, Name: "test", State: types.JobRunning,
		SubmitTime: now, StartTime: &now,
		Resources: &types.ResourceRequest{TasksPerNode: 1, CPUsPerTask: 2, TimeLimitMinutes: 90},
	}
	srv := New(st)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/query/1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp queryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "RUNNING", resp.State)
	require.Equal(t, "1:30:00", resp.LimitTime)
}

func TestQuery_UnknownJobReturns404(t *testing.T) {
	srv := New(newFakeStore())
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/query/999", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancel_IsIdempotentOnTerminalJob(t *testing.T) {
	st := newFakeStore()
	st.jobs[1] = &types.Job{ID: 1, State: types.JobCompleted}
	srv := New(st)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/cancel/1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp cancelResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "取消成功", resp.Msg)
	require.Equal(t, types.JobCompleted, st.jobs[1].State)
}

func TestCancel_MarksPendingJobCancelled(t *testing.T) {
	st := newFakeStore()
	st.jobs[1] = &types.Job{ID: 1, State: types.JobPending}
	srv := New(st)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/cancel/1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, types.JobCancelled, st.jobs[1].State)
}
