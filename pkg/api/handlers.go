// Package api implements the HTTP front-end: submit, query, and cancel over
// three chi routes, grounded on the teacher's server.go request/response
// shape but re-targeted from gRPC unary handlers to chi.HandlerFunc, and on
// original_source/api/services/log_reader.py for the job_log truncation
// rule.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/conductor/pkg/conderrors"
	"github.com/cuemby/conductor/pkg/executor"
	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/store"
	"github.com/cuemby/conductor/pkg/types"
)

// handleSubmit implements POST /v1/jobs/submit.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}

	job, err := jobFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.store.CreateJob(r.Context(), job)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to create job")
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	writeJSON(w, http.StatusCreated, submitResponse{JobID: strconv.FormatInt(id, 10)})
}

// jobFromRequest validates a submitRequest and builds the PENDING Job row
// the API writes; the scheduler, not the API, is responsible for resource
// reservation and dispatch (see DESIGN.md on the API's writes-PENDING-only
// scope).
func jobFromRequest(req submitRequest) (*types.Job, error) {
	if req.Job.Name == "" {
		return nil, conderrors.NewValidationError("job.name", "name is required")
	}
	if req.Job.TasksPerNode <= 0 {
		return nil, conderrors.NewValidationError("job.ntasks_per_node", "must be positive")
	}
	if req.Job.CPUsPerTask <= 0 {
		return nil, conderrors.NewValidationError("job.cpus_per_task", "must be positive")
	}
	if req.Script == "" {
		return nil, conderrors.NewValidationError("script", "script must not be empty")
	}

	limitMinutes, unlimited, err := parseTimeLimit(req.Job.TimeLimit)
	if err != nil {
		return nil, conderrors.NewValidationError("job.time_limit", err.Error())
	}
	if unlimited {
		limitMinutes = 0
	}

	now := time.Now().UTC()
	return &types.Job{
		Account:          req.Job.Account,
		Name:             req.Job.Name,
		Partition:        req.Job.Partition,
		Script:           req.Script,
		WorkingDirectory: req.Job.WorkingDirectory,
		StdoutPath:       req.Job.StdoutPath,
		StderrPath:       req.Job.StderrPath,
		Environment:      req.Job.Environment,
		Resources: &types.ResourceRequest{
			TasksPerNode:     req.Job.TasksPerNode,
			CPUsPerTask:      req.Job.CPUsPerTask,
			MemoryPerNode:    req.Job.MemoryPerNode,
			TimeLimitMinutes: limitMinutes,
			Exclusive:        req.Job.Exclusive,
		},
		State:        types.JobPending,
		SubmitTime:   now,
		EligibleTime: now,
	}, nil
}

// handleQuery implements GET /v1/jobs/query/{id}.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, conderrors.NewNotFoundError("job", chi.URLParam(r, "id")).Error())
		return
	}

	alloc, _ := s.store.GetAllocation(r.Context(), id)

	resp := queryResponse{
		ID:          strconv.FormatInt(job.ID, 10),
		State:       string(job.State),
		SubmitTime:  job.SubmitTime.Format(time.RFC3339),
		LimitTime:   formatLimitTime(job.Resources.TimeLimitMinutes),
		ElapsedTime: elapsedFor(job),
		JobLog:      jobLogFor(job),
		Detail: jobDetail{
			Name:             job.Name,
			Account:          job.Account,
			Partition:        job.Partition,
			ExitCode:         job.ExitCode,
			WorkingDirectory: job.WorkingDirectory,
			NodeList:         job.AllocatedNodeList,
			DataSource:       "postgres",
		},
	}
	if job.StartTime != nil {
		resp.StartTime = job.StartTime.Format(time.RFC3339)
	}
	if job.EndTime != nil {
		resp.EndTime = job.EndTime.Format(time.RFC3339)
	}
	if alloc != nil {
		resp.Detail.AllocatedCPUs = alloc.AllocatedCPUs
	}

	writeJSON(w, http.StatusOK, resp)
}

func elapsedFor(job *types.Job) string {
	if job.StartTime == nil {
		return "0-00:00:00"
	}
	reference := time.Now().UTC()
	if job.EndTime != nil {
		reference = *job.EndTime
	}
	return formatElapsed(*job.StartTime, reference)
}

func jobLogFor(job *types.Job) jobLog {
	if job.WorkingDirectory == "" {
		return jobLog{}
	}
	stdoutPath := job.StdoutPath
	if stdoutPath == "" {
		stdoutPath = "stdout.log"
	}
	stderrPath := job.StderrPath
	if stderrPath == "" {
		stderrPath = "stderr.log"
	}
	return jobLog{
		Stdout: readJobLog(filepath.Join(job.WorkingDirectory, stdoutPath)),
		Stderr: readJobLog(filepath.Join(job.WorkingDirectory, stderrPath)),
	}
}

// handleCancel implements POST /v1/jobs/cancel/{id}. Cancel is idempotent:
// a terminal job is a no-op that still returns success (spec.md §6/§8).
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, conderrors.NewNotFoundError("job", chi.URLParam(r, "id")).Error())
		return
	}

	if err := s.cancel(r.Context(), job); err != nil {
		var illegal *conderrors.IllegalStateError
		if errors.As(err, &illegal) {
			// Already terminal: idempotent no-op, still reports success.
			writeJSON(w, http.StatusOK, cancelResponse{Msg: "取消成功"})
			return
		}
		s.logger.Error().Err(err).Int64("job_id", id).Msg("cancel failed")
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	metrics.JobsCancelled.Inc()
	writeJSON(w, http.StatusOK, cancelResponse{Msg: "取消成功"})
}

// cancel marks job CANCELLED and, if it is currently RUNNING with a live
// allocation, signals its process group. A RESERVED-but-not-ALLOCATED job is
// simply marked CANCELLED; the executor's LOAD step then skips it as not
// RUNNING, and CompletedJobCleanup later releases the RESERVED allocation.
func (s *Server) cancel(ctx context.Context, job *types.Job) error {
	if job.State.Terminal() {
		return conderrors.NewIllegalStateError("job", string(job.State), "already terminal")
	}

	if job.State == types.JobRunning {
		alloc, err := s.store.GetAllocation(ctx, job.ID)
		if err == nil && alloc.ProcessID != nil {
			_ = executor.SignalProcessGroup(*alloc.ProcessID, syscall.SIGTERM)
		}
	}

	now := time.Now().UTC()
	exitCode := "-1:15"
	errMsg := "cancelled by user request"
	return s.store.UpdateJobState(ctx, job.ID, types.JobCancelled, store.JobStateFields{
		EndTime:      &now,
		ExitCode:     &exitCode,
		ErrorMessage: &errMsg,
	})
}

func parseJobID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, conderrors.NewValidationError("id", "job id must be numeric")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
