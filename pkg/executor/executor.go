// Package executor implements the worker side of one dispatch token:
// LOAD, PROMOTE, PREPARE, SPAWN, WAIT, RECORD, RELEASE, grounded on the
// teacher's pkg/worker executeContainer state-machine shape but re-targeted
// from containerd container lifecycle calls to os/exec process-group
// supervision.
package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/conductor/pkg/kv"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/resources"
	"github.com/cuemby/conductor/pkg/store"
	"github.com/cuemby/conductor/pkg/types"
)

// killGrace is how long a process group is given after SIGTERM before the
// executor escalates to SIGKILL (spec.md §4.4/§5).
const killGrace = 5 * time.Second

// Executor runs one dispatched job end-to-end with strict resource
// accounting: every exit path releases what PROMOTE acquired.
type Executor struct {
	store     store.Store
	kv        kv.Store
	resources *resources.Model
	nodeName  string
	scriptDir string
	workBase  string
	logger    zerolog.Logger
}

// New builds an Executor bound to nodeName (recorded on allocations it
// promotes) and the scratch directories spec.md §6 names.
func New(st store.Store, kvStore kv.Store, rm *resources.Model, nodeName, scriptDir, workBase string) *Executor {
	return &Executor{
		store:     st,
		kv:        kvStore,
		resources: rm,
		nodeName:  nodeName,
		scriptDir: scriptDir,
		workBase:  workBase,
		logger:    log.WithComponent("executor"),
	}
}

// jobExecutionContext aggregates everything one Execute invocation owns; it
// is dropped at function exit, guaranteeing process-kill and file-close even
// on a panic or error path (spec.md §9's scoped-acquisition discipline).
type jobExecutionContext struct {
	job       *types.Job
	alloc     *types.ResourceAllocation
	stdout    *os.File
	stderr    *os.File
	cmd       *exec.Cmd
	startedAt time.Time
	logger    zerolog.Logger
}

func (c *jobExecutionContext) close() {
	if c.stdout != nil {
		c.stdout.Close()
	}
	if c.stderr != nil {
		c.stderr.Close()
	}
}

// Execute is the only public entry point, invoked by the queue consumer for
// one dispatch token naming jobID. It is idempotent: a duplicate token for a
// job that already left RUNNING is a no-op.
func (e *Executor) Execute(ctx context.Context, jobID int64) error {
	jec, proceed, err := e.load(ctx, jobID)
	if err != nil || !proceed {
		return err
	}
	defer jec.close()

	if err := e.promote(ctx, jec); err != nil {
		return fmt.Errorf("promoting allocation for job %d: %w", jobID, err)
	}

	if err := e.prepare(ctx, jec); err != nil {
		e.recordFailure(ctx, jec, "-1:0", fmt.Sprintf("prepare failed: %v", err))
		e.release(ctx, jec)
		return err
	}

	if err := e.spawn(jec); err != nil {
		e.recordFailure(ctx, jec, "-1:0", fmt.Sprintf("spawn failed: %v", err))
		e.release(ctx, jec)
		return err
	}

	exitCode, signal := e.wait(ctx, jec)
	e.record(ctx, jec, exitCode, signal)
	e.release(ctx, jec)
	return nil
}

// load reads the Job row; if its state is not RUNNING, the token is stale or
// a duplicate and Execute exits without side effects (spec.md §4.4 step 1).
func (e *Executor) load(ctx context.Context, jobID int64) (*jobExecutionContext, bool, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, false, fmt.Errorf("loading job %d: %w", jobID, err)
	}
	if job.State != types.JobRunning {
		e.logger.Warn().
			Int64("job_id", jobID).
			Str("state", string(job.State)).
			Msg("duplicate or stale dispatch token observed, LOAD is a no-op")
		return nil, false, nil
	}

	alloc, err := e.store.GetAllocation(ctx, jobID)
	if err != nil {
		return nil, false, fmt.Errorf("loading allocation for job %d: %w", jobID, err)
	}
	jobLogger := log.WithJobID(fmt.Sprint(jobID))
	return &jobExecutionContext{job: job, alloc: alloc, logger: jobLogger}, true, nil
}

// promote transitions the allocation RESERVED->ALLOCATED in a single
// statement and increments the CPU cache. If no allocation row exists it
// defensively creates one at ALLOCATED (spec.md §4.4 step 2).
func (e *Executor) promote(ctx context.Context, jec *jobExecutionContext) error {
	if jec.alloc == nil {
		jec.alloc = &types.ResourceAllocation{
			JobID:          jec.job.ID,
			AllocatedCPUs:  jec.job.Resources.TotalCPUs(),
			NodeName:       e.nodeName,
			AllocationTime: time.Now().UTC(),
			Status:         types.AllocationAllocated,
		}
		if err := e.store.CreateAllocation(ctx, jec.alloc); err != nil {
			return err
		}
	} else {
		if err := e.store.UpdateAllocationStatus(ctx, jec.job.ID, types.AllocationAllocated, store.AllocationStateFields{}); err != nil {
			return err
		}
		jec.alloc.Status = types.AllocationAllocated
	}
	return e.resources.Allocate(ctx, jec.alloc.AllocatedCPUs)
}

// prepare writes the scratch script, ensures the working directory exists,
// and opens the stdout/stderr append files (spec.md §4.4 step 3).
func (e *Executor) prepare(ctx context.Context, jec *jobExecutionContext) error {
	if err := os.MkdirAll(e.scriptDir, 0755); err != nil {
		return fmt.Errorf("creating script directory: %w", err)
	}
	scriptPath := filepath.Join(e.scriptDir, fmt.Sprintf("job_%d.sh", jec.job.ID))
	if err := os.WriteFile(scriptPath, []byte(jec.job.Script), 0755); err != nil {
		return fmt.Errorf("writing job script: %w", err)
	}

	workDir := jec.job.WorkingDirectory
	if workDir == "" {
		workDir = filepath.Join(e.workBase, fmt.Sprintf("job_%d", jec.job.ID))
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return fmt.Errorf("creating working directory: %w", err)
	}
	jec.job.WorkingDirectory = workDir

	stdoutPath := jec.job.StdoutPath
	if stdoutPath == "" {
		stdoutPath = "stdout.log"
	}
	stderrPath := jec.job.StderrPath
	if stderrPath == "" {
		stderrPath = "stderr.log"
	}

	stdout, err := os.OpenFile(filepath.Join(workDir, stdoutPath), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening stdout file: %w", err)
	}
	jec.stdout = stdout

	stderr, err := os.OpenFile(filepath.Join(workDir, stderrPath), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening stderr file: %w", err)
	}
	jec.stderr = stderr

	cmd := exec.Command("/bin/sh", scriptPath)
	cmd.Dir = workDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = composeEnv(jec.job.Environment)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	jec.cmd = cmd
	return nil
}

// spawn forks the shell interpreter in its own process group and records
// the PID on the allocation row (spec.md §4.4 step 4).
func (e *Executor) spawn(jec *jobExecutionContext) error {
	if err := jec.cmd.Start(); err != nil {
		return fmt.Errorf("starting job process: %w", err)
	}
	jec.startedAt = time.Now()
	pid := jec.cmd.Process.Pid

	ctx := context.Background()
	if err := e.store.UpdateAllocationStatus(ctx, jec.job.ID, types.AllocationAllocated, store.AllocationStateFields{
		ProcessID: &pid,
	}); err != nil {
		return fmt.Errorf("recording spawned pid: %w", err)
	}
	return nil
}

// wait blocks until the child exits or the job's time limit elapses. On
// timeout it escalates SIGTERM -> 5s grace -> SIGKILL against the whole
// process group (spec.md §4.4 step 5).
func (e *Executor) wait(ctx context.Context, jec *jobExecutionContext) (exitCode int, signal int) {
	done := make(chan error, 1)
	go func() { done <- jec.cmd.Wait() }()

	limit := time.Duration(jec.job.Resources.TimeLimitMinutes) * time.Minute
	var timeoutCh <-chan time.Time
	if limit > 0 {
		timer := time.NewTimer(limit)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case err := <-done:
		return exitStatus(err)
	case <-timeoutCh:
		pid := jec.cmd.Process.Pid
		_ = SignalProcessGroup(pid, syscall.SIGTERM)
		select {
		case err := <-done:
			return exitStatus(err)
		case <-time.After(killGrace):
			_ = SignalProcessGroup(pid, syscall.SIGKILL)
			<-done
			return -1, 0
		}
	}
}

// alreadyTerminal reports whether the job has already reached a terminal
// state in the store — e.g. a concurrent cancellation — in which case the
// caller must not overwrite it (state is monotone toward terminal, spec.md
// §3). It re-reads the job rather than trusting jec.job, which was loaded
// before the process ran and may be stale.
func (e *Executor) alreadyTerminal(ctx context.Context, jobID int64) bool {
	current, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return false
	}
	return current.State.Terminal()
}

// record sets the job's terminal state in a single transaction (spec.md
// §4.4 step 6). A no-op if the job already reached a terminal state by some
// other path (cancellation racing the executor's own wait/record).
func (e *Executor) record(ctx context.Context, jec *jobExecutionContext, exitCode, signal int) {
	if e.alreadyTerminal(ctx, jec.job.ID) {
		jec.logger.Info().Msg("job already terminal, skipping record")
		return
	}

	now := time.Now().UTC()
	code := fmt.Sprintf("%d:%d", exitCode, signal)
	state := types.JobCompleted
	var errMsg *string
	if exitCode != 0 {
		state = types.JobFailed
		msg := fmt.Sprintf("job exited with code %d, signal %d", exitCode, signal)
		errMsg = &msg
	}

	if err := e.store.UpdateJobState(ctx, jec.job.ID, state, store.JobStateFields{
		EndTime:      &now,
		ExitCode:     &code,
		ErrorMessage: errMsg,
	}); err != nil {
		jec.logger.Error().Err(err).Msg("failed to record job outcome")
	}

	metrics.ExecutionDuration.Observe(time.Since(jec.startedAt).Seconds())
	if state == types.JobCompleted {
		metrics.JobsCompleted.Inc()
	} else {
		metrics.JobsFailed.Inc()
	}
}

func (e *Executor) recordFailure(ctx context.Context, jec *jobExecutionContext, exitCode, errMsg string) {
	if e.alreadyTerminal(ctx, jec.job.ID) {
		jec.logger.Info().Msg("job already terminal, skipping record")
		return
	}

	now := time.Now().UTC()
	code := exitCode
	msg := errMsg
	if err := e.store.UpdateJobState(ctx, jec.job.ID, types.JobFailed, store.JobStateFields{
		EndTime:      &now,
		ExitCode:     &code,
		ErrorMessage: &msg,
	}); err != nil {
		jec.logger.Error().Err(err).Msg("failed to record job failure")
	}
	metrics.JobsFailed.Inc()
}

// release transitions ALLOCATED->RELEASED and decrements the CPU cache only
// if the prior status was ALLOCATED, the crash-recoverable ordering spec.md
// §4.4 step 7 requires. It is unconditionally called on every exit path.
func (e *Executor) release(ctx context.Context, jec *jobExecutionContext) {
	wasAllocated := jec.alloc.Status == types.AllocationAllocated
	now := time.Now().UTC()

	if err := e.store.UpdateAllocationStatus(ctx, jec.job.ID, types.AllocationReleased, store.AllocationStateFields{
		ReleasedTime: &now,
	}); err != nil {
		jec.logger.Error().Err(err).Msg("failed to release allocation")
		return
	}
	if wasAllocated {
		if err := e.resources.Release(ctx, jec.alloc.AllocatedCPUs); err != nil {
			jec.logger.Error().Err(err).Msg("failed to release cpu cache")
		}
	}
}

// SignalProcessGroup sends sig to the whole process group rooted at pid,
// used both by the wait-loop timeout path and by the API's cancel handler.
func SignalProcessGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}

func composeEnv(jobEnv map[string]string) []string {
	env := os.Environ()
	for k, v := range jobEnv {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

func exitStatus(waitErr error) (code int, signal int) {
	if waitErr == nil {
		return 0, 0
	}
	var exitErr *exec.ExitError
	if ok := asExitError(waitErr, &exitErr); ok {
		status, ok := exitErr.Sys().(syscall.WaitStatus)
		if !ok {
			return -1, 0
		}
		if status.Signaled() {
			return -1, int(status.Signal())
		}
		return status.ExitStatus(), 0
	}
	return -1, 0
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	*target = ee
	return true
}
