package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// registers the "pgx" driver name with database/sql
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/cuemby/conductor/pkg/conderrors"
	"github.com/cuemby/conductor/pkg/types"
)

// Postgres is the PostgreSQL-backed Store implementation.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres opens a connection pool against url (a postgres:// DSN).
func NewPostgres(url string) (*Postgres, error) {
	db, err := sqlx.Connect("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an already-open *sqlx.DB, used by tests to point a
// Postgres at a go-sqlmock connection.
func NewPostgresFromDB(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Close() error { return p.db.Close() }

type jobRow struct {
	ID                int64          `db:"id"`
	Account           string         `db:"account"`
	Name              string         `db:"name"`
	Partition         string         `db:"partition"`
	Script            string         `db:"script"`
	WorkingDirectory  string         `db:"working_directory"`
	StdoutPath        string         `db:"stdout_path"`
	StderrPath        string         `db:"stderr_path"`
	Environment       string         `db:"environment"`
	TasksPerNode      int            `db:"tasks_per_node"`
	CPUsPerTask       int            `db:"cpus_per_task"`
	MemoryPerNode     string         `db:"memory_per_node"`
	TimeLimitMinutes  int            `db:"time_limit_minutes"`
	Exclusive         bool           `db:"exclusive"`
	State             string         `db:"state"`
	SubmitTime        time.Time      `db:"submit_time"`
	EligibleTime      time.Time      `db:"eligible_time"`
	StartTime         sql.NullTime   `db:"start_time"`
	EndTime           sql.NullTime   `db:"end_time"`
	ExitCode          sql.NullString `db:"exit_code"`
	ErrorMessage      sql.NullString `db:"error_message"`
	AllocatedNodeList sql.NullString `db:"allocated_node_list"`
}

func (r *jobRow) toJob() (*types.Job, error) {
	env := map[string]string{}
	if r.Environment != "" {
		if err := json.Unmarshal([]byte(r.Environment), &env); err != nil {
			return nil, fmt.Errorf("decoding job environment: %w", err)
		}
	}
	j := &types.Job{
		ID:               r.ID,
		Account:          r.Account,
		Name:             r.Name,
		Partition:        r.Partition,
		Script:           r.Script,
		WorkingDirectory: r.WorkingDirectory,
		StdoutPath:       r.StdoutPath,
		StderrPath:       r.StderrPath,
		Environment:      env,
		Resources: &types.ResourceRequest{
			TasksPerNode:     r.TasksPerNode,
			CPUsPerTask:      r.CPUsPerTask,
			MemoryPerNode:    r.MemoryPerNode,
			TimeLimitMinutes: r.TimeLimitMinutes,
			Exclusive:        r.Exclusive,
		},
		State:             types.JobState(r.State),
		SubmitTime:        r.SubmitTime,
		EligibleTime:      r.EligibleTime,
		ExitCode:          r.ExitCode.String,
		ErrorMessage:      r.ErrorMessage.String,
		AllocatedNodeList: r.AllocatedNodeList.String,
	}
	if r.StartTime.Valid {
		j.StartTime = &r.StartTime.Time
	}
	if r.EndTime.Valid {
		j.EndTime = &r.EndTime.Time
	}
	return j, nil
}

// CreateJob inserts a new PENDING job and returns its assigned id.
func (p *Postgres) CreateJob(ctx context.Context, job *types.Job) (int64, error) {
	env, err := json.Marshal(job.Environment)
	if err != nil {
		return 0, fmt.Errorf("encoding job environment: %w", err)
	}

	const q = `
		INSERT INTO jobs (
			account, name, partition, script, working_directory, stdout_path, stderr_path,
			environment, tasks_per_node, cpus_per_task, memory_per_node, time_limit_minutes,
			exclusive, state, submit_time, eligible_time
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING id`

	var id int64
	err = p.db.QueryRowContext(ctx, q,
		job.Account, job.Name, job.Partition, job.Script, job.WorkingDirectory,
		job.StdoutPath, job.StderrPath, string(env),
		job.Resources.TasksPerNode, job.Resources.CPUsPerTask, job.Resources.MemoryPerNode,
		job.Resources.TimeLimitMinutes, job.Resources.Exclusive,
		string(types.JobPending), job.SubmitTime, job.EligibleTime,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting job: %w", err)
	}
	return id, nil
}

// GetJob fetches one job by id.
func (p *Postgres) GetJob(ctx context.Context, id int64) (*types.Job, error) {
	const q = `SELECT * FROM jobs WHERE id = $1`
	var row jobRow
	if err := p.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, conderrors.NewNotFoundError("job", fmt.Sprint(id))
		}
		return nil, fmt.Errorf("fetching job %d: %w", id, err)
	}
	return row.toJob()
}

// ListPendingJobs returns PENDING jobs ordered by submit_time, id (FIFO).
func (p *Postgres) ListPendingJobs(ctx context.Context) ([]*types.Job, error) {
	const q = `SELECT * FROM jobs WHERE state = $1 ORDER BY submit_time ASC, id ASC`
	var rows []jobRow
	if err := p.db.SelectContext(ctx, &rows, q, string(types.JobPending)); err != nil {
		return nil, fmt.Errorf("listing pending jobs: %w", err)
	}
	return toJobs(rows)
}

// UpdateJobState moves a job to state, applying any non-nil optional fields.
// UpdateJobState writes a new state and its optional fields, but guards
// against overwriting a job that has already reached a terminal state
// (state is monotone toward terminal, spec.md §3): once a job is COMPLETED,
// FAILED, or CANCELLED, no later write — including a race between a
// cancellation and the executor's own completion record — may move it
// again.
func (p *Postgres) UpdateJobState(ctx context.Context, id int64, state types.JobState, f JobStateFields) error {
	const q = `
		UPDATE jobs SET
			state = $1,
			start_time = COALESCE($2, start_time),
			end_time = COALESCE($3, end_time),
			exit_code = COALESCE($4, exit_code),
			error_message = COALESCE($5, error_message),
			allocated_node_list = COALESCE($6, allocated_node_list)
		WHERE id = $7 AND state NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')`
	_, err := p.db.ExecContext(ctx, q, string(state), f.StartTime, f.EndTime, f.ExitCode, f.ErrorMessage, f.NodeList, id)
	if err != nil {
		return fmt.Errorf("updating job %d state: %w", id, err)
	}
	return nil
}

// DeleteJob removes a job row; resource_allocations cascades via FK.
func (p *Postgres) DeleteJob(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting job %d: %w", id, err)
	}
	return nil
}

type allocationRow struct {
	JobID          int64         `db:"job_id"`
	AllocatedCPUs  int           `db:"allocated_cpus"`
	NodeName       string        `db:"node_name"`
	ProcessID      sql.NullInt64 `db:"process_id"`
	AllocationTime time.Time     `db:"allocation_time"`
	ReleasedTime   sql.NullTime  `db:"released_time"`
	Status         string        `db:"status"`
}

func (r *allocationRow) toAllocation() *types.ResourceAllocation {
	a := &types.ResourceAllocation{
		JobID:          r.JobID,
		AllocatedCPUs:  r.AllocatedCPUs,
		NodeName:       r.NodeName,
		AllocationTime: r.AllocationTime,
		Status:         types.AllocationStatus(r.Status),
	}
	if r.ProcessID.Valid {
		pid := int(r.ProcessID.Int64)
		a.ProcessID = &pid
	}
	if r.ReleasedTime.Valid {
		a.ReleasedTime = &r.ReleasedTime.Time
	}
	return a
}

// CreateAllocation inserts the one-to-one reservation row for a job.
func (p *Postgres) CreateAllocation(ctx context.Context, alloc *types.ResourceAllocation) error {
	const q = `
		INSERT INTO resource_allocations (job_id, allocated_cpus, node_name, status, allocation_time)
		VALUES ($1,$2,$3,$4,$5)`
	_, err := p.db.ExecContext(ctx, q, alloc.JobID, alloc.AllocatedCPUs, alloc.NodeName, string(alloc.Status), alloc.AllocationTime)
	if err != nil {
		return fmt.Errorf("inserting allocation for job %d: %w", alloc.JobID, err)
	}
	return nil
}

// GetAllocation fetches the allocation row for a job.
func (p *Postgres) GetAllocation(ctx context.Context, jobID int64) (*types.ResourceAllocation, error) {
	const q = `SELECT * FROM resource_allocations WHERE job_id = $1`
	var row allocationRow
	if err := p.db.GetContext(ctx, &row, q, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, conderrors.NewNotFoundError("allocation", fmt.Sprint(jobID))
		}
		return nil, fmt.Errorf("fetching allocation for job %d: %w", jobID, err)
	}
	return row.toAllocation(), nil
}

// UpdateAllocationStatus transitions an allocation's status, applying any
// non-nil optional fields in the same statement.
func (p *Postgres) UpdateAllocationStatus(ctx context.Context, jobID int64, status types.AllocationStatus, f AllocationStateFields) error {
	const q = `
		UPDATE resource_allocations SET
			status = $1,
			process_id = COALESCE($2, process_id),
			released_time = COALESCE($3, released_time)
		WHERE job_id = $4`
	_, err := p.db.ExecContext(ctx, q, string(status), f.ProcessID, f.ReleasedTime, jobID)
	if err != nil {
		return fmt.Errorf("updating allocation for job %d: %w", jobID, err)
	}
	return nil
}

// SumAllocatedCPUs recomputes the authoritative sum used by cache resync:
// Σ allocated_cpus WHERE status = ALLOCATED. RESERVED rows are deliberately
// excluded — the cache counts only capacity the executor has promoted, never
// capacity merely reserved by the scheduler.
func (p *Postgres) SumAllocatedCPUs(ctx context.Context) (int, error) {
	const q = `SELECT COALESCE(SUM(allocated_cpus), 0) FROM resource_allocations WHERE status = $1`
	var sum int
	if err := p.db.GetContext(ctx, &sum, q, string(types.AllocationAllocated)); err != nil {
		return 0, fmt.Errorf("summing allocated cpus: %w", err)
	}
	return sum, nil
}

// ListAllocationsByStatus returns every allocation currently in status.
func (p *Postgres) ListAllocationsByStatus(ctx context.Context, status types.AllocationStatus) ([]*types.ResourceAllocation, error) {
	const q = `SELECT * FROM resource_allocations WHERE status = $1`
	var rows []allocationRow
	if err := p.db.SelectContext(ctx, &rows, q, string(status)); err != nil {
		return nil, fmt.Errorf("listing allocations in status %s: %w", status, err)
	}
	out := make([]*types.ResourceAllocation, len(rows))
	for i := range rows {
		out[i] = rows[i].toAllocation()
	}
	return out, nil
}

// ListStaleReservations returns RESERVED allocations older than olderThan
// whose job is still RUNNING — the StaleReservationCleanup trigger set.
func (p *Postgres) ListStaleReservations(ctx context.Context, olderThan time.Time) ([]*types.ResourceAllocation, error) {
	const q = `
		SELECT ra.* FROM resource_allocations ra
		JOIN jobs j ON j.id = ra.job_id
		WHERE ra.status = $1 AND ra.allocation_time < $2 AND j.state = $3`
	var rows []allocationRow
	err := p.db.SelectContext(ctx, &rows, q, string(types.AllocationReserved), olderThan, string(types.JobRunning))
	if err != nil {
		return nil, fmt.Errorf("listing stale reservations: %w", err)
	}
	out := make([]*types.ResourceAllocation, len(rows))
	for i := range rows {
		out[i] = rows[i].toAllocation()
	}
	return out, nil
}

// ListRunningJobs returns every RUNNING job, regardless of start time.
func (p *Postgres) ListRunningJobs(ctx context.Context) ([]*types.Job, error) {
	const q = `SELECT * FROM jobs WHERE state = $1`
	var rows []jobRow
	if err := p.db.SelectContext(ctx, &rows, q, string(types.JobRunning)); err != nil {
		return nil, fmt.Errorf("listing running jobs: %w", err)
	}
	return toJobs(rows)
}

// ListStuckRunningJobs returns RUNNING jobs started before startedBefore.
func (p *Postgres) ListStuckRunningJobs(ctx context.Context, startedBefore time.Time) ([]*types.Job, error) {
	const q = `SELECT * FROM jobs WHERE state = $1 AND start_time < $2`
	var rows []jobRow
	if err := p.db.SelectContext(ctx, &rows, q, string(types.JobRunning), startedBefore); err != nil {
		return nil, fmt.Errorf("listing stuck jobs: %w", err)
	}
	return toJobs(rows)
}

// ListOldTerminalJobs returns terminal jobs that ended before endedBefore.
func (p *Postgres) ListOldTerminalJobs(ctx context.Context, endedBefore time.Time) ([]*types.Job, error) {
	const q = `
		SELECT * FROM jobs
		WHERE state IN ($1, $2, $3) AND end_time < $4`
	var rows []jobRow
	err := p.db.SelectContext(ctx, &rows, q,
		string(types.JobCompleted), string(types.JobFailed), string(types.JobCancelled), endedBefore)
	if err != nil {
		return nil, fmt.Errorf("listing old terminal jobs: %w", err)
	}
	return toJobs(rows)
}

// CountJobsByState returns the number of jobs currently in each state, for
// periodic metrics collection.
func (p *Postgres) CountJobsByState(ctx context.Context) (map[types.JobState]int, error) {
	const q = `SELECT state, COUNT(*) FROM jobs GROUP BY state`
	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("counting jobs by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.JobState]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scanning job state count: %w", err)
		}
		counts[types.JobState(state)] = count
	}
	return counts, rows.Err()
}

func toJobs(rows []jobRow) ([]*types.Job, error) {
	out := make([]*types.Job, len(rows))
	for i := range rows {
		j, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		out[i] = j
	}
	return out, nil
}
