package types

import "time"

// Job is a user-submitted shell-script workload.
type Job struct {
	ID                int64
	Account           string
	Name              string
	Partition         string
	Script            string
	WorkingDirectory  string
	StdoutPath        string
	StderrPath        string
	Environment       map[string]string
	Resources         *ResourceRequest
	State             JobState
	SubmitTime        time.Time
	EligibleTime      time.Time
	StartTime         *time.Time
	EndTime           *time.Time
	ExitCode          string
	ErrorMessage      string
	AllocatedNodeList string
}

// ResourceRequest is the CPU/memory/time-limit shape a job asks for.
type ResourceRequest struct {
	TasksPerNode     int
	CPUsPerTask      int
	MemoryPerNode    string
	TimeLimitMinutes int
	Exclusive        bool
}

// TotalCPUs is the derived total_cpus = tasks_per_node * cpus_per_task.
func (r *ResourceRequest) TotalCPUs() int {
	if r == nil {
		return 0
	}
	return r.TasksPerNode * r.CPUsPerTask
}

// JobState is one of the five states in the Job state machine.
type JobState string

const (
	JobPending   JobState = "PENDING"
	JobRunning   JobState = "RUNNING"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
	JobCancelled JobState = "CANCELLED"
)

// Terminal reports whether the state is one of the absorbing terminal states.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// AllocationStatus is the tri-state lifecycle of a ResourceAllocation.
//
// This is the only status representation the conductor carries — the
// original system's boolean `released` column is not reproduced; every
// call site here uses this tri-state exclusively.
type AllocationStatus string

const (
	AllocationReserved  AllocationStatus = "RESERVED"
	AllocationAllocated AllocationStatus = "ALLOCATED"
	AllocationReleased  AllocationStatus = "RELEASED"
)

// ResourceAllocation is the one-to-one reservation/allocation record for a Job.
type ResourceAllocation struct {
	JobID          int64
	AllocatedCPUs  int
	NodeName       string
	ProcessID      *int
	AllocationTime time.Time
	ReleasedTime   *time.Time
	Status         AllocationStatus
}

// WorkerStatus is the liveness/availability state a worker advertises.
type WorkerStatus string

const (
	WorkerReady    WorkerStatus = "ready"
	WorkerBusy     WorkerStatus = "busy"
	WorkerStopping WorkerStatus = "stopping"
)

// Worker is the ephemeral, TTL-backed K/V record describing a live executor.
type Worker struct {
	WorkerID      string
	CPUs          int
	Hostname      string
	Status        WorkerStatus
	RegisteredAt  time.Time
	LastHeartbeat time.Time
}

// DispatchToken is the opaque work-queue payload referring to one job.
type DispatchToken struct {
	TokenID string
	JobID   int64
	Expiry  time.Time
}
