package types

import "time"

// TaskKind is the closed set of task variants a job may contain.
type TaskKind string

const (
	TaskKindCommand TaskKind = "command"
	TaskKindNoOp    TaskKind = "noop"
)

func (k TaskKind) Valid() bool {
	return k == TaskKindCommand || k == TaskKindNoOp
}

type TaskStatus string

const (
	TaskPending        TaskStatus = "pending"
	TaskReady          TaskStatus = "ready"
	TaskRunning        TaskStatus = "running"
	TaskSucceeded      TaskStatus = "succeeded"
	TaskFailed         TaskStatus = "failed"
	TaskRetryScheduled TaskStatus = "retry_scheduled"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions can occur.
func (s RunStatus) IsTerminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

type RunTrigger string

const (
	TriggerScheduled RunTrigger = "scheduled"
	TriggerManual    RunTrigger = "manual"
)

// TaskSummary is the per-task view of a run.
type TaskSummary struct {
	TaskID    string     `json:"task_id"`
	Kind      TaskKind   `json:"kind"`
	Status    TaskStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	StartedAt time.Time  `json:"started_at,omitempty"`
	EndedAt   time.Time  `json:"ended_at,omitempty"`
	ResumeAt  time.Time  `json:"resume_at,omitempty"`
}

// RunSnapshot is a point-in-time copy of a run, safe to hand out of the scheduler.
type RunSnapshot struct {
	RunID       string        `json:"run_id"`
	JobID       string        `json:"job_id"`
	Status      RunStatus     `json:"status"`
	Trigger     RunTrigger    `json:"trigger"`
	LogicalDate time.Time     `json:"logical_date"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	EndedAt     time.Time     `json:"ended_at,omitempty"`
	Error       string        `json:"error,omitempty"`
	Tasks       []TaskSummary `json:"tasks"`
}

// RunSummary is handed to the notification collaborator once a run is terminal.
type RunSummary struct {
	RunSnapshot
	Owner          string   `json:"owner,omitempty"`
	Email          []string `json:"email,omitempty"`
	EmailOnFailure bool     `json:"email_on_failure"`
	FailedTasks    []string `json:"failed_tasks,omitempty"`
}

// Duration is the wall time between start and end, zero while the run is open.
func (s RunSummary) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// RetryEvent describes a failed attempt that will be retried.
type RetryEvent struct {
	JobID        string    `json:"job_id"`
	RunID        string    `json:"run_id"`
	TaskID       string    `json:"task_id"`
	Attempt      int       `json:"attempt"`
	MaxAttempts  int       `json:"max_attempts"`
	Error        string    `json:"error"`
	ResumeAt     time.Time `json:"resume_at"`
	Email        []string  `json:"email,omitempty"`
	EmailOnRetry bool      `json:"email_on_retry"`
}

// JobStatus exposes a registered job for status queries.
type JobStatus struct {
	ID            string    `json:"id"`
	Description   string    `json:"description,omitempty"`
	Schedule      string    `json:"schedule"`
	Owner         string    `json:"owner,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	Catchup       bool      `json:"catchup"`
	MaxActiveRuns int       `json:"max_active_runs"`
	NextFire      time.Time `json:"next_fire"`
	ActiveRuns    int       `json:"active_runs"`
	PendingRuns   int       `json:"pending_runs"`
	Tasks         []string  `json:"tasks"`
	LastRunID     string    `json:"last_run_id,omitempty"`
	LastStatus    RunStatus `json:"last_status,omitempty"`
}

// CommandSpec is what the scheduler hands to the command execution collaborator.
type CommandSpec struct {
	JobID      string
	RunID      string
	TaskID     string
	Attempt    int
	Command    string
	Env        map[string]string
	WorkingDir string
	Timeout    time.Duration
}

// CommandResult is the opaque outcome of one command execution.
type CommandResult struct {
	ExitCode int
	Output   string
	Duration time.Duration
	TimedOut bool
	LogPath  string
}
