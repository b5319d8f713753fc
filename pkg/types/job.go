package types

import (
	"time"

	"github.com/0xPuncker/taskwatch/pkg/utils"
)

// JobsFile is the declarative job definitions document.
type JobsFile struct {
	Jobs []JobDefinition `yaml:"jobs" json:"jobs"`
}

// JobDefinition represents one job as declared in the definitions file
type JobDefinition struct {
	ID            string           `yaml:"id" json:"id"`
	Description   string           `yaml:"description" json:"description,omitempty"`
	Schedule      string           `yaml:"schedule" json:"schedule,omitempty"`
	Interval      utils.Duration   `yaml:"schedule_interval" json:"schedule_interval"`
	StartDate     time.Time        `yaml:"start_date" json:"start_date"`
	Catchup       *bool            `yaml:"catchup" json:"catchup,omitempty"`
	MaxActiveRuns int              `yaml:"max_active_runs" json:"max_active_runs,omitempty"`
	Tags          []string         `yaml:"tags" json:"tags,omitempty"`
	Defaults      TaskDefaults     `yaml:"default_args" json:"default_args"`
	Tasks         []TaskDefinition `yaml:"tasks" json:"tasks"`
	Edges         []EdgeDefinition `yaml:"edges" json:"edges,omitempty"`
}

// TaskDefaults are inherited by every task of a job unless overridden.
type TaskDefaults struct {
	Owner                   string         `yaml:"owner" json:"owner,omitempty"`
	Email                   []string       `yaml:"email" json:"email,omitempty"`
	EmailOnFailure          bool           `yaml:"email_on_failure" json:"email_on_failure"`
	EmailOnRetry            bool           `yaml:"email_on_retry" json:"email_on_retry"`
	Retries                 int            `yaml:"retries" json:"retries"`
	RetryDelay              utils.Duration `yaml:"retry_delay" json:"retry_delay"`
	RetryExponentialBackoff bool           `yaml:"retry_exponential_backoff" json:"retry_exponential_backoff"`
	MaxRetryDelay           utils.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
	ExecutionTimeout        utils.Duration `yaml:"execution_timeout" json:"execution_timeout"`
}

// TaskDefinition represents one task of a job. Nil overrides inherit the
// job's default_args.
type TaskDefinition struct {
	ID               string            `yaml:"task_id" json:"task_id"`
	Kind             TaskKind          `yaml:"kind" json:"kind"`
	Command          string            `yaml:"command" json:"command,omitempty"`
	Retries          *int              `yaml:"retries" json:"retries,omitempty"`
	RetryDelay       *utils.Duration   `yaml:"retry_delay" json:"retry_delay,omitempty"`
	ExecutionTimeout *utils.Duration   `yaml:"execution_timeout" json:"execution_timeout,omitempty"`
	Upstream         []string          `yaml:"upstream" json:"upstream,omitempty"`
	Env              map[string]string `yaml:"env" json:"env,omitempty"`
	WorkingDir       string            `yaml:"working_dir" json:"working_dir,omitempty"`
}

// EdgeDefinition declares that From must complete before To starts.
type EdgeDefinition struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// SchedulerConfig represents the scheduler runtime configuration
type SchedulerConfig struct {
	TickInterval utils.Duration `json:"tick_interval"`
	MaxWorkers   int            `json:"max_workers"`
	Catchup      bool           `json:"catchup"`
	HistoryTTL   utils.Duration `json:"history_ttl"`
	KillGrace    utils.Duration `json:"kill_grace"`
	LogDir       string         `json:"log_dir"`
	Shell        string         `json:"shell"`
}
