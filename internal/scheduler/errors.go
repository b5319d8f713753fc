package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrJobExists       = errors.New("job already registered")
	ErrJobNotFound     = errors.New("job not found")
	ErrRunNotFound     = errors.New("run not found")
	ErrRunTerminal     = errors.New("run already finished")
	ErrSchedulerHalted = errors.New("scheduler halted")
	ErrRunCancelled    = errors.New("run cancelled")
)

// ClockError reports that the clock went backwards between two ticks. Catch-up
// assumes monotonic time, so the scheduler stops creating runs until Resume.
type ClockError struct {
	Last time.Time
	Now  time.Time
}

func (e *ClockError) Error() string {
	return fmt.Sprintf("clock moved backwards from %s to %s", e.Last.Format(time.RFC3339Nano), e.Now.Format(time.RFC3339Nano))
}

// TaskExecutionError records one failed attempt of a command task. It is
// recoverable through the task's retry policy.
type TaskExecutionError struct {
	JobID    string
	RunID    string
	TaskID   string
	Attempt  int
	ExitCode int
	TimedOut bool
	Err      error
}

func (e *TaskExecutionError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("task %s attempt %d timed out: %v", e.TaskID, e.Attempt, e.Err)
	}
	return fmt.Sprintf("task %s attempt %d failed: %v", e.TaskID, e.Attempt, e.Err)
}

func (e *TaskExecutionError) Unwrap() error {
	return e.Err
}

// RunFailure is the terminal error of a failed run. Exhausted lists every task
// that ran out of retries, Skipped the tasks that never ran because of them.
type RunFailure struct {
	JobID     string
	RunID     string
	Exhausted []string
	Skipped   []string
}

func (e *RunFailure) Error() string {
	msg := fmt.Sprintf("run %s of job %s failed: tasks [%s] exhausted their retries", e.RunID, e.JobID, strings.Join(e.Exhausted, ", "))
	if len(e.Skipped) > 0 {
		msg += fmt.Sprintf(", [%s] skipped", strings.Join(e.Skipped, ", "))
	}
	return msg
}
