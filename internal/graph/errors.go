package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoTasks indicates a job was registered without any task.
	ErrNoTasks = errors.New("job has no tasks")

	// ErrUpstreamFailed marks tasks that can never run because an upstream
	// task failed permanently.
	ErrUpstreamFailed = errors.New("upstream task failed")
)

// CycleError is returned when the dependency relation of a job is not acyclic.
// Tasks lists, in lexical order, every task that could not be placed in a
// topological order.
type CycleError struct {
	JobID string
	Tasks []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("job %q: dependency cycle among tasks [%s]", e.JobID, strings.Join(e.Tasks, ", "))
}

// DuplicateTaskError is returned when a task id repeats within a job.
type DuplicateTaskError struct {
	JobID  string
	TaskID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("job %q: duplicate task id %q", e.JobID, e.TaskID)
}

// DanglingEdgeError is returned when an edge references an unknown task id.
type DanglingEdgeError struct {
	JobID   string
	From    string
	To      string
	Missing string
}

func (e *DanglingEdgeError) Error() string {
	return fmt.Sprintf("job %q: edge %s -> %s references unknown task %q", e.JobID, e.From, e.To, e.Missing)
}

// ValidationError covers malformed job or task declarations.
type ValidationError struct {
	JobID  string
	TaskID string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("job %q task %q: %s", e.JobID, e.TaskID, e.Reason)
	}
	return fmt.Sprintf("job %q: %s", e.JobID, e.Reason)
}
