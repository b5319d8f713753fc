package testutil

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/0xPuncker/taskwatch/pkg/types"
	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger that discards its output.
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// ManualClock only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(now time.Time) *ManualClock {
	return &ManualClock{now: now}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

var ErrScriptedFailure = errors.New("scripted failure")

// ScriptedExecutor records every command it is asked to run and answers with
// Fn, or success when Fn is nil.
type ScriptedExecutor struct {
	Fn func(ctx context.Context, spec types.CommandSpec) (types.CommandResult, error)

	mu    sync.Mutex
	calls []types.CommandSpec
}

func (e *ScriptedExecutor) Execute(ctx context.Context, spec types.CommandSpec) (types.CommandResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, spec)
	e.mu.Unlock()

	if e.Fn == nil {
		return types.CommandResult{}, nil
	}
	return e.Fn(ctx, spec)
}

func (e *ScriptedExecutor) Calls() []types.CommandSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.CommandSpec(nil), e.calls...)
}

// CallsFor returns the attempts made for one task.
func (e *ScriptedExecutor) CallsFor(taskID string) []types.CommandSpec {
	var out []types.CommandSpec
	for _, c := range e.Calls() {
		if c.TaskID == taskID {
			out = append(out, c)
		}
	}
	return out
}

// FailTasks makes the listed tasks exit with code 1 on every attempt.
func FailTasks(taskIDs ...string) func(context.Context, types.CommandSpec) (types.CommandResult, error) {
	fail := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		fail[id] = true
	}
	return func(_ context.Context, spec types.CommandSpec) (types.CommandResult, error) {
		if fail[spec.TaskID] {
			return types.CommandResult{ExitCode: 1}, ErrScriptedFailure
		}
		return types.CommandResult{}, nil
	}
}

// FailFirst makes a task fail its first n attempts and succeed afterwards.
func FailFirst(taskID string, n int) func(context.Context, types.CommandSpec) (types.CommandResult, error) {
	return func(_ context.Context, spec types.CommandSpec) (types.CommandResult, error) {
		if spec.TaskID == taskID && spec.Attempt <= n {
			return types.CommandResult{ExitCode: 1}, ErrScriptedFailure
		}
		return types.CommandResult{}, nil
	}
}

// BlockUntilCancelled signals started and then waits for ctx, reporting the
// cancellation as the command's error.
func BlockUntilCancelled(started chan<- string) func(context.Context, types.CommandSpec) (types.CommandResult, error) {
	return func(ctx context.Context, spec types.CommandSpec) (types.CommandResult, error) {
		started <- spec.TaskID
		<-ctx.Done()
		return types.CommandResult{ExitCode: -1}, ctx.Err()
	}
}

// RecordingNotifier keeps every notification it receives and answers with Err.
type RecordingNotifier struct {
	Err error

	mu      sync.Mutex
	runs    []types.RunSummary
	retries []types.RetryEvent
}

func (n *RecordingNotifier) NotifyRun(_ context.Context, summary types.RunSummary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runs = append(n.runs, summary)
	return n.Err
}

func (n *RecordingNotifier) NotifyRetry(_ context.Context, event types.RetryEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.retries = append(n.retries, event)
	return n.Err
}

func (n *RecordingNotifier) Runs() []types.RunSummary {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]types.RunSummary(nil), n.runs...)
}

func (n *RecordingNotifier) Retries() []types.RetryEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]types.RetryEvent(nil), n.retries...)
}
