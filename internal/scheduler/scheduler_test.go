package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/0xPuncker/taskwatch/internal/graph"
	"github.com/0xPuncker/taskwatch/internal/testutil"
	"github.com/0xPuncker/taskwatch/pkg/calendar"
	"github.com/0xPuncker/taskwatch/pkg/types"
	"github.com/0xPuncker/taskwatch/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, exec *testutil.ScriptedExecutor, notifier *testutil.RecordingNotifier) (*Scheduler, *testutil.ManualClock) {
	t.Helper()
	clock := testutil.NewManualClock(t0)
	cfg := types.SchedulerConfig{MaxWorkers: 4, Catchup: true}
	s := NewScheduler(testutil.NewLogger(), cfg, exec, notifier, WithClock(clock))
	return s, clock
}

func testGraph(t *testing.T, job graph.Job, tasks ...graph.Task) *graph.Graph {
	t.Helper()
	if job.Schedule == nil {
		sched, err := calendar.Every(t0, time.Hour)
		require.NoError(t, err)
		job.Schedule = sched
		job.ScheduleExpr = sched.String()
	}
	if job.StartDate.IsZero() {
		job.StartDate = t0
	}
	g, err := graph.Register(job, tasks, nil)
	require.NoError(t, err)
	return g
}

func command(id string, retries int, delay time.Duration, upstream ...string) graph.Task {
	return graph.Task{
		ID:       id,
		Kind:     types.TaskKindCommand,
		Command:  "run " + id,
		Retry:    graph.RetryPolicy{Retries: retries, Delay: delay},
		Upstream: upstream,
	}
}

func noop(id string, upstream ...string) graph.Task {
	return graph.Task{ID: id, Kind: types.TaskKindNoOp, Upstream: upstream}
}

func tickAndWait(t *testing.T, s *Scheduler) {
	t.Helper()
	require.NoError(t, s.Tick())
	s.Wait()
}

func onlyRun(t *testing.T, s *Scheduler, jobID string) types.RunSnapshot {
	t.Helper()
	runs, err := s.ListRuns(jobID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	return runs[0]
}

func TestDailyBackupExhaustsRetries(t *testing.T) {
	exec := &testutil.ScriptedExecutor{Fn: testutil.FailTasks("pg_daily_schema_backup")}
	notifier := &testutil.RecordingNotifier{}
	s, clock := newTestScheduler(t, exec, notifier)

	sched, err := calendar.Every(t0, 24*time.Hour)
	require.NoError(t, err)
	job := graph.Job{ID: "daily_backup", Schedule: sched, Catchup: true, Owner: "ops"}
	require.NoError(t, s.Register(testGraph(t, job, command("pg_daily_schema_backup", 3, 10*time.Minute))))

	tickAndWait(t, s)
	for i := 0; i < 3; i++ {
		run := onlyRun(t, s, "daily_backup")
		assert.Equal(t, types.RunRunning, run.Status)
		assert.Equal(t, types.TaskRetryScheduled, run.Tasks[0].Status)

		// Nothing happens before the retry delay elapses.
		clock.Advance(9 * time.Minute)
		tickAndWait(t, s)
		assert.Len(t, exec.Calls(), i+1)

		clock.Advance(time.Minute)
		tickAndWait(t, s)
	}
	tickAndWait(t, s)

	calls := exec.CallsFor("pg_daily_schema_backup")
	require.Len(t, calls, 4, "retries=3 means four attempts")
	for i, c := range calls {
		assert.Equal(t, i+1, c.Attempt)
	}

	run := onlyRun(t, s, "daily_backup")
	assert.Equal(t, types.RunFailed, run.Status)
	assert.Equal(t, types.TaskFailed, run.Tasks[0].Status)
	assert.Equal(t, 4, run.Tasks[0].Attempts)
	assert.GreaterOrEqual(t, run.EndedAt.Sub(run.StartedAt), 30*time.Minute)
	assert.Contains(t, run.Error, "pg_daily_schema_backup")

	retries := notifier.Retries()
	require.Len(t, retries, 3)
	assert.Equal(t, 1, retries[0].Attempt)
	assert.Equal(t, 4, retries[0].MaxAttempts)
	assert.Equal(t, t0.Add(10*time.Minute), retries[0].ResumeAt)

	runs := notifier.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, types.RunFailed, runs[0].Status)
	assert.Equal(t, []string{"pg_daily_schema_backup"}, runs[0].FailedTasks)
	assert.Equal(t, "ops", runs[0].Owner)
	assert.Equal(t, 4, runs[0].Tasks[0].Attempts)
}

func TestNoOpChainSucceedsInOneTick(t *testing.T) {
	exec := &testutil.ScriptedExecutor{}
	notifier := &testutil.RecordingNotifier{}
	s, _ := newTestScheduler(t, exec, notifier)

	require.NoError(t, s.Register(testGraph(t, graph.Job{ID: "test", Catchup: true}, noop("task1"), noop("task2", "task1"))))

	tickAndWait(t, s)

	run := onlyRun(t, s, "test")
	assert.Equal(t, types.RunSucceeded, run.Status)
	assert.Empty(t, exec.Calls())
	for _, task := range run.Tasks {
		assert.Equal(t, types.TaskSucceeded, task.Status)
		assert.Zero(t, task.Attempts)
	}
	require.Len(t, notifier.Runs(), 1)
	assert.Equal(t, types.RunSucceeded, notifier.Runs()[0].Status)
}

func TestCatchupCreatesRunPerMissedInterval(t *testing.T) {
	s, clock := newTestScheduler(t, &testutil.ScriptedExecutor{}, &testutil.RecordingNotifier{})
	require.NoError(t, s.Register(testGraph(t, graph.Job{ID: "hourly", Catchup: true}, noop("only"))))

	tickAndWait(t, s)
	onlyRun(t, s, "hourly")

	clock.Set(t0.Add(3*time.Hour + 20*time.Minute))
	tickAndWait(t, s)

	runs, err := s.ListRuns("hourly")
	require.NoError(t, err)
	require.Len(t, runs, 4)

	ids := make(map[string]bool)
	for i, run := range runs {
		assert.Equal(t, t0.Add(time.Duration(i)*time.Hour), run.LogicalDate)
		assert.Equal(t, types.TriggerScheduled, run.Trigger)
		assert.Equal(t, types.RunSucceeded, run.Status)
		ids[run.RunID] = true
	}
	assert.Len(t, ids, 4)

	job, err := s.GetJob("hourly")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(4*time.Hour), job.NextFire)
}

func TestCatchupDisabledCreatesLatestRunOnly(t *testing.T) {
	s, clock := newTestScheduler(t, &testutil.ScriptedExecutor{}, &testutil.RecordingNotifier{})
	require.NoError(t, s.Register(testGraph(t, graph.Job{ID: "hourly", Catchup: false}, noop("only"))))

	clock.Set(t0.Add(3*time.Hour + 20*time.Minute))
	tickAndWait(t, s)

	run := onlyRun(t, s, "hourly")
	assert.Equal(t, t0.Add(3*time.Hour), run.LogicalDate)

	job, err := s.GetJob("hourly")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(4*time.Hour), job.NextFire)
}

func TestDownstreamWaitsForUpstream(t *testing.T) {
	exec := &testutil.ScriptedExecutor{}
	s, _ := newTestScheduler(t, exec, &testutil.RecordingNotifier{})
	require.NoError(t, s.Register(testGraph(t, graph.Job{ID: "etl", Catchup: true},
		command("extract", 0, 0),
		command("load", 0, 0, "transform"),
		command("transform", 0, 0, "extract"),
	)))

	tickAndWait(t, s)
	require.Len(t, exec.Calls(), 1)
	assert.Equal(t, "extract", exec.Calls()[0].TaskID)

	tickAndWait(t, s)
	tickAndWait(t, s)
	tickAndWait(t, s)

	var order []string
	for _, c := range exec.Calls() {
		order = append(order, c.TaskID)
	}
	assert.Equal(t, []string{"extract", "transform", "load"}, order)
	assert.Equal(t, types.RunSucceeded, onlyRun(t, s, "etl").Status)
}

func TestRetryThenSuccess(t *testing.T) {
	exec := &testutil.ScriptedExecutor{Fn: testutil.FailFirst("flaky", 1)}
	s, clock := newTestScheduler(t, exec, &testutil.RecordingNotifier{})
	require.NoError(t, s.Register(testGraph(t, graph.Job{ID: "job", Catchup: true},
		command("flaky", 2, time.Minute),
		command("after", 0, 0, "flaky"),
	)))

	tickAndWait(t, s)
	clock.Advance(time.Minute)
	tickAndWait(t, s)
	tickAndWait(t, s)
	tickAndWait(t, s)

	run := onlyRun(t, s, "job")
	assert.Equal(t, types.RunSucceeded, run.Status)
	assert.Equal(t, 2, run.Tasks[1].Attempts, "flaky")
	assert.Equal(t, 1, run.Tasks[0].Attempts, "after")
	assert.Empty(t, run.Tasks[1].LastError)
}

func TestFailureSkipsDownstream(t *testing.T) {
	exec := &testutil.ScriptedExecutor{Fn: testutil.FailTasks("root")}
	notifier := &testutil.RecordingNotifier{}
	s, _ := newTestScheduler(t, exec, notifier)
	require.NoError(t, s.Register(testGraph(t, graph.Job{ID: "job", Catchup: true},
		command("root", 0, 0),
		command("child", 0, 0, "root"),
		command("side", 0, 0),
	)))

	tickAndWait(t, s)
	tickAndWait(t, s)

	run := onlyRun(t, s, "job")
	assert.Equal(t, types.RunFailed, run.Status)
	assert.Empty(t, exec.CallsFor("child"))
	assert.Len(t, exec.CallsFor("side"), 1)
	assert.Contains(t, run.Error, "[root] exhausted")
	assert.Contains(t, run.Error, "[child] skipped")

	require.Len(t, notifier.Runs(), 1)
	assert.Equal(t, []string{"child", "root"}, notifier.Runs()[0].FailedTasks)
}

func TestTimedOutAttemptIsRetried(t *testing.T) {
	exec := &testutil.ScriptedExecutor{Fn: func(_ context.Context, spec types.CommandSpec) (types.CommandResult, error) {
		if spec.Attempt == 1 {
			return types.CommandResult{ExitCode: -1, TimedOut: true}, context.DeadlineExceeded
		}
		return types.CommandResult{}, nil
	}}
	s, clock := newTestScheduler(t, exec, &testutil.RecordingNotifier{})
	require.NoError(t, s.Register(testGraph(t, graph.Job{ID: "slow", Catchup: true}, command("sleepy", 1, time.Minute))))

	tickAndWait(t, s)
	run := onlyRun(t, s, "slow")
	assert.Equal(t, types.TaskRetryScheduled, run.Tasks[0].Status)
	assert.Contains(t, run.Tasks[0].LastError, "timed out")

	clock.Advance(time.Minute)
	tickAndWait(t, s)
	tickAndWait(t, s)
	assert.Equal(t, types.RunSucceeded, onlyRun(t, s, "slow").Status)
}

func TestCancelRun(t *testing.T) {
	started := make(chan string, 1)
	exec := &testutil.ScriptedExecutor{Fn: testutil.BlockUntilCancelled(started)}
	notifier := &testutil.RecordingNotifier{}
	s, _ := newTestScheduler(t, exec, notifier)
	require.NoError(t, s.Register(testGraph(t, graph.Job{ID: "job", Catchup: true},
		command("running", 0, 0),
		command("waiting", 0, 0, "running"),
	)))

	require.NoError(t, s.Tick())
	assert.Equal(t, "running", <-started)

	run := onlyRun(t, s, "job")
	require.NoError(t, s.CancelRun(run.RunID))
	s.Wait()
	tickAndWait(t, s)

	run = onlyRun(t, s, "job")
	assert.Equal(t, types.RunCancelled, run.Status)
	assert.Equal(t, types.TaskFailed, run.Tasks[0].Status, "running")
	assert.Contains(t, run.Tasks[0].LastError, "run cancelled")
	assert.Equal(t, types.TaskPending, run.Tasks[1].Status, "waiting")
	assert.Zero(t, run.Tasks[1].Attempts)
	assert.Empty(t, exec.CallsFor("waiting"))

	require.Len(t, notifier.Runs(), 1)
	notified := notifier.Runs()[0]
	assert.Equal(t, types.RunCancelled, notified.Status)
	assert.Equal(t, types.TaskFailed, notified.Tasks[0].Status, "notification carries the torn-down attempt")
	assert.Contains(t, notified.Tasks[0].LastError, "run cancelled")

	err := s.CancelRun(run.RunID)
	assert.ErrorIs(t, err, ErrRunTerminal)
	err = s.CancelRun("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestMaxActiveRuns(t *testing.T) {
	exec := &testutil.ScriptedExecutor{}
	s, clock := newTestScheduler(t, exec, &testutil.RecordingNotifier{})
	require.NoError(t, s.Register(testGraph(t, graph.Job{ID: "serial", Catchup: true, MaxActiveRuns: 1}, command("step", 0, 0))))

	clock.Set(t0.Add(2 * time.Hour))
	tickAndWait(t, s)

	job, err := s.GetJob("serial")
	require.NoError(t, err)
	assert.Equal(t, 1, job.ActiveRuns)
	assert.Equal(t, 2, job.PendingRuns)

	for i := 0; i < 10; i++ {
		tickAndWait(t, s)
		job, err = s.GetJob("serial")
		require.NoError(t, err)
		assert.LessOrEqual(t, job.ActiveRuns, 1)
	}

	runs, err := s.ListRuns("serial")
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for _, run := range runs {
		assert.Equal(t, types.RunSucceeded, run.Status)
	}

	calls := exec.Calls()
	require.Len(t, calls, 3)
	for i, c := range calls {
		assert.Equal(t, runs[i].RunID, c.RunID, "runs execute in logical date order")
	}
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	var current, peak atomic.Int32
	exec := &testutil.ScriptedExecutor{Fn: func(context.Context, types.CommandSpec) (types.CommandResult, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return types.CommandResult{}, nil
	}}
	clock := testutil.NewManualClock(t0)
	s := NewScheduler(testutil.NewLogger(), types.SchedulerConfig{MaxWorkers: 2}, exec, nil, WithClock(clock))
	require.NoError(t, s.Register(testGraph(t, graph.Job{ID: "wide", Catchup: true},
		command("a", 0, 0), command("b", 0, 0), command("c", 0, 0), command("d", 0, 0), command("e", 0, 0),
	)))

	tickAndWait(t, s)

	assert.Len(t, exec.Calls(), 5)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestClockBackwardsHaltsScheduler(t *testing.T) {
	s, clock := newTestScheduler(t, &testutil.ScriptedExecutor{}, &testutil.RecordingNotifier{})
	require.NoError(t, s.Register(testGraph(t, graph.Job{ID: "hourly", Catchup: true}, noop("only"))))

	tickAndWait(t, s)

	clock.Set(t0.Add(-time.Minute))
	err := s.Tick()
	var clockErr *ClockError
	require.ErrorAs(t, err, &clockErr)
	assert.Equal(t, t0, clockErr.Last)
	assert.Equal(t, t0.Add(-time.Minute), clockErr.Now)
	assert.Error(t, s.Halted())

	clock.Set(t0.Add(2 * time.Hour))
	assert.ErrorIs(t, s.Tick(), ErrSchedulerHalted)
	runs, err := s.ListRuns("hourly")
	require.NoError(t, err)
	assert.Len(t, runs, 1, "no runs are created while halted")

	_, err = s.Trigger("hourly")
	assert.ErrorIs(t, err, ErrSchedulerHalted)
	runs, err = s.ListRuns("hourly")
	require.NoError(t, err)
	assert.Len(t, runs, 1, "manual runs are refused while halted")

	clock.Set(t0.Add(-time.Second))
	assert.Error(t, s.Resume(), "clock is still behind the last tick")

	clock.Set(t0.Add(2 * time.Hour))
	require.NoError(t, s.Resume())
	assert.NoError(t, s.Halted())
	tickAndWait(t, s)

	runs, err = s.ListRuns("hourly")
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestNotifierFailureDoesNotAffectRun(t *testing.T) {
	notifier := &testutil.RecordingNotifier{Err: errors.New("smtp unreachable")}
	s, _ := newTestScheduler(t, &testutil.ScriptedExecutor{}, notifier)
	require.NoError(t, s.Register(testGraph(t, graph.Job{ID: "job", Catchup: true}, command("only", 0, 0))))

	tickAndWait(t, s)
	tickAndWait(t, s)

	assert.Equal(t, types.RunSucceeded, onlyRun(t, s, "job").Status)
	assert.Len(t, notifier.Runs(), 1)
}

func TestTrigger(t *testing.T) {
	exec := &testutil.ScriptedExecutor{}
	s, clock := newTestScheduler(t, exec, &testutil.RecordingNotifier{})
	sched, err := calendar.Every(t0, 24*time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.Register(testGraph(t, graph.Job{ID: "job", Schedule: sched, Catchup: true}, command("only", 0, 0))))

	tickAndWait(t, s)
	tickAndWait(t, s)

	clock.Advance(3 * time.Hour)
	snap, err := s.Trigger("job")
	require.NoError(t, err)
	assert.Equal(t, types.TriggerManual, snap.Trigger)
	assert.Equal(t, types.RunRunning, snap.Status)
	assert.Equal(t, t0.Add(3*time.Hour), snap.LogicalDate)

	tickAndWait(t, s)
	tickAndWait(t, s)

	got, err := s.GetRun(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, got.Status)
	assert.Len(t, exec.Calls(), 2)

	_, err = s.Trigger("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRegisterRejectsDuplicateJob(t *testing.T) {
	s, _ := newTestScheduler(t, &testutil.ScriptedExecutor{}, &testutil.RecordingNotifier{})
	require.NoError(t, s.Register(testGraph(t, graph.Job{ID: "job"}, noop("a"))))

	err := s.Register(testGraph(t, graph.Job{ID: "job"}, noop("b")))
	assert.ErrorIs(t, err, ErrJobExists)
	assert.True(t, s.HasJob("job"))
	assert.False(t, s.HasJob("other"))
}

func TestRegisterDefinition(t *testing.T) {
	s, _ := newTestScheduler(t, &testutil.ScriptedExecutor{}, &testutil.RecordingNotifier{})

	def := types.JobDefinition{
		ID:        "daily_backup",
		Interval:  utils.NewDuration(24 * time.Hour),
		StartDate: t0,
		Defaults:  types.TaskDefaults{Retries: 3, RetryDelay: utils.NewDuration(10 * time.Minute)},
		Tasks: []types.TaskDefinition{
			{ID: "backup", Command: "/scripts/backup.sh"},
		},
	}
	require.NoError(t, s.RegisterDefinition(def))

	job, err := s.GetJob("daily_backup")
	require.NoError(t, err)
	assert.Equal(t, t0, job.NextFire)
	assert.True(t, job.Catchup, "inherits the scheduler default")
	assert.Equal(t, []string{"backup"}, job.Tasks)

	cyclic := types.JobDefinition{
		ID:       "cyclic",
		Interval: utils.NewDuration(time.Hour),
		Tasks: []types.TaskDefinition{
			{ID: "a", Command: "a", Upstream: []string{"b"}},
			{ID: "b", Command: "b", Upstream: []string{"a"}},
		},
	}
	var cycleErr *graph.CycleError
	assert.ErrorAs(t, s.RegisterDefinition(cyclic), &cycleErr)
	assert.False(t, s.HasJob("cyclic"))
}

func TestStatusQueries(t *testing.T) {
	s, _ := newTestScheduler(t, &testutil.ScriptedExecutor{}, &testutil.RecordingNotifier{})
	require.NoError(t, s.Register(testGraph(t, graph.Job{ID: "zeta", Catchup: true}, noop("a"))))
	require.NoError(t, s.Register(testGraph(t, graph.Job{ID: "alpha", Catchup: true, Tags: []string{"x"}}, noop("a"))))

	jobs := s.ListJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "alpha", jobs[0].ID)
	assert.Equal(t, "zeta", jobs[1].ID)
	assert.Equal(t, t0, jobs[0].NextFire)
	assert.Equal(t, "@every 1h0m0s", jobs[0].Schedule)

	tickAndWait(t, s)

	job, err := s.GetJob("alpha")
	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, job.LastStatus)
	assert.NotEmpty(t, job.LastRunID)

	run, err := s.GetRun(job.LastRunID)
	require.NoError(t, err)
	assert.Equal(t, "alpha", run.JobID)

	_, err = s.GetJob("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = s.GetRun("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = s.ListRuns("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStartStop(t *testing.T) {
	s, _ := newTestScheduler(t, &testutil.ScriptedExecutor{}, &testutil.RecordingNotifier{})

	assert.False(t, s.IsRunning())
	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start())

	s.Stop()
	assert.False(t, s.IsRunning())
	s.Stop()

	require.NoError(t, s.Start(), "a stopped scheduler can be started again")
	s.Stop()
}

func TestCloseCancelsActiveRuns(t *testing.T) {
	started := make(chan string, 1)
	exec := &testutil.ScriptedExecutor{Fn: testutil.BlockUntilCancelled(started)}
	s, _ := newTestScheduler(t, exec, &testutil.RecordingNotifier{})
	require.NoError(t, s.Register(testGraph(t, graph.Job{ID: "job", Catchup: true}, command("long", 0, 0))))

	require.NoError(t, s.Tick())
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))

	assert.Equal(t, types.RunCancelled, onlyRun(t, s, "job").Status)
}

func TestLoadJobsJob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	data := `
jobs:
  - id: test
    schedule_interval: 1h
    start_date: 2024-01-01T00:00:00Z
    tasks:
      - task_id: task1
        kind: noop
      - task_id: task2
        kind: noop
        upstream: [task1]
  - id: broken
    schedule_interval: 1h
    tasks:
      - task_id: a
        command: echo a
    edges:
      - {from: a, to: ghost}
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	s, _ := newTestScheduler(t, &testutil.ScriptedExecutor{}, &testutil.RecordingNotifier{})
	job := NewLoadJobsJob(s, testutil.NewLogger(), path)

	err := job.Run()
	var dangling *graph.DanglingEdgeError
	require.ErrorAs(t, err, &dangling)
	assert.Equal(t, "ghost", dangling.Missing)
	assert.True(t, s.HasJob("test"))
	assert.False(t, s.HasJob("broken"))

	// A second pass leaves registered jobs alone.
	err = job.Run()
	assert.ErrorAs(t, err, &dangling)
	assert.Len(t, s.ListJobs(), 1)

	missing := NewLoadJobsJob(s, testutil.NewLogger(), filepath.Join(t.TempDir(), "none.yaml"))
	assert.Error(t, missing.Run())
}
