package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/0xPuncker/taskwatch/internal/graph"
	"github.com/0xPuncker/taskwatch/pkg/calendar"
	"github.com/0xPuncker/taskwatch/pkg/types"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	defaultTickInterval = time.Second
	defaultMaxWorkers   = 4
	defaultHistoryTTL   = 24 * time.Hour
	notifyTimeout       = 30 * time.Second
)

// Executor runs the command of a single task attempt. Cancelling ctx must
// terminate the underlying process.
type Executor interface {
	Execute(ctx context.Context, spec types.CommandSpec) (types.CommandResult, error)
}

// Notifier receives run and retry events. Its errors are logged and never
// change run state.
type Notifier interface {
	NotifyRun(ctx context.Context, summary types.RunSummary) error
	NotifyRetry(ctx context.Context, event types.RetryEvent) error
}

type Option func(*Scheduler)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(clock Clock) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

type jobEntry struct {
	graph    *graph.Graph
	nextFire time.Time
	active   []*Run
	pending  []*Run
	lastRun  *Run
}

// Scheduler owns every registered job and every non-terminal run. Tick is the
// single entry point that creates runs, starts them and dispatches ready
// tasks; the cron driver only calls Tick at a fixed cadence.
//
// Lock order is s.mu before Run.mu.
type Scheduler struct {
	mu       sync.RWMutex
	logger   *logrus.Logger
	config   types.SchedulerConfig
	clock    Clock
	executor Executor
	notifier Notifier

	jobs    map[string]*jobEntry
	runs    map[string]*Run
	history *cache.Cache
	queue   eventQueue
	seq     uint64

	sem      chan struct{}
	inflight sync.WaitGroup
	notifyWG sync.WaitGroup

	lastTick time.Time
	halted   *ClockError

	cron    *cron.Cron
	started bool
}

func NewScheduler(logger *logrus.Logger, config types.SchedulerConfig, executor Executor, notifier Notifier, opts ...Option) *Scheduler {
	if config.TickInterval.Duration <= 0 {
		config.TickInterval.Duration = defaultTickInterval
	}
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = defaultMaxWorkers
	}
	if config.HistoryTTL.Duration <= 0 {
		config.HistoryTTL.Duration = defaultHistoryTTL
	}

	s := &Scheduler{
		logger:   logger,
		config:   config,
		clock:    realClock{},
		executor: executor,
		notifier: notifier,
		jobs:     make(map[string]*jobEntry),
		runs:     make(map[string]*Run),
		history:  cache.New(config.HistoryTTL.Duration, config.HistoryTTL.Duration/2),
		sem:      make(chan struct{}, config.MaxWorkers),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a validated graph. Jobs are immutable once registered, so a
// second registration of the same id fails with ErrJobExists.
func (s *Scheduler) Register(g *graph.Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := g.Job()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}

	entry := &jobEntry{
		graph:    g,
		nextFire: calendar.FirstAtOrAfter(job.Schedule, job.StartDate),
	}
	s.jobs[job.ID] = entry
	if !entry.nextFire.IsZero() {
		s.pushEventLocked(&event{at: entry.nextFire, kind: eventFire, jobID: job.ID})
	}

	s.logger.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"schedule":  job.ScheduleExpr,
		"tasks":     len(g.TaskIDs()),
		"catchup":   job.Catchup,
		"next_fire": entry.nextFire.Format(time.RFC3339),
	}).Info("Job registered successfully")

	return nil
}

// RegisterDefinition builds and registers a graph from its declarative form.
func (s *Scheduler) RegisterDefinition(def types.JobDefinition) error {
	g, err := graph.FromDefinition(def, s.clock.Now(), s.config.Catchup)
	if err != nil {
		return err
	}
	return s.Register(g)
}

func (s *Scheduler) HasJob(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.jobs[id]
	return ok
}

// Tick runs one scheduler iteration at the clock's current time: due interval
// fires become runs, expired retry delays release their tasks, pending runs
// start while their job is under max_active_runs, and every Ready task of a
// running run is handed to the worker pool.
//
// If the clock moved backwards since the previous tick the scheduler halts and
// returns a *ClockError; later ticks return ErrSchedulerHalted until Resume.
func (s *Scheduler) Tick() error {
	s.mu.Lock()
	now := s.clock.Now()

	if s.halted != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrSchedulerHalted, s.halted)
	}
	if !s.lastTick.IsZero() && now.Before(s.lastTick) {
		s.halted = &ClockError{Last: s.lastTick, Now: now}
		s.logger.WithFields(logrus.Fields{
			"last_tick": s.lastTick.Format(time.RFC3339Nano),
			"now":       now.Format(time.RFC3339Nano),
		}).Error("Clock moved backwards, scheduler halted")
		err := s.halted
		s.mu.Unlock()
		return err
	}
	s.lastTick = now

	s.processDueEventsLocked(now)
	s.startPendingRunsLocked(now)
	finished := s.advanceRunsLocked(now)
	s.mu.Unlock()

	for _, summary := range finished {
		s.notifyRun(summary)
	}
	return nil
}

func (s *Scheduler) pushEventLocked(ev *event) {
	s.seq++
	ev.seq = s.seq
	s.queue.PushEvent(ev)
}

func (s *Scheduler) processDueEventsLocked(now time.Time) {
	for ev := s.queue.PopDue(now); ev != nil; ev = s.queue.PopDue(now) {
		switch ev.kind {
		case eventFire:
			s.fireLocked(ev, now)
		case eventRetry:
			s.releaseRetryLocked(ev)
		}
	}
}

func (s *Scheduler) fireLocked(ev *event, now time.Time) {
	entry, ok := s.jobs[ev.jobID]
	if !ok {
		return
	}
	job := entry.graph.Job()
	logical := ev.at

	if !job.Catchup {
		due := calendar.Due(job.Schedule, ev.at, now)
		if len(due) > 1 {
			s.logger.WithFields(logrus.Fields{
				"job_id":  job.ID,
				"skipped": len(due) - 1,
			}).Info("Catchup disabled, skipping missed intervals")
		}
		logical = due[len(due)-1]
	}

	s.createRunLocked(entry, logical, now, types.TriggerScheduled)
	// A zero time means the schedule never fires again.
	entry.nextFire = job.Schedule.Next(logical)
	if !entry.nextFire.IsZero() {
		s.pushEventLocked(&event{at: entry.nextFire, kind: eventFire, jobID: job.ID})
	}
}

func (s *Scheduler) releaseRetryLocked(ev *event) {
	run, ok := s.runs[ev.runID]
	if !ok {
		return
	}
	run.mu.Lock()
	defer run.mu.Unlock()

	st := run.state.Task(ev.taskID)
	if st == nil || st.Status != types.TaskRetryScheduled {
		return
	}
	st.Status = types.TaskPending
	st.ResumeAt = time.Time{}
}

func (s *Scheduler) createRunLocked(entry *jobEntry, logical, now time.Time, trigger types.RunTrigger) *Run {
	run := newRun(uuid.NewString(), entry.graph, logical, now, trigger)
	s.runs[run.id] = run
	entry.pending = append(entry.pending, run)
	entry.lastRun = run

	s.logger.WithFields(logrus.Fields{
		"job_id":       run.jobID,
		"run_id":       run.id,
		"logical_date": logical.Format(time.RFC3339),
		"trigger":      trigger,
	}).Info("Run created")
	return run
}

func (s *Scheduler) sortedEntriesLocked() []*jobEntry {
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	entries := make([]*jobEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, s.jobs[id])
	}
	return entries
}

func (s *Scheduler) startPendingRunsLocked(now time.Time) {
	for _, entry := range s.sortedEntriesLocked() {
		limit := entry.graph.Job().MaxActiveRuns
		for len(entry.pending) > 0 && (limit <= 0 || len(entry.active) < limit) {
			run := entry.pending[0]
			entry.pending = entry.pending[1:]

			run.mu.Lock()
			run.status = types.RunRunning
			run.startedAt = now
			run.mu.Unlock()
			entry.active = append(entry.active, run)

			s.logger.WithFields(logrus.Fields{
				"job_id": run.jobID,
				"run_id": run.id,
			}).Debug("Run started")
		}
	}
}

func (s *Scheduler) advanceRunsLocked(now time.Time) []types.RunSummary {
	var finished []types.RunSummary
	for _, entry := range s.sortedEntriesLocked() {
		active := append([]*Run(nil), entry.active...)
		for _, run := range active {
			if summary, done := s.advanceRunLocked(entry, run, now); done {
				finished = append(finished, summary)
			}
		}
	}
	return finished
}

func (s *Scheduler) advanceRunLocked(entry *jobEntry, run *Run, now time.Time) (types.RunSummary, bool) {
	run.mu.Lock()
	defer run.mu.Unlock()

	for _, task := range run.graph.ReadyTasks(run.state, now) {
		s.dispatchLocked(run, task)
	}

	done, status := run.graph.IsTerminal(run.state, now)
	if !done {
		return types.RunSummary{}, false
	}
	if status == types.RunFailed {
		run.err = &RunFailure{
			JobID:     run.jobID,
			RunID:     run.id,
			Exhausted: run.graph.Exhausted(run.state),
			Skipped:   skippedTasks(run),
		}
	}
	return s.finishRunLocked(entry, run, status, now), true
}

func skippedTasks(run *Run) []string {
	var out []string
	for _, id := range run.graph.Failed(run.state) {
		if run.state.Task(id).Attempts == 0 {
			out = append(out, id)
		}
	}
	return out
}

// finishRunLocked moves a run to its terminal status and into history. Both
// s.mu and run.mu must be held.
func (s *Scheduler) finishRunLocked(entry *jobEntry, run *Run, status types.RunStatus, now time.Time) types.RunSummary {
	run.status = status
	run.endedAt = now
	if run.startedAt.IsZero() {
		run.startedAt = now
	}
	run.cancel()

	entry.active = removeRun(entry.active, run)
	entry.pending = removeRun(entry.pending, run)
	delete(s.runs, run.id)
	s.history.Set(run.id, run, cache.DefaultExpiration)

	fields := logrus.Fields{
		"job_id":   run.jobID,
		"run_id":   run.id,
		"status":   status,
		"duration": run.endedAt.Sub(run.startedAt).String(),
	}
	if run.err != nil {
		fields["error"] = run.err.Error()
		s.logger.WithFields(fields).Error("Run finished")
	} else {
		s.logger.WithFields(fields).Info("Run finished")
	}

	return run.summaryLocked()
}

func removeRun(runs []*Run, target *Run) []*Run {
	for i, r := range runs {
		if r == target {
			return append(runs[:i:i], runs[i+1:]...)
		}
	}
	return runs
}

// dispatchLocked hands a Ready task to a worker goroutine. The task stays Ready
// until a worker slot frees up.
func (s *Scheduler) dispatchLocked(run *Run, task graph.Task) {
	spec := types.CommandSpec{
		JobID:      run.jobID,
		RunID:      run.id,
		TaskID:     task.ID,
		Attempt:    run.state.Task(task.ID).Attempts + 1,
		Command:    task.Command,
		Env:        task.Env,
		WorkingDir: task.WorkingDir,
		Timeout:    task.Timeout,
	}

	s.inflight.Add(1)
	run.attempts.Add(1)
	go s.execute(run, task, spec)
}

func (s *Scheduler) execute(run *Run, task graph.Task, spec types.CommandSpec) {
	defer s.inflight.Done()
	defer run.attempts.Done()

	select {
	case s.sem <- struct{}{}:
	case <-run.ctx.Done():
		return
	}

	run.mu.Lock()
	if run.status.IsTerminal() {
		run.mu.Unlock()
		<-s.sem
		return
	}
	st := run.state.Task(task.ID)
	st.Status = types.TaskRunning
	st.Attempts++
	st.StartedAt = s.clock.Now()
	st.EndedAt = time.Time{}
	spec.Attempt = st.Attempts
	run.mu.Unlock()

	logger := s.logger.WithFields(logrus.Fields{
		"job_id":  spec.JobID,
		"run_id":  spec.RunID,
		"task_id": spec.TaskID,
		"attempt": spec.Attempt,
	})
	logger.Info("Starting task execution")

	start := time.Now()
	result, err := s.executor.Execute(run.ctx, spec)
	<-s.sem

	logger = logger.WithField("duration", time.Since(start).String())
	s.complete(run, task, spec.Attempt, result, err, logger)
}

func (s *Scheduler) complete(run *Run, task graph.Task, attempt int, result types.CommandResult, err error, logger *logrus.Entry) {
	var retry *types.RetryEvent

	s.mu.Lock()
	run.mu.Lock()
	now := s.clock.Now()
	st := run.state.Task(task.ID)
	st.EndedAt = now

	switch {
	case err == nil:
		st.Status = types.TaskSucceeded
		st.LastError = nil
		logger.Info("Task execution completed successfully")

	case run.status == types.RunCancelled:
		st.Status = types.TaskFailed
		st.LastError = fmt.Errorf("%w: %v", ErrRunCancelled, err)
		logger.WithField("error", err.Error()).Warn("Task terminated by run cancellation")

	default:
		st.LastError = &TaskExecutionError{
			JobID:    run.jobID,
			RunID:    run.id,
			TaskID:   task.ID,
			Attempt:  attempt,
			ExitCode: result.ExitCode,
			TimedOut: result.TimedOut,
			Err:      err,
		}
		logger = logger.WithField("error", st.LastError.Error())

		if attempt < task.Retry.MaxAttempts() {
			st.Status = types.TaskRetryScheduled
			st.ResumeAt = now.Add(task.Retry.Backoff(attempt))
			s.pushEventLocked(&event{at: st.ResumeAt, kind: eventRetry, jobID: run.jobID, runID: run.id, taskID: task.ID})

			job := run.graph.Job()
			retry = &types.RetryEvent{
				JobID:        run.jobID,
				RunID:        run.id,
				TaskID:       task.ID,
				Attempt:      attempt,
				MaxAttempts:  task.Retry.MaxAttempts(),
				Error:        st.LastError.Error(),
				ResumeAt:     st.ResumeAt,
				Email:        job.Email,
				EmailOnRetry: job.EmailOnRetry,
			}
			logger.WithField("resume_at", st.ResumeAt.Format(time.RFC3339)).Warn("Task execution failed, retry scheduled")
		} else {
			st.Status = types.TaskFailed
			logger.Error("Task execution failed, retries exhausted")
		}
	}
	run.mu.Unlock()
	s.mu.Unlock()

	if retry != nil {
		s.notifyRetry(*retry)
	}
}

// Trigger creates a manual run of a job at the current time, outside its
// cadence. Its tasks are dispatched on the next tick. A halted scheduler
// creates no runs.
func (s *Scheduler) Trigger(jobID string) (types.RunSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted != nil {
		return types.RunSnapshot{}, fmt.Errorf("%w: %v", ErrSchedulerHalted, s.halted)
	}
	entry, ok := s.jobs[jobID]
	if !ok {
		return types.RunSnapshot{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	now := s.clock.Now()
	run := s.createRunLocked(entry, now, now, types.TriggerManual)
	s.startPendingRunsLocked(now)
	return run.Snapshot(), nil
}

// CancelRun terminates a non-terminal run. Running task processes are
// signalled through the run's context and no further task is dispatched.
// The notification is sent once those processes have been torn down, so it
// carries the final task states.
func (s *Scheduler) CancelRun(runID string) error {
	s.mu.Lock()
	run, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		if _, archived := s.history.Get(runID); archived {
			return fmt.Errorf("%w: %s", ErrRunTerminal, runID)
		}
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	run.mu.Lock()
	run.err = ErrRunCancelled
	s.finishRunLocked(s.jobs[run.jobID], run, types.RunCancelled, s.clock.Now())
	run.mu.Unlock()
	s.mu.Unlock()

	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		run.attempts.Wait()

		run.mu.Lock()
		summary := run.summaryLocked()
		run.mu.Unlock()
		s.notifyRun(summary)
	}()
	return nil
}

func (s *Scheduler) notifyRun(summary types.RunSummary) {
	if s.notifier == nil {
		return
	}
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		if err := s.notifier.NotifyRun(ctx, summary); err != nil {
			s.logger.WithFields(logrus.Fields{
				"job_id": summary.JobID,
				"run_id": summary.RunID,
				"error":  err.Error(),
			}).Warn("Failed to deliver run notification")
		}
	}()
}

func (s *Scheduler) notifyRetry(ev types.RetryEvent) {
	if s.notifier == nil {
		return
	}
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		if err := s.notifier.NotifyRetry(ctx, ev); err != nil {
			s.logger.WithFields(logrus.Fields{
				"job_id":  ev.JobID,
				"run_id":  ev.RunID,
				"task_id": ev.TaskID,
				"error":   err.Error(),
			}).Warn("Failed to deliver retry notification")
		}
	}()
}

// Start drives Tick from a cron entry firing every tick interval.
// SkipIfStillRunning keeps a slow tick from overlapping the next one.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}

	cronLogger := cron.PrintfLogger(s.logger)
	if s.logger.IsLevelEnabled(logrus.DebugLevel) {
		cronLogger = cron.VerbosePrintfLogger(s.logger)
	}
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	spec := fmt.Sprintf("@every %s", s.config.TickInterval.Duration)
	if _, err := c.AddFunc(spec, s.tickFromCron); err != nil {
		return fmt.Errorf("failed to schedule tick loop: %w", err)
	}

	c.Start()
	s.cron = c
	s.started = true
	s.logger.WithField("tick_interval", s.config.TickInterval.String()).Info("Scheduler started...")
	return nil
}

func (s *Scheduler) tickFromCron() {
	err := s.Tick()
	if err == nil {
		return
	}
	if errors.Is(err, ErrSchedulerHalted) {
		s.logger.Debug("Tick skipped, scheduler halted")
		return
	}
	s.logger.WithField("error", err.Error()).Error("Tick failed")
}

// Stop halts the tick loop and waits for an in-progress tick. Runs already
// dispatched keep executing; see Close.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	c := s.cron
	s.cron = nil
	s.started = false
	s.mu.Unlock()

	// Tick takes s.mu, so wait for it without holding the lock.
	<-c.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// Halted returns the clock error that stopped the scheduler, if any.
func (s *Scheduler) Halted() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.halted == nil {
		return nil
	}
	return s.halted
}

// Resume clears a clock halt once the clock has caught up with the last
// accepted tick.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted == nil {
		return nil
	}
	now := s.clock.Now()
	if now.Before(s.lastTick) {
		return &ClockError{Last: s.lastTick, Now: now}
	}
	s.halted = nil
	s.logger.WithField("now", now.Format(time.RFC3339Nano)).Info("Scheduler resumed")
	return nil
}

// Wait blocks until every dispatched task execution and pending notification
// has returned.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
	s.notifyWG.Wait()
}

// Close stops the tick loop, cancels every non-terminal run and waits for
// in-flight work until ctx expires.
func (s *Scheduler) Close(ctx context.Context) error {
	s.Stop()

	s.mu.RLock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		if err := s.CancelRun(id); err != nil && !errors.Is(err, ErrRunTerminal) && !errors.Is(err, ErrRunNotFound) {
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight tasks: %w", ctx.Err())
	}
}
