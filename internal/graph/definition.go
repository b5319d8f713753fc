package graph

import (
	"fmt"
	"time"

	"github.com/0xPuncker/taskwatch/pkg/calendar"
	"github.com/0xPuncker/taskwatch/pkg/types"
	"github.com/robfig/cron/v3"
)

// FromDefinition turns a declarative job definition into a registered graph.
// now anchors interval schedules whose definition has no start_date, and
// defaultCatchup applies when the definition leaves catchup unset.
func FromDefinition(def types.JobDefinition, now time.Time, defaultCatchup bool) (*Graph, error) {
	start := def.StartDate
	if start.IsZero() {
		start = now.Truncate(time.Second)
	}

	schedule, expr, err := parseSchedule(def, start)
	if err != nil {
		return nil, err
	}

	catchup := defaultCatchup
	if def.Catchup != nil {
		catchup = *def.Catchup
	}

	job := Job{
		ID:             def.ID,
		Description:    def.Description,
		Schedule:       schedule,
		ScheduleExpr:   expr,
		StartDate:      start,
		Catchup:        catchup,
		MaxActiveRuns:  def.MaxActiveRuns,
		Tags:           append([]string(nil), def.Tags...),
		Owner:          def.Defaults.Owner,
		Email:          append([]string(nil), def.Defaults.Email...),
		EmailOnFailure: def.Defaults.EmailOnFailure,
		EmailOnRetry:   def.Defaults.EmailOnRetry,
	}

	tasks := make([]Task, 0, len(def.Tasks))
	for _, td := range def.Tasks {
		kind := td.Kind
		if kind == "" {
			kind = types.TaskKindCommand
		}

		retry := RetryPolicy{
			Retries:     def.Defaults.Retries,
			Delay:       def.Defaults.RetryDelay.Duration,
			Exponential: def.Defaults.RetryExponentialBackoff,
			MaxDelay:    def.Defaults.MaxRetryDelay.Duration,
		}
		if td.Retries != nil {
			retry.Retries = *td.Retries
		}
		if td.RetryDelay != nil {
			retry.Delay = td.RetryDelay.Duration
		}

		timeout := def.Defaults.ExecutionTimeout.Duration
		if td.ExecutionTimeout != nil {
			timeout = td.ExecutionTimeout.Duration
		}

		tasks = append(tasks, Task{
			ID:         td.ID,
			Kind:       kind,
			Command:    td.Command,
			Retry:      retry,
			Timeout:    timeout,
			Env:        td.Env,
			WorkingDir: td.WorkingDir,
			Upstream:   td.Upstream,
		})
	}

	edges := make([]Edge, 0, len(def.Edges))
	for _, e := range def.Edges {
		edges = append(edges, Edge{From: e.From, To: e.To})
	}

	return Register(job, tasks, edges)
}

func parseSchedule(def types.JobDefinition, start time.Time) (cron.Schedule, string, error) {
	interval := def.Interval.Duration
	switch {
	case def.Schedule != "" && interval > 0:
		return nil, "", &ValidationError{JobID: def.ID, Reason: "set either schedule or schedule_interval, not both"}
	case interval > 0:
		s, err := calendar.Every(start, interval)
		if err != nil {
			return nil, "", &ValidationError{JobID: def.ID, Reason: err.Error()}
		}
		return s, s.String(), nil
	case def.Schedule != "":
		parsed, err := cron.ParseStandard(def.Schedule)
		if err != nil {
			return nil, "", &ValidationError{JobID: def.ID, Reason: fmt.Sprintf("invalid schedule %q: %v", def.Schedule, err)}
		}
		// @every descriptors are re-anchored on the start date so runs keep a
		// fixed cadence.
		if every, ok := parsed.(cron.ConstantDelaySchedule); ok {
			s, err := calendar.Every(start, every.Delay)
			if err != nil {
				return nil, "", &ValidationError{JobID: def.ID, Reason: err.Error()}
			}
			return s, def.Schedule, nil
		}
		return parsed, def.Schedule, nil
	default:
		return nil, "", &ValidationError{JobID: def.ID, Reason: "schedule or schedule_interval is required"}
	}
}
