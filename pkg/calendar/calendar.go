// Package calendar computes fire times for job schedules.
package calendar

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// IntervalSchedule fires at Start + k*Interval for every k >= 0. Unlike
// cron.ConstantDelaySchedule it is anchored, so fire times never drift with
// the moment Next is called.
type IntervalSchedule struct {
	Start    time.Time
	Interval time.Duration
}

// Every returns an anchored fixed-cadence schedule.
func Every(start time.Time, interval time.Duration) (IntervalSchedule, error) {
	if interval <= 0 {
		return IntervalSchedule{}, fmt.Errorf("interval must be positive, got %s", interval)
	}
	if start.IsZero() {
		return IntervalSchedule{}, fmt.Errorf("start time cannot be empty")
	}
	return IntervalSchedule{Start: start, Interval: interval}, nil
}

// Next returns the first fire time strictly after t.
func (s IntervalSchedule) Next(t time.Time) time.Time {
	if t.Before(s.Start) {
		return s.Start
	}
	k := t.Sub(s.Start)/s.Interval + 1
	return s.Start.Add(k * s.Interval)
}

func (s IntervalSchedule) String() string {
	return fmt.Sprintf("@every %s", s.Interval)
}

// FirstAtOrAfter returns the first fire time of sched at or after t.
func FirstAtOrAfter(sched cron.Schedule, t time.Time) time.Time {
	return sched.Next(t.Add(-time.Nanosecond))
}

// Due returns every fire time from next up to and including now, in order.
// An empty slice means nothing is due yet.
func Due(sched cron.Schedule, next, now time.Time) []time.Time {
	var due []time.Time
	for !next.IsZero() && !next.After(now) {
		due = append(due, next)
		next = sched.Next(next)
	}
	return due
}

// Upcoming returns the next n fire times at or after from.
func Upcoming(sched cron.Schedule, from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	next := FirstAtOrAfter(sched, from)
	for i := 0; i < n && !next.IsZero(); i++ {
		out = append(out, next)
		next = sched.Next(next)
	}
	return out
}
