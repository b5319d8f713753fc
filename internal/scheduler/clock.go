package scheduler

import "time"

// Clock abstracts time so ticks can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

// Now drops the monotonic reading. Comparisons between two readings would
// otherwise use it alone and never see the wall clock stepping backwards.
func (realClock) Now() time.Time { return time.Now().Round(0) }
