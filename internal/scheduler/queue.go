package scheduler

import (
	"container/heap"
	"time"
)

type eventKind int

const (
	// eventFire creates a run of a job at its logical date.
	eventFire eventKind = iota
	// eventRetry moves a RetryScheduled task back to Pending.
	eventRetry
)

// event is an entry of the single time-ordered queue that drives both
// interval triggers and retry delays.
type event struct {
	at     time.Time
	kind   eventKind
	jobID  string
	runID  string
	taskID string
	seq    uint64
	index  int
}

type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q eventQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *eventQueue) Push(x any) {
	ev := x.(*event)
	ev.index = len(*q)
	*q = append(*q, ev)
}

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	ev.index = -1
	*q = old[:n-1]
	return ev
}

func (q *eventQueue) Peek() *event {
	if len(*q) == 0 {
		return nil
	}
	return (*q)[0]
}

func (q *eventQueue) PushEvent(ev *event) {
	heap.Push(q, ev)
}

// PopDue removes and returns the earliest event if it is due at now.
func (q *eventQueue) PopDue(now time.Time) *event {
	next := q.Peek()
	if next == nil || next.at.After(now) {
		return nil
	}
	return heap.Pop(q).(*event)
}
