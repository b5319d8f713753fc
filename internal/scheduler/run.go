package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/0xPuncker/taskwatch/internal/graph"
	"github.com/0xPuncker/taskwatch/pkg/types"
)

// Run is one execution instance of a job's graph. The graph itself is shared
// and immutable; everything mutable lives in state and is guarded by mu.
type Run struct {
	mu sync.Mutex

	id          string
	jobID       string
	graph       *graph.Graph
	trigger     types.RunTrigger
	logicalDate time.Time
	createdAt   time.Time
	startedAt   time.Time
	endedAt     time.Time
	status      types.RunStatus
	state       *graph.RunState
	err         error

	ctx    context.Context
	cancel context.CancelFunc
	// attempts counts dispatched executions that have not returned.
	attempts sync.WaitGroup
}

func newRun(id string, g *graph.Graph, logicalDate, now time.Time, trigger types.RunTrigger) *Run {
	ctx, cancel := context.WithCancel(context.Background())
	return &Run{
		id:          id,
		jobID:       g.ID(),
		graph:       g,
		trigger:     trigger,
		logicalDate: logicalDate,
		createdAt:   now,
		status:      types.RunPending,
		state:       g.NewRunState(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (r *Run) ID() string { return r.id }

func (r *Run) JobID() string { return r.jobID }

// Snapshot copies the run for callers outside the scheduler.
func (r *Run) Snapshot() types.RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Run) snapshotLocked() types.RunSnapshot {
	snap := types.RunSnapshot{
		RunID:       r.id,
		JobID:       r.jobID,
		Status:      r.status,
		Trigger:     r.trigger,
		LogicalDate: r.logicalDate,
		CreatedAt:   r.createdAt,
		StartedAt:   r.startedAt,
		EndedAt:     r.endedAt,
		Tasks:       r.graph.Summaries(r.state),
	}
	if r.err != nil {
		snap.Error = r.err.Error()
	}
	return snap
}

func (r *Run) summaryLocked() types.RunSummary {
	job := r.graph.Job()
	return types.RunSummary{
		RunSnapshot:    r.snapshotLocked(),
		Owner:          job.Owner,
		Email:          job.Email,
		EmailOnFailure: job.EmailOnFailure,
		FailedTasks:    r.graph.Failed(r.state),
	}
}
