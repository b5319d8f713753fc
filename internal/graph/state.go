package graph

import (
	"fmt"
	"sort"
	"time"

	"github.com/0xPuncker/taskwatch/pkg/types"
)

// TaskState is the mutable execution state of one task inside one run.
type TaskState struct {
	Status    types.TaskStatus
	Attempts  int
	LastError error
	StartedAt time.Time
	EndedAt   time.Time
	ResumeAt  time.Time
}

// RunState holds the TaskState of every task of a single run. It is not
// safe for concurrent use; the owning run serialises access.
type RunState struct {
	tasks map[string]*TaskState
}

// NewRunState returns a fresh state with every task Pending.
func (g *Graph) NewRunState() *RunState {
	s := &RunState{tasks: make(map[string]*TaskState, len(g.ids))}
	for _, id := range g.ids {
		s.tasks[id] = &TaskState{Status: types.TaskPending}
	}
	return s
}

// Task returns the live state of a task, or nil for an unknown id.
func (s *RunState) Task(id string) *TaskState {
	return s.tasks[id]
}

// ReadyTasks moves every Pending task whose upstream tasks all Succeeded to
// Ready and returns those tasks in lexical id order. NoOp tasks have no work,
// so they are resolved to Succeeded in place and never returned; because the
// pass walks the topological order, a chain of NoOp tasks resolves in one call.
func (g *Graph) ReadyTasks(s *RunState, now time.Time) []Task {
	var ready []Task
	for _, id := range g.order {
		st := s.tasks[id]
		if st.Status != types.TaskPending || !g.upstreamSucceeded(s, id) {
			continue
		}
		task := g.tasks[id]
		if task.Kind == types.TaskKindNoOp {
			st.Status = types.TaskSucceeded
			st.StartedAt = now
			st.EndedAt = now
			continue
		}
		st.Status = types.TaskReady
		ready = append(ready, *task)
	}
	sort.Slice(ready, func(i, j int) bool {
		return ready[i].ID < ready[j].ID
	})
	return ready
}

func (g *Graph) upstreamSucceeded(s *RunState, id string) bool {
	for _, up := range g.tasks[id].Upstream {
		if s.tasks[up].Status != types.TaskSucceeded {
			return false
		}
	}
	return true
}

// IsTerminal reports whether the run can make no further progress and, if so,
// its final status. Pending tasks behind a permanently Failed upstream task are
// marked Failed with ErrUpstreamFailed; they are never attempted.
func (g *Graph) IsTerminal(s *RunState, now time.Time) (bool, types.RunStatus) {
	for _, id := range g.order {
		st := s.tasks[id]
		if st.Status != types.TaskPending {
			continue
		}
		for _, up := range g.tasks[id].Upstream {
			if s.tasks[up].Status == types.TaskFailed {
				st.Status = types.TaskFailed
				st.LastError = fmt.Errorf("%w: %s", ErrUpstreamFailed, up)
				st.EndedAt = now
				break
			}
		}
	}

	succeeded := 0
	failed := 0
	for _, st := range s.tasks {
		switch st.Status {
		case types.TaskSucceeded:
			succeeded++
		case types.TaskFailed:
			failed++
		default:
			return false, types.RunRunning
		}
	}

	if failed > 0 {
		return true, types.RunFailed
	}
	return true, types.RunSucceeded
}

// Exhausted returns, in lexical order, tasks that failed on their own account
// (as opposed to being skipped behind a failed upstream).
func (g *Graph) Exhausted(s *RunState) []string {
	var out []string
	for _, id := range g.ids {
		st := s.tasks[id]
		if st.Status == types.TaskFailed && st.Attempts > 0 {
			out = append(out, id)
		}
	}
	return out
}

// Failed returns every Failed task in lexical order.
func (g *Graph) Failed(s *RunState) []string {
	var out []string
	for _, id := range g.ids {
		if s.tasks[id].Status == types.TaskFailed {
			out = append(out, id)
		}
	}
	return out
}

// Summaries renders the state in lexical task order.
func (g *Graph) Summaries(s *RunState) []types.TaskSummary {
	out := make([]types.TaskSummary, 0, len(g.ids))
	for _, id := range g.ids {
		st := s.tasks[id]
		summary := types.TaskSummary{
			TaskID:    id,
			Kind:      g.tasks[id].Kind,
			Status:    st.Status,
			Attempts:  st.Attempts,
			StartedAt: st.StartedAt,
			EndedAt:   st.EndedAt,
			ResumeAt:  st.ResumeAt,
		}
		if st.LastError != nil {
			summary.LastError = st.LastError.Error()
		}
		out = append(out, summary)
	}
	return out
}
