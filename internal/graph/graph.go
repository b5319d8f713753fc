package graph

import (
	"math"
	"sort"
	"time"

	"github.com/0xPuncker/taskwatch/pkg/types"
	"github.com/robfig/cron/v3"
)

// Job is the immutable, validated definition of a schedulable task graph.
type Job struct {
	ID            string
	Description   string
	Schedule      cron.Schedule
	ScheduleExpr  string
	StartDate     time.Time
	Catchup       bool
	MaxActiveRuns int
	Tags          []string

	Owner          string
	Email          []string
	EmailOnFailure bool
	EmailOnRetry   bool
}

// RetryPolicy controls how often and when a failed task is attempted again.
type RetryPolicy struct {
	Retries     int
	Delay       time.Duration
	Exponential bool
	MaxDelay    time.Duration
}

// MaxAttempts includes the initial attempt.
func (p RetryPolicy) MaxAttempts() int {
	return p.Retries + 1
}

// Backoff returns the delay after the given number of failed attempts.
func (p RetryPolicy) Backoff(failed int) time.Duration {
	if !p.Exponential || failed <= 1 {
		return p.Delay
	}
	delay := p.Delay
	for i := 1; i < failed; i++ {
		if delay > math.MaxInt64/2 {
			delay = math.MaxInt64
			break
		}
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Task is one vertex of a job graph.
type Task struct {
	ID         string
	Kind       types.TaskKind
	Command    string
	Retry      RetryPolicy
	Timeout    time.Duration
	Env        map[string]string
	WorkingDir string
	// Upstream holds the ids this task depends on, in lexical order. Register
	// merges edges into it.
	Upstream []string
}

// Edge declares that From must succeed before To may start.
type Edge struct {
	From string
	To   string
}

// Graph is a registered job together with its validated task DAG. It is never
// mutated after Register returns, so it can be shared by every run of the job.
type Graph struct {
	job        Job
	tasks      map[string]*Task
	ids        []string
	order      []string
	downstream map[string][]string
}

// Register validates tasks and edges for job and builds its graph. Task
// upstream lists and edges are merged into one dependency relation, which must
// be acyclic.
func Register(job Job, tasks []Task, edges []Edge) (*Graph, error) {
	if job.ID == "" {
		return nil, &ValidationError{Reason: "job id cannot be empty"}
	}
	if job.Schedule == nil {
		return nil, &ValidationError{JobID: job.ID, Reason: "job has no schedule"}
	}
	if job.MaxActiveRuns < 0 {
		return nil, &ValidationError{JobID: job.ID, Reason: "max_active_runs cannot be negative"}
	}
	if len(tasks) == 0 {
		return nil, &ValidationError{JobID: job.ID, Reason: ErrNoTasks.Error()}
	}

	g := &Graph{
		job:        job,
		tasks:      make(map[string]*Task, len(tasks)),
		downstream: make(map[string][]string, len(tasks)),
	}

	for _, t := range tasks {
		if _, exists := g.tasks[t.ID]; exists {
			return nil, &DuplicateTaskError{JobID: job.ID, TaskID: t.ID}
		}
		if err := validateTask(job.ID, t); err != nil {
			return nil, err
		}
		task := t
		task.Upstream = nil
		task.Env = copyEnv(t.Env)
		g.tasks[t.ID] = &task
		g.ids = append(g.ids, t.ID)
	}
	sort.Strings(g.ids)

	all := make([]Edge, 0, len(edges))
	for _, t := range tasks {
		for _, up := range t.Upstream {
			all = append(all, Edge{From: up, To: t.ID})
		}
	}
	all = append(all, edges...)

	upstream := make(map[string]map[string]struct{}, len(tasks))
	for _, e := range all {
		for _, id := range []string{e.From, e.To} {
			if _, ok := g.tasks[id]; !ok {
				return nil, &DanglingEdgeError{JobID: job.ID, From: e.From, To: e.To, Missing: id}
			}
		}
		if e.From == e.To {
			return nil, &CycleError{JobID: job.ID, Tasks: []string{e.From}}
		}
		if upstream[e.To] == nil {
			upstream[e.To] = make(map[string]struct{})
		}
		if _, seen := upstream[e.To][e.From]; seen {
			continue
		}
		upstream[e.To][e.From] = struct{}{}
		g.downstream[e.From] = append(g.downstream[e.From], e.To)
	}

	for id, ups := range upstream {
		task := g.tasks[id]
		for up := range ups {
			task.Upstream = append(task.Upstream, up)
		}
		sort.Strings(task.Upstream)
	}
	for id := range g.downstream {
		sort.Strings(g.downstream[id])
	}

	order, unplaced := g.topologicalSort()
	if len(unplaced) > 0 {
		return nil, &CycleError{JobID: job.ID, Tasks: unplaced}
	}
	g.order = order

	return g, nil
}

// topologicalSort runs Kahn's algorithm, always placing the lexically smallest
// available task next. Tasks left unplaced sit on or behind a cycle.
func (g *Graph) topologicalSort() ([]string, []string) {
	indegree := make(map[string]int, len(g.tasks))
	for id, t := range g.tasks {
		indegree[id] = len(t.Upstream)
	}

	var available []string
	for _, id := range g.ids {
		if indegree[id] == 0 {
			available = append(available, id)
		}
	}

	order := make([]string, 0, len(g.ids))
	for len(available) > 0 {
		id := available[0]
		available = available[1:]
		order = append(order, id)

		for _, down := range g.downstream[id] {
			indegree[down]--
			if indegree[down] == 0 {
				i := sort.SearchStrings(available, down)
				available = append(available, "")
				copy(available[i+1:], available[i:])
				available[i] = down
			}
		}
	}

	if len(order) == len(g.ids) {
		return order, nil
	}

	placed := make(map[string]bool, len(order))
	for _, id := range order {
		placed[id] = true
	}
	var unplaced []string
	for _, id := range g.ids {
		if !placed[id] {
			unplaced = append(unplaced, id)
		}
	}
	return order, unplaced
}

func validateTask(jobID string, t Task) error {
	if t.ID == "" {
		return &ValidationError{JobID: jobID, Reason: "task id cannot be empty"}
	}
	switch t.Kind {
	case types.TaskKindCommand:
		if t.Command == "" {
			return &ValidationError{JobID: jobID, TaskID: t.ID, Reason: "command task requires a command"}
		}
	case types.TaskKindNoOp:
		if t.Command != "" {
			return &ValidationError{JobID: jobID, TaskID: t.ID, Reason: "noop task cannot declare a command"}
		}
	default:
		return &ValidationError{JobID: jobID, TaskID: t.ID, Reason: "unknown task kind " + string(t.Kind)}
	}
	if t.Retry.Retries < 0 {
		return &ValidationError{JobID: jobID, TaskID: t.ID, Reason: "retries cannot be negative"}
	}
	if t.Retry.Delay < 0 || t.Timeout < 0 {
		return &ValidationError{JobID: jobID, TaskID: t.ID, Reason: "durations cannot be negative"}
	}
	return nil
}

func copyEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

func (g *Graph) Job() Job {
	return g.job
}

func (g *Graph) ID() string {
	return g.job.ID
}

// Task returns a copy of the task with the given id.
func (g *Graph) Task(id string) (Task, bool) {
	t, ok := g.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// TaskIDs returns every task id in lexical order.
func (g *Graph) TaskIDs() []string {
	return append([]string(nil), g.ids...)
}

// TopologicalOrder returns task ids so that every task follows its upstream
// tasks, breaking ties lexically.
func (g *Graph) TopologicalOrder() []string {
	return append([]string(nil), g.order...)
}

// Downstream returns the ids of tasks that directly depend on id.
func (g *Graph) Downstream(id string) []string {
	return append([]string(nil), g.downstream[id]...)
}
