package scheduler

import (
	"fmt"
	"sort"

	"github.com/0xPuncker/taskwatch/pkg/types"
)

// ListJobs returns every registered job in id order.
func (s *Scheduler) ListJobs() []types.JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.sortedEntriesLocked()
	jobs := make([]types.JobStatus, 0, len(entries))
	for _, entry := range entries {
		jobs = append(jobs, entry.status())
	}
	return jobs
}

func (s *Scheduler) GetJob(id string) (types.JobStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.jobs[id]
	if !ok {
		return types.JobStatus{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return entry.status(), nil
}

func (e *jobEntry) status() types.JobStatus {
	job := e.graph.Job()
	st := types.JobStatus{
		ID:            job.ID,
		Description:   job.Description,
		Schedule:      job.ScheduleExpr,
		Owner:         job.Owner,
		Tags:          job.Tags,
		Catchup:       job.Catchup,
		MaxActiveRuns: job.MaxActiveRuns,
		NextFire:      e.nextFire,
		ActiveRuns:    len(e.active),
		PendingRuns:   len(e.pending),
		Tasks:         e.graph.TopologicalOrder(),
	}
	if e.lastRun != nil {
		e.lastRun.mu.Lock()
		st.LastRunID = e.lastRun.id
		st.LastStatus = e.lastRun.status
		e.lastRun.mu.Unlock()
	}
	return st
}

// GetRun looks a run up among the active runs and the retained history.
func (s *Scheduler) GetRun(runID string) (types.RunSnapshot, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if ok {
		return run.Snapshot(), nil
	}

	if cached, found := s.history.Get(runID); found {
		return cached.(*Run).Snapshot(), nil
	}
	return types.RunSnapshot{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
}

// ListRuns returns the active and retained runs of a job, oldest logical date
// first.
func (s *Scheduler) ListRuns(jobID string) ([]types.RunSnapshot, error) {
	s.mu.RLock()
	if _, ok := s.jobs[jobID]; !ok {
		s.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	runs := make(map[string]*Run)
	for id, run := range s.runs {
		if run.jobID == jobID {
			runs[id] = run
		}
	}
	s.mu.RUnlock()

	// A run finishing between the two reads shows up in both; the map keeps one.
	for id, item := range s.history.Items() {
		if run, ok := item.Object.(*Run); ok && run.jobID == jobID {
			runs[id] = run
		}
	}

	snapshots := make([]types.RunSnapshot, 0, len(runs))
	for _, run := range runs {
		snapshots = append(snapshots, run.Snapshot())
	}
	sort.Slice(snapshots, func(i, j int) bool {
		if snapshots[i].LogicalDate.Equal(snapshots[j].LogicalDate) {
			if snapshots[i].CreatedAt.Equal(snapshots[j].CreatedAt) {
				return snapshots[i].RunID < snapshots[j].RunID
			}
			return snapshots[i].CreatedAt.Before(snapshots[j].CreatedAt)
		}
		return snapshots[i].LogicalDate.Before(snapshots[j].LogicalDate)
	})
	return snapshots, nil
}
