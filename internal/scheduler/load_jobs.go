package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/0xPuncker/taskwatch/pkg/config"
	"github.com/sirupsen/logrus"
)

// LoadJobsJob registers every job of a definitions file that the scheduler
// does not know yet. Jobs already registered are left untouched, so the job
// can run repeatedly against a file that only grows.
type LoadJobsJob struct {
	scheduler *Scheduler
	logger    *logrus.Logger
	path      string
}

func NewLoadJobsJob(scheduler *Scheduler, logger *logrus.Logger, path string) *LoadJobsJob {
	return &LoadJobsJob{
		scheduler: scheduler,
		logger:    logger,
		path:      path,
	}
}

// Run returns the joined registration errors of every rejected job; the
// valid jobs of the file are registered regardless.
func (j *LoadJobsJob) Run() error {
	file, err := config.LoadJobs(j.path)
	if err != nil {
		j.logger.Errorf("Failed to load job definitions: %v", err)
		return err
	}

	var (
		added   []string
		skipped int
		failed  []error
	)

	for _, def := range file.Jobs {
		if j.scheduler.HasJob(def.ID) {
			skipped++
			continue
		}
		if err := j.scheduler.RegisterDefinition(def); err != nil {
			failed = append(failed, fmt.Errorf("job %s: %w", def.ID, err))
			continue
		}
		added = append(added, def.ID)
	}

	if len(added) > 0 {
		j.logger.Infof("Registered %d jobs from %s: %s", len(added), j.path, strings.Join(added, ", "))
	} else {
		j.logger.Debugf("No new jobs in %s (%d already registered)", j.path, skipped)
	}

	if len(failed) > 0 {
		j.logger.Warnf("=== Jobs failed to register (%d) ===", len(failed))
		for _, err := range failed {
			j.logger.Warnf("  %v", err)
		}
	}

	return errors.Join(failed...)
}
