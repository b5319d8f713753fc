package notifications

import (
	"context"
	"errors"
	"time"

	"github.com/0xPuncker/taskwatch/pkg/types"
	"github.com/sirupsen/logrus"
)

// LogNotifier writes every run outcome and retry to the log.
type LogNotifier struct {
	logger *logrus.Logger
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyRun(_ context.Context, summary types.RunSummary) error {
	attempts := make(map[string]int, len(summary.Tasks))
	for _, task := range summary.Tasks {
		attempts[task.TaskID] = task.Attempts
	}

	entry := n.logger.WithFields(logrus.Fields{
		"job_id":   summary.JobID,
		"run_id":   summary.RunID,
		"status":   summary.Status,
		"attempts": attempts,
		"duration": summary.Duration().String(),
	})

	switch summary.Status {
	case types.RunFailed:
		entry.WithFields(logrus.Fields{
			"failed_tasks": summary.FailedTasks,
			"error":        summary.Error,
		}).Error("Run notification")
	case types.RunCancelled:
		entry.Warn("Run notification")
	default:
		entry.Info("Run notification")
	}
	return nil
}

func (n *LogNotifier) NotifyRetry(_ context.Context, event types.RetryEvent) error {
	n.logger.WithFields(logrus.Fields{
		"job_id":    event.JobID,
		"run_id":    event.RunID,
		"task_id":   event.TaskID,
		"attempt":   event.Attempt,
		"resume_at": event.ResumeAt.Format(time.RFC3339),
		"error":     event.Error,
	}).Warn("Retry notification")
	return nil
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) NotifyRun(ctx context.Context, summary types.RunSummary) error {
	var errs []error
	for _, n := range f {
		if err := n.NotifyRun(ctx, summary); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) NotifyRetry(ctx context.Context, event types.RetryEvent) error {
	var errs []error
	for _, n := range f {
		if err := n.NotifyRetry(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
