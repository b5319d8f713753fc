package notifications

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/0xPuncker/taskwatch/pkg/types"
	"github.com/0xPuncker/taskwatch/pkg/utils"
	"github.com/sirupsen/logrus"
)

type JobLister interface {
	ListJobs() []types.JobStatus
}

// StartupNotifier announces the registered jobs once the process is up.
type StartupNotifier struct {
	jobs         JobLister
	slack        *SlackService
	logger       *logrus.Logger
	initialDelay time.Duration
}

func NewStartupNotifier(jobs JobLister, slack *SlackService, logger *logrus.Logger) *StartupNotifier {
	return &StartupNotifier{
		jobs:         jobs,
		slack:        slack,
		logger:       logger,
		initialDelay: 5 * time.Second,
	}
}

func (n *StartupNotifier) NotifyStartup(ctx context.Context) error {
	select {
	case <-time.After(n.initialDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	jobs := n.jobs.ListJobs()
	lines := make([]string, 0, len(jobs))
	for _, job := range jobs {
		line := fmt.Sprintf("• %s (%s) next run in %s", job.ID, job.Schedule, utils.FormatDuration(time.Until(job.NextFire)))
		lines = append(lines, line)
		n.logger.WithFields(logrus.Fields{
			"job_id":    job.ID,
			"schedule":  job.Schedule,
			"next_fire": job.NextFire.Format(time.RFC3339),
		}).Info("Job scheduled")
	}

	if n.slack == nil {
		return nil
	}

	message := &SlackMessage{
		Text: fmt.Sprintf("🚀 Scheduler started with %d jobs", len(jobs)),
		Attachments: []Attachment{
			{
				Color:  "#36a64f",
				Text:   strings.Join(lines, "\n"),
				Footer: fmt.Sprintf("Started: %s", time.Now().Format("Mon, 02 Jan 2006 15:04:05 MST")),
				Ts:     time.Now().Unix(),
			},
		},
	}
	return n.slack.SendSlackMessage(ctx, message)
}
