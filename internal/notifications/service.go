package notifications

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/0xPuncker/taskwatch/pkg/types"
	"github.com/0xPuncker/taskwatch/pkg/utils"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Notifier is implemented by everything that can deliver run and retry
// events.
type Notifier interface {
	NotifyRun(ctx context.Context, summary types.RunSummary) error
	NotifyRetry(ctx context.Context, event types.RetryEvent) error
}

// NotificationService posts run outcomes to Slack. Runs are reported when
// their status is listed in notifyOn, or when they failed and the job sets
// email_on_failure. Retries are reported only for jobs with email_on_retry.
type NotificationService struct {
	slackService *SlackService
	notifyOn     map[types.RunStatus]bool
}

func NewNotificationService(slackService *SlackService, notifyOn []types.RunStatus) *NotificationService {
	s := &NotificationService{
		slackService: slackService,
		notifyOn:     make(map[types.RunStatus]bool, len(notifyOn)),
	}
	for _, status := range notifyOn {
		s.notifyOn[status] = true
	}
	return s
}

func (s *NotificationService) shouldNotify(summary types.RunSummary) bool {
	if s.notifyOn[summary.Status] {
		return true
	}
	return summary.Status == types.RunFailed && summary.EmailOnFailure
}

func (s *NotificationService) NotifyRun(ctx context.Context, summary types.RunSummary) error {
	if s.slackService == nil || !s.shouldNotify(summary) {
		return nil
	}
	return s.slackService.SendSlackMessage(ctx, s.formatRunNotification(summary))
}

func (s *NotificationService) NotifyRetry(ctx context.Context, event types.RetryEvent) error {
	if s.slackService == nil || !event.EmailOnRetry {
		return nil
	}
	return s.slackService.SendSlackMessage(ctx, s.formatRetryNotification(event))
}

func statusStyle(status types.RunStatus) (string, string) {
	switch status {
	case types.RunSucceeded:
		return "good", "✅"
	case types.RunFailed:
		return "danger", "❌"
	case types.RunCancelled:
		return "warning", "🛑"
	default:
		return "#808080", "ℹ️"
	}
}

func (s *NotificationService) formatRunNotification(summary types.RunSummary) *SlackMessage {
	color, icon := statusStyle(summary.Status)

	fields := []Field{
		{
			Title: "Run ID",
			Value: summary.RunID,
			Short: true,
		},
		{
			Title: "Status",
			Value: string(summary.Status),
			Short: true,
		},
		{
			Title: "Logical Date",
			Value: summary.LogicalDate.Format(time.RFC1123),
			Short: true,
		},
		{
			Title: "Trigger",
			Value: string(summary.Trigger),
			Short: true,
		},
	}

	if d := summary.Duration(); d > 0 {
		fields = append(fields, Field{
			Title: "Duration",
			Value: d.Round(time.Second).String(),
			Short: true,
		})
	}

	var attempts []string
	for _, task := range summary.Tasks {
		attempts = append(attempts, fmt.Sprintf("%s: %s (%d attempts)", task.TaskID, task.Status, task.Attempts))
	}
	fields = append(fields, Field{
		Title: "Tasks",
		Value: strings.Join(attempts, "\n"),
		Short: false,
	})

	if len(summary.FailedTasks) > 0 {
		fields = append(fields, Field{
			Title: "Failed Tasks",
			Value: strings.Join(summary.FailedTasks, ", "),
			Short: false,
		})
	}

	attachment := Attachment{
		Color:  color,
		Fields: fields,
		Text:   summary.Error,
		Ts:     summary.EndedAt.Unix(),
	}
	var footer []string
	if summary.Owner != "" {
		footer = append(footer, fmt.Sprintf("Owner: %s", summary.Owner))
	}
	if len(summary.Email) > 0 {
		footer = append(footer, fmt.Sprintf("Contacts: %s", strings.Join(summary.Email, ", ")))
	}
	attachment.Footer = strings.Join(footer, " | ")

	return &SlackMessage{
		Text:        fmt.Sprintf("%s %s run %s", icon, cases.Title(language.English).String(summary.JobID), summary.Status),
		Attachments: []Attachment{attachment},
	}
}

func (s *NotificationService) formatRetryNotification(event types.RetryEvent) *SlackMessage {
	fields := []Field{
		{
			Title: "Task",
			Value: event.TaskID,
			Short: true,
		},
		{
			Title: "Attempt",
			Value: fmt.Sprintf("%d of %d", event.Attempt, event.MaxAttempts),
			Short: true,
		},
		{
			Title: "Next Attempt",
			Value: event.ResumeAt.Format(time.RFC1123),
			Short: true,
		},
		{
			Title: "Time Until Retry",
			Value: utils.FormatDuration(time.Until(event.ResumeAt)),
			Short: true,
		},
		{
			Title: "Error",
			Value: event.Error,
			Short: false,
		},
	}

	return &SlackMessage{
		Text: fmt.Sprintf("🔁 %s task %s will be retried", cases.Title(language.English).String(event.JobID), event.TaskID),
		Attachments: []Attachment{
			{
				Color:  "warning",
				Fields: fields,
				Footer: fmt.Sprintf("Run: %s", event.RunID),
				Ts:     time.Now().Unix(),
			},
		},
	}
}
