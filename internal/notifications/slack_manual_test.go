package notifications

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestSlackNotificationManual(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)

	rootDir := filepath.Dir(filepath.Dir(wd))
	if err := godotenv.Load(filepath.Join(rootDir, ".env.test")); err != nil {
		t.Log("No .env.test file found, using environment variables")
	}

	if os.Getenv("SLACK_WEBHOOK_URL") == "" {
		t.Skip("SLACK_WEBHOOK_URL not set")
	}

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	slack, err := NewSlackService(logger, "")
	require.NoError(t, err)

	summary := failedSummary()
	summary.EmailOnFailure = true
	service := NewNotificationService(slack, nil)
	require.NoError(t, service.NotifyRun(context.Background(), summary))

	t.Logf("Sent failure notification for run %s of %s", summary.RunID, summary.JobID)
}
