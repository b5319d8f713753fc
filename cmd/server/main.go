package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/0xPuncker/taskwatch/internal/api"
	"github.com/0xPuncker/taskwatch/internal/config"
	"github.com/0xPuncker/taskwatch/internal/executor"
	"github.com/0xPuncker/taskwatch/internal/notifications"
	"github.com/0xPuncker/taskwatch/internal/poller"
	"github.com/0xPuncker/taskwatch/internal/scheduler"
	"github.com/dimiro1/banner"
	"github.com/joho/godotenv"
	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
)

const bannerText = `
{{ .Title "Taskwatch" "" 0 }}
{{ .AnsiBackground.BrightBlue }}{{ .AnsiColor.White }}
{{ .AnsiReset }}
`

func main() {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Printf("No .env or .env.local file found. Using environment variables.\n")
		}
	}

	banner.Init(colorable.NewColorableStdout(), true, true, strings.NewReader(bannerText))

	configPath := flag.String("config", "config/config.json", "path to config file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05-07:00",
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warnf("Invalid log level %q, using info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	notifyOn, err := cfg.NotifyStatuses()
	if err != nil {
		logger.Fatalf("Invalid slack config: %v", err)
	}

	slack, err := notifications.NewSlackService(logger, cfg.Slack.WebhookURL)
	if err != nil {
		logger.Warnf("Slack notifications disabled: %v", err)
	}

	notifier := notifications.Fanout{
		notifications.NewLogNotifier(logger),
		notifications.NewNotificationService(slack, notifyOn),
	}

	s := scheduler.NewScheduler(logger, cfg.Scheduler, executor.NewShellExecutor(logger, cfg.Scheduler), notifier)

	loadJobs := scheduler.NewLoadJobsJob(s, logger, cfg.Jobs.File)
	if err := loadJobs.Run(); err != nil {
		logger.Errorf("Some job definitions were not registered: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := poller.NewDefinitionPoller(loadJobs, cfg.Jobs.File, logger, cfg.Jobs.ReloadInterval.Duration)
	go p.Start(ctx)

	startupNotifier := notifications.NewStartupNotifier(s, slack, logger)
	go func() {
		if err := startupNotifier.NotifyStartup(ctx); err != nil && ctx.Err() == nil {
			logger.Warnf("Failed to send startup notification: %v", err)
		}
	}()

	if err := s.Start(); err != nil {
		logger.Fatalf("Failed to start scheduler: %v", err)
	}

	server := api.NewServer(cfg.Server, api.NewHandler(s, logger, cfg))
	go func() {
		if err := server.Start(); err != nil {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	logger.Infof("Server started on port %s - Press Ctrl+C to stop.", cfg.Server.Port)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("Shutting down...")

	cancel()
	p.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Scheduler.KillGrace.Duration+5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	}
	if err := s.Close(shutdownCtx); err != nil {
		logger.Errorf("Scheduler shutdown failed: %v", err)
	}

	logger.Info("Server stopped")
}
