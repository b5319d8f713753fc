package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/0xPuncker/taskwatch/pkg/types"
	"github.com/0xPuncker/taskwatch/pkg/utils"
	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig          `json:"server"`
	Scheduler types.SchedulerConfig `json:"scheduler"`
	Jobs      JobsConfig            `json:"jobs"`
	Slack     SlackConfig           `json:"slack"`
	LogLevel  string                `json:"log_level"`
}

type ServerConfig struct {
	Port         string         `json:"port"`
	ReadTimeout  utils.Duration `json:"read_timeout"`
	WriteTimeout utils.Duration `json:"write_timeout"`
}

type JobsConfig struct {
	File           string         `json:"file"`
	ReloadInterval utils.Duration `json:"reload_interval"`
}

type SlackConfig struct {
	WebhookURL string   `json:"webhook_url"`
	NotifyOn   []string `json:"notify_on"`
}

// Load reads the JSON config file. When the file is missing the config is
// assembled from the environment, after loading .env or .env.local.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if err := godotenv.Load(); err != nil {
			if err := godotenv.Load(".env.local"); err != nil {
				fmt.Printf("No .env or .env.local file found. Using environment variables.\n")
			}
		}
		return FromEnv()
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if url := os.Getenv("SLACK_WEBHOOK_URL"); url != "" && config.Slack.WebhookURL == "" {
		config.Slack.WebhookURL = url
	}

	return config, nil
}

// FromEnv builds a config from environment variables over the defaults.
func FromEnv() (*Config, error) {
	config := DefaultConfig()

	config.Server.Port = getEnv("PORT", config.Server.Port)
	config.Jobs.File = getEnv("JOBS_FILE", config.Jobs.File)
	config.Scheduler.LogDir = getEnv("LOG_DIR", config.Scheduler.LogDir)
	config.Scheduler.Shell = getEnv("TASK_SHELL", config.Scheduler.Shell)
	config.Slack.WebhookURL = getEnv("SLACK_WEBHOOK_URL", config.Slack.WebhookURL)
	config.LogLevel = getEnv("LOG_LEVEL", config.LogLevel)

	if notifyOn := os.Getenv("SLACK_NOTIFY_ON"); notifyOn != "" {
		config.Slack.NotifyOn = splitList(notifyOn)
	}

	var err error
	if config.Scheduler.TickInterval.Duration, err = getEnvDuration("TICK_INTERVAL", config.Scheduler.TickInterval.Duration); err != nil {
		return nil, err
	}
	if config.Jobs.ReloadInterval.Duration, err = getEnvDuration("JOBS_RELOAD_INTERVAL", config.Jobs.ReloadInterval.Duration); err != nil {
		return nil, err
	}
	if config.Scheduler.MaxWorkers, err = getEnvInt("MAX_WORKERS", config.Scheduler.MaxWorkers); err != nil {
		return nil, err
	}
	if catchup := os.Getenv("CATCHUP"); catchup != "" {
		if config.Scheduler.Catchup, err = strconv.ParseBool(catchup); err != nil {
			return nil, fmt.Errorf("invalid CATCHUP %q: %w", catchup, err)
		}
	}

	return config, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  utils.NewDuration(15 * time.Second),
			WriteTimeout: utils.NewDuration(15 * time.Second),
		},
		Scheduler: types.SchedulerConfig{
			TickInterval: utils.NewDuration(time.Second),
			MaxWorkers:   4,
			Catchup:      true,
			HistoryTTL:   utils.NewDuration(24 * time.Hour),
			KillGrace:    utils.NewDuration(10 * time.Second),
			Shell:        "/bin/sh",
		},
		Jobs: JobsConfig{
			File:           "config/jobs.yaml",
			ReloadInterval: utils.NewDuration(time.Minute),
		},
		Slack: SlackConfig{
			NotifyOn: []string{string(types.RunFailed)},
		},
		LogLevel: "info",
	}
}

// NotifyStatuses converts the configured notify_on list, rejecting statuses
// that can never be reported.
func (c *Config) NotifyStatuses() ([]types.RunStatus, error) {
	statuses := make([]types.RunStatus, 0, len(c.Slack.NotifyOn))
	for _, s := range c.Slack.NotifyOn {
		status := types.RunStatus(strings.ToLower(strings.TrimSpace(s)))
		if !status.IsTerminal() {
			return nil, fmt.Errorf("notify_on: %q is not a terminal run status", s)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
