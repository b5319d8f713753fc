package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/0xPuncker/taskwatch/internal/executor"
	"github.com/0xPuncker/taskwatch/internal/graph"
	"github.com/0xPuncker/taskwatch/internal/notifications"
	"github.com/0xPuncker/taskwatch/internal/scheduler"
	"github.com/0xPuncker/taskwatch/pkg/config"
	"github.com/0xPuncker/taskwatch/pkg/types"
	"github.com/0xPuncker/taskwatch/pkg/utils"
	"github.com/spf13/cobra"
)

func newRunCmd(opts *options) *cobra.Command {
	var (
		workers int
		logDir  string
		shell   string
		tick    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <job-id>",
		Short: "Execute one manual run of a job in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := opts.load()
			if err != nil {
				return err
			}
			def, err := config.GetJob(file, args[0])
			if err != nil {
				return err
			}

			// Only the manual run should execute, so the cadence is anchored
			// past anything this process will see.
			now := time.Now()
			pinned := *def
			pinned.StartDate = now.AddDate(100, 0, 0)
			g, err := graph.FromDefinition(pinned, now, false)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			logger := opts.logger(cmd.ErrOrStderr())
			cfg := types.SchedulerConfig{
				TickInterval: utils.NewDuration(tick),
				MaxWorkers:   workers,
				LogDir:       logDir,
				Shell:        shell,
			}
			s := scheduler.NewScheduler(logger, cfg, executor.NewShellExecutor(logger, cfg), notifications.NewLogNotifier(logger))
			if err := s.Register(g); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			run, err := s.Trigger(def.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "run %s of %s started\n", run.RunID, def.ID)

			snapshot, err := waitForRun(ctx, s, run.RunID, tick)
			closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if cerr := s.Close(closeCtx); cerr != nil && err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}

			for _, task := range snapshot.Tasks {
				line := fmt.Sprintf("  %-24s %-16s attempts=%d", task.TaskID, task.Status, task.Attempts)
				if task.LastError != "" {
					line += fmt.Sprintf(" err=%q", task.LastError)
				}
				fmt.Fprintln(out, line)
			}
			fmt.Fprintf(out, "run %s %s\n", snapshot.RunID, snapshot.Status)
			if snapshot.Status != types.RunSucceeded {
				return fmt.Errorf("run %s finished %s", snapshot.RunID, snapshot.Status)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 4, "Maximum concurrently running tasks")
	cmd.Flags().StringVar(&logDir, "log-dir", "", "Directory for task output logs")
	cmd.Flags().StringVar(&shell, "shell", "/bin/sh", "Shell used to run task commands")
	cmd.Flags().DurationVar(&tick, "tick", 200*time.Millisecond, "Scheduler tick interval")
	return cmd
}

// waitForRun ticks the scheduler until the run is terminal. An interrupt
// cancels the run and keeps ticking so its tasks are torn down.
func waitForRun(ctx context.Context, s *scheduler.Scheduler, runID string, tick time.Duration) (types.RunSnapshot, error) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	done := ctx.Done()
	for {
		if err := s.Tick(); err != nil {
			return types.RunSnapshot{}, err
		}
		snapshot, err := s.GetRun(runID)
		if err != nil {
			return types.RunSnapshot{}, err
		}
		if snapshot.Status.IsTerminal() {
			return snapshot, nil
		}

		select {
		case <-done:
			done = nil
			if err := s.CancelRun(runID); err != nil {
				return types.RunSnapshot{}, err
			}
		case <-ticker.C:
		}
	}
}
