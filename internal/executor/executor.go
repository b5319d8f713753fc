package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/0xPuncker/taskwatch/pkg/types"
	"github.com/sirupsen/logrus"
)

const (
	defaultShell     = "/bin/sh"
	defaultKillGrace = 10 * time.Second
	defaultMaxOutput = 1 << 20
)

// ShellExecutor runs task commands through a shell, each in its own process
// group so a timeout or cancellation also reaches the command's children.
type ShellExecutor struct {
	logger    *logrus.Logger
	shell     string
	killGrace time.Duration
	maxOutput int
	logs      *LogStorage
}

func NewShellExecutor(logger *logrus.Logger, config types.SchedulerConfig) *ShellExecutor {
	e := &ShellExecutor{
		logger:    logger,
		shell:     config.Shell,
		killGrace: config.KillGrace.Duration,
		maxOutput: defaultMaxOutput,
	}
	if e.shell == "" {
		e.shell = defaultShell
	}
	if e.killGrace <= 0 {
		e.killGrace = defaultKillGrace
	}
	if config.LogDir != "" {
		e.logs = NewLogStorage(config.LogDir)
	}
	return e
}

// Execute runs spec.Command to completion, to spec.Timeout, or until ctx is
// cancelled. The process group gets SIGTERM first and SIGKILL once the kill
// grace period has passed.
func (e *ShellExecutor) Execute(ctx context.Context, spec types.CommandSpec) (types.CommandResult, error) {
	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, e.shell, "-c", spec.Command)
	cmd.Dir = spec.WorkingDir
	cmd.Env = buildEnv(spec)

	out := &boundedBuffer{max: e.maxOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	group := newProcessGroup(cmd, e.killGrace)
	defer group.stop()
	// Wait gives up on the output pipes if a grandchild keeps them open.
	cmd.WaitDelay = e.killGrace + time.Second

	start := time.Now()
	err := cmd.Run()
	result := types.CommandResult{
		ExitCode: exitCode(cmd, err),
		Output:   out.String(),
		Duration: time.Since(start),
	}

	switch {
	case err == nil:
	case ctx.Err() != nil:
		err = fmt.Errorf("command cancelled: %w", ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
		err = fmt.Errorf("command exceeded execution timeout of %s: %w", spec.Timeout, context.DeadlineExceeded)
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = fmt.Errorf("command exited with code %d: %w", result.ExitCode, err)
		} else {
			err = fmt.Errorf("failed to run command: %w", err)
		}
	}

	if e.logs != nil {
		path, logErr := e.logs.SaveLog(spec, result.Output)
		if logErr != nil {
			e.logger.WithFields(logrus.Fields{
				"job_id":  spec.JobID,
				"run_id":  spec.RunID,
				"task_id": spec.TaskID,
				"error":   logErr.Error(),
			}).Warn("Failed to save task log")
		}
		result.LogPath = path
	}

	e.logger.WithFields(logrus.Fields{
		"job_id":    spec.JobID,
		"run_id":    spec.RunID,
		"task_id":   spec.TaskID,
		"attempt":   spec.Attempt,
		"exit_code": result.ExitCode,
		"duration":  result.Duration.String(),
	}).Debug("Command finished")

	return result, err
}

func buildEnv(spec types.CommandSpec) []string {
	env := os.Environ()
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+spec.Env[k])
	}
	return append(env,
		"TASKWATCH_JOB_ID="+spec.JobID,
		"TASKWATCH_RUN_ID="+spec.RunID,
		"TASKWATCH_TASK_ID="+spec.TaskID,
		fmt.Sprintf("TASKWATCH_ATTEMPT=%d", spec.Attempt),
	)
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// boundedBuffer keeps the first max bytes of output and drops the rest.
// exec.Cmd serialises writes when Stdout and Stderr share the writer.
type boundedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
