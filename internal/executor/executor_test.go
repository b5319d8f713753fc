package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/0xPuncker/taskwatch/internal/testutil"
	"github.com/0xPuncker/taskwatch/pkg/types"
	"github.com/0xPuncker/taskwatch/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecutor(t *testing.T, config types.SchedulerConfig) *ShellExecutor {
	t.Helper()
	return NewShellExecutor(testutil.NewLogger(), config)
}

func spec(command string) types.CommandSpec {
	return types.CommandSpec{
		JobID:   "daily_backup",
		RunID:   "run-1",
		TaskID:  "backup",
		Attempt: 1,
		Command: command,
	}
}

func TestExecuteSuccess(t *testing.T) {
	e := newExecutor(t, types.SchedulerConfig{})

	s := spec(`echo "$GREETING from $TASKWATCH_TASK_ID"; echo oops >&2`)
	s.Env = map[string]string{"GREETING": "hello"}

	result, err := e.Execute(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Output, "hello from backup")
	assert.Contains(t, result.Output, "oops")
	assert.False(t, result.TimedOut)
	assert.Empty(t, result.LogPath)
}

func TestExecuteWorkingDir(t *testing.T) {
	dir := t.TempDir()
	e := newExecutor(t, types.SchedulerConfig{})

	s := spec("pwd")
	s.WorkingDir = dir
	result, err := e.Execute(context.Background(), s)
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, want, strings.TrimSpace(result.Output))
}

func TestExecuteNonZeroExit(t *testing.T) {
	e := newExecutor(t, types.SchedulerConfig{})

	result, err := e.Execute(context.Background(), spec("echo failing; exit 3"))
	require.Error(t, err)
	assert.Equal(t, 3, result.ExitCode)
	assert.Contains(t, err.Error(), "exited with code 3")
	assert.Contains(t, result.Output, "failing")
	assert.False(t, result.TimedOut)
}

func TestExecuteTimeoutKillsProcess(t *testing.T) {
	e := newExecutor(t, types.SchedulerConfig{KillGrace: utils.NewDuration(time.Second)})

	s := spec("sleep 30")
	s.Timeout = 200 * time.Millisecond

	start := time.Now()
	result, err := e.Execute(context.Background(), s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, result.TimedOut)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecuteEscalatesToKill(t *testing.T) {
	e := newExecutor(t, types.SchedulerConfig{KillGrace: utils.NewDuration(200 * time.Millisecond)})

	// Ignored signals survive exec, so sleep ignores SIGTERM too.
	s := spec("trap '' TERM; sleep 30")
	s.Timeout = 100 * time.Millisecond

	start := time.Now()
	result, err := e.Execute(context.Background(), s)
	require.Error(t, err)
	assert.True(t, result.TimedOut)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecuteCancelled(t *testing.T) {
	e := newExecutor(t, types.SchedulerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	result, err := e.Execute(ctx, spec("sleep 30"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, result.TimedOut)
}

func TestExecuteWritesLog(t *testing.T) {
	dir := t.TempDir()
	e := newExecutor(t, types.SchedulerConfig{LogDir: dir})

	s := spec("echo attempt output")
	s.Attempt = 2
	result, err := e.Execute(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "daily_backup", "run-1", "backup.2.log"), result.LogPath)
	data, err := os.ReadFile(result.LogPath)
	require.NoError(t, err)
	assert.Equal(t, "attempt output\n", string(data))
}

func TestBoundedBuffer(t *testing.T) {
	b := &boundedBuffer{max: 5}

	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = b.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	assert.Equal(t, "abcde\n[output truncated]", b.String())
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"daily_backup", "daily_backup"},
		{"../../etc", "....etc"},
		{"..", "unnamed"},
		{"a b/c", "abc"},
		{"", "unnamed"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitize(tt.in), tt.in)
	}
}
