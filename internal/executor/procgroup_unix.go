//go:build unix

package executor

import (
	"os/exec"
	"sync"
	"syscall"
	"time"
)

type processGroup struct {
	mu    sync.Mutex
	cmd   *exec.Cmd
	grace time.Duration
	timer *time.Timer
}

// newProcessGroup starts cmd as the leader of a new process group and makes
// context cancellation signal the whole group.
func newProcessGroup(cmd *exec.Cmd, grace time.Duration) *processGroup {
	g := &processGroup{cmd: cmd, grace: grace}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = g.terminate
	return g
}

func (g *processGroup) terminate() error {
	pid := g.cmd.Process.Pid
	g.mu.Lock()
	g.timer = time.AfterFunc(g.grace, func() {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	})
	g.mu.Unlock()
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func (g *processGroup) stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
	}
}
