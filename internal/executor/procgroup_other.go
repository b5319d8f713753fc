//go:build !unix

package executor

import (
	"os/exec"
	"time"
)

type processGroup struct{}

// Without process groups only the shell itself is killed on cancellation.
func newProcessGroup(cmd *exec.Cmd, _ time.Duration) *processGroup {
	return &processGroup{}
}

func (g *processGroup) stop() {}
