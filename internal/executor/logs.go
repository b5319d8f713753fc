package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/0xPuncker/taskwatch/pkg/types"
)

// LogStorage writes the captured output of each task attempt to
// <base>/<job>/<run>/<task>.<attempt>.log.
type LogStorage struct {
	BaseDir string
}

func NewLogStorage(baseDir string) *LogStorage {
	return &LogStorage{BaseDir: baseDir}
}

func (ls *LogStorage) Path(spec types.CommandSpec) string {
	return filepath.Join(
		ls.BaseDir,
		sanitize(spec.JobID),
		sanitize(spec.RunID),
		fmt.Sprintf("%s.%d.log", sanitize(spec.TaskID), spec.Attempt),
	)
}

func (ls *LogStorage) SaveLog(spec types.CommandSpec, output string) (string, error) {
	path := ls.Path(spec)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		return "", fmt.Errorf("failed to write log file: %w", err)
	}
	return path, nil
}

// sanitize keeps ids usable as single path elements.
func sanitize(name string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return -1
		}
	}, name)
	if clean == "" || clean == "." || clean == ".." {
		return "unnamed"
	}
	return clean
}
