package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/0xPuncker/taskwatch/pkg/types"
	"gopkg.in/yaml.v3"
)

const DefaultJobsFile = "config/jobs.yaml"

// LoadJobs reads a job definitions file. Unknown keys are rejected so a typo
// in a task field does not silently fall back to a default.
func LoadJobs(path string) (*types.JobsFile, error) {
	if path == "" {
		path = DefaultJobsFile
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs file: %w", err)
	}

	return ParseJobs(data)
}

func ParseJobs(data []byte) (*types.JobsFile, error) {
	var file types.JobsFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse jobs file: %w", err)
	}

	seen := make(map[string]bool, len(file.Jobs))
	for i, job := range file.Jobs {
		if job.ID == "" {
			return nil, fmt.Errorf("job #%d has no id", i+1)
		}
		if seen[job.ID] {
			return nil, fmt.Errorf("job %s declared more than once", job.ID)
		}
		seen[job.ID] = true
	}

	return &file, nil
}

// FindJobsFile looks for config/<name> or <name> from the working directory
// upwards, so binaries started from a subdirectory still find the file.
func FindJobsFile(name string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	for {
		for _, candidate := range []string{
			filepath.Join(wd, "config", name),
			filepath.Join(wd, name),
		} {
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}

		parent := filepath.Dir(wd)
		if parent == wd {
			return "", fmt.Errorf("%s not found", name)
		}
		wd = parent
	}
}

// JobIDs returns the declared job ids, optionally only those carrying tag.
func JobIDs(file *types.JobsFile, tag string) []string {
	var ids []string
	for _, job := range file.Jobs {
		if tag == "" || hasTag(job.Tags, tag) {
			ids = append(ids, job.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

func GetJob(file *types.JobsFile, id string) (*types.JobDefinition, error) {
	for i := range file.Jobs {
		if file.Jobs[i].ID == id {
			return &file.Jobs[i], nil
		}
	}
	return nil, fmt.Errorf("job %s not found in definitions", id)
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
