package main

import (
	"io"
	"path/filepath"

	"github.com/0xPuncker/taskwatch/pkg/config"
	"github.com/0xPuncker/taskwatch/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type options struct {
	jobsFile string
	verbose  bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "taskctl",
		Short:         "Inspect and run taskwatch job definitions.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.jobsFile, "jobs", "", "Path to the jobs file (default: search upwards for config/jobs.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log scheduler activity")

	rootCmd.AddCommand(
		newValidateCmd(opts),
		newNextCmd(opts),
		newRunCmd(opts),
	)
	return rootCmd
}

func (o *options) load() (*types.JobsFile, error) {
	path := o.jobsFile
	if path == "" {
		found, err := config.FindJobsFile(filepath.Base(config.DefaultJobsFile))
		if err != nil {
			return nil, err
		}
		path = found
	}
	return config.LoadJobs(path)
}

func (o *options) logger(out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05-07:00",
	})
	if o.verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}
	return logger
}

// selectJobs returns every job when ids is empty.
func selectJobs(file *types.JobsFile, ids []string) ([]types.JobDefinition, error) {
	if len(ids) == 0 {
		return file.Jobs, nil
	}
	defs := make([]types.JobDefinition, 0, len(ids))
	for _, id := range ids {
		def, err := config.GetJob(file, id)
		if err != nil {
			return nil, err
		}
		defs = append(defs, *def)
	}
	return defs, nil
}
