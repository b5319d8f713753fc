package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/0xPuncker/taskwatch/internal/graph"
	"github.com/0xPuncker/taskwatch/pkg/config"
	"github.com/spf13/cobra"
)

func newValidateCmd(opts *options) *cobra.Command {
	var tag string

	cmd := &cobra.Command{
		Use:   "validate [job-id...]",
		Short: "Check job definitions and print their task order",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := opts.load()
			if err != nil {
				return err
			}
			if tag != "" && len(args) == 0 {
				args = config.JobIDs(file, tag)
			}
			defs, err := selectJobs(file, args)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var errs []error
			for _, def := range defs {
				g, err := graph.FromDefinition(def, time.Now(), true)
				if err != nil {
					fmt.Fprintf(out, "FAIL  %s: %v\n", def.ID, err)
					errs = append(errs, err)
					continue
				}
				job := g.Job()
				fmt.Fprintf(out, "ok    %-24s schedule=%q catchup=%t order=%s\n",
					job.ID, job.ScheduleExpr, job.Catchup, strings.Join(g.TopologicalOrder(), " -> "))
			}
			if len(errs) > 0 {
				return fmt.Errorf("%d of %d jobs invalid: %w", len(errs), len(defs), errors.Join(errs...))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "Only validate jobs carrying this tag")
	return cmd
}
