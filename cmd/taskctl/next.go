package main

import (
	"fmt"
	"time"

	"github.com/0xPuncker/taskwatch/internal/graph"
	"github.com/0xPuncker/taskwatch/pkg/calendar"
	"github.com/0xPuncker/taskwatch/pkg/utils"
	"github.com/spf13/cobra"
)

func newNextCmd(opts *options) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "next [job-id...]",
		Short: "Print the upcoming fire times of jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := opts.load()
			if err != nil {
				return err
			}
			defs, err := selectJobs(file, args)
			if err != nil {
				return err
			}

			now := time.Now()
			out := cmd.OutOrStdout()
			for _, def := range defs {
				g, err := graph.FromDefinition(def, now, true)
				if err != nil {
					return err
				}
				job := g.Job()
				from := now
				if job.StartDate.After(from) {
					from = job.StartDate
				}

				fmt.Fprintf(out, "%s (%s)\n", job.ID, job.ScheduleExpr)
				for _, t := range calendar.Upcoming(job.Schedule, from, count) {
					fmt.Fprintf(out, "  %s  in %s\n", t.Format(time.RFC3339), utils.FormatDuration(t.Sub(now)))
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 5, "Number of fire times per job")
	return cmd
}
