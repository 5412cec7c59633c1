package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/deployhook/internal/history"
	"github.com/mattjoyce/deployhook/internal/storage"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		app   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent pipeline runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := storage.OpenSQLite(cmd.Context(), cfg.State.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			runs, err := history.New(db).List(cmd.Context(), app, limit)
			if err != nil {
				return err
			}
			return printRuns(cmd, runs)
		},
	}
	cmd.Flags().StringVar(&app, "app", "", "only show runs of this app")
	cmd.Flags().IntVarP(&limit, "limit", "n", history.DefaultListLimit, "maximum number of runs")
	return cmd
}

func printRuns(cmd *cobra.Command, runs []history.Run) error {
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tAPP\tTRIGGER\tSTATUS\tDURATION\tCOMMIT\tFAILED PHASE")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		commit := r.Commit
		if len(commit) > 10 {
			commit = commit[:10]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), r.App, r.Trigger, r.Status, duration, orDash(commit), orDash(r.FailedPhase))
	}
	return tw.Flush()
}
