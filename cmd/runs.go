package main

import (
	"github.com/spf13/cobra"

	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/model"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/runstore"
)

var (
	runsStatus string
	runsDrug   string
	runsLimit  int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded planning runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		runs, err := st.ListRuns(ctx, runstore.RunFilter{
			Status: model.RunStatus(runsStatus),
			Drug:   runsDrug,
			Limit:  runsLimit,
		})
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"runs": runs})
	},
}

var runsGetCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show one run with its full report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(run)
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "filter by status (queued, running, complete, failed, rejected)")
	runsCmd.Flags().StringVar(&runsDrug, "drug", "", "filter by drug name")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 0, "maximum rows (default 100)")
	runsCmd.AddCommand(runsGetCmd)
	rootCmd.AddCommand(runsCmd)
}
