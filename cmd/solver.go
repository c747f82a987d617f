package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/feuerstrahll/OMNI-be-protocol-planner/pkg/powertost"
)

var solverCmd = &cobra.Command{
	Use:   "solver",
	Short: "External solver utilities",
}

var solverCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify that Rscript and PowerTOST are available",
	RunE: func(cmd *cobra.Command, args []string) error {
		runner := powertost.NewRunner(cfg.Solver.RscriptPath, cfg.Solver.ScriptPath,
			time.Duration(cfg.Solver.TimeoutSecs)*time.Second)

		if err := runner.Health(cmd.Context()); err != nil {
			return printJSON(map[string]string{
				"status": "unavailable",
				"detail": err.Error(),
			})
		}
		return printJSON(map[string]string{"status": "ok"})
	},
}

func init() {
	solverCmd.AddCommand(solverCheckCmd)
	rootCmd.AddCommand(solverCmd)
}
