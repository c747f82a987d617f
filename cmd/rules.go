package main

import (
	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Rule table utilities",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate all rule tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		rs, err := loadRuleSet()
		if err != nil {
			return err
		}
		return printJSON(map[string]any{
			"status":         "ok",
			"pk_metrics":     len(rs.PK.Metrics),
			"design_rules":   len(rs.Design.Rules),
			"question_codes": len(rs.Questions.Codes),
			"hard_red_codes": len(rs.Quality.HardRedCodes),
		})
	},
}

func init() {
	rulesCmd.AddCommand(rulesValidateCmd)
	rootCmd.AddCommand(rulesCmd)
}
