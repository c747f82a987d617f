package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "beplan",
	Short: "Bioequivalence study planning pipeline",
	Long:  "Turns extracted pharmacokinetic evidence into an auditable BE study plan: validated inputs, an elected CV, a data quality verdict, a study design, and a defensible sample size.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
