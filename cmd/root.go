package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/viralcast/prediction-engine/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "viralcast",
	Short: "Virality prediction and calibration engine",
	Long:  "Scores short-form content for virality through parallel LLM and heuristic stages, calibrates raw scores against observed outcomes, and retrains on the accumulated history.",
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
