package main

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/viralcast/prediction-engine/internal/model"
)

var retrainCmd = &cobra.Command{
	Use:   "retrain",
	Short: "Run one retraining pass over the outcome history",
	Long:  "Refits the calibration model on a stratified training split and publishes it only when the held-out ECE does not regress past the active model.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Retrainer.Run(ctx)
		if err != nil && !errors.Is(err, model.ErrRetrainRegression) {
			return eris.Wrap(err, "retrain")
		}

		if report.Accepted {
			zap.L().Info("retrain accepted",
				zap.Int("new_version", report.NewVersion),
				zap.Float64("candidate_ece", report.CandidateECE),
			)
		} else {
			zap.L().Warn("retrain rejected", zap.String("reason", report.RejectReason))
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	rootCmd.AddCommand(retrainCmd)
}
