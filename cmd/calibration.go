package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/viralcast/prediction-engine/internal/calibration"
	"github.com/viralcast/prediction-engine/internal/model"
	"github.com/viralcast/prediction-engine/internal/store"
)

var calibrationDays int

var calibrationCmd = &cobra.Command{
	Use:   "calibration",
	Short: "Report how well served probabilities match observed outcomes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if calibrationDays <= 0 {
			return eris.Wrapf(model.ErrInvalidParameter, "days must be positive, got %d", calibrationDays)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		cutoff := time.Now().UTC().AddDate(0, 0, -calibrationDays)
		pairs, err := st.ListOutcomes(ctx, store.OutcomeFilter{Since: cutoff})
		if err != nil {
			return eris.Wrap(err, "list outcomes")
		}

		report := calibration.ComputeECE(pairs, cfg.Calibration.Bins)

		active, err := st.ActiveCalibration(ctx)
		if err != nil {
			return eris.Wrap(err, "load active calibration")
		}
		version := 0
		if active != nil {
			version = active.Version
		}

		zap.L().Info("calibration report",
			zap.Int("days", calibrationDays),
			zap.Int("samples", report.TotalSamples),
			zap.Float64("ece", report.ECE),
			zap.Int("active_version", version),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	calibrationCmd.Flags().IntVar(&calibrationDays, "days", 30, "lookback window in days")
	rootCmd.AddCommand(calibrationCmd)
}
