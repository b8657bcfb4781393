package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/viralcast/prediction-engine/internal/model"
)

var (
	predictContent  string
	predictPlatform string
	predictFile     string
)

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Score a single piece of content",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var req model.PredictionRequest
		if predictFile != "" {
			data, err := os.ReadFile(predictFile)
			if err != nil {
				return eris.Wrap(err, "read request file")
			}
			if err := json.Unmarshal(data, &req); err != nil {
				return eris.Wrap(err, "parse request file")
			}
		} else {
			req = model.PredictionRequest{
				Content:  predictContent,
				Platform: predictPlatform,
			}
		}

		report, err := env.Pipeline.Run(ctx, req)
		if err != nil {
			return eris.Wrap(err, "prediction")
		}

		zap.L().Info("prediction complete",
			zap.String("request_id", report.RequestID),
			zap.Float64("probability", report.CalibratedProbability),
			zap.Float64("cost_cents", report.TotalCostCents),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	predictCmd.Flags().StringVar(&predictContent, "content", "", "content text to score")
	predictCmd.Flags().StringVar(&predictPlatform, "platform", "", "target platform")
	predictCmd.Flags().StringVar(&predictFile, "file", "", "JSON file with a full prediction request (overrides flags)")
	rootCmd.AddCommand(predictCmd)
}
