package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/viralcast/prediction-engine/internal/model"
)

var (
	outcomeRequestID string
	outcomeWentViral bool
	outcomeFile      string
)

var outcomeCmd = &cobra.Command{
	Use:   "outcome",
	Short: "Record observed outcomes for served predictions",
	Long:  "Joins a served prediction with its observed virality outcome. Recording the same request ID again replaces the earlier observation.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		if outcomeFile != "" {
			data, err := os.ReadFile(outcomeFile)
			if err != nil {
				return eris.Wrap(err, "read outcomes file")
			}
			var pairs []model.OutcomePair
			if err := json.Unmarshal(data, &pairs); err != nil {
				return eris.Wrap(err, "parse outcomes file")
			}
			now := time.Now().UTC()
			for i := range pairs {
				if pairs[i].ObservedAt.IsZero() {
					pairs[i].ObservedAt = now
				}
			}
			n, err := st.AppendOutcomes(ctx, pairs)
			if err != nil {
				return eris.Wrap(err, "append outcomes")
			}
			zap.L().Info("outcomes recorded", zap.Int64("count", n))
			return nil
		}

		if outcomeRequestID == "" {
			return eris.New("--request-id is required when no --file is given")
		}

		// Pull the served prediction so the pair carries the probability and
		// raw score actually served at prediction time.
		report, err := st.GetReport(ctx, outcomeRequestID)
		if err != nil {
			return eris.Wrap(err, "load prediction report")
		}
		if report == nil {
			return eris.Errorf("no prediction found for request %s", outcomeRequestID)
		}

		pair := model.OutcomePair{
			RequestID:            report.RequestID,
			RawScore:             report.RawScore,
			PredictedProbability: report.CalibratedProbability,
			Outcome:              outcomeWentViral,
			StageSignals:         signalsFrom(report),
			ObservedAt:           time.Now().UTC(),
		}
		if err := st.AppendOutcome(ctx, pair); err != nil {
			return eris.Wrap(err, "append outcome")
		}

		zap.L().Info("outcome recorded",
			zap.String("request_id", pair.RequestID),
			zap.Bool("went_viral", pair.Outcome),
			zap.Float64("predicted", pair.PredictedProbability),
		)
		return nil
	},
}

// signalsFrom extracts the usable per-stage signals from a served report so
// the weight trainer can learn from this pair later.
func signalsFrom(report *model.PredictionReport) map[string]float64 {
	signals := make(map[string]float64)
	for _, r := range report.StageResults {
		if r.HasSignal() {
			signals[r.StageName] = r.Signal()
		}
	}
	return signals
}

func init() {
	outcomeCmd.Flags().StringVar(&outcomeRequestID, "request-id", "", "request ID of the served prediction")
	outcomeCmd.Flags().BoolVar(&outcomeWentViral, "viral", false, "whether the content went viral")
	outcomeCmd.Flags().StringVar(&outcomeFile, "file", "", "JSON file with an array of outcome pairs")
	rootCmd.AddCommand(outcomeCmd)
}
