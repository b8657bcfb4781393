package store

import (
	"context"
	"time"

	"github.com/viralcast/prediction-engine/internal/model"
)

// ReportFilter specifies criteria for listing prediction reports.
type ReportFilter struct {
	Since  time.Time `json:"since,omitempty"`
	Limit  int       `json:"limit,omitempty"`
	Offset int       `json:"offset,omitempty"`
}

// OutcomeFilter specifies criteria for listing recorded outcomes.
type OutcomeFilter struct {
	Since time.Time `json:"since,omitempty"`
	Limit int       `json:"limit,omitempty"`
}

// Store defines the persistence interface for the prediction engine.
type Store interface {
	// Reports
	SaveReport(ctx context.Context, report *model.PredictionReport) error
	GetReport(ctx context.Context, requestID string) (*model.PredictionReport, error)
	ListReports(ctx context.Context, filter ReportFilter) ([]model.PredictionReport, error)

	// Stage telemetry. Recorded for every execution, including ones that
	// ended in a critical failure and produced no report.
	RecordStageTelemetry(ctx context.Context, requestID string, results []model.StageResult) error

	// Outcomes
	AppendOutcome(ctx context.Context, pair model.OutcomePair) error
	AppendOutcomes(ctx context.Context, pairs []model.OutcomePair) (int64, error)
	ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]model.OutcomePair, error)
	CountOutcomes(ctx context.Context) (int, error)

	// Calibration models. Versions are assigned by the store on publish and
	// increase monotonically; the active model is the highest version.
	ActiveCalibration(ctx context.Context) (*model.CalibrationModel, error)
	PublishCalibration(ctx context.Context, m model.CalibrationModel) (*model.CalibrationModel, error)

	// Trained signal-weight models, versioned the same way.
	ActiveTrainedModel(ctx context.Context) (*model.TrainedModel, error)
	PublishTrainedModel(ctx context.Context, m model.TrainedModel) (*model.TrainedModel, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
