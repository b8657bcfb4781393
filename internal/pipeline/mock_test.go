package pipeline

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/viralcast/prediction-engine/internal/model"
	"github.com/viralcast/prediction-engine/internal/store"
)

// --- Store Mock ---

type mockStore struct {
	mock.Mock
}

func (m *mockStore) SaveReport(ctx context.Context, report *model.PredictionReport) error {
	args := m.Called(ctx, report)
	return args.Error(0)
}

func (m *mockStore) GetReport(ctx context.Context, requestID string) (*model.PredictionReport, error) {
	args := m.Called(ctx, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PredictionReport), args.Error(1)
}

func (m *mockStore) ListReports(ctx context.Context, filter store.ReportFilter) ([]model.PredictionReport, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.PredictionReport), args.Error(1)
}

func (m *mockStore) RecordStageTelemetry(ctx context.Context, requestID string, results []model.StageResult) error {
	args := m.Called(ctx, requestID, results)
	return args.Error(0)
}

func (m *mockStore) AppendOutcome(ctx context.Context, pair model.OutcomePair) error {
	args := m.Called(ctx, pair)
	return args.Error(0)
}

func (m *mockStore) AppendOutcomes(ctx context.Context, pairs []model.OutcomePair) (int64, error) {
	args := m.Called(ctx, pairs)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStore) ListOutcomes(ctx context.Context, filter store.OutcomeFilter) ([]model.OutcomePair, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.OutcomePair), args.Error(1)
}

func (m *mockStore) CountOutcomes(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) ActiveCalibration(ctx context.Context) (*model.CalibrationModel, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CalibrationModel), args.Error(1)
}

func (m *mockStore) PublishCalibration(ctx context.Context, cm model.CalibrationModel) (*model.CalibrationModel, error) {
	args := m.Called(ctx, cm)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CalibrationModel), args.Error(1)
}

func (m *mockStore) ActiveTrainedModel(ctx context.Context) (*model.TrainedModel, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TrainedModel), args.Error(1)
}

func (m *mockStore) PublishTrainedModel(ctx context.Context, tm model.TrainedModel) (*model.TrainedModel, error) {
	args := m.Called(ctx, tm)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TrainedModel), args.Error(1)
}

func (m *mockStore) Migrate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// newPermissiveStore returns a mockStore that accepts all writes.
func newPermissiveStore() *mockStore {
	st := new(mockStore)
	st.On("SaveReport", mock.Anything, mock.Anything).Return(nil).Maybe()
	st.On("RecordStageTelemetry", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return st
}

// --- Stage Stub ---

// stubStage settles with a canned result after an optional delay.
type stubStage struct {
	name     string
	critical bool
	result   model.StageResult
	delay    time.Duration
}

func (s *stubStage) Name() string   { return s.name }
func (s *stubStage) Critical() bool { return s.critical }

func (s *stubStage) Produce(ctx context.Context, req model.PredictionRequest) model.StageResult {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return model.StageResult{
				StageName: s.name,
				Status:    model.StageStatusFailed,
				ErrorKind: model.ErrKindTimeout,
			}
		}
	}
	r := s.result
	r.StageName = s.name
	return r
}

func okStage(name string, signal float64) *stubStage {
	sig := signal
	return &stubStage{
		name:   name,
		result: model.StageResult{Status: model.StageStatusSuccess, RawSignal: &sig},
	}
}

func failedStage(name string, kind model.ErrorKind) *stubStage {
	return &stubStage{
		name:   name,
		result: model.StageResult{Status: model.StageStatusFailed, ErrorKind: kind},
	}
}
