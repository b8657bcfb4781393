package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viralcast/prediction-engine/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetReport_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT request_id, raw_score, calibrated_probability, stage_results`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.GetReport(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetReport_Found(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	created := time.Now().UTC()
	mock.ExpectQuery(`SELECT request_id, raw_score, calibrated_probability, stage_results`).
		WithArgs("req-1").
		WillReturnRows(pgxmock.NewRows(
			[]string{"request_id", "raw_score", "calibrated_probability", "stage_results", "total_cost_cents", "calibration_version", "created_at"},
		).AddRow("req-1", 0.6, 0.6457, []byte(`[{"stage_name":"llm","status":"success","raw_signal":0.8}]`), 0.33, 3, created))

	got, err := s.GetReport(context.Background(), "req-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.InDelta(t, 0.6, got.RawScore, 1e-9)
	require.Len(t, got.StageResults, 1)
	assert.Equal(t, "llm", got.StageResults[0].StageName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveReport(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO prediction_reports`).
		WithArgs("req-1", 0.6, 0.6457, pgxmock.AnyArg(), 0.33, 3, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SaveReport(context.Background(), &model.PredictionReport{
		RequestID:             "req-1",
		RawScore:              0.6,
		CalibratedProbability: 0.6457,
		TotalCostCents:        0.33,
		CalibrationVersion:    3,
		CreatedAt:             time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendOutcome_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT \(request_id\) DO UPDATE`).
		WithArgs("req-1", 0.6, 0.65, true, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.AppendOutcome(context.Background(), model.OutcomePair{
		RequestID:            "req-1",
		RawScore:             0.6,
		PredictedProbability: 0.65,
		Outcome:              true,
		ObservedAt:           time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordStageTelemetry_Copy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"stage_telemetry"},
		[]string{"id", "request_id", "stage", "status", "raw_signal", "tokens_in", "tokens_out", "cost_cents", "latency_ms", "error_kind", "created_at"},
	).WillReturnResult(2)

	sig := 0.8
	err := s.RecordStageTelemetry(context.Background(), "req-1", []model.StageResult{
		{StageName: "llm", Status: model.StageStatusSuccess, RawSignal: &sig},
		{StageName: "rules", Status: model.StageStatusFailed, ErrorKind: model.ErrKindInvalidResponse},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ActiveCalibration_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT version, a, b, fit_size, created_at FROM calibration_models`).
		WillReturnError(pgx.ErrNoRows)

	got, err := s.ActiveCalibration(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PublishCalibration_AssignsVersion(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO calibration_models`).
		WithArgs(1.8, -0.4, 250, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(4))

	published, err := s.PublishCalibration(context.Background(), model.CalibrationModel{A: 1.8, B: -0.4, FitSize: 250})
	require.NoError(t, err)
	assert.Equal(t, 4, published.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountOutcomes(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM outcomes`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(42))

	count, err := s.CountOutcomes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
