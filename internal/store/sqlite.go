package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/viralcast/prediction-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Suited to
// single-node deployments and local development.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS prediction_reports (
	request_id             TEXT PRIMARY KEY,
	raw_score              REAL NOT NULL,
	calibrated_probability REAL NOT NULL,
	stage_results          TEXT NOT NULL,
	total_cost_cents       REAL NOT NULL,
	calibration_version    INTEGER NOT NULL,
	created_at             DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reports_created_at ON prediction_reports(created_at DESC);

CREATE TABLE IF NOT EXISTS stage_telemetry (
	id         TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	stage      TEXT NOT NULL,
	status     TEXT NOT NULL,
	raw_signal REAL,
	tokens_in  INTEGER NOT NULL DEFAULT 0,
	tokens_out INTEGER NOT NULL DEFAULT 0,
	cost_cents REAL NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	error_kind TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_telemetry_request_id ON stage_telemetry(request_id);
CREATE INDEX IF NOT EXISTS idx_telemetry_stage_status ON stage_telemetry(stage, status);

CREATE TABLE IF NOT EXISTS outcomes (
	request_id             TEXT PRIMARY KEY,
	raw_score              REAL NOT NULL,
	predicted_probability  REAL NOT NULL,
	outcome                INTEGER NOT NULL,
	stage_signals          TEXT,
	observed_at            DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outcomes_observed_at ON outcomes(observed_at DESC);

CREATE TABLE IF NOT EXISTS calibration_models (
	version    INTEGER PRIMARY KEY,
	a          REAL NOT NULL,
	b          REAL NOT NULL,
	fit_size   INTEGER NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS trained_models (
	version    INTEGER PRIMARY KEY,
	weights    TEXT NOT NULL,
	bias       REAL NOT NULL,
	train_size INTEGER NOT NULL,
	test_ece   REAL NOT NULL,
	created_at DATETIME NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveReport(ctx context.Context, report *model.PredictionReport) error {
	stagesJSON, err := json.Marshal(report.StageResults)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stage results")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO prediction_reports (request_id, raw_score, calibrated_probability, stage_results, total_cost_cents, calibration_version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		report.RequestID, report.RawScore, report.CalibratedProbability,
		string(stagesJSON), report.TotalCostCents, report.CalibrationVersion, report.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save report %s", report.RequestID)
}

func (s *SQLiteStore) GetReport(ctx context.Context, requestID string) (*model.PredictionReport, error) {
	var r model.PredictionReport
	var stagesJSON string

	err := s.db.QueryRowContext(ctx,
		`SELECT request_id, raw_score, calibrated_probability, stage_results, total_cost_cents, calibration_version, created_at
		 FROM prediction_reports WHERE request_id = ?`,
		requestID,
	).Scan(&r.RequestID, &r.RawScore, &r.CalibratedProbability, &stagesJSON, &r.TotalCostCents, &r.CalibrationVersion, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get report %s", requestID)
	}
	if err := json.Unmarshal([]byte(stagesJSON), &r.StageResults); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal stage results")
	}
	return &r, nil
}

func (s *SQLiteStore) ListReports(ctx context.Context, filter ReportFilter) ([]model.PredictionReport, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	since := filter.Since
	if since.IsZero() {
		since = time.Unix(0, 0).UTC()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, raw_score, calibrated_probability, stage_results, total_cost_cents, calibration_version, created_at
		 FROM prediction_reports WHERE created_at >= ?
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		since, limit, filter.Offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list reports")
	}
	defer rows.Close()

	var reports []model.PredictionReport
	for rows.Next() {
		var r model.PredictionReport
		var stagesJSON string
		if err := rows.Scan(&r.RequestID, &r.RawScore, &r.CalibratedProbability, &stagesJSON, &r.TotalCostCents, &r.CalibrationVersion, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan report")
		}
		if err := json.Unmarshal([]byte(stagesJSON), &r.StageResults); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal stage results")
		}
		reports = append(reports, r)
	}
	return reports, eris.Wrap(rows.Err(), "sqlite: list reports iterate")
}

func (s *SQLiteStore) RecordStageTelemetry(ctx context.Context, requestID string, results []model.StageResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin telemetry tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, sr := range results {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stage_telemetry (id, request_id, stage, status, raw_signal, tokens_in, tokens_out, cost_cents, latency_ms, error_kind, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), requestID, sr.StageName, string(sr.Status),
			sr.RawSignal, sr.TokensIn, sr.TokensOut, sr.CostCents,
			sr.LatencyMs, string(sr.ErrorKind), now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert telemetry %s/%s", requestID, sr.StageName)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit telemetry tx")
}

func (s *SQLiteStore) AppendOutcome(ctx context.Context, pair model.OutcomePair) error {
	signalsJSON, err := json.Marshal(pair.StageSignals)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stage signals")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO outcomes (request_id, raw_score, predicted_probability, outcome, stage_signals, observed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (request_id) DO UPDATE SET raw_score = excluded.raw_score,
		   predicted_probability = excluded.predicted_probability, outcome = excluded.outcome,
		   stage_signals = excluded.stage_signals, observed_at = excluded.observed_at`,
		pair.RequestID, pair.RawScore, pair.PredictedProbability, pair.Outcome, string(signalsJSON), pair.ObservedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: append outcome %s", pair.RequestID)
}

func (s *SQLiteStore) AppendOutcomes(ctx context.Context, pairs []model.OutcomePair) (int64, error) {
	if len(pairs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin outcomes tx")
	}
	defer tx.Rollback()

	var n int64
	for _, p := range pairs {
		signalsJSON, err := json.Marshal(p.StageSignals)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal stage signals")
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO outcomes (request_id, raw_score, predicted_probability, outcome, stage_signals, observed_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (request_id) DO UPDATE SET raw_score = excluded.raw_score,
			   predicted_probability = excluded.predicted_probability, outcome = excluded.outcome,
			   stage_signals = excluded.stage_signals, observed_at = excluded.observed_at`,
			p.RequestID, p.RawScore, p.PredictedProbability, p.Outcome, string(signalsJSON), p.ObservedAt.UTC(),
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: append outcome %s", p.RequestID)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit outcomes tx")
	}
	return n, nil
}

func (s *SQLiteStore) ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]model.OutcomePair, error) {
	since := filter.Since
	if since.IsZero() {
		since = time.Unix(0, 0).UTC()
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100000
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, raw_score, predicted_probability, outcome, stage_signals, observed_at
		 FROM outcomes WHERE observed_at >= ?
		 ORDER BY observed_at ASC LIMIT ?`,
		since, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list outcomes")
	}
	defer rows.Close()

	var pairs []model.OutcomePair
	for rows.Next() {
		var p model.OutcomePair
		var signalsJSON sql.NullString
		if err := rows.Scan(&p.RequestID, &p.RawScore, &p.PredictedProbability, &p.Outcome, &signalsJSON, &p.ObservedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan outcome")
		}
		if signalsJSON.Valid && signalsJSON.String != "" && signalsJSON.String != "null" {
			if err := json.Unmarshal([]byte(signalsJSON.String), &p.StageSignals); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal stage signals")
			}
		}
		pairs = append(pairs, p)
	}
	return pairs, eris.Wrap(rows.Err(), "sqlite: list outcomes iterate")
}

func (s *SQLiteStore) CountOutcomes(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outcomes`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count outcomes")
}

func (s *SQLiteStore) ActiveCalibration(ctx context.Context) (*model.CalibrationModel, error) {
	var m model.CalibrationModel
	err := s.db.QueryRowContext(ctx,
		`SELECT version, a, b, fit_size, created_at FROM calibration_models ORDER BY version DESC LIMIT 1`,
	).Scan(&m.Version, &m.A, &m.B, &m.FitSize, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: active calibration")
	}
	return &m, nil
}

func (s *SQLiteStore) PublishCalibration(ctx context.Context, m model.CalibrationModel) (*model.CalibrationModel, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO calibration_models (version, a, b, fit_size, created_at)
		 VALUES ((SELECT COALESCE(MAX(version), 0) + 1 FROM calibration_models), ?, ?, ?, ?)
		 RETURNING version`,
		m.A, m.B, m.FitSize, m.CreatedAt.UTC(),
	).Scan(&m.Version)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: publish calibration")
	}
	return &m, nil
}

func (s *SQLiteStore) ActiveTrainedModel(ctx context.Context) (*model.TrainedModel, error) {
	var m model.TrainedModel
	var weightsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT version, weights, bias, train_size, test_ece, created_at FROM trained_models ORDER BY version DESC LIMIT 1`,
	).Scan(&m.Version, &weightsJSON, &m.Bias, &m.TrainSize, &m.TestECE, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: active trained model")
	}
	if err := json.Unmarshal([]byte(weightsJSON), &m.Weights); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal weights")
	}
	return &m, nil
}

func (s *SQLiteStore) PublishTrainedModel(ctx context.Context, m model.TrainedModel) (*model.TrainedModel, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	weightsJSON, err := json.Marshal(m.Weights)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal weights")
	}

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO trained_models (version, weights, bias, train_size, test_ece, created_at)
		 VALUES ((SELECT COALESCE(MAX(version), 0) + 1 FROM trained_models), ?, ?, ?, ?, ?)
		 RETURNING version`,
		weightsJSON, m.Bias, m.TrainSize, m.TestECE, m.CreatedAt.UTC(),
	).Scan(&m.Version)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: publish trained model")
	}
	return &m, nil
}
