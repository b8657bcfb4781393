package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/viralcast/prediction-engine/internal/db"
	"github.com/viralcast/prediction-engine/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot-path store operations.
var preparedStatements = map[string]string{
	"insert_report":      `INSERT INTO prediction_reports (request_id, raw_score, calibrated_probability, stage_results, total_cost_cents, calibration_version, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
	"get_report":         `SELECT request_id, raw_score, calibrated_probability, stage_results, total_cost_cents, calibration_version, created_at FROM prediction_reports WHERE request_id = $1`,
	"insert_outcome":     `INSERT INTO outcomes (request_id, raw_score, predicted_probability, outcome, stage_signals, observed_at) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (request_id) DO UPDATE SET raw_score = $2, predicted_probability = $3, outcome = $4, stage_signals = $5, observed_at = $6`,
	"active_calibration": `SELECT version, a, b, fit_size, created_at FROM calibration_models ORDER BY version DESC LIMIT 1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS prediction_reports (
	request_id             TEXT PRIMARY KEY,
	raw_score              DOUBLE PRECISION NOT NULL,
	calibrated_probability DOUBLE PRECISION NOT NULL,
	stage_results          JSONB NOT NULL,
	total_cost_cents       DOUBLE PRECISION NOT NULL,
	calibration_version    INTEGER NOT NULL,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_reports_created_at ON prediction_reports(created_at DESC);

CREATE TABLE IF NOT EXISTS stage_telemetry (
	id         TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	stage      TEXT NOT NULL,
	status     TEXT NOT NULL,
	raw_signal DOUBLE PRECISION,
	tokens_in  INTEGER NOT NULL DEFAULT 0,
	tokens_out INTEGER NOT NULL DEFAULT 0,
	cost_cents DOUBLE PRECISION NOT NULL DEFAULT 0,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	error_kind TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_telemetry_request_id ON stage_telemetry(request_id);
CREATE INDEX IF NOT EXISTS idx_telemetry_stage_status ON stage_telemetry(stage, status);
CREATE INDEX IF NOT EXISTS idx_telemetry_created_at ON stage_telemetry(created_at DESC);

CREATE TABLE IF NOT EXISTS outcomes (
	request_id             TEXT PRIMARY KEY,
	raw_score              DOUBLE PRECISION NOT NULL,
	predicted_probability  DOUBLE PRECISION NOT NULL,
	outcome                BOOLEAN NOT NULL,
	stage_signals          JSONB,
	observed_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_outcomes_observed_at ON outcomes(observed_at DESC);

CREATE TABLE IF NOT EXISTS calibration_models (
	version    INTEGER PRIMARY KEY,
	a          DOUBLE PRECISION NOT NULL,
	b          DOUBLE PRECISION NOT NULL,
	fit_size   INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS trained_models (
	version    INTEGER PRIMARY KEY,
	weights    JSONB NOT NULL,
	bias       DOUBLE PRECISION NOT NULL,
	train_size INTEGER NOT NULL,
	test_ece   DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) SaveReport(ctx context.Context, report *model.PredictionReport) error {
	stagesJSON, err := json.Marshal(report.StageResults)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stage results")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO prediction_reports (request_id, raw_score, calibrated_probability, stage_results, total_cost_cents, calibration_version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		report.RequestID, report.RawScore, report.CalibratedProbability,
		stagesJSON, report.TotalCostCents, report.CalibrationVersion, report.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: save report %s", report.RequestID)
}

func (s *PostgresStore) GetReport(ctx context.Context, requestID string) (*model.PredictionReport, error) {
	var r model.PredictionReport
	var stagesJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT request_id, raw_score, calibrated_probability, stage_results, total_cost_cents, calibration_version, created_at
		 FROM prediction_reports WHERE request_id = $1`,
		requestID,
	).Scan(&r.RequestID, &r.RawScore, &r.CalibratedProbability, &stagesJSON, &r.TotalCostCents, &r.CalibrationVersion, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get report %s", requestID)
	}
	if err := json.Unmarshal(stagesJSON, &r.StageResults); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal stage results")
	}
	return &r, nil
}

func (s *PostgresStore) ListReports(ctx context.Context, filter ReportFilter) ([]model.PredictionReport, error) {
	query := `SELECT request_id, raw_score, calibrated_probability, stage_results, total_cost_cents, calibration_version, created_at
	          FROM prediction_reports WHERE created_at >= $1
	          ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	since := filter.Since
	if since.IsZero() {
		since = time.Unix(0, 0).UTC()
	}

	rows, err := s.pool.Query(ctx, query, since, limit, filter.Offset)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list reports")
	}
	defer rows.Close()

	var reports []model.PredictionReport
	for rows.Next() {
		var r model.PredictionReport
		var stagesJSON []byte
		if err := rows.Scan(&r.RequestID, &r.RawScore, &r.CalibratedProbability, &stagesJSON, &r.TotalCostCents, &r.CalibrationVersion, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan report")
		}
		if err := json.Unmarshal(stagesJSON, &r.StageResults); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal stage results")
		}
		reports = append(reports, r)
	}
	return reports, eris.Wrap(rows.Err(), "postgres: list reports iterate")
}

func (s *PostgresStore) RecordStageTelemetry(ctx context.Context, requestID string, results []model.StageResult) error {
	if len(results) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(results))
	now := time.Now().UTC()
	for _, sr := range results {
		rows = append(rows, []any{
			uuid.New().String(), requestID, sr.StageName, string(sr.Status),
			sr.RawSignal, sr.TokensIn, sr.TokensOut, sr.CostCents,
			sr.LatencyMs, string(sr.ErrorKind), now,
		})
	}

	_, err := db.CopyFrom(ctx, s.pool, "stage_telemetry",
		[]string{"id", "request_id", "stage", "status", "raw_signal", "tokens_in", "tokens_out", "cost_cents", "latency_ms", "error_kind", "created_at"},
		rows,
	)
	return eris.Wrapf(err, "postgres: record telemetry %s", requestID)
}

func (s *PostgresStore) AppendOutcome(ctx context.Context, pair model.OutcomePair) error {
	signalsJSON, err := json.Marshal(pair.StageSignals)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stage signals")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO outcomes (request_id, raw_score, predicted_probability, outcome, stage_signals, observed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (request_id) DO UPDATE SET raw_score = $2, predicted_probability = $3, outcome = $4, stage_signals = $5, observed_at = $6`,
		pair.RequestID, pair.RawScore, pair.PredictedProbability, pair.Outcome, signalsJSON, pair.ObservedAt,
	)
	return eris.Wrapf(err, "postgres: append outcome %s", pair.RequestID)
}

func (s *PostgresStore) AppendOutcomes(ctx context.Context, pairs []model.OutcomePair) (int64, error) {
	if len(pairs) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(pairs))
	for _, p := range pairs {
		signalsJSON, err := json.Marshal(p.StageSignals)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal stage signals")
		}
		rows = append(rows, []any{
			p.RequestID, p.RawScore, p.PredictedProbability, p.Outcome, signalsJSON, p.ObservedAt,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "outcomes",
		Columns:      []string{"request_id", "raw_score", "predicted_probability", "outcome", "stage_signals", "observed_at"},
		ConflictKeys: []string{"request_id"},
	}, rows)
	return n, eris.Wrap(err, "postgres: append outcomes")
}

func (s *PostgresStore) ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]model.OutcomePair, error) {
	since := filter.Since
	if since.IsZero() {
		since = time.Unix(0, 0).UTC()
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100000
	}

	rows, err := s.pool.Query(ctx,
		`SELECT request_id, raw_score, predicted_probability, outcome, stage_signals, observed_at
		 FROM outcomes WHERE observed_at >= $1
		 ORDER BY observed_at ASC LIMIT $2`,
		since, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list outcomes")
	}
	defer rows.Close()

	var pairs []model.OutcomePair
	for rows.Next() {
		var p model.OutcomePair
		var signalsJSON []byte
		if err := rows.Scan(&p.RequestID, &p.RawScore, &p.PredictedProbability, &p.Outcome, &signalsJSON, &p.ObservedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan outcome")
		}
		if len(signalsJSON) > 0 {
			if err := json.Unmarshal(signalsJSON, &p.StageSignals); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal stage signals")
			}
		}
		pairs = append(pairs, p)
	}
	return pairs, eris.Wrap(rows.Err(), "postgres: list outcomes iterate")
}

func (s *PostgresStore) CountOutcomes(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outcomes`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count outcomes")
}

func (s *PostgresStore) ActiveCalibration(ctx context.Context) (*model.CalibrationModel, error) {
	var m model.CalibrationModel
	err := s.pool.QueryRow(ctx,
		`SELECT version, a, b, fit_size, created_at FROM calibration_models ORDER BY version DESC LIMIT 1`,
	).Scan(&m.Version, &m.A, &m.B, &m.FitSize, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: active calibration")
	}
	return &m, nil
}

func (s *PostgresStore) PublishCalibration(ctx context.Context, m model.CalibrationModel) (*model.CalibrationModel, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO calibration_models (version, a, b, fit_size, created_at)
		 VALUES ((SELECT COALESCE(MAX(version), 0) + 1 FROM calibration_models), $1, $2, $3, $4)
		 RETURNING version`,
		m.A, m.B, m.FitSize, m.CreatedAt,
	).Scan(&m.Version)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: publish calibration")
	}
	return &m, nil
}

func (s *PostgresStore) ActiveTrainedModel(ctx context.Context) (*model.TrainedModel, error) {
	var m model.TrainedModel
	var weightsJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT version, weights, bias, train_size, test_ece, created_at FROM trained_models ORDER BY version DESC LIMIT 1`,
	).Scan(&m.Version, &weightsJSON, &m.Bias, &m.TrainSize, &m.TestECE, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: active trained model")
	}
	if err := json.Unmarshal(weightsJSON, &m.Weights); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal weights")
	}
	return &m, nil
}

func (s *PostgresStore) PublishTrainedModel(ctx context.Context, m model.TrainedModel) (*model.TrainedModel, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	weightsJSON, err := json.Marshal(m.Weights)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal weights")
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO trained_models (version, weights, bias, train_size, test_ece, created_at)
		 VALUES ((SELECT COALESCE(MAX(version), 0) + 1 FROM trained_models), $1, $2, $3, $4, $5)
		 RETURNING version`,
		weightsJSON, m.Bias, m.TrainSize, m.TestECE, m.CreatedAt,
	).Scan(&m.Version)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: publish trained model")
	}
	return &m, nil
}
