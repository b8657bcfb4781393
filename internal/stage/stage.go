// Package stage contains the scoring stage executors. Each executor produces
// one raw virality signal for a prediction request, enforces its own timeout,
// and never lets a failure escape its boundary: every invocation returns a
// StageResult, even on error.
package stage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/viralcast/prediction-engine/internal/model"
	"github.com/viralcast/prediction-engine/internal/resilience"
)

// Executor produces one raw signal for a prediction request.
type Executor interface {
	// Name identifies the stage in reports, weights, and telemetry.
	Name() string
	// Critical reports whether this stage's failure invalidates the whole
	// prediction.
	Critical() bool
	// Produce evaluates the request and returns a settled StageResult.
	Produce(ctx context.Context, req model.PredictionRequest) model.StageResult
}

// errInvalidResponse marks provider output that could not be parsed into a
// signal.
var errInvalidResponse = errors.New("invalid provider response")

// classifyError maps a provider failure to the stage error taxonomy.
func classifyError(ctx context.Context, err error) model.ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return model.ErrKindTimeout
	case errors.Is(err, errInvalidResponse):
		return model.ErrKindInvalidResponse
	case resilience.StatusOf(err) == 429 || strings.Contains(strings.ToLower(err.Error()), "rate limit"):
		return model.ErrKindRateLimited
	default:
		return model.ErrKindProviderError
	}
}

// clamp01 bounds a signal to [0,1]; provider output outside the contract is
// treated as the nearest valid value rather than discarded.
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// settle finalizes a StageResult with latency measured from start.
func settle(r model.StageResult, start time.Time) model.StageResult {
	r.LatencyMs = time.Since(start).Milliseconds()
	return r
}

// failed builds a failure result for a stage.
func failed(name string, kind model.ErrorKind, err error, start time.Time) model.StageResult {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return settle(model.StageResult{
		StageName: name,
		Status:    model.StageStatusFailed,
		ErrorKind: kind,
		Detail:    detail,
	}, start)
}
