package model

import "time"

// StageStatus describes the terminal state of a single stage invocation.
type StageStatus string

const (
	StageStatusSuccess  StageStatus = "success"
	StageStatusDegraded StageStatus = "degraded"
	StageStatusFailed   StageStatus = "failed"
	StageStatusSkipped  StageStatus = "skipped"
)

// ErrorKind classifies a stage failure by its provider-level cause.
type ErrorKind string

const (
	ErrKindTimeout         ErrorKind = "timeout"
	ErrKindRateLimited     ErrorKind = "rate_limited"
	ErrKindInvalidResponse ErrorKind = "invalid_response"
	ErrKindProviderError   ErrorKind = "provider_error"
)

// CreatorContext carries creator history features available at prediction time.
type CreatorContext struct {
	CreatorID        string  `json:"creator_id"`
	FollowerCount    int     `json:"follower_count"`
	FollowingCount   int     `json:"following_count"`
	AvgEngagement    float64 `json:"avg_engagement"`
	PostsLast30Days  int     `json:"posts_last_30_days"`
	PriorViralPosts  int     `json:"prior_viral_posts"`
	AccountAgeMonths int     `json:"account_age_months"`
}

// TrendContext carries the trend snapshot the content is evaluated against.
type TrendContext struct {
	Tags       []string           `json:"tags"`
	Momentum   map[string]float64 `json:"momentum"` // tag -> 0..1 trend momentum
	CapturedAt time.Time          `json:"captured_at"`
}

// PredictionRequest is the immutable input to one pipeline execution.
type PredictionRequest struct {
	ID       string          `json:"id"`
	Content  string          `json:"content"`
	MediaRef string          `json:"media_ref,omitempty"`
	Platform string          `json:"platform,omitempty"`
	Creator  *CreatorContext `json:"creator,omitempty"`
	Trend    *TrendContext   `json:"trend,omitempty"`
}

// StageResult records the outcome of a single stage invocation. It is created
// once per invocation and never mutated afterwards.
type StageResult struct {
	StageName string      `json:"stage_name"`
	Status    StageStatus `json:"status"`
	RawSignal *float64    `json:"raw_signal"` // nil when the stage produced no signal
	TokensIn  int         `json:"tokens_in"`
	TokensOut int         `json:"tokens_out"`
	CostCents float64     `json:"cost_cents"`
	LatencyMs int64       `json:"latency_ms"`
	ErrorKind ErrorKind   `json:"error_kind,omitempty"`
	Detail    string      `json:"detail,omitempty"`
}

// Signal returns the raw signal or 0 when absent.
func (r StageResult) Signal() float64 {
	if r.RawSignal == nil {
		return 0
	}
	return *r.RawSignal
}

// HasSignal reports whether the stage contributed a usable signal.
func (r StageResult) HasSignal() bool {
	return r.RawSignal != nil && (r.Status == StageStatusSuccess || r.Status == StageStatusDegraded)
}

// PredictionReport is the complete output of one pipeline execution.
// Stage order is fixed by pipeline configuration, not arrival order.
type PredictionReport struct {
	RequestID             string        `json:"request_id"`
	RawScore              float64       `json:"raw_score"`
	CalibratedProbability float64       `json:"calibrated_probability"`
	StageResults          []StageResult `json:"stage_results"`
	TotalCostCents        float64       `json:"total_cost_cents"`
	CalibrationVersion    int           `json:"calibration_version"`
	CreatedAt             time.Time     `json:"created_at"`
}

// DegradedStages lists the non-critical signals that were missing or
// substituted in this report.
func (p *PredictionReport) DegradedStages() []string {
	var names []string
	for _, sr := range p.StageResults {
		if sr.Status == StageStatusFailed || sr.Status == StageStatusDegraded {
			names = append(names, sr.StageName)
		}
	}
	return names
}
