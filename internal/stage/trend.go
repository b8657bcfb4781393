package stage

import (
	"context"
	"strings"
	"time"

	"github.com/viralcast/prediction-engine/internal/model"
)

// trendStaleness is how old a trend snapshot may be before its momentum is
// discounted.
const trendStaleness = 6 * time.Hour

// TrendStage correlates the content against the trend context: how much of
// the current trend momentum the content actually rides. Non-critical; a
// request without trend context fails this stage and degrades gracefully.
type TrendStage struct {
	now func() time.Time
}

// NewTrendStage creates the trend-correlation stage.
func NewTrendStage() *TrendStage {
	return &TrendStage{now: time.Now}
}

func (s *TrendStage) Name() string   { return "trend" }
func (s *TrendStage) Critical() bool { return false }

func (s *TrendStage) Produce(ctx context.Context, req model.PredictionRequest) model.StageResult {
	start := time.Now()

	if req.Trend == nil || len(req.Trend.Tags) == 0 {
		return failed(s.Name(), model.ErrKindInvalidResponse, errInvalidResponse, start)
	}

	content := strings.ToLower(req.Content)

	// Momentum-weighted hit rate over the trend snapshot.
	var totalMomentum, hitMomentum float64
	for _, tag := range req.Trend.Tags {
		m := req.Trend.Momentum[tag]
		if m <= 0 {
			m = 0.5 // tags without momentum data count at half weight
		}
		totalMomentum += m
		if strings.Contains(content, strings.ToLower(tag)) {
			hitMomentum += m
		}
	}
	if totalMomentum == 0 {
		return failed(s.Name(), model.ErrKindInvalidResponse, errInvalidResponse, start)
	}

	signal := hitMomentum / totalMomentum

	// A stale snapshot says less about what is trending now.
	if !req.Trend.CapturedAt.IsZero() && s.now().Sub(req.Trend.CapturedAt) > trendStaleness {
		signal *= 0.7
	}

	signal = clamp01(signal)
	return settle(model.StageResult{
		StageName: s.Name(),
		Status:    model.StageStatusSuccess,
		RawSignal: &signal,
	}, start)
}
