package stage

import (
	"context"
	"math"
	"time"

	"github.com/viralcast/prediction-engine/internal/model"
)

// CreatorStage scores the creator's track record: audience size, engagement,
// posting cadence, and prior viral hits. Non-critical; requests without
// creator context degrade gracefully.
type CreatorStage struct{}

// NewCreatorStage creates the creator-profile stage.
func NewCreatorStage() *CreatorStage {
	return &CreatorStage{}
}

func (s *CreatorStage) Name() string   { return "creator" }
func (s *CreatorStage) Critical() bool { return false }

func (s *CreatorStage) Produce(ctx context.Context, req model.PredictionRequest) model.StageResult {
	start := time.Now()

	c := req.Creator
	if c == nil {
		return failed(s.Name(), model.ErrKindInvalidResponse, errInvalidResponse, start)
	}

	// Audience reach: log-scaled, saturating around 1M followers.
	reach := 0.0
	if c.FollowerCount > 0 {
		reach = math.Log10(float64(c.FollowerCount)) / 6
	}

	// Engagement rate relative to a 3% healthy baseline.
	engagement := clamp01(c.AvgEngagement / 0.03)

	// Cadence: regular posting up to ~1/day helps, saturates after.
	cadence := clamp01(float64(c.PostsLast30Days) / 30)

	// Track record: prior viral posts are the strongest single predictor.
	track := clamp01(float64(c.PriorViralPosts) / 5)

	signal := clamp01(0.3*clamp01(reach) + 0.3*engagement + 0.15*cadence + 0.25*track)
	return settle(model.StageResult{
		StageName: s.Name(),
		Status:    model.StageStatusSuccess,
		RawSignal: &signal,
	}, start)
}
