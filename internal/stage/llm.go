package stage

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/viralcast/prediction-engine/internal/config"
	"github.com/viralcast/prediction-engine/internal/cost"
	"github.com/viralcast/prediction-engine/internal/model"
	"github.com/viralcast/prediction-engine/internal/resilience"
	"github.com/viralcast/prediction-engine/pkg/anthropic"
)

const llmSystemPrompt = `You are a social media virality analyst. Given a piece of content and its context, estimate the probability-like signal that it will go viral on its platform. Respond with a single JSON object: {"score": <float between 0 and 1>}. No other text.`

// scorePayload is the JSON contract both LLM providers must honor.
type scorePayload struct {
	Score *float64 `json:"score"`
}

// parseScore extracts the score from a model response, tolerating prose or
// code fences around the JSON object.
func parseScore(text string) (float64, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return 0, eris.Wrapf(errInvalidResponse, "no JSON object in %q", truncate(text, 80))
	}

	var payload scorePayload
	if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
		return 0, eris.Wrapf(errInvalidResponse, "parse score: %v", err)
	}
	if payload.Score == nil {
		return 0, eris.Wrap(errInvalidResponse, "missing score field")
	}
	return clamp01(*payload.Score), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// buildScoringPrompt renders the request into the user prompt shared by both
// LLM stages.
func buildScoringPrompt(req model.PredictionRequest) string {
	var b strings.Builder
	b.WriteString("Content:\n")
	b.WriteString(req.Content)
	b.WriteString("\n")
	if req.Platform != "" {
		b.WriteString("\nPlatform: " + req.Platform + "\n")
	}
	if req.Creator != nil {
		b.WriteString("\nCreator context (JSON):\n")
		creatorJSON, _ := json.Marshal(req.Creator)
		b.Write(creatorJSON)
		b.WriteString("\n")
	}
	if req.Trend != nil && len(req.Trend.Tags) > 0 {
		b.WriteString("\nTrending tags: " + strings.Join(req.Trend.Tags, ", ") + "\n")
	}
	return b.String()
}

// LLMStage is the critical primary scoring stage, backed by Anthropic.
type LLMStage struct {
	client   anthropic.Client
	cfg      config.AnthropicConfig
	timeout  time.Duration
	costCalc *cost.Calculator
	limiter  *rate.Limiter
	breaker  *resilience.CircuitBreaker
}

// NewLLMStage creates the primary LLM stage.
func NewLLMStage(client anthropic.Client, cfg config.AnthropicConfig, timeout time.Duration, costCalc *cost.Calculator, breakers *resilience.ProviderBreakers) *LLMStage {
	limit := rate.Limit(cfg.RateLimit)
	if limit <= 0 {
		limit = rate.Inf
	}
	return &LLMStage{
		client:   client,
		cfg:      cfg,
		timeout:  timeout,
		costCalc: costCalc,
		limiter:  rate.NewLimiter(limit, 1),
		breaker:  breakers.Get("anthropic"),
	}
}

func (s *LLMStage) Name() string   { return "llm" }
func (s *LLMStage) Critical() bool { return true }

// Produce calls the primary provider and parses its score. Token counts from
// the provider are authoritative; the calculator substitutes configured
// estimates only when usage is absent. Cost is recorded on failure too.
func (s *LLMStage) Produce(ctx context.Context, req model.PredictionRequest) model.StageResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.limiter.Wait(ctx); err != nil {
		return failed(s.Name(), classifyError(ctx, err), err, start)
	}

	temp := 0.0
	resp, err := resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return resilience.DoVal(ctx, retryConfig("anthropic", s.Name()), func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return s.client.CreateMessage(ctx, anthropic.MessageRequest{
				Model:       s.cfg.Model,
				MaxTokens:   s.cfg.MaxTokens,
				System:      llmSystemPrompt,
				Messages:    []anthropic.Message{{Role: "user", Content: buildScoringPrompt(req)}},
				Temperature: &temp,
			})
		})
	})
	if err != nil {
		kind := classifyError(ctx, err)
		// A failed call may still have cost money; charge the fallback
		// estimate so spend is never under-reported.
		r := failed(s.Name(), kind, err, start)
		r.CostCents = s.costCalc.Cost("anthropic", 0, 0)
		zap.L().Warn("stage: primary llm failed",
			zap.String("request_id", req.ID),
			zap.String("error_kind", string(kind)),
			zap.Error(err),
		)
		return r
	}

	tokensIn := int(resp.Usage.InputTokens)
	tokensOut := int(resp.Usage.OutputTokens)
	costCents := s.costCalc.Cost("anthropic", tokensIn, tokensOut)

	score, err := parseScore(resp.Text())
	if err != nil {
		r := failed(s.Name(), model.ErrKindInvalidResponse, err, start)
		r.TokensIn = tokensIn
		r.TokensOut = tokensOut
		r.CostCents = costCents
		return r
	}

	status := model.StageStatusSuccess
	if tokensIn == 0 && tokensOut == 0 {
		// Usage missing from the provider: signal is fine, accounting is an
		// estimate.
		status = model.StageStatusDegraded
	}

	return settle(model.StageResult{
		StageName: s.Name(),
		Status:    status,
		RawSignal: &score,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		CostCents: costCents,
	}, start)
}

func retryConfig(provider, stageName string) resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.OnRetry = resilience.RetryLogger(provider, stageName)
	return cfg
}
