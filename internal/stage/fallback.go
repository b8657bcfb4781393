package stage

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/viralcast/prediction-engine/internal/config"
	"github.com/viralcast/prediction-engine/internal/cost"
	"github.com/viralcast/prediction-engine/internal/model"
	"github.com/viralcast/prediction-engine/internal/resilience"
	"github.com/viralcast/prediction-engine/pkg/openai"
)

// FallbackLLMStage is the secondary scoring stage, backed by OpenAI. The
// orchestrator invokes it only when the fallback policy fires; a signal it
// produces substitutes for the missing primary-class signal and is flagged
// degraded.
type FallbackLLMStage struct {
	client   openai.Client
	cfg      config.OpenAIConfig
	timeout  time.Duration
	costCalc *cost.Calculator
	limiter  *rate.Limiter
	breaker  *resilience.CircuitBreaker
}

// NewFallbackLLMStage creates the secondary LLM stage.
func NewFallbackLLMStage(client openai.Client, cfg config.OpenAIConfig, timeout time.Duration, costCalc *cost.Calculator, breakers *resilience.ProviderBreakers) *FallbackLLMStage {
	limit := rate.Limit(cfg.RateLimit)
	if limit <= 0 {
		limit = rate.Inf
	}
	return &FallbackLLMStage{
		client:   client,
		cfg:      cfg,
		timeout:  timeout,
		costCalc: costCalc,
		limiter:  rate.NewLimiter(limit, 1),
		breaker:  breakers.Get("openai"),
	}
}

func (s *FallbackLLMStage) Name() string   { return "llm_fallback" }
func (s *FallbackLLMStage) Critical() bool { return false }

func (s *FallbackLLMStage) Produce(ctx context.Context, req model.PredictionRequest) model.StageResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.limiter.Wait(ctx); err != nil {
		return failed(s.Name(), classifyError(ctx, err), err, start)
	}

	temp := float32(0)
	resp, err := resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) (*openai.ChatCompletionResponse, error) {
		return resilience.DoVal(ctx, retryConfig("openai", s.Name()), func(ctx context.Context) (*openai.ChatCompletionResponse, error) {
			return s.client.ChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:       s.cfg.Model,
				System:      llmSystemPrompt,
				User:        buildScoringPrompt(req),
				MaxTokens:   s.cfg.MaxTokens,
				Temperature: &temp,
			})
		})
	})
	if err != nil {
		kind := classifyError(ctx, err)
		r := failed(s.Name(), kind, err, start)
		r.CostCents = s.costCalc.Cost("openai", 0, 0)
		zap.L().Warn("stage: fallback llm failed",
			zap.String("request_id", req.ID),
			zap.String("error_kind", string(kind)),
			zap.Error(err),
		)
		return r
	}

	costCents := s.costCalc.Cost("openai", resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	score, err := parseScore(resp.Content)
	if err != nil {
		r := failed(s.Name(), model.ErrKindInvalidResponse, err, start)
		r.TokensIn = resp.Usage.PromptTokens
		r.TokensOut = resp.Usage.CompletionTokens
		r.CostCents = costCents
		return r
	}

	return settle(model.StageResult{
		StageName: s.Name(),
		Status:    model.StageStatusSuccess,
		RawSignal: &score,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
		CostCents: costCents,
	}, start)
}
