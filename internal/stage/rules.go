package stage

import (
	"context"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/viralcast/prediction-engine/internal/model"
)

// hookWords are openers and phrases that historically correlate with high
// early engagement. Matched against case-folded, NFKC-normalized content.
var hookWords = []string{
	"you won't believe",
	"nobody talks about",
	"here's why",
	"stop doing",
	"the truth about",
	"i tried",
	"in 30 seconds",
	"before you",
	"watch till the end",
	"pov:",
}

// RulesStage scores content with deterministic heuristics: length band,
// hashtag usage, hook phrases, and shout (all-caps/emoji) density. It is
// non-critical and never fails on well-formed requests.
type RulesStage struct {
	folder cases.Caser
}

// NewRulesStage creates the heuristic stage.
func NewRulesStage() *RulesStage {
	return &RulesStage{folder: cases.Fold()}
}

func (s *RulesStage) Name() string   { return "rules" }
func (s *RulesStage) Critical() bool { return false }

func (s *RulesStage) Produce(ctx context.Context, req model.PredictionRequest) model.StageResult {
	start := time.Now()

	if strings.TrimSpace(req.Content) == "" {
		return failed(s.Name(), model.ErrKindInvalidResponse, errInvalidResponse, start)
	}

	// Normalize so width variants and ligatures don't dodge the word lists.
	content := s.folder.String(norm.NFKC.String(req.Content))

	score := 0.35 // base rate for plain content

	score += lengthScore(content)
	score += hashtagScore(content)
	score += hookScore(content)
	score -= shoutPenalty(req.Content)

	signal := clamp01(score)
	return settle(model.StageResult{
		StageName: s.Name(),
		Status:    model.StageStatusSuccess,
		RawSignal: &signal,
	}, start)
}

// lengthScore favors the short-form sweet spot (80-600 runes).
func lengthScore(content string) float64 {
	n := len([]rune(content))
	switch {
	case n < 20:
		return -0.1
	case n <= 600:
		return 0.15
	case n <= 2000:
		return 0.05
	default:
		return -0.05
	}
}

// hashtagScore rewards 1-5 hashtags and penalizes tag walls.
func hashtagScore(content string) float64 {
	count := strings.Count(content, "#")
	switch {
	case count == 0:
		return 0
	case count <= 5:
		return 0.1
	case count <= 10:
		return 0.02
	default:
		return -0.1
	}
}

// hookScore rewards known high-engagement openers, capped at two matches.
func hookScore(content string) float64 {
	matches := 0
	for _, w := range hookWords {
		if strings.Contains(content, w) {
			matches++
			if matches == 2 {
				break
			}
		}
	}
	return 0.1 * float64(matches)
}

// shoutPenalty penalizes content where most letters are uppercase.
func shoutPenalty(content string) float64 {
	var letters, upper int
	for _, r := range content {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters < 20 {
		return 0
	}
	if float64(upper)/float64(letters) > 0.6 {
		return 0.15
	}
	return 0
}
