package engine

import (
	"context"
	"strings"

	"github.com/cogcore/orchestrator/types"
)

// Scorer computes a ValidationLoop stage's quality score. Pluggable per
// the "what decides a stage's score" Open Question: the engine depends on
// this interface, not a concrete implementation, so a caller can supply an
// LLM-graded scorer without touching engine code.
type Scorer interface {
	Score(ctx context.Context, stage types.Stage, output string) (float64, error)
}

// HeuristicScorer is the default Scorer: a cheap, deterministic proxy
// used when no smarter (e.g. LLM-graded) Scorer is configured. It never
// calls out to a provider, so it adds no latency or cost to the loop.
type HeuristicScorer struct{}

// Score rewards non-trivial length and penalizes telltale refusal/error
// phrasing. It deliberately stays crude — a real deployment is expected to
// inject a Scorer backed by a grading provider call or static analyzer.
func (HeuristicScorer) Score(_ context.Context, stage types.Stage, output string) (float64, error) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return 0, nil
	}

	score := 0.5
	switch {
	case len(trimmed) > 400:
		score += 0.3
	case len(trimmed) > 80:
		score += 0.15
	}

	lower := strings.ToLower(trimmed)
	for _, bad := range []string{"i cannot", "i can't", "as an ai", "i'm unable"} {
		if strings.Contains(lower, bad) {
			score -= 0.4
			break
		}
	}

	if stage == types.StageTest && strings.Contains(lower, "fail") {
		score -= 0.2
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}
