package ledger

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/cogcore/orchestrator/types"
)

// TestEWMABoundedForArbitrarySequences is the "EWMA bounded" property: for
// any sequence of Outcomes, RollingSuccess and QValue stay in [0,1] and
// RollingLatency stays non-negative after every single fold, not just at
// the end. successRatio/100 drives what fraction of the generated sequence
// succeeds; rating/latency/cost are varied independently.
func TestEWMABoundedForArbitrarySequences(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("rolling stats stay bounded after every fold", prop.ForAll(
		func(count, successRatio, rating, latencyMs, costCents int) bool {
			l := New(Config{HalfLifeAttempts: 20, MinSampleThreshold: 5}, nil, nil, nil)
			for i := 0; i < count; i++ {
				o := types.Outcome{
					Provider:   "p1",
					FeatureKey: "code/complex",
					Success:    i%100 < successRatio,
					Rating:     float64(rating) / 100,
					LatencyMs:  int64(latencyMs),
					CostUsd:    float64(costCents) / 100,
				}
				l.apply(o)
				p, ok := l.Profile(o.Provider, o.FeatureKey)
				if !ok {
					return false
				}
				if p.RollingSuccess < 0 || p.RollingSuccess > 1 {
					return false
				}
				if p.RollingLatency < 0 {
					return false
				}
				if p.QValue < 0 || p.QValue > 1 {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 200),
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
		gen.IntRange(0, 5000),
		gen.IntRange(0, 10000),
	))

	properties.TestingRun(t)
}

// TestProfileAttemptsMonotonicallyIncrease is the append-only ledger
// property restated at the rollup layer: folding N outcomes for the same
// key always leaves Attempts at exactly N, regardless of the outcomes'
// content, and it never decreases as more are folded.
func TestProfileAttemptsMonotonicallyIncrease(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("attempts count matches outcomes folded so far", prop.ForAll(
		func(count, successRatio int) bool {
			l := New(Config{}, nil, nil, nil)
			var last int64
			for i := 0; i < count; i++ {
				l.apply(types.Outcome{
					PlanID:     "plan",
					Provider:   "p1",
					Attempt:    i,
					FeatureKey: "general/simple",
					Success:    i%100 < successRatio,
					Rating:     0.5,
				})
				p, _ := l.Profile("p1", "general/simple")
				if p.Attempts != last+1 {
					return false
				}
				last = p.Attempts
			}
			return true
		},
		gen.IntRange(1, 100),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}

// TestEWMAConvergesToTrueSuccessRate is the "round-trip: Outcome -> Profile"
// property: after enough outcomes at a fixed success rate s, RollingSuccess
// approaches s within tolerance as k grows past 5x the half-life.
func TestEWMAConvergesToTrueSuccessRate(t *testing.T) {
	rates := []float64{0, 0.25, 0.5, 0.75, 1.0}
	for _, rate := range rates {
		l := New(Config{HalfLifeAttempts: 20, MinSampleThreshold: 5}, nil, nil, nil)
		const n = 2000 // far beyond 5x the half-life
		successesSoFar := 0
		for i := 1; i <= n; i++ {
			want := float64(i) * rate
			success := false
			if float64(successesSoFar+1) <= want+0.5 {
				success = true
				successesSoFar++
			}
			l.apply(types.Outcome{PlanID: "plan", Provider: "conv", Attempt: i, FeatureKey: "general/simple", Success: success, Rating: rate})
		}
		p, _ := l.Profile("conv", "general/simple")
		if diff := p.RollingSuccess - rate; diff > 0.05 || diff < -0.05 {
			t.Fatalf("rate %.2f: RollingSuccess did not converge, got %f", rate, p.RollingSuccess)
		}
	}
}
