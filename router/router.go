// Package router implements C3, the Routing Policy: turns a Request's
// extracted Features into an immutable execution Plan by combining C1's
// live provider availability with C2's learned Q-values under an
// epsilon-greedy policy, gated by C6's current exploration rate.
package router

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cogcore/orchestrator/internal/metrics"
	"github.com/cogcore/orchestrator/types"
)

// ProviderSource is the slice of C1 the router needs. Satisfied by
// *registry.Registry; declared here (consumer-side) so router never
// imports registry's concrete type and stays test-friendly.
type ProviderSource interface {
	AvailableFor(required ...types.Capability) []types.Provider
	Get(id string) (types.Provider, bool)
}

// ProfileSource is the slice of C2 the router needs.
type ProfileSource interface {
	Profile(provider, featureKey string) (types.ProviderProfile, bool)
}

// SchedulerSource is the slice of C6 the router needs: a lock-free
// snapshot read; only the scheduler mutates the state, the router reads a
// published copy.
type SchedulerSource interface {
	Snapshot() types.SchedulerState
}

// capabilitiesForTask is the minimum capability set a candidate must have
// to serve a given TaskType.
var capabilitiesForTask = map[types.TaskType][]types.Capability{
	types.TaskGeneral:  {types.CapChat},
	types.TaskCode:     {types.CapChat, types.CapCode},
	types.TaskCreative: {types.CapChat},
	types.TaskTest:     {types.CapChat, types.CapCode},
}

// Router is the thread-safe C3 implementation.
type Router struct {
	cfg atomic.Pointer[Config]

	providers ProviderSource
	profiles  ProfileSource
	scheduler SchedulerSource
	logger    *zap.Logger
	clock     func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	stats   Stats
	metrics *metrics.Collector
}

// SetMetrics attaches a Prometheus collector. Optional; nil (the default)
// disables metrics emission without affecting routing behavior.
func (r *Router) SetMetrics(m *metrics.Collector) {
	r.metrics = m
}

func (r *Router) recordPlanMetrics(shape types.PlanShape, explored bool, confidence float64) {
	r.stats.recordPlan(shape, explored)
	if r.metrics != nil {
		r.metrics.RecordPlan(string(shape), explored, confidence)
	}
}

// New wires a Router to its three collaborators. logger/clock may be nil.
func New(providers ProviderSource, profiles ProfileSource, scheduler SchedulerSource, logger *zap.Logger, clock func() time.Time) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	r := &Router{
		providers: providers,
		profiles:  profiles,
		scheduler: scheduler,
		logger:    logger.With(zap.String("component", "router")),
		clock:     clock,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	cfg := DefaultConfig()
	r.cfg.Store(&cfg)
	return r
}

// UpdateConfig atomically swaps the routing policy's tunable knobs.
func (r *Router) UpdateConfig(cfg Config) {
	r.cfg.Store(&cfg)
}

// SetShadowRate updates just the shadow-experiment rate, leaving every
// other knob untouched. This is the narrow surface C6 uses to halve the
// shadow rate in quiet mode and restore it in normal/burst, without
// the scheduler needing to know the router's whole Config shape.
func (r *Router) SetShadowRate(rate float64) {
	cfg := r.config()
	cfg.ShadowRate = rate
	r.cfg.Store(&cfg)
}

func (r *Router) config() Config { return *r.cfg.Load() }

// RecordShadowResult folds a shadow experiment's verdict into the router's
// win/loss tally. C4 calls this once per completed shadow challenger.
func (r *Router) RecordShadowResult(shadowWon bool) {
	r.stats.RecordShadowResult(shadowWon)
}

// NextBest returns the strongest available candidate for the bucket that
// is not in exclude. C4 uses this to swap a ValidationLoop stage's
// provider on a low-score retry.
func (r *Router) NextBest(bucket string, exclude []string) (string, bool) {
	cfg := r.config()
	candidates := r.candidateSet([]types.Capability{types.CapChat}, bucket, cfg)
	sort.Slice(candidates, func(i, j int) bool { return better(candidates[i], candidates[j]) })
	for _, c := range candidates {
		excluded := false
		for _, id := range exclude {
			if c.provider.ID == id {
				excluded = true
				break
			}
		}
		if !excluded {
			return c.provider.ID, true
		}
	}
	return "", false
}

// Stats returns a snapshot of routing totals for diagnostics.
func (r *Router) Stats() StatsSnapshot { return r.stats.snapshot() }

// candidate pairs a provider with its rollup profile for the bucket being
// routed, synthesizing a neutral profile when none exists yet so brand-new
// providers remain eligible for exploration rather than being excluded
// until they accumulate a first Outcome (see DESIGN.md).
type candidate struct {
	provider types.Provider
	profile  types.ProviderProfile
}

// Plan produces an immutable execution Plan for req/features. Pure over
// the ProviderSource/ProfileSource/SchedulerSource snapshots taken at call
// time: concurrent mutation to any of them does not interleave within one
// call.
func (r *Router) Plan(req *types.Request, features types.Features) (types.Plan, error) {
	cfg := r.config()
	bucket := features.Bucket()
	now := r.clock()

	// 1. Override path: the caller's explicit choice is never second-guessed.
	if req.Override != nil && req.Override.Provider != "" {
		if p, ok := r.providers.Get(req.Override.Provider); ok && p.Health.Available {
			r.recordPlanMetrics(types.ShapeSingle, false, 1.0)
			return types.Plan{
				ID:    uuid.NewString(),
				Shape: types.ShapeSingle,
				Single: &types.SinglePlan{
					Provider:   p.ID,
					Model:      req.Override.Model,
					Reasoning:  fmt.Sprintf("explicit override to %s", p.ID),
					Confidence: 1.0,
				},
				RecordingSampleRate: 1.0,
				CreatedAt:           now,
			}, nil
		}
	}

	required := capabilitiesForTask[req.TaskType]
	candidates := r.candidateSet(required, bucket, cfg)

	if len(candidates) == 0 {
		// Failure-path fallback: cheapest HEALTHY provider with plain chat.
		fallback := r.cheapestHealthy(types.CapChat)
		if fallback == nil {
			return types.Plan{}, types.ErrNoProviderAvailable
		}
		r.recordPlanMetrics(types.ShapeSingle, false, 0)
		return types.Plan{
			ID:    uuid.NewString(),
			Shape: types.ShapeSingle,
			Single: &types.SinglePlan{
				Provider:   fallback.ID,
				Reasoning:  fmt.Sprintf("no bucket candidates for %s; falling back to cheapest healthy provider %s", bucket, fallback.ID),
				Confidence: 0,
			},
			RecordingSampleRate: 1.0,
			CreatedAt:           now,
		}, nil
	}

	schedState := r.scheduler.Snapshot()
	epsilon := clampEpsilon(schedState.ExplorationRate, cfg.MinEpsilon, cfg.MaxEpsilon)

	chosen, explored := r.selectCandidate(candidates, epsilon)
	confidence := chosen.profile.RollingSuccess * min1(float64(chosen.profile.Attempts)/float64(cfg.MinSampleThreshold))

	shape, plan := r.shapePlan(req, features, candidates, chosen, confidence, cfg, now)
	plan.Epsilon = epsilon
	plan.Explored = explored

	if shadow := r.pickShadow(candidates, chosen, cfg); shadow != nil {
		plan.ShadowChallenger = &types.Override{Provider: shadow.provider.ID}
	}
	plan.RecordingSampleRate = 1.0
	plan.ID = uuid.NewString()
	plan.CreatedAt = now

	r.recordPlanMetrics(shape, explored, confidence)
	return plan, nil
}

// candidateSet intersects C1's availability with a (possibly synthesized
// neutral) profile for the bucket.
func (r *Router) candidateSet(required []types.Capability, bucket string, cfg Config) []candidate {
	available := r.providers.AvailableFor(required...)
	out := make([]candidate, 0, len(available))
	for _, p := range available {
		profile, ok := r.profiles.Profile(p.ID, bucket)
		if !ok {
			profile = types.ProviderProfile{
				Provider:       p.ID,
				FeatureKey:     bucket,
				RollingSuccess: 0.5,
				QValue:         0.5,
			}
		}
		out = append(out, candidate{provider: p, profile: profile})
	}
	return out
}

func (r *Router) cheapestHealthy(required ...types.Capability) *types.Provider {
	available := r.providers.AvailableFor(required...)
	if len(available) == 0 {
		return nil
	}
	sort.Slice(available, func(i, j int) bool {
		ci := available[i].CostModel.InputPerKToken + available[i].CostModel.OutputPerKToken
		cj := available[j].CostModel.InputPerKToken + available[j].CostModel.OutputPerKToken
		return ci < cj
	})
	return &available[0]
}

// selectCandidate implements exploit-vs-explore: with probability epsilon,
// a uniform-random candidate; otherwise argmax QValue, tie-broken by lower
// RollingLatency then lower RollingCost.
func (r *Router) selectCandidate(candidates []candidate, epsilon float64) (candidate, bool) {
	r.rngMu.Lock()
	roll := r.rng.Float64()
	idx := r.rng.Intn(len(candidates))
	r.rngMu.Unlock()

	if roll < epsilon {
		return candidates[idx], true
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if better(c, best) {
			best = c
		}
	}
	return best, false
}

func better(a, b candidate) bool {
	if a.profile.QValue != b.profile.QValue {
		return a.profile.QValue > b.profile.QValue
	}
	if a.profile.RollingLatency != b.profile.RollingLatency {
		return a.profile.RollingLatency < b.profile.RollingLatency
	}
	return a.profile.RollingCost < b.profile.RollingCost
}

// pickShadow attaches a second-best candidate with probability shadowRate.
func (r *Router) pickShadow(candidates []candidate, chosen candidate, cfg Config) *candidate {
	if len(candidates) < 2 {
		return nil
	}
	r.rngMu.Lock()
	roll := r.rng.Float64()
	r.rngMu.Unlock()
	if roll >= cfg.ShadowRate {
		return nil
	}

	var second *candidate
	for i := range candidates {
		if candidates[i].provider.ID == chosen.provider.ID {
			continue
		}
		if second == nil || better(candidates[i], *second) {
			c := candidates[i]
			second = &c
		}
	}
	return second
}

func clampEpsilon(explorationRate, min, max float64) float64 {
	e := explorationRate
	if e < min {
		e = min
	}
	if e > max {
		e = max
	}
	return e
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}
