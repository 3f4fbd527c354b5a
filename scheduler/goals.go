package scheduler

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/cogcore/orchestrator/types"
)

// Metric names a Goal can track. Progress is always tracked as "higher is
// better" (e.g. "rollingSuccess >= 0.8"); a latency/cost goal
// is expressed as a target on the normalized (1 - x/reference) score, with
// fixed references of 10s latency and $0.10 cost per call, so the same
// "Progress >= Target" achievement rule applies uniformly.
const (
	MetricRollingSuccess = "rollingSuccess"
	MetricRollingLatency = "rollingLatency"
	MetricRollingCost    = "rollingCost"
)

// AddGoal registers a new goal. Goal updates never fail once added;
// only the initial registration is validated.
func (s *Scheduler) AddGoal(g types.Goal) error {
	if g.ID == "" {
		return fmt.Errorf("scheduler: goal ID is required")
	}
	if g.Deadline.IsZero() {
		return fmt.Errorf("scheduler: goal %q needs a deadline", g.ID)
	}
	switch g.Metric {
	case MetricRollingSuccess, MetricRollingLatency, MetricRollingCost:
	default:
		return fmt.Errorf("scheduler: goal %q has unknown metric %q", g.ID, g.Metric)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.state.Load().Clone()
	for _, existing := range cur.ActiveGoals {
		if existing.ID == g.ID {
			return fmt.Errorf("scheduler: goal %q already exists", g.ID)
		}
	}
	g.Achieved = false
	g.Expired = false
	g.Progress = 0
	cur.ActiveGoals = append(cur.ActiveGoals, g)
	s.state.Store(&cur)
	return nil
}

// RemoveGoal drops a goal regardless of its current state.
func (s *Scheduler) RemoveGoal(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.state.Load().Clone()
	out := cur.ActiveGoals[:0]
	for _, g := range cur.ActiveGoals {
		if g.ID != id {
			out = append(out, g)
		}
	}
	cur.ActiveGoals = out
	s.state.Store(&cur)
}

// OnOutcome is the observer C2 invokes after every recorded Outcome. It
// folds the outcome into (1) each goal's progress and (2) the bucket's
// rolling error-rate tracker used for the automatic quiet-mode rollback.
func (s *Scheduler) OnOutcome(o types.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.state.Load().Clone()
	now := s.clock()
	changed := false

	for i := range cur.ActiveGoals {
		g := &cur.ActiveGoals[i]
		if g.Achieved || g.Expired {
			continue
		}
		if g.Bucket != "" && g.Bucket != o.FeatureKey {
			continue
		}
		progress := goalProgress(g.Metric, o)
		if progress == nil {
			continue
		}
		g.Progress = ewmaStep(g.Progress, *progress, 20)
		changed = true
		if g.Progress >= g.Target {
			g.Achieved = true
			if s.metrics != nil {
				s.metrics.RecordGoalEvent(g.ID, "achieved")
			}
		} else if !now.Before(g.Deadline) {
			g.Expired = true
			if s.metrics != nil {
				s.metrics.RecordGoalEvent(g.ID, "expired")
			}
		}
	}
	if changed {
		s.state.Store(&cur)
	}

	s.observeBucketLocked(o)
}

// goalProgress maps one Outcome onto the [0,1] "higher is better" scale a
// Goal's Target is compared against.
func goalProgress(metric string, o types.Outcome) *float64 {
	var v float64
	switch metric {
	case MetricRollingSuccess:
		if o.Success {
			v = 1
		}
	case MetricRollingLatency:
		// Normalize against a 10s reference latency: faster than that
		// scores closer to 1, slower scores closer to 0.
		v = 1 - math.Min(1, float64(o.LatencyMs)/10000)
	case MetricRollingCost:
		// Normalize against a $0.10 reference cost per call.
		v = 1 - math.Min(1, o.CostUsd/0.10)
	default:
		return nil
	}
	return &v
}

// ewmaStep folds one new sample into a running average with a fixed
// half-life in attempts, the same shape as ledger's ProviderProfile update.
func ewmaStep(prev, sample float64, halfLifeAttempts float64) float64 {
	alpha := 1 - math.Pow(0.5, 1/halfLifeAttempts)
	return prev + alpha*(sample-prev)
}

// observeBucketLocked updates the per-bucket rolling failure EWMA and
// triggers an automatic quiet-mode rollback if it crosses the configured
// threshold, the same way a canary deployment auto-rolls back on error
// rate. Caller holds mu.
func (s *Scheduler) observeBucketLocked(o types.Outcome) {
	b, ok := s.buckets[o.FeatureKey]
	if !ok {
		b = &bucketTracker{}
		s.buckets[o.FeatureKey] = b
	}
	b.attempts++
	fail := 0.0
	if !o.Success {
		fail = 1
	}
	b.rollingFail = ewmaStep(b.rollingFail, fail, s.cfg.AutoRollbackHalfLife)

	if b.attempts < s.cfg.AutoRollbackMinAttempts || b.rollingFail < s.cfg.AutoRollbackErrorThreshold {
		return
	}

	cur := s.state.Load().Clone()
	if cur.Mode == types.ModeStopped || cur.Mode == types.ModeQuiet {
		return
	}
	from := cur.Mode
	cur.Mode = types.ModeQuiet
	cur.ModeEndsAt = s.clock().Add(s.cfg.AutoRollbackQuietDuration)
	cur.IntensityMultiplier = 1
	cur.ExplorationRate = s.cfg.MinEpsilon
	s.state.Store(&cur)
	if s.router != nil {
		s.router.SetShadowRate(s.cfg.BaseShadowRate / 2)
	}
	s.logger.Warn("auto-rollback: forcing quiet mode",
		zap.String("bucket", o.FeatureKey),
		zap.Float64("rolling_error_rate", b.rollingFail),
		zap.Int64("attempts", b.attempts))
	if s.metrics != nil {
		s.metrics.RecordAutoRollback(o.FeatureKey)
	}
	s.notifyLocked(from, types.ModeQuiet, "auto-rollback: bucket "+o.FeatureKey+" error rate above threshold")
}
