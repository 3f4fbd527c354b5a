// Package scheduler implements C6, the Learning Scheduler: the background
// control loop that raises or clamps the Routing Policy's exploration rate
// (burst/quiet/normal/stopped), tracks operator goals toward a deadline, and
// watches per-bucket outcome rates for an automatic quiet-mode rollback
// (see DESIGN.md).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/cogcore/orchestrator/internal/metrics"
	"github.com/cogcore/orchestrator/types"
)

// RouterShadowRateSink lets the scheduler push a shadow-experiment rate
// down to C3 without depending on the router package's full Config shape.
// Satisfied by *router.Router via its SetShadowRate method.
type RouterShadowRateSink interface {
	SetShadowRate(rate float64)
}

// ModeChangeFunc is invoked after every successful mode transition. It is
// the scheduler's half of the "scheduler.mode_changed{from,to}" control
// event; delivery to an actual event bus is the caller's job.
type ModeChangeFunc func(from, to types.SchedulerMode, reason string)

// bucketTracker is the scheduler's own rolling error-rate EWMA per feature
// bucket, independent of C2's per-provider ProviderProfile, since the
// auto-rollback trigger watches the bucket as a whole rather than any one
// provider.
type bucketTracker struct {
	attempts    int64
	rollingFail float64
}

// Scheduler is the thread-safe C6 implementation. Reads of the published
// state go through an atomically-swapped immutable snapshot (state); all
// mutation is serialized by mu: only the scheduler writes its state, and
// C3 reads a published copy without taking any lock.
type Scheduler struct {
	cfg    Config
	logger *zap.Logger
	clock  func() time.Time

	state atomic.Pointer[types.SchedulerState]

	mu      sync.Mutex
	buckets map[string]*bucketTracker

	router   RouterShadowRateSink
	onChange ModeChangeFunc
	metrics  *metrics.Collector

	cron *cron.Cron
}

// SetMetrics attaches a Prometheus collector. Optional; nil (the default)
// disables metrics emission without affecting scheduling behavior.
func (s *Scheduler) SetMetrics(m *metrics.Collector) {
	s.metrics = m
}

// New constructs a Scheduler in normal mode. router and onChange may be nil.
func New(cfg Config, router RouterShadowRateSink, onChange ModeChangeFunc, logger *zap.Logger, clock func() time.Time) *Scheduler {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	s := &Scheduler{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "scheduler")),
		clock:   clock,
		buckets: make(map[string]*bucketTracker),
		router:  router,
		onChange: onChange,
	}
	initial := types.SchedulerState{
		Mode:                types.ModeNormal,
		IntensityMultiplier: 1,
		ExplorationRate:     cfg.BaseExplorationRate,
	}
	s.state.Store(&initial)
	if router != nil {
		router.SetShadowRate(cfg.BaseShadowRate)
	}
	return s
}

// Restore replaces the scheduler's state with one recovered from a prior
// process, normalizing anything that no longer holds: an expired
// burst/quiet window falls back to normal immediately rather than waiting
// for the first tick, and a zero intensity is corrected to 1.
func (s *Scheduler) Restore(st types.SchedulerState) {
	now := s.clock()
	if (st.Mode == types.ModeBurst || st.Mode == types.ModeQuiet) && !st.ModeEndsAt.After(now) {
		st.Mode = types.ModeNormal
		st.ModeEndsAt = time.Time{}
		st.IntensityMultiplier = 1
		st.ExplorationRate = s.cfg.BaseExplorationRate
	}
	if st.IntensityMultiplier == 0 {
		st.IntensityMultiplier = 1
	}
	if st.ExplorationRate == 0 {
		st.ExplorationRate = s.cfg.BaseExplorationRate
	}
	st = st.Clone()
	s.state.Store(&st)
	s.logger.Info("scheduler state restored",
		zap.String("mode", string(st.Mode)),
		zap.Int("goals", len(st.ActiveGoals)))
}

// Snapshot returns the current SchedulerState, satisfying router.SchedulerSource.
func (s *Scheduler) Snapshot() types.SchedulerState {
	return s.state.Load().Clone()
}

// Start launches the periodic goal-sweep/mode-expiry pulse on a robfig/cron
// "@every" schedule.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.GoalSweepInterval.String())
	if _, err := s.cron.AddFunc(spec, func() { s.Tick(s.clock()) }); err != nil {
		return fmt.Errorf("scheduler: schedule goal sweep: %w", err)
	}
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
	s.logger.Info("scheduler started", zap.Duration("sweep_interval", s.cfg.GoalSweepInterval))
	return nil
}

// Stop halts the background cron loop. In-flight Plans are unaffected;
// Stop only stops future Tick pulses.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// Tick is idempotent and safe to call as a periodic pulse: it falls any
// expired burst/quiet mode back to normal and sweeps goal deadlines.
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.state.Load().Clone()
	changed := false

	if (cur.Mode == types.ModeBurst || cur.Mode == types.ModeQuiet) && !cur.ModeEndsAt.IsZero() && !now.Before(cur.ModeEndsAt) {
		from := cur.Mode
		cur = s.normalizedLocked(cur)
		changed = true
		s.notifyLocked(from, cur.Mode, "mode expired")
	}

	for i := range cur.ActiveGoals {
		g := &cur.ActiveGoals[i]
		if !g.Achieved && !g.Expired && !g.Deadline.IsZero() && !now.Before(g.Deadline) {
			g.Expired = true
			changed = true
			if s.metrics != nil {
				s.metrics.RecordGoalEvent(g.ID, "expired")
			}
		}
	}

	if changed {
		s.state.Store(&cur)
	}
}

// normalizedLocked resets exploration/shadow rate to baseline and returns
// the state in ModeNormal. Caller holds mu.
func (s *Scheduler) normalizedLocked(cur types.SchedulerState) types.SchedulerState {
	cur.Mode = types.ModeNormal
	cur.ModeEndsAt = time.Time{}
	cur.IntensityMultiplier = 1
	cur.ExplorationRate = s.cfg.BaseExplorationRate
	if s.router != nil {
		s.router.SetShadowRate(s.cfg.BaseShadowRate)
	}
	return cur
}

func (s *Scheduler) notifyLocked(from, to types.SchedulerMode, reason string) {
	s.logger.Info("scheduler mode changed", zap.String("from", string(from)), zap.String("to", string(to)), zap.String("reason", reason))
	if s.metrics != nil {
		s.metrics.RecordSchedulerModeChange(string(from), string(to))
	}
	if s.onChange != nil {
		s.onChange(from, to, reason)
	}
}

// RequestMode validates and applies an explicit mode transition.
// duration is ignored for ModeStopped/ModeNormal; a non-positive duration
// for ModeBurst/ModeQuiet falls back to the configured default.
func (s *Scheduler) RequestMode(mode types.SchedulerMode, duration time.Duration, intensity float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.state.Load().Clone()
	if cur.Mode == types.ModeStopped && mode != types.ModeNormal && mode != types.ModeStopped {
		return types.ErrSchedulerLocked
	}

	from := cur.Mode
	now := s.clock()

	switch mode {
	case types.ModeBurst:
		if duration <= 0 {
			duration = s.cfg.DefaultBurstDuration
		}
		if intensity <= 0 {
			intensity = 1
		}
		cur.Mode = types.ModeBurst
		cur.ModeEndsAt = now.Add(duration)
		cur.IntensityMultiplier = intensity
		cur.ExplorationRate = clamp(s.cfg.BaseExplorationRate*intensity, s.cfg.MinEpsilon, s.cfg.MaxEpsilon)

	case types.ModeQuiet:
		if duration <= 0 {
			duration = s.cfg.DefaultQuietDuration
		}
		cur.Mode = types.ModeQuiet
		cur.ModeEndsAt = now.Add(duration)
		cur.IntensityMultiplier = 1
		cur.ExplorationRate = s.cfg.MinEpsilon
		if s.router != nil {
			s.router.SetShadowRate(s.cfg.BaseShadowRate / 2)
		}

	case types.ModeStopped:
		cur.Mode = types.ModeStopped
		cur.ModeEndsAt = time.Time{}

	case types.ModeNormal:
		cur = s.normalizedLocked(cur)

	default:
		return fmt.Errorf("scheduler: unknown mode %q", mode)
	}

	s.state.Store(&cur)
	if from != cur.Mode {
		s.notifyLocked(from, cur.Mode, "operator request")
	}
	return nil
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
