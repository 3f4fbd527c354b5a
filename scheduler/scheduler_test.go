package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cogcore/orchestrator/internal/metrics"
	"github.com/cogcore/orchestrator/types"
)

type fakeRouterSink struct {
	lastRate float64
	calls    int
}

func (f *fakeRouterSink) SetShadowRate(rate float64) {
	f.lastRate = rate
	f.calls++
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNewStartsInNormalModeWithBaseExploration(t *testing.T) {
	s := New(DefaultConfig(), nil, nil, nil, nil)
	snap := s.Snapshot()
	assert.Equal(t, types.ModeNormal, snap.Mode)
	assert.Equal(t, DefaultConfig().BaseExplorationRate, snap.ExplorationRate)
}

func TestBurstModeRaisesExplorationRate(t *testing.T) {
	now := time.Unix(1000, 0)
	s := New(DefaultConfig(), nil, nil, nil, fixedClock(now))

	require.NoError(t, s.RequestMode(types.ModeBurst, time.Minute, 2))
	snap := s.Snapshot()
	assert.Equal(t, types.ModeBurst, snap.Mode)
	assert.InDelta(t, 0.2, snap.ExplorationRate, 1e-9)
	assert.Equal(t, now.Add(time.Minute), snap.ModeEndsAt)
}

func TestSetMetricsRecordsModeChangesAndGoalEvents(t *testing.T) {
	now := time.Unix(3000, 0)
	s := New(DefaultConfig(), nil, nil, nil, fixedClock(now))
	s.SetMetrics(metrics.NewCollector("cogcore_scheduler_test", zap.NewNop()))

	require.NoError(t, s.RequestMode(types.ModeBurst, time.Minute, 2))
	assert.Equal(t, types.ModeBurst, s.Snapshot().Mode)

	require.NoError(t, s.AddGoal(types.Goal{
		ID: "g1", Metric: MetricRollingSuccess, Target: 0.01,
		Deadline: now.Add(time.Hour),
	}))
	s.OnOutcome(types.Outcome{FeatureKey: "general/simple", Success: true})
	snap := s.Snapshot()
	require.Len(t, snap.ActiveGoals, 1)
	assert.True(t, snap.ActiveGoals[0].Achieved)
}

func TestBurstModeExpiresBackToNormalOnTick(t *testing.T) {
	now := time.Unix(2000, 0)
	var clock time.Time = now
	s := New(DefaultConfig(), nil, nil, nil, func() time.Time { return clock })

	require.NoError(t, s.RequestMode(types.ModeBurst, 30*time.Second, 3))
	require.Equal(t, types.ModeBurst, s.Snapshot().Mode)

	clock = now.Add(31 * time.Second)
	s.Tick(clock)

	snap := s.Snapshot()
	assert.Equal(t, types.ModeNormal, snap.Mode)
	assert.Equal(t, DefaultConfig().BaseExplorationRate, snap.ExplorationRate)
}

func TestQuietModeClampsEpsilonAndHalvesShadowRate(t *testing.T) {
	sink := &fakeRouterSink{}
	s := New(DefaultConfig(), sink, nil, nil, nil)

	require.NoError(t, s.RequestMode(types.ModeQuiet, time.Hour, 1))
	snap := s.Snapshot()
	assert.Equal(t, types.ModeQuiet, snap.Mode)
	assert.Equal(t, DefaultConfig().MinEpsilon, snap.ExplorationRate)
	assert.InDelta(t, DefaultConfig().BaseShadowRate/2, sink.lastRate, 1e-9)
}

func TestStoppedBlocksFurtherModeRequestsExceptNormal(t *testing.T) {
	s := New(DefaultConfig(), nil, nil, nil, nil)
	require.NoError(t, s.RequestMode(types.ModeStopped, 0, 0))

	err := s.RequestMode(types.ModeBurst, time.Minute, 2)
	assert.ErrorIs(t, err, types.ErrSchedulerLocked)

	require.NoError(t, s.RequestMode(types.ModeNormal, 0, 0))
	assert.Equal(t, types.ModeNormal, s.Snapshot().Mode)
}

func TestGoalAchievesWhenProgressCrossesTarget(t *testing.T) {
	now := time.Unix(5000, 0)
	s := New(DefaultConfig(), nil, nil, nil, fixedClock(now))

	require.NoError(t, s.AddGoal(types.Goal{
		ID:       "code-success",
		Metric:   MetricRollingSuccess,
		Bucket:   "code/complex",
		Target:   0.8,
		Deadline: now.Add(time.Hour),
	}))

	for i := 0; i < 50; i++ {
		s.OnOutcome(types.Outcome{FeatureKey: "code/complex", Success: true})
	}

	snap := s.Snapshot()
	require.Len(t, snap.ActiveGoals, 1)
	assert.True(t, snap.ActiveGoals[0].Achieved)
}

func TestGoalExpiresAfterDeadlineOnTick(t *testing.T) {
	now := time.Unix(6000, 0)
	var clock time.Time = now
	s := New(DefaultConfig(), nil, nil, nil, func() time.Time { return clock })

	require.NoError(t, s.AddGoal(types.Goal{
		ID:       "never-hit",
		Metric:   MetricRollingSuccess,
		Target:   0.99,
		Deadline: now.Add(time.Minute),
	}))

	clock = now.Add(2 * time.Minute)
	s.Tick(clock)

	snap := s.Snapshot()
	require.Len(t, snap.ActiveGoals, 1)
	assert.True(t, snap.ActiveGoals[0].Expired)
	assert.False(t, snap.ActiveGoals[0].Achieved)
}

func TestAutoRollbackForcesQuietModeOnHighErrorRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoRollbackMinAttempts = 5
	cfg.AutoRollbackErrorThreshold = 0.4
	cfg.AutoRollbackHalfLife = 3

	var changedTo types.SchedulerMode
	onChange := func(from, to types.SchedulerMode, reason string) { changedTo = to }

	s := New(cfg, nil, onChange, nil, nil)
	for i := 0; i < 20; i++ {
		s.OnOutcome(types.Outcome{FeatureKey: "code/critical", Success: false})
	}

	snap := s.Snapshot()
	assert.Equal(t, types.ModeQuiet, snap.Mode)
	assert.Equal(t, types.ModeQuiet, changedTo)
}

func TestRemoveGoalDropsIt(t *testing.T) {
	s := New(DefaultConfig(), nil, nil, nil, nil)
	require.NoError(t, s.AddGoal(types.Goal{ID: "g1", Metric: MetricRollingSuccess, Target: 0.5, Deadline: time.Now().Add(time.Hour)}))
	require.Len(t, s.Snapshot().ActiveGoals, 1)

	s.RemoveGoal("g1")
	assert.Empty(t, s.Snapshot().ActiveGoals)
}
