package scheduler

import "time"

// Config tunes C6's default rates and durations. Zero-value fields fall
// back to the defaults below via withDefaults.
type Config struct {
	BaseExplorationRate float64
	MinEpsilon          float64
	MaxEpsilon          float64
	BaseShadowRate      float64

	DefaultBurstDuration time.Duration
	DefaultQuietDuration time.Duration
	GoalSweepInterval    time.Duration

	// AutoRollbackErrorThreshold is the rolling error rate (1-rollingSuccess)
	// for a feature bucket above which C6 forces quiet mode on its own
	// (see DESIGN.md).
	AutoRollbackErrorThreshold float64
	AutoRollbackMinAttempts    int64
	AutoRollbackHalfLife       float64
	AutoRollbackQuietDuration  time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseExplorationRate: 0.1,
		MinEpsilon:          0.02,
		MaxEpsilon:          0.5,
		BaseShadowRate:      0.05,

		DefaultBurstDuration: 5 * time.Minute,
		DefaultQuietDuration: 10 * time.Minute,
		GoalSweepInterval:    time.Minute,

		AutoRollbackErrorThreshold: 0.5,
		AutoRollbackMinAttempts:    10,
		AutoRollbackHalfLife:       20,
		AutoRollbackQuietDuration:  10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxEpsilon == 0 {
		c.MaxEpsilon = d.MaxEpsilon
	}
	if c.MinEpsilon == 0 {
		c.MinEpsilon = d.MinEpsilon
	}
	if c.BaseExplorationRate == 0 {
		c.BaseExplorationRate = d.BaseExplorationRate
	}
	if c.BaseShadowRate == 0 {
		c.BaseShadowRate = d.BaseShadowRate
	}
	if c.DefaultBurstDuration == 0 {
		c.DefaultBurstDuration = d.DefaultBurstDuration
	}
	if c.DefaultQuietDuration == 0 {
		c.DefaultQuietDuration = d.DefaultQuietDuration
	}
	if c.GoalSweepInterval == 0 {
		c.GoalSweepInterval = d.GoalSweepInterval
	}
	if c.AutoRollbackErrorThreshold == 0 {
		c.AutoRollbackErrorThreshold = d.AutoRollbackErrorThreshold
	}
	if c.AutoRollbackMinAttempts == 0 {
		c.AutoRollbackMinAttempts = d.AutoRollbackMinAttempts
	}
	if c.AutoRollbackHalfLife == 0 {
		c.AutoRollbackHalfLife = d.AutoRollbackHalfLife
	}
	if c.AutoRollbackQuietDuration == 0 {
		c.AutoRollbackQuietDuration = d.AutoRollbackQuietDuration
	}
	return c
}
