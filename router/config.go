package router

import "time"

// Config holds the routing policy's hot-swappable knobs. UpdateConfig
// atomically swaps the whole struct; Router never mutates one in place.
type Config struct {
	MinEpsilon         float64
	MaxEpsilon         float64
	BaseExplorationRate float64
	ShadowRate         float64
	MinSampleThreshold int64
	EnsembleTopK       int
	PerCallTimeout     time.Duration
	EnsembleTimeout    time.Duration
	MaxRetries         int
	SkipOptimize       bool
}

// DefaultConfig is the stock policy tuning.
func DefaultConfig() Config {
	return Config{
		MinEpsilon:          0.02,
		MaxEpsilon:           0.5,
		BaseExplorationRate: 0.1,
		ShadowRate:          0.05,
		MinSampleThreshold:  5,
		EnsembleTopK:        3,
		PerCallTimeout:      30 * time.Second,
		EnsembleTimeout:     45 * time.Second,
		MaxRetries:          2,
		SkipOptimize:        false,
	}
}
