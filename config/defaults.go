// Defaults for every configuration domain, matching the defaults of the
// routing/ledger/scheduler packages they mirror.
package config

import "time"

// DefaultConfig returns the default configuration document.
func DefaultConfig() *Config {
	return &Config{
		Routing:   DefaultRoutingConfig(),
		Learning:  DefaultLearningConfig(),
		Scheduler: DefaultSchedulerConfig(),
		Budget:    DefaultBudgetConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultRoutingConfig matches router.DefaultConfig.
func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		MinEpsilon:          0.02,
		MaxEpsilon:          0.5,
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

// DefaultLearningConfig matches ledger.Config's defaults.
func DefaultLearningConfig() LearningConfig {
	return LearningConfig{
		QueueSize:          4096,
		HalfLifeAttempts:   20,
		MinSampleThreshold: 5,
		FlushInterval:      30 * time.Second,
	}
}

// DefaultSchedulerConfig matches scheduler.DefaultConfig.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
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

// DefaultBudgetConfig seeds the three tiers named in types.BudgetTier.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		Tiers: map[string]BudgetTierLimits{
			"low": {
				MaxCostUsd:      0.01,
				MaxLatencyMs:    5000,
				AllowEnsemble:   false,
				AllowValidation: false,
			},
			"medium": {
				MaxCostUsd:      0.10,
				MaxLatencyMs:    15000,
				AllowEnsemble:   true,
				AllowValidation: false,
			},
			"high": {
				MaxCostUsd:      1.00,
				MaxLatencyMs:    60000,
				AllowEnsemble:   true,
				AllowValidation: true,
			},
		},
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "cogcore-orchestrator",
		SampleRate:   0.1,
	}
}
