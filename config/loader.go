// Package config implements the core's versioned configuration store:
// typed domain structs for routing, learning, scheduler, and budget
// settings, loaded from defaults, an optional YAML file, and environment
// variables, in that priority order, behind a small builder.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("orchestrator.yaml").
//	    WithEnvPrefix("COGCORE").
//	    Load()
//
// Priority: defaults -> YAML file -> environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full versioned configuration document ("Versioned
// document with domains { routing, learning, scheduler, budget }").
// Log and Telemetry ride alongside the four domain-specific ones as
// ambient domains.
type Config struct {
	Routing   RoutingConfig   `yaml:"routing" env:"ROUTING"`
	Learning  LearningConfig  `yaml:"learning" env:"LEARNING"`
	Scheduler SchedulerConfig `yaml:"scheduler" env:"SCHEDULER"`
	Budget    BudgetConfig    `yaml:"budget" env:"BUDGET"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// RoutingConfig mirrors router.Config field-for-field: the routing
// policy's hot-swappable knobs. Kept as plain data here rather than
// importing the router package, so config has no dependency on any
// component it configures; a wiring layer converts one to the other.
type RoutingConfig struct {
	MinEpsilon          float64       `yaml:"min_epsilon" env:"MIN_EPSILON"`
	MaxEpsilon          float64       `yaml:"max_epsilon" env:"MAX_EPSILON"`
	BaseExplorationRate float64       `yaml:"base_exploration_rate" env:"BASE_EXPLORATION_RATE"`
	ShadowRate          float64       `yaml:"shadow_rate" env:"SHADOW_RATE"`
	MinSampleThreshold  int64         `yaml:"min_sample_threshold" env:"MIN_SAMPLE_THRESHOLD"`
	EnsembleTopK        int           `yaml:"ensemble_top_k" env:"ENSEMBLE_TOP_K"`
	PerCallTimeout      time.Duration `yaml:"per_call_timeout" env:"PER_CALL_TIMEOUT"`
	EnsembleTimeout     time.Duration `yaml:"ensemble_timeout" env:"ENSEMBLE_TIMEOUT"`
	MaxRetries          int           `yaml:"max_retries" env:"MAX_RETRIES"`
	SkipOptimize        bool          `yaml:"skip_optimize" env:"SKIP_OPTIMIZE"`
}

// LearningConfig mirrors ledger.Config: the feedback ledger's EWMA
// and queueing behavior.
type LearningConfig struct {
	QueueSize          int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	HalfLifeAttempts   float64       `yaml:"half_life_attempts" env:"HALF_LIFE_ATTEMPTS"`
	MinSampleThreshold int64         `yaml:"min_sample_threshold" env:"MIN_SAMPLE_THRESHOLD"`
	FlushInterval      time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
}

// SchedulerConfig mirrors scheduler.Config: default rates,
// burst/quiet durations, the goal-sweep cadence, and the auto-rollback
// thresholds.
type SchedulerConfig struct {
	BaseExplorationRate float64 `yaml:"base_exploration_rate" env:"BASE_EXPLORATION_RATE"`
	MinEpsilon          float64 `yaml:"min_epsilon" env:"MIN_EPSILON"`
	MaxEpsilon          float64 `yaml:"max_epsilon" env:"MAX_EPSILON"`
	BaseShadowRate      float64 `yaml:"base_shadow_rate" env:"BASE_SHADOW_RATE"`

	DefaultBurstDuration time.Duration `yaml:"default_burst_duration" env:"DEFAULT_BURST_DURATION"`
	DefaultQuietDuration time.Duration `yaml:"default_quiet_duration" env:"DEFAULT_QUIET_DURATION"`
	GoalSweepInterval    time.Duration `yaml:"goal_sweep_interval" env:"GOAL_SWEEP_INTERVAL"`

	AutoRollbackErrorThreshold float64       `yaml:"auto_rollback_error_threshold" env:"AUTO_ROLLBACK_ERROR_THRESHOLD"`
	AutoRollbackMinAttempts    int64         `yaml:"auto_rollback_min_attempts" env:"AUTO_ROLLBACK_MIN_ATTEMPTS"`
	AutoRollbackHalfLife       float64       `yaml:"auto_rollback_half_life" env:"AUTO_ROLLBACK_HALF_LIFE"`
	AutoRollbackQuietDuration  time.Duration `yaml:"auto_rollback_quiet_duration" env:"AUTO_ROLLBACK_QUIET_DURATION"`
}

// BudgetConfig holds per-tier cost/latency ceilings and recipe
// enablement, keyed by types.BudgetTier ("low", "medium", "high"). Read by
// C3 when scoring candidate plan shapes against a request's BudgetTier.
type BudgetConfig struct {
	Tiers map[string]BudgetTierLimits `yaml:"tiers" env:"TIERS"`
}

// BudgetTierLimits caps what a single BudgetTier is allowed to spend.
type BudgetTierLimits struct {
	MaxCostUsd      float64 `yaml:"max_cost_usd" env:"MAX_COST_USD"`
	MaxLatencyMs    int64   `yaml:"max_latency_ms" env:"MAX_LATENCY_MS"`
	AllowEnsemble   bool    `yaml:"allow_ensemble" env:"ALLOW_ENSEMBLE"`
	AllowValidation bool    `yaml:"allow_validation" env:"ALLOW_VALIDATION"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures the OpenTelemetry SDK wiring in
// internal/telemetry.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader is the configuration loader's builder.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "COGCORE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML configuration file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a configuration validator.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load builds the final Config: defaults, then the YAML file if present,
// then environment overrides, then every registered validator.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads configuration, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from defaults plus environment only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks the cross-domain invariants routing and the scheduler
// rely on: epsilon
// bounds, positive thresholds, and at least one defined budget tier.
func (c *Config) Validate() error {
	var errs []string

	if c.Routing.MinEpsilon < 0 || c.Routing.MinEpsilon > c.Routing.MaxEpsilon {
		errs = append(errs, "routing.min_epsilon must be >= 0 and <= routing.max_epsilon")
	}
	if c.Routing.MaxEpsilon > 1 {
		errs = append(errs, "routing.max_epsilon must be <= 1")
	}
	if c.Learning.HalfLifeAttempts <= 0 {
		errs = append(errs, "learning.half_life_attempts must be positive")
	}
	if c.Scheduler.MinEpsilon < 0 || c.Scheduler.MinEpsilon > c.Scheduler.MaxEpsilon {
		errs = append(errs, "scheduler.min_epsilon must be >= 0 and <= scheduler.max_epsilon")
	}
	if c.Scheduler.AutoRollbackErrorThreshold <= 0 || c.Scheduler.AutoRollbackErrorThreshold > 1 {
		errs = append(errs, "scheduler.auto_rollback_error_threshold must be in (0,1]")
	}
	if len(c.Budget.Tiers) == 0 {
		errs = append(errs, "budget.tiers must define at least one tier")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
