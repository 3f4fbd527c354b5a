// =============================================================================
// Configuration Hot Reload Manager
// =============================================================================
// Manages configuration hot reloading with support for:
// - Partial configuration updates (no restart required)
// - Full configuration updates (restart required)
// - Change callbacks and notifications
// - Configuration validation before applying
// - Audit logging for configuration changes
// =============================================================================
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// Hot Reload Types
// =============================================================================

// HotReloadManager manages configuration hot reloading
type HotReloadManager struct {
	mu sync.RWMutex

	// Current configuration
	config     *Config
	configPath string

	// File watcher
	watcher *FileWatcher

	// Callbacks
	changeCallbacks []ChangeCallback
	reloadCallbacks []ReloadCallback

	// Change log
	changeLog []ConfigChange

	// Logger
	logger *zap.Logger

	// Running state
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// ChangeCallback is called when configuration changes
type ChangeCallback func(change ConfigChange)

// ReloadCallback is called after configuration is reloaded
type ReloadCallback func(oldConfig, newConfig *Config)

// ConfigChange represents a configuration change and is the in-process
// shape of the config.updated{domain,key} control event.
type ConfigChange struct {
	// Timestamp of the change
	Timestamp time.Time `json:"timestamp"`

	// Source of the change (file, api, env)
	Source string `json:"source"`

	// Path to the changed field (e.g., "Routing.ShadowRate")
	Path string `json:"path"`

	// Domain is Path's first segment (e.g., "Routing"), matching the
	// config.updated{domain,key} event shape.
	Domain string `json:"domain"`

	// Key is Path with the domain segment stripped (e.g., "ShadowRate").
	Key string `json:"key"`

	// OldValue before the change (may be redacted for sensitive fields)
	OldValue interface{} `json:"old_value,omitempty"`

	// NewValue after the change (may be redacted for sensitive fields)
	NewValue interface{} `json:"new_value,omitempty"`

	// RequiresRestart indicates if restart is needed for this change
	RequiresRestart bool `json:"requires_restart"`

	// Applied indicates if the change was applied
	Applied bool `json:"applied"`

	// Error if the change failed
	Error string `json:"error,omitempty"`
}

// HotReloadableField is the per-field metadata every config key carries:
// type, validation, runtime-updateable, and requires-restart.
type HotReloadableField struct {
	// Path is the field path (e.g., "Routing.ShadowRate")
	Path string

	// Type names the field's value type for external callers (e.g.,
	// "float64", "duration", "bool")
	Type string

	// Description of the field
	Description string

	// RuntimeUpdateable is true when C3/C6 may pick the new value up on
	// their next decision boundary without a
	// process restart. Always the logical negation of RequiresRestart in
	// this store; both are kept so callers mirroring the wire schema
	// don't have to infer one from the other.
	RuntimeUpdateable bool

	// RequiresRestart indicates if changing this field requires restart
	RequiresRestart bool

	// Sensitive indicates if the field contains sensitive data
	Sensitive bool

	// Validator is an optional validation function
	Validator func(value interface{}) error
}

// =============================================================================
// Hot Reloadable Fields Registry
// =============================================================================

// hotReloadableFields defines which configuration fields can be hot
// reloaded. Routing, learning, and scheduler knobs are all runtime
// tunable (C3/C6 re-read them lazily at the next decision boundary);
// budget tiers and the ambient log/telemetry domain follow the same
// rule except for the handful of fields that only take effect at process
// start.
var hotReloadableFields = map[string]HotReloadableField{
	"Routing.MinEpsilon":          {Path: "Routing.MinEpsilon", Type: "float64", Description: "Routing policy minimum exploration rate", RuntimeUpdateable: true},
	"Routing.MaxEpsilon":          {Path: "Routing.MaxEpsilon", Type: "float64", Description: "Routing policy maximum exploration rate", RuntimeUpdateable: true},
	"Routing.BaseExplorationRate": {Path: "Routing.BaseExplorationRate", Type: "float64", Description: "Routing policy baseline exploration rate", RuntimeUpdateable: true},
	"Routing.ShadowRate":          {Path: "Routing.ShadowRate", Type: "float64", Description: "Fraction of plans given a shadow challenger", RuntimeUpdateable: true},
	"Routing.MinSampleThreshold":  {Path: "Routing.MinSampleThreshold", Type: "int64", Description: "Attempts before a provider's Q-value is trusted over the neutral prior", RuntimeUpdateable: true},
	"Routing.EnsembleTopK":        {Path: "Routing.EnsembleTopK", Type: "int", Description: "Number of providers considered for an ensemble plan", RuntimeUpdateable: true},
	"Routing.MaxRetries":          {Path: "Routing.MaxRetries", Type: "int", Description: "Per-call retry budget the routing policy hands to the engine", RuntimeUpdateable: true},
	"Routing.SkipOptimize":        {Path: "Routing.SkipOptimize", Type: "bool", Description: "Disable the policy's recipe optimizer", RuntimeUpdateable: true},
	"Routing.PerCallTimeout":      {Path: "Routing.PerCallTimeout", Type: "duration", Description: "Per-provider-call timeout", RequiresRestart: true},
	"Routing.EnsembleTimeout":     {Path: "Routing.EnsembleTimeout", Type: "duration", Description: "Ensemble quorum deadline", RequiresRestart: true},

	"Learning.HalfLifeAttempts":   {Path: "Learning.HalfLifeAttempts", Type: "float64", Description: "EWMA half-life, in attempts, for provider profile rollups", RuntimeUpdateable: true},
	"Learning.MinSampleThreshold": {Path: "Learning.MinSampleThreshold", Type: "int64", Description: "Attempts before a profile's rolling stats are considered reliable", RuntimeUpdateable: true},
	"Learning.FlushInterval":      {Path: "Learning.FlushInterval", Type: "duration", Description: "Snapshot flush interval", RuntimeUpdateable: true},
	"Learning.QueueSize":          {Path: "Learning.QueueSize", Type: "int", Description: "Outcome queue capacity", RequiresRestart: true},

	"Scheduler.BaseExplorationRate":       {Path: "Scheduler.BaseExplorationRate", Type: "float64", Description: "Baseline exploration rate the scheduler scales for burst mode", RuntimeUpdateable: true},
	"Scheduler.MinEpsilon":                {Path: "Scheduler.MinEpsilon", Type: "float64", Description: "Floor the scheduler clamps exploration rate to in quiet mode", RuntimeUpdateable: true},
	"Scheduler.MaxEpsilon":                {Path: "Scheduler.MaxEpsilon", Type: "float64", Description: "Ceiling the scheduler clamps exploration rate to in burst mode", RuntimeUpdateable: true},
	"Scheduler.BaseShadowRate":            {Path: "Scheduler.BaseShadowRate", Type: "float64", Description: "Baseline shadow rate restored on leaving quiet mode", RuntimeUpdateable: true},
	"Scheduler.DefaultBurstDuration":      {Path: "Scheduler.DefaultBurstDuration", Type: "duration", Description: "Default burst-mode duration when none is specified", RuntimeUpdateable: true},
	"Scheduler.DefaultQuietDuration":      {Path: "Scheduler.DefaultQuietDuration", Type: "duration", Description: "Default quiet-mode duration when none is specified", RuntimeUpdateable: true},
	"Scheduler.GoalSweepInterval":         {Path: "Scheduler.GoalSweepInterval", Type: "duration", Description: "Cron cadence for the goal-sweep/mode-expiry tick", RequiresRestart: true},
	"Scheduler.AutoRollbackErrorThreshold": {Path: "Scheduler.AutoRollbackErrorThreshold", Type: "float64", Description: "Rolling bucket error rate that forces automatic quiet mode", RuntimeUpdateable: true},
	"Scheduler.AutoRollbackMinAttempts":    {Path: "Scheduler.AutoRollbackMinAttempts", Type: "int64", Description: "Attempts a bucket needs before auto-rollback considers it", RuntimeUpdateable: true},
	"Scheduler.AutoRollbackHalfLife":       {Path: "Scheduler.AutoRollbackHalfLife", Type: "float64", Description: "EWMA half-life for the auto-rollback bucket error rate", RuntimeUpdateable: true},
	"Scheduler.AutoRollbackQuietDuration":  {Path: "Scheduler.AutoRollbackQuietDuration", Type: "duration", Description: "Quiet-mode duration triggered by auto-rollback", RuntimeUpdateable: true},

	"Budget.Tiers": {Path: "Budget.Tiers", Type: "map", Description: "Per-BudgetTier cost/latency ceilings and recipe enablement", RuntimeUpdateable: true},

	"Log.Level":  {Path: "Log.Level", Type: "string", Description: "Log level (debug, info, warn, error)", RuntimeUpdateable: true},
	"Log.Format": {Path: "Log.Format", Type: "string", Description: "Log format (json, console)", RequiresRestart: true},

	"Telemetry.Enabled":    {Path: "Telemetry.Enabled", Type: "bool", Description: "Enable OpenTelemetry export", RequiresRestart: true},
	"Telemetry.SampleRate": {Path: "Telemetry.SampleRate", Type: "float64", Description: "Trace sample rate", RuntimeUpdateable: true},
}

// =============================================================================
// Hot Reload Manager Options
// =============================================================================

// HotReloadOption configures the HotReloadManager
type HotReloadOption func(*HotReloadManager)

// WithHotReloadLogger sets the logger
func WithHotReloadLogger(logger *zap.Logger) HotReloadOption {
	return func(m *HotReloadManager) {
		m.logger = logger
	}
}

// WithConfigPath sets the configuration file path
func WithConfigPath(path string) HotReloadOption {
	return func(m *HotReloadManager) {
		m.configPath = path
	}
}

// =============================================================================
// Hot Reload Manager Implementation
// =============================================================================

// NewHotReloadManager creates a new hot reload manager
func NewHotReloadManager(config *Config, opts ...HotReloadOption) *HotReloadManager {
	m := &HotReloadManager{
		config:          config,
		changeCallbacks: make([]ChangeCallback, 0),
		reloadCallbacks: make([]ReloadCallback, 0),
		changeLog:       make([]ConfigChange, 0, 100),
		logger:          zap.NewNop(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start starts the hot reload manager
func (m *HotReloadManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("hot reload manager already running")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)

	// Start file watcher if config path is set
	if m.configPath != "" {
		watcher, err := NewFileWatcher(
			[]string{m.configPath},
			WithWatcherLogger(m.logger),
			WithDebounceDelay(500*time.Millisecond),
		)
		if err != nil {
			return fmt.Errorf("failed to create file watcher: %w", err)
		}

		watcher.OnChange(m.handleFileChange)

		if err := watcher.Start(m.ctx); err != nil {
			return fmt.Errorf("failed to start file watcher: %w", err)
		}

		m.watcher = watcher
	}

	m.running = true
	m.logger.Info("Hot reload manager started",
		zap.String("config_path", m.configPath))

	return nil
}

// Stop stops the hot reload manager
func (m *HotReloadManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	if m.cancel != nil {
		m.cancel()
	}

	if m.watcher != nil {
		if err := m.watcher.Stop(); err != nil {
			m.logger.Error("Failed to stop file watcher", zap.Error(err))
		}
	}

	m.running = false
	m.logger.Info("Hot reload manager stopped")

	return nil
}

// handleFileChange handles file change events
func (m *HotReloadManager) handleFileChange(event FileEvent) {
	m.logger.Info("Configuration file changed",
		zap.String("path", event.Path),
		zap.String("op", event.Op.String()))

	if event.Op == FileOpWrite || event.Op == FileOpCreate {
		if err := m.ReloadFromFile(); err != nil {
			m.logger.Error("Failed to reload configuration", zap.Error(err))
		}
	}
}

// ReloadFromFile reloads configuration from the file
func (m *HotReloadManager) ReloadFromFile() error {
	if m.configPath == "" {
		return fmt.Errorf("no config path set")
	}

	// Load new configuration
	loader := NewLoader().WithConfigPath(m.configPath)
	newConfig, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Validate new configuration
	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Apply changes
	return m.ApplyConfig(newConfig, "file")
}

// ApplyConfig applies a new configuration
func (m *HotReloadManager) ApplyConfig(newConfig *Config, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldConfig := m.config
	changes := m.detectChanges(oldConfig, newConfig)

	var requiresRestart bool
	var appliedChanges []ConfigChange

	for _, change := range changes {
		change.Source = source
		change.Timestamp = time.Now()

		// Check if this field can be hot reloaded
		field, known := hotReloadableFields[change.Path]
		if known {
			change.RequiresRestart = field.RequiresRestart
			if field.Sensitive {
				change.OldValue = "[REDACTED]"
				change.NewValue = "[REDACTED]"
			}
		} else {
			// Unknown fields require restart by default
			change.RequiresRestart = true
		}

		if change.RequiresRestart {
			requiresRestart = true
		}

		change.Applied = true
		appliedChanges = append(appliedChanges, change)

		// Log the change
		m.logChange(change)
	}

	// Update configuration
	m.config = newConfig

	// Add to change log
	m.changeLog = append(m.changeLog, appliedChanges...)

	// Trim change log if too large
	if len(m.changeLog) > 1000 {
		m.changeLog = m.changeLog[len(m.changeLog)-1000:]
	}

	// Notify callbacks
	for _, cb := range m.changeCallbacks {
		for _, change := range appliedChanges {
			cb(change)
		}
	}

	for _, cb := range m.reloadCallbacks {
		cb(oldConfig, newConfig)
	}

	if requiresRestart {
		m.logger.Warn("Some configuration changes require restart to take effect")
	}

	m.logger.Info("Configuration reloaded",
		zap.Int("changes", len(appliedChanges)),
		zap.Bool("requires_restart", requiresRestart))

	return nil
}

// detectChanges detects changes between old and new configuration
func (m *HotReloadManager) detectChanges(oldConfig, newConfig *Config) []ConfigChange {
	var changes []ConfigChange

	oldVal := reflect.ValueOf(oldConfig).Elem()
	newVal := reflect.ValueOf(newConfig).Elem()

	m.compareStructs("", oldVal, newVal, &changes)

	return changes
}

// compareStructs recursively compares struct fields
func (m *HotReloadManager) compareStructs(prefix string, oldVal, newVal reflect.Value, changes *[]ConfigChange) {
	if oldVal.Kind() != reflect.Struct || newVal.Kind() != reflect.Struct {
		return
	}

	t := oldVal.Type()
	for i := 0; i < oldVal.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		fieldPath := field.Name
		if prefix != "" {
			fieldPath = prefix + "." + field.Name
		}

		oldField := oldVal.Field(i)
		newField := newVal.Field(i)

		if oldField.Kind() == reflect.Struct {
			m.compareStructs(fieldPath, oldField, newField, changes)
		} else {
			if !reflect.DeepEqual(oldField.Interface(), newField.Interface()) {
				domain, key := splitDomainKey(fieldPath)
				*changes = append(*changes, ConfigChange{
					Path:     fieldPath,
					Domain:   domain,
					Key:      key,
					OldValue: oldField.Interface(),
					NewValue: newField.Interface(),
				})
			}
		}
	}
}

// logChange logs a configuration change
func (m *HotReloadManager) logChange(change ConfigChange) {
	fields := []zap.Field{
		zap.String("path", change.Path),
		zap.String("source", change.Source),
		zap.Bool("requires_restart", change.RequiresRestart),
	}

	// Only log values if not sensitive
	field, known := hotReloadableFields[change.Path]
	if !known || !field.Sensitive {
		fields = append(fields,
			zap.Any("old_value", change.OldValue),
			zap.Any("new_value", change.NewValue),
		)
	}

	m.logger.Info("Configuration changed", fields...)
}

// OnChange registers a callback for configuration changes
func (m *HotReloadManager) OnChange(callback ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeCallbacks = append(m.changeCallbacks, callback)
}

// OnReload registers a callback for configuration reloads
func (m *HotReloadManager) OnReload(callback ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadCallbacks = append(m.reloadCallbacks, callback)
}

// GetConfig returns the current configuration
func (m *HotReloadManager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetChangeLog returns the configuration change log
func (m *HotReloadManager) GetChangeLog(limit int) []ConfigChange {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.changeLog) {
		limit = len(m.changeLog)
	}

	// Return most recent changes
	start := len(m.changeLog) - limit
	result := make([]ConfigChange, limit)
	copy(result, m.changeLog[start:])

	return result
}

// UpdateField updates a single configuration field
func (m *HotReloadManager) UpdateField(path string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check if field is known
	field, known := hotReloadableFields[path]
	if !known {
		return fmt.Errorf("unknown configuration field: %s", path)
	}

	// Validate if validator exists
	if field.Validator != nil {
		if err := field.Validator(value); err != nil {
			return fmt.Errorf("validation failed for %s: %w", path, err)
		}
	}

	// Get old value
	oldValue, err := m.getFieldValue(path)
	if err != nil {
		return fmt.Errorf("failed to get old value: %w", err)
	}

	// Set new value
	if err := m.setFieldValue(path, value); err != nil {
		return fmt.Errorf("failed to set value: %w", err)
	}

	// Create change record
	domain, key := splitDomainKey(path)
	change := ConfigChange{
		Timestamp:       time.Now(),
		Source:          "api",
		Path:            path,
		Domain:          domain,
		Key:             key,
		OldValue:        oldValue,
		NewValue:        value,
		RequiresRestart: field.RequiresRestart,
		Applied:         true,
	}

	if field.Sensitive {
		change.OldValue = "[REDACTED]"
		change.NewValue = "[REDACTED]"
	}

	// Log and notify
	m.logChange(change)
	m.changeLog = append(m.changeLog, change)

	for _, cb := range m.changeCallbacks {
		cb(change)
	}

	return nil
}

// getFieldValue gets a field value by path
func (m *HotReloadManager) getFieldValue(path string) (interface{}, error) {
	val := reflect.ValueOf(m.config).Elem()
	return getNestedField(val, path)
}

// setFieldValue sets a field value by path
func (m *HotReloadManager) setFieldValue(path string, value interface{}) error {
	val := reflect.ValueOf(m.config).Elem()
	return setNestedField(val, path, value)
}

// getNestedField gets a nested field by dot-separated path
func getNestedField(v reflect.Value, path string) (interface{}, error) {
	parts := splitPath(path)

	for _, part := range parts {
		if v.Kind() == reflect.Ptr {
			v = v.Elem()
		}
		if v.Kind() != reflect.Struct {
			return nil, fmt.Errorf("not a struct at %s", part)
		}
		v = v.FieldByName(part)
		if !v.IsValid() {
			return nil, fmt.Errorf("field not found: %s", part)
		}
	}

	return v.Interface(), nil
}

// setNestedField sets a nested field by dot-separated path
func setNestedField(v reflect.Value, path string, value interface{}) error {
	parts := splitPath(path)

	for i, part := range parts {
		if v.Kind() == reflect.Ptr {
			v = v.Elem()
		}
		if v.Kind() != reflect.Struct {
			return fmt.Errorf("not a struct at %s", part)
		}
		v = v.FieldByName(part)
		if !v.IsValid() {
			return fmt.Errorf("field not found: %s", part)
		}

		// If this is the last part, set the value
		if i == len(parts)-1 {
			if !v.CanSet() {
				return fmt.Errorf("cannot set field: %s", part)
			}

			newVal := reflect.ValueOf(value)
			if newVal.Type().ConvertibleTo(v.Type()) {
				v.Set(newVal.Convert(v.Type()))
			} else {
				return fmt.Errorf("type mismatch: expected %s, got %s", v.Type(), newVal.Type())
			}
		}
	}

	return nil
}

// splitPath splits a dot-separated path
func splitPath(path string) []string {
	var parts []string
	var current string

	for _, c := range path {
		if c == '.' {
			if current != "" {
				parts = append(parts, current)
				current = ""
			}
		} else {
			current += string(c)
		}
	}

	if current != "" {
		parts = append(parts, current)
	}

	return parts
}

// splitDomainKey splits a field path into its leading domain segment and
// the remainder, matching the config.updated{domain,key} event shape.
func splitDomainKey(path string) (domain, key string) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return "", ""
	}
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.Join(parts[1:], ".")
}

// GetHotReloadableFields returns the list of hot reloadable fields
func GetHotReloadableFields() map[string]HotReloadableField {
	result := make(map[string]HotReloadableField)
	for k, v := range hotReloadableFields {
		result[k] = v
	}
	return result
}

// IsHotReloadable checks if a field can be hot reloaded
func IsHotReloadable(path string) bool {
	field, known := hotReloadableFields[path]
	return known && !field.RequiresRestart
}

// =============================================================================
// Sanitized Config for API
// =============================================================================

// SanitizedConfig returns a copy of the configuration with sensitive fields redacted
func (m *HotReloadManager) SanitizedConfig() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Convert to JSON and back to get a map
	data, err := json.Marshal(m.config)
	if err != nil {
		return nil
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}

	// Redact sensitive fields
	redactSensitiveFields(result, "")

	return result
}

// redactSensitiveFields recursively redacts sensitive fields
func redactSensitiveFields(data map[string]interface{}, prefix string) {
	sensitiveKeys := map[string]bool{
		"password":   true,
		"api_key":    true,
		"apikey":     true,
		"secret":     true,
		"token":      true,
		"credential": true,
	}

	for key, value := range data {
		fullPath := key
		if prefix != "" {
			fullPath = prefix + "." + key
		}

		// Check if this is a sensitive field
		lowerKey := toLower(key)
		for sensitiveKey := range sensitiveKeys {
			if contains(lowerKey, sensitiveKey) {
				if str, ok := value.(string); ok && str != "" {
					data[key] = "[REDACTED]"
				}
				break
			}
		}

		// Recurse into nested maps
		if nested, ok := value.(map[string]interface{}); ok {
			redactSensitiveFields(nested, fullPath)
		}
	}
}

// toLower converts string to lowercase
func toLower(s string) string {
	result := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		result[i] = c
	}
	return string(result)
}

// contains checks if s contains substr
func contains(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
