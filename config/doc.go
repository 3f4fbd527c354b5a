/*
Package config implements the core's versioned configuration store: the
document for the routing/learning/scheduler/budget domains,
covering its full lifecycle: multi-source loading, runtime hot reload, and
change auditing. Configuration merges in priority order: defaults -> YAML
file -> environment variables.

# Core types

  - Config: the top-level document, covering the Routing, Learning,
    Scheduler, and Budget domains, plus the ambient Log and
    Telemetry domains every component logs and traces through.
  - Loader: the configuration loader, a builder chaining a file path, an
    environment variable prefix, and custom validators.
  - HotReloadManager: reloads on file change or field-level API update,
    with change callbacks, an audit log, and sensitive-field redaction.
  - FileWatcher: poll-plus-debounce file change detection feeding the
    hot reload manager.

# Capabilities

  - Multi-source loading: YAML file, environment variables (COGCORE_
    prefix), and built-in defaults.
  - Hot reload: file-watch triggered reload, or a field-level update,
    each producing a config.updated{domain,key} change record consumers
    can subscribe to.
  - Change auditing: a bounded in-memory change log and sensitive-field
    redaction (API keys, passwords) on read.
  - Validation: built-in cross-domain checks plus custom validator hooks.

# Usage

	cfg, err := config.NewLoader().
	    WithConfigPath("orchestrator.yaml").
	    WithEnvPrefix("COGCORE").
	    Load()
*/
package config
