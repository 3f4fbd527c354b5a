// Package telemetry wraps OpenTelemetry SDK initialization, giving the
// core a single TracerProvider/MeterProvider configuration that
// engine.Execute and the engine's provider calls instrument through
// Tracer(). When telemetry is disabled, it falls back to a noop
// implementation that connects to no external service.
package telemetry
