// Package envelope implements C5, the Transparency Envelope: a pure
// function from a plan's execution traces to the provenance-carrying
// Envelope returned to the caller. It performs no I/O.
package envelope

import (
	"fmt"
	"time"

	"github.com/cogcore/orchestrator/types"
)

// Wrap builds the final Envelope from a plan's accumulated provider
// traces. response/errKind are mutually exclusive: pass errKind != "" for
// a failed or degraded outcome and response for a completed one.
func Wrap(response string, status types.Status, errKind types.ErrorKind, traces []types.ProviderTrace, plan *types.Plan, routing types.Routing, confidence float64, consensus *float64, validationStatus types.ValidationStatus, now time.Time) types.Envelope {
	meta := types.Meta{
		Providers:        traces,
		Routing:          routing,
		Confidence:       confidence,
		Consensus:        consensus,
		ValidationStatus: validationStatus,
	}

	for _, t := range traces {
		meta.TotalCostUsd += t.CostUsd
		if t.Role == types.RolePrimary || t.Role == types.RoleSynthesizer {
			meta.Primary.Provider = t.Provider
			meta.Primary.Model = t.Model
		}
	}
	meta.TotalLatencyMs = wallClockLatency(traces)

	return types.Envelope{
		Response:  response,
		Status:    status,
		ErrorKind: errKind,
		Meta:      meta,
		CreatedAt: now,
	}
}

// wallClockLatency reports the plan's wall-clock duration, not the sum of
// per-provider latencies — concurrent calls overlap, so summing would
// overstate cost to the caller.
func wallClockLatency(traces []types.ProviderTrace) int64 {
	var max int64
	for _, t := range traces {
		if t.LatencyMs > max {
			max = t.LatencyMs
		}
	}
	return max
}

// Badge renders a short presentation string summarizing the envelope,
// e.g. "ensemble x3, 0.87 confidence". Presentation-only; callers
// may ignore it and format their own.
func Badge(e types.Envelope) string {
	switch e.Meta.Routing.ExecutionMode {
	case types.ExecEnsemble:
		return fmt.Sprintf("ensemble x%d, %.2f confidence", len(e.Meta.Providers), e.Meta.Confidence)
	case types.ExecValidationLoop:
		return fmt.Sprintf("validation loop (%s), %.2f confidence", e.Meta.ValidationStatus, e.Meta.Confidence)
	default:
		return fmt.Sprintf("%s, %.2f confidence", e.Meta.Primary.Provider, e.Meta.Confidence)
	}
}

// CostBreakdown renders a short per-provider cost summary.
func CostBreakdown(e types.Envelope) string {
	s := fmt.Sprintf("$%.4f total", e.Meta.TotalCostUsd)
	for _, t := range e.Meta.Providers {
		s += fmt.Sprintf("; %s=$%.4f", t.Provider, t.CostUsd)
	}
	return s
}
