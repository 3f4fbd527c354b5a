package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/cogcore/orchestrator/envelope"
	"github.com/cogcore/orchestrator/types"
)

// executeEnsemble runs Ensemble plans: fan out to N providers
// under a shared deadline, require MinResponses before synthesizing (or
// picking the best raw answer).
func (e *Engine) executeEnsemble(ctx context.Context, plan *types.Plan, req *types.Request, featureKey string, sink Sink) (types.Envelope, error) {
	ep := plan.Ensemble
	deadlineCtx, cancel := context.WithTimeout(ctx, ep.Timeout)
	defer cancel()

	memberTraces := make([]callTrace, len(ep.Providers))
	memberErrs := make([]error, len(ep.Providers))

	// Each member's call is folded into the ledger/registry as it
	// completes (callWithRetry handles that), so the goroutine itself
	// never needs to return an error to the group — a straggler or a
	// failed member must never cancel its siblings, unlike
	// errgroup.WithContext's fail-fast behavior.
	var g errgroup.Group
	for i, providerID := range ep.Providers {
		i, providerID := i, providerID
		g.Go(func() error {
			trace, err := e.callWithRetry(deadlineCtx, plan.ID, providerID, "", featureKey, req, nil)
			memberTraces[i] = trace
			memberErrs[i] = err
			return nil
		})
	}

	allDone := make(chan struct{})
	go func() { g.Wait(); close(allDone) }()

	select {
	case <-allDone:
	case <-deadlineCtx.Done():
		// Deadline elapsed before every member finished; stragglers keep
		// running against the now-expired deadlineCtx and unwind on their
		// own next suspension point, saving cost, but this request
		// stops waiting on them here.
	}

	var traces []types.ProviderTrace
	var succeeded []callTrace
	for i := range ep.Providers {
		if memberTraces[i].Provider == "" && memberErrs[i] == nil {
			continue // straggler: callWithRetry hadn't returned when we stopped waiting
		}
		traces = append(traces, memberTraces[i].ProviderTrace)
		if memberErrs[i] == nil {
			succeeded = append(succeeded, memberTraces[i])
		}
	}

	routing := types.Routing{TaskClass: string(req.TaskType), ExecutionMode: types.ExecEnsemble, Reasoning: ep.ReasoningNote, Epsilon: plan.Epsilon, Explored: plan.Explored}

	if len(succeeded) < ep.MinResponses {
		env := envelope.Wrap("", types.StatusDegraded, types.ErrKindValidation, traces, plan, routing, 0, nil, "", e.clock())
		return env, types.ErrEnsembleUnderQuorum
	}

	sink.OnStageComplete(types.StageGenerate, fmt.Sprintf("%d/%d responses", len(succeeded), len(ep.Providers)))

	var finalContent string
	var consensus *float64
	if ep.Synthesize {
		// Synthesis runs on the plan's context, not the ensemble deadline:
		// the deadline bounds the fan-out, and on the straggler path it has
		// already expired by the time a quorum is in hand.
		synthContent, synthTrace, err := e.synthesize(ctx, plan.ID, ep.SynthModel, featureKey, req, succeeded, sink)
		if err == nil {
			finalContent = synthContent
			traces = append(traces, synthTrace)
			c := agreementScore(succeeded)
			consensus = &c
		} else {
			finalContent = bestRaw(succeeded).lastContent
		}
	} else {
		finalContent = bestRaw(succeeded).lastContent
	}

	confidence := 0.0
	for _, s := range succeeded {
		if s.confidenceHint > confidence {
			confidence = s.confidenceHint
		}
	}

	env := envelope.Wrap(finalContent, types.StatusCompleted, "", traces, plan, routing, confidence, consensus, "", e.clock())
	return env, nil
}

// synthesize asks a synthesizer provider to reconcile the ensemble's raw
// answers into one response. The prompt lists candidates sorted by
// provider ID for determinism, never by arrival order.
func (e *Engine) synthesize(ctx context.Context, planID, synthModel, featureKey string, req *types.Request, members []callTrace, sink Sink) (string, types.ProviderTrace, error) {
	sorted := make([]callTrace, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Provider < sorted[j].Provider })

	var b strings.Builder
	b.WriteString("You are given multiple independent answers to the same request. Produce a single best consensus answer.\n\n")
	fmt.Fprintf(&b, "Original request: %s\n\n", req.Prompt)
	for _, m := range sorted {
		fmt.Fprintf(&b, "--- Answer from %s ---\n%s\n\n", m.Provider, m.lastContent)
	}

	trace, err := e.callWithRetry(ctx, planID, synthModel, "", featureKey, &types.Request{Prompt: b.String()}, sink)
	if err != nil {
		return "", trace.ProviderTrace, err
	}
	trace.Role = types.RoleSynthesizer
	return trace.lastContent, trace.ProviderTrace, nil
}

func bestRaw(members []callTrace) callTrace {
	best := members[0]
	for _, m := range members[1:] {
		if m.confidenceHint > best.confidenceHint || (m.confidenceHint == best.confidenceHint && m.LatencyMs < best.LatencyMs) {
			best = m
		}
	}
	return best
}

// agreementScore is a crude consensus proxy: how similar in length the
// members' answers were, as a stand-in for semantic agreement when no
// embedding comparison is wired in.
func agreementScore(members []callTrace) float64 {
	if len(members) < 2 {
		return 1
	}
	var total, count float64
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			li, lj := float64(len(members[i].lastContent)), float64(len(members[j].lastContent))
			if li == 0 && lj == 0 {
				total += 1
			} else {
				shorter, longer := li, lj
				if shorter > longer {
					shorter, longer = longer, shorter
				}
				total += shorter / longer
			}
			count++
		}
	}
	if count == 0 {
		return 1
	}
	return total / count
}
