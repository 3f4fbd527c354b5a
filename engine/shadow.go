package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/cogcore/orchestrator/types"
)

// ShadowReporter receives the verdict of a shadow experiment: whether the
// challenger's answer would have beaten the primary's. Satisfied by the
// router's stats so shadow-win rates feed back into the stats() contract.
type ShadowReporter interface {
	RecordShadowResult(shadowWon bool)
}

// SetShadowReporter wires shadow-experiment verdicts back to C3. Optional;
// without one the challenger's Outcome is still recorded, only the win/loss
// tally is skipped.
func (e *Engine) SetShadowReporter(r ShadowReporter) {
	e.shadow = r
}

type shadowResult struct {
	trace   types.ProviderTrace
	content string
	err     error
}

// launchShadow fires the challenger's call concurrently with the primary
// plan. One attempt, no retries: the shadow exists to gather an unbiased
// sample of how the challenger would have done, and a retried sample would
// not be comparable to the primary's first-attempt behavior.
func (e *Engine) launchShadow(ctx context.Context, plan *types.Plan, req *types.Request, featureKey string) <-chan shadowResult {
	ch := make(chan shadowResult, 1)
	challenger := *plan.ShadowChallenger
	go func() {
		genReq := GenerateRequest{Prompt: req.Prompt, History: req.History, Model: challenger.Model}
		start := e.clock()
		result, err := e.callOnce(ctx, challenger.Provider, genReq, nil)
		latency := e.clock().Sub(start).Milliseconds()

		trace := types.ProviderTrace{
			Provider:  challenger.Provider,
			Model:     challenger.Model,
			Role:      types.RoleShadow,
			LatencyMs: latency,
		}
		if err != nil {
			e.recordOutcome(plan.ID, challenger.Provider, featureKey, false, 0, latency, 0, 0, classifyErrKind(err))
			ch <- shadowResult{trace: trace, err: err}
			return
		}

		quality, _ := e.scorer.Score(ctx, types.StageGenerate, result.Content)
		var cost float64
		if adapter := e.providers[challenger.Provider]; adapter != nil {
			cost = estimateCost(adapter.CostModel(), result.Usage)
		}
		trace.CostUsd = cost
		trace.Success = true
		e.recordOutcome(plan.ID, challenger.Provider, featureKey, true, quality, latency, cost, quality, "")
		ch <- shadowResult{trace: trace, content: result.Content}
	}()
	return ch
}

// joinShadow waits for the challenger, folds its trace into the envelope's
// provenance (role=shadow), and reports the verdict. The challenger's
// content is never merged into the response; only its trace and cost are
// visible to the caller.
func (e *Engine) joinShadow(ctx context.Context, shadowCh <-chan shadowResult, env *types.Envelope) {
	res := <-shadowCh

	env.Meta.Providers = append(env.Meta.Providers, res.trace)
	env.Meta.TotalCostUsd += res.trace.CostUsd

	if e.shadow == nil {
		return
	}
	won := e.shadowWon(ctx, res, env)
	e.shadow.RecordShadowResult(won)
	e.logger.Debug("shadow experiment finished",
		zap.String("challenger", res.trace.Provider),
		zap.Bool("shadow_won", won))
}

// shadowWon compares the challenger against the primary result: a failed
// challenger never wins, a failed primary always loses, otherwise the
// higher-scoring answer wins with latency as the tie-break.
func (e *Engine) shadowWon(ctx context.Context, res shadowResult, env *types.Envelope) bool {
	if res.err != nil {
		return false
	}
	if env.Status != types.StatusCompleted {
		return true
	}
	shadowQ, _ := e.scorer.Score(ctx, types.StageGenerate, res.content)
	primaryQ, _ := e.scorer.Score(ctx, types.StageGenerate, env.Response)
	if shadowQ != primaryQ {
		return shadowQ > primaryQ
	}
	return res.trace.LatencyMs < env.Meta.TotalLatencyMs
}
