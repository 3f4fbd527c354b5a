package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cogcore/orchestrator/envelope"
	"github.com/cogcore/orchestrator/types"
)

// executeSingle runs Single plans: one provider, retried on
// retryable errors with exponential-jittered backoff up to MaxRetries.
func (e *Engine) executeSingle(ctx context.Context, plan *types.Plan, req *types.Request, featureKey string, sink Sink) (types.Envelope, error) {
	sp := plan.Single
	trace, err := e.callWithRetry(ctx, plan.ID, sp.Provider, sp.Model, featureKey, req, sink)

	if err != nil {
		status := types.StatusFailed
		if errors.Is(err, context.Canceled) {
			status = types.StatusCancelled
		}
		routing := types.Routing{Reasoning: sp.Reasoning, TaskClass: string(req.TaskType), ExecutionMode: types.ExecSingle, Epsilon: plan.Epsilon, Explored: plan.Explored}
		env := envelope.Wrap("", status, classifyErrKind(err), []types.ProviderTrace{trace.ProviderTrace}, plan, routing, sp.Confidence, nil, "", e.clock())
		sink.OnStageComplete(types.StageGenerate, "failed")
		return env, err
	}

	sink.OnStageComplete(types.StageGenerate, "done")
	routing := types.Routing{Reasoning: sp.Reasoning, TaskClass: string(req.TaskType), ExecutionMode: types.ExecSingle, Epsilon: plan.Epsilon, Explored: plan.Explored}
	env := envelope.Wrap(trace.lastContent, types.StatusCompleted, "", []types.ProviderTrace{trace.ProviderTrace}, plan, routing, sp.Confidence, nil, "", e.clock())
	return env, nil
}

// callTrace pairs the wire-visible ProviderTrace with the content the
// caller ultimately needs (ProviderTrace has no content field by design —
// it's pure provenance).
type callTrace struct {
	types.ProviderTrace
	lastContent    string
	confidenceHint float64
}

// callWithRetry drives one logical provider call through the breaker, with
// up to cfg.MaxRetries retries on retryable errors.
func (e *Engine) callWithRetry(ctx context.Context, planID, providerID, model, featureKey string, req *types.Request, sink Sink) (callTrace, error) {
	genReq := GenerateRequest{Prompt: req.Prompt, History: req.History, Model: model}
	adapter := e.providers[providerID]
	var costModel types.CostModel
	if adapter != nil {
		costModel = adapter.CostModel()
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
			case <-afterDelay(e.backoff.delay(attempt)):
			}
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		start := e.clock()
		result, err := e.callOnce(ctx, providerID, genReq, sink)
		latency := e.clock().Sub(start).Milliseconds()

		if err == nil {
			cost := estimateCost(costModel, result.Usage)
			e.recordOutcome(planID, providerID, featureKey, true, 1.0, latency, cost, 1.0, "")
			return callTrace{
				ProviderTrace:  types.ProviderTrace{Provider: providerID, Model: model, Role: types.RolePrimary, LatencyMs: latency, CostUsd: cost, Success: true},
				lastContent:    result.Content,
				confidenceHint: 1.0,
			}, nil
		}

		lastErr = err
		kind := classifyErrKind(err)
		e.recordOutcome(planID, providerID, featureKey, false, 0, latency, 0, 0, kind)

		if !isRetryable(err) {
			break
		}
	}

	return callTrace{ProviderTrace: types.ProviderTrace{Provider: providerID, Model: model, Role: types.RolePrimary, Success: false}}, lastErr
}

func afterDelay(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func isRetryable(err error) bool {
	var pe *types.ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

func classifyErrKind(err error) types.ErrorKind {
	var pe *types.ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return types.ErrKindCancelled
	}
	return types.ErrKindServer
}
