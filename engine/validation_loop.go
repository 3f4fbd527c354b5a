package engine

import (
	"context"
	"fmt"

	"github.com/cogcore/orchestrator/envelope"
	"github.com/cogcore/orchestrator/types"
)

// executeValidationLoop runs ValidationLoop plans: an ordered
// pipeline of stages, each scored and optionally retried against the
// next-best provider.
func (e *Engine) executeValidationLoop(ctx context.Context, plan *types.Plan, req *types.Request, featureKey string, sink Sink) (types.Envelope, error) {
	vp := plan.ValidationLoop

	var traces []types.ProviderTrace
	var lastOutput string
	stageConfidence := make(map[types.Stage]float64)
	degraded := false

	for _, spec := range vp.Stages {
		stagePrompt := stagePromptFor(spec.Stage, req.Prompt, lastOutput)
		var trace callTrace
		var err error
		var score float64

		provider := spec.Provider
		var tried []string
		for attempt := 0; ; attempt++ {
			if ctx.Err() != nil {
				env := envelope.Wrap("", types.StatusCancelled, types.ErrKindCancelled, traces, plan, routingFor(req, plan), 0, nil, types.ValidationDegraded, e.clock())
				return env, types.ErrCancelled
			}

			score = 0
			trace, err = e.callWithRetry(ctx, plan.ID, provider, spec.Model, featureKey, &types.Request{Prompt: stagePrompt}, nil)
			trace.Role = roleForStage(spec.Stage)
			if err != nil {
				if !isRetryable(err) {
					traces = append(traces, trace.ProviderTrace)
					env := envelope.Wrap("", types.StatusFailed, classifyErrKind(err), traces, plan, routingFor(req, plan), 0, nil, "", e.clock())
					return env, &types.ValidationFailedError{Stage: spec.Stage, Reason: err.Error()}
				}
			} else {
				score, err = e.scorer.Score(ctx, spec.Stage, trace.lastContent)
				if err != nil {
					score = 0
				}
				trace.confidenceHint = score
			}

			if score >= vp.MinConfidence || attempt >= vp.MaxRetries {
				traces = append(traces, trace.ProviderTrace)
				break
			}

			// Low score: keep this attempt's trace and re-run the stage on
			// the next-best provider for the bucket.
			traces = append(traces, trace.ProviderTrace)
			tried = append(tried, provider)
			if e.retrySource != nil {
				if next, ok := e.retrySource.NextBest(featureKey, tried); ok {
					provider = next
				}
			}
		}

		stageConfidence[spec.Stage] = score
		if score < vp.MinConfidence {
			degraded = true
		}
		lastOutput = trace.lastContent
		sink.OnStageComplete(spec.Stage, fmt.Sprintf("score=%.2f", score))
	}

	status := types.ValidationPassed
	if degraded {
		status = types.ValidationDegraded
	}

	confidence := plan.Confidence(stageConfidence)
	env := envelope.Wrap(lastOutput, types.StatusCompleted, "", traces, plan, routingFor(req, plan), confidence, nil, status, e.clock())
	return env, nil
}

// roleForStage tags a stage's provider trace with its wire-visible role.
func roleForStage(stage types.Stage) types.ProviderRole {
	switch stage {
	case types.StageReview:
		return types.RoleReviewer
	case types.StageTest:
		return types.RoleTester
	case types.StageOptimize:
		return types.RoleOptimizer
	default:
		return types.RolePrimary
	}
}

func routingFor(req *types.Request, plan *types.Plan) types.Routing {
	return types.Routing{
		TaskClass:     string(req.TaskType),
		ExecutionMode: types.ExecValidationLoop,
		Reasoning:     plan.ValidationLoop.ReasoningNote,
		Epsilon:       plan.Epsilon,
		Explored:      plan.Explored,
	}
}

// stagePromptFor builds the stage-specific system prompt, feeding the
// previous stage's output forward as context.
func stagePromptFor(stage types.Stage, originalPrompt, previousOutput string) string {
	switch stage {
	case types.StageGenerate:
		return originalPrompt
	case types.StageReview:
		return fmt.Sprintf("Review the following for correctness and completeness:\n\n%s", previousOutput)
	case types.StageTest:
		return fmt.Sprintf("Identify concrete test cases or failure modes for:\n\n%s", previousOutput)
	case types.StageOptimize:
		return fmt.Sprintf("Improve clarity and efficiency without changing behavior:\n\n%s", previousOutput)
	default:
		return previousOutput
	}
}
