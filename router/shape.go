package router

import (
	"fmt"
	"time"

	"github.com/cogcore/orchestrator/types"
)

// shapePlan decides the Plan variant and fills in its
// reasoning. The returned Plan has ID/CreatedAt/RecordingSampleRate left
// zero; Plan fills those in after this returns.
func (r *Router) shapePlan(req *types.Request, features types.Features, candidates []candidate, chosen candidate, confidence float64, cfg Config, now time.Time) (types.PlanShape, types.Plan) {
	switch {
	case wantsEnsemble(req, features):
		return r.ensembleShape(candidates, chosen, cfg, features)
	case wantsValidationLoop(req, features):
		return r.validationLoopShape(req, candidates, chosen, cfg, features)
	default:
		reasoning := fmt.Sprintf("chose %s for %s; confidence %.2f from %d attempts",
			chosen.provider.ID, features.Bucket(), confidence, chosen.profile.Attempts)
		return types.ShapeSingle, types.Plan{
			Shape: types.ShapeSingle,
			Single: &types.SinglePlan{
				Provider:   chosen.provider.ID,
				Reasoning:  reasoning,
				Confidence: confidence,
			},
		}
	}
}

func wantsEnsemble(req *types.Request, features types.Features) bool {
	complex := features.Complexity == types.ComplexityComplex || features.Complexity == types.ComplexityCritical
	if !complex {
		return false
	}
	return req.Mode == types.ModeCreative || features.HasKeyword("brainstorm") || features.HasKeyword("compare")
}

func wantsValidationLoop(req *types.Request, features types.Features) bool {
	if features.Complexity == types.ComplexityCritical {
		return true
	}
	return req.TaskType == types.TaskCode && req.QualityThreshold >= 0.9
}

func (r *Router) ensembleShape(candidates []candidate, chosen candidate, cfg Config, features types.Features) (types.PlanShape, types.Plan) {
	ranked := make([]candidate, len(candidates))
	copy(ranked, candidates)
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && better(ranked[j], ranked[j-1]); j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}
	topK := cfg.EnsembleTopK
	if topK > len(ranked) {
		topK = len(ranked)
	}
	if topK < 2 {
		topK = min(2, len(ranked))
	}

	providers := make([]string, 0, topK)
	for i := 0; i < topK; i++ {
		providers = append(providers, ranked[i].provider.ID)
	}

	synth := r.cheapestHealthy(types.CapChat)
	synthModel := chosen.provider.ID
	if synth != nil {
		synthModel = synth.ID
	}

	minResponses := topK/2 + 1 // simple majority of the fan-out
	plan := types.Plan{
		Shape: types.ShapeEnsemble,
		Ensemble: &types.EnsemblePlan{
			Providers:    providers,
			Synthesize:   true,
			MinResponses: minResponses,
			Timeout:      cfg.EnsembleTimeout,
			SynthModel:   synthModel,
			ReasoningNote: fmt.Sprintf("ensemble of %d providers for %s (creative/brainstorm complex task)",
				topK, features.Bucket()),
		},
	}
	return types.ShapeEnsemble, plan
}

func (r *Router) validationLoopShape(req *types.Request, candidates []candidate, chosen candidate, cfg Config, features types.Features) (types.PlanShape, types.Plan) {
	stages := []types.Stage{types.StageGenerate, types.StageReview, types.StageTest}
	if !cfg.SkipOptimize {
		stages = append(stages, types.StageOptimize)
	}

	ranked := make([]candidate, len(candidates))
	copy(ranked, candidates)
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && better(ranked[j], ranked[j-1]); j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}

	specs := make([]types.StageSpec, 0, len(stages))
	for i, st := range stages {
		p := ranked[i%len(ranked)].provider.ID
		specs = append(specs, types.StageSpec{Stage: st, Provider: p})
	}

	plan := types.Plan{
		Shape: types.ShapeValidationLoop,
		ValidationLoop: &types.ValidationLoopPlan{
			Stages:        specs,
			MinConfidence: req.QualityThreshold,
			MaxRetries:    cfg.MaxRetries,
			SkipOptimize:  cfg.SkipOptimize,
			ReasoningNote: fmt.Sprintf("validation loop (%d stages) for %s; quality threshold %.2f",
				len(specs), features.Bucket(), req.QualityThreshold),
		},
	}
	return types.ShapeValidationLoop, plan
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
