package engine

import (
	"context"
	"time"

	"github.com/cogcore/orchestrator/types"
)

// GenerateRequest is what the engine hands to a ProviderAdapter for one
// call.
type GenerateRequest struct {
	Prompt    string
	System    string
	History   []types.Turn
	Model     string
	MaxTokens int
}

// Usage is the token accounting a provider call reports back.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// GenerateResult is a completed (non-streaming) call's output.
type GenerateResult struct {
	Content   string
	Usage     Usage
	LatencyMs int64
}

// ChunkFunc receives streamed text in arrival order; a streaming call must
// preserve byte-for-byte chunk order.
type ChunkFunc func(text string)

// ProviderAdapter is the boundary the engine calls through to reach an
// actual model backend. Implementations live in package providers.
type ProviderAdapter interface {
	ID() string
	CostModel() types.CostModel
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
	Stream(ctx context.Context, req GenerateRequest, onChunk ChunkFunc) (GenerateResult, error)
}

// estimateCost converts a Usage into a dollar figure using a provider's
// published per-token pricing.
func estimateCost(cm types.CostModel, u Usage) float64 {
	return cm.EstimateCost(u.InputTokens, u.OutputTokens)
}

// clockFunc is the suspension-point abstraction for time.Now, overridable in
// tests exactly like registry/ledger/router.
type clockFunc = func() time.Time
