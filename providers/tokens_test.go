package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cogcore/orchestrator/engine"
	"github.com/cogcore/orchestrator/types"
)

func TestEstimateTokensNonEmpty(t *testing.T) {
	n := estimateTokens("gpt-4o", "the quick brown fox jumps over the lazy dog")
	require.Greater(t, n, 0)
	assert.Less(t, n, 20) // well under the 43-character length, confirming it's not a per-character count
}

func TestEstimateTokensEmpty(t *testing.T) {
	assert.Equal(t, 0, estimateTokens("gpt-4o", ""))
}

func TestEstimateTokensUnknownModelFallsBackToCl100k(t *testing.T) {
	a := estimateTokens("claude-sonnet-4", "hello world")
	b := estimateTokens("totally-unknown-model-id", "hello world")
	assert.Equal(t, a, b)
	assert.Greater(t, a, 0)
}

func TestEstimateUsagePreservesReportedUsage(t *testing.T) {
	reported := engine.Usage{InputTokens: 10, OutputTokens: 20}
	got := estimateUsage("gpt-4o", reported, "prompt text", "response text")
	assert.Equal(t, reported, got)
}

func TestEstimateUsageFillsInWhenZero(t *testing.T) {
	got := estimateUsage("gpt-4o", engine.Usage{}, "prompt text", "response text that is a bit longer")
	assert.Greater(t, got.InputTokens, 0)
	assert.Greater(t, got.OutputTokens, 0)
}

func TestAdapterIdentityAndCostModel(t *testing.T) {
	anth := NewAnthropicAdapter(AnthropicConfig{ID: "claude", DefaultModel: "claude-sonnet-4-5", CostModel: costModelFixture()}, nil)
	assert.Equal(t, "claude", anth.ID())
	assert.Equal(t, costModelFixture(), anth.CostModel())

	oa := NewOpenAIAdapter(OpenAIConfig{ID: "gpt", DefaultModel: "gpt-4o", CostModel: costModelFixture()}, nil)
	assert.Equal(t, "gpt", oa.ID())

	anthDefaultID := NewAnthropicAdapter(AnthropicConfig{}, nil)
	assert.Equal(t, "anthropic", anthDefaultID.ID())
	oaDefaultID := NewOpenAIAdapter(OpenAIConfig{}, nil)
	assert.Equal(t, "openai", oaDefaultID.ID())
}

func costModelFixture() types.CostModel {
	return types.CostModel{InputPerKToken: 3.0, OutputPerKToken: 15.0}
}
