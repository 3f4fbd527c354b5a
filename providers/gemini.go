package providers

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/cogcore/orchestrator/engine"
	"github.com/cogcore/orchestrator/types"
)

// GeminiConfig configures one Gemini-backed provider adapter.
type GeminiConfig struct {
	ID           string // registry ID this adapter answers to; defaults to "gemini"
	APIKey       string
	DefaultModel string
	CostModel    types.CostModel
}

// GeminiAdapter calls the Gemini API through Google's official genai SDK.
type GeminiAdapter struct {
	id        string
	client    *genai.Client
	model     string
	costModel types.CostModel
	logger    *zap.Logger
}

// NewGeminiAdapter builds an adapter. Client construction is lazy over a
// plain API key, so this performs no network I/O itself.
func NewGeminiAdapter(ctx context.Context, cfg GeminiConfig, logger *zap.Logger) (*GeminiAdapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := cfg.ID
	if id == "" {
		id = "gemini"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, err
	}
	return &GeminiAdapter{
		id:        id,
		client:    client,
		model:     cfg.DefaultModel,
		costModel: cfg.CostModel,
		logger:    logger.With(zap.String("component", "providers.gemini"), zap.String("provider_id", id)),
	}, nil
}

func (a *GeminiAdapter) ID() string                 { return a.id }
func (a *GeminiAdapter) CostModel() types.CostModel { return a.costModel }

func (a *GeminiAdapter) buildContents(req engine.GenerateRequest) (string, []*genai.Content) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, turn := range req.History {
		role := "user"
		if turn.Role == types.RoleAssistant {
			role = "model"
		}
		contents = append(contents, genai.NewContentFromText(turn.Content, genai.Role(role)))
	}
	contents = append(contents, genai.NewContentFromText(req.Prompt, genai.RoleUser))
	return model, contents
}

func (a *GeminiAdapter) genConfig(req engine.GenerateRequest) *genai.GenerateContentConfig {
	if req.System == "" {
		return nil
	}
	return &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.System, genai.RoleUser),
	}
}

// Ping satisfies the registry's Prober with a minimal GenerateContent
// call against the default model.
func (a *GeminiAdapter) Ping(ctx context.Context) error {
	model, contents := a.buildContents(engine.GenerateRequest{Prompt: "ping"})
	if _, err := a.client.Models.GenerateContent(ctx, model, contents, nil); err != nil {
		return mapGeminiError(err)
	}
	return nil
}

// Generate issues one non-streaming GenerateContent call.
func (a *GeminiAdapter) Generate(ctx context.Context, req engine.GenerateRequest) (engine.GenerateResult, error) {
	model, contents := a.buildContents(req)

	start := time.Now()
	resp, err := a.client.Models.GenerateContent(ctx, model, contents, a.genConfig(req))
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return engine.GenerateResult{}, mapGeminiError(err)
	}

	content := resp.Text()
	var usage engine.Usage
	if resp.UsageMetadata != nil {
		usage = engine.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	usage = estimateUsage(model, usage, req.Prompt, content)

	return engine.GenerateResult{Content: content, Usage: usage, LatencyMs: latency}, nil
}

// Stream issues a streaming GenerateContent call, forwarding each chunk's
// text to onChunk in arrival order.
func (a *GeminiAdapter) Stream(ctx context.Context, req engine.GenerateRequest, onChunk engine.ChunkFunc) (engine.GenerateResult, error) {
	model, contents := a.buildContents(req)

	start := time.Now()
	var content strings.Builder
	var usage engine.Usage
	var streamErr error
	for resp, err := range a.client.Models.GenerateContentStream(ctx, model, contents, a.genConfig(req)) {
		if err != nil {
			streamErr = err
			break
		}
		chunkText := resp.Text()
		content.WriteString(chunkText)
		if onChunk != nil && chunkText != "" {
			onChunk(chunkText)
		}
		if resp.UsageMetadata != nil {
			usage = engine.Usage{
				InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
				OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}
		}
	}
	latency := time.Since(start).Milliseconds()
	if streamErr != nil {
		return engine.GenerateResult{}, mapGeminiError(streamErr)
	}
	usage = estimateUsage(model, usage, req.Prompt, content.String())

	return engine.GenerateResult{Content: content.String(), Usage: usage, LatencyMs: latency}, nil
}

// mapGeminiError classifies a genai SDK error. The SDK surfaces API errors
// as api.Error-shaped values without a stable exported type this module can
// type-assert against across versions, so classification falls back to
// context state and a conservative "retryable network failure" default,
// the same treatment the other adapters give an unrecognized error shape.
func mapGeminiError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &types.ProviderError{Kind: types.ErrKindCancelled, Retryable: false, Message: err.Error(), Cause: err}
	}
	return &types.ProviderError{Kind: types.ErrKindNetwork, Retryable: true, Message: err.Error(), Cause: err}
}
