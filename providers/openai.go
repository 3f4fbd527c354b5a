package providers

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"

	"github.com/cogcore/orchestrator/engine"
	"github.com/cogcore/orchestrator/types"
)

// OpenAIConfig configures one OpenAI-backed provider adapter.
type OpenAIConfig struct {
	ID           string // registry ID this adapter answers to; defaults to "openai"
	APIKey       string
	BaseURL      string // override for Azure/OpenAI-compatible gateways; empty uses the SDK default
	DefaultModel string
	CostModel    types.CostModel
}

// OpenAIAdapter calls the Chat Completions API through the official SDK.
type OpenAIAdapter struct {
	id        string
	client    openai.Client
	model     string
	costModel types.CostModel
	logger    *zap.Logger
}

// NewOpenAIAdapter builds an adapter. It performs no network I/O.
func NewOpenAIAdapter(cfg OpenAIConfig, logger *zap.Logger) *OpenAIAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := cfg.ID
	if id == "" {
		id = "openai"
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIAdapter{
		id:        id,
		client:    openai.NewClient(opts...),
		model:     cfg.DefaultModel,
		costModel: cfg.CostModel,
		logger:    logger.With(zap.String("component", "providers.openai"), zap.String("provider_id", id)),
	}
}

func (a *OpenAIAdapter) ID() string                 { return a.id }
func (a *OpenAIAdapter) CostModel() types.CostModel { return a.costModel }

func (a *OpenAIAdapter) buildParams(req engine.GenerateRequest) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = a.model
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, turn := range req.History {
		if turn.Role == types.RoleAssistant {
			messages = append(messages, openai.AssistantMessage(turn.Content))
		} else {
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	return params
}

// Ping satisfies the registry's Prober: a one-token completion against
// the default model, the cheapest reachability check this API surface
// offers without a separate endpoint.
func (a *OpenAIAdapter) Ping(ctx context.Context) error {
	params := a.buildParams(engine.GenerateRequest{Prompt: "ping", MaxTokens: 1})
	if _, err := a.client.Chat.Completions.New(ctx, params); err != nil {
		return mapOpenAIError(err)
	}
	return nil
}

// Generate issues one non-streaming Chat Completions call.
func (a *OpenAIAdapter) Generate(ctx context.Context, req engine.GenerateRequest) (engine.GenerateResult, error) {
	params := a.buildParams(req)

	start := time.Now()
	resp, err := a.client.Chat.Completions.New(ctx, params)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return engine.GenerateResult{}, mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return engine.GenerateResult{}, &types.ProviderError{Kind: types.ErrKindServer, Retryable: true, Message: "openai: empty choices"}
	}

	content := resp.Choices[0].Message.Content
	usage := estimateUsage(params.Model,
		engine.Usage{InputTokens: int(resp.Usage.PromptTokens), OutputTokens: int(resp.Usage.CompletionTokens)},
		req.Prompt, content)

	return engine.GenerateResult{Content: content, Usage: usage, LatencyMs: latency}, nil
}

// Stream issues a streaming Chat Completions call, forwarding each delta to
// onChunk in arrival order and accumulating the full response for the
// final content/usage tally.
func (a *OpenAIAdapter) Stream(ctx context.Context, req engine.GenerateRequest, onChunk engine.ChunkFunc) (engine.GenerateResult, error) {
	params := a.buildParams(req)

	start := time.Now()
	stream := a.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if onChunk != nil && len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			onChunk(chunk.Choices[0].Delta.Content)
		}
	}
	latency := time.Since(start).Milliseconds()
	if err := stream.Err(); err != nil {
		return engine.GenerateResult{}, mapOpenAIError(err)
	}
	if len(acc.Choices) == 0 {
		return engine.GenerateResult{}, &types.ProviderError{Kind: types.ErrKindServer, Retryable: true, Message: "openai: empty stream choices"}
	}

	content := acc.Choices[0].Message.Content
	usage := estimateUsage(params.Model,
		engine.Usage{InputTokens: int(acc.Usage.PromptTokens), OutputTokens: int(acc.Usage.CompletionTokens)},
		req.Prompt, content)

	return engine.GenerateResult{Content: content, Usage: usage, LatencyMs: latency}, nil
}

// mapOpenAIError classifies an SDK error into the engine's retry/health
// taxonomy by HTTP status, mirroring the Anthropic adapter's mapping so
// every vendor's failures funnel through the same four buckets.
func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return &types.ProviderError{Kind: types.ErrKindAuth, Retryable: false, Message: apiErr.Error(), Cause: err}
		case apiErr.StatusCode == 429:
			return &types.ProviderError{Kind: types.ErrKindRateLimit, Retryable: true, Message: apiErr.Error(), Cause: err}
		case apiErr.StatusCode >= 500:
			return &types.ProviderError{Kind: types.ErrKindServer, Retryable: true, Message: apiErr.Error(), Cause: err}
		case apiErr.StatusCode >= 400:
			return &types.ProviderError{Kind: types.ErrKindBadInput, Retryable: false, Message: apiErr.Error(), Cause: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &types.ProviderError{Kind: types.ErrKindCancelled, Retryable: false, Message: err.Error(), Cause: err}
	}
	return &types.ProviderError{Kind: types.ErrKindNetwork, Retryable: true, Message: err.Error(), Cause: err}
}
