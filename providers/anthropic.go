package providers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/cogcore/orchestrator/engine"
	"github.com/cogcore/orchestrator/types"
)

// AnthropicConfig configures one Anthropic-backed provider adapter.
type AnthropicConfig struct {
	ID           string // registry ID this adapter answers to; defaults to "anthropic"
	APIKey       string
	DefaultModel string
	MaxTokens    int
	CostModel    types.CostModel
}

// AnthropicAdapter calls the Claude Messages API through the official SDK.
type AnthropicAdapter struct {
	id        string
	client    anthropic.Client
	model     string
	maxTokens int
	costModel types.CostModel
	logger    *zap.Logger
}

// NewAnthropicAdapter builds an adapter. It performs no network I/O.
func NewAnthropicAdapter(cfg AnthropicConfig, logger *zap.Logger) *AnthropicAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := cfg.ID
	if id == "" {
		id = "anthropic"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicAdapter{
		id:        id,
		client:    anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:     cfg.DefaultModel,
		maxTokens: maxTokens,
		costModel: cfg.CostModel,
		logger:    logger.With(zap.String("component", "providers.anthropic"), zap.String("provider_id", id)),
	}
}

func (a *AnthropicAdapter) ID() string                  { return a.id }
func (a *AnthropicAdapter) CostModel() types.CostModel  { return a.costModel }

func (a *AnthropicAdapter) buildParams(req engine.GenerateRequest) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}

	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, turn := range req.History {
		block := anthropic.NewTextBlock(turn.Content)
		if turn.Role == types.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return params
}

// Ping satisfies the registry's Prober with a one-token Messages call.
func (a *AnthropicAdapter) Ping(ctx context.Context) error {
	params := a.buildParams(engine.GenerateRequest{Prompt: "ping", MaxTokens: 1})
	if _, err := a.client.Messages.New(ctx, params); err != nil {
		return mapAnthropicError(err)
	}
	return nil
}

// Generate issues one non-streaming Messages.New call.
func (a *AnthropicAdapter) Generate(ctx context.Context, req engine.GenerateRequest) (engine.GenerateResult, error) {
	params := a.buildParams(req)

	start := time.Now()
	resp, err := a.client.Messages.New(ctx, params)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return engine.GenerateResult{}, mapAnthropicError(err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	usage := estimateUsage(string(params.Model),
		engine.Usage{InputTokens: int(resp.Usage.InputTokens), OutputTokens: int(resp.Usage.OutputTokens)},
		req.Prompt, content.String())

	return engine.GenerateResult{Content: content.String(), Usage: usage, LatencyMs: latency}, nil
}

// Stream issues Messages.NewStreaming, forwarding each text delta to
// onChunk in arrival order and accumulating the full message for the
// caller's final usage/content tally.
func (a *AnthropicAdapter) Stream(ctx context.Context, req engine.GenerateRequest, onChunk engine.ChunkFunc) (engine.GenerateResult, error) {
	params := a.buildParams(req)

	start := time.Now()
	stream := a.client.Messages.NewStreaming(ctx, params)
	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return engine.GenerateResult{}, mapAnthropicError(err)
		}
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if onChunk != nil && delta.Delta.Text != "" {
				onChunk(delta.Delta.Text)
			}
		}
	}
	latency := time.Since(start).Milliseconds()
	if err := stream.Err(); err != nil {
		return engine.GenerateResult{}, mapAnthropicError(err)
	}

	var content strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	usage := estimateUsage(string(params.Model),
		engine.Usage{InputTokens: int(message.Usage.InputTokens), OutputTokens: int(message.Usage.OutputTokens)},
		req.Prompt, content.String())

	return engine.GenerateResult{Content: content.String(), Usage: usage, LatencyMs: latency}, nil
}

// mapAnthropicError classifies an SDK error into the engine's retry/health
// taxonomy by HTTP status bucket, the same scheme the OpenAI adapter
// uses.
func mapAnthropicError(err error) error {
	var apiErr *anthropic.Error
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
