package providers

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/cogcore/orchestrator/engine"
)

// tokenizer cache: building a tiktoken.Tiktoken parses a merge-rank table,
// so every adapter shares one cache keyed by model name rather than
// re-parsing it per call.
var (
	encMu    sync.Mutex
	encCache = map[string]*tiktoken.Tiktoken{}
)

// encodingFor returns the tokenizer tiktoken-go ships for model, falling
// back to cl100k_base for every non-OpenAI model (Anthropic and Gemini
// publish no public tokenizer, and cl100k_base is close enough for a cost
// estimate, not a billing reconciliation).
func encodingFor(model string) *tiktoken.Tiktoken {
	encMu.Lock()
	defer encMu.Unlock()
	if enc, ok := encCache[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		return nil
	}
	encCache[model] = enc
	return enc
}

// estimateTokens counts text for the engine's CostModel pricing when a
// provider's response doesn't report usage. Four characters per token is
// the fallback only if even cl100k_base fails to load.
func estimateTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc := encodingFor(model)
	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// estimateUsage fills in token counts from the prompt/response text when a
// provider call succeeded but returned a zero Usage — some adapters only
// populate usage on the non-streaming path, and this keeps C2's cost
// accounting non-zero either way.
func estimateUsage(model string, u engine.Usage, promptText, responseText string) engine.Usage {
	if u.InputTokens == 0 && u.OutputTokens == 0 {
		return engine.Usage{
			InputTokens:  estimateTokens(model, promptText),
			OutputTokens: estimateTokens(model, responseText),
		}
	}
	return u
}
