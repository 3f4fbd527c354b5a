// Package providers holds concrete engine.ProviderAdapter implementations:
// thin wrappers over each vendor's real Go SDK rather than hand-rolled HTTP
// clients. The execution engine (package engine) only ever sees the
// ProviderAdapter interface; everything vendor-specific — request shaping,
// streaming accumulation, and error classification into types.ProviderError
// — lives here.
//
// Every adapter follows the same shape: XConfig carries the API key,
// default model, and the CostModel the registry advertises for that
// provider; NewXAdapter builds a ready-to-use *XAdapter. Construction never
// makes a network call.
package providers
