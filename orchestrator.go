// Package orchestrator provides the top-level entry point for embedding
// the cognitive orchestration core.
//
// Usage:
//
//	import "github.com/cogcore/orchestrator"
//
//	c, err := orchestrator.New(orchestrator.Options{
//		Providers:     adapters,
//		ProviderSpecs: specs,
//	})
//	if err := c.Start(ctx); err != nil { ... }
//	env, err := c.Handle(ctx, req, sink)
//
// This is a thin wrapper around [core.New]; both produce identical
// results. Use this package when you prefer the shorter import path.
package orchestrator

import (
	"github.com/cogcore/orchestrator/core"
)

// Options configures the Core created by [New].
type Options = core.Options

// Core is the assembled orchestration context.
type Core = core.Core

// New wires a Core from Options. No background work starts until
// Core.Start is called.
func New(opts Options) (*Core, error) {
	return core.New(opts)
}
