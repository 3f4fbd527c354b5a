// Package cache provides an optional Redis-backed hot cache fronting C2's
// in-process ProviderProfile rollup, for deployments running more than one
// orchestrator instance against the same provider set. A single instance
// works fine on the ledger's own
// in-memory map; Manager only starts mattering once profile reads need to
// be shared across processes.
package cache
