package types

import "time"

// Outcome is one immutable record of what happened when a provider was
// invoked for a Plan. It is the unit of learning for C2/C3. Append-only:
// nothing in the core ever edits an Outcome after record().
type Outcome struct {
	PlanID      string
	Provider    string
	// Attempt is the per-(PlanID, Provider) call sequence number assigned
	// at record time. The ledger's idempotency key is (PlanID, Provider,
	// Attempt): a redelivered record of the same call is dropped while a
	// genuine retry or a second stage reusing the provider is kept.
	Attempt     int
	FeatureKey  string // Features.Bucket() at plan time
	Success     bool
	Rating      float64
	LatencyMs   int64
	CostUsd     float64
	QualityScore float64
	ErrorKind   ErrorKind // empty when Success
	Timestamp   time.Time
}

// ProviderProfile is C2's derived rollup for a (provider, featureBucket)
// pair, recomputed incrementally on every Outcome with a fixed half-life
// EWMA.
type ProviderProfile struct {
	Provider       string
	FeatureKey     string
	Attempts       int64
	Successes      int64
	RollingSuccess float64 // EWMA, bounded [0,1]
	RollingLatency float64 // EWMA, milliseconds, >= 0
	RollingCost    float64 // EWMA, USD, >= 0
	QValue         float64
	UpdatedAt      time.Time
}
