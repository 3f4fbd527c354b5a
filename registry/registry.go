// Package registry implements C1, the Provider Registry: the source of
// truth for which providers exist, what they can do, and whether they are
// currently healthy enough to receive traffic.
//
// The health model is a small per-provider state machine:
//
//	HEALTHY -> DEGRADED (1-2 recent failures) -> COOLING (cooldownUntil set) -> HEALTHY (first success after cooldown)
//
// A permanent failure skips straight to DISABLED, which only an operator
// can clear via Enable.
package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cogcore/orchestrator/internal/metrics"
	"github.com/cogcore/orchestrator/types"
)

// Event is what a caller reports back to the registry after attempting a
// provider call.
type Event string

const (
	EventSuccess        Event = "success"
	EventTransientFail  Event = "transient_fail"
	EventPermanentFail  Event = "permanent_fail"
)

const (
	defaultCooldownBase = 2 * time.Second
	maxCooldown          = 5 * time.Minute
	failuresBeforeCooldown = 3
)

// Registry is the thread-safe, in-memory C1 implementation. Readers see a
// point-in-time snapshot; writes are serialized by mu, matching the
// "health mutated only via Report" rule.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*types.Provider
	qps       map[string]*qpsCounter
	clock     func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Collector

	onHealthChange func(providerID, from, to string)
}

// SetOnHealthChange registers a callback fired after every health-state
// transition, outside the registry lock. Optional; used to publish the
// provider.health_changed control event.
func (r *Registry) SetOnHealthChange(fn func(providerID, from, to string)) {
	r.onHealthChange = fn
}

// SetMetrics attaches a Prometheus collector. Optional; nil (the default)
// disables metrics emission without affecting health-state behavior.
func (r *Registry) SetMetrics(m *metrics.Collector) {
	r.metrics = m
}

// New creates an empty Registry. Pass nil for clock to use time.Now.
func New(logger *zap.Logger, clock func() time.Time) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		providers: make(map[string]*types.Provider),
		qps:       make(map[string]*qpsCounter),
		clock:     clock,
		logger:    logger.With(zap.String("component", "registry")),
	}
}

// qpsForLocked returns the provider's window counter, creating it on first
// use. Callers hold mu.
func (r *Registry) qpsForLocked(providerID string) *qpsCounter {
	c, ok := r.qps[providerID]
	if !ok {
		c = newQPSCounter(r.clock())
		r.qps[providerID] = c
	}
	return c
}

// CurrentQPS reports how many calls the provider has received in the
// trailing 60-second window. Diagnostics surface; the availability filter
// applies the same number against Provider.MaxQPS.
func (r *Registry) CurrentQPS(providerID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.qpsForLocked(providerID).total(r.clock())
}

// Add registers a provider. Health starts HEALTHY/available.
func (r *Registry) Add(p *types.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.Health.State == "" {
		p.Health.State = types.HealthHealthy
		p.Health.Available = true
	}
	r.providers[p.ID] = p
}

// List enumerates known providers, deep-copied so callers can't mutate
// registry state through the returned slice.
func (r *Registry) List() []types.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, cloneProvider(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AvailableFor returns providers that are currently available and whose
// capability set is a superset of required. Never fails: callers treat an
// empty result as NoProviderAvailable.
func (r *Registry) AvailableFor(required ...types.Capability) []types.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	var out []types.Provider
	for _, p := range r.providers {
		r.settleCooldownLocked(p, now)
		if !p.Health.Available {
			continue
		}
		if !p.HasAllCapabilities(required...) {
			continue
		}
		// A provider at its QPS cap is overloaded, not unhealthy: withhold
		// it until the window slides rather than changing its state.
		if p.MaxQPS > 0 && r.qpsForLocked(p.ID).total(now) >= int64(p.MaxQPS) {
			continue
		}
		out = append(out, cloneProvider(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one provider's current (possibly stale-by-a-tick) record.
func (r *Registry) Get(id string) (types.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return types.Provider{}, false
	}
	return cloneProvider(p), true
}

// Report updates a provider's health after an attempted call.
func (r *Registry) Report(providerID string, ev Event) {
	var from, to types.HealthState
	// Runs after the lock is released, so a subscriber may safely call
	// back into the registry.
	defer func() {
		if from != to && r.onHealthChange != nil {
			r.onHealthChange(providerID, string(from), string(to))
		}
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[providerID]
	if !ok {
		return
	}
	now := r.clock()
	r.settleCooldownLocked(p, now)
	r.qpsForLocked(providerID).record(now)
	prevState := p.Health.State

	switch ev {
	case EventSuccess:
		if p.Health.State == types.HealthDisabled {
			// Only an operator can clear a permanent failure.
			return
		}
		wasCooling := p.Health.State == types.HealthCooling
		p.Health.ConsecutiveFailures = 0
		p.Health.State = types.HealthHealthy
		p.Health.Available = true
		p.Health.CooldownUntil = time.Time{}
		if wasCooling {
			r.logger.Info("provider recovered", zap.String("provider", providerID))
		}

	case EventTransientFail:
		p.Health.ConsecutiveFailures++
		if p.Health.ConsecutiveFailures == 1 {
			p.Health.State = types.HealthDegraded
		}
		if p.Health.ConsecutiveFailures >= failuresBeforeCooldown {
			cooldown := cooldownFor(p.Health.ConsecutiveFailures)
			p.Health.State = types.HealthCooling
			p.Health.Available = false
			p.Health.CooldownUntil = now.Add(cooldown)
			r.logger.Warn("provider entering cooldown",
				zap.String("provider", providerID),
				zap.Int("consecutive_failures", p.Health.ConsecutiveFailures),
				zap.Duration("cooldown", cooldown))
		}

	case EventPermanentFail:
		p.Health.State = types.HealthDisabled
		p.Health.Available = false
		r.logger.Error("provider permanently disabled", zap.String("provider", providerID))
	}

	if r.metrics != nil && p.Health.State != prevState {
		r.metrics.RecordProviderHealthTransition(providerID, string(prevState), string(p.Health.State))
	}
	from, to = prevState, p.Health.State
}

// Enable clears a DISABLED provider back to HEALTHY. Only an operator path
// should call this — it is the sole way out of a permanent failure.
func (r *Registry) Enable(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[providerID]
	if !ok {
		return
	}
	p.Health.State = types.HealthHealthy
	p.Health.Available = true
	p.Health.ConsecutiveFailures = 0
	p.Health.CooldownUntil = time.Time{}
}

// settleCooldownLocked moves a COOLING provider back to HEALTHY once its
// cooldown has elapsed. Callers must hold mu.
func (r *Registry) settleCooldownLocked(p *types.Provider, now time.Time) {
	if p.Health.State == types.HealthCooling && !p.Health.CooldownUntil.IsZero() && now.After(p.Health.CooldownUntil) {
		// First request after cooldown is allowed through; success will
		// reset to HEALTHY via Report, but availability must flip now so
		// AvailableFor can return it to be tried.
		p.Health.Available = true
		p.Health.CooldownUntil = time.Time{}
	}
}

// cooldownFor computes the exponential, capped-at-5-min cooldown for the
// given consecutive-failure count.
func cooldownFor(consecutiveFailures int) time.Duration {
	n := consecutiveFailures - failuresBeforeCooldown
	if n < 0 {
		n = 0
	}
	d := defaultCooldownBase
	for i := 0; i < n; i++ {
		d *= 2
		if d >= maxCooldown {
			return maxCooldown
		}
	}
	return d
}

func cloneProvider(p *types.Provider) types.Provider {
	caps := make(map[types.Capability]struct{}, len(p.Capabilities))
	for c := range p.Capabilities {
		caps[c] = struct{}{}
	}
	cp := *p
	cp.Capabilities = caps
	return cp
}
