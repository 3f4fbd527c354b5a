package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Prober is the minimal capability a provider adapter needs to expose for
// active health probing: a cheap call the registry can use to confirm
// reachability without spending a full generation request. Providers that
// don't support it (most don't) simply aren't probed; their health is
// driven by Report from real traffic only, same as before this existed.
type Prober interface {
	Ping(ctx context.Context) error
}

// ProbeLoop periodically probes a fixed set of providers, shaping the
// outbound probe rate per provider with a token-bucket limiter so a short
// probe interval never turns into a thundering herd against a provider
// that is already struggling. The limiter applies to the probe traffic
// this core originates itself, not to inbound request traffic.
type ProbeLoop struct {
	registry *Registry
	logger   *zap.Logger
	clock    func() time.Time

	mu       sync.Mutex
	probers  map[string]Prober
	limiters map[string]*rate.Limiter
}

// NewProbeLoop builds a ProbeLoop bound to reg. Each provider added via Add
// carries its own probe-rate cap, independent of how often Run's ticker
// fires.
func NewProbeLoop(reg *Registry, logger *zap.Logger, clock func() time.Time) *ProbeLoop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	return &ProbeLoop{
		registry: reg,
		logger:   logger.With(zap.String("component", "registry.probe")),
		clock:    clock,
		probers:  make(map[string]Prober),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Add registers a provider's Prober. maxProbesPerMinute governs the
// limiter created here.
func (pl *ProbeLoop) Add(providerID string, p Prober, maxProbesPerMinute float64) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.probers[providerID] = p
	pl.limiters[providerID] = rate.NewLimiter(rate.Limit(maxProbesPerMinute/60), 1)
}

// Remove drops a provider from future probing (e.g. on operator removal).
func (pl *ProbeLoop) Remove(providerID string) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	delete(pl.probers, providerID)
	delete(pl.limiters, providerID)
}

// Tick runs one probe pass: every registered provider whose limiter allows
// a probe this instant is pinged, and the result is folded into the
// registry via Report exactly like a real traffic outcome would be.
// Providers whose limiter denies the probe (because one ran too recently)
// are skipped silently — this is routine, not an error. The limiter is
// rate-only: a COOLING provider is probed like any other.
func (pl *ProbeLoop) Tick(ctx context.Context) {
	pl.mu.Lock()
	type probeTarget struct {
		id string
		p  Prober
	}
	var targets []probeTarget
	for id, p := range pl.probers {
		if pl.limiters[id].AllowN(pl.clock(), 1) {
			targets = append(targets, probeTarget{id: id, p: p})
		}
	}
	pl.mu.Unlock()

	for _, t := range targets {
		if _, ok := pl.registry.Get(t.id); !ok {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := t.p.Ping(probeCtx)
		cancel()
		if err != nil {
			pl.logger.Debug("probe failed", zap.String("provider", t.id), zap.Error(err))
			pl.registry.Report(t.id, EventTransientFail)
			continue
		}
		pl.registry.Report(t.id, EventSuccess)
	}
}

// Run drives Tick on interval until ctx is cancelled. Intended to be
// launched in its own goroutine by whatever owns process lifetime.
func (pl *ProbeLoop) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pl.Tick(ctx)
		}
	}
}
