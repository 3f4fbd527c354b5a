// Package ledger implements C2, the Feedback Ledger: an append-only record
// of what happened on every provider call, folded into a per-(provider,
// featureBucket) rolling profile that C3 reads to make routing decisions.
package ledger

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/cogcore/orchestrator/internal/metrics"
	"github.com/cogcore/orchestrator/types"
)

const (
	defaultQueueSize          = 4096
	defaultHalfLifeAttempts   = 20
	defaultMinSampleThreshold = 5
	defaultFlushInterval      = 30 * time.Second
	defaultRecentSize         = 256
	neutralPrior              = 0.5
)

// Config tunes the EWMA and queueing behavior. Zero-value fields fall back
// to the defaults above.
type Config struct {
	QueueSize          int
	HalfLifeAttempts   float64
	MinSampleThreshold int64
	FlushInterval      time.Duration
	// RecentSize bounds the in-memory diagnostics window returned by
	// Recent. It is also the retention window of the idempotency check:
	// a duplicate delivered after its original has left the window is no
	// longer detected.
	RecentSize int
}

func (c Config) withDefaults() Config {
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.HalfLifeAttempts == 0 {
		c.HalfLifeAttempts = defaultHalfLifeAttempts
	}
	if c.MinSampleThreshold == 0 {
		c.MinSampleThreshold = defaultMinSampleThreshold
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.RecentSize == 0 {
		c.RecentSize = defaultRecentSize
	}
	return c
}

// ProfileCache is the narrow read-through/write-through surface the ledger
// uses to share ProviderProfile rollups across instances when more than one
// orchestrator process routes against the same provider set. Satisfied by
// *cache.Manager; left nil, the ledger behaves exactly as a single-process,
// in-memory rollup.
type ProfileCache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

const profileCacheTTL = 2 * time.Minute

// Ledger is the thread-safe, in-memory C2 implementation. Record() is the
// only hot-path method: it never blocks, and a full queue drops the
// oldest-arriving outcome rather than the caller's request.
type Ledger struct {
	cfg    Config
	clock  func() time.Time
	logger *zap.Logger
	store   *Store
	cache   ProfileCache
	metrics *metrics.Collector

	queue         chan types.Outcome
	droppedCount  atomic.Int64
	rejectedCount atomic.Int64

	journal *Journal

	mu       sync.RWMutex
	profiles map[string]*types.ProviderProfile
	recent   []types.Outcome // ring, newest at the highest index mod RecentSize
	recentN  int64           // total outcomes ever admitted to the ring
	seen     map[string]struct{}

	subMu       sync.RWMutex
	subscribers []func(types.Outcome)

	done chan struct{}
	wg   sync.WaitGroup
}

// Package-level instruments: registered once regardless of how many Ledger
// instances a process creates (tests, blue/green swaps).
var (
	recordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cogcore",
		Subsystem: "ledger",
		Name:      "outcomes_recorded_total",
		Help:      "Outcomes folded into provider profiles, by provider and success.",
	}, []string{"provider", "success"})
	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cogcore",
		Subsystem: "ledger",
		Name:      "queue_dropped_total",
		Help:      "Outcomes dropped because the write queue was full.",
	})
	flushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cogcore",
		Subsystem: "ledger",
		Name:      "flush_duration_seconds",
		Help:      "Time spent persisting the rollup table to the durable store.",
	})
)

// New creates a Ledger. store may be nil to disable persistence (used in
// tests). clock may be nil to use time.Now.
func New(cfg Config, store *Store, logger *zap.Logger, clock func() time.Time) *Ledger {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	l := &Ledger{
		cfg:      cfg,
		clock:    clock,
		logger:   logger.With(zap.String("component", "ledger")),
		store:    store,
		queue:    make(chan types.Outcome, cfg.QueueSize),
		profiles: make(map[string]*types.ProviderProfile),
		recent:   make([]types.Outcome, 0, cfg.RecentSize),
		seen:     make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	return l
}

// Start loads any persisted profiles, then launches the background worker
// and (if a store is configured) the periodic flusher. Call Stop to drain
// and shut down cleanly.
func (l *Ledger) Start(ctx context.Context) error {
	if l.store != nil {
		if err := l.store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate ledger store: %w", err)
		}
		loaded, err := l.store.LoadAll(ctx)
		if err != nil {
			return fmt.Errorf("load ledger snapshot: %w", err)
		}
		l.mu.Lock()
		for i := range loaded {
			p := loaded[i]
			l.profiles[profileKey(p.Provider, p.FeatureKey)] = &p
		}
		l.mu.Unlock()
		l.logger.Info("loaded provider profiles", zap.Int("count", len(loaded)))

		if l.journal != nil {
			off, err := l.store.LoadOffset(ctx)
			if err != nil {
				return fmt.Errorf("load ledger snapshot offset: %w", err)
			}
			replayed := 0
			if err := l.journal.ReplayFrom(off, func(o types.Outcome) {
				l.fold(o, true)
				replayed++
			}); err != nil {
				return fmt.Errorf("replay outcome journal: %w", err)
			}
			if replayed > 0 {
				l.logger.Info("replayed journal tail past last snapshot",
					zap.Int64("from_offset", off), zap.Int("count", replayed))
			}
		}
	}

	l.wg.Add(1)
	go l.runWorker()

	if l.store != nil {
		l.wg.Add(1)
		go l.runFlusher(ctx)
	}
	return nil
}

// Stop closes the queue, waits for the worker (and flusher) to drain, and
// performs one final flush so no recorded outcome is lost.
func (l *Ledger) Stop(ctx context.Context) error {
	close(l.done)
	close(l.queue)
	l.wg.Wait()
	if l.store != nil {
		return l.flush(ctx)
	}
	return nil
}

// Record appends an outcome. Non-blocking: a full queue drops the oldest
// pending outcome in favor of the new one, incrementing droppedCount.
// Orphan outcomes — ones referencing no Plan — are rejected outright.
func (l *Ledger) Record(o types.Outcome) {
	if o.PlanID == "" || o.Provider == "" {
		l.rejectedCount.Add(1)
		l.logger.Warn("rejected orphan outcome",
			zap.String("provider", o.Provider), zap.String("feature_key", o.FeatureKey))
		return
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = l.clock()
	}
	select {
	case l.queue <- o:
	default:
		select {
		case <-l.queue:
			l.droppedCount.Add(1)
			droppedTotal.Inc()
			l.logger.Warn("ledger queue full, dropped oldest outcome",
				zap.String("provider", o.Provider), zap.String("feature_key", o.FeatureKey))
		default:
		}
		select {
		case l.queue <- o:
		default:
			l.droppedCount.Add(1)
			droppedTotal.Inc()
		}
	}
}

// DroppedCount reports how many outcomes have been lost to queue overflow
// since the Ledger was created.
func (l *Ledger) DroppedCount() int64 { return l.droppedCount.Load() }

// RejectedCount reports how many orphan or duplicate outcomes were refused.
func (l *Ledger) RejectedCount() int64 { return l.rejectedCount.Load() }

// SetJournal attaches the append-only JSONL outcome log. Call before
// Start; nil (the default) keeps the ledger purely in-memory plus the
// rollup snapshot store.
func (l *Ledger) SetJournal(j *Journal) {
	l.journal = j
}

// RecentFilter narrows a Recent query. Zero-value fields match anything.
type RecentFilter struct {
	Provider     string
	FeatureKey   string
	OnlyFailures bool
}

// Recent returns up to limit outcomes matching the filter, newest first,
// drawn from the bounded in-memory diagnostics window.
func (l *Ledger) Recent(limit int, filter RecentFilter) []types.Outcome {
	if limit <= 0 {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]types.Outcome, 0, limit)
	n := len(l.recent)
	start := l.recentN // index one past the newest entry
	for i := int64(0); i < int64(n) && len(out) < limit; i++ {
		o := l.recent[int((start-1-i)%int64(cap(l.recent)))]
		if filter.Provider != "" && o.Provider != filter.Provider {
			continue
		}
		if filter.FeatureKey != "" && o.FeatureKey != filter.FeatureKey {
			continue
		}
		if filter.OnlyFailures && o.Success {
			continue
		}
		out = append(out, o)
	}
	return out
}

// SetProfileCache attaches a read-through/write-through ProfileCache. Call
// before Start; nil disables cache use (the default).
func (l *Ledger) SetProfileCache(c ProfileCache) {
	l.cache = c
}

// SetMetrics attaches a Prometheus collector for the richer per-outcome
// vectors (latency and quality histograms, a cost counter) that complement
// this package's own recordedTotal/droppedTotal/flushDuration instruments. Optional;
// nil (the default) disables emission without affecting ledger behavior.
func (l *Ledger) SetMetrics(m *metrics.Collector) {
	l.metrics = m
}

// Profile returns the current rollup for a (provider, featureBucket) pair.
// On a local miss, it falls through to the shared cache (if attached) before
// reporting ok=false, so a freshly-started instance can see profiles another
// instance in the same deployment has already built up.
func (l *Ledger) Profile(provider, featureKey string) (types.ProviderProfile, bool) {
	key := profileKey(provider, featureKey)
	l.mu.RLock()
	p, ok := l.profiles[key]
	l.mu.RUnlock()
	if ok {
		return *p, true
	}
	if l.cache == nil {
		return types.ProviderProfile{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var cached types.ProviderProfile
	if err := l.cache.GetJSON(ctx, cacheKey(key), &cached); err != nil {
		return types.ProviderProfile{}, false
	}
	return cached, true
}

// Subscribe registers fn to be called, from the ledger's background worker
// goroutine, with every outcome after it has been folded into its profile.
// The Learning Scheduler (C6) uses this to drive goal progress.
func (l *Ledger) Subscribe(fn func(types.Outcome)) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.subscribers = append(l.subscribers, fn)
}

func (l *Ledger) notify(o types.Outcome) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	for _, fn := range l.subscribers {
		fn(o)
	}
}

// Snapshot returns every known profile, deep-copied.
func (l *Ledger) Snapshot() []types.ProviderProfile {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.ProviderProfile, 0, len(l.profiles))
	for _, p := range l.profiles {
		out = append(out, *p)
	}
	return out
}

func (l *Ledger) runWorker() {
	defer l.wg.Done()
	for o := range l.queue {
		l.apply(o)
	}
}

func (l *Ledger) runFlusher(ctx context.Context) {
	defer l.wg.Done()
	t := time.NewTicker(l.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := l.flush(ctx); err != nil {
				l.logger.Error("periodic ledger flush failed", zap.Error(err))
			}
		case <-l.done:
			return
		}
	}
}

// flush snapshots the rollup table and, when a journal is attached, tags
// the snapshot with the journal offset it subsumes and compacts the log up
// to it. The offset is captured before the snapshot: any record counted in
// it was folded before it was journaled, so the snapshot is guaranteed to
// subsume a contiguous prefix.
func (l *Ledger) flush(ctx context.Context) error {
	start := l.clock()
	var off int64
	if l.journal != nil {
		off = l.journal.Offset()
	}
	snap := l.Snapshot()
	err := l.store.SaveAll(ctx, snap)
	if err == nil && l.journal != nil {
		if err = l.store.SaveOffset(ctx, off); err == nil {
			if cerr := l.journal.Compact(off); cerr != nil {
				l.logger.Error("journal compaction failed", zap.Error(cerr))
			}
		}
	}
	flushDuration.Observe(l.clock().Sub(start).Seconds())
	return err
}

// apply folds one outcome into its profile's EWMA rollup. This is the only
// place profiles are mutated, so it needs no lock beyond the map guard.
func (l *Ledger) apply(o types.Outcome) {
	l.fold(o, false)
}

// fold is apply plus the replay flag: outcomes replayed from the journal
// on startup are already durable and already historical, so they are
// neither re-journaled nor re-announced to subscribers.
func (l *Ledger) fold(o types.Outcome, replay bool) {
	key := profileKey(o.Provider, o.FeatureKey)

	l.mu.Lock()
	if _, dup := l.seen[dedupKey(o)]; dup {
		l.mu.Unlock()
		l.rejectedCount.Add(1)
		return
	}
	l.seen[dedupKey(o)] = struct{}{}
	if len(l.recent) < cap(l.recent) {
		l.recent = append(l.recent, o)
	} else {
		slot := int(l.recentN % int64(cap(l.recent)))
		delete(l.seen, dedupKey(l.recent[slot]))
		l.recent[slot] = o
	}
	l.recentN++

	p, ok := l.profiles[key]
	if !ok {
		p = &types.ProviderProfile{
			Provider:       o.Provider,
			FeatureKey:     o.FeatureKey,
			RollingSuccess: neutralPrior,
			QValue:         neutralPrior,
		}
		l.profiles[key] = p
	}

	p.Attempts++
	successVal := 0.0
	if o.Success {
		p.Successes++
		successVal = 1.0
	}

	alpha := l.alpha(p.Attempts)
	p.RollingSuccess = clamp01(ewma(p.RollingSuccess, successVal, alpha, p.Attempts, l.cfg.MinSampleThreshold, neutralPrior))
	p.RollingLatency = ewmaMean(p.RollingLatency, float64(o.LatencyMs), alpha, p.Attempts, l.cfg.MinSampleThreshold)
	p.RollingCost = ewmaMean(p.RollingCost, o.CostUsd, alpha, p.Attempts, l.cfg.MinSampleThreshold)
	p.QValue = clamp01(ewma(p.QValue, o.Rating, alpha, p.Attempts, l.cfg.MinSampleThreshold, neutralPrior))
	p.UpdatedAt = o.Timestamp
	updated := *p
	l.mu.Unlock()

	if !replay && l.journal != nil {
		if _, err := l.journal.Append(o); err != nil {
			l.logger.Error("journal append failed", zap.Error(err))
		}
	}

	if l.cache != nil {
		l.writeThroughCache(key, updated)
	}

	success := "false"
	if o.Success {
		success = "true"
	}
	recordedTotal.WithLabelValues(o.Provider, success).Inc()

	if l.metrics != nil {
		l.metrics.RecordOutcome(o.Provider, o.FeatureKey, o.Success, time.Duration(o.LatencyMs)*time.Millisecond, o.CostUsd, o.QualityScore)
	}

	if !replay {
		l.notify(o)
	}
}

// dedupKey is the idempotency key: one logical provider call, however many
// times its record gets delivered.
func dedupKey(o types.Outcome) string {
	return fmt.Sprintf("%s\x00%s\x00%d", o.PlanID, o.Provider, o.Attempt)
}

// writeThroughCache publishes the just-updated profile to the shared cache.
// Best-effort: a failed write only costs the next cold-start read-through,
// never the caller of Record.
func (l *Ledger) writeThroughCache(key string, p types.ProviderProfile) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := l.cache.SetJSON(ctx, cacheKey(key), p, profileCacheTTL); err != nil {
		l.logger.Debug("profile cache write-through failed",
			zap.String("provider", p.Provider), zap.Error(err))
	}
}

// alpha is the EWMA smoothing factor for the fixed attempts-based
// half-life: the weight of a sample decays by half every HalfLifeAttempts
// updates.
func (l *Ledger) alpha(_ int64) float64 {
	return 1 - halfLifeDecay(l.cfg.HalfLifeAttempts)
}

func halfLifeDecay(halfLife float64) float64 {
	if halfLife <= 0 {
		return 0
	}
	// 0.5^(1/halfLife): the per-update decay factor such that after
	// halfLife updates a sample's weight has fallen by half.
	return math.Pow(0.5, 1/halfLife)
}

// ewma blends a new sample into the running value with the configured
// half-life decay (alpha is the sample's weight; the previous value keeps
// 1-alpha, so a sample's influence halves every HalfLifeAttempts folds).
// While attempts is at or below minSamples the result is additionally
// anchored to prior, weighted by the remaining gap to minSamples, so a
// provider's first outcome can never overwrite the prior outright and
// lock the policy onto whichever provider was tried first — the
// cold-start rule. minSamples of 0 disables the prior.
func ewma(prev, sample, alpha float64, attempts, minSamples int64, prior float64) float64 {
	upd := prev*(1-alpha) + sample*alpha
	if minSamples > 0 && attempts <= minSamples {
		gap := float64(minSamples-attempts) / float64(minSamples)
		return gap*prior + (1-gap)*upd
	}
	return upd
}

// ewmaMean is the warm-up variant for series with no meaningful prior
// (latency, cost): while attempts is small the value tracks the plain
// running mean, since the first real samples should define the level
// directly, then switches to the same half-life EWMA.
func ewmaMean(prev, sample, alpha float64, attempts, minSamples int64) float64 {
	if attempts <= minSamples {
		w := 1.0 / float64(attempts)
		return prev*(1-w) + sample*w
	}
	return prev*(1-alpha) + sample*alpha
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func profileKey(provider, featureKey string) string {
	return provider + "\x00" + featureKey
}

// cacheKey maps an in-process profile key to a Redis-safe string key,
// namespaced so the ledger's entries don't collide with other cache users.
func cacheKey(profileKey string) string {
	return "cogcore:profile:" + strings.ReplaceAll(profileKey, "\x00", ":")
}
