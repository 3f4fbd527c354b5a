// Package core assembles the six orchestration components into one
// process-wide context with a single request entry point. Components never
// hold back-pointers to each other: everything cyclic in the design
// (scheduler observes ledger, ledger notifies router's profile reads,
// router consults scheduler) is wired here through narrow interfaces and
// the control-event bus.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cogcore/orchestrator/config"
	"github.com/cogcore/orchestrator/engine"
	"github.com/cogcore/orchestrator/events"
	"github.com/cogcore/orchestrator/ledger"
	"github.com/cogcore/orchestrator/registry"
	"github.com/cogcore/orchestrator/router"
	"github.com/cogcore/orchestrator/scheduler"
	"github.com/cogcore/orchestrator/types"

	"github.com/google/uuid"
)

// Options configures New. Providers is the only required field: the
// adapter map keyed by provider ID, with a matching *types.Provider spec
// per entry describing capabilities and cost.
type Options struct {
	Config        *config.Config
	Providers     map[string]engine.ProviderAdapter
	ProviderSpecs []*types.Provider
	Logger        *zap.Logger
	Clock         func() time.Time
	Store         *ledger.Store   // optional rollup snapshot store
	Journal       *ledger.Journal // optional append-only outcome log
	Scorer        engine.Scorer   // optional; nil uses the heuristic scorer

	// Probers enables active health probing for the listed providers
	// (keyed by provider ID). Providers without an entry are driven by
	// real-traffic reports only. ProbeInterval defaults to 30s; each
	// provider's probe rate is additionally capped at two per minute.
	Probers       map[string]registry.Prober
	ProbeInterval time.Duration
}

const (
	defaultProbeInterval   = 30 * time.Second
	defaultProbesPerMinute = 2
)

// Core is the assembled orchestration context. Fields are exported for
// diagnostics surfaces (stats endpoints, operator tooling); request
// traffic should go through Handle.
type Core struct {
	Registry  *registry.Registry
	Ledger    *ledger.Ledger
	Router    *router.Router
	Engine    *engine.Engine
	Scheduler *scheduler.Scheduler
	Bus       *events.Bus
	Probes    *registry.ProbeLoop // nil unless Options.Probers was set

	cfg           *config.Config
	hot           *config.HotReloadManager
	logger        *zap.Logger
	clock         func() time.Time
	store         *ledger.Store
	journal       *ledger.Journal
	probeInterval time.Duration
}

// schedulerStateDoc is the state_docs key under which the scheduler's
// snapshot is persisted across restarts.
const schedulerStateDoc = "scheduler_state"

// shadowRateSink defers the scheduler->router shadow-rate push until the
// router exists; the scheduler is constructed first because the router
// needs its state snapshot at construction.
type shadowRateSink struct {
	r *router.Router
}

func (s *shadowRateSink) SetShadowRate(rate float64) {
	if s.r != nil {
		s.r.SetShadowRate(rate)
	}
}

// New wires a Core from Options. No background work starts until Start.
func New(opts Options) (*Core, error) {
	if len(opts.Providers) == 0 {
		return nil, fmt.Errorf("core: at least one provider adapter is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	c := &Core{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "core")),
		clock:   clock,
		store:   opts.Store,
		journal: opts.Journal,
	}
	c.Bus = events.NewBus(logger, clock)

	c.Registry = registry.New(logger, clock)
	for _, spec := range opts.ProviderSpecs {
		c.Registry.Add(spec)
	}
	c.Registry.SetOnHealthChange(func(providerID, from, to string) {
		c.Bus.Publish(events.Event{
			Type: events.ProviderHealthChanged, Provider: providerID, From: from, To: to,
		})
	})

	if len(opts.Probers) > 0 {
		c.Probes = registry.NewProbeLoop(c.Registry, logger, clock)
		for id, p := range opts.Probers {
			c.Probes.Add(id, p, defaultProbesPerMinute)
		}
		c.probeInterval = opts.ProbeInterval
		if c.probeInterval <= 0 {
			c.probeInterval = defaultProbeInterval
		}
	}

	c.Ledger = ledger.New(ledgerConfigFrom(cfg.Learning), opts.Store, logger, clock)
	if opts.Journal != nil {
		c.Ledger.SetJournal(opts.Journal)
	}

	sink := &shadowRateSink{}
	c.Scheduler = scheduler.New(schedulerConfigFrom(cfg.Scheduler), sink,
		func(from, to types.SchedulerMode, reason string) {
			c.Bus.Publish(events.Event{
				Type: events.SchedulerModeChanged, From: string(from), To: string(to), Status: reason,
			})
		}, logger, clock)

	c.Router = router.New(c.Registry, c.Ledger, c.Scheduler, logger, clock)
	c.Router.UpdateConfig(routerConfigFrom(cfg.Routing))
	sink.r = c.Router
	c.Router.SetShadowRate(cfg.Scheduler.BaseShadowRate)

	c.Engine = engine.New(engineConfigFrom(cfg.Routing), opts.Providers,
		c.Registry, c.Ledger, opts.Scorer, logger, clock)
	c.Engine.SetSchedulerGate(c.Scheduler)
	c.Engine.SetShadowReporter(c.Router)
	c.Engine.SetRetryProviderSource(c.Router)

	// C6 observes every folded outcome for goal progress and auto-rollback.
	c.Ledger.Subscribe(c.Scheduler.OnOutcome)

	c.hot = config.NewHotReloadManager(cfg, config.WithHotReloadLogger(logger))
	c.hot.OnChange(func(change config.ConfigChange) {
		c.Bus.Publish(events.Event{
			Type: events.ConfigUpdated, Domain: change.Domain, Key: change.Key,
		})
		// The manager mutates the document we hold; re-feed the router so
		// it picks the new knobs up on its next Plan().
		if change.Domain == "Routing" {
			c.Router.UpdateConfig(routerConfigFrom(c.cfg.Routing))
		}
	})
	c.hot.OnReload(func(_, newCfg *config.Config) {
		c.cfg = newCfg
		c.Router.UpdateConfig(routerConfigFrom(newCfg.Routing))
	})

	return c, nil
}

// Start launches the ledger worker/flusher and the scheduler's tick loop,
// restoring any persisted scheduler state first.
func (c *Core) Start(ctx context.Context) error {
	if err := c.Ledger.Start(ctx); err != nil {
		return fmt.Errorf("core: start ledger: %w", err)
	}
	if c.store != nil {
		doc, ok, err := c.store.LoadStateDoc(ctx, schedulerStateDoc)
		if err != nil {
			return fmt.Errorf("core: load scheduler state: %w", err)
		}
		if ok {
			var st types.SchedulerState
			if jerr := json.Unmarshal([]byte(doc), &st); jerr != nil {
				c.logger.Warn("discarding unreadable scheduler state", zap.Error(jerr))
			} else {
				c.Scheduler.Restore(st)
			}
		}
	}
	if err := c.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("core: start scheduler: %w", err)
	}
	if c.Probes != nil {
		go c.Probes.Run(ctx, c.probeInterval)
	}
	c.logger.Info("core started",
		zap.Int("providers", len(c.Registry.List())))
	return nil
}

// Stop drains background work and closes the event bus. In-flight Handle
// calls are not interrupted; callers wanting that should cancel their own
// request contexts first.
func (c *Core) Stop(ctx context.Context) error {
	if c.store != nil {
		if doc, jerr := json.Marshal(c.Scheduler.Snapshot()); jerr == nil {
			if serr := c.store.SaveStateDoc(ctx, schedulerStateDoc, string(doc)); serr != nil {
				c.logger.Warn("failed to persist scheduler state", zap.Error(serr))
			}
		}
	}
	c.Scheduler.Stop()
	err := c.Ledger.Stop(ctx)
	if c.journal != nil {
		if cerr := c.journal.Close(); err == nil {
			err = cerr
		}
	}
	c.Bus.Close()
	return err
}

// Config returns the hot-reload manager for operator config updates.
func (c *Core) Config() *config.HotReloadManager { return c.hot }

// Handle runs one request end to end: extract features, plan, execute,
// and return the wrapped Envelope. Progress streams through sink; pass
// a fresh engine.BufferingSink when only the return value matters.
func (c *Core) Handle(ctx context.Context, req *types.Request, sink engine.Sink) (types.Envelope, error) {
	if req.ID == "" {
		withID := *req
		withID.ID = uuid.NewString()
		req = &withID
	}
	features := types.ExtractFeatures(req)

	plan, err := c.Router.Plan(req, features)
	if err != nil {
		return types.Envelope{}, err
	}
	c.Bus.Publish(events.Event{Type: events.PlanCreated, PlanID: plan.ID})

	env, err := c.Engine.Execute(ctx, &plan, req, features.Bucket(), sink)
	c.Bus.Publish(events.Event{
		Type: events.PlanCompleted, PlanID: plan.ID, Status: string(env.Status),
	})
	return env, err
}

// Cancel cooperatively aborts an in-flight plan.
func (c *Core) Cancel(planID string) { c.Engine.Cancel(planID) }

// ledgerConfigFrom maps the learning config domain onto ledger.Config.
func ledgerConfigFrom(lc config.LearningConfig) ledger.Config {
	return ledger.Config{
		QueueSize:          lc.QueueSize,
		HalfLifeAttempts:   lc.HalfLifeAttempts,
		MinSampleThreshold: lc.MinSampleThreshold,
		FlushInterval:      lc.FlushInterval,
	}
}

func schedulerConfigFrom(sc config.SchedulerConfig) scheduler.Config {
	return scheduler.Config{
		BaseExplorationRate:        sc.BaseExplorationRate,
		MinEpsilon:                 sc.MinEpsilon,
		MaxEpsilon:                 sc.MaxEpsilon,
		BaseShadowRate:             sc.BaseShadowRate,
		DefaultBurstDuration:       sc.DefaultBurstDuration,
		DefaultQuietDuration:       sc.DefaultQuietDuration,
		GoalSweepInterval:          sc.GoalSweepInterval,
		AutoRollbackErrorThreshold: sc.AutoRollbackErrorThreshold,
		AutoRollbackMinAttempts:    sc.AutoRollbackMinAttempts,
		AutoRollbackHalfLife:       sc.AutoRollbackHalfLife,
		AutoRollbackQuietDuration:  sc.AutoRollbackQuietDuration,
	}
}

func routerConfigFrom(rc config.RoutingConfig) router.Config {
	return router.Config{
		MinEpsilon:          rc.MinEpsilon,
		MaxEpsilon:          rc.MaxEpsilon,
		BaseExplorationRate: rc.BaseExplorationRate,
		ShadowRate:          rc.ShadowRate,
		MinSampleThreshold:  rc.MinSampleThreshold,
		EnsembleTopK:        rc.EnsembleTopK,
		PerCallTimeout:      rc.PerCallTimeout,
		EnsembleTimeout:     rc.EnsembleTimeout,
		MaxRetries:          rc.MaxRetries,
		SkipOptimize:        rc.SkipOptimize,
	}
}

func engineConfigFrom(rc config.RoutingConfig) engine.Config {
	cfg := engine.DefaultConfig()
	if rc.MaxRetries > 0 {
		cfg.MaxRetries = rc.MaxRetries
	}
	if rc.PerCallTimeout > 0 {
		cfg.PerCallTimeout = rc.PerCallTimeout
	}
	return cfg
}
