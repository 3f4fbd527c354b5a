// Package engine implements C4, the Execution Engine: interprets a Plan
// produced by C3 and drives one or more ProviderAdapter calls to produce
// an Envelope, owning cancellation, timeouts, retries, and the
// circuit-breaker/backoff composition guarding every provider call.
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cogcore/orchestrator/envelope"
	"github.com/cogcore/orchestrator/internal/telemetry"
	"github.com/cogcore/orchestrator/registry"
	"github.com/cogcore/orchestrator/types"
)

// OutcomeRecorder is the slice of C2 the engine needs to report what
// happened on every provider call.
type OutcomeRecorder interface {
	Record(types.Outcome)
}

// HealthReporter is the slice of C1 the engine needs to report health
// events alongside every call.
type HealthReporter interface {
	Report(providerID string, ev registry.Event)
}

// SchedulerGate is the slice of C6 the engine consults before accepting a
// new Plan: "any -> stopped on emergency stop; C4 refuses new Plans
// (SchedulerStopped), but in-flight Plans complete. Optional: a nil
// gate means every Plan is accepted.
type SchedulerGate interface {
	Snapshot() types.SchedulerState
}

// Config tunes the engine's retry/breaker/timeout behavior.
type Config struct {
	MaxRetries     int
	PerCallTimeout time.Duration
	Breaker        breakerConfig
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:     2,
		PerCallTimeout: 30 * time.Second,
		Breaker:        defaultBreakerConfig(),
	}
}

// Engine is the thread-safe C4 implementation.
type Engine struct {
	cfg       Config
	providers map[string]ProviderAdapter
	registry  HealthReporter
	ledger    OutcomeRecorder
	scorer    Scorer
	logger    *zap.Logger
	clock     func() time.Time
	backoff   *backoff

	mu         sync.Mutex
	breakers   map[string]*providerBreaker
	cancelFns  map[string]context.CancelFunc
	attemptSeq map[string]int

	gate        SchedulerGate
	shadow      ShadowReporter
	retrySource RetryProviderSource

	executionsCounter metric.Int64Counter
}

// RetryProviderSource supplies a replacement provider when a
// ValidationLoop stage scores below its confidence floor: the next-best
// candidate for the feature bucket that hasn't been tried for the stage
// yet. Satisfied by the router.
type RetryProviderSource interface {
	NextBest(featureKey string, exclude []string) (string, bool)
}

// SetRetryProviderSource wires C3's next-best lookup into stage retries.
// Optional; without one a retried stage re-runs on its original provider.
func (e *Engine) SetRetryProviderSource(s RetryProviderSource) {
	e.retrySource = s
}

// SetSchedulerGate wires C6 into the engine so Execute refuses new Plans
// while the scheduler is stopped. Optional; leave unset to accept every
// Plan regardless of scheduler state.
func (e *Engine) SetSchedulerGate(gate SchedulerGate) {
	e.gate = gate
}

// New wires an Engine. scorer may be nil to use HeuristicScorer.
func New(cfg Config, providers map[string]ProviderAdapter, reg HealthReporter, ledg OutcomeRecorder, scorer Scorer, logger *zap.Logger, clock func() time.Time) *Engine {
	if scorer == nil {
		scorer = HeuristicScorer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	counter, err := telemetry.Meter().Int64Counter(
		"engine.executions",
		metric.WithDescription("Plans executed by the engine, by terminal status"),
	)
	if err != nil {
		logger.Warn("failed to create executions counter", zap.Error(err))
	}
	return &Engine{
		cfg:               cfg,
		providers:         providers,
		registry:          reg,
		ledger:            ledg,
		scorer:            scorer,
		logger:            logger.With(zap.String("component", "engine")),
		clock:             clock,
		backoff:           defaultBackoff(),
		breakers:          make(map[string]*providerBreaker),
		cancelFns:         make(map[string]context.CancelFunc),
		attemptSeq:        make(map[string]int),
		executionsCounter: counter,
	}
}

func (e *Engine) breakerFor(providerID string) *providerBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[providerID]
	if !ok {
		b = newProviderBreaker(e.cfg.Breaker)
		e.breakers[providerID] = b
	}
	return b
}

// Execute interprets plan and drives it to completion, emitting progress
// through sink and returning the final Envelope. It also returns the
// Envelope via sink.OnDone before returning, so callers that only need the
// synchronous result can ignore the return value's duplication.
func (e *Engine) Execute(ctx context.Context, plan *types.Plan, req *types.Request, featureKey string, sink Sink) (types.Envelope, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "engine.Execute",
		trace.WithAttributes(
			attribute.String("plan.id", plan.ID),
			attribute.String("plan.shape", string(plan.Shape)),
			attribute.String("feature_key", featureKey),
		))
	defer span.End()

	if e.gate != nil && e.gate.Snapshot().Mode == types.ModeStopped {
		env := envelope.Wrap("", types.StatusFailed, types.ErrKindLocked, nil, plan, types.Routing{Epsilon: plan.Epsilon, Explored: plan.Explored}, 0, nil, "", e.clock())
		sink.OnDone(env)
		return env, types.ErrSchedulerLocked
	}

	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancelFns[plan.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancelFns, plan.ID)
		for key := range e.attemptSeq {
			if strings.HasPrefix(key, plan.ID+"\x00") {
				delete(e.attemptSeq, key)
			}
		}
		e.mu.Unlock()
		cancel()
	}()

	var shadowCh <-chan shadowResult
	if plan.ShadowChallenger != nil && plan.ShadowChallenger.Provider != "" {
		shadowCh = e.launchShadow(ctx, plan, req, featureKey)
	}

	var env types.Envelope
	var err error
	switch plan.Shape {
	case types.ShapeSingle:
		env, err = e.executeSingle(ctx, plan, req, featureKey, sink)
	case types.ShapeEnsemble:
		env, err = e.executeEnsemble(ctx, plan, req, featureKey, sink)
	case types.ShapeValidationLoop:
		env, err = e.executeValidationLoop(ctx, plan, req, featureKey, sink)
	default:
		err = types.ErrNoProviderAvailable
	}

	if ctx.Err() == context.Canceled && env.Status == "" {
		env = envelope.Wrap("", types.StatusCancelled, types.ErrKindCancelled, nil, plan, types.Routing{Epsilon: plan.Epsilon, Explored: plan.Explored}, 0, nil, "", e.clock())
		err = types.ErrCancelled
	}

	// The envelope is final only once every in-flight call has resolved,
	// shadow included; the challenger's call is bounded by the per-call
	// timeout so this join cannot hang past it.
	if shadowCh != nil {
		e.joinShadow(ctx, shadowCh, &env)
	}

	if e.executionsCounter != nil {
		e.executionsCounter.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("shape", string(plan.Shape)),
				attribute.String("status", string(env.Status)),
			))
	}

	sink.OnDone(env)
	return env, err
}

// Cancel cooperatively aborts the plan's in-flight provider calls.
func (e *Engine) Cancel(planID string) {
	e.mu.Lock()
	cancel, ok := e.cancelFns[planID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// callOnce performs one attempt at a provider call through its circuit
// breaker, reporting the health event either way.
func (e *Engine) callOnce(ctx context.Context, providerID string, req GenerateRequest, sink Sink) (GenerateResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "engine.callOnce", trace.WithAttributes(attribute.String("provider.id", providerID)))
	defer span.End()

	adapter, ok := e.providers[providerID]
	if !ok {
		return GenerateResult{}, &types.ProviderError{Kind: types.ErrKindBadInput, Message: "unknown provider " + providerID}
	}

	b := e.breakerFor(providerID)
	now := e.clock()
	if err := b.allow(now); err != nil {
		return GenerateResult{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.PerCallTimeout)
	defer cancel()

	var result GenerateResult
	var err error
	if sink != nil {
		result, err = adapter.Stream(callCtx, req, sink.OnChunk)
	} else {
		result, err = adapter.Generate(callCtx, req)
	}

	b.record(e.clock(), err)
	if err != nil {
		e.registry.Report(providerID, classifyRegistryEvent(err))
	} else {
		e.registry.Report(providerID, registry.EventSuccess)
	}
	return result, err
}

func classifyRegistryEvent(err error) registry.Event {
	if isClientError(err) {
		return registry.EventPermanentFail
	}
	return registry.EventTransientFail
}

// recordOutcome folds one provider attempt into the ledger. Attempt is a
// per-(plan, provider) sequence number assigned here so every distinct call
// carries a distinct idempotency key, while a redelivered record of the
// same call does not.
func (e *Engine) recordOutcome(planID, provider, featureKey string, success bool, rating float64, latencyMs int64, cost float64, quality float64, errKind types.ErrorKind) {
	seqKey := planID + "\x00" + provider
	e.mu.Lock()
	attempt := e.attemptSeq[seqKey]
	e.attemptSeq[seqKey] = attempt + 1
	e.mu.Unlock()

	e.ledger.Record(types.Outcome{
		PlanID:       planID,
		Provider:     provider,
		Attempt:      attempt,
		FeatureKey:   featureKey,
		Success:      success,
		Rating:       rating,
		LatencyMs:    latencyMs,
		CostUsd:      cost,
		QualityScore: quality,
		ErrorKind:    errKind,
	})
}
