package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cogcore/orchestrator/config"
	"github.com/cogcore/orchestrator/engine"
	"github.com/cogcore/orchestrator/events"
	"github.com/cogcore/orchestrator/ledger"
	"github.com/cogcore/orchestrator/registry"
	"github.com/cogcore/orchestrator/types"
)

// fakeAdapter is a scriptable in-process ProviderAdapter.
type fakeAdapter struct {
	id      string
	content string
	delay   time.Duration
	err     *types.ProviderError

	mu        sync.Mutex
	callCount int
}

func (f *fakeAdapter) ID() string                { return f.id }
func (f *fakeAdapter) CostModel() types.CostModel { return types.CostModel{InputPerKToken: 1, OutputPerKToken: 2} }

func (f *fakeAdapter) Generate(ctx context.Context, req engine.GenerateRequest) (engine.GenerateResult, error) {
	f.mu.Lock()
	f.callCount++
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return engine.GenerateResult{}, ctx.Err()
		}
	}
	if f.err != nil {
		return engine.GenerateResult{}, f.err
	}
	return engine.GenerateResult{Content: f.content, Usage: engine.Usage{InputTokens: 10, OutputTokens: 20}}, nil
}

func (f *fakeAdapter) Stream(ctx context.Context, req engine.GenerateRequest, onChunk engine.ChunkFunc) (engine.GenerateResult, error) {
	r, err := f.Generate(ctx, req)
	if err == nil && onChunk != nil {
		onChunk(r.Content)
	}
	return r, err
}

// hangingStreamAdapter emits one chunk then blocks until cancelled.
type hangingStreamAdapter struct {
	id string
}

func (h *hangingStreamAdapter) ID() string                { return h.id }
func (h *hangingStreamAdapter) CostModel() types.CostModel { return types.CostModel{} }

func (h *hangingStreamAdapter) Generate(ctx context.Context, req engine.GenerateRequest) (engine.GenerateResult, error) {
	<-ctx.Done()
	return engine.GenerateResult{}, ctx.Err()
}

func (h *hangingStreamAdapter) Stream(ctx context.Context, req engine.GenerateRequest, onChunk engine.ChunkFunc) (engine.GenerateResult, error) {
	if onChunk != nil {
		onChunk("partial ")
	}
	<-ctx.Done()
	return engine.GenerateResult{}, ctx.Err()
}

// scriptedScorer returns queued scores for review stages and a fixed pass
// for every other stage.
type scriptedScorer struct {
	mu           sync.Mutex
	reviewScores []float64
}

func (s *scriptedScorer) Score(_ context.Context, stage types.Stage, _ string) (float64, error) {
	if stage != types.StageReview {
		return 0.95, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reviewScores) == 0 {
		return 0.95, nil
	}
	score := s.reviewScores[0]
	s.reviewScores = s.reviewScores[1:]
	return score, nil
}

func spec(id string, inputCost float64, caps ...types.Capability) *types.Provider {
	capSet := make(map[types.Capability]struct{}, len(caps))
	for _, c := range caps {
		capSet[c] = struct{}{}
	}
	return &types.Provider{
		ID:           id,
		DisplayName:  id,
		Capabilities: capSet,
		CostModel:    types.CostModel{InputPerKToken: inputCost, OutputPerKToken: inputCost * 2},
	}
}

// quietConfig disables shadow experiments so trace counts stay exact.
func quietConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Scheduler.BaseShadowRate = 0
	cfg.Routing.ShadowRate = 0
	return cfg
}

func newTestCore(t *testing.T, cfg *config.Config, adapters map[string]engine.ProviderAdapter, specs []*types.Provider, scorer engine.Scorer) *Core {
	t.Helper()
	c, err := New(Options{
		Config:        cfg,
		Providers:     adapters,
		ProviderSpecs: specs,
		Scorer:        scorer,
	})
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("core.Start: %v", err)
	}
	t.Cleanup(func() { c.Stop(context.Background()) })
	return c
}

func waitForProfile(t *testing.T, c *Core, provider, bucket string, attempts int64) types.ProviderProfile {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if p, ok := c.Ledger.Profile(provider, bucket); ok && p.Attempts >= attempts {
			return p
		}
		if time.Now().After(deadline) {
			t.Fatalf("profile %s/%s never reached %d attempts", provider, bucket, attempts)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSingleHappyPathEndToEnd(t *testing.T) {
	adapters := map[string]engine.ProviderAdapter{"p1": &fakeAdapter{id: "p1", content: "4"}}
	c := newTestCore(t, quietConfig(), adapters, []*types.Provider{spec("p1", 1, types.CapChat)}, nil)
	evs := c.Bus.Subscribe(8)

	req := &types.Request{Prompt: "What is 2+2?", Mode: types.ModeQuick, TaskType: types.TaskGeneral}
	env, err := c.Handle(context.Background(), req, engine.NewBufferingSink())
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if env.Response != "4" || env.Status != types.StatusCompleted {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Meta.Routing.ExecutionMode != types.ExecSingle {
		t.Fatalf("expected single execution mode, got %s", env.Meta.Routing.ExecutionMode)
	}
	if len(env.Meta.Providers) != 1 || env.Meta.Providers[0].Provider != "p1" ||
		env.Meta.Providers[0].Role != types.RolePrimary || !env.Meta.Providers[0].Success {
		t.Fatalf("unexpected provider traces: %+v", env.Meta.Providers)
	}
	if env.Meta.Routing.Epsilon <= 0 {
		t.Fatalf("expected the envelope to report the epsilon used, got %+v", env.Meta.Routing)
	}

	waitForProfile(t, c, "p1", "general/simple", 1)

	created := <-evs
	completed := <-evs
	if created.Type != events.PlanCreated || completed.Type != events.PlanCompleted {
		t.Fatalf("expected plan.created then plan.completed, got %s then %s", created.Type, completed.Type)
	}
	if completed.PlanID != created.PlanID || completed.Status != string(types.StatusCompleted) {
		t.Fatalf("unexpected completion event: %+v", completed)
	}
}

func TestEnsembleWithStragglerSynthesizesConsensus(t *testing.T) {
	cfg := quietConfig()
	cfg.Routing.EnsembleTimeout = 150 * time.Millisecond
	adapters := map[string]engine.ProviderAdapter{
		"p1": &fakeAdapter{id: "p1", content: "idea one"},
		"p2": &fakeAdapter{id: "p2", content: "idea two"},
		"p3": &fakeAdapter{id: "p3", content: "too late", delay: 500 * time.Millisecond},
	}
	specs := []*types.Provider{
		spec("p1", 1, types.CapChat, types.CapCheap),
		spec("p2", 2, types.CapChat),
		spec("p3", 3, types.CapChat),
	}
	c := newTestCore(t, cfg, adapters, specs, nil)

	req := &types.Request{
		Prompt:   "brainstorm a system architecture for the ingestion pipeline",
		Mode:     types.ModeCreative,
		TaskType: types.TaskGeneral,
	}
	env, err := c.Handle(context.Background(), req, engine.NewBufferingSink())
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if env.Meta.Routing.ExecutionMode != types.ExecEnsemble {
		t.Fatalf("expected ensemble, got %s (reasoning %q)", env.Meta.Routing.ExecutionMode, env.Meta.Routing.Reasoning)
	}
	if env.Status != types.StatusCompleted {
		t.Fatalf("expected quorum of 2/3 to complete, got %s", env.Status)
	}
	if env.Meta.Consensus == nil {
		t.Fatalf("expected non-nil consensus from synthesis")
	}
	var synthSeen bool
	for _, tr := range env.Meta.Providers {
		if tr.Role == types.RoleSynthesizer {
			synthSeen = true
		}
	}
	if !synthSeen {
		t.Fatalf("expected a synthesizer trace, got %+v", env.Meta.Providers)
	}

	// The straggler's failure is still learned from, once it unwinds.
	waitForProfile(t, c, "p3", "creative/complex", 1)
}

func TestValidationLoopRetrySwapsReviewer(t *testing.T) {
	scorer := &scriptedScorer{reviewScores: []float64{0.6, 0.95}}
	adapters := map[string]engine.ProviderAdapter{
		"p-a": &fakeAdapter{id: "p-a", content: "func add(a, b int) int { return a + b }"},
		"p-b": &fakeAdapter{id: "p-b", content: "looks correct"},
	}
	specs := []*types.Provider{
		spec("p-a", 1, types.CapChat, types.CapCode),
		spec("p-b", 2, types.CapChat, types.CapCode),
	}
	c := newTestCore(t, quietConfig(), adapters, specs, scorer)

	req := &types.Request{
		Prompt:           "write a production function that adds two integers",
		TaskType:         types.TaskCode,
		QualityThreshold: 0.9,
	}
	env, err := c.Handle(context.Background(), req, engine.NewBufferingSink())
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if env.Meta.Routing.ExecutionMode != types.ExecValidationLoop {
		t.Fatalf("expected validation loop, got %s", env.Meta.Routing.ExecutionMode)
	}
	if env.Meta.ValidationStatus != types.ValidationPassed {
		t.Fatalf("expected passed after reviewer retry, got %s", env.Meta.ValidationStatus)
	}

	var reviewers []types.ProviderTrace
	for _, tr := range env.Meta.Providers {
		if tr.Role == types.RoleReviewer {
			reviewers = append(reviewers, tr)
		}
	}
	if len(reviewers) != 2 {
		t.Fatalf("expected two reviewer attempts, got %+v", env.Meta.Providers)
	}
	if reviewers[0].Provider == reviewers[1].Provider {
		t.Fatalf("expected the retry to swap reviewers, both were %s", reviewers[0].Provider)
	}
}

func TestAllProvidersCoolingFailsPlanningWithoutSideEffects(t *testing.T) {
	adapters := map[string]engine.ProviderAdapter{"p1": &fakeAdapter{id: "p1", content: "x"}}
	c := newTestCore(t, quietConfig(), adapters, []*types.Provider{spec("p1", 1, types.CapChat)}, nil)
	evs := c.Bus.Subscribe(8)

	for i := 0; i < 3; i++ {
		c.Registry.Report("p1", registry.EventTransientFail)
	}

	req := &types.Request{Prompt: "hello", Mode: types.ModeQuick, TaskType: types.TaskGeneral}
	env, err := c.Handle(context.Background(), req, engine.NewBufferingSink())
	if !errors.Is(err, types.ErrNoProviderAvailable) {
		t.Fatalf("expected ErrNoProviderAvailable, got %v", err)
	}
	if env.Status != "" {
		t.Fatalf("expected no envelope, got %+v", env)
	}
	if outcomes := c.Ledger.Recent(10, ledger.RecentFilter{}); len(outcomes) != 0 {
		t.Fatalf("expected no outcomes, got %+v", outcomes)
	}

	// Only the health-change event fired; no plan.created.
	for {
		select {
		case e := <-evs:
			if e.Type == events.PlanCreated {
				t.Fatalf("plan.created published for a failed plan")
			}
		default:
			return
		}
	}
}

func TestCancellationMidStreamKeepsDeliveredChunks(t *testing.T) {
	adapters := map[string]engine.ProviderAdapter{"slow": &hangingStreamAdapter{id: "slow"}}
	c := newTestCore(t, quietConfig(), adapters, []*types.Provider{spec("slow", 1, types.CapChat)}, nil)
	evs := c.Bus.Subscribe(8)

	go func() {
		for e := range evs {
			if e.Type == events.PlanCreated {
				time.Sleep(50 * time.Millisecond)
				c.Cancel(e.PlanID)
				return
			}
		}
	}()

	sink := &recordingSink{}
	req := &types.Request{Prompt: "stream me something", Mode: types.ModeQuick, TaskType: types.TaskGeneral}
	env, err := c.Handle(context.Background(), req, sink)
	if err == nil {
		t.Fatalf("expected a cancellation error")
	}
	if env.Status != types.StatusCancelled {
		t.Fatalf("expected cancelled status, got %s", env.Status)
	}
	if len(sink.chunks) == 0 || sink.chunks[0] != "partial " {
		t.Fatalf("expected delivered chunks to be kept, got %v", sink.chunks)
	}

	// One failed outcome lands for the aborted call.
	deadline := time.Now().Add(2 * time.Second)
	for {
		recent := c.Ledger.Recent(10, ledger.RecentFilter{})
		if len(recent) == 1 && !recent[0].Success {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected one failed outcome, got %+v", recent)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSchedulerModeChangePublishesEventAndBoostsExploration(t *testing.T) {
	adapters := map[string]engine.ProviderAdapter{"p1": &fakeAdapter{id: "p1", content: "x"}}
	c := newTestCore(t, quietConfig(), adapters, []*types.Provider{spec("p1", 1, types.CapChat)}, nil)
	evs := c.Bus.Subscribe(8)

	before := c.Scheduler.Snapshot().ExplorationRate
	if err := c.Scheduler.RequestMode(types.ModeBurst, time.Minute, 2); err != nil {
		t.Fatalf("request burst: %v", err)
	}
	after := c.Scheduler.Snapshot().ExplorationRate
	if after <= before {
		t.Fatalf("expected burst to raise exploration rate, got %f -> %f", before, after)
	}

	select {
	case e := <-evs:
		if e.Type != events.SchedulerModeChanged || e.From != string(types.ModeNormal) || e.To != string(types.ModeBurst) {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("no scheduler.mode_changed event")
	}
}

func TestConfigUpdatePublishesEventAndReachesRouter(t *testing.T) {
	adapters := map[string]engine.ProviderAdapter{"p1": &fakeAdapter{id: "p1", content: "x"}}
	c := newTestCore(t, quietConfig(), adapters, []*types.Provider{spec("p1", 1, types.CapChat)}, nil)
	evs := c.Bus.Subscribe(8)

	if err := c.Config().UpdateField("Routing.ShadowRate", 0.25); err != nil {
		t.Fatalf("update field: %v", err)
	}

	select {
	case e := <-evs:
		if e.Type != events.ConfigUpdated || e.Domain != "Routing" || e.Key != "ShadowRate" {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("no config.updated event")
	}
	if got := c.Router.Stats(); got.TotalPlans != 0 {
		t.Fatalf("sanity: no plans should have run, got %d", got.TotalPlans)
	}
}

func TestProviderHealthChangePublishesEvent(t *testing.T) {
	adapters := map[string]engine.ProviderAdapter{"p1": &fakeAdapter{id: "p1", content: "x"}}
	c := newTestCore(t, quietConfig(), adapters, []*types.Provider{spec("p1", 1, types.CapChat)}, nil)
	evs := c.Bus.Subscribe(8)

	c.Registry.Report("p1", registry.EventPermanentFail)

	select {
	case e := <-evs:
		if e.Type != events.ProviderHealthChanged || e.Provider != "p1" || e.To != string(types.HealthDisabled) {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("no provider.health_changed event")
	}
}

type failingProber struct {
	mu    sync.Mutex
	calls int
}

func (f *failingProber) Ping(context.Context) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return errors.New("unreachable")
}

func TestProbeLoopWiredIntoCoreDrivesHealth(t *testing.T) {
	prober := &failingProber{}
	adapters := map[string]engine.ProviderAdapter{"p1": &fakeAdapter{id: "p1", content: "x"}}
	c, err := New(Options{
		Config:        quietConfig(),
		Providers:     adapters,
		ProviderSpecs: []*types.Provider{spec("p1", 1, types.CapChat)},
		Probers:       map[string]registry.Prober{"p1": prober},
	})
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop(ctx)

	c.Probes.Tick(ctx)

	prober.mu.Lock()
	calls := prober.calls
	prober.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected one probe call, got %d", calls)
	}
	p, ok := c.Registry.Get("p1")
	if !ok || p.Health.State != types.HealthDegraded {
		t.Fatalf("expected probe failure to degrade health, got %+v", p.Health)
	}
}

func TestSchedulerStateSurvivesRestart(t *testing.T) {
	store, err := ledger.OpenStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	adapters := map[string]engine.ProviderAdapter{"p1": &fakeAdapter{id: "p1", content: "x"}}
	specs := []*types.Provider{spec("p1", 1, types.CapChat)}

	c1, err := New(Options{Config: quietConfig(), Providers: adapters, ProviderSpecs: specs, Store: store})
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	ctx := context.Background()
	if err := c1.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c1.Scheduler.RequestMode(types.ModeBurst, time.Hour, 2); err != nil {
		t.Fatalf("burst: %v", err)
	}
	if err := c1.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	c2, err := New(Options{Config: quietConfig(), Providers: adapters, ProviderSpecs: specs, Store: store})
	if err != nil {
		t.Fatalf("core.New again: %v", err)
	}
	if err := c2.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer c2.Stop(ctx)

	st := c2.Scheduler.Snapshot()
	if st.Mode != types.ModeBurst {
		t.Fatalf("expected burst mode restored (window was an hour), got %s", st.Mode)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	chunks []string
}

func (s *recordingSink) OnChunk(text string) {
	s.mu.Lock()
	s.chunks = append(s.chunks, text)
	s.mu.Unlock()
}
func (s *recordingSink) OnStageComplete(types.Stage, string) {}
func (s *recordingSink) OnDone(types.Envelope)               {}
