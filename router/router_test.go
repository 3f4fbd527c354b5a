package router

import (
	"testing"

	"github.com/cogcore/orchestrator/internal/metrics"
	"github.com/cogcore/orchestrator/types"
	"go.uber.org/zap"
)

type fakeProviders struct {
	all []types.Provider
}

func (f *fakeProviders) AvailableFor(required ...types.Capability) []types.Provider {
	var out []types.Provider
	for _, p := range f.all {
		if p.HasAllCapabilities(required...) && p.Health.Available {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeProviders) Get(id string) (types.Provider, bool) {
	for _, p := range f.all {
		if p.ID == id {
			return p, true
		}
	}
	return types.Provider{}, false
}

type fakeProfiles struct {
	profiles map[string]types.ProviderProfile
}

func (f *fakeProfiles) Profile(provider, featureKey string) (types.ProviderProfile, bool) {
	p, ok := f.profiles[provider+"|"+featureKey]
	return p, ok
}

type fakeScheduler struct {
	state types.SchedulerState
}

func (f *fakeScheduler) Snapshot() types.SchedulerState { return f.state }

func chatProvider(id string) types.Provider {
	return types.Provider{
		ID:          id,
		DisplayName: id,
		Capabilities: map[types.Capability]struct{}{
			types.CapChat: {},
		},
		Health: types.Health{Available: true, State: types.HealthHealthy},
	}
}

func TestOverridePathBypassesPolicy(t *testing.T) {
	providers := &fakeProviders{all: []types.Provider{chatProvider("p1"), chatProvider("p2")}}
	profiles := &fakeProfiles{profiles: map[string]types.ProviderProfile{}}
	sched := &fakeScheduler{state: types.SchedulerState{ExplorationRate: 0.1}}

	r := New(providers, profiles, sched, nil, nil)
	req := &types.Request{TaskType: types.TaskGeneral, Override: &types.Override{Provider: "p2"}}

	plan, err := r.Plan(req, types.Features{Domain: types.DomainGeneral, Complexity: types.ComplexitySimple})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Shape != types.ShapeSingle || plan.Single.Provider != "p2" {
		t.Fatalf("expected override to produce Single{p2}, got %+v", plan)
	}
}

func TestSetMetricsRecordsPlansWithoutAlteringDecision(t *testing.T) {
	providers := &fakeProviders{all: []types.Provider{chatProvider("p1"), chatProvider("p2")}}
	profiles := &fakeProfiles{profiles: map[string]types.ProviderProfile{}}
	sched := &fakeScheduler{state: types.SchedulerState{ExplorationRate: 0.1}}

	r := New(providers, profiles, sched, nil, nil)
	r.SetMetrics(metrics.NewCollector("cogcore_router_test", zap.NewNop()))

	req := &types.Request{TaskType: types.TaskGeneral, Override: &types.Override{Provider: "p2"}}
	plan, err := r.Plan(req, types.Features{Domain: types.DomainGeneral, Complexity: types.ComplexitySimple})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Shape != types.ShapeSingle || plan.Single.Provider != "p2" {
		t.Fatalf("attaching metrics changed the routing decision: %+v", plan)
	}
}

func TestNoAvailableProviderReturnsError(t *testing.T) {
	providers := &fakeProviders{}
	profiles := &fakeProfiles{profiles: map[string]types.ProviderProfile{}}
	sched := &fakeScheduler{}

	r := New(providers, profiles, sched, nil, nil)
	_, err := r.Plan(&types.Request{TaskType: types.TaskGeneral}, types.Features{})
	if err != types.ErrNoProviderAvailable {
		t.Fatalf("expected ErrNoProviderAvailable, got %v", err)
	}
}

func TestPlanCarriesExplorationMetadata(t *testing.T) {
	providers := &fakeProviders{all: []types.Provider{chatProvider("p1"), chatProvider("p2")}}
	profiles := &fakeProfiles{profiles: map[string]types.ProviderProfile{}}
	sched := &fakeScheduler{state: types.SchedulerState{ExplorationRate: 0.2}}

	r := New(providers, profiles, sched, nil, nil)
	plan, err := r.Plan(&types.Request{TaskType: types.TaskGeneral}, types.Features{Domain: types.DomainGeneral, Complexity: types.ComplexitySimple})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Epsilon != 0.2 {
		t.Fatalf("expected plan to carry the epsilon used, got %f", plan.Epsilon)
	}

	// The override path skips the exploit/explore roll entirely.
	override, err := r.Plan(&types.Request{TaskType: types.TaskGeneral, Override: &types.Override{Provider: "p2"}},
		types.Features{Domain: types.DomainGeneral, Complexity: types.ComplexitySimple})
	if err != nil {
		t.Fatalf("override plan: %v", err)
	}
	if override.Epsilon != 0 || override.Explored {
		t.Fatalf("expected zero exploration metadata on override, got epsilon=%f explored=%v", override.Epsilon, override.Explored)
	}
}

func TestExplorationRateIsRoughlyObeyed(t *testing.T) {
	providers := &fakeProviders{all: []types.Provider{chatProvider("p1"), chatProvider("p2"), chatProvider("p3")}}
	profiles := &fakeProfiles{profiles: map[string]types.ProviderProfile{
		"p1|general/simple": {Provider: "p1", FeatureKey: "general/simple", QValue: 0.9, Attempts: 100},
		"p2|general/simple": {Provider: "p2", FeatureKey: "general/simple", QValue: 0.1, Attempts: 100},
		"p3|general/simple": {Provider: "p3", FeatureKey: "general/simple", QValue: 0.1, Attempts: 100},
	}}
	sched := &fakeScheduler{state: types.SchedulerState{ExplorationRate: 0.2}}

	r := New(providers, profiles, sched, nil, nil)
	req := &types.Request{TaskType: types.TaskGeneral}
	features := types.Features{Domain: types.DomainGeneral, Complexity: types.ComplexitySimple}

	const n = 10000
	notBest := 0
	for i := 0; i < n; i++ {
		plan, err := r.Plan(req, features)
		if err != nil {
			t.Fatalf("plan: %v", err)
		}
		if plan.Single.Provider != "p1" {
			notBest++
		}
	}

	rate := float64(notBest) / n
	// Roughly 2/3 of exploration rolls land on a non-best candidate (2 of 3
	// candidates), so the observed "picked something other than p1" rate
	// should cluster near epsilon * 2/3, comfortably inside a wide band.
	if rate < 0.08 || rate > 0.22 {
		t.Fatalf("expected non-best pick rate near 0.13, got %f", rate)
	}
}

func TestComplexCreativeRequestProducesEnsemble(t *testing.T) {
	providers := &fakeProviders{all: []types.Provider{chatProvider("p1"), chatProvider("p2"), chatProvider("p3")}}
	profiles := &fakeProfiles{profiles: map[string]types.ProviderProfile{}}
	sched := &fakeScheduler{}

	r := New(providers, profiles, sched, nil, nil)
	req := &types.Request{TaskType: types.TaskGeneral, Mode: types.ModeCreative}
	features := types.Features{Domain: types.DomainCreative, Complexity: types.ComplexityComplex}

	plan, err := r.Plan(req, features)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Shape != types.ShapeEnsemble {
		t.Fatalf("expected ensemble shape, got %s", plan.Shape)
	}
	if len(plan.Ensemble.Providers) < 2 {
		t.Fatalf("expected >=2 ensemble providers, got %+v", plan.Ensemble.Providers)
	}
}

func TestSetShadowRateUpdatesOnlyThatKnob(t *testing.T) {
	providers := &fakeProviders{}
	profiles := &fakeProfiles{profiles: map[string]types.ProviderProfile{}}
	sched := &fakeScheduler{}

	r := New(providers, profiles, sched, nil, nil)
	before := r.config()
	r.SetShadowRate(0.33)
	after := r.config()

	if after.ShadowRate != 0.33 {
		t.Fatalf("expected shadow rate 0.33, got %f", after.ShadowRate)
	}
	if after.MinEpsilon != before.MinEpsilon || after.MaxEpsilon != before.MaxEpsilon {
		t.Fatalf("expected other knobs untouched, got %+v", after)
	}
}

func TestCriticalCodeRequestProducesValidationLoop(t *testing.T) {
	providers := &fakeProviders{all: []types.Provider{chatProvider("p1"), chatProvider("p2")}}
	profiles := &fakeProfiles{profiles: map[string]types.ProviderProfile{}}
	sched := &fakeScheduler{}

	r := New(providers, profiles, sched, nil, nil)
	req := &types.Request{TaskType: types.TaskCode, QualityThreshold: 0.95}
	// TaskCode requires CapCode too, so add it to the fake providers.
	for i := range providers.all {
		providers.all[i].Capabilities[types.CapCode] = struct{}{}
	}
	features := types.Features{Domain: types.DomainCode, Complexity: types.ComplexityCritical}

	plan, err := r.Plan(req, features)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Shape != types.ShapeValidationLoop {
		t.Fatalf("expected validation loop shape, got %s", plan.Shape)
	}
	if len(plan.ValidationLoop.Stages) < 3 {
		t.Fatalf("expected at least 3 stages, got %+v", plan.ValidationLoop.Stages)
	}
}
