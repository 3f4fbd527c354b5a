package envelope

import (
	"testing"
	"time"

	"github.com/cogcore/orchestrator/types"
)

func TestWrapComputesWallClockNotSum(t *testing.T) {
	traces := []types.ProviderTrace{
		{Provider: "p1", Role: types.RolePrimary, LatencyMs: 100, CostUsd: 0.01, Success: true},
		{Provider: "p2", Role: types.RoleShadow, LatencyMs: 300, CostUsd: 0.02, Success: true},
	}
	e := Wrap("hello", types.StatusCompleted, "", traces, &types.Plan{Shape: types.ShapeSingle}, types.Routing{}, 0.9, nil, "", time.Now())

	if e.Meta.TotalLatencyMs != 300 {
		t.Fatalf("expected wall-clock max latency 300, got %d", e.Meta.TotalLatencyMs)
	}
	if e.Meta.TotalCostUsd < 0.029 || e.Meta.TotalCostUsd > 0.031 {
		t.Fatalf("expected summed cost ~0.03, got %f", e.Meta.TotalCostUsd)
	}
	if e.Meta.Primary.Provider != "p1" {
		t.Fatalf("expected primary provider p1, got %s", e.Meta.Primary.Provider)
	}
}

func TestWrapIsPure(t *testing.T) {
	traces := []types.ProviderTrace{{Provider: "p1", Role: types.RolePrimary, LatencyMs: 50}}
	now := time.Now()
	a := Wrap("x", types.StatusCompleted, "", traces, &types.Plan{}, types.Routing{}, 0.5, nil, "", now)
	b := Wrap("x", types.StatusCompleted, "", traces, &types.Plan{}, types.Routing{}, 0.5, nil, "", now)
	if a.Meta.TotalLatencyMs != b.Meta.TotalLatencyMs || a.Response != b.Response {
		t.Fatalf("Wrap is not deterministic: %+v vs %+v", a, b)
	}
}
