package strategy

import (
	"testing"
)

func TestLeastConnections(t *testing.T) {
	cands := []Candidate{
		{ID: "a", InFlight: 5},
		{ID: "b", InFlight: 2},
		{ID: "c", InFlight: 9},
	}
	got := selectLeastConnections(sortByID(cands))
	if got.ID != "b" {
		t.Errorf("expected b, got %s", got.ID)
	}
}

func TestLeastConnectionsTieBreaksByID(t *testing.T) {
	cands := []Candidate{
		{ID: "z", InFlight: 2},
		{ID: "a", InFlight: 2},
	}
	got := selectLeastConnections(sortByID(cands))
	if got.ID != "a" {
		t.Errorf("ties must break toward the lower node ID, got %s", got.ID)
	}
}

func TestLeastResponseTime(t *testing.T) {
	cands := []Candidate{
		{ID: "a", P50LatencyMs: 300},
		{ID: "b", P50LatencyMs: 80},
	}
	got := selectLeastResponseTime(sortByID(cands))
	if got.ID != "b" {
		t.Errorf("expected b, got %s", got.ID)
	}
}

func TestCostOptimizedRespectsHealthFloor(t *testing.T) {
	cands := sortByID([]Candidate{
		{ID: "cheap-sick", CostPerRequest: 0.001, Health: 0.2},
		{ID: "pricey-healthy", CostPerRequest: 0.010, Health: 0.9},
	})

	got := selectCostOptimized(cands, 0.5)
	if got.ID != "pricey-healthy" {
		t.Errorf("unhealthy node must be excluded, got %s", got.ID)
	}
}

func TestCostOptimizedFallsBackWhenAllBelowFloor(t *testing.T) {
	cands := sortByID([]Candidate{
		{ID: "a", CostPerRequest: 0.010, Health: 0.3},
		{ID: "b", CostPerRequest: 0.002, Health: 0.2},
	})

	got := selectCostOptimized(cands, 0.5)
	if got.ID != "b" {
		t.Errorf("expected cheapest of the remainder, got %s", got.ID)
	}
}

func TestHealthBasedUsesWeightTimesHealth(t *testing.T) {
	cands := sortByID([]Candidate{
		{ID: "a", Weight: 10, Health: 0.5},
		{ID: "b", Weight: 4, Health: 1.0},
	})

	got := selectHealthBased(cands)
	if got.ID != "a" {
		t.Errorf("expected a (10*0.5 beats 4*1.0), got %s", got.ID)
	}
}

func TestPredictivePrefersRecoveringNode(t *testing.T) {
	cands := sortByID([]Candidate{
		{ID: "flat", Health: 0.6, Trend: 0},
		{ID: "recovering", Health: 0.5, Trend: 0.05},
	})

	got := selectPredictive(cands)
	if got.ID != "recovering" {
		t.Errorf("positive trend should win, got %s", got.ID)
	}
}

func TestHybridFavorsRegionMatch(t *testing.T) {
	cands := sortByID([]Candidate{
		{ID: "far", Health: 0.9, Region: "eu-west", CostPerRequest: 0.001, P50LatencyMs: 100},
		{ID: "near", Health: 0.9, Region: "us-east", CostPerRequest: 0.001, P50LatencyMs: 100},
	})

	ctx := Context{Region: "us-east", Weights: HybridWeights{Health: 0.2, Geographic: 0.8}}
	got := selectHybrid(cands, ctx)
	if got.ID != "near" {
		t.Errorf("expected region match to dominate, got %s", got.ID)
	}
}

func TestHybridDefaultsWeightsWhenUnset(t *testing.T) {
	cands := sortByID([]Candidate{
		{ID: "healthy", Health: 1.0, CostPerRequest: 0.002, P50LatencyMs: 100},
		{ID: "sick", Health: 0.1, CostPerRequest: 0.001, P50LatencyMs: 90},
	})

	got := selectHybrid(cands, Context{})
	if got.ID != "healthy" {
		t.Errorf("default weights favor health, got %s", got.ID)
	}
}

func TestFilterRegion(t *testing.T) {
	cands := []Candidate{
		{ID: "a", Region: "us-east"},
		{ID: "b", Region: "eu-west"},
	}

	matched := filterRegion(cands, "eu-west")
	if len(matched) != 1 || matched[0].ID != "b" {
		t.Errorf("expected only b, got %v", matched)
	}

	// No match falls back to the full set rather than failing
	all := filterRegion(cands, "ap-south")
	if len(all) != 2 {
		t.Errorf("expected fallback to all candidates, got %d", len(all))
	}

	empty := filterRegion(cands, "")
	if len(empty) != 2 {
		t.Errorf("empty region should not filter, got %d", len(empty))
	}
}

func TestSortByIDDoesNotMutateInput(t *testing.T) {
	cands := []Candidate{{ID: "z"}, {ID: "a"}}
	sortByID(cands)
	if cands[0].ID != "z" {
		t.Error("sortByID must copy, not reorder the caller's slice")
	}
}
