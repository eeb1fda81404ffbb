package routing

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chipster6/adaptive-routing-engine/internal/budget"
	"github.com/chipster6/adaptive-routing-engine/internal/circuit"
	"github.com/chipster6/adaptive-routing-engine/internal/eventbus"
	"github.com/chipster6/adaptive-routing-engine/internal/health"
	"github.com/chipster6/adaptive-routing-engine/internal/strategy"
	"github.com/chipster6/adaptive-routing-engine/internal/types"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestEngine(t *testing.T) (*Engine, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.NewBus(eventbus.Config{BufferSize: 64}, testLogger())
	t.Cleanup(bus.Close)
	e := NewEngine(Options{Seed: 42}, bus, testLogger())
	return e, bus
}

func twoNodeDistribution(service string) *TrafficDistribution {
	return &TrafficDistribution{
		Service:  service,
		Strategy: strategy.WeightedRoundRobin,
		Nodes: []ProviderNode{
			{ID: "primary", Endpoint: "https://primary.example.com", Region: "us-east", Weight: 70, CostPerRequest: 0.01},
			{ID: "backup", Endpoint: "https://backup.example.com", Region: "eu-west", Weight: 30, CostPerRequest: 0.02},
		},
		Circuit: circuit.Config{FailureThreshold: 5, Cooldown: 20 * time.Millisecond, MaxCooldown: 200 * time.Millisecond},
	}
}

func TestRouteUnknownService(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.Route("nope", types.RequestMeta{})
	if !errors.Is(err, types.ErrUnknownService) {
		t.Errorf("expected ErrUnknownService, got %v", err)
	}
}

func TestRouteReturnsConfiguredNode(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.UpdateTrafficDistribution(twoNodeDistribution("svc")); err != nil {
		t.Fatal(err)
	}

	d, err := e.Route("svc", types.RequestMeta{Priority: types.PriorityNormal})
	if err != nil {
		t.Fatal(err)
	}
	if d.ID == "" {
		t.Error("decision must carry an ID")
	}
	if d.NodeID != "primary" && d.NodeID != "backup" {
		t.Errorf("unknown node %q", d.NodeID)
	}
	if d.Endpoint == "" {
		t.Error("decision must carry the node endpoint")
	}
	if d.Service != "svc" {
		t.Errorf("decision service = %q", d.Service)
	}
}

func TestRecordOutcomeIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.UpdateTrafficDistribution(twoNodeDistribution("svc")); err != nil {
		t.Fatal(err)
	}

	d, err := e.Route("svc", types.RequestMeta{})
	if err != nil {
		t.Fatal(err)
	}

	if recorded := e.RecordOutcome(d.ID, types.Outcome{Success: true, LatencyMs: 50}); !recorded {
		t.Fatal("first outcome must be recorded")
	}
	if recorded := e.RecordOutcome(d.ID, types.Outcome{Success: false}); recorded {
		t.Error("second outcome for the same decision must be ignored")
	}
	if recorded := e.RecordOutcome("never-issued", types.Outcome{Success: true}); recorded {
		t.Error("outcome for an unknown decision must be ignored")
	}
}

func TestOutcomeDecrementsInFlight(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.UpdateTrafficDistribution(twoNodeDistribution("svc")); err != nil {
		t.Fatal(err)
	}

	d, _ := e.Route("svc", types.RequestMeta{})
	status, _ := e.GetServiceStatus("svc")
	var total int64
	for _, n := range status.Nodes {
		total += n.InFlight
	}
	if total != 1 {
		t.Fatalf("expected 1 in-flight after route, got %d", total)
	}

	e.RecordOutcome(d.ID, types.Outcome{Success: true, LatencyMs: 10})
	status, _ = e.GetServiceStatus("svc")
	total = 0
	for _, n := range status.Nodes {
		total += n.InFlight
	}
	if total != 0 {
		t.Errorf("expected 0 in-flight after outcome, got %d", total)
	}
}

// Drive one node's circuit open, then verify traffic avoids it, exactly one
// probe goes out after the cooldown, and a probe success restores the node.
func TestCircuitLifecycleThroughEngine(t *testing.T) {
	e, _ := newTestEngine(t)
	dist := &TrafficDistribution{
		Service:  "solo",
		Strategy: strategy.RoundRobin,
		Nodes: []ProviderNode{
			{ID: "only", Endpoint: "https://only.example.com", Weight: 1},
		},
		Circuit: circuit.Config{FailureThreshold: 5, Cooldown: 20 * time.Millisecond, MaxCooldown: 200 * time.Millisecond},
	}
	if err := e.UpdateTrafficDistribution(dist); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		d, err := e.Route("solo", types.RequestMeta{})
		if err != nil {
			t.Fatalf("route %d: %v", i, err)
		}
		e.RecordOutcome(d.ID, types.Outcome{Success: false, StatusCode: 500, LatencyMs: 100})
	}

	var noProvider *types.NoProviderAvailableError
	if _, err := e.Route("solo", types.RequestMeta{}); !errors.As(err, &noProvider) {
		t.Fatalf("expected NoProviderAvailableError with circuit open, got %v", err)
	}

	time.Sleep(25 * time.Millisecond)

	probe, err := e.Route("solo", types.RequestMeta{})
	if err != nil {
		t.Fatalf("expected probe decision after cooldown, got %v", err)
	}
	if !probe.Probe {
		t.Error("first decision after cooldown should be flagged as probe")
	}

	// Probe slot is held; a concurrent request has nowhere to go
	if _, err := e.Route("solo", types.RequestMeta{}); !errors.As(err, &noProvider) {
		t.Fatalf("expected NoProviderAvailableError while probe in flight, got %v", err)
	}

	e.RecordOutcome(probe.ID, types.Outcome{Success: true, LatencyMs: 40})

	if _, err := e.Route("solo", types.RequestMeta{}); err != nil {
		t.Errorf("expected routing restored after probe success, got %v", err)
	}
}

func TestBudgetDenyAndEmergencyOverride(t *testing.T) {
	e, _ := newTestEngine(t)
	dist := twoNodeDistribution("paid")
	dist.Budget = &budget.Config{Amount: 100, EmergencyMultiplier: 1.5}
	if err := e.UpdateTrafficDistribution(dist); err != nil {
		t.Fatal(err)
	}

	// Exhaust the budget
	d, err := e.Route("paid", types.RequestMeta{EstimatedCost: 50})
	if err != nil {
		t.Fatal(err)
	}
	e.RecordOutcome(d.ID, types.Outcome{Success: true, ActualCost: 96, LatencyMs: 10})

	var denied *types.BudgetDeniedError
	if _, err := e.Route("paid", types.RequestMeta{EstimatedCost: 10}); !errors.As(err, &denied) {
		t.Fatalf("expected BudgetDeniedError at 96%% utilization, got %v", err)
	}

	// Critical revenue path draws from the emergency allowance
	emergency, err := e.Route("paid", types.RequestMeta{EstimatedCost: 10, CriticalRevenuePath: true})
	if err != nil {
		t.Fatalf("expected emergency override to allow, got %v", err)
	}
	e.RecordOutcome(emergency.ID, types.Outcome{Success: true, ActualCost: 10, LatencyMs: 10})
}

func TestInvalidDistributionKeepsPrevious(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.UpdateTrafficDistribution(twoNodeDistribution("svc")); err != nil {
		t.Fatal(err)
	}

	bad := &TrafficDistribution{Service: "svc", Strategy: strategy.Strategy("bogus"), Nodes: []ProviderNode{{ID: "x", Endpoint: "e", Weight: 1}}}
	err := e.UpdateTrafficDistribution(bad)
	var cfgErr *types.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}

	// Previous distribution still routes
	if _, err := e.Route("svc", types.RequestMeta{}); err != nil {
		t.Errorf("previous distribution should remain active, got %v", err)
	}
}

func TestExpiredDecisionReleasesResources(t *testing.T) {
	e, _ := newTestEngine(t)
	e.opts.DecisionExpiry = 10 * time.Millisecond

	dist := twoNodeDistribution("svc")
	dist.Budget = &budget.Config{Amount: 100}
	if err := e.UpdateTrafficDistribution(dist); err != nil {
		t.Fatal(err)
	}

	d, err := e.Route("svc", types.RequestMeta{EstimatedCost: 30})
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(15 * time.Millisecond)
	e.sweepExpired()

	// The outcome arrives too late: ignored
	if recorded := e.RecordOutcome(d.ID, types.Outcome{Success: true, ActualCost: 30}); recorded {
		t.Error("outcome after expiry must be ignored")
	}

	status, err := e.GetServiceStatus("svc")
	if err != nil {
		t.Fatal(err)
	}
	if status.Budget.Reserved != 0 {
		t.Errorf("expired decision must release its reservation, got %f reserved", status.Budget.Reserved)
	}
	for _, n := range status.Nodes {
		if n.InFlight != 0 {
			t.Errorf("expired decision must decrement in-flight on %s, got %d", n.ID, n.InFlight)
		}
	}
}

func TestRouteEmitsDecisionEvent(t *testing.T) {
	e, bus := newTestEngine(t)
	ch := bus.Subscribe("observer")
	if err := e.UpdateTrafficDistribution(twoNodeDistribution("svc")); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Route("svc", types.RequestMeta{}); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-ch:
		if ev.Type != types.EventRoutingDecision {
			t.Errorf("expected routing_decision event, got %s", ev.Type)
		}
		if ev.Service != "svc" {
			t.Errorf("event service = %q", ev.Service)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published for routing decision")
	}
}

func TestFailureOutcomePublishesScenario(t *testing.T) {
	e, bus := newTestEngine(t)
	ch := bus.Subscribe("observer")
	if err := e.UpdateTrafficDistribution(twoNodeDistribution("svc")); err != nil {
		t.Fatal(err)
	}

	d, _ := e.Route("svc", types.RequestMeta{})
	e.RecordOutcome(d.ID, types.Outcome{Success: false, StatusCode: 429, LatencyMs: 100})

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == types.EventScenarioDetected {
				if ev.Scenario != "rate_limited" {
					t.Errorf("expected rate_limited scenario, got %s", ev.Scenario)
				}
				return
			}
		case <-deadline:
			t.Fatal("no scenario event published for failed outcome")
		}
	}
}

func TestServicesSorted(t *testing.T) {
	e, _ := newTestEngine(t)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := e.UpdateTrafficDistribution(twoNodeDistribution(name)); err != nil {
			t.Fatal(err)
		}
	}

	got := e.Services()
	want := []string{"alpha", "mid", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("services = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("services = %v, want %v", got, want)
		}
	}
}

// An aborted or lost call reports no status code and no error class. Such
// an outcome must release the decision's resources without penalizing the
// node's health or tripping its breaker.
func TestInconclusiveOutcomeLeavesHealthUntouched(t *testing.T) {
	e, _ := newTestEngine(t)
	dist := twoNodeDistribution("svc")
	dist.Budget = &budget.Config{Amount: 100}
	if err := e.UpdateTrafficDistribution(dist); err != nil {
		t.Fatal(err)
	}

	// More inconclusive failures than the breaker threshold
	for i := 0; i < 6; i++ {
		d, err := e.Route("svc", types.RequestMeta{EstimatedCost: 1})
		if err != nil {
			t.Fatalf("route %d: %v", i, err)
		}
		if recorded := e.RecordOutcome(d.ID, types.Outcome{Success: false}); !recorded {
			t.Fatalf("inconclusive outcome %d must still be recorded", i)
		}
	}

	status, err := e.GetServiceStatus("svc")
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range status.Nodes {
		if n.ErrorCount != 0 || n.SuccessCount != 0 {
			t.Errorf("node %s counters = %d/%d, inconclusive outcomes must not reach health", n.ID, n.SuccessCount, n.ErrorCount)
		}
		if n.InFlight != 0 {
			t.Errorf("node %s in-flight = %d after outcomes", n.ID, n.InFlight)
		}
	}
	if status.Budget.Reserved != 0 {
		t.Errorf("reservations must be released, got %f", status.Budget.Reserved)
	}

	// Breaker never saw a failure; routing still works
	if _, err := e.Route("svc", types.RequestMeta{EstimatedCost: 1}); err != nil {
		t.Errorf("circuits must stay closed after inconclusive outcomes, got %v", err)
	}
}

// Hot reloads that replace the health monitor or breaker must not race the
// decision path. Run under the race detector to verify.
func TestConcurrentReloadWithTraffic(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.UpdateTrafficDistribution(twoNodeDistribution("svc")); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			d, err := e.Route("svc", types.RequestMeta{})
			if err != nil {
				continue
			}
			e.RecordOutcome(d.ID, types.Outcome{Success: true, LatencyMs: 10})
		}
	}()

	// Alternate the health target so every other update swaps the monitor
	for i := 0; i < 50; i++ {
		next := twoNodeDistribution("svc")
		next.Health = health.Config{TargetLatencyMs: float64(250 + 250*(i%2))}
		if err := e.UpdateTrafficDistribution(next); err != nil {
			t.Fatal(err)
		}
	}
	<-done

	if _, err := e.Route("svc", types.RequestMeta{}); err != nil {
		t.Errorf("routing must survive concurrent reloads, got %v", err)
	}
}

func TestHealthSurvivesDistributionUpdate(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.UpdateTrafficDistribution(twoNodeDistribution("svc")); err != nil {
		t.Fatal(err)
	}

	d, _ := e.Route("svc", types.RequestMeta{})
	e.RecordOutcome(d.ID, types.Outcome{Success: false, StatusCode: 500, LatencyMs: 10})

	// Same health and circuit settings: accumulated state is kept
	next := twoNodeDistribution("svc")
	next.Nodes[0].Weight = 50
	next.Nodes[1].Weight = 50
	if err := e.UpdateTrafficDistribution(next); err != nil {
		t.Fatal(err)
	}

	status, _ := e.GetServiceStatus("svc")
	var totalErrors int64
	for _, n := range status.Nodes {
		totalErrors += n.ErrorCount
	}
	if totalErrors != 1 {
		t.Errorf("expected error counters to survive the update, got %d", totalErrors)
	}
}
