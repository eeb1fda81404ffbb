package routing

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chipster6/adaptive-routing-engine/internal/budget"
	"github.com/chipster6/adaptive-routing-engine/internal/circuit"
	"github.com/chipster6/adaptive-routing-engine/internal/eventbus"
	"github.com/chipster6/adaptive-routing-engine/internal/health"
	"github.com/chipster6/adaptive-routing-engine/internal/scenario"
	"github.com/chipster6/adaptive-routing-engine/internal/strategy"
	"github.com/chipster6/adaptive-routing-engine/internal/types"
)

// Engine is the routing orchestrator. It composes the health monitor,
// circuit breakers, budget governor, and strategy engine into the two
// caller-facing operations, Route and RecordOutcome, plus the operational
// status and configuration surface. All state is in memory; no operation
// blocks on I/O.
type Engine struct {
	opts     Options
	logger   *logrus.Logger
	bus      *eventbus.Bus
	selector *strategy.Selector
	governor *budget.Governor

	mu       sync.RWMutex
	services map[string]*serviceState

	pmu     sync.Mutex
	pending map[string]*pendingDecision

	stop chan struct{}
	wg   sync.WaitGroup
}

// serviceState holds one service's distribution and the per-node components
// attached to it. All three pointers are swapped atomically on update so the
// decision path never races a hot reload; health and circuit state survive
// updates unless their configuration changed.
type serviceState struct {
	dist    atomic.Pointer[TrafficDistribution]
	health  atomic.Pointer[health.Monitor]
	circuit atomic.Pointer[circuit.Controller]

	imu      sync.Mutex
	inflight map[string]*int64
}

// pendingDecision correlates an issued decision with the resources it holds
// until the outcome arrives or the decision expires.
type pendingDecision struct {
	service       string
	nodeID        string
	estimatedCost float64
	budgeted      bool
	probe         bool
	createdAt     time.Time
}

// NewEngine creates an orchestrator publishing to the given bus.
func NewEngine(opts Options, bus *eventbus.Bus, logger *logrus.Logger) *Engine {
	def := DefaultOptions()
	if opts.DecisionExpiry <= 0 {
		opts.DecisionExpiry = def.DecisionExpiry
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}

	e := &Engine{
		opts:     opts,
		logger:   logger,
		bus:      bus,
		selector: strategy.NewSelector(opts.Seed),
		services: make(map[string]*serviceState),
		pending:  make(map[string]*pendingDecision),
		stop:     make(chan struct{}),
	}
	e.governor = budget.NewGovernor(logger, bus.Publish)
	return e
}

// Start launches the decision-expiry sweeper.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stop:
				return
			case <-ticker.C:
				e.sweepExpired()
			}
		}
	}()
}

// Stop halts the sweeper. Pending decisions are left in place; an embedding
// process that stops the engine is shutting down anyway.
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
}

// UpdateTrafficDistribution validates and atomically installs the
// distribution for its service. On validation failure the previous
// distribution stays active untouched.
func (e *Engine) UpdateTrafficDistribution(dist *TrafficDistribution) error {
	if err := dist.Validate(); err != nil {
		e.logger.WithField("service", dist.Service).WithError(err).Warn("Distribution update rejected")
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	svc, ok := e.services[dist.Service]
	if !ok {
		svc = &serviceState{inflight: make(map[string]*int64)}
		svc.health.Store(health.NewMonitor(dist.Health, e.logger))
		svc.circuit.Store(circuit.NewController(dist.Circuit, e.logger, e.transitionHook(dist.Service)))
		e.services[dist.Service] = svc
	} else {
		prev := svc.dist.Load()
		if prev.Health != dist.Health {
			svc.health.Store(health.NewMonitor(dist.Health, e.logger))
		}
		if prev.Circuit != dist.Circuit {
			svc.circuit.Store(circuit.NewController(dist.Circuit, e.logger, e.transitionHook(dist.Service)))
		}
	}

	mon, ctl := svc.health.Load(), svc.circuit.Load()
	for _, n := range dist.Nodes {
		mon.Register(n.ID)
		ctl.Register(n.ID)
		svc.counter(n.ID)
	}
	if dist.Budget != nil {
		e.governor.Configure(dist.Service, *dist.Budget)
	} else {
		e.governor.Remove(dist.Service)
	}

	svc.dist.Store(dist)
	e.logger.WithFields(logrus.Fields{
		"service":  dist.Service,
		"strategy": dist.Strategy,
		"nodes":    len(dist.Nodes),
	}).Info("Traffic distribution installed")
	return nil
}

// Route decides which provider node a request for the service should use.
// It returns a typed failure when all circuits are open or the budget
// policy refuses the request; it never blocks and never retries.
func (e *Engine) Route(service string, meta types.RequestMeta) (*types.RoutingDecision, error) {
	svc := e.service(service)
	if svc == nil {
		return nil, fmt.Errorf("route %q: %w", service, types.ErrUnknownService)
	}
	dist := svc.dist.Load()
	mon, ctl := svc.health.Load(), svc.circuit.Load()

	// Circuit filter; for HALF_OPEN nodes eligibility acquires the probe
	// slot, released below if the strategy picks someone else
	var eligible []ProviderNode
	probes := make(map[string]bool)
	for _, n := range dist.activeNodes() {
		ok, probe := ctl.Acquire(n.ID)
		if !ok {
			continue
		}
		eligible = append(eligible, n)
		if probe {
			probes[n.ID] = true
		}
	}
	if len(eligible) == 0 {
		return nil, &types.NoProviderAvailableError{Service: service}
	}

	releaseProbes := func(except string) {
		for id := range probes {
			if id != except {
				ctl.ReleaseProbe(id)
			}
		}
	}

	verdict := e.governor.CheckAndReserve(service, meta.EstimatedCost, meta.Priority, meta.CriticalRevenuePath)
	switch verdict.Verdict {
	case budget.Deny:
		releaseProbes("")
		return nil, &types.BudgetDeniedError{Service: service, Utilization: verdict.Utilization}
	case budget.Throttle:
		releaseProbes("")
		return nil, &types.BudgetThrottledError{
			Service:     service,
			Utilization: verdict.Utilization,
			RetryAfter:  time.Second,
		}
	}

	candidates := make([]strategy.Candidate, 0, len(eligible))
	for _, n := range eligible {
		m := mon.Metric(n.ID)
		candidates = append(candidates, strategy.Candidate{
			ID:             n.ID,
			Weight:         n.Weight,
			Health:         m.Score,
			CostPerRequest: n.CostPerRequest,
			P50LatencyMs:   m.P50LatencyMs,
			Region:         n.Region,
			InFlight:       atomic.LoadInt64(svc.counter(n.ID)),
			Trend:          m.Trend,
		})
	}

	chosen, err := e.selector.Select(dist.Strategy, service, candidates, dist.selectionContext(meta))
	if err != nil {
		releaseProbes("")
		e.governor.Release(service, meta.EstimatedCost)
		return nil, fmt.Errorf("route %q: %w", service, err)
	}
	releaseProbes(chosen.ID)

	var endpoint string
	for _, n := range eligible {
		if n.ID == chosen.ID {
			endpoint = n.Endpoint
			break
		}
	}

	decision := &types.RoutingDecision{
		ID:            uuid.NewString(),
		Service:       service,
		NodeID:        chosen.ID,
		Endpoint:      endpoint,
		Strategy:      string(dist.Strategy),
		EstimatedCost: meta.EstimatedCost,
		Timestamp:     time.Now().UTC(),
		Probe:         probes[chosen.ID],
	}

	e.pmu.Lock()
	e.pending[decision.ID] = &pendingDecision{
		service:       service,
		nodeID:        chosen.ID,
		estimatedCost: meta.EstimatedCost,
		budgeted:      true,
		probe:         decision.Probe,
		createdAt:     time.Now(),
	}
	e.pmu.Unlock()
	atomic.AddInt64(svc.counter(chosen.ID), 1)

	e.bus.Publish(types.Event{
		Type:     types.EventRoutingDecision,
		Service:  service,
		NodeID:   chosen.ID,
		Severity: types.SeverityInfo,
		Message:  fmt.Sprintf("routed to %s via %s", chosen.ID, dist.Strategy),
		Details: map[string]interface{}{
			"decision_id":    decision.ID,
			"estimated_cost": meta.EstimatedCost,
			"probe":          decision.Probe,
			"emergency":      verdict.Emergency,
		},
	})

	e.logger.WithFields(logrus.Fields{
		"service":  service,
		"node":     chosen.ID,
		"strategy": dist.Strategy,
		"decision": decision.ID,
		"probe":    decision.Probe,
	}).Debug("Request routed")

	return decision, nil
}

// RecordOutcome feeds the caller's report back into health, circuit, and
// budget state. The second report for a decision is a no-op: recorded is
// false and nothing changes.
func (e *Engine) RecordOutcome(decisionID string, outcome types.Outcome) (recorded bool) {
	e.pmu.Lock()
	p, ok := e.pending[decisionID]
	if ok {
		delete(e.pending, decisionID)
	}
	e.pmu.Unlock()

	if !ok {
		e.logger.WithField("decision", decisionID).Info("Outcome for unknown or already-recorded decision ignored")
		return false
	}

	svc := e.service(p.service)
	if svc == nil {
		// Service was removed between decision and outcome; only the
		// budget reservation is still held
		e.governor.Release(p.service, p.estimatedCost)
		return true
	}

	atomic.AddInt64(svc.counter(p.nodeID), -1)
	ctl := svc.circuit.Load()

	// A failure report with no status code, no timeout or rate-limit flag,
	// and no error class is inconclusive, an aborted or lost call rather
	// than a provider fault. Held resources are released; health and the
	// breaker stay untouched.
	if !outcome.Success && outcome.StatusCode == 0 && !outcome.TimedOut && !outcome.RateLimited && outcome.ErrorKind == "" {
		if p.probe {
			ctl.ReleaseProbe(p.nodeID)
		}
		if p.budgeted {
			if outcome.ActualCost > 0 {
				e.governor.Commit(p.service, p.estimatedCost, outcome.ActualCost)
			} else {
				e.governor.Release(p.service, p.estimatedCost)
			}
		}
		e.logger.WithFields(logrus.Fields{
			"decision": decisionID,
			"service":  p.service,
			"node":     p.nodeID,
		}).Debug("Inconclusive outcome, health unchanged")
		return true
	}

	svc.health.Load().Report(p.nodeID, outcome.Success, outcome.LatencyMs)
	ctl.OnOutcome(p.nodeID, outcome.Success)

	if p.budgeted {
		if outcome.Success || outcome.ActualCost > 0 {
			e.governor.Commit(p.service, p.estimatedCost, outcome.ActualCost)
		} else {
			e.governor.Release(p.service, p.estimatedCost)
		}
	}

	if !outcome.Success {
		kind := scenario.Classify(outcome)
		e.bus.Publish(types.Event{
			Type:     types.EventScenarioDetected,
			Service:  p.service,
			NodeID:   p.nodeID,
			Severity: kind.Severity(),
			Scenario: string(kind),
			Message:  fmt.Sprintf("outcome classified as %s", kind),
			Details: map[string]interface{}{
				"decision_id": decisionID,
				"status_code": outcome.StatusCode,
				"error_kind":  outcome.ErrorKind,
				"latency_ms":  outcome.LatencyMs,
			},
		})
		if kind.BudgetRelated() {
			e.logger.WithFields(logrus.Fields{
				"service":  p.service,
				"node":     p.nodeID,
				"scenario": kind,
			}).Warn("Budget-related failure scenario")
		}
	}

	return true
}

// GetServiceStatus returns node and budget snapshots for one service.
func (e *Engine) GetServiceStatus(service string) (*types.ServiceStatus, error) {
	svc := e.service(service)
	if svc == nil {
		return nil, fmt.Errorf("status %q: %w", service, types.ErrUnknownService)
	}
	dist := svc.dist.Load()
	mon, ctl := svc.health.Load(), svc.circuit.Load()

	nodes := make([]types.NodeStatus, 0, len(dist.Nodes))
	for _, n := range dist.Nodes {
		m := mon.Metric(n.ID)
		nodes = append(nodes, types.NodeStatus{
			ID:             n.ID,
			Endpoint:       n.Endpoint,
			Region:         n.Region,
			Weight:         n.Weight,
			CostPerRequest: n.CostPerRequest,
			Active:         !n.Inactive,
			HealthScore:    m.Score,
			SuccessRate:    m.SuccessRate,
			P50LatencyMs:   m.P50LatencyMs,
			SuccessCount:   m.SuccessCount,
			ErrorCount:     m.ErrorCount,
			CircuitState:   string(ctl.State(n.ID)),
			InFlight:       atomic.LoadInt64(svc.counter(n.ID)),
		})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	return &types.ServiceStatus{
		Service:   service,
		Strategy:  string(dist.Strategy),
		Nodes:     nodes,
		Budget:    e.governor.Status(service),
		Timestamp: time.Now().UTC(),
	}, nil
}

// Services lists the configured service names, sorted.
func (e *Engine) Services() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.services))
	for name := range e.services {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// sweepExpired releases the budget reservation and probe slot of every
// decision past the expiry, treating it as inconclusive: health is not
// touched.
func (e *Engine) sweepExpired() {
	cutoff := time.Now().Add(-e.opts.DecisionExpiry)

	e.pmu.Lock()
	var expired []string
	for id, p := range e.pending {
		if p.createdAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	byID := make(map[string]*pendingDecision, len(expired))
	for _, id := range expired {
		byID[id] = e.pending[id]
		delete(e.pending, id)
	}
	e.pmu.Unlock()

	for id, p := range byID {
		if p.budgeted {
			e.governor.Release(p.service, p.estimatedCost)
		}
		if svc := e.service(p.service); svc != nil {
			atomic.AddInt64(svc.counter(p.nodeID), -1)
			if p.probe {
				svc.circuit.Load().ReleaseProbe(p.nodeID)
			}
		}
		e.logger.WithFields(logrus.Fields{
			"decision": id,
			"service":  p.service,
			"node":     p.nodeID,
			"age":      time.Since(p.createdAt).Round(time.Second),
		}).Warn("Decision expired without outcome")
	}
}

func (e *Engine) service(name string) *serviceState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.services[name]
}

func (e *Engine) transitionHook(service string) func(circuit.Transition) {
	return func(t circuit.Transition) {
		severity := types.SeverityWarning
		if t.To == circuit.StateClosed {
			severity = types.SeverityInfo
		}
		e.bus.Publish(types.Event{
			Type:     types.EventCircuitTransition,
			Service:  service,
			NodeID:   t.NodeID,
			Severity: severity,
			Message:  fmt.Sprintf("circuit %s -> %s", t.From, t.To),
			Details: map[string]interface{}{
				"from": string(t.From),
				"to":   string(t.To),
			},
		})
	}
}

func (s *serviceState) counter(nodeID string) *int64 {
	s.imu.Lock()
	defer s.imu.Unlock()
	c, ok := s.inflight[nodeID]
	if !ok {
		c = new(int64)
		s.inflight[nodeID] = c
	}
	return c
}
