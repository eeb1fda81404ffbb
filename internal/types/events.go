package types

import (
	"time"
)

// EventType identifies the kind of coordination event on the bus.
type EventType string

const (
	EventRoutingDecision   EventType = "routing_decision"
	EventCircuitTransition EventType = "circuit_transition"
	EventBudgetAlert       EventType = "budget_alert"
	EventScenarioDetected  EventType = "scenario_detected"
)

// Severity of a coordination event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one coordination event published to subscribers. Delivery is
// best-effort; a slow subscriber loses the oldest events, never blocks
// the decision path.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Service   string                 `json:"service,omitempty"`
	NodeID    string                 `json:"node_id,omitempty"`
	Severity  Severity               `json:"severity"`
	Scenario  string                 `json:"scenario,omitempty"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}
