package types

import (
	"time"
)

// RoutingDecision records the node chosen for one request. Immutable once
// created; the decision ID is the correlation key for the eventual outcome.
type RoutingDecision struct {
	ID            string    `json:"id"`
	Service       string    `json:"service"`
	NodeID        string    `json:"node_id"`
	Endpoint      string    `json:"endpoint"`
	Strategy      string    `json:"strategy"`
	EstimatedCost float64   `json:"estimated_cost"`
	Timestamp     time.Time `json:"timestamp"`

	// True when this decision is the single half-open probe for its node
	Probe bool `json:"probe,omitempty"`
}

// NodeStatus is a point-in-time snapshot of one provider node, exposed by
// the read-only status query.
type NodeStatus struct {
	ID             string  `json:"id"`
	Endpoint       string  `json:"endpoint"`
	Region         string  `json:"region,omitempty"`
	Weight         float64 `json:"weight"`
	CostPerRequest float64 `json:"cost_per_request"`
	Active         bool    `json:"active"`

	HealthScore  float64 `json:"health_score"`
	SuccessRate  float64 `json:"success_rate"`
	P50LatencyMs float64 `json:"p50_latency_ms"`
	SuccessCount int64   `json:"success_count"`
	ErrorCount   int64   `json:"error_count"`

	CircuitState string `json:"circuit_state"`
	InFlight     int64  `json:"in_flight"`
}

// BudgetStatus is a point-in-time snapshot of one service's allocation.
type BudgetStatus struct {
	Budget              float64   `json:"budget"`
	Period              string    `json:"period"`
	PeriodStart         time.Time `json:"period_start"`
	PeriodEnd           time.Time `json:"period_end"`
	Spent               float64   `json:"spent"`
	Reserved            float64   `json:"reserved"`
	EmergencySpent      float64   `json:"emergency_spent"`
	Utilization         float64   `json:"utilization"`
	Tier                string    `json:"tier"`
	EmergencyMultiplier float64   `json:"emergency_multiplier"`
}

// ServiceStatus aggregates node and budget snapshots for one logical service.
type ServiceStatus struct {
	Service   string       `json:"service"`
	Strategy  string       `json:"strategy"`
	Nodes     []NodeStatus `json:"nodes"`
	Budget    BudgetStatus `json:"budget"`
	Timestamp time.Time    `json:"timestamp"`
}
