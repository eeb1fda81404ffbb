package types

import (
	"time"
)

// Priority is the caller-declared importance of a request. It only matters
// when the Budget Governor is in the throttle band.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities for throttle gating. Unknown values rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// Valid reports whether p is one of the declared priority levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical, "":
		return true
	}
	return false
}

// RequestMeta describes one outbound call to an external dependency from the
// engine's point of view. The caller fills it in before asking for a route.
type RequestMeta struct {
	// Caller-declared priority, used by the throttle gate
	Priority Priority `json:"priority,omitempty"`

	// Caller's region for geographic proximity routing (optional)
	Region string `json:"region,omitempty"`

	// Expected cost of the call, reserved against the service budget
	EstimatedCost float64 `json:"estimated_cost"`

	// Marks requests allowed to draw from the emergency-override budget
	// once the normal budget is exhausted (e.g. payment capture)
	CriticalRevenuePath bool `json:"critical_revenue_path,omitempty"`
}

// Outcome is the caller's report of what happened after it performed the
// call the engine routed. Exactly one outcome is expected per decision;
// decisions without one expire as inconclusive.
type Outcome struct {
	Success    bool    `json:"success"`
	LatencyMs  int64   `json:"latency_ms"`
	ActualCost float64 `json:"actual_cost"`

	// Failure metadata used by the scenario classifier
	StatusCode  int    `json:"status_code,omitempty"`
	TimedOut    bool   `json:"timed_out,omitempty"`
	RateLimited bool   `json:"rate_limited,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`

	// Set by the engine when it reserved budget the caller never spent
	ReportedAt time.Time `json:"reported_at,omitempty"`
}
