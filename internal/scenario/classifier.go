package scenario

import (
	"github.com/chipster6/adaptive-routing-engine/internal/types"
)

// Kind is a classification of a failed outcome. Derived transiently per
// outcome and emitted, never stored.
type Kind string

const (
	ServiceUnavailable     Kind = "service_unavailable"
	PerformanceDegradation Kind = "performance_degradation"
	RateLimited            Kind = "rate_limited"
	AuthFailure            Kind = "auth_failure"
	NetworkIssue           Kind = "network_issue"
	CostOverrun            Kind = "cost_overrun"
	CascadingFailure       Kind = "cascading_failure"
	BudgetExhaustion       Kind = "budget_exhaustion"
	Emergency              Kind = "emergency"
)

// Error kinds a caller may set explicitly on the outcome. These win over the
// status-code mapping because the caller saw the real failure.
const (
	errKindCostOverrun = "cost_overrun"
	errKindBudget      = "budget_exhaustion"
	errKindCascading   = "cascading_failure"
	errKindEmergency   = "emergency"
	errKindNetwork     = "network"
	errKindDNS         = "dns"
	errKindConnRefused = "connection_refused"
)

// Classify maps a failed outcome to a scenario kind. Pure and stateless;
// the same outcome always classifies the same way.
func Classify(o types.Outcome) Kind {
	switch o.ErrorKind {
	case errKindCostOverrun:
		return CostOverrun
	case errKindBudget:
		return BudgetExhaustion
	case errKindCascading:
		return CascadingFailure
	case errKindEmergency:
		return Emergency
	case errKindNetwork, errKindDNS, errKindConnRefused:
		return NetworkIssue
	}

	if o.RateLimited || o.StatusCode == 429 {
		return RateLimited
	}
	if o.TimedOut {
		return PerformanceDegradation
	}

	switch {
	case o.StatusCode == 401 || o.StatusCode == 403:
		return AuthFailure
	case o.StatusCode >= 500:
		return ServiceUnavailable
	case o.StatusCode == 0:
		// Failed with no HTTP-level evidence: the call never got through
		return NetworkIssue
	default:
		return ServiceUnavailable
	}
}

// Severity maps a scenario kind to the event severity it is published with.
func (k Kind) Severity() types.Severity {
	switch k {
	case PerformanceDegradation, RateLimited:
		return types.SeverityWarning
	case CascadingFailure, BudgetExhaustion, Emergency:
		return types.SeverityCritical
	default:
		return types.SeverityWarning
	}
}

// BudgetRelated reports whether the kind should trigger emergency-mode
// evaluation in the Budget Governor.
func (k Kind) BudgetRelated() bool {
	return k == CostOverrun || k == BudgetExhaustion
}
