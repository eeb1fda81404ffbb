package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownService is returned when no traffic distribution exists for the
// requested service.
var ErrUnknownService = errors.New("unknown service")

// NoProviderAvailableError signals that every node for the service is
// circuit-open. Fatal to the caller; the engine never retries internally.
type NoProviderAvailableError struct {
	Service string
}

func (e *NoProviderAvailableError) Error() string {
	return fmt.Sprintf("no provider available for service %s: all circuits open", e.Service)
}

// BudgetDeniedError is a hard stop: the service budget is exhausted and the
// request is not on a critical revenue path.
type BudgetDeniedError struct {
	Service     string
	Utilization float64
}

func (e *BudgetDeniedError) Error() string {
	return fmt.Sprintf("budget denied for service %s at %.1f%% utilization", e.Service, e.Utilization*100)
}

// BudgetThrottledError is a soft stop in the throttle band: the caller may
// retry later or escalate priority.
type BudgetThrottledError struct {
	Service     string
	Utilization float64
	RetryAfter  time.Duration
}

func (e *BudgetThrottledError) Error() string {
	return fmt.Sprintf("budget throttled for service %s at %.1f%% utilization", e.Service, e.Utilization*100)
}

// ConfigError rejects a configuration update. The previous configuration
// stays active; a reload is never partially applied.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %s", e.Reason)
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}
