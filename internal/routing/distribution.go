package routing

import (
	"fmt"
	"time"

	"github.com/chipster6/adaptive-routing-engine/internal/budget"
	"github.com/chipster6/adaptive-routing-engine/internal/circuit"
	"github.com/chipster6/adaptive-routing-engine/internal/health"
	"github.com/chipster6/adaptive-routing-engine/internal/strategy"
	"github.com/chipster6/adaptive-routing-engine/internal/types"
)

// ProviderNode is one concrete, addressable endpoint for an external
// dependency. Created at configuration load; never deleted, only marked
// inactive.
type ProviderNode struct {
	ID             string  `yaml:"id" json:"id" validate:"required"`
	Endpoint       string  `yaml:"endpoint" json:"endpoint" validate:"required"`
	Region         string  `yaml:"region" json:"region,omitempty"`
	Weight         float64 `yaml:"weight" json:"weight" validate:"gt=0"`
	CostPerRequest float64 `yaml:"cost_per_request" json:"cost_per_request" validate:"gte=0"`
	Inactive       bool    `yaml:"inactive" json:"inactive,omitempty"`
}

// TrafficDistribution is the full routing configuration for one logical
// service. One per service; replaced atomically on configuration update.
type TrafficDistribution struct {
	Service  string            `yaml:"service" json:"service" validate:"required"`
	Strategy strategy.Strategy `yaml:"strategy" json:"strategy"`

	// Minimum health admitted by cost-optimized selection
	HealthFloor float64 `yaml:"health_floor" json:"health_floor,omitempty"`

	// Strategy applied after the geographic filter
	GeoSecondary strategy.Strategy `yaml:"geo_secondary" json:"geo_secondary,omitempty"`

	HybridWeights strategy.HybridWeights `yaml:"hybrid_weights" json:"hybrid_weights,omitempty"`

	Nodes []ProviderNode `yaml:"nodes" json:"nodes" validate:"required,min=1,dive"`

	// Nil means the service is unbudgeted
	Budget *budget.Config `yaml:"budget" json:"budget,omitempty"`

	Circuit circuit.Config `yaml:"circuit" json:"circuit,omitempty"`
	Health  health.Config  `yaml:"health" json:"health,omitempty"`
}

// Validate checks a distribution before it may be installed. Errors are
// *types.ConfigError so a rejected reload is distinguishable from engine
// failures.
func (d *TrafficDistribution) Validate() error {
	if d.Service == "" {
		return &types.ConfigError{Field: "service", Reason: "must not be empty"}
	}
	if d.Strategy == "" {
		d.Strategy = strategy.WeightedRoundRobin
	}
	if !d.Strategy.Valid() {
		return &types.ConfigError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", d.Strategy)}
	}
	if d.GeoSecondary != "" && !d.GeoSecondary.Valid() {
		return &types.ConfigError{Field: "geo_secondary", Reason: fmt.Sprintf("unknown strategy %q", d.GeoSecondary)}
	}
	if d.HealthFloor < 0 || d.HealthFloor > 1 {
		return &types.ConfigError{Field: "health_floor", Reason: "must be in [0,1]"}
	}

	if len(d.Nodes) == 0 {
		return &types.ConfigError{Field: "nodes", Reason: "at least one node is required"}
	}
	seen := make(map[string]bool, len(d.Nodes))
	for i, n := range d.Nodes {
		field := fmt.Sprintf("nodes[%d]", i)
		if n.ID == "" {
			return &types.ConfigError{Field: field + ".id", Reason: "must not be empty"}
		}
		if seen[n.ID] {
			return &types.ConfigError{Field: field + ".id", Reason: fmt.Sprintf("duplicate node id %q", n.ID)}
		}
		seen[n.ID] = true
		if n.Endpoint == "" {
			return &types.ConfigError{Field: field + ".endpoint", Reason: "must not be empty"}
		}
		if n.Weight <= 0 {
			return &types.ConfigError{Field: field + ".weight", Reason: "must be positive"}
		}
		if n.CostPerRequest < 0 {
			return &types.ConfigError{Field: field + ".cost_per_request", Reason: "must not be negative"}
		}
	}

	if d.Budget != nil {
		if d.Budget.Amount <= 0 {
			return &types.ConfigError{Field: "budget.amount", Reason: "must be positive"}
		}
		warn, throttle, deny := d.Budget.WarnThreshold, d.Budget.ThrottleThreshold, d.Budget.DenyThreshold
		if warn != 0 && throttle != 0 && deny != 0 && !(warn < throttle && throttle < deny) {
			return &types.ConfigError{Field: "budget", Reason: "thresholds must be ordered warn < throttle < deny"}
		}
		if deny != 0 && deny > 1 {
			return &types.ConfigError{Field: "budget.deny_threshold", Reason: "must be at most 1"}
		}
		if d.Budget.EmergencyMultiplier != 0 && d.Budget.EmergencyMultiplier < 1 {
			return &types.ConfigError{Field: "budget.emergency_multiplier", Reason: "must be at least 1"}
		}
		switch d.Budget.Period {
		case "", budget.PeriodHourly, budget.PeriodDaily, budget.PeriodMonthly:
		default:
			return &types.ConfigError{Field: "budget.period", Reason: fmt.Sprintf("unknown period %q", d.Budget.Period)}
		}
	}

	if d.Circuit.FailureThreshold < 0 {
		return &types.ConfigError{Field: "circuit.failure_threshold", Reason: "must not be negative"}
	}
	if d.Circuit.Cooldown < 0 || d.Circuit.MaxCooldown < 0 {
		return &types.ConfigError{Field: "circuit", Reason: "cooldowns must not be negative"}
	}
	if d.Circuit.MaxCooldown != 0 && d.Circuit.MaxCooldown < d.Circuit.Cooldown {
		return &types.ConfigError{Field: "circuit.max_cooldown", Reason: "must be at least the base cooldown"}
	}

	return nil
}

// activeNodes returns the nodes currently accepting traffic.
func (d *TrafficDistribution) activeNodes() []ProviderNode {
	out := make([]ProviderNode, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		if !n.Inactive {
			out = append(out, n)
		}
	}
	return out
}

// selectionContext builds the strategy context for one request.
func (d *TrafficDistribution) selectionContext(meta types.RequestMeta) strategy.Context {
	return strategy.Context{
		Region:       meta.Region,
		HealthFloor:  d.HealthFloor,
		GeoSecondary: d.GeoSecondary,
		Weights:      d.HybridWeights,
	}
}

// Options holds engine-level settings shared by all services.
type Options struct {
	// Decisions without an outcome after this long are treated as
	// inconclusive: reservation released, health untouched
	DecisionExpiry time.Duration `yaml:"decision_expiry"`

	// How often expired decisions are swept
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Seed for weighted selection; zero seeds from the clock
	Seed int64 `yaml:"-"`
}

// DefaultOptions returns the engine settings used when none are given.
func DefaultOptions() Options {
	return Options{
		DecisionExpiry: 30 * time.Second,
		SweepInterval:  5 * time.Second,
	}
}
