package strategy

import (
	"errors"
	"sort"
)

// Strategy selects one provider node per request. Strategies are dispatched
// over this tag to stateless selection functions rather than a type
// hierarchy, so each one is testable in isolation.
type Strategy string

const (
	RoundRobin         Strategy = "round_robin"
	WeightedRoundRobin Strategy = "weighted_round_robin"
	LeastConnections   Strategy = "least_connections"
	LeastResponseTime  Strategy = "least_response_time"
	Geographic         Strategy = "geographic"
	CostOptimized      Strategy = "cost_optimized"
	HealthBased        Strategy = "health_based"
	Predictive         Strategy = "predictive"
	Hybrid             Strategy = "hybrid"
)

// All lists every selectable strategy.
func All() []Strategy {
	return []Strategy{
		RoundRobin,
		WeightedRoundRobin,
		LeastConnections,
		LeastResponseTime,
		Geographic,
		CostOptimized,
		HealthBased,
		Predictive,
		Hybrid,
	}
}

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	for _, known := range All() {
		if s == known {
			return true
		}
	}
	return false
}

// ErrNoCandidates is returned when selection is attempted over an empty set.
var ErrNoCandidates = errors.New("no candidate nodes")

// Candidate is the per-node snapshot a strategy selects over. Built by the
// orchestrator from health, circuit, and in-flight state at decision time.
type Candidate struct {
	ID             string
	Weight         float64
	Health         float64
	CostPerRequest float64
	P50LatencyMs   float64
	Region         string
	InFlight       int64
	Trend          float64
}

// HybridWeights are the per-service weights of the hybrid optimization
// score. They are normalized at selection time, so only ratios matter.
type HybridWeights struct {
	Health     float64 `yaml:"health" json:"health,omitempty"`
	Cost       float64 `yaml:"cost" json:"cost,omitempty"`
	Latency    float64 `yaml:"latency" json:"latency,omitempty"`
	Geographic float64 `yaml:"geographic" json:"geographic,omitempty"`
}

// DefaultHybridWeights favors health with equal secondary concerns.
func DefaultHybridWeights() HybridWeights {
	return HybridWeights{Health: 0.4, Cost: 0.2, Latency: 0.2, Geographic: 0.2}
}

// Context carries the request- and service-specific selection parameters.
type Context struct {
	// Caller's region for geographic and hybrid scoring
	Region string

	// Minimum health admitted by cost-optimized selection
	HealthFloor float64

	// Strategy applied after the geographic filter
	GeoSecondary Strategy

	// Hybrid score weights
	Weights HybridWeights
}

// sortByID orders candidates deterministically; every selector runs over
// this ordering so ties always break by node ID.
func sortByID(cands []Candidate) []Candidate {
	out := make([]Candidate, len(cands))
	copy(out, cands)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func effectiveWeight(c Candidate) float64 {
	return c.Weight * c.Health
}

// argMax returns the candidate with the highest score; ties break toward
// the lower node ID because the input is ID-sorted.
func argMax(cands []Candidate, score func(Candidate) float64) Candidate {
	best := cands[0]
	bestScore := score(best)
	for _, c := range cands[1:] {
		if s := score(c); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

// argMin is argMax with the comparison inverted.
func argMin(cands []Candidate, score func(Candidate) float64) Candidate {
	best := cands[0]
	bestScore := score(best)
	for _, c := range cands[1:] {
		if s := score(c); s < bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

func selectLeastConnections(cands []Candidate) Candidate {
	return argMin(cands, func(c Candidate) float64 { return float64(c.InFlight) })
}

func selectLeastResponseTime(cands []Candidate) Candidate {
	return argMin(cands, func(c Candidate) float64 { return c.P50LatencyMs })
}

func selectCostOptimized(cands []Candidate, healthFloor float64) Candidate {
	if healthFloor <= 0 {
		healthFloor = 0.5
	}
	healthy := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Health >= healthFloor {
			healthy = append(healthy, c)
		}
	}
	if len(healthy) == 0 {
		// Every node is below the floor; cheapest of what remains
		healthy = cands
	}
	return argMin(healthy, func(c Candidate) float64 { return c.CostPerRequest })
}

func selectHealthBased(cands []Candidate) Candidate {
	return argMax(cands, effectiveWeight)
}

// trendHorizon converts the per-sample health slope into a score bonus, a
// simple extrapolation a few samples ahead.
const trendHorizon = 4

func selectPredictive(cands []Candidate) Candidate {
	return argMax(cands, func(c Candidate) float64 {
		return c.Health + trendHorizon*c.Trend
	})
}

func selectHybrid(cands []Candidate, ctx Context) Candidate {
	w := ctx.Weights
	if w.Health == 0 && w.Cost == 0 && w.Latency == 0 && w.Geographic == 0 {
		w = DefaultHybridWeights()
	}
	total := w.Health + w.Cost + w.Latency + w.Geographic

	var maxCost, maxLatency float64
	for _, c := range cands {
		if c.CostPerRequest > maxCost {
			maxCost = c.CostPerRequest
		}
		if c.P50LatencyMs > maxLatency {
			maxLatency = c.P50LatencyMs
		}
	}

	return argMax(cands, func(c Candidate) float64 {
		costScore := 1.0
		if maxCost > 0 {
			costScore = 1 - c.CostPerRequest/maxCost
		}
		latencyScore := 1.0
		if maxLatency > 0 {
			latencyScore = 1 - c.P50LatencyMs/maxLatency
		}
		geoScore := 0.0
		if ctx.Region != "" && c.Region == ctx.Region {
			geoScore = 1.0
		}
		return (w.Health*c.Health + w.Cost*costScore + w.Latency*latencyScore + w.Geographic*geoScore) / total
	})
}

// filterRegion keeps candidates tagged with the caller's region, falling
// back to the full set when nothing matches.
func filterRegion(cands []Candidate, region string) []Candidate {
	if region == "" {
		return cands
	}
	matched := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Region == region {
			matched = append(matched, c)
		}
	}
	if len(matched) == 0 {
		return cands
	}
	return matched
}
