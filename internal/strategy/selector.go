package strategy

import (
	"fmt"
	"math/rand"
	"sync"
)

// Selector dispatches selection to the strategy functions. The only state it
// owns is the random source for weighted selection and the per-service
// round-robin cursor; everything else is pure over the candidate snapshot.
type Selector struct {
	mu  sync.Mutex
	rng *rand.Rand
	rr  map[string]int
}

// NewSelector creates a selector. The seed fixes weighted selection for
// deterministic tests; production callers seed from the clock.
func NewSelector(seed int64) *Selector {
	return &Selector{
		rng: rand.New(rand.NewSource(seed)),
		rr:  make(map[string]int),
	}
}

// Select picks one node from the eligible candidates using the given
// strategy. Candidates are re-sorted by ID internally, so tie-breaks are
// deterministic regardless of input order.
func (s *Selector) Select(strat Strategy, service string, cands []Candidate, ctx Context) (Candidate, error) {
	if len(cands) == 0 {
		return Candidate{}, ErrNoCandidates
	}
	ordered := sortByID(cands)

	switch strat {
	case RoundRobin:
		return s.nextRoundRobin(service, ordered), nil
	case WeightedRoundRobin:
		return s.pickWeighted(ordered), nil
	case LeastConnections:
		return selectLeastConnections(ordered), nil
	case LeastResponseTime:
		return selectLeastResponseTime(ordered), nil
	case Geographic:
		return s.selectGeographic(service, ordered, ctx)
	case CostOptimized:
		return selectCostOptimized(ordered, ctx.HealthFloor), nil
	case HealthBased:
		return selectHealthBased(ordered), nil
	case Predictive:
		return selectPredictive(ordered), nil
	case Hybrid:
		return selectHybrid(ordered, ctx), nil
	default:
		return Candidate{}, fmt.Errorf("unknown strategy %q", strat)
	}
}

func (s *Selector) nextRoundRobin(service string, cands []Candidate) Candidate {
	s.mu.Lock()
	idx := s.rr[service]
	s.rr[service] = idx + 1
	s.mu.Unlock()
	return cands[idx%len(cands)]
}

// pickWeighted samples proportionally to weight * health.
func (s *Selector) pickWeighted(cands []Candidate) Candidate {
	total := 0.0
	for _, c := range cands {
		total += effectiveWeight(c)
	}
	if total <= 0 {
		// All weights collapsed to zero; ID order decides
		return cands[0]
	}

	s.mu.Lock()
	r := s.rng.Float64() * total
	s.mu.Unlock()

	for _, c := range cands {
		r -= effectiveWeight(c)
		if r < 0 {
			return c
		}
	}
	return cands[len(cands)-1]
}

// selectGeographic filters to the caller's region, then applies the
// configured secondary strategy over the matches.
func (s *Selector) selectGeographic(service string, cands []Candidate, ctx Context) (Candidate, error) {
	matched := filterRegion(cands, ctx.Region)
	secondary := ctx.GeoSecondary
	if secondary == "" || secondary == Geographic {
		secondary = WeightedRoundRobin
	}
	sub := ctx
	sub.GeoSecondary = ""
	return s.Select(secondary, service, matched, sub)
}
