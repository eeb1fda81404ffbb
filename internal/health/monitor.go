package health

import (
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// trendWindow is the number of recent score samples kept per node for the
// linear trend estimate used by predictive routing.
const trendWindow = 8

// Config holds health scoring parameters.
type Config struct {
	// Smoothing factor for the success-rate EWMA
	Alpha float64 `yaml:"alpha" json:"alpha,omitempty"`

	// Latency above this target starts to penalize the score
	TargetLatencyMs float64 `yaml:"target_latency_ms" json:"target_latency_ms,omitempty"`
}

// DefaultConfig returns the scoring parameters used when a service does not
// override them.
func DefaultConfig() Config {
	return Config{
		Alpha:           0.2,
		TargetLatencyMs: 500,
	}
}

// Metric is a point-in-time view of one node's health.
type Metric struct {
	Score        float64
	SuccessRate  float64
	P50LatencyMs float64
	SuccessCount int64
	ErrorCount   int64
	Trend        float64
	LastSample   time.Time
}

// Monitor maintains a rolling health score per provider node from outcome
// samples. Score is the success-rate EWMA multiplied by a latency penalty
// factor, clamped to [0,1]. A node with no samples scores 1.0 so new nodes
// are never starved. The monitor performs no I/O and never blocks.
type Monitor struct {
	cfg    Config
	logger *logrus.Logger

	mu    sync.RWMutex
	nodes map[string]*nodeHealth
}

// nodeHealth is guarded by its own mutex so concurrent reports for
// different nodes never contend.
type nodeHealth struct {
	mu          sync.Mutex
	successEWMA float64
	latencyEWMA float64
	successes   int64
	errors      int64
	scores      [trendWindow]float64
	scoreCount  int
	lastSample  time.Time
}

// NewMonitor creates a health monitor with the given scoring parameters.
func NewMonitor(cfg Config, logger *logrus.Logger) *Monitor {
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = DefaultConfig().Alpha
	}
	if cfg.TargetLatencyMs <= 0 {
		cfg.TargetLatencyMs = DefaultConfig().TargetLatencyMs
	}
	return &Monitor{
		cfg:    cfg,
		logger: logger,
		nodes:  make(map[string]*nodeHealth),
	}
}

// Register creates tracking state for a node. Reporting to an unregistered
// node registers it implicitly; Register exists so configuration load can
// pre-create all nodes.
func (m *Monitor) Register(nodeID string) {
	m.node(nodeID)
}

// Report records one outcome sample for a node.
func (m *Monitor) Report(nodeID string, success bool, latencyMs int64) {
	n := m.node(nodeID)

	n.mu.Lock()
	defer n.mu.Unlock()

	sample := 0.0
	if success {
		sample = 1.0
		n.successes++
	} else {
		n.errors++
	}

	if n.lastSample.IsZero() {
		n.successEWMA = sample
		n.latencyEWMA = float64(latencyMs)
	} else {
		n.successEWMA = m.cfg.Alpha*sample + (1-m.cfg.Alpha)*n.successEWMA
		n.latencyEWMA = m.cfg.Alpha*float64(latencyMs) + (1-m.cfg.Alpha)*n.latencyEWMA
	}
	n.lastSample = time.Now()

	score := m.scoreLocked(n)
	n.scores[n.scoreCount%trendWindow] = score
	n.scoreCount++

	m.logger.WithFields(logrus.Fields{
		"node":       nodeID,
		"success":    success,
		"latency_ms": latencyMs,
		"score":      score,
	}).Debug("Health sample recorded")
}

// Score returns the current health score for a node in [0,1].
func (m *Monitor) Score(nodeID string) float64 {
	n := m.node(nodeID)
	n.mu.Lock()
	defer n.mu.Unlock()
	return m.scoreLocked(n)
}

// Trend estimates the near-term direction of a node's health as the
// least-squares slope over its recent score samples. Positive values mean
// the node is recovering.
func (m *Monitor) Trend(nodeID string) float64 {
	n := m.node(nodeID)
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.trendLocked()
}

// Metric returns the full health view for one node.
func (m *Monitor) Metric(nodeID string) Metric {
	n := m.node(nodeID)
	n.mu.Lock()
	defer n.mu.Unlock()
	return m.metricLocked(n)
}

// Snapshot returns the health view of every tracked node.
func (m *Monitor) Snapshot() map[string]Metric {
	m.mu.RLock()
	ids := make([]string, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	out := make(map[string]Metric, len(ids))
	for _, id := range ids {
		out[id] = m.Metric(id)
	}
	return out
}

func (m *Monitor) node(nodeID string) *nodeHealth {
	m.mu.RLock()
	n, ok := m.nodes[nodeID]
	m.mu.RUnlock()
	if ok {
		return n
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok = m.nodes[nodeID]; ok {
		return n
	}
	n = &nodeHealth{}
	m.nodes[nodeID] = n
	return n
}

// scoreLocked computes successEWMA * latencyFactor with n.mu held.
func (m *Monitor) scoreLocked(n *nodeHealth) float64 {
	if n.lastSample.IsZero() {
		// Optimistic default for nodes with no samples
		return 1.0
	}
	factor := 1.0
	if n.latencyEWMA > 0 {
		factor = math.Min(1, m.cfg.TargetLatencyMs/n.latencyEWMA)
	}
	return clamp01(n.successEWMA * factor)
}

func (m *Monitor) metricLocked(n *nodeHealth) Metric {
	return Metric{
		Score:        m.scoreLocked(n),
		SuccessRate:  n.successEWMA,
		P50LatencyMs: n.latencyEWMA,
		SuccessCount: n.successes,
		ErrorCount:   n.errors,
		Trend:        n.trendLocked(),
		LastSample:   n.lastSample,
	}
}

func (n *nodeHealth) trendLocked() float64 {
	count := n.scoreCount
	if count > trendWindow {
		count = trendWindow
	}
	if count < 2 {
		return 0
	}

	// Least-squares slope over the samples in chronological order
	start := 0
	if n.scoreCount > trendWindow {
		start = n.scoreCount % trendWindow
	}
	var sumX, sumY, sumXY, sumXX float64
	for i := 0; i < count; i++ {
		x := float64(i)
		y := n.scores[(start+i)%trendWindow]
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	nf := float64(count)
	denom := nf*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (nf*sumXY - sumX*sumY) / denom
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
