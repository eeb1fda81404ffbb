package circuit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State of one node's failure-isolation state machine.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds the per-service breaker thresholds. Cool-down doubles on each
// re-open from HALF_OPEN, capped at MaxCooldown, and resets on close.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold,omitempty"`
	Cooldown         time.Duration `yaml:"cooldown" json:"cooldown,omitempty"`
	MaxCooldown      time.Duration `yaml:"max_cooldown" json:"max_cooldown,omitempty"`
}

// DefaultConfig returns breaker thresholds used when a service does not
// override them.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         2 * time.Second,
		MaxCooldown:      60 * time.Second,
	}
}

// Transition describes one state change, delivered to the optional hook.
type Transition struct {
	NodeID string
	From   State
	To     State
}

// Controller runs a circuit breaker per provider node. A node in OPEN is
// never eligible; a HALF_OPEN node admits exactly one in-flight probe at a
// time, so concurrent callers during re-validation route elsewhere.
type Controller struct {
	cfg          Config
	logger       *logrus.Logger
	onTransition func(Transition)

	mu    sync.RWMutex
	nodes map[string]*breaker
}

// breaker is guarded by its own mutex; per-node state never contends across
// nodes.
type breaker struct {
	mu             sync.Mutex
	state          State
	consecFailures int
	reopens        int
	openedAt       time.Time
	cooldown       time.Duration
	probeInFlight  bool
	lastTransition time.Time
}

// NewController creates a controller with the given thresholds. The
// transition hook, when set, is invoked synchronously and must not block.
func NewController(cfg Config, logger *logrus.Logger, onTransition func(Transition)) *Controller {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = DefaultConfig().MaxCooldown
	}
	return &Controller{
		cfg:          cfg,
		logger:       logger,
		onTransition: onTransition,
		nodes:        make(map[string]*breaker),
	}
}

// Register creates breaker state for a node in CLOSED.
func (c *Controller) Register(nodeID string) {
	c.node(nodeID)
}

// Acquire reports whether a node may receive traffic right now. For a
// HALF_OPEN node, eligibility doubles as acquisition of the single probe
// slot: probe is true and the caller must either route to the node or call
// ReleaseProbe. The OPEN to HALF_OPEN move happens lazily here once the
// cool-down has elapsed.
func (c *Controller) Acquire(nodeID string) (eligible, probe bool) {
	b := c.node(nodeID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.openedAt) >= b.cooldown {
		c.transitionLocked(b, nodeID, StateHalfOpen)
	}

	switch b.state {
	case StateClosed:
		return true, false
	case StateHalfOpen:
		if b.probeInFlight {
			return false, false
		}
		b.probeInFlight = true
		return true, true
	default:
		return false, false
	}
}

// ReleaseProbe frees the probe slot without an outcome, used when the
// strategy selected a different node or the probe decision expired.
func (c *Controller) ReleaseProbe(nodeID string) {
	b := c.node(nodeID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
}

// OnOutcome feeds one outcome into the state machine.
func (c *Controller) OnOutcome(nodeID string, success bool) {
	b := c.node(nodeID)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if success {
			b.consecFailures = 0
			return
		}
		b.consecFailures++
		if b.consecFailures >= c.cfg.FailureThreshold {
			b.cooldown = c.backoff(b.reopens)
			b.openedAt = time.Now()
			c.transitionLocked(b, nodeID, StateOpen)
		}
	case StateHalfOpen:
		b.probeInFlight = false
		if success {
			b.consecFailures = 0
			b.reopens = 0
			c.transitionLocked(b, nodeID, StateClosed)
			return
		}
		b.reopens++
		b.cooldown = c.backoff(b.reopens)
		b.openedAt = time.Now()
		c.transitionLocked(b, nodeID, StateOpen)
	case StateOpen:
		// Late outcome for a decision made before the trip; the cool-down
		// clock keeps running
	}
}

// State returns the node's current state, applying the lazy cool-down check
// so status reads reflect an elapsed OPEN period.
func (c *Controller) State(nodeID string) State {
	b := c.node(nodeID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cooldown {
		c.transitionLocked(b, nodeID, StateHalfOpen)
	}
	return b.state
}

func (c *Controller) node(nodeID string) *breaker {
	c.mu.RLock()
	b, ok := c.nodes[nodeID]
	c.mu.RUnlock()
	if ok {
		return b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok = c.nodes[nodeID]; ok {
		return b
	}
	b = &breaker{state: StateClosed, cooldown: c.cfg.Cooldown}
	c.nodes[nodeID] = b
	return b
}

func (c *Controller) backoff(reopens int) time.Duration {
	d := c.cfg.Cooldown
	for i := 0; i < reopens; i++ {
		d *= 2
		if d >= c.cfg.MaxCooldown {
			return c.cfg.MaxCooldown
		}
	}
	return d
}

// transitionLocked moves b to the new state with b.mu held.
func (c *Controller) transitionLocked(b *breaker, nodeID string, to State) {
	from := b.state
	b.state = to
	b.lastTransition = time.Now()
	if to != StateHalfOpen {
		b.probeInFlight = false
	}

	c.logger.WithFields(logrus.Fields{
		"node": nodeID,
		"from": from,
		"to":   to,
	}).Info("Circuit transition")

	if c.onTransition != nil {
		c.onTransition(Transition{NodeID: nodeID, From: from, To: to})
	}
}
