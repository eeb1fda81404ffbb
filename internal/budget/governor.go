package budget

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/chipster6/adaptive-routing-engine/internal/types"
)

// Period is the rolling window a budget applies to. Periods roll over with a
// full reset at the boundary; no pro-rating.
type Period string

const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// Config holds one service's budget policy.
type Config struct {
	Amount float64 `yaml:"amount" json:"amount"`
	Period Period  `yaml:"period" json:"period,omitempty"`

	// Tier thresholds as fractions of Amount
	WarnThreshold     float64 `yaml:"warn_threshold" json:"warn_threshold,omitempty"`
	ThrottleThreshold float64 `yaml:"throttle_threshold" json:"throttle_threshold,omitempty"`
	DenyThreshold     float64 `yaml:"deny_threshold" json:"deny_threshold,omitempty"`

	// Bounded extra allowance for critical-revenue-path requests after
	// normal exhaustion, as a multiple of Amount
	EmergencyMultiplier float64 `yaml:"emergency_multiplier" json:"emergency_multiplier,omitempty"`

	// Admission rate for normal/low priority traffic in the throttle band
	ThrottleRate  float64 `yaml:"throttle_rate" json:"throttle_rate,omitempty"`
	ThrottleBurst int     `yaml:"throttle_burst" json:"throttle_burst,omitempty"`
}

// DefaultConfig returns the budget policy applied when a service omits
// fields.
func DefaultConfig() Config {
	return Config{
		Period:              PeriodDaily,
		WarnThreshold:       0.70,
		ThrottleThreshold:   0.85,
		DenyThreshold:       0.95,
		EmergencyMultiplier: 3.0,
		ThrottleRate:        5,
		ThrottleBurst:       1,
	}
}

// Verdict is the governor's answer to a reservation request.
type Verdict int

const (
	Allow Verdict = iota
	Throttle
	Deny
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Throttle:
		return "throttle"
	default:
		return "deny"
	}
}

// Decision carries the verdict plus the utilization it was made at.
type Decision struct {
	Verdict     Verdict
	Emergency   bool
	Utilization float64
	Tier        string
}

// Governor tracks spend per logical service against tiered budgets. Check
// and reserve are a single atomic step under the per-service mutex, so two
// callers can never jointly cross a threshold both believing they were
// under it.
type Governor struct {
	logger *logrus.Logger
	emit   func(types.Event)
	now    func() time.Time

	mu       sync.RWMutex
	services map[string]*allocation
}

type allocation struct {
	mu          sync.Mutex
	cfg         Config
	periodStart time.Time
	spent       float64
	reserved    float64
	alertedTier int
	throttle    *rate.Limiter
}

// NewGovernor creates a governor. The emit hook publishes budget_alert
// events and must not block; it may be nil.
func NewGovernor(logger *logrus.Logger, emit func(types.Event)) *Governor {
	return &Governor{
		logger:   logger,
		emit:     emit,
		now:      time.Now,
		services: make(map[string]*allocation),
	}
}

// Configure installs or updates the budget for a service. Accumulated spend
// for the current period is kept across reconfiguration; only the limits
// change.
func (g *Governor) Configure(service string, cfg Config) {
	def := DefaultConfig()
	if cfg.Period == "" {
		cfg.Period = def.Period
	}
	if cfg.WarnThreshold <= 0 {
		cfg.WarnThreshold = def.WarnThreshold
	}
	if cfg.ThrottleThreshold <= 0 {
		cfg.ThrottleThreshold = def.ThrottleThreshold
	}
	if cfg.DenyThreshold <= 0 {
		cfg.DenyThreshold = def.DenyThreshold
	}
	if cfg.EmergencyMultiplier < 1 {
		cfg.EmergencyMultiplier = def.EmergencyMultiplier
	}
	if cfg.ThrottleRate <= 0 {
		cfg.ThrottleRate = def.ThrottleRate
	}
	if cfg.ThrottleBurst <= 0 {
		cfg.ThrottleBurst = def.ThrottleBurst
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.services[service]
	if !ok {
		g.services[service] = &allocation{
			cfg:         cfg,
			periodStart: periodStart(g.now(), cfg.Period),
			throttle:    rate.NewLimiter(rate.Limit(cfg.ThrottleRate), cfg.ThrottleBurst),
		}
		return
	}
	a.mu.Lock()
	a.cfg = cfg
	a.throttle = rate.NewLimiter(rate.Limit(cfg.ThrottleRate), cfg.ThrottleBurst)
	a.mu.Unlock()
}

// Remove drops the budget for a service, making it unbudgeted.
func (g *Governor) Remove(service string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.services, service)
}

// CheckAndReserve evaluates the tiered policy and, on Allow, reserves the
// estimated cost against the service budget. Throttle and Deny reserve
// nothing. A service with no configured budget always allows.
func (g *Governor) CheckAndReserve(service string, estimatedCost float64, priority types.Priority, criticalRevenuePath bool) Decision {
	a := g.allocation(service)
	if a == nil {
		return Decision{Verdict: Allow, Tier: "unbudgeted"}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	g.rolloverLocked(service, a)

	util := (a.spent + a.reserved + estimatedCost) / a.cfg.Amount

	switch {
	case util < a.cfg.WarnThreshold:
		a.reserved += estimatedCost
		return Decision{Verdict: Allow, Utilization: util, Tier: "ok"}

	case util < a.cfg.ThrottleThreshold:
		a.reserved += estimatedCost
		g.alertLocked(service, a, 1, types.SeverityWarning, util,
			"budget utilization passed warning threshold")
		return Decision{Verdict: Allow, Utilization: util, Tier: "warning"}

	case util < a.cfg.DenyThreshold:
		g.alertLocked(service, a, 2, types.SeverityWarning, util,
			"budget utilization entered throttle band")
		if priority.Rank() >= types.PriorityHigh.Rank() || criticalRevenuePath || a.throttle.Allow() {
			a.reserved += estimatedCost
			return Decision{Verdict: Allow, Utilization: util, Tier: "throttle"}
		}
		return Decision{Verdict: Throttle, Utilization: util, Tier: "throttle"}

	default:
		g.alertLocked(service, a, 3, types.SeverityCritical, util,
			"budget exhausted")
		if criticalRevenuePath && a.spent+a.reserved+estimatedCost <= a.cfg.Amount*a.cfg.EmergencyMultiplier {
			a.reserved += estimatedCost
			g.logger.WithFields(logrus.Fields{
				"service":     service,
				"utilization": util,
				"cost":        estimatedCost,
			}).Warn("Emergency budget draw")
			return Decision{Verdict: Allow, Emergency: true, Utilization: util, Tier: "exhausted"}
		}
		return Decision{Verdict: Deny, Utilization: util, Tier: "exhausted"}
	}
}

// Commit converts a reservation into actual spend.
func (g *Governor) Commit(service string, reservedCost, actualCost float64) {
	a := g.allocation(service)
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	g.rolloverLocked(service, a)
	a.reserved -= reservedCost
	if a.reserved < 0 {
		a.reserved = 0
	}
	a.spent += actualCost
}

// Release drops a reservation that never completed (failed call, expired
// decision, no cost incurred).
func (g *Governor) Release(service string, reservedCost float64) {
	a := g.allocation(service)
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	g.rolloverLocked(service, a)
	a.reserved -= reservedCost
	if a.reserved < 0 {
		a.reserved = 0
	}
}

// Status returns the current allocation snapshot for a service.
func (g *Governor) Status(service string) types.BudgetStatus {
	a := g.allocation(service)
	if a == nil {
		return types.BudgetStatus{Tier: "unbudgeted"}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	g.rolloverLocked(service, a)

	util := (a.spent + a.reserved) / a.cfg.Amount
	tier := "ok"
	switch {
	case util >= a.cfg.DenyThreshold:
		tier = "exhausted"
	case util >= a.cfg.ThrottleThreshold:
		tier = "throttle"
	case util >= a.cfg.WarnThreshold:
		tier = "warning"
	}
	emergency := a.spent + a.reserved - a.cfg.Amount
	if emergency < 0 {
		emergency = 0
	}
	return types.BudgetStatus{
		Budget:              a.cfg.Amount,
		Period:              string(a.cfg.Period),
		PeriodStart:         a.periodStart,
		PeriodEnd:           periodEnd(a.periodStart, a.cfg.Period),
		Spent:               a.spent,
		Reserved:            a.reserved,
		EmergencySpent:      emergency,
		Utilization:         util,
		Tier:                tier,
		EmergencyMultiplier: a.cfg.EmergencyMultiplier,
	}
}

func (g *Governor) allocation(service string) *allocation {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.services[service]
}

// rolloverLocked resets the allocation when the period boundary has passed.
// Called with a.mu held.
func (g *Governor) rolloverLocked(service string, a *allocation) {
	now := g.now()
	if now.Before(periodEnd(a.periodStart, a.cfg.Period)) {
		return
	}
	g.logger.WithFields(logrus.Fields{
		"service": service,
		"period":  a.cfg.Period,
		"spent":   a.spent,
	}).Info("Budget period rollover")
	a.periodStart = periodStart(now, a.cfg.Period)
	a.spent = 0
	a.reserved = 0
	a.alertedTier = 0
}

// alertLocked emits one budget_alert per tier per period. Called with a.mu
// held; the emit hook must not block.
func (g *Governor) alertLocked(service string, a *allocation, tier int, severity types.Severity, util float64, message string) {
	if a.alertedTier >= tier {
		return
	}
	a.alertedTier = tier

	g.logger.WithFields(logrus.Fields{
		"service":     service,
		"utilization": util,
	}).Warn(message)

	if g.emit != nil {
		g.emit(types.Event{
			Type:      types.EventBudgetAlert,
			Service:   service,
			Severity:  severity,
			Message:   message,
			Timestamp: g.now(),
			Details: map[string]interface{}{
				"utilization": util,
				"budget":      a.cfg.Amount,
				"spent":       a.spent,
				"reserved":    a.reserved,
			},
		})
	}
}

func periodStart(now time.Time, p Period) time.Time {
	now = now.UTC()
	switch p {
	case PeriodHourly:
		return now.Truncate(time.Hour)
	case PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}

func periodEnd(start time.Time, p Period) time.Time {
	switch p {
	case PeriodHourly:
		return start.Add(time.Hour)
	case PeriodMonthly:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}
