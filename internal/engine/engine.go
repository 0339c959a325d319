package engine

import (
	"fmt"
	"sync"
	"time"

	"tradeguard/internal/domain"
)

// Action is the kind of verdict the engine produces.
type Action int

const (
	Hold Action = iota
	Stop
)

// Verdict is the engine's output for one evaluation cycle.
type Verdict struct {
	Action    Action
	Reason    domain.StopReason
	Condition string // name of the condition that produced a Stop
}

// HoldVerdict is the verdict when no condition fires.
var HoldVerdict = Verdict{Action: Hold, Reason: domain.ReasonHold}

// Config holds configuration for the decision engine.
type Config struct {
	// Order is the operator-configured precedence: condition names evaluated
	// first to last, short-circuiting on the first that fires. Conditions
	// not listed are excluded from evaluation.
	Order []string
	// Conditions are the available stop rules, keyed by Name().
	Conditions []Condition
	// ExpiryFloorSeconds is the hard floor on seconds-to-expiry. The built-in
	// expiry condition fires ahead of everything in Order.
	ExpiryFloorSeconds float64
}

// Engine evaluates stop conditions against position snapshots in a fixed
// precedence order. Safe for concurrent use; only the cooldown table is
// shared state.
type Engine struct {
	ordered []Condition
	expiry  *expiryFloor

	mu        sync.Mutex
	cooldowns map[int64]map[string]time.Time // tradeID -> condition -> quiet-until
}

// New creates a decision engine, resolving the configured precedence order
// against the supplied conditions.
func New(cfg Config) (*Engine, error) {
	if cfg.ExpiryFloorSeconds <= 0 {
		return nil, fmt.Errorf("expiry floor must be positive")
	}
	byName := make(map[string]Condition, len(cfg.Conditions))
	for _, c := range cfg.Conditions {
		byName[c.Name()] = c
	}
	ordered := make([]Condition, 0, len(cfg.Order))
	for _, name := range cfg.Order {
		c, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown stop condition %q in configured order", name)
		}
		ordered = append(ordered, c)
	}
	return &Engine{
		ordered:   ordered,
		expiry:    &expiryFloor{floor: cfg.ExpiryFloorSeconds},
		cooldowns: make(map[int64]map[string]time.Time),
	}, nil
}

// Evaluate runs one decision cycle for a snapshot. The built-in expiry floor
// is checked first; then every enabled, non-cooling condition in configured
// order until the first fires.
func (e *Engine) Evaluate(snap Snapshot) Verdict {
	if fired, reason := e.expiry.Fire(snap); fired {
		return Verdict{Action: Stop, Reason: reason, Condition: e.expiry.Name()}
	}

	tradeID := snap.Trade.ID
	for _, c := range e.ordered {
		if !c.Enabled() {
			continue
		}
		if e.coolingDown(tradeID, c.Name(), snap.At) {
			continue
		}
		fired, reason := c.Fire(snap)
		if !fired {
			continue
		}
		// Short-circuit: later conditions are not evaluated this cycle.
		return Verdict{Action: Stop, Reason: reason, Condition: c.Name()}
	}
	return HoldVerdict
}

// Suppress starts the cooldown window for a condition that fired but was
// overridden or superseded, preventing oscillation from noisy inputs. The
// supervision loop calls this when a manual override wins the cycle.
func (e *Engine) Suppress(tradeID int64, condition string, at time.Time) {
	var window time.Duration
	for _, c := range e.ordered {
		if c.Name() == condition {
			window = c.Cooldown()
			break
		}
	}
	if window <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	perTrade, ok := e.cooldowns[tradeID]
	if !ok {
		perTrade = make(map[string]time.Time)
		e.cooldowns[tradeID] = perTrade
	}
	perTrade[condition] = at.Add(window)
}

// Forget drops cooldown state for a trade that left the working set.
func (e *Engine) Forget(tradeID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cooldowns, tradeID)
}

func (e *Engine) coolingDown(tradeID int64, condition string, at time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	perTrade, ok := e.cooldowns[tradeID]
	if !ok {
		return false
	}
	until, ok := perTrade[condition]
	if !ok {
		return false
	}
	if at.Before(until) {
		return true
	}
	delete(perTrade, condition)
	return false
}
