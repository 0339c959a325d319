package engine

import (
	"time"

	"tradeguard/internal/domain"
	"tradeguard/internal/ports"
)

// Snapshot is the decision engine's input: the working-set projection of a
// trade joined with the latest market inputs for its contract.
type Snapshot struct {
	Trade           *domain.Trade
	Position        *domain.ActivePosition
	MarkPrice       float64
	Momentum        float64
	Probability     float64
	SecondsToExpiry float64
	At              time.Time
}

// SnapshotFrom joins a trade, its projection and a market snapshot.
func SnapshotFrom(trade *domain.Trade, pos *domain.ActivePosition, md *ports.MarketSnapshot) Snapshot {
	return Snapshot{
		Trade:           trade,
		Position:        pos,
		MarkPrice:       md.MarkPrice,
		Momentum:        md.Momentum,
		Probability:     md.Probability,
		SecondsToExpiry: md.SecondsToExpiry,
		At:              md.At,
	}
}

// Condition is one independently configurable stop rule. Fire must be a pure
// function of the snapshot and the condition's own parameters; conditions
// never read each other's state. Cooldown bookkeeping lives in the Engine.
type Condition interface {
	// Name identifies the condition in configuration, events and metrics.
	Name() string
	// Enabled reports whether the condition participates in evaluation.
	Enabled() bool
	// Cooldown is the window during which the condition stays quiet for a
	// trade after firing without producing the final verdict. Zero disables
	// cooldown.
	Cooldown() time.Duration
	// Fire evaluates the predicate against the snapshot.
	Fire(snap Snapshot) (bool, domain.StopReason)
}

// ProbabilityThreshold fires when the computed probability of a favorable
// outcome drops to or below the configured floor.
type ProbabilityThreshold struct {
	Threshold      float64
	Disabled       bool
	CooldownWindow time.Duration
}

func (c *ProbabilityThreshold) Name() string            { return "probability_threshold" }
func (c *ProbabilityThreshold) Enabled() bool           { return !c.Disabled }
func (c *ProbabilityThreshold) Cooldown() time.Duration { return c.CooldownWindow }

func (c *ProbabilityThreshold) Fire(snap Snapshot) (bool, domain.StopReason) {
	if snap.Probability <= c.Threshold {
		return true, domain.ReasonProbability
	}
	return false, ""
}

// MomentumSpike fires on an adverse momentum move beyond the configured
// magnitude: negative momentum against a long position, positive against a
// short.
type MomentumSpike struct {
	Limit          float64 // adverse magnitude that triggers the stop
	Disabled       bool
	CooldownWindow time.Duration
}

func (c *MomentumSpike) Name() string            { return "momentum_spike" }
func (c *MomentumSpike) Enabled() bool           { return !c.Disabled }
func (c *MomentumSpike) Cooldown() time.Duration { return c.CooldownWindow }

func (c *MomentumSpike) Fire(snap Snapshot) (bool, domain.StopReason) {
	adverse := -snap.Momentum
	if snap.Trade != nil && snap.Trade.Side == domain.Sell {
		adverse = snap.Momentum
	}
	if adverse >= c.Limit {
		return true, domain.ReasonMomentum
	}
	return false, ""
}

// expiryFloor is the built-in condition that fires unconditionally when
// seconds-to-expiry falls below the hard floor. A missed close at expiry is
// unrecoverable, so it is evaluated ahead of every configured condition and
// never observes a cooldown.
type expiryFloor struct {
	floor float64
}

func (c *expiryFloor) Name() string            { return "expiry" }
func (c *expiryFloor) Enabled() bool           { return true }
func (c *expiryFloor) Cooldown() time.Duration { return 0 }

func (c *expiryFloor) Fire(snap Snapshot) (bool, domain.StopReason) {
	if snap.SecondsToExpiry < c.floor {
		return true, domain.ReasonExpiry
	}
	return false, ""
}
