package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransitionEvent is an immutable record of a lifecycle state change.
// EventID is globally unique so downstream services can deduplicate
// at-least-once deliveries.
type TransitionEvent struct {
	EventID   string      // Globally unique identifier for deduplication
	TradeID   int64       // Trade the transition applies to
	Prior     TradeStatus // State before the transition
	Next      TradeStatus // State after the transition
	Reason    StopReason  // Why the transition happened
	Condition string      // Name of the triggering stop condition, empty for manual/external causes
	At        time.Time   // Commit timestamp
}

// NewTransitionEvent builds an event with a fresh identifier.
func NewTransitionEvent(tradeID int64, prior, next TradeStatus, reason StopReason, condition string) *TransitionEvent {
	return &TransitionEvent{
		EventID:   uuid.NewString(),
		TradeID:   tradeID,
		Prior:     prior,
		Next:      next,
		Reason:    reason,
		Condition: condition,
		At:        time.Now().UTC(),
	}
}
