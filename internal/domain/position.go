package domain

import "time"

// ActivePosition is the working-set projection of a non-terminal Trade.
// It exists only while the trade is open or closing, is mutated exclusively
// by the supervision loop, and is deleted when the trade reaches a terminal
// state.
type ActivePosition struct {
	TradeID         int64      // Trade this projection belongs to
	MarkPrice       float64    // Latest mark price seen for the contract
	Unrealized      float64    // Unrealized result at MarkPrice
	SecondsToExpiry float64    // Time remaining before the contract expires
	LastEvaluatedAt time.Time  // Timestamp of the most recent evaluation cycle
	LastReason      StopReason // Outcome of the most recent evaluation

	// Revision is the optimistic-concurrency token. Every committed state
	// transition increments it; any persisted update is rejected when the
	// stored value does not match the expected prior value.
	Revision int64
}

// UnrealizedAt recomputes the unrealized result for a mark price.
// Sized linearly in price distance from entry, signed by side.
func UnrealizedAt(side Side, entry, mark, size float64) float64 {
	if side == Sell {
		return (entry - mark) * size
	}
	return (mark - entry) * size
}
