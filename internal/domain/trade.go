package domain

import "time"

// Trade represents one logical position attempt from entry through settlement.
type Trade struct {
	ID         int64       // Unique identifier for the trade (usually from DB)
	Account    string      // Owning account identifier
	Contract   string      // Instrument/contract reference (e.g., "ETH-27DEC24-3500-C")
	Side       Side        // Direction of the position
	EntryPrice float64     // Price at which the position was entered
	Size       float64     // Size of the position
	Strategy   string      // Strategy tag that opened the position
	OpenedAt   time.Time   // Timestamp when the position was entered
	Status     TradeStatus // Current lifecycle state
	ClosedAt   *time.Time  // Set if and only if Status is terminal
	ExitPrice  *float64    // Settlement price; set on closed and expired, nil on error
	Realized   *float64    // Realized result, set on close
	Fees       float64     // Accumulated fee total

	// ReviewFlag is set when the trade needs operator attention
	// (dead-lettered notification, exhausted escalation). Empty otherwise.
	ReviewFlag string
}

// IsActive reports whether the trade should have a working-set entry.
func (t *Trade) IsActive() bool {
	return !t.Status.IsTerminal() && t.Status != StatusPending
}
