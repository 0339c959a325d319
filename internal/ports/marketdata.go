package ports

import (
	"context"
	"time"
)

// MarketSnapshot carries the latest published inputs for one contract.
// At is the collaborator's own timestamp; the supervision loop treats
// snapshots older than its staleness threshold as unusable.
type MarketSnapshot struct {
	Contract        string    // Instrument the values refer to
	MarkPrice       float64   // Latest mark price
	Momentum        float64   // Short-horizon momentum indicator, signed
	Probability     float64   // Computed probability of a favorable outcome, 0..1
	SecondsToExpiry float64   // Time remaining before the instrument expires
	At              time.Time // When the collaborator produced these values
}

// MarketDataSource is the read interface onto the market-data collaborator.
type MarketDataSource interface {
	// Snapshot returns the latest published values for a contract.
	Snapshot(ctx context.Context, contract string) (*MarketSnapshot, error)
}
