package ports

import (
	"context"

	"tradeguard/internal/domain"
)

// Store defines transactional persistence over trades, active positions and
// the transition-event log, independent of the backing engine.
type Store interface {
	// CreateTrade saves a new trade and returns its assigned ID.
	CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error)
	// FindTrade retrieves a trade by its unique ID.
	// Returns nil, nil if not found.
	FindTrade(ctx context.Context, id int64) (*domain.Trade, error)
	// FindByStatus retrieves all trades in the given lifecycle state.
	FindByStatus(ctx context.Context, status domain.TradeStatus) ([]*domain.Trade, error)

	// CommitTransition applies a lifecycle state change in a single
	// transaction: the trade row moves from event.Prior to event.Next (taking
	// settlement fields from trade), the transition event is appended, and the
	// active-position projection is written with revision expectedRevision+1
	// (compare-and-set against expectedRevision) or deleted when event.Next is
	// terminal. The whole write commits or fails together.
	//
	// pos must be non-nil for non-terminal targets and is ignored for terminal
	// ones. For pending -> open there is no prior projection; pass
	// expectedRevision 0 and the projection row is created at revision 1.
	//
	// Returns ErrConflict when the stored revision does not match
	// expectedRevision, and an error wrapping domain.ErrInvalidTransition when
	// the trade row is no longer in event.Prior.
	CommitTransition(ctx context.Context, trade *domain.Trade, event *domain.TransitionEvent, pos *domain.ActivePosition, expectedRevision int64) error

	// CreateActivePosition inserts the working-set projection for a trade that
	// just entered the open state.
	CreateActivePosition(ctx context.Context, pos *domain.ActivePosition) error
	// UpdateActivePosition persists evaluation-cycle fields (mark price,
	// unrealized, expiry, last-evaluated-at, last reason) without bumping the
	// revision. The write is compare-and-set on pos.Revision and returns
	// ErrConflict on mismatch.
	UpdateActivePosition(ctx context.Context, pos *domain.ActivePosition) error
	// FindActivePosition retrieves the projection for a trade.
	// Returns nil, nil if the trade has no working-set entry.
	FindActivePosition(ctx context.Context, tradeID int64) (*domain.ActivePosition, error)
	// ListActivePositions retrieves the full working set.
	ListActivePositions(ctx context.Context) ([]*domain.ActivePosition, error)

	// EventsForTrade retrieves the transition events for a trade in commit order.
	EventsForTrade(ctx context.Context, tradeID int64) ([]*domain.TransitionEvent, error)

	// SaveDeadLetter durably records a notification that exhausted its retry
	// budget, for manual resolution.
	SaveDeadLetter(ctx context.Context, dl *domain.DeadLetter) error
	// FlagForReview marks a trade for operator attention.
	FlagForReview(ctx context.Context, tradeID int64, flag string) error

	// Close releases the underlying connections.
	Close() error
}
