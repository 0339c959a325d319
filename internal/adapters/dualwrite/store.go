package dualwrite

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"tradeguard/internal/domain"
	"tradeguard/internal/ports"
)

// Store applies every logical write to a primary and a secondary backend and
// compares the resulting rows for numeric and identity drift. The secondary
// is advisory during a migration window: its failures and any detected drift
// are reported on the audit channel but never block the primary write.
// All reads are served by the primary.
type Store struct {
	primary   ports.Store
	secondary ports.Store
	audit     ports.Logger
	tolerance float64
	onDrift   func(field string)

	driftCount int64
}

// Config holds configuration for the dual-write store.
type Config struct {
	Primary   ports.Store
	Secondary ports.Store
	// Audit receives one line per detected drift or secondary failure.
	Audit ports.Logger
	// Tolerance is the maximum absolute difference allowed between numeric
	// fields before they count as drift.
	Tolerance float64
	// OnDrift, if set, is invoked once per drifting field (metrics hook).
	OnDrift func(field string)
}

var _ ports.Store = (*Store)(nil)

// NewStore creates a dual-write store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Primary == nil || cfg.Secondary == nil {
		return nil, fmt.Errorf("dual-write store requires both a primary and a secondary backend")
	}
	if cfg.Audit == nil {
		return nil, fmt.Errorf("audit logger is required for dual-write store")
	}
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = 1e-9
	}
	return &Store{
		primary:   cfg.Primary,
		secondary: cfg.Secondary,
		audit:     cfg.Audit,
		tolerance: tolerance,
		onDrift:   cfg.OnDrift,
	}, nil
}

// DriftCount returns the number of drifting fields detected so far.
func (s *Store) DriftCount() int64 {
	return atomic.LoadInt64(&s.driftCount)
}

func (s *Store) recordDrift(ctx context.Context, tradeID int64, field string, primary, secondary interface{}) {
	atomic.AddInt64(&s.driftCount, 1)
	s.audit.Warn(ctx, "Backend drift detected", map[string]interface{}{
		"tradeID": tradeID, "field": field, "primary": primary, "secondary": secondary})
	if s.onDrift != nil {
		s.onDrift(field)
	}
}

func (s *Store) secondaryFailed(ctx context.Context, op string, err error) {
	s.audit.Error(ctx, err, "Secondary backend write failed", map[string]interface{}{"op": op})
}

func (s *Store) numbersDiffer(a, b float64) bool {
	return math.Abs(a-b) > s.tolerance
}

func (s *Store) nullableDiffer(a, b *float64) bool {
	if (a == nil) != (b == nil) {
		return true
	}
	return a != nil && s.numbersDiffer(*a, *b)
}

// compareTrade checks the stored trade row on both backends after a write.
func (s *Store) compareTrade(ctx context.Context, tradeID int64) {
	p, err := s.primary.FindTrade(ctx, tradeID)
	if err != nil || p == nil {
		return
	}
	q, err := s.secondary.FindTrade(ctx, tradeID)
	if err != nil {
		s.secondaryFailed(ctx, "compare trade", err)
		return
	}
	if q == nil {
		s.recordDrift(ctx, tradeID, "trade.missing", p.ID, nil)
		return
	}
	if p.Status != q.Status {
		s.recordDrift(ctx, tradeID, "trade.status", p.Status, q.Status)
	}
	if p.Account != q.Account {
		s.recordDrift(ctx, tradeID, "trade.account", p.Account, q.Account)
	}
	if p.Contract != q.Contract {
		s.recordDrift(ctx, tradeID, "trade.contract", p.Contract, q.Contract)
	}
	if s.numbersDiffer(p.EntryPrice, q.EntryPrice) {
		s.recordDrift(ctx, tradeID, "trade.entry_price", p.EntryPrice, q.EntryPrice)
	}
	if s.numbersDiffer(p.Size, q.Size) {
		s.recordDrift(ctx, tradeID, "trade.size", p.Size, q.Size)
	}
	if s.numbersDiffer(p.Fees, q.Fees) {
		s.recordDrift(ctx, tradeID, "trade.fees", p.Fees, q.Fees)
	}
	if s.nullableDiffer(p.ExitPrice, q.ExitPrice) {
		s.recordDrift(ctx, tradeID, "trade.exit_price", p.ExitPrice, q.ExitPrice)
	}
	if s.nullableDiffer(p.Realized, q.Realized) {
		s.recordDrift(ctx, tradeID, "trade.realized", p.Realized, q.Realized)
	}
	if (p.ClosedAt == nil) != (q.ClosedAt == nil) {
		s.recordDrift(ctx, tradeID, "trade.closed_at", p.ClosedAt, q.ClosedAt)
	}
}

// comparePosition checks the working-set row on both backends after a write.
func (s *Store) comparePosition(ctx context.Context, tradeID int64) {
	p, err := s.primary.FindActivePosition(ctx, tradeID)
	if err != nil {
		return
	}
	q, err := s.secondary.FindActivePosition(ctx, tradeID)
	if err != nil {
		s.secondaryFailed(ctx, "compare position", err)
		return
	}
	if (p == nil) != (q == nil) {
		s.recordDrift(ctx, tradeID, "position.presence", p != nil, q != nil)
		return
	}
	if p == nil {
		return
	}
	if p.Revision != q.Revision {
		s.recordDrift(ctx, tradeID, "position.revision", p.Revision, q.Revision)
	}
	if s.numbersDiffer(p.MarkPrice, q.MarkPrice) {
		s.recordDrift(ctx, tradeID, "position.mark_price", p.MarkPrice, q.MarkPrice)
	}
	if s.numbersDiffer(p.Unrealized, q.Unrealized) {
		s.recordDrift(ctx, tradeID, "position.unrealized", p.Unrealized, q.Unrealized)
	}
	if s.numbersDiffer(p.SecondsToExpiry, q.SecondsToExpiry) {
		s.recordDrift(ctx, tradeID, "position.seconds_to_expiry", p.SecondsToExpiry, q.SecondsToExpiry)
	}
}

// --- ports.Store ---

// CreateTrade writes to both backends. Each backend assigns its own ID;
// identity divergence between them is drift.
func (s *Store) CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error) {
	id, err := s.primary.CreateTrade(ctx, trade)
	if err != nil {
		return 0, err
	}
	shadow := *trade
	shadow.ID = id
	if _, err := s.secondary.CreateTrade(ctx, &shadow); err != nil {
		s.secondaryFailed(ctx, "create trade", err)
	} else if shadow.ID != id {
		s.recordDrift(ctx, id, "trade.id", id, shadow.ID)
	}
	s.compareTrade(ctx, id)
	return id, nil
}

func (s *Store) FindTrade(ctx context.Context, id int64) (*domain.Trade, error) {
	return s.primary.FindTrade(ctx, id)
}

func (s *Store) FindByStatus(ctx context.Context, status domain.TradeStatus) ([]*domain.Trade, error) {
	return s.primary.FindByStatus(ctx, status)
}

// CommitTransition commits on the primary, replays on the secondary, and
// compares both rows around the replay. The pre-replay comparison runs while
// both backends still hold their last-synced state: the replay overwrites the
// secondary, so divergence that crept in out of band must be recorded first.
func (s *Store) CommitTransition(ctx context.Context, trade *domain.Trade, event *domain.TransitionEvent, pos *domain.ActivePosition, expectedRevision int64) error {
	s.compareTrade(ctx, event.TradeID)
	s.comparePosition(ctx, event.TradeID)
	if err := s.primary.CommitTransition(ctx, trade, event, pos, expectedRevision); err != nil {
		return err
	}
	if err := s.secondary.CommitTransition(ctx, trade, event, pos, expectedRevision); err != nil {
		s.secondaryFailed(ctx, "commit transition", err)
	}
	s.compareTrade(ctx, event.TradeID)
	s.comparePosition(ctx, event.TradeID)
	return nil
}

func (s *Store) CreateActivePosition(ctx context.Context, pos *domain.ActivePosition) error {
	if err := s.primary.CreateActivePosition(ctx, pos); err != nil {
		return err
	}
	if err := s.secondary.CreateActivePosition(ctx, pos); err != nil {
		s.secondaryFailed(ctx, "create active position", err)
	}
	s.comparePosition(ctx, pos.TradeID)
	return nil
}

func (s *Store) UpdateActivePosition(ctx context.Context, pos *domain.ActivePosition) error {
	// Pre-replay check, same reasoning as CommitTransition.
	s.comparePosition(ctx, pos.TradeID)
	if err := s.primary.UpdateActivePosition(ctx, pos); err != nil {
		return err
	}
	if err := s.secondary.UpdateActivePosition(ctx, pos); err != nil {
		s.secondaryFailed(ctx, "update active position", err)
	}
	s.comparePosition(ctx, pos.TradeID)
	return nil
}

func (s *Store) FindActivePosition(ctx context.Context, tradeID int64) (*domain.ActivePosition, error) {
	return s.primary.FindActivePosition(ctx, tradeID)
}

func (s *Store) ListActivePositions(ctx context.Context) ([]*domain.ActivePosition, error) {
	return s.primary.ListActivePositions(ctx)
}

func (s *Store) EventsForTrade(ctx context.Context, tradeID int64) ([]*domain.TransitionEvent, error) {
	return s.primary.EventsForTrade(ctx, tradeID)
}

func (s *Store) SaveDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	if err := s.primary.SaveDeadLetter(ctx, dl); err != nil {
		return err
	}
	if err := s.secondary.SaveDeadLetter(ctx, dl); err != nil {
		s.secondaryFailed(ctx, "save dead letter", err)
	}
	return nil
}

func (s *Store) FlagForReview(ctx context.Context, tradeID int64, flag string) error {
	if err := s.primary.FlagForReview(ctx, tradeID, flag); err != nil {
		return err
	}
	if err := s.secondary.FlagForReview(ctx, tradeID, flag); err != nil {
		s.secondaryFailed(ctx, "flag for review", err)
	}
	return nil
}

// Close closes both backends, returning the first error.
func (s *Store) Close() error {
	errPrimary := s.primary.Close()
	if err := s.secondary.Close(); errPrimary == nil {
		return err
	}
	return errPrimary
}
