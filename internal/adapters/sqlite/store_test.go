package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tradeguard/internal/domain"
	"tradeguard/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// setupTestStore creates a temporary database for testing
func setupTestStore(t *testing.T) (*Store, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "tradeguard-test-*")
	require.NoError(t, err)

	store, err := NewStore(Config{
		DBPath: filepath.Join(tmpDir, "test.db"),
		Logger: &mockLogger{},
	})
	require.NoError(t, err)

	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}
	return store, cleanup
}

func newPendingTrade() *domain.Trade {
	return &domain.Trade{
		Account:    "acct-1",
		Contract:   "ETH-27DEC24-3500-C",
		Side:       domain.Buy,
		EntryPrice: 0.62,
		Size:       10,
		Strategy:   "momentum-v2",
		OpenedAt:   time.Now().UTC(),
		Status:     domain.StatusPending,
	}
}

// openTrade creates a pending trade and commits pending -> open, returning
// the trade and its projection at revision 1.
func openTrade(t *testing.T, store *Store) (*domain.Trade, *domain.ActivePosition) {
	t.Helper()
	ctx := context.Background()

	trade := newPendingTrade()
	_, err := store.CreateTrade(ctx, trade)
	require.NoError(t, err)

	trade.Status = domain.StatusOpen
	pos := &domain.ActivePosition{
		TradeID:         trade.ID,
		MarkPrice:       trade.EntryPrice,
		SecondsToExpiry: 3600,
		LastEvaluatedAt: time.Now().UTC(),
		LastReason:      domain.ReasonHold,
	}
	ev := domain.NewTransitionEvent(trade.ID, domain.StatusPending, domain.StatusOpen, domain.ReasonFill, "")
	require.NoError(t, store.CommitTransition(ctx, trade, ev, pos, 0))

	stored, err := store.FindActivePosition(ctx, trade.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	return trade, stored
}

func TestStore_CreateAndFindTrade(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	trade := newPendingTrade()
	id, err := store.CreateTrade(ctx, trade)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	found, err := store.FindTrade(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, trade.Account, found.Account)
	assert.Equal(t, trade.Contract, found.Contract)
	assert.Equal(t, domain.StatusPending, found.Status)
	assert.Nil(t, found.ClosedAt)
	assert.Nil(t, found.ExitPrice)

	missing, err := store.FindTrade(ctx, 9999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_CommitTransition_RevisionIncrements(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	trade, pos := openTrade(t, store)
	assert.Equal(t, int64(1), pos.Revision)

	// open -> closing bumps the revision exactly once.
	trade.Status = domain.StatusClosing
	pos.LastReason = domain.ReasonProbability
	ev := domain.NewTransitionEvent(trade.ID, domain.StatusOpen, domain.StatusClosing, domain.ReasonProbability, "probability_threshold")
	require.NoError(t, store.CommitTransition(ctx, trade, ev, pos, pos.Revision))

	stored, err := store.FindActivePosition(ctx, trade.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, int64(2), stored.Revision)
	assert.Equal(t, domain.ReasonProbability, stored.LastReason)
}

func TestStore_CommitTransition_Conflict(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	trade, pos := openTrade(t, store)

	trade.Status = domain.StatusClosing
	ev := domain.NewTransitionEvent(trade.ID, domain.StatusOpen, domain.StatusClosing, domain.ReasonProbability, "probability_threshold")
	err := store.CommitTransition(ctx, trade, ev, pos, pos.Revision+5)
	require.ErrorIs(t, err, ports.ErrConflict)

	// Rejected write must leave everything untouched: status, revision, event log.
	found, err := store.FindTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, found.Status)

	stored, err := store.FindActivePosition(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Revision)

	events, err := store.EventsForTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1) // only the pending -> open event
}

func TestStore_CommitTransition_InvalidTransition(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	trade, pos := openTrade(t, store)

	// open -> closed is not in the table.
	trade.Status = domain.StatusClosed
	ev := domain.NewTransitionEvent(trade.ID, domain.StatusOpen, domain.StatusClosed, domain.ReasonFill, "")
	err := store.CommitTransition(ctx, trade, ev, pos, pos.Revision)
	var invalid *domain.ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)

	found, err := store.FindTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, found.Status)
}

func TestStore_CommitTransition_StaleGuard(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	trade, pos := openTrade(t, store)

	// First close verdict wins.
	trade.Status = domain.StatusClosing
	ev := domain.NewTransitionEvent(trade.ID, domain.StatusOpen, domain.StatusClosing, domain.ReasonProbability, "probability_threshold")
	require.NoError(t, store.CommitTransition(ctx, trade, ev, pos, pos.Revision))

	// A second writer still believing the trade is open must be rejected.
	ev2 := domain.NewTransitionEvent(trade.ID, domain.StatusOpen, domain.StatusClosing, domain.ReasonMomentum, "momentum_spike")
	err := store.CommitTransition(ctx, trade, ev2, pos, pos.Revision)
	var invalid *domain.ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
}

func TestStore_TerminalTransitionSettlesTrade(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	trade, pos := openTrade(t, store)

	trade.Status = domain.StatusClosing
	ev := domain.NewTransitionEvent(trade.ID, domain.StatusOpen, domain.StatusClosing, domain.ReasonProbability, "probability_threshold")
	require.NoError(t, store.CommitTransition(ctx, trade, ev, pos, 1))

	// closing -> closed deletes the projection and settles the trade row.
	now := time.Now().UTC()
	exit := 0.41
	realized := (exit - trade.EntryPrice) * trade.Size
	trade.Status = domain.StatusClosed
	trade.ClosedAt = &now
	trade.ExitPrice = &exit
	trade.Realized = &realized
	trade.Fees = 0.12
	ev = domain.NewTransitionEvent(trade.ID, domain.StatusClosing, domain.StatusClosed, domain.ReasonFill, "")
	require.NoError(t, store.CommitTransition(ctx, trade, ev, nil, 2))

	found, err := store.FindTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, found.Status)
	require.NotNil(t, found.ClosedAt)
	require.NotNil(t, found.ExitPrice)
	assert.InDelta(t, exit, *found.ExitPrice, 1e-9)
	require.NotNil(t, found.Realized)
	assert.InDelta(t, realized, *found.Realized, 1e-9)

	gone, err := store.FindActivePosition(ctx, trade.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	events, err := store.EventsForTrade(ctx, trade.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, domain.StatusOpen, events[1].Prior)
	assert.Equal(t, domain.StatusClosing, events[1].Next)
	assert.Equal(t, domain.StatusClosed, events[2].Next)
}

func TestStore_ClosedAtIffTerminal(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	trade, pos := openTrade(t, store)

	// Non-terminal states never carry a closed_at.
	found, err := store.FindTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.False(t, found.Status.IsTerminal())
	assert.Nil(t, found.ClosedAt)

	now := time.Now().UTC()
	exit := 0.0
	trade.Status = domain.StatusExpired
	trade.ClosedAt = &now
	trade.ExitPrice = &exit
	ev := domain.NewTransitionEvent(trade.ID, domain.StatusOpen, domain.StatusExpired, domain.ReasonExpiry, "expiry")
	require.NoError(t, store.CommitTransition(ctx, trade, ev, pos, 1))

	found, err = store.FindTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.True(t, found.Status.IsTerminal())
	require.NotNil(t, found.ClosedAt)
}

func TestStore_UpdateActivePosition(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	_, pos := openTrade(t, store)

	// Evaluation-cycle update does not bump the revision.
	pos.MarkPrice = 0.55
	pos.SecondsToExpiry = 3000
	pos.LastEvaluatedAt = time.Now().UTC()
	pos.LastReason = domain.ReasonHold
	require.NoError(t, store.UpdateActivePosition(ctx, pos))

	stored, err := store.FindActivePosition(ctx, pos.TradeID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Revision)
	assert.InDelta(t, 0.55, stored.MarkPrice, 1e-9)

	// Wrong revision is a conflict.
	pos.Revision = 7
	err = store.UpdateActivePosition(ctx, pos)
	require.ErrorIs(t, err, ports.ErrConflict)
}

func TestStore_FindByStatus(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	openTrade(t, store)
	openTrade(t, store)
	pending := newPendingTrade()
	_, err := store.CreateTrade(ctx, pending)
	require.NoError(t, err)

	open, err := store.FindByStatus(ctx, domain.StatusOpen)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	pendings, err := store.FindByStatus(ctx, domain.StatusPending)
	require.NoError(t, err)
	assert.Len(t, pendings, 1)
}

func TestStore_DeadLetterAndReviewFlag(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	trade, _ := openTrade(t, store)

	dl := &domain.DeadLetter{
		EventID:   "ev-1",
		TradeID:   trade.ID,
		Sink:      "bookkeeping",
		Attempts:  5,
		LastError: "connection refused",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveDeadLetter(ctx, dl))
	// Re-recording the same event/sink pair replaces rather than duplicates.
	dl.Attempts = 6
	require.NoError(t, store.SaveDeadLetter(ctx, dl))

	require.NoError(t, store.FlagForReview(ctx, trade.ID, "notification_dead_letter"))
	found, err := store.FindTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, "notification_dead_letter", found.ReviewFlag)

	err = store.FlagForReview(ctx, 9999, "whatever")
	require.ErrorIs(t, err, ports.ErrNotFound)
}
