package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tradeguard/internal/adapters/sqlite"
	"tradeguard/internal/domain"
	"tradeguard/internal/engine"
	"tradeguard/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// stubMarket serves one settable snapshot and counts fetches.
type stubMarket struct {
	mu    sync.Mutex
	snap  ports.MarketSnapshot
	err   error
	calls int
	gate  chan struct{} // when set, Snapshot blocks until the gate closes
}

func (m *stubMarket) set(prob, momentum, tte float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = ports.MarketSnapshot{
		Contract:        "ETH-27DEC24-3500-C",
		MarkPrice:       0.70,
		Momentum:        momentum,
		Probability:     prob,
		SecondsToExpiry: tte,
		At:              time.Now().UTC(),
	}
}

func (m *stubMarket) Snapshot(ctx context.Context, contract string) (*ports.MarketSnapshot, error) {
	m.mu.Lock()
	m.calls++
	gate := m.gate
	snap := m.snap
	err := m.err
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (m *stubMarket) fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// stubExecution records close requests.
type stubExecution struct {
	mu       sync.Mutex
	requests []domain.StopReason
}

func (e *stubExecution) RequestClose(ctx context.Context, tradeID int64, reason domain.StopReason) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, reason)
	return nil
}

func (e *stubExecution) closeRequests() []domain.StopReason {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.StopReason, len(e.requests))
	copy(out, e.requests)
	return out
}

// recordingDispatcher captures enqueued events synchronously.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []*domain.TransitionEvent
}

func (d *recordingDispatcher) Enqueue(event *domain.TransitionEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
}

func (d *recordingDispatcher) enqueued() []*domain.TransitionEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*domain.TransitionEvent, len(d.events))
	copy(out, d.events)
	return out
}

type fixture struct {
	store      *sqlite.Store
	market     *stubMarket
	execution  *stubExecution
	dispatcher *recordingDispatcher
	sup        *Supervisor
}

func newFixture(t *testing.T, mutate func(cfg *Config)) *fixture {
	t.Helper()

	store, err := sqlite.NewStore(sqlite.Config{
		DBPath: filepath.Join(t.TempDir(), "supervisor_test.db"),
		Logger: &mockLogger{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	eng, err := engine.New(engine.Config{
		Order: []string{"probability_threshold", "momentum_spike"},
		Conditions: []engine.Condition{
			&engine.ProbabilityThreshold{Threshold: 0.55, CooldownWindow: 30 * time.Second},
			&engine.MomentumSpike{Limit: 0.05, CooldownWindow: 30 * time.Second},
		},
		ExpiryFloorSeconds: 60,
	})
	require.NoError(t, err)

	market := &stubMarket{}
	market.set(0.80, 0, 3600)
	execution := &stubExecution{}
	dispatcher := &recordingDispatcher{}

	cfg := Config{
		Store:            store,
		Market:           market,
		Execution:        execution,
		Engine:           eng,
		Dispatcher:       dispatcher,
		Logger:           &mockLogger{},
		Cadence:          10 * time.Millisecond,
		Workers:          4,
		Staleness:        5 * time.Second,
		EscalationWindow: time.Minute,
		PersistTimeout:   2 * time.Second,
		MarketTimeout:    time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sup, err := New(cfg)
	require.NoError(t, err)

	return &fixture{store: store, market: market, execution: execution, dispatcher: dispatcher, sup: sup}
}

// openTrade creates a pending trade and drives it open through the fill path.
func (f *fixture) openTrade(t *testing.T) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := f.store.CreateTrade(ctx, &domain.Trade{
		Account:    "acct-1",
		Contract:   "ETH-27DEC24-3500-C",
		Side:       domain.Buy,
		EntryPrice: 0.80,
		Size:       10,
		Strategy:   "theta-harvest",
		OpenedAt:   time.Now().UTC(),
		Status:     domain.StatusPending,
	})
	require.NoError(t, err)
	require.NoError(t, f.sup.HandleFill(ctx, id, 0.80, time.Now().UTC()))
	return id
}

func (f *fixture) status(t *testing.T, id int64) domain.TradeStatus {
	t.Helper()
	trade, err := f.store.FindTrade(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, trade)
	return trade.Status
}

func TestSupervisor_HandleFillAdmitsTrade(t *testing.T) {
	f := newFixture(t, nil)
	id := f.openTrade(t)

	assert.Equal(t, domain.StatusOpen, f.status(t, id))
	assert.Equal(t, 1, f.sup.WorkingSetSize())

	pos, err := f.store.FindActivePosition(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, int64(1), pos.Revision)

	events := f.dispatcher.enqueued()
	require.Len(t, events, 1)
	assert.Equal(t, domain.StatusPending, events[0].Prior)
	assert.Equal(t, domain.StatusOpen, events[0].Next)
}

func TestSupervisor_ProbabilityCrossingClosesTrade(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.openTrade(t)

	// Probability decays toward the 0.55 threshold over successive cycles.
	for _, p := range []float64{0.74, 0.68, 0.61} {
		f.market.set(p, 0, 3600)
		f.sup.evaluateOnce(ctx, id)
		require.Equal(t, domain.StatusOpen, f.status(t, id), "probability %v must hold", p)
	}

	f.market.set(0.55, 0, 3600)
	f.sup.evaluateOnce(ctx, id)

	require.Equal(t, domain.StatusClosing, f.status(t, id))
	requests := f.execution.closeRequests()
	require.Len(t, requests, 1)
	assert.Equal(t, domain.ReasonProbability, requests[0])

	events := f.dispatcher.enqueued()
	last := events[len(events)-1]
	assert.Equal(t, domain.StatusClosing, last.Next)
	assert.Equal(t, domain.ReasonProbability, last.Reason)
	assert.Equal(t, "probability_threshold", last.Condition)

	// Fill confirmation settles the trade.
	require.NoError(t, f.sup.ConfirmClose(ctx, ports.CloseConfirmation{
		TradeID: id, Filled: true, FillPrice: 0.55, Fee: 0.02, At: time.Now().UTC(),
	}))
	require.Equal(t, domain.StatusClosed, f.status(t, id))
	assert.Equal(t, 0, f.sup.WorkingSetSize())

	trade, err := f.store.FindTrade(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, trade.ExitPrice)
	assert.InDelta(t, 0.55, *trade.ExitPrice, 1e-9)
	require.NotNil(t, trade.Realized)
	// (0.55 - 0.80) * 10 - 0.02 fee
	assert.InDelta(t, -2.52, *trade.Realized, 1e-9)

	pos, err := f.store.FindActivePosition(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, pos, "settled trade must leave the working set")
}

func TestSupervisor_StaleInputsHold(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.openTrade(t)

	// Inputs that would stop the trade, but too old to act on.
	f.market.set(0.10, -0.50, 3600)
	f.market.mu.Lock()
	f.market.snap.At = time.Now().UTC().Add(-time.Minute)
	f.market.mu.Unlock()

	f.sup.evaluateOnce(ctx, id)

	assert.Equal(t, domain.StatusOpen, f.status(t, id))
	assert.Empty(t, f.execution.closeRequests())

	pos, err := f.store.FindActivePosition(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, domain.ReasonStaleInput, pos.LastReason)
}

func TestSupervisor_ManualOverrideWins(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.openTrade(t)

	// Conditions would also fire this cycle; the operator's close wins.
	f.market.set(0.10, -0.50, 3600)
	require.NoError(t, f.sup.RequestManualClose(id))
	f.sup.evaluateOnce(ctx, id)

	require.Equal(t, domain.StatusClosing, f.status(t, id))
	requests := f.execution.closeRequests()
	require.Len(t, requests, 1)
	assert.Equal(t, domain.ReasonManual, requests[0])

	events := f.dispatcher.enqueued()
	last := events[len(events)-1]
	assert.Equal(t, domain.ReasonManual, last.Reason)
}

func TestSupervisor_ManualOverrideOnClosingTradeRetagsReason(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.openTrade(t)

	f.market.set(0.40, 0, 3600)
	f.sup.evaluateOnce(ctx, id)
	require.Equal(t, domain.StatusClosing, f.status(t, id))

	require.NoError(t, f.sup.RequestManualClose(id))
	f.market.set(0.40, 0, 3600)
	f.sup.evaluateOnce(ctx, id)

	// Still closing, no duplicate close request, reason re-tagged.
	assert.Equal(t, domain.StatusClosing, f.status(t, id))
	assert.Len(t, f.execution.closeRequests(), 1)
	pos, err := f.store.FindActivePosition(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, domain.ReasonManual, pos.LastReason)
}

func TestSupervisor_ExpirySettlesTrade(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.openTrade(t)

	f.market.set(0.80, 0, 0)
	f.sup.evaluateOnce(ctx, id)

	require.Equal(t, domain.StatusExpired, f.status(t, id))
	assert.Equal(t, 0, f.sup.WorkingSetSize())
	assert.Empty(t, f.execution.closeRequests(), "expiry settles directly, no close request")

	trade, err := f.store.FindTrade(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, trade.ExitPrice)
	assert.InDelta(t, 0.70, *trade.ExitPrice, 1e-9, "expired trade settles at the last mark price")
}

func TestSupervisor_EscalationReassertsOnceThenErrors(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.EscalationWindow = 30 * time.Millisecond })
	ctx := context.Background()
	id := f.openTrade(t)

	f.market.set(0.40, 0, 3600)
	f.sup.evaluateOnce(ctx, id)
	require.Equal(t, domain.StatusClosing, f.status(t, id))

	// No confirmation ever arrives: one re-assert, then operator escalation.
	require.Eventually(t, func() bool {
		return f.status(t, id) == domain.StatusError
	}, 2*time.Second, 5*time.Millisecond)

	assert.Len(t, f.execution.closeRequests(), 2, "exactly one re-assert after the original request")
	assert.Equal(t, 0, f.sup.WorkingSetSize())

	trade, err := f.store.FindTrade(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "execution_confirmation_timeout", trade.ReviewFlag)

	events := f.dispatcher.enqueued()
	last := events[len(events)-1]
	assert.Equal(t, domain.StatusError, last.Next)
	assert.Equal(t, domain.ReasonEscalation, last.Reason)
}

func TestSupervisor_ConfirmationCancelsEscalation(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.EscalationWindow = 50 * time.Millisecond })
	ctx := context.Background()
	id := f.openTrade(t)

	f.market.set(0.40, 0, 3600)
	f.sup.evaluateOnce(ctx, id)
	require.Equal(t, domain.StatusClosing, f.status(t, id))

	require.NoError(t, f.sup.ConfirmClose(ctx, ports.CloseConfirmation{
		TradeID: id, Filled: true, FillPrice: 0.40, At: time.Now().UTC(),
	}))
	require.Equal(t, domain.StatusClosed, f.status(t, id))

	// The canceled window must not fire a re-assert afterwards.
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, f.execution.closeRequests(), 1)
	assert.Equal(t, domain.StatusClosed, f.status(t, id))
}

func TestSupervisor_RejectCloseEscalatesToError(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.EscalationWindow = time.Minute })
	ctx := context.Background()
	id := f.openTrade(t)

	f.market.set(0.40, 0, 3600)
	f.sup.evaluateOnce(ctx, id)
	require.Equal(t, domain.StatusClosing, f.status(t, id))

	require.NoError(t, f.sup.RejectClose(ctx, id))
	require.Equal(t, domain.StatusError, f.status(t, id))
	assert.Equal(t, 0, f.sup.WorkingSetSize())

	trade, err := f.store.FindTrade(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "close_rejected", trade.ReviewFlag)
}

func TestSupervisor_InFlightEvaluationSkipsTick(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.openTrade(t)

	gate := make(chan struct{})
	f.market.mu.Lock()
	f.market.gate = gate
	f.market.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.sup.evaluateOnce(ctx, id)
	}()

	// Wait until the first evaluation is parked inside the market fetch, then
	// tick again: the second cycle must skip, not queue behind the first.
	require.Eventually(t, func() bool { return f.market.fetches() == 1 }, time.Second, time.Millisecond)
	f.sup.evaluateOnce(ctx, id)
	assert.Equal(t, 1, f.market.fetches(), "skipped tick must not fetch market data")

	close(gate)
	wg.Wait()
	assert.Equal(t, domain.StatusOpen, f.status(t, id))
}

func TestSupervisor_ConcurrentEvaluationsSingleFlight(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.openTrade(t)

	gate := make(chan struct{})
	f.market.mu.Lock()
	f.market.gate = gate
	f.market.mu.Unlock()

	var parked sync.WaitGroup
	parked.Add(1)
	go func() {
		defer parked.Done()
		f.sup.evaluateOnce(ctx, id)
	}()
	require.Eventually(t, func() bool { return f.market.fetches() == 1 }, time.Second, time.Millisecond)

	// A burst of workers racing for the same trade while one evaluation is in
	// flight: every one of them must skip immediately rather than queue.
	const workers = 16
	var burst sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		burst.Add(1)
		go func() {
			defer burst.Done()
			<-start
			f.sup.evaluateOnce(ctx, id)
		}()
	}
	close(start)
	burst.Wait()
	assert.Equal(t, 1, f.market.fetches(), "only the in-flight evaluation may touch market data")

	close(gate)
	parked.Wait()
	assert.Equal(t, domain.StatusOpen, f.status(t, id))

	// With the lock released the next tick evaluates normally again.
	f.sup.evaluateOnce(ctx, id)
	assert.Equal(t, 2, f.market.fetches())
}

func TestSupervisor_RestoreRebuildsWorkingSet(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.openTrade(t)
	}
	require.Equal(t, 3, f.sup.WorkingSetSize())

	// A fresh supervisor over the same store picks the open trades back up.
	eng, err := engine.New(engine.Config{
		Order:              []string{"probability_threshold"},
		Conditions:         []engine.Condition{&engine.ProbabilityThreshold{Threshold: 0.55}},
		ExpiryFloorSeconds: 60,
	})
	require.NoError(t, err)
	fresh, err := New(Config{
		Store:      f.store,
		Market:     f.market,
		Execution:  f.execution,
		Engine:     eng,
		Dispatcher: f.dispatcher,
		Logger:     &mockLogger{},
		Cadence:    10 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, fresh.restore(ctx))
	assert.Equal(t, 3, fresh.WorkingSetSize())
}

func TestSupervisor_MarketFetchFailureRetriesNextTick(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.openTrade(t)

	f.market.mu.Lock()
	f.market.err = fmt.Errorf("feed unavailable")
	f.market.mu.Unlock()

	f.sup.evaluateOnce(ctx, id)
	assert.Equal(t, domain.StatusOpen, f.status(t, id))
	assert.Equal(t, 1, f.sup.WorkingSetSize(), "fetch failure must not evict the trade")

	f.market.set(0.80, 0, 3600)
	f.sup.evaluateOnce(ctx, id)
	assert.Equal(t, domain.StatusOpen, f.status(t, id))
}
