package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradeguard/internal/domain"
	"tradeguard/internal/engine"
	"tradeguard/internal/ports"
)

// Supervisor owns the in-memory working set of active positions, refreshes
// each one's market inputs on a fixed cadence, invokes the decision engine
// and drives stop verdicts into committed state transitions. Confirmation
// and override entry points are safe to call from other goroutines.
type Supervisor struct {
	cfg        Config
	store      ports.Store
	market     ports.MarketDataSource
	execution  ports.ExecutionClient
	engine     *engine.Engine
	dispatcher ports.Dispatcher
	logger     ports.Logger

	mu              sync.Mutex
	working         map[int64]*trackedTrade
	overrides       map[int64]domain.StopReason
	escalations     map[int64]*escalation
	persistFailures map[int64]int

	locks *lockTable
	sem   chan struct{} // bounds concurrent evaluations
	wg    sync.WaitGroup
}

// trackedTrade pairs a trade with its working-set projection.
type trackedTrade struct {
	trade *domain.Trade
	pos   *domain.ActivePosition
}

// escalation tracks the time-boxed close-confirmation window for one trade.
type escalation struct {
	timer      *time.Timer
	reasserted bool
}

// Config holds configuration for the supervisor.
type Config struct {
	Store      ports.Store
	Market     ports.MarketDataSource
	Execution  ports.ExecutionClient
	Engine     *engine.Engine
	Dispatcher ports.Dispatcher
	Logger     ports.Logger

	// Cadence is the evaluation tick interval.
	Cadence time.Duration
	// Workers caps concurrent evaluations independently of position count.
	Workers int
	// Staleness is the maximum age of market inputs; older snapshots hold.
	Staleness time.Duration
	// EscalationWindow bounds the wait for a close confirmation. After one
	// window the close request is re-asserted exactly once; after a second
	// window the trade goes to error.
	EscalationWindow time.Duration
	// PersistTimeout bounds every persistence call.
	PersistTimeout time.Duration
	// MarketTimeout bounds every market-data fetch.
	MarketTimeout time.Duration
	// MaxPersistFailures is how many consecutive timed-out cycles a trade
	// tolerates before escalating to error.
	MaxPersistFailures int

	// Metrics hooks, all optional.
	OnEvaluation func(verdict string)
	OnTransition func(to string)
	OnWorkingSet func(size int)
}

// New creates a supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Store == nil || cfg.Market == nil || cfg.Execution == nil || cfg.Engine == nil ||
		cfg.Dispatcher == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for supervisor")
	}
	if cfg.Cadence <= 0 {
		return nil, fmt.Errorf("cadence must be positive")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = 5 * time.Second
	}
	if cfg.EscalationWindow <= 0 {
		cfg.EscalationWindow = 10 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 3 * time.Second
	}
	if cfg.MarketTimeout <= 0 {
		cfg.MarketTimeout = 2 * time.Second
	}
	if cfg.MaxPersistFailures <= 0 {
		cfg.MaxPersistFailures = 5
	}
	return &Supervisor{
		cfg:             cfg,
		store:           cfg.Store,
		market:          cfg.Market,
		execution:       cfg.Execution,
		engine:          cfg.Engine,
		dispatcher:      cfg.Dispatcher,
		logger:          cfg.Logger,
		working:         make(map[int64]*trackedTrade),
		overrides:       make(map[int64]domain.StopReason),
		escalations:     make(map[int64]*escalation),
		persistFailures: make(map[int64]int),
		locks:           newLockTable(),
		sem:             make(chan struct{}, cfg.Workers),
	}, nil
}

// Start restores the working set from the store and runs the cadence loop
// until the context is canceled.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.restore(ctx); err != nil {
		return fmt.Errorf("failed to restore working set: %w", err)
	}

	ticker := time.NewTicker(s.cfg.Cadence)
	defer ticker.Stop()

	s.logger.Info(ctx, "Supervisor started", map[string]interface{}{
		"cadence": s.cfg.Cadence.String(), "workers": s.cfg.Workers, "positions": s.WorkingSetSize()})

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Supervisor stopping, waiting for in-flight evaluations")
			s.wg.Wait()
			s.cancelAllEscalations()
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// restore rebuilds the in-memory working set after a restart. Trades stuck
// in closing resume their escalation window from scratch.
func (s *Supervisor) restore(ctx context.Context) error {
	for _, status := range []domain.TradeStatus{domain.StatusOpen, domain.StatusClosing} {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
		trades, err := s.store.FindByStatus(rctx, status)
		cancel()
		if err != nil {
			return err
		}
		for _, trade := range trades {
			rctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
			pos, err := s.store.FindActivePosition(rctx, trade.ID)
			cancel()
			if err != nil {
				return err
			}
			if pos == nil {
				s.logger.Warn(ctx, "Active trade has no working-set row, skipping", map[string]interface{}{
					"tradeID": trade.ID, "status": trade.Status})
				continue
			}
			s.mu.Lock()
			s.working[trade.ID] = &trackedTrade{trade: trade, pos: pos}
			s.mu.Unlock()
			if trade.Status == domain.StatusClosing {
				s.scheduleEscalation(trade.ID)
			}
		}
	}
	s.notifyWorkingSet()
	return nil
}

// sweep dispatches one evaluation per working-set trade to the worker pool.
func (s *Supervisor) sweep(ctx context.Context) {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.working))
	for id := range s.working {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		s.wg.Add(1)
		go func(tradeID int64) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.evaluateOnce(ctx, tradeID)
		}(id)
	}
}

// evaluateOnce runs at most one evaluation cycle for a trade. If a previous
// cycle's commit is still in flight the tick is skipped, never queued.
func (s *Supervisor) evaluateOnce(ctx context.Context, tradeID int64) {
	unlock, ok := s.locks.tryAcquire(tradeID)
	if !ok {
		s.logger.Debug(ctx, "Evaluation still in flight, skipping tick", map[string]interface{}{"tradeID": tradeID})
		return
	}
	defer unlock()
	s.evaluateLocked(ctx, tradeID, false)
}

// evaluateLocked is the evaluation cycle body. Caller holds the trade lock.
// retried guards the single immediate re-evaluation after a revision conflict.
func (s *Supervisor) evaluateLocked(ctx context.Context, tradeID int64, retried bool) {
	t := s.tracked(tradeID)
	if t == nil {
		return
	}

	// A pending manual override beats the loop's own verdict this cycle.
	if reason, ok := s.takeOverride(tradeID); ok {
		s.applyOverride(ctx, t, reason)
		return
	}

	mctx, cancel := context.WithTimeout(ctx, s.cfg.MarketTimeout)
	md, err := s.market.Snapshot(mctx, t.trade.Contract)
	cancel()
	if err != nil {
		s.logger.Warn(ctx, "Market snapshot fetch failed, retrying next tick", map[string]interface{}{
			"tradeID": tradeID, "contract": t.trade.Contract, "error": err.Error()})
		return
	}

	now := time.Now().UTC()
	if now.Sub(md.At) > s.cfg.Staleness {
		// Holding on stale data beats deciding on it.
		t.pos.LastEvaluatedAt = now
		t.pos.LastReason = domain.ReasonStaleInput
		s.persistEvaluation(ctx, t)
		s.notifyEvaluation("stale")
		return
	}

	t.pos.MarkPrice = md.MarkPrice
	t.pos.Unrealized = domain.UnrealizedAt(t.trade.Side, t.trade.EntryPrice, md.MarkPrice, t.trade.Size)
	t.pos.SecondsToExpiry = md.SecondsToExpiry
	t.pos.LastEvaluatedAt = now

	// The instrument's own expiry ends the trade from open or closing alike.
	if md.SecondsToExpiry <= 0 {
		s.expire(ctx, t)
		return
	}

	if t.trade.Status == domain.StatusClosing {
		// Already stopping; this cycle only refreshes observability fields.
		// The escalation timer owns what happens next.
		s.persistEvaluation(ctx, t)
		return
	}

	verdict := s.engine.Evaluate(engine.SnapshotFrom(t.trade, t.pos, md))
	if verdict.Action == engine.Hold {
		t.pos.LastReason = verdict.Reason
		s.persistEvaluation(ctx, t)
		s.notifyEvaluation("hold")
		return
	}

	// An override that landed mid-cycle still wins; the condition that fired
	// goes quiet for its cooldown window so it does not immediately contest
	// the operator's decision on a refreshed trade.
	if reason, ok := s.takeOverride(tradeID); ok {
		s.engine.Suppress(tradeID, verdict.Condition, now)
		s.applyOverride(ctx, t, reason)
		return
	}

	s.notifyEvaluation("stop")
	s.commitClosing(ctx, t, verdict, retried)
}

// applyOverride drives a manual close request. Override always wins within
// the cycle; if a stop condition also wanted to fire it is suppressed into
// its cooldown window by not being consulted at all.
func (s *Supervisor) applyOverride(ctx context.Context, t *trackedTrade, reason domain.StopReason) {
	if t.trade.Status == domain.StatusClosing {
		// Close already in flight; re-tag the reason for the operator but do
		// not restart the escalation window.
		t.pos.LastReason = reason
		s.persistEvaluation(ctx, t)
		return
	}
	s.commitClosing(ctx, t, engine.Verdict{Action: engine.Stop, Reason: reason}, false)
}

// commitClosing transitions open -> closing, persists transactionally, then
// hands the event to the dispatcher and the close request to execution.
func (s *Supervisor) commitClosing(ctx context.Context, t *trackedTrade, verdict engine.Verdict, retried bool) {
	op := "commitClosing"
	tradeID := t.trade.ID

	prior := t.trade.Status
	t.pos.LastReason = verdict.Reason
	ev := domain.NewTransitionEvent(tradeID, prior, domain.StatusClosing, verdict.Reason, verdict.Condition)

	next := *t.trade
	next.Status = domain.StatusClosing

	pctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	err := s.store.CommitTransition(pctx, &next, ev, t.pos, t.pos.Revision)
	cancel()

	switch {
	case err == nil:
		t.trade.Status = domain.StatusClosing
		t.pos.Revision++
		s.clearPersistFailures(tradeID)
		s.notifyTransition(string(domain.StatusClosing))
		s.logger.Info(ctx, op+": Position stop committed", map[string]interface{}{
			"tradeID": tradeID, "reason": verdict.Reason, "condition": verdict.Condition})
		s.dispatcher.Enqueue(ev)
		s.requestClose(ctx, tradeID, verdict.Reason)
		s.scheduleEscalation(tradeID)

	case errors.Is(err, ports.ErrConflict):
		// Another committed write beat this cycle. Re-fetch and re-evaluate
		// immediately rather than waiting out the tick, once.
		s.logger.Warn(ctx, op+": Revision conflict, re-fetching", map[string]interface{}{"tradeID": tradeID})
		if retried || !s.refresh(ctx, t) {
			return
		}
		s.evaluateLocked(ctx, tradeID, true)

	case isTimeout(err):
		// Failed cycle for this trade only; the loop itself carries on.
		s.logger.Warn(ctx, op+": Persistence timed out, retrying next tick", map[string]interface{}{"tradeID": tradeID})
		s.recordPersistFailure(ctx, t)

	default:
		var invalid *domain.ErrInvalidTransition
		if errors.As(err, &invalid) {
			s.logger.Error(ctx, err, op+": Invalid transition, marking trade for intervention", map[string]interface{}{"tradeID": tradeID})
			s.toError(ctx, t, domain.ReasonUnknown, "invalid_transition")
			return
		}
		s.logger.Error(ctx, err, op+": Transition commit failed", map[string]interface{}{"tradeID": tradeID})
	}
}

// requestClose sends the close request to the execution collaborator. A send
// failure is not fatal: the escalation timer re-asserts once and then
// escalates.
func (s *Supervisor) requestClose(ctx context.Context, tradeID int64, reason domain.StopReason) {
	ectx, cancel := context.WithTimeout(ctx, s.cfg.MarketTimeout)
	defer cancel()
	if err := s.execution.RequestClose(ectx, tradeID, reason); err != nil {
		s.logger.Error(ctx, err, "Close request send failed", map[string]interface{}{"tradeID": tradeID})
	}
}

// ConfirmClose records the execution collaborator's fill confirmation,
// settling the trade closed.
func (s *Supervisor) ConfirmClose(ctx context.Context, conf ports.CloseConfirmation) error {
	unlock := s.locks.acquire(conf.TradeID)
	defer unlock()

	t := s.tracked(conf.TradeID)
	if t == nil {
		return fmt.Errorf("trade %d is not in the working set: %w", conf.TradeID, ports.ErrNotFound)
	}
	if t.trade.Status != domain.StatusClosing {
		return fmt.Errorf("trade %d is %s, confirmation needs closing: %w",
			conf.TradeID, t.trade.Status, &domain.ErrInvalidTransition{From: t.trade.Status, To: domain.StatusClosed})
	}

	at := conf.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	exit := conf.FillPrice
	realized := domain.UnrealizedAt(t.trade.Side, t.trade.EntryPrice, exit, t.trade.Size) - conf.Fee

	next := *t.trade
	next.Status = domain.StatusClosed
	next.ClosedAt = &at
	next.ExitPrice = &exit
	next.Realized = &realized
	next.Fees = t.trade.Fees + conf.Fee

	ev := domain.NewTransitionEvent(conf.TradeID, domain.StatusClosing, domain.StatusClosed, domain.ReasonFill, "")
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	err := s.store.CommitTransition(pctx, &next, ev, nil, t.pos.Revision)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to commit close for trade %d: %w", conf.TradeID, err)
	}

	s.notifyTransition(string(domain.StatusClosed))
	s.logger.Info(ctx, "Close confirmed", map[string]interface{}{
		"tradeID": conf.TradeID, "fillPrice": exit, "realized": realized})
	s.remove(conf.TradeID)
	s.dispatcher.Enqueue(ev)
	return nil
}

// RejectClose records an explicit rejection from the execution collaborator.
// A rejected close leaves the position unclosable by the loop, so the trade
// goes straight to operator intervention.
func (s *Supervisor) RejectClose(ctx context.Context, tradeID int64) error {
	unlock := s.locks.acquire(tradeID)
	defer unlock()

	t := s.tracked(tradeID)
	if t == nil {
		return fmt.Errorf("trade %d is not in the working set: %w", tradeID, ports.ErrNotFound)
	}
	s.logger.Error(ctx, ports.ErrCloseRejected, "Close request rejected", map[string]interface{}{"tradeID": tradeID})
	s.toError(ctx, t, domain.ReasonRejected, "close_rejected")
	return nil
}

// RequestManualClose queues an operator close for the next cycle. The
// override takes precedence over the loop's own verdict for that trade.
func (s *Supervisor) RequestManualClose(tradeID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.working[tradeID]; !ok {
		return fmt.Errorf("trade %d is not in the working set: %w", tradeID, ports.ErrNotFound)
	}
	s.overrides[tradeID] = domain.ReasonManual
	return nil
}

// HandleFill records the execution collaborator's fill acknowledgement for a
// pending trade, opening it and admitting it to the working set.
func (s *Supervisor) HandleFill(ctx context.Context, tradeID int64, fillPrice float64, at time.Time) error {
	unlock := s.locks.acquire(tradeID)
	defer unlock()

	pctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	trade, err := s.store.FindTrade(pctx, tradeID)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to load trade %d for fill: %w", tradeID, err)
	}
	if trade == nil {
		return fmt.Errorf("trade %d: %w", tradeID, ports.ErrNotFound)
	}
	if trade.Status != domain.StatusPending {
		return fmt.Errorf("trade %d is %s, fill needs pending: %w",
			tradeID, trade.Status, &domain.ErrInvalidTransition{From: trade.Status, To: domain.StatusOpen})
	}

	if at.IsZero() {
		at = time.Now().UTC()
	}
	trade.Status = domain.StatusOpen
	trade.EntryPrice = fillPrice
	trade.OpenedAt = at

	pos := &domain.ActivePosition{
		TradeID:         tradeID,
		MarkPrice:       fillPrice,
		SecondsToExpiry: 0,
		LastEvaluatedAt: at,
		LastReason:      domain.ReasonHold,
		Revision:        1,
	}
	ev := domain.NewTransitionEvent(tradeID, domain.StatusPending, domain.StatusOpen, domain.ReasonFill, "")

	pctx, cancel = context.WithTimeout(ctx, s.cfg.PersistTimeout)
	err = s.store.CommitTransition(pctx, trade, ev, pos, 0)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to commit open for trade %d: %w", tradeID, err)
	}

	s.mu.Lock()
	s.working[tradeID] = &trackedTrade{trade: trade, pos: pos}
	s.mu.Unlock()
	s.notifyWorkingSet()
	s.notifyTransition(string(domain.StatusOpen))
	s.logger.Info(ctx, "Position opened", map[string]interface{}{"tradeID": tradeID, "fillPrice": fillPrice})
	s.dispatcher.Enqueue(ev)
	return nil
}

// --- internal transitions ---

// expire settles a trade whose instrument expired, from open or closing.
func (s *Supervisor) expire(ctx context.Context, t *trackedTrade) {
	tradeID := t.trade.ID
	now := time.Now().UTC()
	exit := t.pos.MarkPrice
	realized := domain.UnrealizedAt(t.trade.Side, t.trade.EntryPrice, exit, t.trade.Size)

	next := *t.trade
	next.Status = domain.StatusExpired
	next.ClosedAt = &now
	next.ExitPrice = &exit
	next.Realized = &realized

	ev := domain.NewTransitionEvent(tradeID, t.trade.Status, domain.StatusExpired, domain.ReasonExpiry, "expiry")
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	err := s.store.CommitTransition(pctx, &next, ev, nil, t.pos.Revision)
	cancel()
	if err != nil {
		if isTimeout(err) {
			s.recordPersistFailure(ctx, t)
			return
		}
		s.logger.Error(ctx, err, "Failed to commit expiry", map[string]interface{}{"tradeID": tradeID})
		return
	}

	s.notifyTransition(string(domain.StatusExpired))
	s.logger.Info(ctx, "Position expired", map[string]interface{}{"tradeID": tradeID, "exit": exit})
	s.remove(tradeID)
	s.dispatcher.Enqueue(ev)
}

// toError moves a trade to the error state and flags it for operator review.
func (s *Supervisor) toError(ctx context.Context, t *trackedTrade, reason domain.StopReason, flag string) {
	tradeID := t.trade.ID
	now := time.Now().UTC()

	next := *t.trade
	next.Status = domain.StatusError
	next.ClosedAt = &now

	ev := domain.NewTransitionEvent(tradeID, t.trade.Status, domain.StatusError, reason, "")
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	err := s.store.CommitTransition(pctx, &next, ev, nil, t.pos.Revision)
	cancel()
	if err != nil {
		s.logger.Error(ctx, err, "Failed to commit error state", map[string]interface{}{"tradeID": tradeID})
		return
	}

	fctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	if err := s.store.FlagForReview(fctx, tradeID, flag); err != nil {
		s.logger.Error(ctx, err, "Failed to flag trade for review", map[string]interface{}{"tradeID": tradeID})
	}
	cancel()

	s.notifyTransition(string(domain.StatusError))
	s.logger.Error(ctx, nil, "Trade requires operator intervention", map[string]interface{}{
		"tradeID": tradeID, "flag": flag, "reason": reason})
	s.remove(tradeID)
	s.dispatcher.Enqueue(ev)
}

// persistEvaluation writes the observability fields of an evaluation cycle.
// The revision is not bumped; a conflict means a committed transition won the
// race and the stale update is simply dropped.
func (s *Supervisor) persistEvaluation(ctx context.Context, t *trackedTrade) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	err := s.store.UpdateActivePosition(pctx, t.pos)
	cancel()
	if err == nil {
		s.clearPersistFailures(t.trade.ID)
		return
	}
	if errors.Is(err, ports.ErrConflict) {
		s.refresh(ctx, t)
		return
	}
	if isTimeout(err) {
		s.recordPersistFailure(ctx, t)
		return
	}
	s.logger.Warn(ctx, "Failed to persist evaluation", map[string]interface{}{
		"tradeID": t.trade.ID, "error": err.Error()})
}

// refresh reloads the trade and projection after a conflict. Returns false
// when the trade left the persistent working set, in which case it is also
// dropped from memory.
func (s *Supervisor) refresh(ctx context.Context, t *trackedTrade) bool {
	tradeID := t.trade.ID
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()

	trade, err := s.store.FindTrade(pctx, tradeID)
	if err != nil || trade == nil {
		s.logger.Warn(ctx, "Failed to re-fetch trade after conflict", map[string]interface{}{"tradeID": tradeID})
		return false
	}
	pos, err := s.store.FindActivePosition(pctx, tradeID)
	if err != nil {
		return false
	}
	if pos == nil || trade.Status.IsTerminal() {
		s.remove(tradeID)
		return false
	}
	t.trade = trade
	t.pos = pos
	return true
}

// recordPersistFailure counts consecutive timed-out cycles for a trade and
// escalates to error once the bound is hit.
func (s *Supervisor) recordPersistFailure(ctx context.Context, t *trackedTrade) {
	s.mu.Lock()
	s.persistFailures[t.trade.ID]++
	failures := s.persistFailures[t.trade.ID]
	s.mu.Unlock()

	if failures >= s.cfg.MaxPersistFailures {
		s.logger.Error(ctx, ports.ErrPersistenceTimeout, "Persistence failure bound reached", map[string]interface{}{
			"tradeID": t.trade.ID, "failures": failures})
		s.toError(ctx, t, domain.ReasonUnknown, "persistence_failures")
	}
}

func (s *Supervisor) clearPersistFailures(tradeID int64) {
	s.mu.Lock()
	delete(s.persistFailures, tradeID)
	s.mu.Unlock()
}

// --- escalation ---

// scheduleEscalation arms the close-confirmation window for a closing trade.
func (s *Supervisor) scheduleEscalation(tradeID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if esc, ok := s.escalations[tradeID]; ok {
		esc.timer.Stop()
	}
	esc := &escalation{}
	esc.timer = time.AfterFunc(s.cfg.EscalationWindow, func() { s.escalate(tradeID) })
	s.escalations[tradeID] = esc
}

// escalate fires when a closing trade saw neither confirmation nor rejection
// within the window: re-assert the close exactly once more, then give up and
// surface the trade to the operator.
func (s *Supervisor) escalate(tradeID int64) {
	ctx := context.Background()
	unlock := s.locks.acquire(tradeID)
	defer unlock()

	t := s.tracked(tradeID)
	if t == nil || t.trade.Status != domain.StatusClosing {
		return
	}

	s.mu.Lock()
	esc, ok := s.escalations[tradeID]
	if !ok {
		s.mu.Unlock()
		return
	}
	reasserted := esc.reasserted
	if !reasserted {
		esc.reasserted = true
		esc.timer = time.AfterFunc(s.cfg.EscalationWindow, func() { s.escalate(tradeID) })
	}
	s.mu.Unlock()

	if !reasserted {
		s.logger.Warn(ctx, "No close confirmation within window, re-asserting once", map[string]interface{}{
			"tradeID": tradeID, "window": s.cfg.EscalationWindow.String()})
		s.requestClose(ctx, tradeID, t.pos.LastReason)
		return
	}

	s.logger.Error(ctx, ports.ErrConfirmationTimeout, "Close confirmation never arrived", map[string]interface{}{"tradeID": tradeID})
	s.toError(ctx, t, domain.ReasonEscalation, "execution_confirmation_timeout")
}

func (s *Supervisor) cancelEscalation(tradeID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if esc, ok := s.escalations[tradeID]; ok {
		esc.timer.Stop()
		delete(s.escalations, tradeID)
	}
}

func (s *Supervisor) cancelAllEscalations() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, esc := range s.escalations {
		esc.timer.Stop()
		delete(s.escalations, id)
	}
}

// --- working set bookkeeping ---

func (s *Supervisor) tracked(tradeID int64) *trackedTrade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.working[tradeID]
}

func (s *Supervisor) takeOverride(tradeID int64) (domain.StopReason, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason, ok := s.overrides[tradeID]
	if ok {
		delete(s.overrides, tradeID)
	}
	return reason, ok
}

// remove drops a trade from the working set once it reached a terminal state.
func (s *Supervisor) remove(tradeID int64) {
	s.cancelEscalation(tradeID)
	s.mu.Lock()
	delete(s.working, tradeID)
	delete(s.overrides, tradeID)
	delete(s.persistFailures, tradeID)
	s.mu.Unlock()
	s.locks.forget(tradeID)
	s.engine.Forget(tradeID)
	s.notifyWorkingSet()
}

// WorkingSetSize reports the number of positions under supervision.
func (s *Supervisor) WorkingSetSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.working)
}

func (s *Supervisor) notifyEvaluation(verdict string) {
	if s.cfg.OnEvaluation != nil {
		s.cfg.OnEvaluation(verdict)
	}
}

func (s *Supervisor) notifyTransition(to string) {
	if s.cfg.OnTransition != nil {
		s.cfg.OnTransition(to)
	}
}

func (s *Supervisor) notifyWorkingSet() {
	if s.cfg.OnWorkingSet != nil {
		s.cfg.OnWorkingSet(s.WorkingSetSize())
	}
}

// isTimeout reports whether a persistence error was a deadline problem
// rather than a logical failure.
func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ports.ErrTimeout) ||
		errors.Is(err, ports.ErrPersistenceTimeout)
}
