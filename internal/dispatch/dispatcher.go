package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"tradeguard/internal/domain"
	"tradeguard/internal/ports"
)

// Dispatcher delivers committed transition events to every dependent sink
// with at-least-once semantics. Each sink gets its own queue and worker, so
// a slow or failing dependent never delays the healthy ones; within one
// sink, events are delivered in enqueue order, which preserves per-trade
// commit order. Cross-trade ordering is not guaranteed.
type Dispatcher struct {
	sinks  []ports.NotificationSink
	store  ports.Store
	logger ports.Logger

	maxAttempts     int
	backoffMin      time.Duration
	backoffMax      time.Duration
	deliveryTimeout time.Duration
	onAttempt       func(sink string, ok bool)
	onDeadLetter    func(sink string)

	mu      sync.Mutex
	queues  map[string]chan *domain.TransitionEvent
	started bool
	wg      sync.WaitGroup
}

// Config holds configuration for the dispatcher.
type Config struct {
	Sinks  []ports.NotificationSink
	Store  ports.Store
	Logger ports.Logger
	// MaxAttempts is the delivery attempt ceiling per event and sink.
	MaxAttempts int
	// BackoffMin/BackoffMax bound the exponential retry schedule.
	BackoffMin time.Duration
	BackoffMax time.Duration
	// DeliveryTimeout bounds each individual attempt.
	DeliveryTimeout time.Duration
	// QueueSize is the per-sink buffer; Enqueue blocks when it is full.
	QueueSize int
	// OnAttempt, if set, observes every delivery attempt (metrics hook).
	OnAttempt func(sink string, ok bool)
	// OnDeadLetter, if set, observes every dead-lettered event (metrics hook).
	OnDeadLetter func(sink string)
}

var _ ports.Dispatcher = (*Dispatcher)(nil)

// New creates a dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if len(cfg.Sinks) == 0 {
		return nil, fmt.Errorf("dispatcher requires at least one sink")
	}
	if cfg.Store == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for dispatcher")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 100 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	queues := make(map[string]chan *domain.TransitionEvent, len(cfg.Sinks))
	for _, sink := range cfg.Sinks {
		if _, exists := queues[sink.Name()]; exists {
			return nil, fmt.Errorf("duplicate sink name %q", sink.Name())
		}
		queues[sink.Name()] = make(chan *domain.TransitionEvent, cfg.QueueSize)
	}

	return &Dispatcher{
		sinks:           cfg.Sinks,
		store:           cfg.Store,
		logger:          cfg.Logger,
		maxAttempts:     cfg.MaxAttempts,
		backoffMin:      cfg.BackoffMin,
		backoffMax:      cfg.BackoffMax,
		deliveryTimeout: cfg.DeliveryTimeout,
		onAttempt:       cfg.OnAttempt,
		onDeadLetter:    cfg.OnDeadLetter,
		queues:          queues,
	}, nil
}

// Start launches one delivery worker per sink. Workers run until Stop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	for _, sink := range d.sinks {
		d.wg.Add(1)
		go d.run(ctx, sink, d.queues[sink.Name()])
	}
}

// Stop closes the queues and waits for in-flight deliveries to finish.
// Call only after the last Enqueue.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	for _, q := range d.queues {
		close(q)
	}
	d.started = false
	d.mu.Unlock()
	d.wg.Wait()
}

// Enqueue hands over an event for asynchronous delivery to every sink.
// Blocks when a sink's queue is full rather than dropping the event.
func (d *Dispatcher) Enqueue(event *domain.TransitionEvent) {
	for _, sink := range d.sinks {
		d.queues[sink.Name()] <- event
	}
}

func (d *Dispatcher) run(ctx context.Context, sink ports.NotificationSink, queue <-chan *domain.TransitionEvent) {
	defer d.wg.Done()
	for event := range queue {
		d.deliver(ctx, sink, event)
	}
}

// deliver pushes one event to one sink, retrying with bounded exponential
// backoff up to the attempt ceiling. Exhaustion dead-letters the event and
// flags the trade; the already-committed transition is never rolled back.
func (d *Dispatcher) deliver(ctx context.Context, sink ports.NotificationSink, event *domain.TransitionEvent) {
	b := &backoff.Backoff{
		Min:    d.backoffMin,
		Max:    d.backoffMax,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, d.deliveryTimeout)
		err := sink.Deliver(attemptCtx, event)
		cancel()

		if d.onAttempt != nil {
			d.onAttempt(sink.Name(), err == nil)
		}
		if err == nil {
			if attempt > 1 {
				d.logger.Info(ctx, "Delivery succeeded after retries", map[string]interface{}{
					"sink": sink.Name(), "eventID": event.EventID, "attempt": attempt})
			}
			return
		}
		lastErr = err
		d.logger.Warn(ctx, "Delivery attempt failed", map[string]interface{}{
			"sink": sink.Name(), "eventID": event.EventID, "attempt": attempt, "error": err.Error()})

		if attempt == d.maxAttempts {
			break
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			// Shutdown mid-retry: dead-letter what we could not deliver.
			attempt = d.maxAttempts
		}
	}

	d.deadLetter(event, sink.Name(), lastErr)
}

func (d *Dispatcher) deadLetter(event *domain.TransitionEvent, sinkName string, lastErr error) {
	if d.onDeadLetter != nil {
		d.onDeadLetter(sinkName)
	}
	// The parent context may already be canceled during shutdown; the durable
	// record still has to land, so use a fresh bounded context.
	ctx, cancel := context.WithTimeout(context.Background(), d.deliveryTimeout)
	defer cancel()

	errText := ""
	if lastErr != nil {
		errText = lastErr.Error()
	}
	dl := &domain.DeadLetter{
		EventID:   event.EventID,
		TradeID:   event.TradeID,
		Sink:      sinkName,
		Attempts:  d.maxAttempts,
		LastError: errText,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.store.SaveDeadLetter(ctx, dl); err != nil {
		d.logger.Error(ctx, err, "Failed to persist dead letter", map[string]interface{}{
			"sink": sinkName, "eventID": event.EventID})
	}
	if err := d.store.FlagForReview(ctx, event.TradeID, "notification_dead_letter"); err != nil {
		d.logger.Error(ctx, err, "Failed to flag trade for review", map[string]interface{}{
			"tradeID": event.TradeID})
	}
	d.logger.Error(ctx, ports.ErrDeliveryExhausted, "Event dead-lettered", map[string]interface{}{
		"sink": sinkName, "eventID": event.EventID, "tradeID": event.TradeID, "attempts": d.maxAttempts})
}
