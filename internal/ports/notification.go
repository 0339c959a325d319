package ports

import (
	"context"

	"tradeguard/internal/domain"
)

// NotificationSink is one dependent service receiving transition events
// (execution, bookkeeping, presentation). Delivery is at-least-once; sinks
// deduplicate on the event identifier.
type NotificationSink interface {
	// Name identifies the sink in logs, metrics and dead-letter records.
	Name() string
	// Deliver pushes one event to the dependent service. A non-nil error
	// marks the attempt failed and eligible for retry.
	Deliver(ctx context.Context, event *domain.TransitionEvent) error
}

// Dispatcher accepts committed transition events for delivery to all sinks.
type Dispatcher interface {
	// Enqueue hands over an event for asynchronous delivery. Events for the
	// same trade are delivered to each sink in enqueue order.
	Enqueue(event *domain.TransitionEvent)
}
