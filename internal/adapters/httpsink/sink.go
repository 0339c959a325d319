package httpsink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"tradeguard/internal/domain"
	"tradeguard/internal/ports"
)

// Sink posts transition events to a dependent service as JSON webhooks.
// Delivery is at-least-once; the event ID lets the receiver deduplicate.
type Sink struct {
	name     string
	endpoint string
	http     *http.Client
}

// Config holds configuration for one webhook sink.
type Config struct {
	// Name identifies the sink in queues, dead letters and metrics.
	Name string
	// Endpoint receives a POST per transition event.
	Endpoint string
	Timeout  time.Duration
}

var _ ports.NotificationSink = (*Sink)(nil)

// NewSink creates a webhook notification sink.
func NewSink(cfg Config) (*Sink, error) {
	if cfg.Name == "" || cfg.Endpoint == "" {
		return nil, fmt.Errorf("sink name and endpoint are required: %w", ports.ErrConfigurationError)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Sink{
		name:     cfg.Name,
		endpoint: cfg.Endpoint,
		http:     &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (s *Sink) Name() string { return s.name }

// eventPayload is the webhook wire format.
type eventPayload struct {
	EventID   string    `json:"event_id"`
	TradeID   int64     `json:"trade_id"`
	Prior     string    `json:"prior"`
	Next      string    `json:"next"`
	Reason    string    `json:"reason"`
	Condition string    `json:"condition,omitempty"`
	At        time.Time `json:"at"`
}

// Deliver posts one event. Any non-2xx answer counts as a failed attempt and
// is retried by the dispatcher.
func (s *Sink) Deliver(ctx context.Context, event *domain.TransitionEvent) error {
	payload, err := json.Marshal(eventPayload{
		EventID:   event.EventID,
		TradeID:   event.TradeID,
		Prior:     string(event.Prior),
		Next:      string(event.Next),
		Reason:    string(event.Reason),
		Condition: event.Condition,
		At:        event.At,
	})
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event.EventID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", event.EventID)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("delivery to %s failed: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("delivery to %s returned status %d: %w", s.name, resp.StatusCode, ports.ErrDeliveryFailed)
	}
	return nil
}
