package marketfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"tradeguard/internal/ports"
)

// Client reads contract snapshots from the market-data service over HTTP.
// The service computes momentum and probability itself; this client only
// fetches and validates.
type Client struct {
	baseURL string
	http    *http.Client
	logger  ports.Logger
}

// Config holds configuration for the market feed client.
type Config struct {
	BaseURL string
	Logger  ports.Logger
	// Timeout bounds each request end to end. The supervision loop applies
	// its own per-fetch context deadline on top.
	Timeout time.Duration
}

var _ ports.MarketDataSource = (*Client)(nil)

// NewClient creates a market feed client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("market feed base URL is required: %w", ports.ErrConfigurationError)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for market feed client")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
	}, nil
}

// snapshotResponse is the service's wire format.
type snapshotResponse struct {
	Contract        string    `json:"contract"`
	MarkPrice       float64   `json:"mark_price"`
	Momentum        float64   `json:"momentum"`
	Probability     float64   `json:"probability"`
	SecondsToExpiry float64   `json:"seconds_to_expiry"`
	At              time.Time `json:"at"`
}

// Snapshot fetches the latest published values for a contract.
func (c *Client) Snapshot(ctx context.Context, contract string) (*ports.MarketSnapshot, error) {
	endpoint := fmt.Sprintf("%s/v1/snapshot?contract=%s", c.baseURL, url.QueryEscape(contract))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build snapshot request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot request for %s failed: %w", contract, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("no snapshot for contract %s: %w", contract, ports.ErrNotFound)
	default:
		return nil, fmt.Errorf("snapshot request for %s returned status %d", contract, resp.StatusCode)
	}

	var body snapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot for %s: %w", contract, err)
	}
	if body.At.IsZero() {
		return nil, fmt.Errorf("snapshot for %s carries no timestamp", contract)
	}
	if body.Probability < 0 || body.Probability > 1 {
		return nil, fmt.Errorf("snapshot for %s carries probability %v outside [0,1]", contract, body.Probability)
	}

	return &ports.MarketSnapshot{
		Contract:        body.Contract,
		MarkPrice:       body.MarkPrice,
		Momentum:        body.Momentum,
		Probability:     body.Probability,
		SecondsToExpiry: body.SecondsToExpiry,
		At:              body.At,
	}, nil
}
