package execution

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

// Client sends close requests to the order-routing service over HTTP. The
// service answers requests with an acknowledgement only; fill confirmations
// and rejections arrive later through the supervisor's callback endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	logger  ports.Logger
}

// Config holds configuration for the execution client.
type Config struct {
	BaseURL string
	Logger  ports.Logger
	Timeout time.Duration
}

var _ ports.ExecutionClient = (*Client)(nil)

// NewClient creates an execution client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("execution base URL is required: %w", ports.ErrConfigurationError)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for execution client")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
	}, nil
}

type closeRequest struct {
	TradeID int64  `json:"trade_id"`
	Reason  string `json:"reason"`
}

// RequestClose asks the execution service to flatten the position. An
// immediate rejection status maps to ErrCloseRejected; anything else
// non-2xx is a transport-level failure the caller may retry.
func (c *Client) RequestClose(ctx context.Context, tradeID int64, reason domain.StopReason) error {
	payload, err := json.Marshal(closeRequest{TradeID: tradeID, Reason: string(reason)})
	if err != nil {
		return fmt.Errorf("failed to encode close request: %w", err)
	}

	endpoint := c.baseURL + "/v1/positions/close"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build close request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("close request for trade %d failed: %w", tradeID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.logger.Debug(ctx, "Close request accepted", map[string]interface{}{
			"tradeID": tradeID, "reason": reason})
		return nil
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("close request for trade %d: %w", tradeID, ports.ErrCloseRejected)
	default:
		return fmt.Errorf("close request for trade %d returned status %d", tradeID, resp.StatusCode)
	}
}
