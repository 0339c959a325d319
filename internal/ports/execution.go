package ports

import (
	"context"
	"time"

	"tradeguard/internal/domain"
)

// CloseConfirmation is the execution collaborator's answer to a close request.
// Exactly one of Filled/Rejected is meaningful; absence of any answer within
// the escalation window is handled by the supervision loop.
type CloseConfirmation struct {
	TradeID   int64     // Trade the confirmation applies to
	Filled    bool      // True when the close order filled
	FillPrice float64   // Average fill price when Filled
	Fee       float64   // Fee charged for the closing order
	At        time.Time // Collaborator timestamp
}

// ExecutionClient sends close requests to the order-routing collaborator.
// Confirmations arrive asynchronously through the supervision loop's
// ConfirmClose/RejectClose entry points.
type ExecutionClient interface {
	// RequestClose asks the execution service to flatten the position.
	RequestClose(ctx context.Context, tradeID int64, reason domain.StopReason) error
}
