package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Supervision Errors
	ErrStaleInput = errors.New("market inputs older than the staleness threshold")

	// Persistence Errors
	ErrPersistenceTimeout = errors.New("persistence call exceeded its deadline")
	ErrConflict           = errors.New("optimistic concurrency revision mismatch")
	ErrDBConnection       = errors.New("database connection error")
	ErrQueryFailed        = errors.New("database query failed")
	ErrDuplicateEntry     = errors.New("database record already exists")

	// Execution Errors
	ErrCloseRejected       = errors.New("execution service rejected the close request")
	ErrConfirmationTimeout = errors.New("no close confirmation within the escalation window")

	// Notification Errors
	ErrDeliveryFailed    = errors.New("notification delivery attempt failed")
	ErrDeliveryExhausted = errors.New("notification retry budget exhausted")
)
