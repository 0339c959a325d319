package ports

import "context"

// Logger is the leveled, structured logging interface used across the
// supervision service. Optional field maps carry structured context such as
// trade IDs and stop reasons; the drift audit channel uses a second instance
// of the same interface.
type Logger interface {
	// Debug logs per-evaluation detail, normally suppressed in production.
	Debug(ctx context.Context, msg string, fields ...map[string]interface{})
	// Info logs lifecycle progress.
	Info(ctx context.Context, msg string, fields ...map[string]interface{})
	// Warn logs recoverable anomalies such as stale inputs or drift.
	Warn(ctx context.Context, msg string, fields ...map[string]interface{})
	// Error logs a failure together with its underlying error. err may be nil.
	Error(ctx context.Context, err error, msg string, fields ...map[string]interface{})
}
