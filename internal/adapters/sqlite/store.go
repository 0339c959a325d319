package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tradeguard/internal/domain"
	"tradeguard/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Store implements ports.Store using an embedded single-file SQLite database.
// Suitable for single-instance/low-volume deployments; the networked postgres
// adapter covers the concurrent/high-volume case behind the same interface.
type Store struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite store.
type Config struct {
	DBPath string
	Logger ports.Logger
	// MaxOpenConns caps the driver-level pool. SQLite serializes writers
	// itself, so the default of 1 is usually right.
	MaxOpenConns int
}

var _ ports.Store = (*Store)(nil)

// NewStore creates a new SQLite store instance and initializes the schema.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite store")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/tradeguard.db" // Default path
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency between the supervision workers.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	maxConns := cfg.MaxOpenConns
	if maxConns <= 0 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(time.Hour)

	store := &Store{db: db, logger: cfg.Logger}

	if err := store.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite store initialized", map[string]interface{}{"path": dbPath})

	return store, nil
}

// initializeSchema creates tables if they don't exist.
// NOTE: This is a basic approach. A proper migration tool is recommended for production.
func (s *Store) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account TEXT NOT NULL,
		contract TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		size REAL NOT NULL,
		strategy TEXT NOT NULL,
		opened_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		closed_at TIMESTAMP DEFAULT NULL,
		exit_price REAL DEFAULT NULL,
		realized REAL DEFAULT NULL,
		fees REAL NOT NULL DEFAULT 0,
		review_flag TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_trades_status ON trades (status);

	CREATE TABLE IF NOT EXISTS active_positions (
		trade_id INTEGER PRIMARY KEY,
		mark_price REAL NOT NULL,
		unrealized REAL NOT NULL,
		seconds_to_expiry REAL NOT NULL,
		last_evaluated_at TIMESTAMP NOT NULL,
		last_reason TEXT NOT NULL,
		revision INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transition_events (
		event_id TEXT PRIMARY KEY,
		trade_id INTEGER NOT NULL,
		prior_status TEXT NOT NULL,
		next_status TEXT NOT NULL,
		reason TEXT NOT NULL,
		condition_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_trade ON transition_events (trade_id);

	CREATE TABLE IF NOT EXISTS dead_letters (
		event_id TEXT NOT NULL,
		trade_id INTEGER NOT NULL,
		sink TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		last_error TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (event_id, sink)
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		s.logger.Info(context.Background(), "Closing SQLite store")
		return s.db.Close()
	}
	return nil
}

// --- Trades ---

// CreateTrade saves a new trade and returns its assigned ID.
func (s *Store) CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error) {
	const query = `
	INSERT INTO trades (account, contract, side, entry_price, size, strategy, opened_at, status, fees, review_flag)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		trade.Account, trade.Contract, trade.Side, trade.EntryPrice, trade.Size,
		trade.Strategy, trade.OpenedAt, trade.Status, trade.Fees, trade.ReviewFlag)
	if err != nil {
		return 0, fmt.Errorf("failed to insert trade for contract %s: %w", trade.Contract, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for trade %s: %w", trade.Contract, err)
	}
	trade.ID = id
	s.logger.Debug(ctx, "Trade created", map[string]interface{}{"tradeID": id, "contract": trade.Contract})
	return id, nil
}

const tradeColumns = `id, account, contract, side, entry_price, size, strategy, opened_at, status,
	       closed_at, exit_price, realized, fees, review_flag`

// FindTrade retrieves a trade by its unique ID.
func (s *Store) FindTrade(ctx context.Context, id int64) (*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	trade, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("failed to query trade by ID %d: %w", id, err)
	}
	return trade, nil
}

// FindByStatus retrieves all trades in the given lifecycle state.
func (s *Store) FindByStatus(ctx context.Context, status domain.TradeStatus) ([]*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE status = ? ORDER BY opened_at`

	rows, err := s.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades by status %s: %w", status, err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade during FindByStatus: %w", err)
		}
		trades = append(trades, trade)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}
	return trades, nil
}

// --- Transitions ---

// CommitTransition applies a lifecycle state change transactionally.
// See ports.Store for the full contract.
func (s *Store) CommitTransition(ctx context.Context, trade *domain.Trade, event *domain.TransitionEvent, pos *domain.ActivePosition, expectedRevision int64) error {
	if err := domain.CheckTransition(event.Prior, event.Next); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transition tx for trade %d: %w", event.TradeID, err)
	}
	defer tx.Rollback()

	// Trade row moves only when still in the expected prior state.
	var closedAt sql.NullTime
	var exitPrice, realized sql.NullFloat64
	if trade.ClosedAt != nil {
		closedAt = sql.NullTime{Time: *trade.ClosedAt, Valid: true}
	}
	if trade.ExitPrice != nil {
		exitPrice = sql.NullFloat64{Float64: *trade.ExitPrice, Valid: true}
	}
	if trade.Realized != nil {
		realized = sql.NullFloat64{Float64: *trade.Realized, Valid: true}
	}

	result, err := tx.ExecContext(ctx, `
	UPDATE trades SET status = ?, closed_at = ?, exit_price = ?, realized = ?, fees = ?
	WHERE id = ? AND status = ?`,
		event.Next, closedAt, exitPrice, realized, trade.Fees, event.TradeID, event.Prior)
	if err != nil {
		return fmt.Errorf("failed to update trade %d status: %w", event.TradeID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for trade %d: %w", event.TradeID, err)
	}
	if affected == 0 {
		// Either the trade is gone or it moved underneath us.
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM trades WHERE id = ?`, event.TradeID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("trade %d not found for transition: %w", event.TradeID, ports.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read trade %d status after guard failure: %w", event.TradeID, err)
		}
		return fmt.Errorf("trade %d is %s, not %s: %w", event.TradeID, current, event.Prior,
			&domain.ErrInvalidTransition{From: domain.TradeStatus(current), To: event.Next})
	}

	// Working-set projection: create, CAS-update, or delete.
	switch {
	case event.Next.IsTerminal():
		result, err = tx.ExecContext(ctx,
			`DELETE FROM active_positions WHERE trade_id = ? AND revision = ?`,
			event.TradeID, expectedRevision)
		if err != nil {
			return fmt.Errorf("failed to delete active position %d: %w", event.TradeID, err)
		}
		if affected, err = result.RowsAffected(); err != nil {
			return fmt.Errorf("failed to get rows affected deleting position %d: %w", event.TradeID, err)
		}
		if affected == 0 && expectedRevision != 0 {
			return fmt.Errorf("active position %d revision %d: %w", event.TradeID, expectedRevision, ports.ErrConflict)
		}
	case event.Prior == domain.StatusPending:
		// First projection row for a freshly opened trade.
		_, err = tx.ExecContext(ctx, `
		INSERT INTO active_positions (trade_id, mark_price, unrealized, seconds_to_expiry, last_evaluated_at, last_reason, revision)
		VALUES (?, ?, ?, ?, ?, ?, 1)`,
			pos.TradeID, pos.MarkPrice, pos.Unrealized, pos.SecondsToExpiry, pos.LastEvaluatedAt, pos.LastReason)
		if err != nil {
			return fmt.Errorf("failed to create active position %d: %w", pos.TradeID, err)
		}
	default:
		result, err = tx.ExecContext(ctx, `
		UPDATE active_positions
		SET mark_price = ?, unrealized = ?, seconds_to_expiry = ?, last_evaluated_at = ?, last_reason = ?, revision = revision + 1
		WHERE trade_id = ? AND revision = ?`,
			pos.MarkPrice, pos.Unrealized, pos.SecondsToExpiry, pos.LastEvaluatedAt, pos.LastReason,
			event.TradeID, expectedRevision)
		if err != nil {
			return fmt.Errorf("failed to update active position %d: %w", event.TradeID, err)
		}
		if affected, err = result.RowsAffected(); err != nil {
			return fmt.Errorf("failed to get rows affected updating position %d: %w", event.TradeID, err)
		}
		if affected == 0 {
			return fmt.Errorf("active position %d revision %d: %w", event.TradeID, expectedRevision, ports.ErrConflict)
		}
	}

	// Event append rides in the same transaction: both commit or neither does.
	_, err = tx.ExecContext(ctx, `
	INSERT INTO transition_events (event_id, trade_id, prior_status, next_status, reason, condition_name, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.TradeID, event.Prior, event.Next, event.Reason, event.Condition, event.At)
	if err != nil {
		return fmt.Errorf("failed to append transition event %s: %w", event.EventID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition for trade %d: %w", event.TradeID, err)
	}
	s.logger.Debug(ctx, "Transition committed", map[string]interface{}{
		"tradeID": event.TradeID, "from": event.Prior, "to": event.Next, "eventID": event.EventID})
	return nil
}

// --- Active positions ---

// CreateActivePosition inserts the working-set projection for a trade.
func (s *Store) CreateActivePosition(ctx context.Context, pos *domain.ActivePosition) error {
	const query = `
	INSERT INTO active_positions (trade_id, mark_price, unrealized, seconds_to_expiry, last_evaluated_at, last_reason, revision)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		pos.TradeID, pos.MarkPrice, pos.Unrealized, pos.SecondsToExpiry, pos.LastEvaluatedAt, pos.LastReason, pos.Revision)
	if err != nil {
		return fmt.Errorf("failed to insert active position %d: %w", pos.TradeID, err)
	}
	return nil
}

// UpdateActivePosition persists evaluation-cycle fields without bumping the
// revision. Compare-and-set on pos.Revision.
func (s *Store) UpdateActivePosition(ctx context.Context, pos *domain.ActivePosition) error {
	const query = `
	UPDATE active_positions
	SET mark_price = ?, unrealized = ?, seconds_to_expiry = ?, last_evaluated_at = ?, last_reason = ?
	WHERE trade_id = ? AND revision = ?`

	result, err := s.db.ExecContext(ctx, query,
		pos.MarkPrice, pos.Unrealized, pos.SecondsToExpiry, pos.LastEvaluatedAt, pos.LastReason,
		pos.TradeID, pos.Revision)
	if err != nil {
		return fmt.Errorf("failed to update active position %d: %w", pos.TradeID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for position %d: %w", pos.TradeID, err)
	}
	if affected == 0 {
		return fmt.Errorf("active position %d revision %d: %w", pos.TradeID, pos.Revision, ports.ErrConflict)
	}
	return nil
}

// FindActivePosition retrieves the projection for a trade.
func (s *Store) FindActivePosition(ctx context.Context, tradeID int64) (*domain.ActivePosition, error) {
	const query = `
	SELECT trade_id, mark_price, unrealized, seconds_to_expiry, last_evaluated_at, last_reason, revision
	FROM active_positions WHERE trade_id = ?`

	row := s.db.QueryRowContext(ctx, query, tradeID)
	pos, err := scanActivePosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("failed to query active position %d: %w", tradeID, err)
	}
	return pos, nil
}

// ListActivePositions retrieves the full working set.
func (s *Store) ListActivePositions(ctx context.Context) ([]*domain.ActivePosition, error) {
	const query = `
	SELECT trade_id, mark_price, unrealized, seconds_to_expiry, last_evaluated_at, last_reason, revision
	FROM active_positions ORDER BY trade_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active positions: %w", err)
	}
	defer rows.Close()

	positions := make([]*domain.ActivePosition, 0)
	for rows.Next() {
		pos, err := scanActivePosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan active position: %w", err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating active position rows: %w", err)
	}
	return positions, nil
}

// --- Events ---

// EventsForTrade retrieves the transition events for a trade in commit order.
func (s *Store) EventsForTrade(ctx context.Context, tradeID int64) ([]*domain.TransitionEvent, error) {
	const query = `
	SELECT event_id, trade_id, prior_status, next_status, reason, condition_name, created_at
	FROM transition_events WHERE trade_id = ? ORDER BY rowid`

	rows, err := s.db.QueryContext(ctx, query, tradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for trade %d: %w", tradeID, err)
	}
	defer rows.Close()

	events := make([]*domain.TransitionEvent, 0)
	for rows.Next() {
		ev := &domain.TransitionEvent{}
		var prior, next, reason string
		if err := rows.Scan(&ev.EventID, &ev.TradeID, &prior, &next, &reason, &ev.Condition, &ev.At); err != nil {
			return nil, fmt.Errorf("failed to scan transition event: %w", err)
		}
		ev.Prior = domain.TradeStatus(prior)
		ev.Next = domain.TradeStatus(next)
		ev.Reason = domain.StopReason(reason)
		events = append(events, ev)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

// --- Dead letters and review flags ---

// SaveDeadLetter durably records a notification that exhausted its retry budget.
func (s *Store) SaveDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	const query = `
	INSERT OR REPLACE INTO dead_letters (event_id, trade_id, sink, attempts, last_error, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		dl.EventID, dl.TradeID, dl.Sink, dl.Attempts, dl.LastError, dl.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter %s/%s: %w", dl.EventID, dl.Sink, err)
	}
	s.logger.Warn(ctx, "Dead letter recorded", map[string]interface{}{
		"eventID": dl.EventID, "sink": dl.Sink, "attempts": dl.Attempts})
	return nil
}

// FlagForReview marks a trade for operator attention.
func (s *Store) FlagForReview(ctx context.Context, tradeID int64, flag string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE trades SET review_flag = ? WHERE id = ?`, flag, tradeID)
	if err != nil {
		return fmt.Errorf("failed to flag trade %d for review: %w", tradeID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected flagging trade %d: %w", tradeID, err)
	}
	if affected == 0 {
		return fmt.Errorf("trade %d not found for review flag: %w", tradeID, ports.ErrNotFound)
	}
	return nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanTrade scans a row into a domain.Trade struct.
func scanTrade(sc scanner) (*domain.Trade, error) {
	t := &domain.Trade{}
	var status, side string
	var closedAt sql.NullTime
	var exitPrice, realized sql.NullFloat64
	err := sc.Scan(
		&t.ID, &t.Account, &t.Contract, &side, &t.EntryPrice, &t.Size, &t.Strategy,
		&t.OpenedAt, &status, &closedAt, &exitPrice, &realized, &t.Fees, &t.ReviewFlag)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	t.Side = domain.Side(side)
	t.Status = domain.TradeStatus(status)
	if closedAt.Valid {
		ts := closedAt.Time
		t.ClosedAt = &ts
	}
	if exitPrice.Valid {
		v := exitPrice.Float64
		t.ExitPrice = &v
	}
	if realized.Valid {
		v := realized.Float64
		t.Realized = &v
	}
	return t, nil
}

// scanActivePosition scans a row into a domain.ActivePosition struct.
func scanActivePosition(sc scanner) (*domain.ActivePosition, error) {
	p := &domain.ActivePosition{}
	var reason string
	err := sc.Scan(
		&p.TradeID, &p.MarkPrice, &p.Unrealized, &p.SecondsToExpiry,
		&p.LastEvaluatedAt, &reason, &p.Revision)
	if err != nil {
		return nil, err
	}
	p.LastReason = domain.StopReason(reason)
	return p, nil
}
