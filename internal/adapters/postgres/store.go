package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tradeguard/internal/domain"
	"tradeguard/internal/ports"
)

// Store implements ports.Store using a networked PostgreSQL server.
// Intended for concurrent/high-volume deployments; the embedded sqlite
// adapter covers the single-instance case behind the same interface.
type Store struct {
	pool   *pgxpool.Pool
	logger ports.Logger
}

// Config holds configuration for the Postgres store.
type Config struct {
	DSN    string
	Logger ports.Logger
	// MaxConns caps the connection pool. Zero keeps the pgx default.
	MaxConns int32
}

var _ ports.Store = (*Store)(nil)

// PostgreSQL error codes
const pgErrUniqueViolation = "23505" // unique_violation

// NewStore creates a Postgres-backed store and initializes the schema.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Postgres store")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{pool: pool, logger: cfg.Logger}
	if err := store.initializeSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize postgres schema: %w", err)
	}
	cfg.Logger.Info(ctx, "Postgres store initialized")
	return store, nil
}

func (s *Store) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trades (
		id BIGSERIAL PRIMARY KEY,
		account TEXT NOT NULL,
		contract TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		size DOUBLE PRECISION NOT NULL,
		strategy TEXT NOT NULL,
		opened_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		closed_at TIMESTAMPTZ,
		exit_price DOUBLE PRECISION,
		realized DOUBLE PRECISION,
		fees DOUBLE PRECISION NOT NULL DEFAULT 0,
		review_flag TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_trades_status ON trades (status);

	CREATE TABLE IF NOT EXISTS active_positions (
		trade_id BIGINT PRIMARY KEY,
		mark_price DOUBLE PRECISION NOT NULL,
		unrealized DOUBLE PRECISION NOT NULL,
		seconds_to_expiry DOUBLE PRECISION NOT NULL,
		last_evaluated_at TIMESTAMPTZ NOT NULL,
		last_reason TEXT NOT NULL,
		revision BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transition_events (
		seq BIGSERIAL,
		event_id TEXT PRIMARY KEY,
		trade_id BIGINT NOT NULL,
		prior_status TEXT NOT NULL,
		next_status TEXT NOT NULL,
		reason TEXT NOT NULL,
		condition_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_trade ON transition_events (trade_id);

	CREATE TABLE IF NOT EXISTS dead_letters (
		event_id TEXT NOT NULL,
		trade_id BIGINT NOT NULL,
		sink TEXT NOT NULL,
		attempts INT NOT NULL,
		last_error TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (event_id, sink)
	);
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("exec schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// isDuplicateKeyError checks if error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return false
}

// --- Trades ---

// CreateTrade saves a new trade and returns its assigned ID.
func (s *Store) CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error) {
	const query = `
	INSERT INTO trades (account, contract, side, entry_price, size, strategy, opened_at, status, fees, review_flag)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, query,
		trade.Account, trade.Contract, trade.Side, trade.EntryPrice, trade.Size,
		trade.Strategy, trade.OpenedAt, trade.Status, trade.Fees, trade.ReviewFlag).Scan(&id)
	if err != nil {
		if isDuplicateKeyError(err) {
			return 0, fmt.Errorf("insert trade: %w", ports.ErrDuplicateEntry)
		}
		return 0, fmt.Errorf("insert trade for contract %s: %w", trade.Contract, err)
	}
	trade.ID = id
	return id, nil
}

const tradeColumns = `id, account, contract, side, entry_price, size, strategy, opened_at, status,
	       closed_at, exit_price, realized, fees, review_flag`

// FindTrade retrieves a trade by its unique ID. Returns nil, nil if not found.
func (s *Store) FindTrade(ctx context.Context, id int64) (*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE id = $1`

	trade, err := scanTrade(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query trade %d: %w", id, err)
	}
	return trade, nil
}

// FindByStatus retrieves all trades in the given lifecycle state.
func (s *Store) FindByStatus(ctx context.Context, status domain.TradeStatus) ([]*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE status = $1 ORDER BY opened_at`

	rows, err := s.pool.Query(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("query trades by status %s: %w", status, err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade rows: %w", err)
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transition tx for trade %d: %w", event.TradeID, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
	UPDATE trades SET status = $1, closed_at = $2, exit_price = $3, realized = $4, fees = $5
	WHERE id = $6 AND status = $7`,
		event.Next, trade.ClosedAt, trade.ExitPrice, trade.Realized, trade.Fees,
		event.TradeID, event.Prior)
	if err != nil {
		return fmt.Errorf("update trade %d status: %w", event.TradeID, err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := tx.QueryRow(ctx, `SELECT status FROM trades WHERE id = $1`, event.TradeID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("trade %d not found for transition: %w", event.TradeID, ports.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read trade %d status after guard failure: %w", event.TradeID, err)
		}
		return fmt.Errorf("trade %d is %s, not %s: %w", event.TradeID, current, event.Prior,
			&domain.ErrInvalidTransition{From: domain.TradeStatus(current), To: event.Next})
	}

	switch {
	case event.Next.IsTerminal():
		tag, err = tx.Exec(ctx,
			`DELETE FROM active_positions WHERE trade_id = $1 AND revision = $2`,
			event.TradeID, expectedRevision)
		if err != nil {
			return fmt.Errorf("delete active position %d: %w", event.TradeID, err)
		}
		if tag.RowsAffected() == 0 && expectedRevision != 0 {
			return fmt.Errorf("active position %d revision %d: %w", event.TradeID, expectedRevision, ports.ErrConflict)
		}
	case event.Prior == domain.StatusPending:
		_, err = tx.Exec(ctx, `
		INSERT INTO active_positions (trade_id, mark_price, unrealized, seconds_to_expiry, last_evaluated_at, last_reason, revision)
		VALUES ($1, $2, $3, $4, $5, $6, 1)`,
			pos.TradeID, pos.MarkPrice, pos.Unrealized, pos.SecondsToExpiry, pos.LastEvaluatedAt, pos.LastReason)
		if err != nil {
			return fmt.Errorf("create active position %d: %w", pos.TradeID, err)
		}
	default:
		tag, err = tx.Exec(ctx, `
		UPDATE active_positions
		SET mark_price = $1, unrealized = $2, seconds_to_expiry = $3, last_evaluated_at = $4, last_reason = $5, revision = revision + 1
		WHERE trade_id = $6 AND revision = $7`,
			pos.MarkPrice, pos.Unrealized, pos.SecondsToExpiry, pos.LastEvaluatedAt, pos.LastReason,
			event.TradeID, expectedRevision)
		if err != nil {
			return fmt.Errorf("update active position %d: %w", event.TradeID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("active position %d revision %d: %w", event.TradeID, expectedRevision, ports.ErrConflict)
		}
	}

	_, err = tx.Exec(ctx, `
	INSERT INTO transition_events (event_id, trade_id, prior_status, next_status, reason, condition_name, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.EventID, event.TradeID, event.Prior, event.Next, event.Reason, event.Condition, event.At)
	if err != nil {
		return fmt.Errorf("append transition event %s: %w", event.EventID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transition for trade %d: %w", event.TradeID, err)
	}
	return nil
}

// --- Active positions ---

// CreateActivePosition inserts the working-set projection for a trade.
func (s *Store) CreateActivePosition(ctx context.Context, pos *domain.ActivePosition) error {
	const query = `
	INSERT INTO active_positions (trade_id, mark_price, unrealized, seconds_to_expiry, last_evaluated_at, last_reason, revision)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		pos.TradeID, pos.MarkPrice, pos.Unrealized, pos.SecondsToExpiry, pos.LastEvaluatedAt, pos.LastReason, pos.Revision)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("active position %d: %w", pos.TradeID, ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("insert active position %d: %w", pos.TradeID, err)
	}
	return nil
}

// UpdateActivePosition persists evaluation-cycle fields without bumping the
// revision. Compare-and-set on pos.Revision.
func (s *Store) UpdateActivePosition(ctx context.Context, pos *domain.ActivePosition) error {
	const query = `
	UPDATE active_positions
	SET mark_price = $1, unrealized = $2, seconds_to_expiry = $3, last_evaluated_at = $4, last_reason = $5
	WHERE trade_id = $6 AND revision = $7`

	tag, err := s.pool.Exec(ctx, query,
		pos.MarkPrice, pos.Unrealized, pos.SecondsToExpiry, pos.LastEvaluatedAt, pos.LastReason,
		pos.TradeID, pos.Revision)
	if err != nil {
		return fmt.Errorf("update active position %d: %w", pos.TradeID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("active position %d revision %d: %w", pos.TradeID, pos.Revision, ports.ErrConflict)
	}
	return nil
}

// FindActivePosition retrieves the projection for a trade. Returns nil, nil
// if the trade has no working-set entry.
func (s *Store) FindActivePosition(ctx context.Context, tradeID int64) (*domain.ActivePosition, error) {
	const query = `
	SELECT trade_id, mark_price, unrealized, seconds_to_expiry, last_evaluated_at, last_reason, revision
	FROM active_positions WHERE trade_id = $1`

	pos, err := scanActivePosition(s.pool.QueryRow(ctx, query, tradeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query active position %d: %w", tradeID, err)
	}
	return pos, nil
}

// ListActivePositions retrieves the full working set.
func (s *Store) ListActivePositions(ctx context.Context) ([]*domain.ActivePosition, error) {
	const query = `
	SELECT trade_id, mark_price, unrealized, seconds_to_expiry, last_evaluated_at, last_reason, revision
	FROM active_positions ORDER BY trade_id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query active positions: %w", err)
	}
	defer rows.Close()

	positions := make([]*domain.ActivePosition, 0)
	for rows.Next() {
		pos, err := scanActivePosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan active position: %w", err)
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active position rows: %w", err)
	}
	return positions, nil
}

// --- Events ---

// EventsForTrade retrieves the transition events for a trade in commit order.
func (s *Store) EventsForTrade(ctx context.Context, tradeID int64) ([]*domain.TransitionEvent, error) {
	const query = `
	SELECT event_id, trade_id, prior_status, next_status, reason, condition_name, created_at
	FROM transition_events WHERE trade_id = $1 ORDER BY seq`

	rows, err := s.pool.Query(ctx, query, tradeID)
	if err != nil {
		return nil, fmt.Errorf("query events for trade %d: %w", tradeID, err)
	}
	defer rows.Close()

	events := make([]*domain.TransitionEvent, 0)
	for rows.Next() {
		ev := &domain.TransitionEvent{}
		var prior, next, reason string
		if err := rows.Scan(&ev.EventID, &ev.TradeID, &prior, &next, &reason, &ev.Condition, &ev.At); err != nil {
			return nil, fmt.Errorf("scan transition event: %w", err)
		}
		ev.Prior = domain.TradeStatus(prior)
		ev.Next = domain.TradeStatus(next)
		ev.Reason = domain.StopReason(reason)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return events, nil
}

// --- Dead letters and review flags ---

// SaveDeadLetter durably records a notification that exhausted its retry budget.
func (s *Store) SaveDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	const query = `
	INSERT INTO dead_letters (event_id, trade_id, sink, attempts, last_error, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (event_id, sink) DO UPDATE
	SET attempts = EXCLUDED.attempts, last_error = EXCLUDED.last_error, created_at = EXCLUDED.created_at`

	_, err := s.pool.Exec(ctx, query,
		dl.EventID, dl.TradeID, dl.Sink, dl.Attempts, dl.LastError, dl.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter %s/%s: %w", dl.EventID, dl.Sink, err)
	}
	s.logger.Warn(ctx, "Dead letter recorded", map[string]interface{}{
		"eventID": dl.EventID, "sink": dl.Sink, "attempts": dl.Attempts})
	return nil
}

// FlagForReview marks a trade for operator attention.
func (s *Store) FlagForReview(ctx context.Context, tradeID int64, flag string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE trades SET review_flag = $1 WHERE id = $2`, flag, tradeID)
	if err != nil {
		return fmt.Errorf("flag trade %d for review: %w", tradeID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %d not found for review flag: %w", tradeID, ports.ErrNotFound)
	}
	return nil
}

// --- Helper Scan Functions ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(sc scanner) (*domain.Trade, error) {
	t := &domain.Trade{}
	var status, side string
	err := sc.Scan(
		&t.ID, &t.Account, &t.Contract, &side, &t.EntryPrice, &t.Size, &t.Strategy,
		&t.OpenedAt, &status, &t.ClosedAt, &t.ExitPrice, &t.Realized, &t.Fees, &t.ReviewFlag)
	if err != nil {
		return nil, err
	}
	t.Side = domain.Side(side)
	t.Status = domain.TradeStatus(status)
	return t, nil
}

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
