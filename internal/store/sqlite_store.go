package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	inverrors "github.com/abgdnv/inventory/internal/errors"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	liteFindRecord = `SELECT id, stock, reserved, updated_at FROM stock_records WHERE id = ?`

	liteUpsertRecord = `INSERT INTO stock_records (id, stock, reserved, updated_at) VALUES (?, ?, 0, ?)
ON CONFLICT (id) DO UPDATE SET stock = excluded.stock, updated_at = excluded.updated_at
WHERE stock_records.reserved <= excluded.stock
RETURNING id, stock, reserved, updated_at`

	liteReserve = `UPDATE stock_records SET reserved = reserved + ?, updated_at = ?
WHERE id = ? AND stock - reserved >= ?
RETURNING id, stock, reserved, updated_at`

	liteRelease = `UPDATE stock_records SET reserved = reserved - ?, updated_at = ?
WHERE id = ? AND reserved >= ?
RETURNING id, stock, reserved, updated_at`

	liteRetire = `UPDATE stock_records SET reserved = reserved - MIN(reserved, ?), updated_at = ?
WHERE id = ?
RETURNING id, stock, reserved, updated_at`

	liteCommit = `UPDATE stock_records SET stock = stock - ?, reserved = reserved - ?, updated_at = ?
WHERE id = ? AND reserved >= ?
RETURNING id, stock, reserved, updated_at`

	liteHoldColumns = `id, cart_id, product_id, quantity, created_at, expires_at`
)

// SQLiteStore implements Backend on a local SQLite file.
// The pool is limited to a single connection so that every statement and transaction runs
// serially, which makes each conditional UPDATE atomic with respect to the others.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at dsn and applies the embedded schema.
// Use "file:<name>?mode=memory&cache=shared" for a throwaway database.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if err := migrateSQLite(db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*StockRecord, error) {
	var rec StockRecord
	if err := s.db.GetContext(ctx, &rec, liteFindRecord, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inverrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find stock record: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) CreateOrUpdate(ctx context.Context, id string, stock int64) (*StockRecord, error) {
	var rec StockRecord
	if err := s.db.GetContext(ctx, &rec, liteUpsertRecord, id, stock, s.now()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inverrors.ErrStockBelowReserved
		}
		return nil, fmt.Errorf("failed to upsert stock record: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stock_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete stock record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete stock record: %w", err)
	}
	if n == 0 {
		return inverrors.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Reserve(ctx context.Context, id string, quantity int64) (*StockRecord, error) {
	return s.conditional(ctx, s.db, id, inverrors.ErrInsufficientStock, liteReserve, quantity, s.now(), id, quantity)
}

func (s *SQLiteStore) Release(ctx context.Context, id string, quantity int64) (*StockRecord, error) {
	return s.conditional(ctx, s.db, id, inverrors.ErrOverRelease, liteRelease, quantity, s.now(), id, quantity)
}

func (s *SQLiteStore) Commit(ctx context.Context, id string, quantity int64) (*StockRecord, error) {
	return s.conditional(ctx, s.db, id, inverrors.ErrOverCommit, liteCommit, quantity, quantity, s.now(), id, quantity)
}

func (s *SQLiteStore) conditional(ctx context.Context, q sqlx.QueryerContext, id string, rejected error, query string, args ...any) (*StockRecord, error) {
	var rec StockRecord
	err := sqlx.GetContext(ctx, q, &rec, query, args...)
	if err == nil {
		return &rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update stock record: %w", err)
	}
	var exists bool
	if err := sqlx.GetContext(ctx, q, &exists, `SELECT EXISTS (SELECT 1 FROM stock_records WHERE id = ?)`, id); err != nil {
		return nil, fmt.Errorf("failed to check stock record: %w", err)
	}
	if !exists {
		return nil, inverrors.ErrNotFound
	}
	return nil, rejected
}

func (s *SQLiteStore) ReserveHold(ctx context.Context, hold Hold) error {
	// timestamps are compared as text, so they must share one zone
	hold.CreatedAt = hold.CreatedAt.UTC()
	hold.ExpiresAt = hold.ExpiresAt.UTC()
	err := s.withTransaction(ctx, func(tx *sqlx.Tx) error {
		var exists bool
		if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM stock_holds WHERE id = ?)`, hold.ID); err != nil {
			return fmt.Errorf("failed to check hold: %w", err)
		}
		if exists {
			return errHoldExists
		}
		if _, err := s.conditional(ctx, tx, hold.ProductID, inverrors.ErrInsufficientStock,
			liteReserve, hold.Quantity, s.now(), hold.ProductID, hold.Quantity); err != nil {
			return err
		}
		_, err := tx.NamedExecContext(ctx, `INSERT INTO stock_holds (`+liteHoldColumns+`)
VALUES (:id, :cart_id, :product_id, :quantity, :created_at, :expires_at)`, hold)
		if err != nil {
			return fmt.Errorf("failed to insert hold: %w", err)
		}
		return nil
	})
	if errors.Is(err, errHoldExists) {
		return nil
	}
	return err
}

func (s *SQLiteStore) ReleaseHold(ctx context.Context, id uuid.UUID) (*Hold, error) {
	return s.settleHold(ctx, id, func(tx *sqlx.Tx, h *Hold) error {
		_, err := s.conditional(ctx, tx, h.ProductID, inverrors.ErrOverRelease,
			liteRetire, h.Quantity, s.now(), h.ProductID)
		return err
	})
}

func (s *SQLiteStore) CommitHold(ctx context.Context, id uuid.UUID, now time.Time) (*Hold, error) {
	return s.settleHold(ctx, id, func(tx *sqlx.Tx, h *Hold) error {
		if h.Expired(now) {
			return inverrors.ErrHoldExpired
		}
		_, err := s.conditional(ctx, tx, h.ProductID, inverrors.ErrOverCommit,
			liteCommit, h.Quantity, h.Quantity, s.now(), h.ProductID, h.Quantity)
		return err
	})
}

func (s *SQLiteStore) settleHold(ctx context.Context, id uuid.UUID, apply func(tx *sqlx.Tx, h *Hold) error) (*Hold, error) {
	var settled Hold
	err := s.withTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &settled, `DELETE FROM stock_holds WHERE id = ? RETURNING `+liteHoldColumns, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return inverrors.ErrHoldNotFound
			}
			return fmt.Errorf("failed to delete hold: %w", err)
		}
		return apply(tx, &settled)
	})
	if err != nil {
		return nil, err
	}
	return &settled, nil
}

func (s *SQLiteStore) FindHold(ctx context.Context, id uuid.UUID) (*Hold, error) {
	var h Hold
	if err := s.db.GetContext(ctx, &h, `SELECT `+liteHoldColumns+` FROM stock_holds WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inverrors.ErrHoldNotFound
		}
		return nil, fmt.Errorf("failed to find hold: %w", err)
	}
	return &h, nil
}

func (s *SQLiteStore) ListHoldsByCart(ctx context.Context, cartID string) ([]Hold, error) {
	holds := make([]Hold, 0)
	if err := s.db.SelectContext(ctx, &holds,
		`SELECT `+liteHoldColumns+` FROM stock_holds WHERE cart_id = ? ORDER BY created_at, id`, cartID); err != nil {
		return nil, fmt.Errorf("failed to list holds: %w", err)
	}
	return holds, nil
}

func (s *SQLiteStore) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]Hold, error) {
	holds := make([]Hold, 0)
	if err := s.db.SelectContext(ctx, &holds,
		`SELECT `+liteHoldColumns+` FROM stock_holds WHERE expires_at <= ? ORDER BY expires_at LIMIT ?`, now.UTC(), limit); err != nil {
		return nil, fmt.Errorf("failed to list expired holds: %w", err)
	}
	return holds, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTransaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("failed to rollback transaction: %w", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
