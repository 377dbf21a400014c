package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	inverrors "github.com/abgdnv/inventory/internal/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgRecordColumns = `id, stock, reserved, updated_at`
	pgHoldColumns   = `id, cart_id, product_id, quantity, created_at, expires_at`

	pgFindRecord = `SELECT ` + pgRecordColumns + ` FROM stock_records WHERE id = $1`

	pgUpsertRecord = `INSERT INTO stock_records (id, stock, reserved, updated_at)
VALUES ($1, $2, 0, now())
ON CONFLICT (id) DO UPDATE SET stock = EXCLUDED.stock, updated_at = now()
WHERE stock_records.reserved <= EXCLUDED.stock
RETURNING ` + pgRecordColumns

	pgDeleteRecord = `DELETE FROM stock_records WHERE id = $1`

	pgReserve = `UPDATE stock_records SET reserved = reserved + $2, updated_at = now()
WHERE id = $1 AND stock - reserved >= $2
RETURNING ` + pgRecordColumns

	pgRelease = `UPDATE stock_records SET reserved = reserved - $2, updated_at = now()
WHERE id = $1 AND reserved >= $2
RETURNING ` + pgRecordColumns

	pgRetire = `UPDATE stock_records SET reserved = reserved - LEAST(reserved, $2), updated_at = now()
WHERE id = $1
RETURNING ` + pgRecordColumns

	pgCommit = `UPDATE stock_records SET stock = stock - $2, reserved = reserved - $2, updated_at = now()
WHERE id = $1 AND reserved >= $2
RETURNING ` + pgRecordColumns

	pgInsertHold = `INSERT INTO stock_holds (` + pgHoldColumns + `)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`

	pgHoldExists = `SELECT EXISTS (SELECT 1 FROM stock_holds WHERE id = $1)`

	pgDeleteHold = `DELETE FROM stock_holds WHERE id = $1 RETURNING ` + pgHoldColumns

	pgFindHold = `SELECT ` + pgHoldColumns + ` FROM stock_holds WHERE id = $1`

	pgHoldsByCart = `SELECT ` + pgHoldColumns + ` FROM stock_holds WHERE cart_id = $1 ORDER BY created_at, id`

	pgExpiredHolds = `SELECT ` + pgHoldColumns + ` FROM stock_holds WHERE expires_at <= $1 ORDER BY expires_at LIMIT $2`
)

// errHoldExists aborts a hold transaction whose ticket was stored by an earlier attempt.
var errHoldExists = errors.New("hold already exists")

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore implements Backend on PostgreSQL.
// Each counter primitive is a single conditional UPDATE, so the check and the mutation cannot be
// separated by a concurrent writer.
type PgStore struct {
	db *pgxpool.Pool
}

// NewPgStore creates a new instance of PgStore using a PostgreSQL connection pool.
func NewPgStore(dbp *pgxpool.Pool) *PgStore {
	return &PgStore{db: dbp}
}

func (p *PgStore) GetByID(ctx context.Context, id string) (*StockRecord, error) {
	rec, err := scanRecord(p.db.QueryRow(ctx, pgFindRecord, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, inverrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find stock record: %w", err)
	}
	return rec, nil
}

func (p *PgStore) CreateOrUpdate(ctx context.Context, id string, stock int64) (*StockRecord, error) {
	rec, err := scanRecord(p.db.QueryRow(ctx, pgUpsertRecord, id, stock))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// the upsert guard rejected a stock below the current reservations
			return nil, inverrors.ErrStockBelowReserved
		}
		return nil, fmt.Errorf("failed to upsert stock record: %w", err)
	}
	return rec, nil
}

func (p *PgStore) Delete(ctx context.Context, id string) error {
	tag, err := p.db.Exec(ctx, pgDeleteRecord, id)
	if err != nil {
		return fmt.Errorf("failed to delete stock record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return inverrors.ErrNotFound
	}
	return nil
}

func (p *PgStore) Reserve(ctx context.Context, id string, quantity int64) (*StockRecord, error) {
	return p.conditional(ctx, p.db, pgReserve, id, quantity, inverrors.ErrInsufficientStock)
}

func (p *PgStore) Release(ctx context.Context, id string, quantity int64) (*StockRecord, error) {
	return p.conditional(ctx, p.db, pgRelease, id, quantity, inverrors.ErrOverRelease)
}

func (p *PgStore) Commit(ctx context.Context, id string, quantity int64) (*StockRecord, error) {
	return p.conditional(ctx, p.db, pgCommit, id, quantity, inverrors.ErrOverCommit)
}

// conditional runs a guarded UPDATE. Zero rows means either the record is missing or the guard
// rejected the change; a follow-up read tells the two apart.
func (p *PgStore) conditional(ctx context.Context, q pgQuerier, sql, id string, quantity int64, rejected error) (*StockRecord, error) {
	rec, err := scanRecord(q.QueryRow(ctx, sql, id, quantity))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to update stock record: %w", err)
	}
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stock_records WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check stock record: %w", err)
	}
	if !exists {
		return nil, inverrors.ErrNotFound
	}
	return nil, rejected
}

func (p *PgStore) ReserveHold(ctx context.Context, hold Hold) error {
	err := p.withTransaction(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, pgHoldExists, hold.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check hold: %w", err)
		}
		if exists {
			return errHoldExists
		}
		if _, err := p.conditional(ctx, tx, pgReserve, hold.ProductID, hold.Quantity, inverrors.ErrInsufficientStock); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, pgInsertHold,
			hold.ID, hold.CartID, hold.ProductID, hold.Quantity, hold.CreatedAt, hold.ExpiresAt)
		if err != nil {
			return fmt.Errorf("failed to insert hold: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// a concurrent replay stored the ticket first; undo our reservation
			return errHoldExists
		}
		return nil
	})
	if errors.Is(err, errHoldExists) {
		return nil
	}
	return err
}

func (p *PgStore) ReleaseHold(ctx context.Context, id uuid.UUID) (*Hold, error) {
	return p.settleHold(ctx, id, func(tx pgx.Tx, h *Hold) error {
		_, err := p.conditional(ctx, tx, pgRetire, h.ProductID, h.Quantity, inverrors.ErrOverRelease)
		return err
	})
}

func (p *PgStore) CommitHold(ctx context.Context, id uuid.UUID, now time.Time) (*Hold, error) {
	return p.settleHold(ctx, id, func(tx pgx.Tx, h *Hold) error {
		if h.Expired(now) {
			return inverrors.ErrHoldExpired
		}
		_, err := p.conditional(ctx, tx, pgCommit, h.ProductID, h.Quantity, inverrors.ErrOverCommit)
		return err
	})
}

// settleHold deletes the ticket and applies the counter change in one transaction.
// Any error rolls the ticket back.
func (p *PgStore) settleHold(ctx context.Context, id uuid.UUID, apply func(tx pgx.Tx, h *Hold) error) (*Hold, error) {
	var settled *Hold
	err := p.withTransaction(ctx, func(tx pgx.Tx) error {
		h, err := scanHold(tx.QueryRow(ctx, pgDeleteHold, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return inverrors.ErrHoldNotFound
			}
			return fmt.Errorf("failed to delete hold: %w", err)
		}
		if err := apply(tx, h); err != nil {
			return err
		}
		settled = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	return settled, nil
}

func (p *PgStore) FindHold(ctx context.Context, id uuid.UUID) (*Hold, error) {
	h, err := scanHold(p.db.QueryRow(ctx, pgFindHold, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, inverrors.ErrHoldNotFound
		}
		return nil, fmt.Errorf("failed to find hold: %w", err)
	}
	return h, nil
}

func (p *PgStore) ListHoldsByCart(ctx context.Context, cartID string) ([]Hold, error) {
	return p.listHolds(ctx, pgHoldsByCart, cartID)
}

func (p *PgStore) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]Hold, error) {
	return p.listHolds(ctx, pgExpiredHolds, now, limit)
}

func (p *PgStore) listHolds(ctx context.Context, sql string, args ...any) ([]Hold, error) {
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list holds: %w", err)
	}
	holds, err := pgx.CollectRows(rows, pgx.RowToStructByName[Hold])
	if err != nil {
		return nil, fmt.Errorf("failed to scan holds: %w", err)
	}
	return holds, nil
}

func (p *PgStore) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func (p *PgStore) Close() error {
	p.db.Close()
	return nil
}

func (p *PgStore) withTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	err = fn(tx)
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("failed to rollback transaction: %w", rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func scanRecord(row pgx.Row) (*StockRecord, error) {
	var r StockRecord
	if err := row.Scan(&r.ID, &r.Stock, &r.Reserved, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanHold(row pgx.Row) (*Hold, error) {
	var h Hold
	if err := row.Scan(&h.ID, &h.CartID, &h.ProductID, &h.Quantity, &h.CreatedAt, &h.ExpiresAt); err != nil {
		return nil, err
	}
	return &h, nil
}
