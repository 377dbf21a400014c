// Package store provides the stock record storage contract and its backends.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StockRecord is the per-product quantity accounting row.
// Invariant after every successful mutation: 0 <= Reserved <= Stock.
type StockRecord struct {
	ID        string    `db:"id"         json:"id"`
	Stock     int64     `db:"stock"      json:"stock"`
	Reserved  int64     `db:"reserved"   json:"reserved"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Available returns the quantity offerable to a new shopper.
func (r StockRecord) Available() int64 {
	return r.Stock - r.Reserved
}

// Hold is a reservation ticket owned by a cart.
type Hold struct {
	ID        uuid.UUID `db:"id"`
	CartID    string    `db:"cart_id"`
	ProductID string    `db:"product_id"`
	Quantity  int64     `db:"quantity"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

// Expired reports whether the hold has passed its expiry at the given instant.
func (h Hold) Expired(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

// StockStore holds per-product stock records and the atomic counter primitives.
// Every mutation is applied as one indivisible operation with respect to the backing store.
type StockStore interface {
	// GetByID returns the stock record of a product.
	// Returns ErrNotFound if the record does not exist.
	GetByID(ctx context.Context, id string) (*StockRecord, error)

	// CreateOrUpdate creates the record with reserved = 0, or sets the stock of an existing record.
	// Returns ErrStockBelowReserved if the new stock is lower than the current reserved quantity.
	CreateOrUpdate(ctx context.Context, id string, stock int64) (*StockRecord, error)

	// Delete removes the record and any holds against it.
	// Returns ErrNotFound if the record does not exist.
	Delete(ctx context.Context, id string) error

	// Reserve increments reserved by quantity if and only if stock - reserved >= quantity.
	// Returns ErrNotFound or ErrInsufficientStock.
	Reserve(ctx context.Context, id string, quantity int64) (*StockRecord, error)

	// Release decrements reserved by quantity if reserved >= quantity.
	// Returns ErrNotFound or ErrOverRelease.
	Release(ctx context.Context, id string, quantity int64) (*StockRecord, error)

	// Commit decrements both stock and reserved by quantity if reserved >= quantity.
	// Returns ErrNotFound or ErrOverCommit.
	Commit(ctx context.Context, id string, quantity int64) (*StockRecord, error)
}

// HoldStore persists reservation tickets. Each mutation couples the ticket change with the
// matching counter change in a single atomic operation.
type HoldStore interface {
	// ReserveHold conditionally reserves hold.Quantity of hold.ProductID and stores the ticket.
	// Storing a hold whose ID already exists is a no-op.
	// Returns ErrNotFound or ErrInsufficientStock.
	ReserveHold(ctx context.Context, hold Hold) error

	// ReleaseHold deletes the ticket and releases its quantity. The release is clamped to the
	// current reserved count, so a ticket outlived by plain releases can still be retired.
	// Returns ErrHoldNotFound if the ticket does not exist.
	ReleaseHold(ctx context.Context, id uuid.UUID) (*Hold, error)

	// CommitHold deletes the ticket and commits its quantity.
	// Returns ErrHoldNotFound, or ErrHoldExpired if the ticket expired before now (the ticket is kept).
	CommitHold(ctx context.Context, id uuid.UUID, now time.Time) (*Hold, error)

	// FindHold returns a single ticket. Returns ErrHoldNotFound if it does not exist.
	FindHold(ctx context.Context, id uuid.UUID) (*Hold, error)

	// ListHoldsByCart returns the tickets of a cart, oldest first. Returns an empty slice if none exist.
	ListHoldsByCart(ctx context.Context, cartID string) ([]Hold, error)

	// ListExpiredHolds returns up to limit tickets that expired before now.
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]Hold, error)
}

// Backend is the full capability set of one storage backend.
type Backend interface {
	StockStore
	HoldStore

	// Ping checks connectivity with the backing store.
	Ping(ctx context.Context) error

	// Close releases the resources held by the backend.
	Close() error
}
