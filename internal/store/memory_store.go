package store

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	inverrors "github.com/abgdnv/inventory/internal/errors"
	"github.com/google/uuid"
)

const defaultStripes = 64

// MemoryStore implements Backend in process memory.
// Mutations of one product are serialised by a striped lock keyed by product ID, which gives the
// same check-and-mutate atomicity as the networked backends within a single process.
// Lock order: stripe -> mu -> holdsMu.
type MemoryStore struct {
	stripes []sync.Mutex

	mu      sync.RWMutex
	records map[string]*StockRecord

	holdsMu sync.Mutex
	holds   map[uuid.UUID]Hold
	carts   map[string]map[uuid.UUID]struct{}

	now func() time.Time
}

// NewMemoryStore creates a new in-memory store with the given number of lock stripes.
// A non-positive stripe count falls back to the default.
func NewMemoryStore(stripes int) *MemoryStore {
	if stripes <= 0 {
		stripes = defaultStripes
	}
	return &MemoryStore{
		stripes: make([]sync.Mutex, stripes),
		records: make(map[string]*StockRecord),
		holds:   make(map[uuid.UUID]Hold),
		carts:   make(map[string]map[uuid.UUID]struct{}),
		now:     time.Now,
	}
}

func (s *MemoryStore) stripe(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.stripes[h.Sum32()%uint32(len(s.stripes))]
}

// lookup returns the live record pointer; the caller must hold the product's stripe.
func (s *MemoryStore) lookup(id string) (*StockRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

// GetByID returns a copy of the stock record.
func (s *MemoryStore) GetByID(ctx context.Context, id string) (*StockRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lock := s.stripe(id)
	lock.Lock()
	defer lock.Unlock()

	rec, ok := s.lookup(id)
	if !ok {
		return nil, inverrors.ErrNotFound
	}
	out := *rec
	return &out, nil
}

// CreateOrUpdate creates the record or replaces its stock.
func (s *MemoryStore) CreateOrUpdate(ctx context.Context, id string, stock int64) (*StockRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lock := s.stripe(id)
	lock.Lock()
	defer lock.Unlock()

	rec, ok := s.lookup(id)
	if !ok {
		rec = &StockRecord{ID: id, Stock: stock, UpdatedAt: s.now()}
		s.mu.Lock()
		s.records[id] = rec
		s.mu.Unlock()
		out := *rec
		return &out, nil
	}
	if stock < rec.Reserved {
		return nil, inverrors.ErrStockBelowReserved
	}
	rec.Stock = stock
	rec.UpdatedAt = s.now()
	out := *rec
	return &out, nil
}

// Delete removes the record and its holds.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := s.stripe(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	if _, ok := s.records[id]; !ok {
		s.mu.Unlock()
		return inverrors.ErrNotFound
	}
	delete(s.records, id)
	s.mu.Unlock()

	s.holdsMu.Lock()
	defer s.holdsMu.Unlock()
	for holdID, h := range s.holds {
		if h.ProductID == id {
			s.dropHoldLocked(h)
			delete(s.holds, holdID)
		}
	}
	return nil
}

// Reserve increments reserved if enough stock is available.
func (s *MemoryStore) Reserve(ctx context.Context, id string, quantity int64) (*StockRecord, error) {
	return s.mutate(ctx, id, func(rec *StockRecord) error {
		return reserveLocked(rec, quantity)
	})
}

// Release decrements reserved.
func (s *MemoryStore) Release(ctx context.Context, id string, quantity int64) (*StockRecord, error) {
	return s.mutate(ctx, id, func(rec *StockRecord) error {
		return releaseLocked(rec, quantity)
	})
}

// Commit decrements stock and reserved together.
func (s *MemoryStore) Commit(ctx context.Context, id string, quantity int64) (*StockRecord, error) {
	return s.mutate(ctx, id, func(rec *StockRecord) error {
		return commitLocked(rec, quantity)
	})
}

func (s *MemoryStore) mutate(ctx context.Context, id string, fn func(rec *StockRecord) error) (*StockRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lock := s.stripe(id)
	lock.Lock()
	defer lock.Unlock()

	rec, ok := s.lookup(id)
	if !ok {
		return nil, inverrors.ErrNotFound
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.UpdatedAt = s.now()
	out := *rec
	return &out, nil
}

func reserveLocked(rec *StockRecord, quantity int64) error {
	if rec.Stock-rec.Reserved < quantity {
		return inverrors.ErrInsufficientStock
	}
	rec.Reserved += quantity
	return nil
}

func releaseLocked(rec *StockRecord, quantity int64) error {
	if rec.Reserved < quantity {
		return inverrors.ErrOverRelease
	}
	rec.Reserved -= quantity
	return nil
}

// retireLocked gives back what is left of quantity. Plain releases and commits may already have
// taken part of it.
func retireLocked(rec *StockRecord, quantity int64) {
	rec.Reserved -= min(quantity, rec.Reserved)
}

func commitLocked(rec *StockRecord, quantity int64) error {
	if rec.Reserved < quantity {
		return inverrors.ErrOverCommit
	}
	rec.Stock -= quantity
	rec.Reserved -= quantity
	return nil
}

// ReserveHold reserves the hold quantity and records the ticket.
func (s *MemoryStore) ReserveHold(ctx context.Context, hold Hold) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := s.stripe(hold.ProductID)
	lock.Lock()
	defer lock.Unlock()

	s.holdsMu.Lock()
	_, exists := s.holds[hold.ID]
	s.holdsMu.Unlock()
	if exists {
		return nil
	}

	rec, ok := s.lookup(hold.ProductID)
	if !ok {
		return inverrors.ErrNotFound
	}
	if err := reserveLocked(rec, hold.Quantity); err != nil {
		return err
	}
	rec.UpdatedAt = s.now()

	s.holdsMu.Lock()
	defer s.holdsMu.Unlock()
	s.holds[hold.ID] = hold
	cart, ok := s.carts[hold.CartID]
	if !ok {
		cart = make(map[uuid.UUID]struct{})
		s.carts[hold.CartID] = cart
	}
	cart[hold.ID] = struct{}{}
	return nil
}

// ReleaseHold removes the ticket and releases its quantity, clamped to what is still reserved.
func (s *MemoryStore) ReleaseHold(ctx context.Context, id uuid.UUID) (*Hold, error) {
	return s.settleHold(ctx, id, func(rec *StockRecord, h Hold) error {
		retireLocked(rec, h.Quantity)
		return nil
	})
}

// CommitHold removes the ticket and commits its quantity.
func (s *MemoryStore) CommitHold(ctx context.Context, id uuid.UUID, now time.Time) (*Hold, error) {
	return s.settleHold(ctx, id, func(rec *StockRecord, h Hold) error {
		if h.Expired(now) {
			return inverrors.ErrHoldExpired
		}
		return commitLocked(rec, h.Quantity)
	})
}

func (s *MemoryStore) settleHold(ctx context.Context, id uuid.UUID, apply func(rec *StockRecord, h Hold) error) (*Hold, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := s.FindHold(ctx, id)
	if err != nil {
		return nil, err
	}
	lock := s.stripe(h.ProductID)
	lock.Lock()
	defer lock.Unlock()

	s.holdsMu.Lock()
	current, ok := s.holds[id]
	s.holdsMu.Unlock()
	if !ok {
		// settled concurrently between FindHold and taking the stripe
		return nil, inverrors.ErrHoldNotFound
	}

	rec, ok := s.lookup(current.ProductID)
	if !ok {
		return nil, inverrors.ErrNotFound
	}
	if err := apply(rec, current); err != nil {
		return nil, err
	}
	rec.UpdatedAt = s.now()

	s.holdsMu.Lock()
	defer s.holdsMu.Unlock()
	s.dropHoldLocked(current)
	delete(s.holds, id)
	return &current, nil
}

// dropHoldLocked removes the hold from its cart index; the caller must hold holdsMu.
func (s *MemoryStore) dropHoldLocked(h Hold) {
	cart, ok := s.carts[h.CartID]
	if !ok {
		return
	}
	delete(cart, h.ID)
	if len(cart) == 0 {
		delete(s.carts, h.CartID)
	}
}

// FindHold returns a single ticket.
func (s *MemoryStore) FindHold(ctx context.Context, id uuid.UUID) (*Hold, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.holdsMu.Lock()
	defer s.holdsMu.Unlock()
	h, ok := s.holds[id]
	if !ok {
		return nil, inverrors.ErrHoldNotFound
	}
	return &h, nil
}

// ListHoldsByCart returns the tickets of a cart, oldest first.
func (s *MemoryStore) ListHoldsByCart(ctx context.Context, cartID string) ([]Hold, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.holdsMu.Lock()
	list := make([]Hold, 0, len(s.carts[cartID]))
	for id := range s.carts[cartID] {
		list = append(list, s.holds[id])
	}
	s.holdsMu.Unlock()

	sortHolds(list)
	return list, nil
}

// ListExpiredHolds returns up to limit tickets that expired before now, earliest expiry first.
func (s *MemoryStore) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]Hold, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.holdsMu.Lock()
	list := make([]Hold, 0)
	for _, h := range s.holds {
		if h.Expired(now) {
			list = append(list, h)
		}
	}
	s.holdsMu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ExpiresAt.Before(list[j].ExpiresAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func sortHolds(list []Hold) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID.String() < list[j].ID.String()
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
