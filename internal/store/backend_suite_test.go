package store

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	inverrors "github.com/abgdnv/inventory/internal/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"
)

// backendSuite holds the behaviour every Backend must share. Concrete suites embed it and
// provide the backend in SetupSuite / SetupTest.
type backendSuite struct {
	suite.Suite
	ctx     context.Context
	backend Backend
}

// seed creates a product with the given stock and reserved quantities.
func (s *backendSuite) seed(stock, reserved int64) string {
	s.T().Helper()
	id := "sku-" + uuid.NewString()
	_, err := s.backend.CreateOrUpdate(s.ctx, id, stock)
	require.NoError(s.T(), err, "seed failed to create stock record")
	if reserved > 0 {
		_, err = s.backend.Reserve(s.ctx, id, reserved)
		require.NoError(s.T(), err, "seed failed to reserve")
	}
	return id
}

func (s *backendSuite) newHold(productID, cartID string, quantity int64, ttl time.Duration) Hold {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return Hold{
		ID:        uuid.New(),
		CartID:    cartID,
		ProductID: productID,
		Quantity:  quantity,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func (s *backendSuite) requireRecord(id string, stock, reserved int64) {
	s.T().Helper()
	rec, err := s.backend.GetByID(s.ctx, id)
	require.NoError(s.T(), err)
	require.Equal(s.T(), stock, rec.Stock, "stock mismatch")
	require.Equal(s.T(), reserved, rec.Reserved, "reserved mismatch")
}

func (s *backendSuite) TestCreateOrUpdate() {
	// given
	id := "sku-" + uuid.NewString()

	// when
	created, err := s.backend.CreateOrUpdate(s.ctx, id, 7)

	// then
	require.NoError(s.T(), err)
	require.Equal(s.T(), id, created.ID)
	require.Equal(s.T(), int64(7), created.Stock)
	require.Equal(s.T(), int64(0), created.Reserved)
	require.False(s.T(), created.UpdatedAt.IsZero(), "UpdatedAt should be set")

	// when the stock is edited, reservations are kept
	_, err = s.backend.Reserve(s.ctx, id, 3)
	require.NoError(s.T(), err)
	updated, err := s.backend.CreateOrUpdate(s.ctx, id, 4)

	// then
	require.NoError(s.T(), err)
	require.Equal(s.T(), int64(4), updated.Stock)
	require.Equal(s.T(), int64(3), updated.Reserved)
}

func (s *backendSuite) TestCreateOrUpdate_BelowReserved() {
	// given
	id := s.seed(5, 3)

	// when
	rec, err := s.backend.CreateOrUpdate(s.ctx, id, 2)

	// then
	require.ErrorIs(s.T(), err, inverrors.ErrStockBelowReserved)
	require.Nil(s.T(), rec)
	s.requireRecord(id, 5, 3)
}

func (s *backendSuite) TestGetByID_NotFound() {
	// when
	rec, err := s.backend.GetByID(s.ctx, "missing-"+uuid.NewString())

	// then
	require.ErrorIs(s.T(), err, inverrors.ErrNotFound)
	require.Nil(s.T(), rec)
}

func (s *backendSuite) TestMutations_NotFound() {
	missing := "missing-" + uuid.NewString()
	testCases := []struct {
		name string
		op   func() (*StockRecord, error)
	}{
		{name: "reserve", op: func() (*StockRecord, error) { return s.backend.Reserve(s.ctx, missing, 1) }},
		{name: "release", op: func() (*StockRecord, error) { return s.backend.Release(s.ctx, missing, 1) }},
		{name: "commit", op: func() (*StockRecord, error) { return s.backend.Commit(s.ctx, missing, 1) }},
	}
	for _, tc := range testCases {
		s.Run(tc.name, func() {
			// when
			rec, err := tc.op()

			// then
			require.ErrorIs(s.T(), err, inverrors.ErrNotFound)
			require.Nil(s.T(), rec)
		})
	}
	require.ErrorIs(s.T(), s.backend.Delete(s.ctx, missing), inverrors.ErrNotFound)
}

// Two concurrent reserve(3) against stock 5: exactly one wins.
func (s *backendSuite) TestReserve_ConcurrentPair() {
	// given
	id := s.seed(5, 0)
	var succeeded, rejected atomic.Int32

	// when
	var g errgroup.Group
	for range 2 {
		g.Go(func() error {
			_, err := s.backend.Reserve(s.ctx, id, 3)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, inverrors.ErrInsufficientStock):
				rejected.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(s.T(), g.Wait())

	// then
	require.Equal(s.T(), int32(1), succeeded.Load())
	require.Equal(s.T(), int32(1), rejected.Load())
	s.requireRecord(id, 5, 3)
}

func (s *backendSuite) TestReserve_ExhaustsThenRejects() {
	// given
	id := s.seed(5, 3)

	// when
	rec, err := s.backend.Reserve(s.ctx, id, 2)

	// then
	require.NoError(s.T(), err)
	require.Equal(s.T(), int64(5), rec.Reserved)
	require.Equal(s.T(), int64(0), rec.Available())

	// when
	rec, err = s.backend.Reserve(s.ctx, id, 1)

	// then
	require.ErrorIs(s.T(), err, inverrors.ErrInsufficientStock)
	require.Nil(s.T(), rec)
	s.requireRecord(id, 5, 5)
}

func (s *backendSuite) TestReserve_NeverOversells() {
	// given
	const stock, workers = 10, 40
	id := s.seed(stock, 0)
	var succeeded atomic.Int32

	// when
	var g errgroup.Group
	for range workers {
		g.Go(func() error {
			_, err := s.backend.Reserve(s.ctx, id, 1)
			if err == nil {
				succeeded.Add(1)
				return nil
			}
			if errors.Is(err, inverrors.ErrInsufficientStock) {
				return nil
			}
			return err
		})
	}
	require.NoError(s.T(), g.Wait())

	// then
	require.Equal(s.T(), int32(stock), succeeded.Load())
	s.requireRecord(id, stock, stock)
}

func (s *backendSuite) TestReserve_Boundary() {
	testCases := []struct {
		name        string
		stock       int64
		reserved    int64
		quantity    int64
		expectedErr error
	}{
		{name: "exactly available", stock: 8, reserved: 3, quantity: 5},
		{name: "available plus one", stock: 8, reserved: 3, quantity: 6, expectedErr: inverrors.ErrInsufficientStock},
		{name: "nothing available", stock: 4, reserved: 4, quantity: 1, expectedErr: inverrors.ErrInsufficientStock},
	}
	for _, tc := range testCases {
		s.Run(tc.name, func() {
			// given
			id := s.seed(tc.stock, tc.reserved)

			// when
			_, err := s.backend.Reserve(s.ctx, id, tc.quantity)

			// then
			if tc.expectedErr != nil {
				require.ErrorIs(s.T(), err, tc.expectedErr)
				s.requireRecord(id, tc.stock, tc.reserved)
				return
			}
			require.NoError(s.T(), err)
			s.requireRecord(id, tc.stock, tc.reserved+tc.quantity)
		})
	}
}

func (s *backendSuite) TestRelease() {
	testCases := []struct {
		name             string
		reserved         int64
		quantity         int64
		expectedErr      error
		expectedReserved int64
	}{
		{name: "round trip", reserved: 4, quantity: 4, expectedReserved: 0},
		{name: "partial", reserved: 4, quantity: 1, expectedReserved: 3},
		{name: "over release", reserved: 2, quantity: 3, expectedErr: inverrors.ErrOverRelease, expectedReserved: 2},
	}
	for _, tc := range testCases {
		s.Run(tc.name, func() {
			// given
			id := s.seed(10, tc.reserved)

			// when
			_, err := s.backend.Release(s.ctx, id, tc.quantity)

			// then
			if tc.expectedErr != nil {
				require.ErrorIs(s.T(), err, tc.expectedErr)
			} else {
				require.NoError(s.T(), err)
			}
			s.requireRecord(id, 10, tc.expectedReserved)
		})
	}
}

func (s *backendSuite) TestCommit() {
	// given
	id := s.seed(10, 4)
	before, err := s.backend.GetByID(s.ctx, id)
	require.NoError(s.T(), err)

	// when
	rec, err := s.backend.Commit(s.ctx, id, 3)

	// then
	require.NoError(s.T(), err)
	require.Equal(s.T(), int64(7), rec.Stock)
	require.Equal(s.T(), int64(1), rec.Reserved)
	require.Equal(s.T(), before.Available(), rec.Available(), "commit must not change available")
}

func (s *backendSuite) TestCommit_OverCommit() {
	// given
	id := s.seed(10, 2)

	// when
	rec, err := s.backend.Commit(s.ctx, id, 3)

	// then
	require.ErrorIs(s.T(), err, inverrors.ErrOverCommit)
	require.Nil(s.T(), rec)
	s.requireRecord(id, 10, 2)
}

func (s *backendSuite) TestDelete_RemovesHolds() {
	// given
	id := s.seed(5, 0)
	cartID := "cart-" + uuid.NewString()
	hold := s.newHold(id, cartID, 2, time.Hour)
	require.NoError(s.T(), s.backend.ReserveHold(s.ctx, hold))

	// when
	err := s.backend.Delete(s.ctx, id)

	// then
	require.NoError(s.T(), err)
	_, err = s.backend.GetByID(s.ctx, id)
	require.ErrorIs(s.T(), err, inverrors.ErrNotFound)
	_, err = s.backend.FindHold(s.ctx, hold.ID)
	require.ErrorIs(s.T(), err, inverrors.ErrHoldNotFound)
	holds, err := s.backend.ListHoldsByCart(s.ctx, cartID)
	require.NoError(s.T(), err)
	require.Empty(s.T(), holds)
}

func (s *backendSuite) TestReserveHold() {
	// given
	id := s.seed(5, 0)
	hold := s.newHold(id, "cart-"+uuid.NewString(), 3, time.Hour)

	// when
	err := s.backend.ReserveHold(s.ctx, hold)

	// then
	require.NoError(s.T(), err)
	s.requireRecord(id, 5, 3)
	found, err := s.backend.FindHold(s.ctx, hold.ID)
	require.NoError(s.T(), err)
	require.Equal(s.T(), hold.ID, found.ID)
	require.Equal(s.T(), hold.CartID, found.CartID)
	require.Equal(s.T(), hold.ProductID, found.ProductID)
	require.Equal(s.T(), hold.Quantity, found.Quantity)
	require.WithinDuration(s.T(), hold.ExpiresAt, found.ExpiresAt, time.Millisecond)

	// when the same ticket is stored again
	err = s.backend.ReserveHold(s.ctx, hold)

	// then
	require.NoError(s.T(), err)
	s.requireRecord(id, 5, 3)
}

func (s *backendSuite) TestReserveHold_Rejected() {
	testCases := []struct {
		name        string
		productID   func() string
		quantity    int64
		expectedErr error
	}{
		{name: "insufficient", productID: func() string { return s.seed(2, 1) }, quantity: 2, expectedErr: inverrors.ErrInsufficientStock},
		{name: "missing product", productID: func() string { return "missing-" + uuid.NewString() }, quantity: 1, expectedErr: inverrors.ErrNotFound},
	}
	for _, tc := range testCases {
		s.Run(tc.name, func() {
			// given
			hold := s.newHold(tc.productID(), "cart-"+uuid.NewString(), tc.quantity, time.Hour)

			// when
			err := s.backend.ReserveHold(s.ctx, hold)

			// then
			require.ErrorIs(s.T(), err, tc.expectedErr)
			_, err = s.backend.FindHold(s.ctx, hold.ID)
			require.ErrorIs(s.T(), err, inverrors.ErrHoldNotFound)
		})
	}
}

func (s *backendSuite) TestReleaseHold() {
	// given
	id := s.seed(5, 0)
	hold := s.newHold(id, "cart-"+uuid.NewString(), 2, time.Hour)
	require.NoError(s.T(), s.backend.ReserveHold(s.ctx, hold))

	// when
	released, err := s.backend.ReleaseHold(s.ctx, hold.ID)

	// then
	require.NoError(s.T(), err)
	require.Equal(s.T(), hold.ID, released.ID)
	s.requireRecord(id, 5, 0)

	// when released twice
	_, err = s.backend.ReleaseHold(s.ctx, hold.ID)

	// then
	require.ErrorIs(s.T(), err, inverrors.ErrHoldNotFound)
	s.requireRecord(id, 5, 0)
}

func (s *backendSuite) TestReleaseHold_AfterPlainRelease() {
	// given
	id := s.seed(5, 0)
	cartID := "cart-" + uuid.NewString()
	hold := s.newHold(id, cartID, 2, time.Hour)
	require.NoError(s.T(), s.backend.ReserveHold(s.ctx, hold))
	_, err := s.backend.Release(s.ctx, id, 2)
	require.NoError(s.T(), err)

	// when
	released, err := s.backend.ReleaseHold(s.ctx, hold.ID)

	// then
	require.NoError(s.T(), err, "ticket is retired even though its units are gone")
	require.Equal(s.T(), hold.ID, released.ID)
	s.requireRecord(id, 5, 0)
	holds, err := s.backend.ListHoldsByCart(s.ctx, cartID)
	require.NoError(s.T(), err)
	require.Empty(s.T(), holds)
}

func (s *backendSuite) TestReleaseHold_PartiallyCovered() {
	// given
	id := s.seed(5, 0)
	hold := s.newHold(id, "cart-"+uuid.NewString(), 3, time.Hour)
	require.NoError(s.T(), s.backend.ReserveHold(s.ctx, hold))
	_, err := s.backend.Commit(s.ctx, id, 2)
	require.NoError(s.T(), err)

	// when
	_, err = s.backend.ReleaseHold(s.ctx, hold.ID)

	// then
	require.NoError(s.T(), err)
	s.requireRecord(id, 3, 0)
}

func (s *backendSuite) TestCommitHold() {
	// given
	id := s.seed(5, 0)
	hold := s.newHold(id, "cart-"+uuid.NewString(), 2, time.Hour)
	require.NoError(s.T(), s.backend.ReserveHold(s.ctx, hold))

	// when
	committed, err := s.backend.CommitHold(s.ctx, hold.ID, time.Now())

	// then
	require.NoError(s.T(), err)
	require.Equal(s.T(), hold.ID, committed.ID)
	s.requireRecord(id, 3, 0)
	_, err = s.backend.CommitHold(s.ctx, hold.ID, time.Now())
	require.ErrorIs(s.T(), err, inverrors.ErrHoldNotFound)
}

func (s *backendSuite) TestCommitHold_Expired() {
	// given
	id := s.seed(5, 0)
	hold := s.newHold(id, "cart-"+uuid.NewString(), 2, time.Minute)
	require.NoError(s.T(), s.backend.ReserveHold(s.ctx, hold))

	// when
	_, err := s.backend.CommitHold(s.ctx, hold.ID, hold.ExpiresAt.Add(time.Second))

	// then
	require.ErrorIs(s.T(), err, inverrors.ErrHoldExpired)
	s.requireRecord(id, 5, 2)
	_, err = s.backend.FindHold(s.ctx, hold.ID)
	require.NoError(s.T(), err, "expired ticket is kept for the sweeper")
}

func (s *backendSuite) TestListHoldsByCart() {
	// given
	cartID := "cart-" + uuid.NewString()
	first := s.newHold(s.seed(5, 0), cartID, 1, time.Hour)
	second := s.newHold(s.seed(5, 0), cartID, 2, time.Hour)
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	other := s.newHold(s.seed(5, 0), "cart-"+uuid.NewString(), 1, time.Hour)
	for _, h := range []Hold{second, first, other} {
		require.NoError(s.T(), s.backend.ReserveHold(s.ctx, h))
	}

	// when
	holds, err := s.backend.ListHoldsByCart(s.ctx, cartID)

	// then
	require.NoError(s.T(), err)
	require.Len(s.T(), holds, 2)
	require.Equal(s.T(), first.ID, holds[0].ID)
	require.Equal(s.T(), second.ID, holds[1].ID)

	// when the cart is unknown
	holds, err = s.backend.ListHoldsByCart(s.ctx, "cart-"+uuid.NewString())

	// then
	require.NoError(s.T(), err)
	require.NotNil(s.T(), holds)
	require.Empty(s.T(), holds)
}

func (s *backendSuite) TestListExpiredHolds() {
	// given
	id := s.seed(10, 0)
	now := time.Now().UTC().Truncate(time.Millisecond)
	older := s.newHold(id, "cart-a", 1, 0)
	older.ExpiresAt = now.Add(-2 * time.Minute)
	newer := s.newHold(id, "cart-b", 1, 0)
	newer.ExpiresAt = now.Add(-time.Minute)
	live := s.newHold(id, "cart-c", 1, time.Hour)
	for _, h := range []Hold{newer, live, older} {
		require.NoError(s.T(), s.backend.ReserveHold(s.ctx, h))
	}

	// when
	all, err := s.backend.ListExpiredHolds(s.ctx, now, 10)
	require.NoError(s.T(), err)
	limited, err := s.backend.ListExpiredHolds(s.ctx, now, 1)
	require.NoError(s.T(), err)

	// then
	require.Len(s.T(), all, 2)
	require.Equal(s.T(), older.ID, all[0].ID)
	require.Equal(s.T(), newer.ID, all[1].ID)
	require.Len(s.T(), limited, 1)
	require.Equal(s.T(), older.ID, limited[0].ID)
}

func (s *backendSuite) TestReleaseHold_ConcurrentOnce() {
	// given
	id := s.seed(5, 0)
	hold := s.newHold(id, "cart-"+uuid.NewString(), 3, time.Hour)
	require.NoError(s.T(), s.backend.ReserveHold(s.ctx, hold))
	var succeeded atomic.Int32

	// when
	var g errgroup.Group
	for range 5 {
		g.Go(func() error {
			_, err := s.backend.ReleaseHold(s.ctx, hold.ID)
			if err == nil {
				succeeded.Add(1)
				return nil
			}
			if errors.Is(err, inverrors.ErrHoldNotFound) {
				return nil
			}
			return err
		})
	}
	require.NoError(s.T(), g.Wait())

	// then
	require.Equal(s.T(), int32(1), succeeded.Load())
	s.requireRecord(id, 5, 0)
}

func (s *backendSuite) TestPing() {
	require.NoError(s.T(), s.backend.Ping(s.ctx))
}
