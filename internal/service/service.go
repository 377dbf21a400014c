// Package service implements the inventory reservation engine.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/abgdnv/inventory/internal/config"
	inverrors "github.com/abgdnv/inventory/internal/errors"
	"github.com/abgdnv/inventory/internal/store"
	pkgconfig "github.com/abgdnv/inventory/pkg/config"
	"github.com/abgdnv/inventory/pkg/logger"
	"github.com/abgdnv/inventory/pkg/messaging"
	"github.com/abgdnv/inventory/pkg/messaging/events"
	"github.com/abgdnv/inventory/pkg/resilience"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/abgdnv/inventory/internal/service"

var _ InventoryService = (*Service)(nil)

// InventoryService defines the reservation engine operations.
// Every error is either one of the domain errors of internal/errors or wraps ErrStorageUnavailable.
type InventoryService interface {
	// Reserve sets aside quantity units of a product if at least that many are available.
	// Returns ErrInvalidQuantity, ErrNotFound or ErrInsufficientStock.
	Reserve(ctx context.Context, productID string, quantity int64) (*StockDto, error)

	// Release gives back quantity previously reserved units.
	// Returns ErrInvalidQuantity, ErrNotFound or ErrOverRelease.
	Release(ctx context.Context, productID string, quantity int64) (*StockDto, error)

	// Commit turns quantity reserved units into sold ones, lowering stock and reserved together.
	// Returns ErrInvalidQuantity, ErrNotFound or ErrOverCommit.
	Commit(ctx context.Context, productID string, quantity int64) (*StockDto, error)

	// Available returns stock - reserved of a product.
	Available(ctx context.Context, productID string) (int64, error)

	// Get returns the full stock record of a product.
	Get(ctx context.Context, productID string) (*StockDto, error)

	// SetStock creates the record or changes its stock.
	// Returns ErrInvalidStock or ErrStockBelowReserved.
	SetStock(ctx context.Context, productID string, stock int64) (*StockDto, error)

	// Delete removes the record of a product and its holds.
	Delete(ctx context.Context, productID string) error

	// HoldForCart reserves quantity units of a product for a cart until the hold expires.
	HoldForCart(ctx context.Context, cartID, productID string, quantity int64) (*HoldDto, error)

	// ReleaseHold gives back the units of a hold. The returned hold is nil when an earlier
	// attempt of the same call already released it.
	ReleaseHold(ctx context.Context, holdID uuid.UUID) (*HoldDto, error)

	// CommitHold sells the units of a hold. Returns ErrHoldExpired if the hold has expired.
	CommitHold(ctx context.Context, holdID uuid.UUID) (*HoldDto, error)

	// CartHolds lists the active holds of a cart.
	CartHolds(ctx context.Context, cartID string) ([]HoldDto, error)

	// ReleaseCart releases every hold of a cart and returns how many were released.
	ReleaseCart(ctx context.Context, cartID string) (int, error)

	// CommitCart sells every hold of a cart. Nothing is committed if any hold has expired.
	CommitCart(ctx context.Context, cartID string) ([]HoldDto, error)

	// SweepExpired releases expired holds and returns how many were released.
	SweepExpired(ctx context.Context) (int, error)
}

// Service implements InventoryService on top of a storage backend.
type Service struct {
	store     store.Backend
	policy    *resilience.Policy
	publisher messaging.Publisher
	cfg       config.ReservationConfig
	logger    *slog.Logger
	now       func() time.Time

	tracer     trace.Tracer
	operations metric.Int64Counter
	units      metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewService creates a new instance of the reservation engine. A nil publisher drops events.
func NewService(backend store.Backend, publisher messaging.Publisher, cfg config.ReservationConfig,
	resilienceCfg pkgconfig.ResilienceConfig, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = messaging.NoopPublisher{}
	}
	meter := otel.Meter(instrumentationName)
	operations, err := meter.Int64Counter("inventory_operations",
		metric.WithDescription("Total number of reservation engine operations by outcome"))
	if err != nil {
		panic(fmt.Sprintf("failed to create inventory_operations counter: %v", err))
	}
	units, err := meter.Int64Counter("inventory_units",
		metric.WithDescription("Total number of units reserved, released and committed"))
	if err != nil {
		panic(fmt.Sprintf("failed to create inventory_units counter: %v", err))
	}
	duration, err := meter.Float64Histogram("inventory_operation_duration",
		metric.WithDescription("Duration of reservation engine operations"), metric.WithUnit("s"))
	if err != nil {
		panic(fmt.Sprintf("failed to create inventory_operation_duration histogram: %v", err))
	}

	return &Service{
		store:     backend,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		now:       time.Now,
		policy: resilience.New("inventory-store", resilienceCfg, resilience.Classifier{
			IsSuccessful: func(err error) bool { return inverrors.IsDomain(err) || callerGone(err) },
			IsRetryable:  func(err error) bool { return !inverrors.IsDomain(err) && !callerGone(err) },
		}),
		tracer:     otel.Tracer(instrumentationName),
		operations: operations,
		units:      units,
		duration:   duration,
	}
}

// StockDto is the stock record as returned to callers.
type StockDto struct {
	ID        string `json:"id"`
	Stock     int64  `json:"stock"`
	Reserved  int64  `json:"reserved"`
	Available int64  `json:"available"`
	UpdatedAt string `json:"updated_at"`
}

// HoldDto is a reservation ticket as returned to callers.
type HoldDto struct {
	ID        uuid.UUID `json:"id"`
	CartID    string    `json:"cart_id"`
	ProductID string    `json:"product_id"`
	Quantity  int64     `json:"quantity"`
	CreatedAt string    `json:"created_at"`
	ExpiresAt string    `json:"expires_at"`
}

func (s *Service) Reserve(ctx context.Context, productID string, quantity int64) (*StockDto, error) {
	rec, err := s.mutate(ctx, "reserve", productID, quantity, s.store.Reserve)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.NewReservedEvent(), productID, quantity, func(*events.StockEvent) {})
	return toStockDto(rec), nil
}

func (s *Service) Release(ctx context.Context, productID string, quantity int64) (*StockDto, error) {
	rec, err := s.mutate(ctx, "release", productID, quantity, s.store.Release)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.NewReleasedEvent(), productID, quantity, func(e *events.StockEvent) {
		e.Reason = events.ReasonRequested
	})
	return toStockDto(rec), nil
}

func (s *Service) Commit(ctx context.Context, productID string, quantity int64) (*StockDto, error) {
	rec, err := s.mutate(ctx, "commit", productID, quantity, s.store.Commit)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.NewCommittedEvent(), productID, quantity, func(*events.StockEvent) {})
	return toStockDto(rec), nil
}

func (s *Service) mutate(ctx context.Context, op, productID string, quantity int64,
	fn func(ctx context.Context, id string, quantity int64) (*store.StockRecord, error)) (*store.StockRecord, error) {
	if productID == "" {
		return nil, inverrors.ErrInvalidID
	}
	if quantity <= 0 {
		return nil, inverrors.ErrInvalidQuantity
	}
	ctx = logger.AppendCtx(ctx, slog.String("product_id", productID), slog.Int64("quantity", quantity))

	var rec *store.StockRecord
	err := s.run(ctx, op, func(ctx context.Context, _ uint) error {
		var err error
		rec, err = fn(ctx, productID, quantity)
		return err
	}, attribute.String("product_id", productID), attribute.Int64("quantity", quantity))
	if err != nil {
		return nil, err
	}
	s.units.Add(ctx, quantity, metric.WithAttributes(attribute.String("op", op)))
	return rec, nil
}

func (s *Service) Available(ctx context.Context, productID string) (int64, error) {
	dto, err := s.Get(ctx, productID)
	if err != nil {
		return 0, err
	}
	return dto.Available, nil
}

func (s *Service) Get(ctx context.Context, productID string) (*StockDto, error) {
	if productID == "" {
		return nil, inverrors.ErrInvalidID
	}
	var rec *store.StockRecord
	err := s.run(ctx, "get", func(ctx context.Context, _ uint) error {
		var err error
		rec, err = s.store.GetByID(ctx, productID)
		return err
	}, attribute.String("product_id", productID))
	if err != nil {
		return nil, err
	}
	return toStockDto(rec), nil
}

func (s *Service) SetStock(ctx context.Context, productID string, stock int64) (*StockDto, error) {
	if productID == "" {
		return nil, inverrors.ErrInvalidID
	}
	if stock < 0 {
		return nil, inverrors.ErrInvalidStock
	}
	var rec *store.StockRecord
	err := s.run(ctx, "set_stock", func(ctx context.Context, _ uint) error {
		var err error
		rec, err = s.store.CreateOrUpdate(ctx, productID, stock)
		return err
	}, attribute.String("product_id", productID), attribute.Int64("stock", stock))
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "Stock updated", slog.String("product_id", productID),
		slog.Int64("stock", rec.Stock), slog.Int64("reserved", rec.Reserved))
	return toStockDto(rec), nil
}

func (s *Service) Delete(ctx context.Context, productID string) error {
	if productID == "" {
		return inverrors.ErrInvalidID
	}
	err := s.run(ctx, "delete", func(ctx context.Context, attempt uint) error {
		err := s.store.Delete(ctx, productID)
		// an earlier attempt may have deleted it before failing to report back
		if attempt > 1 && errors.Is(err, inverrors.ErrNotFound) {
			return nil
		}
		return err
	}, attribute.String("product_id", productID))
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "Stock record deleted", slog.String("product_id", productID))
	return nil
}

func (s *Service) HoldForCart(ctx context.Context, cartID, productID string, quantity int64) (*HoldDto, error) {
	if cartID == "" || productID == "" {
		return nil, inverrors.ErrInvalidID
	}
	if quantity <= 0 {
		return nil, inverrors.ErrInvalidQuantity
	}
	now := s.now()
	hold := store.Hold{
		ID:        uuid.New(),
		CartID:    cartID,
		ProductID: productID,
		Quantity:  quantity,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.HoldTTL),
	}
	ctx = logger.AppendCtx(ctx, slog.String("cart_id", cartID), slog.String("hold_id", hold.ID.String()))

	// the hold ID is fixed before the first attempt, so a replay is a no-op
	err := s.run(ctx, "hold", func(ctx context.Context, _ uint) error {
		return s.store.ReserveHold(ctx, hold)
	}, attribute.String("product_id", productID), attribute.String("cart_id", cartID))
	if err != nil {
		return nil, err
	}
	s.units.Add(ctx, quantity, metric.WithAttributes(attribute.String("op", "hold")))
	s.publish(ctx, events.NewReservedEvent(), productID, quantity, func(e *events.StockEvent) {
		e.CartID = cartID
		e.HoldID = &hold.ID
	})
	return toHoldDto(&hold), nil
}

func (s *Service) ReleaseHold(ctx context.Context, holdID uuid.UUID) (*HoldDto, error) {
	h, err := s.releaseHold(ctx, holdID, events.ReasonRequested)
	if err != nil || h == nil {
		return nil, err
	}
	return toHoldDto(h), nil
}

func (s *Service) releaseHold(ctx context.Context, holdID uuid.UUID, reason string) (*store.Hold, error) {
	ctx = logger.AppendCtx(ctx, slog.String("hold_id", holdID.String()))
	var released *store.Hold
	err := s.run(ctx, "release_hold", func(ctx context.Context, attempt uint) error {
		var err error
		released, err = s.store.ReleaseHold(ctx, holdID)
		if attempt > 1 && errors.Is(err, inverrors.ErrHoldNotFound) {
			return nil
		}
		return err
	}, attribute.String("hold_id", holdID.String()), attribute.String("reason", reason))
	if err != nil {
		return nil, err
	}
	if released == nil {
		s.logger.DebugContext(ctx, "Hold released by an earlier attempt")
		return nil, nil
	}
	s.units.Add(ctx, released.Quantity, metric.WithAttributes(attribute.String("op", "release_hold")))
	s.publish(ctx, events.NewReleasedEvent(), released.ProductID, released.Quantity, func(e *events.StockEvent) {
		e.CartID = released.CartID
		e.HoldID = &released.ID
		e.Reason = reason
	})
	return released, nil
}

func (s *Service) CommitHold(ctx context.Context, holdID uuid.UUID) (*HoldDto, error) {
	h, err := s.commitHold(ctx, holdID)
	if err != nil || h == nil {
		return nil, err
	}
	return toHoldDto(h), nil
}

func (s *Service) commitHold(ctx context.Context, holdID uuid.UUID) (*store.Hold, error) {
	ctx = logger.AppendCtx(ctx, slog.String("hold_id", holdID.String()))
	var committed *store.Hold
	err := s.run(ctx, "commit_hold", func(ctx context.Context, attempt uint) error {
		var err error
		committed, err = s.store.CommitHold(ctx, holdID, s.now())
		if attempt > 1 && errors.Is(err, inverrors.ErrHoldNotFound) {
			return nil
		}
		return err
	}, attribute.String("hold_id", holdID.String()))
	if err != nil {
		return nil, err
	}
	if committed == nil {
		s.logger.DebugContext(ctx, "Hold committed by an earlier attempt")
		return nil, nil
	}
	s.units.Add(ctx, committed.Quantity, metric.WithAttributes(attribute.String("op", "commit_hold")))
	s.publish(ctx, events.NewCommittedEvent(), committed.ProductID, committed.Quantity, func(e *events.StockEvent) {
		e.CartID = committed.CartID
		e.HoldID = &committed.ID
	})
	return committed, nil
}

func (s *Service) CartHolds(ctx context.Context, cartID string) ([]HoldDto, error) {
	holds, err := s.cartHolds(ctx, cartID)
	if err != nil {
		return nil, err
	}
	dtos := make([]HoldDto, len(holds))
	for i := range holds {
		dtos[i] = *toHoldDto(&holds[i])
	}
	return dtos, nil
}

func (s *Service) cartHolds(ctx context.Context, cartID string) ([]store.Hold, error) {
	if cartID == "" {
		return nil, inverrors.ErrInvalidID
	}
	var holds []store.Hold
	err := s.run(ctx, "cart_holds", func(ctx context.Context, _ uint) error {
		var err error
		holds, err = s.store.ListHoldsByCart(ctx, cartID)
		return err
	}, attribute.String("cart_id", cartID))
	return holds, err
}

func (s *Service) ReleaseCart(ctx context.Context, cartID string) (int, error) {
	ctx = logger.AppendCtx(ctx, slog.String("cart_id", cartID))
	holds, err := s.cartHolds(ctx, cartID)
	if err != nil {
		return 0, err
	}
	released := 0
	var errs []error
	for _, h := range holds {
		_, err := s.releaseHold(ctx, h.ID, events.ReasonAbandoned)
		switch {
		case err == nil:
			released++
		case errors.Is(err, inverrors.ErrHoldNotFound):
			// released concurrently, e.g. by the sweeper
		default:
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return released, errors.Join(errs...)
	}
	if released > 0 {
		s.logger.InfoContext(ctx, "Cart released", slog.Int("holds", released))
	}
	return released, nil
}

func (s *Service) CommitCart(ctx context.Context, cartID string) ([]HoldDto, error) {
	ctx = logger.AppendCtx(ctx, slog.String("cart_id", cartID))
	holds, err := s.cartHolds(ctx, cartID)
	if err != nil {
		return nil, err
	}
	if len(holds) == 0 {
		return nil, fmt.Errorf("cart %s has no holds: %w", cartID, inverrors.ErrHoldNotFound)
	}
	now := s.now()
	for _, h := range holds {
		if h.Expired(now) {
			return nil, fmt.Errorf("hold %s of product %s: %w", h.ID, h.ProductID, inverrors.ErrHoldExpired)
		}
	}

	committed := make([]HoldDto, 0, len(holds))
	var errs []error
	for _, h := range holds {
		c, err := s.commitHold(ctx, h.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("hold %s: %w", h.ID, err))
			continue
		}
		if c == nil {
			c = &h
		}
		committed = append(committed, *toHoldDto(c))
	}
	if len(errs) > 0 {
		s.logger.ErrorContext(ctx, "Checkout partially committed",
			slog.Int("committed", len(committed)), slog.Int("failed", len(errs)))
		return committed, errors.Join(errs...)
	}
	s.logger.InfoContext(ctx, "Cart checked out", slog.Int("holds", len(committed)))
	return committed, nil
}

func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	swept := 0
	for {
		var expired []store.Hold
		err := s.run(ctx, "list_expired", func(ctx context.Context, _ uint) error {
			var err error
			expired, err = s.store.ListExpiredHolds(ctx, s.now(), s.cfg.SweepBatch)
			return err
		})
		if err != nil {
			return swept, err
		}
		released := 0
		for _, h := range expired {
			_, err := s.releaseHold(ctx, h.ID, events.ReasonExpired)
			switch {
			case err == nil:
				released++
			case errors.Is(err, inverrors.ErrHoldNotFound):
			case inverrors.IsDomain(err):
				// one bad ticket must not stall the batch behind it
				s.logger.WarnContext(ctx, "Skipping expired hold",
					slog.String("hold_id", h.ID.String()), slog.String("product_id", h.ProductID), "error", err)
			default:
				return swept, err
			}
		}
		swept += released
		if len(expired) < s.cfg.SweepBatch || released == 0 {
			return swept, nil
		}
	}
}

// RunSweeper releases expired holds every sweep interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	s.logger.InfoContext(ctx, "Hold sweeper started", slog.Duration("interval", s.cfg.SweepInterval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Hold sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			swept, err := s.SweepExpired(ctx)
			if err != nil {
				s.logger.ErrorContext(ctx, "Failed to sweep expired holds", slog.Int("released", swept), "error", err)
				continue
			}
			if swept > 0 {
				s.logger.InfoContext(ctx, "Expired holds released", slog.Int("released", swept))
			}
		}
	}
}

// run applies the operation timeout, retry and breaker policy and the error classification,
// and records the span and metrics of one engine operation.
func (s *Service) run(ctx context.Context, op string, fn func(ctx context.Context, attempt uint) error, attrs ...attribute.KeyValue) error {
	if s.cfg.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.OperationTimeout)
		defer cancel()
	}
	ctx, span := s.tracer.Start(ctx, "inventory."+op, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	err := classify(s.policy.Do(ctx, fn))
	outcome := outcomeOf(err)

	opAttrs := metric.WithAttributes(attribute.String("op", op), attribute.String("outcome", outcome))
	s.operations.Add(ctx, 1, opAttrs)
	s.duration.Record(ctx, time.Since(start).Seconds(), opAttrs)

	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil && !inverrors.IsDomain(err) && !callerGone(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.ErrorContext(ctx, "Stock storage unavailable", slog.String("op", op), "error", err)
	}
	return err
}

// classify passes domain errors through and turns every other failure into ErrStorageUnavailable,
// keeping the cause in the chain.
func classify(err error) error {
	if err == nil || inverrors.IsDomain(err) {
		return err
	}
	return fmt.Errorf("%w: %w", inverrors.ErrStorageUnavailable, err)
}

// callerGone reports a cancellation of the caller's context. The engine itself only ever sets
// deadlines, so these say nothing about the health of the backend.
func callerGone(err error) bool {
	return errors.Is(err, context.Canceled)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case callerGone(err):
		return "cancelled"
	case errors.Is(err, inverrors.ErrStorageUnavailable):
		return "unavailable"
	case errors.Is(err, inverrors.ErrNotFound), errors.Is(err, inverrors.ErrHoldNotFound):
		return "not_found"
	case errors.Is(err, inverrors.ErrHoldExpired):
		return "expired"
	case errors.Is(err, inverrors.ErrInsufficientStock), errors.Is(err, inverrors.ErrOverRelease),
		errors.Is(err, inverrors.ErrOverCommit), errors.Is(err, inverrors.ErrStockBelowReserved):
		return "rejected"
	default:
		return "invalid"
	}
}

// publish sends a stock event carrying the trace context. Failures are logged and ignored.
func (s *Service) publish(ctx context.Context, event events.StockEvent, productID string, quantity int64, fill func(e *events.StockEvent)) {
	carrier := make(propagation.MapCarrier)
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	event.Carrier = carrier
	event.ProductID = productID
	event.Quantity = quantity
	event.OccurredAt = s.now().UTC()
	fill(&event)

	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish stock event", slog.String("subject", event.Subject()), "error", err)
	}
}

func toStockDto(rec *store.StockRecord) *StockDto {
	if rec == nil {
		return nil
	}
	return &StockDto{
		ID:        rec.ID,
		Stock:     rec.Stock,
		Reserved:  rec.Reserved,
		Available: rec.Available(),
		UpdatedAt: rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toHoldDto(h *store.Hold) *HoldDto {
	if h == nil {
		return nil
	}
	return &HoldDto{
		ID:        h.ID,
		CartID:    h.CartID,
		ProductID: h.ProductID,
		Quantity:  h.Quantity,
		CreatedAt: h.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt: h.ExpiresAt.UTC().Format(time.RFC3339),
	}
}
