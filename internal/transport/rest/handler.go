// Package rest provides HTTP handlers for stock and cart hold operations.
package rest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	inverrors "github.com/abgdnv/inventory/internal/errors"
	"github.com/abgdnv/inventory/internal/service"
	"github.com/abgdnv/inventory/pkg/web"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Pinger reports whether the storage backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	service  service.InventoryService
	pinger   Pinger
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler creates a new instance of Handler with the provided service.
func NewHandler(service service.InventoryService, pinger Pinger, logger *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		pinger:   pinger,
		validate: validator.New(),
		logger:   logger.With("component", "rest"),
	}
}

type quantityRequest struct {
	Quantity int64 `json:"quantity" validate:"required,min=1"`
}

type stockRequest struct {
	Stock *int64 `json:"stock" validate:"required,min=0"`
}

type holdRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int64  `json:"quantity" validate:"required,min=1"`
}

// RegisterRoutes registers the HTTP routes for the inventory service.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/stock/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/", h.SetStock)
		r.Delete("/", h.Delete)
		r.Post("/reserve", h.Reserve)
		r.Post("/release", h.Release)
		r.Post("/commit", h.Commit)
	})
	r.Route("/api/v1/carts/{cartID}", func(r chi.Router) {
		r.Get("/holds", h.CartHolds)
		r.Post("/holds", h.HoldForCart)
		r.Delete("/holds", h.ReleaseCart)
		r.Post("/checkout", h.Checkout)
	})
	r.Route("/api/v1/holds/{holdID}", func(r chi.Router) {
		r.Delete("/", h.ReleaseHold)
		r.Post("/commit", h.CommitHold)
	})
	r.Get("/healthz", h.HealthCheck)
	r.Get("/readyz", h.ReadyCheck)
}

// Reserve sets aside units of a product.
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "reserve", h.service.Reserve)
}

// Release gives back reserved units of a product.
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "release", h.service.Release)
}

// Commit sells reserved units of a product.
func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "commit", h.service.Commit)
}

func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, op string,
	fn func(ctx context.Context, productID string, quantity int64) (*service.StockDto, error)) {
	id, ok := web.PathParam(w, r, h.logger, "id")
	if !ok {
		return
	}
	var req quantityRequest
	if !web.DecodeAndValidate(w, r, h.logger, h.validate, &req) {
		return
	}
	h.logger.DebugContext(r.Context(), "Received stock request", "op", op, "ID", id, "quantity", req.Quantity)
	rec, err := fn(r.Context(), id, req.Quantity)
	if err != nil {
		h.respondErr(w, r, err, "Failed to "+op+" stock")
		return
	}
	web.RespondJSON(w, h.logger, http.StatusOK, rec)
}

// Get returns the stock record of a product, including the available quantity.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := web.PathParam(w, r, h.logger, "id")
	if !ok {
		return
	}
	rec, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondErr(w, r, err, "Failed to retrieve stock")
		return
	}
	web.RespondJSON(w, h.logger, http.StatusOK, rec)
}

// SetStock creates the stock record of a product or changes its stock.
func (h *Handler) SetStock(w http.ResponseWriter, r *http.Request) {
	id, ok := web.PathParam(w, r, h.logger, "id")
	if !ok {
		return
	}
	var req stockRequest
	if !web.DecodeAndValidate(w, r, h.logger, h.validate, &req) {
		return
	}
	rec, err := h.service.SetStock(r.Context(), id, *req.Stock)
	if err != nil {
		h.respondErr(w, r, err, "Failed to update stock")
		return
	}
	web.RespondJSON(w, h.logger, http.StatusOK, rec)
}

// Delete removes the stock record of a product.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := web.PathParam(w, r, h.logger, "id")
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		h.respondErr(w, r, err, "Failed to delete stock")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HoldForCart reserves units of a product for a cart.
func (h *Handler) HoldForCart(w http.ResponseWriter, r *http.Request) {
	cartID, ok := web.PathParam(w, r, h.logger, "cartID")
	if !ok {
		return
	}
	var req holdRequest
	if !web.DecodeAndValidate(w, r, h.logger, h.validate, &req) {
		return
	}
	hold, err := h.service.HoldForCart(r.Context(), cartID, req.ProductID, req.Quantity)
	if err != nil {
		h.respondErr(w, r, err, "Failed to hold stock")
		return
	}
	h.logger.InfoContext(r.Context(), "Hold created", slog.String("ID", hold.ID.String()), slog.String("cart_id", cartID))
	web.RespondJSON(w, h.logger, http.StatusCreated, hold)
}

// CartHolds lists the active holds of a cart.
func (h *Handler) CartHolds(w http.ResponseWriter, r *http.Request) {
	cartID, ok := web.PathParam(w, r, h.logger, "cartID")
	if !ok {
		return
	}
	holds, err := h.service.CartHolds(r.Context(), cartID)
	if err != nil {
		h.respondErr(w, r, err, "Failed to list holds")
		return
	}
	web.RespondJSON(w, h.logger, http.StatusOK, holds)
}

// ReleaseCart releases every hold of an abandoned cart.
func (h *Handler) ReleaseCart(w http.ResponseWriter, r *http.Request) {
	cartID, ok := web.PathParam(w, r, h.logger, "cartID")
	if !ok {
		return
	}
	released, err := h.service.ReleaseCart(r.Context(), cartID)
	if err != nil {
		h.respondErr(w, r, err, "Failed to release cart")
		return
	}
	web.RespondJSON(w, h.logger, http.StatusOK, map[string]int{"released": released})
}

// Checkout commits every hold of a cart.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	cartID, ok := web.PathParam(w, r, h.logger, "cartID")
	if !ok {
		return
	}
	committed, err := h.service.CommitCart(r.Context(), cartID)
	if err != nil && len(committed) > 0 {
		status, message := h.failure(r, err, "Checkout partially committed")
		web.RespondJSON(w, h.logger, status, partialCheckout{Error: message, Committed: committed})
		return
	}
	if err != nil {
		h.respondErr(w, r, err, "Failed to check out cart")
		return
	}
	web.RespondJSON(w, h.logger, http.StatusOK, committed)
}

// ReleaseHold releases a single hold.
func (h *Handler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	holdID, ok := web.ParseUUID(w, r, h.logger, "holdID")
	if !ok {
		return
	}
	if _, err := h.service.ReleaseHold(r.Context(), holdID); err != nil {
		h.respondErr(w, r, err, "Failed to release hold")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CommitHold sells the units of a single hold.
func (h *Handler) CommitHold(w http.ResponseWriter, r *http.Request) {
	holdID, ok := web.ParseUUID(w, r, h.logger, "holdID")
	if !ok {
		return
	}
	hold, err := h.service.CommitHold(r.Context(), holdID)
	if err != nil {
		h.respondErr(w, r, err, "Failed to commit hold")
		return
	}
	if hold == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	web.RespondJSON(w, h.logger, http.StatusOK, hold)
}

// HealthCheck is a simple health check endpoint.
func (h *Handler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// ReadyCheck reports whether the storage backend is reachable.
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.pinger.Ping(ctx); err != nil {
		h.logger.WarnContext(r.Context(), "Storage backend is not ready", "error", err)
		web.RespondError(w, h.logger, http.StatusServiceUnavailable, "storage backend unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// respondErr maps engine errors to status codes. Storage failures are logged with their cause
// but answered with a generic message.
// partialCheckout is the error body of a checkout that committed some holds before failing.
// The committed holds are final and must not be retried.
type partialCheckout struct {
	Error     string            `json:"error"`
	Committed []service.HoldDto `json:"committed"`
}

func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error, failure string) {
	status, message := h.failure(r, err, failure)
	web.RespondError(w, h.logger, status, message)
}

// failure logs err and returns the status and the message shown to the client.
func (h *Handler) failure(r *http.Request, err error, failure string) (int, string) {
	status := statusFor(err)
	switch {
	case status == http.StatusServiceUnavailable:
		h.logger.ErrorContext(r.Context(), failure, "error", err)
		return status, "Stock storage is temporarily unavailable"
	case status >= http.StatusInternalServerError:
		h.logger.ErrorContext(r.Context(), failure, "error", err)
		return status, failure
	default:
		h.logger.WarnContext(r.Context(), failure, "error", err)
		return status, err.Error()
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, inverrors.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, inverrors.ErrInvalidID), errors.Is(err, inverrors.ErrInvalidQuantity),
		errors.Is(err, inverrors.ErrInvalidStock):
		return http.StatusBadRequest
	case errors.Is(err, inverrors.ErrNotFound), errors.Is(err, inverrors.ErrHoldNotFound):
		return http.StatusNotFound
	case errors.Is(err, inverrors.ErrInsufficientStock), errors.Is(err, inverrors.ErrOverRelease),
		errors.Is(err, inverrors.ErrOverCommit), errors.Is(err, inverrors.ErrStockBelowReserved):
		return http.StatusConflict
	case errors.Is(err, inverrors.ErrHoldExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
