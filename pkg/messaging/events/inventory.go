package events

import (
	"encoding/json"
	"time"

	"github.com/abgdnv/inventory/pkg/messaging"
	"github.com/google/uuid"
)

// Reasons a reservation is given back.
const (
	ReasonRequested = "requested"
	ReasonAbandoned = "abandoned"
	ReasonExpired   = "expired"
)

// StockEvent reports a change of the reserved or sold quantity of one product.
// Carrier holds the propagated trace context of the operation that produced it.
type StockEvent struct {
	Carrier    map[string]string `json:"carrier,omitempty"`
	ProductID  string            `json:"product_id"`
	Quantity   int64             `json:"quantity"`
	CartID     string            `json:"cart_id,omitempty"`
	HoldID     *uuid.UUID        `json:"hold_id,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`

	subject string
}

func NewReservedEvent() StockEvent  { return StockEvent{subject: messaging.InventoryReservedSubject} }
func NewReleasedEvent() StockEvent  { return StockEvent{subject: messaging.InventoryReleasedSubject} }
func NewCommittedEvent() StockEvent { return StockEvent{subject: messaging.InventoryCommittedSubject} }

func (e StockEvent) Subject() string {
	return e.subject
}

func (e StockEvent) Payload() ([]byte, error) {
	return json.Marshal(e)
}

// CartAbandonedEvent is published by the cart service when a shopper leaves without checking out.
type CartAbandonedEvent struct {
	Carrier     map[string]string `json:"carrier,omitempty"`
	CartID      string            `json:"cart_id"`
	AbandonedAt time.Time         `json:"abandoned_at"`
}

func (e CartAbandonedEvent) Subject() string {
	return messaging.CartsAbandonedSubject
}

func (e CartAbandonedEvent) Payload() ([]byte, error) {
	return json.Marshal(e)
}
