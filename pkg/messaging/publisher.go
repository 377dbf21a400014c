package messaging

import (
	"context"
)

const (
	InventoryReservedSubject  = "inventory.reserved"
	InventoryReleasedSubject  = "inventory.released"
	InventoryCommittedSubject = "inventory.committed"
	// InventorySubjects matches every event published by the inventory service.
	InventorySubjects = "inventory.>"

	CartsAbandonedSubject = "carts.abandoned"
)

type Event interface {
	Subject() string
	Payload() ([]byte, error)
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NoopPublisher drops every event. Used when messaging is disabled.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error {
	return nil
}
