package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/abgdnv/inventory/pkg/messaging"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStockEvent_Subject(t *testing.T) {
	testCases := []struct {
		name  string
		event StockEvent
		want  string
	}{
		{name: "reserved", event: NewReservedEvent(), want: messaging.InventoryReservedSubject},
		{name: "released", event: NewReleasedEvent(), want: messaging.InventoryReleasedSubject},
		{name: "committed", event: NewCommittedEvent(), want: messaging.InventoryCommittedSubject},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.event.Subject())
		})
	}
}

func TestStockEvent_Payload(t *testing.T) {
	// given
	holdID := uuid.New()
	event := NewReleasedEvent()
	event.ProductID = "sku-1"
	event.Quantity = 2
	event.HoldID = &holdID
	event.Reason = ReasonExpired
	event.OccurredAt = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	// when
	data, err := event.Payload()

	// then
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "sku-1", decoded["product_id"])
	assert.Equal(t, holdID.String(), decoded["hold_id"])
	assert.Equal(t, ReasonExpired, decoded["reason"])
	assert.NotContains(t, decoded, "cart_id")
	assert.NotContains(t, decoded, "subject")
}
