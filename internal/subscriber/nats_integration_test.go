package subscriber

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/abgdnv/inventory/internal/config"
	"github.com/abgdnv/inventory/internal/service"
	"github.com/abgdnv/inventory/internal/store"
	pkgconfig "github.com/abgdnv/inventory/pkg/config"
	"github.com/abgdnv/inventory/pkg/messaging"
	"github.com/abgdnv/inventory/pkg/messaging/events"
	pnats "github.com/abgdnv/inventory/pkg/nats"
	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/nats"
	"golang.org/x/sync/errgroup"
)

const skipIntegrationTests = "INVENTORY_SKIP_INTEGRATION_TESTS"
const natsImg = "nats:2.11.6-alpine"

// SubscriberSuite runs the abandoned cart consumer against a real JetStream server.
type SubscriberSuite struct {
	suite.Suite
	ctx           context.Context
	logger        *slog.Logger
	natsContainer *nats.NATSContainer
	nc            *natsgo.Conn
	js            jetstream.JetStream
}

func (s *SubscriberSuite) SetupSuite() {
	s.ctx = context.Background()
	s.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var err error
	s.natsContainer, err = nats.Run(s.ctx, natsImg)
	require.NoError(s.T(), err, "Failed to run NATS container")

	natsURL, err := s.natsContainer.ConnectionString(s.ctx)
	require.NoError(s.T(), err)
	s.nc, err = pnats.NewClient(natsURL, 5*time.Second)
	require.NoError(s.T(), err, "Failed to connect to NATS")

	s.js, err = pnats.NewJetStreamContext(s.nc)
	require.NoError(s.T(), err, "Failed to create JetStream context")
}

func (s *SubscriberSuite) TearDownSuite() {
	s.nc.Close()
	if err := testcontainers.TerminateContainer(s.natsContainer); err != nil {
		s.logger.Error("Failed to terminate NATS container", "error", err)
	}
}

func TestSubscriberIntegration(t *testing.T) {
	if os.Getenv(skipIntegrationTests) == "1" {
		t.Skip("Skipping integration tests based on " + skipIntegrationTests + " env var")
	}
	suite.Run(t, new(SubscriberSuite))
}

func (s *SubscriberSuite) newService() *service.Service {
	svc := service.NewService(store.NewMemoryStore(4), pnats.NewNatsPublisher(s.js),
		config.ReservationConfig{
			HoldTTL:          time.Minute,
			SweepInterval:    time.Second,
			SweepBatch:       10,
			OperationTimeout: time.Second,
		},
		pkgconfig.ResilienceConfig{
			Retry: pkgconfig.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
			CircuitBreaker: pkgconfig.CircuitBreakerConfig{
				ConsecutiveFailures: 5, ErrorRatePercent: 60, OpenTimeout: time.Second,
			},
		}, s.logger)
	return svc
}

func (s *SubscriberSuite) TestAbandonedCartReleasesHolds() {
	t := s.T()
	// given
	suffix := uuid.NewString()
	cartsStream := "CARTS-" + suffix
	inventoryStream := "INVENTORY-" + suffix
	_, err := pnats.EnsureStream(s.ctx, s.js, cartsStream, messaging.CartsAbandonedSubject)
	require.NoError(t, err)
	invStream, err := pnats.EnsureStream(s.ctx, s.js, inventoryStream, messaging.InventorySubjects)
	require.NoError(t, err)

	svc := s.newService()
	_, err = svc.SetStock(s.ctx, "sku-1", 10)
	require.NoError(t, err)
	_, err = svc.HoldForCart(s.ctx, "cart-1", "sku-1", 4)
	require.NoError(t, err)

	testCtx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	g, gCtx := errgroup.WithContext(testCtx)
	t.Cleanup(func() {
		cancel()
		require.ErrorIs(t, g.Wait(), context.Canceled)
	})
	g.Go(func() error {
		return Start(gCtx, s.js, pkgconfig.SubscriberConfig{
			Stream:     cartsStream,
			Subject:    messaging.CartsAbandonedSubject,
			Consumer:   "CONSUMER-" + suffix,
			Batch:      5,
			Timeout:    200 * time.Millisecond,
			Interval:   10 * time.Millisecond,
			Workers:    2,
			MaxDeliver: 3,
		}, svc, s.logger)
	})

	// when
	payload, err := json.Marshal(events.CartAbandonedEvent{CartID: "cart-1", AbandonedAt: time.Now()})
	require.NoError(t, err)
	_, err = s.js.Publish(s.ctx, messaging.CartsAbandonedSubject, []byte("not json"))
	require.NoError(t, err)
	_, err = s.js.Publish(s.ctx, messaging.CartsAbandonedSubject, payload)
	require.NoError(t, err)

	// then
	require.Eventually(t, func() bool {
		rec, err := svc.Get(s.ctx, "sku-1")
		return err == nil && rec.Reserved == 0 && rec.Available == 10
	}, 5*time.Second, 50*time.Millisecond, "holds of the abandoned cart were not released")

	holds, err := svc.CartHolds(s.ctx, "cart-1")
	require.NoError(t, err)
	require.Empty(t, holds)

	require.Eventually(t, func() bool {
		info, err := invStream.Info(s.ctx)
		return err == nil && info.State.Msgs == 2
	}, 5*time.Second, 50*time.Millisecond, "expected reserved and released events")

	msg, err := invStream.GetLastMsgForSubject(s.ctx, messaging.InventoryReleasedSubject)
	require.NoError(t, err)
	var released events.StockEvent
	require.NoError(t, json.Unmarshal(msg.Data, &released))
	require.Equal(t, "cart-1", released.CartID)
	require.Equal(t, int64(4), released.Quantity)
	require.Equal(t, events.ReasonAbandoned, released.Reason)
}
