// Package subscriber releases the holds of carts abandoned by shoppers.
package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	inverrors "github.com/abgdnv/inventory/internal/errors"
	"github.com/abgdnv/inventory/pkg/config"
	"github.com/abgdnv/inventory/pkg/messaging/events"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// CartReleaser gives back every hold of a cart.
type CartReleaser interface {
	ReleaseCart(ctx context.Context, cartID string) (int, error)
}

type ackableMsg interface {
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

// Start creates the durable consumer for abandoned carts and runs the configured number of workers
// until ctx is cancelled.
func Start(ctx context.Context, js jetstream.JetStream, subscriberCfg config.SubscriberConfig, releaser CartReleaser, logger *slog.Logger) error {
	cfg := jetstream.ConsumerConfig{
		FilterSubject: subscriberCfg.Subject,
		Durable:       subscriberCfg.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    subscriberCfg.MaxDeliver,
	}
	consumer, err := js.CreateOrUpdateConsumer(ctx, subscriberCfg.Stream, cfg)
	if err != nil {
		return err
	}
	logger = logger.With("component", "subscriber", "subject", subscriberCfg.Subject)
	batch := subscriberCfg.Batch
	if batch <= 0 {
		batch = 1
	}
	g, gCtx := errgroup.WithContext(ctx)
	for range subscriberCfg.Workers {
		g.Go(func() error {
			return runWorker(gCtx, consumer, batch, subscriberCfg.Timeout, subscriberCfg.Interval, releaser, logger)
		})
	}
	return g.Wait()
}

func runWorker(ctx context.Context, consumer jetstream.Consumer, batchSize int, timeout, interval time.Duration,
	releaser CartReleaser, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		batch, err := consumer.Fetch(batchSize, jetstream.FetchMaxWait(timeout))
		if err != nil {
			logger.ErrorContext(ctx, "failed to fetch messages", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
			continue
		}
		for msg := range batch.Messages() {
			handleMessage(ctx, msg, releaser, logger)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.Canceled) {
			logger.DebugContext(ctx, "fetch finished with error", "error", err)
		}
	}
}

// handleMessage releases the holds of one abandoned cart. Undecodable payloads are terminated,
// storage failures are redelivered.
func handleMessage(ctx context.Context, msg ackableMsg, releaser CartReleaser, logger *slog.Logger) {
	if msg == nil {
		logger.ErrorContext(ctx, "received nil message")
		return
	}
	var event events.CartAbandonedEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil || event.CartID == "" {
		logger.ErrorContext(ctx, "failed to decode cart abandoned event", "error", err)
		if err := msg.Term(); err != nil {
			logger.ErrorContext(ctx, "failed to terminate message", "error", err)
		}
		return
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(event.Carrier))
	ctx, span := otel.Tracer("github.com/abgdnv/inventory/internal/subscriber").Start(ctx, "carts.abandoned process",
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	released, err := releaser.ReleaseCart(ctx, event.CartID)
	if err != nil && errors.Is(err, inverrors.ErrStorageUnavailable) {
		span.RecordError(err)
		logger.WarnContext(ctx, "failed to release cart, will retry", "cart_id", event.CartID, "released", released, "error", err)
		if err := msg.Nak(); err != nil {
			logger.ErrorContext(ctx, "failed to nack message", "error", err)
		}
		return
	}
	if err != nil {
		logger.WarnContext(ctx, "cart released with rejected holds", "cart_id", event.CartID, "released", released, "error", err)
	} else {
		logger.InfoContext(ctx, "released holds of abandoned cart",
			slog.String("cart_id", event.CartID),
			slog.Int("released", released),
			slog.String("abandoned_at", event.AbandonedAt.Format(time.RFC3339)))
	}

	if err := msg.Ack(); err != nil {
		logger.ErrorContext(ctx, "failed to ack message", "error", err)
	}
}
