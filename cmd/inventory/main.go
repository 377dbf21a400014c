package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abgdnv/inventory/internal/adapter"
	"github.com/abgdnv/inventory/internal/app"
	"github.com/abgdnv/inventory/internal/config"
	"github.com/abgdnv/inventory/internal/health"
	"github.com/abgdnv/inventory/internal/subscriber"
	"github.com/abgdnv/inventory/pkg/bootstrap"
	"github.com/abgdnv/inventory/pkg/config/configloader"
	"github.com/abgdnv/inventory/pkg/messaging"
	pnats "github.com/abgdnv/inventory/pkg/nats"
	"github.com/abgdnv/inventory/pkg/telemetry"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health/grpc_health_v1"
)

const healthCheckInterval = 5 * time.Second

func main() {

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Printf("application run failed: %v", err)
		os.Exit(1)
	}
	log.Println("application stopped gracefully")
}

// run loads the configuration, opens the storage backend and messaging, and runs the HTTP, gRPC
// and pprof servers together with the hold sweeper and the abandoned cart subscriber.
func run(ctx context.Context) error {
	cfg, cfgErr := configloader.Load[*config.Config](app.ServiceName, config.Defaults())
	if cfgErr != nil {
		return fmt.Errorf("failed to load configuration: %w", cfgErr)
	}
	log.Printf("Configuration loaded: %v", cfg)

	logger := bootstrap.NewLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	shutdowns := make([]func(context.Context) error, 0, 2)
	if cfg.Telemetry.Traces.Enabled {
		tracerProvider, err := telemetry.NewTracerProvider(ctx, app.ServiceName, cfg.Telemetry)
		if err != nil {
			logger.Error("error creating tracer provider", slog.Any("error", err))
			return err
		}
		shutdowns = append(shutdowns, tracerProvider.Shutdown)
	}
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		meterProvider, handler, err := telemetry.NewMeterProvider(app.ServiceName)
		if err != nil {
			logger.Error("error creating meter provider", slog.Any("error", err))
			return err
		}
		metricsHandler = handler
		shutdowns = append(shutdowns, meterProvider.Shutdown)
	}

	storage, err := adapter.New(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := storage.Close(); err != nil {
			logger.Error("failed to close storage backend", "error", err)
		}
	}()

	var publisher messaging.Publisher = messaging.NoopPublisher{}
	var js jetstream.JetStream
	if cfg.NATS.Enabled {
		nc, err := pnats.NewClient(cfg.NATS.Url, cfg.NATS.Timeout)
		if err != nil {
			return err
		}
		defer nc.Close()
		if js, err = pnats.NewJetStreamContext(nc); err != nil {
			return err
		}
		if _, err := pnats.EnsureStream(ctx, js, cfg.NATS.Stream, messaging.InventorySubjects); err != nil {
			return err
		}
		publisher = pnats.NewNatsPublisher(js)
		logger.Info("NATS connected", slog.String("url", cfg.NATS.Url), slog.String("stream", cfg.NATS.Stream))
	}

	deps := app.SetupDependencies(storage, publisher, cfg, metricsHandler, logger)
	httpServer := app.SetupHttpServer(deps, cfg)
	grpcServer, grpcHealth := app.SetupGrpcServer(cfg.GRPC.ReflectionEnabled)
	reporter := health.NewReporter(grpcHealth, storage, healthCheckInterval, cfg.Reservation.OperationTimeout, logger)
	pprofServer := &http.Server{
		Addr: cfg.PProf.Addr,
	}

	g, gCtx := errgroup.WithContext(ctx)

	// Start the HTTP server
	g.Go(func() error {
		logger.Info("HTTP server listening", slog.String("addr", httpServer.Addr), slog.String("storage", storage.Name()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	// gracefully shutdown HTTP server on context cancellation
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	// Start the gRPC server
	g.Go(func() error {
		grpcAddr := ":" + cfg.GRPC.Port
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on gRPC port: %w", err)
		}
		logger.Info("gRPC server listening", slog.String("addr", grpcAddr))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		return reporter.Run(gCtx)
	})
	// gracefully shutdown gRPC server on context cancellation
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("Shutting down gRPC server...")
		grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			grpcHealth.Shutdown()
			close(stopped)
		}()
		select {
		case <-stopped:
			logger.Info("gRPC server stopped gracefully.")
			return nil
		case <-time.After(cfg.Shutdown.Timeout):
			logger.Warn("gRPC server graceful stop timed out. Forcing stop.")
			grpcServer.Stop()
			return fmt.Errorf("grpc server graceful stop timed out")
		}
	})

	// Release expired holds in the background
	g.Go(func() error {
		return deps.Service.RunSweeper(gCtx)
	})

	if cfg.NATS.Enabled {
		g.Go(func() error {
			logger.Info("NATS subscriber started", slog.String("subject", cfg.NATS.Subscriber.Subject))
			return subscriber.Start(gCtx, js, cfg.NATS.Subscriber, deps.Service, logger)
		})
	}

	// Start the pprof server if enabled
	if cfg.PProf.Enabled {
		g.Go(func() error {
			logger.Info("Pprof server listening", slog.String("addr", pprofServer.Addr))
			if err := pprofServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("pprof server failed: %w", err)
			}
			return nil
		})
		// gracefully shutdown pprof server on context cancellation
		g.Go(func() error {
			<-gCtx.Done()
			logger.Info("Shutting down pprof server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
			defer cancel()
			return pprofServer.Shutdown(shutdownCtx)
		})
	}
	// flush telemetry providers
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("Shutting down telemetry providers")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
		defer cancel()
		for _, shutdown := range shutdowns {
			if err := shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("failed to shutdown telemetry provider: %w", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("errgroup encountered an error: %w", err)
	}
	return nil
}
