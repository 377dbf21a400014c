// Package app contains the application setup for the inventory service.
package app

import (
	"log/slog"
	"net/http"

	"github.com/abgdnv/inventory/internal/adapter"
	"github.com/abgdnv/inventory/internal/config"
	"github.com/abgdnv/inventory/internal/service"
	"github.com/abgdnv/inventory/internal/transport/rest"
	"github.com/abgdnv/inventory/pkg/messaging"
	"github.com/abgdnv/inventory/pkg/server"
	"github.com/go-chi/chi/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

const ServiceName = "inventory"

type Dependencies struct {
	Service *service.Service
	Storage *adapter.Adapter
	// MetricsHandler serves the Prometheus scrape endpoint, nil when metrics are disabled.
	MetricsHandler http.Handler
	MetricsPath    string
	Logger         *slog.Logger
}

func SetupDependencies(storage *adapter.Adapter, publisher messaging.Publisher, cfg *config.Config,
	metricsHandler http.Handler, logger *slog.Logger) *Dependencies {
	return &Dependencies{
		Service:        service.NewService(storage, publisher, cfg.Reservation, cfg.Resilience, logger),
		Storage:        storage,
		MetricsHandler: metricsHandler,
		MetricsPath:    cfg.Telemetry.Metrics.Path,
		Logger:         logger,
	}
}

// SetupHttpHandler builds the router with every inventory route and middleware.
// Used by tests to exercise the full HTTP surface without a listener.
func SetupHttpHandler(deps *Dependencies) http.Handler {
	mux := server.NewChiRouter(ServiceName, deps.Logger)
	wireRoutes(mux, deps)
	return mux
}

func wireRoutes(mux *chi.Mux, deps *Dependencies) {
	handler := rest.NewHandler(deps.Service, deps.Storage, deps.Logger)
	handler.RegisterRoutes(mux)
	if deps.MetricsHandler != nil {
		mux.Handle(deps.MetricsPath, deps.MetricsHandler)
	}
}

// SetupHttpServer creates and configures an HTTP server for the inventory service.
func SetupHttpServer(deps *Dependencies, cfg *config.Config) *http.Server {
	mux := SetupHttpHandler(deps)

	httpCfg := server.HTTPConfig{
		Port:           cfg.HTTPServer.Port,
		MaxHeaderBytes: cfg.HTTPServer.MaxHeaderBytes,
		ReadTimeout:    cfg.HTTPServer.Timeout.Read,
		WriteTimeout:   cfg.HTTPServer.Timeout.Write,
		IdleTimeout:    cfg.HTTPServer.Timeout.Idle,
		ReadHeader:     cfg.HTTPServer.Timeout.ReadHeader,
	}

	return server.NewHTTPServer(httpCfg, mux)
}

// SetupGrpcServer creates the gRPC server exposing the standard health service.
func SetupGrpcServer(reflectionEnabled bool) (*grpc.Server, *health.Server) {
	healthServer := health.NewServer()
	grpcServer := server.NewGRPCServer(reflectionEnabled, func(s *grpc.Server) {
		grpc_health_v1.RegisterHealthServer(s, healthServer)
	})
	return grpcServer, healthServer
}
