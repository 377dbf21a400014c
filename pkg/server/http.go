package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/abgdnv/inventory/pkg/web"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPConfig has the configuration for the HTTP server.
type HTTPConfig struct {
	Port           int
	MaxHeaderBytes int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	ReadHeader     time.Duration
}

// NewHTTPServer creates and configures a new HTTP server instance.
func NewHTTPServer(cfg HTTPConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ReadHeaderTimeout: cfg.ReadHeader,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
}

// untracedPaths are probe and scrape endpoints that would only add noise to traces.
var untracedPaths = map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true}

// NewChiRouter creates a new Chi router with tracing, request ID injection, structured logging
// and panic recovery.
func NewChiRouter(serviceName string, logger *slog.Logger) *chi.Mux {
	mux := chi.NewRouter()
	mux.Use(otelhttp.NewMiddleware(serviceName,
		otelhttp.WithFilter(func(r *http.Request) bool { return !untracedPaths[r.URL.Path] }),
	))
	mux.Use(web.RequestIDInjector)
	mux.Use(web.StructuredLogger(logger))
	mux.Use(web.Recoverer(logger))
	return mux
}
