// Package health keeps the gRPC health status in line with the reachability of the storage backend.
package health

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside the overall status.
const ServiceName = "inventory"

type Pinger interface {
	Ping(ctx context.Context) error
}

type Reporter struct {
	server   *health.Server
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

func NewReporter(server *health.Server, pinger Pinger, interval, timeout time.Duration, logger *slog.Logger) *Reporter {
	return &Reporter{
		server:   server,
		pinger:   pinger,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With("component", "health"),
	}
}

// Check pings the backend once and publishes the resulting status.
func (r *Reporter) Check(ctx context.Context) grpc_health_v1.HealthCheckResponse_ServingStatus {
	pingCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if err := r.pinger.Ping(pingCtx); err != nil {
		r.logger.WarnContext(ctx, "storage backend ping failed", "error", err)
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	r.server.SetServingStatus("", status)
	r.server.SetServingStatus(ServiceName, status)
	return status
}

// Run checks the backend on every tick until ctx is cancelled, then marks the service as not serving.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	last := r.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			r.server.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
			r.server.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
			return ctx.Err()
		case <-ticker.C:
			if status := r.Check(ctx); status != last {
				r.logger.InfoContext(ctx, "health status changed", "status", status.String())
				last = status
			}
		}
	}
}
