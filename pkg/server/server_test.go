package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func TestNewHTTPServer(t *testing.T) {
	// given
	cfg := HTTPConfig{
		Port:           8081,
		MaxHeaderBytes: 1 << 20,
		ReadTimeout:    time.Second,
		WriteTimeout:   2 * time.Second,
		IdleTimeout:    3 * time.Second,
		ReadHeader:     4 * time.Second,
	}

	// when
	srv := NewHTTPServer(cfg, http.NotFoundHandler())

	// then
	assert.Equal(t, ":8081", srv.Addr)
	assert.Equal(t, 1<<20, srv.MaxHeaderBytes)
	assert.Equal(t, 2*time.Second, srv.WriteTimeout)
	assert.Equal(t, 4*time.Second, srv.ReadHeaderTimeout)
}

func TestNewChiRouter(t *testing.T) {
	// given
	mux := NewChiRouter("test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	mux.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Get("/panic", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	testCases := []struct {
		path       string
		wantStatus int
	}{
		{path: "/ping", wantStatus: http.StatusNoContent},
		{path: "/panic", wantStatus: http.StatusInternalServerError},
		{path: "/missing", wantStatus: http.StatusNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			// when
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))

			// then
			assert.Equal(t, tc.wantStatus, w.Code)
			assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
		})
	}
}

func TestNewGRPCServer_RegistersServices(t *testing.T) {
	// given
	lis := bufconn.Listen(1 << 20)
	healthServer := health.NewServer()
	srv := NewGRPCServer(true, func(s *grpc.Server) {
		grpc_health_v1.RegisterHealthServer(s, healthServer)
	})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// when
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})

	// then
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)
	assert.Contains(t, srv.GetServiceInfo(), "grpc.reflection.v1.ServerReflection")
}
