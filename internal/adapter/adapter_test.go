package adapter

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/abgdnv/inventory/internal/config"
	"github.com/abgdnv/inventory/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_LocalDrivers(t *testing.T) {
	testCases := []struct {
		name     string
		cfg      config.StorageConfig
		wantName string
		wantType any
	}{
		{
			name: "memory",
			cfg: config.StorageConfig{
				Backend: config.BackendLocal,
				Local:   config.LocalStorageConfig{Driver: config.DriverMemory, Stripes: 8},
			},
			wantName: "local/memory",
			wantType: &store.MemoryStore{},
		},
		{
			name: "sqlite",
			cfg: config.StorageConfig{
				Backend: config.BackendLocal,
				Local: config.LocalStorageConfig{
					Driver: config.DriverSQLite,
					Path:   "file:" + uuid.NewString() + "?mode=memory&cache=shared",
				},
			},
			wantName: "local/sqlite",
			wantType: &store.SQLiteStore{},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// given
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, nil))

			// when
			a, err := New(context.Background(), tc.cfg, logger)

			// then
			require.NoError(t, err)
			t.Cleanup(func() { _ = a.Close() })
			assert.Equal(t, tc.wantName, a.Name())
			assert.IsType(t, tc.wantType, a.Backend)
			assert.Contains(t, buf.String(), "Database adapter initialized")
			assert.Contains(t, buf.String(), `"driver":"`+tc.cfg.Local.Driver+`"`)

			rec, err := a.CreateOrUpdate(context.Background(), "sku-1", 3)
			require.NoError(t, err)
			assert.Equal(t, int64(3), rec.Available())
		})
	}
}

func TestNew_Errors(t *testing.T) {
	testCases := []struct {
		name string
		cfg  config.StorageConfig
	}{
		{name: "unknown backend", cfg: config.StorageConfig{Backend: "cloud"}},
		{name: "unknown local driver", cfg: config.StorageConfig{
			Backend: config.BackendLocal,
			Local:   config.LocalStorageConfig{Driver: "bolt"},
		}},
		{name: "unknown networked driver", cfg: config.StorageConfig{
			Backend:   config.BackendNetworked,
			Networked: config.NetworkedStorageConfig{Driver: "dynamodb"},
		}},
		{name: "redis without address", cfg: config.StorageConfig{
			Backend:   config.BackendNetworked,
			Networked: config.NetworkedStorageConfig{Driver: config.DriverRedis},
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// when
			a, err := New(context.Background(), tc.cfg, slog.Default())

			// then
			require.Error(t, err)
			assert.Nil(t, a)
		})
	}
}

func TestWrap(t *testing.T) {
	// given
	backend := store.NewMemoryStore(1)

	// when
	a := Wrap(backend, config.BackendLocal, config.DriverMemory)

	// then
	assert.Equal(t, "local/memory", a.Name())
	assert.Equal(t, config.BackendLocal, a.Mode())
	assert.NoError(t, a.Ping(context.Background()))
}
