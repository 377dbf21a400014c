// Package adapter selects the storage backend at process start and exposes it behind store.Backend.
package adapter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/abgdnv/inventory/internal/config"
	"github.com/abgdnv/inventory/internal/store"
	"github.com/abgdnv/inventory/pkg/bootstrap"
	pkgconfig "github.com/abgdnv/inventory/pkg/config"
)

// Adapter routes every call to the backend chosen by the storage configuration.
// Callers never branch on the backend type.
type Adapter struct {
	store.Backend
	mode   string
	driver string
}

// New builds the backend named by cfg.Backend and its driver.
func New(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*Adapter, error) {
	backend, driver, err := open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s storage backend: %w", cfg.Backend, err)
	}
	logger.Info("Database adapter initialized", slog.String("mode", cfg.Backend), slog.String("driver", driver))
	return &Adapter{Backend: backend, mode: cfg.Backend, driver: driver}, nil
}

// Wrap exposes an already constructed backend through the adapter.
func Wrap(backend store.Backend, mode, driver string) *Adapter {
	return &Adapter{Backend: backend, mode: mode, driver: driver}
}

func open(ctx context.Context, cfg config.StorageConfig) (store.Backend, string, error) {
	switch cfg.Backend {
	case config.BackendLocal:
		switch cfg.Local.Driver {
		case config.DriverMemory:
			return store.NewMemoryStore(cfg.Local.Stripes), config.DriverMemory, nil
		case config.DriverSQLite:
			s, err := store.OpenSQLite(ctx, cfg.Local.Path)
			return s, config.DriverSQLite, err
		}
		return nil, cfg.Local.Driver, fmt.Errorf("unknown local storage driver %q", cfg.Local.Driver)
	case config.BackendNetworked:
		switch cfg.Networked.Driver {
		case config.DriverPostgres:
			s, err := openPostgres(ctx, cfg.Networked.Postgres)
			return s, config.DriverPostgres, err
		case config.DriverRedis:
			client, err := bootstrap.NewRedisClient(ctx, cfg.Networked.Redis)
			if err != nil {
				return nil, config.DriverRedis, err
			}
			return store.NewRedisStore(client), config.DriverRedis, nil
		}
		return nil, cfg.Networked.Driver, fmt.Errorf("unknown networked storage driver %q", cfg.Networked.Driver)
	}
	return nil, "", fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

func openPostgres(ctx context.Context, cfg pkgconfig.DatabaseConfig) (store.Backend, error) {
	if cfg.Migrate {
		if err := store.MigratePostgres(cfg.URL); err != nil {
			return nil, err
		}
	}
	pool, err := bootstrap.NewDbPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return store.NewPgStore(pool), nil
}

// Name reports the active backend as "mode/driver", e.g. "networked/postgres".
func (a *Adapter) Name() string {
	return a.mode + "/" + a.driver
}

// Mode reports the backend family, local or networked.
func (a *Adapter) Mode() string {
	return a.mode
}
