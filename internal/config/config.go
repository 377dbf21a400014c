package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/abgdnv/inventory/pkg/config"
	"github.com/abgdnv/inventory/pkg/config/configloader"
)

var _ configloader.Validator = (*Config)(nil)

// Storage backend families and their drivers.
const (
	BackendLocal     = "local"
	BackendNetworked = "networked"

	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

const EnvironmentProduction = "production"

type Config struct {
	App         AppConfig               `koanf:"app"`
	HTTPServer  config.HTTPConfig       `koanf:"server"`
	GRPC        config.GrpcServerConfig `koanf:"grpc"`
	Log         config.LogConfig        `koanf:"log"`
	PProf       config.PProfConfig      `koanf:"pprof"`
	Shutdown    config.ShutdownConfig   `koanf:"shutdown"`
	Storage     StorageConfig           `koanf:"storage"`
	Reservation ReservationConfig       `koanf:"reservation"`
	Resilience  config.ResilienceConfig `koanf:"resilience"`
	NATS        config.NATSConfig       `koanf:"nats"`
	Telemetry   config.TelemetryConfig  `koanf:"telemetry"`
}

type AppConfig struct {
	Environment string `koanf:"environment"`
}

// StorageConfig selects the stock record backend. Backend is "local" or "networked";
// the driver of the chosen family picks the concrete store.
type StorageConfig struct {
	Backend   string                 `koanf:"backend"`
	Local     LocalStorageConfig     `koanf:"local"`
	Networked NetworkedStorageConfig `koanf:"networked"`
}

type LocalStorageConfig struct {
	Driver string `koanf:"driver"`
	// Path is the SQLite DSN, e.g. a file path or "file:inv?mode=memory&cache=shared".
	Path    string `koanf:"path"`
	Stripes int    `koanf:"stripes"`
}

type NetworkedStorageConfig struct {
	Driver   string                `koanf:"driver"`
	Postgres config.DatabaseConfig `koanf:"postgres"`
	Redis    config.RedisConfig    `koanf:"redis"`
}

type ReservationConfig struct {
	HoldTTL          time.Duration `koanf:"holdttl"`
	SweepInterval    time.Duration `koanf:"sweepinterval"`
	SweepBatch       int           `koanf:"sweepbatch"`
	OperationTimeout time.Duration `koanf:"operationtimeout"`
}

// Defaults returns the configuration used when neither config.yaml nor the environment sets a key.
func Defaults() map[string]any {
	return map[string]any{
		"app.environment":                               "development",
		"server.port":                                   8080,
		"server.maxheaderbytes":                         1 << 20,
		"server.timeout.read":                           "5s",
		"server.timeout.write":                          "10s",
		"server.timeout.idle":                           "60s",
		"server.timeout.readheader":                     "2s",
		"grpc.port":                                     "9090",
		"log.level":                                     "info",
		"pprof.addr":                                    "localhost:6060",
		"shutdown.timeout":                              "10s",
		"storage.backend":                               BackendLocal,
		"storage.local.driver":                          DriverMemory,
		"storage.local.path":                            "inventory.db",
		"storage.local.stripes":                         64,
		"storage.networked.driver":                      DriverPostgres,
		"storage.networked.postgres.timeout":            "5s",
		"storage.networked.postgres.migrate":            true,
		"storage.networked.redis.dialtimeout":           "5s",
		"storage.networked.redis.readtimeout":           "3s",
		"storage.networked.redis.writetimeout":          "3s",
		"reservation.holdttl":                           "15m",
		"reservation.sweepinterval":                     "30s",
		"reservation.sweepbatch":                        100,
		"reservation.operationtimeout":                  "2s",
		"resilience.retry.maxattempts":                  3,
		"resilience.retry.initialbackoff":               "50ms",
		"resilience.retry.maxbackoff":                   "1s",
		"resilience.circuitbreaker.consecutivefailures": 5,
		"resilience.circuitbreaker.errorratepercent":    60,
		"resilience.circuitbreaker.opentimeout":         "10s",
		"nats.timeout":                                  "5s",
		"nats.stream":                                   "INVENTORY",
		"nats.subscriber.stream":                        "CARTS",
		"nats.subscriber.subject":                       "carts.abandoned",
		"nats.subscriber.consumer":                      "inventory-cart-abandoned",
		"nats.subscriber.batch":                         10,
		"nats.subscriber.timeout":                       "5s",
		"nats.subscriber.interval":                      "1s",
		"nats.subscriber.workers":                       4,
		"nats.subscriber.maxdeliver":                    5,
		"telemetry.traces.samplerate":                   1.0,
		"telemetry.traces.otlphttp.timeout":             "5s",
		"telemetry.metrics.enabled":                     true,
		"telemetry.metrics.path":                        "/metrics",
	}
}

func (c *Config) String() string {
	var b strings.Builder

	b.WriteString("\n--- Application ---\n")
	b.WriteString(fmt.Sprintf("  app.environment: %s\n", c.App.Environment))
	b.WriteString(c.HTTPServer.String())
	b.WriteString(c.GRPC.String())
	b.WriteString(c.Storage.String())
	b.WriteString(c.Reservation.String())
	b.WriteString(c.Resilience.String())
	b.WriteString(c.NATS.String())
	b.WriteString(c.Telemetry.String())
	b.WriteString(c.Log.String())
	b.WriteString(c.PProf.String())
	b.WriteString(c.Shutdown.String())

	return b.String()
}

// Validate checks if the configuration values are valid
func (c *Config) Validate() error {
	validators := []configloader.Validator{
		&c.HTTPServer, &c.GRPC, &c.Log, &c.PProf, &c.Shutdown,
		&c.Storage, &c.Reservation, &c.Resilience, &c.NATS, &c.Telemetry,
	}
	for _, v := range validators {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	if c.App.Environment == EnvironmentProduction && c.Storage.Backend == BackendLocal {
		return fmt.Errorf("storage backend %q is single-process only and not allowed in %s", BackendLocal, EnvironmentProduction)
	}
	return nil
}

func (c *StorageConfig) String() string {
	var b strings.Builder
	b.WriteString("\n--- Storage ---\n")
	b.WriteString(fmt.Sprintf("  backend: %s\n", c.Backend))
	switch c.Backend {
	case BackendLocal:
		b.WriteString(fmt.Sprintf("  local.driver: %s\n", c.Local.Driver))
		if c.Local.Driver == DriverSQLite {
			b.WriteString(fmt.Sprintf("  local.path: %s\n", c.Local.Path))
		}
		b.WriteString(fmt.Sprintf("  local.stripes: %d\n", c.Local.Stripes))
	case BackendNetworked:
		b.WriteString(fmt.Sprintf("  networked.driver: %s\n", c.Networked.Driver))
		if c.Networked.Driver == DriverPostgres {
			b.WriteString(c.Networked.Postgres.String())
		} else {
			b.WriteString(c.Networked.Redis.String())
		}
	}
	return b.String()
}

func (c *StorageConfig) Validate() error {
	switch c.Backend {
	case BackendLocal:
		switch c.Local.Driver {
		case DriverMemory:
			return nil
		case DriverSQLite:
			if c.Local.Path == "" {
				return fmt.Errorf("storage.local.path is required for the %s driver", DriverSQLite)
			}
			return nil
		default:
			return fmt.Errorf("unknown local storage driver %q, expected %s or %s", c.Local.Driver, DriverMemory, DriverSQLite)
		}
	case BackendNetworked:
		switch c.Networked.Driver {
		case DriverPostgres:
			return c.Networked.Postgres.Validate()
		case DriverRedis:
			return c.Networked.Redis.Validate()
		default:
			return fmt.Errorf("unknown networked storage driver %q, expected %s or %s", c.Networked.Driver, DriverPostgres, DriverRedis)
		}
	default:
		return fmt.Errorf("unknown storage backend %q, expected %s or %s", c.Backend, BackendLocal, BackendNetworked)
	}
}

func (c *ReservationConfig) String() string {
	var b strings.Builder
	b.WriteString("\n--- Reservation ---\n")
	b.WriteString(fmt.Sprintf("  holdttl: %s\n", c.HoldTTL))
	b.WriteString(fmt.Sprintf("  sweepinterval: %s\n", c.SweepInterval))
	b.WriteString(fmt.Sprintf("  sweepbatch: %d\n", c.SweepBatch))
	b.WriteString(fmt.Sprintf("  operationtimeout: %s\n", c.OperationTimeout))
	return b.String()
}

func (c *ReservationConfig) Validate() error {
	if c.HoldTTL <= 0 {
		return fmt.Errorf("reservation.holdttl must be greater than 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("reservation.sweepinterval must be greater than 0")
	}
	if c.SweepBatch <= 0 {
		return fmt.Errorf("reservation.sweepbatch must be greater than 0")
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("reservation.operationtimeout must be greater than 0")
	}
	return nil
}
