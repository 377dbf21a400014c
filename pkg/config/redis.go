package config

import (
	"fmt"
	"strings"
	"time"
)

type RedisConfig struct {
	URL          string        `koanf:"url"`
	Addr         string        `koanf:"addr"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"poolsize"`
	MinIdleConns int           `koanf:"minidleconns"`
	DialTimeout  time.Duration `koanf:"dialtimeout"`
	ReadTimeout  time.Duration `koanf:"readtimeout"`
	WriteTimeout time.Duration `koanf:"writetimeout"`
}

// String returns a string representation of the Redis configuration.
func (c *RedisConfig) String() string {
	password := "<not set>"
	if c.Password != "" {
		password = "****"
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("  url: %s\n", MaskURL(c.URL)))
	b.WriteString(fmt.Sprintf("  addr: %s\n", c.Addr))
	b.WriteString(fmt.Sprintf("  password: %s\n", password))
	b.WriteString(fmt.Sprintf("  db: %d\n", c.DB))
	b.WriteString(fmt.Sprintf("  poolsize: %d\n", c.PoolSize))
	b.WriteString(fmt.Sprintf("  dialtimeout: %s\n", c.DialTimeout))
	return b.String()
}

func (c *RedisConfig) Validate() error {
	if c.URL == "" && c.Addr == "" {
		return fmt.Errorf("redis url or addr is required")
	}
	if c.DB < 0 {
		return fmt.Errorf("redis db must not be negative")
	}
	if c.PoolSize < 0 || c.MinIdleConns < 0 {
		return fmt.Errorf("redis pool sizes must not be negative")
	}
	return nil
}
