package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// StorageType selects the message store and durable queue backend.
type StorageType string

const (
	StorageKV    StorageType = "KV"
	StorageTurso StorageType = "TURSO"
)

type Config struct {
	// Server
	Port         string        `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`

	// Auth. When empty a random token is generated at startup.
	AuthToken string `envconfig:"AUTH_TOKEN"`

	// Storage
	StorageType      string `envconfig:"STORAGE_TYPE" default:"TURSO"`
	TursoDBURL       string `envconfig:"TURSO_DB_URL" default:":memory:"`
	TursoDBAuthToken string `envconfig:"TURSO_DB_AUTH_TOKEN"`

	// Redis backs the KV storage flavor and its durable queue.
	RedisURL string `envconfig:"REDIS_URL" default:"redis://localhost:6379"`

	// Audit log
	EnableLogs bool `envconfig:"ENABLE_LOGS" default:"false"`

	// Observability
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if _, err := cfg.Storage(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Storage returns the validated storage backend selector.
func (c *Config) Storage() (StorageType, error) {
	switch StorageType(strings.ToUpper(c.StorageType)) {
	case StorageKV:
		return StorageKV, nil
	case StorageTurso:
		return StorageTurso, nil
	default:
		return "", fmt.Errorf("unknown STORAGE_TYPE %q (expected KV or TURSO)", c.StorageType)
	}
}
