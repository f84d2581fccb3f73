// Package snapshot persists read model snapshots so a restarted projector
// can resume from a recent position instead of replaying the whole stream.
package snapshot

import (
	"context"
	"fmt"

	"github.com/whisper/chatstream/internal/projection"
)

// Backends accepted by Config.Backend.
const (
	BackendNone     = "none"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config selects and configures the snapshot backend.
type Config struct {
	Backend     string `yaml:"backend" env:"SNAPSHOT_BACKEND"`
	RedisAddr   string `yaml:"redis_addr" env:"REDIS_ADDR"`
	PostgresDSN string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:   BackendNone,
		RedisAddr: "localhost:6379",
	}
}

// Store is a snapshot backend that can be closed.
type Store interface {
	projection.SnapshotStore
	Close() error
}

// Open returns the configured store, or nil for BackendNone.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendNone, "":
		return nil, nil
	case BackendRedis:
		s, err := NewRedisStore(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendPostgres:
		s, err := OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("snapshot: unknown backend %q", cfg.Backend)
	}
}
