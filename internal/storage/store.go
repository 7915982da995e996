// Package storage provides the key-value backends behind the durable local cache.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runtime/internal/config"
)

var (
	// ErrQuotaExceeded is returned when a write would exceed the backend's capacity.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	// ErrNotFound is returned by helpers that require a key to exist.
	ErrNotFound = errors.New("storage key not found")
)

// Store is a durable string-keyed blob store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Open builds the backend selected by cfg.CacheBackend.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (Store, error) {
	switch cfg.CacheBackend {
	case "", "memory":
		log.Info().Msg("Using in-memory exam cache")
		return NewMemoryStore(0), nil
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.CacheSQLitePath, log)
	case "redis":
		return NewRedisStore(ctx, cfg.RedisURL, cfg.CacheTTL, log)
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", cfg.CacheBackend)
	}
}

// MustGet returns the value or ErrNotFound.
func MustGet(ctx context.Context, s Store, key string) ([]byte, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }
