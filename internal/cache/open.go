package cache

import (
	"fmt"
	"log/slog"
	"time"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Options selects and configures the durable tier.
type Options struct {
	Backend     string
	SQLitePath  string
	RedisURL    string
	RedisPrefix string
	MemorySize  int // entry cap for the memory backend, 0 for unbounded
}

// Open creates the durable backend named by opts. When sqlite or redis
// cannot be opened it logs the failure and falls back to memory; the
// returned name is the backend actually in use.
func Open(opts Options) (CacheBackend, string) {
	switch opts.Backend {
	case BackendSQLite:
		slog.Info("initializing SQLite cache", "path", opts.SQLitePath)
		c, err := NewSQLiteCache(opts.SQLitePath)
		if err == nil {
			return c, BackendSQLite
		}
		slog.Warn("SQLite cache failed, using memory cache", "error", err)
	case BackendRedis:
		slog.Info("initializing Redis cache")
		c, err := NewRedisCache(opts.RedisURL, opts.RedisPrefix)
		if err == nil {
			slog.Info("Redis cache initialized")
			return c, BackendRedis
		}
		slog.Warn("Redis connection failed, using memory cache", "error", err)
	case BackendMemory, "":
	default:
		slog.Warn("unknown cache backend, using memory cache", "backend", opts.Backend)
	}
	slog.Info("initializing in-memory cache")
	return NewMemoryCache(opts.MemorySize, 2*time.Minute), BackendMemory
}

// OpenStrict is Open without fallback: it fails when the named backend
// cannot be opened.
func OpenStrict(opts Options) (CacheBackend, error) {
	switch opts.Backend {
	case BackendSQLite:
		return NewSQLiteCache(opts.SQLitePath)
	case BackendRedis:
		return NewRedisCache(opts.RedisURL, opts.RedisPrefix)
	case BackendMemory, "":
		return NewMemoryCache(opts.MemorySize, 2*time.Minute), nil
	}
	return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
}
