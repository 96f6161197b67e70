// Package cache holds the durable tier: byte-valued key/value stores the
// event and follow caches persist to.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by backends after Close.
var ErrClosed = errors.New("cache backend closed")

// CacheBackend is a durable key/value store. A ttl <= 0 keeps a row until it
// is deleted. Writes are visible to later reads of the same backend.
type CacheBackend interface {
	// Get reports found=false for absent and expired keys.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// GetMultiple returns only the keys that were found.
	GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetMultiple(ctx context.Context, items map[string][]byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}
