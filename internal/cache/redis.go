package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisPingTimeout = 5 * time.Second
	redisScanBatch   = 500
)

// RedisCache stores durable rows in Redis under a key prefix, so several
// installations can share one server.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCache connects to redisURL (redis://[:password@]host:port/db) and
// checks the server answers before returning.
func NewRedisCache(redisURL, prefix string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisCacheFromClient(rdb, prefix), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(rdb *redis.Client, prefix string) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: prefix}
}

func (r *RedisCache) full(key string) string { return r.prefix + key }

// redisErr maps client errors onto the backend contract.
func redisErr(op, key string, err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("redis %s %s: %w", op, key, err)
}

func redisTTL(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.rdb.Get(ctx, r.full(key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, redisErr("get", key, err)
	}
	return data, true, nil
}

func (r *RedisCache) GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.full(k)
	}
	vals, err := r.rdb.MGet(ctx, full...).Result()
	if err != nil {
		return nil, redisErr("mget", fmt.Sprintf("(%d keys)", len(keys)), err)
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = []byte(s)
		}
	}
	return out, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, r.full(key), value, redisTTL(ttl)).Err(); err != nil {
		return redisErr("set", key, err)
	}
	return nil
}

// SetMultiple writes all items in one MULTI/EXEC round trip.
func (r *RedisCache) SetMultiple(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	if len(items) == 0 {
		return nil
	}
	ttl = redisTTL(ttl)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range items {
			pipe.Set(ctx, r.full(k), v, ttl)
		}
		return nil
	})
	if err != nil {
		return redisErr("set", fmt.Sprintf("(%d keys)", len(items)), err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.full(key)).Err(); err != nil {
		return redisErr("del", key, err)
	}
	return nil
}

// DeletePrefix walks matching keys with SCAN and unlinks them batch by batch.
func (r *RedisCache) DeletePrefix(ctx context.Context, prefix string) error {
	match := r.full(prefix) + "*"
	iter := r.rdb.Scan(ctx, 0, match, redisScanBatch).Iterator()
	batch := make([]string, 0, redisScanBatch)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == redisScanBatch {
			if err := r.rdb.Unlink(ctx, batch...).Err(); err != nil {
				return redisErr("unlink", match, err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return redisErr("scan", match, err)
	}
	if len(batch) > 0 {
		if err := r.rdb.Unlink(ctx, batch...).Err(); err != nil {
			return redisErr("unlink", match, err)
		}
	}
	return nil
}

func (r *RedisCache) Close() error {
	return r.rdb.Close()
}

var _ CacheBackend = (*RedisCache)(nil)
