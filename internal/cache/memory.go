package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryCache is a process-local CacheBackend. It backs tests and the
// "memory" backend; nothing survives a restart.
type MemoryCache struct {
	mu      sync.RWMutex
	rows    map[string]memoryRow
	maxRows int
	closed  bool

	sweepEvery time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

type memoryRow struct {
	value     []byte
	expiresAt time.Time // zero: kept until deleted
}

func (r memoryRow) live(now time.Time) bool {
	return r.expiresAt.IsZero() || now.Before(r.expiresAt)
}

// NewMemoryCache creates a memory backend holding at most maxRows rows
// (maxRows <= 0 is unbounded). Expired rows are swept every sweepEvery.
func NewMemoryCache(maxRows int, sweepEvery time.Duration) *MemoryCache {
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	m := &MemoryCache{
		rows:       make(map[string]memoryRow),
		maxRows:    maxRows,
		sweepEvery: sweepEvery,
		stop:       make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	row, ok := m.rows[key]
	if !ok || !row.live(time.Now()) {
		return nil, false, nil
	}
	return row.value, true, nil
}

func (m *MemoryCache) GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	now := time.Now()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if row, ok := m.rows[k]; ok && row.live(now) {
			out[k] = row.value
		}
	}
	return out, nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return m.SetMultiple(ctx, map[string][]byte{key: value}, ttl)
}

func (m *MemoryCache) SetMultiple(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	at := expiry(ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for k, v := range items {
		m.rows[k] = memoryRow{value: append([]byte(nil), v...), expiresAt: at}
	}
	m.enforceLimitLocked()
	return nil
}

func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.rows, key)
	return nil
}

func (m *MemoryCache) DeletePrefix(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for k := range m.rows {
		if strings.HasPrefix(k, prefix) {
			delete(m.rows, k)
		}
	}
	return nil
}

// Len returns the number of stored rows, expired ones included until swept.
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

func (m *MemoryCache) Close() error {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.mu.Lock()
		m.closed = true
		m.rows = nil
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryCache) sweepLoop() {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *MemoryCache) sweep() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, row := range m.rows {
		if !row.live(now) {
			delete(m.rows, k)
		}
	}
}

// enforceLimitLocked drops rows closest to expiry until the limit holds.
// Rows without expiry are dropped last.
func (m *MemoryCache) enforceLimitLocked() {
	if m.maxRows <= 0 || len(m.rows) <= m.maxRows {
		return
	}
	keys := make([]string, 0, len(m.rows))
	for k := range m.rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := m.rows[keys[i]].expiresAt, m.rows[keys[j]].expiresAt
		if a.IsZero() != b.IsZero() {
			return b.IsZero()
		}
		return a.Before(b)
	})
	for _, k := range keys[:len(keys)-m.maxRows] {
		delete(m.rows, k)
	}
}

var _ CacheBackend = (*MemoryCache)(nil)
