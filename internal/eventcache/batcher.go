package eventcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"nostr-video/internal/metrics"
)

// BatcherConfig bounds how long lookups wait to be merged and how many
// distinct keys one fetch may carry.
type BatcherConfig struct {
	Window   time.Duration
	MaxBatch int // 0 means unbounded
}

// DefaultBatcherConfig returns the profile lookup settings.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{Window: 50 * time.Millisecond, MaxBatch: 100}
}

// Batcher merges lookups that arrive within one window into a single call
// of fetch. Overlapping requests share keys: [a,b] and [b,c] cost one fetch
// of [a,b,c], where singleflight would only merge identical requests.
type Batcher[V any] struct {
	name    string
	cfg     BatcherConfig
	fetch   func(keys []string) map[string]V
	metrics *metrics.Recorder

	mu    sync.Mutex
	open  *batch[V]
	timer *time.Timer
}

// batch is the set of lookups collected during one window.
type batch[V any] struct {
	wanted  map[string]int // key -> number of lookups asking for it
	lookups []*lookup[V]
}

type lookup[V any] struct {
	keys []string
	done chan map[string]V
}

// NewBatcher creates a batcher; name labels logs and the dedupe metric.
func NewBatcher[V any](name string, cfg BatcherConfig, fetch func(keys []string) map[string]V, rec *metrics.Recorder) *Batcher[V] {
	return &Batcher[V]{name: name, cfg: cfg, fetch: fetch, metrics: rec}
}

// GetMultiple returns the values found for keys, fetched together with any
// other lookups of the same window. If ctx ends first the caller gets nil;
// the batch still completes for everyone else.
func (b *Batcher[V]) GetMultiple(ctx context.Context, keys []string) map[string]V {
	if len(keys) == 0 {
		return nil
	}
	l := &lookup[V]{keys: keys, done: make(chan map[string]V, 1)}

	b.mu.Lock()
	if b.open == nil {
		cur := &batch[V]{wanted: make(map[string]int)}
		b.open = cur
		b.timer = time.AfterFunc(b.cfg.Window, func() { b.flush(cur) })
	}
	cur := b.open
	for _, k := range keys {
		cur.wanted[k]++
	}
	cur.lookups = append(cur.lookups, l)
	full := b.cfg.MaxBatch > 0 && len(cur.wanted) >= b.cfg.MaxBatch
	b.mu.Unlock()

	if full {
		b.flush(cur)
	}

	select {
	case res := <-l.done:
		return res
	case <-ctx.Done():
		return nil
	}
}

// flush runs cur once; the window timer and a full batch may both call it.
func (b *Batcher[V]) flush(cur *batch[V]) {
	b.mu.Lock()
	if b.open != cur {
		b.mu.Unlock()
		return
	}
	b.open = nil
	b.timer.Stop()
	b.mu.Unlock()

	keys := make([]string, 0, len(cur.wanted))
	shared := 0
	for k, n := range cur.wanted {
		keys = append(keys, k)
		if n > 1 {
			shared++
		}
	}
	if shared > 0 {
		b.metrics.IncrementDeduped(b.name)
	}
	slog.Debug("batch fetch", "name", b.name, "keys", len(keys), "lookups", len(cur.lookups), "shared_keys", shared)

	found := b.fetch(keys)
	for _, l := range cur.lookups {
		res := make(map[string]V, len(l.keys))
		for _, k := range l.keys {
			if v, ok := found[k]; ok {
				res[k] = v
			}
		}
		l.done <- res
	}
}

// Pending reports the distinct keys waiting in the open window.
func (b *Batcher[V]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open == nil {
		return 0
	}
	return len(b.open.wanted)
}
