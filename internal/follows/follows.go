// Package follows caches the current user's follow list in a synchronous
// fast tier backed by a durable tier that remembers previously seen users.
package follows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/singleflight"

	"nostr-video/internal/cache"
	"nostr-video/internal/metrics"
	"nostr-video/internal/nips"
	"nostr-video/internal/query"
	"nostr-video/internal/types"
	"nostr-video/internal/util"
)

const durablePrefix = "follows:"

// ErrNotFollowList is returned by Apply for events that are not kind 3.
var ErrNotFollowList = errors.New("not a follow list event")

// Cache holds follow lists. The fast tier holds at most one entry: the
// current user's.
type Cache struct {
	durable cache.CacheBackend
	querier query.Querier
	relays  []string
	timeout time.Duration
	verify  bool
	metrics *metrics.Recorder
	now     func() time.Time

	mu         sync.Mutex
	current    *types.FollowListEntry
	generation uint64        // bumped by every invalidation
	tail       chan struct{} // completion of the last queued durable operation

	fetches singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithVerifySignatures drops contact lists fetched from relays whose id or
// signature does not check out.
func WithVerifySignatures(on bool) Option {
	return func(c *Cache) { c.verify = on }
}

// New creates a follow-list cache. querier may be nil when only cached data is wanted.
func New(durable cache.CacheBackend, querier query.Querier, relays []string, timeout time.Duration, rec *metrics.Recorder, opts ...Option) *Cache {
	if durable == nil {
		durable = cache.NewMemoryCache(0, time.Minute)
	}
	c := &Cache{
		durable: durable,
		querier: querier,
		relays:  relays,
		timeout: timeout,
		metrics: rec,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetCached returns the fast-tier entry for pubkey.
func (c *Cache) GetCached(pubkey string) (*types.FollowListEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.Owner == pubkey {
		c.metrics.IncrementCacheHit("follows_fast")
		return c.current, true
	}
	c.metrics.IncrementCacheMiss("follows_fast")
	return nil, false
}

// IsFollowing reports whether the cached follow list of owner contains target.
func (c *Cache) IsFollowing(owner, target string) bool {
	entry, ok := c.GetCached(owner)
	return ok && entry.Contains(target)
}

// LoadFromDurable reads pubkey's entry from the durable tier and warms the
// fast tier with it, unless an invalidation happened while reading.
func (c *Cache) LoadFromDurable(ctx context.Context, pubkey string) (*types.FollowListEntry, bool) {
	return c.LoadFromDurableAt(ctx, pubkey, c.Generation())
}

// LoadFromDurableAt is LoadFromDurable for a caller that started at
// generation gen.
func (c *Cache) LoadFromDurableAt(ctx context.Context, pubkey string, gen uint64) (*types.FollowListEntry, bool) {
	entry, err := c.readDurable(ctx, pubkey)
	if err != nil {
		slog.Warn("follow list durable read failed", "pubkey", nips.ShortID(pubkey), "error", err)
		return nil, false
	}
	if entry == nil {
		c.metrics.IncrementCacheMiss("follows_durable")
		return nil, false
	}
	c.metrics.IncrementCacheHit("follows_durable")

	c.mu.Lock()
	c.warmLocked(entry, gen)
	c.mu.Unlock()
	return entry, true
}

// warmLocked installs entry in the fast tier if no invalidation happened
// since gen and it does not displace another user or a newer list.
func (c *Cache) warmLocked(entry *types.FollowListEntry, gen uint64) bool {
	if c.generation != gen {
		return false
	}
	if c.current != nil {
		if c.current.Owner != entry.Owner {
			return false
		}
		if c.current.SourceCreatedAt > entry.SourceCreatedAt {
			return false
		}
	}
	c.current = entry
	return true
}

// Generation returns the invalidation counter. Callers that observe an
// event now and apply it later pass this value to ApplyAt or FetchAt so an
// invalidation in between wins.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *Cache) readDurable(ctx context.Context, pubkey string) (*types.FollowListEntry, error) {
	data, found, err := c.durable.Get(ctx, durablePrefix+pubkey)
	if err != nil || !found {
		return nil, err
	}
	var cached types.CachedFollowList
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, fmt.Errorf("decode follow list: %w", err)
	}
	return cached.FromCached(), nil
}

// Apply stores a contact list event if it is newer than what either tier holds.
func (c *Cache) Apply(ctx context.Context, evt *nostr.Event) (bool, error) {
	return c.ApplyAt(ctx, evt, c.Generation())
}

// ApplyAt is Apply for an event observed at generation gen. Nothing is
// stored in either tier if an invalidation happened since gen.
func (c *Cache) ApplyAt(ctx context.Context, evt *nostr.Event, gen uint64) (bool, error) {
	if evt == nil || evt.Kind != nips.KindFollowList {
		return false, ErrNotFollowList
	}

	var pubkeys []string
	for _, pk := range util.GetTagValues(evt.Tags, "p") {
		if nips.IsHex64(pk) {
			pubkeys = append(pubkeys, pk)
		}
	}
	entry := types.NewFollowListEntry(evt.PubKey, pubkeys, int64(evt.CreatedAt), c.now())

	c.mu.Lock()
	if c.current != nil && c.current.Owner == entry.Owner && c.current.SourceCreatedAt >= entry.SourceCreatedAt {
		c.mu.Unlock()
		return false, nil
	}
	if c.generation != gen {
		c.mu.Unlock()
		return false, nil
	}
	if c.current == nil || c.current.Owner == entry.Owner {
		c.current = entry
	}
	// Queued under mu: an Invalidate that follows is ordered after this write.
	var writeErr error
	done := c.serializeLocked(func() {
		prev, err := c.readDurable(ctx, entry.Owner)
		if err == nil && prev != nil && prev.SourceCreatedAt >= entry.SourceCreatedAt {
			return
		}
		if c.Generation() != gen {
			return
		}
		data, err := json.Marshal(entry.ToCached())
		if err != nil {
			writeErr = err
			return
		}
		writeErr = c.durable.Set(ctx, durablePrefix+entry.Owner, data, 0)
	})
	c.mu.Unlock()

	<-done
	if writeErr != nil {
		return true, fmt.Errorf("persist follow list: %w", writeErr)
	}
	return true, nil
}

// Fetch returns pubkey's follow list: fast tier, then durable tier, then the
// network. Concurrent network fetches for one pubkey are shared.
func (c *Cache) Fetch(ctx context.Context, pubkey string) (*types.FollowListEntry, bool) {
	return c.FetchAt(ctx, pubkey, c.Generation())
}

// FetchAt is Fetch on behalf of a caller that started at generation gen:
// after an invalidation it still answers but no longer warms either tier.
func (c *Cache) FetchAt(ctx context.Context, pubkey string, gen uint64) (*types.FollowListEntry, bool) {
	if entry, ok := c.GetCached(pubkey); ok {
		return entry, true
	}
	if entry, ok := c.LoadFromDurableAt(ctx, pubkey, gen); ok {
		return entry, true
	}
	return c.refresh(ctx, pubkey, gen)
}

// Refresh fetches pubkey's latest contact list from relays regardless of
// what is cached.
func (c *Cache) Refresh(ctx context.Context, pubkey string) (*types.FollowListEntry, bool) {
	return c.refresh(ctx, pubkey, c.Generation())
}

func (c *Cache) refresh(ctx context.Context, pubkey string, gen uint64) (*types.FollowListEntry, bool) {
	if c.querier == nil || !nips.IsHex64(pubkey) {
		return nil, false
	}

	ch := c.fetches.DoChan(pubkey, func() (interface{}, error) {
		return c.fetchDirect(pubkey, gen), nil
	})
	select {
	case res := <-ch:
		if res.Shared {
			c.metrics.IncrementDeduped("follows")
		}
		entry := res.Val.(*types.FollowListEntry)
		return entry, entry != nil
	case <-ctx.Done():
		return nil, false
	}
}

func (c *Cache) fetchDirect(pubkey string, gen uint64) *types.FollowListEntry {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	f := query.MustFilter(query.FilterSpec{
		Kinds:   []int{nips.KindFollowList},
		Authors: []string{pubkey},
		Limit:   1,
	})
	events, err := c.querier.Query(ctx, c.relays, f)
	if err != nil {
		slog.Warn("follow list fetch failed", "pubkey", nips.ShortID(pubkey), "error", err)
		return nil
	}

	var newest *nostr.Event
	for _, evt := range events {
		if evt.Kind != nips.KindFollowList || evt.PubKey != pubkey {
			continue
		}
		if c.verify && !nips.ValidateEventSignature(evt) {
			slog.Warn("dropping contact list with bad signature", "pubkey", nips.ShortID(pubkey), "id", nips.ShortID(evt.ID))
			continue
		}
		if newest == nil || nips.Newer(evt, newest) {
			newest = evt
		}
	}
	if newest == nil {
		return nil
	}
	if _, err := c.ApplyAt(ctx, newest, gen); err != nil {
		slog.Warn("follow list store failed", "pubkey", nips.ShortID(pubkey), "error", err)
	}
	if entry, ok := c.GetCached(pubkey); ok {
		return entry
	}
	entry, _ := c.readDurable(ctx, pubkey)
	return entry
}

// Invalidate removes pubkey's entry. The fast tier is cleared before
// Invalidate returns; the durable delete completes asynchronously and its
// result is delivered on the returned channel.
func (c *Cache) Invalidate(pubkey string) <-chan error {
	c.mu.Lock()
	if c.current != nil && c.current.Owner == pubkey {
		c.current = nil
	}
	c.generation++
	c.mu.Unlock()

	return c.durableAsync(func(ctx context.Context) error {
		return c.durable.Delete(ctx, durablePrefix+pubkey)
	})
}

// ClearAll removes every owner's entry from both tiers.
func (c *Cache) ClearAll() <-chan error {
	c.mu.Lock()
	c.current = nil
	c.generation++
	c.mu.Unlock()

	return c.durableAsync(func(ctx context.Context) error {
		return c.durable.DeletePrefix(ctx, durablePrefix)
	})
}

func (c *Cache) durableAsync(op func(ctx context.Context) error) <-chan error {
	result := make(chan error, 1)
	c.serialize(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := op(ctx)
		if err != nil {
			slog.Warn("follow list durable invalidation failed", "error", err)
		}
		result <- err
	})
	return result
}

// serialize runs fn after every previously queued durable operation.
func (c *Cache) serialize(fn func()) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serializeLocked(fn)
}

func (c *Cache) serializeLocked(fn func()) <-chan struct{} {
	done := make(chan struct{})
	prev := c.tail
	c.tail = done

	go func() {
		if prev != nil {
			<-prev
		}
		fn()
		close(done)
	}()
	return done
}

// Wait blocks until queued durable operations finish.
func (c *Cache) Wait() {
	c.mu.Lock()
	tail := c.tail
	c.mu.Unlock()
	if tail != nil {
		<-tail
	}
}
