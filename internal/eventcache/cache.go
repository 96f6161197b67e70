// Package eventcache is the two-tier event and profile cache: a bounded
// in-memory fast tier answered synchronously and a durable tier written in
// the background. Per logical key it keeps only the newest version.
package eventcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/singleflight"

	"nostr-video/internal/cache"
	"nostr-video/internal/metrics"
	"nostr-video/internal/nips"
	"nostr-video/internal/query"
	"nostr-video/internal/types"
	"nostr-video/internal/util"
)

const durablePrefix = "event:"

// Config tunes the cache.
type Config struct {
	TTLs             cache.CacheConfig
	Timeouts         query.Timeouts
	Batch            BatcherConfig
	Relays           []string // relays queried for refreshes, preloads and profiles
	FastTierSize     int
	PreloadPostLimit int
	WriteQueueSize   int
	VerifySignatures bool
}

// DefaultConfig returns the standard cache settings.
func DefaultConfig() Config {
	return Config{
		TTLs:             cache.DefaultCacheConfig(),
		Timeouts:         query.DefaultTimeouts(),
		Batch:            DefaultBatcherConfig(),
		FastTierSize:     50_000,
		PreloadPostLimit: 50,
		WriteQueueSize:   1024,
		VerifySignatures: true,
	}
}

type idRef struct {
	key    string
	pubkey string
}

type writeOp struct {
	entry *types.CacheEntry
	flush chan struct{}
}

// Cache is the event/profile cache. Construct with New; all methods are safe
// for concurrent use.
type Cache struct {
	cfg     Config
	querier query.Querier
	durable cache.CacheBackend
	metrics *metrics.Recorder
	now     func() time.Time

	mu       sync.Mutex // serializes compare-and-put on the fast tier
	fast     *lru.Cache[string, *types.CacheEntry]
	ids      *lru.Cache[string, idRef]
	notFound *lru.Cache[string, time.Time]

	preloads  singleflight.Group
	refreshes singleflight.Group
	refreshAt sync.Map // key -> time.Time of the last refresh attempt
	profiles  *Batcher[*types.ProfileMetadata]

	obsMu     sync.RWMutex
	observers []func(*types.CacheEntry)

	sendMu sync.RWMutex
	closed atomic.Bool
	writes chan writeOp
	done   chan struct{}
}

// New creates a cache. durable may be nil for a memory-only cache.
func New(cfg Config, querier query.Querier, durable cache.CacheBackend, rec *metrics.Recorder) *Cache {
	if cfg.FastTierSize <= 0 {
		cfg.FastTierSize = DefaultConfig().FastTierSize
	}
	if cfg.WriteQueueSize <= 0 {
		cfg.WriteQueueSize = DefaultConfig().WriteQueueSize
	}
	fast, _ := lru.New[string, *types.CacheEntry](cfg.FastTierSize)
	ids, _ := lru.New[string, idRef](cfg.FastTierSize)
	notFound, _ := lru.New[string, time.Time](4096)

	c := &Cache{
		cfg:      cfg,
		querier:  querier,
		durable:  durable,
		metrics:  rec,
		now:      time.Now,
		fast:     fast,
		ids:      ids,
		notFound: notFound,
		writes:   make(chan writeOp, cfg.WriteQueueSize),
		done:     make(chan struct{}),
	}
	c.profiles = NewBatcher("profiles", cfg.Batch, c.fetchProfilesDirect, rec)
	go c.writeLoop()
	return c
}

// OnStore registers fn to be called after every accepted write. fn must not block.
func (c *Cache) OnStore(fn func(*types.CacheEntry)) {
	c.obsMu.Lock()
	c.observers = append(c.observers, fn)
	c.obsMu.Unlock()
}

func (c *Cache) notify(entry *types.CacheEntry) {
	c.obsMu.RLock()
	observers := c.observers
	c.obsMu.RUnlock()
	for _, fn := range observers {
		fn(entry)
	}
}

// Len returns the number of fast-tier entries.
func (c *Cache) Len() int { return c.fast.Len() }

// =============================================================================
// Reads
// =============================================================================

// Get returns the fast-tier entry for a logical key. A stale entry is still
// returned; a background refresh is scheduled for it.
func (c *Cache) Get(key string) (*types.CacheEntry, bool) {
	entry, ok := c.fast.Get(key)
	if !ok {
		c.metrics.IncrementCacheMiss("fast")
		return nil, false
	}
	c.metrics.IncrementCacheHit("fast")
	if entry.Stale(c.now(), c.cfg.TTLs.TTLFor(entry.TTLClass)) {
		c.scheduleRefresh(key)
	}
	return entry, true
}

// GetByID returns the cached event with exactly this id.
func (c *Cache) GetByID(id string) (*nostr.Event, bool) {
	ref, ok := c.ids.Get(id)
	if !ok {
		return nil, false
	}
	entry, ok := c.Get(ref.key)
	if !ok || entry.Event.ID != id {
		return nil, false
	}
	return entry.Event, true
}

// AuthorOf returns the pubkey of any event id the cache has seen, including
// versions since replaced by a newer one.
func (c *Cache) AuthorOf(id string) (string, bool) {
	ref, ok := c.ids.Get(id)
	if !ok {
		return "", false
	}
	return ref.pubkey, true
}

// Profile returns the parsed kind 0 metadata of pubkey from the fast tier.
func (c *Cache) Profile(pubkey string) (*types.ProfileMetadata, bool) {
	entry, ok := c.Get(nips.ProfileKey(pubkey))
	if !ok || entry.Metadata == nil {
		return nil, false
	}
	return entry.Metadata, true
}

// Load reads through to the durable tier on a fast-tier miss. It never
// touches the network.
func (c *Cache) Load(ctx context.Context, key string) (*types.CacheEntry, bool) {
	if entry, ok := c.Get(key); ok {
		return entry, true
	}
	if c.durable == nil {
		return nil, false
	}

	data, found, err := c.durable.Get(ctx, durablePrefix+key)
	if err != nil {
		slog.Warn("durable cache read failed", "key", key, "error", err)
		return nil, false
	}
	if !found {
		c.metrics.IncrementCacheMiss("durable")
		return nil, false
	}

	var cached types.CachedEvent
	if err := json.Unmarshal(data, &cached); err != nil || cached.Event == nil {
		slog.Warn("durable cache entry corrupt", "key", key, "error", err)
		return nil, false
	}
	c.metrics.IncrementCacheHit("durable")

	entry, _ := c.put(cached.Event, time.Unix(cached.CachedAt, 0), false)
	return entry, entry != nil
}

// Match scans the fast tier for events matching f, newest first, honoring
// its limit. Used when relays are unreachable.
func (c *Cache) Match(f query.Filter) []*nostr.Event {
	var out []*nostr.Event
	for _, entry := range c.fast.Values() {
		if f.Matches(entry.Event) {
			out = append(out, entry.Event)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if limit := f.Spec().Limit; limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// =============================================================================
// Writes
// =============================================================================

// Put stores evt unless a newer version of the same logical key is already
// cached. Re-putting the cached version refreshes its cache time. Returns
// whether the cache now holds evt.
func (c *Cache) Put(evt *nostr.Event) bool {
	if evt == nil || evt.ID == "" {
		return false
	}
	if c.cfg.VerifySignatures && !nips.ValidateEventSignature(evt) {
		slog.Warn("dropping event with invalid signature", "event_id", nips.ShortID(evt.ID))
		return false
	}
	_, stored := c.put(evt, c.now(), true)
	return stored
}

// PutAll stores every event and returns how many were accepted.
func (c *Cache) PutAll(events []*nostr.Event) int {
	n := 0
	for _, evt := range events {
		if c.Put(evt) {
			n++
		}
	}
	return n
}

func (c *Cache) put(evt *nostr.Event, cachedAt time.Time, persist bool) (*types.CacheEntry, bool) {
	key := nips.LogicalKey(evt)

	c.mu.Lock()
	if existing, ok := c.fast.Peek(key); ok {
		switch {
		case existing.Event.ID == evt.ID:
			if !cachedAt.After(existing.CachedAt) {
				c.mu.Unlock()
				return existing, true
			}
		case !nips.Newer(evt, existing.Event):
			c.mu.Unlock()
			c.metrics.IncrementStaleWrite()
			slog.Debug("ignoring older event", "key", key,
				"have", int64(existing.Event.CreatedAt), "got", int64(evt.CreatedAt))
			return existing, false
		}
	}

	entry := newEntry(key, evt, cachedAt)
	c.fast.Add(key, entry)
	c.ids.Add(evt.ID, idRef{key: key, pubkey: evt.PubKey})
	if persist {
		c.enqueue(writeOp{entry: entry})
	}
	c.mu.Unlock()

	if evt.Kind == nips.KindProfile {
		c.notFound.Remove(evt.PubKey)
	}
	c.notify(entry)
	return entry, true
}

func newEntry(key string, evt *nostr.Event, cachedAt time.Time) *types.CacheEntry {
	entry := &types.CacheEntry{
		Key:      key,
		Event:    evt,
		CachedAt: cachedAt,
		TTLClass: types.TTLPost,
	}
	switch evt.Kind {
	case nips.KindProfile:
		entry.TTLClass = types.TTLProfile
		meta, err := types.ParseProfileMetadata(evt.Content)
		if err != nil {
			slog.Debug("caching profile without metadata", "pubkey", nips.ShortID(evt.PubKey), "error", err)
		}
		entry.Metadata = meta
	case nips.KindFollowList:
		entry.TTLClass = types.TTLContacts
	}
	return entry
}

// =============================================================================
// Durable writer
// =============================================================================

func (c *Cache) enqueue(op writeOp) {
	if c.durable == nil {
		return
	}
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed.Load() {
		return
	}
	select {
	case c.writes <- op:
	default:
		slog.Warn("durable write queue full, dropping write", "key", op.entry.Key)
	}
}

func (c *Cache) writeLoop() {
	defer close(c.done)
	for op := range c.writes {
		if op.flush != nil {
			close(op.flush)
			continue
		}
		c.persist(op.entry)
	}
}

// persist re-checks recency against the durable copy: the fast tier may have
// evicted a newer version the durable tier still holds.
func (c *Cache) persist(entry *types.CacheEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dkey := durablePrefix + entry.Key
	if data, found, err := c.durable.Get(ctx, dkey); err == nil && found {
		var prev types.CachedEvent
		if json.Unmarshal(data, &prev) == nil && prev.Event != nil &&
			prev.Event.ID != entry.Event.ID && nips.Newer(prev.Event, entry.Event) {
			c.metrics.IncrementStaleWrite()
			return
		}
	}

	data, err := json.Marshal(types.CachedEvent{
		Event:    entry.Event,
		CachedAt: entry.CachedAt.Unix(),
		TTLClass: entry.TTLClass,
	})
	if err != nil {
		slog.Error("failed to encode cache entry", "key", entry.Key, "error", err)
		return
	}
	if err := c.durable.Set(ctx, dkey, data, c.cfg.TTLs.DurableRetention); err != nil {
		slog.Warn("durable cache write failed", "key", entry.Key, "error", err)
	}
}

// Flush blocks until every write queued before the call reached the durable tier.
func (c *Cache) Flush(ctx context.Context) error {
	if c.durable == nil {
		return nil
	}
	c.sendMu.RLock()
	if c.closed.Load() {
		c.sendMu.RUnlock()
		return nil
	}
	op := writeOp{flush: make(chan struct{})}
	select {
	case c.writes <- op:
		c.sendMu.RUnlock()
	case <-ctx.Done():
		c.sendMu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-op.flush:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending durable writes. It does not close the backend.
func (c *Cache) Close() {
	c.sendMu.Lock()
	if c.closed.Swap(true) {
		c.sendMu.Unlock()
		return
	}
	close(c.writes)
	c.sendMu.Unlock()
	<-c.done
}

// =============================================================================
// Network: refresh, preload, profiles
// =============================================================================

func (c *Cache) scheduleRefresh(key string) {
	now := c.now()
	if last, ok := c.refreshAt.Load(key); ok && now.Sub(last.(time.Time)) < c.cfg.Timeouts.Refresh {
		return
	}
	c.refreshAt.Store(key, now)
	c.refreshes.DoChan(key, func() (interface{}, error) {
		c.refresh(key)
		return nil, nil
	})
}

func (c *Cache) refresh(key string) {
	f, ok := filterForKey(key)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeouts.Refresh)
	defer cancel()

	events, err := c.querier.Query(ctx, c.cfg.Relays, f)
	if err != nil {
		c.metrics.IncrementRefresh("error")
		slog.Debug("background refresh failed", "key", key, "error", err)
		return
	}
	c.metrics.IncrementRefresh("ok")
	c.PutAll(events)
}

// filterForKey rebuilds the query that fetches the latest version of a logical key.
func filterForKey(key string) (query.Filter, bool) {
	parts := strings.SplitN(key, ":", 4)
	spec := query.FilterSpec{}
	switch {
	case parts[0] == "e" && len(parts) == 2:
		spec.IDs = []string{parts[1]}
	case parts[0] == "r" && len(parts) == 3:
		kind, err := strconv.Atoi(parts[1])
		if err != nil {
			return query.Filter{}, false
		}
		spec.Kinds = []int{kind}
		spec.Authors = []string{parts[2]}
		spec.Limit = 1
	case parts[0] == "a" && len(parts) == 4:
		kind, err := strconv.Atoi(parts[1])
		if err != nil {
			return query.Filter{}, false
		}
		spec.Kinds = []int{kind}
		spec.Authors = []string{parts[2]}
		spec.Tags = map[string][]string{"d": {parts[3]}}
		spec.Limit = 1
	default:
		return query.Filter{}, false
	}
	f, err := query.NewFilter(spec)
	if err != nil {
		return query.Filter{}, false
	}
	return f, true
}

// PreloadUserEvents warms the cache with a user's profile, contact list and
// recent videos in one query. Concurrent calls for the same pubkey share one
// fetch. Failures are logged; the count of stored events is returned.
func (c *Cache) PreloadUserEvents(ctx context.Context, pubkey string) int {
	if !nips.IsHex64(pubkey) {
		return 0
	}

	ch := c.preloads.DoChan(pubkey, func() (interface{}, error) {
		return c.preload(pubkey), nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.metrics.IncrementDeduped("preload")
			slog.Debug("singleflight: shared preload", "pubkey", nips.ShortID(pubkey))
		}
		return res.Val.(int)
	case <-ctx.Done():
		return 0
	}
}

func (c *Cache) preload(pubkey string) int {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeouts.Preload)
	defer cancel()

	authors := []string{pubkey}
	filters := []query.Filter{
		query.MustFilter(query.FilterSpec{Kinds: []int{nips.KindProfile}, Authors: authors, Limit: 1}),
		query.MustFilter(query.FilterSpec{Kinds: []int{nips.KindFollowList}, Authors: authors, Limit: 1}),
	}
	if c.cfg.PreloadPostLimit > 0 {
		filters = append(filters, query.MustFilter(query.FilterSpec{
			Kinds:   nips.VideoKinds,
			Authors: authors,
			Limit:   c.cfg.PreloadPostLimit,
		}))
	}

	start := time.Now()
	events, err := c.querier.Query(ctx, c.cfg.Relays, filters...)
	if err != nil {
		slog.Warn("preload failed", "pubkey", nips.ShortID(pubkey), "error", err)
		return 0
	}
	stored := c.PutAll(events)
	slog.Debug("preloaded user events",
		"pubkey", nips.ShortID(pubkey),
		"fetched", len(events),
		"stored", stored,
		"duration_ms", time.Since(start).Milliseconds())
	return stored
}

// FetchProfiles returns metadata for pubkeys. Cached profiles are answered
// immediately; the rest are coalesced with concurrent callers into one
// query. Pubkeys without a profile are absent from the result.
func (c *Cache) FetchProfiles(ctx context.Context, pubkeys []string) map[string]*types.ProfileMetadata {
	result := make(map[string]*types.ProfileMetadata)
	var missing []string
	now := c.now()

	for _, pk := range util.Dedupe(pubkeys) {
		if !nips.IsHex64(pk) {
			continue
		}
		if entry, ok := c.Load(ctx, nips.ProfileKey(pk)); ok {
			if entry.Metadata != nil {
				result[pk] = entry.Metadata
			}
			continue
		}
		if until, ok := c.notFound.Get(pk); ok && now.Before(until) {
			continue
		}
		missing = append(missing, pk)
	}

	if len(missing) == 0 {
		return result
	}
	for pk, meta := range c.profiles.GetMultiple(ctx, missing) {
		result[pk] = meta
	}
	return result
}

// fetchProfilesDirect is the batch function behind FetchProfiles.
func (c *Cache) fetchProfilesDirect(pubkeys []string) map[string]*types.ProfileMetadata {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeouts.Profile)
	defer cancel()

	f, err := query.NewFilter(query.FilterSpec{Kinds: []int{nips.KindProfile}, Authors: pubkeys})
	if err != nil {
		slog.Warn("invalid profile batch", "count", len(pubkeys), "error", err)
		return nil
	}
	events, err := c.querier.Query(ctx, c.cfg.Relays, f)
	if err != nil {
		slog.Warn("profile fetch failed", "count", len(pubkeys), "error", err)
		return nil
	}
	c.PutAll(events)

	result := make(map[string]*types.ProfileMetadata, len(pubkeys))
	notFoundUntil := c.now().Add(c.cfg.TTLs.ProfileNotFoundTTL)
	for _, pk := range pubkeys {
		entry, ok := c.fast.Peek(nips.ProfileKey(pk))
		if !ok {
			c.notFound.Add(pk, notFoundUntil)
			continue
		}
		if entry.Metadata != nil {
			result[pk] = entry.Metadata
		}
	}
	return result
}
