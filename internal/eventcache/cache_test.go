package eventcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-video/internal/cache"
	"nostr-video/internal/nips"
	"nostr-video/internal/query"
	"nostr-video/internal/testutil"
	"nostr-video/internal/types"
)

var (
	alice = testutil.NewSigner(1)
	bob   = testutil.NewSigner(2)
	carol = testutil.NewSigner(3)
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, net *testutil.Network, durable cache.CacheBackend) (*Cache, *testClock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Relays = []string{"wss://relay.example.com"}
	cfg.Batch.Window = 30 * time.Millisecond
	c := New(cfg, net, durable, nil)
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}
	c.now = clock.now
	t.Cleanup(c.Close)
	return c, clock
}

func TestPutIgnoresOlderVersion(t *testing.T) {
	c, _ := newTestCache(t, testutil.NewNetwork(), nil)

	newer := alice.Profile(200, `{"name":"alice v2"}`)
	older := alice.Profile(100, `{"name":"alice v1"}`)

	require.True(t, c.Put(newer))
	assert.False(t, c.Put(older), "older event must not overwrite newer")

	entry, ok := c.Get(nips.ProfileKey(alice.PubKey))
	require.True(t, ok)
	assert.Equal(t, newer.ID, entry.Event.ID)
	assert.Equal(t, "alice v2", entry.Metadata.Name)
}

func TestPutOrderIndependent(t *testing.T) {
	v1 := alice.Video(100, "clip", "1")
	v2 := alice.Video(200, "clip", "2")
	key := nips.LogicalKey(v1)

	for name, order := range map[string][]*nostr.Event{"old-first": {v1, v2}, "new-first": {v2, v1}} {
		t.Run(name, func(t *testing.T) {
			c, _ := newTestCache(t, testutil.NewNetwork(), nil)
			for _, evt := range order {
				c.Put(evt)
			}
			entry, ok := c.Get(key)
			require.True(t, ok)
			assert.Equal(t, v2.ID, entry.Event.ID)
		})
	}
}

func TestPutEqualTimestampKeepsLowestID(t *testing.T) {
	c, _ := newTestCache(t, testutil.NewNetwork(), nil)
	a := alice.Profile(100, `{"name":"a"}`)
	b := alice.Profile(100, `{"name":"b"}`)
	low, high := a, b
	if b.ID < a.ID {
		low, high = b, a
	}

	c.Put(high)
	c.Put(low)
	entry, _ := c.Get(nips.ProfileKey(alice.PubKey))
	assert.Equal(t, low.ID, entry.Event.ID)

	assert.False(t, c.Put(high))
}

func TestMalformedProfileCachedRaw(t *testing.T) {
	c, _ := newTestCache(t, testutil.NewNetwork(), nil)
	evt := bob.Profile(100, `not json at all`)

	require.True(t, c.Put(evt))
	entry, ok := c.Get(nips.ProfileKey(bob.PubKey))
	require.True(t, ok)
	assert.Nil(t, entry.Metadata)
	assert.Equal(t, evt.Content, entry.Event.Content)

	_, ok = c.Profile(bob.PubKey)
	assert.False(t, ok)
}

func TestPutRejectsBadSignature(t *testing.T) {
	c, _ := newTestCache(t, testutil.NewNetwork(), nil)
	evt := alice.Video(100, "clip", "5")
	evt.Content = "tampered"

	assert.False(t, c.Put(evt))
	assert.Equal(t, 0, c.Len())
}

func TestStaleEntryServedAndRefreshed(t *testing.T) {
	net := testutil.NewNetwork()
	c, clock := newTestCache(t, net, nil)

	old := carol.Profile(100, `{"name":"carol"}`)
	c.Put(old)
	fresh := carol.Profile(300, `{"name":"carol 2"}`)
	net.Store(fresh)

	clock.advance(2 * time.Hour)
	entry, ok := c.Get(nips.ProfileKey(carol.PubKey))
	require.True(t, ok, "stale entries are still served")
	assert.Equal(t, old.ID, entry.Event.ID)

	require.Eventually(t, func() bool {
		e, _ := c.Get(nips.ProfileKey(carol.PubKey))
		return e.Event.ID == fresh.ID
	}, time.Second, 5*time.Millisecond)

	q := net.Queries()[0][0].Spec()
	assert.Equal(t, []int{0}, q.Kinds)
	assert.Equal(t, []string{carol.PubKey}, q.Authors)
}

func TestPreloadDeduplicates(t *testing.T) {
	net := testutil.NewNetwork()
	net.Gate = make(chan struct{})
	net.Store(
		alice.Profile(100, `{"name":"alice"}`),
		alice.FollowList(100, bob.PubKey, carol.PubKey),
		alice.Video(150, "one", "3"),
		alice.Video(160, "two", "4"),
		bob.Video(170, "bob", "9"),
	)
	c, _ := newTestCache(t, net, nil)

	var wg sync.WaitGroup
	counts := make([]int, 2)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			counts[i] = c.PreloadUserEvents(context.Background(), alice.PubKey)
		}(i)
	}

	require.Eventually(t, func() bool { return net.QueryCalls() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(net.Gate)
	wg.Wait()

	assert.Equal(t, 1, net.QueryCalls(), "concurrent preloads must share one fetch")
	assert.Equal(t, []int{4, 4}, counts)

	_, ok := c.Get(nips.FollowListKey(alice.PubKey))
	assert.True(t, ok)
	_, ok = c.Profile(alice.PubKey)
	assert.True(t, ok)
	assert.Len(t, net.Queries()[0], 3)
}

func TestPreloadFailureIsSwallowed(t *testing.T) {
	net := testutil.NewNetwork()
	net.QueryErr = errors.New("all relays down")
	c, _ := newTestCache(t, net, nil)

	assert.Equal(t, 0, c.PreloadUserEvents(context.Background(), alice.PubKey))
	assert.Equal(t, 0, c.PreloadUserEvents(context.Background(), "not-a-pubkey"))
}

func TestFetchProfilesBatchesAndCachesMisses(t *testing.T) {
	net := testutil.NewNetwork()
	net.Store(alice.Profile(100, `{"name":"alice"}`), bob.Profile(100, `{"display_name":"Bob"}`))
	c, _ := newTestCache(t, net, nil)

	var wg sync.WaitGroup
	results := make([]map[string]string, 3)
	requests := [][]string{
		{alice.PubKey},
		{bob.PubKey, carol.PubKey},
		{alice.PubKey, carol.PubKey},
	}
	for i, pks := range requests {
		wg.Add(1)
		go func(i int, pks []string) {
			defer wg.Done()
			names := make(map[string]string)
			for pk, meta := range c.FetchProfiles(context.Background(), pks) {
				names[pk] = meta.BestName()
			}
			results[i] = names
		}(i, pks)
	}
	wg.Wait()

	assert.Equal(t, 1, net.QueryCalls(), "overlapping profile requests must be coalesced")
	assert.Equal(t, map[string]string{alice.PubKey: "alice"}, results[0])
	assert.Equal(t, map[string]string{bob.PubKey: "Bob"}, results[1])
	assert.Equal(t, map[string]string{alice.PubKey: "alice"}, results[2])

	// carol has no profile: negatively cached, alice and bob are hits
	c.FetchProfiles(context.Background(), []string{alice.PubKey, bob.PubKey, carol.PubKey})
	assert.Equal(t, 1, net.QueryCalls())
}

func TestDurableTierSurvivesNewCache(t *testing.T) {
	backend := cache.NewMemoryCache(0, time.Minute)
	defer backend.Close()

	first, _ := newTestCache(t, testutil.NewNetwork(), backend)
	evt := alice.Profile(100, `{"name":"alice"}`)
	first.Put(evt)
	require.NoError(t, first.Flush(context.Background()))

	second, _ := newTestCache(t, testutil.NewNetwork(), backend)
	_, ok := second.Get(nips.ProfileKey(alice.PubKey))
	assert.False(t, ok, "fast tier starts empty")

	entry, ok := second.Load(context.Background(), nips.ProfileKey(alice.PubKey))
	require.True(t, ok)
	assert.Equal(t, evt.ID, entry.Event.ID)
	assert.Equal(t, "alice", entry.Metadata.Name)

	_, ok = second.Get(nips.ProfileKey(alice.PubKey))
	assert.True(t, ok, "durable hit warms the fast tier")
}

func TestDurableTierKeepsNewestAfterEviction(t *testing.T) {
	backend := cache.NewMemoryCache(0, time.Minute)
	defer backend.Close()

	cfg := DefaultConfig()
	cfg.FastTierSize = 1
	c := New(cfg, testutil.NewNetwork(), backend, nil)
	defer c.Close()

	newer := alice.Profile(200, `{"name":"new"}`)
	older := alice.Profile(100, `{"name":"old"}`)
	c.Put(newer)
	c.Put(bob.Profile(100, `{"name":"bob"}`)) // evicts alice from the fast tier
	c.Put(older)
	require.NoError(t, c.Flush(context.Background()))

	fresh := New(cfg, testutil.NewNetwork(), backend, nil)
	defer fresh.Close()
	entry, ok := fresh.Load(context.Background(), nips.ProfileKey(alice.PubKey))
	require.True(t, ok)
	assert.Equal(t, newer.ID, entry.Event.ID)
}

func TestAuthorOfAndGetByID(t *testing.T) {
	c, _ := newTestCache(t, testutil.NewNetwork(), nil)
	v1 := alice.Video(100, "clip", "1")
	v2 := alice.Video(200, "clip", "2")
	c.Put(v1)
	c.Put(v2)

	_, ok := c.GetByID(v1.ID)
	assert.False(t, ok, "replaced version is no longer cached")
	got, ok := c.GetByID(v2.ID)
	require.True(t, ok)
	assert.Equal(t, v2.ID, got.ID)

	author, ok := c.AuthorOf(v1.ID)
	require.True(t, ok)
	assert.Equal(t, alice.PubKey, author)
}

func TestMatch(t *testing.T) {
	c, _ := newTestCache(t, testutil.NewNetwork(), nil)
	c.Put(alice.Video(100, "a", "1"))
	c.Put(alice.Video(300, "b", "1"))
	c.Put(bob.Video(200, "c", "1"))
	c.Put(bob.Profile(100, `{}`))

	got := c.Match(query.MustFilter(query.FilterSpec{Kinds: nips.VideoKinds, Limit: 2}))
	require.Len(t, got, 2)
	assert.Equal(t, nostr.Timestamp(300), got[0].CreatedAt)
	assert.Equal(t, nostr.Timestamp(200), got[1].CreatedAt)
}

func TestOnStoreObservesAcceptedWrites(t *testing.T) {
	c, _ := newTestCache(t, testutil.NewNetwork(), nil)
	var seen []string
	c.OnStore(func(e *types.CacheEntry) { seen = append(seen, e.Event.ID) })

	newer := alice.Profile(200, `{}`)
	c.Put(newer)
	c.Put(alice.Profile(100, `{}`))
	assert.Equal(t, []string{newer.ID}, seen)
}
