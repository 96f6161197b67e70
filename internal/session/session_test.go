package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-video/internal/cache"
	"nostr-video/internal/config"
	"nostr-video/internal/feed"
	"nostr-video/internal/follows"
	"nostr-video/internal/nips"
	"nostr-video/internal/testutil"
)

var (
	alice = testutil.NewSigner(1)
	bob   = testutil.NewSigner(2)
	carol = testutil.NewSigner(3)
)

func testConfig() *config.Config {
	cfg := config.Default()
	relays := []string{"wss://relay.example.com"}
	cfg.Relays.Default = relays
	cfg.Relays.Profile = relays
	cfg.Relays.Deletion = relays
	cfg.Capability.UseNIP11 = new(bool)
	return cfg
}

func newTestSession(t *testing.T, net *testutil.Network, durable cache.CacheBackend) *Session {
	t.Helper()
	if durable == nil {
		durable = cache.NewMemoryCache(0, time.Minute)
	}
	s := New(testConfig(), net, durable, nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedFollowList writes owner's list to durable as an earlier session would have.
func seedFollowList(t *testing.T, durable cache.CacheBackend, signer *testutil.Signer, follow ...string) {
	t.Helper()
	fc := follows.New(durable, nil, nil, time.Second, nil)
	_, err := fc.Apply(context.Background(), signer.FollowList(100, follow...))
	require.NoError(t, err)
	fc.Wait()
}

func TestLoginWarmsFollowsFromDurable(t *testing.T) {
	durable := cache.NewMemoryCache(0, time.Minute)
	seedFollowList(t, durable, alice, bob.PubKey)

	net := testutil.NewNetwork()
	net.Gate = make(chan struct{}) // relays never answer
	s := newTestSession(t, net, durable)
	defer close(net.Gate)

	require.NoError(t, s.Login(context.Background(), alice.PubKey))
	assert.Equal(t, alice.PubKey, s.Owner())
	assert.True(t, s.Follows.IsFollowing(alice.PubKey, bob.PubKey))
	assert.True(t, s.Deletions.Running())
}

func TestLoginAcceptsNpub(t *testing.T) {
	s := newTestSession(t, testutil.NewNetwork(), nil)
	assert.Error(t, s.Login(context.Background(), "npub1notvalid"))
	assert.Empty(t, s.Owner())
}

func TestLoginPrefetchesUserEvents(t *testing.T) {
	net := testutil.NewNetwork()
	net.Store(
		alice.Profile(100, `{"name":"alice"}`),
		alice.FollowList(100, bob.PubKey),
		alice.Video(120, "clip", "1"),
		bob.Profile(90, `{"name":"bob"}`),
	)
	s := newTestSession(t, net, nil)
	require.NoError(t, s.Login(context.Background(), alice.PubKey))

	require.Eventually(t, func() bool {
		_, ok := s.Events.Profile(bob.PubKey)
		return ok
	}, 2*time.Second, 10*time.Millisecond, "followed profiles are prefetched")
	meta, ok := s.Events.Profile(alice.PubKey)
	require.True(t, ok)
	assert.Equal(t, "alice", meta.Name)
	assert.True(t, s.Follows.IsFollowing(alice.PubKey, bob.PubKey))
}

func TestOwnerContactListsReachFollowCache(t *testing.T) {
	s := newTestSession(t, testutil.NewNetwork(), nil)
	require.NoError(t, s.Login(context.Background(), alice.PubKey))

	s.Events.Put(bob.FollowList(300, carol.PubKey))
	s.Events.Put(alice.FollowList(300, carol.PubKey))

	require.Eventually(t, func() bool {
		return s.Follows.IsFollowing(alice.PubKey, carol.PubKey)
	}, time.Second, 5*time.Millisecond)
	_, ok := s.Follows.GetCached(bob.PubKey)
	assert.False(t, ok)
}

func TestLogoutInvalidatesOwner(t *testing.T) {
	durable := cache.NewMemoryCache(0, time.Minute)
	seedFollowList(t, durable, alice, bob.PubKey)
	seedFollowList(t, durable, bob, carol.PubKey)
	s := newTestSession(t, testutil.NewNetwork(), durable)

	require.NoError(t, s.Login(context.Background(), alice.PubKey))
	require.NoError(t, s.Logout(context.Background()))

	assert.Empty(t, s.Owner())
	assert.False(t, s.Deletions.Running())
	_, ok := s.Follows.GetCached(alice.PubKey)
	assert.False(t, ok)

	ctx := context.Background()
	_, found, err := durable.Get(ctx, "follows:"+alice.PubKey)
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = durable.Get(ctx, "follows:"+bob.PubKey)
	require.NoError(t, err)
	assert.True(t, found, "other users' lists survive a targeted logout")
}

func TestContactListStoredBeforeLogoutDoesNotReappear(t *testing.T) {
	durable := cache.NewMemoryCache(0, time.Minute)
	s := newTestSession(t, testutil.NewNetwork(), durable)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, s.Login(ctx, alice.PubKey))
		s.Events.Put(alice.FollowList(int64(1000+i), bob.PubKey))
		require.NoError(t, s.Logout(ctx))
		s.bg.Wait()
		s.Follows.Wait()

		_, ok := s.Follows.GetCached(alice.PubKey)
		require.False(t, ok, "fast tier repopulated after logout (iteration %d)", i)
		_, found, err := durable.Get(ctx, "follows:"+alice.PubKey)
		require.NoError(t, err)
		require.False(t, found, "durable row written after logout (iteration %d)", i)
	}
}

func TestLogoutWithoutOwnerClearsAll(t *testing.T) {
	durable := cache.NewMemoryCache(0, time.Minute)
	seedFollowList(t, durable, alice, bob.PubKey)
	seedFollowList(t, durable, bob, carol.PubKey)
	s := newTestSession(t, testutil.NewNetwork(), durable)

	require.NoError(t, s.Logout(context.Background()))

	ctx := context.Background()
	for _, pk := range []string{alice.PubKey, bob.PubKey} {
		_, found, err := durable.Get(ctx, "follows:"+pk)
		require.NoError(t, err)
		assert.False(t, found)
	}
}

func TestSwitchingUserLogsOutPrevious(t *testing.T) {
	durable := cache.NewMemoryCache(0, time.Minute)
	seedFollowList(t, durable, alice, bob.PubKey)
	s := newTestSession(t, testutil.NewNetwork(), durable)

	require.NoError(t, s.Login(context.Background(), alice.PubKey))
	require.NoError(t, s.Login(context.Background(), bob.PubKey))
	assert.Equal(t, bob.PubKey, s.Owner())

	_, found, err := durable.Get(context.Background(), "follows:"+alice.PubKey)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFeedThroughSession(t *testing.T) {
	net := testutil.NewNetwork()
	video := alice.Video(100, "clip", "1")
	net.Store(video)
	s := newTestSession(t, net, nil)

	page, err := s.Feed.Fetch(context.Background(), feed.Request{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, video.ID, page.Items[0].Event.ID)
}

func TestCloseFlushesDurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	durable, err := cache.NewSQLiteCache(path)
	require.NoError(t, err)

	s := New(testConfig(), testutil.NewNetwork(), durable, nil)
	video := alice.Video(100, "clip", "1")
	require.True(t, s.Events.Put(video))
	require.NoError(t, s.Close())

	reopened, err := cache.NewSQLiteCache(path)
	require.NoError(t, err)
	defer reopened.Close()
	_, found, err := reopened.Get(context.Background(), "event:"+nips.LogicalKey(video))
	require.NoError(t, err)
	assert.True(t, found)
}
