package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-video/internal/nips"
	"nostr-video/internal/query"
	"nostr-video/internal/testutil"
)

var alice = testutil.NewSigner(1)

// fakeRelay speaks enough NIP-01 to answer REQ, CLOSE and EVENT.
type fakeRelay struct {
	server       *httptest.Server
	rejectSearch bool
	rejectWrites bool

	mu     sync.Mutex
	events []*nostr.Event
	conns  map[*websocket.Conn]*fakeConn
	reqs   int
}

type fakeConn struct {
	writeMu sync.Mutex
	ws      *websocket.Conn
	subs    map[string][]nostr.Filter
}

func (fc *fakeConn) send(v ...any) {
	fc.writeMu.Lock()
	defer fc.writeMu.Unlock()
	_ = fc.ws.WriteJSON(v)
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	fr := &fakeRelay{conns: make(map[*websocket.Conn]*fakeConn)}
	upgrader := websocket.Upgrader{}
	fr.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fc := &fakeConn{ws: ws, subs: make(map[string][]nostr.Filter)}
		fr.mu.Lock()
		fr.conns[ws] = fc
		fr.mu.Unlock()
		defer func() {
			fr.mu.Lock()
			delete(fr.conns, ws)
			fr.mu.Unlock()
			ws.Close()
		}()
		fr.serve(fc)
	}))
	t.Cleanup(fr.server.Close)
	return fr
}

func (fr *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(fr.server.URL, "http")
}

func (fr *fakeRelay) store(events ...*nostr.Event) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.events = append(fr.events, events...)
}

func (fr *fakeRelay) reqCount() int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.reqs
}

// emit pushes evt to every live subscription it matches.
func (fr *fakeRelay) emit(evt *nostr.Event) {
	fr.mu.Lock()
	conns := make([]*fakeConn, 0, len(fr.conns))
	for _, fc := range fr.conns {
		conns = append(conns, fc)
	}
	fr.mu.Unlock()
	for _, fc := range conns {
		fr.mu.Lock()
		var matched []string
		for id, filters := range fc.subs {
			for _, f := range filters {
				if f.Matches(evt) {
					matched = append(matched, id)
					break
				}
			}
		}
		fr.mu.Unlock()
		for _, id := range matched {
			fc.send("EVENT", id, evt)
		}
	}
}

// dropAll closes every client connection.
func (fr *fakeRelay) dropAll() {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	for ws := range fr.conns {
		ws.Close()
	}
}

func (fr *fakeRelay) serve(fc *fakeConn) {
	for {
		_, data, err := fc.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg []json.RawMessage
		if json.Unmarshal(data, &msg) != nil || len(msg) < 2 {
			continue
		}
		var label, id string
		_ = json.Unmarshal(msg[0], &label)

		switch label {
		case "REQ":
			_ = json.Unmarshal(msg[1], &id)
			var filters []nostr.Filter
			for _, raw := range msg[2:] {
				var f nostr.Filter
				if json.Unmarshal(raw, &f) == nil {
					filters = append(filters, f)
				}
			}
			fr.mu.Lock()
			fr.reqs++
			fr.mu.Unlock()
			if fr.rejectSearch && hasSearch(filters) {
				fc.send("CLOSED", id, "unsupported: search")
				continue
			}
			fr.mu.Lock()
			fc.subs[id] = filters
			var matched []*nostr.Event
			for _, evt := range fr.events {
				for _, f := range filters {
					if f.Matches(evt) {
						matched = append(matched, evt)
						break
					}
				}
			}
			fr.mu.Unlock()
			for _, evt := range matched {
				fc.send("EVENT", id, evt)
			}
			fc.send("EOSE", id)
		case "CLOSE":
			_ = json.Unmarshal(msg[1], &id)
			fr.mu.Lock()
			delete(fc.subs, id)
			fr.mu.Unlock()
		case "EVENT":
			var evt nostr.Event
			if json.Unmarshal(msg[1], &evt) != nil {
				continue
			}
			if fr.rejectWrites {
				fc.send("OK", evt.ID, false, "blocked: read-only relay")
				continue
			}
			fr.store(&evt)
			fc.send("OK", evt.ID, true, "")
		}
	}
}

func hasSearch(filters []nostr.Filter) bool {
	for _, f := range filters {
		if f.Search != "" {
			return true
		}
	}
	return false
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	cfg := DefaultConfig()
	cfg.AllowInternal = true
	p := NewPool(cfg, nil)
	t.Cleanup(p.Close)
	return p
}

func videoFilter(limit int) query.Filter {
	return query.MustFilter(query.FilterSpec{Kinds: nips.VideoKinds, Limit: limit})
}

func TestQueryMergesAndDedupes(t *testing.T) {
	r1, r2 := newFakeRelay(t), newFakeRelay(t)
	shared := alice.Video(300, "shared", "1")
	older := alice.Video(100, "older", "1")
	newer := alice.Video(500, "newer", "1")
	r1.store(shared, older)
	r2.store(shared, newer)

	p := newTestPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	events, err := p.Query(ctx, []string{r1.url(), r2.url()}, videoFilter(10))
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, newer.ID, events[0].ID)
	assert.Equal(t, shared.ID, events[1].ID)
	assert.Equal(t, older.ID, events[2].ID)
}

func TestQueryHonorsLimit(t *testing.T) {
	r := newFakeRelay(t)
	for i := int64(1); i <= 5; i++ {
		r.store(alice.Video(i*10, "v"+string(rune('a'+i)), "1"))
	}
	p := newTestPool(t)
	events, err := p.Query(context.Background(), []string{r.url()}, videoFilter(2))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, nostr.Timestamp(50), events[0].CreatedAt)
}

func TestQueryReusesConnection(t *testing.T) {
	r := newFakeRelay(t)
	p := newTestPool(t)

	for i := 0; i < 3; i++ {
		_, err := p.Query(context.Background(), []string{r.url()}, videoFilter(1))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, r.reqCount())
	assert.Equal(t, []string{r.url()}, p.Connected())
}

func TestSlowDialDoesNotBlockOtherRelays(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
	}))
	t.Cleanup(slow.Close)
	t.Cleanup(func() { close(release) })

	fast := newFakeRelay(t)
	evt := alice.Video(100, "clip", "1")
	fast.store(evt)
	p := newTestPool(t)

	go func() {
		_, _ = p.getOrCreateConn(context.Background(), "ws"+strings.TrimPrefix(slow.URL, "http"))
	}()
	require.Eventually(t, func() bool { return hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	events, err := p.Query(ctx, []string{fast.url()}, videoFilter(1))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, evt.ID, events[0].ID)
}

func TestConcurrentCallersShareDial(t *testing.T) {
	r := newFakeRelay(t)
	p := newTestPool(t)

	conns := make([]*relayConn, 8)
	var wg sync.WaitGroup
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rc, err := p.getOrCreateConn(context.Background(), r.url())
			assert.NoError(t, err)
			conns[i] = rc
		}(i)
	}
	wg.Wait()

	for _, rc := range conns[1:] {
		assert.Same(t, conns[0], rc)
	}
	assert.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.conns) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestQueryPartialFailure(t *testing.T) {
	r := newFakeRelay(t)
	evt := alice.Video(100, "clip", "1")
	r.store(evt)

	p := newTestPool(t)
	events, err := p.Query(context.Background(), []string{r.url(), "ws://127.0.0.1:1"}, videoFilter(5))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, evt.ID, events[0].ID)
}

func TestQueryAllRejected(t *testing.T) {
	r := newFakeRelay(t)
	r.rejectSearch = true
	p := newTestPool(t)

	f := query.MustFilter(query.FilterSpec{Kinds: nips.VideoKinds, Sort: "sort:hot"})
	_, err := p.Query(context.Background(), []string{r.url()}, f)
	require.Error(t, err)
	assert.True(t, errors.Is(err, query.ErrRejected))
}

func TestQueryNoRelays(t *testing.T) {
	p := newTestPool(t)
	_, err := p.Query(context.Background(), nil, videoFilter(1))
	assert.ErrorIs(t, err, query.ErrNoRelays)
}

func TestUnsafeRelayBlocked(t *testing.T) {
	p := NewPool(DefaultConfig(), nil)
	defer p.Close()
	err := p.Probe(context.Background(), "ws://localhost:7777", videoFilter(1))
	assert.ErrorIs(t, err, ErrUnsafeRelay)
}

func TestProbe(t *testing.T) {
	probe := query.MustFilter(query.FilterSpec{Kinds: nips.VideoKinds, Limit: 1, Sort: "sort:hot"})

	t.Run("accepted", func(t *testing.T) {
		r := newFakeRelay(t)
		p := newTestPool(t)
		assert.NoError(t, p.Probe(context.Background(), r.url(), probe))
	})

	t.Run("rejected", func(t *testing.T) {
		r := newFakeRelay(t)
		r.rejectSearch = true
		p := newTestPool(t)
		err := p.Probe(context.Background(), r.url(), probe)
		require.ErrorIs(t, err, query.ErrRejected)
		assert.Contains(t, err.Error(), "unsupported: search")
	})

	t.Run("unreachable", func(t *testing.T) {
		p := newTestPool(t)
		err := p.Probe(context.Background(), "ws://127.0.0.1:1", probe)
		require.Error(t, err)
		assert.False(t, errors.Is(err, query.ErrRejected))
	})
}

func TestPublish(t *testing.T) {
	r := newFakeRelay(t)
	p := newTestPool(t)
	evt := alice.Video(100, "clip", "1")

	require.NoError(t, p.Publish(context.Background(), []string{r.url()}, evt))
	events, err := p.Query(context.Background(), []string{r.url()}, videoFilter(5))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, evt.ID, events[0].ID)

	ro := newFakeRelay(t)
	ro.rejectWrites = true
	err = p.Publish(context.Background(), []string{ro.url()}, evt)
	assert.ErrorIs(t, err, query.ErrRejected)
}

func TestSubscribeMergesLiveStreams(t *testing.T) {
	r1, r2 := newFakeRelay(t), newFakeRelay(t)
	p := newTestPool(t)

	deletions := query.MustFilter(query.FilterSpec{Kinds: []int{nips.KindDeletion}})
	sub, err := p.Subscribe(context.Background(), []string{r1.url(), r2.url()}, deletions)
	require.NoError(t, err)
	defer sub.Close()

	del := alice.Deletion(200, "", []string{alice.Video(100, "clip", "1").ID}, nil)
	// Wait for both REQs to land before emitting
	require.Eventually(t, func() bool { return r1.reqCount() == 1 && r2.reqCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	r1.emit(del)
	r2.emit(del)
	r1.emit(alice.Video(300, "ignored", "1"))

	select {
	case got := <-sub.Events():
		assert.Equal(t, del.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no live event delivered")
	}
	select {
	case got := <-sub.Events():
		t.Fatalf("unexpected second event %s", got.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeEndsWhenRelaysDrop(t *testing.T) {
	r := newFakeRelay(t)
	p := newTestPool(t)

	sub, err := p.Subscribe(context.Background(), []string{r.url()}, videoFilter(0))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.reqCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	r.dropAll()
	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end")
	}
	sub.Close()
}

func TestSubscribeClosesOnContextCancel(t *testing.T) {
	r := newFakeRelay(t)
	p := newTestPool(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := p.Subscribe(ctx, []string{r.url()}, videoFilter(0))
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end")
	}
}
