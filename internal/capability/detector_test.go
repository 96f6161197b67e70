package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr/nip11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-video/internal/query"
	"nostr-video/internal/testutil"
	"nostr-video/internal/types"
)

const relayURL = "wss://relay.example.com"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestDetector(net *testutil.Network, useNIP11 bool, info InfoFetcher) (*Detector, *clock) {
	cfg := DefaultConfig()
	cfg.UseNIP11 = useNIP11
	cfg.InfoFetcher = info
	if info == nil {
		cfg.InfoFetcher = func(ctx context.Context, url string) (nip11.RelayInformationDocument, error) {
			return nip11.RelayInformationDocument{}, errors.New("no nip11 in tests")
		}
	}
	d := NewDetector(net, cfg, nil)
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	d.now = c.now
	return d, c
}

func TestDetectSupportedIsMemoized(t *testing.T) {
	net := testutil.NewNetwork()
	d, _ := newTestDetector(net, false, nil)

	assert.Equal(t, types.CapabilityUnknown, d.Peek(relayURL).State)

	rec := d.Detect(context.Background(), relayURL)
	assert.Equal(t, types.CapabilitySupported, rec.State)
	assert.Equal(t, "probe", rec.Source)

	rec = d.Detect(context.Background(), relayURL+"/")
	assert.Equal(t, types.CapabilitySupported, rec.State)
	assert.Equal(t, 1, net.ProbeCalls(), "fresh memo must not re-probe")
	assert.Equal(t, types.CapabilitySupported, d.Peek(relayURL).State)
}

func TestDetectRejectionIsUnsupported(t *testing.T) {
	net := testutil.NewNetwork()
	net.SetProbeResult(relayURL, fmt.Errorf("%w: unrecognized filter", query.ErrRejected))
	d, c := newTestDetector(net, false, nil)

	rec := d.Detect(context.Background(), relayURL)
	assert.Equal(t, types.CapabilityUnsupported, rec.State)
	assert.False(t, rec.Failed())

	// A definitive answer lives for the full TTL
	c.advance(5 * time.Minute)
	d.Detect(context.Background(), relayURL)
	assert.Equal(t, 1, net.ProbeCalls())

	c.advance(6 * time.Minute)
	d.Detect(context.Background(), relayURL)
	assert.Equal(t, 2, net.ProbeCalls())
}

func TestDetectFailureExpiresSooner(t *testing.T) {
	net := testutil.NewNetwork()
	net.SetProbeResult(relayURL, errors.New("dial tcp: connection refused"))
	d, c := newTestDetector(net, false, nil)

	rec := d.Detect(context.Background(), relayURL)
	assert.Equal(t, types.CapabilityUnsupported, rec.State)
	assert.True(t, rec.Failed())

	c.advance(30 * time.Second)
	d.Detect(context.Background(), relayURL)
	assert.Equal(t, 1, net.ProbeCalls())

	c.advance(31 * time.Second)
	net.SetProbeResult(relayURL, nil)
	rec = d.Detect(context.Background(), relayURL)
	assert.Equal(t, 2, net.ProbeCalls(), "failed probe must expire after the failure ttl")
	assert.Equal(t, types.CapabilitySupported, rec.State)
}

func TestDetectUsesNIP11(t *testing.T) {
	docs := map[string]string{
		"wss://plain.example.com":  `{"name":"plain","supported_nips":[1,11,40]}`,
		"wss://search.example.com": `{"name":"search","supported_nips":[1,11,50]}`,
	}
	info := func(ctx context.Context, url string) (nip11.RelayInformationDocument, error) {
		var doc nip11.RelayInformationDocument
		err := json.Unmarshal([]byte(docs[url]), &doc)
		return doc, err
	}
	net := testutil.NewNetwork()
	d, _ := newTestDetector(net, true, info)

	rec := d.Detect(context.Background(), "wss://plain.example.com")
	assert.Equal(t, types.CapabilityUnsupported, rec.State)
	assert.Equal(t, "nip11", rec.Source)
	assert.Equal(t, 0, net.ProbeCalls(), "nip11 without search skips the probe")

	rec = d.Detect(context.Background(), "wss://search.example.com")
	assert.Equal(t, types.CapabilitySupported, rec.State)
	assert.Equal(t, 1, net.ProbeCalls(), "advertised search is still confirmed by probing")
}

func TestDetectConcurrentCallsShareProbe(t *testing.T) {
	net := testutil.NewNetwork()
	net.Gate = make(chan struct{})
	d, _ := newTestDetector(net, false, nil)

	var wg sync.WaitGroup
	results := make([]types.CapabilityRecord, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = d.Detect(context.Background(), relayURL)
		}(i)
	}

	require.Eventually(t, func() bool { return net.ProbeCalls() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(net.Gate)
	wg.Wait()

	assert.Equal(t, 1, net.ProbeCalls())
	for _, rec := range results {
		assert.Equal(t, types.CapabilitySupported, rec.State)
	}
}

func TestDetectCallerTimeoutReturnsUnknown(t *testing.T) {
	net := testutil.NewNetwork()
	net.Gate = make(chan struct{})
	defer close(net.Gate)
	d, _ := newTestDetector(net, false, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	rec := d.Detect(ctx, relayURL)
	assert.Equal(t, types.CapabilityUnknown, rec.State)
}

func TestDetectInvalidURL(t *testing.T) {
	d, _ := newTestDetector(testutil.NewNetwork(), false, nil)
	for _, url := range []string{"", "https://relay.example.com", "not a url", "wss://x"} {
		rec := d.Detect(context.Background(), url)
		assert.Equal(t, types.CapabilityUnsupported, rec.State, url)
	}
}

func TestForget(t *testing.T) {
	net := testutil.NewNetwork()
	d, _ := newTestDetector(net, false, nil)
	d.Detect(context.Background(), relayURL)
	d.Forget(relayURL)
	assert.Equal(t, types.CapabilityUnknown, d.Peek(relayURL).State)
}

func TestSupportsNIP(t *testing.T) {
	assert.True(t, supportsNIP([]any{float64(50)}, 50))
	assert.True(t, supportsNIP([]any{"50"}, 50))
	assert.True(t, supportsNIP([]int{1, 50}, 50))
	assert.False(t, supportsNIP([]any{"fifty", 1}, 50))
}
