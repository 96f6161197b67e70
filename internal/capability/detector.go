// Package capability detects whether a relay supports advanced search and
// server-side sorting, and memoizes the answer per relay.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr/nip11"
	"golang.org/x/sync/singleflight"

	"nostr-video/internal/metrics"
	"nostr-video/internal/nips"
	"nostr-video/internal/query"
	"nostr-video/internal/types"
)

// SearchNIP is the NIP number advertising search support.
const SearchNIP = 50

// InfoFetcher retrieves a relay information document (NIP-11).
type InfoFetcher func(ctx context.Context, relayURL string) (nip11.RelayInformationDocument, error)

// Config tunes detection.
type Config struct {
	TTL          time.Duration // lifetime of a definitive answer
	FailureTTL   time.Duration // lifetime of an answer caused by a network failure
	ProbeTimeout time.Duration
	UseNIP11     bool
	InfoFetcher  InfoFetcher // defaults to nip11.Fetch
}

// DefaultConfig returns the standard detection settings.
func DefaultConfig() Config {
	return Config{
		TTL:          10 * time.Minute,
		FailureTTL:   1 * time.Minute,
		ProbeTimeout: 4 * time.Second,
		UseNIP11:     true,
	}
}

// Detector probes relays and memoizes one record per normalized relay URL.
type Detector struct {
	prober  query.Prober
	cfg     Config
	metrics *metrics.Recorder
	now     func() time.Time

	mu    sync.RWMutex
	memo  map[string]types.CapabilityRecord
	group singleflight.Group
}

// NewDetector creates a detector that probes through prober.
func NewDetector(prober query.Prober, cfg Config, rec *metrics.Recorder) *Detector {
	if cfg.InfoFetcher == nil {
		cfg.InfoFetcher = nip11.Fetch
	}
	return &Detector{
		prober:  prober,
		cfg:     cfg,
		metrics: rec,
		now:     time.Now,
		memo:    make(map[string]types.CapabilityRecord),
	}
}

var probeFilter = query.MustFilter(query.FilterSpec{
	Kinds: nips.VideoKinds,
	Limit: 1,
	Sort:  "sort:hot",
})

// Detect returns the capability of relayURL, probing it when no fresh memo
// exists. Concurrent calls for one relay share a single probe. Detect never
// fails: problems classify the relay as unsupported, and a caller whose ctx
// ends before the probe finishes gets an unknown record.
func (d *Detector) Detect(ctx context.Context, relayURL string) types.CapabilityRecord {
	url := nips.NormalizeRelayURL(relayURL)
	if url == "" {
		return types.CapabilityRecord{
			RelayURL:   relayURL,
			State:      types.CapabilityUnsupported,
			DetectedAt: d.now(),
			Err:        "invalid relay url",
		}
	}

	if rec, ok := d.fresh(url); ok {
		return rec
	}

	ch := d.group.DoChan(url, func() (interface{}, error) {
		rec := d.detect(url)
		d.store(rec)
		return rec, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			d.metrics.IncrementDeduped("probe")
			slog.Debug("singleflight: shared capability probe", "relay", url)
		}
		return res.Val.(types.CapabilityRecord)
	case <-ctx.Done():
		return types.CapabilityRecord{RelayURL: url, State: types.CapabilityUnknown}
	}
}

// DetectAsync starts detection in the background if no fresh memo exists.
func (d *Detector) DetectAsync(relayURL string) {
	url := nips.NormalizeRelayURL(relayURL)
	if url == "" {
		return
	}
	if _, ok := d.fresh(url); ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*d.cfg.ProbeTimeout)
		defer cancel()
		d.Detect(ctx, url)
	}()
}

// Peek returns the memoized record without any I/O. Absent or expired
// records read as unknown.
func (d *Detector) Peek(relayURL string) types.CapabilityRecord {
	url := nips.NormalizeRelayURL(relayURL)
	if rec, ok := d.fresh(url); ok {
		return rec
	}
	return types.CapabilityRecord{RelayURL: url, State: types.CapabilityUnknown}
}

// Forget drops the memo for relayURL.
func (d *Detector) Forget(relayURL string) {
	url := nips.NormalizeRelayURL(relayURL)
	d.mu.Lock()
	delete(d.memo, url)
	d.mu.Unlock()
}

func (d *Detector) fresh(url string) (types.CapabilityRecord, bool) {
	d.mu.RLock()
	rec, ok := d.memo[url]
	d.mu.RUnlock()
	if !ok {
		return types.CapabilityRecord{}, false
	}
	ttl := d.cfg.TTL
	if rec.Failed() {
		ttl = d.cfg.FailureTTL
	}
	if d.now().Sub(rec.DetectedAt) >= ttl {
		return types.CapabilityRecord{}, false
	}
	return rec, true
}

func (d *Detector) store(rec types.CapabilityRecord) {
	d.mu.Lock()
	d.memo[rec.RelayURL] = rec
	d.mu.Unlock()
}

// detect runs on its own context so one impatient caller cannot cancel a
// probe other callers are sharing.
func (d *Detector) detect(url string) types.CapabilityRecord {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ProbeTimeout)
	defer cancel()

	rec := types.CapabilityRecord{RelayURL: url, State: types.CapabilityUnsupported}

	if d.cfg.UseNIP11 {
		info, err := d.cfg.InfoFetcher(ctx, url)
		if err == nil && len(info.SupportedNIPs) > 0 && !supportsNIP(info.SupportedNIPs, SearchNIP) {
			rec.Source = "nip11"
			rec.DetectedAt = d.now()
			d.metrics.IncrementDetection("unsupported")
			slog.Debug("relay does not advertise search", "relay", url)
			return rec
		}
	}

	rec.Source = "probe"
	err := d.prober.Probe(ctx, url, probeFilter)
	rec.DetectedAt = d.now()
	switch {
	case err == nil:
		rec.State = types.CapabilitySupported
		d.metrics.IncrementDetection("supported")
	case errors.Is(err, query.ErrRejected):
		d.metrics.IncrementDetection("unsupported")
		slog.Debug("relay rejected search probe", "relay", url, "error", err)
	default:
		rec.Err = err.Error()
		d.metrics.IncrementDetection("failed")
		slog.Warn("capability probe failed", "relay", url, "error", err)
	}
	return rec
}

// supportsNIP scans a supported_nips list, which relays publish as numbers
// or, occasionally, strings.
func supportsNIP[T any](list []T, nip int) bool {
	for _, v := range list {
		switch x := any(v).(type) {
		case int:
			if x == nip {
				return true
			}
		case float64:
			if int(x) == nip {
				return true
			}
		case json.Number:
			if n, err := x.Int64(); err == nil && int(n) == nip {
				return true
			}
		case string:
			if n, err := strconv.Atoi(x); err == nil && n == nip {
				return true
			}
		}
	}
	return false
}
