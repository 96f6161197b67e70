// Package session wires the data layer together for one signed-in user.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"nostr-video/internal/cache"
	"nostr-video/internal/capability"
	"nostr-video/internal/config"
	"nostr-video/internal/deletion"
	"nostr-video/internal/eventcache"
	"nostr-video/internal/feed"
	"nostr-video/internal/follows"
	"nostr-video/internal/metrics"
	"nostr-video/internal/nips"
	"nostr-video/internal/query"
	"nostr-video/internal/relay"
	"nostr-video/internal/sortmode"
	"nostr-video/internal/types"
)

// contactBatchSize bounds one profile prefetch round for followed users.
const contactBatchSize = 50

// Transport is the relay access a session works through.
type Transport interface {
	query.Querier
	query.Prober
	query.Subscriber
}

// Session owns every cache and service of the data layer. Construct it with
// New (or Open) and release it with Close.
type Session struct {
	cfg       *config.Config
	transport Transport
	durable   cache.CacheBackend
	closers   []func()

	Metrics   *metrics.Recorder
	Events    *eventcache.Cache
	Follows   *follows.Cache
	Detector  *capability.Detector
	Resolver  *sortmode.Resolver
	Deletions *deletion.Overlay
	Feed      *feed.Service

	mu             sync.Mutex
	owner          string
	prefetchCancel context.CancelFunc
	bg             sync.WaitGroup
}

// New builds a session over an existing transport and durable backend.
func New(cfg *config.Config, transport Transport, durable cache.CacheBackend, rec *metrics.Recorder) *Session {
	timeouts := Timeouts(cfg)
	relays := nips.NormalizeRelayURLs(cfg.Relays.Default)

	s := &Session{
		cfg:       cfg,
		transport: transport,
		durable:   durable,
		Metrics:   rec,
	}
	s.Events = eventcache.New(EventCacheConfig(cfg), transport, durable, rec)
	s.Follows = follows.New(durable, transport, relays, timeouts.Query, rec, follows.WithVerifySignatures(cfg.Cache.Verify()))
	s.Detector = capability.NewDetector(transport, CapabilityConfig(cfg), rec)
	s.Resolver = sortmode.NewResolver(s.Detector, sortmode.ParsePolicy(cfg.Capability.Policy))
	s.Deletions = deletion.NewOverlay(DeletionConfig(cfg), transport, transport, s.Events, rec)
	s.Feed = feed.NewService(feed.Deps{
		Querier:   transport,
		Detector:  s.Detector,
		Resolver:  s.Resolver,
		Events:    s.Events,
		Follows:   s.Follows,
		Deletions: s.Deletions,
	}, relays, timeouts)

	s.Events.OnStore(s.onStore)
	return s
}

// Open builds a session on a websocket relay pool and the configured durable
// backend, registering metrics with reg when it is non-nil.
func Open(cfg *config.Config, reg prometheus.Registerer) *Session {
	var rec *metrics.Recorder
	if reg != nil {
		rec = metrics.New(reg)
	}
	durable, backend := cache.Open(cache.Options{
		Backend:     cfg.Cache.Backend,
		SQLitePath:  cfg.Cache.SQLitePath,
		RedisURL:    cfg.Cache.RedisURL,
		RedisPrefix: cfg.Cache.RedisPrefix,
	})
	slog.Info("durable cache ready", "backend", backend)

	pool := relay.NewPool(relay.DefaultConfig(), rec)
	s := New(cfg, pool, durable, rec)
	s.closers = append(s.closers, pool.Close)
	return s
}

// Owner returns the signed-in pubkey, empty when signed out.
func (s *Session) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// Login signs pubkey in: its follow list is warmed from the durable tier,
// the deletion overlay starts, and the user's events and followed profiles
// are prefetched in the background.
func (s *Session) Login(ctx context.Context, pubkey string) error {
	pk, err := nips.ParsePubkey(pubkey)
	if err != nil {
		return err
	}

	if current := s.Owner(); current != "" && current != pk {
		if err := s.Logout(ctx); err != nil {
			slog.Warn("logout of previous user failed", "pubkey", nips.ShortID(current), "error", err)
		}
	}

	// Read before the owner is published so a Logout racing this Login
	// invalidates everything done on the owner's behalf.
	gen := s.Follows.Generation()

	s.mu.Lock()
	s.owner = pk
	prefetchCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeouts.Preload*2)
	s.prefetchCancel = cancel
	s.mu.Unlock()

	if _, ok := s.Follows.LoadFromDurableAt(ctx, pk, gen); ok {
		slog.Debug("follow list warmed from durable cache", "pubkey", nips.ShortID(pk))
	}
	s.Deletions.Start()

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer cancel()
		s.prefetch(prefetchCtx, pk, gen)
	}()

	slog.Info("session started", "pubkey", nips.ShortID(pk))
	return nil
}

// prefetch caches the user's own events, then the profiles of everyone
// they follow, in batches.
func (s *Session) prefetch(ctx context.Context, pk string, gen uint64) {
	stored := s.Events.PreloadUserEvents(ctx, pk)
	slog.Debug("preloaded user events", "pubkey", nips.ShortID(pk), "stored", stored)

	entry, ok := s.Follows.FetchAt(ctx, pk, gen)
	if !ok {
		return
	}
	contacts := entry.Pubkeys()
	for i := 0; i < len(contacts); i += contactBatchSize {
		if ctx.Err() != nil {
			slog.Debug("contact profile prefetch cancelled", "pubkey", nips.ShortID(pk))
			return
		}
		end := min(i+contactBatchSize, len(contacts))
		s.Events.FetchProfiles(ctx, contacts[i:end])
	}
	slog.Debug("prefetched contact profiles", "count", len(contacts))
}

// onStore forwards the owner's contact lists from the event cache to the
// follow cache. It runs inside the cache write path, so the apply is
// deferred; the generation is taken now so a Logout before the apply wins.
func (s *Session) onStore(entry *types.CacheEntry) {
	evt := entry.Event
	if evt.Kind != nips.KindFollowList {
		return
	}
	gen := s.Follows.Generation()
	if evt.PubKey != s.Owner() {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeouts.Refresh)
		defer cancel()
		if _, err := s.Follows.ApplyAt(ctx, evt, gen); err != nil {
			slog.Warn("failed to apply follow list", "pubkey", nips.ShortID(evt.PubKey), "error", err)
		}
	}()
}

// Logout stops the deletion overlay and drops the owner's follow list from
// both tiers, or every follow list when no owner is known. It waits for the
// durable removal until ctx ends.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	owner := s.owner
	s.owner = ""
	cancel := s.prefetchCancel
	s.prefetchCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.Deletions.Stop()

	var done <-chan error
	if owner != "" {
		done = s.Follows.Invalidate(owner)
	} else {
		done = s.Follows.ClearAll()
	}

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	slog.Info("session ended", "pubkey", nips.ShortID(owner))
	return nil
}

// Close logs the owner out, flushes pending durable writes and releases every resource.
func (s *Session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if s.Owner() != "" {
		if err := s.Logout(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.Deletions.Stop()
	s.bg.Wait()
	if err := s.Events.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	s.Events.Close()
	s.Follows.Wait()
	for _, c := range s.closers {
		c()
	}
	if s.durable != nil {
		if err := s.durable.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
