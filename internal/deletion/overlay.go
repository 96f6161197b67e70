// Package deletion maintains a live view of author-issued deletion requests
// (kind 5) and answers whether a piece of content has been deleted.
package deletion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"

	"nostr-video/internal/metrics"
	"nostr-video/internal/nips"
	"nostr-video/internal/query"
	"nostr-video/internal/types"
)

// EventIndex resolves the author of event ids the client has already seen.
type EventIndex interface {
	AuthorOf(id string) (string, bool)
	OnStore(fn func(*types.CacheEntry))
}

// Config holds configuration for the overlay
type Config struct {
	Relays            []string
	ShowDeletedVideos bool          // annotate deleted content instead of hiding it
	PendingLimit      int           // deletion targets waiting for their content (default: 2000)
	LookupTimeout     time.Duration // bound on fetching an unknown target (default: 3s)
	ReconnectDelay    time.Duration // delay before resubscribing after a drop (default: 5s)
	VerifySignatures  bool
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PendingLimit:     2000,
		LookupTimeout:    3 * time.Second,
		ReconnectDelay:   5 * time.Second,
		VerifySignatures: true,
	}
}

// Item is a feed entry after deletion filtering. Deletion is set when the
// content was deleted and the overlay is configured to show it redacted.
type Item struct {
	Event    *nostr.Event
	Deletion *types.DeletionRecord
}

// Overlay subscribes to deletion requests for as long as it runs and keeps
// one record per deleted target. Records are never removed.
type Overlay struct {
	cfg     Config
	sub     query.Subscriber
	querier query.Querier
	index   EventIndex
	metrics *metrics.Recorder

	mu        sync.RWMutex
	records   map[string]types.DeletionRecord
	pending   *lru.Cache[string, []*nostr.Event] // target id -> deletion requests awaiting it
	processed *lru.Cache[string, struct{}]       // deletion event ids already handled

	showDeleted atomic.Bool

	runMu   sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// NewOverlay creates an overlay. index and querier may be nil; targets are
// then only resolved through later OnStore notifications.
func NewOverlay(cfg Config, sub query.Subscriber, querier query.Querier, index EventIndex, rec *metrics.Recorder) *Overlay {
	defaults := DefaultConfig()
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = defaults.PendingLimit
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = defaults.LookupTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaults.ReconnectDelay
	}
	pending, _ := lru.New[string, []*nostr.Event](cfg.PendingLimit)
	processed, _ := lru.New[string, struct{}](10 * cfg.PendingLimit)

	o := &Overlay{
		cfg:       cfg,
		sub:       sub,
		querier:   querier,
		index:     index,
		metrics:   rec,
		records:   make(map[string]types.DeletionRecord),
		pending:   pending,
		processed: processed,
	}
	o.showDeleted.Store(cfg.ShowDeletedVideos)
	if index != nil {
		index.OnStore(o.onStore)
	}
	return o
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start begins the overlay's background subscription loop
func (o *Overlay) Start() {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.running || o.sub == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.running = true

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.subscriptionLoop(ctx)
	}()
	slog.Info("deletion overlay started", "relays", len(o.cfg.Relays))
}

// Stop closes the subscription and waits for the loop to exit.
func (o *Overlay) Stop() {
	o.runMu.Lock()
	if !o.running {
		o.runMu.Unlock()
		return
	}
	o.running = false
	o.cancel()
	o.runMu.Unlock()

	o.wg.Wait()
	slog.Info("deletion overlay stopped")
}

// Running reports whether the subscription loop is active.
func (o *Overlay) Running() bool {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	return o.running
}

var deletionFilter = query.MustFilter(query.FilterSpec{Kinds: []int{nips.KindDeletion}})

func (o *Overlay) subscriptionLoop(ctx context.Context) {
	for {
		o.runSubscription(ctx)

		// Wait before reconnecting
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.cfg.ReconnectDelay):
		}
	}
}

func (o *Overlay) runSubscription(ctx context.Context) {
	sub, err := o.sub.Subscribe(ctx, o.cfg.Relays, deletionFilter)
	if err != nil {
		slog.Warn("deletion subscription failed", "error", err)
		return
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				slog.Debug("deletion subscription closed, reconnecting")
				return
			}
			o.Ingest(ctx, evt)
		}
	}
}

const backfillLimit = 500

// Backfill queries stored deletion requests newer than since and ingests
// them. It returns how many targets were recorded.
func (o *Overlay) Backfill(ctx context.Context, since int64) (int, error) {
	if o.querier == nil {
		return 0, nil
	}
	f, err := query.NewFilter(query.FilterSpec{Kinds: []int{nips.KindDeletion}, Since: since, Limit: backfillLimit})
	if err != nil {
		return 0, err
	}
	events, err := o.querier.Query(ctx, o.cfg.Relays, f)
	if err != nil {
		return 0, fmt.Errorf("backfill deletions: %w", err)
	}
	recorded := 0
	for _, evt := range events {
		recorded += o.Ingest(ctx, evt)
	}
	return recorded, nil
}

// =============================================================================
// Ingestion
// =============================================================================

// Ingest processes one deletion request and returns how many targets it
// recorded. Targets the author is not entitled to delete are dropped.
func (o *Overlay) Ingest(ctx context.Context, evt *nostr.Event) int {
	if evt == nil || evt.Kind != nips.KindDeletion {
		return 0
	}
	if o.processed.Contains(evt.ID) {
		return 0
	}
	o.processed.Add(evt.ID, struct{}{})

	if o.cfg.VerifySignatures && !nips.ValidateEventSignature(evt) {
		o.reject("bad_signature", evt, "")
		return 0
	}

	recorded := 0
	for _, tag := range evt.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "e":
			if o.ingestEventTarget(ctx, evt, tag[1]) {
				recorded++
			}
		case "a":
			if o.ingestCoordinateTarget(evt, tag[1]) {
				recorded++
			}
		}
	}
	return recorded
}

func (o *Overlay) ingestEventTarget(ctx context.Context, evt *nostr.Event, target string) bool {
	if !nips.IsHex64(target) {
		o.reject("malformed", evt, target)
		return false
	}

	author, ok := o.resolveAuthor(ctx, target)
	if !ok {
		o.park(target, evt)
		return false
	}
	if author != evt.PubKey {
		o.reject("unauthorized", evt, target)
		return false
	}
	return o.record(target, evt)
}

// An "a" target names its author in the coordinate itself.
func (o *Overlay) ingestCoordinateTarget(evt *nostr.Event, value string) bool {
	coord, err := nips.ParseCoordinate(value)
	if err != nil {
		o.reject("malformed", evt, value)
		return false
	}
	if coord.PubKey != evt.PubKey {
		o.reject("unauthorized", evt, value)
		return false
	}
	return o.record(coord.String(), evt)
}

func (o *Overlay) resolveAuthor(ctx context.Context, id string) (string, bool) {
	if o.index != nil {
		if author, ok := o.index.AuthorOf(id); ok {
			return author, true
		}
	}
	if o.querier == nil {
		return "", false
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.LookupTimeout)
	defer cancel()
	events, err := o.querier.Query(ctx, o.cfg.Relays, query.MustFilter(query.FilterSpec{IDs: []string{id}, Limit: 1}))
	if err != nil {
		slog.Debug("deletion target lookup failed", "target", nips.ShortID(id), "error", err)
		return "", false
	}
	for _, found := range events {
		if found.ID != id {
			continue
		}
		// The id commits to the author; a relay could still rewrite PubKey.
		if found.GetID() != id || (o.cfg.VerifySignatures && !nips.ValidateEventSignature(found)) {
			slog.Warn("deletion target from relay failed verification", "target", nips.ShortID(id))
			return "", false
		}
		return found.PubKey, true
	}
	return "", false
}

// park holds evt until target is stored. The index is checked again under
// mu: a target stored after the first lookup but before parking has
// already been seen by onStore and would otherwise never settle.
func (o *Overlay) park(target string, evt *nostr.Event) {
	o.mu.Lock()
	waiting, _ := o.pending.Get(target)
	o.pending.Add(target, append(waiting, evt))
	var author string
	var arrived bool
	if o.index != nil {
		if author, arrived = o.index.AuthorOf(target); arrived {
			waiting, _ = o.pending.Get(target)
			o.pending.Remove(target)
		}
	}
	o.mu.Unlock()

	if arrived {
		o.settle(target, author, waiting)
		return
	}
	slog.Debug("deletion target unknown, waiting for it", "target", nips.ShortID(target), "deletion", nips.ShortID(evt.ID))
}

// onStore settles parked deletion requests once their target is cached.
func (o *Overlay) onStore(entry *types.CacheEntry) {
	id := entry.Event.ID
	o.mu.Lock()
	waiting, ok := o.pending.Get(id)
	if ok {
		o.pending.Remove(id)
	}
	o.mu.Unlock()

	o.settle(id, entry.Event.PubKey, waiting)
}

func (o *Overlay) settle(target, author string, waiting []*nostr.Event) {
	for _, evt := range waiting {
		if evt.PubKey != author {
			o.reject("unauthorized", evt, target)
			continue
		}
		o.record(target, evt)
	}
}

// record keeps the earliest declared deletion time per target.
func (o *Overlay) record(target string, evt *nostr.Event) bool {
	rec := types.DeletionRecord{
		Target:     target,
		DeletedBy:  evt.PubKey,
		DeletionID: evt.ID,
		Timestamp:  int64(evt.CreatedAt),
		Reason:     evt.Content,
	}

	o.mu.Lock()
	existing, ok := o.records[target]
	if ok && existing.Timestamp <= rec.Timestamp {
		o.mu.Unlock()
		return false
	}
	o.records[target] = rec
	o.mu.Unlock()

	if !ok {
		o.metrics.IncrementDeletionRecorded()
		slog.Debug("deletion recorded", "target", nips.ShortID(target), "by", nips.ShortID(evt.PubKey))
	}
	return true
}

func (o *Overlay) reject(reason string, evt *nostr.Event, target string) {
	o.metrics.IncrementDeletionRejected(reason)
	slog.Debug("deletion request discarded",
		"reason", reason,
		"deletion", nips.ShortID(evt.ID),
		"target", nips.ShortID(target))
}

// =============================================================================
// Queries
// =============================================================================

// Lookup returns the deletion record for an event id or coordinate.
func (o *Overlay) Lookup(target string) (types.DeletionRecord, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rec, ok := o.records[target]
	return rec, ok
}

// Check reports whether evt was deleted, by id or, for addressable
// events, by coordinate.
func (o *Overlay) Check(evt *nostr.Event) (types.DeletionRecord, bool) {
	if rec, ok := o.Lookup(evt.ID); ok {
		return rec, true
	}
	if coord, ok := nips.CoordinateOf(evt); ok {
		return o.Lookup(coord.String())
	}
	return types.DeletionRecord{}, false
}

// Count returns the number of recorded targets.
func (o *Overlay) Count() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.records)
}

// ShowDeletedVideos reports whether deleted content is annotated rather than hidden.
func (o *Overlay) ShowDeletedVideos() bool { return o.showDeleted.Load() }

// SetShowDeletedVideos switches between hiding and annotating deleted content.
func (o *Overlay) SetShowDeletedVideos(show bool) { o.showDeleted.Store(show) }

// Apply filters events for presentation: deleted events are dropped, or kept
// with their record attached when ShowDeletedVideos is on. Order is preserved.
func (o *Overlay) Apply(events []*nostr.Event) []Item {
	show := o.ShowDeletedVideos()
	items := make([]Item, 0, len(events))
	for _, evt := range events {
		rec, deleted := o.Check(evt)
		switch {
		case !deleted:
			items = append(items, Item{Event: evt})
		case show:
			r := rec
			items = append(items, Item{Event: evt, Deletion: &r})
		}
	}
	return items
}
