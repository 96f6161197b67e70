// Package feed assembles pages of video events: it picks server or client
// sorting per relay capability, writes results through the event cache, and
// applies the deletion overlay before returning.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"nostr-video/internal/capability"
	"nostr-video/internal/deletion"
	"nostr-video/internal/eventcache"
	"nostr-video/internal/follows"
	"nostr-video/internal/logging"
	"nostr-video/internal/nips"
	"nostr-video/internal/query"
	"nostr-video/internal/sortmode"
	"nostr-video/internal/types"
)

const (
	DefaultLimit = 20
	MaxLimit     = 200
)

// ErrNoFollowList is returned for a following feed whose owner has no known follow list.
var ErrNoFollowList = errors.New("no follow list for owner")

// Request describes one page of a feed.
type Request struct {
	Mode      sortmode.Mode // empty for newest first
	Relays    []string      // overrides the configured relays
	Authors   []string
	FollowsOf string // restrict to pubkeys followed by this owner
	Kinds     []int  // defaults to the video kinds
	Until     int64  // page cursor, 0 for the first page
	Limit     int
}

// Page is one assembled feed page.
type Page struct {
	Items    []deletion.Item
	Profiles map[string]*types.ProfileMetadata

	// Cursor is the Until value for the next page, 0 when exhausted or
	// when the relay returned its own order.
	Cursor int64
	// ServerSorted is true when relays ordered the results by Mode.
	ServerSorted bool
	// Stale is true when every relay failed and the page came from cache.
	Stale bool
}

// Deps holds the collaborators a Service works through.
type Deps struct {
	Querier   query.Querier
	Detector  *capability.Detector
	Resolver  *sortmode.Resolver
	Events    *eventcache.Cache
	Follows   *follows.Cache
	Deletions *deletion.Overlay
	Metric    sortmode.MetricFunc // client-side sort metric, EngagementMetric when nil
}

// Service answers feed requests.
type Service struct {
	deps     Deps
	relays   []string
	timeouts query.Timeouts
}

// NewService creates a feed service over the default relay set.
func NewService(deps Deps, relays []string, timeouts query.Timeouts) *Service {
	return &Service{
		deps:     deps,
		relays:   nips.NormalizeRelayURLs(relays),
		timeouts: timeouts,
	}
}

// Fetch assembles one page. It only fails on an invalid request; relay
// failures degrade to a stale page served from cache.
func (s *Service) Fetch(ctx context.Context, req Request) (Page, error) {
	log := logging.LoggerFromContext(ctx)

	relays := s.relays
	if len(req.Relays) > 0 {
		relays = nips.NormalizeRelayURLs(req.Relays)
	}
	if len(relays) == 0 {
		return Page{}, query.ErrNoRelays
	}
	if req.Mode != "" {
		if _, err := sortmode.ParseMode(string(req.Mode)); err != nil {
			return Page{}, err
		}
	}

	authors, err := s.authors(ctx, req)
	if err != nil {
		return Page{}, err
	}
	if req.FollowsOf != "" && len(authors) == 0 {
		return Page{Profiles: map[string]*types.ProfileMetadata{}}, nil
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	kinds := req.Kinds
	if len(kinds) == 0 {
		kinds = nips.VideoKinds
	}
	base, err := query.NewFilter(query.FilterSpec{
		Authors: authors,
		Kinds:   kinds,
		Until:   req.Until,
		Limit:   limit,
	})
	if err != nil {
		return Page{}, err
	}

	filter := base
	serverSorted := false
	if req.Mode != "" {
		if directive, ok := s.resolve(ctx, req.Mode, relays); ok {
			if filter, err = base.WithSort(directive); err != nil {
				return Page{}, err
			}
			serverSorted = true
		}
	}

	events, stale := s.query(ctx, relays, filter)
	if serverSorted && stale {
		// Cached fallback has no server order
		serverSorted = false
	}
	if serverSorted && events == nil {
		log.Debug("sorted query failed, retrying unsorted", "mode", req.Mode)
		serverSorted = false
		filter = base
		events, stale = s.query(ctx, relays, filter)
	}

	// Server order is not by created_at; an until cursor would skip items.
	var cursor int64
	if !serverSorted && len(events) >= limit {
		cursor = oldest(events) - 1
	}

	events = s.latestVersions(events)
	switch {
	case serverSorted:
	case req.Mode != "":
		events = sortmode.SortEvents(events, s.deps.Metric)
	default:
		sort.SliceStable(events, func(i, j int) bool {
			return events[i].CreatedAt > events[j].CreatedAt
		})
	}

	items := s.deps.Deletions.Apply(events)
	page := Page{
		Items:        items,
		Cursor:       cursor,
		ServerSorted: serverSorted,
		Stale:        stale,
		Profiles:     s.profiles(ctx, items),
	}
	log.Debug("feed page assembled",
		"mode", string(req.Mode),
		"relays", len(relays),
		"items", len(items),
		"server_sorted", serverSorted,
		"stale", stale)
	return page, nil
}

func (s *Service) authors(ctx context.Context, req Request) ([]string, error) {
	var authors []string
	for _, a := range req.Authors {
		pk, err := nips.ParsePubkey(a)
		if err != nil {
			return nil, fmt.Errorf("author %q: %w", a, err)
		}
		authors = append(authors, pk)
	}
	if req.FollowsOf == "" {
		return authors, nil
	}

	owner, err := nips.ParsePubkey(req.FollowsOf)
	if err != nil {
		return nil, fmt.Errorf("follows of %q: %w", req.FollowsOf, err)
	}
	entry, ok := s.deps.Follows.Fetch(ctx, owner)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoFollowList, nips.ShortID(owner))
	}
	return append(authors, entry.Pubkeys()...), nil
}

// resolve detects every relay and returns a directive only when all of them
// can sort server-side, since one filter is sent to the whole set.
func (s *Service) resolve(ctx context.Context, mode sortmode.Mode, relays []string) (query.SortDirective, bool) {
	g, gctx := errgroup.WithContext(ctx)
	for _, relayURL := range relays {
		g.Go(func() error {
			s.deps.Detector.Detect(gctx, relayURL)
			return nil
		})
	}
	_ = g.Wait()

	var directive query.SortDirective
	for _, relayURL := range relays {
		d, ok := s.deps.Resolver.ResolveEffectiveSortMode(mode, relayURL)
		if !ok {
			return "", false
		}
		directive = d
	}
	return directive, true
}

// query runs filter against relays and writes the results through the
// cache. When every relay fails the cached matches are returned as stale.
// A nil slice with stale false means a sorted request was refused.
func (s *Service) query(ctx context.Context, relays []string, filter query.Filter) ([]*nostr.Event, bool) {
	qctx, cancel := context.WithTimeout(ctx, s.timeouts.Query)
	defer cancel()

	events, err := s.deps.Querier.Query(qctx, relays, filter)
	if err == nil {
		s.deps.Events.PutAll(events)
		if events == nil {
			events = []*nostr.Event{}
		}
		return events, false
	}
	if filter.Sort() != "" && errors.Is(err, query.ErrRejected) {
		return nil, false
	}

	logging.LoggerFromContext(ctx).Warn("feed query failed, serving cache", "error", err)
	return s.deps.Events.Match(filter.WithoutSort()), true
}

// latestVersions swaps each event for the newest cached version of its
// logical key and drops duplicates, keeping first-seen order.
func (s *Service) latestVersions(events []*nostr.Event) []*nostr.Event {
	seen := make(map[string]bool, len(events))
	out := make([]*nostr.Event, 0, len(events))
	for _, evt := range events {
		key := nips.LogicalKey(evt)
		if seen[key] {
			continue
		}
		seen[key] = true
		if entry, ok := s.deps.Events.Get(key); ok && nips.Newer(entry.Event, evt) {
			evt = entry.Event
		}
		out = append(out, evt)
	}
	return out
}

func (s *Service) profiles(ctx context.Context, items []deletion.Item) map[string]*types.ProfileMetadata {
	pubkeys := make([]string, 0, len(items))
	for _, it := range items {
		pubkeys = append(pubkeys, it.Event.PubKey)
	}
	if len(pubkeys) == 0 {
		return map[string]*types.ProfileMetadata{}
	}
	pctx, cancel := context.WithTimeout(ctx, s.timeouts.Profile)
	defer cancel()
	return s.deps.Events.FetchProfiles(pctx, pubkeys)
}

func oldest(events []*nostr.Event) int64 {
	at := int64(events[0].CreatedAt)
	for _, evt := range events[1:] {
		if int64(evt.CreatedAt) < at {
			at = int64(evt.CreatedAt)
		}
	}
	return at
}

// NextRequest returns req advanced to the page after p, or false when p was the last page.
func NextRequest(req Request, p Page) (Request, bool) {
	if p.Cursor <= 0 {
		return req, false
	}
	req.Until = p.Cursor
	return req, true
}
