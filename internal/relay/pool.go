// Package relay is a websocket transport for Nostr relays. Pool implements
// the query, probe, subscribe and publish interfaces over pooled connections.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"nostr-video/internal/metrics"
	"nostr-video/internal/query"
	"nostr-video/internal/util"
)

var (
	// ErrUnsafeRelay is returned for relay URLs that must not be dialed.
	ErrUnsafeRelay = errors.New("relay URL blocked: unsafe destination")
	// ErrConnectionLost is returned when a connection drops mid-request.
	ErrConnectionLost = errors.New("relay connection lost")
	errPoolClosed     = errors.New("relay pool closed")
)

// BreakerConfig tunes the per-relay circuit breaker.
type BreakerConfig struct {
	MaxRequests      uint32        // requests allowed while half-open
	Interval         time.Duration // window after which failure counts reset
	Timeout          time.Duration // how long the breaker stays open
	FailureThreshold float64
	MinRequests      uint32
}

// Config holds pool settings.
type Config struct {
	DialTimeout     time.Duration
	IdleTimeout     time.Duration // idle connections without subscriptions are closed after this
	CleanupInterval time.Duration
	EventBuffer     int
	AllowInternal   bool // permit loopback and private hosts (tests, local relays)
	Breaker         BreakerConfig
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		DialTimeout:     5 * time.Second,
		IdleTimeout:     2 * time.Minute,
		CleanupInterval: 60 * time.Second,
		EventBuffer:     256,
		Breaker: BreakerConfig{
			MaxRequests:      2,
			Interval:         30 * time.Second,
			Timeout:          60 * time.Second,
			FailureThreshold: 0.8,
			MinRequests:      5,
		},
	}
}

// Pool manages connections to multiple relays
type Pool struct {
	cfg     Config
	metrics *metrics.Recorder
	dialer  *websocket.Dialer

	mu       sync.RWMutex
	conns    map[string]*relayConn // relayURL -> connection
	breakers map[string]*gobreaker.CircuitBreaker
	dials    singleflight.Group

	done      chan struct{}
	closeOnce sync.Once
}

// NewPool creates a pool and starts its idle-connection cleanup loop.
func NewPool(cfg Config, rec *metrics.Recorder) *Pool {
	defaults := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaults.IdleTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaults.EventBuffer
	}
	if cfg.Breaker.MinRequests == 0 {
		cfg.Breaker = defaults.Breaker
	}

	p := &Pool{
		cfg:      cfg,
		metrics:  rec,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		conns:    make(map[string]*relayConn),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		done:     make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// =============================================================================
// Connections
// =============================================================================

func (p *Pool) isRelayURLSafe(relayURL string) bool {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return false
	}
	host := parsed.Hostname()
	if host == "" {
		return false
	}
	if p.cfg.AllowInternal {
		return true
	}
	return !util.IsLoopbackHost(host) && !util.IsInternalHost(host)
}

func (p *Pool) breaker(relayURL string) *gobreaker.CircuitBreaker {
	p.mu.RLock()
	cb := p.breakers[relayURL]
	p.mu.RUnlock()
	if cb != nil {
		return cb
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cb = p.breakers[relayURL]; cb != nil {
		return cb
	}
	bc := p.cfg.Breaker
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        relayURL,
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bc.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= bc.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("relay circuit breaker state changed", "relay", name, "from", from.String(), "to", to.String())
		},
		// A refusal or an abandoned request says nothing about relay health.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, query.ErrRejected) ||
				errors.Is(err, context.Canceled)
		},
	})
	p.breakers[relayURL] = cb
	return cb
}

// execute runs fn against relayURL behind its circuit breaker.
func (p *Pool) execute(relayURL string, fn func() error) error {
	_, err := p.breaker(relayURL).Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// getOrCreateConn gets an existing connection or creates a new one
func (p *Pool) getOrCreateConn(ctx context.Context, relayURL string) (*relayConn, error) {
	if !p.isRelayURLSafe(relayURL) {
		return nil, fmt.Errorf("%w: %s", ErrUnsafeRelay, relayURL)
	}
	select {
	case <-p.done:
		return nil, errPoolClosed
	default:
	}

	p.mu.RLock()
	rc := p.conns[relayURL]
	p.mu.RUnlock()
	if rc != nil && !rc.isClosed() {
		return rc, nil
	}

	// Dial outside mu so a slow relay does not block the others; concurrent
	// callers for one URL share the dial.
	ch := p.dials.DoChan(relayURL, func() (any, error) {
		return p.dial(relayURL)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*relayConn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dial is bounded by DialTimeout and pool shutdown rather than a caller's
// context, since its result is shared.
func (p *Pool) dial(relayURL string) (*relayConn, error) {
	p.mu.RLock()
	rc := p.conns[relayURL]
	p.mu.RUnlock()
	if rc != nil && !rc.isClosed() {
		return rc, nil
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), p.cfg.DialTimeout)
	defer cancel()
	go func() {
		select {
		case <-p.done:
			cancel()
		case <-dialCtx.Done():
		}
	}()

	slog.Debug("relay pool: dialing", "relay", relayURL)
	ws, _, err := p.dialer.DialContext(dialCtx, relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", relayURL, err)
	}

	rc = &relayConn{
		ws:           ws,
		url:          relayURL,
		subs:         make(map[string]*subscription),
		oks:          make(map[string]chan okResult),
		lastActivity: time.Now(),
	}

	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		_ = ws.Close()
		return nil, errPoolClosed
	default:
	}
	p.conns[relayURL] = rc
	p.mu.Unlock()

	go rc.readLoop()
	return rc, nil
}

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.cleanup()
		}
	}
}

// cleanup removes connections that have been idle too long
func (p *Pool) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for relayURL, rc := range p.conns {
		if rc.isClosed() {
			delete(p.conns, relayURL)
			continue
		}
		if rc.idleSince(now) > p.cfg.IdleTimeout {
			slog.Debug("relay pool: closing idle connection", "relay", relayURL)
			rc.markClosed()
			delete(p.conns, relayURL)
		}
	}
}

// Connected returns the relays with an open connection.
func (p *Pool) Connected() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for relayURL, rc := range p.conns {
		if !rc.isClosed() {
			out = append(out, relayURL)
		}
	}
	sort.Strings(out)
	return out
}

// Close shuts every connection. Requests after Close fail.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		conns := p.conns
		p.conns = make(map[string]*relayConn)
		p.mu.Unlock()
		for _, rc := range conns {
			rc.markClosed()
		}
	})
}

// =============================================================================
// Requests
// =============================================================================

// req opens a subscription for filters on one relay.
func (p *Pool) req(ctx context.Context, relayURL string, filters []nostr.Filter) (*relayConn, *subscription, error) {
	const maxRetries = 2
	for attempt := 0; attempt < maxRetries; attempt++ {
		rc, err := p.getOrCreateConn(ctx, relayURL)
		if err != nil {
			return nil, nil, err
		}
		sub, err := rc.subscribe(uuid.NewString(), filters, p.cfg.EventBuffer)
		if errors.Is(err, ErrConnectionLost) {
			// Connection was closed under us, dial again
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return rc, sub, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrConnectionLost, relayURL)
}

// fetch runs one stored-events request on relayURL, returning what arrived
// before EOSE. Events received before a deadline are returned with the error.
func (p *Pool) fetch(ctx context.Context, relayURL string, filters []nostr.Filter) ([]*nostr.Event, error) {
	rc, sub, err := p.req(ctx, relayURL, filters)
	if err != nil {
		return nil, err
	}
	defer rc.unsubscribe(sub)

	var events []*nostr.Event
	for {
		select {
		case <-ctx.Done():
			return events, ctx.Err()
		case evt := <-sub.events:
			events = append(events, evt)
		case <-sub.eose:
			// Drain anything routed before EOSE
			for {
				select {
				case evt := <-sub.events:
					events = append(events, evt)
				default:
					return events, nil
				}
			}
		case <-sub.done:
			if reason, ok := sub.closedReason(); ok {
				return events, fmt.Errorf("%w by %s: %s", query.ErrRejected, relayURL, reason)
			}
			return events, fmt.Errorf("%w: %s", ErrConnectionLost, relayURL)
		}
	}
}

type relayResult struct {
	relay  string
	events []*nostr.Event
	err    error
}

// Query fans filters out to relays and merges the stored events, deduped by
// id, newest first. It fails only when no relay produced an answer.
func (p *Pool) Query(ctx context.Context, relays []string, filters ...query.Filter) ([]*nostr.Event, error) {
	if len(relays) == 0 {
		return nil, query.ErrNoRelays
	}
	if len(filters) == 0 {
		return nil, nil
	}
	nfs := make([]nostr.Filter, len(filters))
	for i, f := range filters {
		nfs[i] = f.ToNostr()
	}

	results := make(chan relayResult, len(relays))
	var wg sync.WaitGroup
	for _, relayURL := range relays {
		wg.Add(1)
		go func(relayURL string) {
			defer wg.Done()
			var events []*nostr.Event
			err := p.execute(relayURL, func() error {
				var err error
				events, err = p.fetch(ctx, relayURL, nfs)
				return err
			})
			results <- relayResult{relay: relayURL, events: events, err: err}
		}(relayURL)
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	var (
		events   []*nostr.Event
		errs     []error
		answered bool
		rejected int
	)
	for r := range results {
		if r.err == nil || len(r.events) > 0 {
			answered = true
		}
		if r.err != nil {
			errs = append(errs, r.err)
			if errors.Is(r.err, query.ErrRejected) {
				rejected++
			}
			slog.Debug("relay query failed", "relay", r.relay, "events", len(r.events), "error", r.err)
		}
		for _, evt := range r.events {
			if !seen[evt.ID] {
				seen[evt.ID] = true
				events = append(events, evt)
			}
		}
	}

	if !answered {
		if rejected == len(relays) {
			p.metrics.IncrementRelayRequest("query", "rejected")
			return nil, errs[0]
		}
		p.metrics.IncrementRelayRequest("query", "error")
		return nil, errors.Join(errs...)
	}
	p.metrics.IncrementRelayRequest("query", "ok")

	// Newest first, lower id first on ties
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})
	if len(filters) == 1 {
		if limit := filters[0].Spec().Limit; limit > 0 && len(events) > limit {
			events = events[:limit]
		}
	}
	return events, nil
}

// Probe sends filter to a single relay. nil means the relay answered, an
// error wrapping query.ErrRejected means it refused with CLOSED.
func (p *Pool) Probe(ctx context.Context, relayURL string, filter query.Filter) error {
	err := p.execute(relayURL, func() error {
		events, err := p.fetch(ctx, relayURL, []nostr.Filter{filter.ToNostr()})
		if err != nil && len(events) > 0 && !errors.Is(err, query.ErrRejected) {
			return nil
		}
		return err
	})
	switch {
	case err == nil:
		p.metrics.IncrementRelayRequest("probe", "ok")
	case errors.Is(err, query.ErrRejected):
		p.metrics.IncrementRelayRequest("probe", "rejected")
	default:
		p.metrics.IncrementRelayRequest("probe", "error")
	}
	return err
}

// Publish sends evt to relays and waits for their OK. It succeeds when any
// relay accepts the event.
func (p *Pool) Publish(ctx context.Context, relays []string, evt *nostr.Event) error {
	if len(relays) == 0 {
		return query.ErrNoRelays
	}
	errs := make([]error, len(relays))
	var wg sync.WaitGroup
	for i, relayURL := range relays {
		wg.Add(1)
		go func(i int, relayURL string) {
			defer wg.Done()
			errs[i] = p.execute(relayURL, func() error {
				rc, err := p.getOrCreateConn(ctx, relayURL)
				if err != nil {
					return err
				}
				return rc.publish(ctx, evt)
			})
		}(i, relayURL)
	}
	wg.Wait()

	for _, err := range errs {
		if err == nil {
			p.metrics.IncrementRelayRequest("publish", "ok")
			return nil
		}
	}
	p.metrics.IncrementRelayRequest("publish", "error")
	return errors.Join(errs...)
}

// Subscribe opens a live subscription on every reachable relay and merges
// the streams, dropping duplicate ids. The merged stream closes once every
// relay stream has ended, or when ctx is done or Close is called.
func (p *Pool) Subscribe(ctx context.Context, relays []string, filters ...query.Filter) (query.Subscription, error) {
	if len(relays) == 0 {
		return nil, query.ErrNoRelays
	}
	nfs := make([]nostr.Filter, len(filters))
	for i, f := range filters {
		nfs[i] = f.ToNostr()
	}

	live := newLiveSub(p.cfg.EventBuffer)
	var errs []error
	for _, relayURL := range relays {
		if p.breaker(relayURL).State() == gobreaker.StateOpen {
			errs = append(errs, fmt.Errorf("%s: %w", relayURL, gobreaker.ErrOpenState))
			continue
		}
		rc, sub, err := p.req(ctx, relayURL, nfs)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		live.attach(rc, sub)
	}
	if live.size() == 0 {
		p.metrics.IncrementRelayRequest("subscribe", "error")
		return nil, errors.Join(errs...)
	}
	for _, err := range errs {
		slog.Warn("relay subscription failed", "error", err)
	}
	p.metrics.IncrementRelayRequest("subscribe", "ok")
	live.start(ctx)
	return live, nil
}

// =============================================================================
// Merged live subscription
// =============================================================================

type upstream struct {
	rc  *relayConn
	sub *subscription
}

type liveSub struct {
	out      chan *nostr.Event
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
	upstream []upstream
	seen     *lru.Cache[string, struct{}]
}

func newLiveSub(buffer int) *liveSub {
	seen, _ := lru.New[string, struct{}](8192)
	return &liveSub{
		out:  make(chan *nostr.Event, buffer),
		done: make(chan struct{}),
		seen: seen,
	}
}

func (l *liveSub) attach(rc *relayConn, sub *subscription) {
	l.upstream = append(l.upstream, upstream{rc: rc, sub: sub})
}

func (l *liveSub) size() int { return len(l.upstream) }

func (l *liveSub) start(ctx context.Context) {
	for _, u := range l.upstream {
		l.wg.Add(1)
		go l.forward(u.sub)
	}
	go func() {
		l.wg.Wait()
		close(l.out)
	}()
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-l.done:
		}
	}()
}

func (l *liveSub) forward(sub *subscription) {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case <-sub.done:
			return
		case evt := <-sub.events:
			if !l.firstSighting(evt.ID) {
				continue
			}
			select {
			case l.out <- evt:
			case <-l.done:
				return
			}
		}
	}
}

func (l *liveSub) firstSighting(id string) bool {
	found, _ := l.seen.ContainsOrAdd(id, struct{}{})
	return !found
}

func (l *liveSub) Events() <-chan *nostr.Event { return l.out }

func (l *liveSub) Close() {
	l.once.Do(func() {
		close(l.done)
		for _, u := range l.upstream {
			u.rc.unsubscribe(u.sub)
		}
	})
}

// Ensure interface compliance
var (
	_ query.Querier    = (*Pool)(nil)
	_ query.Prober     = (*Pool)(nil)
	_ query.Subscriber = (*Pool)(nil)
	_ query.Publisher  = (*Pool)(nil)
)

// rawMessage splits a relay frame into its label and remaining elements.
func rawMessage(data []byte) (string, []json.RawMessage, bool) {
	var msg []json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil || len(msg) < 2 {
		return "", nil, false
	}
	var label string
	if err := json.Unmarshal(msg[0], &label); err != nil {
		return "", nil, false
	}
	return label, msg[1:], true
}
