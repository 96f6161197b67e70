package testutil

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"

	"nostr-video/internal/query"
)

// Network is an in-memory stand-in for a relay set. It implements
// query.Querier, query.Prober, query.Subscriber and query.Publisher.
type Network struct {
	mu      sync.Mutex
	events  []*nostr.Event
	subs    map[*Sub]struct{}
	probes  map[string]error
	queries [][]query.Filter

	// QueryErr, when set, fails every Query.
	QueryErr error
	// Gate, when set, blocks Query and Probe until it is closed or ctx ends.
	Gate chan struct{}

	queryCalls atomic.Int64
	probeCalls atomic.Int64
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		subs:   make(map[*Sub]struct{}),
		probes: make(map[string]error),
	}
}

// Store adds events relays will return.
func (n *Network) Store(events ...*nostr.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, events...)
}

// SetProbeResult scripts the Probe answer for relayURL.
func (n *Network) SetProbeResult(relayURL string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.probes[relayURL] = err
}

// QueryCalls returns how many times Query ran.
func (n *Network) QueryCalls() int { return int(n.queryCalls.Load()) }

// ProbeCalls returns how many times Probe ran.
func (n *Network) ProbeCalls() int { return int(n.probeCalls.Load()) }

// Queries returns the filters of every Query call so far.
func (n *Network) Queries() [][]query.Filter {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([][]query.Filter, len(n.queries))
	copy(out, n.queries)
	return out
}

func (n *Network) wait(ctx context.Context) error {
	if n.Gate == nil {
		return nil
	}
	select {
	case <-n.Gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Query returns stored events matching any filter, newest first, honoring
// each filter's limit. Events come back in storage order within equal timestamps.
func (n *Network) Query(ctx context.Context, relays []string, filters ...query.Filter) ([]*nostr.Event, error) {
	n.queryCalls.Add(1)
	n.mu.Lock()
	n.queries = append(n.queries, filters)
	n.mu.Unlock()

	if err := n.wait(ctx); err != nil {
		return nil, err
	}
	if n.QueryErr != nil {
		return nil, n.QueryErr
	}

	n.mu.Lock()
	stored := make([]*nostr.Event, len(n.events))
	copy(stored, n.events)
	n.mu.Unlock()

	seen := make(map[string]bool)
	var out []*nostr.Event
	for _, f := range filters {
		var matched []*nostr.Event
		for _, evt := range stored {
			if f.Matches(evt) {
				matched = append(matched, evt)
			}
		}
		sort.SliceStable(matched, func(i, j int) bool {
			return matched[i].CreatedAt > matched[j].CreatedAt
		})
		if limit := f.Spec().Limit; limit > 0 && len(matched) > limit {
			matched = matched[:limit]
		}
		for _, evt := range matched {
			if !seen[evt.ID] {
				seen[evt.ID] = true
				out = append(out, evt)
			}
		}
	}
	return out, nil
}

// Probe returns the scripted result for relayURL, nil when none was set.
func (n *Network) Probe(ctx context.Context, relayURL string, filter query.Filter) error {
	n.probeCalls.Add(1)
	if err := n.wait(ctx); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.probes[relayURL]
}

// Subscribe opens a live subscription that receives events passed to Emit.
func (n *Network) Subscribe(ctx context.Context, relays []string, filters ...query.Filter) (query.Subscription, error) {
	sub := &Sub{
		network: n,
		filters: filters,
		ch:      make(chan *nostr.Event, 64),
	}
	n.mu.Lock()
	n.subs[sub] = struct{}{}
	n.mu.Unlock()
	return sub, nil
}

// Publish stores evt and emits it to live subscriptions.
func (n *Network) Publish(ctx context.Context, relays []string, evt *nostr.Event) error {
	n.Store(evt)
	n.Emit(evt)
	return nil
}

// Emit delivers evt to every open subscription whose filters match.
func (n *Network) Emit(evt *nostr.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for sub := range n.subs {
		if sub.matches(evt) {
			sub.ch <- evt
		}
	}
}

// OpenSubscriptions returns the number of subscriptions not yet closed.
func (n *Network) OpenSubscriptions() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// Sub is a live subscription on a Network.
type Sub struct {
	network *Network
	filters []query.Filter
	ch      chan *nostr.Event
	once    sync.Once
}

func (s *Sub) matches(evt *nostr.Event) bool {
	for _, f := range s.filters {
		if f.Matches(evt) {
			return true
		}
	}
	return false
}

// Events returns the event stream; it is closed by Close.
func (s *Sub) Events() <-chan *nostr.Event { return s.ch }

// Close detaches the subscription.
func (s *Sub) Close() {
	s.once.Do(func() {
		s.network.mu.Lock()
		delete(s.network.subs, s)
		close(s.ch)
		s.network.mu.Unlock()
	})
}

// DropSubscriptions closes every open subscription, as a relay disconnect would.
func (n *Network) DropSubscriptions() {
	n.mu.Lock()
	subs := make([]*Sub, 0, len(n.subs))
	for sub := range n.subs {
		subs = append(subs, sub)
	}
	n.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}
