package query

import (
	"context"
	"errors"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

var (
	// ErrRejected is returned when a relay refuses a request (CLOSED).
	ErrRejected = errors.New("relay rejected request")
	// ErrNoRelays is returned when a request names no usable relay.
	ErrNoRelays = errors.New("no relays")
)

// Querier runs one-shot queries: it collects stored events until every relay
// has signaled end-of-stored-events or ctx ends.
type Querier interface {
	Query(ctx context.Context, relays []string, filters ...Filter) ([]*nostr.Event, error)
}

// Prober sends a single filter to one relay and reports whether the relay
// accepted it. nil means accepted; an error wrapping ErrRejected means the
// relay refused it; any other error is a transport failure.
type Prober interface {
	Probe(ctx context.Context, relayURL string, filter Filter) error
}

// Subscription is a live stream of events.
type Subscription interface {
	Events() <-chan *nostr.Event
	Close()
}

// Subscriber opens long-lived subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, relays []string, filters ...Filter) (Subscription, error)
}

// Publisher sends signed events.
type Publisher interface {
	Publish(ctx context.Context, relays []string, evt *nostr.Event) error
}

// Timeouts bound every network operation of the data layer.
type Timeouts struct {
	Profile time.Duration
	Query   time.Duration
	Refresh time.Duration
	Preload time.Duration
	Probe   time.Duration
}

// DefaultTimeouts returns the standard bounds: profile lookups are the
// shortest, bulk preloads the longest.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Profile: 3 * time.Second,
		Query:   8 * time.Second,
		Refresh: 5 * time.Second,
		Preload: 15 * time.Second,
		Probe:   4 * time.Second,
	}
}
