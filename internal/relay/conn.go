package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"

	"nostr-video/internal/query"
)

// subscription represents an active REQ on a relay connection
type subscription struct {
	id     string
	events chan *nostr.Event
	eose   chan struct{}
	done   chan struct{}

	eoseOnce  sync.Once
	closeOnce sync.Once
	mu        sync.Mutex
	reason    string
	rejected  bool
}

func (s *subscription) markEOSE() {
	s.eoseOnce.Do(func() { close(s.eose) })
}

// close ends the subscription; rejected records a relay-issued CLOSED.
func (s *subscription) close(reason string, rejected bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.rejected = rejected
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *subscription) closedReason() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.rejected
}

type okResult struct {
	accepted bool
	message  string
}

// relayConn manages a single websocket connection with multiple subscriptions
type relayConn struct {
	ws      *websocket.Conn
	url     string
	writeMu sync.Mutex

	mu           sync.Mutex
	subs         map[string]*subscription
	oks          map[string]chan okResult
	closed       bool
	lastActivity time.Time
}

func (rc *relayConn) isClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

func (rc *relayConn) idleSince(now time.Time) time.Duration {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.subs) > 0 || len(rc.oks) > 0 {
		return 0
	}
	return now.Sub(rc.lastActivity)
}

func (rc *relayConn) touch() {
	rc.mu.Lock()
	rc.lastActivity = time.Now()
	rc.mu.Unlock()
}

func (rc *relayConn) write(v any) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	return rc.ws.WriteJSON(v)
}

func (rc *relayConn) subscribe(id string, filters []nostr.Filter, buffer int) (*subscription, error) {
	sub := &subscription{
		id:     id,
		events: make(chan *nostr.Event, buffer),
		eose:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return nil, ErrConnectionLost
	}
	rc.subs[id] = sub
	rc.lastActivity = time.Now()
	rc.mu.Unlock()

	msg := make([]any, 0, len(filters)+2)
	msg = append(msg, "REQ", id)
	for _, f := range filters {
		msg = append(msg, f)
	}
	if err := rc.write(msg); err != nil {
		rc.mu.Lock()
		delete(rc.subs, id)
		rc.mu.Unlock()
		rc.markClosed()
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return sub, nil
}

// unsubscribe sends CLOSE when the relay still tracks the subscription.
func (rc *relayConn) unsubscribe(sub *subscription) {
	if sub == nil {
		return
	}
	rc.mu.Lock()
	_, exists := rc.subs[sub.id]
	shouldSendClose := !rc.closed && exists
	delete(rc.subs, sub.id)
	rc.mu.Unlock()

	// Best effort, the connection may already be gone
	if shouldSendClose {
		_ = rc.write([]any{"CLOSE", sub.id})
	}
	sub.close("", false)
}

func (rc *relayConn) publish(ctx context.Context, evt *nostr.Event) error {
	ch := make(chan okResult, 1)
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return ErrConnectionLost
	}
	rc.oks[evt.ID] = ch
	rc.mu.Unlock()

	defer func() {
		rc.mu.Lock()
		if rc.oks[evt.ID] == ch {
			delete(rc.oks, evt.ID)
		}
		rc.mu.Unlock()
	}()

	if err := rc.write([]any{"EVENT", evt}); err != nil {
		rc.markClosed()
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res, ok := <-ch:
		if !ok {
			return fmt.Errorf("%w: %s", ErrConnectionLost, rc.url)
		}
		if !res.accepted {
			return fmt.Errorf("%w by %s: %s", query.ErrRejected, rc.url, res.message)
		}
		return nil
	}
}

// readLoop continuously reads from the connection and routes messages
func (rc *relayConn) readLoop() {
	defer rc.markClosed()

	for {
		_, data, err := rc.ws.ReadMessage()
		if err != nil {
			if !rc.isClosed() {
				slog.Debug("relay pool: read error", "relay", rc.url, "error", err)
			}
			return
		}
		rc.touch()

		label, rest, ok := rawMessage(data)
		if !ok {
			continue
		}
		switch label {
		case "EVENT":
			rc.routeEvent(rest)
		case "EOSE":
			if sub := rc.lookup(rest[0]); sub != nil {
				sub.markEOSE()
			}
		case "CLOSED":
			rc.routeClosed(rest)
		case "OK":
			rc.routeOK(rest)
		case "NOTICE":
			var notice string
			_ = json.Unmarshal(rest[0], &notice)
			slog.Debug("relay pool: NOTICE", "relay", rc.url, "notice", notice)
		}
	}
}

func (rc *relayConn) lookup(raw json.RawMessage) *subscription {
	var subID string
	if err := json.Unmarshal(raw, &subID); err != nil {
		return nil
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.subs[subID]
}

func (rc *relayConn) routeEvent(rest []json.RawMessage) {
	if len(rest) < 2 {
		return
	}
	sub := rc.lookup(rest[0])
	if sub == nil {
		return
	}
	var evt nostr.Event
	if err := json.Unmarshal(rest[1], &evt); err != nil {
		return
	}
	select {
	case sub.events <- &evt:
	case <-sub.done:
	default:
		slog.Debug("relay pool: subscription buffer full, dropping event", "relay", rc.url, "sub", sub.id)
	}
}

func (rc *relayConn) routeClosed(rest []json.RawMessage) {
	var subID, reason string
	if err := json.Unmarshal(rest[0], &subID); err != nil {
		return
	}
	if len(rest) > 1 {
		_ = json.Unmarshal(rest[1], &reason)
	}
	rc.mu.Lock()
	sub := rc.subs[subID]
	delete(rc.subs, subID)
	rc.mu.Unlock()
	if sub != nil {
		sub.close(reason, true)
	}
}

func (rc *relayConn) routeOK(rest []json.RawMessage) {
	if len(rest) < 2 {
		return
	}
	var (
		id       string
		accepted bool
		message  string
	)
	if json.Unmarshal(rest[0], &id) != nil || json.Unmarshal(rest[1], &accepted) != nil {
		return
	}
	if len(rest) > 2 {
		_ = json.Unmarshal(rest[2], &message)
	}
	rc.mu.Lock()
	ch := rc.oks[id]
	delete(rc.oks, id)
	rc.mu.Unlock()
	if ch != nil {
		ch <- okResult{accepted: accepted, message: message}
	}
}

// markClosed marks the connection as closed and ends its subscriptions
func (rc *relayConn) markClosed() {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	rc.closed = true
	subs := rc.subs
	oks := rc.oks
	rc.subs = make(map[string]*subscription)
	rc.oks = make(map[string]chan okResult)
	rc.mu.Unlock()

	rc.ws.Close()
	for _, sub := range subs {
		sub.close("", false)
	}
	for _, ch := range oks {
		close(ch)
	}
}
