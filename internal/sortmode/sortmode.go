// Package sortmode maps a requested feed ordering onto what a relay can do:
// a server-side sort directive when the relay supports advanced search, or a
// deterministic client-side ordering otherwise.
package sortmode

import (
	"errors"
	"fmt"
	"strings"

	"nostr-video/internal/query"
	"nostr-video/internal/types"
)

// ErrUnknownMode is returned by ParseMode.
var ErrUnknownMode = errors.New("unknown sort mode")

// Mode is a feed ordering a user can pick.
type Mode string

const (
	Hot           Mode = "hot"
	Top           Mode = "top"
	Rising        Mode = "rising"
	Controversial Mode = "controversial"
)

// Modes lists every supported mode.
var Modes = []Mode{Hot, Top, Rising, Controversial}

// ParseMode accepts a mode name case-insensitively.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Modes {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Policy decides how an unknown capability is treated.
type Policy int

const (
	// PolicyPessimistic treats unknown as unsupported: the client sorts.
	PolicyPessimistic Policy = iota
	// PolicyOptimistic treats unknown as supported: the directive is sent
	// and a rejection surfaces as a query failure.
	PolicyOptimistic
)

// ParsePolicy accepts "optimistic" or "pessimistic"; anything else is pessimistic.
func ParsePolicy(s string) Policy {
	if strings.EqualFold(strings.TrimSpace(s), "optimistic") {
		return PolicyOptimistic
	}
	return PolicyPessimistic
}

func (p Policy) String() string {
	if p == PolicyOptimistic {
		return "optimistic"
	}
	return "pessimistic"
}

// Directive returns the server directive for a mode.
func (m Mode) Directive() query.SortDirective {
	return query.SortDirective("sort:" + string(m))
}

// Resolve maps mode to a server directive given a capability. The boolean is
// false when the caller must sort client-side. Pure: no I/O, no clock.
func Resolve(mode Mode, capability types.Capability, policy Policy) (query.SortDirective, bool) {
	if _, err := ParseMode(string(mode)); err != nil {
		return "", false
	}
	switch capability {
	case types.CapabilitySupported:
		return mode.Directive(), true
	case types.CapabilityUnknown:
		if policy == PolicyOptimistic {
			return mode.Directive(), true
		}
	}
	return "", false
}

// CapabilitySource answers capability questions from memory only.
type CapabilitySource interface {
	Peek(relayURL string) types.CapabilityRecord
}

// Resolver binds Resolve to a capability source and policy.
type Resolver struct {
	caps   CapabilitySource
	policy Policy
}

// NewResolver creates a resolver.
func NewResolver(caps CapabilitySource, policy Policy) *Resolver {
	return &Resolver{caps: caps, policy: policy}
}

// Policy returns the unknown-capability policy.
func (r *Resolver) Policy() Policy { return r.policy }

// ResolveEffectiveSortMode returns the directive to send to relayURL for
// mode, or false when the client must sort.
func (r *Resolver) ResolveEffectiveSortMode(mode Mode, relayURL string) (query.SortDirective, bool) {
	return Resolve(mode, r.caps.Peek(relayURL).State, r.policy)
}
