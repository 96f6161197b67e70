package types

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// TTLClass selects the freshness window of a cache entry.
type TTLClass string

const (
	TTLProfile  TTLClass = "profile"
	TTLContacts TTLClass = "contacts"
	TTLPost     TTLClass = "post"
)

// CacheEntry is one cached version of a logical event. Entries are immutable:
// writers replace the pointer, they never mutate a stored entry.
type CacheEntry struct {
	Key      string
	Event    *nostr.Event
	Metadata *ProfileMetadata // kind 0 only; nil if content was malformed
	CachedAt time.Time
	TTLClass TTLClass
}

// Stale reports whether the entry is older than ttl at now.
func (e *CacheEntry) Stale(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(e.CachedAt) > ttl
}

// CachedEvent wraps a cache entry for durable serialization
type CachedEvent struct {
	Event    *nostr.Event `json:"event"`
	CachedAt int64        `json:"cached_at"`
	TTLClass TTLClass     `json:"ttl_class"`
}

// CachedFollowList wraps a follow list for durable serialization
type CachedFollowList struct {
	Owner           string   `json:"owner"`
	Follows         []string `json:"follows"`
	UpdatedAt       int64    `json:"updated_at"`
	SourceCreatedAt int64    `json:"source_created_at"`
}
