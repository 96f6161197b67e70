package cache

import (
	"time"

	"nostr-video/internal/types"
)

// CacheConfig holds cache TTL configuration
type CacheConfig struct {
	ProfileTTL         time.Duration
	ProfileNotFoundTTL time.Duration
	ContactTTL         time.Duration
	PostTTL            time.Duration
	DurableRetention   time.Duration
}

// DefaultCacheConfig returns sensible defaults
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		ProfileTTL:         1 * time.Hour,       // Profiles rarely change hourly
		ProfileNotFoundTTL: 30 * time.Second,    // Short so a slow relay gets retried soon
		ContactTTL:         10 * time.Minute,    // Follow changes should show up within a session
		PostTTL:            30 * time.Minute,    // Engagement tags drift; content itself is immutable
		DurableRetention:   30 * 24 * time.Hour, // Durable rows outlive staleness; 0 keeps forever
	}
}

// TTLFor returns the staleness window for a TTL class.
func (c CacheConfig) TTLFor(class types.TTLClass) time.Duration {
	switch class {
	case types.TTLProfile:
		return c.ProfileTTL
	case types.TTLContacts:
		return c.ContactTTL
	default:
		return c.PostTTL
	}
}
