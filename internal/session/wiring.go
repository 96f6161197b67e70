package session

import (
	"nostr-video/internal/cache"
	"nostr-video/internal/capability"
	"nostr-video/internal/config"
	"nostr-video/internal/deletion"
	"nostr-video/internal/eventcache"
	"nostr-video/internal/nips"
	"nostr-video/internal/query"
)

// Timeouts maps the configured timeouts onto query.Timeouts.
func Timeouts(cfg *config.Config) query.Timeouts {
	return query.Timeouts{
		Profile: cfg.Timeouts.Profile,
		Query:   cfg.Timeouts.Query,
		Refresh: cfg.Timeouts.Refresh,
		Preload: cfg.Timeouts.Preload,
		Probe:   cfg.Capability.ProbeTimeout,
	}
}

func EventCacheConfig(cfg *config.Config) eventcache.Config {
	ec := eventcache.DefaultConfig()
	ec.TTLs = cache.CacheConfig{
		ProfileTTL:         cfg.Cache.ProfileTTL,
		ProfileNotFoundTTL: cfg.Cache.ProfileNotFoundTTL,
		ContactTTL:         cfg.Cache.ContactTTL,
		PostTTL:            cfg.Cache.PostTTL,
		DurableRetention:   cfg.Cache.DurableRetention,
	}
	ec.Timeouts = Timeouts(cfg)
	ec.Relays = nips.NormalizeRelayURLs(cfg.Relays.Profile)
	ec.FastTierSize = cfg.Cache.FastTierSize
	ec.PreloadPostLimit = cfg.Preload.PostLimit
	ec.VerifySignatures = cfg.Cache.Verify()
	return ec
}

func CapabilityConfig(cfg *config.Config) capability.Config {
	cc := capability.DefaultConfig()
	cc.TTL = cfg.Capability.TTL
	cc.FailureTTL = cfg.Capability.FailureTTL
	cc.ProbeTimeout = cfg.Capability.ProbeTimeout
	cc.UseNIP11 = cfg.Capability.NIP11()
	return cc
}

func DeletionConfig(cfg *config.Config) deletion.Config {
	dc := deletion.DefaultConfig()
	dc.Relays = nips.NormalizeRelayURLs(cfg.Relays.Deletion)
	dc.ShowDeletedVideos = cfg.Deletion.ShowDeletedVideos
	dc.PendingLimit = cfg.Deletion.PendingLimit
	dc.ReconnectDelay = cfg.Deletion.ReconnectDelay
	dc.LookupTimeout = cfg.Timeouts.Profile
	dc.VerifySignatures = cfg.Cache.Verify()
	return dc
}
