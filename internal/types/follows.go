package types

import (
	"sort"
	"time"
)

// FollowListEntry is the set of pubkeys an owner follows.
type FollowListEntry struct {
	Owner           string
	Follows         map[string]struct{}
	UpdatedAt       time.Time
	SourceCreatedAt int64 // created_at of the contact list event it came from
}

// NewFollowListEntry builds an entry from a list of pubkeys.
func NewFollowListEntry(owner string, pubkeys []string, sourceCreatedAt int64, updatedAt time.Time) *FollowListEntry {
	follows := make(map[string]struct{}, len(pubkeys))
	for _, pk := range pubkeys {
		if pk != "" {
			follows[pk] = struct{}{}
		}
	}
	return &FollowListEntry{
		Owner:           owner,
		Follows:         follows,
		UpdatedAt:       updatedAt,
		SourceCreatedAt: sourceCreatedAt,
	}
}

// Contains reports whether owner follows pubkey.
func (f *FollowListEntry) Contains(pubkey string) bool {
	if f == nil {
		return false
	}
	_, ok := f.Follows[pubkey]
	return ok
}

// Pubkeys returns the followed pubkeys sorted.
func (f *FollowListEntry) Pubkeys() []string {
	out := make([]string, 0, len(f.Follows))
	for pk := range f.Follows {
		out = append(out, pk)
	}
	sort.Strings(out)
	return out
}

// ToCached converts to the durable representation.
func (f *FollowListEntry) ToCached() CachedFollowList {
	return CachedFollowList{
		Owner:           f.Owner,
		Follows:         f.Pubkeys(),
		UpdatedAt:       f.UpdatedAt.Unix(),
		SourceCreatedAt: f.SourceCreatedAt,
	}
}

// FromCached converts from the durable representation.
func (c CachedFollowList) FromCached() *FollowListEntry {
	return NewFollowListEntry(c.Owner, c.Follows, c.SourceCreatedAt, time.Unix(c.UpdatedAt, 0))
}
