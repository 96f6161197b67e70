package sortmode

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-video/internal/types"
)

func TestResolveUnsupportedNeverYieldsDirective(t *testing.T) {
	for _, policy := range []Policy{PolicyOptimistic, PolicyPessimistic} {
		for _, mode := range Modes {
			d, ok := Resolve(mode, types.CapabilityUnsupported, policy)
			assert.False(t, ok, "mode %s policy %s", mode, policy)
			assert.Empty(t, d)
		}
	}
}

func TestResolveSupportedMapsEveryMode(t *testing.T) {
	for _, mode := range Modes {
		d, ok := Resolve(mode, types.CapabilitySupported, PolicyPessimistic)
		require.True(t, ok, "mode %s", mode)
		assert.Equal(t, "sort:"+string(mode), string(d))
	}
}

func TestResolveUnknownFollowsPolicy(t *testing.T) {
	_, ok := Resolve(Hot, types.CapabilityUnknown, PolicyPessimistic)
	assert.False(t, ok)

	d, ok := Resolve(Hot, types.CapabilityUnknown, PolicyOptimistic)
	assert.True(t, ok)
	assert.Equal(t, "sort:hot", string(d))
}

func TestResolveRejectsUnknownMode(t *testing.T) {
	_, ok := Resolve(Mode("new"), types.CapabilitySupported, PolicyOptimistic)
	assert.False(t, ok)

	_, err := ParseMode("newest")
	assert.ErrorIs(t, err, ErrUnknownMode)
	m, err := ParseMode(" HOT ")
	require.NoError(t, err)
	assert.Equal(t, Hot, m)
}

type stubCaps map[string]types.Capability

func (s stubCaps) Peek(relayURL string) types.CapabilityRecord {
	return types.CapabilityRecord{RelayURL: relayURL, State: s[relayURL]}
}

func TestResolverUsesMemo(t *testing.T) {
	r := NewResolver(stubCaps{"wss://search.example.com": types.CapabilitySupported}, PolicyPessimistic)

	d, ok := r.ResolveEffectiveSortMode(Rising, "wss://search.example.com")
	assert.True(t, ok)
	assert.Equal(t, "sort:rising", string(d))

	_, ok = r.ResolveEffectiveSortMode(Rising, "wss://plain.example.com")
	assert.False(t, ok)
}

func TestSortClientSideStable(t *testing.T) {
	a := &nostr.Event{ID: "a", CreatedAt: 100}
	b := &nostr.Event{ID: "b", CreatedAt: 200}
	c := &nostr.Event{ID: "c", CreatedAt: 300}
	items := []Item{{a, 5}, {b, 5}, {c, 3}}

	SortClientSide(items)

	got := []string{items[0].Event.ID, items[1].Event.ID, items[2].Event.ID}
	assert.Equal(t, []string{"b", "a", "c"}, got)
}

func TestSortClientSideKeepsFetchOrderOnFullTie(t *testing.T) {
	first := &nostr.Event{ID: "first", CreatedAt: 100}
	second := &nostr.Event{ID: "second", CreatedAt: 100}
	items := []Item{{first, 1}, {second, 1}}

	SortClientSide(items)
	assert.Equal(t, "first", items[0].Event.ID)
	assert.Equal(t, "second", items[1].Event.ID)
}

func TestEngagementMetric(t *testing.T) {
	assert.Equal(t, 42.0, EngagementMetric(&nostr.Event{Tags: nostr.Tags{{"loops", "42"}, {"likes", "7"}}}))
	assert.Equal(t, 7.0, EngagementMetric(&nostr.Event{Tags: nostr.Tags{{"loops", "many"}, {"likes", "7"}}}))
	assert.Equal(t, 0.0, EngagementMetric(&nostr.Event{Tags: nostr.Tags{{"t", "cats"}}}))
}

func TestSortEventsDoesNotMutateInput(t *testing.T) {
	low := &nostr.Event{ID: "low", Tags: nostr.Tags{{"loops", "1"}}}
	high := &nostr.Event{ID: "high", Tags: nostr.Tags{{"loops", "9"}}}
	in := []*nostr.Event{low, high}

	out := SortEvents(in, nil)
	assert.Equal(t, "high", out[0].ID)
	assert.Equal(t, "low", in[0].ID)
}
