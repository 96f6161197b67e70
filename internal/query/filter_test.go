package query

import (
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = strings.Repeat("a", 64)
	bob   = strings.Repeat("b", 64)
)

func TestNewFilterValidates(t *testing.T) {
	tests := []struct {
		name    string
		spec    FilterSpec
		wantErr string
	}{
		{"ok", FilterSpec{Authors: []string{alice}, Kinds: []int{0}, Limit: 1}, ""},
		{"ok sort", FilterSpec{Kinds: []int{34236}, Sort: "sort:hot"}, ""},
		{"bad author", FilterSpec{Authors: []string{"npub1xyz"}}, "authors"},
		{"uppercase id", FilterSpec{IDs: []string{strings.Repeat("A", 64)}}, "ids"},
		{"negative kind", FilterSpec{Kinds: []int{-1}}, "kinds"},
		{"limit too high", FilterSpec{Limit: 10000}, "limit"},
		{"bad tag key", FilterSpec{Tags: map[string][]string{"dd": {"x"}}}, "single letter"},
		{"empty tag values", FilterSpec{Tags: map[string][]string{"t": {}}}, "tags"},
		{"free text search", FilterSpec{Sort: "cats"}, "sort:<mode>"},
		{"since after until", FilterSpec{Since: 200, Until: 100}, "since"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFilter(tt.spec)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, SchemaVersion, f.Version())
				return
			}
			require.ErrorIs(t, err, ErrInvalidFilter)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFilterIsImmutable(t *testing.T) {
	authors := []string{alice}
	f := MustFilter(FilterSpec{Authors: authors})
	authors[0] = bob

	assert.Equal(t, []string{alice}, f.Spec().Authors)

	spec := f.Spec()
	spec.Authors[0] = bob
	assert.Equal(t, []string{alice}, f.Spec().Authors)
}

func TestToNostrCarriesSortAsSearch(t *testing.T) {
	f := MustFilter(FilterSpec{
		Kinds: []int{34236},
		Tags:  map[string][]string{"t": {"cats"}},
		Since: 100,
		Limit: 20,
		Sort:  "sort:hot",
	})
	nf := f.ToNostr()
	assert.Equal(t, "sort:hot", nf.Search)
	assert.Equal(t, 20, nf.Limit)
	require.NotNil(t, nf.Since)
	assert.Equal(t, nostr.Timestamp(100), *nf.Since)
	assert.Nil(t, nf.Until)
	assert.Equal(t, []string{"cats"}, nf.Tags["t"])

	assert.Empty(t, f.WithoutSort().ToNostr().Search)
	assert.Equal(t, SortDirective("sort:hot"), f.Sort())
}

func TestWithSortValidates(t *testing.T) {
	f := MustFilter(FilterSpec{Kinds: []int{21}})
	_, err := f.WithSort("DROP TABLE")
	assert.ErrorIs(t, err, ErrInvalidFilter)

	g, err := f.WithSort("sort:top")
	require.NoError(t, err)
	assert.Equal(t, SortDirective("sort:top"), g.Sort())
	assert.Empty(t, f.Sort())
}

func TestMatches(t *testing.T) {
	evt := &nostr.Event{
		ID:        strings.Repeat("1", 64),
		PubKey:    alice,
		Kind:      34236,
		CreatedAt: 150,
		Tags:      nostr.Tags{{"d", "clip"}, {"t", "cats"}},
	}

	assert.True(t, MustFilter(FilterSpec{Authors: []string{alice}, Kinds: []int{34236}}).Matches(evt))
	assert.True(t, MustFilter(FilterSpec{Tags: map[string][]string{"t": {"dogs", "cats"}}}).Matches(evt))
	assert.False(t, MustFilter(FilterSpec{Authors: []string{bob}}).Matches(evt))
	assert.False(t, MustFilter(FilterSpec{Since: 151}).Matches(evt))
	assert.False(t, MustFilter(FilterSpec{Until: 149}).Matches(evt))
	assert.False(t, MustFilter(FilterSpec{Tags: map[string][]string{"d": {"other"}}}).Matches(evt))
	assert.True(t, MustFilter(FilterSpec{Sort: "sort:hot"}).Matches(evt), "sort directive is not a match constraint")
}
