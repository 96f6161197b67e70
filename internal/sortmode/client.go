package sortmode

import (
	"sort"
	"strconv"

	"github.com/nbd-wtf/go-nostr"
)

// Item is one event in client-side sort order.
type Item struct {
	Event  *nostr.Event
	Metric float64
}

// MetricFunc extracts the engagement metric of an event.
type MetricFunc func(*nostr.Event) float64

// engagementTags are read in order; the first numeric one wins.
var engagementTags = []string{"loops", "views", "likes"}

// EngagementMetric reads the engagement counter a video event carries in its
// tags. Events without one score 0.
func EngagementMetric(evt *nostr.Event) float64 {
	for _, name := range engagementTags {
		for _, tag := range evt.Tags {
			if len(tag) < 2 || tag[0] != name {
				continue
			}
			if v, err := strconv.ParseFloat(tag[1], 64); err == nil && v >= 0 {
				return v
			}
		}
	}
	return 0
}

// SortClientSide orders items by metric descending, then created_at
// descending; remaining ties keep their input (fetch) order.
func SortClientSide(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Metric != items[j].Metric {
			return items[i].Metric > items[j].Metric
		}
		return items[i].Event.CreatedAt > items[j].Event.CreatedAt
	})
}

// SortEvents scores events with metric (EngagementMetric when nil) and returns
// them in client-side sort order. The input slice is not modified.
func SortEvents(events []*nostr.Event, metric MetricFunc) []*nostr.Event {
	if metric == nil {
		metric = EngagementMetric
	}
	items := make([]Item, len(events))
	for i, evt := range events {
		items[i] = Item{Event: evt, Metric: metric(evt)}
	}
	SortClientSide(items)

	out := make([]*nostr.Event, len(items))
	for i, it := range items {
		out[i] = it.Event
	}
	return out
}
