// Package util holds small helpers shared by the data layer packages.
package util

import (
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// internalSuffixes are host suffixes that never name a public relay.
var internalSuffixes = []string{".local", ".internal", ".onion", ".localhost"}

// IsInternalHost reports whether host is on a private or overlay network
// and must not be dialed as a relay.
func IsInternalHost(host string) bool {
	host = strings.ToLower(host)
	for _, s := range internalSuffixes {
		if strings.HasSuffix(host, s) {
			return true
		}
	}
	return false
}

// IsLoopbackHost reports whether host points back at this machine.
func IsLoopbackHost(host string) bool {
	switch host = strings.ToLower(host); {
	case host == "localhost", host == "::1", host == "[::1]":
		return true
	default:
		return strings.HasPrefix(host, "127.")
	}
}

// GetTagValue returns the first value of tag name, "" when absent.
func GetTagValue(tags nostr.Tags, name string) string {
	if v := GetTagValues(tags, name); len(v) > 0 {
		return v[0]
	}
	return ""
}

// GetTagValues returns every value of tag name in tag order. Tags without
// a value are skipped.
func GetTagValues(tags nostr.Tags, name string) []string {
	var out []string
	for _, t := range tags {
		if len(t) > 1 && t[0] == name {
			out = append(out, t[1])
		}
	}
	return out
}

// Dedupe returns the distinct non-empty values of in, in first-seen order.
func Dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, dup := seen[s]; dup || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
