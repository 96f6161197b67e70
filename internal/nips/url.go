package nips

import (
	"net/url"
	"strings"

	"nostr-video/internal/util"
)

// NormalizeRelayURL validates and normalizes a relay URL so it can be used as
// a memo key. Returns empty string if URL is invalid/malformed.
func NormalizeRelayURL(relayURL string) string {
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" {
		return ""
	}

	// No protocol, URL-encoded garbage, or doubled protocol
	if !strings.Contains(relayURL, "://") ||
		strings.Contains(relayURL, "%20") ||
		strings.Count(relayURL, "://") > 1 {
		return ""
	}

	parsed, err := url.Parse(relayURL)
	if err != nil {
		return ""
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return ""
	}

	host := strings.ToLower(parsed.Hostname())
	if len(host) < 3 || strings.Contains(host, " ") {
		return ""
	}
	if !util.IsLoopbackHost(host) {
		if !strings.Contains(host, ".") || util.IsInternalHost(host) {
			return ""
		}
	}

	// Normalize: strip trailing slash, lowercase
	result := scheme + "://" + host
	if parsed.Port() != "" {
		result += ":" + parsed.Port()
	}
	if parsed.Path != "" && parsed.Path != "/" {
		result += strings.TrimSuffix(parsed.Path, "/")
	}
	return result
}

// NormalizeRelayURLs normalizes and dedupes a relay list, dropping invalid entries.
func NormalizeRelayURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		out = append(out, NormalizeRelayURL(u))
	}
	return util.Dedupe(out)
}
