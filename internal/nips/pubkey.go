package nips

import (
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// ParsePubkey accepts a hex pubkey or an npub/nprofile and returns hex.
func ParsePubkey(input string) (string, error) {
	input = strings.TrimSpace(strings.TrimPrefix(input, "nostr:"))
	if IsHex64(strings.ToLower(input)) {
		return strings.ToLower(input), nil
	}

	prefix, value, err := nip19.Decode(input)
	if err != nil {
		return "", fmt.Errorf("decode %q: %w", input, err)
	}
	switch prefix {
	case "npub":
		if pk, ok := value.(string); ok {
			return pk, nil
		}
	case "nprofile":
		if pp, ok := value.(nostr.ProfilePointer); ok {
			return pp.PublicKey, nil
		}
	}
	return "", fmt.Errorf("unsupported identifier %q", prefix)
}
