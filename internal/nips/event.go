package nips

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr"

	"nostr-video/internal/util"
)

// ErrInvalidCoordinate is returned by ParseCoordinate for malformed "a" tag values.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// ValidateEventSignature checks that evt.ID is the hash of its serialization
// and that evt.Sig is a valid Schnorr signature over it by evt.PubKey.
func ValidateEventSignature(evt *nostr.Event) bool {
	if len(evt.Sig) != 128 || len(evt.PubKey) != 64 || len(evt.ID) != 64 {
		return false
	}
	if evt.GetID() != evt.ID {
		return false
	}

	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return false
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	return sig.Verify(idBytes, pubKey)
}

// ShortID truncates ID/pubkey to 12 chars for logging
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}

// Coordinate identifies an addressable event: kind:pubkey:d-tag.
type Coordinate struct {
	Kind   int
	PubKey string
	DTag   string
}

func (c Coordinate) String() string {
	return strconv.Itoa(c.Kind) + ":" + c.PubKey + ":" + c.DTag
}

// ParseCoordinate parses the value of an "a" tag.
func ParseCoordinate(s string) (Coordinate, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Coordinate{}, fmt.Errorf("%w: %q", ErrInvalidCoordinate, s)
	}
	kind, err := strconv.Atoi(parts[0])
	if err != nil || kind < 0 {
		return Coordinate{}, fmt.Errorf("%w: bad kind in %q", ErrInvalidCoordinate, s)
	}
	if !IsHex64(parts[1]) {
		return Coordinate{}, fmt.Errorf("%w: bad pubkey in %q", ErrInvalidCoordinate, s)
	}
	return Coordinate{Kind: kind, PubKey: parts[1], DTag: parts[2]}, nil
}

// CoordinateOf returns the coordinate of an addressable event.
func CoordinateOf(evt *nostr.Event) (Coordinate, bool) {
	if !IsAddressable(evt.Kind) {
		return Coordinate{}, false
	}
	return Coordinate{Kind: evt.Kind, PubKey: evt.PubKey, DTag: util.GetTagValue(evt.Tags, "d")}, true
}

// LogicalKey returns the identity under which at most one version of evt is kept:
// author+kind for replaceable kinds, author+kind+d for addressable kinds, and
// the event id otherwise.
func LogicalKey(evt *nostr.Event) string {
	switch {
	case IsReplaceable(evt.Kind):
		return ReplaceableKey(evt.Kind, evt.PubKey)
	case IsAddressable(evt.Kind):
		return AddressableKey(evt.Kind, evt.PubKey, util.GetTagValue(evt.Tags, "d"))
	default:
		return EventKey(evt.ID)
	}
}

// EventKey is the logical key of a regular event.
func EventKey(id string) string { return "e:" + id }

// ReplaceableKey is the logical key of a replaceable event.
func ReplaceableKey(kind int, pubkey string) string {
	return "r:" + strconv.Itoa(kind) + ":" + pubkey
}

// AddressableKey is the logical key of an addressable event.
func AddressableKey(kind int, pubkey, dTag string) string {
	return "a:" + strconv.Itoa(kind) + ":" + pubkey + ":" + dTag
}

// ProfileKey is the logical key of a pubkey's kind 0 metadata.
func ProfileKey(pubkey string) string { return ReplaceableKey(KindProfile, pubkey) }

// FollowListKey is the logical key of a pubkey's kind 3 contact list.
func FollowListKey(pubkey string) string { return ReplaceableKey(KindFollowList, pubkey) }

// IsHex64 reports whether s is a lowercase 32-byte hex string (ids, pubkeys).
func IsHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Newer reports whether a should replace b under NIP-01 rules: later
// created_at wins, equal timestamps keep the lowest id.
func Newer(a, b *nostr.Event) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID < b.ID
}
