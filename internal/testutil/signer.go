// Package testutil provides signed event builders and an in-memory relay
// network for tests.
package testutil

import (
	"bytes"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr"
)

// Signer signs events with a fixed key.
type Signer struct {
	privKey *btcec.PrivateKey
	PubKey  string
}

// NewSigner derives a deterministic key from seed (any non-zero byte).
func NewSigner(seed byte) *Signer {
	privKey, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	pubKeyBytes := privKey.PubKey().SerializeCompressed()
	return &Signer{
		privKey: privKey,
		PubKey:  hex.EncodeToString(pubKeyBytes[1:]),
	}
}

// Sign sets pubkey, id and signature on evt and returns it.
func (s *Signer) Sign(evt *nostr.Event) *nostr.Event {
	evt.PubKey = s.PubKey
	if evt.Tags == nil {
		evt.Tags = nostr.Tags{}
	}
	evt.ID = evt.GetID()

	idBytes, _ := hex.DecodeString(evt.ID)
	sig, err := schnorr.Sign(s.privKey, idBytes)
	if err != nil {
		panic(err)
	}
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return evt
}

// Event builds and signs an event.
func (s *Signer) Event(kind int, createdAt int64, content string, tags ...nostr.Tag) *nostr.Event {
	return s.Sign(&nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.Timestamp(createdAt),
		Content:   content,
		Tags:      nostr.Tags(tags),
	})
}

// Profile builds a signed kind 0 event.
func (s *Signer) Profile(createdAt int64, content string) *nostr.Event {
	return s.Event(0, createdAt, content)
}

// FollowList builds a signed kind 3 event following pubkeys.
func (s *Signer) FollowList(createdAt int64, pubkeys ...string) *nostr.Event {
	tags := make([]nostr.Tag, 0, len(pubkeys))
	for _, pk := range pubkeys {
		tags = append(tags, nostr.Tag{"p", pk})
	}
	return s.Event(3, createdAt, "", tags...)
}

// Video builds a signed addressable short video with a loop count.
func (s *Signer) Video(createdAt int64, dTag, loops string) *nostr.Event {
	return s.Event(34236, createdAt, "", nostr.Tag{"d", dTag}, nostr.Tag{"loops", loops})
}

// Deletion builds a signed kind 5 event with the given e and a targets.
func (s *Signer) Deletion(createdAt int64, reason string, eventIDs []string, coordinates []string) *nostr.Event {
	var tags []nostr.Tag
	for _, id := range eventIDs {
		tags = append(tags, nostr.Tag{"e", id})
	}
	for _, c := range coordinates {
		tags = append(tags, nostr.Tag{"a", c})
	}
	tags = append(tags, nostr.Tag{"k", "34236"})
	return s.Event(5, createdAt, reason, tags...)
}
