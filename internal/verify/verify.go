// Package verify provides the Verifier capability LocalStore.Save depends on.
// Signature verification itself (Schnorr/secp256k1, BIP-340) is treated as
// an external concern — this package only defines the seam and a default
// implementation backed by the injected event library.
package verify

import "github.com/nbd-wtf/go-nostr"

// Verifier checks that an event's signature is valid for its id and pubkey.
// Implementations must not mutate the event.
type Verifier interface {
	Verify(evt *nostr.Event) (bool, error)
}

// Default verifies using github.com/nbd-wtf/go-nostr's own BIP-340 Schnorr
// check, which also recomputes and compares the id. It is the Verifier
// LocalStore uses unless the caller injects a different one (e.g. a fake
// that always accepts, for tests exercising scenarios where every event is
// already known-good).
type Default struct{}

// Verify implements Verifier.
func (Default) Verify(evt *nostr.Event) (bool, error) {
	return evt.CheckSignature()
}

// Always is a test double that accepts every event unconditionally.
type Always struct{}

// Verify implements Verifier.
func (Always) Verify(*nostr.Event) (bool, error) { return true, nil }

// Never is a test double that rejects every event unconditionally.
type Never struct{}

// Verify implements Verifier.
func (Never) Verify(*nostr.Event) (bool, error) { return false, nil }
