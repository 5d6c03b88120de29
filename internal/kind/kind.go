// Package kind classifies Nostr event kinds by their storage and relay
// semantics. It holds no event model of its own — callers pass the plain
// integer kind from github.com/nbd-wtf/go-nostr.
package kind

// Class is the storage/lifecycle category a kind falls into.
type Class int

const (
	// Regular events are stored and addressed by their event id forever.
	Regular Class = iota
	// Replaceable events keep only the newest row per (kind, pubkey).
	Replaceable
	// Addressable events keep only the newest row per (kind, pubkey, d-tag).
	Addressable
	// Ephemeral events are never expected to be stored by relays.
	Ephemeral
)

// Classify returns the storage class for k, per NIP-01's kind ranges.
func Classify(k int) Class {
	switch {
	case k == 0 || k == 3:
		return Replaceable
	case k >= 10000 && k < 20000:
		return Replaceable
	case k >= 20000 && k < 30000:
		return Ephemeral
	case k >= 30000 && k < 40000:
		return Addressable
	default:
		return Regular
	}
}

// IsReplaceable reports whether k's storage identity is (kind, pubkey) or
// (kind, pubkey, d-tag) rather than the event id — i.e. Replaceable or
// Addressable, which are treated identically for identity-rewrite purposes.
func IsReplaceable(k int) bool {
	switch Classify(k) {
	case Replaceable, Addressable:
		return true
	default:
		return false
	}
}

// IsEphemeral reports whether relays are not expected to persist k.
func IsEphemeral(k int) bool {
	return Classify(k) == Ephemeral
}
