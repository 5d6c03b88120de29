package store

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrworker/nostrworker/internal/kind"
)

// storageIdentity computes the primary key under which evt is stored: the
// synthetic "<kind>:<pubkey>:<d>" key for replaceable and addressable
// kinds, or the event id otherwise.
func storageIdentity(evt *nostr.Event) string {
	if !kind.IsReplaceable(evt.Kind) {
		return evt.ID
	}
	d := firstTagValue(evt.Tags, "d")
	return fmt.Sprintf("%d:%s:%s", evt.Kind, evt.PubKey, d)
}

// firstTagValue returns the first value of the first tag whose key matches,
// or "" if no such tag exists.
func firstTagValue(tags nostr.Tags, key string) string {
	for _, tag := range tags {
		if len(tag) >= 1 && tag[0] == key {
			if len(tag) >= 2 {
				return tag[1]
			}
			return ""
		}
	}
	return ""
}
