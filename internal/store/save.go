package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/nbd-wtf/go-nostr"
)

// Save ingests events, verifying signatures, rewriting replaceable identity,
// indexing tags and the supplying relays, and reports the set of primary
// keys whose row was newly inserted or modified.
//
// relaysForID maps an event's wire id (not its storage identity) to the set
// of relay URLs that supplied it; it may be nil or incomplete (e.g. for
// LocalSave, where no relay supplied the event).
func (s *Store) Save(events []*nostr.Event, relaysForID map[string][]string) (map[string]bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	materialized := make(map[string]bool)

	for _, evt := range events {
		if !s.SkipVerification {
			ok, verr := s.verifier.Verify(evt)
			if verr != nil || !ok {
				slog.Warn("event failed signature verification; dropped", "event_id", evt.ID, "error", verr)
				continue
			}
		}

		identity := storageIdentity(evt)

		var existingCreatedAt int64
		row := tx.QueryRow(`SELECT strftime('%s', created_at) FROM events WHERE id = ?`, identity)
		lookupErr := row.Scan(&existingCreatedAt)
		if lookupErr != nil && lookupErr != sql.ErrNoRows {
			return nil, fmt.Errorf("store: lookup existing: %w", lookupErr)
		}
		if lookupErr == nil && existingCreatedAt >= int64(evt.CreatedAt) {
			// Not strictly newer: a no-op, per the replaceable tie-breaking
			// decision recorded in DESIGN.md.
			continue
		}

		blob, err := encodeBlob(evt, s.KeepSignatures)
		if err != nil {
			return nil, fmt.Errorf("store: encode blob: %w", err)
		}

		res, err := tx.Exec(
			`INSERT OR REPLACE INTO events (id, pubkey, kind, created_at, blob) VALUES (?, ?, ?, datetime(?, 'unixepoch'), ?)`,
			identity, evt.PubKey, evt.Kind, int64(evt.CreatedAt), blob,
		)
		if err != nil {
			return nil, fmt.Errorf("store: insert event: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("store: rows affected: %w", err)
		}
		if n > 0 {
			materialized[identity] = true
		}

		for _, tag := range evt.Tags {
			if len(tag) < 2 || len(tag[0]) != 1 {
				continue
			}
			value := fmt.Sprintf("%s:%s", tag[0], tag[1])
			if _, err := tx.Exec(
				`INSERT OR REPLACE INTO event_tags (event_id, value, is_relay) VALUES (?, ?, 0)`,
				identity, value,
			); err != nil {
				return nil, fmt.Errorf("store: insert tag: %w", err)
			}
		}
		for _, relayURL := range relaysForID[evt.ID] {
			if _, err := tx.Exec(
				`INSERT OR REPLACE INTO event_tags (event_id, value, is_relay) VALUES (?, ?, 1)`,
				identity, relayURL,
			); err != nil {
				return nil, fmt.Errorf("store: insert relay tag: %w", err)
			}
		}

		// events_fts is kept in lockstep with events inside this same
		// transaction (DESIGN.md's Open Question decision): delete any prior
		// row for this identity first since INSERT OR REPLACE on `events`
		// does not cascade into the unrelated FTS5 table.
		if _, err := tx.Exec(`DELETE FROM events_fts WHERE event_id = ?`, identity); err != nil {
			return nil, fmt.Errorf("store: delete fts row: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO events_fts (event_id, content) VALUES (?, ?)`,
			identity, evt.Content,
		); err != nil {
			return nil, fmt.Errorf("store: insert fts row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return materialized, nil
}
