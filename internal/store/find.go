package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// Find translates each request's filters to SQL, runs them, and decodes the
// matching rows. The `search` filter field is translated
// into an events_fts MATCH subquery — see DESIGN.md's Open Question decision.
func (s *Store) Find(requests map[string][]nostr.Filter) (map[string][]*nostr.Event, error) {
	results := make(map[string][]*nostr.Event, len(requests))
	for reqID, filters := range requests {
		events, err := s.findOne(filters)
		if err != nil {
			return nil, fmt.Errorf("store: find %s: %w", reqID, err)
		}
		results[reqID] = events
	}
	return results, nil
}

func (s *Store) findOne(filters []nostr.Filter) ([]*nostr.Event, error) {
	if len(filters) == 0 {
		return nil, nil
	}

	var unionParts []string
	var args []any
	limit := 0
	for _, f := range filters {
		where, fargs := filterToWhere(f)
		unionParts = append(unionParts, "SELECT id FROM events WHERE "+where)
		args = append(args, fargs...)
		if f.Limit > limit {
			limit = f.Limit
		}
	}

	query := fmt.Sprintf(
		`SELECT id, pubkey, kind, strftime('%%s', created_at), blob FROM events
		 WHERE id IN (%s)
		 ORDER BY created_at DESC`,
		strings.Join(unionParts, " UNION "),
	)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*nostr.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (*nostr.Event, error) {
	var id, pubkey string
	var k int
	var createdAt int64
	var blob []byte
	if err := rows.Scan(&id, &pubkey, &k, &createdAt, &blob); err != nil {
		return nil, err
	}
	content, tags, sig, err := decodeBlob(blob)
	if err != nil {
		return nil, fmt.Errorf("store: decode blob for %s: %w", id, err)
	}
	return &nostr.Event{
		ID:        id,
		PubKey:    pubkey,
		Kind:      k,
		CreatedAt: nostr.Timestamp(createdAt),
		Content:   content,
		Tags:      tags,
		Sig:       sig,
	}, nil
}

// filterToWhere translates one nostr.Filter into a SQL WHERE clause body
// and its positional arguments. Set-valued fields become IN (...) clauses;
// tag entries become EXISTS-style subqueries ANDed together (OR within one
// tag key is expressed by multiple values in one IN list).
func filterToWhere(f nostr.Filter) (string, []any) {
	var clauses []string
	var args []any

	if len(f.IDs) > 0 {
		clauses = append(clauses, "id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if len(f.Kinds) > 0 {
		clauses = append(clauses, "kind IN ("+placeholders(len(f.Kinds))+")")
		for _, k := range f.Kinds {
			args = append(args, k)
		}
	}
	if len(f.Authors) > 0 {
		clauses = append(clauses, "pubkey IN ("+placeholders(len(f.Authors))+")")
		for _, a := range f.Authors {
			args = append(args, a)
		}
	}
	for tagKey, values := range f.Tags {
		if len(tagKey) != 1 || len(values) == 0 {
			continue
		}
		composite := make([]any, len(values))
		for i, v := range values {
			composite[i] = tagKey + ":" + v
		}
		clauses = append(clauses, fmt.Sprintf(
			"id IN (SELECT event_id FROM event_tags WHERE value IN (%s))", placeholders(len(composite))))
		args = append(args, composite...)
	}
	if f.Since != nil {
		clauses = append(clauses, "created_at > datetime(?, 'unixepoch')")
		args = append(args, int64(*f.Since))
	}
	if f.Until != nil {
		clauses = append(clauses, "created_at < datetime(?, 'unixepoch')")
		args = append(args, int64(*f.Until))
	}
	if f.Search != "" {
		clauses = append(clauses, "id IN (SELECT event_id FROM events_fts WHERE events_fts MATCH ?)")
		args = append(args, f.Search)
	}

	if len(clauses) == 0 {
		return "1=1", args
	}
	return strings.Join(clauses, " AND "), args
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
