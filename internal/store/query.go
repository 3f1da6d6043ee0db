package store

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"strings"

	"github.com/roach88/receivables/internal/event"
)

// PageSize is the number of rows fetched per round trip by Query.
const PageSize = 200

// Query returns a lazy, restartable sequence of events matching f.
//
// Each iteration captures the highest sequence at its start and never
// yields events appended afterwards, so a scan always terminates. Rows are
// read in pages; no database rows are held open while the caller's loop
// body runs, so the body may itself use the store.
func (s *Store) Query(ctx context.Context, f event.Filter) iter.Seq2[event.Event, error] {
	return func(yield func(event.Event, error) bool) {
		bound, err := s.LastSeq(ctx)
		if err != nil {
			yield(event.Event{}, err)
			return
		}

		var cursor *event.Event
		emitted := 0
		for {
			page, err := s.queryPage(ctx, f, bound, cursor)
			if err != nil {
				yield(event.Event{}, err)
				return
			}
			for i := range page {
				if !yield(page[i], nil) {
					return
				}
				emitted++
				if f.Limit > 0 && emitted >= f.Limit {
					return
				}
			}
			if len(page) < PageSize {
				return
			}
			cursor = &page[len(page)-1]
		}
	}
}

// queryPage reads one page after the (ts, seq) keyset cursor.
func (s *Store) queryPage(ctx context.Context, f event.Filter, bound int64, cursor *event.Event) ([]event.Event, error) {
	where := []string{"seq <= ?"}
	args := []any{bound}
	if f.InvoiceID != "" {
		where = append(where, "invoice_id = ?")
		args = append(args, f.InvoiceID)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.After > 0 {
		where = append(where, "seq > ?")
		args = append(args, f.After)
	}
	if cursor != nil {
		ts := event.FormatTimestamp(cursor.Timestamp)
		where = append(where, "(ts > ? OR (ts = ? AND seq > ?))")
		args = append(args, ts, ts, cursor.Seq)
	}
	args = append(args, PageSize)

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, invoice_id, version, type, actor, ts, payload, hash, consensus_ref
		FROM events
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY ts ASC, seq ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	page := []event.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return page, nil
}

func scanEvent(rows *sql.Rows) (event.Event, error) {
	var (
		e       event.Event
		typ     string
		ts      string
		payload string
	)
	if err := rows.Scan(&e.Seq, &e.ID, &e.InvoiceID, &e.Version, &typ, &e.Actor, &ts, &payload, &e.Hash, &e.ConsensusRef); err != nil {
		return event.Event{}, fmt.Errorf("scan event: %w", err)
	}
	e.Type = event.Type(typ)

	t, err := event.ParseTimestamp(ts)
	if err != nil {
		return event.Event{}, fmt.Errorf("scan event %s: %w", e.ID, err)
	}
	e.Timestamp = t

	p, err := event.Decode(e.Type, []byte(payload))
	if err != nil {
		return event.Event{}, fmt.Errorf("scan event %s: %w", e.ID, err)
	}
	e.Payload = p
	return e, nil
}

// Version returns the invoice's last version, 0 if it has no events.
func (s *Store) Version(ctx context.Context, invoiceID string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM events WHERE invoice_id = ?
	`, invoiceID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	return v, nil
}

// InvoiceIDs returns distinct invoice ids ordered by their first event.
//
// Returns an empty slice (not nil) for an empty log.
func (s *Store) InvoiceIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT invoice_id
		FROM events
		GROUP BY invoice_id
		ORDER BY MIN(seq) ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list invoice ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan invoice id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invoice ids: %w", err)
	}
	return ids, nil
}

// LastSeq returns the highest global sequence, 0 for an empty log.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("read last seq: %w", err)
	}
	return seq, nil
}

// Collect drains a query into a slice, stopping at the first error.
// Returns an empty slice (not nil) when nothing matches.
func Collect(seq iter.Seq2[event.Event, error]) ([]event.Event, error) {
	out := []event.Event{}
	for e, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Load returns every event of one invoice in stream order.
func Load(ctx context.Context, log Log, invoiceID string) ([]event.Event, error) {
	return Collect(log.Query(ctx, event.Filter{InvoiceID: invoiceID}))
}
