package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/receivables/internal/event"
)

// Append writes a batch of events for one invoice in a single transaction.
//
// When expectedVersion is not AnyVersion and differs from the invoice's
// current version, nothing is written and a *ConflictError is returned. A
// UNIQUE violation on (invoice_id, version), which means another process
// appended concurrently, is reported the same way.
func (s *Store) Append(ctx context.Context, expectedVersion int64, events ...event.Event) ([]event.Event, error) {
	invoiceID, err := validateBatch(events)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("append: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	current, lastTS, err := streamHead(ctx, tx, invoiceID)
	if err != nil {
		return nil, err
	}
	if expectedVersion != AnyVersion && expectedVersion != current {
		return nil, &ConflictError{InvoiceID: invoiceID, Expected: expectedVersion, Actual: current}
	}

	stamped, err := stamp(events, current, lastTS, time.Now())
	if err != nil {
		return nil, err
	}

	for i := range stamped {
		e := &stamped[i]
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("append: marshal %s payload: %w", e.Type, err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO events
			(id, invoice_id, version, type, actor, ts, payload, hash, consensus_ref)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			e.ID,
			e.InvoiceID,
			e.Version,
			string(e.Type),
			e.Actor,
			event.FormatTimestamp(e.Timestamp),
			string(payload),
			e.Hash,
			e.ConsensusRef,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, &ConflictError{InvoiceID: invoiceID, Expected: expectedVersion, Actual: current}
			}
			return nil, fmt.Errorf("append: insert event: %w", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("append: last insert id: %w", err)
		}
		e.Seq = seq
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("append: commit: %w", err)
	}
	return stamped, nil
}

// streamHead returns the invoice's current version and latest timestamp.
func streamHead(ctx context.Context, tx *sql.Tx, invoiceID string) (int64, time.Time, error) {
	var version int64
	var ts sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0), MAX(ts)
		FROM events
		WHERE invoice_id = ?
	`, invoiceID).Scan(&version, &ts)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("append: read stream head: %w", err)
	}
	if !ts.Valid {
		return version, time.Time{}, nil
	}
	last, err := event.ParseTimestamp(ts.String)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("append: %w", err)
	}
	return version, last, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
