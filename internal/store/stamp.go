package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/receivables/internal/event"
)

// validateBatch checks that a batch is appendable and returns its invoice id.
func validateBatch(events []event.Event) (string, error) {
	if len(events) == 0 {
		return "", ErrEmptyBatch
	}
	invoiceID := events[0].InvoiceID
	if invoiceID == "" {
		return "", fmt.Errorf("append: event has no invoice id")
	}
	for i, e := range events {
		if e.InvoiceID != invoiceID {
			return "", fmt.Errorf("append: event %d belongs to invoice %s, batch is for %s", i, e.InvoiceID, invoiceID)
		}
		if e.Payload == nil {
			return "", fmt.Errorf("append: event %d has no payload", i)
		}
		if e.Type != e.Payload.EventType() {
			return "", fmt.Errorf("append: event %d type %s does not match payload %s", i, e.Type, e.Payload.EventType())
		}
	}
	return invoiceID, nil
}

// stamp fills storage-assigned fields on a copy of the batch. Versions
// continue from current; timestamps are clamped so they never precede
// lastTS.
func stamp(events []event.Event, current int64, lastTS time.Time, now time.Time) ([]event.Event, error) {
	out := make([]event.Event, len(events))
	prev := lastTS
	for i, e := range events {
		if e.ID == "" {
			e.ID = uuid.Must(uuid.NewV7()).String()
		}
		ts := e.Timestamp
		if ts.IsZero() {
			ts = now
		}
		ts = event.NormalizeTime(ts)
		if ts.Before(prev) {
			ts = prev
		}
		prev = ts
		e.Timestamp = ts
		e.Version = current + int64(i) + 1

		hash, err := event.ComputeHash(e)
		if err != nil {
			return nil, fmt.Errorf("append: %w", err)
		}
		e.Hash = hash
		out[i] = e
	}
	return out, nil
}
