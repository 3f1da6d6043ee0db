package store

import (
	"cmp"
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/roach88/receivables/internal/event"
)

// Memory is a process-local Log. It has the same ordering, versioning and
// conflict semantics as Store.
type Memory struct {
	mu     sync.RWMutex
	events []event.Event
	heads  map[string]int64
	lastTS map[string]time.Time
	order  []string
	now    func() time.Time
}

var _ Log = (*Memory)(nil)

// NewMemory creates an empty in-memory log.
func NewMemory() *Memory {
	return &Memory{
		heads:  make(map[string]int64),
		lastTS: make(map[string]time.Time),
		now:    time.Now,
	}
}

func (m *Memory) Append(ctx context.Context, expectedVersion int64, events ...event.Event) ([]event.Event, error) {
	invoiceID, err := validateBatch(events)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.heads[invoiceID]
	if expectedVersion != AnyVersion && expectedVersion != current {
		return nil, &ConflictError{InvoiceID: invoiceID, Expected: expectedVersion, Actual: current}
	}

	stamped, err := stamp(events, current, m.lastTS[invoiceID], m.now())
	if err != nil {
		return nil, err
	}
	for i := range stamped {
		stamped[i].Seq = int64(len(m.events)) + 1
		m.events = append(m.events, stamped[i])
	}
	if current == 0 {
		m.order = append(m.order, invoiceID)
	}
	m.heads[invoiceID] = stamped[len(stamped)-1].Version
	m.lastTS[invoiceID] = stamped[len(stamped)-1].Timestamp
	return stamped, nil
}

// Query snapshots the matching events when iteration starts.
func (m *Memory) Query(ctx context.Context, f event.Filter) iter.Seq2[event.Event, error] {
	return func(yield func(event.Event, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(event.Event{}, err)
			return
		}

		m.mu.RLock()
		matched := make([]event.Event, 0)
		for _, e := range m.events {
			if f.Match(e) {
				matched = append(matched, e)
			}
		}
		m.mu.RUnlock()

		slices.SortStableFunc(matched, func(a, b event.Event) int {
			if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
				return c
			}
			return cmp.Compare(a.Seq, b.Seq)
		})

		for i, e := range matched {
			if f.Limit > 0 && i >= f.Limit {
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (m *Memory) Version(_ context.Context, invoiceID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.heads[invoiceID], nil
}

func (m *Memory) InvoiceIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string{}, m.order...), nil
}

func (m *Memory) LastSeq(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.events)), nil
}
