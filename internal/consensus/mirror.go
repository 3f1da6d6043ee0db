package consensus

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/receivables/internal/event"
	"github.com/roach88/receivables/internal/store"
)

// MirroredLog is a store.Log that publishes every event to a consensus
// topic before writing it to a local mirror. Reads are served from the
// mirror.
type MirroredLog struct {
	mu     sync.Mutex
	topic  Log
	mirror store.Log
	logger *slog.Logger
}

var _ store.Log = (*MirroredLog)(nil)

// NewMirroredLog wraps mirror so that appends go through topic first.
func NewMirroredLog(topic Log, mirror store.Log, logger *slog.Logger) *MirroredLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &MirroredLog{topic: topic, mirror: mirror, logger: logger}
}

// Append publishes each event, stamps it with the consensus timestamp and
// reference, then appends the batch to the mirror.
//
// If the mirror write fails after publishing, the topic already holds the
// events; Resync brings the mirror back in line.
func (m *MirroredLog) Append(ctx context.Context, expectedVersion int64, events ...event.Event) ([]event.Event, error) {
	if len(events) == 0 {
		return nil, store.ErrEmptyBatch
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	invoiceID := events[0].InvoiceID
	current, err := m.mirror.Version(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if expectedVersion != store.AnyVersion && expectedVersion != current {
		return nil, &store.ConflictError{InvoiceID: invoiceID, Expected: expectedVersion, Actual: current}
	}

	published := make([]event.Event, len(events))
	for i, e := range events {
		if e.ID == "" {
			e.ID = uuid.Must(uuid.NewV7()).String()
		}
		ref, err := m.topic.Publish(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("publish %s: %w", e.Type, err)
		}
		e.Timestamp = ref.ConsensusAt
		e.ConsensusRef = ref.String()
		published[i] = e
	}

	stored, err := m.mirror.Append(ctx, current, published...)
	if err != nil {
		m.logger.Error("mirror append failed after publish", "invoice_id", invoiceID, "events", len(published), "error", err)
		return nil, fmt.Errorf("mirror append: %w", err)
	}
	return stored, nil
}

func (m *MirroredLog) Query(ctx context.Context, f event.Filter) iter.Seq2[event.Event, error] {
	return m.mirror.Query(ctx, f)
}

func (m *MirroredLog) Version(ctx context.Context, invoiceID string) (int64, error) {
	return m.mirror.Version(ctx, invoiceID)
}

func (m *MirroredLog) InvoiceIDs(ctx context.Context) ([]string, error) {
	return m.mirror.InvoiceIDs(ctx)
}

func (m *MirroredLog) LastSeq(ctx context.Context) (int64, error) {
	return m.mirror.LastSeq(ctx)
}

// Resync appends to the mirror every topic message it is missing, in
// topic order. It returns the number of events written.
func (m *MirroredLog) Resync(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	have := make(map[string]bool)
	for e, err := range m.mirror.Query(ctx, event.Filter{}) {
		if err != nil {
			return 0, err
		}
		have[e.ID] = true
	}

	messages, err := m.topic.Messages(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("resync: read topic: %w", err)
	}

	written := 0
	for _, msg := range messages {
		if have[msg.Event.ID] {
			continue
		}
		if _, err := m.mirror.Append(ctx, store.AnyVersion, msg.Event); err != nil {
			return written, fmt.Errorf("resync: append %s: %w", msg.Event.ID, err)
		}
		written++
	}
	if written > 0 {
		m.logger.Info("mirror resynced", "events", written)
	}
	return written, nil
}
