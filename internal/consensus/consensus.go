// Package consensus publishes ledger events to an ordered, externally
// timestamped topic and keeps the local event log as a mirror of it.
//
// In consensus mode the topic is authoritative: an event is published
// first, takes its timestamp from the topic, and only then is written to
// the local mirror. The engine sees a plain store.Log either way.
package consensus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/receivables/internal/event"
)

// SequenceRef locates a message on a topic.
type SequenceRef struct {
	Topic       string    `json:"topic"`
	Sequence    int64     `json:"sequence"`
	RunningHash string    `json:"running_hash"`
	ConsensusAt time.Time `json:"consensus_at"`
}

// String renders the ref as topic@sequence, the form stored on events.
func (r SequenceRef) String() string {
	return fmt.Sprintf("%s@%d", r.Topic, r.Sequence)
}

// Message is a published event with its position.
type Message struct {
	Ref   SequenceRef `json:"ref"`
	Event event.Event `json:"event"`
}

// Log is the consensus service the mirror depends on.
type Log interface {
	Publish(ctx context.Context, evt event.Event) (SequenceRef, error)
	Messages(ctx context.Context, afterSeq int64) ([]Message, error)
}

// Topic is an in-process consensus log. Each message extends a running
// SHA-256 hash over the previous hash and the message's canonical bytes,
// and consensus timestamps strictly increase.
type Topic struct {
	mu       sync.Mutex
	id       string
	messages []Message
	running  []byte
	last     time.Time
	now      func() time.Time
}

var _ Log = (*Topic)(nil)

// TopicOption configures a Topic.
type TopicOption func(*Topic)

// WithNow sets the topic's time source.
func WithNow(now func() time.Time) TopicOption {
	return func(t *Topic) { t.now = now }
}

// NewTopic creates an empty topic.
func NewTopic(id string, opts ...TopicOption) *Topic {
	t := &Topic{id: id, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ID returns the topic identifier.
func (t *Topic) ID() string { return t.id }

func (t *Topic) Publish(ctx context.Context, evt event.Event) (SequenceRef, error) {
	if err := ctx.Err(); err != nil {
		return SequenceRef{}, err
	}
	body, err := event.MarshalCanonical(map[string]any{
		"id":         evt.ID,
		"invoice_id": evt.InvoiceID,
		"type":       string(evt.Type),
		"actor":      evt.Actor,
		"payload":    evt.Payload,
	})
	if err != nil {
		return SequenceRef{}, fmt.Errorf("publish: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	at := event.NormalizeTime(t.now())
	if !at.After(t.last) {
		at = t.last.Add(time.Millisecond)
	}
	t.last = at

	h := sha256.New()
	h.Write(t.running)
	h.Write(body)
	t.running = h.Sum(nil)

	ref := SequenceRef{
		Topic:       t.id,
		Sequence:    int64(len(t.messages)) + 1,
		RunningHash: hex.EncodeToString(t.running),
		ConsensusAt: at,
	}
	evt.Timestamp = at
	evt.ConsensusRef = ref.String()
	t.messages = append(t.messages, Message{Ref: ref, Event: evt})
	return ref, nil
}

func (t *Topic) Messages(ctx context.Context, afterSeq int64) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(t.messages)) {
		return []Message{}, nil
	}
	return append([]Message{}, t.messages[afterSeq:]...), nil
}
