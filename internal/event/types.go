package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type tags an event and selects its payload struct.
type Type string

const (
	TypeInvoiceCreated   Type = "INVOICE_CREATED"
	TypeInvoiceListed    Type = "INVOICE_LISTED"
	TypeInvestmentMade   Type = "INVESTMENT_MADE"
	TypeInvoiceFunded    Type = "INVOICE_FUNDED"
	TypePaymentRecorded  Type = "PAYMENT_RECORDED"
	TypeInvoicePaid      Type = "INVOICE_PAID"
	TypeInvoiceDefaulted Type = "INVOICE_DEFAULTED"
	TypeInvoiceCancelled Type = "INVOICE_CANCELLED"
	TypeBondPosted       Type = "BOND_POSTED"
	TypeDocUploaded      Type = "DOC_UPLOADED"
	TypeBuyerAck         Type = "BUYER_ACK"
	TypeAttesterSign     Type = "ATTESTER_SIGN"
)

// Types lists every known event type in declaration order.
var Types = []Type{
	TypeInvoiceCreated,
	TypeInvoiceListed,
	TypeInvestmentMade,
	TypeInvoiceFunded,
	TypePaymentRecorded,
	TypeInvoicePaid,
	TypeInvoiceDefaulted,
	TypeInvoiceCancelled,
	TypeBondPosted,
	TypeDocUploaded,
	TypeBuyerAck,
	TypeAttesterSign,
}

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	_, ok := decoders[t]
	return ok
}

// TimestampLayout is the fixed-width UTC layout used for stored timestamps.
// Fixed width keeps lexical and chronological order identical.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Event is one immutable ledger entry.
//
// ID, Seq, Version, Timestamp and Hash are assigned by the event log when
// the event is appended. Seq is the global insertion sequence; Version is
// the 1-based position of the event within its invoice's stream.
type Event struct {
	ID           string    `json:"id"`
	Seq          int64     `json:"seq"`
	Version      int64     `json:"version"`
	Type         Type      `json:"type"`
	InvoiceID    string    `json:"invoice_id"`
	Actor        string    `json:"actor"`
	Timestamp    time.Time `json:"timestamp"`
	Payload      Payload   `json:"payload"`
	Hash         string    `json:"hash,omitempty"`
	ConsensusRef string    `json:"consensus_ref,omitempty"`
}

// New builds an unsaved event whose Type is taken from the payload.
func New(invoiceID, actor string, p Payload) Event {
	return Event{
		Type:      p.EventType(),
		InvoiceID: invoiceID,
		Actor:     actor,
		Payload:   p,
	}
}

// UnmarshalJSON decodes the payload according to the type tag.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	var raw struct {
		alias
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Event(raw.alias)
	p, err := Decode(e.Type, raw.Payload)
	if err != nil {
		return err
	}
	e.Payload = p
	return nil
}

// Filter selects events from the log.
//
// After is an exclusive global sequence cursor. Zero values mean "any".
type Filter struct {
	InvoiceID string
	Type      Type
	After     int64
	Limit     int
}

// Match reports whether e passes the filter, ignoring Limit.
func (f Filter) Match(e Event) bool {
	if f.InvoiceID != "" && e.InvoiceID != f.InvoiceID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	return e.Seq > f.After
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a stored timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// NormalizeTime truncates t to millisecond precision in UTC, the resolution
// the log stores.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
