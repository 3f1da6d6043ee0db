package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainEvent prefixes event hashes. The version suffix allows the hashed
// shape to change without ambiguity.
const DomainEvent = "receivables/event/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeHash returns the content hash of an event.
//
// The hash covers the invoice id, version, type, actor, timestamp and
// payload. ID, Seq and ConsensusRef are excluded: they identify where the
// event was stored, not what it says.
func ComputeHash(e Event) (string, error) {
	obj := map[string]any{
		"invoice_id": e.InvoiceID,
		"version":    e.Version,
		"type":       string(e.Type),
		"actor":      e.Actor,
		"timestamp":  FormatTimestamp(e.Timestamp),
		"payload":    e.Payload,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("hash event: %w", err)
	}
	return hashWithDomain(DomainEvent, canonical), nil
}

// Verify recomputes the hash of a stored event and compares it.
func Verify(e Event) error {
	want, err := ComputeHash(e)
	if err != nil {
		return err
	}
	if e.Hash != want {
		return fmt.Errorf("event %s (invoice %s v%d): hash mismatch: stored %s, computed %s",
			e.ID, e.InvoiceID, e.Version, e.Hash, want)
	}
	return nil
}
