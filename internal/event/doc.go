// Package event defines the ledger's event records.
//
// An Event is an immutable fact about one invoice. The Payload field is a
// tagged union: every Type has exactly one payload struct, and Decode maps a
// stored type tag back to that struct. Nothing in this package performs I/O;
// the store assigns ids, sequences, versions and hashes at append time.
//
// Hashing uses canonical JSON (sorted keys, NFC strings, no floats) with a
// domain prefix so a stored event can be verified byte-for-byte on replay.
package event
