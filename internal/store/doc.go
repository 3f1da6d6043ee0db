// Package store provides the append-only event log for the receivables
// ledger.
//
// Two implementations satisfy Log: Store (SQLite, durable) and Memory
// (process-local, for tests and demos). Both guarantee:
//
//   - Append is atomic: all events in one call are written or none are.
//   - Append checks the caller's expected version and fails with a
//     *ConflictError when another writer got there first.
//   - Versions are contiguous per invoice, starting at 1.
//   - Timestamps never go backwards within one invoice, so timestamp
//     order and version order agree.
//   - Query yields events ordered by (timestamp, seq), pages lazily, and
//     stops at the last sequence that existed when iteration began.
//
// There is no update or delete.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - _txlock=immediate: writers take the lock at BEGIN, so the version
//     check and the insert see the same snapshot
package store
