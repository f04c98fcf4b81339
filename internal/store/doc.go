// Package store provides the SQLite-backed local persistence layer.
//
// The store is a namespaced key-value table plus an append-only activity
// log:
//   - kv: (namespace, key) -> opaque bytes, single-key atomic
//   - activity_log: audit lines for completed transactions
//
// Multi-key atomicity is available through Batch, which applies every
// set/delete in one SQLite transaction. Ledger mutations rely on this so
// stock, cash drawer and profit changes land together or not at all.
//
// # Ordering
//
// Keys and Scan return rows ordered by key COLLATE BINARY so iteration is
// deterministic. Callers that need creation order (the sync queue) encode
// a zero-padded sequence number in the key.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
