// Package store provides the SQLite-backed local durable store of the
// capture device.
//
// The store holds four collections:
//   - queued_punches: the punch queue. Append-only except for the synced flag
//     and the retention sweep.
//   - face_templates: cached enrolled face descriptors, keyed by labor id.
//   - punch_locations: cached geofence circles, keyed by location id.
//   - settings: key/value cache (lastSyncTime, max_punches_per_day, ...).
//
// A fifth collection, sync_attempts, records per-item upload failures for
// diagnostics. It never gates a retry.
//
// # Guarantees
//
// No loss: an item is removed only when synced and older than the retention
// window. Every write is one transaction, so a crash leaves either the state
// before or the state after the operation.
//
// Queue order: ids come from AUTOINCREMENT and are never reused, so
// ascending id is capture order, including across restarts.
//
// Identity: each item carries a content-addressed idempotency key
// (punch.Key) with a UNIQUE constraint; a double-submitted capture maps to
// the existing item.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Failures are reported as punch.Error with code STORAGE_FAULT.
package store
