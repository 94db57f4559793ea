// Package engine implements the sync engine of the capture device.
//
// A pass moves the local punch queue to the remote backend and refreshes
// the local caches from it:
//
//  1. Upload: every unsynced item, ascending local id (capture order).
//     Photo upload, then record upsert keyed by the idempotency key, then
//     update_daily_attendance, then mark synced locally, then the laborer
//     last-sync stamp. Only a failed upsert fails the item.
//  2. Download: face templates, punch locations and remote settings, each
//     refreshed independently of the others.
//  3. Retention: synced items older than seven days are deleted.
//  4. lastSyncTime is recorded.
//
// An item is marked synced only after the remote acknowledged its upsert.
// When the acknowledgement is lost the item is uploaded again on the next
// pass; the remote unique constraint on the key makes that a no-op. This is
// at-least-once delivery with an idempotent effect.
//
// Single flight: one Engine runs at most one pass at a time. Overlapping
// SyncAll calls are dropped, not queued. An optional Lease extends the
// guarantee to several processes sharing one store.
//
// Failures never abort a pass. A failed item is logged, counted in
// sync_attempts and retried on every later pass without limit.
package engine
