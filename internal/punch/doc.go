// Package punch defines the domain types shared by the punch capture and
// synchronization packages.
//
// A punch is a single clock-in (login) or clock-out (logout) event for a
// laborer. Punches are captured on the device, admitted by the admission gate,
// queued in the local store and uploaded by the sync engine.
//
// # Identity
//
// Every queued punch carries two identities:
//   - ID: the local sequence id assigned by the store. Monotonic, defines
//     capture order and upload order. Never leaves the device.
//   - Key: a content-addressed idempotency key computed from
//     (labor_id, date, time, type). The remote backend enforces uniqueness on
//     it, so a punch uploaded twice (e.g. after a lost acknowledgement) still
//     produces a single remote row.
//
// Keys are SHA-256 digests of RFC 8785 canonical JSON with domain separation,
// see Key and MarshalCanonical.
package punch
