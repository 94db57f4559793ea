// Package harness replays device scenarios against the real store and sync
// engine, with the in-memory remote backend standing in for the server.
//
// A scenario scripts what happens to a capture device over time: punches
// are captured, connectivity comes and goes, the process restarts, the
// server drops acknowledgements. After the steps run, assertions check the
// delivery properties that matter: nothing lost, nothing duplicated,
// capture order kept, synced items swept after the retention window.
//
// # Scenario Format
//
//	name: offline_then_reconnect
//	description: "Punches captured offline survive a restart"
//	steps:
//	  - do: offline
//	  - do: enqueue
//	    labor: L-1
//	    time: "08:00:00"
//	  - do: sync
//	    expect: { skipped: offline }
//	  - do: restart
//	  - do: online
//	  - do: sync
//	    expect: { uploaded: 1 }
//	assertions:
//	  - type: remote_rows
//	    count: 1
//	  - type: upload_order
//	    labors: [L-1]
//
// # Steps
//
//   - enqueue: capture a punch (labor, time, optional date, type, photo)
//   - online, offline: flip device connectivity
//   - restart: close and reopen the local database, new engine
//   - sync: run one pass; optional expect checks the report
//   - fail_upserts: the next count upserts fail
//   - lose_acks: upserts commit but report failure
//   - heal: clear injected failures
//   - advance: move the clock forward by days
//
// # Determinism
//
// The clock starts at 2026-03-02T08:00:00Z and only moves on advance. Pass
// ids come from a sequential generator. The trace carries no hashes or
// timestamps, so golden files can be written by hand.
package harness
