// Package harness runs replication scenarios against an in-memory grid.
//
// A scenario declares a topology, a sequence of steps and assertions on
// the final state. The harness builds the engine with a primary copy, one
// replica per target behind a loopback transport, a delivery worker per
// group and target, and an in-memory SQLite journal.
//
// # Scenario Format
//
//	name: resync_after_partition
//	description: "A partitioned target is resynchronised from a snapshot"
//	manual_trim: false
//	groups:
//	  - name: orders
//	    retention_limit: 2
//	    targets: [{name: r1}]
//	steps:
//	  - apply: {op: insert, entry: a, value: "1"}
//	  - partition: {target: r1}
//	  - deliver: {group: orders, target: r1}
//	    expect: {outcome: failed}
//	  - heal: {target: r1}
//	  - deliver: {group: orders, target: r1}
//	  - read: {target: r1, entry: a}
//	    expect: {outcome: found, value: "1"}
//	assertions:
//	  - type: entry
//	    target: r1
//	    entry: a
//	    value: "1"
//	  - type: trace_count
//	    kind: resync
//	    count: 1
//
// Steps without an expect clause must succeed. Deliver steps drain the
// worker until the backlog is exhausted or the first failure.
//
// # Assertion Types
//
//   - entry: a replica's entry has a value (and version), or is absent
//   - entries: a replica's live entry count
//   - marks: a target's acknowledged per-lane marks
//   - backlog: a group's high key, floor and length
//   - stats: a replica's apply counters
//   - trace_count: number of trace events of a kind
//   - journal: number of journaled packets of a group
//
// # Deterministic Testing
//
// Transaction ids are tx-1, tx-2, ... in Begin order and packet timestamps
// come from testutil.DeterministicClock, so the rendered trace of a
// scenario is identical across runs and can be compared with goldie.
package harness
