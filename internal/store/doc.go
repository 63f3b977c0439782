// Package store provides the SQLite-backed journal for replication
// backlogs.
//
// The journal keeps, per group:
//   - Packets: every retained packet, keyed by its sequence key
//   - Floors: the oldest retained key (the trim point)
//   - Acks: each target's acknowledged key per delivery lane
//   - Resync: targets waiting for a full state transfer
//
// Packets are stored as msgpack with their canonical digest next to them.
// LoadGroup verifies every digest and rejects a journal with a gap, so a
// restored backlog continues the same key space it left off.
//
// The database runs in WAL mode with synchronous=NORMAL. A crash may lose
// the last few commits but never reorders them.
package store
