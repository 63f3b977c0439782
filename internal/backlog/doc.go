// Package backlog implements the per-group replication log and the batch
// layer that ships it.
//
// A Backlog owns the key space of one replication group. The execution
// pipeline is its only writer: Append assigns keys 1, 2, 3... with no gaps,
// and a detected concurrent or out-of-sequence append halts the group.
// Targets acknowledge progress per delivery lane; the low-water mark is the
// oldest key some target still needs, and Trim never discards anything at
// or above it.
//
// # Lanes
//
// A global-order group has one lane and every target sees one total order.
// A multi-bucket group hashes each entry onto one of N lanes. Transaction
// boundary packets belong to every lane, so each lane carries the commit
// after its own share of the transaction's data.
//
// # Batches
//
// A Tracker seals lane slices into a Batch. At most one batch is open per
// (target, lane). A batch completes when every slice has been consumed; the
// completion callback runs exactly once, synchronously with the final
// acknowledgement, and Done is closed afterwards. Abandoned batches leave
// their range in the backlog for re-batching.
//
// # Reliability
//
// Journaled groups (sync, reliable-async) write every append, trim and
// acknowledgement through a Journal. A retention limit blocks Append on
// sync groups and evicts the oldest packets on async groups, flagging any
// target that lost unacknowledged packets for a full resync.
package backlog
