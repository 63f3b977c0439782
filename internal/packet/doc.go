// Package packet defines the Operation Packet, the immutable unit that the
// replication core orders, batches and ships.
//
// A packet describes either one data mutation (insert, update, remove) or a
// transaction boundary (prepare, commit, rollback). Data packets name the
// target entry they mutate; boundary packets name only the owning
// transaction and carry no payload.
//
// Sequence keys are assigned by the group backlog on append. Within one
// source the keys of a group are strictly increasing and contiguous,
// starting at 1. Zero means "not yet assigned".
//
// Digest gives every packet a content-addressed fingerprint computed over a
// canonical JSON rendering (sorted keys, NFC-normalised strings, integers
// only) with domain separation. The journal stores it and the transport
// verifies it on receipt.
package packet
