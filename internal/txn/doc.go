// Package txn dispatches transactional and plain operations into every
// replication group of a partition.
//
// Data packets and the transaction's boundary packets travel the same
// append path, so in every group a transaction's data precedes its commit
// or rollback. Open transactions live in an arena of records looked up by
// id; nothing holds a pointer back into the dispatcher.
package txn
