// Package target is the reference apply path of a replica.
//
// A Replica stores entries in an ordered skip map, one version chain per
// entry, each version stamped with the generation that produced it. It
// consumes envelopes lane by lane, dropping keys it has already applied,
// classifies every data packet with a conflict.Resolver and lets the
// group's Policy decide between overwriting, skipping and escalating.
//
// Transactional data is buffered until its commit has arrived on every
// lane of the group; a rollback voids the buffer. Reads name a generation
// and are checked with an mvcc.Guard, so a read bound to reclaimed history
// fails with GENERATION_EXPIRED instead of returning a torn view.
package target
