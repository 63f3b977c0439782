// Package delivery ships backlog batches to targets.
//
// A Worker serves one (group, target) pair. Each round it seals the next
// batch of every free lane, sends it, and feeds the ack back into the
// batch; a completed batch acknowledges the backlog and may trim it.
// Transport failures abandon the batch and are retried with exponential
// backoff. A target that fell behind the backlog floor is brought back
// through a Resyncer before delivery resumes.
//
// A Fleet runs a set of workers until the first one fails or the context
// ends.
package delivery
