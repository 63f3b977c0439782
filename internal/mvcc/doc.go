// Package mvcc guards reads against generations whose history has been
// reclaimed.
//
// A target space keeps a current generation counter and the oldest
// generation it can still serve consistently. Both only move forward.
// Guard compares a read's generation against the oldest one; Window is the
// reference implementation of the two counters.
package mvcc
