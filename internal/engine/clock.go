package engine

import (
	"sync/atomic"

	"github.com/roach88/gridrepl/internal/packet"
)

// Clock is the partition's local sequence. It keys the packets the engine
// applies to its own primary copy; groups assign their own keys.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
// However, the Engine's single-writer design means only one goroutine
// typically calls Next().
type Clock struct {
	seq atomic.Uint64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a new clock starting at a specific sequence number.
func NewClockAt(start packet.Key) *Clock {
	c := &Clock{}
	c.seq.Store(uint64(start))
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() packet.Key {
	return packet.Key(c.seq.Add(1))
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() packet.Key {
	return packet.Key(c.seq.Load())
}
