package backlog

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/gridrepl/internal/packet"
)

// Slice is a run of consecutive packets from one lane.
type Slice struct {
	Lane    int
	Packets []packet.Packet
}

// First returns the slice's lowest key.
func (s Slice) First() packet.Key { return s.Packets[0].Key }

// Last returns the slice's highest key.
func (s Slice) Last() packet.Key { return s.Packets[len(s.Packets)-1].Key }

// Completion is handed to a batch's callback when every slice is consumed.
type Completion struct {
	BatchID string
	Group   string
	Target  string
	// LastKey is the highest key the batch carried.
	LastKey packet.Key
	// Lanes holds the final mark of every lane in the batch.
	Lanes []LaneMark
}

type batchState int

const (
	batchOpen batchState = iota
	batchCompleted
	batchAbandoned
)

// Batch is one in-flight delivery unit. Its slices are sealed at Begin and
// never change. Consumed may be called from any goroutine.
type Batch struct {
	id      string
	group   string
	target  string
	slices  []Slice
	tracker *Tracker

	callback func(Completion)
	done     chan struct{}

	mu       sync.Mutex
	state    batchState
	progress []packet.Key
	result   Completion
	err      error
}

// ID returns the batch identifier.
func (b *Batch) ID() string { return b.id }

// Group returns the owning group.
func (b *Batch) Group() string { return b.group }

// Target returns the destination target.
func (b *Batch) Target() string { return b.target }

// Slices returns the sealed lane slices. Callers must not modify them.
func (b *Batch) Slices() []Slice { return b.slices }

// Len returns the number of packet slots across all slices.
func (b *Batch) Len() int {
	n := 0
	for _, s := range b.slices {
		n += len(s.Packets)
	}
	return n
}

// LastKey returns the highest key in the batch.
func (b *Batch) LastKey() packet.Key {
	var last packet.Key
	for _, s := range b.slices {
		last = max(last, s.Last())
	}
	return last
}

// Consumed records that the target processed every key up to lastKey in
// every lane. Progress only moves forward; stale and duplicate calls are
// no-ops. The call that completes the batch runs the callback.
func (b *Batch) Consumed(lastKey packet.Key) {
	b.advance(func(i int) packet.Key { return lastKey })
}

// ConsumedLane is Consumed for a single lane.
func (b *Batch) ConsumedLane(lane int, lastKey packet.Key) {
	b.advance(func(i int) packet.Key {
		if b.slices[i].Lane != lane {
			return packet.None
		}
		return lastKey
	})
}

func (b *Batch) advance(markFor func(i int) packet.Key) {
	b.mu.Lock()
	if b.state != batchOpen {
		b.mu.Unlock()
		return
	}
	complete := true
	for i, s := range b.slices {
		if k := min(markFor(i), s.Last()); k > b.progress[i] {
			b.progress[i] = k
		}
		if b.progress[i] < s.Last() {
			complete = false
		}
	}
	if !complete {
		b.mu.Unlock()
		return
	}

	b.state = batchCompleted
	b.result = Completion{
		BatchID: b.id,
		Group:   b.group,
		Target:  b.target,
		LastKey: b.LastKey(),
		Lanes:   b.marksLocked(),
	}
	result := b.result
	b.mu.Unlock()

	if b.callback != nil {
		b.callback(result)
	}
	b.tracker.release(b)
	close(b.done)
}

// Abandon gives the batch up after a delivery failure. No callback runs and
// the range stays in the backlog. Returns false if the batch had already
// completed or been abandoned.
func (b *Batch) Abandon(cause error) bool {
	b.mu.Lock()
	if b.state != batchOpen {
		b.mu.Unlock()
		return false
	}
	b.state = batchAbandoned
	b.err = &Error{
		Code:    CodeAbandoned,
		Message: fmt.Sprintf("batch %s abandoned", b.id),
		Group:   b.group,
		Target:  b.target,
		Err:     cause,
	}
	b.mu.Unlock()

	b.tracker.release(b)
	close(b.done)
	return true
}

// Progress returns the consumed mark of every lane slice.
func (b *Batch) Progress() []LaneMark {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.marksLocked()
}

func (b *Batch) marksLocked() []LaneMark {
	marks := make([]LaneMark, len(b.slices))
	for i, s := range b.slices {
		marks[i] = LaneMark{Lane: s.Lane, Key: b.progress[i]}
	}
	return marks
}

// Done is closed once the batch has completed or been abandoned.
func (b *Batch) Done() <-chan struct{} { return b.done }

// Wait blocks until the batch settles and returns its completion, or the
// abandonment error.
func (b *Batch) Wait(ctx context.Context) (Completion, error) {
	select {
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	case <-b.done:
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.result, b.err
}
