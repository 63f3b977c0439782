package engine

import (
	"sync"

	"github.com/roach88/gridrepl/internal/packet"
	"github.com/roach88/gridrepl/internal/transport"
)

// EventType distinguishes between event kinds.
type EventType int

const (
	// EventTypeMutation carries a mutation to dispatch.
	EventTypeMutation EventType = iota + 1
	// EventTypeSnapshot asks for a snapshot of the primary copy.
	EventTypeSnapshot
)

// Event is one unit of work for the Run loop. Reply, when set, receives
// exactly one Outcome.
type Event struct {
	Type     EventType
	Mutation *Mutation
	Group    string
	Reply    chan<- Outcome
}

// Outcome is the Run loop's answer to an event.
type Outcome struct {
	Result   Result
	Snapshot transport.Snapshot
	Key      packet.Key
	Err      error
}

// eventQueue is a thread-safe FIFO queue for events.
//
// Thread-safety is provided for external enqueuing (e.g., HTTP handlers)
// while the Engine's Run loop dequeues.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // Signals event availability (buffered, size 1)
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking: a buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (Event{}, false) if queue is empty.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]
	// Nil out the slot so the mutation and reply channel can be collected.
	q.events[0] = Event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close signals that no more events will be enqueued and returns the
// events still waiting. Wakes any blocked waiters by closing the signal
// channel.
func (q *eventQueue) Close() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}

	q.closed = true
	close(q.signal)
	rest := q.events
	q.events = nil
	return rest
}
