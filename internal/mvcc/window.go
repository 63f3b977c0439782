package mvcc

import "sync/atomic"

// Window holds a space's generation counters.
//
// Current advances with every committed change. Oldest advances when
// history is reclaimed and never passes Current. Safe for concurrent use.
type Window struct {
	current atomic.Uint64
	oldest  atomic.Uint64
}

// NewWindow creates a window at generation 0.
func NewWindow() *Window {
	return &Window{}
}

// NewWindowAt creates a window with the given counters. Used when a space
// is rebuilt from a snapshot.
func NewWindowAt(current, oldest uint64) *Window {
	w := &Window{}
	w.current.Store(current)
	w.oldest.Store(min(oldest, current))
	return w
}

// Advance moves to the next generation and returns it.
func (w *Window) Advance() uint64 {
	return w.current.Add(1)
}

// CurrentGeneration returns the current generation.
func (w *Window) CurrentGeneration() uint64 {
	return w.current.Load()
}

// OldestConsistentGeneration returns the oldest generation still served.
func (w *Window) OldestConsistentGeneration() uint64 {
	return w.oldest.Load()
}

// Reclaim moves the oldest generation forward to `to`, clamped to the
// current generation. Requests below the present value are ignored.
// Returns the resulting oldest generation.
func (w *Window) Reclaim(to uint64) uint64 {
	for {
		old := w.oldest.Load()
		target := min(to, w.current.Load())
		if target <= old {
			return old
		}
		if w.oldest.CompareAndSwap(old, target) {
			return target
		}
	}
}

// Retain reclaims everything except the newest n generations, counting the
// current one. Returns the resulting oldest generation.
func (w *Window) Retain(n uint64) uint64 {
	cur := w.current.Load()
	if n == 0 || cur < n {
		return w.oldest.Load()
	}
	return w.Reclaim(cur - n + 1)
}

// JumpTo moves the current generation forward to gen. Lower values are
// ignored. Used when a snapshot taken at gen is installed.
func (w *Window) JumpTo(gen uint64) uint64 {
	for {
		cur := w.current.Load()
		if gen <= cur {
			return cur
		}
		if w.current.CompareAndSwap(cur, gen) {
			return gen
		}
	}
}
