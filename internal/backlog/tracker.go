package backlog

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/gridrepl/internal/packet"
)

type laneKey struct {
	target string
	lane   int
}

// Tracker seals lane slices into batches and keeps the registry of open
// batches for one group.
type Tracker struct {
	group string
	lanes int
	newID func() string

	mu   sync.Mutex
	open map[laneKey]*Batch
}

// NewTracker creates a tracker for a group with the given number of lanes.
func NewTracker(group string, lanes int) *Tracker {
	return &Tracker{
		group: group,
		lanes: lanes,
		newID: func() string { return uuid.Must(uuid.NewV7()).String() },
		open:  make(map[laneKey]*Batch),
	}
}

// Begin seals slices into a new open batch toward target. Empty slices are
// dropped. It fails with EmptyBatch when nothing is left, Overlap when a
// slice intersects an open batch on the same lane, and LaneBusy when the
// lane already carries a disjoint open batch.
func (t *Tracker) Begin(target string, slices []Slice, callback func(Completion)) (*Batch, error) {
	sealed := make([]Slice, 0, len(slices))
	seen := make(map[int]bool, len(slices))
	for _, s := range slices {
		if len(s.Packets) == 0 {
			continue
		}
		if s.Lane < 0 || s.Lane >= t.lanes {
			return nil, fmt.Errorf("begin batch for %s/%s: lane %d out of range", t.group, target, s.Lane)
		}
		if seen[s.Lane] {
			return nil, &Error{Code: CodeOverlap, Message: fmt.Sprintf("lane %d appears twice", s.Lane), Group: t.group, Target: target}
		}
		seen[s.Lane] = true
		for i := 1; i < len(s.Packets); i++ {
			if s.Packets[i].Key <= s.Packets[i-1].Key {
				return nil, &Error{
					Code:    CodeOrderingViolation,
					Message: fmt.Sprintf("lane %d slice is not in key order at %d", s.Lane, s.Packets[i].Key),
					Group:   t.group,
					Target:  target,
					Key:     s.Packets[i].Key,
				}
			}
		}
		packets := make([]packet.Packet, len(s.Packets))
		copy(packets, s.Packets)
		sealed = append(sealed, Slice{Lane: s.Lane, Packets: packets})
	}
	if len(sealed) == 0 {
		return nil, &Error{Code: CodeEmptyBatch, Message: "no packets to batch", Group: t.group, Target: target}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range sealed {
		other, ok := t.open[laneKey{target, s.Lane}]
		if !ok {
			continue
		}
		for _, o := range other.slices {
			if o.Lane != s.Lane {
				continue
			}
			if s.First() <= o.Last() && o.First() <= s.Last() {
				return nil, &Error{
					Code:    CodeOverlap,
					Message: fmt.Sprintf("lane %d range [%d,%d] intersects open batch %s", s.Lane, s.First(), s.Last(), other.id),
					Group:   t.group,
					Target:  target,
					Key:     s.First(),
				}
			}
		}
		return nil, &Error{
			Code:    CodeLaneBusy,
			Message: fmt.Sprintf("lane %d already carries batch %s", s.Lane, other.id),
			Group:   t.group,
			Target:  target,
		}
	}

	b := &Batch{
		id:       t.newID(),
		group:    t.group,
		target:   target,
		slices:   sealed,
		tracker:  t,
		callback: callback,
		done:     make(chan struct{}),
		progress: make([]packet.Key, len(sealed)),
	}
	for _, s := range sealed {
		t.open[laneKey{target, s.Lane}] = b
	}
	return b, nil
}

// release removes a settled batch from the open registry.
func (t *Tracker) release(b *Batch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range b.slices {
		k := laneKey{b.target, s.Lane}
		if t.open[k] == b {
			delete(t.open, k)
		}
	}
}

// Busy reports whether target has an open batch on lane.
func (t *Tracker) Busy(target string, lane int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.open[laneKey{target, lane}]
	return ok
}

// Open returns the distinct open batches toward target.
func (t *Tracker) Open(target string) []*Batch {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Batch
	seen := make(map[*Batch]bool)
	for k, b := range t.open {
		if k.target == target && !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	return out
}

// AbandonTarget abandons every open batch toward target and returns how
// many were abandoned.
func (t *Tracker) AbandonTarget(target string, cause error) int {
	n := 0
	for _, b := range t.Open(target) {
		if b.Abandon(cause) {
			n++
		}
	}
	return n
}
