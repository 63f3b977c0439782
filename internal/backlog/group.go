package backlog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/gridrepl/internal/packet"
	"github.com/roach88/gridrepl/internal/topology"
)

// Group pairs a backlog with the batch tracker of its ordering strategy.
type Group struct {
	cfg     topology.GroupConfig
	backlog *Backlog
	tracker *Tracker
	logger  *slog.Logger
}

// Name returns the group name.
func (g *Group) Name() string { return g.cfg.Name }

// Config returns the configuration the group was built from.
func (g *Group) Config() topology.GroupConfig { return g.cfg }

// Backlog returns the group's backlog.
func (g *Group) Backlog() *Backlog { return g.backlog }

// Tracker returns the group's batch tracker.
func (g *Group) Tracker() *Tracker { return g.tracker }

// Append appends p to the group's backlog.
func (g *Group) Append(ctx context.Context, p packet.Packet) (packet.Key, error) {
	return g.backlog.Append(ctx, p)
}

// Begin seals up to limit packets starting at from into a single-lane batch
// toward target. Completing the batch acknowledges it in the backlog before
// cb runs. Multi-lane groups are batched with NextBatch.
func (g *Group) Begin(target string, from packet.Key, limit int, cb func(Completion)) (*Batch, error) {
	if n := g.backlog.Lanes(); n != 1 {
		return nil, &Error{
			Code:    CodeUnsupportedOrdering,
			Message: fmt.Sprintf("single-lane batch over %d lanes", n),
			Group:   g.cfg.Name,
			Target:  target,
		}
	}
	seq, err := g.backlog.Range(from, limit)
	if err != nil {
		return nil, withTarget(err, target)
	}
	s := Slice{Lane: 0}
	for p := range seq {
		s.Packets = append(s.Packets, p)
	}
	return g.tracker.Begin(target, []Slice{s}, g.acknowledging(target, cb))
}

// NextBatch seals the next unacknowledged packets of every free lane into a
// batch toward target, up to limit packets per lane. It fails with EmptyBatch
// when there is nothing to send and StaleRangeRequest when the target needs
// a full resync.
func (g *Group) NextBatch(target string, limit int, cb func(Completion)) (*Batch, error) {
	marks, resync, err := g.backlog.Marks(target)
	if err != nil {
		return nil, err
	}
	floor := g.backlog.Floor()
	if resync {
		return nil, newStaleRange(g.cfg.Name, target, marks[0].Next(), floor)
	}

	var slices []Slice
	for lane, mark := range marks {
		if g.tracker.Busy(target, lane) {
			continue
		}
		from := max(mark.Next(), floor)
		seq, err := g.backlog.LaneRange(lane, from, limit)
		if err != nil {
			return nil, withTarget(err, target)
		}
		s := Slice{Lane: lane}
		for p := range seq {
			s.Packets = append(s.Packets, p)
		}
		if len(s.Packets) > 0 {
			slices = append(slices, s)
		}
	}
	return g.tracker.Begin(target, slices, g.acknowledging(target, cb))
}

// acknowledging wraps cb so the backlog learns of the completion first.
func (g *Group) acknowledging(target string, cb func(Completion)) func(Completion) {
	return func(c Completion) {
		// On a journal failure the marks stay put, so the range is sent
		// again and the target drops it as duplicates.
		if err := g.backlog.Acknowledge(context.Background(), target, c.Lanes); err != nil {
			g.logger.Error("acknowledge batch", "target", target, "batch", c.BatchID, "error", err)
		}
		if cb != nil {
			cb(c)
		}
	}
}

func withTarget(err error, target string) error {
	if be, ok := err.(*Error); ok && be.Target == "" {
		cp := *be
		cp.Target = target
		return &cp
	}
	return err
}
