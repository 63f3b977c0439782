package backlog

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/roach88/gridrepl/internal/packet"
)

// btreeDegree is the degree of the backlog's ordered indexes.
const btreeDegree = 32

// Journal persists a group's backlog so that keys are recoverable in order
// after a restart. Implemented by store.Store.
type Journal interface {
	AppendPacket(ctx context.Context, group string, p packet.Packet) error
	TrimPackets(ctx context.Context, group string, below packet.Key) error
	SaveAck(ctx context.Context, group, target string, lane int, key packet.Key) error
	SaveResync(ctx context.Context, group, target string, needed bool) error
}

// State is a group's journaled backlog, as loaded at startup.
type State struct {
	// Floor is the oldest retained key.
	Floor packet.Key
	// Packets are the retained packets in key order.
	Packets []packet.Packet
	// Acks holds each target's acknowledged key per lane.
	Acks map[string][]packet.Key
	// Resync lists targets that were awaiting a full state transfer.
	Resync map[string]bool
}

// LaneMark is a target's acknowledged key within one lane.
type LaneMark struct {
	Lane int        `json:"lane" msgpack:"lane"`
	Key  packet.Key `json:"key" msgpack:"key"`
}

// item orders packets by key inside the btree indexes.
type item struct {
	p packet.Packet
}

func (i item) Less(than btree.Item) bool {
	return i.p.Key < than.(item).p.Key
}

func pivot(k packet.Key) item {
	return item{p: packet.Packet{Key: k}}
}

type targetState struct {
	marks  []packet.Key
	resync bool
}

// TargetStats describes one target's progress.
type TargetStats struct {
	Marks  []packet.Key `json:"marks"`
	Resync bool         `json:"resync"`
	// Needed is the first key the target has not acknowledged.
	Needed packet.Key `json:"needed"`
}

// Stats is a point-in-time view of a backlog.
type Stats struct {
	Group    string                 `json:"group"`
	Len      int                    `json:"len"`
	High     packet.Key             `json:"high"`
	Floor    packet.Key             `json:"floor"`
	LowWater packet.Key             `json:"low_water"`
	Halted   bool                   `json:"halted"`
	Targets  map[string]TargetStats `json:"targets"`
}

// Backlog is the ordered log of one replication group.
//
// Append must be called by a single writer. Every other method is safe for
// concurrent use; appends and ack-driven trims mutate under one mutex.
type Backlog struct {
	group  string
	router Router

	retention   int
	blockOnFull bool
	journal     Journal
	logger      *slog.Logger

	appending atomic.Bool

	mu    sync.Mutex
	tree  *btree.BTree
	lanes []*btree.BTree
	high  packet.Key
	// floor is the oldest retained key. Keys below it are gone.
	floor   packet.Key
	halted  *Error
	targets map[string]*targetState

	// Broadcast channels, closed and replaced when the event happens.
	appended chan struct{}
	acked    chan struct{}
	freed    chan struct{}
}

// Option configures a Backlog.
type Option func(*Backlog)

// WithJournal makes every append, trim and acknowledgement durable.
func WithJournal(j Journal) Option {
	return func(b *Backlog) {
		b.journal = j
	}
}

// WithRetention bounds the number of retained packets. When block is true a
// full backlog makes Append wait for a trim; otherwise the oldest packets are
// evicted and targets that still needed them are flagged for resync.
func WithRetention(limit int, block bool) Option {
	return func(b *Backlog) {
		b.retention = limit
		b.blockOnFull = block
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Backlog) {
		b.logger = l
	}
}

// New creates an empty backlog whose first key will be 1.
func New(group string, router Router, opts ...Option) *Backlog {
	b := &Backlog{
		group:    group,
		router:   router,
		logger:   slog.Default(),
		tree:     btree.New(btreeDegree),
		lanes:    make([]*btree.BTree, router.Lanes()),
		floor:    1,
		targets:  make(map[string]*targetState),
		appended: make(chan struct{}),
		acked:    make(chan struct{}),
		freed:    make(chan struct{}),
	}
	for i := range b.lanes {
		b.lanes[i] = btree.New(btreeDegree)
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("group", group)
	return b
}

// Group returns the group name.
func (b *Backlog) Group() string { return b.group }

// Lanes returns the number of delivery lanes.
func (b *Backlog) Lanes() int { return len(b.lanes) }

// Append assigns the next key to p, stores it and returns the key.
//
// A packet that already carries a key must carry exactly High()+1; anything
// else is a gap or a replay and halts the group until Reset. Overlapping
// calls fail with an ordering violation without halting.
func (b *Backlog) Append(ctx context.Context, p packet.Packet) (packet.Key, error) {
	if !b.appending.CompareAndSwap(false, true) {
		return packet.None, &Error{
			Code:    CodeOrderingViolation,
			Message: "concurrent append",
			Group:   b.group,
		}
	}
	defer b.appending.Store(false)

	if err := p.Validate(); err != nil {
		return packet.None, fmt.Errorf("append to %s: %w", b.group, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.halted != nil {
		return packet.None, &Error{
			Code:    CodeGroupHalted,
			Message: "group halted by an earlier ordering violation",
			Group:   b.group,
			Err:     b.halted,
		}
	}

	if err := b.admitLocked(ctx); err != nil {
		return packet.None, err
	}

	next := b.high.Next()
	if p.Key != packet.None && p.Key != next {
		b.halted = &Error{
			Code:    CodeOrderingViolation,
			Message: fmt.Sprintf("key %d does not follow %d", p.Key, b.high),
			Group:   b.group,
			Key:     p.Key,
		}
		b.logger.Error("group halted", "key", uint64(p.Key), "high", uint64(b.high))
		return packet.None, b.halted
	}
	p.Key = next

	if b.journal != nil {
		if err := b.journal.AppendPacket(ctx, b.group, p); err != nil {
			return packet.None, fmt.Errorf("journal append %s#%d: %w", b.group, next, err)
		}
	}

	it := item{p: p}
	b.tree.ReplaceOrInsert(it)
	for _, lane := range b.router.Route(p) {
		b.lanes[lane].ReplaceOrInsert(it)
	}
	b.high = next
	broadcast(&b.appended)

	return next, nil
}

// admitLocked enforces the retention limit before an append.
func (b *Backlog) admitLocked(ctx context.Context) error {
	for b.retention > 0 && b.tree.Len() >= b.retention {
		if !b.blockOnFull {
			if err := b.evictOldestLocked(ctx); err != nil {
				return err
			}
			continue
		}

		wait := b.freed
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			b.mu.Lock()
			return ctx.Err()
		case <-wait:
		}
		b.mu.Lock()
	}
	return nil
}

func (b *Backlog) evictOldestLocked(ctx context.Context) error {
	oldest := b.tree.Min().(item).p.Key
	if b.journal != nil {
		if err := b.journal.TrimPackets(ctx, b.group, oldest.Next()); err != nil {
			return fmt.Errorf("journal evict %s#%d: %w", b.group, oldest, err)
		}
	}

	for name, ts := range b.targets {
		if ts.resync || b.neededLocked(ts) > oldest {
			continue
		}
		ts.resync = true
		b.logger.Warn("target lost unacknowledged packets, resync required",
			"target", name, "evicted", uint64(oldest))
		if b.journal != nil {
			if err := b.journal.SaveResync(ctx, b.group, name, true); err != nil {
				return fmt.Errorf("journal resync flag %s/%s: %w", b.group, name, err)
			}
		}
	}
	b.removeBelowLocked(oldest.Next())
	return nil
}

// removeBelowLocked drops every packet below key and moves the floor there.
func (b *Backlog) removeBelowLocked(key packet.Key) int {
	n := 0
	for {
		first := b.tree.Min()
		if first == nil || first.(item).p.Key >= key {
			break
		}
		b.tree.DeleteMin()
		n++
	}
	for _, lane := range b.lanes {
		for {
			first := lane.Min()
			if first == nil || first.(item).p.Key >= key {
				break
			}
			lane.DeleteMin()
		}
	}
	if key > b.floor {
		b.floor = key
	}
	return n
}

// Trim discards packets below min(upTo, LowWaterMark()) and returns how
// many were removed. Nothing a target still needs is ever trimmed.
func (b *Backlog) Trim(ctx context.Context, upTo packet.Key) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	limit := min(upTo, b.lowWaterLocked())
	if limit <= b.floor {
		return 0, nil
	}

	if b.journal != nil {
		if err := b.journal.TrimPackets(ctx, b.group, limit); err != nil {
			return 0, fmt.Errorf("journal trim %s below %d: %w", b.group, limit, err)
		}
	}

	n := b.removeBelowLocked(limit)
	broadcast(&b.freed)
	b.logger.Debug("trimmed backlog", "below", uint64(limit), "removed", n)
	return n, nil
}

// Range returns up to limit packets starting at from, in key order. A limit
// of zero or less means no bound. The sequence reads a snapshot taken now and
// may be iterated any number of times.
func (b *Backlog) Range(from packet.Key, limit int) (iter.Seq[packet.Packet], error) {
	return b.rangeOver(-1, from, limit)
}

// LaneRange is Range restricted to one lane.
func (b *Backlog) LaneRange(lane int, from packet.Key, limit int) (iter.Seq[packet.Packet], error) {
	if lane < 0 || lane >= len(b.lanes) {
		return nil, fmt.Errorf("lane %d out of range for group %s with %d lanes", lane, b.group, len(b.lanes))
	}
	return b.rangeOver(lane, from, limit)
}

func (b *Backlog) rangeOver(lane int, from packet.Key, limit int) (iter.Seq[packet.Packet], error) {
	b.mu.Lock()
	if from < b.floor {
		floor := b.floor
		b.mu.Unlock()
		return nil, newStaleRange(b.group, "", from, floor)
	}
	var snap *btree.BTree
	if lane < 0 {
		snap = b.tree.Clone()
	} else {
		snap = b.lanes[lane].Clone()
	}
	b.mu.Unlock()

	return func(yield func(packet.Packet) bool) {
		n := 0
		snap.AscendGreaterOrEqual(pivot(from), func(i btree.Item) bool {
			if limit > 0 && n >= limit {
				return false
			}
			n++
			return yield(i.(item).p)
		})
	}, nil
}

// Acknowledge advances a target's per-lane marks. Marks never move
// backwards; lower marks are ignored.
func (b *Backlog) Acknowledge(ctx context.Context, target string, marks []LaneMark) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts, ok := b.targets[target]
	if !ok {
		return &Error{Code: CodeUnknownTarget, Message: "acknowledge from unregistered target", Group: b.group, Target: target}
	}

	var changed []LaneMark
	for _, m := range marks {
		if m.Lane < 0 || m.Lane >= len(ts.marks) {
			return fmt.Errorf("acknowledge %s/%s: lane %d out of range", b.group, target, m.Lane)
		}
		key := min(m.Key, b.high)
		if key > ts.marks[m.Lane] {
			changed = append(changed, LaneMark{Lane: m.Lane, Key: key})
		}
	}
	if len(changed) == 0 {
		return nil
	}

	// Marks move only once the journal holds them.
	if b.journal != nil {
		for _, m := range changed {
			if err := b.journal.SaveAck(ctx, b.group, target, m.Lane, m.Key); err != nil {
				return fmt.Errorf("journal ack %s/%s: %w", b.group, target, err)
			}
		}
	}
	for _, m := range changed {
		ts.marks[m.Lane] = m.Key
	}
	broadcast(&b.acked)
	return nil
}

// AwaitAck blocks until every target that is not awaiting resync has
// acknowledged key, or ctx is done.
func (b *Backlog) AwaitAck(ctx context.Context, key packet.Key) error {
	for {
		b.mu.Lock()
		if b.lowWaterLocked() > key {
			b.mu.Unlock()
			return nil
		}
		wait := b.acked
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// LowWaterMark returns the oldest key some target still needs, or
// High()+1 when every target is caught up.
func (b *Backlog) LowWaterMark() packet.Key {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lowWaterLocked()
}

func (b *Backlog) lowWaterLocked() packet.Key {
	lwm := b.high.Next()
	for _, ts := range b.targets {
		if ts.resync {
			continue
		}
		lwm = min(lwm, b.neededLocked(ts))
	}
	return lwm
}

// neededLocked returns the first retained key the target has not
// acknowledged in its lane.
func (b *Backlog) neededLocked(ts *targetState) packet.Key {
	needed := b.high.Next()
	for lane, mark := range ts.marks {
		b.lanes[lane].AscendGreaterOrEqual(pivot(mark.Next()), func(i btree.Item) bool {
			needed = min(needed, i.(item).p.Key)
			return false
		})
	}
	return needed
}

// High returns the last appended key.
func (b *Backlog) High() packet.Key {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.high
}

// Floor returns the oldest retained key.
func (b *Backlog) Floor() packet.Key {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.floor
}

// Len returns the number of retained packets.
func (b *Backlog) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tree.Len()
}

// Halted returns the ordering violation that halted the group, if any.
func (b *Backlog) Halted() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.halted == nil {
		return nil
	}
	return b.halted
}

// Notify returns a channel that is closed at the next append.
func (b *Backlog) Notify() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appended
}

// AddTarget registers a target. A target that joins after packets were
// trimmed starts out needing a resync.
func (b *Backlog) AddTarget(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.targets[name]; ok {
		return
	}
	ts := &targetState{marks: make([]packet.Key, len(b.lanes))}
	for i := range ts.marks {
		ts.marks[i] = b.floor - 1
	}
	ts.resync = b.floor > 1
	b.targets[name] = ts
}

// RemoveTarget forgets a target. Packets only it needed become trimmable.
func (b *Backlog) RemoveTarget(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.targets, name)
	broadcast(&b.acked)
}

// Targets returns the registered target names, sorted.
func (b *Backlog) Targets() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.targets))
	for name := range b.targets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Marks returns a copy of a target's per-lane marks and its resync flag.
func (b *Backlog) Marks(target string) ([]packet.Key, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.targets[target]
	if !ok {
		return nil, false, &Error{Code: CodeUnknownTarget, Message: "no such target", Group: b.group, Target: target}
	}
	return slices.Clone(ts.marks), ts.resync, nil
}

// NeedsResync reports whether target lost packets it had not acknowledged.
func (b *Backlog) NeedsResync(target string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.targets[target]
	return ok && ts.resync
}

// MarkResynced records that target received a full state transfer covering
// every key up to and including key.
func (b *Backlog) MarkResynced(ctx context.Context, target string, key packet.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts, ok := b.targets[target]
	if !ok {
		return &Error{Code: CodeUnknownTarget, Message: "resync of unregistered target", Group: b.group, Target: target}
	}
	if key.Next() < b.floor {
		return newStaleRange(b.group, target, key.Next(), b.floor)
	}
	key = min(key, b.high)

	for lane := range ts.marks {
		ts.marks[lane] = max(ts.marks[lane], key)
	}
	ts.resync = false
	broadcast(&b.acked)

	if b.journal != nil {
		for lane, mark := range ts.marks {
			if err := b.journal.SaveAck(ctx, b.group, target, lane, mark); err != nil {
				return fmt.Errorf("journal resync %s/%s: %w", b.group, target, err)
			}
		}
		if err := b.journal.SaveResync(ctx, b.group, target, false); err != nil {
			return fmt.Errorf("journal resync flag %s/%s: %w", b.group, target, err)
		}
	}
	b.logger.Info("target resynced", "target", target, "key", uint64(key))
	return nil
}

// Reset discards the retained history, clears a halt and continues the key
// space after high. Targets that had not acknowledged everything are flagged
// for resync.
func (b *Backlog) Reset(ctx context.Context, high packet.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if high < b.high {
		return &Error{
			Code:    CodeOrderingViolation,
			Message: fmt.Sprintf("reset to %d would reuse keys up to %d", high, b.high),
			Group:   b.group,
			Key:     high,
		}
	}
	if b.journal != nil {
		if err := b.journal.TrimPackets(ctx, b.group, high.Next()); err != nil {
			return fmt.Errorf("journal reset %s: %w", b.group, err)
		}
	}

	for name, ts := range b.targets {
		if b.neededLocked(ts) <= b.high && !ts.resync {
			ts.resync = true
			if b.journal != nil {
				if err := b.journal.SaveResync(ctx, b.group, name, true); err != nil {
					return fmt.Errorf("journal resync flag %s/%s: %w", b.group, name, err)
				}
			}
		}
		for lane := range ts.marks {
			ts.marks[lane] = high
		}
	}
	b.tree.Clear(false)
	for _, lane := range b.lanes {
		lane.Clear(false)
	}
	b.high = high
	b.floor = high.Next()
	b.halted = nil
	broadcast(&b.freed)
	broadcast(&b.acked)

	b.logger.Warn("backlog reset", "high", uint64(high))
	return nil
}

// Restore loads journaled state into an empty backlog. Targets must be
// registered first; acknowledgements for unknown targets are ignored.
func (b *Backlog) Restore(state State) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tree.Len() > 0 || b.high != packet.None {
		return fmt.Errorf("restore %s: backlog is not empty", b.group)
	}

	floor := max(state.Floor, 1)
	expect := floor
	for _, p := range state.Packets {
		if p.Key != expect {
			return &Error{
				Code:    CodeOrderingViolation,
				Message: fmt.Sprintf("journal has key %d where %d was expected", p.Key, expect),
				Group:   b.group,
				Key:     p.Key,
			}
		}
		it := item{p: p}
		b.tree.ReplaceOrInsert(it)
		for _, lane := range b.router.Route(p) {
			b.lanes[lane].ReplaceOrInsert(it)
		}
		expect = expect.Next()
	}
	b.floor = floor
	b.high = expect - 1

	for name, ts := range b.targets {
		saved := state.Acks[name]
		for lane := range ts.marks {
			ts.marks[lane] = floor - 1
			if lane < len(saved) {
				ts.marks[lane] = min(max(saved[lane], floor-1), b.high)
			}
		}
		ts.resync = state.Resync[name] || (floor > 1 && len(saved) == 0)
	}
	return nil
}

// Stats returns a point-in-time view of the backlog.
func (b *Backlog) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Group:    b.group,
		Len:      b.tree.Len(),
		High:     b.high,
		Floor:    b.floor,
		LowWater: b.lowWaterLocked(),
		Halted:   b.halted != nil,
		Targets:  make(map[string]TargetStats, len(b.targets)),
	}
	for name, ts := range b.targets {
		s.Targets[name] = TargetStats{
			Marks:  slices.Clone(ts.marks),
			Resync: ts.resync,
			Needed: b.neededLocked(ts),
		}
	}
	return s
}

func broadcast(ch *chan struct{}) {
	close(*ch)
	*ch = make(chan struct{})
}
