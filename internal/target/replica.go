package target

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/zhangyunhao116/skipmap"

	"github.com/roach88/gridrepl/internal/backlog"
	"github.com/roach88/gridrepl/internal/conflict"
	"github.com/roach88/gridrepl/internal/mvcc"
	"github.com/roach88/gridrepl/internal/packet"
	"github.com/roach88/gridrepl/internal/transport"
)

// Version is one state of an entry.
type Version struct {
	Generation uint64
	Value      []byte
	Version    uint64
	Deleted    bool
}

// chains are copy-on-write: a stored slice is never modified in place, so
// readers can walk it without the apply lock.
type entryMap = skipmap.FuncMap[string, []Version]

// Stats counts apply outcomes.
type Stats struct {
	Applied     int `json:"applied"`
	Duplicates  int `json:"duplicates"`
	Skipped     int `json:"skipped"`
	Overwritten int `json:"overwritten"`
	Escalated   int `json:"escalated"`
	Commits     int `json:"commits"`
	Rollbacks   int `json:"rollbacks"`
	Snapshots   int `json:"snapshots"`
}

type barrier struct {
	seen map[int]bool
}

type groupState struct {
	laneCount int
	base      packet.Key
	marks     []packet.Key
	pending   map[packet.TxnID][]packet.Packet
	barriers  map[packet.Key]*barrier
}

func newGroupState(laneCount int, base packet.Key) *groupState {
	gs := &groupState{
		laneCount: laneCount,
		base:      base,
		marks:     make([]packet.Key, laneCount),
		pending:   make(map[packet.TxnID][]packet.Packet),
		barriers:  make(map[packet.Key]*barrier),
	}
	for i := range gs.marks {
		gs.marks[i] = base
	}
	return gs
}

// Replica applies replicated packets to an in-memory store.
type Replica struct {
	name     string
	entries  *entryMap
	window   *mvcc.Window
	guard    *mvcc.Guard
	resolver *conflict.Resolver
	policy   conflict.Policy
	policies map[string]conflict.Policy
	retain   uint64
	logger   *slog.Logger

	mu     sync.Mutex
	groups map[string]*groupState
	stats  Stats
}

// Option configures a Replica.
type Option func(*Replica)

// WithPolicy sets the conflict policy for one group.
func WithPolicy(group string, p conflict.Policy) Option {
	return func(r *Replica) { r.policies[group] = p.Clone() }
}

// WithDefaultPolicy sets the policy for groups without their own.
func WithDefaultPolicy(p conflict.Policy) Option {
	return func(r *Replica) { r.policy = p.Clone() }
}

// WithRetainGenerations keeps only the newest n generations readable.
// Zero keeps everything.
func WithRetainGenerations(n uint64) Option {
	return func(r *Replica) { r.retain = n }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Replica) { r.logger = l }
}

// New creates an empty replica.
func New(name string, opts ...Option) *Replica {
	r := &Replica{
		name:     name,
		entries:  skipmap.NewFunc[string, []Version](func(a, b string) bool { return a < b }),
		window:   mvcc.NewWindow(),
		policy:   conflict.DefaultPolicy(),
		policies: make(map[string]conflict.Policy),
		groups:   make(map[string]*groupState),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.guard = mvcc.NewGuard(r.window)
	r.resolver = conflict.NewResolver(r)
	return r
}

// Name returns the replica name.
func (r *Replica) Name() string { return r.name }

// Window exposes the replica's generation counters.
func (r *Replica) Window() *mvcc.Window { return r.window }

// Generation returns the current generation.
func (r *Replica) Generation() uint64 { return r.window.CurrentGeneration() }

// Lookup implements conflict.Lookup against the latest version of entry.
func (r *Replica) Lookup(_ context.Context, entry string) (conflict.Local, error) {
	v, ok := r.latest(entry)
	if !ok || v.Deleted {
		return conflict.Local{Version: v.Version}, nil
	}
	return conflict.Local{Found: true, Version: v.Version}, nil
}

// Check classifies p against the replica's current state. A transactional
// write is classified as if the writes its transaction has buffered in
// group had already committed.
func (r *Replica) Check(ctx context.Context, group string, p packet.Packet) (*conflict.Conflict, error) {
	if p.Txn == "" || !p.Kind.IsData() {
		return r.resolver.Check(ctx, p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	view := newTxnView(r)
	if gs, ok := r.groups[group]; ok {
		policy := r.policyFor(group)
		for _, w := range gs.pending[p.Txn] {
			if _, err := view.apply(ctx, policy, w); err != nil {
				return nil, err
			}
		}
	}
	return conflict.NewResolver(view).Check(ctx, p)
}

// txnView lays a transaction's writes over committed state.
type txnView struct {
	base    conflict.Lookup
	entries map[string]conflict.Local
}

func newTxnView(base conflict.Lookup) *txnView {
	return &txnView{base: base, entries: make(map[string]conflict.Local)}
}

func (v *txnView) Lookup(ctx context.Context, entry string) (conflict.Local, error) {
	if l, ok := v.entries[entry]; ok {
		return l, nil
	}
	return v.base.Lookup(ctx, entry)
}

// apply resolves p under policy and records its effect. It returns the
// conflict when the policy escalates; a skipped write leaves the view as is.
func (v *txnView) apply(ctx context.Context, policy conflict.Policy, p packet.Packet) (*conflict.Conflict, error) {
	c, err := conflict.NewResolver(v).Check(ctx, p)
	if err != nil {
		return nil, err
	}
	if c != nil {
		switch policy.Decide(c.Cause) {
		case conflict.Skip:
			return nil, nil
		case conflict.Escalate:
			return c, nil
		}
	}
	entry := p.NormalizedEntry()
	prev, err := v.Lookup(ctx, entry)
	if err != nil {
		return nil, err
	}
	v.entries[entry] = conflict.Local{Found: p.Kind != packet.KindRemove, Version: prev.Version + 1}
	return nil, nil
}

func (r *Replica) latest(entry string) (Version, bool) {
	chain, ok := r.entries.Load(entry)
	if !ok || len(chain) == 0 {
		return Version{}, false
	}
	return chain[len(chain)-1], true
}

// Get returns the newest live version of entry.
func (r *Replica) Get(entry string) (Version, bool) {
	v, ok := r.latest(entry)
	if !ok || v.Deleted {
		return Version{}, false
	}
	return v, true
}

// Read returns entry as of generation gen. It fails with an
// *mvcc.ExpiredError when gen has been reclaimed.
func (r *Replica) Read(entry string, gen uint64) (Version, bool, error) {
	if _, err := r.guard.Check(gen); err != nil {
		return Version{}, false, err
	}
	chain, ok := r.entries.Load(entry)
	if !ok {
		return Version{}, false, nil
	}
	i := sort.Search(len(chain), func(i int) bool { return chain[i].Generation > gen })
	if i == 0 || chain[i-1].Deleted {
		return Version{}, false, nil
	}
	return chain[i-1], true, nil
}

// Len returns the number of live entries.
func (r *Replica) Len() int {
	n := 0
	r.entries.Range(func(_ string, chain []Version) bool {
		if len(chain) > 0 && !chain[len(chain)-1].Deleted {
			n++
		}
		return true
	})
	return n
}

// Marks returns the applied key per lane for group.
func (r *Replica) Marks(group string) []packet.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	gs, ok := r.groups[group]
	if !ok {
		return nil
	}
	return append([]packet.Key(nil), gs.marks...)
}

// Stats returns a copy of the apply counters.
func (r *Replica) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Replica) policyFor(group string) conflict.Policy {
	if p, ok := r.policies[group]; ok {
		return p
	}
	return r.policy
}

func (r *Replica) groupLocked(group string, laneCount int) (*groupState, error) {
	if laneCount <= 0 {
		return nil, fmt.Errorf("group %s: lane count %d", group, laneCount)
	}
	gs, ok := r.groups[group]
	switch {
	case !ok:
		gs = newGroupState(laneCount, 0)
		r.groups[group] = gs
	case gs.laneCount == 0:
		// Installed from a snapshot before the lane layout was known.
		gs.laneCount = laneCount
		gs.marks = make([]packet.Key, laneCount)
		for i := range gs.marks {
			gs.marks[i] = gs.base
		}
	case gs.laneCount != laneCount:
		return nil, fmt.Errorf("group %s: lane count changed from %d to %d", group, gs.laneCount, laneCount)
	}
	return gs, nil
}

// Receive implements transport.Receiver. Each lane is applied in key
// order; a lane stops at the first escalated conflict and its mark stays
// on the key before it.
func (r *Replica) Receive(ctx context.Context, env transport.Envelope) (transport.Ack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	gs, err := r.groupLocked(env.Group, env.LaneCount)
	if err != nil {
		return transport.Ack{}, err
	}

	ack := transport.Ack{BatchID: env.BatchID}
	for _, lb := range env.Lanes {
		if lb.Lane < 0 || lb.Lane >= gs.laneCount {
			return transport.Ack{}, fmt.Errorf("group %s: lane %d out of range", env.Group, lb.Lane)
		}
		for _, p := range lb.Packets {
			if p.Key <= gs.marks[lb.Lane] {
				r.stats.Duplicates++
				continue
			}
			c, err := r.applyLocked(ctx, env.Group, gs, lb.Lane, p)
			if err != nil {
				return transport.Ack{}, err
			}
			if c != nil {
				if ack.Conflict == nil {
					ack.Conflict = &transport.ConflictReport{
						Lane:   lb.Lane,
						Key:    p.Key,
						Entry:  c.Entry,
						Cause:  c.Cause.String(),
						Detail: c.Error(),
					}
				}
				break
			}
			gs.marks[lb.Lane] = p.Key
		}
		ack.Lanes = append(ack.Lanes, backlog.LaneMark{Lane: lb.Lane, Key: gs.marks[lb.Lane]})
	}
	return ack, nil
}

// Apply applies one packet of a single-lane group outside any envelope.
// The primary partition uses it to keep its own copy. An escalated
// conflict is returned as a *conflict.Conflict.
func (r *Replica) Apply(ctx context.Context, group string, p packet.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	gs, err := r.groupLocked(group, 1)
	if err != nil {
		return err
	}
	if p.Key <= gs.marks[0] {
		r.stats.Duplicates++
		return nil
	}
	c, err := r.applyLocked(ctx, group, gs, 0, p)
	if err != nil {
		return err
	}
	if c != nil {
		return c
	}
	gs.marks[0] = p.Key
	return nil
}

func (r *Replica) applyLocked(ctx context.Context, group string, gs *groupState, lane int, p packet.Packet) (*conflict.Conflict, error) {
	switch {
	case p.Kind.IsData() && p.Txn == "":
		gen := r.window.CurrentGeneration() + 1
		c, err := r.writeLocked(ctx, group, gen, p)
		if err != nil || c != nil {
			return c, err
		}
		r.advanceLocked()
		return nil, nil

	case p.Kind.IsData():
		gs.pending[p.Txn] = append(gs.pending[p.Txn], p)
		return nil, nil

	case p.Kind.IsBoundary():
		b := gs.barriers[p.Key]
		if b == nil {
			b = &barrier{seen: make(map[int]bool, gs.laneCount)}
			gs.barriers[p.Key] = b
		}
		b.seen[lane] = true
		if len(b.seen) < gs.laneCount {
			return nil, nil
		}

		switch p.Kind {
		case packet.KindTxnCommit:
			c, err := r.commitLocked(ctx, group, gs.pending[p.Txn])
			if err != nil || c != nil {
				// The lane that closed the barrier will resend it.
				delete(b.seen, lane)
				return c, err
			}
			delete(gs.pending, p.Txn)
			r.stats.Commits++
		case packet.KindTxnRollback:
			delete(gs.pending, p.Txn)
			r.stats.Rollbacks++
		}
		delete(gs.barriers, p.Key)
		return nil, nil
	}
	return nil, fmt.Errorf("apply %s: %w", p, packet.ErrUnknownKind)
}

// commitLocked applies a transaction's buffered writes under one
// generation. Each write sees the ones before it. Nothing is written when
// any of them escalates.
func (r *Replica) commitLocked(ctx context.Context, group string, writes []packet.Packet) (*conflict.Conflict, error) {
	policy := r.policyFor(group)
	view := newTxnView(r)
	for _, p := range writes {
		c, err := view.apply(ctx, policy, p)
		if err != nil {
			return nil, err
		}
		if c != nil {
			r.stats.Escalated++
			r.logger.Warn("commit escalated", "replica", r.name, "group", group, "txn", string(p.Txn), "conflict", c.Error())
			return c, nil
		}
	}

	gen := r.window.CurrentGeneration() + 1
	for _, p := range writes {
		if _, err := r.writeLocked(ctx, group, gen, p); err != nil {
			return nil, err
		}
	}
	r.advanceLocked()
	return nil, nil
}

// writeLocked resolves and applies one data packet at generation gen.
func (r *Replica) writeLocked(ctx context.Context, group string, gen uint64, p packet.Packet) (*conflict.Conflict, error) {
	c, err := r.resolver.Check(ctx, p)
	if err != nil {
		return nil, err
	}
	if c != nil {
		switch r.policyFor(group).Decide(c.Cause) {
		case conflict.Skip:
			r.stats.Skipped++
			r.logger.Debug("conflict skipped", "replica", r.name, "group", group, "key", uint64(p.Key), "cause", c.Cause.String())
			return nil, nil
		case conflict.Escalate:
			r.stats.Escalated++
			r.logger.Warn("conflict escalated", "replica", r.name, "group", group, "key", uint64(p.Key), "conflict", c.Error())
			return c, nil
		}
		r.stats.Overwritten++
	}

	entry := p.NormalizedEntry()
	prev, _ := r.latest(entry)
	next := Version{Generation: gen, Version: prev.Version + 1}
	if p.Kind == packet.KindRemove {
		next.Deleted = true
	} else {
		next.Value = append([]byte(nil), p.Payload...)
	}
	r.storeLocked(entry, next)
	r.stats.Applied++
	return nil, nil
}

func (r *Replica) storeLocked(entry string, v Version) {
	chain, _ := r.entries.Load(entry)
	chain = prune(chain, r.window.OldestConsistentGeneration())
	next := make([]Version, 0, len(chain)+1)
	next = append(next, chain...)
	next = append(next, v)
	r.entries.Store(entry, next)
}

func (r *Replica) advanceLocked() {
	r.window.Advance()
	if r.retain > 0 {
		r.window.Retain(r.retain)
	}
}

// prune drops versions no read at or above oldest can observe. The newest
// version at or below oldest stays because it is what such a read sees.
func prune(chain []Version, oldest uint64) []Version {
	i := sort.Search(len(chain), func(i int) bool { return chain[i].Generation > oldest })
	if i <= 1 {
		return chain
	}
	return chain[i-1:]
}
