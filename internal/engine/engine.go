package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/gridrepl/internal/backlog"
	"github.com/roach88/gridrepl/internal/metrics"
	"github.com/roach88/gridrepl/internal/packet"
	"github.com/roach88/gridrepl/internal/target"
	"github.com/roach88/gridrepl/internal/topology"
	"github.com/roach88/gridrepl/internal/transport"
	"github.com/roach88/gridrepl/internal/txn"
)

// LocalGroup names the primary copy's own single-lane sequence.
const LocalGroup = "local"

// Engine is the partition's single-writer pipeline.
//
// Every mutation is dispatched by the Run loop goroutine, so the backlogs
// see exactly one appender. External callers use Apply (or Enqueue) from
// any goroutine.
//
// When a primary copy is configured, data mutations are checked against
// it before dispatch and applied to it afterwards; it is also the source
// of the snapshots used to resynchronise targets.
type Engine struct {
	source     packet.NodeID
	groups     []*backlog.Group
	dispatcher *txn.Dispatcher
	primary    *target.Replica
	installer  transport.Transport
	metrics    *metrics.Metrics
	clock      *Clock
	queue      *eventQueue
	txnOpts    []txn.Option
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithPrimary keeps a local copy of the partition in r.
func WithPrimary(r *target.Replica) EngineOption {
	return func(e *Engine) { e.primary = r }
}

// WithInstaller sets the transport snapshots are installed through.
func WithInstaller(t transport.Transport) EngineOption {
	return func(e *Engine) { e.installer = t }
}

// WithMetrics records accepted mutations.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithDispatcherOptions passes options to the transaction dispatcher,
// e.g. a fixed id generator in tests.
func WithDispatcherOptions(opts ...txn.Option) EngineOption {
	return func(e *Engine) { e.txnOpts = append(e.txnOpts, opts...) }
}

// New creates an engine dispatching to groups in the given order.
func New(source packet.NodeID, groups []*backlog.Group, opts ...EngineOption) *Engine {
	e := &Engine{
		source: source,
		groups: groups,
		clock:  NewClock(),
		queue:  newEventQueue(),
	}
	for _, opt := range opts {
		opt(e)
	}

	appenders := make([]txn.Appender, len(groups))
	for i, g := range groups {
		appenders[i] = g
	}
	e.dispatcher = txn.NewDispatcher(source, appenders, e.txnOpts...)
	return e
}

// Groups returns the engine's groups in dispatch order.
func (e *Engine) Groups() []*backlog.Group { return e.groups }

// Group returns the named group.
func (e *Engine) Group(name string) (*backlog.Group, bool) {
	for _, g := range e.groups {
		if g.Name() == name {
			return g, true
		}
	}
	return nil, false
}

// Primary returns the primary copy, if any.
func (e *Engine) Primary() *target.Replica { return e.primary }

// Clock returns the local sequence clock.
func (e *Engine) Clock() *Clock { return e.clock }

// Enqueue submits an event for processing by the Run loop.
// Returns false if the engine has been stopped.
func (e *Engine) Enqueue(ev Event) bool {
	return e.queue.Enqueue(ev)
}

// Apply submits m and waits until it is dispatched. For synchronous
// groups it also waits until every target acknowledged the mutation's key.
func (e *Engine) Apply(ctx context.Context, m Mutation) (Result, error) {
	if err := m.Validate(); err != nil {
		return Result{}, err
	}

	out, err := e.call(ctx, Event{Type: EventTypeMutation, Mutation: &m})
	if err != nil {
		return out.Result, err
	}

	for _, a := range out.Result.Receipt {
		g, ok := e.Group(a.Group)
		if !ok || g.Config().Reliability != topology.ReliabilitySync {
			continue
		}
		if err := g.Backlog().AwaitAck(ctx, a.Key); err != nil {
			return out.Result, fmt.Errorf("await %s#%d: %w", a.Group, a.Key, err)
		}
	}
	return out.Result, nil
}

func (e *Engine) call(ctx context.Context, ev Event) (Outcome, error) {
	reply := make(chan Outcome, 1)
	ev.Reply = reply
	if !e.queue.Enqueue(ev) {
		return Outcome{}, errStopped
	}
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case out := <-reply:
		return out, out.Err
	}
}

// Run starts the single-writer event loop.
// Blocks until context is cancelled or Stop() is called.
//
// Must be called from exactly ONE goroutine. Events still queued when the
// loop ends are answered with ENGINE_STOPPED.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting", "source", string(e.source), "groups", len(e.groups))

	for {
		event, ok := e.queue.TryDequeue()
		if ok {
			e.reply(event, e.processEvent(ctx, event))
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			e.drain()
			return ctx.Err()

		case _, open := <-e.queue.Wait():
			if !open {
				slog.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop gracefully shuts down the engine.
func (e *Engine) Stop() {
	e.drain()
}

func (e *Engine) drain() {
	for _, ev := range e.queue.Close() {
		e.reply(ev, Outcome{Err: errStopped})
	}
}

func (e *Engine) reply(ev Event, out Outcome) {
	if out.Err != nil && ev.Reply == nil {
		logEventError(ev, out.Err)
	}
	if ev.Reply != nil {
		ev.Reply <- out
	}
}

// processEvent routes an event to the appropriate handler.
// Called only from the Run goroutine.
func (e *Engine) processEvent(ctx context.Context, event Event) Outcome {
	switch event.Type {
	case EventTypeMutation:
		if event.Mutation == nil {
			return Outcome{Err: fmt.Errorf("mutation event missing mutation data")}
		}
		res, err := e.processMutation(ctx, *event.Mutation)
		return Outcome{Result: res, Err: err}

	case EventTypeSnapshot:
		snap, err := e.snapshot(event.Group)
		return Outcome{Snapshot: snap, Key: snap.Key, Err: err}

	default:
		return Outcome{Err: fmt.Errorf("unknown event type: %d", event.Type)}
	}
}

func (e *Engine) processMutation(ctx context.Context, m Mutation) (Result, error) {
	if err := m.Validate(); err != nil {
		return Result{}, err
	}

	if m.Op == OpBegin {
		id, err := e.dispatcher.Begin()
		if err != nil {
			return Result{}, err
		}
		e.metrics.MutationAccepted(m.Op.String())
		slog.Debug("transaction opened", "txn", string(id))
		return Result{Txn: id}, nil
	}

	p := m.packet()
	if m.Op.IsData() && e.primary != nil {
		c, err := e.primary.Check(ctx, LocalGroup, p)
		if err != nil {
			return Result{}, fmt.Errorf("check %s: %w", m.Entry, err)
		}
		if c != nil {
			return Result{}, &Error{Code: ErrCodeRejected, Message: "primary copy refused the mutation", Op: m.Op, Entry: m.Entry, Err: c}
		}
	}

	var receipt txn.Receipt
	var err error
	switch {
	case m.Op.IsData() && m.Txn == "":
		receipt, err = e.dispatcher.Dispatch(ctx, p)
	case m.Op.IsData():
		receipt, err = e.dispatcher.Write(ctx, m.Txn, p)
	case m.Op == OpPrepare:
		receipt, err = e.dispatcher.Prepare(ctx, m.Txn)
	case m.Op == OpCommit:
		receipt, err = e.dispatcher.Commit(ctx, m.Txn)
	case m.Op == OpRollback:
		receipt, err = e.dispatcher.Rollback(ctx, m.Txn)
	}
	if err != nil {
		return Result{Receipt: receipt}, err
	}
	e.metrics.MutationAccepted(m.Op.String())

	res := Result{Receipt: receipt}
	if e.primary != nil {
		res.Local = e.clock.Next()
		local := p.WithKey(res.Local)
		local.Source = e.source
		if err := e.primary.Apply(ctx, LocalGroup, local); err != nil {
			// Already replicated; the primary copy has diverged.
			slog.Error("primary apply failed", "local", uint64(res.Local), "op", m.Op.String(), "entry", m.Entry, "error", err)
			return res, fmt.Errorf("apply to primary: %w", err)
		}
	}

	slog.Debug("mutation dispatched",
		"op", m.Op.String(),
		"entry", m.Entry,
		"txn", string(m.Txn),
		"groups", len(receipt),
	)
	return res, nil
}

// snapshot captures the primary copy labelled with the group's high key.
// Running on the single writer guarantees no append lands in between.
func (e *Engine) snapshot(group string) (transport.Snapshot, error) {
	if e.primary == nil {
		return transport.Snapshot{}, &Error{Code: ErrCodeNoSnapshotSource, Message: "no primary copy configured"}
	}
	g, ok := e.Group(group)
	if !ok {
		return transport.Snapshot{}, fmt.Errorf("snapshot: unknown group %s", group)
	}
	return e.primary.Snapshot(LocalGroup, group, g.Backlog().High()), nil
}

// Snapshot returns a consistent snapshot of the primary copy for group.
func (e *Engine) Snapshot(ctx context.Context, group string) (transport.Snapshot, error) {
	out, err := e.call(ctx, Event{Type: EventTypeSnapshot, Group: group})
	return out.Snapshot, err
}

// Resync implements delivery.Resyncer: it installs a snapshot on target
// and returns the group key the snapshot covers.
func (e *Engine) Resync(ctx context.Context, group, target string) (packet.Key, error) {
	if e.installer == nil {
		return packet.None, &Error{Code: ErrCodeNoSnapshotSource, Message: "no installer configured"}
	}
	snap, err := e.Snapshot(ctx, group)
	if err != nil {
		return packet.None, err
	}
	if err := e.installer.Install(ctx, target, snap); err != nil {
		return packet.None, fmt.Errorf("install snapshot on %s: %w", target, err)
	}
	slog.Info("snapshot installed", "group", group, "target", target, "key", uint64(snap.Key), "entries", len(snap.Entries))
	return snap.Key, nil
}

// logEventError logs an event processing failure nobody waits for.
func logEventError(event Event, err error) {
	attrs := []any{"event_type", event.Type, "error", err}
	if m := event.Mutation; m != nil {
		attrs = append(attrs, "op", m.Op.String(), "entry", m.Entry, "txn", string(m.Txn))
	}
	slog.Error("event processing failed", attrs...)
}
