package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/roach88/gridrepl/internal/backlog"
	"github.com/roach88/gridrepl/internal/conflict"
	"github.com/roach88/gridrepl/internal/delivery"
	"github.com/roach88/gridrepl/internal/engine"
	"github.com/roach88/gridrepl/internal/mvcc"
	"github.com/roach88/gridrepl/internal/packet"
	"github.com/roach88/gridrepl/internal/store"
	"github.com/roach88/gridrepl/internal/target"
	"github.com/roach88/gridrepl/internal/testutil"
	"github.com/roach88/gridrepl/internal/transport"
	"github.com/roach88/gridrepl/internal/txn"
)

// scenarioTimeout bounds a whole scenario run.
const scenarioTimeout = time.Minute

// Harness is one in-memory grid: the engine with its primary copy, a
// replica per target reached over a loopback transport, one delivery
// worker per group and target, and an in-memory journal.
type Harness struct {
	store    *store.Store
	engine   *engine.Engine
	groups   map[string]*backlog.Group
	replicas map[string]*target.Replica
	loop     *transport.Loopback
	wire     *recordingTransport
	workers  map[Route]*delivery.Worker
	result   *Result
	logger   *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against a fresh grid with an in-memory SQLite
// journal. Transaction ids are tx-1, tx-2, ... in Begin order and packet
// timestamps come from a logical clock, so traces are reproducible.
func Run(scenario *Scenario) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), scenarioTimeout)
	defer cancel()

	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}
	defer h.store.Close()

	runCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.engine.Run(runCtx)
	}()
	defer func() {
		stop()
		wg.Wait()
	}()

	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	for _, msg := range h.evaluateAssertions(ctx, scenario.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func newHarness(s *Scenario) (*Harness, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	loop := transport.NewLoopback()
	h := &Harness{
		store:    st,
		groups:   make(map[string]*backlog.Group),
		replicas: make(map[string]*target.Replica),
		loop:     loop,
		wire:     &recordingTransport{Transport: loop},
		workers:  make(map[Route]*delivery.Worker),
		result:   NewResult(),
		logger:   logger,
	}

	builder := &backlog.Builder{Journal: st, Logger: logger}
	policies := make(map[string][]target.Option)
	var ordered []*backlog.Group
	for _, cfg := range s.Groups {
		g, err := builder.Build(cfg)
		if err != nil {
			st.Close()
			return nil, err
		}
		h.groups[cfg.Name] = g
		ordered = append(ordered, g)

		policy, err := conflict.ParsePolicy(cfg.Conflicts)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("group %s: %w", cfg.Name, err)
		}
		for _, name := range g.Backlog().Targets() {
			policies[name] = append(policies[name], target.WithPolicy(cfg.Name, policy))
		}
	}
	for name, opts := range policies {
		r := target.New(name, append(opts, target.WithLogger(logger))...)
		h.replicas[name] = r
		loop.Register(name, r)
	}

	node := s.Node
	if node == "" {
		node = "node-1"
	}
	clock := testutil.NewDeterministicClock()
	h.engine = engine.New(packet.NodeID(node), ordered,
		engine.WithPrimary(target.New(PrimaryTarget, target.WithLogger(logger))),
		engine.WithInstaller(h.wire),
		engine.WithDispatcherOptions(
			txn.WithIDGenerator(testutil.NewSequentialIDs("tx")),
			txn.WithClock(clock.Now),
		),
	)

	for _, g := range ordered {
		for _, name := range g.Backlog().Targets() {
			route := Route{Group: g.Name(), Target: name}
			h.workers[route] = delivery.NewWorker(g, name, h.wire,
				delivery.WithResyncer(delivery.ResyncFunc(h.resync)),
				delivery.WithSource(packet.NodeID(node)),
				delivery.WithAutoTrim(!s.ManualTrim),
				delivery.WithLogger(logger),
			)
		}
	}
	return h, nil
}

// replica returns the named replica; PrimaryTarget is the engine's copy.
func (h *Harness) replica(name string) (*target.Replica, error) {
	if name == PrimaryTarget {
		return h.engine.Primary(), nil
	}
	r, ok := h.replicas[name]
	if !ok {
		return nil, fmt.Errorf("unknown target %q", name)
	}
	return r, nil
}

func (h *Harness) group(name string) (*backlog.Group, error) {
	g, ok := h.groups[name]
	if !ok {
		return nil, fmt.Errorf("unknown group %q", name)
	}
	return g, nil
}

func (h *Harness) executeStep(ctx context.Context, index int, step Step) error {
	var outcome, cause, value string
	var err error

	switch {
	case step.Apply != nil:
		outcome, cause, err = h.apply(ctx, step.Apply)
	case step.Deliver != nil:
		outcome, cause, err = h.deliver(ctx, *step.Deliver)
	case step.Partition != nil:
		if _, err = h.replica(step.Partition.Target); err == nil {
			h.loop.Fail(step.Partition.Target, errors.New("partitioned"))
			h.result.record(EventPartition, "%s", step.Partition.Target)
			outcome = "ok"
		}
	case step.Heal != nil:
		if _, err = h.replica(step.Heal.Target); err == nil {
			h.loop.Heal(step.Heal.Target)
			h.result.record(EventHeal, "%s", step.Heal.Target)
			outcome = "ok"
		}
	case step.Trim != nil:
		outcome, err = h.trim(ctx, step.Trim.Group)
	case step.Read != nil:
		outcome, value, err = h.read(step.Read)
	}
	if err != nil {
		return err
	}

	want := step.Expect
	if want == nil {
		want = &ExpectClause{Outcome: "ok"}
		if step.Read != nil {
			want.Outcome = "found"
		}
	}
	if outcome != want.Outcome {
		h.result.AddError(fmt.Sprintf("steps[%d]: expected outcome %s, got %s", index, want.Outcome, outcome))
		return nil
	}
	if want.Cause != "" && cause != want.Cause {
		h.result.AddError(fmt.Sprintf("steps[%d]: expected cause %s, got %q", index, want.Cause, cause))
	}
	if want.Value != nil && value != *want.Value {
		h.result.AddError(fmt.Sprintf("steps[%d]: expected value %q, got %q", index, *want.Value, value))
	}
	return nil
}

func (h *Harness) apply(ctx context.Context, step *ApplyStep) (outcome, cause string, err error) {
	op, err := engine.ParseOp(step.Op)
	if err != nil {
		return "", "", err
	}
	m := engine.Mutation{
		Op:              op,
		Entry:           step.Entry,
		Txn:             packet.TxnID(step.Txn),
		ExpectedVersion: step.ExpectedVersion,
	}
	if step.Value != "" {
		m.Payload = []byte(step.Value)
	}

	desc := describeMutation(m)
	res, applyErr := h.engine.Apply(ctx, m)
	switch {
	case applyErr == nil:
		outcome = "ok"
	case engine.IsRejected(applyErr):
		outcome = "rejected"
		if c, ok := conflict.AsConflict(applyErr); ok {
			cause = c.Cause.String()
		}
	case engine.IsInvalidMutation(applyErr):
		outcome = "invalid"
	case txn.IsTransactionClosed(applyErr):
		outcome = "transaction-closed"
	case txn.IsUnknownTransaction(applyErr):
		outcome = "unknown-transaction"
	default:
		return "", "", fmt.Errorf("apply %s: %w", desc, applyErr)
	}

	switch {
	case outcome != "ok" && cause != "":
		h.result.record(EventApply, "%s -> %s %s", desc, outcome, cause)
	case outcome != "ok":
		h.result.record(EventApply, "%s -> %s", desc, outcome)
	case op == engine.OpBegin:
		h.result.record(EventApply, "%s -> %s", desc, res.Txn)
	default:
		h.result.record(EventApply, "%s -> %s", desc, describeReceipt(res.Receipt))
	}
	return outcome, cause, nil
}

func describeMutation(m engine.Mutation) string {
	parts := []string{m.Op.String()}
	if m.Entry != "" {
		parts = append(parts, m.Entry)
	}
	if len(m.Payload) > 0 {
		parts = append(parts, fmt.Sprintf("=%s", m.Payload))
	}
	if m.ExpectedVersion != 0 {
		parts = append(parts, fmt.Sprintf("v%d", m.ExpectedVersion))
	}
	if m.Txn != "" {
		parts = append(parts, "txn="+string(m.Txn))
	}
	return strings.Join(parts, " ")
}

func describeReceipt(r txn.Receipt) string {
	parts := make([]string, len(r))
	for i, a := range r {
		parts[i] = fmt.Sprintf("%s#%d", a.Group, a.Key)
	}
	return strings.Join(parts, " ")
}

func (h *Harness) deliver(ctx context.Context, route Route) (outcome, cause string, err error) {
	w, ok := h.workers[route]
	if !ok {
		return "", "", fmt.Errorf("no target %q in group %q", route.Target, route.Group)
	}

	h.wire.reset()
	drainErr := w.Drain(ctx)
	report := h.wire.conflict()

	switch {
	case drainErr == nil:
		outcome = "ok"
	case report != nil:
		outcome = "conflict"
		cause = report.Cause
	case errors.Is(drainErr, delivery.ErrRetryable):
		outcome = "failed"
	default:
		return "", "", fmt.Errorf("deliver %s -> %s: %w", route.Group, route.Target, drainErr)
	}

	marks, _, err := w.Group().Backlog().Marks(route.Target)
	if err != nil {
		return "", "", err
	}
	detail := fmt.Sprintf("%s -> %s %s marks=%v", route.Group, route.Target, outcome, marks)
	if report != nil {
		detail = fmt.Sprintf("%s -> %s conflict %s on %s at #%d marks=%v",
			route.Group, route.Target, report.Cause, report.Entry, report.Key, marks)
	}
	h.result.record(EventDeliver, "%s", detail)
	return outcome, cause, nil
}

// resync wraps the engine's resync so the transfer shows in the trace.
func (h *Harness) resync(ctx context.Context, group, name string) (packet.Key, error) {
	key, err := h.engine.Resync(ctx, group, name)
	if err != nil {
		h.result.record(EventResync, "%s -> %s failed", group, name)
		return key, err
	}
	h.result.record(EventResync, "%s -> %s at #%d", group, name, key)
	return key, nil
}

func (h *Harness) trim(ctx context.Context, name string) (string, error) {
	g, err := h.group(name)
	if err != nil {
		return "", err
	}
	b := g.Backlog()
	n, err := b.Trim(ctx, b.High().Next())
	if err != nil {
		return "", err
	}
	h.result.record(EventTrim, "%s removed=%d floor=%d", name, n, b.Floor())
	return "ok", nil
}

func (h *Harness) read(step *ReadStep) (outcome, value string, err error) {
	r, err := h.replica(step.Target)
	if err != nil {
		return "", "", err
	}
	gen := step.Generation
	if gen == 0 {
		gen = r.Generation()
	}

	v, found, readErr := r.Read(step.Entry, gen)
	switch {
	case mvcc.IsExpired(readErr):
		outcome = "expired"
		h.result.record(EventRead, "%s %s@%d -> expired", step.Target, step.Entry, gen)
	case readErr != nil:
		return "", "", readErr
	case !found:
		outcome = "missing"
		h.result.record(EventRead, "%s %s@%d -> missing", step.Target, step.Entry, gen)
	default:
		outcome, value = "found", string(v.Value)
		h.result.record(EventRead, "%s %s@%d -> %s v%d", step.Target, step.Entry, gen, value, v.Version)
	}
	return outcome, value, nil
}

// recordingTransport remembers the first conflict report of a delivery.
type recordingTransport struct {
	transport.Transport

	mu   sync.Mutex
	last *transport.ConflictReport
}

func (t *recordingTransport) Send(ctx context.Context, target string, env transport.Envelope) (transport.Ack, error) {
	ack, err := t.Transport.Send(ctx, target, env)
	var ce *transport.ConflictError
	if errors.As(err, &ce) {
		t.mu.Lock()
		if t.last == nil {
			report := ce.Report
			t.last = &report
		}
		t.mu.Unlock()
	}
	return ack, err
}

func (t *recordingTransport) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = nil
}

func (t *recordingTransport) conflict() *transport.ConflictReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
