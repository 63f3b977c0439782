package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gridrepl/internal/backlog"
	"github.com/roach88/gridrepl/internal/conflict"
	"github.com/roach88/gridrepl/internal/delivery"
	"github.com/roach88/gridrepl/internal/metrics"
	"github.com/roach88/gridrepl/internal/packet"
	"github.com/roach88/gridrepl/internal/target"
	"github.com/roach88/gridrepl/internal/topology"
	"github.com/roach88/gridrepl/internal/transport"
	"github.com/roach88/gridrepl/internal/txn"
)

var _ delivery.Resyncer = (*Engine)(nil)

func buildGroups(t *testing.T, cfgs ...topology.GroupConfig) []*backlog.Group {
	t.Helper()
	var groups []*backlog.Group
	for _, cfg := range cfgs {
		if len(cfg.Targets) == 0 {
			cfg.Targets = []topology.Target{{Name: "r1"}}
		}
		g, err := (&backlog.Builder{}).Build(cfg)
		require.NoError(t, err)
		groups = append(groups, g)
	}
	return groups
}

// startEngine runs e until the test ends.
func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
	})
}

func groupPackets(t *testing.T, g *backlog.Group) []packet.Packet {
	t.Helper()
	seq, err := g.Backlog().Range(g.Backlog().Floor(), 0)
	require.NoError(t, err)
	var out []packet.Packet
	for p := range seq {
		out = append(out, p)
	}
	return out
}

func TestEngine_New(t *testing.T) {
	groups := buildGroups(t,
		topology.GroupConfig{Name: "orders"},
		topology.GroupConfig{Name: "audit"},
	)
	e := New("n1", groups)

	assert.NotNil(t, e.clock)
	assert.NotNil(t, e.queue)
	assert.Nil(t, e.Primary())
	assert.Len(t, e.Groups(), 2)

	g, ok := e.Group("audit")
	require.True(t, ok)
	assert.Equal(t, "audit", g.Name())
	_, ok = e.Group("missing")
	assert.False(t, ok)
}

func TestEngine_ApplyDispatchesToEveryGroup(t *testing.T) {
	ctx := context.Background()
	groups := buildGroups(t,
		topology.GroupConfig{Name: "orders"},
		topology.GroupConfig{Name: "audit", Ordering: topology.OrderingMultiBucket, Buckets: 4},
	)
	m := metrics.New()
	primary := target.New("primary")
	e := New("n1", groups, WithPrimary(primary), WithMetrics(m))
	startEngine(t, e)

	res, err := e.Apply(ctx, Mutation{Op: OpInsert, Entry: "a", Payload: []byte("1")})
	require.NoError(t, err)
	assert.Equal(t, txn.Receipt{{Group: "orders", Key: 1}, {Group: "audit", Key: 1}}, res.Receipt)
	assert.Equal(t, packet.Key(1), res.Local)

	res, err = e.Apply(ctx, Mutation{Op: OpUpdate, Entry: "a", Payload: []byte("2"), ExpectedVersion: 1})
	require.NoError(t, err)
	assert.Equal(t, packet.Key(2), res.Receipt[0].Key)

	v, ok := primary.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("2"), v.Value)
	assert.Equal(t, uint64(2), v.Version)

	for _, g := range groups {
		ps := groupPackets(t, g)
		require.Len(t, ps, 2)
		assert.Equal(t, packet.NodeID("n1"), ps[0].Source)
		assert.Equal(t, packet.KindUpdate, ps[1].Kind)
	}
	assert.Equal(t, packet.Key(2), e.Clock().Current())
}

func TestEngine_TransactionAppliesOnCommit(t *testing.T) {
	ctx := context.Background()
	groups := buildGroups(t, topology.GroupConfig{Name: "orders"})
	primary := target.New("primary")
	e := New("n1", groups,
		WithPrimary(primary),
		WithDispatcherOptions(txn.WithIDGenerator(txn.NewFixedGenerator("tx-1"))),
	)
	startEngine(t, e)

	res, err := e.Apply(ctx, Mutation{Op: OpBegin})
	require.NoError(t, err)
	require.Equal(t, packet.TxnID("tx-1"), res.Txn)
	assert.Empty(t, res.Receipt, "begin appends nothing")

	for _, entry := range []string{"a", "b"} {
		_, err := e.Apply(ctx, Mutation{Op: OpInsert, Entry: entry, Txn: res.Txn})
		require.NoError(t, err)
	}
	_, ok := primary.Get("a")
	assert.False(t, ok, "transaction data is invisible before commit")

	_, err = e.Apply(ctx, Mutation{Op: OpCommit, Txn: res.Txn})
	require.NoError(t, err)
	assert.Equal(t, 2, primary.Len())

	ps := groupPackets(t, groups[0])
	require.Len(t, ps, 3)
	assert.Equal(t, packet.KindTxnCommit, ps[2].Kind)
	assert.Equal(t, packet.TxnID("tx-1"), ps[0].Txn)

	_, err = e.Apply(ctx, Mutation{Op: OpInsert, Entry: "c", Txn: res.Txn})
	assert.True(t, txn.IsUnknownTransaction(err), "finished transactions are forgotten, got %v", err)
}

func TestEngine_TransactionSeesItsOwnWrites(t *testing.T) {
	ctx := context.Background()
	groups := buildGroups(t, topology.GroupConfig{Name: "orders"})
	primary := target.New("primary")
	e := New("n1", groups,
		WithPrimary(primary),
		WithDispatcherOptions(txn.WithIDGenerator(txn.NewFixedGenerator("tx-1"))),
	)
	startEngine(t, e)

	res, err := e.Apply(ctx, Mutation{Op: OpBegin})
	require.NoError(t, err)

	steps := []Mutation{
		{Op: OpInsert, Entry: "a", Payload: []byte("1"), Txn: res.Txn},
		{Op: OpUpdate, Entry: "a", Payload: []byte("2"), Txn: res.Txn, ExpectedVersion: 1},
		{Op: OpInsert, Entry: "b", Payload: []byte("x"), Txn: res.Txn},
		{Op: OpRemove, Entry: "b", Txn: res.Txn},
	}
	for _, m := range steps {
		_, err := e.Apply(ctx, m)
		require.NoError(t, err, "%s %s", m.Op, m.Entry)
	}

	// b was removed again inside the transaction.
	_, err = e.Apply(ctx, Mutation{Op: OpUpdate, Entry: "b", Payload: []byte("y"), Txn: res.Txn})
	require.Error(t, err)
	c, ok := conflict.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, conflict.EntryNotFound, c.Cause)

	_, err = e.Apply(ctx, Mutation{Op: OpCommit, Txn: res.Txn})
	require.NoError(t, err)

	v, ok := primary.Get("a")
	require.True(t, ok)
	assert.Equal(t, "2", string(v.Value))
	assert.Equal(t, uint64(2), v.Version)
	_, ok = primary.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 0, primary.Stats().Escalated)
	assert.Len(t, groupPackets(t, groups[0]), len(steps)+1)
}

func TestEngine_PreparedTransactionRefusesWrites(t *testing.T) {
	ctx := context.Background()
	e := New("n1", buildGroups(t, topology.GroupConfig{Name: "orders"}),
		WithDispatcherOptions(txn.WithIDGenerator(txn.NewFixedGenerator("tx-1"))),
	)
	startEngine(t, e)

	res, err := e.Apply(ctx, Mutation{Op: OpBegin})
	require.NoError(t, err)
	_, err = e.Apply(ctx, Mutation{Op: OpPrepare, Txn: res.Txn})
	require.NoError(t, err)

	_, err = e.Apply(ctx, Mutation{Op: OpInsert, Entry: "a", Txn: res.Txn})
	assert.True(t, txn.IsTransactionClosed(err), "got %v", err)
}

func TestEngine_RollbackDiscardsOnPrimary(t *testing.T) {
	ctx := context.Background()
	groups := buildGroups(t, topology.GroupConfig{Name: "orders"})
	primary := target.New("primary")
	e := New("n1", groups,
		WithPrimary(primary),
		WithDispatcherOptions(txn.WithIDGenerator(txn.NewFixedGenerator("tx-1"))),
	)
	startEngine(t, e)

	res, err := e.Apply(ctx, Mutation{Op: OpBegin})
	require.NoError(t, err)
	_, err = e.Apply(ctx, Mutation{Op: OpInsert, Entry: "a", Txn: res.Txn})
	require.NoError(t, err)
	_, err = e.Apply(ctx, Mutation{Op: OpRollback, Txn: res.Txn})
	require.NoError(t, err)

	assert.Equal(t, 0, primary.Len())
	assert.Equal(t, 1, primary.Stats().Rollbacks)
	assert.Len(t, groupPackets(t, groups[0]), 2, "rolled back data is still forwarded")
}

func TestEngine_RejectsConflictingMutation(t *testing.T) {
	ctx := context.Background()
	groups := buildGroups(t, topology.GroupConfig{Name: "orders"})
	e := New("n1", groups, WithPrimary(target.New("primary")))
	startEngine(t, e)

	_, err := e.Apply(ctx, Mutation{Op: OpInsert, Entry: "a"})
	require.NoError(t, err)

	tests := []struct {
		name  string
		m     Mutation
		cause conflict.Cause
	}{
		{"insert existing", Mutation{Op: OpInsert, Entry: "a"}, conflict.EntryAlreadyExists},
		{"update missing", Mutation{Op: OpUpdate, Entry: "zz"}, conflict.EntryNotFound},
		{"stale version", Mutation{Op: OpUpdate, Entry: "a", ExpectedVersion: 7}, conflict.VersionMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Apply(ctx, tt.m)
			require.Error(t, err)
			assert.True(t, IsRejected(err))
			c, ok := conflict.AsConflict(err)
			require.True(t, ok)
			assert.Equal(t, tt.cause, c.Cause)
		})
	}
	assert.Equal(t, 1, groups[0].Backlog().Len(), "rejected mutations are never dispatched")
}

func TestEngine_InvalidMutation(t *testing.T) {
	ctx := context.Background()
	e := New("n1", buildGroups(t, topology.GroupConfig{Name: "orders"}))

	_, err := e.Apply(ctx, Mutation{Op: OpInsert})
	assert.True(t, IsInvalidMutation(err))

	startEngine(t, e)
	_, err = e.Apply(ctx, Mutation{Op: OpCommit, Txn: "nope"})
	assert.True(t, txn.IsUnknownTransaction(err), "got %v", err)
}

func TestEngine_SyncGroupWaitsForAcknowledgement(t *testing.T) {
	ctx := context.Background()
	groups := buildGroups(t, topology.GroupConfig{Name: "orders", Reliability: topology.ReliabilitySync})
	e := New("n1", groups)
	startEngine(t, e)

	done := make(chan error, 1)
	go func() {
		_, err := e.Apply(ctx, Mutation{Op: OpInsert, Entry: "a"})
		done <- err
	}()

	require.Eventually(t, func() bool {
		return groups[0].Backlog().High() == 1
	}, time.Second, time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("apply returned before acknowledgement: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	lb := transport.NewLoopback()
	replica := target.New("r1")
	lb.Register("r1", replica)
	require.NoError(t, delivery.NewWorker(groups[0], "r1", lb).Drain(ctx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("apply still waiting after delivery")
	}
	assert.Equal(t, 1, replica.Len())
}

func TestEngine_ResyncInstallsSnapshot(t *testing.T) {
	ctx := context.Background()
	groups := buildGroups(t, topology.GroupConfig{
		Name:           "orders",
		Reliability:    topology.ReliabilityAsync,
		RetentionLimit: 2,
	})
	lb := transport.NewLoopback()
	replica := target.New("r1")
	lb.Register("r1", replica)

	e := New("n1", groups, WithPrimary(target.New("primary")), WithInstaller(lb))
	startEngine(t, e)

	for _, entry := range []string{"a", "b", "c", "d", "e"} {
		_, err := e.Apply(ctx, Mutation{Op: OpInsert, Entry: entry})
		require.NoError(t, err)
	}
	require.True(t, groups[0].Backlog().NeedsResync("r1"))

	w := delivery.NewWorker(groups[0], "r1", lb, delivery.WithResyncer(e))
	require.NoError(t, w.Drain(ctx))

	assert.Equal(t, 5, replica.Len())
	assert.Equal(t, 1, replica.Stats().Snapshots)
	assert.False(t, groups[0].Backlog().NeedsResync("r1"))

	_, err := e.Apply(ctx, Mutation{Op: OpRemove, Entry: "a"})
	require.NoError(t, err)
	require.NoError(t, w.Drain(ctx))
	assert.Equal(t, 4, replica.Len())
	assert.Equal(t, []packet.Key{6}, replica.Marks("orders"))
}

func TestEngine_ResyncNeedsPrimaryAndInstaller(t *testing.T) {
	ctx := context.Background()
	groups := buildGroups(t, topology.GroupConfig{Name: "orders"})

	var ee *Error
	_, err := New("n1", groups).Resync(ctx, "orders", "r1")
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, ErrCodeNoSnapshotSource, ee.Code)

	e := New("n1", groups, WithInstaller(transport.NewLoopback()))
	startEngine(t, e)
	_, err = e.Resync(ctx, "orders", "r1")
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, ErrCodeNoSnapshotSource, ee.Code)
}

func TestEngine_SnapshotUnknownGroup(t *testing.T) {
	e := New("n1", buildGroups(t, topology.GroupConfig{Name: "orders"}), WithPrimary(target.New("primary")))
	startEngine(t, e)

	_, err := e.Snapshot(context.Background(), "missing")
	assert.ErrorContains(t, err, "unknown group")
}

func TestEngine_StopAnswersQueuedEvents(t *testing.T) {
	e := New("n1", buildGroups(t, topology.GroupConfig{Name: "orders"}))

	reply := make(chan Outcome, 1)
	require.True(t, e.Enqueue(Event{Type: EventTypeMutation, Mutation: &Mutation{Op: OpInsert, Entry: "a"}, Reply: reply}))
	e.Stop()

	out := <-reply
	assert.True(t, IsStopped(out.Err))

	_, err := e.Apply(context.Background(), Mutation{Op: OpInsert, Entry: "b"})
	assert.True(t, IsStopped(err))

	require.NoError(t, e.Run(context.Background()), "run returns once the queue is closed")
}
