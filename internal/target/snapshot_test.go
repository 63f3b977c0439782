package target

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gridrepl/internal/backlog"
	"github.com/roach88/gridrepl/internal/mvcc"
	"github.com/roach88/gridrepl/internal/packet"
	"github.com/roach88/gridrepl/internal/transport"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	ctx := context.Background()
	primary := New("primary")
	require.NoError(t, primary.Apply(ctx, "local", data(1, packet.KindInsert, "A", "a")))
	require.NoError(t, primary.Apply(ctx, "local", data(2, packet.KindInsert, "B", "b")))
	require.NoError(t, primary.Apply(ctx, "local", data(3, packet.KindRemove, "A", "")))
	require.NoError(t, primary.Apply(ctx, "local", txnData(4, "C", "c", "tx")))

	snap := primary.Snapshot("local", "orders", 12)
	assert.Equal(t, "orders", snap.Group)
	assert.Equal(t, packet.Key(12), snap.Key)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, "B", snap.Entries[0].Entry)
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, packet.TxnID("tx"), snap.Pending[0].Txn)

	replica := New("replica-1")
	_, err := replica.Receive(ctx, single("orders", data(1, packet.KindInsert, "Z", "old")))
	require.NoError(t, err)
	before := replica.Generation()

	require.NoError(t, replica.Install(ctx, snap))

	assert.Equal(t, "b", value(t, replica, "B"))
	_, ok := replica.Get("Z")
	assert.False(t, ok, "entries absent from the snapshot are dropped")

	_, _, err = replica.Read("B", before)
	require.Error(t, err)
	assert.True(t, mvcc.IsExpired(err))

	// Delivery resumes after the snapshot key and finishes the open transaction.
	ack, err := replica.Receive(ctx, single("orders",
		data(12, packet.KindInsert, "dup", "x"),
		boundary(13, packet.KindTxnCommit, "tx"),
	))
	require.NoError(t, err)
	assert.Equal(t, []backlog.LaneMark{{Lane: 0, Key: 13}}, ack.Lanes)
	_, ok = replica.Get("dup")
	assert.False(t, ok)
	assert.Equal(t, "c", value(t, replica, "C"))
}

func TestInstall_RequiresGroup(t *testing.T) {
	require.Error(t, New("r").Install(context.Background(), snapshotFor("")))
}

func TestInstall_ResetsLanesForAnyLayout(t *testing.T) {
	ctx := context.Background()
	r := New("replica-1")
	require.NoError(t, r.Install(ctx, snapshotFor("orders")))

	env := single("orders", data(5, packet.KindInsert, "A", "a"))
	env.LaneCount = 3
	env.Lanes[0].Lane = 2
	ack, err := r.Receive(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, []backlog.LaneMark{{Lane: 2, Key: 5}}, ack.Lanes)
	assert.Equal(t, []packet.Key{4, 4, 5}, r.Marks("orders"))
}

func snapshotFor(group string) transport.Snapshot {
	return transport.Snapshot{Group: group, Key: 4}
}
