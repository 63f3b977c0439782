package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gridrepl/internal/backlog"
	"github.com/roach88/gridrepl/internal/packet"
	"github.com/roach88/gridrepl/internal/topology"
)

// echoReceiver acknowledges the last key of every lane.
type echoReceiver struct {
	got       []Envelope
	snapshots []Snapshot
	conflict  *ConflictReport
}

func (r *echoReceiver) Install(_ context.Context, snap Snapshot) error {
	r.snapshots = append(r.snapshots, snap)
	return nil
}

func (r *echoReceiver) Receive(_ context.Context, env Envelope) (Ack, error) {
	r.got = append(r.got, env)
	ack := Ack{BatchID: env.BatchID}
	for _, lb := range env.Lanes {
		ack.Lanes = append(ack.Lanes, backlog.LaneMark{Lane: lb.Lane, Key: lb.Packets[len(lb.Packets)-1].Key})
	}
	ack.Conflict = r.conflict
	return ack, nil
}

func sealedBatch(t *testing.T) (*backlog.Group, *backlog.Batch) {
	t.Helper()
	g, err := (&backlog.Builder{}).Build(topology.GroupConfig{
		Name:    "orders",
		Targets: []topology.Target{{Name: "replica"}},
	})
	require.NoError(t, err)
	for _, e := range []string{"E1", "E2", "E3"} {
		_, err := g.Append(context.Background(), packet.Packet{Kind: packet.KindInsert, Entry: e, Payload: []byte(e)})
		require.NoError(t, err)
	}
	b, err := g.NextBatch("replica", 10, nil)
	require.NoError(t, err)
	return g, b
}

func TestEnvelope_DigestDetectsTampering(t *testing.T) {
	_, b := sealedBatch(t)
	env, err := NewEnvelope(b, 1, "node-a")
	require.NoError(t, err)
	require.NoError(t, env.Verify())
	assert.Equal(t, 3, env.Len())

	env.Lanes[0].Packets[1].Payload = []byte("tampered")
	assert.ErrorIs(t, env.Verify(), ErrDigestMismatch)
}

func TestCodec_PreservesEnvelope(t *testing.T) {
	_, b := sealedBatch(t)
	env, err := NewEnvelope(b, 1, "node-a")
	require.NoError(t, err)

	wire, err := Encode(env)
	require.NoError(t, err)
	var back Envelope
	require.NoError(t, Decode(wire, &back))

	assert.NoError(t, back.Verify())
	assert.Equal(t, env.BatchID, back.BatchID)
	assert.Equal(t, env.Lanes[0].Packets[2].Entry, back.Lanes[0].Packets[2].Entry)

	assert.Error(t, Decode([]byte("not snappy"), &back))
}

func TestLoopback_SendAndFail(t *testing.T) {
	_, b := sealedBatch(t)
	env, err := NewEnvelope(b, 1, "node-a")
	require.NoError(t, err)

	l := NewLoopback()
	r := &echoReceiver{}
	l.Register("replica", r)

	ack, err := l.Send(context.Background(), "replica", env)
	require.NoError(t, err)
	assert.Equal(t, []backlog.LaneMark{{Lane: 0, Key: 3}}, ack.Lanes)
	require.Len(t, r.got, 1)

	down := errors.New("partitioned")
	l.Fail("replica", down)
	_, err = l.Send(context.Background(), "replica", env)
	assert.ErrorIs(t, err, down)
	l.Heal("replica")

	_, err = l.Send(context.Background(), "nobody", env)
	assert.Error(t, err)
}

func TestHTTP_RoundTrip(t *testing.T) {
	_, b := sealedBatch(t)
	env, err := NewEnvelope(b, 1, "node-a")
	require.NoError(t, err)

	r := &echoReceiver{}
	srv := httptest.NewServer(NewHandler(r))
	defer srv.Close()

	c := NewClient(map[string]string{"replica": srv.URL + "/"}, 5*time.Second)
	ack, err := c.Send(context.Background(), "replica", env)
	require.NoError(t, err)
	assert.Equal(t, env.BatchID, ack.BatchID)
	assert.Equal(t, []backlog.LaneMark{{Lane: 0, Key: 3}}, ack.Lanes)

	_, err = c.Send(context.Background(), "unknown", env)
	assert.Error(t, err)
}

func TestHTTP_RejectsCorruptEnvelope(t *testing.T) {
	_, b := sealedBatch(t)
	env, err := NewEnvelope(b, 1, "node-a")
	require.NoError(t, err)
	env.Digest = "0000"

	r := &echoReceiver{}
	srv := httptest.NewServer(NewHandler(r))
	defer srv.Close()

	_, err = NewClient(map[string]string{"replica": srv.URL}, time.Second).Send(context.Background(), "replica", env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
	assert.Empty(t, r.got)
}

func TestHTTP_ConflictIsReturnedAsError(t *testing.T) {
	_, b := sealedBatch(t)
	env, err := NewEnvelope(b, 1, "node-a")
	require.NoError(t, err)

	r := &echoReceiver{conflict: &ConflictReport{Lane: 0, Key: 2, Entry: "E2", Cause: "version-mismatch"}}
	srv := httptest.NewServer(NewHandler(r))
	defer srv.Close()

	ack, err := NewClient(map[string]string{"replica": srv.URL}, time.Second).Send(context.Background(), "replica", env)
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "E2", ce.Report.Entry)
	assert.NotNil(t, ack.Conflict)
}

func TestHTTP_Healthz(t *testing.T) {
	srv := httptest.NewServer(NewHandler(&echoReceiver{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInstall_LoopbackAndHTTP(t *testing.T) {
	snap := Snapshot{
		Group:   "orders",
		Key:     7,
		Entries: []SnapshotEntry{{Entry: "E1", Value: []byte("v"), Version: 2}},
	}

	r := &echoReceiver{}
	l := NewLoopback()
	l.Register("replica", r)
	require.NoError(t, l.Install(context.Background(), "replica", snap))

	srv := httptest.NewServer(NewHandler(r))
	defer srv.Close()
	c := NewClient(map[string]string{"replica": srv.URL}, time.Second)
	require.NoError(t, c.Install(context.Background(), "replica", snap))

	require.Len(t, r.snapshots, 2)
	for _, got := range r.snapshots {
		assert.Equal(t, packet.Key(7), got.Key)
		assert.Equal(t, "E1", got.Entries[0].Entry)
	}
}
