package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gridrepl/internal/backlog"
	"github.com/roach88/gridrepl/internal/packet"
	"github.com/roach88/gridrepl/internal/target"
	"github.com/roach88/gridrepl/internal/topology"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.BatchCompleted("orders", "r1", 5, 10*time.Millisecond)
	m.BatchCompleted("orders", "r1", 3, 10*time.Millisecond)
	m.BatchAbandoned("orders", "r1")
	m.Resynced("orders", "r2")
	m.ConflictEscalated("orders", "r1", "version-mismatch")
	m.MutationAccepted("insert")

	assert.Equal(t, 2.0, promtest.ToFloat64(m.batchesCompleted.WithLabelValues("orders", "r1")))
	assert.Equal(t, 8.0, promtest.ToFloat64(m.packetsDelivered.WithLabelValues("orders", "r1")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.batchesAbandoned.WithLabelValues("orders", "r1")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.resyncs.WithLabelValues("orders", "r2")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.conflicts.WithLabelValues("orders", "r1", "version-mismatch")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.mutations.WithLabelValues("insert")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.BatchCompleted("g", "t", 1, time.Second)
	m.BatchAbandoned("g", "t")
	m.Resynced("g", "t")
	m.ConflictEscalated("g", "t", "c")
	m.MutationAccepted("insert")
	assert.NoError(t, m.Register())
	assert.Nil(t, m.Registry())
}

func TestBacklogCollector(t *testing.T) {
	g, err := (&backlog.Builder{}).Build(topology.GroupConfig{
		Name:    "orders",
		Targets: []topology.Target{{Name: "r1"}},
	})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := g.Append(context.Background(), packet.Packet{Kind: packet.KindInsert, Entry: "E", Source: "n1"})
		require.NoError(t, err)
	}

	c := NewBacklogCollector(func() []*backlog.Group { return []*backlog.Group{g} })
	// length, high, floor, low water, halted, plus lag and resync for r1.
	assert.Equal(t, 7, promtest.CollectAndCount(c))

	expected := `
# HELP gridrepl_backlog_high_key Last appended key
# TYPE gridrepl_backlog_high_key gauge
gridrepl_backlog_high_key{group="orders"} 3
# HELP gridrepl_backlog_target_lag_keys Keys between the group's high key and the oldest key a target still needs
# TYPE gridrepl_backlog_target_lag_keys gauge
gridrepl_backlog_target_lag_keys{group="orders",target="r1"} 3
`
	require.NoError(t, promtest.CollectAndCompare(c, strings.NewReader(expected),
		"gridrepl_backlog_high_key", "gridrepl_backlog_target_lag_keys"))
}

func TestReplicaCollector(t *testing.T) {
	r := target.New("replica-1")
	require.NoError(t, r.Apply(context.Background(), "local",
		packet.Packet{Key: 1, Kind: packet.KindInsert, Entry: "E", Source: "n1"}))

	c := NewReplicaCollector(r)
	assert.Equal(t, 10, promtest.CollectAndCount(c))

	expected := `
# HELP gridrepl_replica_applied_total Replica apply outcomes: applied
# TYPE gridrepl_replica_applied_total counter
gridrepl_replica_applied_total{replica="replica-1"} 1
`
	require.NoError(t, promtest.CollectAndCompare(c, strings.NewReader(expected), "gridrepl_replica_applied_total"))
}

func TestHandler_ServesRegistry(t *testing.T) {
	m := New()
	m.MutationAccepted("update")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `gridrepl_engine_mutations_total{kind="update"} 1`)
}
