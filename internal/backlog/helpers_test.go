package backlog

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/gridrepl/internal/packet"
	"github.com/roach88/gridrepl/internal/topology"
)

// memJournal records journal calls in memory.
type memJournal struct {
	mu      sync.Mutex
	packets []packet.Packet
	below   packet.Key
	acks    map[string]packet.Key
	resync  map[string]bool
	ackErr  error
}

func newMemJournal() *memJournal {
	return &memJournal{acks: make(map[string]packet.Key), resync: make(map[string]bool)}
}

func (j *memJournal) AppendPacket(_ context.Context, _ string, p packet.Packet) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.packets = append(j.packets, p)
	return nil
}

func (j *memJournal) TrimPackets(_ context.Context, _ string, below packet.Key) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.below = max(j.below, below)
	return nil
}

func (j *memJournal) SaveAck(_ context.Context, _ string, target string, lane int, key packet.Key) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.ackErr != nil {
		return j.ackErr
	}
	j.acks[fmt.Sprintf("%s/%d", target, lane)] = key
	return nil
}

func (j *memJournal) SaveResync(_ context.Context, _ string, target string, needed bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.resync[target] = needed
	return nil
}

func buildGroup(t *testing.T, cfg topology.GroupConfig) *Group {
	t.Helper()
	g, err := (&Builder{}).Build(cfg)
	require.NoError(t, err)
	return g
}

func singleTarget(name string) topology.GroupConfig {
	return topology.GroupConfig{Name: name, Targets: []topology.Target{{Name: "T"}}}
}

func insert(entry string) packet.Packet {
	return packet.Packet{Kind: packet.KindInsert, Entry: entry, Payload: []byte(entry)}
}

func appendN(t *testing.T, b *Backlog, n int) []packet.Key {
	t.Helper()
	keys := make([]packet.Key, 0, n)
	for i := 0; i < n; i++ {
		k, err := b.Append(context.Background(), insert(fmt.Sprintf("E%d", i+1)))
		require.NoError(t, err)
		keys = append(keys, k)
	}
	return keys
}

func collect(t *testing.T, b *Backlog, from packet.Key, limit int) []packet.Key {
	t.Helper()
	seq, err := b.Range(from, limit)
	require.NoError(t, err)
	var keys []packet.Key
	for p := range seq {
		keys = append(keys, p.Key)
	}
	return keys
}
