package store

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/roach88/gridrepl/internal/backlog"
	"github.com/roach88/gridrepl/internal/packet"
	"github.com/roach88/gridrepl/internal/topology"
)

func TestAppendPacket_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	want := []packet.Packet{
		createTestPacket(1, "E1"),
		{Key: 2, Kind: packet.KindUpdate, Entry: "E1", Txn: "tx", ExpectedVersion: 1, Source: "node-1"},
		{Key: 3, Kind: packet.KindTxnCommit, Txn: "tx", Source: "node-1"},
	}
	for _, p := range want {
		if err := s.AppendPacket(ctx, "orders", p); err != nil {
			t.Fatalf("AppendPacket(%s) failed: %v", p, err)
		}
	}

	got, err := s.ReadPackets(ctx, "orders", 1, 0)
	if err != nil {
		t.Fatalf("ReadPackets() failed: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("ReadPackets() returned %d packets, want %d", len(got), len(want))
	}
	for i := range want {
		if packet.MustDigest(got[i]) != packet.MustDigest(want[i]) {
			t.Errorf("packet %d = %s, want %s", i, got[i], want[i])
		}
	}

	limited, err := s.ReadPackets(ctx, "orders", 2, 1)
	if err != nil {
		t.Fatalf("ReadPackets() failed: %v", err)
	}
	if len(limited) != 1 || limited[0].Key != 2 {
		t.Errorf("ReadPackets(from=2, limit=1) = %v", limited)
	}
}

func TestAppendPacket_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	p := createTestPacket(1, "E1")
	if err := s.AppendPacket(ctx, "orders", p); err != nil {
		t.Fatalf("first AppendPacket() failed: %v", err)
	}
	if err := s.AppendPacket(ctx, "orders", p); err != nil {
		t.Errorf("repeated AppendPacket() with same content failed: %v", err)
	}

	other := createTestPacket(1, "E2")
	if err := s.AppendPacket(ctx, "orders", other); err == nil {
		t.Error("expected error when a key is rewritten with different content")
	}

	// Groups have independent key spaces.
	if err := s.AppendPacket(ctx, "audit", other); err != nil {
		t.Errorf("AppendPacket() on another group failed: %v", err)
	}
}

func TestTrimPackets_RaisesFloor(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for k := packet.Key(1); k <= 5; k++ {
		if err := s.AppendPacket(ctx, "orders", createTestPacket(k, "E")); err != nil {
			t.Fatalf("AppendPacket() failed: %v", err)
		}
	}
	if err := s.TrimPackets(ctx, "orders", 4); err != nil {
		t.Fatalf("TrimPackets() failed: %v", err)
	}
	// A lower trim never moves the floor back.
	if err := s.TrimPackets(ctx, "orders", 2); err != nil {
		t.Fatalf("TrimPackets() failed: %v", err)
	}

	state, err := s.LoadGroup(ctx, "orders")
	if err != nil {
		t.Fatalf("LoadGroup() failed: %v", err)
	}
	if state.Floor != 4 {
		t.Errorf("Floor = %d, want 4", state.Floor)
	}
	if len(state.Packets) != 2 || state.Packets[0].Key != 4 {
		t.Errorf("Packets = %v, want #4 and #5", state.Packets)
	}
}

func TestSaveAck_Monotonic(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	steps := []struct {
		lane int
		key  packet.Key
	}{
		{0, 3}, {1, 2}, {0, 1}, {1, 5},
	}
	for _, st := range steps {
		if err := s.SaveAck(ctx, "orders", "replica-1", st.lane, st.key); err != nil {
			t.Fatalf("SaveAck() failed: %v", err)
		}
	}

	state, err := s.LoadGroup(ctx, "orders")
	if err != nil {
		t.Fatalf("LoadGroup() failed: %v", err)
	}
	want := []packet.Key{3, 5}
	if got := state.Acks["replica-1"]; !reflect.DeepEqual(got, want) {
		t.Errorf("Acks[replica-1] = %v, want %v", got, want)
	}
}

func TestSaveResync_SetAndClear(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, needed := range []bool{true, true} {
		if err := s.SaveResync(ctx, "orders", "replica-1", needed); err != nil {
			t.Fatalf("SaveResync(%v) failed: %v", needed, err)
		}
	}
	state, err := s.LoadGroup(ctx, "orders")
	if err != nil {
		t.Fatalf("LoadGroup() failed: %v", err)
	}
	if !state.Resync["replica-1"] {
		t.Error("replica-1 should be flagged for resync")
	}

	if err := s.SaveResync(ctx, "orders", "replica-1", false); err != nil {
		t.Fatalf("SaveResync(false) failed: %v", err)
	}
	state, err = s.LoadGroup(ctx, "orders")
	if err != nil {
		t.Fatalf("LoadGroup() failed: %v", err)
	}
	if state.Resync["replica-1"] {
		t.Error("replica-1 resync flag should be cleared")
	}
}

func TestLoadGroup_Empty(t *testing.T) {
	s := createTestStore(t)

	state, err := s.LoadGroup(context.Background(), "never-written")
	if err != nil {
		t.Fatalf("LoadGroup() failed: %v", err)
	}
	if state.Floor != 1 || len(state.Packets) != 0 {
		t.Errorf("empty group loaded as floor=%d packets=%d", state.Floor, len(state.Packets))
	}
}

func TestLoadGroup_DetectsCorruption(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.AppendPacket(ctx, "orders", createTestPacket(1, "E1")); err != nil {
		t.Fatalf("AppendPacket() failed: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE packets SET digest = 'bogus' WHERE seq = 1`); err != nil {
		t.Fatalf("tamper failed: %v", err)
	}

	_, err := s.LoadGroup(ctx, "orders")
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("LoadGroup() error = %v, want ErrCorrupt", err)
	}
}

func TestLoadGroup_DetectsGap(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, k := range []packet.Key{1, 2, 4} {
		if err := s.AppendPacket(ctx, "orders", createTestPacket(k, "E")); err != nil {
			t.Fatalf("AppendPacket() failed: %v", err)
		}
	}
	if _, err := s.LoadGroup(ctx, "orders"); err == nil {
		t.Error("expected error for a journal gap")
	}
}

func TestGroups_Summaries(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for k := packet.Key(1); k <= 4; k++ {
		if err := s.AppendPacket(ctx, "orders", createTestPacket(k, "E")); err != nil {
			t.Fatalf("AppendPacket() failed: %v", err)
		}
	}
	if err := s.TrimPackets(ctx, "orders", 3); err != nil {
		t.Fatalf("TrimPackets() failed: %v", err)
	}
	if err := s.SaveAck(ctx, "orders", "replica-2", 0, 2); err != nil {
		t.Fatalf("SaveAck() failed: %v", err)
	}
	if err := s.SaveResync(ctx, "orders", "replica-9", true); err != nil {
		t.Fatalf("SaveResync() failed: %v", err)
	}
	if err := s.TrimPackets(ctx, "audit", 7); err != nil {
		t.Fatalf("TrimPackets() failed: %v", err)
	}

	groups, err := s.Groups(ctx)
	if err != nil {
		t.Fatalf("Groups() failed: %v", err)
	}
	want := []GroupSummary{
		{Group: "audit", Floor: 7, High: 6, Targets: []string{}, Resync: []string{}},
		{Group: "orders", Floor: 3, Low: 3, High: 4, Packets: 2, Targets: []string{"replica-2"}, Resync: []string{"replica-9"}},
	}
	if !reflect.DeepEqual(groups, want) {
		t.Errorf("Groups() = %+v\nwant %+v", groups, want)
	}
}

// A journaled group survives a restart with the same key space and marks.
func TestJournal_RestoresBacklog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()
	cfg := topology.GroupConfig{
		Name:        "orders",
		Ordering:    topology.OrderingMultiBucket,
		Buckets:     2,
		Reliability: topology.ReliabilitySync,
		Targets:     []topology.Target{{Name: "replica-1"}},
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	g, err := (&backlog.Builder{Journal: s}).Build(cfg)
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	for _, entry := range []string{"a", "b", "c", "d"} {
		if _, err := g.Append(ctx, packet.Packet{Kind: packet.KindInsert, Entry: entry, Source: "node-1"}); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}
	marks, _, err := g.Backlog().Marks("replica-1")
	if err != nil {
		t.Fatalf("Marks() failed: %v", err)
	}
	ack := make([]backlog.LaneMark, len(marks))
	for lane := range marks {
		ack[lane] = backlog.LaneMark{Lane: lane, Key: 2}
	}
	if err := g.Backlog().Acknowledge(ctx, "replica-1", ack); err != nil {
		t.Fatalf("Acknowledge() failed: %v", err)
	}
	if _, err := g.Backlog().Trim(ctx, 3); err != nil {
		t.Fatalf("Trim() failed: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	state, err := s.LoadGroup(ctx, "orders")
	if err != nil {
		t.Fatalf("LoadGroup() failed: %v", err)
	}
	restored, err := (&backlog.Builder{Journal: s}).Restore(cfg, state)
	if err != nil {
		t.Fatalf("Restore() failed: %v", err)
	}

	b := restored.Backlog()
	if b.High() != 4 || b.Floor() != 3 || b.Len() != 2 {
		t.Errorf("restored high=%d floor=%d len=%d, want 4/3/2", b.High(), b.Floor(), b.Len())
	}
	key, err := restored.Append(ctx, packet.Packet{Kind: packet.KindInsert, Entry: "e", Source: "node-1"})
	if err != nil {
		t.Fatalf("Append() after restore failed: %v", err)
	}
	if key != 5 {
		t.Errorf("Append() after restore = %d, want 5", key)
	}
}
