package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/gridrepl/internal/packet"
)

// createTestStore opens a fresh journal under t.TempDir().
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestPacket creates an insert packet with the given key.
func createTestPacket(key packet.Key, entry string) packet.Packet {
	return packet.Packet{
		Key:       key,
		Kind:      packet.KindInsert,
		Entry:     entry,
		Payload:   []byte("v-" + entry),
		Source:    "node-1",
		Timestamp: int64(key) * 1000,
	}
}
