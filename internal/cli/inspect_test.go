package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gridrepl/internal/packet"
	"github.com/roach88/gridrepl/internal/store"
)

// seedJournal writes three orders packets, an ack and a resync flag.
func seedJournal(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "node.db")

	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	packets := []packet.Packet{
		{Key: 1, Kind: packet.KindInsert, Entry: "a", Payload: []byte("1"), Source: "node-a"},
		{Key: 2, Kind: packet.KindUpdate, Entry: "a", Payload: []byte("22"), Source: "node-a", Txn: "tx-1"},
		{Key: 3, Kind: packet.KindTxnCommit, Txn: "tx-1", Source: "node-a"},
	}
	for _, p := range packets {
		require.NoError(t, st.AppendPacket(ctx, "orders", p))
	}
	require.NoError(t, st.SaveAck(ctx, "orders", "r1", 0, 2))
	require.NoError(t, st.SaveResync(ctx, "orders", "r2", true))
	return path
}

func runInspectCmd(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewInspectCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestInspect_Groups(t *testing.T) {
	path := seedJournal(t)

	out, err := runInspectCmd(t, "text", "--journal", path)
	require.NoError(t, err)
	assert.Contains(t, out, "orders  floor=1 first=1 high=3 packets=3")
	assert.Contains(t, out, "resync=r2")
}

func TestInspect_GroupsJSON(t *testing.T) {
	path := seedJournal(t)

	out, err := runInspectCmd(t, "json", "--journal", path)
	require.NoError(t, err)

	var resp struct {
		Data []store.GroupSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "orders", resp.Data[0].Group)
	assert.Equal(t, 3, resp.Data[0].Packets)
	assert.Equal(t, []string{"r2"}, resp.Data[0].Resync)
}

func TestInspect_Packets(t *testing.T) {
	path := seedJournal(t)

	out, err := runInspectCmd(t, "text", "--journal", path, "--group", "orders", "--from", "2")
	require.NoError(t, err)
	assert.Equal(t, "#2 update a txn=tx-1\n#3 transaction-commit txn=tx-1\n", out)

	out, err = runInspectCmd(t, "json", "--journal", path, "--group", "orders", "--limit", "1")
	require.NoError(t, err)
	var resp struct {
		Data []PacketView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, []PacketView{{Key: 1, Kind: "insert", Entry: "a", Source: "node-a", Payload: 1}}, resp.Data)
}

func TestInspect_EmptyGroup(t *testing.T) {
	path := seedJournal(t)

	out, err := runInspectCmd(t, "text", "--journal", path, "--group", "audit")
	require.NoError(t, err)
	assert.Equal(t, "No packets in audit from #1.\n", out)
}

func TestInspect_MissingJournal(t *testing.T) {
	_, err := runInspectCmd(t, "text", "--journal", filepath.Join(t.TempDir(), "nope.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = runInspectCmd(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}
