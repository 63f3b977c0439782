package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_ParseRoundTrip(t *testing.T) {
	for k := KindInsert; k <= KindTxnRollback; k++ {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}

	_, err := ParseKind("upsert")
	assert.Error(t, err)
}

func TestKind_Classes(t *testing.T) {
	assert.True(t, KindInsert.IsData())
	assert.True(t, KindRemove.IsData())
	assert.False(t, KindTxnCommit.IsData())

	assert.True(t, KindTxnPrepare.IsBoundary())
	assert.True(t, KindTxnRollback.IsBoundary())
	assert.False(t, KindUpdate.IsBoundary())

	assert.Equal(t, "kind(42)", Kind(42).String())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		p       Packet
		wantErr error
	}{
		{"insert ok", Packet{Kind: KindInsert, Entry: "E1"}, nil},
		{"transactional update ok", Packet{Kind: KindUpdate, Entry: "E1", Txn: "tx-1"}, nil},
		{"remove without entry", Packet{Kind: KindRemove}, ErrMissingEntry},
		{"commit ok", Packet{Kind: KindTxnCommit, Txn: "tx-1"}, nil},
		{"commit without txn", Packet{Kind: KindTxnCommit}, ErrMissingTxn},
		{"rollback with entry", Packet{Kind: KindTxnRollback, Txn: "tx-1", Entry: "E1"}, ErrBoundaryPayload},
		{"prepare with payload", Packet{Kind: KindTxnPrepare, Txn: "tx-1", Payload: []byte("x")}, ErrBoundaryPayload},
		{"zero kind", Packet{Entry: "E1"}, ErrUnknownKind},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestWithKey_DoesNotMutateOriginal(t *testing.T) {
	p := Packet{Kind: KindInsert, Entry: "E1"}
	q := p.WithKey(7)

	assert.Equal(t, None, p.Key)
	assert.Equal(t, Key(7), q.Key)
	assert.Equal(t, Key(8), q.Key.Next())
}

func TestString(t *testing.T) {
	assert.Equal(t, "#3 insert E7", Packet{Key: 3, Kind: KindInsert, Entry: "E7"}.String())
	assert.Equal(t, "#4 update E7 txn=tx", Packet{Key: 4, Kind: KindUpdate, Entry: "E7", Txn: "tx"}.String())
	assert.Equal(t, "#5 transaction-commit txn=tx", Packet{Key: 5, Kind: KindTxnCommit, Txn: "tx"}.String())
}
