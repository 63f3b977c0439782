package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/roach88/gridrepl/internal/backlog"
	"github.com/roach88/gridrepl/internal/packet"
)

// ErrDigestMismatch means an envelope's packets do not match its digest.
var ErrDigestMismatch = errors.New("envelope digest mismatch")

// LaneBatch is one lane's slice of a batch.
type LaneBatch struct {
	Lane    int             `msgpack:"lane" json:"lane"`
	Packets []packet.Packet `msgpack:"packets" json:"packets"`
}

// Envelope is a batch in transit.
type Envelope struct {
	Group     string        `msgpack:"group" json:"group"`
	Target    string        `msgpack:"target" json:"target"`
	BatchID   string        `msgpack:"batch_id" json:"batch_id"`
	Source    packet.NodeID `msgpack:"source" json:"source"`
	LaneCount int           `msgpack:"lane_count" json:"lane_count"`
	Lanes     []LaneBatch   `msgpack:"lanes" json:"lanes"`
	Digest    string        `msgpack:"digest" json:"digest"`
}

// ConflictReport describes a conflict the target escalated instead of
// resolving.
type ConflictReport struct {
	Lane   int        `msgpack:"lane" json:"lane"`
	Key    packet.Key `msgpack:"key" json:"key"`
	Entry  string     `msgpack:"entry" json:"entry"`
	Cause  string     `msgpack:"cause" json:"cause"`
	Detail string     `msgpack:"detail" json:"detail"`
}

// Ack is the target's answer to an envelope.
type Ack struct {
	BatchID string             `msgpack:"batch_id" json:"batch_id"`
	Lanes   []backlog.LaneMark `msgpack:"lanes" json:"lanes"`
	// Conflict is set when a lane stopped at an escalated conflict. The
	// lane's mark is the key before it.
	Conflict *ConflictReport `msgpack:"conflict,omitempty" json:"conflict,omitempty"`
}

// SnapshotEntry is one live entry in a full state transfer.
type SnapshotEntry struct {
	Entry   string `msgpack:"entry" json:"entry"`
	Value   []byte `msgpack:"value" json:"value"`
	Version uint64 `msgpack:"version" json:"version"`
}

// PendingTxn carries the buffered data of a transaction that was still open
// when a snapshot was taken.
type PendingTxn struct {
	Txn     packet.TxnID    `msgpack:"txn" json:"txn"`
	Packets []packet.Packet `msgpack:"packets" json:"packets"`
}

// Snapshot is a full state transfer covering every key of Group up to and
// including Key.
type Snapshot struct {
	Group   string          `msgpack:"group" json:"group"`
	Key     packet.Key      `msgpack:"key" json:"key"`
	Entries []SnapshotEntry `msgpack:"entries" json:"entries"`
	Pending []PendingTxn    `msgpack:"pending,omitempty" json:"pending,omitempty"`
}

// Transport sends envelopes and snapshots to named targets.
type Transport interface {
	Send(ctx context.Context, target string, env Envelope) (Ack, error)
	Install(ctx context.Context, target string, snap Snapshot) error
}

// Receiver applies envelopes and snapshots at a target.
type Receiver interface {
	Receive(ctx context.Context, env Envelope) (Ack, error)
	Install(ctx context.Context, snap Snapshot) error
}

// ConflictError is returned by senders when an ack carries a conflict.
type ConflictError struct {
	Target string
	Report ConflictReport
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("target %s escalated %s on %s at #%d: %s",
		e.Target, e.Report.Cause, e.Report.Entry, e.Report.Key, e.Report.Detail)
}

// NewEnvelope seals a batch into an envelope.
func NewEnvelope(b *backlog.Batch, laneCount int, source packet.NodeID) (Envelope, error) {
	env := Envelope{
		Group:     b.Group(),
		Target:    b.Target(),
		BatchID:   b.ID(),
		Source:    source,
		LaneCount: laneCount,
	}
	for _, s := range b.Slices() {
		env.Lanes = append(env.Lanes, LaneBatch{Lane: s.Lane, Packets: s.Packets})
	}
	digest, err := env.ComputeDigest()
	if err != nil {
		return Envelope{}, err
	}
	env.Digest = digest
	return env, nil
}

// ComputeDigest hashes the lane layout and every packet digest.
func (e Envelope) ComputeDigest() (string, error) {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00", e.Group, e.BatchID, e.LaneCount)
	for _, lb := range e.Lanes {
		fmt.Fprintf(h, "lane:%d\x00", lb.Lane)
		for _, p := range lb.Packets {
			d, err := p.Digest()
			if err != nil {
				return "", fmt.Errorf("digest %s#%d: %w", e.Group, p.Key, err)
			}
			h.Write([]byte(d))
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify checks the envelope against its digest.
func (e Envelope) Verify() error {
	d, err := e.ComputeDigest()
	if err != nil {
		return err
	}
	if d != e.Digest {
		return fmt.Errorf("%w: batch %s", ErrDigestMismatch, e.BatchID)
	}
	return nil
}

// Len returns the number of packet slots across all lanes.
func (e Envelope) Len() int {
	n := 0
	for _, lb := range e.Lanes {
		n += len(lb.Packets)
	}
	return n
}
