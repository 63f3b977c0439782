package packet

import (
	"errors"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Key is a sequence key assigned by a group backlog.
type Key uint64

// None is the zero key. Backlogs never assign it.
const None Key = 0

// Next returns the key following k.
func (k Key) Next() Key { return k + 1 }

// TxnID identifies the transaction owning a packet. Empty means none.
type TxnID string

// NodeID identifies the source node that produced a packet.
type NodeID string

// Kind is the operation kind carried by a packet.
type Kind uint8

const (
	KindInsert Kind = iota + 1
	KindUpdate
	KindRemove
	KindTxnPrepare
	KindTxnCommit
	KindTxnRollback
)

var kindNames = map[Kind]string{
	KindInsert:      "insert",
	KindUpdate:      "update",
	KindRemove:      "remove",
	KindTxnPrepare:  "transaction-prepare",
	KindTxnCommit:   "transaction-commit",
	KindTxnRollback: "transaction-rollback",
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind resolves a kind from its wire name.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown packet kind %q", s)
}

// IsBoundary reports whether the kind marks a transaction boundary.
func (k Kind) IsBoundary() bool {
	return k == KindTxnPrepare || k == KindTxnCommit || k == KindTxnRollback
}

// IsData reports whether the kind mutates an entry.
func (k Kind) IsData() bool {
	return k == KindInsert || k == KindUpdate || k == KindRemove
}

// Packet is one replicated operation. Packets are values: once appended to a
// backlog they are never mutated, reordered or re-keyed.
type Packet struct {
	Key             Key    `json:"key" msgpack:"key"`
	Kind            Kind   `json:"kind" msgpack:"kind"`
	Entry           string `json:"entry,omitempty" msgpack:"entry,omitempty"`
	Payload         []byte `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Txn             TxnID  `json:"txn,omitempty" msgpack:"txn,omitempty"`
	Source          NodeID `json:"source" msgpack:"source"`
	Timestamp       int64  `json:"ts" msgpack:"ts"`
	ExpectedVersion uint64 `json:"expected_version,omitempty" msgpack:"expected_version,omitempty"`
}

var (
	ErrMissingEntry    = errors.New("data packet has no target entry")
	ErrMissingTxn      = errors.New("boundary packet has no transaction id")
	ErrBoundaryPayload = errors.New("boundary packet carries an entry or payload")
	ErrUnknownKind     = errors.New("unknown packet kind")
)

// Validate checks the structural rules for the packet's kind.
func (p Packet) Validate() error {
	switch {
	case p.Kind.IsData():
		if p.Entry == "" {
			return fmt.Errorf("%w (kind=%s)", ErrMissingEntry, p.Kind)
		}
	case p.Kind.IsBoundary():
		if p.Txn == "" {
			return fmt.Errorf("%w (kind=%s)", ErrMissingTxn, p.Kind)
		}
		if p.Entry != "" || len(p.Payload) > 0 {
			return fmt.Errorf("%w (kind=%s, txn=%s)", ErrBoundaryPayload, p.Kind, p.Txn)
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, uint8(p.Kind))
	}
	return nil
}

// WithKey returns a copy of p stamped with key k.
func (p Packet) WithKey(k Key) Packet {
	p.Key = k
	return p
}

// NormalizedEntry returns the entry identity in NFC form. Entry identities
// are compared and hashed in this form so that visually identical keys from
// different front-ends land on the same entry.
func (p Packet) NormalizedEntry() string {
	return norm.NFC.String(p.Entry)
}

// String renders a compact, log-friendly description.
func (p Packet) String() string {
	if p.Kind.IsBoundary() {
		return fmt.Sprintf("#%d %s txn=%s", p.Key, p.Kind, p.Txn)
	}
	if p.Txn != "" {
		return fmt.Sprintf("#%d %s %s txn=%s", p.Key, p.Kind, p.Entry, p.Txn)
	}
	return fmt.Sprintf("#%d %s %s", p.Key, p.Kind, p.Entry)
}
