package engine

import (
	"fmt"

	"github.com/roach88/gridrepl/internal/packet"
	"github.com/roach88/gridrepl/internal/txn"
)

// Op is the operation a Mutation asks for.
type Op int

const (
	OpInsert Op = iota + 1
	OpUpdate
	OpRemove
	OpBegin
	OpPrepare
	OpCommit
	OpRollback
)

var opNames = map[Op]string{
	OpInsert:   "insert",
	OpUpdate:   "update",
	OpRemove:   "remove",
	OpBegin:    "begin",
	OpPrepare:  "prepare",
	OpCommit:   "commit",
	OpRollback: "rollback",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// ParseOp is the inverse of Op.String.
func ParseOp(s string) (Op, error) {
	for o, name := range opNames {
		if name == s {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown operation %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (o Op) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Op) UnmarshalText(b []byte) error {
	op, err := ParseOp(string(b))
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// IsData reports whether the operation writes an entry.
func (o Op) IsData() bool { return o == OpInsert || o == OpUpdate || o == OpRemove }

var opKinds = map[Op]packet.Kind{
	OpInsert:   packet.KindInsert,
	OpUpdate:   packet.KindUpdate,
	OpRemove:   packet.KindRemove,
	OpPrepare:  packet.KindTxnPrepare,
	OpCommit:   packet.KindTxnCommit,
	OpRollback: packet.KindTxnRollback,
}

// Mutation is a local change submitted to the partition's pipeline.
type Mutation struct {
	Op              Op           `json:"op" yaml:"op"`
	Entry           string       `json:"entry,omitempty" yaml:"entry,omitempty"`
	Payload         []byte       `json:"payload,omitempty" yaml:"payload,omitempty"`
	Txn             packet.TxnID `json:"txn,omitempty" yaml:"txn,omitempty"`
	ExpectedVersion uint64       `json:"expected_version,omitempty" yaml:"expected_version,omitempty"`
}

// Validate checks the fields the operation needs.
func (m Mutation) Validate() error {
	switch {
	case m.Op.IsData():
		if m.Entry == "" {
			return &Error{Code: ErrCodeInvalidMutation, Message: "data operation needs an entry", Op: m.Op}
		}
	case m.Op == OpBegin:
		if m.Entry != "" || m.Txn != "" {
			return &Error{Code: ErrCodeInvalidMutation, Message: "begin takes no entry or transaction", Op: m.Op}
		}
	case m.Op == OpPrepare || m.Op == OpCommit || m.Op == OpRollback:
		if m.Txn == "" {
			return &Error{Code: ErrCodeInvalidMutation, Message: m.Op.String() + " needs a transaction", Op: m.Op}
		}
		if m.Entry != "" || len(m.Payload) > 0 {
			return &Error{Code: ErrCodeInvalidMutation, Message: m.Op.String() + " takes no entry or payload", Op: m.Op}
		}
	default:
		return &Error{Code: ErrCodeInvalidMutation, Message: "unknown operation", Op: m.Op}
	}
	return nil
}

// packet converts the mutation for dispatch. Begin has no packet.
func (m Mutation) packet() packet.Packet {
	p := packet.Packet{Kind: opKinds[m.Op], Txn: m.Txn}
	if m.Op.IsData() {
		p.Entry = m.Entry
		p.Payload = m.Payload
		p.ExpectedVersion = m.ExpectedVersion
	}
	return p
}

// Result reports what a mutation did.
type Result struct {
	// Txn is the new transaction's id for OpBegin.
	Txn packet.TxnID `json:"txn,omitempty"`
	// Receipt lists the key every group assigned.
	Receipt txn.Receipt `json:"receipt,omitempty"`
	// Local is the key in the primary copy's local sequence.
	Local packet.Key `json:"local,omitempty"`
}
