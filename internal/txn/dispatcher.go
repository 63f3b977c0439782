package txn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/gridrepl/internal/packet"
)

// Appender is one replication group's append path.
// Implemented by backlog.Group.
type Appender interface {
	Name() string
	Append(ctx context.Context, p packet.Packet) (packet.Key, error)
}

// Assigned is the key a group gave one dispatched packet.
type Assigned struct {
	Group string
	Key   packet.Key
}

// Receipt lists the keys a dispatched packet received, in group order.
type Receipt []Assigned

// Dispatcher fans packets out to every group of a partition. Its methods
// must be called from the partition's single writer.
type Dispatcher struct {
	source   packet.NodeID
	groups   []Appender
	registry *Registry
	ids      IDGenerator
	now      func() int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithIDGenerator sets the transaction id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(d *Dispatcher) {
		d.ids = g
	}
}

// WithClock sets the packet timestamp source, in unix nanoseconds.
func WithClock(now func() int64) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// NewDispatcher creates a dispatcher stamping packets with source.
func NewDispatcher(source packet.NodeID, groups []Appender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		source:   source,
		groups:   groups,
		registry: NewRegistry(),
		ids:      UUIDv7Generator{},
		now:      func() int64 { return time.Now().UnixNano() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the arena of open transactions.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Begin opens a new transaction and returns its id.
func (d *Dispatcher) Begin() (packet.TxnID, error) {
	id := packet.TxnID(d.ids.Generate())
	if err := d.registry.Open(id); err != nil {
		return "", err
	}
	return id, nil
}

// Dispatch sends a non-transactional data packet to every group.
func (d *Dispatcher) Dispatch(ctx context.Context, p packet.Packet) (Receipt, error) {
	if p.Txn != "" {
		return nil, fmt.Errorf("dispatch: packet belongs to transaction %s, use Write", p.Txn)
	}
	if !p.Kind.IsData() {
		return nil, fmt.Errorf("dispatch: %s is not a data operation", p.Kind)
	}
	return d.fanOut(ctx, p)
}

// Write sends a data packet owned by transaction id to every group.
func (d *Dispatcher) Write(ctx context.Context, id packet.TxnID, p packet.Packet) (Receipt, error) {
	if !p.Kind.IsData() {
		return nil, fmt.Errorf("write: %s is not a data operation", p.Kind)
	}
	err := d.registry.Update(id, func(r *Record) error {
		if r.Status != StatusActive {
			return &Error{Code: ErrCodeTransactionClosed, Txn: id, Message: "transaction no longer accepts writes"}
		}
		r.Writes++
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.Txn = id
	return d.fanOut(ctx, p)
}

// Prepare sends the prepare boundary. The transaction accepts no more writes.
func (d *Dispatcher) Prepare(ctx context.Context, id packet.TxnID) (Receipt, error) {
	err := d.registry.Update(id, func(r *Record) error {
		if r.Status != StatusActive {
			return &Error{Code: ErrCodeTransactionClosed, Txn: id, Message: "transaction already prepared"}
		}
		r.Status = StatusPrepared
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d.fanOut(ctx, packet.Packet{Kind: packet.KindTxnPrepare, Txn: id})
}

// Commit sends the commit boundary after all of the transaction's data.
func (d *Dispatcher) Commit(ctx context.Context, id packet.TxnID) (Receipt, error) {
	return d.finish(ctx, id, packet.KindTxnCommit, StatusCommitted)
}

// Rollback sends the rollback boundary. Every group still forwards the
// transaction's packets for ordering; targets drop their effect.
func (d *Dispatcher) Rollback(ctx context.Context, id packet.TxnID) (Receipt, error) {
	return d.finish(ctx, id, packet.KindTxnRollback, StatusRolledBack)
}

func (d *Dispatcher) finish(ctx context.Context, id packet.TxnID, kind packet.Kind, status Status) (Receipt, error) {
	err := d.registry.Update(id, func(r *Record) error {
		r.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d.fanOut(ctx, packet.Packet{Kind: kind, Txn: id})
}

// fanOut appends p to every group in order. On failure the receipt lists
// the groups that did accept p.
func (d *Dispatcher) fanOut(ctx context.Context, p packet.Packet) (Receipt, error) {
	p.Source = d.source
	p.Timestamp = d.now()

	receipt := make(Receipt, 0, len(d.groups))
	for _, g := range d.groups {
		k, err := g.Append(ctx, p)
		if err != nil {
			slog.Error("dispatch failed",
				"group", g.Name(),
				"kind", p.Kind.String(),
				"txn", string(p.Txn),
				"error", err)
			return receipt, fmt.Errorf("dispatch %s to group %s: %w", p.Kind, g.Name(), err)
		}
		receipt = append(receipt, Assigned{Group: g.Name(), Key: k})
	}
	return receipt, nil
}
