package txn

import (
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/gridrepl/internal/packet"
)

// Status is a transaction's lifecycle state.
type Status int

const (
	StatusActive Status = iota + 1
	StatusPrepared
	StatusCommitted
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPrepared:
		return "prepared"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled-back"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ErrorCode categorizes transaction errors.
type ErrorCode string

const (
	ErrCodeUnknownTransaction ErrorCode = "UNKNOWN_TRANSACTION"
	ErrCodeTransactionClosed  ErrorCode = "TRANSACTION_CLOSED"
)

// Error reports misuse of a transaction id.
type Error struct {
	Code    ErrorCode
	Txn     packet.TxnID
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (txn=%s)", e.Code, e.Message, e.Txn)
}

// IsUnknownTransaction reports whether err names a transaction that is not open.
func IsUnknownTransaction(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Code == ErrCodeUnknownTransaction
}

// IsTransactionClosed reports whether err is a write to a prepared transaction.
func IsTransactionClosed(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Code == ErrCodeTransactionClosed
}

// Record is the arena slot of one open transaction.
type Record struct {
	ID     packet.TxnID
	Status Status
	Writes int
}

// Registry is an arena of open transaction records indexed by id. Slots of
// finished transactions are reused.
type Registry struct {
	mu      sync.Mutex
	records []Record
	index   map[packet.TxnID]int
	free    []int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[packet.TxnID]int)}
}

// Open adds an active record for id.
func (r *Registry) Open(id packet.TxnID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[id]; ok {
		return fmt.Errorf("transaction %s already open", id)
	}
	rec := Record{ID: id, Status: StatusActive}
	if n := len(r.free); n > 0 {
		slot := r.free[n-1]
		r.free = r.free[:n-1]
		r.records[slot] = rec
		r.index[id] = slot
		return nil
	}
	r.records = append(r.records, rec)
	r.index[id] = len(r.records) - 1
	return nil
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id packet.TxnID) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.index[id]
	if !ok {
		return Record{}, false
	}
	return r.records[slot], true
}

// Update applies fn to the record for id under the registry lock. When fn
// leaves the record committed or rolled back, the slot is retired.
func (r *Registry) Update(id packet.TxnID, fn func(*Record) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.index[id]
	if !ok {
		return &Error{Code: ErrCodeUnknownTransaction, Txn: id, Message: "transaction is not open"}
	}
	rec := r.records[slot]
	if err := fn(&rec); err != nil {
		return err
	}
	r.records[slot] = rec
	if rec.Status == StatusCommitted || rec.Status == StatusRolledBack {
		delete(r.index, id)
		r.records[slot] = Record{}
		r.free = append(r.free, slot)
	}
	return nil
}

// Len returns the number of open transactions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.index)
}
