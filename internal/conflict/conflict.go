// Package conflict classifies why a replicated operation cannot be applied
// cleanly at a target. It labels the discrepancy and nothing else; the
// apply path picks the remedy from a Policy.
package conflict

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/gridrepl/internal/packet"
)

// Cause is the closed set of apply-time conflicts.
type Cause int

const (
	None Cause = iota
	// EntryNotFound: update or remove against an absent entry.
	EntryNotFound
	// EntryAlreadyExists: insert colliding with a present entry.
	EntryAlreadyExists
	// VersionMismatch: the local version differs from the expected prior version.
	VersionMismatch
)

var causeNames = [...]string{
	None:               "none",
	EntryNotFound:      "entry-not-found",
	EntryAlreadyExists: "entry-already-exists",
	VersionMismatch:    "version-mismatch",
}

func (c Cause) String() string {
	if c >= 0 && int(c) < len(causeNames) {
		return causeNames[c]
	}
	return fmt.Sprintf("cause(%d)", int(c))
}

// ParseCause is the inverse of Cause.String.
func ParseCause(s string) (Cause, error) {
	for c, name := range causeNames {
		if name == s {
			return Cause(c), nil
		}
	}
	return None, fmt.Errorf("unknown conflict cause %q", s)
}

// Local is the result of looking an entry up in the target's store.
type Local struct {
	Found   bool
	Version uint64
}

// Classify labels the conflict between an incoming packet and local state.
// It is a pure function of its arguments.
func Classify(p packet.Packet, local Local) Cause {
	if !p.Kind.IsData() {
		return None
	}
	switch {
	case !local.Found && (p.Kind == packet.KindUpdate || p.Kind == packet.KindRemove):
		return EntryNotFound
	case local.Found && p.Kind == packet.KindInsert:
		return EntryAlreadyExists
	case local.Found && p.ExpectedVersion != 0 && p.ExpectedVersion != local.Version:
		return VersionMismatch
	}
	return None
}

// Conflict is a classified apply failure. It is returned as a value and
// implements error so callers can propagate it unchanged.
type Conflict struct {
	Cause    Cause
	Entry    string
	Key      packet.Key
	Kind     packet.Kind
	Expected uint64
	Actual   uint64
}

func (c *Conflict) Error() string {
	switch c.Cause {
	case VersionMismatch:
		return fmt.Sprintf("conflict %s on %s at #%d: expected version %d, found %d",
			c.Cause, c.Entry, c.Key, c.Expected, c.Actual)
	default:
		return fmt.Sprintf("conflict %s on %s at #%d (%s)", c.Cause, c.Entry, c.Key, c.Kind)
	}
}

// AsConflict extracts a Conflict from err.
func AsConflict(err error) (*Conflict, bool) {
	var c *Conflict
	if errors.As(err, &c) {
		return c, true
	}
	return nil, false
}

// Lookup reads an entry's presence and version from the storage engine.
type Lookup interface {
	Lookup(ctx context.Context, entry string) (Local, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, entry string) (Local, error)

func (f LookupFunc) Lookup(ctx context.Context, entry string) (Local, error) {
	return f(ctx, entry)
}

// Resolver classifies packets against live storage.
type Resolver struct {
	lookup Lookup
}

// NewResolver creates a resolver reading through lookup.
func NewResolver(lookup Lookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// Check returns the conflict p would hit, or nil when p applies cleanly.
// Lookup failures are returned as errors, never as conflicts.
func (r *Resolver) Check(ctx context.Context, p packet.Packet) (*Conflict, error) {
	if !p.Kind.IsData() {
		return nil, nil
	}
	entry := p.NormalizedEntry()
	local, err := r.lookup.Lookup(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", entry, err)
	}
	cause := Classify(p, local)
	if cause == None {
		return nil, nil
	}
	return &Conflict{
		Cause:    cause,
		Entry:    entry,
		Key:      p.Key,
		Kind:     p.Kind,
		Expected: p.ExpectedVersion,
		Actual:   local.Version,
	}, nil
}
