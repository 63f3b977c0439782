package mvcc

import (
	"errors"
	"fmt"
)

// State is the outcome of checking one read.
type State int

const (
	Consistent State = iota + 1
	Expired
)

func (s State) String() string {
	switch s {
	case Consistent:
		return "consistent"
	case Expired:
		return "expired"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// GenerationSource exposes a space's generation counters.
type GenerationSource interface {
	CurrentGeneration() uint64
	OldestConsistentGeneration() uint64
}

// ExpiredError reports a read bound to a reclaimed generation. The read
// must be re-issued at the current generation; retrying the same bound
// fails the same way.
type ExpiredError struct {
	Provided uint64
	Oldest   uint64
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("GENERATION_EXPIRED: generation %d is older than the oldest consistent generation %d",
		e.Provided, e.Oldest)
}

// IsExpired reports whether err is a generation expiry.
func IsExpired(err error) bool {
	var ee *ExpiredError
	return errors.As(err, &ee)
}

// Guard checks read generations. It keeps no state of its own.
type Guard struct {
	src GenerationSource
}

// NewGuard creates a guard reading from src.
func NewGuard(src GenerationSource) *Guard {
	return &Guard{src: src}
}

// Check returns Consistent iff g is not older than the oldest consistent
// generation at call time.
func (g *Guard) Check(gen uint64) (State, error) {
	oldest := g.src.OldestConsistentGeneration()
	if gen < oldest {
		return Expired, &ExpiredError{Provided: gen, Oldest: oldest}
	}
	return Consistent, nil
}
