package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/roach88/gridrepl/internal/packet"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion %s failed: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

// evaluateAssertions checks every assertion and returns the failures.
func (h *Harness) evaluateAssertions(ctx context.Context, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		if err := h.evaluate(ctx, a); err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

func (h *Harness) evaluate(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertEntry:
		return h.assertEntry(a)
	case AssertEntries:
		r, err := h.replica(a.Target)
		if err != nil {
			return err
		}
		if n := r.Len(); n != a.Count {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%d entries on %s", a.Count, a.Target), Actual: fmt.Sprint(n)}
		}
	case AssertMarks:
		return h.assertMarks(a)
	case AssertBacklog:
		return h.assertBacklog(a)
	case AssertStats:
		return h.assertStats(a)
	case AssertTraceCount:
		n := 0
		for _, e := range h.result.Trace {
			if e.Kind == a.Kind {
				n++
			}
		}
		if n != a.Count {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%d %s events", a.Count, a.Kind), Actual: fmt.Sprint(n)}
		}
	case AssertJournal:
		return h.assertJournal(ctx, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func (h *Harness) assertEntry(a Assertion) error {
	r, err := h.replica(a.Target)
	if err != nil {
		return err
	}
	v, found := r.Get(a.Entry)
	if a.Absent {
		if found {
			return &AssertionError{Type: a.Type, Expected: a.Entry + " absent on " + a.Target, Actual: fmt.Sprintf("%q", v.Value)}
		}
		return nil
	}
	if !found {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s=%q on %s", a.Entry, *a.Value, a.Target), Actual: "absent"}
	}
	if string(v.Value) != *a.Value {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s=%q on %s", a.Entry, *a.Value, a.Target), Actual: fmt.Sprintf("%q", v.Value)}
	}
	if a.Version != 0 && v.Version != a.Version {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s at version %d", a.Entry, a.Version), Actual: fmt.Sprintf("version %d", v.Version)}
	}
	return nil
}

func (h *Harness) assertMarks(a Assertion) error {
	g, err := h.group(a.Group)
	if err != nil {
		return err
	}
	marks, _, err := g.Backlog().Marks(a.Target)
	if err != nil {
		return err
	}
	want := make([]packet.Key, len(a.Keys))
	for i, k := range a.Keys {
		want[i] = packet.Key(k)
	}
	if !slices.Equal(marks, want) {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s/%s marks %v", a.Group, a.Target, want), Actual: fmt.Sprint(marks)}
	}
	return nil
}

func (h *Harness) assertBacklog(a Assertion) error {
	g, err := h.group(a.Group)
	if err != nil {
		return err
	}
	b := g.Backlog()
	if a.High != nil && uint64(b.High()) != *a.High {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s high %d", a.Group, *a.High), Actual: fmt.Sprint(b.High())}
	}
	if a.Floor != nil && uint64(b.Floor()) != *a.Floor {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s floor %d", a.Group, *a.Floor), Actual: fmt.Sprint(b.Floor())}
	}
	if a.Len != nil && b.Len() != *a.Len {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s len %d", a.Group, *a.Len), Actual: fmt.Sprint(b.Len())}
	}
	return nil
}

// assertStats compares counters by their JSON names (applied, skipped, ...).
func (h *Harness) assertStats(a Assertion) error {
	r, err := h.replica(a.Target)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(r.Stats())
	if err != nil {
		return err
	}
	var got map[string]int
	if err := json.Unmarshal(raw, &got); err != nil {
		return err
	}
	for name, want := range a.Counters {
		v, ok := got[name]
		if !ok {
			return fmt.Errorf("unknown counter %q", name)
		}
		if v != want {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s %s=%d", a.Target, name, want), Actual: fmt.Sprint(v)}
		}
	}
	return nil
}

func (h *Harness) assertJournal(ctx context.Context, a Assertion) error {
	summaries, err := h.store.Groups(ctx)
	if err != nil {
		return err
	}
	n := 0
	for _, s := range summaries {
		if s.Group == a.Group {
			n = s.Packets
		}
	}
	if n != a.Count {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%d journaled packets in %s", a.Count, a.Group), Actual: fmt.Sprint(n)}
	}
	return nil
}
