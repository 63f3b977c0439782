package harness

import (
	"fmt"
	"strings"
)

// Trace event kinds.
const (
	EventApply     = "apply"
	EventDeliver   = "deliver"
	EventResync    = "resync"
	EventPartition = "partition"
	EventHeal      = "heal"
	EventTrim      = "trim"
	EventRead      = "read"
)

// TraceEvent is one observable thing that happened during a scenario.
type TraceEvent struct {
	Seq    int    `json:"seq"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func (e TraceEvent) String() string {
	return fmt.Sprintf("%03d %s %s", e.Seq, e.Kind, e.Detail)
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace lists steps and their side effects in execution order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// record appends an event to the trace.
func (r *Result) record(kind, format string, args ...any) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:    len(r.Trace) + 1,
		Kind:   kind,
		Detail: fmt.Sprintf(format, args...),
	})
}

// Render formats the trace one event per line, headed by the scenario
// name. This is the golden file format.
func Render(name string, r *Result) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", name)
	for _, e := range r.Trace {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
