package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/gridrepl/internal/engine"
	"github.com/roach88/gridrepl/internal/topology"
)

// Scenario defines a replication test scenario: a topology, a sequence of
// steps run against it, and assertions on the final state.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Node is the source id stamped on packets. Defaults to "node-1".
	Node string `yaml:"node,omitempty"`

	// Groups is the replication topology. Every target named by any
	// group gets its own in-memory replica.
	Groups []topology.GroupConfig `yaml:"groups"`

	// ManualTrim turns off trimming after each delivered batch, so that
	// retention and explicit trim steps can be observed.
	ManualTrim bool `yaml:"manual_trim,omitempty"`

	// Steps run in order. Each step has exactly one action.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario action with an optional expectation.
type Step struct {
	Apply     *ApplyStep `yaml:"apply,omitempty"`
	Deliver   *Route     `yaml:"deliver,omitempty"`
	Partition *Route     `yaml:"partition,omitempty"`
	Heal      *Route     `yaml:"heal,omitempty"`
	Trim      *Route     `yaml:"trim,omitempty"`
	Read      *ReadStep  `yaml:"read,omitempty"`

	// Expect, if nil, means the step must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ApplyStep submits one mutation to the engine.
type ApplyStep struct {
	Op              string `yaml:"op"`
	Entry           string `yaml:"entry,omitempty"`
	Value           string `yaml:"value,omitempty"`
	Txn             string `yaml:"txn,omitempty"`
	ExpectedVersion uint64 `yaml:"expected_version,omitempty"`
}

// Route names a group, a target, or both.
type Route struct {
	Group  string `yaml:"group,omitempty"`
	Target string `yaml:"target,omitempty"`
}

// ReadStep reads an entry from a replica at a generation. Generation 0
// reads at the replica's current generation.
type ReadStep struct {
	Target     string `yaml:"target"`
	Entry      string `yaml:"entry"`
	Generation uint64 `yaml:"generation,omitempty"`
}

// ExpectClause specifies a step's expected outcome.
type ExpectClause struct {
	// Outcome is the step's outcome class. Apply: ok, rejected, invalid,
	// transaction-closed, unknown-transaction. Deliver: ok, conflict,
	// failed. Read: found, missing, expired.
	Outcome string `yaml:"outcome"`

	// Cause is the conflict cause for rejected applies and conflicted
	// deliveries.
	Cause string `yaml:"cause,omitempty"`

	// Value is the value a found read must return.
	Value *string `yaml:"value,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "entry": a replica's entry has Value (and Version), or is Absent
	// - "entries": a replica holds Count live entries
	// - "marks": a target's acknowledged marks in a group's backlog
	// - "backlog": a group's High, Floor and Len
	// - "stats": a replica's apply counters (Counters)
	// - "trace_count": the trace has Count events of Kind
	// - "journal": the journal holds Count packets of Group
	Type string `yaml:"type"`

	// Target is a replica name; "primary" is the originating copy.
	Target string `yaml:"target,omitempty"`
	Group  string `yaml:"group,omitempty"`
	Entry  string `yaml:"entry,omitempty"`

	Value   *string `yaml:"value,omitempty"`
	Version uint64  `yaml:"version,omitempty"`
	Absent  bool    `yaml:"absent,omitempty"`

	Keys  []uint64 `yaml:"keys,omitempty"`
	High  *uint64  `yaml:"high,omitempty"`
	Floor *uint64  `yaml:"floor,omitempty"`
	Len   *int     `yaml:"len,omitempty"`

	Kind     string         `yaml:"kind,omitempty"`
	Count    int            `yaml:"count,omitempty"`
	Counters map[string]int `yaml:"counters,omitempty"`
}

// Assertion type constants.
const (
	AssertEntry      = "entry"
	AssertEntries    = "entries"
	AssertMarks      = "marks"
	AssertBacklog    = "backlog"
	AssertStats      = "stats"
	AssertTraceCount = "trace_count"
	AssertJournal    = "journal"
)

// PrimaryTarget names the originating copy in assertions and reads.
const PrimaryTarget = "primary"

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Groups) == 0 {
		return fmt.Errorf("groups list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	cfg := topology.Config{Node: "harness"}
	for _, g := range s.Groups {
		g = g.WithDefaults()
		// Steps run one at a time, so nothing would acknowledge a sync apply.
		if g.Reliability == topology.ReliabilitySync {
			return fmt.Errorf("group %s: sync reliability is not supported in scenarios", g.Name)
		}
		cfg.Groups = append(cfg.Groups, g)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s *Step) error {
	actions := 0
	for _, set := range []bool{s.Apply != nil, s.Deliver != nil, s.Partition != nil, s.Heal != nil, s.Trim != nil, s.Read != nil} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, found %d", index, actions)
	}

	switch {
	case s.Apply != nil:
		if _, err := engine.ParseOp(s.Apply.Op); err != nil {
			return fmt.Errorf("steps[%d].apply: %w", index, err)
		}
	case s.Deliver != nil:
		if s.Deliver.Group == "" || s.Deliver.Target == "" {
			return fmt.Errorf("steps[%d].deliver: group and target are required", index)
		}
	case s.Partition != nil:
		if s.Partition.Target == "" {
			return fmt.Errorf("steps[%d].partition: target is required", index)
		}
	case s.Heal != nil:
		if s.Heal.Target == "" {
			return fmt.Errorf("steps[%d].heal: target is required", index)
		}
	case s.Trim != nil:
		if s.Trim.Group == "" {
			return fmt.Errorf("steps[%d].trim: group is required", index)
		}
	case s.Read != nil:
		if s.Read.Target == "" || s.Read.Entry == "" {
			return fmt.Errorf("steps[%d].read: target and entry are required", index)
		}
	}

	if s.Expect != nil && s.Expect.Outcome == "" {
		return fmt.Errorf("steps[%d].expect: outcome is required", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertEntry:
		if a.Target == "" || a.Entry == "" {
			return fmt.Errorf("assertions[%d]: target and entry are required for entry", index)
		}
		if (a.Value == nil) == !a.Absent {
			return fmt.Errorf("assertions[%d]: entry needs exactly one of value or absent", index)
		}
	case AssertEntries:
		if a.Target == "" {
			return fmt.Errorf("assertions[%d]: target is required for entries", index)
		}
	case AssertMarks:
		if a.Group == "" || a.Target == "" || len(a.Keys) == 0 {
			return fmt.Errorf("assertions[%d]: group, target and keys are required for marks", index)
		}
	case AssertBacklog:
		if a.Group == "" {
			return fmt.Errorf("assertions[%d]: group is required for backlog", index)
		}
		if a.High == nil && a.Floor == nil && a.Len == nil {
			return fmt.Errorf("assertions[%d]: backlog needs high, floor or len", index)
		}
	case AssertStats:
		if a.Target == "" || len(a.Counters) == 0 {
			return fmt.Errorf("assertions[%d]: target and counters are required for stats", index)
		}
	case AssertTraceCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertJournal:
		if a.Group == "" {
			return fmt.Errorf("assertions[%d]: group is required for journal", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
