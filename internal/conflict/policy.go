package conflict

import (
	"fmt"
	"maps"
)

// Action is what the apply path does with a conflicting packet.
type Action int

const (
	// Overwrite applies the packet as if there were no conflict.
	Overwrite Action = iota + 1
	// Skip drops the packet's effect.
	Skip
	// Escalate stops applying and reports the conflict to the sender.
	Escalate
)

func (a Action) String() string {
	switch a {
	case Overwrite:
		return "overwrite"
	case Skip:
		return "skip"
	case Escalate:
		return "escalate"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ParseAction is the inverse of Action.String.
func ParseAction(s string) (Action, error) {
	switch s {
	case "overwrite":
		return Overwrite, nil
	case "skip":
		return Skip, nil
	case "escalate":
		return Escalate, nil
	}
	return 0, fmt.Errorf("unknown conflict action %q", s)
}

// Policy maps conflict causes to actions.
type Policy map[Cause]Action

// DefaultPolicy skips operations on missing entries, lets inserts overwrite
// and escalates version mismatches.
func DefaultPolicy() Policy {
	return Policy{
		EntryNotFound:      Skip,
		EntryAlreadyExists: Overwrite,
		VersionMismatch:    Escalate,
	}
}

// FirstWriterWins keeps whatever the target already has. Used for
// bidirectional gateways.
func FirstWriterWins() Policy {
	return Policy{
		EntryNotFound:      Skip,
		EntryAlreadyExists: Skip,
		VersionMismatch:    Skip,
	}
}

// Decide returns the action for cause. Unmapped causes escalate.
func (p Policy) Decide(cause Cause) Action {
	if a, ok := p[cause]; ok {
		return a
	}
	return Escalate
}

// ParsePolicy overlays configured cause/action names on DefaultPolicy.
func ParsePolicy(cfg map[string]string) (Policy, error) {
	policy := DefaultPolicy()
	for causeName, actionName := range cfg {
		cause, err := ParseCause(causeName)
		if err != nil {
			return nil, err
		}
		if cause == None {
			return nil, fmt.Errorf("cause %q cannot carry an action", causeName)
		}
		action, err := ParseAction(actionName)
		if err != nil {
			return nil, err
		}
		policy[cause] = action
	}
	return policy, nil
}

// Clone returns an independent copy.
func (p Policy) Clone() Policy {
	return maps.Clone(p)
}
