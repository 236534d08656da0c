package task

import (
	"fmt"
	"strings"
)

// DependencyState is the lifecycle state a dependency must reach before its
// dependent may be admitted.
type DependencyState int

const (
	// StateDefault means no suffix was given; the loader resolves it from the
	// target's kind.
	StateDefault DependencyState = iota
	Started
	Ready
	Succeeded
	Completed
)

func (s DependencyState) String() string {
	switch s {
	case Started:
		return "started"
	case Ready:
		return "ready"
	case Succeeded:
		return "succeeded"
	case Completed:
		return "completed"
	default:
		return "default"
	}
}

// Soft reports whether the edge only waits for termination and never
// propagates failure.
func (s DependencyState) Soft() bool { return s == Completed }

// ParseDependencyState parses a suffix without the leading '@'.
func ParseDependencyState(s string) (DependencyState, error) {
	switch s {
	case "started":
		return Started, nil
	case "ready":
		return Ready, nil
	case "succeeded":
		return Succeeded, nil
	case "completed":
		return Completed, nil
	default:
		return StateDefault, fmt.Errorf("invalid dependency suffix %q (expected started, ready, succeeded or completed)", s)
	}
}

// Dependency is a parsed "name[@suffix]" reference.
type Dependency struct {
	Target string
	State  DependencyState
	// Explicit is true when the reference carried a suffix.
	Explicit bool
}

func (d Dependency) String() string {
	if d.State == StateDefault {
		return d.Target
	}
	return d.Target + "@" + d.State.String()
}

// ParseDependency splits ref on its last '@'. An empty name, more than one '@'
// or an unknown suffix are errors.
func ParseDependency(ref string) (Dependency, error) {
	ref = strings.TrimSpace(ref)
	if strings.Count(ref, "@") > 1 {
		return Dependency{}, fmt.Errorf("invalid dependency %q: more than one '@'", ref)
	}
	name, suffix, found := strings.Cut(ref, "@")
	if name == "" {
		return Dependency{}, fmt.Errorf("invalid dependency %q: empty task name", ref)
	}
	if !found {
		return Dependency{Target: name}, nil
	}
	st, err := ParseDependencyState(suffix)
	if err != nil {
		return Dependency{}, fmt.Errorf("invalid dependency %q: %w", ref, err)
	}
	return Dependency{Target: name, State: st, Explicit: true}, nil
}
