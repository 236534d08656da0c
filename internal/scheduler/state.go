package scheduler

import (
	"time"

	"github.com/loykin/devtasks/internal/task"
)

// State is the scheduler's view of a node.
type State int

const (
	Pending State = iota
	Blocked
	ReadyToRun
	Running
	ProcessReady
	Succeeded
	Failed
	Skipped
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Blocked:
		return "blocked"
	case ReadyToRun:
		return "ready_to_run"
	case Running:
		return "running"
	case ProcessReady:
		return "process_ready"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is final for this run.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == Skipped || s == Cancelled
}

func (s State) unsuccessful() bool { return s == Failed || s == Skipped || s == Cancelled }

// satisfies reports whether a dependency in state s meets an edge requiring want.
func satisfies(want task.DependencyState, s State) bool {
	switch want {
	case task.Started:
		return s == Running || s == ProcessReady || s == Succeeded
	case task.Ready:
		return s == ProcessReady || s == Succeeded
	case task.Succeeded:
		return s == Succeeded
	case task.Completed:
		return s.Terminal()
	default:
		return false
	}
}

var allStates = []State{Pending, Blocked, ReadyToRun, Running, ProcessReady, Succeeded, Failed, Skipped, Cancelled}

// NodeStatus is the state of one node, as seen by Snapshot and Summary.
type NodeStatus struct {
	Name      string            `json:"name"`
	Kind      string            `json:"kind"`
	State     State             `json:"-"`
	StateName string            `json:"state"`
	Reason    string            `json:"reason,omitempty"`
	Err       error             `json:"-"`
	Error     string            `json:"error,omitempty"`
	StartedAt time.Time         `json:"started_at,omitempty"`
	EndedAt   time.Time         `json:"ended_at,omitempty"`
	Duration  time.Duration     `json:"duration_ns,omitempty"`
	Output    map[string]any    `json:"output,omitempty"`
	Exports   map[string]string `json:"exports,omitempty"`
	Stderr    []string          `json:"stderr,omitempty"`
}

type nodeState struct {
	node    *task.Node
	state   State
	reason  string
	err     error
	started time.Time
	ended   time.Time
	dur     time.Duration
	output  map[string]any
	stderr  []string
}

func (n *nodeState) status() NodeStatus {
	st := NodeStatus{
		Name:      n.node.Name,
		Kind:      n.node.Kind.String(),
		State:     n.state,
		StateName: n.state.String(),
		Reason:    n.reason,
		Err:       n.err,
		StartedAt: n.started,
		EndedAt:   n.ended,
		Duration:  n.dur,
		Output:    n.output,
		Stderr:    n.stderr,
	}
	if n.err != nil {
		st.Error = n.err.Error()
	}
	return st
}
