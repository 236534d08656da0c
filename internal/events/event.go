package events

import "time"

// Type names an event variant.
type Type string

const (
	TypeNodeStateChanged Type = "node_state_changed"
	TypePortAllocated    Type = "port_allocated"
	TypeOutputLine       Type = "output_line"
)

// Event is the envelope delivered to subscribers. Exactly one of State, Port
// or Output is set, selected by Type.
type Event struct {
	ID     string          `json:"id"`
	RunID  string          `json:"run_id"`
	Type   Type            `json:"type"`
	At     time.Time       `json:"at"`
	Node   string          `json:"node"`
	State  *StateChange    `json:"state,omitempty"`
	Port   *PortAllocation `json:"port,omitempty"`
	Output *Output         `json:"output,omitempty"`
}

type StateChange struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

type PortAllocation struct {
	Port     string `json:"port"`
	Base     int    `json:"base"`
	Resolved int    `json:"resolved"`
}

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

type Output struct {
	Stream Stream `json:"stream"`
	Line   string `json:"line"`
}

// NodeStateChanged builds a state transition event.
func NodeStateChanged(node, from, to, reason string, err error) Event {
	sc := &StateChange{From: from, To: to, Reason: reason}
	if err != nil {
		sc.Error = err.Error()
	}
	return Event{Type: TypeNodeStateChanged, Node: node, State: sc}
}

// PortAllocated builds a port resolution event for process.
func PortAllocated(process, port string, base, resolved int) Event {
	return Event{Type: TypePortAllocated, Node: process, Port: &PortAllocation{Port: port, Base: base, Resolved: resolved}}
}

// OutputLine builds an output event.
func OutputLine(node string, stream Stream, line string) Event {
	return Event{Type: TypeOutputLine, Node: node, Output: &Output{Stream: stream, Line: line}}
}
