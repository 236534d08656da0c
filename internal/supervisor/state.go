package supervisor

import "time"

// State is the lifecycle of a supervised process.
type State int

const (
	Pending State = iota
	Starting
	Running
	Probing
	Ready
	Restarting
	Stopping
	Exited
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Probing:
		return "probing"
	case Ready:
		return "ready"
	case Restarting:
		return "restarting"
	case Stopping:
		return "stopping"
	case Exited:
		return "exited"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the supervisor has stopped managing the process.
func (s State) Terminal() bool { return s == Exited || s == Failed }

// Status is a snapshot of a managed process.
type Status struct {
	Name      string         `json:"name"`
	State     string         `json:"state"`
	PID       int            `json:"pid,omitempty"`
	Restarts  int            `json:"restarts"`
	StartedAt time.Time      `json:"started_at,omitempty"`
	Ports     map[string]int `json:"ports,omitempty"`
	// Message is the last STATUS= text sent over the notify socket.
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}
