package client

import "time"

// TaskStatus is one node of the running graph.
type TaskStatus struct {
	Name      string            `json:"name"`
	Kind      string            `json:"kind"`
	State     string            `json:"state"`
	Reason    string            `json:"reason,omitempty"`
	Error     string            `json:"error,omitempty"`
	StartedAt time.Time         `json:"started_at,omitempty"`
	EndedAt   time.Time         `json:"ended_at,omitempty"`
	Duration  time.Duration     `json:"duration_ns,omitempty"`
	Exports   map[string]string `json:"exports,omitempty"`
	Stderr    []string          `json:"stderr,omitempty"`
	// Process is set for process nodes by the single-task endpoint.
	Process *ProcessStatus `json:"process,omitempty"`
}

// ProcessStatus represents the status of a supervised process
type ProcessStatus struct {
	Name      string         `json:"name"`
	State     string         `json:"state"`
	PID       int            `json:"pid,omitempty"`
	Restarts  int            `json:"restarts"`
	StartedAt time.Time      `json:"started_at,omitempty"`
	Ports     map[string]int `json:"ports,omitempty"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// PortAllocation is a persisted port assignment.
type PortAllocation struct {
	Process   string    `json:"process"`
	Port      string    `json:"port"`
	Base      int       `json:"base"`
	Resolved  int       `json:"resolved"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Resources is the latest usage sample of a process.
type Resources struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
