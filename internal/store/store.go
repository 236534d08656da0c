package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by the Get methods when no row matches.
var ErrNotFound = errors.New("store: not found")

// TaskRun is the last successful run of a task and its JSON output.
type TaskRun struct {
	Task    string
	LastRun time.Time
	Output  json.RawMessage
}

// FileState is the recorded state of one watched input file of a task.
// ModTime is kept with nanosecond precision.
type FileState struct {
	Task    string
	Path    string
	ModTime time.Time
	Hash    string
	IsDir   bool
}

// Execution statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ExecutionRecord is the latest execution of a task, process restarts included.
type ExecutionRecord struct {
	Task         string
	Status       string
	StartedAt    time.Time
	EndedAt      time.Time
	Restarts     int
	RestartTimes []time.Time
	Fingerprint  string
	Output       json.RawMessage
}

// PortAllocation is a resolved port of a process, replayed across runs.
type PortAllocation struct {
	Process   string
	Port      string
	Base      int
	Resolved  int
	UpdatedAt time.Time
}

// Store persists the cache state shared between runs.
type Store interface {
	EnsureSchema(ctx context.Context) error

	PutTaskRun(ctx context.Context, run TaskRun) error
	GetTaskRun(ctx context.Context, task string) (TaskRun, error)

	PutFileState(ctx context.Context, fs FileState) error
	GetFileState(ctx context.Context, task, path string) (FileState, error)
	ListFileStates(ctx context.Context, task string) ([]FileState, error)

	PutExecution(ctx context.Context, rec ExecutionRecord) error
	GetExecution(ctx context.Context, task string) (ExecutionRecord, error)

	PutPort(ctx context.Context, pa PortAllocation) error
	GetPort(ctx context.Context, process, port string) (PortAllocation, error)
	ListPorts(ctx context.Context) ([]PortAllocation, error)

	Close() error
}

// EncodeTimes and DecodeTimes serialize restart timestamps for a TEXT column.
func EncodeTimes(ts []time.Time) (string, error) {
	if len(ts) == 0 {
		return "[]", nil
	}
	utc := make([]time.Time, len(ts))
	for i, t := range ts {
		utc[i] = t.UTC()
	}
	b, err := json.Marshal(utc)
	return string(b), err
}

func DecodeTimes(s string) ([]time.Time, error) {
	if s == "" {
		return nil, nil
	}
	var out []time.Time
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
