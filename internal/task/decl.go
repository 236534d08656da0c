package task

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Declaration is one node as serialized by the external evaluator.
// Durations are expressed in seconds.
type Declaration struct {
	Name           string            `json:"name"`
	Type           string            `json:"type,omitempty"`
	Command        *string           `json:"command,omitempty"`
	Status         *string           `json:"status,omitempty"`
	After          []string          `json:"after,omitempty"`
	Before         []string          `json:"before,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Cwd            string            `json:"cwd,omitempty"`
	ExecIfModified []string          `json:"exec_if_modified,omitempty"`
	ShowOutput     bool              `json:"show_output,omitempty"`
	Input          json.RawMessage   `json:"input,omitempty"`
	UseSudo        bool              `json:"use_sudo,omitempty"`
	Exports        []string          `json:"exports,omitempty"`
	ShellEntry     bool              `json:"shell_entry,omitempty"`

	Ready           *ReadyDecl     `json:"ready,omitempty"`
	Restart         *RestartDecl   `json:"restart,omitempty"`
	Listen          []ListenDecl   `json:"listen,omitempty"`
	Ports           map[string]int `json:"ports,omitempty"`
	Watch           *WatchDecl     `json:"watch,omitempty"`
	Watchdog        *WatchdogDecl  `json:"watchdog,omitempty"`
	Capabilities    []string       `json:"capabilities,omitempty"`
	PseudoTerminal  bool           `json:"pseudo_terminal,omitempty"`
	StartupTimeout  *float64       `json:"startup_timeout,omitempty"`
	ShutdownTimeout *float64       `json:"shutdown_timeout,omitempty"`
}

type ReadyDecl struct {
	Exec         *string   `json:"exec,omitempty"`
	HTTP         *HTTPDecl `json:"http,omitempty"`
	TCP          *string   `json:"tcp,omitempty"`
	Notify       bool      `json:"notify,omitempty"`
	InitialDelay *float64  `json:"initial_delay,omitempty"`
	Period       *float64  `json:"period,omitempty"`
	ProbeTimeout *float64  `json:"probe_timeout,omitempty"`
	Timeout      *float64  `json:"timeout,omitempty"`
}

type HTTPDecl struct {
	URL string       `json:"url,omitempty"`
	Get *HTTPGetDecl `json:"get,omitempty"`
}

type HTTPGetDecl struct {
	Scheme string `json:"scheme,omitempty"`
	Host   string `json:"host,omitempty"`
	Port   int    `json:"port"`
	Path   string `json:"path,omitempty"`
}

type RestartDecl struct {
	On     string   `json:"on"`
	Max    *int     `json:"max"`
	Window *float64 `json:"window"`
}

type ListenDecl struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Address string `json:"address,omitempty"`
	Path    string `json:"path,omitempty"`
	Backlog int    `json:"backlog,omitempty"`
	Mode    uint32 `json:"mode,omitempty"`
}

type WatchDecl struct {
	Paths      []string `json:"paths"`
	Extensions []string `json:"extensions,omitempty"`
	Ignore     []string `json:"ignore,omitempty"`
}

type WatchdogDecl struct {
	Usec         int64 `json:"usec"`
	RequireReady *bool `json:"require_ready,omitempty"`
}

// Input is a decoded evaluator document.
type Input struct {
	Tasks   []Declaration `json:"tasks"`
	Roots   []string      `json:"roots,omitempty"`
	RunMode string        `json:"run_mode,omitempty"`
}

// DecodeDeclarations reads either a bare JSON array of declarations or an
// object {"tasks": [...], "roots": [...], "run_mode": "..."}. Unknown fields
// are rejected.
func DecodeDeclarations(r io.Reader) (Input, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Input{}, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Input{}, errors.New("empty task document")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var in Input
	if data[0] == '[' {
		err = dec.Decode(&in.Tasks)
	} else {
		err = dec.Decode(&in)
	}
	if err != nil {
		return Input{}, &Error{Kind: KindConfig, Err: fmt.Errorf("decode task document: %w", err)}
	}
	return in, nil
}
