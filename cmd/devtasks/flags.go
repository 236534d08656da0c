package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

type RunFlags struct {
	Tasks             string
	Mode              string
	Refresh           bool
	Workers           int
	StrictPorts       bool
	IgnoreProcessDeps bool
	StatusListen      string
	ExportFile        string
	JSON              bool
}

type ListFlags struct {
	Tasks string
	JSON  bool
}

type PortsFlags struct {
	JSON bool
}

type ExportFlags struct {
	Tasks   string
	Mode    string
	Workers int
}

// RemoteFlags reach the status API of a running `devtasks run --status-listen`.
type RemoteFlags struct {
	APIUrl     string
	APITimeout time.Duration
	JSON       bool
}
