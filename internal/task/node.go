package task

import (
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind is the node's lifecycle type.
type Kind int

const (
	Oneshot Kind = iota
	Process
)

func (k Kind) String() string {
	if k == Process {
		return "process"
	}
	return "oneshot"
}

// ParseKind maps the declaration "type" field; empty means oneshot.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "oneshot":
		return Oneshot, nil
	case "process":
		return Process, nil
	default:
		return Oneshot, fmt.Errorf("unknown task type %q", s)
	}
}

// Node is an immutable, validated task for one graph load.
type Node struct {
	Name       string
	Kind       Kind
	Command    string
	Status     string
	Inputs     []string
	Env        map[string]string
	Cwd        string
	After      []Dependency
	Before     []Dependency
	Exports    []string
	ShowOutput bool
	Input      json.RawMessage
	UseSudo    bool
	ShellEntry bool
	Process    *ProcessSpec
	// Index is the position in the declaration list.
	Index int
}

// Namespace returns the part of the name before the last ':'.
func (n *Node) Namespace() string {
	if i := strings.LastIndexByte(n.Name, ':'); i > 0 {
		return n.Name[:i]
	}
	return n.Name
}

// HasReadiness reports whether a process can signal readiness beyond spawning.
func (n *Node) HasReadiness() bool {
	p := n.Process
	if p == nil {
		return false
	}
	if p.Probe.Kind != ProbeNone {
		return true
	}
	for _, l := range p.Listen {
		if l.Kind == ListenTCP {
			return true
		}
	}
	return len(p.Ports) > 0
}

// ProbeKind tags the readiness probe variant.
type ProbeKind int

const (
	ProbeNone ProbeKind = iota
	ProbeExec
	ProbeHTTP
	ProbeTCP
	ProbeNotify
)

func (k ProbeKind) String() string {
	switch k {
	case ProbeExec:
		return "exec"
	case ProbeHTTP:
		return "http"
	case ProbeTCP:
		return "tcp"
	case ProbeNotify:
		return "notify"
	default:
		return "none"
	}
}

// Probe is a readiness probe with its timing. Exactly one of Command, URL or
// Address is meaningful, selected by Kind.
type Probe struct {
	Kind         ProbeKind
	Command      string
	URL          string
	Address      string
	InitialDelay time.Duration
	Period       time.Duration
	ProbeTimeout time.Duration
	// Timeout bounds the whole readiness phase; zero waits forever.
	Timeout time.Duration
}

type RestartOn int

const (
	RestartOnFailure RestartOn = iota
	RestartNever
	RestartAlways
)

func (r RestartOn) String() string {
	switch r {
	case RestartNever:
		return "never"
	case RestartAlways:
		return "always"
	default:
		return "on_failure"
	}
}

// RestartPolicy bounds automatic restarts. A nil Max means no cap; a zero
// Window makes Max a lifetime cap.
type RestartPolicy struct {
	On     RestartOn
	Max    *int
	Window time.Duration
}

type Watchdog struct {
	Interval     time.Duration
	RequireReady bool
}

type ListenKind int

const (
	ListenTCP ListenKind = iota
	ListenUnixStream
)

type Listen struct {
	Name    string
	Kind    ListenKind
	Address string
	Path    string
	Backlog int
	Mode    uint32
}

type Watch struct {
	Paths      []string
	Extensions []string
	Ignore     []string
}

// ProcessSpec carries the long-running process settings of a node.
type ProcessSpec struct {
	Probe           Probe
	Restart         RestartPolicy
	Watchdog        *Watchdog
	Listen          []Listen
	Capabilities    []string
	PseudoTerminal  bool
	Watch           Watch
	Ports           map[string]int
	StartupTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Probe timing defaults.
const (
	DefaultProbePeriod     = time.Second
	DefaultProbeTimeout    = 5 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+(:[a-zA-Z0-9_-]+)+$`)

// ValidName reports whether name is a namespaced task name.
func ValidName(name string) bool { return nameRe.MatchString(name) }

// Compile validates a declaration and converts it into a Node.
func Compile(d Declaration, index int) (*Node, error) {
	if !ValidName(d.Name) {
		return nil, Errorf(KindConfig, d.Name, "invalid task name %q: expected namespace:name using [a-zA-Z0-9_-]", d.Name)
	}
	kind, err := ParseKind(d.Type)
	if err != nil {
		return nil, Wrap(KindConfig, d.Name, err)
	}
	n := &Node{
		Name:       d.Name,
		Kind:       kind,
		Inputs:     append([]string(nil), d.ExecIfModified...),
		Cwd:        d.Cwd,
		Exports:    append([]string(nil), d.Exports...),
		ShowOutput: d.ShowOutput,
		Input:      d.Input,
		UseSudo:    d.UseSudo,
		ShellEntry: d.ShellEntry,
		Index:      index,
		Env:        make(map[string]string, len(d.Env)),
	}
	for k, v := range d.Env {
		n.Env[k] = v
	}
	if d.Command != nil {
		n.Command = strings.TrimSpace(*d.Command)
	}
	if d.Status != nil {
		n.Status = strings.TrimSpace(*d.Status)
		if n.Command == "" {
			return nil, Errorf(KindConfig, d.Name, "status is set but command is missing")
		}
		if len(n.Inputs) > 0 {
			return nil, Errorf(KindConfig, d.Name, "status and exec_if_modified are mutually exclusive")
		}
	}
	for _, ref := range d.After {
		dep, err := ParseDependency(ref)
		if err != nil {
			return nil, Wrap(KindConfig, d.Name, err)
		}
		n.After = append(n.After, dep)
	}
	for _, ref := range d.Before {
		dep, err := ParseDependency(ref)
		if err != nil {
			return nil, Wrap(KindConfig, d.Name, err)
		}
		n.Before = append(n.Before, dep)
	}

	if kind == Oneshot {
		if d.Ready != nil || d.Restart != nil || len(d.Listen) > 0 || len(d.Ports) > 0 ||
			d.Watch != nil || d.Watchdog != nil || len(d.Capabilities) > 0 || d.PseudoTerminal {
			return nil, Errorf(KindConfig, d.Name, "process settings require type \"process\"")
		}
		return n, nil
	}
	if n.Command == "" {
		return nil, Errorf(KindConfig, d.Name, "process requires a command")
	}
	ps, err := compileProcess(d)
	if err != nil {
		return nil, Wrap(KindConfig, d.Name, err)
	}
	n.Process = ps
	return n, nil
}

func compileProcess(d Declaration) (*ProcessSpec, error) {
	ps := &ProcessSpec{
		Capabilities:    append([]string(nil), d.Capabilities...),
		PseudoTerminal:  d.PseudoTerminal,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
	if d.ShutdownTimeout != nil {
		t, err := seconds("shutdown_timeout", *d.ShutdownTimeout)
		if err != nil {
			return nil, err
		}
		ps.ShutdownTimeout = t
	}
	if d.StartupTimeout != nil {
		t, err := seconds("startup_timeout", *d.StartupTimeout)
		if err != nil {
			return nil, err
		}
		ps.StartupTimeout = t
	}

	probe, err := compileProbe(d.Ready)
	if err != nil {
		return nil, err
	}
	ps.Probe = probe

	if d.Restart != nil {
		rp, err := compileRestart(*d.Restart)
		if err != nil {
			return nil, err
		}
		ps.Restart = rp
	}

	if d.Watchdog != nil {
		if d.Watchdog.Usec <= 0 {
			return nil, fmt.Errorf("watchdog.usec must be positive, got %d", d.Watchdog.Usec)
		}
		wd := &Watchdog{Interval: time.Duration(d.Watchdog.Usec) * time.Microsecond, RequireReady: true}
		if d.Watchdog.RequireReady != nil {
			wd.RequireReady = *d.Watchdog.RequireReady
		}
		ps.Watchdog = wd
	}

	for _, l := range d.Listen {
		spec, err := compileListen(l)
		if err != nil {
			return nil, err
		}
		ps.Listen = append(ps.Listen, spec)
	}

	if len(d.Ports) > 0 {
		ps.Ports = make(map[string]int, len(d.Ports))
		for name, base := range d.Ports {
			if name == "" {
				return nil, fmt.Errorf("port name must not be empty")
			}
			if base <= 0 || base > 65535 {
				return nil, fmt.Errorf("port %q: base %d out of range", name, base)
			}
			ps.Ports[name] = base
		}
	}

	if d.Watch != nil {
		ps.Watch = Watch{
			Paths:      append([]string(nil), d.Watch.Paths...),
			Extensions: normalizeExtensions(d.Watch.Extensions),
			Ignore:     append([]string(nil), d.Watch.Ignore...),
		}
	}
	return ps, nil
}

func compileProbe(r *ReadyDecl) (Probe, error) {
	p := Probe{Period: DefaultProbePeriod, ProbeTimeout: DefaultProbeTimeout}
	if r == nil {
		return p, nil
	}
	kinds := 0
	if r.Exec != nil {
		kinds++
		p.Kind = ProbeExec
		p.Command = strings.TrimSpace(*r.Exec)
		if p.Command == "" {
			return p, fmt.Errorf("ready.exec must not be empty")
		}
	}
	if r.HTTP != nil {
		kinds++
		p.Kind = ProbeHTTP
		u, err := httpProbeURL(*r.HTTP)
		if err != nil {
			return p, err
		}
		p.URL = u
	}
	if r.TCP != nil {
		kinds++
		p.Kind = ProbeTCP
		p.Address = strings.TrimSpace(*r.TCP)
		if _, _, err := net.SplitHostPort(p.Address); err != nil {
			return p, fmt.Errorf("ready.tcp: %w", err)
		}
	}
	if r.Notify {
		kinds++
		p.Kind = ProbeNotify
	}
	if kinds > 1 {
		return p, fmt.Errorf("ready must declare exactly one of exec, http, tcp or notify")
	}
	var err error
	if r.InitialDelay != nil {
		if p.InitialDelay, err = seconds("ready.initial_delay", *r.InitialDelay); err != nil {
			return p, err
		}
	}
	if r.Period != nil {
		if p.Period, err = seconds("ready.period", *r.Period); err != nil {
			return p, err
		}
		if p.Period == 0 {
			p.Period = DefaultProbePeriod
		}
	}
	if r.ProbeTimeout != nil {
		if p.ProbeTimeout, err = seconds("ready.probe_timeout", *r.ProbeTimeout); err != nil {
			return p, err
		}
	}
	if r.Timeout != nil {
		if p.Timeout, err = seconds("ready.timeout", *r.Timeout); err != nil {
			return p, err
		}
	}
	return p, nil
}

func httpProbeURL(h HTTPDecl) (string, error) {
	if h.URL != "" {
		if h.Get != nil {
			return "", fmt.Errorf("ready.http: url and get are mutually exclusive")
		}
		return h.URL, nil
	}
	if h.Get == nil {
		return "", fmt.Errorf("ready.http requires url or get")
	}
	g := *h.Get
	if g.Port <= 0 || g.Port > 65535 {
		return "", fmt.Errorf("ready.http.get.port %d out of range", g.Port)
	}
	scheme := g.Scheme
	if scheme == "" {
		scheme = "http"
	}
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("ready.http.get: unknown scheme %q", scheme)
	}
	host := g.Host
	if host == "" {
		host = "127.0.0.1"
	}
	path := g.Path
	if path == "" {
		path = "/"
	} else if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(g.Port)) + path, nil
}

func compileRestart(r RestartDecl) (RestartPolicy, error) {
	var rp RestartPolicy
	switch r.On {
	case "", "on_failure":
		rp.On = RestartOnFailure
	case "never":
		rp.On = RestartNever
	case "always":
		rp.On = RestartAlways
	default:
		return rp, fmt.Errorf("unknown restart policy %q", r.On)
	}
	if r.Max != nil {
		if *r.Max < 0 {
			return rp, fmt.Errorf("restart.max must not be negative, got %d", *r.Max)
		}
		m := *r.Max
		rp.Max = &m
	}
	if r.Window != nil {
		w, err := seconds("restart.window", *r.Window)
		if err != nil {
			return rp, err
		}
		rp.Window = w
	}
	return rp, nil
}

func compileListen(l ListenDecl) (Listen, error) {
	spec := Listen{Name: l.Name, Backlog: l.Backlog, Mode: l.Mode}
	if l.Name == "" {
		return spec, fmt.Errorf("listen entries require a name")
	}
	switch l.Kind {
	case "tcp":
		spec.Kind = ListenTCP
		if _, _, err := net.SplitHostPort(l.Address); err != nil {
			return spec, fmt.Errorf("listen %q: %w", l.Name, err)
		}
		spec.Address = l.Address
	case "unix_stream":
		spec.Kind = ListenUnixStream
		if l.Path == "" {
			return spec, fmt.Errorf("listen %q: unix_stream requires a path", l.Name)
		}
		spec.Path = l.Path
	default:
		return spec, fmt.Errorf("listen %q: unknown kind %q", l.Name, l.Kind)
	}
	return spec, nil
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.TrimPrefix(strings.TrimSpace(e), ".")
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

func seconds(field string, v float64) (time.Duration, error) {
	if v < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return time.Duration(v * float64(time.Second)), nil
}
