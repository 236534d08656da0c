// Package devtasks embeds the task engine: load evaluator declarations into
// a graph, run a selection of it, observe progress, and shut processes down.
package devtasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/devtasks/internal/config"
	"github.com/loykin/devtasks/internal/events"
	"github.com/loykin/devtasks/internal/executor"
	"github.com/loykin/devtasks/internal/graph"
	"github.com/loykin/devtasks/internal/history"
	hfactory "github.com/loykin/devtasks/internal/history/factory"
	"github.com/loykin/devtasks/internal/logger"
	"github.com/loykin/devtasks/internal/metrics"
	"github.com/loykin/devtasks/internal/ports"
	"github.com/loykin/devtasks/internal/privilege"
	"github.com/loykin/devtasks/internal/scheduler"
	"github.com/loykin/devtasks/internal/server"
	"github.com/loykin/devtasks/internal/store"
	sfactory "github.com/loykin/devtasks/internal/store/factory"
	"github.com/loykin/devtasks/internal/supervisor"
	"github.com/loykin/devtasks/internal/task"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Declaration = task.Declaration

type Input = task.Input

type Graph = graph.Graph

type RunMode = graph.RunMode

type Summary = scheduler.Summary

type NodeStatus = scheduler.NodeStatus

type Event = events.Event

type Subscription = events.Subscription

type PortAllocation = store.PortAllocation

const (
	ModeSingle = graph.ModeSingle
	ModeBefore = graph.ModeBefore
	ModeAfter  = graph.ModeAfter
	ModeAll    = graph.ModeAll
)

type HistorySink = history.Sink

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func ParseRunMode(s string) (RunMode, error) { return graph.ParseRunMode(s) }

func DecodeDeclarations(r io.Reader) (Input, error) { return task.DecodeDeclarations(r) }

// RegisterMetrics registers every engine collector with r.
func RegisterMetrics(r prometheus.Registerer) error {
	if err := metrics.Register(r); err != nil {
		return err
	}
	return metrics.RegisterResources(r)
}

func RegisterMetricsDefault() error { return RegisterMetrics(prometheus.DefaultRegisterer) }

// RunOptions selects what Run executes.
type RunOptions struct {
	// Roots are task names or namespaces; empty runs the whole graph.
	Roots             []string
	Mode              RunMode
	IgnoreProcessDeps bool
}

// Engine owns the long-lived components shared by runs: the cache store, the
// event bus, the port allocator and the process supervisor.
type Engine struct {
	cfg       *Config
	log       *slog.Logger
	logCloser io.Closer
	runID     string

	arena     *store.Arena
	bus       *events.Bus
	ports     *ports.Allocator
	procs     *supervisor.Manager
	exec      *executor.Executor
	checker   privilege.Checker
	collector *metrics.Collector
	sinks     []history.Sink
	forward   context.CancelFunc
	forwardWG sync.WaitGroup

	mu      sync.Mutex
	sched   *scheduler.Scheduler
	httpSrv *http.Server
}

type Option func(*engineOptions)

type engineOptions struct {
	log      *slog.Logger
	terminal io.Writer
	sinks    []history.Sink
}

// WithLogger replaces the logger built from Config.Log.
func WithLogger(l *slog.Logger) Option { return func(o *engineOptions) { o.log = l } }

// WithTerminal receives the output of show_output tasks; it defaults to stdout.
func WithTerminal(w io.Writer) Option { return func(o *engineOptions) { o.terminal = w } }

// WithHistorySinks adds sinks next to the ones configured by DSN.
func WithHistorySinks(s ...history.Sink) Option {
	return func(o *engineOptions) { o.sinks = append(o.sinks, s...) }
}

// New wires the engine from c. Close releases everything it opened.
func New(c *Config, opts ...Option) (*Engine, error) {
	if c == nil {
		return nil, errors.New("nil config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	o := engineOptions{terminal: os.Stdout}
	for _, fn := range opts {
		fn(&o)
	}
	e := &Engine{cfg: c, runID: uuid.NewString(), logCloser: io.NopCloser(nil)}
	if o.log != nil {
		e.log = o.log
	} else {
		l, closer, err := logger.New(c.Log, os.Stderr)
		if err != nil {
			return nil, err
		}
		e.log, e.logCloser = l, closer
	}

	st, err := openStore(c.Store.DSN)
	if err != nil {
		_ = e.logCloser.Close()
		return nil, err
	}
	e.arena = store.NewArena(st)
	e.bus = events.New(e.runID)
	e.ports = ports.New(e.arena,
		ports.WithStrict(c.Ports.Strict),
		ports.WithHost(c.Ports.Host),
		ports.WithMaxAttempts(c.Ports.MaxAttempts),
		ports.WithBus(e.bus),
		ports.WithLogger(e.log),
	)

	supOpts := []supervisor.Option{
		supervisor.WithPorts(e.ports),
		supervisor.WithBus(e.bus),
		supervisor.WithLogger(e.log),
		supervisor.WithTaskLogs(c.TaskLogs),
		supervisor.WithArena(e.arena),
	}
	execOpts := []executor.Option{
		executor.WithLogger(e.log),
		executor.WithBus(e.bus),
		executor.WithTaskLogs(c.TaskLogs),
		executor.WithRefresh(c.Refresh),
		executor.WithTerminal(o.terminal),
	}
	if sc, ok := privilege.Detect(); ok {
		e.log.Info("running under sudo, tasks drop to the invoking user", slog.String("user", sc.User))
		supOpts = append(supOpts, supervisor.WithCredential(sc.Credential()))
		execOpts = append(execOpts, executor.WithSudoContext(&sc))
	}
	e.procs = supervisor.NewManager(supOpts...)
	e.exec = executor.New(e.arena, execOpts...)

	sinks, err := hfactory.NewSinks(c.History.Sinks)
	if err != nil {
		_ = e.arena.Close()
		_ = e.logCloser.Close()
		return nil, fmt.Errorf("history sinks: %w", err)
	}
	e.sinks = append(sinks, o.sinks...)
	if len(e.sinks) > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		e.forward = cancel
		sub := e.bus.Subscribe(c.Events.Buffer, c.Policy())
		e.forwardWG.Add(1)
		go func() {
			defer e.forwardWG.Done()
			history.Forward(ctx, sub, e.log, e.sinks...)
		}()
	}

	e.collector = metrics.NewCollector(5*time.Second, e.procs.PIDs)
	e.collector.Start(context.Background())
	return e, nil
}

func openStore(dsn string) (store.Store, error) {
	st, err := sfactory.NewFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(context.Background()); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// RunID identifies the engine's events.
func (e *Engine) RunID() string { return e.runID }

// Load compiles declarations into a validated graph.
func (e *Engine) Load(decls []Declaration) (*Graph, error) {
	nodes := make([]*task.Node, 0, len(decls))
	for i, d := range decls {
		n, err := task.Compile(d, i)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return graph.Load(nodes, graph.WithLogger(e.log))
}

// Run executes the selection of g described by opts and returns once the
// run settles. Processes keep running until Shutdown. One run at a time.
func (e *Engine) Run(ctx context.Context, g *Graph, opts RunOptions) (*Summary, error) {
	sub := g.All()
	if len(opts.Roots) > 0 {
		var err error
		sub, err = g.Select(opts.Roots, opts.Mode, graph.SelectOptions{IgnoreProcessDeps: opts.IgnoreProcessDeps})
		if err != nil {
			return nil, err
		}
	}
	base, err := e.cfg.BaseEnv()
	if err != nil {
		return nil, task.Wrap(task.KindConfig, "", err)
	}

	s := scheduler.New(sub, e.exec, e.procs,
		scheduler.WithWorkers(e.cfg.Workers),
		scheduler.WithBus(e.bus),
		scheduler.WithLogger(e.log),
		scheduler.WithBaseEnv(base),
	)
	e.mu.Lock()
	if e.sched != nil {
		e.mu.Unlock()
		return nil, errors.New("a run is already in progress")
	}
	if e.cfg.Server.Listen != "" && e.httpSrv == nil {
		r := server.NewRouter(e, "",
			server.WithProcesses(e.procs),
			server.WithPorts(e.ports),
			server.WithResources(e.collector),
		)
		srv, err := server.NewServer(e.cfg.Server.Listen, r)
		if err != nil {
			e.mu.Unlock()
			return nil, task.Wrap(task.KindConfig, "", err)
		}
		e.httpSrv = srv
		e.log.Info("status API listening", slog.String("addr", srv.Addr))
	}
	e.sched = s
	e.mu.Unlock()

	if needsSudo(sub) && e.cfg.Sudo.RefreshInterval > 0 {
		stop := e.checker.Refresh(ctx, e.cfg.Sudo.RefreshInterval, e.log)
		defer stop()
	}
	e.log.Info("run started", slog.String("run_id", e.runID), slog.Int("tasks", sub.Len()))
	return s.Run(ctx)
}

func needsSudo(sub *graph.Subgraph) bool {
	for _, n := range sub.Names() {
		if sub.Node(n).UseSudo {
			return true
		}
	}
	return false
}

// Snapshot is the state of the current run; empty before Run.
func (e *Engine) Snapshot() []NodeStatus {
	e.mu.Lock()
	s := e.sched
	e.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Snapshot()
}

// Summary is the current outcome of the run; nil before Run and after Shutdown.
func (e *Engine) Summary() *Summary {
	e.mu.Lock()
	s := e.sched
	e.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Summary()
}

// Retrigger reruns a finished node of the current run.
func (e *Engine) Retrigger(name string) error {
	e.mu.Lock()
	s := e.sched
	e.mu.Unlock()
	if s == nil {
		return scheduler.ErrNotRunning
	}
	return s.Retrigger(name)
}

// ShellExports returns the variables exported by shell-entry tasks of the current run.
func (e *Engine) ShellExports() map[string]string {
	e.mu.Lock()
	s := e.sched
	e.mu.Unlock()
	if s == nil {
		return map[string]string{}
	}
	return s.Exports().ShellExports()
}

// Subscribe observes engine events.
func (e *Engine) Subscribe(size int, policy events.Policy) *Subscription {
	return e.bus.Subscribe(size, policy)
}

// Ports lists persisted port allocations.
func (e *Engine) Ports(ctx context.Context) ([]PortAllocation, error) { return e.ports.List(ctx) }

// Processes returns the status of every supervised process.
func (e *Engine) Processes() []supervisor.Status { return e.procs.List() }

// Shutdown stops processes dependents first within the configured timeout
// and ends the current run.
func (e *Engine) Shutdown(ctx context.Context) error {
	// processes stop one after another, each within the timeout
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ShutdownTimeout*time.Duration(max(1, len(e.procs.Names()))))
	defer cancel()
	e.mu.Lock()
	s, srv := e.sched, e.httpSrv
	e.sched, e.httpSrv = nil, nil
	e.mu.Unlock()

	var errs []error
	if s != nil {
		errs = append(errs, s.Shutdown(ctx))
	} else {
		errs = append(errs, e.procs.Shutdown(ctx, nil))
	}
	if srv != nil {
		errs = append(errs, srv.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// Close releases the store, the bus, the history sinks and the engine log.
// Call Shutdown first when processes may still run.
func (e *Engine) Close() error {
	e.collector.Stop()
	e.bus.Close()
	if e.forward != nil {
		e.forward()
	}
	e.forwardWG.Wait()
	return errors.Join(history.Close(e.sinks...), e.arena.Close(), e.logCloser.Close())
}
