// Package scheduler drives a run over a dependency graph. A single
// coordinator goroutine owns every node's state and admits nodes whose
// dependencies reached their required state; node bodies run on a bounded
// pool of workers that post completions back to the coordinator.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/loykin/devtasks/internal/env"
	"github.com/loykin/devtasks/internal/events"
	"github.com/loykin/devtasks/internal/executor"
	"github.com/loykin/devtasks/internal/export"
	"github.com/loykin/devtasks/internal/graph"
	"github.com/loykin/devtasks/internal/metrics"
	"github.com/loykin/devtasks/internal/supervisor"
	"github.com/loykin/devtasks/internal/task"
)

var (
	// ErrAlreadyRunning is returned by Retrigger while the node is in flight.
	ErrAlreadyRunning = errors.New("node is already running")
	// ErrNotRunning is returned by Retrigger outside of a run.
	ErrNotRunning = errors.New("scheduler is not running")
)

// Oneshot runs oneshot nodes.
type Oneshot interface {
	Run(ctx context.Context, node *task.Node, env []string) executor.Result
}

// Processes supervises process nodes.
type Processes interface {
	Start(ctx context.Context, node *task.Node, env []string, report supervisor.Report) error
	Shutdown(ctx context.Context, order []string) error
}

type updateKind int

const (
	updStarted updateKind = iota
	updOneshotDone
	updProcessStarted
	updProcessState
	updRetrigger
)

type update struct {
	name   string
	kind   updateKind
	result executor.Result
	pstate supervisor.State
	err    error
}

type Scheduler struct {
	g       *graph.Subgraph
	oneshot Oneshot
	procs   Processes
	workers int
	bus     *events.Bus
	log     *slog.Logger
	baseEnv []string
	exports *export.Channel

	mu       sync.RWMutex
	nodes    map[string]*nodeState
	order    []string
	required map[string]bool

	locks map[string]*atomic.Bool
	sem   *semaphore.Weighted

	// update queue fed by workers and supervisor reports
	qmu   sync.Mutex
	queue []update
	wake  chan struct{}

	// owned by the coordinator
	ready  []string
	active int

	started   atomic.Bool
	runCtx    context.Context
	cancelRun context.CancelFunc
	settled   chan struct{}
	settleOne sync.Once
	stopped   chan struct{}
}

type Option func(*Scheduler)

// WithWorkers bounds how many node bodies run at once.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithBus(b *events.Bus) Option { return func(s *Scheduler) { s.bus = b } }

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithBaseEnv sets the environment every node starts from; it defaults to
// the engine's own.
func WithBaseEnv(kvs []string) Option { return func(s *Scheduler) { s.baseEnv = kvs } }

// WithExports shares an export channel, for callers that need the outputs
// after the run.
func WithExports(c *export.Channel) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.exports = c
		}
	}
}

func New(g *graph.Subgraph, oneshot Oneshot, procs Processes, opts ...Option) *Scheduler {
	s := &Scheduler{
		g:        g,
		oneshot:  oneshot,
		procs:    procs,
		workers:  runtime.NumCPU(),
		log:      slog.Default(),
		baseEnv:  os.Environ(),
		exports:  export.NewChannel(),
		nodes:    make(map[string]*nodeState, g.Len()),
		required: make(map[string]bool, g.Len()),
		locks:    make(map[string]*atomic.Bool, g.Len()),
		wake:     make(chan struct{}, 1),
		settled:  make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.sem = semaphore.NewWeighted(int64(s.workers))
	for _, n := range g.Names() {
		s.nodes[n] = &nodeState{node: g.Node(n), state: Pending}
		s.locks[n] = &atomic.Bool{}
		s.required[n] = g.IsRoot(n)
		for _, e := range g.Dependents(n) {
			if !e.State.Soft() {
				s.required[n] = true
			}
		}
	}
	s.order = g.Names()
	return s
}

// Run admits nodes until the run settles: every node is terminal or a
// process that is ready. Processes keep running afterwards until Shutdown.
// Cancelling ctx cancels nodes not yet started and kills running oneshots.
func (s *Scheduler) Run(ctx context.Context) (*Summary, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, errors.New("scheduler already started")
	}
	order, err := s.g.Order()
	if err != nil {
		close(s.stopped)
		return nil, err
	}
	s.mu.Lock()
	s.order = order
	s.mu.Unlock()
	s.runCtx, s.cancelRun = context.WithCancel(ctx)
	go s.coordinate()

	select {
	case <-s.settled:
	case <-s.stopped:
	}
	sum := s.summary()
	if err := ctx.Err(); err != nil {
		return sum, task.Wrap(task.KindCancelled, "", err)
	}
	return sum, nil
}

// Shutdown stops processes dependents first and ends the coordinator.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	order, err := s.g.ReverseOrder()
	if err != nil {
		order = s.g.Names()
	}
	var procs []string
	for _, n := range order {
		if s.g.Node(n).Kind == task.Process {
			procs = append(procs, n)
		}
	}
	var serr error
	if s.procs != nil {
		serr = s.procs.Shutdown(ctx, procs)
	}
	if s.started.Load() && s.cancelRun != nil {
		s.cancelRun()
		select {
		case <-s.stopped:
		case <-ctx.Done():
			return errors.Join(serr, ctx.Err())
		}
	}
	return serr
}

// Retrigger runs a finished node again, together with the dependents its
// earlier failure skipped.
func (s *Scheduler) Retrigger(name string) error {
	lock, ok := s.locks[name]
	if !ok {
		return task.Errorf(task.KindGraph, name, "unknown node")
	}
	if lock.Load() {
		return ErrAlreadyRunning
	}
	if !s.started.Load() {
		return ErrNotRunning
	}
	select {
	case <-s.stopped:
		return ErrNotRunning
	default:
	}
	s.post(update{name: name, kind: updRetrigger})
	return nil
}

// Snapshot returns the current status of every node in order.
func (s *Scheduler) Snapshot() []NodeStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]NodeStatus, 0, len(s.order))
	for _, n := range s.order {
		out = append(out, s.nodes[n].status())
	}
	return out
}

// Exports is the channel collecting the outputs of completed nodes.
func (s *Scheduler) Exports() *export.Channel { return s.exports }

// post never blocks; supervisor reports call it from their own loops.
func (s *Scheduler) post(u update) {
	s.qmu.Lock()
	s.queue = append(s.queue, u)
	s.qmu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) takeUpdates() []update {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}

func (s *Scheduler) coordinate() {
	defer close(s.stopped)
	for _, n := range s.order {
		s.evaluate(n)
	}
	s.dispatch()
	s.checkSettled()
	for {
		select {
		case <-s.runCtx.Done():
			s.applyAll()
			s.cancelPending()
			s.drain()
			return
		case <-s.wake:
			s.applyAll()
			s.dispatch()
			s.checkSettled()
		}
	}
}

func (s *Scheduler) applyAll() {
	for _, u := range s.takeUpdates() {
		s.apply(u)
	}
}

// drain waits for in-flight workers after cancellation.
func (s *Scheduler) drain() {
	for s.active > 0 {
		<-s.wake
		s.applyAll()
	}
}

func (s *Scheduler) cancelPending() {
	for _, n := range s.order {
		ns := s.node(n)
		switch ns.state {
		case Pending, Blocked:
			s.setState(n, Cancelled, "run cancelled", nil)
		case ReadyToRun:
			if !s.locks[n].Load() {
				s.setState(n, Cancelled, "run cancelled", nil)
			}
		}
	}
	s.ready = nil
}

func (s *Scheduler) node(name string) *nodeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes[name]
}

func (s *Scheduler) stateOf(name string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes[name].state
}

func (s *Scheduler) checkSettled() {
	if s.active > 0 || len(s.ready) > 0 {
		return
	}
	s.mu.RLock()
	for _, n := range s.order {
		ns := s.nodes[n]
		if ns.state.Terminal() {
			continue
		}
		if ns.node.Kind == task.Process && ns.state == ProcessReady {
			continue
		}
		s.mu.RUnlock()
		return
	}
	s.mu.RUnlock()
	s.settleOne.Do(func() {
		s.log.Debug("run settled")
		close(s.settled)
	})
}

// evaluate moves a waiting node to ReadyToRun, Blocked or Skipped.
func (s *Scheduler) evaluate(name string) {
	cur := s.stateOf(name)
	if cur != Pending && cur != Blocked {
		return
	}
	if s.runCtx.Err() != nil {
		s.setState(name, Cancelled, "run cancelled", nil)
		return
	}
	waiting := false
	for _, e := range s.g.Dependencies(name) {
		ds := s.stateOf(e.From)
		if satisfies(e.State, ds) {
			continue
		}
		if !e.State.Soft() && ds.unsuccessful() {
			s.setState(name, Skipped, fmt.Sprintf("dependency %s %s", e.From, ds), nil)
			s.evaluateDependents(name)
			return
		}
		waiting = true
	}
	if waiting {
		if cur == Pending {
			s.setState(name, Blocked, "", nil)
		}
		return
	}
	s.setState(name, ReadyToRun, "", nil)
	s.ready = append(s.ready, name)
}

func (s *Scheduler) evaluateDependents(name string) {
	for _, e := range s.g.Dependents(name) {
		s.evaluate(e.To)
	}
}

// admit is the per-node admission lock.
func (s *Scheduler) admit(name string) bool { return s.locks[name].CompareAndSwap(false, true) }

func (s *Scheduler) release(name string) { s.locks[name].Store(false) }

func (s *Scheduler) dispatch() {
	if s.runCtx.Err() != nil {
		return
	}
	ready := s.ready
	s.ready = nil
	for _, name := range ready {
		if s.stateOf(name) != ReadyToRun || !s.admit(name) {
			continue
		}
		node := s.g.Node(name)
		environ := s.environ(node)
		s.active++
		if node.Kind == task.Process {
			go s.startProcess(node, environ)
		} else {
			go s.runOneshot(node, environ)
		}
	}
}

// environ layers the base env, upstream exports, the task's env and the
// DEVENV_* variables.
func (s *Scheduler) environ(node *task.Node) []string {
	ancestors := s.g.Ancestors(node.Name)
	up := s.exports.For(func(n string) bool { return ancestors[n] })
	b := env.NewBuilder(env.Parse(s.baseEnv)).
		Apply(up.Vars).
		Set(executor.EnvTaskEnv, up.Script).
		Apply(node.Env).
		Set(executor.EnvOutputs, up.OutputsJSON)
	if in := string(node.Input); in != "" && in != "null" {
		b.Set(executor.EnvTaskInput, in)
	}
	return b.Environ()
}

func (s *Scheduler) runOneshot(node *task.Node, environ []string) {
	if err := s.sem.Acquire(s.runCtx, 1); err != nil {
		s.post(update{name: node.Name, kind: updOneshotDone, result: executor.Result{
			Outcome: executor.Cancelled,
			Err:     task.Wrap(task.KindCancelled, node.Name, err),
		}})
		return
	}
	defer s.sem.Release(1)
	s.post(update{name: node.Name, kind: updStarted})
	res := s.oneshot.Run(s.runCtx, node, environ)
	s.post(update{name: node.Name, kind: updOneshotDone, result: res})
}

func (s *Scheduler) startProcess(node *task.Node, environ []string) {
	if err := s.sem.Acquire(s.runCtx, 1); err != nil {
		s.post(update{name: node.Name, kind: updProcessStarted, err: task.Wrap(task.KindCancelled, node.Name, err)})
		return
	}
	s.post(update{name: node.Name, kind: updStarted})
	report := func(name string, st supervisor.State, err error) {
		s.post(update{name: name, kind: updProcessState, pstate: st, err: err})
	}
	if s.procs == nil {
		s.sem.Release(1)
		s.post(update{name: node.Name, kind: updProcessStarted, err: task.Errorf(task.KindConfig, node.Name, "no process supervisor configured")})
		return
	}
	err := s.procs.Start(s.runCtx, node, environ, report)
	s.sem.Release(1)
	s.post(update{name: node.Name, kind: updProcessStarted, err: err})
}

func (s *Scheduler) apply(u update) {
	ns := s.node(u.name)
	if ns == nil {
		return
	}
	switch u.kind {
	case updStarted:
		if ns.state == ReadyToRun {
			s.mu.Lock()
			ns.started = time.Now()
			s.mu.Unlock()
			s.setState(u.name, Running, "", nil)
		}
	case updOneshotDone:
		s.active--
		s.release(u.name)
		s.finishOneshot(ns, u.result)
	case updProcessStarted:
		s.active--
		if u.err != nil && !ns.state.Terminal() {
			s.release(u.name)
			if task.KindOf(u.err) == task.KindCancelled {
				s.setState(u.name, Cancelled, "run cancelled", u.err)
			} else {
				s.setState(u.name, Failed, "", u.err)
			}
		}
	case updProcessState:
		s.processState(ns, u.pstate, u.err)
	case updRetrigger:
		s.retrigger(u.name)
		return
	}
	s.evaluateDependents(u.name)
}

func (s *Scheduler) finishOneshot(ns *nodeState, res executor.Result) {
	name := ns.node.Name
	s.mu.Lock()
	ns.ended = time.Now()
	ns.dur = res.Duration
	ns.output = res.Output
	ns.stderr = res.Stderr
	s.mu.Unlock()
	switch res.Outcome {
	case executor.Succeeded:
		s.exports.Publish(name, res.Output, ns.node.ShellEntry)
		s.setState(name, Succeeded, res.Reason, nil)
	case executor.Cancelled:
		s.setState(name, Cancelled, "run cancelled", res.Err)
	default:
		s.setState(name, Failed, "", res.Err)
	}
}

func (s *Scheduler) processState(ns *nodeState, st supervisor.State, err error) {
	name := ns.node.Name
	if ns.state.Terminal() {
		return
	}
	switch st {
	case supervisor.Starting, supervisor.Running, supervisor.Probing, supervisor.Restarting:
		if ns.state == ReadyToRun || ns.state == ProcessReady {
			s.setState(name, Running, st.String(), nil)
		}
	case supervisor.Ready:
		s.setState(name, ProcessReady, "", nil)
	case supervisor.Exited:
		s.release(name)
		s.mu.Lock()
		ns.ended = time.Now()
		s.mu.Unlock()
		s.setState(name, Succeeded, "exited", nil)
	case supervisor.Failed:
		s.release(name)
		s.mu.Lock()
		ns.ended = time.Now()
		s.mu.Unlock()
		s.setState(name, Failed, "", err)
	}
}

// retrigger resets name and the nodes its outcome skipped, then admits again.
func (s *Scheduler) retrigger(name string) {
	if !s.stateOf(name).Terminal() || s.locks[name].Load() {
		s.log.Debug("retrigger ignored", slog.String("task", name))
		return
	}
	reset := []string{name}
	seen := map[string]bool{name: true}
	for i := 0; i < len(reset); i++ {
		for _, e := range s.g.Dependents(reset[i]) {
			if !seen[e.To] && s.stateOf(e.To) == Skipped {
				seen[e.To] = true
				reset = append(reset, e.To)
			}
		}
	}
	for _, n := range reset {
		s.mu.Lock()
		ns := s.nodes[n]
		ns.reason, ns.err, ns.output, ns.stderr = "", nil, nil, nil
		ns.started, ns.ended, ns.dur = time.Time{}, time.Time{}, 0
		s.mu.Unlock()
		s.setState(n, Pending, "retriggered", nil)
	}
	for _, n := range s.order {
		if seen[n] {
			s.evaluate(n)
		}
	}
}

func (s *Scheduler) setState(name string, to State, reason string, err error) {
	s.mu.Lock()
	ns := s.nodes[name]
	from := ns.state
	ns.state = to
	ns.reason = reason
	if err != nil {
		ns.err = err
	}
	s.mu.Unlock()
	if from == to {
		return
	}
	metrics.RecordStateTransition(name, from.String(), to.String())
	for _, st := range allStates {
		metrics.SetCurrentState(name, st.String(), st == to)
	}
	s.bus.Publish(events.NodeStateChanged(name, from.String(), to.String(), reason, err))

	attrs := []any{slog.String("task", name), slog.String("from", from.String()), slog.String("to", to.String())}
	if reason != "" {
		attrs = append(attrs, slog.String("reason", reason))
	}
	switch to {
	case Failed:
		s.log.Error("task failed", append(attrs, slog.Any("error", err))...)
	case Succeeded, ProcessReady, Skipped, Cancelled:
		s.log.Info("task "+to.String(), attrs...)
	default:
		s.log.Debug("task state", attrs...)
	}
}
