package scheduler

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devtasks/internal/events"
	"github.com/loykin/devtasks/internal/executor"
	"github.com/loykin/devtasks/internal/export"
	"github.com/loykin/devtasks/internal/graph"
	"github.com/loykin/devtasks/internal/supervisor"
	"github.com/loykin/devtasks/internal/task"
)

func cmd(s string) *string { return &s }

func secs(f float64) *float64 { return &f }

func oneshot(name string, after ...string) task.Declaration {
	return task.Declaration{Name: name, Command: cmd("true"), After: after}
}

func proc(name string, after ...string) task.Declaration {
	return task.Declaration{Name: name, Type: "process", Command: cmd("sleep 30"), After: after}
}

func load(t *testing.T, decls ...task.Declaration) *graph.Subgraph {
	t.Helper()
	nodes := make([]*task.Node, 0, len(decls))
	for i, d := range decls {
		n, err := task.Compile(d, i)
		require.NoError(t, err)
		nodes = append(nodes, n)
	}
	g, err := graph.Load(nodes)
	require.NoError(t, err)
	return g.All()
}

type runFunc func(ctx context.Context, env []string) executor.Result

// fakeOneshot records completion order, peak concurrency and the
// environment each node was given.
type fakeOneshot struct {
	mu      sync.Mutex
	fns     map[string]runFunc
	done    []string
	envs    map[string][]string
	calls   map[string]int
	running int
	peak    int
}

func newFakeOneshot() *fakeOneshot {
	return &fakeOneshot{fns: map[string]runFunc{}, envs: map[string][]string{}, calls: map[string]int{}}
}

func (f *fakeOneshot) set(name string, fn runFunc) {
	f.mu.Lock()
	f.fns[name] = fn
	f.mu.Unlock()
}

func (f *fakeOneshot) Run(ctx context.Context, node *task.Node, env []string) executor.Result {
	f.mu.Lock()
	f.running++
	if f.running > f.peak {
		f.peak = f.running
	}
	f.calls[node.Name]++
	f.envs[node.Name] = env
	fn := f.fns[node.Name]
	f.mu.Unlock()

	res := executor.Result{Outcome: executor.Succeeded}
	if fn != nil {
		res = fn(ctx, env)
	}

	f.mu.Lock()
	f.running--
	f.done = append(f.done, node.Name)
	f.mu.Unlock()
	return res
}

func (f *fakeOneshot) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.done...)
}

func (f *fakeOneshot) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func fail(ctx context.Context, env []string) executor.Result {
	return executor.Result{Outcome: executor.Failed, Err: task.Errorf(task.KindExecution, "", "exit status 1")}
}

// fakeProcs reports every process ready right away.
type fakeProcs struct {
	mu       sync.Mutex
	started  []string
	shutdown []string
}

func (f *fakeProcs) Start(ctx context.Context, node *task.Node, env []string, report supervisor.Report) error {
	f.mu.Lock()
	f.started = append(f.started, node.Name)
	f.mu.Unlock()
	go func() {
		report(node.Name, supervisor.Running, nil)
		report(node.Name, supervisor.Ready, nil)
	}()
	return nil
}

func (f *fakeProcs) Shutdown(ctx context.Context, order []string) error {
	f.mu.Lock()
	f.shutdown = append(f.shutdown, order...)
	f.mu.Unlock()
	return nil
}

func run(t *testing.T, s *Scheduler) *Summary {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sum, err := s.Run(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return sum
}

func stateOf(t *testing.T, sum *Summary, name string) NodeStatus {
	t.Helper()
	st, ok := sum.Node(name)
	require.True(t, ok, "node %s missing", name)
	return st
}

func TestHardDependenciesRunInOrder(t *testing.T) {
	g := load(t, oneshot("app:c", "app:b"), oneshot("app:b", "app:a"), oneshot("app:a"))
	f := newFakeOneshot()
	sum := run(t, New(g, f, nil, WithBaseEnv(nil)))

	assert.Equal(t, []string{"app:a", "app:b", "app:c"}, f.order())
	assert.Equal(t, 0, sum.ExitCode())
	for _, n := range []string{"app:a", "app:b", "app:c"} {
		assert.Equal(t, Succeeded, stateOf(t, sum, n).State)
	}
}

func TestFailureSkipsHardDependents(t *testing.T) {
	g := load(t, oneshot("app:a"), oneshot("app:b", "app:a"), oneshot("app:c", "app:b"))
	f := newFakeOneshot()
	f.set("app:a", fail)
	sum := run(t, New(g, f, nil))

	assert.Equal(t, Failed, stateOf(t, sum, "app:a").State)
	b := stateOf(t, sum, "app:b")
	assert.Equal(t, Skipped, b.State)
	assert.Equal(t, "dependency app:a failed", b.Reason)
	assert.Equal(t, Skipped, stateOf(t, sum, "app:c").State)
	assert.Equal(t, []string{"app:a"}, f.order())
	assert.Equal(t, 1, sum.ExitCode())
	require.Len(t, sum.Errors(), 1)
	assert.ErrorIs(t, sum.Errors()[0], task.ErrExecution)
}

func TestCompletedEdgeRunsAfterFailure(t *testing.T) {
	g := load(t, oneshot("app:cleanup", "app:migrate@completed"), oneshot("app:migrate"))
	f := newFakeOneshot()
	f.set("app:migrate", fail)
	sum := run(t, New(g, f, nil))

	assert.Equal(t, Failed, stateOf(t, sum, "app:migrate").State)
	assert.Equal(t, Succeeded, stateOf(t, sum, "app:cleanup").State)
	assert.Equal(t, []string{"app:migrate", "app:cleanup"}, f.order())
	// only a soft edge reaches the failed node, so the run still passes
	assert.Equal(t, 0, sum.ExitCode())
}

func TestProcessDependencyWaitsForReady(t *testing.T) {
	g := load(t, proc("app:db"), oneshot("app:migrate", "app:db"))
	f := newFakeOneshot()
	p := &fakeProcs{}
	s := New(g, f, p)
	sum := run(t, s)

	assert.Equal(t, ProcessReady, stateOf(t, sum, "app:db").State)
	assert.Equal(t, Succeeded, stateOf(t, sum, "app:migrate").State)
	assert.Equal(t, []string{"app:db"}, p.started)

	require.NoError(t, s.Shutdown(context.Background()))
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, []string{"app:db"}, p.shutdown)
}

// lateFailProcs reports ready, then hands the report back for a later failure.
type lateFailProcs struct {
	fakeProcs
	reports chan supervisor.Report
}

func (f *lateFailProcs) Start(ctx context.Context, node *task.Node, env []string, report supervisor.Report) error {
	if err := f.fakeProcs.Start(ctx, node, env, report); err != nil {
		return err
	}
	f.reports <- report
	return nil
}

func TestSummaryReflectsFailureAfterSettle(t *testing.T) {
	g := load(t, proc("app:db"))
	p := &lateFailProcs{reports: make(chan supervisor.Report, 1)}
	s := New(g, newFakeOneshot(), p)
	sum := run(t, s)
	require.Equal(t, 0, sum.ExitCode())

	report := <-p.reports
	report("app:db", supervisor.Failed, task.Errorf(task.KindRestartLimit, "app:db", "restart limit exceeded"))
	require.Eventually(t, func() bool { return s.Summary().Failed() }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, s.Summary().ExitCode())
	assert.Equal(t, 0, sum.ExitCode(), "the settled summary is a copy")
}

func TestShutdownStopsDependentsFirst(t *testing.T) {
	g := load(t, proc("app:db"), proc("app:api", "app:db"), proc("app:web", "app:api"))
	p := &fakeProcs{}
	s := New(g, newFakeOneshot(), p)
	run(t, s)

	require.NoError(t, s.Shutdown(context.Background()))
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, []string{"app:db", "app:api", "app:web"}, p.started)
	assert.Equal(t, []string{"app:web", "app:api", "app:db"}, p.shutdown)
}

func TestWorkersBoundConcurrency(t *testing.T) {
	var decls []task.Declaration
	for _, n := range []string{"a", "b", "c", "d", "e", "f"} {
		decls = append(decls, oneshot("pool:"+n))
	}
	g := load(t, decls...)
	f := newFakeOneshot()
	for _, d := range decls {
		f.set(d.Name, func(ctx context.Context, env []string) executor.Result {
			time.Sleep(30 * time.Millisecond)
			return executor.Result{Outcome: executor.Succeeded}
		})
	}
	sum := run(t, New(g, f, nil, WithWorkers(2)))

	assert.Equal(t, 0, sum.ExitCode())
	assert.Len(t, f.order(), 6)
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.LessOrEqual(t, f.peak, 2)
	assert.Equal(t, 2, f.peak)
}

func TestExportsFlowToDependents(t *testing.T) {
	g := load(t, oneshot("app:setup"), oneshot("app:test", "app:setup"), oneshot("app:other"))
	f := newFakeOneshot()
	f.set("app:setup", func(ctx context.Context, env []string) executor.Result {
		return executor.Result{Outcome: executor.Succeeded, Output: export.Merge(map[string]any{"ok": true}, map[string]string{"DB_URL": "postgres://localhost"})}
	})
	sum := run(t, New(g, f, nil, WithBaseEnv([]string{"BASE=1"})))
	require.Equal(t, 0, sum.ExitCode())

	f.mu.Lock()
	testEnv := f.envs["app:test"]
	otherEnv := f.envs["app:other"]
	f.mu.Unlock()

	assert.Contains(t, testEnv, "BASE=1")
	assert.Contains(t, testEnv, "DB_URL=postgres://localhost")
	var script, outputs string
	for _, kv := range testEnv {
		if v, ok := strings.CutPrefix(kv, executor.EnvTaskEnv+"="); ok {
			script = v
		}
		if v, ok := strings.CutPrefix(kv, executor.EnvOutputs+"="); ok {
			outputs = v
		}
	}
	assert.Contains(t, script, "export DB_URL=")
	assert.Contains(t, outputs, `"app:setup"`)
	assert.NotContains(t, otherEnv, "DB_URL=postgres://localhost")

	assert.Equal(t, map[string]string{"DB_URL": "postgres://localhost"}, stateOf(t, sum, "app:setup").Exports)
}

func TestShellEntryExports(t *testing.T) {
	d := oneshot("app:env")
	d.ShellEntry = true
	g := load(t, d)
	f := newFakeOneshot()
	f.set("app:env", func(ctx context.Context, env []string) executor.Result {
		return executor.Result{Outcome: executor.Succeeded, Output: export.Merge(nil, map[string]string{"PATH_EXTRA": "/opt/bin"})}
	})
	sum := run(t, New(g, f, nil))
	assert.Equal(t, map[string]string{"PATH_EXTRA": "/opt/bin"}, sum.ShellExports)
}

func TestRetrigger(t *testing.T) {
	g := load(t, oneshot("app:build"), oneshot("app:test", "app:build"))
	f := newFakeOneshot()
	started := make(chan struct{})
	release := make(chan struct{})
	f.set("app:build", func(ctx context.Context, env []string) executor.Result {
		close(started)
		<-release
		return executor.Result{Outcome: executor.Failed, Err: task.Errorf(task.KindExecution, "app:build", "boom")}
	})
	s := New(g, f, nil)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	assert.ErrorIs(t, s.Retrigger("app:build"), ErrNotRunning)
	assert.ErrorIs(t, s.Retrigger("app:missing"), task.ErrGraph)

	type result struct {
		sum *Summary
		err error
	}
	out := make(chan result, 1)
	go func() {
		sum, err := s.Run(context.Background())
		out <- result{sum, err}
	}()

	<-started
	assert.ErrorIs(t, s.Retrigger("app:build"), ErrAlreadyRunning)
	close(release)

	r := <-out
	require.NoError(t, r.err)
	assert.Equal(t, Failed, stateOf(t, r.sum, "app:build").State)
	assert.Equal(t, Skipped, stateOf(t, r.sum, "app:test").State)

	f.set("app:build", nil)
	require.NoError(t, s.Retrigger("app:build"))
	require.Eventually(t, func() bool {
		for _, st := range s.Snapshot() {
			if st.Name == "app:test" {
				return st.State == Succeeded
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, f.count("app:build"))
	assert.Equal(t, 1, f.count("app:test"))
}

func TestCancelStopsPendingNodes(t *testing.T) {
	g := load(t, oneshot("app:slow"), oneshot("app:after", "app:slow"))
	f := newFakeOneshot()
	started := make(chan struct{})
	f.set("app:slow", func(ctx context.Context, env []string) executor.Result {
		close(started)
		<-ctx.Done()
		return executor.Result{Outcome: executor.Cancelled, Err: task.Wrap(task.KindCancelled, "app:slow", ctx.Err())}
	})
	s := New(g, f, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	sum, err := s.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrCancelled)
	assert.Equal(t, Cancelled, stateOf(t, sum, "app:slow").State)
	assert.Equal(t, Cancelled, stateOf(t, sum, "app:after").State)
	assert.Equal(t, 1, sum.ExitCode())
	assert.Equal(t, 0, f.count("app:after"))
}

func TestStateEventsPublished(t *testing.T) {
	bus := events.New("run")
	sub := bus.Subscribe(64, events.Buffer)
	defer sub.Close()
	g := load(t, oneshot("app:a"))
	run(t, New(g, newFakeOneshot(), nil, WithBus(bus)))

	var seen []string
	timeout := time.After(2 * time.Second)
	for len(seen) < 3 {
		select {
		case ev := <-sub.C:
			if ev.Type == events.TypeNodeStateChanged {
				seen = append(seen, ev.State.To)
			}
		case <-timeout:
			t.Fatalf("got %v", seen)
		}
	}
	assert.Equal(t, []string{"ready_to_run", "running", "succeeded"}, seen)
}

func TestSatisfies(t *testing.T) {
	assert.True(t, satisfies(task.Started, Running))
	assert.True(t, satisfies(task.Started, ProcessReady))
	assert.False(t, satisfies(task.Started, ReadyToRun))
	assert.True(t, satisfies(task.Ready, ProcessReady))
	assert.True(t, satisfies(task.Ready, Succeeded))
	assert.False(t, satisfies(task.Ready, Running))
	assert.True(t, satisfies(task.Succeeded, Succeeded))
	assert.False(t, satisfies(task.Succeeded, Failed))
	assert.True(t, satisfies(task.Completed, Failed))
	assert.True(t, satisfies(task.Completed, Skipped))
	assert.False(t, satisfies(task.Completed, Running))
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func newManager(t *testing.T) *supervisor.Manager {
	t.Helper()
	dir, err := os.MkdirTemp("", "dt")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return supervisor.NewManager(supervisor.WithNotifyDir(dir), supervisor.WithRestartDelay(10*time.Millisecond))
}

func TestReadinessTimeoutFailsProcess(t *testing.T) {
	requireUnix(t)
	addr := freeAddr(t)
	db := proc("app:db")
	db.Ready = &task.ReadyDecl{TCP: &addr, Period: secs(0.05), Timeout: secs(0.3)}
	g := load(t, db, oneshot("app:migrate", "app:db"))
	s := New(g, executor.New(nil), newManager(t), WithBaseEnv([]string{"PATH=" + os.Getenv("PATH")}))
	sum := run(t, s)

	st := stateOf(t, sum, "app:db")
	assert.Equal(t, Failed, st.State)
	assert.ErrorIs(t, st.Err, task.ErrTimeout)
	assert.Equal(t, Skipped, stateOf(t, sum, "app:migrate").State)
	assert.Equal(t, 1, sum.ExitCode())
}

func TestEndToEndWithRealRunners(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	script := filepath.Join(dir, "setup.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho '"+export.Line("GREETING", "hello world")+"'\n"), 0o755))
	marker := filepath.Join(dir, "marker")

	setup := task.Declaration{Name: "app:setup", Command: &script}
	srv := proc("app:srv", "app:setup")
	srv.Command = cmd(`sh -c 'echo "$GREETING" > ` + marker + `; exec sleep 30'`)
	g := load(t, setup, srv)

	s := New(g, executor.New(nil), newManager(t), WithBaseEnv([]string{"PATH=" + os.Getenv("PATH")}))
	sum := run(t, s)
	require.Equal(t, 0, sum.ExitCode(), "%v", sum.Errors())
	assert.Equal(t, Succeeded, stateOf(t, sum, "app:setup").State)
	assert.Equal(t, ProcessReady, stateOf(t, sum, "app:srv").State)

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(marker)
		return err == nil && strings.TrimSpace(string(b)) == "hello world"
	}, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}
