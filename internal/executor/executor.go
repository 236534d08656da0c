// Package executor runs oneshot tasks: it decides whether a task can be
// skipped from its status command or input fingerprints, runs the command
// otherwise, and captures the exported variables and JSON output.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/devtasks/internal/cache"
	"github.com/loykin/devtasks/internal/events"
	"github.com/loykin/devtasks/internal/export"
	"github.com/loykin/devtasks/internal/logger"
	"github.com/loykin/devtasks/internal/metrics"
	"github.com/loykin/devtasks/internal/privilege"
	"github.com/loykin/devtasks/internal/process"
	"github.com/loykin/devtasks/internal/store"
	"github.com/loykin/devtasks/internal/task"
)

// Environment variables handed to oneshot commands.
const (
	EnvOutputFile = "DEVENV_TASK_OUTPUT_FILE"
	EnvTaskInput  = "DEVENV_TASK_INPUT"
	EnvTaskEnv    = "DEVENV_TASK_ENV"
	EnvOutputs    = "DEVENV_TASKS_OUTPUTS"
)

// Skip reasons of a succeeded task that did not run its command.
const (
	ReasonCached    = "cached"
	ReasonNoCommand = "no command"
)

// failureTail is how many stderr lines a failed Result keeps.
const failureTail = 20

type Outcome int

const (
	Succeeded Outcome = iota
	Failed
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "cancelled"
	}
}

// Result is the outcome of one oneshot run.
type Result struct {
	Outcome Outcome
	// Reason is ReasonCached or ReasonNoCommand for a skipped task.
	Reason   string
	Output   map[string]any
	Duration time.Duration
	// Stderr holds the last lines written to stderr by a failed command.
	Stderr []string
	Err    error
}

// Exports returns the variables the task exported.
func (r Result) Exports() map[string]string { return export.Vars(r.Output) }

// Executor runs oneshot nodes. It is safe for concurrent use.
type Executor struct {
	arena   *store.Arena
	tracker *cache.Tracker
	log     *slog.Logger
	bus     *events.Bus
	logs    logger.TaskLogs
	checker privilege.Checker
	sudo    *privilege.SudoContext
	refresh bool
	term    io.Writer
	termMu  sync.Mutex
}

type Option func(*Executor)

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.log = l
		}
	}
}

func WithBus(b *events.Bus) Option { return func(e *Executor) { e.bus = b } }

func WithTaskLogs(c logger.TaskLogs) Option { return func(e *Executor) { e.logs = c } }

func WithChecker(c privilege.Checker) Option { return func(e *Executor) { e.checker = c } }

// WithSudoContext makes tasks without use_sudo run as the invoking user.
func WithSudoContext(s *privilege.SudoContext) Option { return func(e *Executor) { e.sudo = s } }

// WithRefresh ignores status commands and fingerprints and always runs.
func WithRefresh(refresh bool) Option { return func(e *Executor) { e.refresh = refresh } }

// WithTerminal receives the output of show_output tasks, one prefixed line at a time.
func WithTerminal(w io.Writer) Option { return func(e *Executor) { e.term = w } }

func New(arena *store.Arena, opts ...Option) *Executor {
	e := &Executor{arena: arena, log: slog.Default()}
	for _, o := range opts {
		o(e)
	}
	if arena != nil {
		e.tracker = cache.NewTracker(arena, e.log)
	}
	return e
}

// Run executes node with env, the complete environment prepared by the
// scheduler. Without an arena nothing is cached or recorded.
func (e *Executor) Run(ctx context.Context, node *task.Node, env []string) Result {
	start := time.Now()
	res := e.run(ctx, node, env)
	res.Duration = time.Since(start)
	switch {
	case res.Reason != "":
		metrics.IncCacheHit(node.Name, res.Reason)
	default:
		metrics.ObserveOneshotDuration(node.Name, res.Outcome.String(), res.Duration.Seconds())
	}
	return res
}

func (e *Executor) run(ctx context.Context, node *task.Node, env []string) Result {
	if strings.TrimSpace(node.Command) == "" {
		e.log.Debug("task has no command", slog.String("task", node.Name))
		return Result{Outcome: Succeeded, Reason: ReasonNoCommand}
	}
	if err := checkCwd(node); err != nil {
		return failed(err)
	}
	if node.UseSudo {
		if err := e.checker.Check(ctx); err != nil {
			return failed(task.Wrap(task.KindPrivilegeDenied, node.Name, err))
		}
	}
	if !e.refresh && e.arena != nil {
		if res, ok := e.cached(ctx, node, env); ok {
			return res
		}
	}
	return e.execute(ctx, node, env)
}

func failed(err error) Result { return Result{Outcome: Failed, Err: err} }

func checkCwd(node *task.Node) error {
	if node.Cwd == "" {
		return nil
	}
	info, err := os.Stat(node.Cwd)
	if err != nil {
		return task.Errorf(task.KindExecution, node.Name, "working directory %s does not exist", node.Cwd)
	}
	if !info.IsDir() {
		return task.Errorf(task.KindExecution, node.Name, "working directory %s is not a directory", node.Cwd)
	}
	return nil
}

// cached reports whether node can be skipped and with which output.
func (e *Executor) cached(ctx context.Context, node *task.Node, env []string) (Result, bool) {
	if node.Status != "" {
		code, err := e.status(ctx, node, env)
		if err != nil && ctx.Err() != nil {
			return Result{Outcome: Cancelled, Err: task.Wrap(task.KindCancelled, node.Name, ctx.Err())}, true
		}
		if err != nil {
			e.log.Warn("status command failed to run", slog.String("task", node.Name), slog.Any("error", err))
			return failed(task.Wrap(task.KindExecution, node.Name, err)), true
		}
		if code != 0 {
			return Result{}, false
		}
		e.log.Debug("status command succeeded, skipping", slog.String("task", node.Name))
		return Result{Outcome: Succeeded, Reason: ReasonCached, Output: e.lastOutput(ctx, node.Name)}, true
	}
	if len(node.Inputs) == 0 {
		return Result{}, false
	}
	files, err := e.inputs(node)
	if err != nil {
		e.log.Warn("cannot expand inputs, running task", slog.String("task", node.Name), slog.Any("error", err))
		return Result{}, false
	}
	modified, err := e.tracker.Modified(ctx, node.Name, files)
	if err != nil {
		e.log.Warn("cannot check inputs, running task", slog.String("task", node.Name), slog.Any("error", err))
		return Result{}, false
	}
	if modified {
		return Result{}, false
	}
	rec, err := e.arena.GetExecution(ctx, node.Name)
	if err != nil || rec.Status != store.StatusSucceeded {
		return Result{}, false
	}
	e.log.Debug("inputs unchanged, skipping", slog.String("task", node.Name))
	return Result{Outcome: Succeeded, Reason: ReasonCached, Output: e.lastOutput(ctx, node.Name)}, true
}

// inputs expands the input globs plus the command itself when it names a file.
func (e *Executor) inputs(node *task.Node) ([]string, error) {
	patterns := append([]string(nil), node.Inputs...)
	if argv := process.Argv(node.Command); len(argv) == 1 {
		if info, err := os.Stat(argv[0]); err == nil && !info.IsDir() {
			patterns = append(patterns, argv[0])
		}
	}
	return cache.Expand(node.Cwd, patterns)
}

func (e *Executor) lastOutput(ctx context.Context, name string) map[string]any {
	if e.arena == nil {
		return nil
	}
	run, err := e.arena.GetTaskRun(ctx, name)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.log.Warn("cannot read cached output", slog.String("task", name), slog.Any("error", err))
		}
		return nil
	}
	return export.Decode(run.Output)
}

func (e *Executor) credential(node *task.Node) *syscall.Credential {
	if node.UseSudo || e.sudo == nil {
		return nil
	}
	return e.sudo.Credential()
}

func (e *Executor) status(ctx context.Context, node *task.Node, env []string) (int, error) {
	proc, err := process.Start(process.Spec{
		Name:       node.Name + ":status",
		Command:    node.Status,
		Dir:        node.Cwd,
		Env:        env,
		Sudo:       node.UseSudo,
		Credential: e.credential(node),
	})
	if err != nil {
		return -1, err
	}
	select {
	case <-proc.Done():
	case <-ctx.Done():
		_ = proc.Kill()
		return -1, ctx.Err()
	}
	return proc.ExitCode(), nil
}

func (e *Executor) execute(ctx context.Context, node *task.Node, env []string) Result {
	outFile, err := os.CreateTemp("", "devenv_task_output*.json")
	if err != nil {
		return failed(task.Wrap(task.KindExecution, node.Name, fmt.Errorf("create output file: %w", err)))
	}
	outPath := outFile.Name()
	_ = outFile.Close()
	defer func() { _ = os.Remove(outPath) }()

	out, err := e.capture(node)
	if err != nil {
		return failed(task.Wrap(task.KindExecution, node.Name, err))
	}
	started := time.Now()
	proc, err := process.Start(process.Spec{
		Name:       node.Name,
		Command:    node.Command,
		Dir:        node.Cwd,
		Env:        append(append([]string(nil), env...), EnvOutputFile+"="+outPath),
		Sudo:       node.UseSudo,
		Credential: e.credential(node),
		Stdout:     out.stdout,
		Stderr:     out.stderr,
	})
	if err != nil {
		out.close()
		e.record(node.Name, store.StatusFailed, started, "", nil)
		return failed(task.Wrap(task.KindExecution, node.Name, err))
	}
	e.log.Debug("task started", slog.String("task", node.Name), slog.Int("pid", proc.PID()))

	cancelled := false
	select {
	case <-proc.Done():
	case <-ctx.Done():
		cancelled = true
		_ = proc.Kill()
		<-proc.Done()
	}
	out.close()

	if cancelled {
		return Result{Outcome: Cancelled, Err: task.Wrap(task.KindCancelled, node.Name, ctx.Err())}
	}
	if code := proc.ExitCode(); code != 0 {
		e.record(node.Name, store.StatusFailed, started, "", nil)
		return Result{
			Outcome: Failed,
			Stderr:  out.tail(),
			Err:     task.Errorf(task.KindExecution, node.Name, "command failed: %v", proc.ExitErr()),
		}
	}

	raw, _ := os.ReadFile(outPath)
	output := export.Merge(export.Decode(raw), export.Filter(out.exports(), node.Exports))
	fingerprint := ""
	if len(node.Inputs) > 0 && e.arena != nil {
		if files, err := e.inputs(node); err == nil {
			tracked, err := e.tracker.Update(ctx, node.Name, files)
			if err != nil {
				e.log.Warn("cannot update input states", slog.String("task", node.Name), slog.Any("error", err))
			}
			fingerprint = cache.Combined(tracked)
		}
	}
	e.record(node.Name, store.StatusSucceeded, started, fingerprint, output)
	return Result{Outcome: Succeeded, Output: output}
}

// record persists the execution, and the output of a successful run.
func (e *Executor) record(name, status string, started time.Time, fingerprint string, output map[string]any) {
	if e.arena == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ended := time.Now()
	var raw json.RawMessage
	if output != nil {
		if b, err := json.Marshal(output); err == nil {
			raw = b
		}
	}
	if status == store.StatusSucceeded {
		if err := e.arena.PutTaskRun(ctx, store.TaskRun{Task: name, LastRun: ended, Output: raw}); err != nil {
			e.log.Warn("cannot persist task output", slog.String("task", name), slog.Any("error", err))
		}
	}
	rec := store.ExecutionRecord{
		Task:        name,
		Status:      status,
		StartedAt:   started,
		EndedAt:     ended,
		Fingerprint: fingerprint,
		Output:      raw,
	}
	if err := e.arena.PutExecution(ctx, rec); err != nil {
		e.log.Warn("cannot persist execution record", slog.String("task", name), slog.Any("error", err))
	}
}
