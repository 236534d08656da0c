package executor

import (
	"bytes"
	"context"
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
	"github.com/loykin/devtasks/internal/export"
	"github.com/loykin/devtasks/internal/logger"
	"github.com/loykin/devtasks/internal/privilege"
	"github.com/loykin/devtasks/internal/store"
	"github.com/loykin/devtasks/internal/store/sqlite"
	"github.com/loykin/devtasks/internal/task"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
}

func newArena(t *testing.T) *store.Arena {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	require.NoError(t, db.EnsureSchema(context.Background()))
	a := store.NewArena(db)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func baseEnv() []string { return []string{"PATH=" + os.Getenv("PATH")} }

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestNoCommand(t *testing.T) {
	e := New(newArena(t))
	res := e.Run(context.Background(), &task.Node{Name: "a:noop"}, nil)
	assert.Equal(t, Succeeded, res.Outcome)
	assert.Equal(t, ReasonNoCommand, res.Reason)
}

func TestStatusZeroSkipsCommand(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	marker := filepath.Join(dir, "ran")
	e := New(newArena(t))
	node := &task.Node{Name: "a:skip", Command: "touch " + marker, Status: "true"}

	res := e.Run(context.Background(), node, baseEnv())
	assert.Equal(t, Succeeded, res.Outcome)
	assert.Equal(t, ReasonCached, res.Reason)
	assert.NoFileExists(t, marker)

	node.Status = "false"
	res = e.Run(context.Background(), node, baseEnv())
	assert.Equal(t, Succeeded, res.Outcome)
	assert.Empty(t, res.Reason)
	assert.FileExists(t, marker)
}

func TestStatusSkipReturnsStoredOutput(t *testing.T) {
	requireUnix(t)
	e := New(newArena(t))
	node := &task.Node{Name: "a:out", Command: `sh -c 'echo "{\"v\":1}" > "$DEVENV_TASK_OUTPUT_FILE"'`}
	res := e.Run(context.Background(), node, baseEnv())
	require.Equal(t, Succeeded, res.Outcome, "%v", res.Err)
	assert.Equal(t, 1.0, res.Output["v"])

	node.Status = "true"
	res = e.Run(context.Background(), node, baseEnv())
	assert.Equal(t, ReasonCached, res.Reason)
	assert.Equal(t, 1.0, res.Output["v"])
}

func TestUnchangedInputsSkipSecondRun(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("one"), 0o644))
	count := filepath.Join(dir, "count")
	arena := newArena(t)
	e := New(arena)
	node := &task.Node{Name: "a:build", Command: "sh -c 'echo x >> " + count + "'", Inputs: []string{"*.txt"}, Cwd: dir}

	runs := func() int {
		b, _ := os.ReadFile(count)
		return strings.Count(string(b), "x")
	}

	res := e.Run(context.Background(), node, baseEnv())
	require.Equal(t, Succeeded, res.Outcome, "%v", res.Err)
	assert.Empty(t, res.Reason)
	assert.Equal(t, 1, runs())

	res = e.Run(context.Background(), node, baseEnv())
	assert.Equal(t, ReasonCached, res.Reason)
	assert.Equal(t, 1, runs())

	rec, err := arena.GetExecution(context.Background(), "a:build")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, rec.Status)
	assert.NotEmpty(t, rec.Fingerprint)

	require.NoError(t, os.WriteFile(src, []byte("two"), 0o644))
	res = e.Run(context.Background(), node, baseEnv())
	assert.Empty(t, res.Reason)
	assert.Equal(t, 2, runs())

	refresh := New(arena, WithRefresh(true))
	res = refresh.Run(context.Background(), node, baseEnv())
	assert.Empty(t, res.Reason)
	assert.Equal(t, 3, runs())
}

func TestCancelledRunKeepsInputsModified(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	slow := filepath.Join(dir, "slow")
	require.NoError(t, os.WriteFile(src, []byte("one"), 0o644))
	count := filepath.Join(dir, "count")
	e := New(newArena(t))
	node := &task.Node{
		Name:    "a:build",
		Command: "sh -c 'echo x >> " + count + "; if [ -f " + slow + " ]; then sleep 5; fi'",
		Inputs:  []string{"*.txt"},
		Cwd:     dir,
	}
	runs := func() int {
		b, _ := os.ReadFile(count)
		return strings.Count(string(b), "x")
	}

	res := e.Run(context.Background(), node, baseEnv())
	require.Equal(t, Succeeded, res.Outcome, "%v", res.Err)
	require.Equal(t, 1, runs())

	require.NoError(t, os.WriteFile(src, []byte("two"), 0o644))
	require.NoError(t, os.WriteFile(slow, nil, 0o644))
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	res = e.Run(ctx, node, baseEnv())
	cancel()
	require.Equal(t, Cancelled, res.Outcome)
	require.Equal(t, 2, runs())

	require.NoError(t, os.Remove(slow))
	res = e.Run(context.Background(), node, baseEnv())
	require.Equal(t, Succeeded, res.Outcome, "%v", res.Err)
	assert.Empty(t, res.Reason, "edited inputs must not replay the older success")
	assert.Equal(t, 3, runs())

	res = e.Run(context.Background(), node, baseEnv())
	assert.Equal(t, ReasonCached, res.Reason)
	assert.Equal(t, 3, runs())
}

func TestFailedRunIsNotCached(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in.txt"), []byte("x"), 0o644))
	arena := newArena(t)
	e := New(arena)
	node := &task.Node{Name: "a:flaky", Command: "sh -c 'echo broken >&2; exit 2'", Inputs: []string{"in.txt"}, Cwd: dir}

	res := e.Run(context.Background(), node, baseEnv())
	assert.Equal(t, Failed, res.Outcome)
	assert.ErrorIs(t, res.Err, task.ErrExecution)
	assert.Equal(t, []string{"broken"}, res.Stderr)

	// inputs are now recorded as seen, yet the failed record forces a rerun
	res = e.Run(context.Background(), node, baseEnv())
	assert.Equal(t, Failed, res.Outcome)
	assert.Empty(t, res.Reason)

	rec, err := arena.GetExecution(context.Background(), "a:flaky")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
}

func TestExportsAndOutputFile(t *testing.T) {
	requireUnix(t)
	bus := events.New("run")
	sub := bus.Subscribe(64, events.Buffer)
	defer sub.Close()

	term := &syncBuffer{}
	logDir := t.TempDir()
	e := New(newArena(t), WithBus(bus), WithTerminal(term), WithTaskLogs(logger.TaskLogs{Dir: logDir}))
	script := filepath.Join(t.TempDir(), "task.sh")
	content := "#!/bin/sh\n" +
		"echo hello\n" +
		"echo '" + export.Line("DB_URL", "postgres://x y") + "'\n" +
		"echo '" + export.Line("SECRET", "hidden") + "'\n" +
		"echo '{\"result\": \"ok\"}' > \"$DEVENV_TASK_OUTPUT_FILE\"\n"
	require.NoError(t, os.WriteFile(script, []byte(content), 0o755))

	node := &task.Node{Name: "a:exp", Command: script, Exports: []string{"DB_URL"}, ShowOutput: true}
	res := e.Run(context.Background(), node, baseEnv())
	require.Equal(t, Succeeded, res.Outcome, "%v", res.Err)
	assert.Equal(t, "ok", res.Output["result"])
	assert.Equal(t, map[string]string{"DB_URL": "postgres://x y"}, res.Exports())

	assert.Equal(t, "[a:exp] hello\n", term.String())
	b, err := os.ReadFile(filepath.Join(logDir, "a_exp.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(b))

	var lines []string
	timeout := time.After(2 * time.Second)
	for len(lines) < 1 {
		select {
		case ev := <-sub.C:
			if ev.Type == events.TypeOutputLine {
				lines = append(lines, ev.Output.Line)
			}
		case <-timeout:
			t.Fatal("no output events")
		}
	}
	assert.Equal(t, []string{"hello"}, lines)
}

func TestTaskEnvironment(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	e := New(nil)
	node := &task.Node{Name: "a:env", Command: `sh -c 'pwd > out; echo "$GREETING" >> out'`, Cwd: dir}
	res := e.Run(context.Background(), node, append(baseEnv(), "GREETING=hi"))
	require.Equal(t, Succeeded, res.Outcome, "%v", res.Err)
	b, err := os.ReadFile(filepath.Join(dir, "out"))
	require.NoError(t, err)
	resolved, _ := filepath.EvalSymlinks(dir)
	got := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, got, 2)
	gotDir, _ := filepath.EvalSymlinks(got[0])
	assert.Equal(t, resolved, gotDir)
	assert.Equal(t, "hi", got[1])
}

func TestMissingCwdFails(t *testing.T) {
	e := New(nil)
	res := e.Run(context.Background(), &task.Node{Name: "a:cwd", Command: "true", Cwd: "/nonexistent/dir-xyz"}, nil)
	assert.Equal(t, Failed, res.Outcome)
	assert.ErrorIs(t, res.Err, task.ErrExecution)
}

func TestSudoWithoutCredentialsIsDenied(t *testing.T) {
	requireUnix(t)
	e := New(nil, WithChecker(privilege.Checker{Argv: []string{"false"}}))
	res := e.Run(context.Background(), &task.Node{Name: "a:root", Command: "true", UseSudo: true}, baseEnv())
	assert.Equal(t, Failed, res.Outcome)
	assert.ErrorIs(t, res.Err, task.ErrPrivilegeDenied)
	assert.ErrorIs(t, res.Err, privilege.ErrNotCached)
}

func TestCancelKillsCommand(t *testing.T) {
	requireUnix(t)
	e := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	res := e.Run(ctx, &task.Node{Name: "a:slow", Command: "sleep 30"}, baseEnv())
	assert.Equal(t, Cancelled, res.Outcome)
	assert.ErrorIs(t, res.Err, task.ErrCancelled)
	assert.Less(t, time.Since(start), 5*time.Second)
}
