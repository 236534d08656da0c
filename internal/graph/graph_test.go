package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devtasks/internal/task"
)

func compile(t *testing.T, decls ...task.Declaration) []*task.Node {
	t.Helper()
	nodes := make([]*task.Node, 0, len(decls))
	for i, d := range decls {
		n, err := task.Compile(d, i)
		require.NoError(t, err)
		nodes = append(nodes, n)
	}
	return nodes
}

func cmd(s string) *string { return &s }

func oneshot(name string, after ...string) task.Declaration {
	return task.Declaration{Name: name, Command: cmd("true"), After: after}
}

func proc(name string, after ...string) task.Declaration {
	tcp := "127.0.0.1:9999"
	return task.Declaration{Name: name, Type: "process", Command: cmd("sleep 10"), After: after,
		Ready: &task.ReadyDecl{TCP: &tcp}}
}

func TestLoadResolvesDefaultStates(t *testing.T) {
	g, err := Load(compile(t,
		oneshot("app:build"),
		proc("app:db"),
		oneshot("app:test", "app:build", "app:db"),
	))
	require.NoError(t, err)
	deps := g.Dependencies("app:test")
	require.Len(t, deps, 2)
	states := map[string]task.DependencyState{}
	for _, e := range deps {
		states[e.From] = e.State
	}
	assert.Equal(t, task.Succeeded, states["app:build"])
	assert.Equal(t, task.Ready, states["app:db"])
}

func TestLoadBeforeEdges(t *testing.T) {
	first := oneshot("app:first")
	first.Before = []string{"app:second"}
	g, err := Load(compile(t, first, oneshot("app:second")))
	require.NoError(t, err)
	deps := g.Dependencies("app:second")
	require.Len(t, deps, 1)
	assert.Equal(t, "app:first", deps[0].From)
	assert.Equal(t, task.Succeeded, deps[0].State)
}

func TestLoadUnknownReference(t *testing.T) {
	_, err := Load(compile(t, oneshot("app:test", "app:missing")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, task.ErrGraph))
	assert.Contains(t, err.Error(), "app:missing")
}

func TestLoadRejectsIncompatibleSuffixes(t *testing.T) {
	_, err := Load(compile(t, oneshot("app:build"), oneshot("app:test", "app:build@ready")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oneshot")

	_, err = Load(compile(t, proc("app:db"), oneshot("app:test", "app:db@succeeded")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "process task")

	bare := task.Declaration{Name: "app:worker", Type: "process", Command: cmd("sleep 1")}
	_, err = Load(compile(t, bare, oneshot("app:test", "app:worker")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no ready probe")

	_, err = Load(compile(t, bare, oneshot("app:test", "app:worker@started")))
	require.NoError(t, err)
}

func TestLoadDetectsHardCycle(t *testing.T) {
	_, err := Load(compile(t,
		oneshot("a:one", "a:three"),
		oneshot("a:two", "a:one"),
		oneshot("a:three", "a:two"),
	))
	require.Error(t, err)
	assert.True(t, errors.Is(err, task.ErrGraph))
	assert.Contains(t, err.Error(), "cycle")
}

func TestLoadDropsSoftEdgeClosingCycle(t *testing.T) {
	g, err := Load(compile(t,
		oneshot("a:one", "a:two@completed"),
		oneshot("a:two", "a:one"),
	))
	require.NoError(t, err)
	dropped := g.DroppedEdges()
	require.Len(t, dropped, 1)
	assert.Equal(t, "a:two", dropped[0].From)
	assert.Empty(t, g.Dependencies("a:one"))

	order, err := g.All().Order()
	require.NoError(t, err)
	assert.Equal(t, []string{"a:one", "a:two"}, order)
}

func TestLoadDuplicateName(t *testing.T) {
	_, err := Load(compile(t, oneshot("a:one"), oneshot("a:one")))
	require.Error(t, err)
}

func TestOrderRespectsEveryHardEdge(t *testing.T) {
	g, err := Load(compile(t,
		oneshot("x:e", "x:c", "x:d"),
		oneshot("x:d", "x:b"),
		oneshot("x:c", "x:a", "x:b"),
		oneshot("x:b", "x:a"),
		oneshot("x:a"),
	))
	require.NoError(t, err)
	order, err := g.All().Order()
	require.NoError(t, err)
	pos := map[string]int{}
	for i, n := range order {
		pos[n] = i
	}
	for _, name := range g.Names() {
		for _, e := range g.Dependencies(name) {
			assert.Less(t, pos[e.From], pos[e.To], e.String())
		}
	}
}

func TestNamespaces(t *testing.T) {
	g, err := Load(compile(t, oneshot("web:build"), oneshot("web:lint"), oneshot("db:seed:users")))
	require.NoError(t, err)
	ns := g.Namespaces()
	assert.Equal(t, []string{"web:build", "web:lint"}, ns["web"])
	assert.Equal(t, []string{"db:seed:users"}, ns["db:seed"])
}
