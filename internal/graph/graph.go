package graph

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/loykin/devtasks/internal/task"
)

// Edge says To depends on From reaching State.
type Edge struct {
	From  string
	To    string
	State task.DependencyState
}

func (e Edge) String() string {
	return fmt.Sprintf("%s -> %s@%s", e.To, e.From, e.State)
}

// Graph is a validated dependency graph. It is immutable after Load.
type Graph struct {
	nodes   map[string]*task.Node
	names   []string          // declaration order
	out     map[string][]Edge // dependency -> edges to dependents
	in      map[string][]Edge // dependent -> edges from dependencies
	dropped []Edge
}

type Option func(*loadOptions)

type loadOptions struct {
	logger *slog.Logger
}

// WithLogger sets the logger used for load warnings.
func WithLogger(l *slog.Logger) Option {
	return func(o *loadOptions) { o.logger = l }
}

// Load builds a graph from compiled nodes. Unknown references, invalid
// suffixes and hard-edge cycles fail with a graph error. Soft edges that
// would close a cycle are dropped and reported by DroppedEdges.
func Load(nodes []*task.Node, opts ...Option) (*Graph, error) {
	o := loadOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	g := &Graph{
		nodes: make(map[string]*task.Node, len(nodes)),
		out:   make(map[string][]Edge),
		in:    make(map[string][]Edge),
	}
	for _, n := range nodes {
		if _, dup := g.nodes[n.Name]; dup {
			return nil, task.Errorf(task.KindGraph, n.Name, "duplicate task name")
		}
		g.nodes[n.Name] = n
		g.names = append(g.names, n.Name)
	}

	var hard, soft []Edge
	var problems []error
	for _, name := range g.names {
		n := g.nodes[name]
		for _, dep := range n.After {
			target, ok := g.nodes[dep.Target]
			if !ok {
				problems = append(problems, task.Errorf(task.KindGraph, n.Name, "depends on unknown task %q", dep.Target))
				continue
			}
			e := Edge{From: target.Name, To: n.Name, State: resolveState(dep, target.Kind)}
			if err := validateEdge(e, target, n.Name); err != nil {
				problems = append(problems, err)
				continue
			}
			hard, soft = appendEdge(hard, soft, e)
		}
		for _, dep := range n.Before {
			target, ok := g.nodes[dep.Target]
			if !ok {
				problems = append(problems, task.Errorf(task.KindGraph, n.Name, "declares before unknown task %q", dep.Target))
				continue
			}
			// The current task must precede the target, so the default comes
			// from the current task's kind.
			e := Edge{From: n.Name, To: target.Name, State: resolveState(dep, n.Kind)}
			if err := validateEdge(e, n, target.Name); err != nil {
				problems = append(problems, err)
				continue
			}
			hard, soft = appendEdge(hard, soft, e)
		}
	}
	if len(problems) > 0 {
		return nil, errors.Join(problems...)
	}

	for _, e := range hard {
		g.addEdge(e)
	}
	if err := g.detectCycle(); err != nil {
		return nil, err
	}
	for _, e := range soft {
		if e.From == e.To || g.reaches(e.To, e.From) {
			o.logger.Warn("dropping soft dependency that closes a cycle", "edge", e.String())
			g.dropped = append(g.dropped, e)
			continue
		}
		g.addEdge(e)
	}
	return g, nil
}

func appendEdge(hard, soft []Edge, e Edge) ([]Edge, []Edge) {
	if e.State.Soft() {
		return hard, append(soft, e)
	}
	return append(hard, e), soft
}

func resolveState(dep task.Dependency, k task.Kind) task.DependencyState {
	if dep.State != task.StateDefault {
		return dep.State
	}
	if k == task.Process {
		return task.Ready
	}
	return task.Succeeded
}

func validateEdge(e Edge, dependency *task.Node, dependent string) error {
	switch {
	case dependency.Kind == task.Oneshot && e.State == task.Ready:
		return task.Errorf(task.KindGraph, dependent,
			"depends on %s@ready but %s is a oneshot task (use @started, @succeeded or @completed)", dependency.Name, dependency.Name)
	case dependency.Kind == task.Process && e.State == task.Succeeded:
		return task.Errorf(task.KindGraph, dependent,
			"depends on %s@succeeded but %s is a process task (use @started, @ready or @completed)", dependency.Name, dependency.Name)
	case dependency.Kind == task.Process && e.State == task.Ready && !dependency.HasReadiness():
		return task.Errorf(task.KindGraph, dependent,
			"depends on %s@ready but %s has no ready probe, tcp listen or ports", dependency.Name, dependency.Name)
	}
	return nil
}

func (g *Graph) addEdge(e Edge) {
	for _, x := range g.out[e.From] {
		if x.To == e.To {
			// first declared requirement wins
			return
		}
	}
	g.out[e.From] = append(g.out[e.From], e)
	g.in[e.To] = append(g.in[e.To], e)
}

// detectCycle runs a DFS with temporary and permanent marks over all edges
// currently in the graph.
func (g *Graph) detectCycle() error {
	permanent := make(map[string]bool, len(g.names))
	temporary := make(map[string]bool)
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		if permanent[name] {
			return nil
		}
		if temporary[name] {
			return task.Errorf(task.KindGraph, name, "dependency cycle detected: %v", cyclePath(stack, name))
		}
		temporary[name] = true
		stack = append(stack, name)
		for _, e := range g.out[name] {
			if err := visit(e.To); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		delete(temporary, name)
		permanent[name] = true
		return nil
	}
	for _, name := range g.names {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

func cyclePath(stack []string, back string) []string {
	for i, s := range stack {
		if s == back {
			return append(append([]string(nil), stack[i:]...), back)
		}
	}
	return append(append([]string(nil), stack...), back)
}

// reaches reports whether to is reachable from from along outgoing edges.
func (g *Graph) reaches(from, to string) bool {
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			return true
		}
		for _, e := range g.out[cur] {
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return false
}

// Node returns the node by name.
func (g *Graph) Node(name string) (*task.Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Names returns all node names in declaration order.
func (g *Graph) Names() []string { return append([]string(nil), g.names...) }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.names) }

// Dependencies returns the incoming edges of name.
func (g *Graph) Dependencies(name string) []Edge { return append([]Edge(nil), g.in[name]...) }

// Dependents returns the outgoing edges of name.
func (g *Graph) Dependents(name string) []Edge { return append([]Edge(nil), g.out[name]...) }

// DroppedEdges lists the soft edges removed because they closed a cycle.
func (g *Graph) DroppedEdges() []Edge { return append([]Edge(nil), g.dropped...) }

// Namespaces groups node names by namespace, sorted.
func (g *Graph) Namespaces() map[string][]string {
	out := make(map[string][]string)
	for _, name := range g.names {
		ns := g.nodes[name].Namespace()
		out[ns] = append(out[ns], name)
	}
	for ns := range out {
		sort.Strings(out[ns])
	}
	return out
}
