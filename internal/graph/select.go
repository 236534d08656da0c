package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/loykin/devtasks/internal/task"
)

// RunMode selects which part of the graph around the roots is run.
type RunMode int

const (
	// ModeSingle runs only the roots.
	ModeSingle RunMode = iota
	// ModeBefore runs the roots and everything they depend on.
	ModeBefore
	// ModeAfter runs the roots and everything depending on them.
	ModeAfter
	// ModeAll runs both closures.
	ModeAll
)

func (m RunMode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeBefore:
		return "before"
	case ModeAfter:
		return "after"
	default:
		return "all"
	}
}

func ParseRunMode(s string) (RunMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "single":
		return ModeSingle, nil
	case "before":
		return ModeBefore, nil
	case "after":
		return ModeAfter, nil
	case "all", "":
		return ModeAll, nil
	default:
		return ModeAll, fmt.Errorf("unknown run mode %q (expected single, before, after or all)", s)
	}
}

// ResolveRoots maps each requested name to node names. A name matches a task
// exactly, or as a namespace prefix ("ns" or "ns:").
func (g *Graph) ResolveRoots(names []string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	add := func(n string) {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" || name == ":" || strings.HasPrefix(name, ":") || strings.Contains(name, "::") {
			return nil, task.Errorf(task.KindGraph, raw, "invalid task name or namespace")
		}
		if _, ok := g.nodes[name]; ok {
			add(name)
			continue
		}
		prefix := strings.TrimSuffix(name, ":") + ":"
		matched := false
		for _, n := range g.names {
			if strings.HasPrefix(n, prefix) {
				add(n)
				matched = true
			}
		}
		if !matched {
			return nil, task.Errorf(task.KindGraph, name, "no task or namespace matches")
		}
	}
	return out, nil
}

// SelectOptions tunes Select.
type SelectOptions struct {
	// IgnoreProcessDeps prunes process nodes that are not roots.
	IgnoreProcessDeps bool
}

// Select returns the subgraph to run for roots under mode.
func (g *Graph) Select(roots []string, mode RunMode, opts SelectOptions) (*Subgraph, error) {
	resolved, err := g.ResolveRoots(roots)
	if err != nil {
		return nil, err
	}
	members := make(map[string]bool)
	for _, r := range resolved {
		members[r] = true
	}
	switch mode {
	case ModeBefore:
		g.walk(resolved, members, true)
	case ModeAfter:
		g.walk(resolved, members, false)
	case ModeAll:
		// Each direction is walked from the roots only, never bouncing back.
		g.walk(resolved, members, true)
		g.walk(resolved, members, false)
	}
	isRoot := make(map[string]bool, len(resolved))
	for _, r := range resolved {
		isRoot[r] = true
	}
	if opts.IgnoreProcessDeps {
		for name := range members {
			if !isRoot[name] && g.nodes[name].Kind == task.Process {
				delete(members, name)
			}
		}
	}
	sg := &Subgraph{g: g, members: members, roots: isRoot}
	for _, name := range g.names {
		if members[name] {
			sg.names = append(sg.names, name)
		}
	}
	return sg, nil
}

func (g *Graph) walk(from []string, members map[string]bool, incoming bool) {
	seen := make(map[string]bool, len(from))
	queue := append([]string(nil), from...)
	for _, f := range from {
		seen[f] = true
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		var next []string
		if incoming {
			for _, e := range g.in[cur] {
				next = append(next, e.From)
			}
		} else {
			for _, e := range g.out[cur] {
				next = append(next, e.To)
			}
		}
		for _, n := range next {
			if !seen[n] {
				seen[n] = true
				members[n] = true
				queue = append(queue, n)
			}
		}
	}
}

// Subgraph is the set of nodes selected for a run. Edges leaving the set are
// ignored.
type Subgraph struct {
	g       *Graph
	members map[string]bool
	roots   map[string]bool
	names   []string
}

// All selects every node of g. Nodes nothing depends on count as roots.
func (g *Graph) All() *Subgraph {
	sg := &Subgraph{g: g, members: make(map[string]bool, len(g.names)), roots: make(map[string]bool), names: g.Names()}
	for _, n := range g.names {
		sg.members[n] = true
		if len(g.out[n]) == 0 {
			sg.roots[n] = true
		}
	}
	return sg
}

func (s *Subgraph) Graph() *Graph { return s.g }

// Names returns member names in declaration order.
func (s *Subgraph) Names() []string { return append([]string(nil), s.names...) }

func (s *Subgraph) Len() int { return len(s.names) }

func (s *Subgraph) Contains(name string) bool { return s.members[name] }

func (s *Subgraph) IsRoot(name string) bool { return s.roots[name] }

func (s *Subgraph) Node(name string) *task.Node {
	if !s.members[name] {
		return nil
	}
	return s.g.nodes[name]
}

// Dependencies returns incoming edges from members.
func (s *Subgraph) Dependencies(name string) []Edge {
	var out []Edge
	for _, e := range s.g.in[name] {
		if s.members[e.From] {
			out = append(out, e)
		}
	}
	return out
}

// Dependents returns outgoing edges to members.
func (s *Subgraph) Dependents(name string) []Edge {
	var out []Edge
	for _, e := range s.g.out[name] {
		if s.members[e.To] {
			out = append(out, e)
		}
	}
	return out
}

// Ancestors returns every member name name transitively depends on.
func (s *Subgraph) Ancestors(name string) map[string]bool {
	out := make(map[string]bool)
	queue := []string{name}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range s.Dependencies(cur) {
			if !out[e.From] {
				out[e.From] = true
				queue = append(queue, e.From)
			}
		}
	}
	return out
}

// Order returns a topological order of the members using Kahn's algorithm,
// breaking ties by declaration order.
func (s *Subgraph) Order() ([]string, error) {
	indeg := make(map[string]int, len(s.names))
	for _, n := range s.names {
		indeg[n] = len(s.Dependencies(n))
	}
	index := func(n string) int { return s.g.nodes[n].Index }
	var ready []string
	for _, n := range s.names {
		if indeg[n] == 0 {
			ready = append(ready, n)
		}
	}
	order := make([]string, 0, len(s.names))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return index(ready[i]) < index(ready[j]) })
		cur := ready[0]
		ready = ready[1:]
		order = append(order, cur)
		for _, e := range s.Dependents(cur) {
			indeg[e.To]--
			if indeg[e.To] == 0 {
				ready = append(ready, e.To)
			}
		}
	}
	if len(order) != len(s.names) {
		for _, n := range s.names {
			if indeg[n] > 0 {
				return nil, task.Errorf(task.KindGraph, n, "cycle detected")
			}
		}
	}
	return order, nil
}

// ReverseOrder returns Order reversed: dependents before their dependencies.
func (s *Subgraph) ReverseOrder() ([]string, error) {
	order, err := s.Order()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}
