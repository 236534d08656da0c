package export

import (
	"encoding/json"
	"sort"
	"sync"
)

// Channel collects task outputs as tasks complete and hands the exported
// variables of upstream tasks to their dependents. Safe for concurrent use.
type Channel struct {
	mu      sync.RWMutex
	order   []string
	outputs map[string]map[string]any
	shell   map[string]bool
}

func NewChannel() *Channel {
	return &Channel{outputs: map[string]map[string]any{}, shell: map[string]bool{}}
}

// Publish records the output of node. shellEntry marks a task whose exports
// also go to the invoking shell. Publishing the same node again replaces its
// output and moves it to the end of the order.
func (c *Channel) Publish(node string, output map[string]any, shellEntry bool) {
	if output == nil {
		output = map[string]any{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.outputs[node]; ok {
		for i, n := range c.order {
			if n == node {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	c.order = append(c.order, node)
	c.outputs[node] = output
	c.shell[node] = shellEntry
}

// Output returns the recorded output of node, or nil.
func (c *Channel) Output(node string) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.outputs[node]
}

// Upstream is what a dependent sees of its completed ancestors.
type Upstream struct {
	// Vars holds exported variables; later publications win.
	Vars map[string]string
	// Script is DEVENV_TASK_ENV: one export line per variable in publication order.
	Script string
	// OutputsJSON is DEVENV_TASKS_OUTPUTS: every included output keyed by task.
	OutputsJSON string
}

// For collects the outputs of the nodes accepted by include, in publication order.
func (c *Channel) For(include func(node string) bool) Upstream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	up := Upstream{Vars: map[string]string{}}
	outputs := map[string]any{}
	var kvs []KV
	for _, n := range c.order {
		if include != nil && !include(n) {
			continue
		}
		out := c.outputs[n]
		outputs[n] = out
		vars := Vars(out)
		names := make([]string, 0, len(vars))
		for k := range vars {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			kvs = append(kvs, KV{Name: k, Value: vars[k]})
			up.Vars[k] = vars[k]
		}
	}
	up.Script = Script(kvs)
	b, err := json.Marshal(outputs)
	if err != nil {
		b = []byte("{}")
	}
	up.OutputsJSON = string(b)
	return up
}

// ShellExports returns the variables exported by shell-entry tasks.
func (c *Channel) ShellExports() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := map[string]string{}
	for _, n := range c.order {
		if !c.shell[n] {
			continue
		}
		for k, v := range Vars(c.outputs[n]) {
			out[k] = v
		}
	}
	return out
}

// All returns every recorded output keyed by node.
func (c *Channel) All() map[string]map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]map[string]any, len(c.outputs))
	for k, v := range c.outputs {
		out[k] = v
	}
	return out
}
