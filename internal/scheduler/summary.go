package scheduler

import (
	"github.com/loykin/devtasks/internal/export"
)

// Summary is the outcome of a run.
type Summary struct {
	// Nodes in topological order.
	Nodes []NodeStatus
	// ShellExports are the variables exported by shell-entry tasks.
	ShellExports map[string]string

	required map[string]bool
}

func (s *Summary) Node(name string) (NodeStatus, bool) {
	for _, n := range s.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return NodeStatus{}, false
}

// Failed is true when a required node failed or was cancelled. Roots are
// required; so is any node that a member depends on through a hard edge.
// Skipped nodes never count by themselves: the failure that skipped them does.
func (s *Summary) Failed() bool {
	for _, n := range s.Nodes {
		if (n.State == Failed || n.State == Cancelled) && s.required[n.Name] {
			return true
		}
	}
	return false
}

func (s *Summary) ExitCode() int {
	if s.Failed() {
		return 1
	}
	return 0
}

// Errors returns the errors of failed nodes in order.
func (s *Summary) Errors() []error {
	var out []error
	for _, n := range s.Nodes {
		if n.Err != nil && n.State == Failed {
			out = append(out, n.Err)
		}
	}
	return out
}

// Summary is the current outcome. Processes keep reporting after Run
// returns, so a process that fails later is reflected here.
func (s *Scheduler) Summary() *Summary { return s.summary() }

func (s *Scheduler) summary() *Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := &Summary{required: s.required}
	for _, n := range s.order {
		st := s.nodes[n].status()
		st.Exports = export.Vars(st.Output)
		sum.Nodes = append(sum.Nodes, st)
	}
	sum.ShellExports = s.exports.ShellExports()
	return sum
}
