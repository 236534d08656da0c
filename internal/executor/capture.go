package executor

import (
	"fmt"
	"io"
	"sync"

	"github.com/loykin/devtasks/internal/events"
	"github.com/loykin/devtasks/internal/export"
	"github.com/loykin/devtasks/internal/process"
	"github.com/loykin/devtasks/internal/task"
)

// capture fans the output of one run out to the bus, the task log files
// and the terminal, and collects DEVENV_EXPORT lines from stdout.
type capture struct {
	stdout *process.LineWriter
	stderr *process.LineWriter
	files  []io.Closer

	mu   sync.Mutex
	vars map[string]string
	errs []string
}

func (e *Executor) capture(node *task.Node) (*capture, error) {
	outW, errW, err := e.logs.Writers(node.Name)
	if err != nil {
		return nil, err
	}
	c := &capture{vars: map[string]string{}}
	if outW != nil {
		c.files = append(c.files, outW, errW)
	}
	show := func(stream events.Stream, file io.Writer) func(string) {
		return func(line string) {
			if stream == events.Stdout {
				if name, value, ok := export.ParseLine(line); ok {
					c.mu.Lock()
					c.vars[name] = value
					c.mu.Unlock()
					return
				}
			} else {
				c.mu.Lock()
				c.errs = append(c.errs, line)
				if len(c.errs) > failureTail {
					c.errs = c.errs[len(c.errs)-failureTail:]
				}
				c.mu.Unlock()
			}
			if file != nil {
				_, _ = io.WriteString(file, line+"\n")
			}
			e.bus.Publish(events.OutputLine(node.Name, stream, line))
			if node.ShowOutput && e.term != nil {
				e.termMu.Lock()
				_, _ = fmt.Fprintf(e.term, "[%s] %s\n", node.Name, line)
				e.termMu.Unlock()
			}
		}
	}
	c.stdout = process.NewLineWriter(show(events.Stdout, outW))
	c.stderr = process.NewLineWriter(show(events.Stderr, errW))
	return c, nil
}

// close flushes partial lines and closes the log files.
func (c *capture) close() {
	_ = c.stdout.Close()
	_ = c.stderr.Close()
	for _, f := range c.files {
		_ = f.Close()
	}
}

func (c *capture) exports() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.vars))
	for k, v := range c.vars {
		out[k] = v
	}
	return out
}

func (c *capture) tail() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.errs...)
}
