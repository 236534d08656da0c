package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/loykin/devtasks"
	"github.com/loykin/devtasks/internal/export"
	"github.com/loykin/devtasks/internal/graph"
	"github.com/loykin/devtasks/internal/task"
)

type command struct {
	stdout io.Writer
	stderr io.Writer
	stdin  io.Reader
}

func newCommand(stdout, stderr io.Writer) *command {
	return &command{stdout: stdout, stderr: stderr, stdin: os.Stdin}
}

func (c *command) readTasks(path string) (devtasks.Input, error) {
	if path == "-" {
		return devtasks.DecodeDeclarations(c.stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return devtasks.Input{}, fmt.Errorf("open tasks file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return devtasks.DecodeDeclarations(f)
}

func (c *command) loadConfig(g GlobalFlags, apply func(*devtasks.Config)) (*devtasks.Config, error) {
	cfg, err := devtasks.LoadConfig(g.ConfigPath)
	if err != nil {
		return nil, err
	}
	if apply != nil {
		apply(cfg)
	}
	return cfg, nil
}

// selection picks the roots and mode: flags first, then the tasks file.
func selection(in devtasks.Input, names []string, mode string) ([]string, devtasks.RunMode, error) {
	roots := names
	if len(roots) == 0 {
		roots = in.Roots
	}
	if mode == "" {
		mode = in.RunMode
	}
	m, err := devtasks.ParseRunMode(mode)
	return roots, m, err
}

// Run executes the selection, and when processes stay up after the run
// settles, waits for SIGINT/SIGTERM before shutting them down.
func (c *command) Run(ctx context.Context, g GlobalFlags, f RunFlags, names []string) error {
	in, err := c.readTasks(f.Tasks)
	if err != nil {
		return err
	}
	roots, mode, err := selection(in, names, f.Mode)
	if err != nil {
		return err
	}
	cfg, err := c.loadConfig(g, func(cfg *devtasks.Config) {
		if f.Workers > 0 {
			cfg.Workers = f.Workers
		}
		if f.Refresh {
			cfg.Refresh = true
		}
		if f.StrictPorts {
			cfg.Ports.Strict = true
		}
		if f.StatusListen != "" {
			cfg.Server.Listen = f.StatusListen
		}
	})
	if err != nil {
		return err
	}

	e, err := devtasks.New(cfg, devtasks.WithTerminal(c.stdout))
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gr, err := e.Load(in.Tasks)
	if err != nil {
		return err
	}
	sum, err := e.Run(ctx, gr, devtasks.RunOptions{Roots: roots, Mode: mode, IgnoreProcessDeps: f.IgnoreProcessDeps})
	if err != nil {
		_ = e.Shutdown(context.Background())
		return err
	}
	if err := c.printSummary(sum, f.JSON); err != nil {
		return err
	}
	if f.ExportFile != "" {
		if err := os.WriteFile(f.ExportFile, []byte(export.ShellScript(sum.ShellExports)), 0o600); err != nil {
			_ = e.Shutdown(context.Background())
			return fmt.Errorf("write export file: %w", err)
		}
	}

	if !sum.Failed() && len(e.Processes()) > 0 && ctx.Err() == nil {
		_, _ = fmt.Fprintln(c.stderr, "processes running, interrupt to stop")
		<-ctx.Done()
		// processes may have failed while we waited
		if cur := e.Summary(); cur != nil {
			sum = cur
		}
	}
	if err := e.Shutdown(context.Background()); err != nil {
		_, _ = fmt.Fprintln(c.stderr, "shutdown:", err)
	}
	if code := sum.ExitCode(); code != 0 {
		return exitCode(code)
	}
	return nil
}

func (c *command) printSummary(sum *devtasks.Summary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(c.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sum.Nodes)
	}
	w := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TASK\tSTATE\tDURATION\tREASON")
	for _, n := range sum.Nodes {
		reason := n.Reason
		if n.Error != "" {
			reason = n.Error
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", n.Name, n.StateName, n.Duration.Round(time.Millisecond), reason)
	}
	return w.Flush()
}

type listEntry struct {
	Name  string   `json:"name"`
	Kind  string   `json:"kind"`
	After []string `json:"after,omitempty"`
}

// List prints the graph grouped by namespace without running anything.
func (c *command) List(g GlobalFlags, f ListFlags) error {
	in, err := c.readTasks(f.Tasks)
	if err != nil {
		return err
	}
	nodes := make([]*task.Node, 0, len(in.Tasks))
	for i, d := range in.Tasks {
		n, err := task.Compile(d, i)
		if err != nil {
			return err
		}
		nodes = append(nodes, n)
	}
	gr, err := graph.Load(nodes)
	if err != nil {
		return err
	}

	spaces := gr.Namespaces()
	order := make([]string, 0, len(spaces))
	for ns := range spaces {
		order = append(order, ns)
	}
	sort.Strings(order)

	grouped := make(map[string][]listEntry, len(spaces))
	for _, ns := range order {
		for _, name := range spaces[ns] {
			n, _ := gr.Node(name)
			entry := listEntry{Name: name, Kind: n.Kind.String()}
			for _, dep := range gr.Dependencies(name) {
				entry.After = append(entry.After, fmt.Sprintf("%s@%s", dep.From, dep.State))
			}
			grouped[ns] = append(grouped[ns], entry)
		}
	}
	if f.JSON {
		enc := json.NewEncoder(c.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(grouped)
	}
	for _, ns := range order {
		_, _ = fmt.Fprintf(c.stdout, "%s\n", ns)
		for _, entry := range grouped[ns] {
			line := fmt.Sprintf("  %s (%s)", entry.Name, entry.Kind)
			if len(entry.After) > 0 {
				line += " after " + strings.Join(entry.After, ", ")
			}
			_, _ = fmt.Fprintln(c.stdout, line)
		}
	}
	return nil
}

// Ports prints the allocations remembered by the store.
func (c *command) Ports(ctx context.Context, g GlobalFlags, f PortsFlags) error {
	cfg, err := c.loadConfig(g, nil)
	if err != nil {
		return err
	}
	e, err := devtasks.New(cfg, devtasks.WithTerminal(c.stderr))
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()
	allocs, err := e.Ports(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		if allocs == nil {
			allocs = []devtasks.PortAllocation{}
		}
		enc := json.NewEncoder(c.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(allocs)
	}
	w := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PROCESS\tPORT\tBASE\tRESOLVED")
	for _, a := range allocs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", a.Process, a.Port, a.Base, a.Resolved)
	}
	return w.Flush()
}

// Export runs the selection with task output on stderr and prints the shell
// exports on stdout for eval. Processes are stopped before returning.
func (c *command) Export(ctx context.Context, g GlobalFlags, f ExportFlags, names []string) error {
	in, err := c.readTasks(f.Tasks)
	if err != nil {
		return err
	}
	roots, mode, err := selection(in, names, f.Mode)
	if err != nil {
		return err
	}
	cfg, err := c.loadConfig(g, func(cfg *devtasks.Config) {
		if f.Workers > 0 {
			cfg.Workers = f.Workers
		}
	})
	if err != nil {
		return err
	}
	e, err := devtasks.New(cfg, devtasks.WithTerminal(c.stderr))
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	gr, err := e.Load(in.Tasks)
	if err != nil {
		return err
	}
	sum, err := e.Run(ctx, gr, devtasks.RunOptions{Roots: roots, Mode: mode})
	shutdownErr := e.Shutdown(context.Background())
	if err != nil {
		return err
	}
	if shutdownErr != nil {
		_, _ = fmt.Fprintln(c.stderr, "shutdown:", shutdownErr)
	}
	if sum.Failed() {
		for _, err := range sum.Errors() {
			_, _ = fmt.Fprintln(c.stderr, err)
		}
		return exitCode(sum.ExitCode())
	}
	_, err = io.WriteString(c.stdout, export.ShellScript(sum.ShellExports))
	return err
}
