// Package ports resolves named ports for processes, keeping them stable
// within a session and across runs.
package ports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/devtasks/internal/events"
	"github.com/loykin/devtasks/internal/metrics"
	"github.com/loykin/devtasks/internal/store"
	"github.com/loykin/devtasks/internal/task"
)

const (
	DefaultHost        = "127.0.0.1"
	DefaultMaxAttempts = 100
)

type key struct{ process, port string }

type entry struct {
	port int
	base int
	ln   net.Listener
}

// Allocator hands out loopback ports. A resolved port is held by a listener
// until Release, so concurrent allocations never collide.
type Allocator struct {
	arena       *store.Arena
	host        string
	strict      bool
	maxAttempts int
	bus         *events.Bus
	log         *slog.Logger
	// owner finds the pid listening on a port; replaced in tests.
	owner func(port int) (int32, string)

	mu      sync.Mutex
	entries map[key]*entry
	owners  map[string]int32
}

type Option func(*Allocator)

// WithStrict requires the declared base port, failing instead of shifting.
func WithStrict(strict bool) Option { return func(a *Allocator) { a.strict = strict } }

func WithHost(host string) Option {
	return func(a *Allocator) {
		if host != "" {
			a.host = host
		}
	}
}

func WithBus(b *events.Bus) Option { return func(a *Allocator) { a.bus = b } }

func WithLogger(l *slog.Logger) Option {
	return func(a *Allocator) {
		if l != nil {
			a.log = l
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// New returns an allocator. A nil arena keeps allocations in memory only.
func New(arena *store.Arena, opts ...Option) *Allocator {
	a := &Allocator{
		arena:       arena,
		host:        DefaultHost,
		maxAttempts: DefaultMaxAttempts,
		log:         slog.Default(),
		owner:       listenerOwner,
		entries:     map[key]*entry{},
		owners:      map[string]int32{},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Allocator) Strict() bool { return a.strict }

// SetOwner records the pid currently running process, so a persisted port
// it still holds is not reported as a conflict when it restarts.
func (a *Allocator) SetOwner(process string, pid int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if pid <= 0 {
		delete(a.owners, process)
		return
	}
	a.owners[process] = pid
}

// Allocate resolves (process, portName) starting from base.
func (a *Allocator) Allocate(ctx context.Context, process, portName string, base int) (int, error) {
	if base <= 0 || base > 65535 {
		return 0, task.Errorf(task.KindConfig, process, "port %q: base %d out of range", portName, base)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	k := key{process, portName}
	if e, ok := a.entries[k]; ok {
		return a.reuse(k, e)
	}
	taken := make(map[int]bool, len(a.entries))
	for _, e := range a.entries {
		taken[e.port] = true
	}

	if port, ok, err := a.replay(ctx, k, base, taken); err != nil || ok {
		return port, err
	}

	if a.strict {
		if taken[base] {
			return 0, task.Errorf(task.KindPortConflict, process,
				"port %d is already allocated to another process in this session; disable strict ports to auto-allocate", base)
		}
		ln, err := a.listen(base)
		if err != nil {
			return 0, task.Errorf(task.KindPortConflict, process,
				"port %d is already in use%s; disable strict ports to auto-allocate", base, a.describeOwner(base))
		}
		return base, a.commit(ctx, k, &entry{port: base, base: base, ln: ln})
	}

	for off := 0; off < a.maxAttempts; off++ {
		port := base + off
		if port > 65535 {
			break
		}
		if taken[port] {
			continue
		}
		ln, err := a.listen(port)
		if err != nil {
			continue
		}
		return port, a.commit(ctx, k, &entry{port: port, base: base, ln: ln})
	}
	return 0, task.Errorf(task.KindPortConflict, process,
		"could not find an available port starting from %d after %d attempts", base, a.maxAttempts)
}

// reuse returns the session port of k. After Release the port is reserved
// again; in strict mode a port now held by someone else is a conflict.
func (a *Allocator) reuse(k key, e *entry) (int, error) {
	if e.ln != nil {
		return e.port, nil
	}
	if ln, err := a.listen(e.port); err == nil {
		e.ln = ln
		return e.port, nil
	}
	if !a.strict {
		return e.port, nil
	}
	if pid, ok := a.owners[k.process]; ok {
		if owner, _ := a.owner(e.port); owner == pid {
			return e.port, nil
		}
	}
	return 0, task.Errorf(task.KindPortConflict, k.process,
		"port %d (allocated for %s) is now in use%s", e.port, k.port, a.describeOwner(e.port))
}

// replay reuses the persisted port for k when it was resolved from the same base.
func (a *Allocator) replay(ctx context.Context, k key, base int, taken map[int]bool) (int, bool, error) {
	if a.arena == nil {
		return 0, false, nil
	}
	rec, err := a.arena.GetPort(ctx, k.process, k.port)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load port %s/%s: %w", k.process, k.port, err)
	}
	if rec.Base != base {
		a.log.Debug("discarding persisted port with different base",
			slog.String("process", k.process), slog.String("port", k.port),
			slog.Int("old_base", rec.Base), slog.Int("base", base))
		return 0, false, nil
	}
	if !taken[rec.Resolved] {
		if ln, err := a.listen(rec.Resolved); err == nil {
			return rec.Resolved, true, a.commit(ctx, k, &entry{port: rec.Resolved, base: base, ln: ln})
		}
		if pid, ok := a.owners[k.process]; ok {
			if owner, _ := a.owner(rec.Resolved); owner == pid {
				// still held by the instance being restarted
				return rec.Resolved, true, a.commit(ctx, k, &entry{port: rec.Resolved, base: base})
			}
		}
	}
	if a.strict {
		return 0, false, task.Errorf(task.KindPortConflict, k.process,
			"port %d (persisted for %s) is already in use%s", rec.Resolved, k.port, a.describeOwner(rec.Resolved))
	}
	return 0, false, nil
}

func (a *Allocator) commit(ctx context.Context, k key, e *entry) error {
	a.entries[k] = e
	shifted := e.port != e.base
	metrics.IncPortAllocation(k.process, shifted)
	a.bus.Publish(events.PortAllocated(k.process, k.port, e.base, e.port))
	if shifted {
		a.log.Info("port shifted", slog.String("process", k.process), slog.String("port", k.port),
			slog.Int("base", e.base), slog.Int("resolved", e.port))
	}
	if a.arena == nil {
		return nil
	}
	if err := a.arena.PutPort(ctx, store.PortAllocation{
		Process: k.process, Port: k.port, Base: e.base, Resolved: e.port, UpdatedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("persist port %s/%s: %w", k.process, k.port, err)
	}
	return nil
}

func (a *Allocator) listen(port int) (net.Listener, error) {
	return net.Listen("tcp", net.JoinHostPort(a.host, strconv.Itoa(port)))
}

func (a *Allocator) describeOwner(port int) string {
	pid, name := a.owner(port)
	switch {
	case pid <= 0:
		return ""
	case name != "":
		return fmt.Sprintf(" by %s (PID %d)", name, pid)
	default:
		return fmt.Sprintf(" (PID %d)", pid)
	}
}

// Release closes the reservations of process so it can bind its ports.
// The resolved numbers stay allocated.
func (a *Allocator) Release(process string) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var released []int
	for k, e := range a.entries {
		if k.process != process || e.ln == nil {
			continue
		}
		_ = e.ln.Close()
		e.ln = nil
		released = append(released, e.port)
	}
	sort.Ints(released)
	return released
}

// ReleaseAll closes every outstanding reservation.
func (a *Allocator) ReleaseAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.entries {
		if e.ln != nil {
			_ = e.ln.Close()
			e.ln = nil
		}
	}
}

// Resolved returns the ports resolved for process in this session.
func (a *Allocator) Resolved(process string) map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := map[string]int{}
	for k, e := range a.entries {
		if k.process == process {
			out[k.port] = e.port
		}
	}
	return out
}

// List returns persisted allocations, or the session ones without a store.
func (a *Allocator) List(ctx context.Context) ([]store.PortAllocation, error) {
	if a.arena != nil {
		return a.arena.ListPorts(ctx)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]store.PortAllocation, 0, len(a.entries))
	for k, e := range a.entries {
		out = append(out, store.PortAllocation{Process: k.process, Port: k.port, Base: e.base, Resolved: e.port})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Process != out[j].Process {
			return out[i].Process < out[j].Process
		}
		return out[i].Port < out[j].Port
	})
	return out, nil
}

// EnvName is the variable a resolved port is exported under: PORT_<NAME>.
func EnvName(portName string) string {
	var sb strings.Builder
	sb.WriteString("PORT_")
	for _, r := range strings.ToUpper(portName) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

// listenerOwner finds the process listening on port via gopsutil.
func listenerOwner(port int) (int32, string) {
	conns, err := gopsnet.Connections("tcp")
	if err != nil {
		return 0, ""
	}
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port || c.Pid <= 0 {
			continue
		}
		name := ""
		if p, err := gopsproc.NewProcess(c.Pid); err == nil {
			name, _ = p.Name()
		}
		return c.Pid, name
	}
	return 0, ""
}
