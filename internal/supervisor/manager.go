package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/devtasks/internal/events"
	"github.com/loykin/devtasks/internal/logger"
	"github.com/loykin/devtasks/internal/ports"
	"github.com/loykin/devtasks/internal/store"
	"github.com/loykin/devtasks/internal/task"
)

// ErrUnknownProcess is returned for names the manager never started.
var ErrUnknownProcess = errors.New("unknown process")

const defaultRestartDelay = 100 * time.Millisecond

// Manager starts, stops, and monitors process nodes.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*ManagedProcess
	order   []string

	ports        *ports.Allocator
	bus          *events.Bus
	log          *slog.Logger
	logs         logger.TaskLogs
	arena        *store.Arena
	notifyDir    string
	credential   *syscall.Credential
	restartDelay time.Duration
	throttle     time.Duration
}

type Option func(*Manager)

func WithPorts(a *ports.Allocator) Option { return func(m *Manager) { m.ports = a } }

func WithBus(b *events.Bus) Option { return func(m *Manager) { m.bus = b } }

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func WithTaskLogs(c logger.TaskLogs) Option { return func(m *Manager) { m.logs = c } }

func WithArena(a *store.Arena) Option { return func(m *Manager) { m.arena = a } }

// WithNotifyDir sets where notify sockets are created.
func WithNotifyDir(dir string) Option { return func(m *Manager) { m.notifyDir = dir } }

// WithCredential runs non-sudo processes as another user.
func WithCredential(c *syscall.Credential) Option { return func(m *Manager) { m.credential = c } }

// WithRestartDelay sets the pause between a crash and the respawn.
func WithRestartDelay(d time.Duration) Option { return func(m *Manager) { m.restartDelay = d } }

// WithThrottle sets the file watch debounce.
func WithThrottle(d time.Duration) Option { return func(m *Manager) { m.throttle = d } }

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		entries:      make(map[string]*ManagedProcess),
		log:          slog.Default(),
		restartDelay: defaultRestartDelay,
		throttle:     DefaultThrottle,
	}
	for _, o := range opts {
		o(m)
	}
	if m.notifyDir == "" {
		m.notifyDir = filepath.Join(os.TempDir(), fmt.Sprintf("devtasks-notify-%d", os.Getpid()))
	}
	return m
}

// Start spawns node and supervises it until Stop or a terminal failure.
// report receives every state change. The returned error covers failures
// of the first spawn only; later failures are reported.
func (m *Manager) Start(ctx context.Context, node *task.Node, env []string, report Report) error {
	if node.Process == nil {
		return task.Errorf(task.KindConfig, node.Name, "not a process task")
	}
	if err := ctx.Err(); err != nil {
		return task.Wrap(task.KindCancelled, node.Name, err)
	}
	credential := m.credential
	if node.UseSudo {
		credential = nil
	}
	mp := newManaged(config{
		node:         node,
		env:          env,
		ports:        m.ports,
		bus:          m.bus,
		log:          m.log,
		logs:         m.logs,
		arena:        m.arena,
		notifyDir:    m.notifyDir,
		credential:   credential,
		restartDelay: m.restartDelay,
		throttle:     m.throttle,
		report:       report,
	})
	m.mu.Lock()
	if old, ok := m.entries[node.Name]; ok {
		select {
		case <-old.Done():
		default:
			m.mu.Unlock()
			return fmt.Errorf("process %s already running", node.Name)
		}
	} else {
		m.order = append(m.order, node.Name)
	}
	m.entries[node.Name] = mp
	m.mu.Unlock()
	return mp.begin()
}

func (m *Manager) get(name string) (*ManagedProcess, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcess, name)
	}
	return mp, nil
}

// Stop gracefully stops name and ends its supervision.
func (m *Manager) Stop(name string) error {
	mp, err := m.get(name)
	if err != nil {
		return err
	}
	return mp.Stop()
}

// Restart stops and respawns name without consuming restart budget.
func (m *Manager) Restart(name string) error {
	mp, err := m.get(name)
	if err != nil {
		return err
	}
	return mp.Restart()
}

func (m *Manager) Status(name string) (Status, error) {
	mp, err := m.get(name)
	if err != nil {
		return Status{}, err
	}
	return mp.Status(), nil
}

// List returns the status of every process in start order.
func (m *Manager) List() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.order))
	for _, n := range m.order {
		out = append(out, m.entries[n].Status())
	}
	return out
}

// PIDs maps running process names to their pid, for resource sampling.
func (m *Manager) PIDs() map[string]int32 {
	out := map[string]int32{}
	for _, st := range m.List() {
		if st.PID > 0 {
			out[st.Name] = int32(st.PID)
		}
	}
	return out
}

// Shutdown stops processes one at a time in order; names not in order are
// stopped afterwards, newest first. Each stop honors the process's shutdown
// timeout. It returns early if ctx ends, leaving the rest running.
func (m *Manager) Shutdown(ctx context.Context, order []string) error {
	m.mu.RLock()
	seen := make(map[string]bool, len(order))
	names := make([]string, 0, len(m.entries))
	for _, n := range order {
		if _, ok := m.entries[n]; ok && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	rest := make([]string, 0)
	for i := len(m.order) - 1; i >= 0; i-- {
		if n := m.order[i]; !seen[n] {
			rest = append(rest, n)
		}
	}
	m.mu.RUnlock()
	names = append(names, rest...)

	var errs []error
	for _, n := range names {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		mp, err := m.get(n)
		if err != nil {
			continue
		}
		m.log.Debug("stopping process", slog.String("process", n))
		if err := mp.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", n, err))
		}
	}
	if m.ports != nil {
		m.ports.ReleaseAll()
	}
	_ = os.Remove(m.notifyDir)
	return errors.Join(errs...)
}

// Names returns the supervised process names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]string(nil), m.order...)
	sort.Strings(out)
	return out
}
