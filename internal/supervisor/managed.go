package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/devtasks/internal/env"
	"github.com/loykin/devtasks/internal/events"
	"github.com/loykin/devtasks/internal/logger"
	"github.com/loykin/devtasks/internal/metrics"
	"github.com/loykin/devtasks/internal/ports"
	"github.com/loykin/devtasks/internal/probe"
	"github.com/loykin/devtasks/internal/process"
	"github.com/loykin/devtasks/internal/store"
	"github.com/loykin/devtasks/internal/task"
)

// Report is called on every state change of a managed process. It runs on
// the process's own goroutine and must not block.
type Report func(name string, state State, err error)

type commandAction int

const (
	actionStop commandAction = iota
	actionRestart
)

type command struct {
	action commandAction
	reply  chan error
}

type probeResult struct {
	gen int
	err error
}

// deadline is an optional timer; C is nil while unarmed.
type deadline struct {
	t  *time.Timer
	at time.Time
}

func (d *deadline) arm(at time.Time) {
	d.disarm()
	d.at = at
	d.t = time.NewTimer(time.Until(at))
}

func (d *deadline) extend(by time.Duration) {
	if d.t != nil {
		d.arm(d.at.Add(by))
	}
}

func (d *deadline) disarm() {
	if d.t != nil {
		d.t.Stop()
		d.t = nil
	}
}

func (d *deadline) C() <-chan time.Time {
	if d.t == nil {
		return nil
	}
	return d.t.C
}

// config is what a ManagedProcess needs from its Manager.
type config struct {
	node         *task.Node
	env          []string
	ports        *ports.Allocator
	bus          *events.Bus
	log          *slog.Logger
	logs         logger.TaskLogs
	arena        *store.Arena
	notifyDir    string
	credential   *syscall.Credential
	restartDelay time.Duration
	throttle     time.Duration
	report       Report
}

// ManagedProcess supervises one process node. All lifecycle decisions are
// made on a single goroutine fed by a command channel, so state changes
// never race.
type ManagedProcess struct {
	cfg    config
	name   string
	spec   *task.ProcessSpec
	budget *Budget
	cmds   chan command
	done   chan struct{}

	// owned by the loop goroutine
	ctx       context.Context
	cancel    context.CancelFunc
	proc      *process.Process
	gen       int
	probeStop context.CancelFunc
	probeC    chan probeResult
	notify    *NotifySocket
	sockets   *Sockets
	watcher   *Watcher
	outW      io.WriteCloser
	errW      io.WriteCloser
	stdout    *process.LineWriter
	stderr    *process.LineWriter
	startedAt time.Time

	readiness deadline
	startup   deadline
	watchdog  deadline
	respawn   deadline

	mu      sync.RWMutex
	state   State
	pid     int
	lastErr  error
	message  string
	restarts int
	started  time.Time
	resolved map[string]int
}

func newManaged(cfg config) *ManagedProcess {
	if cfg.log == nil {
		cfg.log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ManagedProcess{
		cfg:    cfg,
		name:   cfg.node.Name,
		spec:   cfg.node.Process,
		budget: NewBudget(cfg.node.Process.Restart),
		cmds:   make(chan command, 16),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		probeC: make(chan probeResult, 1),
		state:  Pending,
	}
}

// begin opens the per-process resources, performs the first spawn and
// starts the supervision loop. A failed first spawn is terminal.
func (m *ManagedProcess) begin() error {
	if err := m.open(); err != nil {
		m.fail(err)
		close(m.done)
		return err
	}
	if err := m.spawn(); err != nil {
		m.fail(err)
		close(m.done)
		return err
	}
	go m.loop()
	return nil
}

func (m *ManagedProcess) open() error {
	var err error
	if m.spec.Probe.Kind == task.ProbeNotify || m.spec.Watchdog != nil {
		if m.notify, err = ListenNotify(m.cfg.notifyDir, m.name); err != nil {
			return task.Wrap(task.KindExecution, m.name, err)
		}
	}
	if len(m.spec.Listen) > 0 {
		if m.sockets, err = OpenSockets(m.spec.Listen); err != nil {
			return task.Wrap(task.KindExecution, m.name, err)
		}
	}
	if m.watcher, err = Watch(m.spec.Watch, m.cfg.node.Cwd, m.cfg.throttle, m.cfg.log); err != nil {
		m.cfg.log.Warn("file watch disabled", slog.String("process", m.name), slog.Any("error", err))
	}
	if m.outW, m.errW, err = m.cfg.logs.Writers(m.name); err != nil {
		return task.Wrap(task.KindExecution, m.name, err)
	}
	m.stdout = process.NewLineWriter(m.lineSink(events.Stdout, m.outW))
	m.stderr = process.NewLineWriter(m.lineSink(events.Stderr, m.errW))
	return nil
}

func (m *ManagedProcess) lineSink(stream events.Stream, file io.Writer) func(string) {
	return func(line string) {
		if file != nil {
			_, _ = io.WriteString(file, line+"\n")
		}
		m.cfg.bus.Publish(events.OutputLine(m.name, stream, line))
	}
}

// environ layers ports, notify socket, watchdog and socket activation over
// the scheduler-provided environment.
func (m *ManagedProcess) environ(resolved map[string]int) []string {
	b := env.NewBuilder(env.Parse(m.cfg.env))
	for name, port := range resolved {
		b.Set(ports.EnvName(name), strconv.Itoa(port))
	}
	if m.notify != nil {
		b.Set("NOTIFY_SOCKET", m.notify.Path())
	}
	if wd := m.spec.Watchdog; wd != nil {
		b.Set("WATCHDOG_USEC", strconv.FormatInt(wd.Interval.Microseconds(), 10))
	}
	b.Apply(env.Parse(m.sockets.Env()))
	return b.Environ()
}

func (m *ManagedProcess) allocatePorts() (map[string]int, error) {
	resolved := map[string]int{}
	if len(m.spec.Ports) == 0 || m.cfg.ports == nil {
		return resolved, nil
	}
	names := make([]string, 0, len(m.spec.Ports))
	for n := range m.spec.Ports {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		port, err := m.cfg.ports.Allocate(m.ctx, m.name, n, m.spec.Ports[n])
		if err != nil {
			return nil, err
		}
		resolved[n] = port
	}
	return resolved, nil
}

// defaultTCP is the implicit tcp probe target: the first tcp listen
// address, else the first resolved port on loopback.
func (m *ManagedProcess) defaultTCP(resolved map[string]int) string {
	for _, l := range m.spec.Listen {
		if l.Kind == task.ListenTCP {
			return l.Address
		}
	}
	names := make([]string, 0, len(resolved))
	for n := range resolved {
		names = append(names, n)
	}
	sort.Strings(names)
	if len(names) > 0 {
		return net.JoinHostPort(ports.DefaultHost, strconv.Itoa(resolved[names[0]]))
	}
	return ""
}

func (m *ManagedProcess) spawn() error {
	m.setState(Starting, nil)
	resolved, err := m.allocatePorts()
	if err != nil {
		return err
	}
	if m.cfg.ports != nil {
		m.cfg.ports.Release(m.name)
	}
	environ := m.environ(resolved)
	n := m.cfg.node
	proc, err := process.Start(process.Spec{
		Name:           m.name,
		Command:        n.Command,
		Dir:            n.Cwd,
		Env:            environ,
		Sudo:           n.UseSudo,
		Credential:     m.cfg.credential,
		Capabilities:   m.spec.Capabilities,
		ExtraFiles:     m.sockets.Files(),
		SetListenPID:   len(m.spec.Listen) > 0,
		PseudoTerminal: m.spec.PseudoTerminal,
		Stdout:         m.stdout,
		Stderr:         m.stderr,
	})
	if err != nil {
		return task.Wrap(task.KindExecution, m.name, err)
	}
	m.proc = proc
	m.startedAt = time.Now()
	if m.cfg.ports != nil {
		m.cfg.ports.SetOwner(m.name, int32(proc.PID()))
	}
	m.mu.Lock()
	m.pid = proc.PID()
	m.started = m.startedAt
	m.resolved = resolved
	m.mu.Unlock()
	m.cfg.log.Info("process started", slog.String("process", m.name), slog.Int("pid", proc.PID()))
	m.setState(Running, nil)

	now := time.Now()
	if m.spec.StartupTimeout > 0 {
		m.startup.arm(now.Add(m.spec.StartupTimeout))
	}
	if wd := m.spec.Watchdog; wd != nil && !wd.RequireReady {
		m.watchdog.arm(now.Add(wd.Interval))
	}
	m.startReadiness(resolved, environ)
	return nil
}

func (m *ManagedProcess) startReadiness(resolved map[string]int, environ []string) {
	pr := m.spec.Probe
	if pr.Kind == task.ProbeNotify {
		m.setState(Probing, nil)
		if pr.Timeout > 0 {
			m.readiness.arm(time.Now().Add(pr.Timeout))
		}
		return
	}
	p := probe.FromTask(pr, m.defaultTCP(resolved), m.cfg.node.Cwd, environ)
	if p == nil {
		m.markReady()
		return
	}
	m.setState(Probing, nil)
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(m.ctx)
	m.probeStop = cancel
	timing := probe.TimingOf(pr)
	go func() {
		err := probe.Wait(ctx, p, timing)
		select {
		case m.probeC <- probeResult{gen: gen, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (m *ManagedProcess) stopProbe() {
	if m.probeStop != nil {
		m.probeStop()
		m.probeStop = nil
	}
	m.gen++
}

func (m *ManagedProcess) markReady() {
	m.stopProbe()
	m.readiness.disarm()
	m.startup.disarm()
	if wd := m.spec.Watchdog; wd != nil {
		m.watchdog.arm(time.Now().Add(wd.Interval))
	}
	m.setState(Ready, nil)
}

func (m *ManagedProcess) loop() {
	defer close(m.done)
	for {
		var exitC <-chan struct{}
		if m.proc != nil {
			exitC = m.proc.Done()
		}
		var notifyC <-chan []Message
		if m.notify != nil {
			notifyC = m.notify.C
		}
		select {
		case c := <-m.cmds:
			switch c.action {
			case actionStop:
				c.reply <- m.stop()
				return
			case actionRestart:
				c.reply <- m.restartNow("manual restart")
			}
		case <-exitC:
			m.onExit()
		case r := <-m.probeC:
			if r.gen != m.gen {
				continue
			}
			m.probeStop = nil
			if r.err == nil {
				m.cfg.log.Info("process ready", slog.String("process", m.name))
				m.markReady()
			} else if errors.Is(r.err, probe.ErrTimeout) {
				m.fail(task.Wrap(task.KindTimeout, m.name, r.err))
			}
		case msgs, ok := <-notifyC:
			if !ok {
				m.notify = nil
				continue
			}
			m.onNotify(msgs)
		case path := <-m.watcher.C():
			m.cfg.log.Info("file change detected, restarting", slog.String("process", m.name), slog.String("path", path))
			_ = m.restartNow("file change")
		case <-m.readiness.C():
			m.readiness.t = nil
			m.fail(task.Errorf(task.KindTimeout, m.name, "process did not become ready within %s", m.spec.Probe.Timeout))
		case <-m.startup.C():
			m.startup.t = nil
			m.restartWithBudget("startup timeout")
		case <-m.watchdog.C():
			m.watchdog.t = nil
			m.restartWithBudget("watchdog timeout")
		case <-m.respawn.C():
			m.respawn.t = nil
			if err := m.spawn(); err != nil {
				m.fail(err)
			}
		}
		if m.currentState().Terminal() {
			return
		}
	}
}

func (m *ManagedProcess) onNotify(msgs []Message) {
	for _, msg := range msgs {
		switch msg.Kind {
		case MsgReady:
			if st := m.currentState(); st == Running || st == Probing {
				m.cfg.log.Info("process signaled ready", slog.String("process", m.name))
				m.markReady()
			}
		case MsgWatchdog:
			m.startup.disarm()
			if wd := m.spec.Watchdog; wd != nil {
				if m.currentState() == Ready || !wd.RequireReady {
					m.watchdog.arm(time.Now().Add(wd.Interval))
				}
			}
		case MsgWatchdogTrigger:
			m.restartWithBudget("watchdog trigger")
			return
		case MsgExtendTimeout:
			by := time.Duration(msg.Usec) * time.Microsecond
			m.startup.extend(by)
			m.readiness.extend(by)
		case MsgStatus:
			m.mu.Lock()
			m.message = msg.Text
			m.mu.Unlock()
			m.cfg.log.Debug("process status", slog.String("process", m.name), slog.String("status", msg.Text))
		case MsgStopping, MsgReloading:
			m.cfg.log.Debug("process notify", slog.String("process", m.name), slog.Int("kind", int(msg.Kind)))
		default:
			m.cfg.log.Debug("unknown notify message", slog.String("process", m.name), slog.String("message", msg.Text))
		}
	}
}

// onExit handles an exit the supervisor did not ask for.
func (m *ManagedProcess) onExit() {
	code := m.proc.ExitCode()
	exitErr := m.proc.ExitErr()
	m.detach()
	m.cfg.log.Info("process exited", slog.String("process", m.name), slog.Int("code", code))

	restart := false
	switch m.spec.Restart.On {
	case task.RestartAlways:
		restart = true
	case task.RestartOnFailure:
		restart = code != 0
	}
	if restart {
		m.restartWithBudget("exit")
		return
	}
	if code == 0 {
		m.finish(Exited, nil)
		return
	}
	m.fail(task.Errorf(task.KindExecution, m.name, "process exited: %v", exitErr))
}

// detach forgets the current child after it exited or was stopped.
func (m *ManagedProcess) detach() {
	m.proc = nil
	m.stopProbe()
	m.readiness.disarm()
	m.startup.disarm()
	m.watchdog.disarm()
	if m.cfg.ports != nil {
		m.cfg.ports.SetOwner(m.name, 0)
	}
	m.mu.Lock()
	m.pid = 0
	m.mu.Unlock()
}

func (m *ManagedProcess) terminate() {
	if m.proc == nil {
		return
	}
	m.setState(Stopping, nil)
	_ = m.proc.Stop(m.spec.ShutdownTimeout)
	m.detach()
}

// restartWithBudget restarts after a failure, consuming budget.
func (m *ManagedProcess) restartWithBudget(cause string) {
	m.terminate()
	now := time.Now()
	if !m.budget.Allow(now) {
		m.fail(task.Errorf(task.KindRestartLimit, m.name, "%s: restart limit exceeded after %d restarts", cause, m.budget.Total()))
		return
	}
	metrics.IncRestart(m.name, cause)
	m.mu.Lock()
	m.restarts = m.budget.Total()
	m.mu.Unlock()
	m.record(store.StatusFailed)
	m.cfg.log.Warn("restarting process", slog.String("process", m.name), slog.String("cause", cause),
		slog.Int("restarts", m.budget.Total()))
	m.setState(Restarting, nil)
	m.respawn.arm(now.Add(m.cfg.restartDelay))
}

// restartNow stops and respawns without consuming budget.
func (m *ManagedProcess) restartNow(cause string) error {
	m.terminate()
	m.respawn.disarm()
	metrics.IncRestart(m.name, cause)
	m.setState(Restarting, nil)
	if err := m.spawn(); err != nil {
		m.fail(err)
		return err
	}
	return nil
}

func (m *ManagedProcess) stop() error {
	m.respawn.disarm()
	var err error
	if m.proc != nil {
		m.setState(Stopping, nil)
		err = m.proc.Stop(m.spec.ShutdownTimeout)
		m.detach()
	}
	if !m.currentState().Terminal() {
		m.finish(Exited, nil)
	}
	var ee interface{ ExitCode() int }
	if errors.As(err, &ee) {
		// a signal or non-zero status after SIGTERM is the expected outcome
		err = nil
	}
	return err
}

func (m *ManagedProcess) fail(err error) {
	if m.proc != nil {
		_ = m.proc.Kill()
		m.detach()
	}
	m.respawn.disarm()
	m.cfg.log.Error("process failed", slog.String("process", m.name), slog.Any("error", err))
	m.finish(Failed, err)
}

func (m *ManagedProcess) finish(st State, err error) {
	if st == Failed {
		m.record(store.StatusFailed)
	} else {
		m.record(store.StatusSucceeded)
	}
	m.setState(st, err)
	m.release()
}

// release closes per-process resources once supervision ends.
func (m *ManagedProcess) release() {
	m.cancel()
	if m.notify != nil {
		_ = m.notify.Close()
		m.notify = nil
	}
	_ = m.sockets.Close()
	_ = m.watcher.Close()
	m.watcher = nil
	if m.stdout != nil {
		_ = m.stdout.Close()
		_ = m.stderr.Close()
	}
	if m.outW != nil {
		_ = m.outW.Close()
	}
	if m.errW != nil {
		_ = m.errW.Close()
	}
	if m.cfg.ports != nil {
		m.cfg.ports.Release(m.name)
	}
}

func (m *ManagedProcess) record(status string) {
	if m.cfg.arena == nil {
		return
	}
	rec := store.ExecutionRecord{
		Task:         m.name,
		Status:       status,
		StartedAt:    m.startedAt,
		EndedAt:      time.Now(),
		Restarts:     m.budget.Total(),
		RestartTimes: m.budget.Recent(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.cfg.arena.PutExecution(ctx, rec); err != nil {
		m.cfg.log.Warn("persist execution record", slog.String("process", m.name), slog.Any("error", err))
	}
}

func (m *ManagedProcess) setState(st State, err error) {
	m.mu.Lock()
	prev := m.state
	m.state = st
	if err != nil {
		m.lastErr = err
	}
	m.mu.Unlock()
	if prev == st {
		return
	}
	m.cfg.log.Debug("process state", slog.String("process", m.name), slog.String("from", prev.String()), slog.String("to", st.String()))
	if m.cfg.report != nil {
		m.cfg.report(m.name, st, err)
	}
}

func (m *ManagedProcess) currentState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *ManagedProcess) send(action commandAction) error {
	reply := make(chan error, 1)
	select {
	case m.cmds <- command{action: action, reply: reply}:
	case <-m.done:
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		// the loop may have answered just before exiting
		select {
		case err := <-reply:
			return err
		default:
			return nil
		}
	}
}

// Stop terminates the process (SIGTERM, then SIGKILL after the shutdown
// timeout) and ends supervision.
func (m *ManagedProcess) Stop() error { return m.send(actionStop) }

// Restart stops and respawns the process without consuming restart budget.
func (m *ManagedProcess) Restart() error {
	if m.currentState().Terminal() {
		return fmt.Errorf("process %s is no longer supervised", m.name)
	}
	return m.send(actionRestart)
}

// Done is closed when supervision has ended.
func (m *ManagedProcess) Done() <-chan struct{} { return m.done }

func (m *ManagedProcess) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{
		Name:      m.name,
		State:     m.state.String(),
		PID:       m.pid,
		Restarts:  m.restarts,
		StartedAt: m.started,
		Message:   m.message,
	}
	if len(m.resolved) > 0 {
		st.Ports = make(map[string]int, len(m.resolved))
		for k, v := range m.resolved {
			st.Ports[k] = v
		}
	}
	if m.lastErr != nil {
		st.Error = m.lastErr.Error()
	}
	return st
}
