//go:build !windows

package process

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// waitDelay bounds how long Wait keeps copying output after the child exits,
// for grandchildren that inherited the pipes.
const waitDelay = 2 * time.Second

// Status is a point-in-time view of a spawned process.
type Status struct {
	Name      string
	PID       int
	Running   bool
	StartedAt time.Time
	StoppedAt time.Time
	ExitErr   error
	ExitCode  int
	// ProcStart is the kernel start time, zero if unknown.
	ProcStart time.Time
}

// Process is one spawned command in its own process group. A monitor
// goroutine owns cmd.Wait; everyone else waits on Done.
type Process struct {
	name      string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	procStart time.Time
	done      chan struct{}
	stopping  atomic.Bool
	// tty is the pty master of a PseudoTerminal child; copied closes once
	// its output has been forwarded.
	tty    *os.File
	copied <-chan struct{}

	mu        sync.Mutex
	exitErr   error
	stoppedAt time.Time
}

// Start spawns spec and begins monitoring it.
func Start(spec Spec) (*Process, error) {
	attrs, err := sysProcAttr(spec)
	if err != nil {
		return nil, err
	}
	cmd := spec.BuildCommand()
	cmd.WaitDelay = waitDelay
	var (
		tty    *os.File
		copied <-chan struct{}
	)
	if spec.PseudoTerminal {
		tty, copied, err = startPTY(cmd, attrs, spec.Stdout)
	} else {
		cmd.SysProcAttr = attrs
		err = cmd.Start()
	}
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	p := &Process{
		name:      spec.Name,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		tty:       tty,
		copied:    copied,
	}
	p.procStart = KernelStartTime(p.pid)
	go p.monitor()
	return p, nil
}

func (p *Process) monitor() {
	err := p.cmd.Wait()
	if p.tty != nil {
		select {
		case <-p.copied:
		case <-time.After(waitDelay):
		}
		_ = p.tty.Close()
		<-p.copied
	}
	p.mu.Lock()
	p.exitErr = err
	p.stoppedAt = time.Now()
	p.mu.Unlock()
	close(p.done)
}

func (p *Process) Name() string { return p.name }

func (p *Process) PID() int { return p.pid }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether Done is closed.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitErr is the result of Wait; nil while running or on a zero exit.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// ExitCode returns the exit status, -1 while running or when killed by a signal.
func (p *Process) ExitCode() int {
	if !p.Exited() {
		return -1
	}
	return exitCode(p.ExitErr())
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// StopRequested reports whether Stop or Kill was called, so an exit can be
// told apart from a crash.
func (p *Process) StopRequested() bool { return p.stopping.Load() }

// Signal delivers sig to the whole process group so it reaches the real
// child through intermediate shells and sudo.
func (p *Process) Signal(sig syscall.Signal) error {
	if p.Exited() {
		return nil
	}
	err := syscall.Kill(-p.pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// Stop sends SIGTERM to the group, waits up to grace and escalates to SIGKILL.
func (p *Process) Stop(grace time.Duration) error {
	p.stopping.Store(true)
	if p.Exited() {
		return p.ExitErr()
	}
	_ = p.Signal(syscall.SIGTERM)
	select {
	case <-p.done:
	case <-time.After(grace):
		_ = syscall.Kill(-p.pid, syscall.SIGKILL)
		select {
		case <-p.done:
		case <-time.After(200 * time.Millisecond):
			// best-effort
		}
	}
	return p.ExitErr()
}

// Kill sends SIGKILL to the group and waits briefly for the reap.
func (p *Process) Kill() error {
	p.stopping.Store(true)
	if p.Exited() {
		return p.ExitErr()
	}
	_ = syscall.Kill(-p.pid, syscall.SIGKILL)
	select {
	case <-p.done:
	case <-time.After(200 * time.Millisecond):
		// best-effort
	}
	return p.ExitErr()
}

// Alive probes liveness without racing the monitor's Wait.
func (p *Process) Alive() bool {
	if p.Exited() {
		return false
	}
	// On Linux, a quickly-exiting child can be a zombie; treat that as not alive.
	if runtime.GOOS == "linux" && isZombieLinux(p.pid) {
		return false
	}
	return syscall.Kill(p.pid, 0) == nil
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	st := Status{
		Name:      p.name,
		PID:       p.pid,
		StartedAt: p.startedAt,
		ProcStart: p.procStart,
		ExitCode:  -1,
	}
	if p.Exited() {
		p.mu.Lock()
		st.StoppedAt = p.stoppedAt
		st.ExitErr = p.exitErr
		p.mu.Unlock()
		st.ExitCode = exitCode(st.ExitErr)
		return st
	}
	st.Running = true
	return st
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z) on Linux.
func isZombieLinux(pid int) bool {
	path := "/proc/" + strconv.Itoa(pid) + "/status"
	b, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
