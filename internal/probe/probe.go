// Package probe implements readiness checks for supervised processes.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"syscall"
	"time"

	"github.com/loykin/devtasks/internal/process"
	"github.com/loykin/devtasks/internal/task"
)

// ErrTimeout is returned by Wait when the overall readiness budget is spent.
var ErrTimeout = errors.New("readiness timeout")

// Probe is a single readiness check. It must be safe for concurrent use.
type Probe interface {
	// Check returns nil when the target is ready.
	Check(ctx context.Context) error
	// Describe returns a human-readable description of the check.
	Describe() string
}

// Exec runs a command that exits zero once the target is ready.
type Exec struct {
	Command string
	Dir     string
	Env     []string
}

func (e Exec) Check(ctx context.Context) error {
	argv := process.Argv(e.Command)
	// #nosec G204
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = e.Dir
	if e.Env != nil {
		cmd.Env = e.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }
	cmd.WaitDelay = time.Second
	if err := cmd.Run(); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return fmt.Errorf("exit status %d", ee.ExitCode())
		}
		return err
	}
	return nil
}

func (e Exec) Describe() string { return "exec:" + e.Command }

// HTTP issues GET requests until a 2xx response.
type HTTP struct {
	URL    string
	Client *http.Client
}

func (h HTTP) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return err
	}
	c := h.Client
	if c == nil {
		c = http.DefaultClient
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (h HTTP) Describe() string { return "http:" + h.URL }

// TCP connects until the address accepts.
type TCP struct{ Address string }

func (t TCP) Check(ctx context.Context) error {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return err
	}
	return c.Close()
}

func (t TCP) Describe() string { return "tcp:" + t.Address }

// Timing controls Wait.
type Timing struct {
	InitialDelay time.Duration
	Period       time.Duration
	// ProbeTimeout bounds a single Check; zero means only the overall timeout applies.
	ProbeTimeout time.Duration
	// Timeout bounds the whole wait; zero waits until ctx is done.
	Timeout time.Duration
}

// TimingOf extracts the timing of a declared probe.
func TimingOf(p task.Probe) Timing {
	return Timing{InitialDelay: p.InitialDelay, Period: p.Period, ProbeTimeout: p.ProbeTimeout, Timeout: p.Timeout}
}

// Wait sleeps InitialDelay, then checks every Period until success. It
// returns ErrTimeout (wrapping the last check error) when Timeout elapses
// and ctx.Err() when ctx ends first.
func Wait(ctx context.Context, p Probe, tm Timing) error {
	period := tm.Period
	if period <= 0 {
		period = task.DefaultProbePeriod
	}
	// checks run under wctx so none outlives the overall timeout
	wctx, stop := ctx, context.CancelFunc(func() {})
	var deadline <-chan struct{}
	if tm.Timeout > 0 {
		wctx, stop = context.WithTimeout(ctx, tm.Timeout)
		deadline = wctx.Done()
	}
	defer stop()
	var last error
	timedOut := func() error {
		if last != nil {
			return fmt.Errorf("%w after %s (%s): %v", ErrTimeout, tm.Timeout, p.Describe(), last)
		}
		return fmt.Errorf("%w after %s (%s)", ErrTimeout, tm.Timeout, p.Describe())
	}
	if tm.InitialDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return timedOut()
		case <-time.After(tm.InitialDelay):
		}
	}
	tick := time.NewTicker(period)
	defer tick.Stop()
	for {
		cctx, cancel := wctx, context.CancelFunc(func() {})
		if tm.ProbeTimeout > 0 {
			cctx, cancel = context.WithTimeout(wctx, tm.ProbeTimeout)
		}
		last = p.Check(cctx)
		cancel()
		if last == nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if wctx.Err() != nil {
			return timedOut()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return timedOut()
		case <-tick.C:
		}
	}
}

// FromTask builds the probe for a declared readiness check. defaultTCP is
// used when a tcp probe is implied by listen sockets or ports. Notify and
// none yield a nil Probe.
func FromTask(p task.Probe, defaultTCP, dir string, env []string) Probe {
	switch p.Kind {
	case task.ProbeExec:
		return Exec{Command: p.Command, Dir: dir, Env: env}
	case task.ProbeHTTP:
		return HTTP{URL: p.URL}
	case task.ProbeTCP:
		addr := p.Address
		if addr == "" {
			addr = defaultTCP
		}
		return TCP{Address: addr}
	case task.ProbeNone:
		if defaultTCP != "" {
			return TCP{Address: defaultTCP}
		}
	}
	return nil
}
