// Package privilege handles sudo for tasks that need elevated rights and
// dropping back to the invoking user when the engine itself runs under sudo.
package privilege

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

// RefreshInterval keeps the sudo timestamp warm under short timestamp_timeout settings.
const RefreshInterval = 60 * time.Second

var ErrNotCached = errors.New("sudo credentials are not cached; run `sudo -v` first")

// Checker validates sudo credentials without prompting.
type Checker struct {
	// Argv is the non-interactive check; it defaults to "sudo -n -v".
	Argv []string
}

func (c Checker) argv() []string {
	if len(c.Argv) > 0 {
		return c.Argv
	}
	return []string{"sudo", "-n", "-v"}
}

// Check runs the check with null stdio. A non-zero exit is ErrNotCached.
func (c Checker) Check(ctx context.Context) error {
	argv := c.argv()
	// #nosec G204
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if err := cmd.Run(); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return ErrNotCached
		}
		return fmt.Errorf("run %s: %w", argv[0], err)
	}
	return nil
}

// Authenticate tries Check first and falls back to an interactive
// "sudo -v" on the given terminal streams.
func (c Checker) Authenticate(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) error {
	if err := c.Check(ctx); err == nil {
		return nil
	}
	cmd := exec.CommandContext(ctx, "sudo", "-v")
	cmd.Stdin, cmd.Stdout, cmd.Stderr = stdin, stdout, stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sudo authentication failed: %w", err)
	}
	return nil
}

// Refresh re-validates credentials every interval until ctx is done or the
// returned stop function is called. Failures are only logged.
func (c Checker) Refresh(ctx context.Context, interval time.Duration, log *slog.Logger) (stop func()) {
	if interval <= 0 {
		interval = RefreshInterval
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := c.Check(ctx); err != nil && ctx.Err() == nil {
					log.Warn("sudo credential refresh failed; tasks requiring sudo may fail", slog.Any("error", err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// SudoContext is the user that invoked the engine through sudo.
type SudoContext struct {
	User string
	UID  uint32
	GID  uint32
}

// Detect returns the invoking user when running as root with SUDO_USER,
// SUDO_UID and SUDO_GID set.
func Detect() (SudoContext, bool) {
	return detect(os.Geteuid(), os.Getenv)
}

func detect(euid int, getenv func(string) string) (SudoContext, bool) {
	if euid != 0 {
		return SudoContext{}, false
	}
	user := getenv("SUDO_USER")
	uid, err1 := strconv.ParseUint(getenv("SUDO_UID"), 10, 32)
	gid, err2 := strconv.ParseUint(getenv("SUDO_GID"), 10, 32)
	if user == "" || err1 != nil || err2 != nil {
		return SudoContext{}, false
	}
	return SudoContext{User: user, UID: uint32(uid), GID: uint32(gid)}, true
}

// Credential runs a child as the invoking user. The kernel applies the gid
// before the uid.
func (s SudoContext) Credential() *syscall.Credential {
	return &syscall.Credential{Uid: s.UID, Gid: s.GID}
}
