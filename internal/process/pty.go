//go:build !windows

package process

import (
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

var ptySize = &pty.Winsize{Rows: 24, Cols: 80}

// startPTY starts cmd on a new pseudo-terminal and copies everything the
// child writes to out until the terminal closes. The child leads its own
// session, so its pid is still the group that signals go to.
func startPTY(cmd *exec.Cmd, attrs *syscall.SysProcAttr, out io.Writer) (*os.File, <-chan struct{}, error) {
	attrs.Setpgid = false
	attrs.Setsid = true
	attrs.Setctty = true
	cmd.Stdin, cmd.Stdout, cmd.Stderr = nil, nil, nil
	tty, err := pty.StartWithAttrs(cmd, ptySize, attrs)
	if err != nil {
		return nil, nil, err
	}
	if out == nil {
		out = io.Discard
	}
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		// ends with EIO on Linux once the last slave fd closes
		_, _ = io.Copy(out, tty)
	}()
	return tty, copied, nil
}
