package process

import (
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// listenPIDWrapper sets LISTEN_PID to the pid of the exec'd command. The
// shell replaces itself, so $$ is the pid the child ends up running as.
const listenPIDWrapper = `LISTEN_PID=$$; export LISTEN_PID; exec "$0" "$@"`

// Spec describes one command to spawn.
type Spec struct {
	Name    string
	Command string
	Dir     string
	// Env is the complete child environment; nil inherits the engine's.
	Env []string
	// Sudo wraps the command with "sudo -E".
	Sudo bool
	// Credential runs the child as another user (drop from root).
	Credential *syscall.Credential
	// Capabilities are Linux capability names raised as ambient capabilities.
	Capabilities []string
	// ExtraFiles become fds 3, 4, ... in the child.
	ExtraFiles []*os.File
	// SetListenPID exports LISTEN_PID for socket activation.
	SetListenPID bool
	// PseudoTerminal attaches the child to a new pty. Both streams then
	// arrive on Stdout.
	PseudoTerminal bool
	Stdout         io.Writer
	Stderr         io.Writer
}

// BuildCommand constructs an *exec.Cmd for the given spec.Command.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s *Spec) BuildCommand() *exec.Cmd {
	argv := Argv(s.Command)
	if s.SetListenPID {
		argv = append([]string{"/bin/sh", "-c", listenPIDWrapper}, argv...)
	}
	if s.Sudo {
		argv = append([]string{"sudo", "-E"}, argv...)
	}
	// #nosec G204
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.Dir
	if s.Env != nil {
		cmd.Env = s.Env
	}
	cmd.ExtraFiles = s.ExtraFiles
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	return cmd
}

// Argv splits a command string the way BuildCommand runs it.
func Argv(command string) []string {
	cmdStr := strings.TrimSpace(command)
	if cmdStr == "" {
		return []string{"/bin/true"}
	}
	// Always use absolute shell path to avoid PATH dependency when Env is overridden.
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		return []string{"/bin/sh", "-c", afterC}
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return []string{"/bin/sh", "-c", cmdStr}
	}
	return strings.Fields(cmdStr)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// It preserves the substring after "-c " verbatim to avoid breaking quoting.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// One pair of outer quotes is stripped so the shell parses the script itself.
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
