package process

import (
	"strings"
	"testing"
)

// An explicit shell invocation is not wrapped in a second shell.
func TestBuildCommand_ExplicitShellNoDoubleWrap(t *testing.T) {
	requireUnix(t)
	s := Spec{Name: "x", Command: "sh -c 'echo hi'"}
	cmd := s.BuildCommand()
	if len(cmd.Args) < 3 {
		t.Fatalf("unexpected argv: %#v", cmd.Args)
	}
	if cmd.Args[1] != "-c" {
		t.Fatalf("expected -c as second arg, got %#v", cmd.Args)
	}
	if strings.HasPrefix(cmd.Args[2], "sh -c ") || strings.HasPrefix(cmd.Args[2], "/bin/sh -c ") {
		t.Fatalf("command was double-wrapped: %q", cmd.Args[2])
	}
}

func TestBuildCommand_MetacharTriggersShell(t *testing.T) {
	requireUnix(t)
	s := Spec{Name: "y", Command: "echo hi | wc -c"}
	cmd := s.BuildCommand()
	if len(cmd.Args) < 3 || cmd.Args[0] != "/bin/sh" || cmd.Args[1] != "-c" {
		t.Fatalf("expected shell -c wrapping, got argv=%#v", cmd.Args)
	}
}

func TestBuildCommand_EmptyCommand(t *testing.T) {
	spec := Spec{Name: "test"}
	cmd := spec.BuildCommand()
	if cmd.Path != "/bin/true" {
		t.Errorf("expected /bin/true for empty command, got %q", cmd.Path)
	}
}

func TestBuildCommand_SimpleCommand(t *testing.T) {
	spec := Spec{Name: "test", Command: "ls -la", Dir: "/tmp", Env: []string{"A=1"}}
	cmd := spec.BuildCommand()
	if !(cmd.Path == "ls" || strings.HasSuffix(cmd.Path, "/ls")) {
		t.Errorf("expected ls or a path ending with /ls, got %q", cmd.Path)
	}
	expected := []string{"ls", "-la"}
	if strings.Join(cmd.Args, " ") != strings.Join(expected, " ") {
		t.Errorf("expected args %v, got %v", expected, cmd.Args)
	}
	if cmd.Dir != "/tmp" || len(cmd.Env) != 1 {
		t.Errorf("dir/env not applied: %q %v", cmd.Dir, cmd.Env)
	}
}

func TestBuildCommand_Sudo(t *testing.T) {
	spec := Spec{Name: "s", Command: "id -u", Sudo: true}
	cmd := spec.BuildCommand()
	want := "sudo -E id -u"
	if got := strings.Join(cmd.Args, " "); got != want {
		t.Errorf("argv = %q, want %q", got, want)
	}
}

func TestBuildCommand_ListenPIDWrapsInsideSudo(t *testing.T) {
	spec := Spec{Name: "s", Command: "server --port 1", Sudo: true, SetListenPID: true}
	args := spec.BuildCommand().Args
	if len(args) != 8 {
		t.Fatalf("unexpected argv %#v", args)
	}
	if args[0] != "sudo" || args[2] != "/bin/sh" || args[4] != listenPIDWrapper || args[5] != "server" {
		t.Errorf("unexpected argv %#v", args)
	}
}

func TestParseExplicitShell(t *testing.T) {
	tests := []struct {
		name           string
		cmdStr         string
		expectedShell  string
		expectedAfter  string
		expectedResult bool
	}{
		{"sh -c with single quotes", "sh -c 'echo hello'", "sh", "echo hello", true},
		{"sh -c with double quotes", `sh -c "echo hello"`, "sh", "echo hello", true},
		{"/bin/sh -c", "/bin/sh -c 'echo hello'", "/bin/sh", "echo hello", true},
		{"/usr/bin/sh -c", "/usr/bin/sh -c 'echo hello'", "/usr/bin/sh", "echo hello", true},
		{"no quotes", "sh -c echo hello", "sh", "echo hello", true},
		{"not shell command", "echo hello", "", "", false},
		{"whitespace prefix", "  \tsh -c 'echo hello'", "sh", "echo hello", true},
		{"partial match", "bash -c 'echo hello'", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shell, after, ok := parseExplicitShell(tt.cmdStr)
			if ok != tt.expectedResult || shell != tt.expectedShell || after != tt.expectedAfter {
				t.Errorf("parseExplicitShell(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.cmdStr, shell, after, ok, tt.expectedShell, tt.expectedAfter, tt.expectedResult)
			}
		})
	}
}
