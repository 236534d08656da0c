package env

import (
	"strings"
	"testing"
)

// FuzzExpand checks that expansion never recurses into substituted values and
// leaves text without references untouched.
func FuzzExpand(f *testing.F) {
	f.Add("${PATH}:/opt/bin", "PATH", "/bin")
	f.Add("${A}${A}", "A", "${A}")
	f.Add("${open", "open", "x")
	f.Add("plain", "K", "v")

	f.Fuzz(func(t *testing.T, s, name, value string) {
		if name == "" || strings.ContainsAny(name, "{}") {
			t.Skip()
		}
		got := expand(s, Var{name: value})
		if !strings.Contains(s, "${") && got != s {
			t.Fatalf("expand(%q) = %q, want unchanged", s, got)
		}
		want := strings.ReplaceAll(s, "${"+name+"}", value)
		if !strings.Contains(s, "${") || strings.Count(s, "${") == strings.Count(s, "${"+name+"}") {
			if got != want {
				t.Fatalf("expand(%q) = %q, want %q", s, got, want)
			}
		}
	})
}

func FuzzParseEnviron(f *testing.F) {
	f.Add("A=1\nB=a=b\n=x\nnoequals")
	f.Fuzz(func(t *testing.T, raw string) {
		out := Parse(strings.Split(raw, "\n")).Slice()
		for _, kv := range out {
			if strings.HasPrefix(kv, "=") || !strings.Contains(kv, "=") {
				t.Fatalf("bad pair: %q", kv)
			}
		}
	})
}
