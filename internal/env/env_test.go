package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuilderLayering(t *testing.T) {
	b := NewBuilder(Var{"PATH": "/bin", "A": "base"})
	b.Apply(Var{"A": "upstream", "U": "1"})
	b.ApplyExpanded(Var{"PATH": "${PATH}:/opt/bin", "B": "${A}-${MISSING}"})
	b.Set("DEVENV_TASK_INPUT", "{}")
	assert.Equal(t, []string{
		"A=upstream",
		"B=upstream-${MISSING}",
		"DEVENV_TASK_INPUT={}",
		"PATH=/bin:/opt/bin",
		"U=1",
	}, b.Environ())
}

func TestParseSkipsMalformed(t *testing.T) {
	v := Parse([]string{"A=1", "=x", "noequals", "B=a=b"})
	assert.Equal(t, Var{"A": "1", "B": "a=b"}, v)
}

func TestBuilderDoesNotAliasBase(t *testing.T) {
	base := Var{"A": "1"}
	NewBuilder(base).Set("A", "2")
	assert.Equal(t, "1", base["A"])
}
