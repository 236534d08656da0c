package env

import (
	"os"
	"sort"
	"strings"
)

// Var is a set of environment variables (K->V).
type Var map[string]string

// FromOS returns the current process environment.
func FromOS() Var { return Parse(os.Environ()) }

// Parse converts "K=V" pairs into a Var; entries without a key are skipped.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// Clone returns a copy of v (never nil).
func (v Var) Clone() Var {
	out := make(Var, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Slice returns "K=V" pairs sorted by key.
func (v Var) Slice() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+v[k])
	}
	return out
}

// Builder composes a task environment in layers; later layers win.
type Builder struct {
	m Var
}

// NewBuilder starts from base, typically FromOS or an explicit shell env.
func NewBuilder(base Var) *Builder {
	return &Builder{m: base.Clone()}
}

// Set overrides a single variable.
func (b *Builder) Set(k, v string) *Builder {
	if k != "" {
		b.m[k] = v
	}
	return b
}

// Apply overrides with every entry of layer, verbatim.
func (b *Builder) Apply(layer Var) *Builder {
	for k, v := range layer {
		b.Set(k, v)
	}
	return b
}

// ApplyExpanded overrides with layer after ${VAR} expansion against the
// variables composed so far, so a task can write PATH=${PATH}:/extra.
func (b *Builder) ApplyExpanded(layer Var) *Builder {
	snapshot := b.m.Clone()
	for k, v := range layer {
		b.Set(k, expand(v, snapshot))
	}
	return b
}

func (b *Builder) Var() Var { return b.m.Clone() }

func (b *Builder) Environ() []string { return b.m.Slice() }

// expand performs simple ${VAR} expansion with no recursion. Unknown
// references are left as is.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var sb strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			sb.WriteString(s)
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			sb.WriteString(s)
			break
		}
		name := s[i+2 : i+2+j]
		sb.WriteString(s[:i])
		if v, ok := m[name]; ok {
			sb.WriteString(v)
		} else {
			sb.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	return sb.String()
}
