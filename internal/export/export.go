package export

import (
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"
	"unicode/utf8"
)

// Prefix marks an export line on a task's stdout.
const Prefix = "DEVENV_EXPORT:"

// ParseLine decodes "DEVENV_EXPORT:<base64 name>=<base64 value>". Base64
// padding also uses '=', so the separator is the first '=' at an offset that
// ends a complete base64 quantum (4, 8, 12, ...).
func ParseLine(line string) (name, value string, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimRight(line, "\r\n"), Prefix)
	if !found {
		return "", "", false
	}
	for i := 4; i < len(rest); i += 4 {
		if rest[i] != '=' {
			continue
		}
		k, err := base64.StdEncoding.DecodeString(rest[:i])
		if err != nil {
			return "", "", false
		}
		v, err := base64.StdEncoding.DecodeString(rest[i+1:])
		if err != nil {
			return "", "", false
		}
		if !utf8.Valid(k) || !utf8.Valid(v) || len(k) == 0 {
			return "", "", false
		}
		return string(k), string(v), true
	}
	return "", "", false
}

// Line renders an export line; the inverse of ParseLine.
func Line(name, value string) string {
	return Prefix + base64.StdEncoding.EncodeToString([]byte(name)) + "=" + base64.StdEncoding.EncodeToString([]byte(value))
}

// Merge writes vars into output["devenv"]["env"], creating the nested objects
// when missing. Existing keys are overwritten. A nil output is allocated.
func Merge(output map[string]any, vars map[string]string) map[string]any {
	if len(vars) == 0 {
		return output
	}
	if output == nil {
		output = map[string]any{}
	}
	devenv, _ := output["devenv"].(map[string]any)
	if devenv == nil {
		devenv = map[string]any{}
		output["devenv"] = devenv
	}
	envObj, _ := devenv["env"].(map[string]any)
	if envObj == nil {
		envObj = map[string]any{}
		devenv["env"] = envObj
	}
	for k, v := range vars {
		envObj[k] = v
	}
	return output
}

// Vars extracts the string entries of output["devenv"]["env"].
func Vars(output map[string]any) map[string]string {
	devenv, _ := output["devenv"].(map[string]any)
	envObj, _ := devenv["env"].(map[string]any)
	out := make(map[string]string, len(envObj))
	for k, v := range envObj {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// Filter keeps only names listed in allow; an empty allow list keeps all.
func Filter(vars map[string]string, allow []string) map[string]string {
	if len(allow) == 0 {
		return vars
	}
	keep := make(map[string]bool, len(allow))
	for _, a := range allow {
		keep[a] = true
	}
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		if keep[k] {
			out[k] = v
		}
	}
	return out
}

// Decode parses a task output document; invalid or non-object JSON yields nil.
func Decode(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// Quote single-quotes s for POSIX shells.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r == '_' || r == '-' || r == '.' || r == '/' || r == ':' || r == ',' || r == '+' || r == '=' || r == '@' || r == '%' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// KV is one exported variable.
type KV struct {
	Name  string
	Value string
}

// ShellScript renders vars as export statements, sorted by name.
func ShellScript(vars map[string]string) string {
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)
	kvs := make([]KV, 0, len(names))
	for _, n := range names {
		kvs = append(kvs, KV{Name: n, Value: vars[n]})
	}
	return Script(kvs)
}

// Script renders kvs as export statements in the given order.
func Script(kvs []KV) string {
	var sb strings.Builder
	for _, kv := range kvs {
		sb.WriteString("export ")
		sb.WriteString(kv.Name)
		sb.WriteByte('=')
		sb.WriteString(Quote(kv.Value))
		sb.WriteByte('\n')
	}
	return sb.String()
}
