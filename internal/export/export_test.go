package export

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	name, value, ok := ParseLine(Line("DATABASE_URL", "postgres://x=y"))
	require.True(t, ok)
	assert.Equal(t, "DATABASE_URL", name)
	assert.Equal(t, "postgres://x=y", value)

	// "AB" encodes with padding ("QUI="), so the first '=' is not the separator.
	name, value, ok = ParseLine(Line("AB", "v"))
	require.True(t, ok)
	assert.Equal(t, "AB", name)
	assert.Equal(t, "v", value)

	name, value, ok = ParseLine(Line("EMPTY", ""))
	require.True(t, ok)
	assert.Equal(t, "EMPTY", name)
	assert.Equal(t, "", value)

	invalid := base64.StdEncoding.EncodeToString([]byte{0xff, 0xfe})
	for _, line := range []string{
		"plain output",
		"DEVENV_EXPORT:",
		"DEVENV_EXPORT:notbase64=xx",
		"DEVENV_EXPORT:" + invalid + "=" + base64.StdEncoding.EncodeToString([]byte("v")),
	} {
		_, _, ok := ParseLine(line)
		assert.False(t, ok, line)
	}
}

func TestMergeAndVars(t *testing.T) {
	out := Merge(map[string]any{"result": 1.0}, map[string]string{"A": "1"})
	out = Merge(out, map[string]string{"B": "2"})
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, Vars(out))
	assert.Equal(t, 1.0, out["result"])

	assert.Nil(t, Merge(nil, nil))
	assert.Empty(t, Vars(nil))
}

func TestFilter(t *testing.T) {
	vars := map[string]string{"A": "1", "B": "2"}
	assert.Equal(t, vars, Filter(vars, nil))
	assert.Equal(t, map[string]string{"B": "2"}, Filter(vars, []string{"B", "C"}))
}

func TestQuoteAndScript(t *testing.T) {
	assert.Equal(t, "plain", Quote("plain"))
	assert.Equal(t, "''", Quote(""))
	assert.Equal(t, `'it'"'"'s here'`, Quote("it's here"))
	assert.Equal(t, "export A=1\nexport B='x y'\n", ShellScript(map[string]string{"B": "x y", "A": "1"}))
}

func TestChannelFor(t *testing.T) {
	c := NewChannel()
	c.Publish("a:one", Merge(nil, map[string]string{"X": "1", "Y": "a"}), false)
	c.Publish("a:two", Merge(nil, map[string]string{"X": "2"}), true)
	c.Publish("b:other", Merge(nil, map[string]string{"Z": "z"}), false)

	up := c.For(func(n string) bool { return n != "b:other" })
	assert.Equal(t, map[string]string{"X": "2", "Y": "a"}, up.Vars)
	assert.Equal(t, "export X=1\nexport Y=a\nexport X=2\n", up.Script)

	var outputs map[string]any
	require.NoError(t, json.Unmarshal([]byte(up.OutputsJSON), &outputs))
	assert.Contains(t, outputs, "a:one")
	assert.NotContains(t, outputs, "b:other")

	assert.Equal(t, map[string]string{"X": "2"}, c.ShellExports())
}

func TestChannelRepublishMovesToEnd(t *testing.T) {
	c := NewChannel()
	c.Publish("a:one", Merge(nil, map[string]string{"X": "1"}), false)
	c.Publish("a:two", Merge(nil, map[string]string{"X": "2"}), false)
	c.Publish("a:one", Merge(nil, map[string]string{"X": "3"}), false)
	assert.Equal(t, "3", c.For(nil).Vars["X"])
	assert.Len(t, c.All(), 2)
}

func TestChannelConcurrent(t *testing.T) {
	c := NewChannel()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Publish(string(rune('a'+i))+":t", nil, false)
			_ = c.For(nil)
		}(i)
	}
	wg.Wait()
	assert.Len(t, c.All(), 20)
}
