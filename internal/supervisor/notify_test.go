package supervisor

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shortDir keeps unix socket paths under the sun_path limit.
func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "dt")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func TestParseNotify(t *testing.T) {
	msgs := ParseNotify("READY=1\nSTATUS=warming up\nWATCHDOG=1\n\nWATCHDOG=trigger\nEXTEND_TIMEOUT_USEC=5000000\nSTOPPING=1\nRELOADING=1\nMAINPID=42\nbogus")
	require.Len(t, msgs, 9)
	assert.Equal(t, MsgReady, msgs[0].Kind)
	assert.Equal(t, Message{Kind: MsgStatus, Text: "warming up"}, msgs[1])
	assert.Equal(t, MsgWatchdog, msgs[2].Kind)
	assert.Equal(t, MsgWatchdogTrigger, msgs[3].Kind)
	assert.Equal(t, Message{Kind: MsgExtendTimeout, Usec: 5_000_000}, msgs[4])
	assert.Equal(t, MsgStopping, msgs[5].Kind)
	assert.Equal(t, MsgReloading, msgs[6].Kind)
	assert.Equal(t, Message{Kind: MsgUnknown, Text: "MAINPID=42"}, msgs[7])
	assert.Equal(t, Message{Kind: MsgUnknown, Text: "bogus"}, msgs[8])

	assert.Equal(t, MsgUnknown, ParseNotify("EXTEND_TIMEOUT_USEC=abc")[0].Kind)
	assert.Empty(t, ParseNotify("\n \n"))
}

func TestNotifySocketReceives(t *testing.T) {
	dir := shortDir(t)
	s, err := ListenNotify(dir, "svc:api")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.Equal(t, filepath.Join(dir, "svc_api.sock"), s.Path())

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: s.Path(), Net: "unixgram"})
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_, err = conn.Write([]byte("READY=1\nSTATUS=up"))
	require.NoError(t, err)

	select {
	case msgs := <-s.C:
		require.Len(t, msgs, 2)
		assert.Equal(t, MsgReady, msgs[0].Kind)
		assert.Equal(t, "up", msgs[1].Text)
	case <-time.After(2 * time.Second):
		t.Fatal("no notify message")
	}
}

func TestNotifySocketCloseRemovesFile(t *testing.T) {
	dir := shortDir(t)
	s, err := ListenNotify(dir, "a:b")
	require.NoError(t, err)
	require.FileExists(t, s.Path())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.NoFileExists(t, s.Path())

	// the reader goroutine closes C once the socket is gone
	select {
	case _, ok := <-s.C:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}
