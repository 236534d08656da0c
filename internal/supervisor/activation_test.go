package supervisor

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devtasks/internal/task"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestOpenSocketsTCPAndUnix(t *testing.T) {
	dir := shortDir(t)
	addr := "127.0.0.1:" + strconv.Itoa(freePort(t))
	sock := filepath.Join(dir, "run", "api.sock")
	s, err := OpenSockets([]task.Listen{
		{Name: "http", Kind: task.ListenTCP, Address: addr},
		{Name: "ctl", Kind: task.ListenUnixStream, Path: sock, Mode: 0o600},
	})
	require.NoError(t, err)

	require.Len(t, s.Files(), 2)
	assert.Equal(t, []string{"LISTEN_FDS=2", "LISTEN_FDNAMES=http:ctl"}, s.Env())

	// the kernel queues connections on a listening socket nobody accepts from
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_ = conn.Close()

	info, err := os.Stat(sock)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, s.Close())
	assert.NoFileExists(t, sock)
	assert.Nil(t, s.Files())
}

func TestOpenSocketsAddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	_, err = OpenSockets([]task.Listen{{Name: "http", Kind: task.ListenTCP, Address: ln.Addr().String()}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `listen "http"`)
}

func TestNilSockets(t *testing.T) {
	var s *Sockets
	assert.Nil(t, s.Files())
	assert.Nil(t, s.Env())
	assert.NoError(t, s.Close())
}
