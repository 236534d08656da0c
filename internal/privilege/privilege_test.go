package privilege

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
}

func TestCheck(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	assert.NoError(t, Checker{Argv: []string{"true"}}.Check(ctx))
	assert.ErrorIs(t, Checker{Argv: []string{"false"}}.Check(ctx), ErrNotCached)

	err := Checker{Argv: []string{"/no/such/sudo"}}.Check(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotCached)
}

func TestRefreshStops(t *testing.T) {
	requireUnix(t)
	stop := Checker{Argv: []string{"false"}}.Refresh(context.Background(), 10*time.Millisecond, nil)
	time.Sleep(40 * time.Millisecond)
	done := make(chan struct{})
	go func() { stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh loop did not stop")
	}
}

func TestDetect(t *testing.T) {
	env := map[string]string{"SUDO_USER": "dev", "SUDO_UID": "1000", "SUDO_GID": "1001"}
	getenv := func(k string) string { return env[k] }

	sc, ok := detect(0, getenv)
	require.True(t, ok)
	assert.Equal(t, SudoContext{User: "dev", UID: 1000, GID: 1001}, sc)
	cred := sc.Credential()
	assert.Equal(t, uint32(1000), cred.Uid)
	assert.Equal(t, uint32(1001), cred.Gid)

	_, ok = detect(1000, getenv)
	assert.False(t, ok, "not root")

	env["SUDO_UID"] = "x"
	_, ok = detect(0, getenv)
	assert.False(t, ok)
}
