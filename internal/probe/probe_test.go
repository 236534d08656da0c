package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devtasks/internal/task"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
}

type countdown struct{ left atomic.Int32 }

func (c *countdown) Check(context.Context) error {
	if c.left.Add(-1) >= 0 {
		return errors.New("not yet")
	}
	return nil
}

func (c *countdown) Describe() string { return "countdown" }

func TestWaitRetriesUntilReady(t *testing.T) {
	c := &countdown{}
	c.left.Store(3)
	err := Wait(context.Background(), c, Timing{Period: 5 * time.Millisecond, Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, int32(-1), c.left.Load())
}

func TestWaitTimeout(t *testing.T) {
	c := &countdown{}
	c.left.Store(1 << 20)
	start := time.Now()
	err := Wait(context.Background(), c, Timing{Period: 5 * time.Millisecond, Timeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "not yet")
	assert.Less(t, time.Since(start), time.Second)
}

// stuck never answers until its context ends.
type stuck struct{}

func (stuck) Check(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stuck) Describe() string { return "stuck" }

func TestWaitTimeoutBoundsHungCheck(t *testing.T) {
	start := time.Now()
	err := Wait(context.Background(), stuck{}, Timing{Period: 5 * time.Millisecond, Timeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)

	start = time.Now()
	err = Wait(context.Background(), stuck{}, Timing{ProbeTimeout: 5 * time.Second, Timeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second, "a check cannot overrun the overall timeout")
}

func TestWaitTimeoutDuringInitialDelay(t *testing.T) {
	c := &countdown{}
	err := Wait(context.Background(), c, Timing{InitialDelay: time.Second, Timeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitContextCancelled(t *testing.T) {
	c := &countdown{}
	c.left.Store(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	err := Wait(ctx, c, Timing{Period: 5 * time.Millisecond})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	p := TCP{Address: addr}
	assert.NoError(t, p.Check(context.Background()))
	assert.Equal(t, "tcp:"+addr, p.Describe())
	require.NoError(t, ln.Close())
	assert.Error(t, p.Check(context.Background()))
}

func TestHTTPProbe(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	p := HTTP{URL: srv.URL}
	assert.Error(t, p.Check(context.Background()))
	healthy.Store(true)
	assert.NoError(t, p.Check(context.Background()))
}

func TestExecProbe(t *testing.T) {
	requireUnix(t)
	assert.NoError(t, Exec{Command: "true"}.Check(context.Background()))
	err := Exec{Command: "exit 4"}.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "4")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.Error(t, Exec{Command: "sleep 10"}.Check(ctx))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestFromTask(t *testing.T) {
	assert.Equal(t, Exec{Command: "true", Dir: "/x"}, FromTask(task.Probe{Kind: task.ProbeExec, Command: "true"}, "", "/x", nil))
	assert.Equal(t, HTTP{URL: "http://h/"}, FromTask(task.Probe{Kind: task.ProbeHTTP, URL: "http://h/"}, "", "", nil))
	assert.Equal(t, TCP{Address: "127.0.0.1:9"}, FromTask(task.Probe{Kind: task.ProbeTCP}, "127.0.0.1:9", "", nil))
	assert.Equal(t, TCP{Address: "127.0.0.1:9"}, FromTask(task.Probe{}, "127.0.0.1:9", "", nil))
	assert.Nil(t, FromTask(task.Probe{}, "", "", nil))
	assert.Nil(t, FromTask(task.Probe{Kind: task.ProbeNotify}, "127.0.0.1:9", "", nil))
}
