package main

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devtasks/internal/scheduler"
	"github.com/loykin/devtasks/internal/server"
	"github.com/loykin/devtasks/pkg/client"
)

type staticTasks struct{ retriggered []string }

func (s *staticTasks) Snapshot() []scheduler.NodeStatus {
	return []scheduler.NodeStatus{
		{Name: "app:build", Kind: "oneshot", StateName: "failed", Error: "exit status 2"},
	}
}

func (s *staticTasks) Retrigger(name string) error {
	s.retriggered = append(s.retriggered, name)
	return nil
}

func remoteFlags(t *testing.T) (RemoteFlags, *staticTasks) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	tasks := &staticTasks{}
	ts := httptest.NewServer(server.NewRouter(tasks, "").Handler())
	t.Cleanup(ts.Close)
	return RemoteFlags{APIUrl: ts.URL, APITimeout: time.Second}, tasks
}

func TestStatusTable(t *testing.T) {
	f, _ := remoteFlags(t)
	c, out, _ := newTestCommand(t)
	require.NoError(t, c.Status(context.Background(), f, ""))
	assert.Contains(t, out.String(), "app:build")
	assert.Contains(t, out.String(), "exit status 2")
}

func TestRetriggerCommand(t *testing.T) {
	f, tasks := remoteFlags(t)
	c, out, _ := newTestCommand(t)
	require.NoError(t, c.Retrigger(context.Background(), f, "app:build"))
	assert.Equal(t, []string{"app:build"}, tasks.retriggered)
	assert.Contains(t, out.String(), "retriggered app:build")
}

func TestRestartWithoutSupervisor(t *testing.T) {
	f, _ := remoteFlags(t)
	c, _, _ := newTestCommand(t)
	assert.ErrorIs(t, c.Restart(context.Background(), f, "app:db"), client.ErrNotFound)
}

func TestStatusUnreachable(t *testing.T) {
	c, _, _ := newTestCommand(t)
	err := c.Status(context.Background(), RemoteFlags{APIUrl: "http://127.0.0.1:1", APITimeout: 200 * time.Millisecond}, "")
	assert.ErrorContains(t, err, "not reachable")
}
