// Package storetest holds a conformance suite shared by the store backends.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devtasks/internal/store"
)

// Run exercises every Store method against s. The schema must not exist yet
// or be empty.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.EnsureSchema(ctx))
	require.NoError(t, s.EnsureSchema(ctx))

	t.Run("task_run", func(t *testing.T) {
		_, err := s.GetTaskRun(ctx, "app:build")
		assert.True(t, errors.Is(err, store.ErrNotFound))

		now := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, s.PutTaskRun(ctx, store.TaskRun{Task: "app:build", LastRun: now, Output: []byte(`{"a":1}`)}))
		got, err := s.GetTaskRun(ctx, "app:build")
		require.NoError(t, err)
		assert.True(t, now.Equal(got.LastRun))
		assert.JSONEq(t, `{"a":1}`, string(got.Output))

		require.NoError(t, s.PutTaskRun(ctx, store.TaskRun{Task: "app:build", LastRun: now}))
		got, err = s.GetTaskRun(ctx, "app:build")
		require.NoError(t, err)
		assert.Empty(t, got.Output)
	})

	t.Run("watched_file", func(t *testing.T) {
		_, err := s.GetFileState(ctx, "app:build", "main.go")
		assert.True(t, errors.Is(err, store.ErrNotFound))

		mt := time.Unix(1700000000, 123456789)
		require.NoError(t, s.PutFileState(ctx, store.FileState{Task: "app:build", Path: "main.go", ModTime: mt, Hash: "h1"}))
		require.NoError(t, s.PutFileState(ctx, store.FileState{Task: "app:build", Path: "lib", ModTime: mt, Hash: "", IsDir: true}))
		got, err := s.GetFileState(ctx, "app:build", "main.go")
		require.NoError(t, err)
		assert.True(t, mt.Equal(got.ModTime))
		assert.Equal(t, "h1", got.Hash)

		require.NoError(t, s.PutFileState(ctx, store.FileState{Task: "app:build", Path: "main.go", ModTime: mt, Hash: "h2"}))
		all, err := s.ListFileStates(ctx, "app:build")
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "lib", all[0].Path)
		assert.True(t, all[0].IsDir)
		assert.Equal(t, "h2", all[1].Hash)

		other, err := s.ListFileStates(ctx, "app:other")
		require.NoError(t, err)
		assert.Empty(t, other)
	})

	t.Run("execution_record", func(t *testing.T) {
		_, err := s.GetExecution(ctx, "svc:api")
		assert.True(t, errors.Is(err, store.ErrNotFound))

		start := time.Now().UTC().Truncate(time.Millisecond)
		rec := store.ExecutionRecord{
			Task:         "svc:api",
			Status:       store.StatusFailed,
			StartedAt:    start,
			EndedAt:      start.Add(time.Second),
			Restarts:     2,
			RestartTimes: []time.Time{start, start.Add(500 * time.Millisecond)},
			Fingerprint:  "abc",
		}
		require.NoError(t, s.PutExecution(ctx, rec))
		got, err := s.GetExecution(ctx, "svc:api")
		require.NoError(t, err)
		assert.Equal(t, store.StatusFailed, got.Status)
		assert.Equal(t, 2, got.Restarts)
		require.Len(t, got.RestartTimes, 2)
		assert.True(t, start.Equal(got.RestartTimes[0]))
		assert.Equal(t, "abc", got.Fingerprint)

		rec.Status = store.StatusSucceeded
		rec.RestartTimes = nil
		rec.Output = []byte(`{"ok":true}`)
		require.NoError(t, s.PutExecution(ctx, rec))
		got, err = s.GetExecution(ctx, "svc:api")
		require.NoError(t, err)
		assert.Equal(t, store.StatusSucceeded, got.Status)
		assert.Empty(t, got.RestartTimes)
		assert.JSONEq(t, `{"ok":true}`, string(got.Output))
	})

	t.Run("port_allocation", func(t *testing.T) {
		_, err := s.GetPort(ctx, "svc:api", "http")
		assert.True(t, errors.Is(err, store.ErrNotFound))

		require.NoError(t, s.PutPort(ctx, store.PortAllocation{Process: "svc:api", Port: "http", Base: 8080, Resolved: 8081}))
		require.NoError(t, s.PutPort(ctx, store.PortAllocation{Process: "svc:api", Port: "grpc", Base: 9090, Resolved: 9090}))
		got, err := s.GetPort(ctx, "svc:api", "http")
		require.NoError(t, err)
		assert.Equal(t, 8080, got.Base)
		assert.Equal(t, 8081, got.Resolved)

		require.NoError(t, s.PutPort(ctx, store.PortAllocation{Process: "svc:api", Port: "http", Base: 8000, Resolved: 8000}))
		all, err := s.ListPorts(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "grpc", all[0].Port)
		assert.Equal(t, 8000, all[1].Resolved)
	})
}
