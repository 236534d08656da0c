package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/devtasks/internal/events"
)

// startClickHouse starts a ClickHouse container and returns its native
// address. It skips the test if Docker is unavailable.
func startClickHouse(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	container, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start ClickHouse container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return host + ":" + port.Port()
}

func TestClickHouseSinkIntegration(t *testing.T) {
	addr := startClickHouse(t)
	ctx := context.Background()

	sink, err := New(Options{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	require.NoError(t, sink.EnsureTable(ctx))

	state := events.NodeStateChanged("app:db", "running", "process_ready", "", nil)
	state.ID, state.RunID, state.At = "e1", "run", time.Now()
	port := events.PortAllocated("app:db", "http", 8080, 8081)
	port.ID, port.RunID, port.At = "e2", "run", time.Now()

	require.NoError(t, sink.Send(ctx, state))
	require.NoError(t, sink.Send(ctx, port))

	n, err := sink.Count(ctx, "app:db")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

func TestClickHouseConnectionError(t *testing.T) {
	_, err := New(Options{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
