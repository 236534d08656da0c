package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/devtasks/internal/events"
	"github.com/loykin/devtasks/internal/history"
)

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

func New(opts Options) (*Sink, error) {
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	if opts.Table == "" {
		opts.Table = "task_events"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return &Sink{conn: conn, table: opts.Table}, nil
}

// EnsureTable creates the events table with a MergeTree engine.
func (s *Sink) EnsureTable(ctx context.Context) error {
	return s.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		event_id String,
		run_id String,
		type LowCardinality(String),
		occurred_at DateTime64(6),
		node String,
		from_state String,
		to_state String,
		reason String,
		error String,
		stream String,
		line String,
		port_name String,
		base_port UInt32,
		port UInt32
	) ENGINE = MergeTree()
	ORDER BY (occurred_at, node)`)
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e events.Event) error {
	r := history.Flatten(e)
	query := fmt.Sprintf(`INSERT INTO %s (event_id, run_id, type, occurred_at, node, from_state, to_state, reason, error, stream, line, port_name, base_port, port) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	err := s.conn.Exec(ctx, query,
		r.ID, r.RunID, r.Type, r.At, r.Node,
		r.From, r.To, r.Reason, r.Error,
		r.Stream, r.Line, r.Port, uint32(r.Base), uint32(r.Resolved),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

// Count returns the number of rows stored for node.
func (s *Sink) Count(ctx context.Context, node string) (uint64, error) {
	var n uint64
	row := s.conn.QueryRow(ctx, fmt.Sprintf(`SELECT count() FROM %s WHERE node = ?`, s.table), node)
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
