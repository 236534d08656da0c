package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/devtasks/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// path is a filesystem path to the database file. Use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path, creating its directory when needed.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	memory := p == ":memory:" || strings.Contains(p, "mode=memory")
	if !memory {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, err
		}
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if memory {
		// every connection of an in-memory database is a separate database
		d.SetMaxOpenConns(1)
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_run(
			task_name TEXT PRIMARY KEY,
			last_run TIMESTAMP NOT NULL,
			output TEXT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS watched_file(
			task_name TEXT NOT NULL,
			path TEXT NOT NULL,
			modified_ns INTEGER NOT NULL,
			content_hash TEXT NOT NULL,
			is_directory BOOLEAN NOT NULL,
			PRIMARY KEY(task_name, path)
		);`,
		`CREATE TABLE IF NOT EXISTS execution_record(
			task_name TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP NOT NULL,
			restarts INTEGER NOT NULL,
			restart_times TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			output TEXT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS port_allocation(
			process_name TEXT NOT NULL,
			port_name TEXT NOT NULL,
			base_port INTEGER NOT NULL,
			port INTEGER NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY(process_name, port_name)
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) PutTaskRun(ctx context.Context, run store.TaskRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_run(task_name, last_run, output)
		VALUES(?, ?, ?)
		ON CONFLICT(task_name) DO UPDATE SET
			last_run=excluded.last_run,
			output=excluded.output;`,
		run.Task, run.LastRun.UTC(), nullJSON(run.Output))
	return err
}

func (s *DB) GetTaskRun(ctx context.Context, task string) (store.TaskRun, error) {
	var (
		r   store.TaskRun
		out sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT task_name, last_run, output FROM task_run WHERE task_name=?;`, task).
		Scan(&r.Task, &r.LastRun, &out)
	if errors.Is(err, sql.ErrNoRows) {
		return r, store.ErrNotFound
	}
	if out.Valid {
		r.Output = []byte(out.String)
	}
	return r, err
}

func (s *DB) PutFileState(ctx context.Context, fs store.FileState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watched_file(task_name, path, modified_ns, content_hash, is_directory)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(task_name, path) DO UPDATE SET
			modified_ns=excluded.modified_ns,
			content_hash=excluded.content_hash,
			is_directory=excluded.is_directory;`,
		fs.Task, fs.Path, fs.ModTime.UnixNano(), fs.Hash, fs.IsDir)
	return err
}

func (s *DB) GetFileState(ctx context.Context, task, path string) (store.FileState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_name, path, modified_ns, content_hash, is_directory
		FROM watched_file WHERE task_name=? AND path=?;`, task, path)
	if err != nil {
		return store.FileState{}, err
	}
	defer func() { _ = rows.Close() }()
	states, err := scanFileStates(rows)
	if err != nil {
		return store.FileState{}, err
	}
	if len(states) == 0 {
		return store.FileState{}, store.ErrNotFound
	}
	return states[0], nil
}

func (s *DB) ListFileStates(ctx context.Context, task string) ([]store.FileState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_name, path, modified_ns, content_hash, is_directory
		FROM watched_file WHERE task_name=? ORDER BY path;`, task)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanFileStates(rows)
}

func (s *DB) PutExecution(ctx context.Context, rec store.ExecutionRecord) error {
	times, err := store.EncodeTimes(rec.RestartTimes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_record(task_name, status, started_at, ended_at, restarts, restart_times, fingerprint, output)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_name) DO UPDATE SET
			status=excluded.status,
			started_at=excluded.started_at,
			ended_at=excluded.ended_at,
			restarts=excluded.restarts,
			restart_times=excluded.restart_times,
			fingerprint=excluded.fingerprint,
			output=excluded.output;`,
		rec.Task, rec.Status, rec.StartedAt.UTC(), rec.EndedAt.UTC(), rec.Restarts, times, rec.Fingerprint, nullJSON(rec.Output))
	return err
}

func (s *DB) GetExecution(ctx context.Context, task string) (store.ExecutionRecord, error) {
	var (
		r     store.ExecutionRecord
		times string
		out   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT task_name, status, started_at, ended_at, restarts, restart_times, fingerprint, output
		FROM execution_record WHERE task_name=?;`, task).
		Scan(&r.Task, &r.Status, &r.StartedAt, &r.EndedAt, &r.Restarts, &times, &r.Fingerprint, &out)
	if errors.Is(err, sql.ErrNoRows) {
		return r, store.ErrNotFound
	}
	if err != nil {
		return r, err
	}
	if out.Valid {
		r.Output = []byte(out.String)
	}
	r.RestartTimes, err = store.DecodeTimes(times)
	return r, err
}

func (s *DB) PutPort(ctx context.Context, pa store.PortAllocation) error {
	if pa.UpdatedAt.IsZero() {
		pa.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO port_allocation(process_name, port_name, base_port, port, updated_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(process_name, port_name) DO UPDATE SET
			base_port=excluded.base_port,
			port=excluded.port,
			updated_at=excluded.updated_at;`,
		pa.Process, pa.Port, pa.Base, pa.Resolved, pa.UpdatedAt.UTC())
	return err
}

func (s *DB) GetPort(ctx context.Context, process, port string) (store.PortAllocation, error) {
	var pa store.PortAllocation
	err := s.db.QueryRowContext(ctx, `
		SELECT process_name, port_name, base_port, port, updated_at
		FROM port_allocation WHERE process_name=? AND port_name=?;`, process, port).
		Scan(&pa.Process, &pa.Port, &pa.Base, &pa.Resolved, &pa.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return pa, store.ErrNotFound
	}
	return pa, err
}

func (s *DB) ListPorts(ctx context.Context) ([]store.PortAllocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT process_name, port_name, base_port, port, updated_at
		FROM port_allocation ORDER BY process_name, port_name;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.PortAllocation, 0)
	for rows.Next() {
		var pa store.PortAllocation
		if err := rows.Scan(&pa.Process, &pa.Port, &pa.Base, &pa.Resolved, &pa.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, pa)
	}
	return out, rows.Err()
}

func scanFileStates(rows *sql.Rows) ([]store.FileState, error) {
	out := make([]store.FileState, 0)
	for rows.Next() {
		var (
			fs store.FileState
			ns int64
		)
		if err := rows.Scan(&fs.Task, &fs.Path, &ns, &fs.Hash, &fs.IsDir); err != nil {
			return nil, err
		}
		fs.ModTime = time.Unix(0, ns)
		out = append(out, fs)
	}
	return out, rows.Err()
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
