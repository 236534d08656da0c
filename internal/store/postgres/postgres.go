package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/devtasks/internal/store"
)

// DB implements store.Store on PostgreSQL through the pgx stdlib driver.
type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("empty postgres DSN")
	}
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_run(
			task_name TEXT PRIMARY KEY,
			last_run TIMESTAMPTZ NOT NULL,
			output TEXT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS watched_file(
			task_name TEXT NOT NULL,
			path TEXT NOT NULL,
			modified_ns BIGINT NOT NULL,
			content_hash TEXT NOT NULL,
			is_directory BOOLEAN NOT NULL,
			PRIMARY KEY(task_name, path)
		);`,
		`CREATE TABLE IF NOT EXISTS execution_record(
			task_name TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
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
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY(process_name, port_name)
		);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) PutTaskRun(ctx context.Context, run store.TaskRun) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO task_run(task_name, last_run, output)
		VALUES($1,$2,$3)
		ON CONFLICT(task_name) DO UPDATE SET
			last_run=EXCLUDED.last_run,
			output=EXCLUDED.output;`,
		run.Task, run.LastRun.UTC(), nullJSON(run.Output))
	return err
}

func (p *DB) GetTaskRun(ctx context.Context, task string) (store.TaskRun, error) {
	var (
		r   store.TaskRun
		out sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `SELECT task_name, last_run, output FROM task_run WHERE task_name=$1;`, task).
		Scan(&r.Task, &r.LastRun, &out)
	if errors.Is(err, sql.ErrNoRows) {
		return r, store.ErrNotFound
	}
	if out.Valid {
		r.Output = []byte(out.String)
	}
	return r, err
}

func (p *DB) PutFileState(ctx context.Context, fs store.FileState) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO watched_file(task_name, path, modified_ns, content_hash, is_directory)
		VALUES($1,$2,$3,$4,$5)
		ON CONFLICT(task_name, path) DO UPDATE SET
			modified_ns=EXCLUDED.modified_ns,
			content_hash=EXCLUDED.content_hash,
			is_directory=EXCLUDED.is_directory;`,
		fs.Task, fs.Path, fs.ModTime.UnixNano(), fs.Hash, fs.IsDir)
	return err
}

func (p *DB) GetFileState(ctx context.Context, task, path string) (store.FileState, error) {
	var (
		fs store.FileState
		ns int64
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT task_name, path, modified_ns, content_hash, is_directory
		FROM watched_file WHERE task_name=$1 AND path=$2;`, task, path).
		Scan(&fs.Task, &fs.Path, &ns, &fs.Hash, &fs.IsDir)
	if errors.Is(err, sql.ErrNoRows) {
		return fs, store.ErrNotFound
	}
	fs.ModTime = time.Unix(0, ns)
	return fs, err
}

func (p *DB) ListFileStates(ctx context.Context, task string) ([]store.FileState, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT task_name, path, modified_ns, content_hash, is_directory
		FROM watched_file WHERE task_name=$1 ORDER BY path;`, task)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
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

func (p *DB) PutExecution(ctx context.Context, rec store.ExecutionRecord) error {
	times, err := store.EncodeTimes(rec.RestartTimes)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO execution_record(task_name, status, started_at, ended_at, restarts, restart_times, fingerprint, output)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT(task_name) DO UPDATE SET
			status=EXCLUDED.status,
			started_at=EXCLUDED.started_at,
			ended_at=EXCLUDED.ended_at,
			restarts=EXCLUDED.restarts,
			restart_times=EXCLUDED.restart_times,
			fingerprint=EXCLUDED.fingerprint,
			output=EXCLUDED.output;`,
		rec.Task, rec.Status, rec.StartedAt.UTC(), rec.EndedAt.UTC(), rec.Restarts, times, rec.Fingerprint, nullJSON(rec.Output))
	return err
}

func (p *DB) GetExecution(ctx context.Context, task string) (store.ExecutionRecord, error) {
	var (
		r     store.ExecutionRecord
		times string
		out   sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT task_name, status, started_at, ended_at, restarts, restart_times, fingerprint, output
		FROM execution_record WHERE task_name=$1;`, task).
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

func (p *DB) PutPort(ctx context.Context, pa store.PortAllocation) error {
	if pa.UpdatedAt.IsZero() {
		pa.UpdatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO port_allocation(process_name, port_name, base_port, port, updated_at)
		VALUES($1,$2,$3,$4,$5)
		ON CONFLICT(process_name, port_name) DO UPDATE SET
			base_port=EXCLUDED.base_port,
			port=EXCLUDED.port,
			updated_at=EXCLUDED.updated_at;`,
		pa.Process, pa.Port, pa.Base, pa.Resolved, pa.UpdatedAt.UTC())
	return err
}

func (p *DB) GetPort(ctx context.Context, process, port string) (store.PortAllocation, error) {
	var pa store.PortAllocation
	err := p.db.QueryRowContext(ctx, `
		SELECT process_name, port_name, base_port, port, updated_at
		FROM port_allocation WHERE process_name=$1 AND port_name=$2;`, process, port).
		Scan(&pa.Process, &pa.Port, &pa.Base, &pa.Resolved, &pa.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return pa, store.ErrNotFound
	}
	return pa, err
}

func (p *DB) ListPorts(ctx context.Context) ([]store.PortAllocation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT process_name, port_name, base_port, port, updated_at
		FROM port_allocation ORDER BY process_name, port_name;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
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

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
