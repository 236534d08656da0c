package factory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/devtasks/internal/store"
	pg "github.com/loykin/devtasks/internal/store/postgres"
	sq "github.com/loykin/devtasks/internal/store/sqlite"
)

// Driver names a backend as registered with database/sql.
type Driver string

const (
	SQLite   Driver = "sqlite"
	Postgres Driver = "pgx"
)

// ParseDSN maps a DSN onto a driver and the string that driver opens:
//   - "sqlite://<path>" or a bare path: sqlite on <path>
//   - "postgres://..." or "postgresql://...": pgx on the DSN unchanged
func ParseDSN(dsn string) (Driver, string, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	switch {
	case ld == "":
		return "", "", errors.New("empty DSN")
	case strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://"):
		return Postgres, d, nil
	case strings.HasPrefix(ld, "sqlite://"):
		return SQLite, d[len("sqlite://"):], nil
	case strings.Contains(ld, "://"):
		return "", "", fmt.Errorf("unsupported store DSN: %s", d)
	}
	return SQLite, d, nil
}

// NewFromDSN opens the store named by dsn; see ParseDSN.
func NewFromDSN(dsn string) (store.Store, error) {
	drv, target, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if drv == Postgres {
		return pg.New(target)
	}
	return sq.New(target)
}
