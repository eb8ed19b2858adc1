// Package db opens the scheduler's SQL database and applies its schema.
package db

import (
	"database/sql"
	"net/url"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/tasmidur/agenda-schedular/errors"
)

// Dialect names the SQL flavour behind a *sql.DB.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

// SQLiteBusyTimeoutMS is how long a SQLite connection waits on a locked
// database before failing with SQLITE_BUSY.
const SQLiteBusyTimeoutMS = 5000

// ParseDialect maps a driver name from config to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	default:
		return "", errors.Newf("unsupported database driver %q", driver)
	}
}

// Open opens a database for the given dialect. For SQLite target is a file
// path; for Postgres it is a connection string.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(dialect Dialect, target string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "dialect", dialect)
	}

	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case SQLite:
		db, err = sql.Open("sqlite3", SQLiteDSN(target))
	case Postgres:
		db, err = sql.Open("pgx", target)
	default:
		return nil, errors.Newf("unsupported dialect %q", dialect)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to connect to %s database", dialect)
	}

	if logger != nil {
		logger.Infow("Database opened", "dialect", dialect)
	}
	return db, nil
}

// SQLiteDSN builds a go-sqlite3 DSN for path. Every pooled connection gets
// WAL, foreign keys and a busy timeout, and transactions take the write
// lock at BEGIN so concurrent claimers serialise instead of deadlocking.
func SQLiteDSN(path string) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_foreign_keys", "on")
	q.Set("_busy_timeout", "5000")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// OpenWithMigrations opens the database and brings its schema up to date.
func OpenWithMigrations(dialect Dialect, target string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(dialect, target, logger)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, dialect, logger); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}
	return db, nil
}
