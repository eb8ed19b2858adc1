package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/tasmidur/agenda-schedular/errors"
)

//go:embed sqlite/migrations/*.sql postgres/migrations/*.sql
var migrations embed.FS

func migrationDir(dialect Dialect) string {
	if dialect == Postgres {
		return "postgres/migrations"
	}
	return "sqlite/migrations"
}

// Migrate runs all pending migrations for the dialect.
// If logger is provided, logs migration progress; otherwise operates silently.
func Migrate(db *sql.DB, dialect Dialect, logger *zap.SugaredLogger) error {
	dir := migrationDir(dialect)
	entries, err := migrations.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}

	// 000_create_schema_migrations.sql sorts first
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	existsQuery := "SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)"
	recordQuery := "INSERT INTO schema_migrations (version) VALUES (?)"
	if dialect == Postgres {
		existsQuery = "SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)"
		recordQuery = "INSERT INTO schema_migrations (version) VALUES ($1)"
	}

	applied := 0
	for _, filename := range files {
		version := strings.Split(filename, "_")[0]

		var exists bool
		if err := db.QueryRow(existsQuery, version).Scan(&exists); err != nil {
			// Table missing: only the bootstrap migration may run now
			if version != "000" {
				return errors.Newf("schema_migrations table missing, but migration is not 000: %s", filename)
			}
		} else if exists {
			if logger != nil {
				logger.Debugw("Skipping migration (already applied)", "migration", filename)
			}
			continue
		}

		body, err := migrations.ReadFile(path.Join(dir, filename))
		if err != nil {
			return errors.Wrapf(err, "read %s", filename)
		}

		if logger != nil {
			logger.Infow("Applying migration", "migration", filename, "version", version)
		}

		tx, err := db.Begin()
		if err != nil {
			return errors.Wrapf(err, "begin tx for %s", filename)
		}
		if _, err := tx.Exec(string(body)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "execute %s", filename)
		}
		if _, err := tx.Exec(recordQuery, version); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record %s", filename)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit %s", filename)
		}
		applied++
	}

	if logger != nil {
		logger.Infow("Migrations complete",
			"dialect", dialect,
			"total_migrations", len(files),
			"applied", applied,
		)
	}
	return nil
}
