package commands

import (
	"database/sql"

	"github.com/tasmidur/agenda-schedular/config"
	"github.com/tasmidur/agenda-schedular/db"
	"github.com/tasmidur/agenda-schedular/errors"
	"github.com/tasmidur/agenda-schedular/logger"
)

// openDatabase opens and migrates the database named by cfg.
// Uses logger.Logger for db operations.
func openDatabase(cfg *config.Config) (*sql.DB, db.Dialect, error) {
	dialect, target, err := databaseTarget(cfg)
	if err != nil {
		return nil, "", err
	}
	if target == "" {
		if dialect == db.Postgres {
			return nil, "", errors.WithHint(
				errors.New("postgres selected without a DSN"),
				"set [database] dsn or PULSE_DATABASE_DSN")
		}
		target = config.DefaultDatabasePath
	}

	database, err := db.Open(dialect, target, logger.Logger)
	if err != nil {
		return nil, "", errors.Wrapf(err, "failed to open %s database", dialect)
	}

	if err := db.Migrate(database, dialect, logger.Logger); err != nil {
		database.Close()
		return nil, "", errors.Wrapf(err, "failed to run migrations on %s database", dialect)
	}

	return database, dialect, nil
}
