package db

import (
	"strings"

	"github.com/tasmidur/agenda-schedular/errors"
)

// database/sql does not export the error it returns after DB.Close.
const closedMessage = "sql: database is closed"

// IsDatabaseClosed reports whether err comes from a *sql.DB used after
// Close, or was already marked with errors.ErrStoreClosed.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	return errors.IsStoreClosedError(err) || strings.Contains(err.Error(), closedMessage)
}

// MarkClosed tags a closed-database error with errors.ErrStoreClosed so the
// poll loop can tell a shutdown from a failing store. Other errors are
// returned unchanged.
func MarkClosed(err error) error {
	if err == nil || errors.IsStoreClosedError(err) || !IsDatabaseClosed(err) {
		return err
	}
	return errors.Mark(err, errors.ErrStoreClosed)
}
