package sqlstore

import (
	"database/sql"
	"time"

	"github.com/tasmidur/agenda-schedular/errors"
	"github.com/tasmidur/agenda-schedular/pulse/schedule"
	"github.com/tasmidur/agenda-schedular/pulse/store"
)

func scanAll(rows *sql.Rows) ([]*store.Occurrence, error) {
	defer rows.Close()

	var out []*store.Occurrence
	for rows.Next() {
		occ, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, occ)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate occurrences")
	}
	return out, nil
}

func scanOccurrence(rows *sql.Rows) (*store.Occurrence, error) {
	var (
		occ            store.Occurrence
		kind, cron     string
		scheduleAt     sql.NullInt64
		previousID     sql.NullString
		nextRunAt      sql.NullInt64
		lockedAt       sql.NullInt64
		lastFinishedAt sql.NullInt64
		lastResult     string
		createdAt      int64
		updatedAt      int64
	)

	err := rows.Scan(
		&occ.ID,
		&occ.JobName,
		&occ.Payload,
		&kind,
		&cron,
		&scheduleAt,
		&previousID,
		&nextRunAt,
		&lockedAt,
		&occ.LockOwner,
		&lastFinishedAt,
		&lastResult,
		&occ.LastError,
		&occ.FailCount,
		&createdAt,
		&updatedAt,
		&occ.ChainID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan occurrence")
	}

	spec, err := schedule.Decode(kind, cron, nullTime(scheduleAt))
	if err != nil {
		return nil, errors.Wrapf(err, "occurrence %s", occ.ID)
	}
	occ.Schedule = spec
	occ.PreviousID = previousID.String
	occ.NextRunAt = nullTime(nextRunAt)
	occ.LockedAt = nullTime(lockedAt)
	occ.LastFinishedAt = nullTime(lastFinishedAt)
	occ.LastResult = store.Result(lastResult)
	occ.CreatedAt = store.FromMillis(createdAt)
	occ.UpdatedAt = store.FromMillis(updatedAt)
	return &occ, nil
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := store.FromMillis(v.Int64)
	return &t
}
