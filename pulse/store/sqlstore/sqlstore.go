// Package sqlstore implements store.Store on database/sql for SQLite and
// Postgres.
//
// ClaimDue is a single UPDATE whose sub-select picks the due rows, run in
// a transaction. SQLite transactions take the write lock at BEGIN
// (_txlock=immediate), so claimers serialise; Postgres adds FOR UPDATE
// SKIP LOCKED so claimers partition the due set instead of queueing.
package sqlstore

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tasmidur/agenda-schedular/db"
	"github.com/tasmidur/agenda-schedular/errors"
	"github.com/tasmidur/agenda-schedular/pulse/schedule"
	"github.com/tasmidur/agenda-schedular/pulse/store"
)

const columns = `id, job_name, payload, schedule_kind, schedule_cron, schedule_at, previous_id,
	next_run_at, locked_at, lock_owner, last_finished_at, last_result, last_error,
	fail_count, created_at, updated_at, chain_id`

// Store is the SQL-backed occurrence store.
type Store struct {
	db      *sql.DB
	dialect db.Dialect
	logger  *zap.SugaredLogger
	now     func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates a store over an already migrated database.
func New(conn *sql.DB, dialect db.Dialect, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{
		db:      conn,
		dialect: dialect,
		logger:  logger,
		now:     time.Now,
	}
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != db.Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Insert adds a new occurrence.
func (s *Store) Insert(ctx context.Context, occ *store.Occurrence) error {
	if err := s.insert(ctx, s.db, occ); err != nil {
		return err
	}
	s.logger.Debugw("Inserted occurrence",
		"occurrence_id", occ.ID,
		"job_name", occ.JobName,
		"schedule", occ.Schedule.String())
	return nil
}

func (s *Store) insert(ctx context.Context, ex execer, occ *store.Occurrence) error {
	if occ.ID == "" || occ.JobName == "" {
		return errors.NewInvalidRequestError("occurrence needs id and job name")
	}

	var scheduleAt *int64
	if occ.Schedule.Kind == schedule.KindOneTime {
		scheduleAt = store.MillisPtr(&occ.Schedule.At)
	}
	var previousID *string
	if occ.PreviousID != "" {
		previousID = &occ.PreviousID
	}
	created := occ.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	updated := occ.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	result := occ.LastResult
	if result == "" {
		result = store.ResultNone
	}

	query := s.rebind(`INSERT INTO occurrences (` + columns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := ex.ExecContext(ctx, query,
		occ.ID,
		occ.JobName,
		occ.Payload,
		string(occ.Schedule.Kind),
		occ.Schedule.Cron,
		scheduleAt,
		previousID,
		store.MillisPtr(occ.NextRunAt),
		store.MillisPtr(occ.LockedAt),
		occ.LockOwner,
		store.MillisPtr(occ.LastFinishedAt),
		string(result),
		occ.LastError,
		occ.FailCount,
		store.Millis(created),
		store.Millis(updated),
		occ.Chain(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.WithDetailf(
				errors.Wrapf(errors.ErrDuplicateID, "insert occurrence %s", occ.ID),
				"job: %s", occ.JobName)
		}
		return db.MarkClosed(errors.Wrapf(err, "failed to insert occurrence %s", occ.ID))
	}
	return nil
}

// ClaimDue locks up to req.Limit due occurrences for req.WorkerID.
func (s *Store) ClaimDue(ctx context.Context, req store.ClaimRequest) ([]*store.Occurrence, error) {
	if req.Limit <= 0 || (req.JobNames != nil && len(req.JobNames) == 0) {
		return nil, nil
	}
	now := store.Millis(req.Now)
	cutoff := store.Millis(req.StaleCutoff())
	args := []any{now, req.WorkerID, now, now, cutoff}

	nameClause := ""
	if req.JobNames != nil {
		nameClause = " AND job_name IN (?" + strings.Repeat(", ?", len(req.JobNames)-1) + ")"
		for _, name := range req.JobNames {
			args = append(args, name)
		}
	}
	args = append(args, req.Limit)

	lockClause := ""
	if s.dialect == db.Postgres {
		lockClause = " FOR UPDATE SKIP LOCKED"
	}
	query := s.rebind(`UPDATE occurrences
		SET locked_at = ?, lock_owner = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM occurrences
			WHERE next_run_at IS NOT NULL
			  AND next_run_at <= ?
			  AND (locked_at IS NULL OR locked_at < ?)` + nameClause + `
			ORDER BY next_run_at ASC, id ASC
			LIMIT ?` + lockClause + `
		)
		RETURNING ` + columns)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, db.MarkClosed(errors.Wrap(err, "failed to begin claim transaction"))
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, db.MarkClosed(errors.WithDetailf(errors.Wrap(err, "failed to claim due occurrences"), "worker: %s", req.WorkerID))
	}
	occs, err := scanAll(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, db.MarkClosed(errors.Wrap(err, "failed to commit claim"))
	}

	// RETURNING order is unspecified
	store.SortByDue(occs)
	return occs, nil
}

// Complete finishes a claimed occurrence and inserts its successor atomically.
func (s *Store) Complete(ctx context.Context, id string, c store.Completion) error {
	finished := store.Millis(c.FinishedAt)
	result := c.Result
	if result == "" {
		result = store.ResultSuccess
	}

	failCount := "0"
	if result == store.ResultFailure {
		failCount = "fail_count + 1"
	}

	query := `UPDATE occurrences
		SET locked_at = NULL,
		    lock_owner = '',
		    next_run_at = NULL,
		    last_finished_at = ?,
		    last_result = ?,
		    last_error = ?,
		    fail_count = ` + failCount + `,
		    updated_at = ?
		WHERE id = ? AND locked_at IS NOT NULL`
	args := []any{finished, string(result), c.Error, finished, id}
	if c.Owner != "" {
		query += ` AND lock_owner = ?`
		args = append(args, c.Owner)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return db.MarkClosed(errors.Wrap(err, "failed to begin complete transaction"))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return errors.Wrapf(err, "failed to complete occurrence %s", id)
	}
	if err := s.requireRow(ctx, tx, res, id); err != nil {
		return err
	}

	if c.Next != nil {
		if err := s.insert(ctx, tx, c.Next); err != nil {
			return errors.Wrapf(err, "failed to insert successor of %s", id)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit completion of %s", id)
	}
	return nil
}

// Release clears the claim on an occurrence.
func (s *Store) Release(ctx context.Context, id, owner string) error {
	query := `UPDATE occurrences SET locked_at = NULL, lock_owner = '', updated_at = ?
		WHERE id = ? AND locked_at IS NOT NULL`
	args := []any{store.Millis(s.now()), id}
	if owner != "" {
		query += ` AND lock_owner = ?`
		args = append(args, owner)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return db.MarkClosed(errors.Wrap(err, "failed to begin release transaction"))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return errors.Wrapf(err, "failed to release occurrence %s", id)
	}
	if err := s.requireRow(ctx, tx, res, id); err != nil {
		return err
	}
	return errors.Wrapf(tx.Commit(), "failed to commit release of %s", id)
}

// requireRow turns a zero-row CAS update into ErrNotFound or ErrNotClaimed.
func (s *Store) requireRow(ctx context.Context, tx *sql.Tx, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM occurrences WHERE id = ?`), id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NewNotFoundError("occurrence %s", id)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to look up occurrence %s", id)
	}
	return errors.Wrapf(errors.ErrNotClaimed, "occurrence %s", id)
}

// Get returns one occurrence.
func (s *Store) Get(ctx context.Context, id string) (*store.Occurrence, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+columns+` FROM occurrences WHERE id = ?`), id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get occurrence %s", id)
	}
	occs, err := scanAll(rows)
	if err != nil {
		return nil, err
	}
	if len(occs) == 0 {
		return nil, errors.NewNotFoundError("occurrence %s", id)
	}
	return occs[0], nil
}

// List returns occurrences matching filter. Pending occurrences come back
// in due order; otherwise most recently updated first.
func (s *Store) List(ctx context.Context, filter store.ListFilter) ([]*store.Occurrence, error) {
	var (
		where []string
		args  []any
	)
	if filter.JobName != "" {
		where = append(where, "job_name = ?")
		args = append(args, filter.JobName)
	}
	if filter.PendingOnly {
		where = append(where, "next_run_at IS NOT NULL")
	}

	query := `SELECT ` + columns + ` FROM occurrences`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if filter.PendingOnly {
		query += ` ORDER BY next_run_at ASC, id ASC`
	} else {
		query += ` ORDER BY updated_at DESC, id ASC`
	}
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list occurrences")
	}
	return scanAll(rows)
}

// ChainTail returns the occurrence of chainID that has no successor.
func (s *Store) ChainTail(ctx context.Context, chainID string) (*store.Occurrence, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+columns+` FROM occurrences o
		WHERE chain_id = ?
		  AND NOT EXISTS (SELECT 1 FROM occurrences n WHERE n.previous_id = o.id)
		ORDER BY created_at DESC, id DESC
		LIMIT 1`), chainID)
	if err != nil {
		return nil, db.MarkClosed(errors.Wrapf(err, "failed to find tail of chain %s", chainID))
	}
	occs, err := scanAll(rows)
	if err != nil {
		return nil, err
	}
	if len(occs) == 0 {
		return nil, errors.NewNotFoundError("chain %s", chainID)
	}
	return occs[0], nil
}

// Cancel consumes a pending occurrence without a successor.
func (s *Store) Cancel(ctx context.Context, id string, at time.Time) error {
	at = store.Truncate(at)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return db.MarkClosed(errors.Wrap(err, "failed to begin cancel transaction"))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE occurrences
		SET next_run_at = NULL,
		    locked_at = NULL,
		    lock_owner = '',
		    last_finished_at = ?,
		    last_result = ?,
		    last_error = '',
		    updated_at = ?
		WHERE id = ? AND next_run_at IS NOT NULL`),
		store.Millis(at), string(store.ResultCancelled), store.Millis(at), id)
	if err != nil {
		return errors.Wrapf(err, "failed to cancel occurrence %s", id)
	}
	if err := s.requireRow(ctx, tx, res, id); err != nil {
		return err
	}
	return errors.Wrapf(tx.Commit(), "failed to commit cancel of %s", id)
}

// Purge deletes consumed, unlocked occurrences finished before cutoff.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM occurrences
		WHERE next_run_at IS NULL AND locked_at IS NULL
		  AND last_finished_at IS NOT NULL AND last_finished_at < ?`), store.Millis(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge occurrences")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read purged rows")
	}
	if n > 0 {
		s.logger.Infow("Purged finished occurrences", "count", n, "cutoff", cutoff)
	}
	return int(n), nil
}
