package sqlstore

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tasmidur/agenda-schedular/db"
	"github.com/tasmidur/agenda-schedular/errors"
	qtest "github.com/tasmidur/agenda-schedular/internal/testing"
	"github.com/tasmidur/agenda-schedular/pulse/schedule"
	"github.com/tasmidur/agenda-schedular/pulse/store"
	"github.com/tasmidur/agenda-schedular/pulse/store/storetest"
)

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return New(qtest.CreateTestDB(t), db.SQLite, zaptest.NewLogger(t).Sugar())
	})
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return New(conn, db.Postgres, nil), mock
}

func TestRebind(t *testing.T) {
	pg, _ := newMockStore(t)
	assert.Equal(t, "a = $1 AND b IN ($2, $3)", pg.rebind("a = ? AND b IN (?, ?)"))

	lite := New(nil, db.SQLite, nil)
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestPostgresClaimUsesSkipLocked(t *testing.T) {
	s, mock := newMockStore(t)
	now := storetest.T0
	nowMs := now.UnixMilli()
	cutoff := now.Add(-time.Minute).UnixMilli()

	cols := strings.Split(strings.Join(strings.Fields(columns), ""), ",")
	rows := sqlmock.NewRows(cols).
		AddRow("b", "sync", nil, "immediate", "", nil, nil, nowMs, nowMs, "w1", nil, "none", "", 0, nowMs, nowMs, "b").
		AddRow("a", "sync", []byte(`{}`), "recurring", "*/5 * * * *", nil, "prev", nowMs, nowMs, "w1", nil, "failure", "boom", 2, nowMs, nowMs, "head")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("LIMIT $6 FOR UPDATE SKIP LOCKED")).
		WithArgs(nowMs, "w1", nowMs, nowMs, cutoff, 10).
		WillReturnRows(rows)
	mock.ExpectCommit()

	occs, err := s.ClaimDue(context.Background(), store.ClaimRequest{
		Limit:              10,
		WorkerID:           "w1",
		StaleLockThreshold: time.Minute,
		Now:                now,
	})
	require.NoError(t, err)
	require.Len(t, occs, 2)

	assert.Equal(t, "a", occs[0].ID, "sorted by due time then id")
	assert.Equal(t, schedule.Recurring("*/5 * * * *"), occs[0].Schedule)
	assert.Equal(t, "prev", occs[0].PreviousID)
	assert.Equal(t, "head", occs[0].ChainID)
	assert.Equal(t, 2, occs[0].FailCount)
	assert.Equal(t, store.ResultFailure, occs[0].LastResult)
	assert.Equal(t, "b", occs[1].ID)
	assert.Equal(t, schedule.Immediate(), occs[1].Schedule)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimFiltersJobNames(t *testing.T) {
	s, mock := newMockStore(t)
	now := storetest.T0
	nowMs := now.UnixMilli()

	cols := strings.Split(strings.Join(strings.Fields(columns), ""), ",")
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("AND job_name IN ($6, $7)")).
		WithArgs(nowMs, "w1", nowMs, nowMs, sqlmock.AnyArg(), "digest", "sync", 10).
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectCommit()

	occs, err := s.ClaimDue(context.Background(), store.ClaimRequest{
		Limit:    10,
		WorkerID: "w1",
		Now:      now,
		JobNames: []string{"digest", "sync"},
	})
	require.NoError(t, err)
	assert.Empty(t, occs)

	// No registered names, nothing to claim and no query.
	occs, err = s.ClaimDue(context.Background(), store.ClaimRequest{Limit: 10, Now: now, JobNames: []string{}})
	require.NoError(t, err)
	assert.Empty(t, occs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimOnClosedDatabaseIsMarked(t *testing.T) {
	conn := qtest.CreateTestDB(t)
	s := New(conn, db.SQLite, nil)
	require.NoError(t, conn.Close())

	_, err := s.ClaimDue(context.Background(), store.ClaimRequest{Limit: 1, WorkerID: "w1", Now: storetest.T0})
	require.Error(t, err)
	assert.True(t, errors.IsStoreClosedError(err), "got %v", err)
}

func TestPostgresClaimZeroLimit(t *testing.T) {
	s, mock := newMockStore(t)
	occs, err := s.ClaimDue(context.Background(), store.ClaimRequest{Limit: 0, Now: storetest.T0})
	require.NoError(t, err)
	assert.Empty(t, occs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimErrorRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE occurrences").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := s.ClaimDue(context.Background(), store.ClaimRequest{Limit: 5, WorkerID: "w1", Now: storetest.T0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Contains(t, errors.GetAllDetails(err), "worker: w1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDuplicateInsert(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO occurrences")).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "occurrences_pkey"})

	err := s.Insert(context.Background(), storetest.Occurrence("dup", "sync", schedule.Immediate(), storetest.T0))
	assert.True(t, errors.Is(err, errors.ErrDuplicateID), "got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompleteRollsBackWhenSuccessorFails(t *testing.T) {
	s, mock := newMockStore(t)
	prev := storetest.Occurrence("p", "sync", schedule.Recurring("*/5 * * * *"), storetest.T0)
	next := store.Successor(prev, storetest.T0.Add(5*time.Minute), store.ResultSuccess, storetest.T0)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("fail_count = 0")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO occurrences")).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.Complete(context.Background(), "p", store.Completion{
		Result:     store.ResultSuccess,
		FinishedAt: storetest.T0,
		Next:       next,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "successor of p")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompleteFailureIncrementsAndFences(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("fail_count = fail_count + 1")).
		WithArgs(sqlmock.AnyArg(), "failure", "boom", sqlmock.AnyArg(), "p", "w1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Complete(context.Background(), "p", store.Completion{
		Result:     store.ResultFailure,
		Error:      "boom",
		FinishedAt: storetest.T0,
		Owner:      "w1",
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReleaseNotClaimed(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE occurrences SET locked_at = NULL")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM occurrences WHERE id = $1")).
		WithArgs("x").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(1))
	mock.ExpectRollback()

	err := s.Release(context.Background(), "x", "")
	assert.True(t, errors.Is(err, errors.ErrNotClaimed), "got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteSuccessorUniqueness(t *testing.T) {
	s := New(qtest.CreateTestDB(t), db.SQLite, nil)
	ctx := context.Background()

	a := storetest.Occurrence("a", "sync", schedule.Immediate(), storetest.T0)
	a.PreviousID = "root"
	require.NoError(t, s.Insert(ctx, a))

	b := storetest.Occurrence("b", "sync", schedule.Immediate(), storetest.T0)
	b.PreviousID = "root"
	err := s.Insert(ctx, b)
	assert.True(t, errors.Is(err, errors.ErrDuplicateID), "got %v", err)
}
