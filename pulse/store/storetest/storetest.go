// Package storetest is a conformance suite every store.Store backend runs.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasmidur/agenda-schedular/errors"
	"github.com/tasmidur/agenda-schedular/pulse/schedule"
	"github.com/tasmidur/agenda-schedular/pulse/store"
)

// Factory returns an empty store owned by the test.
type Factory func(t *testing.T) store.Store

// T0 is the reference instant the suite schedules around.
var T0 = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

const stale = 10 * time.Minute

// Run executes the full suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, newStore(t)) })
	t.Run("ClaimOrdering", func(t *testing.T) { testClaimOrdering(t, newStore(t)) })
	t.Run("ClaimSkipsNotDue", func(t *testing.T) { testClaimSkipsNotDue(t, newStore(t)) })
	t.Run("StaleLockReclaim", func(t *testing.T) { testStaleLockReclaim(t, newStore(t)) })
	t.Run("ConcurrentClaimers", func(t *testing.T) { testConcurrentClaimers(t, newStore(t)) })
	t.Run("CompleteSuccess", func(t *testing.T) { testCompleteSuccess(t, newStore(t)) })
	t.Run("CompleteTwice", func(t *testing.T) { testCompleteTwice(t, newStore(t)) })
	t.Run("CompleteFailureChain", func(t *testing.T) { testCompleteFailureChain(t, newStore(t)) })
	t.Run("CompleteOwnerFencing", func(t *testing.T) { testCompleteOwnerFencing(t, newStore(t)) })
	t.Run("CompleteUnknown", func(t *testing.T) { testCompleteUnknown(t, newStore(t)) })
	t.Run("Release", func(t *testing.T) { testRelease(t, newStore(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newStore(t)) })
	t.Run("Purge", func(t *testing.T) { testPurge(t, newStore(t)) })
	t.Run("ClaimJobNames", func(t *testing.T) { testClaimJobNames(t, newStore(t)) })
	t.Run("ChainTail", func(t *testing.T) { testChainTail(t, newStore(t)) })
	t.Run("Cancel", func(t *testing.T) { testCancel(t, newStore(t)) })
}

// Occurrence builds an unclaimed occurrence with a fixed id.
func Occurrence(id, jobName string, spec schedule.Spec, runAt time.Time) *store.Occurrence {
	occ := store.New(jobName, spec, []byte(`{"k":"v"}`), runAt, T0)
	occ.ID = id
	return occ
}

func claim(t *testing.T, s store.Store, worker string, now time.Time, limit int) []*store.Occurrence {
	t.Helper()
	occs, err := s.ClaimDue(context.Background(), store.ClaimRequest{
		Limit:              limit,
		WorkerID:           worker,
		StaleLockThreshold: stale,
		Now:                now,
	})
	require.NoError(t, err)
	return occs
}

func ids(occs []*store.Occurrence) []string {
	out := make([]string, 0, len(occs))
	for _, o := range occs {
		out = append(out, o.ID)
	}
	return out
}

func successors(t *testing.T, s store.Store, jobName, prevID string) []*store.Occurrence {
	t.Helper()
	all, err := s.List(context.Background(), store.ListFilter{JobName: jobName})
	require.NoError(t, err)
	var out []*store.Occurrence
	for _, o := range all {
		if o.PreviousID == prevID {
			out = append(out, o)
		}
	}
	return out
}

func testInsertAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	at := T0.Add(time.Hour)
	occ := Occurrence("occ-1", "report", schedule.OneTime(at), at)

	require.NoError(t, s.Insert(ctx, occ))

	got, err := s.Get(ctx, "occ-1")
	require.NoError(t, err)
	assert.Equal(t, "report", got.JobName)
	assert.Equal(t, []byte(`{"k":"v"}`), got.Payload)
	assert.Equal(t, schedule.OneTime(at), got.Schedule)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, at.Equal(*got.NextRunAt))
	assert.Nil(t, got.LockedAt)
	assert.Equal(t, store.ResultNone, got.LastResult)
	assert.Zero(t, got.FailCount)

	err = s.Insert(ctx, Occurrence("occ-1", "other", schedule.Immediate(), T0))
	assert.True(t, errors.Is(err, errors.ErrDuplicateID), "got %v", err)

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err), "got %v", err)
}

func testClaimOrdering(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, occ := range []*store.Occurrence{
		Occurrence("b", "sync", schedule.Immediate(), T0),
		Occurrence("a", "sync", schedule.Immediate(), T0),
		Occurrence("c", "sync", schedule.Immediate(), T0),
		Occurrence("z", "sync", schedule.Immediate(), T0.Add(-time.Minute)),
	} {
		require.NoError(t, s.Insert(ctx, occ))
	}

	first := claim(t, s, "w1", T0, 3)
	assert.Equal(t, []string{"z", "a", "b"}, ids(first))
	for _, o := range first {
		require.NotNil(t, o.LockedAt)
		assert.True(t, T0.Equal(*o.LockedAt))
		assert.Equal(t, "w1", o.LockOwner)
	}

	rest := claim(t, s, "w2", T0, 3)
	assert.Equal(t, []string{"c"}, ids(rest))

	assert.Empty(t, claim(t, s, "w3", T0, 3))
}

func testClaimSkipsNotDue(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, Occurrence("later", "digest", schedule.Recurring("0 12 * * *"), T0.Add(4*time.Hour))))

	assert.Empty(t, claim(t, s, "w1", T0, 10))
	assert.Equal(t, []string{"later"}, ids(claim(t, s, "w1", T0.Add(4*time.Hour), 10)))
}

func testStaleLockReclaim(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, Occurrence("occ", "sync", schedule.Immediate(), T0)))

	require.Len(t, claim(t, s, "crashed", T0, 1), 1)

	assert.Empty(t, claim(t, s, "w2", T0.Add(stale), 1), "lock exactly at threshold is not stale")

	reclaimed := claim(t, s, "w2", T0.Add(stale+time.Second), 1)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "w2", reclaimed[0].LockOwner)

	got, err := s.Get(ctx, "occ")
	require.NoError(t, err)
	assert.Equal(t, "w2", got.LockOwner)
}

func testConcurrentClaimers(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, Occurrence("contested", "sync", schedule.Immediate(), T0)))

	const claimers = 16
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  []string
		start = make(chan struct{})
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			<-start
			occs, err := s.ClaimDue(ctx, store.ClaimRequest{
				Limit:              10,
				WorkerID:           worker,
				StaleLockThreshold: stale,
				Now:                T0,
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for range occs {
				wins = append(wins, worker)
			}
		}(fmt.Sprintf("w%02d", i))
	}
	close(start)
	wg.Wait()

	require.Len(t, wins, 1, "exactly one claimer must win")

	got, err := s.Get(ctx, "contested")
	require.NoError(t, err)
	assert.Equal(t, wins[0], got.LockOwner)
}

func testCompleteSuccess(t *testing.T, s store.Store) {
	ctx := context.Background()
	spec := schedule.Recurring("0 12 * * *")
	noon := T0.Add(4 * time.Hour)
	require.NoError(t, s.Insert(ctx, Occurrence("digest-1", "digest", spec, noon)))

	claimed := claim(t, s, "w1", noon, 1)
	require.Len(t, claimed, 1)

	finished := noon.Add(3 * time.Second)
	next := store.Successor(claimed[0], noon.Add(24*time.Hour), store.ResultSuccess, finished)
	require.NoError(t, s.Complete(ctx, "digest-1", store.Completion{
		Result:     store.ResultSuccess,
		FinishedAt: finished,
		Next:       next,
		Owner:      "w1",
	}))

	done, err := s.Get(ctx, "digest-1")
	require.NoError(t, err)
	assert.Nil(t, done.NextRunAt)
	assert.Nil(t, done.LockedAt)
	assert.Empty(t, done.LockOwner)
	assert.Equal(t, store.ResultSuccess, done.LastResult)
	require.NotNil(t, done.LastFinishedAt)
	assert.True(t, finished.Equal(*done.LastFinishedAt))

	succ, err := s.Get(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, "digest-1", succ.PreviousID)
	assert.Equal(t, spec, succ.Schedule)
	assert.True(t, noon.Add(24*time.Hour).Equal(*succ.NextRunAt))
	assert.Nil(t, succ.LockedAt)

	assert.Empty(t, claim(t, s, "w1", noon.Add(time.Hour), 10), "consumed record is never due")
}

func testCompleteTwice(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, Occurrence("once", "sync", schedule.Recurring("*/5 * * * *"), T0)))
	claimed := claim(t, s, "w1", T0, 1)
	require.Len(t, claimed, 1)

	complete := func() error {
		return s.Complete(ctx, "once", store.Completion{
			Result:     store.ResultSuccess,
			FinishedAt: T0,
			Next:       store.Successor(claimed[0], T0.Add(5*time.Minute), store.ResultSuccess, T0),
		})
	}

	require.NoError(t, complete())
	err := complete()
	assert.True(t, errors.Is(err, errors.ErrNotClaimed), "got %v", err)

	assert.Len(t, successors(t, s, "sync", "once"), 1)
}

func testCompleteFailureChain(t *testing.T, s store.Store) {
	ctx := context.Background()
	spec := schedule.Recurring("*/5 * * * *")
	require.NoError(t, s.Insert(ctx, Occurrence("f0", "flaky", spec, T0)))

	now := T0
	prevID := "f0"
	for i := 1; i <= 3; i++ {
		claimed := claim(t, s, "w1", now, 10)
		require.Len(t, claimed, 1, "round %d", i)
		require.Equal(t, prevID, claimed[0].ID)

		nextAt, err := schedule.NextRunAt(spec, *claimed[0].NextRunAt)
		require.NoError(t, err)
		next := store.Successor(claimed[0], *nextAt, store.ResultFailure, now)
		require.NoError(t, s.Complete(ctx, prevID, store.Completion{
			Result:     store.ResultFailure,
			Error:      "boom",
			FinishedAt: now,
			Next:       next,
		}))

		failed, err := s.Get(ctx, prevID)
		require.NoError(t, err)
		assert.Equal(t, store.ResultFailure, failed.LastResult)
		assert.Equal(t, "boom", failed.LastError)
		assert.Equal(t, i, failed.FailCount)

		prevID = next.ID
		now = *nextAt
	}

	pending, err := s.List(ctx, store.ListFilter{JobName: "flaky", PendingOnly: true})
	require.NoError(t, err)
	require.Len(t, pending, 1, "chain never breaks and never forks")
	assert.Equal(t, prevID, pending[0].ID)
	assert.Equal(t, 3, pending[0].FailCount)
}

func testCompleteOwnerFencing(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, Occurrence("fenced", "sync", schedule.Immediate(), T0)))
	require.Len(t, claim(t, s, "slow", T0, 1), 1)
	require.Len(t, claim(t, s, "fast", T0.Add(stale+time.Minute), 1), 1)

	err := s.Complete(ctx, "fenced", store.Completion{Result: store.ResultSuccess, FinishedAt: T0, Owner: "slow"})
	assert.True(t, errors.Is(err, errors.ErrNotClaimed), "got %v", err)

	require.NoError(t, s.Complete(ctx, "fenced", store.Completion{Result: store.ResultSuccess, FinishedAt: T0, Owner: "fast"}))
}

func testCompleteUnknown(t *testing.T, s store.Store) {
	err := s.Complete(context.Background(), "ghost", store.Completion{Result: store.ResultSuccess, FinishedAt: T0})
	assert.True(t, errors.IsNotFoundError(err), "got %v", err)

	err = s.Release(context.Background(), "ghost", "")
	assert.True(t, errors.IsNotFoundError(err), "got %v", err)
}

func testRelease(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, Occurrence("r", "sync", schedule.Immediate(), T0)))

	err := s.Release(ctx, "r", "")
	assert.True(t, errors.Is(err, errors.ErrNotClaimed), "unclaimed release: %v", err)

	require.Len(t, claim(t, s, "w1", T0, 1), 1)
	assert.True(t, errors.Is(s.Release(ctx, "r", "w2"), errors.ErrNotClaimed), "foreign owner")
	require.NoError(t, s.Release(ctx, "r", "w1"))

	got, err := s.Get(ctx, "r")
	require.NoError(t, err)
	assert.Nil(t, got.LockedAt)
	assert.Empty(t, got.LockOwner)
	require.NotNil(t, got.NextRunAt, "release keeps the occurrence pending")
	assert.Equal(t, store.ResultNone, got.LastResult)

	assert.Equal(t, []string{"r"}, ids(claim(t, s, "w2", T0, 1)))
}

func testList(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, Occurrence("a2", "alpha", schedule.Immediate(), T0.Add(time.Minute))))
	require.NoError(t, s.Insert(ctx, Occurrence("a1", "alpha", schedule.Immediate(), T0)))
	require.NoError(t, s.Insert(ctx, Occurrence("b1", "beta", schedule.Immediate(), T0)))

	claimed := claim(t, s, "w", T0, 1)
	require.Equal(t, []string{"a1"}, ids(claimed))
	require.NoError(t, s.Complete(ctx, "a1", store.Completion{Result: store.ResultSuccess, FinishedAt: T0}))

	all, err := s.List(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	alpha, err := s.List(ctx, store.ListFilter{JobName: "alpha"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a1", "a2"}, ids(alpha))

	pending, err := s.List(ctx, store.ListFilter{PendingOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "a2"}, ids(pending))

	limited, err := s.List(ctx, store.ListFilter{PendingOnly: true, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, ids(limited))
}

func testPurge(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, Occurrence("old", "sync", schedule.Immediate(), T0)))
	require.NoError(t, s.Insert(ctx, Occurrence("new", "sync", schedule.Immediate(), T0)))
	require.NoError(t, s.Insert(ctx, Occurrence("pending", "sync", schedule.Immediate(), T0.Add(time.Hour))))

	require.Len(t, claim(t, s, "w", T0, 2), 2)
	require.NoError(t, s.Complete(ctx, "old", store.Completion{Result: store.ResultSuccess, FinishedAt: T0}))
	require.NoError(t, s.Complete(ctx, "new", store.Completion{Result: store.ResultSuccess, FinishedAt: T0.Add(2 * time.Hour)}))

	n, err := s.Purge(ctx, T0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, "old")
	assert.True(t, errors.IsNotFoundError(err))
	_, err = s.Get(ctx, "new")
	assert.NoError(t, err)
	_, err = s.Get(ctx, "pending")
	assert.NoError(t, err)
}

func testClaimJobNames(t *testing.T, s store.Store) {
	ctx := context.Background()
	// Older than anything runnable, and more of them than one batch.
	for i := 0; i < 4; i++ {
		occ := Occurrence(fmt.Sprintf("ghost-%d", i), "removed", schedule.Immediate(), T0.Add(-time.Hour))
		require.NoError(t, s.Insert(ctx, occ))
	}
	require.NoError(t, s.Insert(ctx, Occurrence("real", "sync", schedule.Immediate(), T0)))

	occs, err := s.ClaimDue(ctx, store.ClaimRequest{
		Limit:              2,
		WorkerID:           "w1",
		StaleLockThreshold: stale,
		Now:                T0,
		JobNames:           []string{"sync", "digest"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"real"}, ids(occs))

	occs, err = s.ClaimDue(ctx, store.ClaimRequest{Limit: 10, WorkerID: "w1", StaleLockThreshold: stale, Now: T0, JobNames: []string{}})
	require.NoError(t, err)
	assert.Empty(t, occs, "no names, nothing claimed")

	// Stale locks are filtered the same way: only "real" is taken over.
	got := claim(t, s, "w1", T0, 1)
	require.Equal(t, []string{"ghost-0"}, ids(got))
	occs, err = s.ClaimDue(ctx, store.ClaimRequest{
		Limit:              10,
		WorkerID:           "w2",
		StaleLockThreshold: stale,
		Now:                T0.Add(stale + time.Minute),
		JobNames:           []string{"sync"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"real"}, ids(occs))
}

func testChainTail(t *testing.T, s store.Store) {
	ctx := context.Background()
	spec := schedule.Recurring("*/5 * * * *")
	require.NoError(t, s.Insert(ctx, Occurrence("head", "digest", spec, T0)))

	tail, err := s.ChainTail(ctx, "head")
	require.NoError(t, err)
	assert.Equal(t, "head", tail.ID)
	assert.Equal(t, "head", tail.Chain())

	prev := claim(t, s, "w1", T0, 1)[0]
	next := store.Successor(prev, T0.Add(5*time.Minute), store.ResultSuccess, T0)
	require.NoError(t, s.Complete(ctx, prev.ID, store.Completion{Result: store.ResultSuccess, FinishedAt: T0, Next: next, Owner: "w1"}))

	tail, err = s.ChainTail(ctx, "head")
	require.NoError(t, err)
	assert.Equal(t, next.ID, tail.ID)
	assert.Equal(t, "head", tail.ChainID)
	assert.True(t, tail.Pending())

	// Purging the consumed head leaves the chain findable by its id.
	n, err := s.Purge(ctx, T0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tail, err = s.ChainTail(ctx, "head")
	require.NoError(t, err)
	assert.Equal(t, next.ID, tail.ID)

	_, err = s.ChainTail(ctx, "unknown")
	assert.True(t, errors.IsNotFoundError(err), "got %v", err)
}

func testCancel(t *testing.T, s store.Store) {
	ctx := context.Background()
	spec := schedule.Recurring("*/5 * * * *")
	require.NoError(t, s.Insert(ctx, Occurrence("idle", "digest", spec, T0)))
	require.NoError(t, s.Insert(ctx, Occurrence("busy", "digest", spec, T0.Add(-time.Minute))))

	running := claim(t, s, "w1", T0, 1)
	require.Equal(t, []string{"busy"}, ids(running))

	at := T0.Add(30 * time.Second)
	require.NoError(t, s.Cancel(ctx, "idle", at))
	require.NoError(t, s.Cancel(ctx, "busy", at))

	got, err := s.Get(ctx, "idle")
	require.NoError(t, err)
	assert.False(t, got.Pending())
	assert.Equal(t, store.ResultCancelled, got.LastResult)
	require.NotNil(t, got.LastFinishedAt)
	assert.True(t, at.Equal(*got.LastFinishedAt))

	assert.Empty(t, claim(t, s, "w2", T0.Add(time.Hour), 10), "cancelled occurrences are never claimed")

	// The worker that was running it can no longer finish it.
	next := store.Successor(running[0], T0.Add(5*time.Minute), store.ResultSuccess, T0)
	err = s.Complete(ctx, "busy", store.Completion{Result: store.ResultSuccess, FinishedAt: T0, Next: next, Owner: "w1"})
	assert.True(t, errors.Is(err, errors.ErrNotClaimed), "got %v", err)
	assert.Empty(t, successors(t, s, "digest", "busy"))

	err = s.Cancel(ctx, "idle", at)
	assert.True(t, errors.Is(err, errors.ErrNotClaimed), "got %v", err)
	err = s.Cancel(ctx, "missing", at)
	assert.True(t, errors.IsNotFoundError(err), "got %v", err)

	tail, err := s.ChainTail(ctx, "idle")
	require.NoError(t, err)
	assert.Equal(t, "idle", tail.ID, "a cancelled chain keeps its tail")
}
