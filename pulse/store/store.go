// Package store defines occurrence records and the durable store contract.
//
// Every Store method is atomic with respect to concurrent callers, which may
// live in other processes. Correctness of "one runner per due occurrence"
// rests entirely on ClaimDue; no in-process lock stands in for it.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tasmidur/agenda-schedular/pulse/schedule"
)

// Result is the outcome of the last completed run.
type Result string

const (
	ResultNone    Result = "none"
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	// ResultCancelled marks an occurrence consumed by Cancel without running.
	ResultCancelled Result = "cancelled"
)

// Occurrence is one scheduled execution of a named job.
//
// NextRunAt nil means the occurrence has been consumed and is kept only as
// history. LockedAt non-nil means a worker claimed it at that instant.
type Occurrence struct {
	ID             string
	JobName        string
	Payload        []byte
	Schedule       schedule.Spec
	PreviousID     string // occurrence this one replaced, empty for the first
	// ChainID is shared by every occurrence of one Recurring chain. Empty
	// means the occurrence starts its own chain; see Chain.
	ChainID        string
	NextRunAt      *time.Time
	LockedAt       *time.Time
	LockOwner      string
	LastFinishedAt *time.Time
	LastResult     Result
	LastError      string
	FailCount      int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Chain returns the chain id, which defaults to the occurrence's own id.
func (o *Occurrence) Chain() string {
	if o.ChainID != "" {
		return o.ChainID
	}
	return o.ID
}

// Pending reports whether the occurrence still has a run ahead of it.
func (o *Occurrence) Pending() bool {
	return o.NextRunAt != nil
}

// Locked reports whether a non-stale claim is held at now.
func (o *Occurrence) Locked(now time.Time, staleAfter time.Duration) bool {
	return o.LockedAt != nil && !o.LockedAt.Before(now.Add(-staleAfter))
}

// Due reports whether the occurrence may be claimed at now.
func (o *Occurrence) Due(now time.Time, staleAfter time.Duration) bool {
	return o.NextRunAt != nil && !o.NextRunAt.After(now) && !o.Locked(now, staleAfter)
}

// New builds a fresh, unclaimed occurrence due at runAt.
func New(jobName string, spec schedule.Spec, payload []byte, runAt, now time.Time) *Occurrence {
	now = Truncate(now)
	next := Truncate(runAt)
	return &Occurrence{
		ID:         uuid.NewString(),
		JobName:    jobName,
		Payload:    payload,
		Schedule:   spec,
		NextRunAt:  &next,
		LastResult: ResultNone,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Successor builds the occurrence that replaces prev once prev completes
// with result. The consecutive-failure count carries along the chain.
func Successor(prev *Occurrence, runAt time.Time, result Result, now time.Time) *Occurrence {
	next := New(prev.JobName, prev.Schedule, prev.Payload, runAt, now)
	next.PreviousID = prev.ID
	next.ChainID = prev.Chain()
	if result == ResultFailure {
		next.FailCount = prev.FailCount + 1
	}
	return next
}

// ClaimRequest parameterises ClaimDue.
type ClaimRequest struct {
	Limit              int
	WorkerID           string
	StaleLockThreshold time.Duration
	Now                time.Time
	// JobNames, when non-nil, restricts the claim to these job names so
	// occurrences nobody here can run do not crowd out those that can.
	// An empty non-nil slice claims nothing.
	JobNames []string
}

// StaleCutoff is the lock age boundary: locks taken before it are stale.
func (r ClaimRequest) StaleCutoff() time.Time {
	return r.Now.Add(-r.StaleLockThreshold)
}

// Completion records the end of a run.
type Completion struct {
	Result     Result
	Error      string
	FinishedAt time.Time
	// Next is inserted in the same transaction. Nil for OneTime and
	// Immediate occurrences.
	Next *Occurrence
	// Owner, when set, must match the lock owner. A worker whose claim
	// went stale and was taken over can then no longer finish the run.
	Owner string
}

// ListFilter narrows List.
type ListFilter struct {
	JobName     string
	PendingOnly bool
	Limit       int
}

// Store is the durable occurrence store.
type Store interface {
	// Insert adds a new occurrence. A reused id fails with ErrDuplicateID.
	Insert(ctx context.Context, occ *Occurrence) error

	// ClaimDue atomically selects up to Limit due occurrences (NextRunAt <=
	// Now, lock absent or stale) ordered by NextRunAt then ID, and locks
	// them for WorkerID.
	ClaimDue(ctx context.Context, req ClaimRequest) ([]*Occurrence, error)

	// Complete finishes a claimed occurrence: records the result, clears
	// the lock and NextRunAt, and inserts c.Next, all in one transaction.
	// An occurrence that is not currently claimed fails with ErrNotClaimed
	// and nothing is inserted.
	Complete(ctx context.Context, id string, c Completion) error

	// Release clears the lock so the occurrence is claimable again. When
	// owner is non-empty only that owner's lock is released.
	Release(ctx context.Context, id, owner string) error

	// Get returns one occurrence or ErrNotFound.
	Get(ctx context.Context, id string) (*Occurrence, error)

	// List returns occurrences for inspection.
	List(ctx context.Context, filter ListFilter) ([]*Occurrence, error)

	// ChainTail returns the newest occurrence of a chain: the one no other
	// occurrence names as its predecessor. ErrNotFound if the chain has
	// no occurrences left.
	ChainTail(ctx context.Context, chainID string) (*Occurrence, error)

	// Cancel consumes a pending occurrence without running it and without
	// a successor, recording ResultCancelled at `at`. A held lock is
	// dropped too, so the worker running it can no longer complete it.
	// An occurrence already consumed fails with ErrNotClaimed.
	Cancel(ctx context.Context, id string, at time.Time) error

	// Purge deletes consumed, unlocked occurrences finished before cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}
