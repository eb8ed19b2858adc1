// Package errors is the error vocabulary of the scheduler.
//
// It re-exports github.com/cockroachdb/errors so every package gets stack
// traces, wrapping and detail annotations from a single import, and defines
// the sentinel errors callers match with errors.Is.
//
//	if err := st.Complete(ctx, id, store.Completion{Result: store.ResultSuccess}); err != nil {
//	    if errors.Is(err, errors.ErrNotClaimed) {
//	        // someone else already finished this occurrence
//	    }
//	    return errors.Wrapf(err, "complete %s", id)
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// Hints and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Inspection
var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	UnwrapAll     = crdb.UnwrapAll
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
	FlattenHints  = crdb.FlattenHints
	Join          = crdb.Join
	Mark          = crdb.Mark
)

// AssertionFailedf reports a broken internal invariant.
var AssertionFailedf = crdb.AssertionFailedf

// Sentinel errors. Wrap them to add context; the sentinel survives wrapping.
var (
	// ErrNotFound indicates an unknown job name or occurrence id.
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates malformed input (empty name, nil handler).
	ErrInvalidRequest = New("invalid request")

	// ErrInvalidSchedule indicates a cron expression that does not parse
	// or can never fire.
	ErrInvalidSchedule = New("invalid schedule")

	// ErrDuplicateJobName indicates a second registration under the same name.
	ErrDuplicateJobName = New("duplicate job name")

	// ErrDuplicateID indicates an insert that reuses an occurrence id.
	ErrDuplicateID = New("duplicate occurrence id")

	// ErrNotClaimed indicates complete or release on an occurrence that
	// holds no lock, normally because it was already completed.
	ErrNotClaimed = New("occurrence not claimed")

	// ErrStoreUnavailable indicates the durable store is failing and
	// the poll loop has backed off.
	ErrStoreUnavailable = New("store unavailable")

	// ErrStoreClosed indicates the store's connection was closed by this
	// process, normally during shutdown. It is not a store failure.
	ErrStoreClosed = New("store closed")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest.
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsInvalidScheduleError checks if an error is or wraps ErrInvalidSchedule.
func IsInvalidScheduleError(err error) bool {
	return err != nil && Is(err, ErrInvalidSchedule)
}

// IsNotClaimedError checks if an error is or wraps ErrNotClaimed.
func IsNotClaimedError(err error) bool {
	return err != nil && Is(err, ErrNotClaimed)
}

// IsDuplicateIDError checks if an error is or wraps ErrDuplicateID.
func IsDuplicateIDError(err error) bool {
	return err != nil && Is(err, ErrDuplicateID)
}

// IsStoreClosedError checks if an error is or wraps ErrStoreClosed.
func IsStoreClosedError(err error) bool {
	return err != nil && Is(err, ErrStoreClosed)
}

// NewNotFoundError creates a not-found error with a formatted message.
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message.
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrapf(ErrInvalidRequest, format, args...)
}

// NewInvalidScheduleError creates an invalid-schedule error with a formatted message.
func NewInvalidScheduleError(format string, args ...interface{}) error {
	return Wrapf(ErrInvalidSchedule, format, args...)
}
