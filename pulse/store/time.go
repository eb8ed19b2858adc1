package store

import (
	"sort"
	"time"
)

// Stores persist instants as unix milliseconds in UTC.

// Truncate normalises t to the precision the stores keep.
func Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Millis converts t to unix milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// MillisPtr converts an optional instant.
func MillisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

// FromMillis converts unix milliseconds back to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// FromMillisPtr converts an optional millisecond value.
func FromMillisPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := FromMillis(*ms)
	return &t
}

// SortByDue orders occurrences by NextRunAt, then ID. Consumed occurrences
// sort last.
func SortByDue(occs []*Occurrence) {
	sort.SliceStable(occs, func(i, j int) bool {
		a, b := occs[i], occs[j]
		switch {
		case a.NextRunAt == nil && b.NextRunAt == nil:
			return a.ID < b.ID
		case a.NextRunAt == nil:
			return false
		case b.NextRunAt == nil:
			return true
		case !a.NextRunAt.Equal(*b.NextRunAt):
			return a.NextRunAt.Before(*b.NextRunAt)
		default:
			return a.ID < b.ID
		}
	})
}
