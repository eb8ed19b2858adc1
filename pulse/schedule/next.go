package schedule

import (
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tasmidur/agenda-schedular/errors"
)

// parser accepts exactly five fields: minute hour day-of-month month day-of-week.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// parsed expressions, keyed by source text
var cache sync.Map

func parse(expr string) (cron.Schedule, error) {
	if s, ok := cache.Load(expr); ok {
		return s.(cron.Schedule), nil
	}

	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, errors.NewInvalidScheduleError("empty cron expression")
	}
	// Evaluation is UTC only; a per-expression zone would make results
	// depend on the zone database of the host.
	if strings.HasPrefix(trimmed, "TZ=") || strings.HasPrefix(trimmed, "CRON_TZ=") {
		return nil, errors.NewInvalidScheduleError("cron %q: time zones are not supported", expr)
	}

	sched, err := parser.Parse(trimmed)
	if err != nil {
		return nil, errors.Wrap(errors.NewInvalidScheduleError("cron %q", expr), err.Error())
	}
	// robfig gives up after five years; an expression that never matches
	// (0 0 30 2 *) is as unusable as one that does not parse.
	if sched.Next(time.Unix(0, 0).UTC()).IsZero() {
		return nil, errors.NewInvalidScheduleError("cron %q never fires", expr)
	}

	cache.Store(expr, sched)
	return sched, nil
}

// NextRunAt returns the next instant an occurrence of spec is due, strictly
// after `after` for Recurring specs. A nil result means the spec has no
// further occurrence.
//
//	Recurring  earliest cron match > after, in UTC
//	OneTime    At if after < At, else nil
//	Immediate  after
func NextRunAt(spec Spec, after time.Time) (*time.Time, error) {
	after = after.UTC()

	switch spec.Kind {
	case KindRecurring:
		sched, err := parse(spec.Cron)
		if err != nil {
			return nil, err
		}
		next := sched.Next(after)
		if next.IsZero() {
			return nil, errors.NewInvalidScheduleError("cron %q has no occurrence after %s", spec.Cron, after.Format(time.RFC3339))
		}
		next = next.UTC()
		return &next, nil

	case KindOneTime:
		if after.Before(spec.At) {
			at := spec.At
			return &at, nil
		}
		return nil, nil

	case KindImmediate:
		return &after, nil

	default:
		return nil, errors.NewInvalidScheduleError("unknown schedule kind %q", spec.Kind)
	}
}

// FirstRunAt is the due time of the first occurrence when a job is
// scheduled at now. A OneTime instant already in the past stays as is, so
// the occurrence is due immediately and runs once.
func FirstRunAt(spec Spec, now time.Time) (*time.Time, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Kind == KindOneTime {
		at := spec.At
		return &at, nil
	}
	return NextRunAt(spec, now)
}

// Preview lists up to n upcoming run times after `after`.
func Preview(spec Spec, after time.Time, n int) ([]time.Time, error) {
	var out []time.Time
	cursor := after
	for len(out) < n {
		next, err := NextRunAt(spec, cursor)
		if err != nil {
			return nil, err
		}
		if next == nil {
			break
		}
		out = append(out, *next)
		if !spec.IsRecurring() {
			break
		}
		cursor = *next
	}
	return out, nil
}
