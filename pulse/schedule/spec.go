// Package schedule computes when job occurrences become due.
//
// A Spec is one of three kinds: Recurring (a 5-field cron expression),
// OneTime (an absolute instant) or Immediate (due on insertion, never
// recomputed). All arithmetic is done in UTC and is deterministic: the
// same (Spec, after) always yields the same answer.
package schedule

import (
	"fmt"
	"time"

	"github.com/tasmidur/agenda-schedular/errors"
)

// Kind discriminates the Spec variant.
type Kind string

const (
	KindRecurring Kind = "recurring"
	KindOneTime   Kind = "one_time"
	KindImmediate Kind = "immediate"
)

// Spec describes when an occurrence runs. Build one with Recurring,
// OneTime or Immediate; the zero value is invalid.
type Spec struct {
	Kind Kind
	Cron string    // KindRecurring only
	At   time.Time // KindOneTime only, UTC
}

// Recurring returns a cron-driven spec. The expression is validated by
// Validate and NextRunAt, not here.
func Recurring(expr string) Spec {
	return Spec{Kind: KindRecurring, Cron: expr}
}

// OneTime returns a spec that fires once at t. The instant is normalised
// to UTC at millisecond precision, matching what the stores persist.
func OneTime(t time.Time) Spec {
	return Spec{Kind: KindOneTime, At: t.UTC().Truncate(time.Millisecond)}
}

// Immediate returns a spec that is due as soon as it is stored.
func Immediate() Spec {
	return Spec{Kind: KindImmediate}
}

// Decode rebuilds a Spec from its persisted columns.
func Decode(kind, cron string, at *time.Time) (Spec, error) {
	switch Kind(kind) {
	case KindRecurring:
		return Recurring(cron), nil
	case KindOneTime:
		if at == nil {
			return Spec{}, errors.NewInvalidScheduleError("one-time schedule without timestamp")
		}
		return OneTime(*at), nil
	case KindImmediate:
		return Immediate(), nil
	default:
		return Spec{}, errors.NewInvalidScheduleError("unknown schedule kind %q", kind)
	}
}

// IsRecurring reports whether completing an occurrence of s yields a successor.
func (s Spec) IsRecurring() bool {
	return s.Kind == KindRecurring
}

// Validate checks that the spec can produce run times.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindRecurring:
		_, err := parse(s.Cron)
		return err
	case KindOneTime:
		if s.At.IsZero() {
			return errors.NewInvalidScheduleError("one-time schedule without timestamp")
		}
		return nil
	case KindImmediate:
		return nil
	default:
		return errors.NewInvalidScheduleError("unknown schedule kind %q", s.Kind)
	}
}

func (s Spec) String() string {
	switch s.Kind {
	case KindRecurring:
		return fmt.Sprintf("cron(%s)", s.Cron)
	case KindOneTime:
		return fmt.Sprintf("at(%s)", s.At.Format(time.RFC3339))
	case KindImmediate:
		return "immediate"
	default:
		return "invalid"
	}
}
