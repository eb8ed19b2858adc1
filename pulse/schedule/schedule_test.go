package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasmidur/agenda-schedular/errors"
)

func ts(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return v
}

func TestNextRunAtDigestAtNoon(t *testing.T) {
	next, err := NextRunAt(Recurring("0 12 * * *"), ts(t, "2025-01-01T08:00:00Z"))
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, ts(t, "2025-01-01T12:00:00Z"), *next)
}

func TestNextRunAtIsStrictlyAfter(t *testing.T) {
	next, err := NextRunAt(Recurring("0 12 * * *"), ts(t, "2025-01-01T12:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, ts(t, "2025-01-02T12:00:00Z"), *next)
}

func TestNextRunAtChainIsIncreasingAndDeterministic(t *testing.T) {
	spec := Recurring("*/15 9-17 * * 1-5")
	start := ts(t, "2025-03-07T16:50:00Z") // Friday

	run := func() []time.Time {
		var out []time.Time
		cursor := start
		for i := 0; i < 100; i++ {
			next, err := NextRunAt(spec, cursor)
			require.NoError(t, err)
			require.True(t, next.After(cursor), "step %d: %s not after %s", i, next, cursor)
			out = append(out, *next)
			cursor = *next
		}
		return out
	}

	first := run()
	assert.Equal(t, first, run())
	// Friday 17:00 then jump the weekend to Monday 09:00
	assert.Equal(t, ts(t, "2025-03-07T17:00:00Z"), first[0])
	assert.Equal(t, ts(t, "2025-03-10T09:00:00Z"), first[4])
}

func TestNextRunAtEvaluatesInUTC(t *testing.T) {
	plus5 := time.FixedZone("UTC+5", 5*60*60)
	after := time.Date(2025, 1, 1, 13, 0, 0, 0, plus5) // 08:00Z

	next, err := NextRunAt(Recurring("0 12 * * *"), after)
	require.NoError(t, err)
	assert.Equal(t, ts(t, "2025-01-01T12:00:00Z"), *next)
	assert.Equal(t, time.UTC, next.Location())
}

func TestNextRunAtInvalidCron(t *testing.T) {
	for _, expr := range []string{
		"",
		"not a cron",
		"61 * * * *",
		"0 0 * * * *",
		"0 0 30 2 *",
		"TZ=Europe/Paris 0 12 * * *",
		"@daily",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := NextRunAt(Recurring(expr), ts(t, "2025-01-01T00:00:00Z"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidSchedule))
			assert.Error(t, Recurring(expr).Validate())
		})
	}
}

func TestNextRunAtOneTime(t *testing.T) {
	at := ts(t, "2025-01-01T06:00:00Z")
	spec := OneTime(at)

	next, err := NextRunAt(spec, at.Add(-time.Minute))
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, at, *next)

	next, err = NextRunAt(spec, at)
	require.NoError(t, err)
	assert.Nil(t, next, "equal instant is not strictly before")

	next, err = NextRunAt(spec, at.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestNextRunAtImmediate(t *testing.T) {
	now := ts(t, "2025-01-01T08:00:00Z")
	next, err := NextRunAt(Immediate(), now)
	require.NoError(t, err)
	assert.Equal(t, now, *next)
}

func TestOneTimeNormalisesToUTC(t *testing.T) {
	local := time.Date(2025, 6, 1, 9, 30, 0, 123456789, time.FixedZone("EST", -5*60*60))
	spec := OneTime(local)

	assert.Equal(t, time.UTC, spec.At.Location())
	assert.Equal(t, ts(t, "2025-06-01T14:30:00Z").Add(123*time.Millisecond), spec.At)
}

func TestFirstRunAt(t *testing.T) {
	now := ts(t, "2025-01-01T08:00:00Z")

	t.Run("recurring", func(t *testing.T) {
		first, err := FirstRunAt(Recurring("0 12 * * *"), now)
		require.NoError(t, err)
		assert.Equal(t, ts(t, "2025-01-01T12:00:00Z"), *first)
	})

	t.Run("past one-time is due now", func(t *testing.T) {
		past := ts(t, "2025-01-01T06:00:00Z")
		first, err := FirstRunAt(OneTime(past), now)
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.False(t, first.After(now))
	})

	t.Run("immediate", func(t *testing.T) {
		first, err := FirstRunAt(Immediate(), now)
		require.NoError(t, err)
		assert.Equal(t, now, *first)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := FirstRunAt(Spec{}, now)
		assert.True(t, errors.IsInvalidScheduleError(err))
	})
}

func TestDecode(t *testing.T) {
	at := ts(t, "2025-01-01T06:00:00Z")

	spec, err := Decode("recurring", "0 12 * * *", nil)
	require.NoError(t, err)
	assert.Equal(t, Recurring("0 12 * * *"), spec)

	spec, err = Decode("one_time", "", &at)
	require.NoError(t, err)
	assert.Equal(t, OneTime(at), spec)

	spec, err = Decode("immediate", "", nil)
	require.NoError(t, err)
	assert.Equal(t, Immediate(), spec)

	_, err = Decode("one_time", "", nil)
	assert.Error(t, err)
	_, err = Decode("weekly", "", nil)
	assert.Error(t, err)
}

func TestPreview(t *testing.T) {
	after := ts(t, "2025-01-01T08:00:00Z")

	times, err := Preview(Recurring("0 */6 * * *"), after, 3)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		ts(t, "2025-01-01T12:00:00Z"),
		ts(t, "2025-01-01T18:00:00Z"),
		ts(t, "2025-01-02T00:00:00Z"),
	}, times)

	times, err = Preview(OneTime(after.Add(time.Hour)), after, 3)
	require.NoError(t, err)
	assert.Len(t, times, 1)
}

func TestSpecString(t *testing.T) {
	assert.Equal(t, "cron(0 12 * * *)", Recurring("0 12 * * *").String())
	assert.Equal(t, "at(2025-01-01T06:00:00Z)", OneTime(ts(t, "2025-01-01T06:00:00Z")).String())
	assert.Equal(t, "immediate", Immediate().String())
	assert.Equal(t, "invalid", Spec{}.String())
}
