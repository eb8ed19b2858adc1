package pulse

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"

	"github.com/tasmidur/agenda-schedular/db"
	"github.com/tasmidur/agenda-schedular/errors"
	qtest "github.com/tasmidur/agenda-schedular/internal/testing"
	"github.com/tasmidur/agenda-schedular/pulse/events"
	"github.com/tasmidur/agenda-schedular/pulse/metrics"
	"github.com/tasmidur/agenda-schedular/pulse/registry"
	"github.com/tasmidur/agenda-schedular/pulse/schedule"
	"github.com/tasmidur/agenda-schedular/pulse/store"
	"github.com/tasmidur/agenda-schedular/pulse/store/sqlstore"
	"github.com/tasmidur/agenda-schedular/pulse/ticker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

func newScheduler(t *testing.T, clock *qtest.Clock, opts Options) *Scheduler {
	t.Helper()
	if opts.Store == nil {
		opts.Store = sqlstore.New(qtest.CreateTestDB(t), db.SQLite, nil)
	}
	if clock != nil {
		opts.Now = clock.Now
	}
	opts.Logger = zaptest.NewLogger(t).Sugar()
	if opts.Ticker.WorkerID == "" {
		opts.Ticker.WorkerID = "w1"
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func counting(calls *atomic.Int32) registry.Handler {
	return registry.HandlerFunc(func(context.Context, *store.Occurrence) error {
		calls.Add(1)
		return nil
	})
}

func pending(t *testing.T, s *Scheduler, job string) []*store.Occurrence {
	t.Helper()
	occs, err := s.Store().List(context.Background(), store.ListFilter{JobName: job, PendingOnly: true})
	require.NoError(t, err)
	return occs
}

func TestDailyDigest(t *testing.T) {
	clock := qtest.NewClock(t0)
	s := newScheduler(t, clock, Options{})

	var calls atomic.Int32
	id, err := s.RegisterAndSchedule(context.Background(),
		registry.Definition{Name: "digest", Handler: counting(&calls)},
		schedule.Recurring("0 12 * * *"), nil)
	require.NoError(t, err)

	occ, err := s.Store().Get(context.Background(), id)
	require.NoError(t, err)
	noon := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, noon, *occ.NextRunAt)

	// Nothing is due in the morning.
	n, err := s.Tick(t0)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Set(noon)
	n, err = s.Tick(noon)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	s.Wait()
	assert.Equal(t, int32(1), calls.Load())

	next := pending(t, s, "digest")
	require.Len(t, next, 1)
	assert.Equal(t, noon.Add(24*time.Hour), *next[0].NextRunAt)
	assert.Equal(t, id, next[0].PreviousID)
}

func TestScheduleValidation(t *testing.T) {
	s := newScheduler(t, qtest.NewClock(t0), Options{})
	var calls atomic.Int32
	require.NoError(t, s.Register(registry.Definition{Name: "sync", Handler: counting(&calls)}))

	t.Run("invalid cron", func(t *testing.T) {
		_, err := s.Schedule(context.Background(), "sync", schedule.Recurring("61 * * * *"), nil)
		require.Error(t, err)
		assert.True(t, errors.IsInvalidScheduleError(err))
		assert.Contains(t, err.Error(), `job "sync"`)
	})

	t.Run("never fires", func(t *testing.T) {
		_, err := s.Schedule(context.Background(), "sync", schedule.Recurring("0 0 30 2 *"), nil)
		assert.True(t, errors.IsInvalidScheduleError(err))
	})

	t.Run("unregistered", func(t *testing.T) {
		_, err := s.Schedule(context.Background(), "ghost", schedule.Immediate(), nil)
		assert.True(t, errors.IsNotFoundError(err))
	})

	assert.Empty(t, pending(t, s, ""), "failed setups insert nothing")
}

func TestScheduleWithIDIsIdempotent(t *testing.T) {
	s := newScheduler(t, qtest.NewClock(t0), Options{})
	var calls atomic.Int32
	require.NoError(t, s.Register(registry.Definition{Name: "digest", Handler: counting(&calls)}))

	spec := schedule.Recurring("0 12 * * *")
	for i := 0; i < 3; i++ {
		id, err := s.ScheduleWithID(context.Background(), "digest-daily", "digest", spec, nil)
		require.NoError(t, err)
		assert.Equal(t, "digest-daily", id)
	}
	assert.Len(t, pending(t, s, "digest"), 1)

	_, err := s.ScheduleWithID(context.Background(), "", "digest", spec, nil)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestRestartAfterPurgeKeepsOneChain(t *testing.T) {
	clock := qtest.NewClock(t0)
	st := sqlstore.New(qtest.CreateTestDB(t), db.SQLite, nil)
	spec := schedule.Recurring("0 12 * * *")
	noon := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	var calls atomic.Int32
	first := newScheduler(t, clock, Options{Store: st})
	require.NoError(t, first.Register(registry.Definition{Name: "digest", Handler: counting(&calls)}))
	_, err := first.ScheduleWithID(context.Background(), "chain-digest", "digest", spec, nil)
	require.NoError(t, err)

	clock.Set(noon)
	n, err := first.Tick(noon)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	first.Wait()
	require.NoError(t, first.Stop(context.Background()))

	// The consumed head is gone; only its successor carries the chain.
	purged, err := st.Purge(context.Background(), noon.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	second := newScheduler(t, clock, Options{Store: st})
	require.NoError(t, second.Register(registry.Definition{Name: "digest", Handler: counting(&calls)}))
	id, err := second.ScheduleWithID(context.Background(), "chain-digest", "digest", spec, nil)
	require.NoError(t, err)

	live := pending(t, second, "digest")
	require.Len(t, live, 1)
	assert.Equal(t, live[0].ID, id)
	assert.Equal(t, noon.Add(24*time.Hour), *live[0].NextRunAt)
	assert.Equal(t, "chain-digest", live[0].ChainID)
}

func TestRetireStopsOtherChains(t *testing.T) {
	clock := qtest.NewClock(t0)
	s := newScheduler(t, clock, Options{})
	var calls atomic.Int32
	require.NoError(t, s.Register(registry.Definition{Name: "digest", Handler: counting(&calls)}))
	ctx := context.Background()

	_, err := s.ScheduleWithID(ctx, "digest-noon", "digest", schedule.Recurring("0 12 * * *"), nil)
	require.NoError(t, err)
	_, err = s.EnqueueNow(ctx, "digest", nil)
	require.NoError(t, err)

	// The schedule moved to 13:00.
	_, err = s.ScheduleWithID(ctx, "digest-one", "digest", schedule.Recurring("0 13 * * *"), nil)
	require.NoError(t, err)
	n, err := s.Retire(ctx, "digest", "digest-one")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	chains := map[string]bool{}
	for _, occ := range pending(t, s, "digest") {
		chains[occ.Chain()] = occ.Schedule.IsRecurring()
	}
	assert.Len(t, chains, 2, "the 13:00 chain and the triggered run")
	assert.True(t, chains["digest-one"])
	assert.NotContains(t, chains, "digest-noon")

	old, err := s.Store().Get(ctx, "digest-noon")
	require.NoError(t, err)
	assert.Equal(t, store.ResultCancelled, old.LastResult)

	n, err = s.Retire(ctx, "digest", "digest-one")
	require.NoError(t, err)
	assert.Zero(t, n, "already retired")

	// Moving back resumes the old chain after its cancelled occurrence.
	id, err := s.ScheduleWithID(ctx, "digest-noon", "digest", schedule.Recurring("0 12 * * *"), nil)
	require.NoError(t, err)
	resumed, err := s.Store().Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, resumed.Pending())
	assert.Equal(t, "digest-noon", resumed.PreviousID)
	assert.Equal(t, "digest-noon", resumed.ChainID)

	again, err := s.ScheduleWithID(ctx, "digest-noon", "digest", schedule.Recurring("0 12 * * *"), nil)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestUnregisteredNamesDoNotStarveTheLoop(t *testing.T) {
	clock := qtest.NewClock(t0)
	s := newScheduler(t, clock, Options{Ticker: ticker.Config{BatchSize: 2}})
	ctx := context.Background()

	// Left behind by a job that is no longer configured.
	for _, id := range []string{"ghost-1", "ghost-2"} {
		occ := store.New("ghost", schedule.Immediate(), nil, t0.Add(-time.Hour), t0)
		occ.ID = id
		require.NoError(t, s.Store().Insert(ctx, occ))
	}

	var calls atomic.Int32
	require.NoError(t, s.Register(registry.Definition{Name: "real", Handler: counting(&calls)}))
	_, err := s.EnqueueNow(ctx, "real", nil)
	require.NoError(t, err)

	n, err := s.Tick(clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	s.Wait()
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, pending(t, s, "ghost"), 2)
}

func TestPastOneTimeReport(t *testing.T) {
	clock := qtest.NewClock(t0)
	s := newScheduler(t, clock, Options{})
	var calls atomic.Int32
	require.NoError(t, s.Register(registry.Definition{Name: "report", Handler: counting(&calls)}))

	_, err := s.Schedule(context.Background(), "report", schedule.OneTime(t0.Add(-time.Hour)), nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.Tick(clock.Now())
		require.NoError(t, err)
		s.Wait()
		clock.Advance(time.Hour)
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, pending(t, s, "report"))
}

func TestEnqueueNowRunsOnNextTick(t *testing.T) {
	clock := qtest.NewClock(t0)
	s := newScheduler(t, clock, Options{})
	sub := s.Subscribe(16)

	var calls atomic.Int32
	require.NoError(t, s.Register(registry.Definition{Name: "notify", Handler: counting(&calls)}))

	id, err := s.EnqueueNow(context.Background(), "notify", []byte(`{}`))
	require.NoError(t, err)
	assert.Zero(t, calls.Load(), "enqueue never calls the handler")

	n, err := s.Tick(clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	s.Wait()
	assert.Equal(t, int32(1), calls.Load())

	claimed := <-sub
	assert.Equal(t, events.Claimed, claimed.Kind)
	assert.Equal(t, id, claimed.OccurrenceID)
	done := <-sub
	assert.Equal(t, events.Succeeded, done.Kind)
}

func TestStartStop(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	s := newScheduler(t, nil, Options{
		Ticker:        ticker.Config{Interval: 10 * time.Millisecond},
		MeterProvider: provider,
	})

	ran := make(chan struct{}, 1)
	require.NoError(t, s.Register(registry.Definition{
		Name: "notify",
		Handler: registry.HandlerFunc(func(context.Context, *store.Occurrence) error {
			ran <- struct{}{}
			return nil
		}),
	}))
	require.NoError(t, s.Start())
	require.NoError(t, s.Start(), "second start is a no-op")

	_, err := s.EnqueueNow(context.Background(), "notify", nil)
	require.NoError(t, err)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueued job did not run")
	}

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	assert.Error(t, s.Start())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	assert.True(t, names[metrics.MetricOccurrences])
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Options{})
	assert.True(t, errors.IsInvalidRequestError(err))
}
