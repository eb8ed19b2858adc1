package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/tasmidur/agenda-schedular/errors"
	"github.com/tasmidur/agenda-schedular/pulse/events"
)

func newCollector(t *testing.T, bus *events.Bus) (*Collector, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	c, err := NewCollector(provider, bus, nil)
	require.NoError(t, err)
	return c, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

// sumWhere adds every int64 sum data point whose attributes include all of want.
func sumWhere(t *testing.T, m metricdata.Metrics, want ...attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)

	var total int64
	for _, dp := range sum.DataPoints {
		match := true
		for _, kv := range want {
			v, ok := dp.Attributes.Value(kv.Key)
			if !ok || v.Emit() != kv.Value.Emit() {
				match = false
				break
			}
		}
		if match {
			total += dp.Value
		}
	}
	return total
}

func TestRecordLifecycle(t *testing.T) {
	c, reader := newCollector(t, events.NewBus())
	ctx := context.Background()

	c.Record(ctx, events.Event{Kind: events.Claimed, JobName: "digest"})
	c.Record(ctx, events.Event{Kind: events.Succeeded, JobName: "digest", Duration: 250 * time.Millisecond})
	c.Record(ctx, events.Event{Kind: events.Claimed, JobName: "digest"})
	c.Record(ctx, events.Event{Kind: events.Failed, JobName: "digest", Duration: time.Second, Err: errors.New("x")})
	c.Record(ctx, events.Event{Kind: events.Released, JobName: "sync", Reason: events.ReasonConcurrency})

	got := collect(t, reader)

	occ := got[MetricOccurrences]
	assert.Equal(t, int64(2), sumWhere(t, occ, AttrKind.String("claimed"), AttrJobName.String("digest")))
	assert.Equal(t, int64(1), sumWhere(t, occ, AttrKind.String("succeeded")))
	assert.Equal(t, int64(1), sumWhere(t, occ, AttrKind.String("failed")))
	assert.Equal(t, int64(1), sumWhere(t, occ, AttrKind.String("released"), AttrReason.String(events.ReasonConcurrency)))

	hist, ok := got[MetricHandlerDuration].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	var sum float64
	for _, dp := range hist.DataPoints {
		count += dp.Count
		sum += dp.Sum
	}
	assert.Equal(t, uint64(2), count)
	assert.InDelta(t, 1.25, sum, 1e-9)
}

func TestStoreHealth(t *testing.T) {
	c, reader := newCollector(t, events.NewBus())
	ctx := context.Background()

	gauge := func() int64 {
		g, ok := collect(t, reader)[MetricStoreAvailable].Data.(metricdata.Gauge[int64])
		require.True(t, ok)
		require.Len(t, g.DataPoints, 1)
		return g.DataPoints[0].Value
	}

	assert.Equal(t, int64(1), gauge())

	c.Record(ctx, events.Event{Kind: events.PollFailed})
	c.Record(ctx, events.Event{Kind: events.PollFailed})
	c.Record(ctx, events.Event{Kind: events.StoreUnavailable})
	assert.Equal(t, int64(0), gauge())

	c.Record(ctx, events.Event{Kind: events.StoreRecovered})
	assert.Equal(t, int64(1), gauge())

	assert.Equal(t, int64(2), sumWhere(t, collect(t, reader)[MetricPollFailures]))
}

func TestCollectorConsumesBus(t *testing.T) {
	bus := events.NewBus()
	c, reader := newCollector(t, bus)
	c.Start()

	for i := 0; i < 5; i++ {
		bus.Publish(events.Event{Kind: events.Claimed, JobName: "sync"})
	}
	c.Stop()

	got := collect(t, reader)
	assert.Equal(t, int64(5), sumWhere(t, got[MetricOccurrences], AttrKind.String("claimed")))
}

func TestDroppedEventsAreObserved(t *testing.T) {
	bus := events.NewBus()
	slow := bus.Subscribe(1)
	defer bus.Unsubscribe(slow)

	_, reader := newCollector(t, bus)
	bus.Publish(events.Event{Kind: events.Claimed})
	bus.Publish(events.Event{Kind: events.Claimed})
	bus.Publish(events.Event{Kind: events.Claimed})

	assert.Equal(t, int64(2), sumWhere(t, collect(t, reader)[MetricEventsDropped]))
}

func TestNewCollectorRequiresProvider(t *testing.T) {
	_, err := NewCollector(nil, events.NewBus(), nil)
	assert.True(t, errors.IsInvalidRequestError(err))
}
