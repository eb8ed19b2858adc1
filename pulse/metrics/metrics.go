// Package metrics turns the scheduler's event stream into OpenTelemetry
// instruments.
//
// The collector is a bus subscriber like any other: it never sits on the
// dispatch path, and a slow exporter costs dropped events, not latency.
package metrics

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/tasmidur/agenda-schedular/errors"
	"github.com/tasmidur/agenda-schedular/pulse/events"
)

// Instrument names
const (
	MetricOccurrences     = "pulse.occurrences"
	MetricHandlerDuration = "pulse.handler.duration"
	MetricPollFailures    = "pulse.poll.failures"
	MetricStoreAvailable  = "pulse.store.available"
	MetricEventsDropped   = "pulse.events.dropped"
)

// Attribute keys
const (
	AttrKind    = attribute.Key("kind")
	AttrJobName = attribute.Key("job_name")
	AttrReason  = attribute.Key("reason")
	AttrResult  = attribute.Key("result")
)

const subscriberBuffer = 1024

// Collector records lifecycle events into OpenTelemetry instruments.
type Collector struct {
	bus    *events.Bus
	logger *zap.SugaredLogger

	occurrences  metric.Int64Counter
	duration     metric.Float64Histogram
	pollFailures metric.Int64Counter
	registration metric.Registration

	available atomic.Int64

	sub <-chan events.Event
	wg  sync.WaitGroup
}

// NewCollector creates the instruments on provider. bus also backs the
// dropped-events counter.
func NewCollector(provider metric.MeterProvider, bus *events.Bus, logger *zap.SugaredLogger) (*Collector, error) {
	if provider == nil {
		return nil, errors.NewInvalidRequestError("meter provider is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	meter := provider.Meter("github.com/tasmidur/agenda-schedular/pulse")

	c := &Collector{bus: bus, logger: logger.Named("metrics")}
	c.available.Store(1)

	var err error
	c.occurrences, err = meter.Int64Counter(MetricOccurrences,
		metric.WithDescription("Occurrence lifecycle transitions"),
		metric.WithUnit("{occurrence}"))
	if err != nil {
		return nil, errors.Wrap(err, "create occurrences counter")
	}

	c.duration, err = meter.Float64Histogram(MetricHandlerDuration,
		metric.WithDescription("Handler run time"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900))
	if err != nil {
		return nil, errors.Wrap(err, "create duration histogram")
	}

	c.pollFailures, err = meter.Int64Counter(MetricPollFailures,
		metric.WithDescription("Failed claim attempts"),
		metric.WithUnit("{poll}"))
	if err != nil {
		return nil, errors.Wrap(err, "create poll failure counter")
	}

	available, err := meter.Int64ObservableGauge(MetricStoreAvailable,
		metric.WithDescription("1 while the store answers claims, 0 while the poll loop backs off"))
	if err != nil {
		return nil, errors.Wrap(err, "create store gauge")
	}
	dropped, err := meter.Int64ObservableCounter(MetricEventsDropped,
		metric.WithDescription("Events skipped because a subscriber was full"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, errors.Wrap(err, "create dropped counter")
	}

	c.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(available, c.available.Load())
		o.ObserveInt64(dropped, c.bus.Dropped())
		return nil
	}, available, dropped)
	if err != nil {
		return nil, errors.Wrap(err, "register observable callback")
	}

	return c, nil
}

// Start subscribes to the bus and records events until Stop.
func (c *Collector) Start() {
	if c.bus == nil {
		return
	}
	c.sub = c.bus.Subscribe(subscriberBuffer)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for e := range c.sub {
			c.Record(context.Background(), e)
		}
	}()
}

// Stop unsubscribes, records whatever was already buffered, and
// unregisters the observable callback.
func (c *Collector) Stop() {
	if c.sub != nil {
		c.bus.Unsubscribe(c.sub)
		c.wg.Wait()
		c.sub = nil
	}
	if c.registration != nil {
		if err := c.registration.Unregister(); err != nil {
			c.logger.Warnw("Failed to unregister metrics callback", "error", err)
		}
		c.registration = nil
	}
}

// Record applies one event to the instruments.
func (c *Collector) Record(ctx context.Context, e events.Event) {
	switch e.Kind {
	case events.PollFailed:
		c.pollFailures.Add(ctx, 1)
		return
	case events.StoreUnavailable:
		c.available.Store(0)
		return
	case events.StoreRecovered:
		c.available.Store(1)
		return
	}

	attrs := []attribute.KeyValue{
		AttrKind.String(string(e.Kind)),
		AttrJobName.String(e.JobName),
	}
	if e.Kind == events.Released {
		attrs = append(attrs, AttrReason.String(e.Reason))
	}
	c.occurrences.Add(ctx, 1, metric.WithAttributes(attrs...))

	switch e.Kind {
	case events.Succeeded:
		c.duration.Record(ctx, e.Duration.Seconds(), metric.WithAttributes(
			AttrJobName.String(e.JobName), AttrResult.String("success")))
	case events.Failed:
		c.duration.Record(ctx, e.Duration.Seconds(), metric.WithAttributes(
			AttrJobName.String(e.JobName), AttrResult.String("failure")))
	}
}
