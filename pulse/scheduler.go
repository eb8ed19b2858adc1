// Package pulse is the durable job scheduler.
//
// A Scheduler wires the pieces together: handlers live in a registry,
// occurrences live in a store, the ticker claims due occurrences and the
// dispatcher runs them. Every process pointed at the same store may run a
// Scheduler; the store's atomic claim keeps a due occurrence to one runner.
//
//	s, _ := pulse.New(pulse.Options{Store: st})
//	s.Register(registry.Definition{Name: "digest", Handler: digest})
//	s.Schedule(ctx, "digest", schedule.Recurring("0 12 * * *"), nil)
//	s.Start()
//	defer s.Stop(ctx)
package pulse

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/tasmidur/agenda-schedular/errors"
	"github.com/tasmidur/agenda-schedular/logger"
	"github.com/tasmidur/agenda-schedular/pulse/dispatch"
	"github.com/tasmidur/agenda-schedular/pulse/events"
	"github.com/tasmidur/agenda-schedular/pulse/metrics"
	"github.com/tasmidur/agenda-schedular/pulse/registry"
	"github.com/tasmidur/agenda-schedular/pulse/schedule"
	"github.com/tasmidur/agenda-schedular/pulse/store"
	"github.com/tasmidur/agenda-schedular/pulse/ticker"
	"github.com/tasmidur/agenda-schedular/pulse/trigger"
)

// Options configures a Scheduler. Store is required.
type Options struct {
	Store  store.Store
	Ticker ticker.Config
	// Now replaces time.Now for scheduling and completion timestamps.
	Now    func() time.Time
	Logger *zap.SugaredLogger
	// MeterProvider enables OpenTelemetry instruments fed from the event stream.
	MeterProvider metric.MeterProvider
}

// Scheduler is the public face of the engine.
type Scheduler struct {
	registry   *registry.Registry
	store      store.Store
	bus        *events.Bus
	dispatcher *dispatch.Dispatcher
	ticker     *ticker.Ticker
	gateway    *trigger.Gateway
	collector  *metrics.Collector
	logger     *zap.SugaredLogger
	now        func() time.Time

	mu      sync.Mutex
	started bool
	stopped bool
}

// New wires a scheduler around opts.Store. Nothing runs until Start.
func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, errors.NewInvalidRequestError("scheduler needs a store")
	}
	log := opts.Logger
	if log == nil {
		log = logger.ComponentLogger("pulse")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	cfg := opts.Ticker
	if cfg.WorkerID == "" {
		cfg.WorkerID = ticker.DefaultWorkerID()
	}

	s := &Scheduler{
		registry: registry.New(),
		store:    opts.Store,
		bus:      events.NewBus(),
		logger:   log,
		now:      now,
	}
	s.dispatcher = dispatch.New(s.registry, s.store, s.bus, cfg.WorkerID, log, dispatch.WithClock(now))
	s.ticker = ticker.New(s.store, s.dispatcher, s.bus, cfg, log)
	s.ticker.FilterJobs(s.registry.Names)
	s.gateway = trigger.New(s.registry, s.store, now, log)

	if opts.MeterProvider != nil {
		collector, err := metrics.NewCollector(opts.MeterProvider, s.bus, log)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create metrics collector")
		}
		s.collector = collector
	}
	return s, nil
}

// Register adds a job definition. Allowed before and after Start.
func (s *Scheduler) Register(def registry.Definition) error {
	if err := s.registry.Register(def); err != nil {
		return err
	}
	s.logger.Debugw("Registered job", logger.FieldJobName, def.Name, logger.FieldLimit, def.Limit())
	return nil
}

// Schedule validates spec and inserts the first occurrence of jobName.
// Every call starts a new chain; use ScheduleWithID to make start-up
// expansion idempotent across restarts.
func (s *Scheduler) Schedule(ctx context.Context, jobName string, spec schedule.Spec, payload []byte) (string, error) {
	return s.schedule(ctx, "", jobName, spec, payload)
}

// ScheduleWithID is Schedule with a caller-chosen chain id, which is also
// the id of the chain's first occurrence. While the chain is in the store,
// found by its id through every successor, nothing is inserted and the id
// of its newest occurrence is returned. A chain ended by Retire is resumed
// from its last occurrence.
func (s *Scheduler) ScheduleWithID(ctx context.Context, id, jobName string, spec schedule.Spec, payload []byte) (string, error) {
	if id == "" {
		return "", errors.NewInvalidRequestError("occurrence id is required")
	}
	return s.schedule(ctx, id, jobName, spec, payload)
}

// Retire cancels the pending Recurring occurrences of jobName whose chain
// is not keep, so a job whose schedule changed stops running on the old
// one. An empty keep retires every Recurring chain of the job. One-time
// and immediate occurrences are left alone. It returns how many chains
// were stopped.
func (s *Scheduler) Retire(ctx context.Context, jobName, keep string) (int, error) {
	occs, err := s.store.List(ctx, store.ListFilter{JobName: jobName, PendingOnly: true})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to list pending occurrences of %s", jobName)
	}

	retired := 0
	for _, occ := range occs {
		if !occ.Schedule.IsRecurring() || occ.Chain() == keep {
			continue
		}
		stopped, err := s.cancelChain(ctx, occ)
		if err != nil {
			return retired, errors.Wrapf(err, "failed to retire chain %s of %s", occ.Chain(), jobName)
		}
		if stopped {
			retired++
			s.logger.Infow("Retired schedule",
				logger.FieldJobName, jobName,
				logger.FieldOccurrenceID, occ.ID,
				logger.FieldSchedule, occ.Schedule.String())
		}
	}
	return retired, nil
}

// cancelChain cancels occ, following the chain when occ completed and
// handed over to a successor in the meantime.
func (s *Scheduler) cancelChain(ctx context.Context, occ *store.Occurrence) (bool, error) {
	const attempts = 3
	for i := 0; i < attempts; i++ {
		err := s.store.Cancel(ctx, occ.ID, s.now())
		if !errors.IsNotClaimedError(err) {
			return err == nil, err
		}
		tail, err := s.store.ChainTail(ctx, occ.Chain())
		if err != nil {
			return false, err
		}
		if !tail.Pending() {
			return false, nil
		}
		occ = tail
	}
	return false, errors.Newf("chain %s kept advancing", occ.Chain())
}

// RegisterAndSchedule registers def and schedules its first occurrence.
func (s *Scheduler) RegisterAndSchedule(ctx context.Context, def registry.Definition, spec schedule.Spec, payload []byte) (string, error) {
	if err := s.Register(def); err != nil {
		return "", err
	}
	return s.Schedule(ctx, def.Name, spec, payload)
}

func (s *Scheduler) schedule(ctx context.Context, chainID, jobName string, spec schedule.Spec, payload []byte) (string, error) {
	if !s.registry.Has(jobName) {
		return "", errors.NewNotFoundError("job %q is not registered", jobName)
	}

	now := s.now()
	runAt, err := schedule.FirstRunAt(spec, now)
	if err != nil {
		return "", errors.Wrapf(err, "job %q", jobName)
	}
	if runAt == nil {
		return "", errors.NewInvalidScheduleError("job %q: %s never runs", jobName, spec)
	}

	occ := store.New(jobName, spec, payload, *runAt, now)
	if chainID != "" {
		tail, err := s.store.ChainTail(ctx, chainID)
		switch {
		case errors.IsNotFoundError(err):
			occ.ID = chainID
		case err != nil:
			return "", errors.Wrapf(err, "failed to look up chain %s", chainID)
		case tail.Pending() || tail.LastResult != store.ResultCancelled:
			s.logger.Debugw("Already scheduled", logger.FieldJobName, jobName, logger.FieldOccurrenceID, tail.ID)
			return tail.ID, nil
		default:
			// Same derivation in every process, so concurrent resumes collide.
			occ.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(chainID+"|"+tail.ID)).String()
			occ.PreviousID = tail.ID
		}
		occ.ChainID = chainID
	}
	if err := s.store.Insert(ctx, occ); err != nil {
		if chainID != "" && errors.IsDuplicateIDError(err) {
			s.logger.Debugw("Already scheduled", logger.FieldJobName, jobName, logger.FieldOccurrenceID, occ.ID)
			return occ.ID, nil
		}
		return "", errors.Wrapf(err, "failed to schedule %s", jobName)
	}

	s.logger.Infow("Scheduled job",
		logger.FieldJobName, jobName,
		logger.FieldOccurrenceID, occ.ID,
		logger.FieldSchedule, spec.String(),
		logger.FieldNextRunAt, occ.NextRunAt.Format(time.RFC3339))
	return occ.ID, nil
}

// EnqueueNow asks for an immediate run of jobName. See trigger.Gateway.
func (s *Scheduler) EnqueueNow(ctx context.Context, jobName string, payload []byte) (string, error) {
	return s.gateway.EnqueueNow(ctx, jobName, payload)
}

// EnqueueAt asks for a single run of jobName at `at`.
func (s *Scheduler) EnqueueAt(ctx context.Context, jobName string, payload []byte, at time.Time) (string, error) {
	return s.gateway.EnqueueAt(ctx, jobName, payload, at)
}

// Start launches the poll loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("scheduler already stopped")
	}
	if s.started {
		return nil
	}
	s.started = true

	if s.collector != nil {
		s.collector.Start()
	}
	s.ticker.Start()
	return nil
}

// Stop halts polling, then waits for running handlers until ctx expires.
// A stopped scheduler cannot be restarted.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	if started {
		s.ticker.Stop()
	}
	err := s.dispatcher.Shutdown(ctx)
	if s.collector != nil {
		s.collector.Stop()
	}
	s.bus.Close()
	if err != nil {
		return errors.Wrap(err, "handlers still running at shutdown")
	}
	return nil
}

// Tick runs one poll cycle at now, outside the background loop.
func (s *Scheduler) Tick(now time.Time) (int, error) {
	return s.ticker.Tick(now)
}

// Wait blocks until running handlers finish.
func (s *Scheduler) Wait() {
	s.dispatcher.Wait()
}

// Apply hot-swaps poll settings.
func (s *Scheduler) Apply(cfg ticker.Config) {
	s.ticker.Apply(cfg)
}

// Subscribe returns a lifecycle event stream. See events.Bus.
func (s *Scheduler) Subscribe(buffer int) <-chan events.Event {
	return s.bus.Subscribe(buffer)
}

// Unsubscribe ends a subscription.
func (s *Scheduler) Unsubscribe(ch <-chan events.Event) {
	s.bus.Unsubscribe(ch)
}

// Registry exposes the job registry.
func (s *Scheduler) Registry() *registry.Registry { return s.registry }

// Store exposes the occurrence store.
func (s *Scheduler) Store() store.Store { return s.store }

// Stats reports poll loop activity.
func (s *Scheduler) Stats() ticker.Stats { return s.ticker.Stats() }

// WorkerID is the lock owner this scheduler claims as.
func (s *Scheduler) WorkerID() string { return s.dispatcher.WorkerID() }
