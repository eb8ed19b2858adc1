// Package ticker is the scheduler's poll loop.
//
// Every interval the ticker claims a batch of due occurrences from the store
// and hands each one to the dispatcher. Claims go through a circuit breaker:
// after repeated store failures the loop stops hitting the store for a
// backoff period, then tries a single claim before resuming.
package ticker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/tasmidur/agenda-schedular/errors"
	"github.com/tasmidur/agenda-schedular/logger"
	"github.com/tasmidur/agenda-schedular/pulse/events"
	"github.com/tasmidur/agenda-schedular/pulse/store"
)

// Dispatcher receives claimed occurrences. Dispatch must not block on the
// handler.
type Dispatcher interface {
	Dispatch(ctx context.Context, occ *store.Occurrence) error
	Running() int
}

// Config contains configuration for the poll loop.
type Config struct {
	Interval           time.Duration // How often to claim (default: 1 second)
	BatchSize          int           // Max occurrences claimed per tick
	StaleLockThreshold time.Duration // Locks older than this are reclaimable
	WorkerID           string        // Lock owner written on claim

	// Breaker settings. Fixed at construction; Apply ignores them.
	BreakerFailures   int           // Consecutive claim failures before backing off
	StoreRetryBackoff time.Duration // How long to back off before probing again
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:           time.Second,
		BatchSize:          10,
		StaleLockThreshold: 10 * time.Minute,
		WorkerID:           DefaultWorkerID(),
		BreakerFailures:    5,
		StoreRetryBackoff:  5 * time.Second,
	}
}

// DefaultWorkerID identifies this process as host:pid:random.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.StaleLockThreshold <= 0 {
		c.StaleLockThreshold = def.StaleLockThreshold
	}
	if c.WorkerID == "" {
		c.WorkerID = def.WorkerID
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = def.BreakerFailures
	}
	if c.StoreRetryBackoff <= 0 {
		c.StoreRetryBackoff = def.StoreRetryBackoff
	}
	return c
}

// Stats is a snapshot of the loop's activity.
type Stats struct {
	Ticks             int64
	LastTickAt        time.Time
	Claimed           int64
	ConsecutiveErrors int
	BreakerState      string
}

// Ticker manages the periodic claim of due occurrences.
type Ticker struct {
	store      store.Store
	dispatcher Dispatcher
	bus        *events.Bus
	breaker    *gobreaker.CircuitBreaker[[]*store.Occurrence]
	memory     func() (MemoryStats, error)
	workerID   string
	jobNames   func() []string // nil claims every name

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.SugaredLogger

	mu                sync.Mutex
	cfg               Config
	reset             chan struct{}
	lastTickAt        time.Time
	ticksSinceStart   int64
	claimedTotal      int64
	consecutiveErrors int
	lastActiveWork    int // Track last active work count to detect changes
	lastNextID        string
}

// New creates a ticker. bus may be nil.
func New(st store.Store, d Dispatcher, bus *events.Bus, cfg Config, logger *zap.SugaredLogger) *Ticker {
	return NewWithContext(context.Background(), st, d, bus, cfg, logger)
}

// NewWithContext creates a ticker with a parent context
func NewWithContext(ctx context.Context, st store.Store, d Dispatcher, bus *events.Bus, cfg Config, log *zap.SugaredLogger) *Ticker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	cfg = cfg.withDefaults()
	tickerCtx, cancel := context.WithCancel(ctx)

	t := &Ticker{
		store:      st,
		dispatcher: d,
		bus:        bus,
		memory:     ReadMemoryStats,
		workerID:   cfg.WorkerID,
		ctx:        tickerCtx,
		cancel:     cancel,
		logger:     log.Named("ticker"),
		cfg:        cfg,
		reset:      make(chan struct{}, 1),
		// -1 so the first tick always logs a status line
		lastActiveWork: -1,
	}
	t.breaker = gobreaker.NewCircuitBreaker[[]*store.Occurrence](gobreaker.Settings{
		Name:        "pulse.claim",
		MaxRequests: 1,
		Timeout:     cfg.StoreRetryBackoff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerFailures)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.IsStoreClosedError(err)
		},
		OnStateChange: t.onBreakerStateChange,
	})
	return t
}

// FilterJobs restricts claims to the names returned by names, read on every
// tick. Occurrences of other names stay in the store for a process that
// can run them. Call before Start.
func (t *Ticker) FilterJobs(names func() []string) {
	t.jobNames = names
}

// Start begins the poll loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	cfg := t.Config()
	t.logger.Infow("Pulse ticker started",
		logger.FieldInterval, cfg.Interval,
		logger.FieldBatchSize, cfg.BatchSize,
		logger.FieldWorkerID, cfg.WorkerID)
}

// Stop cancels the loop and waits for the current tick to finish. Running
// handlers are not waited for; see dispatch.Dispatcher.Shutdown.
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.logger.Infow("Pulse ticker stopped")
}

// Config returns the active configuration.
func (t *Ticker) Config() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

// Apply swaps interval, batch size and stale lock threshold on a running
// ticker. Zero values keep the current setting.
func (t *Ticker) Apply(cfg Config) {
	t.mu.Lock()
	changed := false
	if cfg.Interval > 0 && cfg.Interval != t.cfg.Interval {
		t.cfg.Interval = cfg.Interval
		changed = true
	}
	if cfg.BatchSize > 0 {
		t.cfg.BatchSize = cfg.BatchSize
	}
	if cfg.StaleLockThreshold > 0 {
		t.cfg.StaleLockThreshold = cfg.StaleLockThreshold
	}
	applied := t.cfg
	t.mu.Unlock()

	if changed {
		select {
		case t.reset <- struct{}{}:
		default:
		}
	}
	t.logger.Infow("Pulse ticker reconfigured",
		logger.FieldInterval, applied.Interval,
		logger.FieldBatchSize, applied.BatchSize)
}

// Stats returns a snapshot of loop activity.
func (t *Ticker) Stats() Stats {
	state := t.breaker.State().String()

	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Ticks:             t.ticksSinceStart,
		LastTickAt:        t.lastTickAt,
		Claimed:           t.claimedTotal,
		ConsecutiveErrors: t.consecutiveErrors,
		BreakerState:      state,
	}
}

func (t *Ticker) run() {
	defer t.wg.Done()

	interval := t.Config().Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.reset:
			interval = t.Config().Interval
			ticker.Reset(interval)
		case tickTime := <-ticker.C:
			if _, err := t.Tick(tickTime.UTC()); err != nil && !errors.Is(err, errors.ErrStoreUnavailable) {
				t.logger.Debugw("Pulse tick error", logger.FieldError, err)
			}
		}
	}
}

// Tick claims one batch at now and dispatches it. It returns the number of
// occurrences claimed. While the breaker is open no claim is attempted and
// the error wraps ErrStoreUnavailable.
func (t *Ticker) Tick(now time.Time) (int, error) {
	t.mu.Lock()
	cfg := t.cfg
	t.lastTickAt = now
	t.ticksSinceStart++
	t.mu.Unlock()

	var names []string
	if t.jobNames != nil {
		if names = t.jobNames(); names == nil {
			names = []string{}
		}
	}

	occs, err := t.breaker.Execute(func() ([]*store.Occurrence, error) {
		return t.store.ClaimDue(t.ctx, store.ClaimRequest{
			Limit:              cfg.BatchSize,
			WorkerID:           cfg.WorkerID,
			StaleLockThreshold: cfg.StaleLockThreshold,
			Now:                now,
			JobNames:           names,
		})
	})
	if err != nil {
		return 0, t.claimFailed(err, now, cfg)
	}
	t.claimSucceeded(len(occs))

	// Claimed rows are locked; dispatch them all even if Stop races this tick,
	// so none waits out the stale-lock window.
	dispatchCtx := context.WithoutCancel(t.ctx)
	for _, occ := range occs {
		t.bus.Publish(events.Event{
			Kind:         events.Claimed,
			At:           now,
			OccurrenceID: occ.ID,
			JobName:      occ.JobName,
			WorkerID:     cfg.WorkerID,
			FailCount:    occ.FailCount,
		})
		if err := t.dispatcher.Dispatch(dispatchCtx, occ); err != nil {
			t.logger.Errorw("Failed to dispatch occurrence",
				logger.FieldOccurrenceID, occ.ID,
				logger.FieldJobName, occ.JobName,
				logger.FieldError, err)
		}
	}

	t.logStatus(now)
	return len(occs), nil
}

func (t *Ticker) claimFailed(err error, now time.Time, cfg Config) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.WithDetailf(
			errors.Wrap(errors.ErrStoreUnavailable, "claim skipped"),
			"backoff: %s", cfg.StoreRetryBackoff)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.IsStoreClosedError(err) {
		t.logger.Debugw("Store closed, claim skipped", logger.FieldWorkerID, cfg.WorkerID)
		return err
	}

	t.mu.Lock()
	t.consecutiveErrors++
	count := t.consecutiveErrors
	t.mu.Unlock()

	t.logger.Errorw("Failed to claim due occurrences",
		logger.FieldWorkerID, cfg.WorkerID,
		logger.FieldError, err,
		logger.FieldConsecutiveErrors, count)
	t.bus.Publish(events.Event{
		Kind:     events.PollFailed,
		At:       now,
		WorkerID: cfg.WorkerID,
		Err:      err,
	})
	return errors.Wrap(err, "claim due occurrences")
}

func (t *Ticker) claimSucceeded(n int) {
	t.mu.Lock()
	previous := t.consecutiveErrors
	t.consecutiveErrors = 0
	t.claimedTotal += int64(n)
	t.mu.Unlock()

	if previous > 0 {
		t.logger.Infow("Claims recovered from errors", "previous_error_count", previous)
	}
}

func (t *Ticker) onBreakerStateChange(name string, from, to gobreaker.State) {
	t.logger.Warnw("Store circuit breaker changed state",
		"breaker", name,
		"from", from.String(),
		logger.FieldState, to.String())

	switch to {
	case gobreaker.StateOpen:
		t.bus.Publish(events.Event{Kind: events.StoreUnavailable, WorkerID: t.workerID})
	case gobreaker.StateClosed:
		t.bus.Publish(events.Event{Kind: events.StoreRecovered, WorkerID: t.workerID})
	}
}

// logStatus logs a status line when running work or the next due
// occurrence changes.
func (t *Ticker) logStatus(now time.Time) {
	active := t.dispatcher.Running()

	var next *store.Occurrence
	pending, err := t.store.List(t.ctx, store.ListFilter{PendingOnly: true, Limit: 1})
	if err != nil {
		t.logger.Debugw("Failed to read next occurrence", logger.FieldError, err)
	} else if len(pending) > 0 {
		next = pending[0]
	}
	nextID := ""
	if next != nil {
		nextID = next.ID
	}

	t.mu.Lock()
	changed := active != t.lastActiveWork || nextID != t.lastNextID
	t.lastActiveWork = active
	t.lastNextID = nextID
	t.mu.Unlock()
	if !changed {
		return
	}

	fields := []interface{}{logger.FieldInFlight, active}
	if mem, err := t.memory(); err == nil {
		fields = append(fields,
			"mem_used_gb", fmt.Sprintf("%.1f", mem.UsedGB),
			"mem_total_gb", fmt.Sprintf("%.1f", mem.TotalGB),
			"mem_percent", fmt.Sprintf("%.0f", mem.Percent))
	}

	if next == nil || next.NextRunAt == nil {
		t.logger.Infow("Pulse - no scheduled occurrences", fields...)
		return
	}

	until := next.NextRunAt.Sub(now)
	if until < 0 {
		until = 0
	}
	fields = append(fields,
		logger.FieldJobName, next.JobName,
		logger.FieldNextRunAt, next.NextRunAt.Format(time.RFC3339),
		"in", until.Round(time.Second).String())
	t.logger.Infow("Pulse - next scheduled occurrence", fields...)
}
