// Package dispatch runs claimed occurrences against their registered
// handlers and writes the outcome back to the store.
//
// Dispatch never blocks on a handler. Each accepted occurrence runs in its
// own goroutine, bounded per job name by the definition's Concurrency.
// Occurrences that cannot run (unknown name, limit reached, shutting down)
// are released so the next tick, on this or another process, can claim
// them again.
package dispatch

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tasmidur/agenda-schedular/errors"
	"github.com/tasmidur/agenda-schedular/logger"
	"github.com/tasmidur/agenda-schedular/pulse/events"
	"github.com/tasmidur/agenda-schedular/pulse/registry"
	"github.com/tasmidur/agenda-schedular/pulse/schedule"
	"github.com/tasmidur/agenda-schedular/pulse/store"
)

const (
	// DefaultWriteAttempts bounds Complete/Release retries on transient store errors.
	DefaultWriteAttempts = 5
	// DefaultWriteDelay is the first retry delay; it doubles per attempt.
	DefaultWriteDelay = 200 * time.Millisecond
	// unregisteredWarnEvery throttles the "no handler" warning per job name.
	unregisteredWarnEvery = time.Minute
)

// pulseLogger adds the opening/closing markers used across the scheduler logs.
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an opening (✿) event at debug level.
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("✿ "+msg, keysAndValues...)
}

// Closing logs a closing (❀) event at warn level.
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw("❀ "+msg, keysAndValues...)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces time.Now. Tests use it to pin completion timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithWriteRetry sets the attempts and first delay for store write-backs.
func WithWriteRetry(attempts uint, delay time.Duration) Option {
	return func(d *Dispatcher) {
		if attempts > 0 {
			d.writeAttempts = attempts
		}
		d.writeDelay = delay
	}
}

// Dispatcher owns the per-name in-flight counters. Counters are local to one
// Dispatcher; cross-process exclusion comes from the store's claim.
type Dispatcher struct {
	registry *registry.Registry
	store    store.Store
	bus      *events.Bus
	logger   pulseLogger
	workerID string
	now      func() time.Time

	writeAttempts uint
	writeDelay    time.Duration

	mu       sync.Mutex
	inFlight map[string]int
	warnings map[string]*rate.Limiter

	// Handler context, cancelled by Shutdown when the grace period runs out.
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopping bool // guarded by mu
}

// New creates a dispatcher that claims as workerID. bus may be nil.
func New(reg *registry.Registry, st store.Store, bus *events.Bus, workerID string, logger *zap.SugaredLogger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		registry:      reg,
		store:         st,
		bus:           bus,
		logger:        pulseLogger{logger.Named("dispatch")},
		workerID:      workerID,
		now:           time.Now,
		writeAttempts: DefaultWriteAttempts,
		writeDelay:    DefaultWriteDelay,
		inFlight:      make(map[string]int),
		warnings:      make(map[string]*rate.Limiter),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// WorkerID is the lock owner this dispatcher completes and releases as.
func (d *Dispatcher) WorkerID() string {
	return d.workerID
}

// Dispatch starts occ or releases it. It returns once the occurrence is
// either running or released; the only error is a failed release.
func (d *Dispatcher) Dispatch(ctx context.Context, occ *store.Occurrence) error {
	def, err := d.registry.Lookup(occ.JobName)
	if err != nil {
		if d.allowWarning(occ.JobName) {
			d.logger.Warnw("No handler registered, releasing occurrence",
				logger.FieldJobName, occ.JobName,
				logger.FieldOccurrenceID, occ.ID)
		}
		return d.release(ctx, occ, events.ReasonUnregistered)
	}

	if reason := d.acquire(def); reason != "" {
		d.logger.Debugw("Not running occurrence, releasing",
			logger.FieldJobName, occ.JobName,
			logger.FieldOccurrenceID, occ.ID,
			logger.FieldLimit, def.Limit(),
			logger.FieldReason, reason)
		return d.release(ctx, occ, reason)
	}

	go func() {
		defer d.wg.Done()
		defer d.done(def.Name)
		d.run(def, occ)
	}()
	return nil
}

// InFlight reports how many occurrences of name are running.
func (d *Dispatcher) InFlight(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight[name]
}

// Wait blocks until every running handler has returned and its outcome
// has been written back.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown stops accepting work and waits for running handlers. If ctx
// expires first, handler contexts are cancelled and ctx's error returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.stopping = true
	d.mu.Unlock()
	d.logger.Closing("Dispatcher shutting down, waiting for handlers")

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		d.logger.Closing("Grace period expired, cancelling running handlers")
		return ctx.Err()
	}
}

// acquire reserves a slot for def and registers the run with the wait
// group, or returns the release reason.
func (d *Dispatcher) acquire(def registry.Definition) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopping {
		return events.ReasonShutdown
	}
	if d.inFlight[def.Name] >= def.Limit() {
		return events.ReasonConcurrency
	}
	d.inFlight[def.Name]++
	d.wg.Add(1)
	return ""
}

func (d *Dispatcher) done(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight[name]--
	if d.inFlight[name] <= 0 {
		delete(d.inFlight, name)
	}
}

func (d *Dispatcher) allowWarning(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	lim, ok := d.warnings[name]
	if !ok {
		lim = rate.NewLimiter(rate.Every(unregisteredWarnEvery), 1)
		d.warnings[name] = lim
	}
	return lim.Allow()
}

func (d *Dispatcher) run(def registry.Definition, occ *store.Occurrence) {
	ctx := logger.WithOccurrence(d.ctx, occ.ID, occ.JobName)
	d.logger.Starting("Running occurrence",
		logger.FieldJobName, occ.JobName,
		logger.FieldOccurrenceID, occ.ID,
		logger.FieldSchedule, occ.Schedule.String())

	started := d.now()
	runErr := execute(ctx, def.Handler, occ)
	finished := store.Truncate(d.now())
	elapsed := finished.Sub(store.Truncate(started))

	completion := store.Completion{
		Result:     store.ResultSuccess,
		FinishedAt: finished,
		Owner:      occ.LockOwner,
	}
	if completion.Owner == "" {
		completion.Owner = d.workerID
	}
	if runErr != nil {
		completion.Result = store.ResultFailure
		completion.Error = runErr.Error()
	}
	completion.Next = d.successor(occ, completion.Result, finished)

	// Write-backs outlive handler cancellation so a shutdown still records outcomes.
	writeCtx := context.WithoutCancel(d.ctx)
	if err := d.retryWrite(writeCtx, func() error {
		return d.store.Complete(writeCtx, occ.ID, completion)
	}); err != nil {
		d.logger.Errorw("Failed to complete occurrence",
			logger.FieldJobName, occ.JobName,
			logger.FieldOccurrenceID, occ.ID,
			logger.FieldResult, completion.Result,
			logger.FieldError, err)
		return
	}

	failCount := 0
	if runErr != nil {
		failCount = occ.FailCount + 1
		d.logger.Warnw("Occurrence failed",
			logger.FieldJobName, occ.JobName,
			logger.FieldOccurrenceID, occ.ID,
			logger.FieldDurationMS, elapsed.Milliseconds(),
			logger.FieldFailCount, failCount,
			logger.FieldError, runErr)
		d.bus.Publish(events.Event{
			Kind:         events.Failed,
			At:           finished,
			OccurrenceID: occ.ID,
			JobName:      occ.JobName,
			WorkerID:     d.workerID,
			Duration:     elapsed,
			Err:          runErr,
			FailCount:    failCount,
		})
	} else {
		d.logger.Infow("Occurrence succeeded",
			logger.FieldJobName, occ.JobName,
			logger.FieldOccurrenceID, occ.ID,
			logger.FieldDurationMS, elapsed.Milliseconds())
		d.bus.Publish(events.Event{
			Kind:         events.Succeeded,
			At:           finished,
			OccurrenceID: occ.ID,
			JobName:      occ.JobName,
			WorkerID:     d.workerID,
			Duration:     elapsed,
		})
	}

	if next := completion.Next; next != nil {
		d.logger.Debugw("Rescheduled",
			logger.FieldJobName, occ.JobName,
			logger.FieldOccurrenceID, next.ID,
			logger.FieldNextRunAt, next.NextRunAt)
		d.bus.Publish(events.Event{
			Kind:         events.Rescheduled,
			At:           finished,
			OccurrenceID: occ.ID,
			JobName:      occ.JobName,
			WorkerID:     d.workerID,
			FailCount:    next.FailCount,
			NextID:       next.ID,
			NextRunAt:    next.NextRunAt,
		})
	}
}

// successor computes the replacement for a Recurring occurrence. The next
// slot follows the occurrence's own due time, so a backlog of missed slots
// drains one per run.
func (d *Dispatcher) successor(occ *store.Occurrence, result store.Result, now time.Time) *store.Occurrence {
	if !occ.Schedule.IsRecurring() {
		return nil
	}
	after := now
	if occ.NextRunAt != nil {
		after = *occ.NextRunAt
	}
	next, err := schedule.NextRunAt(occ.Schedule, after)
	if err != nil || next == nil {
		d.logger.Errorw("Cannot compute next run, chain ends here",
			logger.FieldJobName, occ.JobName,
			logger.FieldOccurrenceID, occ.ID,
			logger.FieldSchedule, occ.Schedule.String(),
			logger.FieldError, err)
		return nil
	}
	return store.Successor(occ, *next, result, now)
}

func (d *Dispatcher) release(ctx context.Context, occ *store.Occurrence, reason string) error {
	owner := occ.LockOwner
	if owner == "" {
		owner = d.workerID
	}
	err := d.retryWrite(ctx, func() error {
		return d.store.Release(ctx, occ.ID, owner)
	})
	if err != nil {
		return errors.WithDetailf(errors.Wrapf(err, "release %s", occ.ID), "reason: %s", reason)
	}
	d.bus.Publish(events.Event{
		Kind:         events.Released,
		At:           d.now().UTC(),
		OccurrenceID: occ.ID,
		JobName:      occ.JobName,
		WorkerID:     d.workerID,
		Reason:       reason,
	})
	return nil
}

// retryWrite retries transient store errors. Lost claims, unknown ids, a
// successor that already exists and a closed store are final.
func (d *Dispatcher) retryWrite(ctx context.Context, fn func() error) error {
	return retry.New(
		retry.Attempts(d.writeAttempts),
		retry.Delay(d.writeDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(retryable),
	).Do(fn)
}

func retryable(err error) bool {
	return !errors.IsNotClaimedError(err) &&
		!errors.IsNotFoundError(err) &&
		!errors.IsDuplicateIDError(err) &&
		!errors.IsStoreClosedError(err)
}

// execute runs the handler, turning a panic into a failure.
func execute(ctx context.Context, h registry.Handler, occ *store.Occurrence) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.WithDetail(errors.Newf("handler panicked: %v", r), string(debug.Stack()))
		}
	}()
	if err := h.Execute(ctx, occ); err != nil {
		return err
	}
	return nil
}

// Running reports how many occurrences are running across all names.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, n := range d.inFlight {
		total += n
	}
	return total
}
