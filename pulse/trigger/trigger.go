// Package trigger is the entry point for ad-hoc runs requested by
// application events. It only writes occurrences; the poll loop runs them.
package trigger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tasmidur/agenda-schedular/errors"
	"github.com/tasmidur/agenda-schedular/logger"
	"github.com/tasmidur/agenda-schedular/pulse/registry"
	"github.com/tasmidur/agenda-schedular/pulse/schedule"
	"github.com/tasmidur/agenda-schedular/pulse/store"
)

// Gateway enqueues occurrences for registered jobs.
type Gateway struct {
	registry *registry.Registry
	store    store.Store
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// New creates a gateway. now may be nil for time.Now.
func New(reg *registry.Registry, st store.Store, now func() time.Time, logger *zap.SugaredLogger) *Gateway {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Gateway{registry: reg, store: st, now: now, logger: logger.Named("trigger")}
}

// EnqueueNow inserts an Immediate occurrence due at the current time and
// returns its id. The handler is not called here.
func (g *Gateway) EnqueueNow(ctx context.Context, jobName string, payload []byte) (string, error) {
	now := g.now()
	return g.enqueue(ctx, jobName, schedule.Immediate(), payload, now, now)
}

// EnqueueAt inserts a OneTime occurrence due at `at`. A past instant is
// due immediately and runs once.
func (g *Gateway) EnqueueAt(ctx context.Context, jobName string, payload []byte, at time.Time) (string, error) {
	spec := schedule.OneTime(at)
	return g.enqueue(ctx, jobName, spec, payload, spec.At, g.now())
}

func (g *Gateway) enqueue(ctx context.Context, jobName string, spec schedule.Spec, payload []byte, runAt, now time.Time) (string, error) {
	if !g.registry.Has(jobName) {
		return "", errors.NewNotFoundError("job %q is not registered", jobName)
	}

	occ := store.New(jobName, spec, payload, runAt, now)
	if err := g.store.Insert(ctx, occ); err != nil {
		return "", errors.Wrapf(err, "failed to enqueue %s", jobName)
	}

	g.logger.Debugw("Enqueued occurrence",
		logger.FieldJobName, jobName,
		logger.FieldOccurrenceID, occ.ID,
		logger.FieldSchedule, spec.String(),
		logger.FieldNextRunAt, occ.NextRunAt)
	return occ.ID, nil
}
