package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/tasmidur/agenda-schedular/config"
	"github.com/tasmidur/agenda-schedular/errors"
	"github.com/tasmidur/agenda-schedular/logger"
	"github.com/tasmidur/agenda-schedular/pulse"
	"github.com/tasmidur/agenda-schedular/pulse/events"
	"github.com/tasmidur/agenda-schedular/pulse/metrics"
)

// ServeCmd runs the scheduler in the foreground.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler",
	Long: `Run the scheduler in the foreground.

Every [[jobs]] entry in the configuration is registered. Entries with cron
or at are scheduled on start-up; restarting with the same declaration does
not duplicate them. Other processes pointed at the same store may run
serve too: each due occurrence is claimed by exactly one of them.

The process runs until interrupted (Ctrl+C), then stops polling and waits
for running jobs up to --grace.

Examples:
  pulse serve                      # Use pulse.toml from the current tree
  pulse serve --config prod.toml   # Explicit config file
  pulse serve --watch              # Apply poll settings when the file changes`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().Bool("watch", false, "Reload poll settings and new jobs when the config file changes")
	ServeCmd.Flags().Duration("grace", 30*time.Second, "How long to wait for running jobs on shutdown")
	ServeCmd.Flags().Duration("report", time.Minute, "Interval between metrics summaries in the log (0 disables)")
}

func runServe(cmd *cobra.Command, args []string) error {
	watch, _ := cmd.Flags().GetBool("watch")
	grace, _ := cmd.Flags().GetDuration("grace")
	reportEvery, _ := cmd.Flags().GetDuration("report")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	s, err := pulse.New(pulse.Options{
		Store:         st,
		Ticker:        tickerConfig(cfg),
		Logger:        logger.Logger,
		MeterProvider: provider,
	})
	if err != nil {
		return err
	}

	if err := declareJobs(ctx, s, cfg); err != nil {
		return err
	}

	health := s.Subscribe(16)
	go logStoreHealth(health, logger.Logger.Named("pulse"))

	if err := s.Start(); err != nil {
		return err
	}

	fmt.Printf("Pulse scheduler started\n")
	fmt.Printf("  Store: %s\n", cfg.Pulse.Store)
	fmt.Printf("  Worker: %s\n", s.WorkerID())
	fmt.Printf("  Poll interval: %v\n", cfg.Pulse.PollInterval())
	fmt.Printf("  Jobs: %d\n", len(cfg.Jobs))
	fmt.Printf("\nPress Ctrl+C for graceful shutdown\n\n")

	if watch {
		path := configPath(cmd)
		if path == "" {
			logger.Warnw("--watch given but no config file in use")
		} else {
			w, err := config.NewWatcher(path, logger.Logger.Named("config"))
			if err != nil {
				return err
			}
			w.OnReload(func(next *config.Config) error {
				s.Apply(tickerConfig(next))
				return declareNewJobs(ctx, s, next)
			})
			w.Start()
			defer w.Stop()
		}
	}

	if reportEvery > 0 {
		go reportMetrics(ctx, reader, reportEvery, logger.Logger.Named("metrics"))
	}

	<-ctx.Done()
	fmt.Printf("\nInitiating graceful shutdown...\n")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.Stop(shutdownCtx); err != nil {
		return err
	}

	fmt.Printf("Pulse scheduler stopped\n")
	return nil
}

// declareJobs registers and schedules every configured job.
func declareJobs(ctx context.Context, s *pulse.Scheduler, cfg *config.Config) error {
	for _, job := range cfg.Jobs {
		if err := registerJob(s, cfg, job); err != nil {
			return err
		}
		if err := scheduleDeclared(ctx, s, job); err != nil {
			return err
		}
	}
	return nil
}

// declareNewJobs handles a reloaded config: names seen for the first time
// are registered and scheduled. Existing registrations are immutable.
func declareNewJobs(ctx context.Context, s *pulse.Scheduler, cfg *config.Config) error {
	var errs []error
	for _, job := range cfg.Jobs {
		if s.Registry().Has(job.Name) {
			continue
		}
		if err := registerJob(s, cfg, job); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := scheduleDeclared(ctx, s, job); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// scheduleDeclared makes the store match a job's declaration: its chain is
// scheduled once, and Recurring chains left by an earlier cron are
// retired. A job without cron or at keeps no Recurring chain.
func scheduleDeclared(ctx context.Context, s *pulse.Scheduler, job config.JobConfig) error {
	spec, ok, err := jobSpec(job)
	if err != nil {
		return err
	}
	keep := ""
	if ok {
		keep = chainID(job.Name, spec)
		if _, err := s.ScheduleWithID(ctx, keep, job.Name, spec, []byte(job.Payload)); err != nil {
			return err
		}
	}
	if _, err := s.Retire(ctx, job.Name, keep); err != nil {
		return err
	}
	return nil
}

// logStoreHealth surfaces breaker transitions at a level operators see.
func logStoreHealth(ch <-chan events.Event, log *zap.SugaredLogger) {
	for e := range ch {
		switch e.Kind {
		case events.StoreUnavailable:
			log.Errorw("Store unavailable, claims paused", logger.FieldWorkerID, e.WorkerID)
		case events.StoreRecovered:
			log.Infow("Store recovered, claims resumed", logger.FieldWorkerID, e.WorkerID)
		}
	}
}

// reportMetrics periodically logs a summary of the scheduler's counters.
func reportMetrics(ctx context.Context, reader *sdkmetric.ManualReader, every time.Duration, log *zap.SugaredLogger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			var rm metricdata.ResourceMetrics
			if err := reader.Collect(ctx, &rm); err != nil {
				log.Debugw("Metrics collection failed", logger.FieldError, err)
				continue
			}
			if summary := summarize(rm); len(summary) > 0 {
				log.Infow("Pulse metrics", summary...)
			}
		}
	}
}

// summarize flattens int64 sums into key/value pairs, one per kind.
func summarize(rm metricdata.ResourceMetrics) []interface{} {
	var out []interface{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			totals := map[string]int64{}
			var order []string
			for _, dp := range sum.DataPoints {
				key := m.Name
				if kind, ok := dp.Attributes.Value(metrics.AttrKind); ok {
					key += "." + kind.AsString()
				}
				if _, seen := totals[key]; !seen {
					order = append(order, key)
				}
				totals[key] += dp.Value
			}
			for _, key := range order {
				out = append(out, key, totals[key])
			}
		}
	}
	return out
}
