package commands

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/tasmidur/agenda-schedular/config"
	"github.com/tasmidur/agenda-schedular/db"
	"github.com/tasmidur/agenda-schedular/errors"
	"github.com/tasmidur/agenda-schedular/logger"
	"github.com/tasmidur/agenda-schedular/pulse/registry"
	"github.com/tasmidur/agenda-schedular/pulse/schedule"
	"github.com/tasmidur/agenda-schedular/pulse/store"
	"github.com/tasmidur/agenda-schedular/pulse/store/redisstore"
	"github.com/tasmidur/agenda-schedular/pulse/store/sqlstore"
	"github.com/tasmidur/agenda-schedular/pulse/ticker"
)

// loadConfig resolves configuration from the --config flag or the
// standard search path.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Resolve(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	return cfg, nil
}

// configPath returns the file a watcher should follow, or "".
func configPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path
	}
	return config.ProjectConfigPath()
}

// openStore opens the backend selected by cfg.Pulse.Store. The returned
// closer releases the underlying connection.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func() error, error) {
	switch cfg.Pulse.Store {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, errors.WithDetailf(
				errors.Wrap(err, "failed to connect to redis"),
				"addr: %s", cfg.Redis.Addr)
		}
		return redisstore.New(client, cfg.Redis.Prefix, logger.Logger), client.Close, nil

	default:
		conn, dialect, err := openDatabase(cfg)
		if err != nil {
			return nil, nil, err
		}
		return sqlstore.New(conn, dialect, logger.Logger), conn.Close, nil
	}
}

func databaseTarget(cfg *config.Config) (db.Dialect, string, error) {
	dialect, err := db.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return "", "", err
	}
	if dialect == db.Postgres {
		return dialect, cfg.Database.DSN, nil
	}
	return dialect, cfg.Database.Path, nil
}

// tickerConfig maps the [pulse] section onto the poll loop.
func tickerConfig(cfg *config.Config) ticker.Config {
	return ticker.Config{
		Interval:           cfg.Pulse.PollInterval(),
		BatchSize:          cfg.Pulse.BatchSize,
		StaleLockThreshold: cfg.Pulse.StaleLockThreshold(),
		WorkerID:           cfg.Pulse.WorkerID,
		BreakerFailures:    cfg.Pulse.BreakerFailures,
		StoreRetryBackoff:  cfg.Pulse.StoreRetryBackoff(),
	}
}

// jobSpec turns a declared job into its schedule. ok is false for jobs that
// only run when triggered.
func jobSpec(job config.JobConfig) (spec schedule.Spec, ok bool, err error) {
	switch {
	case job.Cron != "":
		spec = schedule.Recurring(job.Cron)
	case job.At != "":
		at, err := time.Parse(time.RFC3339, job.At)
		if err != nil {
			return schedule.Spec{}, false, errors.NewInvalidScheduleError("job %q: at %q is not RFC3339", job.Name, job.At)
		}
		spec = schedule.OneTime(at)
	default:
		return schedule.Spec{}, false, nil
	}
	if err := spec.Validate(); err != nil {
		return schedule.Spec{}, false, errors.Wrapf(err, "job %q", job.Name)
	}
	return spec, true, nil
}

// chainID derives the id of a declared job's first occurrence from its name
// and schedule. Restarting with the same declaration finds the chain
// already present; changing the schedule starts a new chain.
func chainID(name string, spec schedule.Spec) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name+"|"+spec.String())).String()
}

// buildRegistry registers every declared job with its configured handler.
func buildRegistry(cfg *config.Config) (*registry.Registry, error) {
	reg := registry.New()
	for _, job := range cfg.Jobs {
		if err := registerJob(reg, cfg, job); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// registrar is satisfied by both *registry.Registry and *pulse.Scheduler.
type registrar interface {
	Register(def registry.Definition) error
}

func registerJob(reg registrar, cfg *config.Config, job config.JobConfig) error {
	h, err := newHandler(job, cfg.Pulse)
	if err != nil {
		return err
	}
	concurrency := job.Concurrency
	if concurrency <= 0 {
		concurrency = cfg.Pulse.DefaultConcurrency
	}
	return reg.Register(registry.Definition{
		Name:        job.Name,
		Handler:     h,
		Concurrency: concurrency,
	})
}
