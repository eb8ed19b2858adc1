package config

import (
	"time"

	"github.com/tasmidur/agenda-schedular/errors"
)

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "sqlite3", "postgres":
	default:
		return errors.Newf("database.driver must be sqlite3 or postgres, got %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" && c.Pulse.Store != "redis" {
		return errors.New("database.dsn is required for the postgres driver")
	}

	switch c.Pulse.Store {
	case "", "sql", "redis":
	default:
		return errors.Newf("pulse.store must be sql or redis, got %q", c.Pulse.Store)
	}

	if c.Pulse.PollIntervalMS < 0 {
		return errors.Newf("pulse.poll_interval_ms must be >= 0, got %d", c.Pulse.PollIntervalMS)
	}
	if c.Pulse.BatchSize < 0 {
		return errors.Newf("pulse.batch_size must be >= 0, got %d", c.Pulse.BatchSize)
	}
	if c.Pulse.StaleLockSeconds < 0 {
		return errors.Newf("pulse.stale_lock_seconds must be >= 0, got %d", c.Pulse.StaleLockSeconds)
	}
	if c.Pulse.DefaultConcurrency < 0 {
		return errors.Newf("pulse.default_concurrency must be >= 0, got %d", c.Pulse.DefaultConcurrency)
	}

	seen := make(map[string]bool, len(c.Jobs))
	for i, j := range c.Jobs {
		if j.Name == "" {
			return errors.Newf("jobs[%d]: name is required", i)
		}
		if seen[j.Name] {
			return errors.Newf("jobs[%d]: duplicate job name %q", i, j.Name)
		}
		seen[j.Name] = true

		if j.Cron != "" && j.At != "" {
			return errors.Newf("job %q: set cron or at, not both", j.Name)
		}
		if j.At != "" {
			if _, err := time.Parse(time.RFC3339, j.At); err != nil {
				return errors.Wrapf(err, "job %q: at must be RFC3339", j.Name)
			}
		}
		switch j.Handler {
		case "", "log":
		case "exec":
			if j.Command == "" {
				return errors.Newf("job %q: exec handler needs a command", j.Name)
			}
		case "webhook":
			if j.URL == "" {
				return errors.Newf("job %q: webhook handler needs a url", j.Name)
			}
		default:
			return errors.Newf("job %q: unknown handler %q", j.Name, j.Handler)
		}
		if j.Concurrency < 0 {
			return errors.Newf("job %q: concurrency must be >= 0", j.Name)
		}
	}
	return nil
}
