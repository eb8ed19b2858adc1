// Package config loads the scheduler's TOML configuration through viper.
//
// Sources merge in increasing precedence: /etc/pulse/config.toml,
// ~/.pulse/config.toml, the nearest pulse.toml found walking up from the
// working directory, then PULSE_* environment variables.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Redis    RedisConfig    `mapstructure:"redis" toml:"redis"`
	Pulse    PulseConfig    `mapstructure:"pulse" toml:"pulse"`
	Log      LogConfig      `mapstructure:"log" toml:"log"`
	Jobs     []JobConfig    `mapstructure:"jobs" toml:"jobs"`
}

// DatabaseConfig selects the SQL backend.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" toml:"driver"` // sqlite3 | postgres
	Path   string `mapstructure:"path" toml:"path"`     // sqlite file
	DSN    string `mapstructure:"dsn" toml:"dsn"`       // postgres connection string
}

// RedisConfig configures the redis-backed store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" toml:"addr"`
	Password string `mapstructure:"password" toml:"password"`
	DB       int    `mapstructure:"db" toml:"db"`
	Prefix   string `mapstructure:"prefix" toml:"prefix"`
}

// PulseConfig tunes the poll loop and dispatcher.
type PulseConfig struct {
	Store               string `mapstructure:"store" toml:"store"` // sql | redis
	PollIntervalMS      int    `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"`
	BatchSize           int    `mapstructure:"batch_size" toml:"batch_size"`
	StaleLockSeconds    int    `mapstructure:"stale_lock_seconds" toml:"stale_lock_seconds"`
	DefaultConcurrency  int    `mapstructure:"default_concurrency" toml:"default_concurrency"`
	BreakerFailures     int    `mapstructure:"breaker_failures" toml:"breaker_failures"`
	StoreRetryBackoffMS int    `mapstructure:"store_retry_backoff_ms" toml:"store_retry_backoff_ms"`
	WorkerID            string `mapstructure:"worker_id" toml:"worker_id"`
	// WebhookAllowPrivate lets webhook jobs call loopback and private addresses.
	WebhookAllowPrivate bool   `mapstructure:"webhook_allow_private" toml:"webhook_allow_private"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	JSON  bool   `mapstructure:"json" toml:"json"`
	Level string `mapstructure:"level" toml:"level"`
}

// JobConfig declares a job for `pulse serve`. Exactly one of Cron and At
// may be set; neither means the job only runs when triggered.
type JobConfig struct {
	Name        string `mapstructure:"name" toml:"name"`
	Cron        string `mapstructure:"cron" toml:"cron,omitempty"`
	At          string `mapstructure:"at" toml:"at,omitempty"` // RFC3339
	Handler     string `mapstructure:"handler" toml:"handler"` // log | exec | webhook
	Command     string `mapstructure:"command" toml:"command,omitempty"`
	URL         string `mapstructure:"url" toml:"url,omitempty"`
	Payload     string `mapstructure:"payload" toml:"payload,omitempty"`
	Concurrency int    `mapstructure:"concurrency" toml:"concurrency,omitempty"`
}

// PollInterval returns the poll interval as a duration.
func (p PulseConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMS) * time.Millisecond
}

// StaleLockThreshold returns the lock age after which a claim may be taken over.
func (p PulseConfig) StaleLockThreshold() time.Duration {
	return time.Duration(p.StaleLockSeconds) * time.Second
}

// StoreRetryBackoff returns how long the loop leaves a failing store alone.
func (p PulseConfig) StoreRetryBackoff() time.Duration {
	return time.Duration(p.StoreRetryBackoffMS) * time.Millisecond
}

// Job returns the declared job with the given name.
func (c *Config) Job(name string) (JobConfig, bool) {
	for _, j := range c.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return JobConfig{}, false
}
