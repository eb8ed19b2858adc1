package config

import "github.com/spf13/viper"

// Default values. Also used by the ticker and dispatcher when a zero value
// reaches them.
const (
	DefaultDriver              = "sqlite3"
	DefaultDatabasePath        = "pulse.db"
	DefaultStore               = "sql"
	DefaultPollIntervalMS      = 1000
	DefaultBatchSize           = 10
	DefaultStaleLockSeconds    = 600
	DefaultConcurrency         = 1
	DefaultBreakerFailures     = 5
	DefaultStoreRetryBackoffMS = 5000
	DefaultRedisAddr           = "localhost:6379"
	DefaultRedisPrefix         = "pulse"
)

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", DefaultDriver)
	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("redis.addr", DefaultRedisAddr)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", DefaultRedisPrefix)

	v.SetDefault("pulse.store", DefaultStore)
	v.SetDefault("pulse.poll_interval_ms", DefaultPollIntervalMS)
	v.SetDefault("pulse.batch_size", DefaultBatchSize)
	v.SetDefault("pulse.stale_lock_seconds", DefaultStaleLockSeconds)
	v.SetDefault("pulse.default_concurrency", DefaultConcurrency)
	v.SetDefault("pulse.breaker_failures", DefaultBreakerFailures)
	v.SetDefault("pulse.store_retry_backoff_ms", DefaultStoreRetryBackoffMS)

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}

// BindSensitiveEnvVars binds secrets that should not live in config files.
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.dsn", "PULSE_DATABASE_DSN")
	_ = v.BindEnv("redis.password", "PULSE_REDIS_PASSWORD")
}
