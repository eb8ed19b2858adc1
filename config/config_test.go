package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleConfig = `
[database]
driver = "sqlite3"
path = "/var/lib/pulse/pulse.db"

[pulse]
poll_interval_ms = 250
batch_size = 20

[[jobs]]
name = "digest"
cron = "0 12 * * *"
handler = "log"

[[jobs]]
name = "report"
at = "2025-01-01T06:00:00Z"
handler = "exec"
command = "echo report"
concurrency = 2
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pulse.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, DefaultDriver, cfg.Database.Driver)
	assert.Equal(t, DefaultDatabasePath, cfg.Database.Path)
	assert.Equal(t, DefaultStore, cfg.Pulse.Store)
	assert.Equal(t, time.Second, cfg.Pulse.PollInterval())
	assert.Equal(t, 10*time.Minute, cfg.Pulse.StaleLockThreshold())
	assert.Equal(t, 5*time.Second, cfg.Pulse.StoreRetryBackoff())
	assert.Equal(t, DefaultBatchSize, cfg.Pulse.BatchSize)
	assert.Empty(t, cfg.Jobs)
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/pulse/pulse.db", cfg.Database.Path)
	assert.Equal(t, 250*time.Millisecond, cfg.Pulse.PollInterval())
	assert.Equal(t, 20, cfg.Pulse.BatchSize)
	assert.Equal(t, DefaultStaleLockSeconds, cfg.Pulse.StaleLockSeconds, "unset keys keep defaults")

	require.Len(t, cfg.Jobs, 2)
	digest, ok := cfg.Job("digest")
	require.True(t, ok)
	assert.Equal(t, "0 12 * * *", digest.Cron)

	report, ok := cfg.Job("report")
	require.True(t, ok)
	assert.Equal(t, "exec", report.Handler)
	assert.Equal(t, 2, report.Concurrency)

	_, ok = cfg.Job("missing")
	assert.False(t, ok)
}

func TestLoadFromFileEnvOverride(t *testing.T) {
	t.Setenv("PULSE_PULSE_BATCH_SIZE", "3")

	cfg, err := LoadFromFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Pulse.BatchSize)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "zero config is valid", config: Config{}},
		{name: "unknown driver", config: Config{Database: DatabaseConfig{Driver: "mysql"}}, wantErr: true},
		{name: "postgres without dsn", config: Config{Database: DatabaseConfig{Driver: "postgres"}}, wantErr: true},
		{name: "postgres unused with redis store", config: Config{Database: DatabaseConfig{Driver: "postgres"}, Pulse: PulseConfig{Store: "redis"}}},
		{name: "unknown store", config: Config{Pulse: PulseConfig{Store: "etcd"}}, wantErr: true},
		{name: "negative batch", config: Config{Pulse: PulseConfig{BatchSize: -1}}, wantErr: true},
		{name: "negative poll interval", config: Config{Pulse: PulseConfig{PollIntervalMS: -5}}, wantErr: true},
		{name: "job without name", config: Config{Jobs: []JobConfig{{Cron: "* * * * *"}}}, wantErr: true},
		{name: "duplicate job", config: Config{Jobs: []JobConfig{{Name: "a"}, {Name: "a"}}}, wantErr: true},
		{name: "cron and at", config: Config{Jobs: []JobConfig{{Name: "a", Cron: "* * * * *", At: "2025-01-01T00:00:00Z"}}}, wantErr: true},
		{name: "bad at", config: Config{Jobs: []JobConfig{{Name: "a", At: "tomorrow"}}}, wantErr: true},
		{name: "exec without command", config: Config{Jobs: []JobConfig{{Name: "a", Handler: "exec"}}}, wantErr: true},
		{name: "webhook without url", config: Config{Jobs: []JobConfig{{Name: "a", Handler: "webhook"}}}, wantErr: true},
		{name: "webhook", config: Config{Jobs: []JobConfig{{Name: "a", Handler: "webhook", URL: "https://example.com/hook"}}}},
		{name: "unknown handler", config: Config{Jobs: []JobConfig{{Name: "a", Handler: "python"}}}, wantErr: true},
		{name: "trigger-only job", config: Config{Jobs: []JobConfig{{Name: "a", Handler: "log"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFindProjectConfig(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ProjectFile), nil, 0o644))

	t.Chdir(sub)

	got := ProjectConfigPath()
	want, err := filepath.EvalSymlinks(filepath.Join(root, ProjectFile))
	require.NoError(t, err)
	gotResolved, err := filepath.EvalSymlinks(got)
	require.NoError(t, err)
	assert.Equal(t, want, gotResolved)
}

func TestWatcherReloads(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	w, err := NewWatcher(path, zap.NewNop().Sugar())
	require.NoError(t, err)
	w.debouncePeriod = 20 * time.Millisecond

	var batch atomic.Int64
	w.OnReload(func(cfg *Config) error {
		batch.Store(int64(cfg.Pulse.BatchSize))
		return nil
	})
	w.Start()
	defer w.Stop()

	updated := strings.Replace(sampleConfig, "batch_size = 20", "batch_size = 42", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool { return batch.Load() == 42 }, 5*time.Second, 10*time.Millisecond)
}
