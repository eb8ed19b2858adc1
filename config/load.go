package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/tasmidur/agenda-schedular/errors"
)

// ProjectFile is the name searched for by upward directory walk.
const ProjectFile = "pulse.toml"

// Load reads configuration from the standard locations and environment.
func Load() (*Config, error) {
	return LoadWithViper(newViper())
}

// LoadWithViper unmarshals and validates the settings held by v.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromFile loads configuration from one file on top of the defaults.
// Environment variables still override file values.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	bindEnv(v)
	SetDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}
	return LoadWithViper(v)
}

// Resolve picks LoadFromFile when path is set, Load otherwise.
func Resolve(path string) (*Config, error) {
	if path != "" {
		return LoadFromFile(path)
	}
	return Load()
}

// ProjectConfigPath returns the pulse.toml that Load would use, or "".
func ProjectConfigPath() string {
	return findProjectConfig()
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	bindEnv(v)
	SetDefaults(v)
	mergeConfigFiles(v)
	return v
}

// findProjectConfig walks up from the working directory looking for pulse.toml.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		candidate := filepath.Join(dir, ProjectFile)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// mergeConfigFiles merges config files in precedence order:
// system < user < project. Env vars sit above all of them.
func mergeConfigFiles(v *viper.Viper) {
	paths := []string{"/etc/pulse/config.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".pulse", "config.toml"))
	}
	if project := findProjectConfig(); project != "" {
		paths = append(paths, project)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		tmp := viper.New()
		tmp.SetConfigFile(path)
		tmp.SetConfigType("toml")
		if err := tmp.ReadInConfig(); err != nil {
			continue
		}
		for key, value := range tmp.AllSettings() {
			v.Set(key, value)
		}
	}
}
