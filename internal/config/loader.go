// Package config loads taskbridge configuration.
//
// Values come from, lowest precedence first: built-in defaults, the global
// file ~/.taskbridge/config.yaml, the project file .taskbridge/config.yaml,
// and TB_-prefixed environment variables (tracker.api_key is read from
// TB_TRACKER_API_KEY).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"golang.org/x/mod/semver"

	"github.com/mschirtzinger/taskbridge/internal/resolve"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "TB"

var (
	// ErrUnsupportedVersion is returned for a config whose version is not 1.x.
	ErrUnsupportedVersion = errors.New("unsupported config version")

	// ErrInvalidConfig is returned when a loaded value is out of range.
	ErrInvalidConfig = errors.New("invalid config")
)

// Load loads and merges configuration from global and project sources
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	return LoadFiles(GlobalConfigPath(), ProjectConfigPath(cwd))
}

// LoadFiles merges the given files over the defaults, in order, then applies
// environment overrides. Missing files and empty paths are skipped.
func LoadFiles(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so that environment overrides apply to
// keys absent from all files.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("version", d.Version)

	v.SetDefault("tracker.endpoint", d.Tracker.Endpoint)
	v.SetDefault("tracker.api_key", d.Tracker.APIKey)
	v.SetDefault("tracker.team_key", d.Tracker.TeamKey)
	v.SetDefault("tracker.integration", d.Tracker.Integration)
	v.SetDefault("tracker.page_size", d.Tracker.PageSize)
	v.SetDefault("tracker.max_pages", d.Tracker.MaxPages)
	v.SetDefault("tracker.timeout", d.Tracker.Timeout)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)

	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.capacity", d.Cache.Capacity)

	v.SetDefault("lock.stale_after", d.Lock.StaleAfter)
	v.SetDefault("lock.max_attempts", d.Lock.MaxAttempts)
	v.SetDefault("lock.retry_delay", d.Lock.RetryDelay)
	v.SetDefault("lock.max_hold", d.Lock.MaxHold)

	v.SetDefault("resolve.allow_fuzzy", d.Resolve.AllowFuzzy)
	v.SetDefault("resolve.allow_fallback", d.Resolve.AllowFallback)
	for status, names := range d.Resolve.Candidates {
		v.SetDefault("resolve.candidates."+status, names)
	}

	v.SetDefault("store.document", d.Store.Document)
	v.SetDefault("store.tag", d.Store.Tag)
	v.SetDefault("store.database", d.Store.Database)

	v.SetDefault("daemon.debounce", d.Daemon.Debounce)
	v.SetDefault("daemon.drift_check", d.Daemon.DriftCheck)

	v.SetDefault("dashboard.host", d.Dashboard.Host)
	v.SetDefault("dashboard.port", d.Dashboard.Port)

	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// Validate checks the schema version and value ranges.
func (c *Config) Validate() error {
	version := c.Version
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	if !semver.IsValid(version) {
		return fmt.Errorf("%w: %q is not a semantic version", ErrUnsupportedVersion, c.Version)
	}
	if semver.Major(version) != "v1" {
		return fmt.Errorf("%w: %s (this build reads 1.x)", ErrUnsupportedVersion, c.Version)
	}

	for status := range c.Resolve.Candidates {
		if !resolve.Status(status).Valid() {
			return fmt.Errorf("%w: resolve.candidates has unknown status %q", ErrInvalidConfig, status)
		}
	}

	switch {
	case c.Retry.MaxAttempts < 1:
		return fmt.Errorf("%w: retry.max_attempts must be at least 1", ErrInvalidConfig)
	case c.Lock.MaxAttempts < 1:
		return fmt.Errorf("%w: lock.max_attempts must be at least 1", ErrInvalidConfig)
	case c.Cache.Capacity < 1:
		return fmt.Errorf("%w: cache.capacity must be at least 1", ErrInvalidConfig)
	case c.Store.Document == "":
		return fmt.Errorf("%w: store.document is required", ErrInvalidConfig)
	case c.Dashboard.Port < 0 || c.Dashboard.Port > 65535:
		return fmt.Errorf("%w: dashboard.port out of range", ErrInvalidConfig)
	}
	return nil
}

// GlobalConfigPath returns the path to the global config file
func GlobalConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".taskbridge", "config.yaml")
}

// ProjectConfigPath returns the path to the project config file under dir.
func ProjectConfigPath(dir string) string {
	return filepath.Join(dir, ".taskbridge", "config.yaml")
}
