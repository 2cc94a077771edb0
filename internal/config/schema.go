package config

import "time"

// Config is the full taskbridge configuration.
type Config struct {
	Version string `yaml:"version" mapstructure:"version"`

	Tracker   TrackerConfig   `yaml:"tracker" mapstructure:"tracker"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Lock      LockConfig      `yaml:"lock" mapstructure:"lock"`
	Resolve   ResolveConfig   `yaml:"resolve" mapstructure:"resolve"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Daemon    DaemonConfig    `yaml:"daemon" mapstructure:"daemon"`
	Dashboard DashboardConfig `yaml:"dashboard" mapstructure:"dashboard"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// TrackerConfig configures the external tracker client.
type TrackerConfig struct {
	Endpoint    string        `yaml:"endpoint" mapstructure:"endpoint"`
	APIKey      string        `yaml:"api_key" mapstructure:"api_key"`
	TeamKey     string        `yaml:"team_key" mapstructure:"team_key"`
	Integration string        `yaml:"integration" mapstructure:"integration"`
	PageSize    int           `yaml:"page_size" mapstructure:"page_size"`
	MaxPages    int           `yaml:"max_pages" mapstructure:"max_pages"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// RetryConfig configures retries of external calls.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
}

// CacheConfig configures the workflow state cache.
type CacheConfig struct {
	TTL      time.Duration `yaml:"ttl" mapstructure:"ttl"`
	Capacity int           `yaml:"capacity" mapstructure:"capacity"`
}

// LockConfig configures the task document lock.
type LockConfig struct {
	StaleAfter  time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	MaxHold     time.Duration `yaml:"max_hold" mapstructure:"max_hold"`
}

// ResolveConfig configures status resolution.
type ResolveConfig struct {
	AllowFuzzy    bool `yaml:"allow_fuzzy" mapstructure:"allow_fuzzy"`
	AllowFallback bool `yaml:"allow_fallback" mapstructure:"allow_fallback"`

	// Candidates maps a status to the state names tried for it, in order.
	Candidates map[string][]string `yaml:"candidates" mapstructure:"candidates"`
}

// StoreConfig locates the task document and the local database.
type StoreConfig struct {
	Document string `yaml:"document" mapstructure:"document"`
	Tag      string `yaml:"tag" mapstructure:"tag"`
	Database string `yaml:"database" mapstructure:"database"`
}

// DaemonConfig configures the document watcher.
type DaemonConfig struct {
	Debounce   time.Duration `yaml:"debounce" mapstructure:"debounce"`
	DriftCheck time.Duration `yaml:"drift_check" mapstructure:"drift_check"`
}

// DashboardConfig configures the WebSocket dashboard.
type DashboardConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

// LogConfig configures log output. An empty File logs to stderr.
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}
