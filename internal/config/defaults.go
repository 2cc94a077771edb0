package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/taskbridge/internal/resolve"
)

// CurrentVersion is the config schema version written by WriteDefault.
const CurrentVersion = "1.0.0"

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	candidates := make(map[string][]string)
	for status, names := range resolve.DefaultCandidates() {
		candidates[string(status)] = names
	}

	return &Config{
		Version: CurrentVersion,
		Tracker: TrackerConfig{
			Endpoint:    "https://api.linear.app/graphql",
			Integration: "tracker",
			PageSize:    50,
			MaxPages:    10,
			Timeout:     30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
		},
		Cache: CacheConfig{
			TTL:      5 * time.Minute,
			Capacity: 50,
		},
		Lock: LockConfig{
			StaleAfter:  30 * time.Second,
			MaxAttempts: 10,
			RetryDelay:  20 * time.Millisecond,
			MaxHold:     30 * time.Second,
		},
		Resolve: ResolveConfig{
			AllowFuzzy:    true,
			AllowFallback: true,
			Candidates:    candidates,
		},
		Store: StoreConfig{
			Document: filepath.Join(".taskbridge", "tasks", "tasks.json"),
			Database: filepath.Join(".taskbridge", "taskbridge.db"),
		},
		Daemon: DaemonConfig{
			Debounce:   200 * time.Millisecond,
			DriftCheck: 15 * time.Minute,
		},
		Dashboard: DashboardConfig{
			Port: 8080,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

const header = `# taskbridge configuration
# Environment variables override any key: tracker.api_key -> TB_TRACKER_API_KEY
`

// WriteDefault writes the default configuration to path, creating parent
// directories. An existing file is never overwritten.
func WriteDefault(path string) error {
	return Write(path, DefaultConfig())
}

// Write encodes cfg as YAML at path. The API key is never written; supply it
// through TB_TRACKER_API_KEY.
func Write(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists: %s", path)
	}

	out := *cfg
	out.Tracker.APIKey = ""

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
