package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mschirtzinger/taskbridge/internal/resolve"
)

func writeFile(t *testing.T, dir, content string) string {
	t.Helper()

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Tracker.Integration != "tracker" {
		t.Errorf("Expected integration 'tracker', got %q", cfg.Tracker.Integration)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BaseDelay != time.Second || cfg.Retry.MaxDelay != 10*time.Second {
		t.Errorf("retry defaults = %+v", cfg.Retry)
	}
	if cfg.Cache.TTL != 5*time.Minute || cfg.Cache.Capacity != 50 {
		t.Errorf("cache defaults = %+v", cfg.Cache)
	}
	if cfg.Daemon.Debounce != 200*time.Millisecond {
		t.Errorf("Expected 200ms debounce, got %v", cfg.Daemon.Debounce)
	}
	if got := cfg.Resolve.Candidates["done"]; len(got) == 0 || got[0] != "Done" {
		t.Errorf("done candidates = %v", got)
	}
}

func TestLoadFiles_Precedence(t *testing.T) {
	global := writeFile(t, t.TempDir(), `
tracker:
  team_key: GLOBAL
  timeout: 45s
cache:
  capacity: 10
`)
	project := writeFile(t, t.TempDir(), `
version: "1.2.0"
tracker:
  team_key: ENG
resolve:
  allow_fuzzy: false
  candidates:
    done: [Shipped, Done]
`)

	cfg, err := LoadFiles(global, project, filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFiles() failed: %v", err)
	}

	if cfg.Tracker.TeamKey != "ENG" {
		t.Errorf("project file should override team_key, got %q", cfg.Tracker.TeamKey)
	}
	if cfg.Tracker.Timeout != 45*time.Second {
		t.Errorf("global timeout lost, got %v", cfg.Tracker.Timeout)
	}
	if cfg.Cache.Capacity != 10 || cfg.Cache.TTL != 5*time.Minute {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Resolve.AllowFuzzy || !cfg.Resolve.AllowFallback {
		t.Errorf("resolve = %+v", cfg.Resolve)
	}

	candidates := cfg.Candidates()
	if got := candidates[resolve.StatusDone]; len(got) != 2 || got[0] != "Shipped" {
		t.Errorf("done candidates = %v", got)
	}
	if got := candidates[resolve.StatusPending]; len(got) == 0 {
		t.Error("pending candidates dropped by a partial override")
	}
}

func TestLoadFiles_EnvOverride(t *testing.T) {
	t.Setenv("TB_TRACKER_API_KEY", "secret")
	t.Setenv("TB_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("TB_LOCK_RETRY_DELAY", "5ms")

	cfg, err := LoadFiles()
	if err != nil {
		t.Fatalf("LoadFiles() failed: %v", err)
	}
	if cfg.Tracker.APIKey != "secret" {
		t.Errorf("api key = %q", cfg.Tracker.APIKey)
	}
	if cfg.RetryConfig().MaxAttempts != 7 {
		t.Errorf("retry attempts = %d", cfg.Retry.MaxAttempts)
	}
	if cfg.LockConfig().RetryDelay != 5*time.Millisecond {
		t.Errorf("lock retry delay = %v", cfg.Lock.RetryDelay)
	}
}

func TestLoadFiles_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{
			name:    "major version 2",
			content: `version: "2.0.0"`,
			wantErr: ErrUnsupportedVersion,
		},
		{
			name:    "not semver",
			content: `version: "latest"`,
			wantErr: ErrUnsupportedVersion,
		},
		{
			name:    "unknown status",
			content: "resolve:\n  candidates:\n    blocked: [Blocked]\n",
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "zero retry attempts",
			content: "retry:\n  max_attempts: 0\n",
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "port out of range",
			content: "dashboard:\n  port: 70000\n",
			wantErr: ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), tt.content)
			_, err := LoadFiles(path)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFiles_MalformedYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "tracker: [unclosed\n")
	if _, err := LoadFiles(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".taskbridge", "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config: %v", err)
	}
	if !strings.HasPrefix(string(content), "# taskbridge configuration") {
		t.Error("missing header comment")
	}
	if !strings.Contains(string(content), "debounce: 200ms") {
		t.Errorf("durations should be written as strings:\n%s", content)
	}

	cfg, err := LoadFiles(path)
	if err != nil {
		t.Fatalf("LoadFiles() of written default failed: %v", err)
	}
	if cfg.Lock.StaleAfter != 30*time.Second || cfg.Store.Database != DefaultConfig().Store.Database {
		t.Errorf("round trip lost values: %+v", cfg)
	}

	if err := WriteDefault(path); err == nil {
		t.Error("expected error when config already exists")
	}
}

func TestWrite_OmitsAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracker.APIKey = "secret"

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := Write(path, cfg); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	content, _ := os.ReadFile(path)
	if strings.Contains(string(content), "secret") {
		t.Error("API key written to config file")
	}
	if cfg.Tracker.APIKey != "secret" {
		t.Error("Write modified the caller's config")
	}
}

func TestCacheOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracker.PageSize = 25

	opts := cfg.CacheOptions()
	if opts.PageSize != 25 || opts.MaxPages != 10 || opts.Capacity != 50 {
		t.Errorf("cache options = %+v", opts)
	}
	if opts.Retry.MaxAttempts != 3 {
		t.Errorf("cache retry = %+v", opts.Retry)
	}
}
