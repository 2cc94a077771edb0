package config

import (
	"github.com/mschirtzinger/taskbridge/internal/resolve"
	"github.com/mschirtzinger/taskbridge/internal/retry"
	"github.com/mschirtzinger/taskbridge/internal/statecache"
	"github.com/mschirtzinger/taskbridge/internal/store"
)

// RetryConfig returns the retry policy for external calls.
func (c *Config) RetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
	}
}

// CacheOptions returns the state cache options.
func (c *Config) CacheOptions() statecache.Options {
	opts := statecache.DefaultOptions()
	opts.TTL = c.Cache.TTL
	opts.Capacity = c.Cache.Capacity
	opts.PageSize = c.Tracker.PageSize
	opts.MaxPages = c.Tracker.MaxPages
	opts.Retry = c.RetryConfig()
	return opts
}

// LockConfig returns the document lock policy.
func (c *Config) LockConfig() store.LockConfig {
	return store.LockConfig{
		StaleAfter:  c.Lock.StaleAfter,
		MaxAttempts: c.Lock.MaxAttempts,
		RetryDelay:  c.Lock.RetryDelay,
		MaxHold:     c.Lock.MaxHold,
	}
}

// ResolveOptions returns the per-resolution tier switches.
func (c *Config) ResolveOptions() resolve.Options {
	return resolve.Options{
		UseCache:      true,
		AllowFuzzy:    c.Resolve.AllowFuzzy,
		AllowFallback: c.Resolve.AllowFallback,
	}
}

// Candidates returns the candidate names per status. Validate has already
// rejected unknown statuses.
func (c *Config) Candidates() map[resolve.Status][]string {
	out := make(map[resolve.Status][]string, len(c.Resolve.Candidates))
	for status, names := range c.Resolve.Candidates {
		out[resolve.Status(status)] = names
	}
	return out
}
