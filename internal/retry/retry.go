// Package retry wraps external calls with classification-aware exponential backoff.
//
// Every failure is classified (authentication, permission, not-found,
// rate-limit, network, server, validation, unknown). Only rate-limit,
// network, server and unknown failures are retried; the rest fail on the
// first attempt. The error returned after the last attempt is an *Error
// carrying the classification and whether it was retryable.
//
//	states, err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) ([]State, error) {
//	    return client.WorkflowStates(ctx, "ENG", opts)
//	})
//	if errors.Is(err, retry.ErrExternalAuth) {
//	    // fix the API key
//	}
//
// Do bounds work by attempt count, not wall-clock time. Callers that need
// a deadline put one on ctx.
package retry

import (
	"context"
	"fmt"
	"log"
	"time"
)

const (
	// DefaultMaxAttempts is the attempt budget when Config.MaxAttempts is unset.
	DefaultMaxAttempts = 3

	// DefaultBaseDelay is the delay before the first retry.
	DefaultBaseDelay = time.Second

	// DefaultMaxDelay caps any single backoff.
	DefaultMaxDelay = 10 * time.Second
)

// Config controls the retry loop.
type Config struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the backoff before attempt 2; it doubles per attempt.
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Classify overrides the default classifier.
	Classify func(error) Class

	// Sleep waits between attempts. It must return early with ctx.Err()
	// when ctx is cancelled. Tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error

	// Logger receives one line per retried failure. Nil disables logging.
	Logger *log.Logger
}

// DefaultConfig returns the standard retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Classify == nil {
		c.Classify = Classify
	}
	if c.Sleep == nil {
		c.Sleep = sleepContext
	}
	return c
}

// Backoff returns the delay to wait after the given failed attempt (1-based):
// min(MaxDelay, BaseDelay * 2^(attempt-1)).
func (c Config) Backoff(attempt int) time.Duration {
	c = c.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	delay := c.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.MaxDelay || delay <= 0 {
			return c.MaxDelay
		}
	}
	if delay > c.MaxDelay {
		return c.MaxDelay
	}
	return delay
}

// Do runs op until it succeeds, fails with a non-retryable class, or the
// attempt budget is spent. The returned error, if any, is an *Error.
func Do[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var zero T
	for attempt := 1; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		class := cfg.Classify(err)
		rerr := &Error{
			Class:     class,
			Retryable: class.Retryable(),
			Attempts:  attempt,
			Err:       err,
		}

		if !rerr.Retryable || attempt >= cfg.MaxAttempts {
			return zero, rerr
		}

		delay := cfg.Backoff(attempt)
		if cfg.Logger != nil {
			cfg.Logger.Printf("Attempt %d/%d failed (%s), retrying in %v: %v",
				attempt, cfg.MaxAttempts, class, delay, err)
		}

		if err := cfg.Sleep(ctx, delay); err != nil {
			return zero, &Error{
				Class:     class,
				Retryable: rerr.Retryable,
				Attempts:  attempt,
				Err:       fmt.Errorf("%w (retry aborted: %v)", rerr.Err, err),
			}
		}
	}
}

// Run is Do for operations without a result value.
func Run(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	_, err := Do(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
