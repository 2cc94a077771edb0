package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"
)

// LockConfig bounds lock acquisition and hold time.
type LockConfig struct {
	// StaleAfter is the age past which a lock is reclaimed regardless of owner.
	StaleAfter time.Duration

	// MaxAttempts bounds acquisition attempts against a live lock.
	MaxAttempts int

	// RetryDelay is the base delay; attempt n waits n*RetryDelay.
	RetryDelay time.Duration

	// MaxHold force-clears a lock this process still holds after this long.
	MaxHold time.Duration
}

// DefaultLockConfig returns the standard lock policy: roughly one second of
// retries against a live lock.
func DefaultLockConfig() LockConfig {
	return LockConfig{
		StaleAfter:  30 * time.Second,
		MaxAttempts: 10,
		RetryDelay:  20 * time.Millisecond,
		MaxHold:     30 * time.Second,
	}
}

// retryBudget is the total time acquire sleeps against a live lock, never
// less than one RetryDelay.
func (c LockConfig) retryBudget() time.Duration {
	n := c.MaxAttempts
	budget := time.Duration(n*(n-1)/2) * c.RetryDelay
	if budget < c.RetryDelay {
		budget = c.RetryDelay
	}
	return budget
}

// LockInfo is the body of a lock file.
type LockInfo struct {
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
}

// LockPath returns the lock file path for a document.
func LockPath(docPath string) string {
	return docPath + ".lock"
}

// ReadLock returns the current holder of the document lock.
func ReadLock(docPath string) (*LockInfo, error) {
	data, err := os.ReadFile(LockPath(docPath))
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	return &info, nil
}

// fileLock is a lock this process created.
type fileLock struct {
	path string
	body []byte

	timer    *time.Timer
	mu       sync.Mutex
	released bool
}

type locker struct {
	cfg    LockConfig
	now    func() time.Time
	pid    int
	warnf  func(format string, args ...any)
	sleepf func(ctx context.Context, d time.Duration) error
}

// acquire creates the lock file for docPath, reclaiming stale locks and
// retrying live ones with linearly increasing delay.
func (l *locker) acquire(ctx context.Context, docPath, operation string) (*fileLock, error) {
	path := LockPath(docPath)

	var holder *LockInfo
	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		lock, err := l.tryCreate(path, operation)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to create lock %s: %w", path, err)
		}

		body, info, stale := l.inspect(path)
		if stale {
			if l.reclaim(path, body) {
				l.warnf("Warning: reclaimed stale lock %s (%s)", path, describe(info))
			}
			continue
		}
		holder = info

		if attempt == l.cfg.MaxAttempts {
			break
		}
		if err := l.sleepf(ctx, time.Duration(attempt)*l.cfg.RetryDelay); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLockTimeout, err)
		}
	}

	return nil, fmt.Errorf("%w: %s held by %s", ErrLockTimeout, path, describe(holder))
}

func (l *locker) tryCreate(path, operation string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(LockInfo{PID: l.pid, Timestamp: l.now().UTC(), Operation: operation})
	if err == nil {
		_, err = f.Write(body)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write lock %s: %w", path, err)
	}

	lock := &fileLock{path: path, body: body}
	if l.cfg.MaxHold > 0 {
		lock.timer = time.AfterFunc(l.cfg.MaxHold, func() {
			if lock.forceClear() {
				l.warnf("Warning: lock %s held longer than %v; force-cleared", path, l.cfg.MaxHold)
			}
		})
	}
	return lock, nil
}

// inspect reads a contended lock and decides whether it is stale. A lock
// whose body cannot be parsed yet (mid-write) is judged by file age only.
func (l *locker) inspect(path string) ([]byte, *LockInfo, bool) {
	body, err := os.ReadFile(path)
	if err != nil {
		// Released between our create and read; retry immediately.
		return nil, nil, errors.Is(err, fs.ErrNotExist)
	}

	var info LockInfo
	if err := json.Unmarshal(body, &info); err != nil || info.Timestamp.IsZero() {
		st, serr := os.Stat(path)
		if serr != nil {
			return body, nil, false
		}
		return body, nil, l.now().Sub(st.ModTime()) > l.cfg.StaleAfter
	}

	if l.now().Sub(info.Timestamp) > l.cfg.StaleAfter {
		return body, &info, true
	}
	if !processAlive(info.PID) {
		return body, &info, true
	}
	return body, &info, false
}

// reclaim deletes a stale lock only if it still holds the body that was
// judged stale, so a lock re-created by another contender in the meantime
// survives.
func (l *locker) reclaim(path string, judged []byte) bool {
	if judged == nil {
		return false
	}
	current, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(current, judged) {
		return false
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		l.warnf("Warning: failed to remove stale lock %s: %v", path, err)
		return false
	}
	return true
}

// release removes the lock if it is still ours.
func (fl *fileLock) release() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.timer != nil {
		fl.timer.Stop()
	}
	if fl.released {
		return nil
	}
	fl.released = true
	return fl.removeIfOwned()
}

// forceClear is the safety timer path; it reports whether it removed the lock.
func (fl *fileLock) forceClear() bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.released {
		return false
	}
	fl.released = true
	return fl.removeIfOwned() == nil
}

func (fl *fileLock) removeIfOwned() error {
	current, err := os.ReadFile(fl.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read lock %s: %w", fl.path, err)
	}
	if !bytes.Equal(current, fl.body) {
		return nil
	}
	if err := os.Remove(fl.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove lock %s: %w", fl.path, err)
	}
	return nil
}

func describe(info *LockInfo) string {
	if info == nil {
		return "unknown owner"
	}
	return fmt.Sprintf("pid %d (%s since %s)", info.PID, info.Operation, info.Timestamp.Format(time.RFC3339))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
