// Package store owns the task document and the only code path that writes it.
//
// A mutation runs a fixed sequence of steps:
//
//	ACQUIRE_LOCK -> BACKUP -> READ -> LOCATE_TASK -> APPLY_UPDATE ->
//	WRITE_TEMP -> ATOMIC_RENAME -> CLEANUP_BACKUP -> DONE
//
// Any failure after BACKUP restores the backup over the document before the
// error is returned, and the lock is released on every path. The rename of a
// fully written temp file is the single commit point, so readers see either
// the old document or the new one.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultIntegration is the integration name used when none is given.
const DefaultIntegration = "tracker"

// Step names a stage of a mutation.
type Step int

const (
	StepAcquireLock Step = iota
	StepBackup
	StepRead
	StepLocateTask
	StepApplyUpdate
	StepWriteTemp
	StepAtomicRename
	StepCleanupBackup
	StepDone
	StepRollback
	StepReleaseLock
)

var stepNames = [...]string{
	StepAcquireLock:   "ACQUIRE_LOCK",
	StepBackup:        "BACKUP",
	StepRead:          "READ",
	StepLocateTask:    "LOCATE_TASK",
	StepApplyUpdate:   "APPLY_UPDATE",
	StepWriteTemp:     "WRITE_TEMP",
	StepAtomicRename:  "ATOMIC_RENAME",
	StepCleanupBackup: "CLEANUP_BACKUP",
	StepDone:          "DONE",
	StepRollback:      "ROLLBACK",
	StepReleaseLock:   "RELEASE_LOCK",
}

func (s Step) String() string {
	if s >= 0 && int(s) < len(stepNames) {
		return stepNames[s]
	}
	return fmt.Sprintf("Step(%d)", int(s))
}

// Config configures a Mutator.
type Config struct {
	Lock LockConfig

	// Integration is the default integration name for updates.
	Integration string

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time

	Logger *log.Logger

	// BeforeStep, when set, runs before each step from BACKUP through
	// ROLLBACK. A non-nil error fails that step. Used for fault injection.
	BeforeStep func(Step) error
}

// DefaultConfig returns the standard mutator configuration.
func DefaultConfig() Config {
	return Config{
		Lock:        DefaultLockConfig(),
		Integration: DefaultIntegration,
	}
}

// MutateOptions selects where the task lives.
type MutateOptions struct {
	// Tag selects a context in tagged documents. Empty searches master
	// first, then the other contexts in document order.
	Tag string
}

// Mutator applies merge-only integration updates to task documents.
type Mutator struct {
	cfg    Config
	locker *locker
	logger *log.Logger

	// In-process writers to the same path queue on a one-slot semaphore
	// before contending for the lock file.
	pathMu sync.Mutex
	paths  map[string]chan struct{}
}

// NewMutator creates a Mutator. Zero fields of cfg take their defaults.
func NewMutator(cfg Config) *Mutator {
	def := DefaultConfig()
	if cfg.Lock.StaleAfter <= 0 {
		cfg.Lock.StaleAfter = def.Lock.StaleAfter
	}
	if cfg.Lock.MaxAttempts <= 0 {
		cfg.Lock.MaxAttempts = def.Lock.MaxAttempts
	}
	if cfg.Lock.RetryDelay <= 0 {
		cfg.Lock.RetryDelay = def.Lock.RetryDelay
	}
	if cfg.Lock.MaxHold <= 0 {
		cfg.Lock.MaxHold = def.Lock.MaxHold
	}
	if cfg.Integration == "" {
		cfg.Integration = def.Integration
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	return &Mutator{
		cfg: cfg,
		locker: &locker{
			cfg:    cfg.Lock,
			now:    cfg.Now,
			pid:    os.Getpid(),
			warnf:  logger.Printf,
			sleepf: sleepContext,
		},
		logger: logger,
		paths:  make(map[string]chan struct{}),
	}
}

// Mutate applies op to the task with id in the document at path and returns
// the task as written. The document on disk either reflects the whole update
// or is byte-identical to what it was before the call.
//
// ctx bounds lock acquisition only; once the lock is held the mutation runs
// to commit or rollback.
func (m *Mutator) Mutate(ctx context.Context, path string, id TaskID, op Operation, data UpdateData, opts MutateOptions) (*Task, error) {
	integration := data.Integration
	if integration == "" {
		integration = m.cfg.Integration
	}
	fields, remove, err := op.changes(data, m.cfg.Now().UTC())
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve document path: %w", err)
	}

	unlock, err := m.lockPath(ctx, abs)
	if err != nil {
		return nil, err
	}
	defer unlock()

	lock, err := m.locker.acquire(ctx, abs, string(op))
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := lock.release(); rerr != nil {
			m.logger.Printf("Warning: %s: %v", StepReleaseLock, rerr)
		}
	}()

	m.removeOrphans(abs)

	tx := &mutation{m: m, path: abs}
	defer tx.cleanup()

	if err := tx.step(StepBackup, tx.backup); err != nil {
		return nil, err
	}

	task, err := tx.apply(id, opts.Tag, integration, fields, remove)
	if err != nil {
		return nil, tx.rollback(err)
	}
	return task, nil
}

// lockPath takes the in-process slot for path. Waiting is bounded by ctx and
// by the same budget acquire spends retrying a live lock file.
func (m *Mutator) lockPath(ctx context.Context, path string) (func(), error) {
	m.pathMu.Lock()
	sem, ok := m.paths[path]
	if !ok {
		sem = make(chan struct{}, 1)
		m.paths[path] = sem
	}
	m.pathMu.Unlock()

	unlock := func() { <-sem }
	select {
	case sem <- struct{}{}:
		return unlock, nil
	default:
	}

	timer := time.NewTimer(m.cfg.Lock.retryBudget())
	defer timer.Stop()
	select {
	case sem <- struct{}{}:
		return unlock, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s busy with another write in this process", ErrLockTimeout, path)
	}
}

// removeOrphans deletes temp files left by crashed writers. It runs under the
// lock, so no live writer owns them. Orphaned backups are reported, not
// deleted: one may be the only copy left by a failed rollback.
func (m *Mutator) removeOrphans(path string) {
	tmps, _ := filepath.Glob(globEscape(path) + ".tmp-*")
	for _, tmp := range tmps {
		if err := os.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.logger.Printf("Warning: failed to remove orphaned temp file %s: %v", tmp, err)
		}
	}
	backups, _ := filepath.Glob(globEscape(path) + ".backup-*")
	for _, b := range backups {
		m.logger.Printf("Warning: orphaned backup %s; remove it once the document is verified", b)
	}
}

// mutation is one run of the step sequence under the lock.
type mutation struct {
	m    *Mutator
	path string

	mode      fs.FileMode
	backupAt  string
	tempAt    string
	committed bool
	keepBack  bool
}

func (tx *mutation) step(s Step, fn func() error) error {
	if hook := tx.m.cfg.BeforeStep; hook != nil {
		if err := hook(s); err != nil {
			return fmt.Errorf("%s: %w", s, err)
		}
	}
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", s, err)
	}
	return nil
}

func (tx *mutation) backup() error {
	st, err := os.Stat(tx.path)
	if err != nil {
		return fmt.Errorf("failed to stat task document: %w", err)
	}
	tx.mode = st.Mode().Perm()

	name := fmt.Sprintf("%s.backup-%s-%s", tx.path, tx.m.cfg.Now().UTC().Format("2006-01-02T15-04-05.000Z"), randomHex(4))
	if err := copyFile(tx.path, name, tx.mode); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("failed to back up task document: %w", err)
	}
	tx.backupAt = name
	return nil
}

func (tx *mutation) apply(id TaskID, tag, integration string, fields map[string]any, remove []string) (*Task, error) {
	var (
		data []byte
		loc  *location
		err  error
	)

	if err = tx.step(StepRead, func() error {
		data, err = os.ReadFile(tx.path)
		if err != nil {
			return fmt.Errorf("failed to read task document: %w", err)
		}
		_, err = detectShape(data)
		return err
	}); err != nil {
		return nil, err
	}

	if err = tx.step(StepLocateTask, func() error {
		loc, err = locate(data, id, tag)
		return err
	}); err != nil {
		return nil, err
	}

	if err = tx.step(StepApplyUpdate, func() error {
		data, err = mergeIntegration(data, loc.path, integration, fields, remove)
		return err
	}); err != nil {
		return nil, err
	}

	if err = tx.step(StepWriteTemp, func() error {
		return tx.writeTemp(data)
	}); err != nil {
		return nil, err
	}

	if err = tx.step(StepAtomicRename, func() error {
		if err := os.Rename(tx.tempAt, tx.path); err != nil {
			return fmt.Errorf("failed to replace task document: %w", err)
		}
		tx.committed = true
		return nil
	}); err != nil {
		return nil, err
	}

	// Past the commit point: cleanup failures are logged, never returned.
	if err := tx.step(StepCleanupBackup, func() error {
		return os.Remove(tx.backupAt)
	}); err != nil {
		tx.m.logger.Printf("Warning: %v", err)
	} else {
		tx.backupAt = ""
	}

	var task Task
	if err := json.Unmarshal([]byte(gjson.GetBytes(data, loc.path).Raw), &task); err != nil {
		tx.m.logger.Printf("Warning: updated task %s does not decode: %v", id, err)
		task.ID = id
	}
	if loc.context != "" {
		tx.m.logger.Printf("Updated %s integration of task %s in %q", integration, id, loc.context)
	} else {
		tx.m.logger.Printf("Updated %s integration of task %s", integration, id)
	}
	return &task, nil
}

func (tx *mutation) writeTemp(data []byte) error {
	name := fmt.Sprintf("%s.tmp-%s", tx.path, randomHex(8))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, tx.mode)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tx.tempAt = name

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	return nil
}

// rollback restores the backup over the document and returns cause, or a
// RollbackError when the restore itself fails.
func (tx *mutation) rollback(cause error) error {
	if tx.committed || tx.backupAt == "" {
		return cause
	}

	err := tx.step(StepRollback, func() error {
		return restoreFile(tx.backupAt, tx.path, tx.mode)
	})
	if err != nil {
		tx.keepBack = true
		tx.m.logger.Printf("Error: rollback of %s failed; backup kept at %s: %v", tx.path, tx.backupAt, err)
		return &RollbackError{Document: tx.path, Backup: tx.backupAt, Cause: cause, Err: err}
	}

	tx.m.logger.Printf("%s: restored %s after %v", StepRollback, tx.path, cause)
	return cause
}

// cleanup removes the temp file and, unless it is needed for recovery, the
// backup. Failures are logged only.
func (tx *mutation) cleanup() {
	if tx.tempAt != "" && !tx.committed {
		if err := os.Remove(tx.tempAt); err != nil && !errors.Is(err, fs.ErrNotExist) {
			tx.m.logger.Printf("Warning: failed to remove temp file %s: %v", tx.tempAt, err)
		}
	}
	if tx.backupAt != "" && !tx.keepBack {
		if err := os.Remove(tx.backupAt); err != nil && !errors.Is(err, fs.ErrNotExist) {
			tx.m.logger.Printf("Warning: failed to remove backup %s: %v", tx.backupAt, err)
		}
	}
}

func copyFile(src, dst string, mode fs.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// restoreFile replaces dst with the contents of src through a temp file and
// rename, so a crash mid-restore cannot leave dst half written.
func restoreFile(src, dst string, mode fs.FileMode) error {
	tmp := fmt.Sprintf("%s.tmp-%s", dst, randomHex(8))
	if err := copyFile(src, tmp, mode); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func globEscape(path string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `\`, `\\`)
	return r.Replace(path)
}
