// Package daemon turns edits of the task document into sync events.
//
// The daemon:
//  1. Loads the document and records a fingerprint of every task
//  2. Watches the document for changes, debouncing bursts of writes
//  3. Reloads and diffs status, title and description per task
//  4. Hands created and updated tasks to the syncer
//  5. Periodically checks the stored status mapping for drift
//
// Integration records are not part of the fingerprint, so the syncer's own
// writes never retrigger a sync.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mschirtzinger/taskbridge/internal/orchestrator"
	"github.com/mschirtzinger/taskbridge/internal/store"
)

// Config holds configuration for the daemon.
type Config struct {
	// Tag selects the document context; empty means all contexts.
	Tag string

	// DebounceInterval is how long the document must be quiet before it is
	// reloaded.
	DebounceInterval time.Duration

	// DriftCheckInterval is how often the stored mapping is checked for
	// drift. Zero disables the check.
	DriftCheckInterval time.Duration

	// SyncOnStart runs a full sync before watching.
	SyncOnStart bool

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval:   200 * time.Millisecond,
		DriftCheckInterval: 15 * time.Minute,
		Logger:             log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// fingerprint is the part of a task whose change warrants a sync.
type fingerprint struct {
	Status      string
	Title       string
	Description string
}

type taskKey struct {
	tag string
	id  store.TaskID
}

// snapshot maps every task (subtasks by dotted id) to its fingerprint.
type snapshot map[taskKey]fingerprint

// Daemon watches a task document and syncs changed tasks.
type Daemon struct {
	syncer  orchestrator.Syncer
	docPath string
	config  *Config

	watcher *DocumentWatcher

	mu      sync.Mutex
	last    snapshot
	dirtyAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon with default configuration.
func New(syncer orchestrator.Syncer, docPath string) (*Daemon, error) {
	return NewWithConfig(syncer, docPath, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(syncer orchestrator.Syncer, docPath string, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if docPath == "" {
		return nil, fmt.Errorf("document path cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}

	watcher, err := NewDocumentWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		syncer:  syncer,
		docPath: docPath,
		config:  config,
		watcher: watcher,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start loads the document, begins watching and blocks until ctx is
// cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	doc, err := store.Load(d.docPath)
	if err != nil {
		return fmt.Errorf("failed to load task document: %w", err)
	}
	d.mu.Lock()
	d.last = d.snapshotOf(doc)
	d.mu.Unlock()

	if d.config.SyncOnStart {
		summary, err := d.syncer.FullSync(ctx)
		if err != nil {
			return fmt.Errorf("initial sync failed: %w", err)
		}
		d.config.Logger.Printf("Initial sync: %d synced, %d failed", summary.Synced, summary.Failed)
	}

	if err := d.watcher.Start(d.docPath); err != nil {
		return err
	}
	d.config.Logger.Printf("Watching: %s", d.docPath)

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.processChanges()
	if d.config.DriftCheckInterval > 0 {
		d.wg.Add(1)
		go d.checkDrift()
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if err := d.watcher.Stop(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case ev, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			if ev.Op == OpRemove {
				// Atomic replacement shows up as remove then create.
				continue
			}
			d.mu.Lock()
			d.dirtyAt = time.Now()
			d.mu.Unlock()

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) processChanges() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.mu.Lock()
			ready := !d.dirtyAt.IsZero() && time.Since(d.dirtyAt) >= d.config.DebounceInterval
			if ready {
				d.dirtyAt = time.Time{}
			}
			d.mu.Unlock()

			if ready {
				d.ProcessDocument(d.ctx)
			}
		}
	}
}

// ProcessDocument reloads the document and syncs every task whose
// fingerprint changed since the last load. It returns the emitted events.
func (d *Daemon) ProcessDocument(ctx context.Context) []orchestrator.Event {
	doc, err := store.Load(d.docPath)
	if err != nil {
		// Keep the previous snapshot; the next write retries.
		d.config.Logger.Printf("Warning: failed to reload %s: %v", d.docPath, err)
		return nil
	}

	d.mu.Lock()
	current := d.snapshotOf(doc)
	events := diffSnapshots(d.last, current)
	d.last = current
	d.mu.Unlock()

	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		d.config.Logger.Printf("Task %s %s", ev.TaskID, ev.Type)
		res := d.syncer.HandleTaskEvent(ctx, ev)
		if !res.Success && res.Error != nil {
			d.config.Logger.Printf("Error syncing task %s: %s: %s", ev.TaskID, res.Error.Type, res.Error.Message)
		}
	}
	return events
}

func (d *Daemon) checkDrift() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DriftCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			report, err := d.syncer.CheckDrift(d.ctx, "", false)
			if err != nil {
				d.config.Logger.Printf("Error checking drift: %v", err)
				continue
			}
			if report.HasBreakingChanges() {
				d.config.Logger.Printf("WARNING: status mapping has broken entries; run 'tb mapping drift'")
			}
		}
	}
}

func (d *Daemon) snapshotOf(doc *store.Document) snapshot {
	snap := make(snapshot)
	for _, c := range doc.Contexts {
		if d.config.Tag != "" && c.Name != d.config.Tag {
			continue
		}
		for _, t := range c.Tasks {
			snap[taskKey{c.Name, t.ID}] = fingerprintOf(t)
			for _, sub := range t.Subtasks {
				id := store.TaskID(string(t.ID) + "." + string(sub.ID))
				snap[taskKey{c.Name, id}] = fingerprintOf(sub)
			}
		}
	}
	return snap
}

func fingerprintOf(t store.Task) fingerprint {
	return fingerprint{Status: t.Status, Title: t.Title, Description: t.Description}
}

// diffSnapshots returns created and updated tasks in (tag, id) order.
// Removed tasks produce no event.
func diffSnapshots(prev, cur snapshot) []orchestrator.Event {
	var events []orchestrator.Event
	for key, fp := range cur {
		old, existed := prev[key]
		switch {
		case !existed:
			events = append(events, orchestrator.Event{Type: orchestrator.EventCreated, TaskID: key.id, Tag: key.tag})
		case old != fp:
			events = append(events, orchestrator.Event{Type: orchestrator.EventUpdated, TaskID: key.id, Tag: key.tag})
		}
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].Tag != events[j].Tag {
			return events[i].Tag < events[j].Tag
		}
		return events[i].TaskID < events[j].TaskID
	})
	return events
}
