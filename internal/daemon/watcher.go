package daemon

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpWrite indicates the document was created, written or replaced.
	OpWrite EventOp = iota
	// OpRemove indicates the document was removed or renamed away.
	OpRemove
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// FileEvent is a change to the watched document.
type FileEvent struct {
	Path string
	Op   EventOp
}

// DocumentWatcher watches a single task document.
//
// The document's directory is watched rather than the file: the mutator
// commits by renaming a temp file over the document, which replaces the
// inode a file watch would be attached to. Events for siblings (lock,
// backup and temp files) are dropped.
type DocumentWatcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	path    string
}

// NewDocumentWatcher creates a watcher. It emits nothing until Start.
func NewDocumentWatcher() (*DocumentWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &DocumentWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching the document at path.
func (dw *DocumentWatcher) Start(path string) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if dw.running {
		return fmt.Errorf("watcher already running")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve document path: %w", err)
	}
	dir := filepath.Dir(abs)
	if err := dw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	dw.path = abs
	dw.running = true
	dw.wg.Add(1)
	go dw.processEvents()

	return nil
}

// Stop stops watching and closes the event channels.
func (dw *DocumentWatcher) Stop() error {
	dw.mu.Lock()
	if !dw.running {
		dw.mu.Unlock()
		return dw.watcher.Close()
	}
	dw.running = false
	dw.mu.Unlock()

	close(dw.done)

	if err := dw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	dw.wg.Wait()

	close(dw.events)
	close(dw.errors)

	return nil
}

// Events returns the channel of document events.
func (dw *DocumentWatcher) Events() <-chan FileEvent {
	return dw.events
}

// Errors returns the channel of watcher errors.
func (dw *DocumentWatcher) Errors() <-chan error {
	return dw.errors
}

// IsRunning returns true if the watcher is currently running.
func (dw *DocumentWatcher) IsRunning() bool {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	return dw.running
}

func (dw *DocumentWatcher) processEvents() {
	defer dw.wg.Done()

	for {
		select {
		case <-dw.done:
			return

		case event, ok := <-dw.watcher.Events:
			if !ok {
				return
			}

			if fe, ok := dw.convertEvent(event); ok {
				select {
				case dw.events <- fe:
				case <-dw.done:
					return
				}
			}

		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}

			select {
			case dw.errors <- err:
			case <-dw.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event on the document to a FileEvent.
func (dw *DocumentWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	abs, err := filepath.Abs(event.Name)
	if err != nil || abs != dw.path {
		return FileEvent{}, false
	}

	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		return FileEvent{Path: abs, Op: OpWrite}, true
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return FileEvent{Path: abs, Op: OpRemove}, true
	default:
		return FileEvent{}, false
	}
}
