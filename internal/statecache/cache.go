// Package statecache keeps a time-bounded, per-team snapshot of the external
// service's workflow states.
//
// A Snapshot is immutable once built. Refreshing a team swaps in a new
// Snapshot under the cache lock, so concurrent readers see either the old or
// the new snapshot, never a partial one. Concurrent misses for the same team
// share one fetch.
package statecache

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/sync/singleflight"

	"github.com/mschirtzinger/taskbridge/internal/retry"
	"github.com/mschirtzinger/taskbridge/internal/tracker"
)

const (
	// DefaultTTL is how long a snapshot is served before re-fetching.
	DefaultTTL = 5 * time.Minute

	// DefaultCapacity bounds the number of cached teams.
	DefaultCapacity = 50

	// DefaultPageSize is the page size requested from the service.
	DefaultPageSize = 50

	// DefaultMaxPages is the pagination safety limit.
	DefaultMaxPages = 10
)

// Options configures a Cache.
type Options struct {
	TTL             time.Duration
	Capacity        int
	PageSize        int
	MaxPages        int
	IncludeArchived bool

	// Retry is applied to every page request.
	Retry retry.Config

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time

	Logger *log.Logger
}

// DefaultOptions returns the standard cache policy.
func DefaultOptions() Options {
	return Options{
		TTL:             DefaultTTL,
		Capacity:        DefaultCapacity,
		PageSize:        DefaultPageSize,
		MaxPages:        DefaultMaxPages,
		IncludeArchived: true,
		Retry:           retry.DefaultConfig(),
	}
}

// Snapshot is one fetch of a team's workflow states.
type Snapshot struct {
	TeamKey string

	// States are ordered by position, then name.
	States []tracker.WorkflowState

	ByID             map[string]tracker.WorkflowState
	ByName           map[string]tracker.WorkflowState
	ByLowerName      map[string]tracker.WorkflowState
	ByNormalizedName map[string]tracker.WorkflowState

	FetchedAt time.Time
}

// NewSnapshot builds the lookup tables for states. Name tables only index
// non-archived states; when two states share a key the first in position
// order wins.
func NewSnapshot(teamKey string, states []tracker.WorkflowState, fetchedAt time.Time) *Snapshot {
	sorted := make([]tracker.WorkflowState, len(states))
	copy(sorted, states)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Position != sorted[j].Position {
			return sorted[i].Position < sorted[j].Position
		}
		return sorted[i].Name < sorted[j].Name
	})

	snap := &Snapshot{
		TeamKey:          teamKey,
		States:           sorted,
		ByID:             make(map[string]tracker.WorkflowState, len(sorted)),
		ByName:           make(map[string]tracker.WorkflowState, len(sorted)),
		ByLowerName:      make(map[string]tracker.WorkflowState, len(sorted)),
		ByNormalizedName: make(map[string]tracker.WorkflowState, len(sorted)),
		FetchedAt:        fetchedAt,
	}

	for _, s := range sorted {
		snap.ByID[s.ID] = s
		if s.Archived {
			continue
		}
		if _, ok := snap.ByName[s.Name]; !ok {
			snap.ByName[s.Name] = s
		}
		lower := strings.ToLower(strings.TrimSpace(s.Name))
		if _, ok := snap.ByLowerName[lower]; !ok {
			snap.ByLowerName[lower] = s
		}
		norm := NormalizeName(s.Name)
		if norm == "" {
			continue
		}
		if _, ok := snap.ByNormalizedName[norm]; !ok {
			snap.ByNormalizedName[norm] = s
		}
	}

	return snap
}

// Active returns the non-archived states in position order.
func (s *Snapshot) Active() []tracker.WorkflowState {
	active := make([]tracker.WorkflowState, 0, len(s.States))
	for _, st := range s.States {
		if !st.Archived {
			active = append(active, st)
		}
	}
	return active
}

// Names returns the names of the non-archived states.
func (s *Snapshot) Names() []string {
	active := s.Active()
	names := make([]string, len(active))
	for i, st := range active {
		names[i] = st.Name
	}
	return names
}

// NormalizeName lowercases name and drops everything but letters and digits.
// "In-Progress", "in progress" and "IN_PROGRESS" all normalize to "inprogress".
func NormalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// Cache is a bounded TTL cache of Snapshots keyed by team.
type Cache struct {
	lister tracker.StateLister
	opts   Options

	entries map[string]*Snapshot
	mu      sync.RWMutex
	group   singleflight.Group

	logger *log.Logger
}

// New creates a cache that fetches through lister.
func New(lister tracker.StateLister, opts Options) *Cache {
	def := DefaultOptions()
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.Capacity <= 0 {
		opts.Capacity = def.Capacity
	}
	if opts.PageSize <= 0 {
		opts.PageSize = def.PageSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = def.MaxPages
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[statecache] ", log.LstdFlags)
	}

	return &Cache{
		lister:  lister,
		opts:    opts,
		entries: make(map[string]*Snapshot),
		logger:  logger,
	}
}

// Get returns the snapshot for teamKey, fetching it when missing, expired,
// or when forceRefresh is set.
func (c *Cache) Get(ctx context.Context, teamKey string, forceRefresh bool) (*Snapshot, error) {
	if teamKey == "" {
		return nil, fmt.Errorf("team key is required")
	}

	if !forceRefresh {
		if snap, ok := c.lookup(teamKey); ok {
			return snap, nil
		}
	}

	// Forced refreshes get their own flight so they never receive a snapshot
	// from a lookup-first flight that started before them.
	key := teamKey
	if forceRefresh {
		key += "\x00force"
	}

	// The fetch is shared, so it runs detached from any single caller's
	// cancellation; each caller still stops waiting when its own ctx ends.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		// Another caller may have refreshed while we waited.
		if !forceRefresh {
			if snap, ok := c.lookup(teamKey); ok {
				return snap, nil
			}
		}

		states, err := c.fetchAll(fetchCtx, teamKey)
		if err != nil {
			return nil, err
		}

		snap := NewSnapshot(teamKey, states, c.opts.Now())
		c.store(snap)
		return snap, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Snapshot), nil
	}
}

// Invalidate drops the cached snapshot for teamKey.
func (c *Cache) Invalidate(teamKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, teamKey)
}

// Len returns the number of cached teams.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) lookup(teamKey string) (*Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, ok := c.entries[teamKey]
	if !ok {
		return nil, false
	}
	if c.opts.Now().Sub(snap.FetchedAt) >= c.opts.TTL {
		return nil, false
	}
	return snap, true
}

// store inserts snap, evicting the oldest entries beyond capacity.
func (c *Cache) store(snap *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[snap.TeamKey] = snap

	for len(c.entries) > c.opts.Capacity {
		var oldestKey string
		var oldest time.Time
		for key, entry := range c.entries {
			if oldestKey == "" || entry.FetchedAt.Before(oldest) {
				oldestKey = key
				oldest = entry.FetchedAt
			}
		}
		delete(c.entries, oldestKey)
	}
}

// fetchAll pages through the team's states, bounded by MaxPages.
func (c *Cache) fetchAll(ctx context.Context, teamKey string) ([]tracker.WorkflowState, error) {
	var (
		states []tracker.WorkflowState
		cursor string
	)

	for page := 1; page <= c.opts.MaxPages; page++ {
		opts := tracker.PageOptions{
			IncludeArchived: c.opts.IncludeArchived,
			PageSize:        c.opts.PageSize,
			After:           cursor,
		}

		result, err := retry.Do(ctx, c.opts.Retry, func(ctx context.Context) (*tracker.StatePage, error) {
			return c.lister.WorkflowStates(ctx, teamKey, opts)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch workflow states page %d: %w", page, err)
		}

		for _, st := range result.States {
			st.Name = strings.TrimSpace(st.Name)
			states = append(states, st)
		}

		if !result.HasNextPage || result.EndCursor == "" {
			return states, nil
		}
		cursor = result.EndCursor
	}

	c.logger.Printf("Warning: workflow states for %s truncated at %d pages", teamKey, c.opts.MaxPages)
	return states, nil
}
