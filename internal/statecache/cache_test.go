package statecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mschirtzinger/taskbridge/internal/retry"
	"github.com/mschirtzinger/taskbridge/internal/tracker"
)

// fakeLister serves states in pages of pageSize and counts calls.
type fakeLister struct {
	states   map[string][]tracker.WorkflowState
	pageSize int
	calls    atomic.Int32
	fail     error
}

func (f *fakeLister) WorkflowStates(ctx context.Context, teamKey string, opts tracker.PageOptions) (*tracker.StatePage, error) {
	f.calls.Add(1)
	if f.fail != nil {
		return nil, f.fail
	}

	all := f.states[teamKey]
	start := 0
	if opts.After != "" {
		fmt.Sscanf(opts.After, "%d", &start)
	}
	size := f.pageSize
	if size <= 0 {
		size = len(all) + 1
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}

	page := &tracker.StatePage{States: all[start:end]}
	if end < len(all) {
		page.HasNextPage = true
		page.EndCursor = fmt.Sprint(end)
	}
	return page, nil
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testStates() []tracker.WorkflowState {
	return []tracker.WorkflowState{
		{ID: "s3", Name: "Done", Type: tracker.StateTypeCompleted, Position: 3},
		{ID: "s1", Name: "Todo", Type: tracker.StateTypeUnstarted, Position: 1},
		{ID: "s2", Name: "In Progress", Type: tracker.StateTypeStarted, Position: 2},
		{ID: "s4", Name: "Legacy", Type: tracker.StateTypeStarted, Position: 4, Archived: true},
	}
}

func newTestCache(lister tracker.StateLister, clock *fakeClock) *Cache {
	opts := DefaultOptions()
	opts.Now = clock.Now
	opts.Retry = retry.Config{MaxAttempts: 1}
	opts.Logger = log.New(io.Discard, "", 0)
	return New(lister, opts)
}

func TestNewSnapshot(t *testing.T) {
	snap := NewSnapshot("ENG", testStates(), time.Now())

	wantOrder := []string{"s1", "s2", "s3", "s4"}
	for i, id := range wantOrder {
		if snap.States[i].ID != id {
			t.Errorf("States[%d] = %s, want %s", i, snap.States[i].ID, id)
		}
	}

	if _, ok := snap.ByName["In Progress"]; !ok {
		t.Error("ByName missing exact name")
	}
	if _, ok := snap.ByLowerName["in progress"]; !ok {
		t.Error("ByLowerName missing lowercase name")
	}
	if st, ok := snap.ByNormalizedName["inprogress"]; !ok || st.ID != "s2" {
		t.Error("ByNormalizedName missing normalized name")
	}
	if _, ok := snap.ByName["Legacy"]; ok {
		t.Error("archived state indexed by name")
	}
	if _, ok := snap.ByID["s4"]; !ok {
		t.Error("archived state missing from ByID")
	}
	if got := len(snap.Active()); got != 3 {
		t.Errorf("Active() = %d states, want 3", got)
	}
}

func TestNormalizeName(t *testing.T) {
	tests := map[string]string{
		"In Progress": "inprogress",
		"in-progress": "inprogress",
		"IN_PROGRESS": "inprogress",
		"  Done! ":    "done",
		"---":         "",
	}
	for in, want := range tests {
		if got := NormalizeName(in); got != want {
			t.Errorf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGet_CachesWithinTTL(t *testing.T) {
	lister := &fakeLister{states: map[string][]tracker.WorkflowState{"ENG": testStates()}}
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := newTestCache(lister, clock)
	ctx := context.Background()

	first, err := c.Get(ctx, "ENG", false)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	clock.Advance(4 * time.Minute)
	second, err := c.Get(ctx, "ENG", false)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if first != second {
		t.Error("expected cached snapshot within TTL")
	}
	if got := lister.calls.Load(); got != 1 {
		t.Errorf("lister calls = %d, want 1", got)
	}

	clock.Advance(2 * time.Minute)
	if _, err := c.Get(ctx, "ENG", false); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := lister.calls.Load(); got != 2 {
		t.Errorf("lister calls after expiry = %d, want 2", got)
	}

	if _, err := c.Get(ctx, "ENG", true); err != nil {
		t.Fatalf("Get(force) error = %v", err)
	}
	if got := lister.calls.Load(); got != 3 {
		t.Errorf("lister calls after force refresh = %d, want 3", got)
	}
}

func TestGet_Paginates(t *testing.T) {
	var states []tracker.WorkflowState
	for i := 0; i < 7; i++ {
		states = append(states, tracker.WorkflowState{ID: fmt.Sprintf("s%d", i), Name: fmt.Sprintf("State %d", i), Position: float64(i)})
	}
	lister := &fakeLister{states: map[string][]tracker.WorkflowState{"ENG": states}, pageSize: 3}
	c := newTestCache(lister, &fakeClock{now: time.Now()})

	snap, err := c.Get(context.Background(), "ENG", false)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(snap.States) != 7 {
		t.Errorf("got %d states, want 7", len(snap.States))
	}
	if got := lister.calls.Load(); got != 3 {
		t.Errorf("page requests = %d, want 3", got)
	}
}

func TestGet_PageLimit(t *testing.T) {
	var states []tracker.WorkflowState
	for i := 0; i < 10; i++ {
		states = append(states, tracker.WorkflowState{ID: fmt.Sprintf("s%d", i), Name: fmt.Sprintf("State %d", i)})
	}
	lister := &fakeLister{states: map[string][]tracker.WorkflowState{"ENG": states}, pageSize: 2}

	opts := DefaultOptions()
	opts.MaxPages = 2
	opts.Logger = log.New(io.Discard, "", 0)
	c := New(lister, opts)

	snap, err := c.Get(context.Background(), "ENG", false)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(snap.States) != 4 {
		t.Errorf("got %d states, want 4 (2 pages)", len(snap.States))
	}
}

func TestGet_EvictsOldest(t *testing.T) {
	lister := &fakeLister{states: map[string][]tracker.WorkflowState{}}
	for i := 0; i < 4; i++ {
		lister.states[fmt.Sprintf("T%d", i)] = testStates()
	}
	clock := &fakeClock{now: time.Unix(0, 0)}

	opts := DefaultOptions()
	opts.Capacity = 3
	opts.Now = clock.Now
	opts.Logger = log.New(io.Discard, "", 0)
	c := New(lister, opts)

	for i := 0; i < 4; i++ {
		clock.Advance(time.Second)
		if _, err := c.Get(context.Background(), fmt.Sprintf("T%d", i), false); err != nil {
			t.Fatalf("Get() error = %v", err)
		}
	}

	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3", c.Len())
	}
	before := lister.calls.Load()
	if _, err := c.Get(context.Background(), "T0", false); err != nil {
		t.Fatal(err)
	}
	if lister.calls.Load() != before+1 {
		t.Error("T0 should have been evicted and re-fetched")
	}
}

func TestGet_ErrorIsClassified(t *testing.T) {
	lister := &fakeLister{fail: &tracker.APIError{StatusCode: 401, Message: "nope"}}
	c := newTestCache(lister, &fakeClock{now: time.Now()})

	_, err := c.Get(context.Background(), "ENG", false)
	if !errors.Is(err, retry.ErrExternalAuth) {
		t.Errorf("error = %v, want auth classification", err)
	}
	if c.Len() != 0 {
		t.Error("failed fetch must not populate the cache")
	}
}

func TestGet_ConcurrentCallersShareFetch(t *testing.T) {
	lister := &fakeLister{states: map[string][]tracker.WorkflowState{"ENG": testStates()}}
	c := newTestCache(lister, &fakeClock{now: time.Now()})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := c.Get(context.Background(), "ENG", false)
			if err != nil {
				t.Errorf("Get() error = %v", err)
				return
			}
			if len(snap.States) != 4 {
				t.Errorf("partial snapshot: %d states", len(snap.States))
			}
		}()
	}
	wg.Wait()

	if got := lister.calls.Load(); got > 20 || got < 1 {
		t.Errorf("lister calls = %d", got)
	}
}

// gateLister blocks every fetch until release is closed.
type gateLister struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func newGateLister() *gateLister {
	return &gateLister{
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
}

func (g *gateLister) WorkflowStates(ctx context.Context, teamKey string, opts tracker.PageOptions) (*tracker.StatePage, error) {
	g.calls.Add(1)
	g.started <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &tracker.StatePage{States: testStates()}, nil
}

func waitStarted(t *testing.T, g *gateLister) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not start")
	}
}

func TestGet_CancelledCallerLeavesOthersWaiting(t *testing.T) {
	lister := newGateLister()
	c := newTestCache(lister, &fakeClock{now: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "ENG", false)
		first <- err
	}()
	waitStarted(t, lister)

	type result struct {
		snap *Snapshot
		err  error
	}
	second := make(chan result, 1)
	go func() {
		snap, err := c.Get(context.Background(), "ENG", false)
		second <- result{snap, err}
	}()

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled Get() error = %v, want context.Canceled", err)
	}

	close(lister.release)
	got := <-second
	if got.err != nil {
		t.Fatalf("Get() error = %v after another caller cancelled", got.err)
	}
	if len(got.snap.States) != 4 {
		t.Errorf("snapshot has %d states, want 4", len(got.snap.States))
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want the shared fetch to be cached", c.Len())
	}
}

func TestGet_ForceRefreshDoesNotJoinLookupFlight(t *testing.T) {
	lister := newGateLister()
	c := newTestCache(lister, &fakeClock{now: time.Now()})

	plain := make(chan *Snapshot, 1)
	go func() {
		snap, err := c.Get(context.Background(), "ENG", false)
		if err != nil {
			t.Errorf("Get() error = %v", err)
		}
		plain <- snap
	}()
	waitStarted(t, lister)

	forced := make(chan *Snapshot, 1)
	go func() {
		snap, err := c.Get(context.Background(), "ENG", true)
		if err != nil {
			t.Errorf("Get(force) error = %v", err)
		}
		forced <- snap
	}()
	// The forced caller must start its own fetch while the first is blocked.
	waitStarted(t, lister)

	close(lister.release)
	a, b := <-plain, <-forced
	if a == nil || b == nil {
		t.Fatal("missing snapshot")
	}
	if a == b {
		t.Error("forced refresh received the snapshot from the lookup flight")
	}
	if got := lister.calls.Load(); got != 2 {
		t.Errorf("lister calls = %d, want 2", got)
	}
}
