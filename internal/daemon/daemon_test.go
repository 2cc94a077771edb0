package daemon

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mschirtzinger/taskbridge/internal/orchestrator"
	"github.com/mschirtzinger/taskbridge/internal/resolve"
	"github.com/mschirtzinger/taskbridge/internal/store"
)

const initialDoc = `{
  "tasks": [
    {"id": 7, "title": "Write docs", "status": "pending"},
    {"id": 8, "title": "Ship it", "status": "in-progress", "subtasks": [
      {"id": 1, "title": "Tag release", "status": "pending"}
    ]}
  ]
}`

// fakeSyncer records events and answers every call successfully.
type fakeSyncer struct {
	events chan orchestrator.Event
	drift  chan struct{}
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{
		events: make(chan orchestrator.Event, 32),
		drift:  make(chan struct{}, 32),
	}
}

func (f *fakeSyncer) HandleTaskEvent(ctx context.Context, ev orchestrator.Event) orchestrator.Result {
	select {
	case f.events <- ev:
	default:
	}
	return orchestrator.Result{Success: true, TaskID: string(ev.TaskID)}
}

func (f *fakeSyncer) SyncTask(ctx context.Context, id store.TaskID) orchestrator.Result {
	return f.HandleTaskEvent(ctx, orchestrator.Event{Type: orchestrator.EventUpdated, TaskID: id})
}

func (f *fakeSyncer) FullSync(ctx context.Context) (*orchestrator.Summary, error) {
	return &orchestrator.Summary{}, nil
}

func (f *fakeSyncer) CheckDrift(ctx context.Context, teamKey string, apply bool) (*resolve.DriftReport, error) {
	select {
	case f.drift <- struct{}{}:
	default:
	}
	return &resolve.DriftReport{}, nil
}

func (f *fakeSyncer) GenerateMapping(ctx context.Context, teamKey string, opts resolve.Options, save bool) (*resolve.MappingReport, error) {
	return &resolve.MappingReport{}, nil
}

func testConfig() *Config {
	return &Config{
		DebounceInterval: 20 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	}
}

// writeDocument replaces the document the way the mutator does.
func writeDocument(t *testing.T, path, content string) {
	t.Helper()

	tmp := path + ".tmp-test"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write temp document: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("Failed to rename document: %v", err)
	}
}

func setupDocument(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tasks.json")
	if err := os.WriteFile(path, []byte(initialDoc), 0644); err != nil {
		t.Fatalf("Failed to write document: %v", err)
	}
	return path
}

func TestNewWithConfig(t *testing.T) {
	path := setupDocument(t)

	tests := []struct {
		name    string
		syncer  orchestrator.Syncer
		path    string
		wantErr bool
	}{
		{"valid configuration", newFakeSyncer(), path, false},
		{"nil syncer", nil, path, true},
		{"empty path", newFakeSyncer(), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewWithConfig(tt.syncer, tt.path, testConfig())
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewWithConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if d != nil {
				_ = d.watcher.Stop()
			}
		})
	}
}

func TestDiffSnapshots(t *testing.T) {
	prev := snapshot{
		{"", "7"}: {Status: "pending", Title: "Write docs"},
		{"", "8"}: {Status: "in-progress", Title: "Ship it"},
		{"", "9"}: {Status: "done", Title: "Gone soon"},
	}
	cur := snapshot{
		{"", "7"}:  {Status: "done", Title: "Write docs"},
		{"", "8"}:  {Status: "in-progress", Title: "Ship it"},
		{"", "10"}: {Status: "pending", Title: "New"},
	}

	events := diffSnapshots(prev, cur)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].TaskID != "10" || events[0].Type != orchestrator.EventCreated {
		t.Errorf("events[0] = %+v", events[0])
	}
	if events[1].TaskID != "7" || events[1].Type != orchestrator.EventUpdated {
		t.Errorf("events[1] = %+v", events[1])
	}

	if got := diffSnapshots(cur, cur); len(got) != 0 {
		t.Errorf("identical snapshots produced %+v", got)
	}
}

func TestProcessDocument(t *testing.T) {
	path := setupDocument(t)
	syncer := newFakeSyncer()

	d, err := NewWithConfig(syncer, path, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer d.watcher.Stop()

	doc, err := store.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	d.last = d.snapshotOf(doc)

	writeDocument(t, path, `{
  "tasks": [
    {"id": 7, "title": "Write docs", "status": "done"},
    {"id": 8, "title": "Ship it", "status": "in-progress", "integrations": {"tracker": {"externalId": "x"}}, "subtasks": [
      {"id": 1, "title": "Tag release v2", "status": "pending"}
    ]}
  ]
}`)

	events := d.ProcessDocument(context.Background())
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].TaskID != "7" || events[1].TaskID != "8.1" {
		t.Errorf("events = %+v", events)
	}
	if len(syncer.events) != 2 {
		t.Errorf("syncer received %d events", len(syncer.events))
	}

	// A corrupt document keeps the previous snapshot.
	writeDocument(t, path, `{"tasks": [`)
	if got := d.ProcessDocument(context.Background()); got != nil {
		t.Errorf("corrupt document produced events: %+v", got)
	}
	if len(d.last) != 3 {
		t.Errorf("snapshot lost after corrupt reload: %d tasks", len(d.last))
	}
}

func TestSnapshotOf_Tag(t *testing.T) {
	doc, err := store.Parse([]byte(`{
  "master": {"tasks": [{"id": 1, "title": "a", "status": "pending"}]},
  "feature": {"tasks": [{"id": 1, "title": "b", "status": "pending"}, {"id": 2, "title": "c", "status": "done"}]}
}`))
	if err != nil {
		t.Fatal(err)
	}

	all := (&Daemon{config: &Config{}}).snapshotOf(doc)
	if len(all) != 3 {
		t.Errorf("untagged snapshot has %d tasks, want 3", len(all))
	}

	feature := (&Daemon{config: &Config{Tag: "feature"}}).snapshotOf(doc)
	if len(feature) != 2 {
		t.Errorf("feature snapshot has %d tasks, want 2", len(feature))
	}
	if _, ok := feature[taskKey{"feature", "2"}]; !ok {
		t.Error("feature task 2 missing")
	}
}

func waitForEvent(t *testing.T, ch <-chan orchestrator.Event) orchestrator.Event {
	t.Helper()

	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sync event")
		return orchestrator.Event{}
	}
}

func TestDaemon_WatchesDocument(t *testing.T) {
	path := setupDocument(t)
	syncer := newFakeSyncer()

	d, err := NewWithConfig(syncer, path, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !d.watcher.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("watcher did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	writeDocument(t, path, `{
  "tasks": [
    {"id": 7, "title": "Write docs", "status": "in-progress"},
    {"id": 8, "title": "Ship it", "status": "in-progress", "subtasks": [
      {"id": 1, "title": "Tag release", "status": "pending"}
    ]}
  ]
}`)

	ev := waitForEvent(t, syncer.events)
	if ev.TaskID != "7" || ev.Type != orchestrator.EventUpdated {
		t.Errorf("event = %+v", ev)
	}

	// The syncer's own write touches integrations only.
	m := store.NewMutator(store.Config{Logger: log.New(io.Discard, "", 0)})
	if _, err := m.Mutate(context.Background(), path, "7", store.OpLinkExternal,
		store.UpdateData{ExternalID: "iss-7"}, store.MutateOptions{}); err != nil {
		t.Fatalf("Mutate() failed: %v", err)
	}

	select {
	case ev := <-syncer.events:
		t.Errorf("integration-only change retriggered sync: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemon_DriftCheck(t *testing.T) {
	path := setupDocument(t)
	syncer := newFakeSyncer()

	cfg := testConfig()
	cfg.DriftCheckInterval = 10 * time.Millisecond
	d, err := NewWithConfig(syncer, path, cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Start(ctx) }()

	select {
	case <-syncer.drift:
	case <-time.After(5 * time.Second):
		t.Fatal("drift check never ran")
	}
}
