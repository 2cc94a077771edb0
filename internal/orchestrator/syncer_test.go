package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mschirtzinger/taskbridge/internal/db"
	"github.com/mschirtzinger/taskbridge/internal/resolve"
	"github.com/mschirtzinger/taskbridge/internal/retry"
	"github.com/mschirtzinger/taskbridge/internal/statecache"
	"github.com/mschirtzinger/taskbridge/internal/store"
	"github.com/mschirtzinger/taskbridge/internal/tracker"
)

const testDoc = `{
  "tasks": [
    {"id": 7, "title": "Write docs", "description": "All of them", "status": "pending"},
    {"id": 8, "title": "Ship it", "status": "in-progress", "integrations": {"tracker": {"externalId": "iss-8"}}},
    {"id": 9, "title": "Parent", "status": "pending", "subtasks": [
      {"id": 1, "title": "Child one", "status": "done"},
      {"id": 2, "title": "Child two", "status": "blocked"}
    ]}
  ]
}`

var testStates = []tracker.WorkflowState{
	{ID: "s1", Name: "Todo", Type: tracker.StateTypeUnstarted, Position: 1},
	{ID: "s2", Name: "In Progress", Type: tracker.StateTypeStarted, Position: 2},
	{ID: "s3", Name: "Done", Type: tracker.StateTypeCompleted, Position: 3},
}

type fakeStates struct {
	mu     sync.Mutex
	states []tracker.WorkflowState
	err    error
	forced []bool
}

func (f *fakeStates) Get(ctx context.Context, teamKey string, forceRefresh bool) (*statecache.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced = append(f.forced, forceRefresh)
	if f.err != nil {
		return nil, f.err
	}
	return statecache.NewSnapshot(teamKey, f.states, time.Now()), nil
}

// fakeIssues hands out sequential ids and fails with errs in order.
type fakeIssues struct {
	mu     sync.Mutex
	inputs []tracker.IssueInput
	errs   []error
	next   int
}

func (f *fakeIssues) UpsertIssue(ctx context.Context, in tracker.IssueInput) (*tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inputs = append(f.inputs, in)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}

	id := in.ID
	if id == "" {
		f.next++
		id = fmt.Sprintf("iss-new-%d", f.next)
	}
	return &tracker.Issue{
		ID:         id,
		Identifier: "ENG-" + id,
		URL:        "https://tracker.test/" + id,
		StateID:    in.StateID,
	}, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	results  []Result
	drift    []*resolve.DriftReport
	mappings []*resolve.MappingReport
}

func (f *fakeNotifier) SyncResult(res Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, res)
}

func (f *fakeNotifier) DriftReport(teamKey string, report *resolve.DriftReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drift = append(f.drift, report)
}

func (f *fakeNotifier) MappingReport(report *resolve.MappingReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mappings = append(f.mappings, report)
}

type testEnv struct {
	path     string
	states   *fakeStates
	issues   *fakeIssues
	db       *db.DB
	notifier *fakeNotifier
	syncer   Syncer
}

// newTestEnv wires a Syncer against a temp document and database.
func newTestEnv(t *testing.T, lockCfg store.LockConfig) *testEnv {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.json")
	if err := os.WriteFile(path, []byte(testDoc), 0644); err != nil {
		t.Fatalf("Failed to write document: %v", err)
	}

	database, err := db.Open(filepath.Join(dir, "taskbridge.db"))
	if err != nil {
		t.Fatalf("db.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	logger := log.New(io.Discard, "", 0)
	env := &testEnv{
		path:     path,
		states:   &fakeStates{states: append([]tracker.WorkflowState(nil), testStates...)},
		issues:   &fakeIssues{},
		db:       database,
		notifier: &fakeNotifier{},
	}

	cfg := DefaultConfig(path, "ENG")
	cfg.Logger = logger
	cfg.Retry.Sleep = func(ctx context.Context, d time.Duration) error { return nil }

	mcfg := store.DefaultConfig()
	mcfg.Logger = logger
	if lockCfg.MaxAttempts > 0 {
		mcfg.Lock = lockCfg
	}

	s, err := New(cfg, Deps{
		Resolver: resolve.New(env.states, resolve.Config{Logger: logger}),
		States:   env.states,
		Issues:   env.issues,
		Mutator:  store.NewMutator(mcfg),
		DB:       database,
		Notifier: env.notifier,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	env.syncer = s
	return env
}

func (e *testEnv) integration(t *testing.T, taskPath string) gjson.Result {
	t.Helper()
	data, err := os.ReadFile(e.path)
	if err != nil {
		t.Fatalf("Failed to read document: %v", err)
	}
	return gjson.GetBytes(data, taskPath+".integrations.tracker")
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(DefaultConfig("tasks.json", "ENG"), Deps{}); err == nil {
		t.Error("New() accepted missing dependencies")
	}
}

func TestHandleTaskEvent_CreatesAndLinks(t *testing.T) {
	env := newTestEnv(t, store.LockConfig{})
	ctx := context.Background()

	res := env.syncer.HandleTaskEvent(ctx, Event{Type: EventCreated, TaskID: "7"})
	if !res.Success {
		t.Fatalf("HandleTaskEvent() failed: %+v", res.Error)
	}
	if res.ExternalID != "iss-new-1" || res.StateID != "s1" || res.MatchType != resolve.MatchExact {
		t.Errorf("result = %+v", res)
	}

	if len(env.issues.inputs) != 1 {
		t.Fatalf("UpsertIssue called %d times, want 1", len(env.issues.inputs))
	}
	in := env.issues.inputs[0]
	if in.ID != "" || in.TeamKey != "ENG" || in.Title != "Write docs" || in.Description != "All of them" || in.StateID != "s1" {
		t.Errorf("issue input = %+v", in)
	}

	rec := env.integration(t, "tasks.0")
	if rec.Get("externalId").String() != "iss-new-1" ||
		rec.Get("stateId").String() != "s1" ||
		rec.Get("status").String() != store.SyncStatusSynced ||
		rec.Get("url").String() != "https://tracker.test/iss-new-1" {
		t.Errorf("integration record = %s", rec.Raw)
	}

	mapping, err := env.db.GetMapping(ctx, "ENG")
	if err != nil {
		t.Fatal(err)
	}
	if got := mapping[resolve.StatusPending]; got.StateID != "s1" || got.MatchType != resolve.MatchExact {
		t.Errorf("stored mapping entry = %+v", got)
	}

	entries, err := env.db.ListSyncLog(ctx, db.SyncLogFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Outcome != db.OutcomeSuccess || entries[0].ExternalID != "iss-new-1" {
		t.Errorf("sync log = %+v", entries)
	}

	if len(env.notifier.results) != 1 || !env.notifier.results[0].Success {
		t.Errorf("notifier results = %+v", env.notifier.results)
	}
}

func TestHandleTaskEvent_UpdatesLinkedIssue(t *testing.T) {
	env := newTestEnv(t, store.LockConfig{})

	res := env.syncer.SyncTask(context.Background(), "8")
	if !res.Success {
		t.Fatalf("SyncTask() failed: %+v", res.Error)
	}
	if got := env.issues.inputs[0].ID; got != "iss-8" {
		t.Errorf("issue input id = %q, want iss-8", got)
	}
	if got := env.issues.inputs[0].StateID; got != "s2" {
		t.Errorf("issue state = %q, want s2", got)
	}
	if got := env.integration(t, "tasks.1").Get("externalId").String(); got != "iss-8" {
		t.Errorf("externalId = %q", got)
	}
}

func TestHandleTaskEvent_RetriesTransientFailures(t *testing.T) {
	env := newTestEnv(t, store.LockConfig{})
	env.issues.errs = []error{
		&tracker.APIError{StatusCode: 503, Message: "unavailable"},
		&tracker.APIError{StatusCode: 429, Message: "slow down"},
	}

	res := env.syncer.SyncTask(context.Background(), "7")
	if !res.Success {
		t.Fatalf("SyncTask() failed: %+v", res.Error)
	}
	if got := len(env.issues.inputs); got != 3 {
		t.Errorf("UpsertIssue called %d times, want 3", got)
	}
}

func TestHandleTaskEvent_ExternalFailureMarksTask(t *testing.T) {
	env := newTestEnv(t, store.LockConfig{})
	ctx := context.Background()
	env.issues.errs = []error{&tracker.APIError{StatusCode: 401, Message: "bad key"}}

	res := env.syncer.SyncTask(ctx, "7")
	if res.Success {
		t.Fatal("SyncTask() succeeded, want failure")
	}
	if res.Error.Type != "external_authentication" || res.Error.Code != "EXTERNAL_AUTHENTICATION" || res.Error.Retryable {
		t.Errorf("error = %+v", res.Error)
	}
	if got := len(env.issues.inputs); got != 1 {
		t.Errorf("non-retryable failure attempted %d times", got)
	}

	rec := env.integration(t, "tasks.0")
	if rec.Get("status").String() != store.SyncStatusError || rec.Get("lastError").String() == "" {
		t.Errorf("integration record = %s", rec.Raw)
	}
	if rec.Get("externalId").Exists() {
		t.Error("failed sync recorded an external id")
	}

	entries, err := env.db.ListSyncLog(ctx, db.SyncLogFilter{Outcome: db.OutcomeFailure})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ErrorType != "external_authentication" {
		t.Errorf("sync log = %+v", entries)
	}
}

func TestHandleTaskEvent_Failures(t *testing.T) {
	tests := []struct {
		name     string
		taskID   store.TaskID
		setup    func(env *testEnv)
		wantType string
		retry    bool
		marked   bool
	}{
		{
			name:     "no states",
			taskID:   "7",
			setup:    func(env *testEnv) { env.states.states = nil },
			wantType: TypeNoStatesAvailable,
			marked:   true,
		},
		{
			name:     "invalid status",
			taskID:   "9.2",
			wantType: TypeInvalidStatus,
			marked:   true,
		},
		{
			name:     "states unavailable",
			taskID:   "7",
			setup:    func(env *testEnv) { env.states.err = &tracker.APIError{StatusCode: 502, Message: "bad gateway"} },
			wantType: "external_server",
			retry:    true,
			marked:   true,
		},
		{
			name:     "task not found",
			taskID:   "42",
			wantType: TypeTaskNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, store.LockConfig{})
			if tt.setup != nil {
				tt.setup(env)
			}
			before, _ := os.ReadFile(env.path)

			res := env.syncer.SyncTask(context.Background(), tt.taskID)
			if res.Success {
				t.Fatal("SyncTask() succeeded, want failure")
			}
			if res.Error.Type != tt.wantType || res.Error.Retryable != tt.retry {
				t.Errorf("error = %+v, want type %s retryable %v", res.Error, tt.wantType, tt.retry)
			}
			if len(env.issues.inputs) != 0 {
				t.Error("issue upserted despite failure")
			}

			after, _ := os.ReadFile(env.path)
			if changed := string(before) != string(after); changed != tt.marked {
				t.Errorf("document changed = %v, want %v", changed, tt.marked)
			}
		})
	}
}

func TestHandleTaskEvent_LockTimeout(t *testing.T) {
	env := newTestEnv(t, store.LockConfig{
		StaleAfter:  time.Minute,
		MaxAttempts: 2,
		RetryDelay:  time.Millisecond,
		MaxHold:     time.Minute,
	})

	body, _ := json.Marshal(store.LockInfo{PID: os.Getpid(), Timestamp: time.Now(), Operation: "held-by-test"})
	if err := os.WriteFile(store.LockPath(env.path), body, 0644); err != nil {
		t.Fatal(err)
	}

	res := env.syncer.SyncTask(context.Background(), "7")
	if res.Success {
		t.Fatal("SyncTask() succeeded while the lock was held")
	}
	if res.Error.Type != TypeLockTimeout || !res.Error.Retryable {
		t.Errorf("error = %+v", res.Error)
	}
	// The issue was created before linking failed.
	if res.ExternalID == "" {
		t.Error("external id of the created issue was dropped")
	}
}

func TestHandleTaskEvent_UsesStoredMapping(t *testing.T) {
	env := newTestEnv(t, store.LockConfig{})
	ctx := context.Background()

	resolvedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	stored := resolve.Mapping{
		resolve.StatusPending: {StateID: "s2", StateName: "In Progress", MatchType: resolve.MatchManual, Confidence: 1, ResolvedAt: resolvedAt},
		resolve.StatusDone:    {StateID: "gone", StateName: "Shipped", MatchType: resolve.MatchExact, Confidence: 1, ResolvedAt: resolvedAt},
	}
	if err := env.db.SaveMapping(ctx, "ENG", stored); err != nil {
		t.Fatal(err)
	}

	res := env.syncer.SyncTask(ctx, "7")
	if !res.Success {
		t.Fatalf("SyncTask(7) failed: %+v", res.Error)
	}
	if res.StateID != "s2" || res.MatchType != resolve.MatchManual {
		t.Errorf("pending synced to %s via %s, want s2 via manual", res.StateID, res.MatchType)
	}
	if got := env.issues.inputs[0].StateID; got != "s2" {
		t.Errorf("issue state = %s, want s2", got)
	}

	res = env.syncer.SyncTask(ctx, "9.1")
	if !res.Success {
		t.Fatalf("SyncTask(9.1) failed: %+v", res.Error)
	}
	if res.StateID != "s3" {
		t.Errorf("broken entry fallback synced to %s, want s3", res.StateID)
	}
	warned := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "re-resolve required") {
			warned = true
		}
	}
	if !warned {
		t.Errorf("no drift warning for the broken entry: %v", res.Warnings)
	}

	got, err := env.db.GetMapping(ctx, "ENG")
	if err != nil {
		t.Fatal(err)
	}
	if e := got[resolve.StatusPending]; e.StateID != "s2" || e.MatchType != resolve.MatchManual {
		t.Errorf("manual entry overwritten: %+v", e)
	}
	if e := got[resolve.StatusDone]; e.StateID != "gone" || e.StateName != "Shipped" {
		t.Errorf("broken entry replaced: %+v", e)
	}
}

func TestHandleTaskEvent_StoredRename(t *testing.T) {
	env := newTestEnv(t, store.LockConfig{})
	ctx := context.Background()

	if err := env.db.SaveMapping(ctx, "ENG", resolve.Mapping{
		resolve.StatusPending: {StateID: "s1", StateName: "To Do", MatchType: resolve.MatchExact, Confidence: 1},
	}); err != nil {
		t.Fatal(err)
	}

	res := env.syncer.SyncTask(ctx, "7")
	if !res.Success {
		t.Fatalf("SyncTask(7) failed: %+v", res.Error)
	}
	if res.StateID != "s1" || res.StateName != "Todo" {
		t.Errorf("synced to %s (%s), want s1 (Todo)", res.StateID, res.StateName)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "renamed") {
		t.Errorf("Warnings = %v, want one rename warning", res.Warnings)
	}

	got, _ := env.db.GetMapping(ctx, "ENG")
	if got[resolve.StatusPending].StateName != "To Do" {
		t.Error("sync applied a rename; only CheckDrift(apply) may")
	}
}

func TestFullSync(t *testing.T) {
	env := newTestEnv(t, store.LockConfig{})

	summary, err := env.syncer.FullSync(context.Background())
	if err != nil {
		t.Fatalf("FullSync() failed: %v", err)
	}
	if summary.Total != 5 || summary.Synced != 4 || summary.Failed != 1 {
		t.Errorf("summary = %d total, %d synced, %d failed", summary.Total, summary.Synced, summary.Failed)
	}

	if got := env.integration(t, "tasks.2.subtasks.0").Get("stateId").String(); got != "s3" {
		t.Errorf("subtask 9.1 stateId = %q, want s3", got)
	}
	if got := env.integration(t, "tasks.2.subtasks.1").Get("status").String(); got != store.SyncStatusError {
		t.Errorf("subtask 9.2 status = %q, want error", got)
	}

	stats, err := env.db.SyncCounts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 5 || stats.Failed != 1 || stats.ByErrorType[TypeInvalidStatus] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestFullSync_Cancelled(t *testing.T) {
	env := newTestEnv(t, store.LockConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := env.syncer.FullSync(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("FullSync() error = %v, want context.Canceled", err)
	}
}

func TestCheckDrift(t *testing.T) {
	env := newTestEnv(t, store.LockConfig{})
	ctx := context.Background()

	stored := resolve.Mapping{
		resolve.StatusPending:    {StateID: "s1", StateName: "To Do"},
		resolve.StatusInProgress: {StateID: "s2", StateName: "In Progress"},
		resolve.StatusDone:       {StateID: "gone", StateName: "Shipped"},
	}
	if err := env.db.SaveMapping(ctx, "ENG", stored); err != nil {
		t.Fatal(err)
	}

	report, err := env.syncer.CheckDrift(ctx, "", false)
	if err != nil {
		t.Fatalf("CheckDrift() failed: %v", err)
	}
	if len(report.Renamed) != 1 || report.Renamed[0].NewName != "Todo" {
		t.Errorf("Renamed = %+v", report.Renamed)
	}
	if len(report.Broken) != 1 || report.Broken[0] != resolve.StatusDone {
		t.Errorf("Broken = %v", report.Broken)
	}
	if len(env.states.forced) != 1 || !env.states.forced[0] {
		t.Errorf("drift check did not force a refresh: %v", env.states.forced)
	}

	got, _ := env.db.GetMapping(ctx, "ENG")
	if got[resolve.StatusPending].StateName != "To Do" {
		t.Error("report-only drift check persisted a rename")
	}

	if _, err := env.syncer.CheckDrift(ctx, "ENG", true); err != nil {
		t.Fatalf("CheckDrift(apply) failed: %v", err)
	}
	got, _ = env.db.GetMapping(ctx, "ENG")
	if got[resolve.StatusPending].StateName != "Todo" {
		t.Errorf("rename not applied: %+v", got[resolve.StatusPending])
	}
	if got[resolve.StatusDone].StateID != "gone" {
		t.Error("broken entry was modified")
	}
	if len(env.notifier.drift) != 2 {
		t.Errorf("published %d drift reports, want 2", len(env.notifier.drift))
	}
}

func TestGenerateMapping_Save(t *testing.T) {
	env := newTestEnv(t, store.LockConfig{})
	ctx := context.Background()

	report, err := env.syncer.GenerateMapping(ctx, "ENG", resolve.Options{UseCache: true}, true)
	if err != nil {
		t.Fatalf("GenerateMapping() failed: %v", err)
	}
	if report.Complete() {
		t.Error("mapping without fallback should be partial")
	}

	got, err := env.db.GetMapping(ctx, "ENG")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != report.Resolved {
		t.Errorf("saved %d entries, report resolved %d", len(got), report.Resolved)
	}
	if got[resolve.StatusDone].StateID != "s3" {
		t.Errorf("done entry = %+v", got[resolve.StatusDone])
	}
	if len(env.notifier.mappings) != 1 {
		t.Errorf("published %d mapping reports", len(env.notifier.mappings))
	}
}

func TestErrorInfo(t *testing.T) {
	rollback := &store.RollbackError{Document: "d", Backup: "b", Cause: store.ErrTaskNotFound, Err: errors.New("copy failed")}

	tests := []struct {
		name      string
		err       error
		wantType  string
		retryable bool
	}{
		{"rollback wins over cause", rollback, TypeRollbackFailed, false},
		{"lock timeout", fmt.Errorf("x: %w", store.ErrLockTimeout), TypeLockTimeout, true},
		{"corrupt", store.ErrDocumentCorrupt, TypeDocumentCorrupt, false},
		{"unknown op", store.ErrUnknownOperation, TypeUnknownOperation, false},
		{"exhausted", resolve.ErrResolutionExhausted, TypeResolutionExhausted, false},
		{"rate limit", &retry.Error{Class: retry.ClassRateLimit, Retryable: true, Attempts: 3, Err: errors.New("429")}, "external_rate_limit", true},
		{"validation", &tracker.APIError{StatusCode: 422}, "external_validation", false},
		{"no team", ErrNoTeam, TypeConfiguration, false},
		{"plain", errors.New("boom"), TypeInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := errorInfo(tt.err)
			if info.Type != tt.wantType || info.Retryable != tt.retryable {
				t.Errorf("errorInfo() = %+v, want %s retryable=%v", info, tt.wantType, tt.retryable)
			}
		})
	}

	if errorInfo(nil) != nil {
		t.Error("errorInfo(nil) should be nil")
	}
}
