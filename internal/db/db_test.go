package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mschirtzinger/taskbridge/internal/resolve"
)

// openTestDB opens a fresh database in a temp dir.
func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen_CreatesSchema(t *testing.T) {
	db := openTestDB(t)

	for _, table := range []string{"status_mappings", "sync_log"} {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}

	if err := db.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}

func TestMappingRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	resolvedAt := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	entry := resolve.MappingEntry{
		StateID:    "s1",
		StateName:  "Todo",
		MatchType:  resolve.MatchExact,
		Confidence: 1,
		ResolvedAt: resolvedAt,
	}
	if err := db.UpsertMapping(ctx, "ENG", resolve.StatusPending, entry); err != nil {
		t.Fatalf("UpsertMapping() failed: %v", err)
	}

	entry.StateName = "To Do"
	if err := db.UpsertMapping(ctx, "ENG", resolve.StatusPending, entry); err != nil {
		t.Fatalf("second UpsertMapping() failed: %v", err)
	}

	got, err := db.GetMapping(ctx, "ENG")
	if err != nil {
		t.Fatalf("GetMapping() failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d entries, want 1", len(got))
	}
	e := got[resolve.StatusPending]
	if e.StateName != "To Do" || e.MatchType != resolve.MatchExact || !e.ResolvedAt.Equal(resolvedAt) {
		t.Errorf("entry = %+v", e)
	}

	other, err := db.GetMapping(ctx, "OPS")
	if err != nil || other == nil || len(other) != 0 {
		t.Errorf("unknown team mapping = %v, err %v", other, err)
	}

	if err := db.DeleteMapping(ctx, "ENG", resolve.StatusPending); err != nil {
		t.Fatalf("DeleteMapping() failed: %v", err)
	}
	if got, _ := db.GetMapping(ctx, "ENG"); len(got) != 0 {
		t.Errorf("entry survived delete: %v", got)
	}
}

func TestUpsertMapping_Validation(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.UpsertMapping(ctx, "", resolve.StatusDone, resolve.MappingEntry{}); err == nil {
		t.Error("empty team key accepted")
	}
	if err := db.UpsertMapping(ctx, "ENG", resolve.Status("blocked"), resolve.MappingEntry{}); err == nil {
		t.Error("invalid status accepted")
	}
}

func TestSaveMapping_Replaces(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first := resolve.Mapping{
		resolve.StatusPending: {StateID: "s1", StateName: "Todo"},
		resolve.StatusDone:    {StateID: "s3", StateName: "Done"},
	}
	if err := db.SaveMapping(ctx, "ENG", first); err != nil {
		t.Fatalf("SaveMapping() failed: %v", err)
	}
	if err := db.SaveMapping(ctx, "ENG", resolve.Mapping{resolve.StatusReview: {StateID: "s2"}}); err != nil {
		t.Fatalf("SaveMapping() failed: %v", err)
	}

	got, err := db.GetMapping(ctx, "ENG")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[resolve.StatusReview].StateID != "s2" {
		t.Errorf("mapping = %v", got)
	}

	teams, err := db.Teams(ctx)
	if err != nil || len(teams) != 1 || teams[0] != "ENG" {
		t.Errorf("Teams() = %v, err %v", teams, err)
	}
}

func TestSyncLog(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	records := []SyncRecord{
		{TaskID: "7", Operation: "link-external", Outcome: OutcomeSuccess, ExternalID: "X-7", CreatedAt: base},
		{TaskID: "8", Operation: "link-external", Outcome: OutcomeFailure, ErrorType: "rate_limit", CreatedAt: base.Add(time.Minute)},
		{TaskID: "7", Operation: "link-external", Outcome: OutcomeFailure, ErrorType: "network", CreatedAt: base.Add(2 * time.Minute)},
		{TaskID: "9", Operation: "link-external", Outcome: OutcomeFailure, ErrorType: "rate_limit", CreatedAt: base.Add(3 * time.Minute)},
	}
	for _, rec := range records {
		id, err := db.RecordSync(ctx, rec)
		if err != nil {
			t.Fatalf("RecordSync() failed: %v", err)
		}
		if _, err := uuid.Parse(id); err != nil {
			t.Errorf("id %q is not a uuid", id)
		}
	}

	all, err := db.ListSyncLog(ctx, SyncLogFilter{})
	if err != nil {
		t.Fatalf("ListSyncLog() failed: %v", err)
	}
	if len(all) != 4 || all[0].TaskID != "9" {
		t.Errorf("expected newest first, got %+v", all)
	}

	recent, err := db.ListSyncLog(ctx, SyncLogFilter{Since: base.Add(90 * time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Errorf("since filter returned %d records, want 2", len(recent))
	}

	task7, err := db.ListSyncLog(ctx, SyncLogFilter{TaskID: "7", Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(task7) != 1 || task7[0].ErrorType != "network" {
		t.Errorf("task filter = %+v", task7)
	}

	stats, err := db.SyncCounts(ctx)
	if err != nil {
		t.Fatalf("SyncCounts() failed: %v", err)
	}
	if stats.Total != 4 || stats.Succeeded != 1 || stats.Failed != 3 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ByErrorType["rate_limit"] != 2 || stats.ByErrorType["network"] != 1 {
		t.Errorf("ByErrorType = %v", stats.ByErrorType)
	}
}

func TestRecordSync_Validation(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.RecordSync(ctx, SyncRecord{Outcome: OutcomeSuccess}); err == nil {
		t.Error("missing task id accepted")
	}
	if _, err := db.RecordSync(ctx, SyncRecord{TaskID: "1", Outcome: "maybe"}); err == nil {
		t.Error("invalid outcome accepted")
	}
}
