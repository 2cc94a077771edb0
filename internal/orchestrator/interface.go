// Package orchestrator composes status resolution, the external tracker and
// the document mutator into task sync operations.
package orchestrator

import (
	"context"

	"github.com/mschirtzinger/taskbridge/internal/resolve"
	"github.com/mschirtzinger/taskbridge/internal/store"
)

// Syncer mirrors tasks from the task document into the external tracker.
//
// Failures never surface as panics or bare errors at this boundary: every
// task-level operation returns a Result whose Error carries a stable type,
// code and retryable flag. Only whole-run failures (the document cannot be
// read, states cannot be fetched at all) are returned as errors.
type Syncer interface {
	// HandleTaskEvent syncs the task named by the event.
	//
	// The task's status is resolved to a workflow state, the external issue
	// is created or updated through the retry executor, and the resulting
	// external reference is merged into the task's integration record.
	//
	// On failure the task is marked with the sync error (best effort) and
	// the attempt is recorded in the sync log when a database is configured.
	//
	// Example:
	//   res := syncer.HandleTaskEvent(ctx, orchestrator.Event{Type: orchestrator.EventUpdated, TaskID: "7"})
	HandleTaskEvent(ctx context.Context, ev Event) Result

	// SyncTask is HandleTaskEvent for an explicit task id.
	SyncTask(ctx context.Context, id store.TaskID) Result

	// FullSync syncs every task (and subtask) in the configured context.
	//
	// Individual task failures are counted and logged, and do not stop the
	// run. The error is non-nil only if the document cannot be loaded or
	// the context is cancelled.
	FullSync(ctx context.Context) (*Summary, error)

	// CheckDrift compares the stored mapping for teamKey with a freshly
	// fetched state snapshot.
	//
	// Renames are persisted only when apply is true. Broken and deleted
	// entries are reported and never changed.
	CheckDrift(ctx context.Context, teamKey string, apply bool) (*resolve.DriftReport, error)

	// GenerateMapping resolves every abstract status for teamKey, and
	// replaces the stored mapping with the result when save is true.
	GenerateMapping(ctx context.Context, teamKey string, opts resolve.Options, save bool) (*resolve.MappingReport, error)
}

// Notifier receives published outcomes. The dashboard implements it.
type Notifier interface {
	SyncResult(res Result)
	DriftReport(teamKey string, report *resolve.DriftReport)
	MappingReport(report *resolve.MappingReport)
}
