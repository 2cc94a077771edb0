package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mschirtzinger/taskbridge/internal/db"
	"github.com/mschirtzinger/taskbridge/internal/resolve"
	"github.com/mschirtzinger/taskbridge/internal/retry"
	"github.com/mschirtzinger/taskbridge/internal/store"
	"github.com/mschirtzinger/taskbridge/internal/tracker"
)

// EventType is the kind of task lifecycle event.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
)

// Event announces a task change.
type Event struct {
	Type   EventType
	TaskID store.TaskID

	// Tag overrides Config.Tag for this event.
	Tag string

	// Task, when set, is used instead of reloading the document.
	Task *store.Task
}

// Result is the outcome of syncing one task.
type Result struct {
	Success    bool              `json:"success"`
	TaskID     string            `json:"task_id"`
	Status     string            `json:"status,omitempty"`
	ExternalID string            `json:"external_id,omitempty"`
	Identifier string            `json:"identifier,omitempty"`
	URL        string            `json:"url,omitempty"`
	StateID    string            `json:"state_id,omitempty"`
	StateName  string            `json:"state_name,omitempty"`
	MatchType  resolve.MatchType `json:"match_type,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
	Error      *ErrorInfo        `json:"error,omitempty"`
}

// Summary reports a FullSync run.
type Summary struct {
	Total    int
	Synced   int
	Failed   int
	Results  []Result
	Duration time.Duration
}

// Config configures a Syncer.
type Config struct {
	// DocumentPath is the task document.
	DocumentPath string

	// Tag selects the document context; empty searches master first.
	Tag string

	// TeamKey is the external team tasks are mirrored into.
	TeamKey string

	// Integration names the integration record. Defaults to store.DefaultIntegration.
	Integration string

	ResolveOptions resolve.Options
	Retry          retry.Config

	Logger *log.Logger
	Now    func() time.Time
}

// DefaultConfig returns a configuration for documentPath and teamKey.
func DefaultConfig(documentPath, teamKey string) Config {
	return Config{
		DocumentPath:   documentPath,
		TeamKey:        teamKey,
		Integration:    store.DefaultIntegration,
		ResolveOptions: resolve.DefaultOptions(),
		Retry:          retry.DefaultConfig(),
	}
}

// Deps are the collaborators of a Syncer. DB and Notifier are optional.
type Deps struct {
	Resolver *resolve.Resolver
	States   resolve.StateSource
	Issues   tracker.IssueWriter
	Mutator  *store.Mutator
	DB       *db.DB
	Notifier Notifier
}

// syncer implements the Syncer interface.
type syncer struct {
	cfg    Config
	deps   Deps
	logger *log.Logger
}

// New creates a Syncer.
//
// Resolver, States, Issues and Mutator are required. If cfg.Logger is nil,
// a default logger writing to stderr is used.
func New(cfg Config, deps Deps) (Syncer, error) {
	if deps.Resolver == nil || deps.States == nil || deps.Issues == nil || deps.Mutator == nil {
		return nil, fmt.Errorf("resolver, state source, issue writer and mutator are required")
	}
	if cfg.DocumentPath == "" {
		return nil, fmt.Errorf("document path is required")
	}
	if cfg.Integration == "" {
		cfg.Integration = store.DefaultIntegration
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = cfg.Logger
	}

	return &syncer{cfg: cfg, deps: deps, logger: cfg.Logger}, nil
}

// SyncTask implements Syncer.SyncTask.
func (s *syncer) SyncTask(ctx context.Context, id store.TaskID) Result {
	return s.HandleTaskEvent(ctx, Event{Type: EventUpdated, TaskID: id})
}

// HandleTaskEvent implements Syncer.HandleTaskEvent.
func (s *syncer) HandleTaskEvent(ctx context.Context, ev Event) Result {
	res := Result{TaskID: string(ev.TaskID)}
	tag := ev.Tag
	if tag == "" {
		tag = s.cfg.Tag
	}

	if s.cfg.TeamKey == "" {
		return s.fail(ctx, ev, tag, res, ErrNoTeam)
	}

	task := ev.Task
	if task == nil {
		doc, err := store.Load(s.cfg.DocumentPath)
		if err != nil {
			return s.fail(ctx, ev, tag, res, err)
		}
		if task, _, err = doc.Find(ev.TaskID, tag); err != nil {
			return s.fail(ctx, ev, tag, res, err)
		}
	}
	res.Status = task.Status

	status, err := resolve.ParseStatus(task.Status)
	if err != nil {
		return s.fail(ctx, ev, tag, res, err)
	}

	resolved, record, warnings := s.resolveStatus(ctx, status)
	res.Warnings = append(res.Warnings, warnings...)
	if !resolved.Success {
		return s.fail(ctx, ev, tag, res, resolved.Err)
	}
	res.StateID = resolved.StateID
	res.StateName = resolved.StateName
	res.MatchType = resolved.MatchType
	if resolved.Warning != "" {
		res.Warnings = append(res.Warnings, resolved.Warning)
	}

	if record {
		entry := resolve.MappingEntry{
			StateID:    resolved.StateID,
			StateName:  resolved.StateName,
			MatchType:  resolved.MatchType,
			Confidence: resolved.Confidence,
			ResolvedAt: s.cfg.Now().UTC(),
		}
		if err := s.deps.DB.UpsertMapping(ctx, s.cfg.TeamKey, status, entry); err != nil {
			s.logger.Printf("Warning: failed to record mapping for %s: %v", status, err)
			res.Warnings = append(res.Warnings, fmt.Sprintf("mapping for %s not recorded", status))
		}
	}

	input := tracker.IssueInput{
		ID:          task.ExternalID(s.cfg.Integration),
		TeamKey:     s.cfg.TeamKey,
		Title:       task.Title,
		Description: task.Description,
		StateID:     resolved.StateID,
	}
	issue, err := retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) (*tracker.Issue, error) {
		return s.deps.Issues.UpsertIssue(ctx, input)
	})
	if err != nil {
		return s.fail(ctx, ev, tag, res, err)
	}

	_, err = s.deps.Mutator.Mutate(ctx, s.cfg.DocumentPath, ev.TaskID, store.OpLinkExternal, store.UpdateData{
		Integration: s.cfg.Integration,
		ExternalID:  issue.ID,
		Identifier:  issue.Identifier,
		URL:         issue.URL,
		StateID:     resolved.StateID,
	}, store.MutateOptions{Tag: tag})
	if err != nil {
		// The issue exists remotely even though the link was not written.
		res.ExternalID = issue.ID
		return s.fail(ctx, ev, tag, res, err)
	}

	res.Success = true
	res.ExternalID = issue.ID
	res.Identifier = issue.Identifier
	res.URL = issue.URL

	s.logger.Printf("Synced task %s (%s) -> %s [%s via %s]", ev.TaskID, task.Status, issue.Identifier, resolved.StateName, resolved.MatchType)
	s.record(ctx, res)
	s.publish(res)
	return res
}

// resolveStatus maps status onto a workflow state, preferring the stored
// mapping entry. A stored entry whose state no longer exists is reported and
// bypassed for this sync only; it is never replaced here. record is true
// when no entry was stored and the tier match should be persisted.
func (s *syncer) resolveStatus(ctx context.Context, status resolve.Status) (res resolve.Result, record bool, warnings []string) {
	opts := s.cfg.ResolveOptions
	if s.deps.DB == nil {
		return s.deps.Resolver.Resolve(ctx, s.cfg.TeamKey, status, opts), false, nil
	}

	stored, err := s.deps.DB.GetMapping(ctx, s.cfg.TeamKey)
	if err != nil {
		s.logger.Printf("Warning: failed to load stored mapping for %s: %v", s.cfg.TeamKey, err)
		warnings = append(warnings, fmt.Sprintf("stored mapping unavailable; %s resolved by tiers", status))
		return s.deps.Resolver.Resolve(ctx, s.cfg.TeamKey, status, opts), false, warnings
	}
	entry, ok := stored[status]
	if !ok {
		return s.deps.Resolver.Resolve(ctx, s.cfg.TeamKey, status, opts), true, nil
	}

	snap, err := s.deps.States.Get(ctx, s.cfg.TeamKey, !opts.UseCache)
	if err != nil {
		return s.deps.Resolver.Resolve(ctx, s.cfg.TeamKey, status, opts), false, nil
	}

	st, found := snap.ByID[entry.StateID]
	if entry.StateID == "" {
		st, found = snap.ByName[entry.StateName]
	}
	if found && !st.Archived {
		res = resolve.Result{
			Success:    true,
			Status:     status,
			StateID:    st.ID,
			StateName:  st.Name,
			MatchType:  entry.MatchType,
			Confidence: entry.Confidence,
		}
		if entry.StateName != "" && entry.StateName != st.Name {
			res.Warning = fmt.Sprintf("state for %s was renamed %q -> %q; run 'tb mapping drift --apply'", status, entry.StateName, st.Name)
		}
		return res, false, nil
	}

	ref := entry.StateID
	if ref == "" {
		ref = entry.StateName
	}
	warn := fmt.Sprintf("stored mapping for %s points at missing state %s; re-resolve required (tier match used for this sync)", status, ref)
	s.logger.Printf("Warning: %s", warn)
	return s.deps.Resolver.ResolveIn(snap, status, opts), false, []string{warn}
}

// fail finishes a failed sync: the task is marked with the error when the
// document is writable, and the attempt is logged and published.
func (s *syncer) fail(ctx context.Context, ev Event, tag string, res Result, err error) Result {
	res.Success = false
	res.Error = errorInfo(err)

	s.logger.Printf("Failed to sync task %s: %s: %v", ev.TaskID, res.Error.Type, err)

	if markable(err) && ev.TaskID != "" {
		_, merr := s.deps.Mutator.Mutate(ctx, s.cfg.DocumentPath, ev.TaskID, store.OpMarkSyncError, store.UpdateData{
			Integration: s.cfg.Integration,
			Error:       res.Error.Message,
		}, store.MutateOptions{Tag: tag})
		if merr != nil {
			s.logger.Printf("Warning: failed to mark sync error on task %s: %v", ev.TaskID, merr)
		}
	}

	s.record(ctx, res)
	s.publish(res)
	return res
}

func (s *syncer) record(ctx context.Context, res Result) {
	if s.deps.DB == nil || res.TaskID == "" {
		return
	}

	rec := db.SyncRecord{
		TaskID:     res.TaskID,
		TeamKey:    s.cfg.TeamKey,
		Operation:  string(store.OpLinkExternal),
		Outcome:    db.OutcomeSuccess,
		ExternalID: res.ExternalID,
		CreatedAt:  s.cfg.Now().UTC(),
	}
	if res.Error != nil {
		rec.Outcome = db.OutcomeFailure
		rec.ErrorType = res.Error.Type
		rec.Message = res.Error.Message
	}
	if _, err := s.deps.DB.RecordSync(ctx, rec); err != nil {
		s.logger.Printf("Warning: failed to record sync of task %s: %v", res.TaskID, err)
	}
}

func (s *syncer) publish(res Result) {
	if s.deps.Notifier != nil {
		s.deps.Notifier.SyncResult(res)
	}
}

// FullSync implements Syncer.FullSync.
func (s *syncer) FullSync(ctx context.Context) (*Summary, error) {
	start := s.cfg.Now()
	s.logger.Printf("Starting full sync of %s", s.cfg.DocumentPath)

	doc, err := store.Load(s.cfg.DocumentPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load task document: %w", err)
	}

	summary := &Summary{}
	for _, ev := range taskEvents(doc.Tasks(s.cfg.Tag), s.cfg.Tag) {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		res := s.HandleTaskEvent(ctx, ev)
		summary.Total++
		if res.Success {
			summary.Synced++
		} else {
			summary.Failed++
		}
		summary.Results = append(summary.Results, res)
	}

	summary.Duration = s.cfg.Now().Sub(start)
	s.logger.Printf("Full sync complete: %d synced, %d failed", summary.Synced, summary.Failed)
	if summary.Failed > 0 {
		s.logger.Printf("WARNING: %d task(s) failed to sync", summary.Failed)
	}
	return summary, nil
}

// taskEvents flattens tasks and their subtasks into events. Subtasks are
// addressed by dotted id.
func taskEvents(tasks []store.Task, tag string) []Event {
	var events []Event
	for i := range tasks {
		t := &tasks[i]
		events = append(events, Event{Type: EventUpdated, TaskID: t.ID, Tag: tag, Task: t})
		for j := range t.Subtasks {
			sub := &t.Subtasks[j]
			id := store.TaskID(string(t.ID) + "." + string(sub.ID))
			events = append(events, Event{Type: EventUpdated, TaskID: id, Tag: tag, Task: sub})
		}
	}
	return events
}

// CheckDrift implements Syncer.CheckDrift.
func (s *syncer) CheckDrift(ctx context.Context, teamKey string, apply bool) (*resolve.DriftReport, error) {
	if teamKey == "" {
		teamKey = s.cfg.TeamKey
	}
	if teamKey == "" {
		return nil, ErrNoTeam
	}
	if s.deps.DB == nil {
		return nil, ErrNoDatabase
	}

	stored, err := s.deps.DB.GetMapping(ctx, teamKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load stored mapping: %w", err)
	}

	snap, err := s.deps.States.Get(ctx, teamKey, true)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch workflow states for %s: %w", teamKey, err)
	}

	report := resolve.DetectDrift(stored, snap)
	for _, w := range report.Warnings() {
		s.logger.Printf("Warning: %s", w)
	}

	if apply && len(report.Renamed) > 0 {
		updated := resolve.ApplySafeUpdates(stored, report)
		if err := s.deps.DB.SaveMapping(ctx, teamKey, updated); err != nil {
			return report, fmt.Errorf("failed to persist renamed states: %w", err)
		}
		s.logger.Printf("Applied %d rename(s) to the %s mapping", len(report.Renamed), teamKey)
	}

	if s.deps.Notifier != nil {
		s.deps.Notifier.DriftReport(teamKey, report)
	}
	return report, nil
}

// GenerateMapping implements Syncer.GenerateMapping.
func (s *syncer) GenerateMapping(ctx context.Context, teamKey string, opts resolve.Options, save bool) (*resolve.MappingReport, error) {
	if teamKey == "" {
		teamKey = s.cfg.TeamKey
	}
	if teamKey == "" {
		return nil, ErrNoTeam
	}
	if save && s.deps.DB == nil {
		return nil, ErrNoDatabase
	}

	report, err := s.deps.Resolver.GenerateMapping(ctx, teamKey, opts)
	if err != nil {
		return nil, err
	}

	if save {
		if err := s.deps.DB.SaveMapping(ctx, teamKey, report.Entries); err != nil {
			return report, fmt.Errorf("failed to save mapping: %w", err)
		}
		s.logger.Printf("Saved %d/%d mapping entries for %s", report.Resolved, report.Total, teamKey)
	}

	if s.deps.Notifier != nil {
		s.deps.Notifier.MappingReport(report)
	}
	return report, nil
}
