package resolve

import (
	"fmt"

	"github.com/mschirtzinger/taskbridge/internal/tracker"
)

// Status is an abstract task status owned by the task store.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
	StatusDeferred   Status = "deferred"
)

// AllStatuses is the closed set of abstract statuses, in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusInProgress,
	StatusReview,
	StatusDone,
	StatusCancelled,
	StatusDeferred,
}

// Valid reports whether s is in the closed set.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

// DefaultCandidates are the state names tried verbatim (then case-folded)
// for each status.
func DefaultCandidates() map[Status][]string {
	return map[Status][]string{
		StatusPending:    {"Todo", "To Do", "Backlog"},
		StatusInProgress: {"In Progress"},
		StatusReview:     {"In Review", "Review"},
		StatusDone:       {"Done", "Completed"},
		StatusCancelled:  {"Canceled", "Cancelled"},
		StatusDeferred:   {"Backlog", "Deferred"},
	}
}

// statusTypes maps each status onto the state type used by the type tier.
var statusTypes = map[Status]tracker.StateType{
	StatusPending:    tracker.StateTypeUnstarted,
	StatusInProgress: tracker.StateTypeStarted,
	StatusReview:     tracker.StateTypeStarted,
	StatusDone:       tracker.StateTypeCompleted,
	StatusCancelled:  tracker.StateTypeCanceled,
	StatusDeferred:   tracker.StateTypeBacklog,
}

// semanticVocabulary is the curated synonym table of the semantic tier.
var semanticVocabulary = map[Status][]string{
	StatusPending:    {"todo", "to do", "backlog", "queued", "triage", "open", "new", "planned", "unstarted", "ready"},
	StatusInProgress: {"in progress", "progress", "doing", "started", "active", "working", "wip", "development", "implementing"},
	StatusReview:     {"review", "in review", "qa", "testing", "verify", "verification", "approval", "pending review"},
	StatusDone:       {"done", "complete", "completed", "finished", "closed", "resolved", "shipped", "merged"},
	StatusCancelled:  {"cancel", "canceled", "cancelled", "abandoned", "rejected", "wontfix", "won't fix", "duplicate", "declined"},
	StatusDeferred:   {"deferred", "later", "someday", "icebox", "paused", "on hold", "parked", "postponed"},
}

// fuzzySynonyms is the small synonym table used by the fuzzy scorer. Keys
// and values are single lowercase words.
var fuzzySynonyms = map[string][]string{
	"todo":      {"backlog", "unstarted", "open", "new"},
	"progress":  {"doing", "started", "active", "wip"},
	"review":    {"qa", "testing", "approval"},
	"done":      {"completed", "complete", "finished", "closed", "resolved"},
	"completed": {"done", "finished", "closed"},
	"canceled":  {"cancelled", "abandoned", "rejected", "wontfix"},
	"cancelled": {"canceled", "abandoned", "rejected", "wontfix"},
	"backlog":   {"todo", "icebox", "later"},
	"deferred":  {"later", "paused", "hold", "icebox"},
}
