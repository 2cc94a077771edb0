// Package resolve maps abstract task statuses onto external workflow states.
//
// Resolution walks an ordered chain of tiers and stops at the first match:
//
//  1. exact: a configured candidate name equals a state name
//  2. case-insensitive: same, case-folded (then alphanumeric-normalized)
//  3. fuzzy: containment, word overlap and synonym scoring (AllowFuzzy)
//  4. semantic: curated per-status vocabulary (AllowFallback)
//  5. type: first state of the status's state type (AllowFallback)
//  6. last resort: first active state, flagged for review (AllowFallback)
//
// Failing to resolve is an ordinary Result with Success false, never a
// panic or a process-fatal error.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mschirtzinger/taskbridge/internal/statecache"
	"github.com/mschirtzinger/taskbridge/internal/tracker"
)

var (
	// ErrNoStatesAvailable is returned when the team has no usable states.
	ErrNoStatesAvailable = errors.New("no workflow states available")

	// ErrResolutionExhausted is returned when every enabled tier failed.
	ErrResolutionExhausted = errors.New("no tier matched")

	// ErrInvalidStatus is returned for statuses outside the closed set.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrInvalidStateID is returned for syntactically invalid state ids.
	ErrInvalidStateID = errors.New("invalid state id")
)

// StateSource provides state snapshots. *statecache.Cache implements it.
type StateSource interface {
	Get(ctx context.Context, teamKey string, forceRefresh bool) (*statecache.Snapshot, error)
}

// Options controls a single resolution.
type Options struct {
	// UseCache serves states from the cache when fresh; false forces a refresh.
	UseCache bool

	// AllowFuzzy enables the fuzzy tier.
	AllowFuzzy bool

	// AllowFallback enables the semantic, type and last-resort tiers.
	AllowFallback bool
}

// DefaultOptions enables the cache and every tier.
func DefaultOptions() Options {
	return Options{UseCache: true, AllowFuzzy: true, AllowFallback: true}
}

// Result is the outcome of resolving one status.
type Result struct {
	Success    bool
	Status     Status
	StateID    string
	StateName  string
	MatchType  MatchType
	Confidence float64
	Warning    string

	// Error is the human-readable failure; Err is the wrapped cause.
	Error string
	Err   error

	// Tried are the candidate names used; Available are the active state names.
	Tried     []string
	Available []string
}

// Config configures a Resolver.
type Config struct {
	// Candidates overrides DefaultCandidates per status.
	Candidates map[Status][]string

	Logger *log.Logger
}

// Resolver resolves statuses against a StateSource.
type Resolver struct {
	source     StateSource
	candidates map[Status][]string
	tiers      []Tier
	logger     *log.Logger
}

// New creates a Resolver.
func New(source StateSource, cfg Config) *Resolver {
	candidates := DefaultCandidates()
	for status, names := range cfg.Candidates {
		if len(names) > 0 {
			candidates[status] = names
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[resolve] ", log.LstdFlags)
	}

	return &Resolver{
		source:     source,
		candidates: candidates,
		tiers:      DefaultTiers(),
		logger:     logger,
	}
}

// Candidates returns the candidate names configured for status.
func (r *Resolver) Candidates(status Status) []string {
	return r.candidates[status]
}

// Resolve maps status onto a state of teamKey.
func (r *Resolver) Resolve(ctx context.Context, teamKey string, status Status, opts Options) Result {
	if !status.Valid() {
		return failure(status, fmt.Errorf("%w: %q", ErrInvalidStatus, status))
	}

	snap, err := r.source.Get(ctx, teamKey, !opts.UseCache)
	if err != nil {
		return failure(status, fmt.Errorf("failed to load workflow states for %s: %w", teamKey, err))
	}

	return r.ResolveIn(snap, status, opts)
}

// ResolveIn resolves status against an explicit snapshot.
func (r *Resolver) ResolveIn(snap *statecache.Snapshot, status Status, opts Options) Result {
	if !status.Valid() {
		return failure(status, fmt.Errorf("%w: %q", ErrInvalidStatus, status))
	}

	in := Input{
		Status:     status,
		Candidates: r.candidates[status],
		Snapshot:   snap,
	}

	if len(snap.Active()) == 0 {
		res := failure(status, fmt.Errorf("No workflow states found for team %s: %w", snap.TeamKey, ErrNoStatesAvailable))
		res.Tried = in.Candidates
		return res
	}

	for _, tier := range r.tiers {
		if tier.Fuzzy && !opts.AllowFuzzy {
			continue
		}
		if tier.Fallback && !opts.AllowFallback {
			continue
		}

		m, ok := tier.Match(in)
		if !ok {
			continue
		}

		if m.Warning != "" {
			r.logger.Printf("Warning: %s", m.Warning)
		}
		return Result{
			Success:    true,
			Status:     status,
			StateID:    m.State.ID,
			StateName:  m.State.Name,
			MatchType:  m.Type,
			Confidence: m.Confidence,
			Warning:    m.Warning,
			Tried:      in.Candidates,
			Available:  snap.Names(),
		}
	}

	res := failure(status, fmt.Errorf("could not map %q (tried %v, available %v): %w",
		status, in.Candidates, snap.Names(), ErrResolutionExhausted))
	res.Tried = in.Candidates
	res.Available = snap.Names()
	return res
}

func failure(status Status, err error) Result {
	return Result{Status: status, Error: err.Error(), Err: err}
}

// FindState looks up a state by free text using the fuzzy scorer alone.
// Exact and case-folded names short-circuit with a perfect score.
func (r *Resolver) FindState(ctx context.Context, teamKey, text string) (tracker.WorkflowState, float64, error) {
	snap, err := r.source.Get(ctx, teamKey, false)
	if err != nil {
		return tracker.WorkflowState{}, 0, err
	}
	return FindState(snap, text)
}

// FindState looks up a state by free text within snap.
func FindState(snap *statecache.Snapshot, text string) (tracker.WorkflowState, float64, error) {
	if st, ok := snap.ByName[text]; ok {
		return st, 1, nil
	}
	if st, ok := snap.ByNormalizedName[statecache.NormalizeName(text)]; ok {
		return st, 1, nil
	}
	st, score, ok := bestFuzzy(snap.Active(), []string{text})
	if !ok {
		return tracker.WorkflowState{}, 0, fmt.Errorf("no state resembles %q: %w", text, ErrResolutionExhausted)
	}
	return st, score, nil
}

// MappingReport is the outcome of resolving every status.
type MappingReport struct {
	TeamKey  string
	Entries  Mapping
	Failures map[Status]string
	Warnings []string
	Resolved int
	Total    int
}

// Complete reports whether every status resolved.
func (m *MappingReport) Complete() bool {
	return m.Resolved == m.Total
}

// GenerateMapping resolves every status in AllStatuses against one
// snapshot. A partial mapping is a valid outcome; the error is non-nil only
// when states could not be loaded at all.
func (r *Resolver) GenerateMapping(ctx context.Context, teamKey string, opts Options) (*MappingReport, error) {
	snap, err := r.source.Get(ctx, teamKey, !opts.UseCache)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow states for %s: %w", teamKey, err)
	}

	report := &MappingReport{
		TeamKey:  teamKey,
		Entries:  make(Mapping),
		Failures: make(map[Status]string),
		Total:    len(AllStatuses),
	}

	now := time.Now().UTC()
	for _, status := range AllStatuses {
		res := r.ResolveIn(snap, status, opts)
		if !res.Success {
			report.Failures[status] = res.Error
			continue
		}
		report.Entries[status] = MappingEntry{
			StateID:    res.StateID,
			StateName:  res.StateName,
			MatchType:  res.MatchType,
			Confidence: res.Confidence,
			ResolvedAt: now,
		}
		if res.Warning != "" {
			report.Warnings = append(report.Warnings, res.Warning)
		}
		report.Resolved++
	}

	if !report.Complete() {
		r.logger.Printf("Warning: mapping for %s is partial (%d/%d statuses resolved)",
			teamKey, report.Resolved, report.Total)
	}
	return report, nil
}
