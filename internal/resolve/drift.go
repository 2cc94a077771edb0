package resolve

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mschirtzinger/taskbridge/internal/statecache"
	"github.com/mschirtzinger/taskbridge/internal/tracker"
)

// MappingEntry is the stored resolution of one status, with provenance.
// An entry with an empty StateID is a name-only mapping.
type MappingEntry struct {
	StateID    string    `json:"state_id" yaml:"state_id" toml:"state_id"`
	StateName  string    `json:"state_name" yaml:"state_name" toml:"state_name"`
	MatchType  MatchType `json:"match_type,omitempty" yaml:"match_type,omitempty" toml:"match_type,omitempty"`
	Confidence float64   `json:"confidence,omitempty" yaml:"confidence,omitempty" toml:"confidence,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitempty" yaml:"resolved_at,omitempty" toml:"resolved_at,omitempty"`
}

// Mapping is a (possibly partial) status mapping for one team.
type Mapping map[Status]MappingEntry

// Missing returns the statuses without an entry, in lifecycle order.
func (m Mapping) Missing() []Status {
	var missing []Status
	for _, s := range AllStatuses {
		if _, ok := m[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}

// Clone returns a copy of m.
func (m Mapping) Clone() Mapping {
	out := make(Mapping, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Rename is a mapped state whose name changed while its id survived.
type Rename struct {
	Status  Status
	StateID string
	OldName string
	NewName string
}

// DriftReport classifies a stored mapping against a fresh snapshot.
type DriftReport struct {
	// Valid statuses still point at a live state with the stored name.
	Valid []Status

	// Renamed entries are safe and may be updated automatically.
	Renamed []Rename

	// Broken statuses point at an id the service no longer has.
	Broken []Status

	// Deleted statuses are name-only mappings whose name no longer exists.
	Deleted []Status

	// NewlyAvailable are active states no stored entry refers to.
	NewlyAvailable []tracker.WorkflowState
}

// HasBreakingChanges reports whether any entry needs re-resolution.
func (d *DriftReport) HasBreakingChanges() bool {
	return len(d.Broken) > 0 || len(d.Deleted) > 0
}

// HasChanges reports whether anything drifted.
func (d *DriftReport) HasChanges() bool {
	return d.HasBreakingChanges() || len(d.Renamed) > 0
}

// Warnings renders the report as human-readable warnings.
func (d *DriftReport) Warnings() []string {
	var out []string
	for _, r := range d.Renamed {
		out = append(out, fmt.Sprintf("state for %s was renamed %q -> %q", r.Status, r.OldName, r.NewName))
	}
	for _, s := range d.Broken {
		out = append(out, fmt.Sprintf("state mapped to %s no longer exists; re-resolve required", s))
	}
	for _, s := range d.Deleted {
		out = append(out, fmt.Sprintf("state name mapped to %s no longer exists", s))
	}
	return out
}

// DetectDrift compares stored against snap.
func DetectDrift(stored Mapping, snap *statecache.Snapshot) *DriftReport {
	report := &DriftReport{}
	referencedIDs := make(map[string]bool)
	referencedNames := make(map[string]bool)

	for _, status := range sortedStatuses(stored) {
		entry := stored[status]

		if entry.StateID == "" {
			if entry.StateName == "" {
				continue
			}
			if st, ok := snap.ByName[entry.StateName]; ok {
				referencedIDs[st.ID] = true
				report.Valid = append(report.Valid, status)
			} else {
				report.Deleted = append(report.Deleted, status)
			}
			referencedNames[entry.StateName] = true
			continue
		}

		st, ok := snap.ByID[entry.StateID]
		if !ok {
			report.Broken = append(report.Broken, status)
			continue
		}
		referencedIDs[st.ID] = true

		if entry.StateName != "" && entry.StateName != st.Name {
			report.Renamed = append(report.Renamed, Rename{
				Status:  status,
				StateID: st.ID,
				OldName: entry.StateName,
				NewName: st.Name,
			})
			continue
		}
		report.Valid = append(report.Valid, status)
	}

	for _, st := range snap.Active() {
		if referencedIDs[st.ID] || referencedNames[st.Name] {
			continue
		}
		report.NewlyAvailable = append(report.NewlyAvailable, st)
	}

	return report
}

// ApplySafeUpdates returns a copy of stored with every rename applied.
// Broken and deleted entries are left untouched.
func ApplySafeUpdates(stored Mapping, report *DriftReport) Mapping {
	out := stored.Clone()
	for _, r := range report.Renamed {
		entry := out[r.Status]
		if entry.StateID != r.StateID {
			continue
		}
		entry.StateName = r.NewName
		out[r.Status] = entry
	}
	return out
}

// ValidationResult is the outcome of ValidateMapping.
type ValidationResult struct {
	Mapping Mapping
	Errors  []error
}

// Valid reports whether no problems were found.
func (v *ValidationResult) Valid() bool {
	return len(v.Errors) == 0
}

// ValidateMapping checks raw status -> state id pairs for well-formedness:
// keys must be known statuses and values must be UUIDs. Existence is not
// checked; see CheckExistence.
func ValidateMapping(raw map[string]string) *ValidationResult {
	res := &ValidationResult{Mapping: make(Mapping)}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		status, err := ParseStatus(key)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		id := raw[key]
		if err := ValidateStateID(id); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("%s: %w", key, err))
			continue
		}
		res.Mapping[status] = MappingEntry{StateID: id}
	}

	return res
}

// ValidateStateID checks that id looks like an external state identifier.
func ValidateStateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidStateID)
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidStateID, id)
	}
	return nil
}

// CheckExistence returns the statuses whose state id is absent from snap.
func CheckExistence(m Mapping, snap *statecache.Snapshot) []Status {
	var missing []Status
	for _, status := range sortedStatuses(m) {
		entry := m[status]
		if entry.StateID == "" {
			continue
		}
		if _, ok := snap.ByID[entry.StateID]; !ok {
			missing = append(missing, status)
		}
	}
	return missing
}

// sortedStatuses returns m's keys in lifecycle order, unknown keys last.
func sortedStatuses(m Mapping) []Status {
	order := make(map[Status]int, len(AllStatuses))
	for i, s := range AllStatuses {
		order[s] = i
	}
	keys := make([]Status, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		oi, iok := order[keys[i]]
		oj, jok := order[keys[j]]
		if iok != jok {
			return iok
		}
		if oi != oj {
			return oi < oj
		}
		return keys[i] < keys[j]
	})
	return keys
}
