package resolve

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/mschirtzinger/taskbridge/internal/statecache"
	"github.com/mschirtzinger/taskbridge/internal/tracker"
)

// MatchType names the tier that produced a match.
type MatchType string

const (
	MatchExact           MatchType = "exact"
	MatchCaseInsensitive MatchType = "case-insensitive"
	MatchFuzzy           MatchType = "fuzzy"
	MatchSemantic        MatchType = "semantic"
	MatchByType          MatchType = "type"
	MatchLastResort      MatchType = "last-resort"

	// MatchManual marks an entry chosen by a person rather than a tier.
	MatchManual MatchType = "manual"
)

// FuzzyThreshold is the score a fuzzy match must exceed.
const FuzzyThreshold = 0.5

// Input is everything a tier may look at.
type Input struct {
	Status     Status
	Candidates []string
	Snapshot   *statecache.Snapshot
}

// Match is a tier's answer.
type Match struct {
	State      tracker.WorkflowState
	Type       MatchType
	Confidence float64
	Warning    string
}

// Tier is one step of the resolution chain. Match must be pure: the same
// Input always yields the same answer.
type Tier struct {
	Name MatchType

	// Fuzzy tiers run only when Options.AllowFuzzy is set.
	Fuzzy bool

	// Fallback tiers run only when Options.AllowFallback is set.
	Fallback bool

	Match func(in Input) (Match, bool)
}

// DefaultTiers returns the resolution chain in priority order.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: MatchExact, Match: matchExact},
		{Name: MatchCaseInsensitive, Match: matchCaseInsensitive},
		{Name: MatchFuzzy, Fuzzy: true, Match: matchFuzzy},
		{Name: MatchSemantic, Fallback: true, Match: matchSemantic},
		{Name: MatchByType, Fallback: true, Match: matchType},
		{Name: MatchLastResort, Fallback: true, Match: matchLastResort},
	}
}

func matchExact(in Input) (Match, bool) {
	for _, c := range in.Candidates {
		if st, ok := in.Snapshot.ByName[c]; ok {
			return Match{State: st, Type: MatchExact, Confidence: 1.0}, true
		}
	}
	return Match{}, false
}

func matchCaseInsensitive(in Input) (Match, bool) {
	for _, c := range in.Candidates {
		if st, ok := in.Snapshot.ByLowerName[strings.ToLower(strings.TrimSpace(c))]; ok {
			return Match{State: st, Type: MatchCaseInsensitive, Confidence: 0.95}, true
		}
	}
	for _, c := range in.Candidates {
		norm := statecache.NormalizeName(c)
		if norm == "" {
			continue
		}
		if st, ok := in.Snapshot.ByNormalizedName[norm]; ok {
			return Match{State: st, Type: MatchCaseInsensitive, Confidence: 0.9}, true
		}
	}
	return Match{}, false
}

func matchFuzzy(in Input) (Match, bool) {
	candidates := append([]string{}, in.Candidates...)
	candidates = append(candidates, strings.ReplaceAll(string(in.Status), "-", " "))

	st, score, ok := bestFuzzy(in.Snapshot.Active(), candidates)
	if !ok {
		return Match{}, false
	}
	return Match{State: st, Type: MatchFuzzy, Confidence: score}, true
}

// bestFuzzy scores every state against every candidate and returns the
// highest-scoring state above FuzzyThreshold. Ties go to the earlier state.
func bestFuzzy(states []tracker.WorkflowState, candidates []string) (tracker.WorkflowState, float64, bool) {
	var (
		best      tracker.WorkflowState
		bestScore float64
		found     bool
	)
	for _, st := range states {
		score := 0.0
		for _, c := range candidates {
			if s := Score(c, st.Name); s > score {
				score = s
			}
		}
		if score > FuzzyThreshold && score > bestScore {
			best, bestScore, found = st, score, true
		}
	}
	return best, bestScore, found
}

func matchSemantic(in Input) (Match, bool) {
	vocab := semanticVocabulary[in.Status]
	for _, st := range in.Snapshot.Active() {
		name := strings.ToLower(strings.TrimSpace(st.Name))
		if name == "" {
			continue
		}
		for _, syn := range vocab {
			if strings.Contains(name, syn) || strings.Contains(syn, name) {
				return Match{State: st, Type: MatchSemantic, Confidence: 0.6}, true
			}
		}
	}
	return Match{}, false
}

func matchType(in Input) (Match, bool) {
	want, ok := statusTypes[in.Status]
	if !ok {
		return Match{}, false
	}
	for _, st := range in.Snapshot.Active() {
		if st.Type == want {
			return Match{State: st, Type: MatchByType, Confidence: 0.4}, true
		}
	}
	return Match{}, false
}

func matchLastResort(in Input) (Match, bool) {
	active := in.Snapshot.Active()
	if len(active) == 0 {
		return Match{}, false
	}
	st := active[0]
	return Match{
		State:      st,
		Type:       MatchLastResort,
		Confidence: 0.1,
		Warning:    fmt.Sprintf("no state matched %q; fell back to %q, review manually", in.Status, st.Name),
	}, true
}

// Score rates how well a candidate name matches a state name, in [0, 1].
//
// Substring containment in either direction scores 0.8, word overlap scores
// up to 0.6, and each synonym hit scores 0.7. The best component wins.
func Score(candidate, stateName string) float64 {
	a := strings.ToLower(strings.TrimSpace(candidate))
	b := strings.ToLower(strings.TrimSpace(stateName))
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	score := 0.0
	if strings.Contains(a, b) || strings.Contains(b, a) {
		score = 0.8
	}

	wa, wb := words(a), words(b)
	if overlap := wordOverlap(wa, wb); overlap*0.6 > score {
		score = overlap * 0.6
	}

	if hits := synonymHits(wa, wb); hits > 0 {
		s := 0.7 * float64(hits)
		if s > 1 {
			s = 1
		}
		if s > score {
			score = s
		}
	}

	return score
}

func words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// wordOverlap is |a ∩ b| / max(|a|, |b|).
func wordOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(b))
	for _, w := range b {
		set[w] = true
	}
	common := 0
	seen := make(map[string]bool, len(a))
	for _, w := range a {
		if set[w] && !seen[w] {
			common++
			seen[w] = true
		}
	}
	denom := len(a)
	if len(b) > denom {
		denom = len(b)
	}
	return float64(common) / float64(denom)
}

// synonymHits counts distinct words of b that are synonyms of some word of a.
func synonymHits(a, b []string) int {
	inB := make(map[string]bool, len(b))
	for _, w := range b {
		inB[w] = true
	}
	hits := make(map[string]bool)
	for _, w := range a {
		for _, syn := range fuzzySynonyms[w] {
			if inB[syn] {
				hits[syn] = true
			}
		}
	}
	return len(hits)
}
