package rules

import "fmt"

const (
	MatchOutcomeMatched  = "matched"
	MatchOutcomeFallback = "fallback"
)

type MalformedRule struct {
	ID     string
	Reason string
}

type Decision struct {
	Rule      Rule
	Fallback  bool
	Malformed []MalformedRule
}

func (d Decision) Outcome() string {
	if d.Fallback {
		return MatchOutcomeFallback
	}
	return MatchOutcomeMatched
}

// Matcher selects one rule for an alert. Match never fails: when nothing
// satisfies, the built-in fallback rule wins, and malformed rules are skipped
// and reported in the decision rather than dropping the alert.
type Matcher struct {
	fallback Rule
}

func NewMatcher(fallback Rule) *Matcher {
	return &Matcher{fallback: fallback}
}

func (m *Matcher) Fallback() Rule { return m.fallback }

func (m *Matcher) Match(candidates []Rule, attrs AlertAttributes) Decision {
	var best *Rule
	var malformed []MalformedRule
	for i := range candidates {
		r := &candidates[i]
		if r.Status == StatusInvalid {
			continue
		}
		sat, err := Satisfies(*r, attrs)
		if err != nil {
			malformed = append(malformed, MalformedRule{ID: r.ID, Reason: err.Error()})
			continue
		}
		if !sat {
			continue
		}
		if best == nil || beats(*r, *best) {
			best = r
		}
	}
	if best == nil {
		return Decision{Rule: m.fallback, Fallback: true, Malformed: malformed}
	}
	return Decision{Rule: *best, Malformed: malformed}
}

func Satisfies(r Rule, attrs AlertAttributes) (bool, error) {
	if r.Conditions.Severity != "" {
		if !r.Conditions.Severity.Valid() {
			return false, fmt.Errorf("conditions.severity: unknown value %q", r.Conditions.Severity)
		}
		if r.Conditions.Severity != attrs.Severity {
			return false, nil
		}
	}
	if r.Conditions.MetricType != "" && r.Conditions.MetricType != attrs.MetricType {
		return false, nil
	}
	for k, v := range r.Conditions.Tags {
		if attrs.Tags[k] != v {
			return false, nil
		}
	}
	if r.Conditions.Window != nil {
		in, err := r.Conditions.Window.contains(attrs.CreatedAt)
		if err != nil {
			return false, err
		}
		if !in {
			return false, nil
		}
	}
	return true, nil
}

// beats orders satisfied rules totally: priority, then specificity, then
// earliest creation, then smallest id, so re-matching is deterministic.
func beats(candidate, incumbent Rule) bool {
	if candidate.Priority != incumbent.Priority {
		return candidate.Priority > incumbent.Priority
	}
	cs, is := candidate.Specificity(), incumbent.Specificity()
	if cs != is {
		return cs > is
	}
	if !candidate.CreatedAt.Equal(incumbent.CreatedAt) {
		return candidate.CreatedAt.Before(incumbent.CreatedAt)
	}
	return candidate.ID < incumbent.ID
}
