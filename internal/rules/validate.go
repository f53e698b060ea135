package rules

import (
	"fmt"
	"regexp"
)

var identRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type ErrorDetail struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
	Hint    string `json:"hint"`
}

type ParseError struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details"`
}

func (e *ParseError) Error() string { return e.Message }

// ValidateRule checks a rule's shape before it is persisted. knownPolicy and
// knownChannel are optional reference lookups; nil skips that check.
func ValidateRule(r Rule, knownPolicy func(string) bool, knownChannel func(string) bool) *ParseError {
	var details []ErrorDetail
	if r.Name == "" {
		details = append(details, ErrorDetail{Field: "name", Problem: "missing", Hint: "Provide a rule name"})
	}
	if r.Conditions.Severity != "" && !r.Conditions.Severity.Valid() {
		details = append(details, ErrorDetail{Field: "conditions.severity", Problem: "invalid", Hint: "Use low, medium, high, or critical"})
	}
	for key := range r.Conditions.Tags {
		if !identRegex.MatchString(key) {
			details = append(details, ErrorDetail{Field: fmt.Sprintf("conditions.tags[%s]", key), Problem: "invalid", Hint: "Use alphanumeric identifiers"})
		}
	}
	if w := r.Conditions.Window; w != nil {
		if _, err := parseClock(w.From); err != nil {
			details = append(details, ErrorDetail{Field: "conditions.window.from", Problem: "invalid", Hint: "Use HH:MM, e.g. 09:00"})
		}
		if _, err := parseClock(w.To); err != nil {
			details = append(details, ErrorDetail{Field: "conditions.window.to", Problem: "invalid", Hint: "Use HH:MM, e.g. 17:00"})
		}
	}
	for i, ch := range r.Actions.Channels {
		if knownChannel != nil && !knownChannel(ch) {
			details = append(details, ErrorDetail{Field: fmt.Sprintf("actions.channels[%d]", i), Problem: "unsupported", Hint: "Use email, sms, webhook, or inapp"})
		}
	}
	if r.Actions.PolicyID != "" && knownPolicy != nil && !knownPolicy(r.Actions.PolicyID) {
		details = append(details, ErrorDetail{Field: "actions.escalationPolicyId", Problem: "unknown", Hint: "Create the escalation policy first"})
	}
	if r.Actions.CooldownSeconds < 0 {
		details = append(details, ErrorDetail{Field: "actions.cooldownSeconds", Problem: "invalid", Hint: "Cooldown must not be negative"})
	}
	if len(details) > 0 {
		return &ParseError{Code: "RULE_SCHEMA_INVALID", Message: "rule failed validation", Details: details}
	}
	return nil
}
