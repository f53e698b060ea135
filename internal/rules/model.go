package rules

import (
	"fmt"
	"time"

	"pulsewatch-backend/internal/alert"
)

const (
	StatusActive  = "ACTIVE"
	StatusInvalid = "INVALID"
)

// TimeWindow is a daily clock window in UTC ("HH:MM"). From > To wraps past
// midnight; From == To covers the whole day.
type TimeWindow struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

func (w TimeWindow) contains(t time.Time) (bool, error) {
	from, err := parseClock(w.From)
	if err != nil {
		return false, fmt.Errorf("window.from: %w", err)
	}
	to, err := parseClock(w.To)
	if err != nil {
		return false, fmt.Errorf("window.to: %w", err)
	}
	mins := t.UTC().Hour()*60 + t.UTC().Minute()
	switch {
	case from == to:
		return true, nil
	case from < to:
		return mins >= from && mins < to, nil
	default:
		return mins >= from || mins < to, nil
	}
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

type Conditions struct {
	Severity   alert.Severity    `json:"severity,omitempty" yaml:"severity"`
	MetricType string            `json:"metricType,omitempty" yaml:"metric_type"`
	Tags       map[string]string `json:"tags,omitempty" yaml:"tags"`
	Window     *TimeWindow       `json:"window,omitempty" yaml:"window"`
}

type Actions struct {
	Channels        []string `json:"channels,omitempty" yaml:"channels"`
	PolicyID        string   `json:"escalationPolicyId,omitempty" yaml:"escalation_policy_id"`
	CooldownSeconds float64  `json:"cooldownSeconds,omitempty" yaml:"cooldown_seconds"`
}

func (a Actions) Cooldown() time.Duration {
	return time.Duration(a.CooldownSeconds * float64(time.Second))
}

type Rule struct {
	ID         string     `json:"id" yaml:"id"`
	Name       string     `json:"name" yaml:"name"`
	Priority   int        `json:"priority" yaml:"priority"`
	Conditions Conditions `json:"conditions" yaml:"conditions"`
	Actions    Actions    `json:"actions" yaml:"actions"`
	Status     string     `json:"status,omitempty" yaml:"-"`
	LastError  string     `json:"lastError,omitempty" yaml:"-"`
	CreatedAt  time.Time  `json:"createdAt" yaml:"-"`
	UpdatedAt  time.Time  `json:"updatedAt" yaml:"-"`
}

// Specificity counts non-wildcard conditions; each tag predicate counts one.
func (r Rule) Specificity() int {
	n := 0
	if r.Conditions.Severity != "" {
		n++
	}
	if r.Conditions.MetricType != "" {
		n++
	}
	n += len(r.Conditions.Tags)
	if r.Conditions.Window != nil {
		n++
	}
	return n
}

// AlertAttributes is the slice of an alert that routing conditions see.
type AlertAttributes struct {
	Severity   alert.Severity
	MetricType string
	Tags       map[string]string
	CreatedAt  time.Time
}
