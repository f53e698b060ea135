package alert

import (
	"errors"
	"time"

	"github.com/prometheus/common/model"
)

var (
	ErrAlreadyTerminal = errors.New("alert already terminal")
	ErrInvalidState    = errors.New("invalid state for transition")
)

// TagMetricType is the reserved sample tag carrying the metric type that
// routing conditions match on.
const TagMetricType = "type"

type Status string

const (
	StatusOpen         Status = "open"
	StatusRouted       Status = "routed"
	StatusNotifying    Status = "notifying"
	StatusEscalated    Status = "escalated"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
	StatusExhausted    Status = "escalation_exhausted"
	StatusClosed       Status = "closed"
)

// Terminal states never go back to an active escalation. Exhausted alerts
// still accept a manual Acknowledge so a late responder can take ownership.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusClosed || s == StatusExhausted
}

func (s Status) TimerEligible() bool {
	return s == StatusRouted || s == StatusNotifying || s == StatusEscalated
}

func (s Status) Acknowledgeable() bool {
	return !s.Terminal() || s == StatusExhausted
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

const (
	CauseAnomaly  = "anomaly"
	CauseExternal = "external"
)

type Cause struct {
	Kind       string   `json:"kind"`
	MetricName string   `json:"metricName,omitempty"`
	Value      float64  `json:"value,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
	Detectors  []string `json:"detectors,omitempty"`
	Message    string   `json:"message,omitempty"`
}

type Alert struct {
	ID         string            `json:"id"`
	DedupKey   string            `json:"dedupKey"`
	Severity   Severity          `json:"severity"`
	MetricName string            `json:"metricName"`
	MetricType string            `json:"metricType,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	Cause      Cause             `json:"cause"`
	RuleID     string            `json:"ruleId,omitempty"`
	PolicyID   string            `json:"policyId,omitempty"`
	Status     Status            `json:"status"`
	Level      int               `json:"currentLevel"`
	CreatedAt  time.Time         `json:"createdAt"`
	LastSeen   time.Time         `json:"lastSeen"`
	SeenCount  int               `json:"seenCount"`
	AckedBy    string            `json:"ackedBy,omitempty"`
	AckedAt    *time.Time        `json:"ackedAt,omitempty"`
	ResolvedBy string            `json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time        `json:"resolvedAt,omitempty"`
	Notes      string            `json:"notes,omitempty"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

type NotificationAttempt struct {
	AlertID   string    `json:"alertId"`
	Level     int       `json:"level"`
	Channel   string    `json:"channel"`
	ContactID string    `json:"contactId"`
	Attempt   int       `json:"attempt"`
	Outcome   Outcome   `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// DedupKey collapses repeated anomalies for the same series into one alert.
// It is the fingerprint of the metric name plus all routing tags.
func DedupKey(metric string, tags map[string]string) string {
	ls := make(model.LabelSet, len(tags)+1)
	ls[model.MetricNameLabel] = model.LabelValue(metric)
	for k, v := range tags {
		ls[model.LabelName(k)] = model.LabelValue(v)
	}
	return ls.Fingerprint().String()
}
