package store

import (
	"context"
	"errors"
	"time"

	"pulsewatch-backend/internal/alert"
	"pulsewatch-backend/internal/oncall"
	"pulsewatch-backend/internal/rules"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleTransition means the alert was not in the expected status or
	// level when a compare-and-set transition ran. The caller lost a race.
	ErrStaleTransition = errors.New("stale transition")
)

type AlertFilter struct {
	Status   alert.Status
	Severity alert.Severity
	Metric   string
	Limit    int
}

type AlertStore interface {
	CreateAlert(ctx context.Context, a *alert.Alert) error
	GetAlert(ctx context.Context, id string) (alert.Alert, error)
	ListAlerts(ctx context.Context, f AlertFilter) ([]alert.Alert, error)
	FindActiveByDedupKey(ctx context.Context, key string) (alert.Alert, error)
	LastTerminalByDedupKey(ctx context.Context, key string) (alert.Alert, error)
	RecordSeen(ctx context.Context, id string, at time.Time) (alert.Alert, error)
	Transition(ctx context.Context, id string, from []alert.Status, to alert.Status, at time.Time) (alert.Alert, error)
	AdvanceLevel(ctx context.Context, id string, fromLevel, toLevel int, to alert.Status, at time.Time) (alert.Alert, error)
	Acknowledge(ctx context.Context, id, by string, at time.Time) (alert.Alert, error)
	Resolve(ctx context.Context, id, by, notes string, at time.Time) (alert.Alert, error)
	AppendAttempt(ctx context.Context, att alert.NotificationAttempt) error
	ListAttempts(ctx context.Context, alertID string) ([]alert.NotificationAttempt, error)
}

type RuleStore interface {
	CreateRule(ctx context.Context, r *rules.Rule) error
	GetRule(ctx context.Context, id string) (rules.Rule, error)
	ListRules(ctx context.Context) ([]rules.Rule, error)
	UpdateRule(ctx context.Context, r rules.Rule) error
	DeleteRule(ctx context.Context, id string) error
	MarkRuleInvalid(ctx context.Context, id, reason string) error
}

type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *oncall.Schedule) error
	GetSchedule(ctx context.Context, id string) (oncall.Schedule, error)
	ListSchedules(ctx context.Context) ([]oncall.Schedule, error)
}

type PolicyStore interface {
	CreatePolicy(ctx context.Context, p *oncall.Policy) error
	GetPolicy(ctx context.Context, id string) (oncall.Policy, error)
	ListPolicies(ctx context.Context) ([]oncall.Policy, error)
}

type Store interface {
	AlertStore
	RuleStore
	ScheduleStore
	PolicyStore
	Ping(ctx context.Context) error
	Close()
}
