package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pulsewatch-backend/internal/alert"
	"pulsewatch-backend/internal/oncall"
	"pulsewatch-backend/internal/rules"
)

// Memory is the in-process Store used by tests and single-node runs. Every
// method holds the one mutex, so a transition is observed fully or not at all.
type Memory struct {
	mu        sync.Mutex
	alerts    map[string]alert.Alert
	attempts  map[string][]alert.NotificationAttempt
	rules     map[string]rules.Rule
	schedules map[string]oncall.Schedule
	policies  map[string]oncall.Policy
}

func NewMemory() *Memory {
	return &Memory{
		alerts:    make(map[string]alert.Alert),
		attempts:  make(map[string][]alert.NotificationAttempt),
		rules:     make(map[string]rules.Rule),
		schedules: make(map[string]oncall.Schedule),
		policies:  make(map[string]oncall.Policy),
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() {}

func (m *Memory) CreateAlert(ctx context.Context, a *alert.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	m.alerts[a.ID] = *a
	return nil
}

func (m *Memory) GetAlert(ctx context.Context, id string) (alert.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return alert.Alert{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) ListAlerts(ctx context.Context, f AlertFilter) ([]alert.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]alert.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.Metric != "" && a.MetricName != f.Metric {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) FindActiveByDedupKey(ctx context.Context, key string) (alert.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.DedupKey == key && !a.Status.Terminal() {
			return a, nil
		}
	}
	return alert.Alert{}, ErrNotFound
}

func (m *Memory) LastTerminalByDedupKey(ctx context.Context, key string) (alert.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best alert.Alert
	found := false
	for _, a := range m.alerts {
		if a.DedupKey != key || !a.Status.Terminal() {
			continue
		}
		if !found || a.UpdatedAt.After(best.UpdatedAt) {
			best = a
			found = true
		}
	}
	if !found {
		return alert.Alert{}, ErrNotFound
	}
	return best, nil
}

func (m *Memory) RecordSeen(ctx context.Context, id string, at time.Time) (alert.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return alert.Alert{}, ErrNotFound
	}
	a.SeenCount++
	a.LastSeen = at
	a.UpdatedAt = at
	m.alerts[id] = a
	return a, nil
}

func (m *Memory) Transition(ctx context.Context, id string, from []alert.Status, to alert.Status, at time.Time) (alert.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return alert.Alert{}, ErrNotFound
	}
	if !statusIn(a.Status, from) {
		return alert.Alert{}, ErrStaleTransition
	}
	a.Status = to
	a.UpdatedAt = at
	m.alerts[id] = a
	return a, nil
}

func (m *Memory) AdvanceLevel(ctx context.Context, id string, fromLevel, toLevel int, to alert.Status, at time.Time) (alert.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return alert.Alert{}, ErrNotFound
	}
	if !a.Status.TimerEligible() || a.Level != fromLevel {
		return alert.Alert{}, ErrStaleTransition
	}
	a.Status = to
	a.Level = toLevel
	a.UpdatedAt = at
	m.alerts[id] = a
	return a, nil
}

func (m *Memory) Acknowledge(ctx context.Context, id, by string, at time.Time) (alert.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return alert.Alert{}, ErrNotFound
	}
	if !a.Status.Acknowledgeable() {
		return alert.Alert{}, ErrStaleTransition
	}
	t := at
	a.Status = alert.StatusAcknowledged
	a.AckedBy = by
	a.AckedAt = &t
	a.UpdatedAt = at
	m.alerts[id] = a
	return a, nil
}

func (m *Memory) Resolve(ctx context.Context, id, by, notes string, at time.Time) (alert.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return alert.Alert{}, ErrNotFound
	}
	if a.Status != alert.StatusAcknowledged {
		return alert.Alert{}, ErrStaleTransition
	}
	t := at
	a.Status = alert.StatusResolved
	a.ResolvedBy = by
	a.ResolvedAt = &t
	if notes != "" {
		a.Notes = notes
	}
	a.UpdatedAt = at
	m.alerts[id] = a
	return a, nil
}

func (m *Memory) AppendAttempt(ctx context.Context, att alert.NotificationAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[att.AlertID] = append(m.attempts[att.AlertID], att)
	return nil
}

func (m *Memory) ListAttempts(ctx context.Context, alertID string) ([]alert.NotificationAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.attempts[alertID]
	out := make([]alert.NotificationAttempt, len(list))
	copy(out, list)
	return out, nil
}

func (m *Memory) CreateRule(ctx context.Context, r *rules.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	if r.Status == "" {
		r.Status = rules.StatusActive
	}
	m.rules[r.ID] = *r
	return nil
}

func (m *Memory) GetRule(ctx context.Context, id string) (rules.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return rules.Rule{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListRules(ctx context.Context) ([]rules.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]rules.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpdateRule(ctx context.Context, r rules.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rules[r.ID]
	if !ok {
		return ErrNotFound
	}
	r.CreatedAt = cur.CreatedAt
	r.UpdatedAt = time.Now().UTC()
	m.rules[r.ID] = r
	return nil
}

func (m *Memory) DeleteRule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return ErrNotFound
	}
	delete(m.rules, id)
	return nil
}

func (m *Memory) MarkRuleInvalid(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = rules.StatusInvalid
	r.LastError = reason
	r.UpdatedAt = time.Now().UTC()
	m.rules[id] = r
	return nil
}

func (m *Memory) CreateSchedule(ctx context.Context, s *oncall.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	m.schedules[s.ID] = *s
	return nil
}

func (m *Memory) GetSchedule(ctx context.Context, id string) (oncall.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return oncall.Schedule{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) ListSchedules(ctx context.Context) ([]oncall.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]oncall.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreatePolicy(ctx context.Context, p *oncall.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.policies[p.ID] = *p
	return nil
}

func (m *Memory) GetPolicy(ctx context.Context, id string) (oncall.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[id]
	if !ok {
		return oncall.Policy{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) ListPolicies(ctx context.Context) ([]oncall.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]oncall.Policy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func statusIn(s alert.Status, set []alert.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
