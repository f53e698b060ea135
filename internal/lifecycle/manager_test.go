package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"pulsewatch-backend/internal/alert"
	"pulsewatch-backend/internal/detect"
	"pulsewatch-backend/internal/oncall"
	"pulsewatch-backend/internal/rules"
	"pulsewatch-backend/internal/store"
)

type startCall struct {
	alert    alert.Alert
	policy   oncall.Policy
	channels []string
}

type fakeEngine struct {
	started  []startCall
	canceled []string
}

func (f *fakeEngine) Start(a alert.Alert, p oncall.Policy, channels []string) {
	f.started = append(f.started, startCall{alert: a, policy: p, channels: channels})
}

func (f *fakeEngine) Cancel(id string) {
	f.canceled = append(f.canceled, id)
}

func fallbackRule() rules.Rule {
	return rules.Rule{
		ID:      "fallback",
		Name:    "default route",
		Status:  rules.StatusActive,
		Actions: rules.Actions{Channels: []string{"inapp"}},
	}
}

func testManager(t *testing.T, st *store.Memory, eng *fakeEngine) *Manager {
	t.Helper()
	src := rules.NewSource(st.ListRules, time.Minute)
	t.Cleanup(src.Stop)
	return &Manager{
		Store:   st,
		Rules:   src,
		Matcher: rules.NewMatcher(fallbackRule()),
		Engine:  eng,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		DefaultPolicy: oncall.Policy{ID: "default", Levels: []oncall.Level{
			{TimeoutSeconds: 300, Contacts: []oncall.Contact{{ID: "ops", Channels: map[string]string{"inapp": "ops"}}}},
		}},
	}
}

func trigger(metric string, sev alert.Severity, tags map[string]string) TriggerRequest {
	return TriggerRequest{Metric: metric, Severity: sev, Tags: tags, Message: "manual"}
}

func TestTriggerOpensAndRoutes(t *testing.T) {
	st := store.NewMemory()
	eng := &fakeEngine{}
	m := testManager(t, st, eng)
	ctx := context.Background()

	a, err := m.Trigger(ctx, trigger("cpu_usage", alert.SeverityHigh, map[string]string{"service": "api"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Status != alert.StatusRouted {
		t.Fatalf("expected routed got %s", a.Status)
	}
	if a.SeenCount != 1 || a.RuleID != "fallback" || a.PolicyID != "default" {
		t.Fatalf("unexpected alert %+v", a)
	}
	if a.Cause.Kind != alert.CauseExternal {
		t.Fatalf("expected external cause got %s", a.Cause.Kind)
	}
	if len(eng.started) != 1 {
		t.Fatalf("expected one escalation start got %d", len(eng.started))
	}
	call := eng.started[0]
	if call.alert.ID != a.ID || call.policy.ID != "default" {
		t.Fatalf("unexpected start %+v", call)
	}
	if len(call.channels) != 1 || call.channels[0] != "inapp" {
		t.Fatalf("unexpected channels %v", call.channels)
	}
	stored, err := st.GetAlert(ctx, a.ID)
	if err != nil || stored.Status != alert.StatusRouted {
		t.Fatalf("alert not persisted: %+v %v", stored, err)
	}
}

func TestReoccurrenceRecordsSeenWithoutRestart(t *testing.T) {
	st := store.NewMemory()
	eng := &fakeEngine{}
	m := testManager(t, st, eng)
	ctx := context.Background()

	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return base }
	first, err := m.Trigger(ctx, trigger("latency", alert.SeverityMedium, map[string]string{"service": "api"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.Now = func() time.Time { return base.Add(time.Minute) }
	second, err := m.Trigger(ctx, trigger("latency", alert.SeverityMedium, map[string]string{"service": "api"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected dedup onto %s got %s", first.ID, second.ID)
	}
	if second.SeenCount != 2 {
		t.Fatalf("expected seen count 2 got %d", second.SeenCount)
	}
	if !second.LastSeen.Equal(base.Add(time.Minute)) {
		t.Fatalf("expected last seen bumped got %s", second.LastSeen)
	}
	if len(eng.started) != 1 {
		t.Fatalf("re-occurrence must not restart escalation, got %d starts", len(eng.started))
	}
}

func TestCooldownSuppresses(t *testing.T) {
	st := store.NewMemory()
	eng := &fakeEngine{}
	m := testManager(t, st, eng)
	ctx := context.Background()

	rule := rules.Rule{
		ID: "crit", Name: "crit", Priority: 10, Status: rules.StatusActive,
		Conditions: rules.Conditions{Severity: alert.SeverityCritical},
		Actions:    rules.Actions{Channels: []string{"inapp"}, CooldownSeconds: 300},
	}
	if err := st.CreateRule(ctx, &rule); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return now }
	tags := map[string]string{"service": "db"}
	old := alert.Alert{
		ID:        "old",
		DedupKey:  alert.DedupKey("disk_usage", tags),
		Severity:  alert.SeverityCritical,
		Status:    alert.StatusResolved,
		CreatedAt: now.Add(-time.Minute),
		UpdatedAt: now.Add(-time.Minute),
	}
	if err := st.CreateAlert(ctx, &old); err != nil {
		t.Fatalf("create alert: %v", err)
	}

	_, err := m.Trigger(ctx, trigger("disk_usage", alert.SeverityCritical, tags))
	if !errors.Is(err, ErrSuppressed) {
		t.Fatalf("expected suppression got %v", err)
	}
	if len(eng.started) != 0 {
		t.Fatalf("suppressed alert must not escalate")
	}
	list, _ := st.ListAlerts(ctx, store.AlertFilter{})
	if len(list) != 1 {
		t.Fatalf("expected only the old alert, got %d", len(list))
	}
}

func TestCooldownExpired(t *testing.T) {
	st := store.NewMemory()
	eng := &fakeEngine{}
	m := testManager(t, st, eng)
	ctx := context.Background()

	rule := rules.Rule{
		ID: "crit", Name: "crit", Priority: 10, Status: rules.StatusActive,
		Conditions: rules.Conditions{Severity: alert.SeverityCritical},
		Actions:    rules.Actions{Channels: []string{"inapp"}, CooldownSeconds: 300},
	}
	if err := st.CreateRule(ctx, &rule); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return now }
	tags := map[string]string{"service": "db"}
	old := alert.Alert{
		ID:        "old",
		DedupKey:  alert.DedupKey("disk_usage", tags),
		Severity:  alert.SeverityCritical,
		Status:    alert.StatusResolved,
		CreatedAt: now.Add(-10 * time.Minute),
		UpdatedAt: now.Add(-10 * time.Minute),
	}
	if err := st.CreateAlert(ctx, &old); err != nil {
		t.Fatalf("create alert: %v", err)
	}

	a, err := m.Trigger(ctx, trigger("disk_usage", alert.SeverityCritical, tags))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Status != alert.StatusRouted || a.RuleID != "crit" {
		t.Fatalf("unexpected alert %+v", a)
	}
}

func TestRuleSelectsPolicyAndChannels(t *testing.T) {
	st := store.NewMemory()
	eng := &fakeEngine{}
	m := testManager(t, st, eng)
	ctx := context.Background()

	policy := oncall.Policy{ID: "critical", Levels: []oncall.Level{{TimeoutSeconds: 60}}}
	if err := st.CreatePolicy(ctx, &policy); err != nil {
		t.Fatalf("create policy: %v", err)
	}
	rule := rules.Rule{
		ID: "db", Name: "db", Priority: 100, Status: rules.StatusActive,
		Conditions: rules.Conditions{Tags: map[string]string{"service": "db"}},
		Actions:    rules.Actions{Channels: []string{"sms", "webhook"}, PolicyID: "critical"},
	}
	if err := st.CreateRule(ctx, &rule); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	a, err := m.Trigger(ctx, trigger("disk_usage", alert.SeverityHigh, map[string]string{"service": "db"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.RuleID != "db" || a.PolicyID != "critical" {
		t.Fatalf("unexpected routing %+v", a)
	}
	if len(eng.started) != 1 {
		t.Fatalf("expected one start")
	}
	call := eng.started[0]
	if call.policy.ID != "critical" {
		t.Fatalf("expected critical policy got %s", call.policy.ID)
	}
	if len(call.channels) != 2 || call.channels[0] != "sms" || call.channels[1] != "webhook" {
		t.Fatalf("unexpected channels %v", call.channels)
	}
}

func TestMissingPolicyFallsBackToDefault(t *testing.T) {
	st := store.NewMemory()
	eng := &fakeEngine{}
	m := testManager(t, st, eng)
	ctx := context.Background()

	rule := rules.Rule{
		ID: "db", Name: "db", Priority: 100, Status: rules.StatusActive,
		Conditions: rules.Conditions{Tags: map[string]string{"service": "db"}},
		Actions:    rules.Actions{Channels: []string{"inapp"}, PolicyID: "ghost"},
	}
	if err := st.CreateRule(ctx, &rule); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	a, err := m.Trigger(ctx, trigger("disk_usage", alert.SeverityHigh, map[string]string{"service": "db"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.PolicyID != "default" {
		t.Fatalf("expected default policy got %s", a.PolicyID)
	}
}

func TestMalformedRuleDisabledAndSkipped(t *testing.T) {
	st := store.NewMemory()
	eng := &fakeEngine{}
	m := testManager(t, st, eng)
	ctx := context.Background()

	bad := rules.Rule{
		ID: "bad", Name: "bad window", Priority: 100, Status: rules.StatusActive,
		Conditions: rules.Conditions{Window: &rules.TimeWindow{From: "25:99", To: "18:00"}},
		Actions:    rules.Actions{Channels: []string{"inapp"}},
	}
	if err := st.CreateRule(ctx, &bad); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	a, err := m.Trigger(ctx, trigger("cpu_usage", alert.SeverityHigh, nil))
	if err != nil {
		t.Fatalf("malformed rule must not drop the alert: %v", err)
	}
	if a.RuleID != "fallback" {
		t.Fatalf("expected fallback routing got %s", a.RuleID)
	}
	got, err := st.GetRule(ctx, "bad")
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if got.Status != rules.StatusInvalid || got.LastError == "" {
		t.Fatalf("expected rule flagged invalid got %+v", got)
	}
}

func TestRulesLoadErrorFallsBack(t *testing.T) {
	st := store.NewMemory()
	eng := &fakeEngine{}
	m := testManager(t, st, eng)
	src := rules.NewSource(func(ctx context.Context) ([]rules.Rule, error) {
		return nil, errors.New("db down")
	}, time.Minute)
	t.Cleanup(src.Stop)
	m.Rules = src

	a, err := m.Trigger(context.Background(), trigger("cpu_usage", alert.SeverityHigh, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.RuleID != "fallback" || a.Status != alert.StatusRouted {
		t.Fatalf("expected fallback routing got %+v", a)
	}
}

func TestHandleEventOpensAnomalyAlert(t *testing.T) {
	st := store.NewMemory()
	eng := &fakeEngine{}
	m := testManager(t, st, eng)
	ctx := context.Background()

	ev := detect.Event{
		Metric:     "cpu_usage",
		TS:         time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
		Value:      97.5,
		Tags:       map[string]string{"service": "api"},
		Detectors:  []string{"zscore", "spike"},
		Confidence: 0.62,
		Severity:   alert.SeverityHigh,
	}
	m.HandleEvent(ctx, ev)

	a, err := st.FindActiveByDedupKey(ctx, alert.DedupKey("cpu_usage", ev.Tags))
	if err != nil {
		t.Fatalf("alert not created: %v", err)
	}
	if a.Cause.Kind != alert.CauseAnomaly || a.Cause.Confidence != 0.62 {
		t.Fatalf("unexpected cause %+v", a.Cause)
	}
	if !strings.Contains(a.Cause.Message, "zscore") {
		t.Fatalf("cause message should name detectors: %q", a.Cause.Message)
	}
	if a.Severity != alert.SeverityHigh || a.Status != alert.StatusRouted {
		t.Fatalf("unexpected alert %+v", a)
	}
}

func TestAcknowledgeCancelsEscalation(t *testing.T) {
	st := store.NewMemory()
	eng := &fakeEngine{}
	m := testManager(t, st, eng)
	ctx := context.Background()

	a, err := m.Trigger(ctx, trigger("cpu_usage", alert.SeverityHigh, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	acked, err := m.Acknowledge(ctx, a.ID, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acked.Status != alert.StatusAcknowledged || acked.AckedBy != "alice" {
		t.Fatalf("unexpected alert %+v", acked)
	}
	if acked.AckedAt == nil {
		t.Fatalf("ack time must be set")
	}
	if len(eng.canceled) != 1 || eng.canceled[0] != a.ID {
		t.Fatalf("expected timer cancel for %s got %v", a.ID, eng.canceled)
	}
}

func TestResolveRequiresAcknowledge(t *testing.T) {
	st := store.NewMemory()
	eng := &fakeEngine{}
	m := testManager(t, st, eng)
	ctx := context.Background()

	a, err := m.Trigger(ctx, trigger("cpu_usage", alert.SeverityHigh, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Resolve(ctx, a.ID, "alice", ""); !errors.Is(err, alert.ErrInvalidState) {
		t.Fatalf("expected invalid state got %v", err)
	}

	if _, err := m.Acknowledge(ctx, a.ID, "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resolved, err := m.Resolve(ctx, a.ID, "alice", "restarted the pod")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Status != alert.StatusResolved || resolved.Notes != "restarted the pod" {
		t.Fatalf("unexpected alert %+v", resolved)
	}
}

func TestAcknowledgeTerminalConflict(t *testing.T) {
	st := store.NewMemory()
	eng := &fakeEngine{}
	m := testManager(t, st, eng)
	ctx := context.Background()

	a, err := m.Trigger(ctx, trigger("cpu_usage", alert.SeverityHigh, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Acknowledge(ctx, a.ID, "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Resolve(ctx, a.ID, "alice", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Acknowledge(ctx, a.ID, "bob"); !errors.Is(err, alert.ErrAlreadyTerminal) {
		t.Fatalf("expected already terminal got %v", err)
	}
}

func TestAcknowledgeAfterExhausted(t *testing.T) {
	st := store.NewMemory()
	eng := &fakeEngine{}
	m := testManager(t, st, eng)
	ctx := context.Background()

	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	a := alert.Alert{
		ID:        "spent",
		DedupKey:  alert.DedupKey("cpu_usage", nil),
		Severity:  alert.SeverityCritical,
		Status:    alert.StatusExhausted,
		Level:     2,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.CreateAlert(ctx, &a); err != nil {
		t.Fatalf("create alert: %v", err)
	}

	acked, err := m.Acknowledge(ctx, a.ID, "alice")
	if err != nil {
		t.Fatalf("late ack must be accepted: %v", err)
	}
	if acked.Status != alert.StatusAcknowledged {
		t.Fatalf("expected acknowledged got %s", acked.Status)
	}
	if _, err := m.Resolve(ctx, a.ID, "alice", "found it"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCloseActiveAlert(t *testing.T) {
	st := store.NewMemory()
	eng := &fakeEngine{}
	m := testManager(t, st, eng)
	ctx := context.Background()

	a, err := m.Trigger(ctx, trigger("cpu_usage", alert.SeverityLow, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	closed, err := m.Close(ctx, a.ID, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if closed.Status != alert.StatusClosed {
		t.Fatalf("expected closed got %s", closed.Status)
	}
	if _, err := m.Close(ctx, a.ID, "alice"); !errors.Is(err, alert.ErrAlreadyTerminal) {
		t.Fatalf("expected already terminal got %v", err)
	}
}

func TestOperationsOnMissingAlert(t *testing.T) {
	st := store.NewMemory()
	m := testManager(t, st, &fakeEngine{})
	ctx := context.Background()

	if _, err := m.Acknowledge(ctx, "nope", "alice"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found got %v", err)
	}
	if _, err := m.Resolve(ctx, "nope", "alice", ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found got %v", err)
	}
	if _, err := m.Close(ctx, "nope", "alice"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found got %v", err)
	}
}
