package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"pulsewatch-backend/internal/alert"
	"pulsewatch-backend/internal/bus"
	"pulsewatch-backend/internal/detect"
	"pulsewatch-backend/internal/metrics"
	"pulsewatch-backend/internal/oncall"
	"pulsewatch-backend/internal/rules"
	"pulsewatch-backend/internal/store"
)

// ErrSuppressed means a matched rule's cooldown swallowed the occurrence.
var ErrSuppressed = errors.New("suppressed by cooldown")

type Engine interface {
	Start(a alert.Alert, policy oncall.Policy, channels []string)
	Cancel(id string)
}

// Manager owns the alert lifecycle: it turns anomaly events and external
// triggers into alerts (dedup, cooldown, routing, escalation start) and is the
// single entrypoint for operator transitions.
type Manager struct {
	Store         store.Store
	Rules         *rules.Source
	Matcher       *rules.Matcher
	Engine        Engine
	Bus           *bus.Publisher
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	DefaultPolicy oncall.Policy

	// Now overrides the clock in tests.
	Now func() time.Time
}

func (m *Manager) clock() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

// HandleEvent is the detector callback. It never blocks on delivery; the
// escalation engine dispatches asynchronously.
func (m *Manager) HandleEvent(ctx context.Context, ev detect.Event) {
	cause := alert.Cause{
		Kind:       alert.CauseAnomaly,
		MetricName: ev.Metric,
		Value:      ev.Value,
		Confidence: ev.Confidence,
		Detectors:  ev.Detectors,
		Message: fmt.Sprintf("anomaly on %s: value %g flagged by %s",
			ev.Metric, ev.Value, strings.Join(ev.Detectors, ",")),
	}
	if _, err := m.open(ctx, ev.Metric, ev.Severity, ev.Tags, cause); err != nil && !errors.Is(err, ErrSuppressed) {
		m.Logger.Error("open alert from anomaly", "metric", ev.Metric, "err", err)
	}
}

type TriggerRequest struct {
	Metric   string
	Severity alert.Severity
	Tags     map[string]string
	Message  string
}

// Trigger opens an alert from an external source, through the same dedup,
// cooldown, and routing path anomalies take.
func (m *Manager) Trigger(ctx context.Context, req TriggerRequest) (alert.Alert, error) {
	cause := alert.Cause{
		Kind:    alert.CauseExternal,
		Message: req.Message,
	}
	return m.open(ctx, req.Metric, req.Severity, req.Tags, cause)
}

func (m *Manager) open(ctx context.Context, metric string, severity alert.Severity, tags map[string]string, cause alert.Cause) (alert.Alert, error) {
	key := alert.DedupKey(metric, tags)
	now := m.clock()

	existing, err := m.Store.FindActiveByDedupKey(ctx, key)
	if err == nil {
		updated, rerr := m.Store.RecordSeen(ctx, existing.ID, now)
		if rerr != nil {
			return alert.Alert{}, rerr
		}
		m.Metrics.AlertDeduped()
		m.Logger.Debug("alert deduplicated",
			"alert_id", existing.ID,
			"metric", metric,
			"seen_count", updated.SeenCount,
		)
		return updated, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return alert.Alert{}, err
	}

	attrs := rules.AlertAttributes{
		Severity:   severity,
		MetricType: tags[alert.TagMetricType],
		Tags:       tags,
		CreatedAt:  now,
	}
	dec := m.matchRules(ctx, attrs)
	rule := dec.Rule

	if cd := rule.Actions.Cooldown(); cd > 0 {
		last, lerr := m.Store.LastTerminalByDedupKey(ctx, key)
		if lerr == nil && now.Sub(last.UpdatedAt) < cd {
			m.Metrics.AlertSuppressed()
			m.Logger.Info("alert suppressed by cooldown",
				"metric", metric,
				"rule_id", rule.ID,
				"last_terminal", last.UpdatedAt,
			)
			return alert.Alert{}, ErrSuppressed
		}
	}

	policy := m.DefaultPolicy
	if rule.Actions.PolicyID != "" {
		p, perr := m.Store.GetPolicy(ctx, rule.Actions.PolicyID)
		if perr != nil {
			m.Logger.Error("load escalation policy, using default",
				"policy_id", rule.Actions.PolicyID, "err", perr)
		} else {
			policy = p
		}
	}

	a := alert.Alert{
		ID:         uuid.NewString(),
		DedupKey:   key,
		Severity:   severity,
		MetricName: metric,
		MetricType: attrs.MetricType,
		Tags:       tags,
		Cause:      cause,
		RuleID:     rule.ID,
		PolicyID:   policy.ID,
		Status:     alert.StatusOpen,
		CreatedAt:  now,
		LastSeen:   now,
		SeenCount:  1,
	}
	if err := m.Store.CreateAlert(ctx, &a); err != nil {
		return alert.Alert{}, fmt.Errorf("create alert: %w", err)
	}
	m.Metrics.AlertCreated(string(a.Severity))
	m.Logger.Info("alert created",
		"alert_id", a.ID,
		"metric", metric,
		"severity", a.Severity,
		"rule_id", rule.ID,
		"fallback", dec.Fallback,
	)
	_ = m.Bus.Publish(bus.SubjectAlertCreated, map[string]any{
		"alert_id": a.ID,
		"metric":   metric,
		"severity": a.Severity,
		"rule_id":  rule.ID,
	})

	routed, err := m.Store.Transition(ctx, a.ID, []alert.Status{alert.StatusOpen}, alert.StatusRouted, m.clock())
	if err != nil {
		return a, fmt.Errorf("route alert: %w", err)
	}
	m.Engine.Start(routed, policy, rule.Actions.Channels)
	return routed, nil
}

// matchRules never fails: a broken rule load falls back to the default route,
// and malformed rules are flagged INVALID so they stop being considered.
func (m *Manager) matchRules(ctx context.Context, attrs rules.AlertAttributes) rules.Decision {
	list, err := m.Rules.Rules(ctx)
	if err != nil {
		m.Logger.Error("load routing rules, using fallback", "err", err)
		m.Metrics.RuleMatch(rules.MatchOutcomeFallback)
		return rules.Decision{Rule: m.Matcher.Fallback(), Fallback: true}
	}
	dec := m.Matcher.Match(list, attrs)
	for _, bad := range dec.Malformed {
		m.Metrics.MalformedRule()
		m.Logger.Warn("malformed routing rule disabled", "rule_id", bad.ID, "reason", bad.Reason)
		if err := m.Store.MarkRuleInvalid(ctx, bad.ID, bad.Reason); err != nil {
			m.Logger.Error("mark rule invalid", "rule_id", bad.ID, "err", err)
		}
	}
	if len(dec.Malformed) > 0 {
		m.Rules.Invalidate()
	}
	m.Metrics.RuleMatch(dec.Outcome())
	return dec
}

func (m *Manager) Acknowledge(ctx context.Context, id, actor string) (alert.Alert, error) {
	a, err := m.Store.Acknowledge(ctx, id, actor, m.clock())
	if err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			return alert.Alert{}, m.conflict(ctx, id)
		}
		return alert.Alert{}, err
	}
	m.Engine.Cancel(id)
	m.Logger.Info("alert acknowledged", "alert_id", id, "actor", actor)
	_ = m.Bus.Publish(bus.SubjectAlertAcknowledged, map[string]any{"alert_id": id, "actor": actor})
	return a, nil
}

func (m *Manager) Resolve(ctx context.Context, id, actor, notes string) (alert.Alert, error) {
	a, err := m.Store.Resolve(ctx, id, actor, notes, m.clock())
	if err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			return alert.Alert{}, m.conflict(ctx, id)
		}
		return alert.Alert{}, err
	}
	m.Engine.Cancel(id)
	m.Metrics.AlertTerminal()
	m.Logger.Info("alert resolved", "alert_id", id, "actor", actor)
	_ = m.Bus.Publish(bus.SubjectAlertResolved, map[string]any{"alert_id": id, "actor": actor})
	return a, nil
}

func (m *Manager) Close(ctx context.Context, id, actor string) (alert.Alert, error) {
	from := []alert.Status{
		alert.StatusOpen,
		alert.StatusRouted,
		alert.StatusNotifying,
		alert.StatusEscalated,
		alert.StatusAcknowledged,
	}
	a, err := m.Store.Transition(ctx, id, from, alert.StatusClosed, m.clock())
	if err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			return alert.Alert{}, m.conflict(ctx, id)
		}
		return alert.Alert{}, err
	}
	m.Engine.Cancel(id)
	m.Metrics.AlertTerminal()
	m.Logger.Info("alert closed", "alert_id", id, "actor", actor)
	_ = m.Bus.Publish(bus.SubjectAlertClosed, map[string]any{"alert_id": id, "actor": actor})
	return a, nil
}

// conflict turns a lost CAS into the error the API reports: terminal alerts
// are AlreadyTerminal, everything else is an invalid transition.
func (m *Manager) conflict(ctx context.Context, id string) error {
	a, err := m.Store.GetAlert(ctx, id)
	if err != nil {
		return err
	}
	if a.Status.Terminal() {
		return fmt.Errorf("%w: status %s", alert.ErrAlreadyTerminal, a.Status)
	}
	return fmt.Errorf("%w: status %s", alert.ErrInvalidState, a.Status)
}
