package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the engine's self-instrumentation. A nil *Metrics is valid and
// drops every observation, so tests can pass nil.
type Metrics struct {
	samplesIngested  prometheus.Counter
	samplesDropped   *prometheus.CounterVec
	anomalyEvents    *prometheus.CounterVec
	alertsCreated    *prometheus.CounterVec
	alertsDeduped    prometheus.Counter
	alertsSuppressed prometheus.Counter
	ruleMatches      *prometheus.CounterVec
	malformedRules   prometheus.Counter
	escalations      prometheus.Counter
	exhausted        prometheus.Counter
	attempts         *prometheus.CounterVec
	deliveryFailures prometheus.Counter
	activeAlerts     prometheus.Gauge
	activeTimers     prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		samplesIngested: f.NewCounter(prometheus.CounterOpts{
			Name: "pulsewatch_samples_ingested_total",
			Help: "Metric samples accepted by the ingestor.",
		}),
		samplesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsewatch_samples_dropped_total",
			Help: "Metric samples dropped before evaluation.",
		}, []string{"reason"}),
		anomalyEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsewatch_anomaly_events_total",
			Help: "Anomaly events emitted by the ensemble.",
		}, []string{"severity"}),
		alertsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsewatch_alerts_created_total",
			Help: "Alerts created from anomaly events or external triggers.",
		}, []string{"severity"}),
		alertsDeduped: f.NewCounter(prometheus.CounterOpts{
			Name: "pulsewatch_alerts_deduplicated_total",
			Help: "Anomaly events folded into an existing non-terminal alert.",
		}),
		alertsSuppressed: f.NewCounter(prometheus.CounterOpts{
			Name: "pulsewatch_alerts_suppressed_total",
			Help: "Alerts suppressed by a rule cooldown after a terminal alert.",
		}),
		ruleMatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsewatch_rule_matches_total",
			Help: "Routing decisions by outcome.",
		}, []string{"outcome"}),
		malformedRules: f.NewCounter(prometheus.CounterOpts{
			Name: "pulsewatch_malformed_rules_total",
			Help: "Rules skipped during matching and flagged invalid.",
		}),
		escalations: f.NewCounter(prometheus.CounterOpts{
			Name: "pulsewatch_escalations_total",
			Help: "Escalation level advancements.",
		}),
		exhausted: f.NewCounter(prometheus.CounterOpts{
			Name: "pulsewatch_escalations_exhausted_total",
			Help: "Alerts that ran out of escalation levels unacknowledged.",
		}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsewatch_notification_attempts_total",
			Help: "Notification delivery attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		deliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "pulsewatch_dispatch_failures_total",
			Help: "Dispatches where every channel exhausted its retries.",
		}),
		activeAlerts: f.NewGauge(prometheus.GaugeOpts{
			Name: "pulsewatch_active_alerts",
			Help: "Alerts currently in a non-terminal state.",
		}),
		activeTimers: f.NewGauge(prometheus.GaugeOpts{
			Name: "pulsewatch_escalation_timers",
			Help: "Escalation timers currently armed.",
		}),
	}
}

func (m *Metrics) SampleIngested() {
	if m == nil {
		return
	}
	m.samplesIngested.Inc()
}

func (m *Metrics) SampleDropped(reason string) {
	if m == nil {
		return
	}
	m.samplesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) AnomalyEvent(severity string) {
	if m == nil {
		return
	}
	m.anomalyEvents.WithLabelValues(severity).Inc()
}

func (m *Metrics) AlertCreated(severity string) {
	if m == nil {
		return
	}
	m.alertsCreated.WithLabelValues(severity).Inc()
	m.activeAlerts.Inc()
}

func (m *Metrics) AlertDeduped() {
	if m == nil {
		return
	}
	m.alertsDeduped.Inc()
}

func (m *Metrics) AlertSuppressed() {
	if m == nil {
		return
	}
	m.alertsSuppressed.Inc()
}

func (m *Metrics) AlertTerminal() {
	if m == nil {
		return
	}
	m.activeAlerts.Dec()
}

func (m *Metrics) RuleMatch(outcome string) {
	if m == nil {
		return
	}
	m.ruleMatches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MalformedRule() {
	if m == nil {
		return
	}
	m.malformedRules.Inc()
}

func (m *Metrics) Escalation() {
	if m == nil {
		return
	}
	m.escalations.Inc()
}

func (m *Metrics) Exhausted() {
	if m == nil {
		return
	}
	m.exhausted.Inc()
}

func (m *Metrics) Attempt(channel string, outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) DispatchFailure() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

func (m *Metrics) TimerArmed() {
	if m == nil {
		return
	}
	m.activeTimers.Inc()
}

func (m *Metrics) TimerCleared() {
	if m == nil {
		return
	}
	m.activeTimers.Dec()
}
