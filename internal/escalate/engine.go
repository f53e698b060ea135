package escalate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"pulsewatch-backend/internal/alert"
	"pulsewatch-backend/internal/bus"
	"pulsewatch-backend/internal/metrics"
	"pulsewatch-backend/internal/notify"
	"pulsewatch-backend/internal/oncall"
	"pulsewatch-backend/internal/store"
)

// DefaultFinalGrace bounds how long an alert sits on the last level before
// escalation is declared exhausted, when that level's own timeout is zero.
const DefaultFinalGrace = 5 * time.Minute

type Store interface {
	Transition(ctx context.Context, id string, from []alert.Status, to alert.Status, at time.Time) (alert.Alert, error)
	AdvanceLevel(ctx context.Context, id string, fromLevel, toLevel int, to alert.Status, at time.Time) (alert.Alert, error)
	GetSchedule(ctx context.Context, id string) (oncall.Schedule, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, a alert.Alert, level int, targets []notify.Target) notify.Result
}

type run struct {
	timer  *time.Timer
	cancel context.CancelFunc
}

func (r *run) stop() {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.cancel()
}

// Engine drives one timer per active alert through its escalation policy.
// Each hop is a store CAS, so a timer that lost a race against Acknowledge or
// Close aborts without side effects. Level timeouts are the delay before that
// level's dispatch; level 0 counts from Start.
type Engine struct {
	store      Store
	dispatcher Dispatcher
	bus        *bus.Publisher
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	finalGrace time.Duration

	mu     sync.Mutex
	active map[string]*run
}

func NewEngine(st Store, d Dispatcher, b *bus.Publisher, logger *slog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		store:      st,
		dispatcher: d,
		bus:        b,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
		finalGrace: DefaultFinalGrace,
		active:     make(map[string]*run),
	}
}

// SetFinalGrace overrides the wait after the last level before an alert is
// declared exhausted. Zero or negative keeps the default.
func (e *Engine) SetFinalGrace(d time.Duration) {
	if d > 0 {
		e.finalGrace = d
	}
}

// Start arms escalation for a freshly routed alert. The first dispatch happens
// asynchronously, so callers on the ingest path never wait on delivery.
func (e *Engine) Start(a alert.Alert, policy oncall.Policy, channels []string) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel}

	e.mu.Lock()
	if old, ok := e.active[a.ID]; ok {
		old.stop()
	}
	e.active[a.ID] = r
	e.mu.Unlock()
	e.metrics.TimerArmed()

	if len(policy.Levels) == 0 {
		go e.exhaust(ctx, a.ID, 0)
		return
	}
	e.arm(ctx, r, a.ID, 0, policy, channels, policy.Levels[0].Timeout())
}

// Cancel stops the alert's timer and its in-flight deliveries. Idempotent.
func (e *Engine) Cancel(id string) {
	e.mu.Lock()
	r, ok := e.active[id]
	if ok {
		delete(e.active, id)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	r.stop()
	e.metrics.TimerCleared()
}

// Stop cancels every active run. Used on shutdown.
func (e *Engine) Stop() {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.active))
	for _, r := range e.active {
		runs = append(runs, r)
	}
	e.active = make(map[string]*run)
	e.mu.Unlock()
	for _, r := range runs {
		r.stop()
		e.metrics.TimerCleared()
	}
}

func (e *Engine) arm(ctx context.Context, r *run, id string, level int, policy oncall.Policy, channels []string, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[id] != r {
		return
	}
	r.timer = time.AfterFunc(delay, func() {
		e.fire(ctx, r, id, level, policy, channels)
	})
}

func (e *Engine) fire(ctx context.Context, r *run, id string, level int, policy oncall.Policy, channels []string) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("escalation timer panic", "alert_id", id, "level", level, "panic", rec)
		}
	}()
	if ctx.Err() != nil {
		return
	}
	if level >= len(policy.Levels) {
		e.exhaust(ctx, id, len(policy.Levels)-1)
		return
	}

	now := e.now()
	var (
		a   alert.Alert
		err error
	)
	if level == 0 {
		a, err = e.store.Transition(ctx, id, []alert.Status{alert.StatusRouted}, alert.StatusNotifying, now)
	} else {
		a, err = e.store.AdvanceLevel(ctx, id, level-1, level, alert.StatusEscalated, now)
	}
	if err != nil {
		if !errors.Is(err, store.ErrStaleTransition) && !errors.Is(err, store.ErrNotFound) {
			e.logger.Error("escalation transition", "alert_id", id, "level", level, "err", err)
		}
		e.remove(id, r)
		return
	}
	if level > 0 {
		e.metrics.Escalation()
		e.logger.Info("alert escalated", "alert_id", id, "level", level)
		_ = e.bus.Publish(bus.SubjectAlertEscalated, map[string]any{"alert_id": id, "level": level})
	}

	// arm the next hop before dispatching, so delivery failures and retries
	// never delay escalation
	next := level + 1
	var delay time.Duration
	if next < len(policy.Levels) {
		delay = policy.Levels[next].Timeout()
	} else {
		delay = policy.Levels[len(policy.Levels)-1].Timeout()
		if delay <= 0 {
			delay = e.finalGrace
		}
	}
	e.arm(ctx, r, id, next, policy, channels, delay)

	targets := e.targets(ctx, id, policy.Levels[level], channels, now)
	res := e.dispatcher.Dispatch(ctx, a, level, targets)
	if !res.OK() {
		e.metrics.DispatchFailure()
		e.logger.Warn("every delivery failed for level",
			"alert_id", id,
			"level", level,
			"targets", len(targets),
		)
		_ = e.bus.Publish(bus.SubjectDeliveryFailed, map[string]any{"alert_id": id, "level": level})
	}
}

func (e *Engine) exhaust(ctx context.Context, id string, fromLevel int) {
	_, err := e.store.AdvanceLevel(ctx, id, fromLevel, fromLevel, alert.StatusExhausted, e.now())
	if err != nil {
		if !errors.Is(err, store.ErrStaleTransition) && !errors.Is(err, store.ErrNotFound) {
			e.logger.Error("escalation exhaust", "alert_id", id, "err", err)
		}
	} else {
		e.metrics.Exhausted()
		e.metrics.AlertTerminal()
		e.logger.Warn("escalation exhausted", "alert_id", id, "last_level", fromLevel)
		_ = e.bus.Publish(bus.SubjectAlertExhausted, map[string]any{"alert_id": id})
	}
	e.Cancel(id)
}

// targets resolves a level's recipients at fire time, so schedule rotation is
// honored even when the alert has been escalating for hours.
func (e *Engine) targets(ctx context.Context, alertID string, lvl oncall.Level, channels []string, at time.Time) []notify.Target {
	contacts := lvl.Contacts
	if lvl.ScheduleID != "" {
		sched, err := e.store.GetSchedule(ctx, lvl.ScheduleID)
		if err != nil {
			e.logger.Error("load schedule", "alert_id", alertID, "schedule_id", lvl.ScheduleID, "err", err)
		} else if c, rerr := oncall.Resolve(sched, at); rerr != nil {
			e.logger.Error("resolve on-call", "alert_id", alertID, "schedule_id", lvl.ScheduleID, "err", rerr)
		} else {
			contacts = append([]oncall.Contact{c}, lvl.Contacts...)
		}
	}
	return notify.Targets(contacts, channels)
}

func (e *Engine) remove(id string, r *run) {
	e.mu.Lock()
	if e.active[id] != r {
		e.mu.Unlock()
		return
	}
	delete(e.active, id)
	e.mu.Unlock()
	r.cancel()
	e.metrics.TimerCleared()
}
