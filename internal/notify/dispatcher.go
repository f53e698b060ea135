package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"

	"pulsewatch-backend/internal/alert"
	"pulsewatch-backend/internal/metrics"
)

const (
	DefaultMaxRetries  = 3
	DefaultBackoff     = time.Second
	DefaultPoolWorkers = 16
	DefaultPoolQueue   = 256
)

type AttemptRecorder interface {
	AppendAttempt(ctx context.Context, att alert.NotificationAttempt) error
}

type DispatcherConfig struct {
	MaxRetries  int
	Backoff     time.Duration
	PoolWorkers int
	PoolQueue   int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.PoolWorkers <= 0 {
		c.PoolWorkers = DefaultPoolWorkers
	}
	if c.PoolQueue <= 0 {
		c.PoolQueue = DefaultPoolQueue
	}
	return c
}

type Result struct {
	Delivered int
	Failed    int
}

// OK reports whether at least one target got the notification.
func (r Result) OK() bool { return r.Delivered > 0 }

// Dispatcher fans a level's targets out over a shared worker pool and retries
// each target independently with exponential backoff.
type Dispatcher struct {
	registry   *Registry
	recorder   AttemptRecorder
	pool       pond.Pool
	logger     *slog.Logger
	metrics    *metrics.Metrics
	maxRetries int
	backoff    time.Duration
}

func NewDispatcher(cfg DispatcherConfig, reg *Registry, rec AttemptRecorder, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		registry:   reg,
		recorder:   rec,
		pool:       pond.NewPool(cfg.PoolWorkers, pond.WithQueueSize(cfg.PoolQueue)),
		logger:     logger,
		metrics:    m,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
	}
}

func (d *Dispatcher) Stop() {
	d.pool.StopAndWait()
}

// Dispatch delivers one message per target and blocks until every target has
// finished its attempts or ctx is canceled. Targets fail independently.
func (d *Dispatcher) Dispatch(ctx context.Context, a alert.Alert, level int, targets []Target) Result {
	if len(targets) == 0 {
		return Result{}
	}
	msg := Message{
		AlertID:  a.ID,
		Severity: a.Severity,
		Metric:   a.MetricName,
		Level:    level,
		Summary:  a.Cause.Message,
		Tags:     a.Tags,
		At:       time.Now().UTC(),
	}
	var (
		mu  sync.Mutex
		res Result
		wg  sync.WaitGroup
	)
	for _, t := range targets {
		t := t
		wg.Add(1)
		d.pool.Submit(func() {
			defer wg.Done()
			err := d.deliver(ctx, a.ID, level, t, msg)
			mu.Lock()
			if err != nil {
				res.Failed++
			} else {
				res.Delivered++
			}
			mu.Unlock()
		})
	}
	wg.Wait()
	return res
}

func (d *Dispatcher) deliver(ctx context.Context, alertID string, level int, t Target, msg Message) error {
	n, ok := d.registry.Lookup(t.Channel)
	if !ok {
		err := fmt.Errorf("no notifier registered for channel %q", t.Channel)
		d.record(ctx, alertID, level, t, 1, err)
		return err
	}
	var err error
	for attempt := 1; attempt <= d.maxRetries+1; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = n.Send(ctx, t, msg)
		d.record(ctx, alertID, level, t, attempt, err)
		if err == nil {
			return nil
		}
		if attempt == d.maxRetries+1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.backoffAfter(attempt)):
		}
	}
	d.logger.Warn("notification target exhausted retries",
		"alert_id", alertID,
		"level", level,
		"channel", t.Channel,
		"contact_id", t.Contact.ID,
		"err", err,
	)
	return err
}

func (d *Dispatcher) backoffAfter(attempt int) time.Duration {
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}
	return d.backoff << shift
}

// record appends one immutable attempt row. Attempt history must survive
// cancellation of the dispatch context.
func (d *Dispatcher) record(ctx context.Context, alertID string, level int, t Target, attempt int, sendErr error) {
	att := alert.NotificationAttempt{
		AlertID:   alertID,
		Level:     level,
		Channel:   t.Channel,
		ContactID: t.Contact.ID,
		Attempt:   attempt,
		Outcome:   alert.OutcomeSuccess,
		At:        time.Now().UTC(),
	}
	outcome := "success"
	if sendErr != nil {
		att.Outcome = alert.OutcomeFailed
		att.Error = sendErr.Error()
		outcome = "failed"
	}
	if err := d.recorder.AppendAttempt(context.WithoutCancel(ctx), att); err != nil {
		d.logger.Error("append notification attempt", "alert_id", alertID, "err", err)
	}
	d.metrics.Attempt(t.Channel, outcome)
}
