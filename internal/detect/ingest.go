package detect

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"

	"pulsewatch-backend/internal/metrics"
)

const (
	DefaultShards    = 4
	DefaultQueueSize = 256

	dropReasonQueueFull  = "queue_full"
	dropReasonOutOfOrder = "out_of_order"
	dropReasonSeriesCap  = "series_limit"
)

// Ingestor fans samples out to shard workers hashed by metric name, so a
// single metric's window is only ever touched by one goroutine while distinct
// metrics evaluate in parallel. Ingest never blocks: a full shard queue drops
// the sample.
type Ingestor struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	handler func(Event)

	mu         sync.RWMutex
	ensemble   *Ensemble
	windowSize int
	maxSeries  int

	shards []*shard

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type shard struct {
	queue   chan Sample
	windows map[string][]Sample
}

func NewIngestor(cfg Config, shards, queueSize int, handler func(Event), logger *slog.Logger, m *metrics.Metrics) *Ingestor {
	cfg = cfg.withDefaults()
	if shards <= 0 {
		shards = DefaultShards
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	in := &Ingestor{
		logger:     logger,
		metrics:    m,
		handler:    handler,
		ensemble:   NewEnsemble(cfg),
		windowSize: cfg.WindowSize,
		maxSeries:  cfg.MaxSeries,
		ctx:        ctx,
		cancel:     cancel,
	}
	for i := 0; i < shards; i++ {
		sh := &shard{queue: make(chan Sample, queueSize), windows: map[string][]Sample{}}
		in.shards = append(in.shards, sh)
		in.wg.Add(1)
		go in.worker(sh)
	}
	return in
}

func (in *Ingestor) Stop() {
	in.cancel()
	in.wg.Wait()
}

// SetConfig swaps detection thresholds at runtime. Existing windows are kept.
func (in *Ingestor) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	in.mu.Lock()
	in.ensemble = NewEnsemble(cfg)
	in.windowSize = cfg.WindowSize
	in.maxSeries = cfg.MaxSeries
	in.mu.Unlock()
}

func ValidateSample(s Sample) error {
	if s.Metric == "" {
		return errors.New("metric is required")
	}
	if s.TS.IsZero() {
		return errors.New("ts is required")
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return errors.New("value must be finite")
	}
	return nil
}

func (in *Ingestor) Ingest(s Sample) error {
	if err := ValidateSample(s); err != nil {
		return err
	}
	sh := in.shards[shardFor(s.Metric, len(in.shards))]
	select {
	case sh.queue <- s:
		in.metrics.SampleIngested()
		return nil
	default:
		in.metrics.SampleDropped(dropReasonQueueFull)
		in.logger.Warn("ingest queue full, dropping sample", slog.String("metric", s.Metric))
		return nil
	}
}

func shardFor(metric string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(metric))
	return int(h.Sum32() % uint32(n))
}

func (in *Ingestor) worker(sh *shard) {
	defer in.wg.Done()
	for {
		select {
		case s := <-sh.queue:
			in.process(sh, s)
		case <-in.ctx.Done():
			return
		}
	}
}

func (in *Ingestor) process(sh *shard, s Sample) {
	in.mu.RLock()
	ensemble := in.ensemble
	windowSize := in.windowSize
	maxSeries := in.maxSeries
	in.mu.RUnlock()

	w, ok := sh.windows[s.Metric]
	if !ok {
		perShard := maxSeries / len(in.shards)
		if perShard < 1 {
			perShard = 1
		}
		if len(sh.windows) >= perShard {
			in.metrics.SampleDropped(dropReasonSeriesCap)
			in.logger.Warn("series limit reached, dropping sample", slog.String("metric", s.Metric))
			return
		}
	}
	if len(w) > 0 && s.TS.Before(w[len(w)-1].TS) {
		in.metrics.SampleDropped(dropReasonOutOfOrder)
		in.logger.Debug("dropping out of order sample", slog.String("metric", s.Metric))
		return
	}
	w = append(w, s)
	if len(w) > windowSize {
		copy(w, w[len(w)-windowSize:])
		w = w[:windowSize]
	}
	sh.windows[s.Metric] = w

	ev := ensemble.Evaluate(s.Metric, w)
	if ev == nil {
		return
	}
	in.metrics.AnomalyEvent(string(ev.Severity))
	if in.handler != nil {
		in.handler(*ev)
	}
}
