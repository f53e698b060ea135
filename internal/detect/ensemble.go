package detect

import (
	"fmt"
	"time"

	"pulsewatch-backend/internal/alert"
)

const (
	DefaultQuorum             = 2
	DefaultWindowSize         = 120
	DefaultMinSamples         = 10
	DefaultMaxSeries          = 10000
	DefaultZScoreK            = 3.0
	DefaultIQRFactor          = 1.5
	DefaultMovingAvgThreshold = 0.5
	DefaultSmoothingAlpha     = 0.3
	DefaultSmoothingThreshold = 0.5
	DefaultSpikeFactor        = 4.0
	DefaultTrendTolerance     = 3.0
)

type SeverityThresholds struct {
	Medium   float64 `yaml:"medium" json:"medium"`
	High     float64 `yaml:"high" json:"high"`
	Critical float64 `yaml:"critical" json:"critical"`
}

func (t SeverityThresholds) Severity(confidence float64) alert.Severity {
	switch {
	case confidence >= t.Critical:
		return alert.SeverityCritical
	case confidence >= t.High:
		return alert.SeverityHigh
	case confidence >= t.Medium:
		return alert.SeverityMedium
	default:
		return alert.SeverityLow
	}
}

type Config struct {
	Quorum             int                `yaml:"quorum" json:"quorum"`
	WindowSize         int                `yaml:"window_size" json:"windowSize"`
	MinSamples         int                `yaml:"min_samples" json:"minSamples"`
	MaxSeries          int                `yaml:"max_series" json:"maxSeries"`
	ZScoreK            float64            `yaml:"zscore_k" json:"zscoreK"`
	IQRFactor          float64            `yaml:"iqr_factor" json:"iqrFactor"`
	MovingAvgThreshold float64            `yaml:"moving_avg_threshold" json:"movingAvgThreshold"`
	SmoothingAlpha     float64            `yaml:"smoothing_alpha" json:"smoothingAlpha"`
	SmoothingThreshold float64            `yaml:"smoothing_threshold" json:"smoothingThreshold"`
	SpikeFactor        float64            `yaml:"spike_factor" json:"spikeFactor"`
	TrendTolerance     float64            `yaml:"trend_tolerance" json:"trendTolerance"`
	Severity           SeverityThresholds `yaml:"severity" json:"severity"`
}

func DefaultConfig() Config {
	return Config{
		Quorum:             DefaultQuorum,
		WindowSize:         DefaultWindowSize,
		MinSamples:         DefaultMinSamples,
		MaxSeries:          DefaultMaxSeries,
		ZScoreK:            DefaultZScoreK,
		IQRFactor:          DefaultIQRFactor,
		MovingAvgThreshold: DefaultMovingAvgThreshold,
		SmoothingAlpha:     DefaultSmoothingAlpha,
		SmoothingThreshold: DefaultSmoothingThreshold,
		SpikeFactor:        DefaultSpikeFactor,
		TrendTolerance:     DefaultTrendTolerance,
		Severity:           SeverityThresholds{Medium: 0.4, High: 0.6, Critical: 0.85},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Quorum < 2 {
		c.Quorum = def.Quorum
	}
	if c.WindowSize <= 0 {
		c.WindowSize = def.WindowSize
	}
	if c.MinSamples <= 0 {
		c.MinSamples = def.MinSamples
	}
	if c.MaxSeries <= 0 {
		c.MaxSeries = def.MaxSeries
	}
	if c.ZScoreK <= 0 {
		c.ZScoreK = def.ZScoreK
	}
	if c.IQRFactor <= 0 {
		c.IQRFactor = def.IQRFactor
	}
	if c.MovingAvgThreshold <= 0 {
		c.MovingAvgThreshold = def.MovingAvgThreshold
	}
	if c.SmoothingAlpha <= 0 || c.SmoothingAlpha > 1 {
		c.SmoothingAlpha = def.SmoothingAlpha
	}
	if c.SmoothingThreshold <= 0 {
		c.SmoothingThreshold = def.SmoothingThreshold
	}
	if c.SpikeFactor <= 0 {
		c.SpikeFactor = def.SpikeFactor
	}
	if c.TrendTolerance <= 0 {
		c.TrendTolerance = def.TrendTolerance
	}
	if c.Severity.Medium <= 0 {
		c.Severity.Medium = def.Severity.Medium
	}
	if c.Severity.High <= 0 {
		c.Severity.High = def.Severity.High
	}
	if c.Severity.Critical <= 0 {
		c.Severity.Critical = def.Severity.Critical
	}
	return c
}

func (c Config) Validate() error {
	c = c.withDefaults()
	if !(c.Severity.Medium < c.Severity.High && c.Severity.High < c.Severity.Critical) {
		return fmt.Errorf("severity thresholds must be ascending: medium < high < critical")
	}
	if c.Severity.Critical > 1 {
		return fmt.Errorf("severity.critical must be <= 1")
	}
	if c.WindowSize < c.MinSamples {
		return fmt.Errorf("window_size must be >= min_samples")
	}
	return nil
}

type Event struct {
	Metric     string            `json:"metric"`
	TS         time.Time         `json:"ts"`
	Value      float64           `json:"value"`
	Tags       map[string]string `json:"tags,omitempty"`
	Detectors  []string          `json:"detectors"`
	Confidence float64           `json:"confidence"`
	Severity   alert.Severity    `json:"severity"`
}

type Ensemble struct {
	detectors []Detector
	quorum    int
	sev       SeverityThresholds
}

func NewEnsemble(cfg Config) *Ensemble {
	cfg = cfg.withDefaults()
	return NewEnsembleWith(cfg.Quorum, cfg.Severity,
		ZScoreDetector{K: cfg.ZScoreK, MinSamples: cfg.MinSamples},
		IQRDetector{Factor: cfg.IQRFactor, MinSamples: cfg.MinSamples},
		MovingAvgDetector{Threshold: cfg.MovingAvgThreshold, MinSamples: cfg.MinSamples},
		ExpSmoothingDetector{Alpha: cfg.SmoothingAlpha, Threshold: cfg.SmoothingThreshold, MinSamples: cfg.MinSamples},
		SpikeDetector{Factor: cfg.SpikeFactor, MinSamples: cfg.MinSamples},
		TrendDetector{Tolerance: cfg.TrendTolerance, MinSamples: cfg.MinSamples},
	)
}

func NewEnsembleWith(quorum int, sev SeverityThresholds, detectors ...Detector) *Ensemble {
	if quorum < 2 {
		quorum = 2
	}
	return &Ensemble{detectors: detectors, quorum: quorum, sev: sev}
}

// Evaluate votes all detectors over the window's newest sample. Confidence is
// the agreeing fraction scaled by the mean normalized score of the agreeing
// detectors, so a bare quorum with marginal scores stays low-severity.
func (e *Ensemble) Evaluate(metric string, window []Sample) *Event {
	if len(window) == 0 || len(e.detectors) == 0 {
		return nil
	}
	latest := window[len(window)-1]
	var agreeing []string
	scoreSum := 0.0
	for _, det := range e.detectors {
		flagged, score := det.Check(window)
		if !flagged {
			continue
		}
		agreeing = append(agreeing, det.Name())
		scoreSum += score
	}
	if len(agreeing) < e.quorum {
		return nil
	}
	confidence := float64(len(agreeing)) / float64(len(e.detectors)) * (scoreSum / float64(len(agreeing)))
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}
	return &Event{
		Metric:     metric,
		TS:         latest.TS,
		Value:      latest.Value,
		Tags:       latest.Tags,
		Detectors:  agreeing,
		Confidence: confidence,
		Severity:   e.sev.Severity(confidence),
	}
}
