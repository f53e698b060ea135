package detect

import (
	"math"
	"time"
)

type Sample struct {
	Metric string            `json:"metric"`
	TS     time.Time         `json:"ts"`
	Value  float64           `json:"value"`
	Tags   map[string]string `json:"tags,omitempty"`
}

// Detector votes on the newest sample of a window. The score is normalized to
// [0,1]: an exceedance ratio of exactly the flag threshold scores 0.5, twice
// the threshold or worse saturates at 1.
type Detector interface {
	Name() string
	Check(window []Sample) (bool, float64)
}

func normalizeScore(ratio float64) float64 {
	if ratio <= 0 || math.IsNaN(ratio) {
		return 0
	}
	if math.IsInf(ratio, 1) || ratio >= 2 {
		return 1
	}
	return ratio / 2
}

func values(window []Sample) []float64 {
	vals := make([]float64, len(window))
	for i, s := range window {
		vals[i] = s.Value
	}
	return vals
}

type ZScoreDetector struct {
	K          float64
	MinSamples int
}

func (d ZScoreDetector) Name() string { return "zscore" }

func (d ZScoreDetector) Check(window []Sample) (bool, float64) {
	if len(window) < d.MinSamples || d.K <= 0 {
		return false, 0
	}
	vals := values(window)
	latest := vals[len(vals)-1]
	mean := Mean(vals)
	sd := StdDev(vals, false)
	dist := math.Abs(latest - mean)
	if sd == 0 {
		if dist <= defaultEpsilon {
			return false, 0
		}
		return true, 1
	}
	ratio := dist / (d.K * sd)
	return ratio > 1, normalizeScore(ratio)
}

type IQRDetector struct {
	Factor     float64
	MinSamples int
}

func (d IQRDetector) Name() string { return "iqr" }

func (d IQRDetector) Check(window []Sample) (bool, float64) {
	if len(window) < d.MinSamples || d.Factor <= 0 {
		return false, 0
	}
	vals := values(window)
	latest := vals[len(vals)-1]
	q1 := Quantile(vals, 0.25)
	q3 := Quantile(vals, 0.75)
	iqr := q3 - q1
	if iqr == 0 {
		if math.Abs(latest-q1) <= defaultEpsilon {
			return false, 0
		}
		return true, 1
	}
	dist := 0.0
	if latest < q1 {
		dist = q1 - latest
	} else if latest > q3 {
		dist = latest - q3
	}
	ratio := dist / (d.Factor * iqr)
	return ratio > 1, normalizeScore(ratio)
}

type MovingAvgDetector struct {
	Threshold  float64
	MinSamples int
}

func (d MovingAvgDetector) Name() string { return "moving_avg" }

func (d MovingAvgDetector) Check(window []Sample) (bool, float64) {
	if len(window) < d.MinSamples || d.Threshold <= 0 {
		return false, 0
	}
	vals := values(window)
	latest := vals[len(vals)-1]
	ma := Mean(vals[:len(vals)-1])
	ratio := relativeDeviation(latest, ma) / d.Threshold
	return ratio > 1, normalizeScore(ratio)
}

type ExpSmoothingDetector struct {
	Alpha      float64
	Threshold  float64
	MinSamples int
}

func (d ExpSmoothingDetector) Name() string { return "exp_smooth" }

func (d ExpSmoothingDetector) Check(window []Sample) (bool, float64) {
	if len(window) < d.MinSamples || d.Threshold <= 0 || d.Alpha <= 0 || d.Alpha > 1 {
		return false, 0
	}
	vals := values(window)
	latest := vals[len(vals)-1]
	prior := vals[:len(vals)-1]
	smoothed := prior[0]
	for _, v := range prior[1:] {
		smoothed = d.Alpha*v + (1-d.Alpha)*smoothed
	}
	ratio := relativeDeviation(latest, smoothed) / d.Threshold
	return ratio > 1, normalizeScore(ratio)
}

type SpikeDetector struct {
	Factor     float64
	MinSamples int
}

func (d SpikeDetector) Name() string { return "spike" }

func (d SpikeDetector) Check(window []Sample) (bool, float64) {
	if len(window) < d.MinSamples || len(window) < 3 || d.Factor <= 0 {
		return false, 0
	}
	deltas := Deltas(values(window))
	latest := deltas[len(deltas)-1]
	typical := Median(deltas[:len(deltas)-1])
	if typical == 0 {
		if latest <= defaultEpsilon {
			return false, 0
		}
		return true, 1
	}
	ratio := latest / (d.Factor * typical)
	return ratio > 1, normalizeScore(ratio)
}

type TrendDetector struct {
	Tolerance  float64
	MinSamples int
}

func (d TrendDetector) Name() string { return "trend" }

func (d TrendDetector) Check(window []Sample) (bool, float64) {
	if len(window) < d.MinSamples || len(window) < 4 || d.Tolerance <= 0 {
		return false, 0
	}
	vals := values(window)
	latest := vals[len(vals)-1]
	prior := vals[:len(vals)-1]
	xs := make([]float64, len(prior))
	for i := range xs {
		xs[i] = float64(i)
	}
	slope, intercept, _, ok := LinearRegression(xs, prior)
	if !ok {
		return false, 0
	}
	predicted := slope*float64(len(prior)) + intercept
	residuals := make([]float64, len(prior))
	for i, v := range prior {
		residuals[i] = v - (slope*xs[i] + intercept)
	}
	sd := StdDev(residuals, true)
	dist := math.Abs(latest - predicted)
	if sd == 0 {
		if dist <= defaultEpsilon {
			return false, 0
		}
		return true, 1
	}
	ratio := dist / (d.Tolerance * sd)
	return ratio > 1, normalizeScore(ratio)
}

func relativeDeviation(value, baseline float64) float64 {
	denom := math.Abs(baseline)
	if denom < defaultEpsilon {
		denom = defaultEpsilon
	}
	return math.Abs(value-baseline) / denom
}
