package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"pulsewatch-backend/internal/detect"
)

const maxIngestBody = 4 << 20

type Ingestor interface {
	Ingest(s detect.Sample) error
}

type sampleRequest struct {
	Metric string            `json:"metric"`
	TS     *time.Time        `json:"ts"`
	Value  float64           `json:"value"`
	Tags   map[string]string `json:"tags"`
}

// handleSamples accepts one sample or an array. Samples without a timestamp
// are stamped with arrival time. The response never waits on evaluation.
func (h *Handler) handleSamples(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "read body: "+err.Error())
		return
	}
	data = bytes.TrimSpace(data)
	var reqs []sampleRequest
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &reqs); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
	} else {
		var one sampleRequest
		if err := json.Unmarshal(data, &one); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		reqs = []sampleRequest{one}
	}

	now := time.Now().UTC()
	accepted := 0
	var firstErr error
	for _, req := range reqs {
		ts := now
		if req.TS != nil {
			ts = *req.TS
		}
		s := detect.Sample{Metric: req.Metric, TS: ts, Value: req.Value, Tags: req.Tags}
		if err := h.Ingest.Ingest(s); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		accepted++
	}
	if accepted == 0 && firstErr != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", firstErr.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "accepted": accepted, "received": len(reqs)})
}

// handleSamplesPrometheus ingests the Prometheus text exposition format, one
// sample per series. Labels become routing tags.
func (h *Handler) handleSamplesPrometheus(w http.ResponseWriter, r *http.Request) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "parse prometheus text: "+err.Error())
		return
	}
	now := time.Now().UTC()
	accepted := 0
	for name, mf := range families {
		for _, m := range mf.GetMetric() {
			v, ok := sampleValue(mf.GetType(), m)
			if !ok {
				continue
			}
			tags := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				tags[lp.GetName()] = lp.GetValue()
			}
			ts := now
			if m.GetTimestampMs() > 0 {
				ts = time.UnixMilli(m.GetTimestampMs()).UTC()
			}
			if err := h.Ingest.Ingest(detect.Sample{Metric: name, TS: ts, Value: v, Tags: tags}); err == nil {
				accepted++
			}
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "accepted": accepted})
}

func sampleValue(t dto.MetricType, m *dto.Metric) (float64, bool) {
	switch t {
	case dto.MetricType_COUNTER:
		if m.GetCounter() != nil {
			return m.GetCounter().GetValue(), true
		}
	case dto.MetricType_GAUGE:
		if m.GetGauge() != nil {
			return m.GetGauge().GetValue(), true
		}
	case dto.MetricType_UNTYPED:
		if m.GetUntyped() != nil {
			return m.GetUntyped().GetValue(), true
		}
	case dto.MetricType_SUMMARY:
		if m.GetSummary() != nil {
			return m.GetSummary().GetSampleSum(), true
		}
	case dto.MetricType_HISTOGRAM:
		if m.GetHistogram() != nil {
			return m.GetHistogram().GetSampleSum(), true
		}
	}
	return 0, false
}
