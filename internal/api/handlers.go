package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"pulsewatch-backend/internal/alert"
	"pulsewatch-backend/internal/bus"
	"pulsewatch-backend/internal/lifecycle"
	"pulsewatch-backend/internal/notify"
	"pulsewatch-backend/internal/oncall"
	"pulsewatch-backend/internal/rules"
	"pulsewatch-backend/internal/store"
)

type Manager interface {
	Trigger(ctx context.Context, req lifecycle.TriggerRequest) (alert.Alert, error)
	Acknowledge(ctx context.Context, id, actor string) (alert.Alert, error)
	Resolve(ctx context.Context, id, actor, notes string) (alert.Alert, error)
	Close(ctx context.Context, id, actor string) (alert.Alert, error)
}

type Handler struct {
	Store   store.Store
	Manager Manager
	Ingest  Ingestor
	Rules   *rules.Source
	Bus     *bus.Publisher
	Logger  *slog.Logger
	Timeout time.Duration
}

type errorResponse struct {
	Ok      bool                `json:"ok"`
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details []rules.ErrorDetail `json:"details,omitempty"`
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/samples", h.handleSamples)
		r.Post("/samples/prometheus", h.handleSamplesPrometheus)
		r.Route("/rules", func(r chi.Router) {
			r.Post("/", h.handleRuleCreate)
			r.Get("/", h.handleRuleList)
			r.Get("/{id}", h.handleRuleGet)
			r.Put("/{id}", h.handleRuleUpdate)
			r.Delete("/{id}", h.handleRuleDelete)
		})
		r.Route("/alerts", func(r chi.Router) {
			r.Post("/", h.handleAlertTrigger)
			r.Get("/", h.handleAlertList)
			r.Get("/{id}", h.handleAlertGet)
			r.Post("/{id}/ack", h.handleAlertAck)
			r.Post("/{id}/resolve", h.handleAlertResolve)
			r.Post("/{id}/close", h.handleAlertClose)
		})
		r.Get("/oncall/{scheduleID}", h.handleOnCall)
		r.Route("/schedules", func(r chi.Router) {
			r.Post("/", h.handleScheduleCreate)
			r.Get("/", h.handleScheduleList)
			r.Get("/{id}", h.handleScheduleGet)
		})
		r.Route("/policies", func(r chi.Router) {
			r.Post("/", h.handlePolicyCreate)
			r.Get("/", h.handlePolicyList)
			r.Get("/{id}", h.handlePolicyGet)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type actorRequest struct {
	Actor string `json:"actor"`
	Notes string `json:"notes"`
}

type triggerRequest struct {
	Metric   string            `json:"metric"`
	Severity string            `json:"severity"`
	Tags     map[string]string `json:"tags"`
	Message  string            `json:"message"`
}

func (h *Handler) handleAlertTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if req.Metric == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "metric is required")
		return
	}
	sev := alert.Severity(req.Severity)
	if !sev.Valid() {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "severity must be one of low, medium, high, critical")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	a, err := h.Manager.Trigger(ctx, lifecycle.TriggerRequest{
		Metric:   req.Metric,
		Severity: sev,
		Tags:     req.Tags,
		Message:  req.Message,
	})
	if errors.Is(err, lifecycle.ErrSuppressed) {
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "suppressed": true})
		return
	}
	if err != nil {
		h.Logger.Error("trigger alert", "metric", req.Metric, "err", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to open alert")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "alert": a})
}

func (h *Handler) handleAlertList(w http.ResponseWriter, r *http.Request) {
	f := store.AlertFilter{
		Status:   alert.Status(r.URL.Query().Get("status")),
		Severity: alert.Severity(r.URL.Query().Get("severity")),
		Metric:   r.URL.Query().Get("metric"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	list, err := h.Store.ListAlerts(ctx, f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to list alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
}

func (h *Handler) handleAlertGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	a, err := h.Store.GetAlert(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "alert not found")
		return
	}
	attempts, err := h.Store.ListAttempts(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to load notification history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alert": a, "attempts": attempts})
}

func (h *Handler) handleAlertAck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, ok := h.decodeActor(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	a, err := h.Manager.Acknowledge(ctx, id, req.Actor)
	if err != nil {
		writeTransitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "alert": a})
}

func (h *Handler) handleAlertResolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, ok := h.decodeActor(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	a, err := h.Manager.Resolve(ctx, id, req.Actor, req.Notes)
	if err != nil {
		writeTransitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "alert": a})
}

func (h *Handler) handleAlertClose(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, ok := h.decodeActor(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	a, err := h.Manager.Close(ctx, id, req.Actor)
	if err != nil {
		writeTransitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "alert": a})
}

func (h *Handler) decodeActor(w http.ResponseWriter, r *http.Request) (actorRequest, bool) {
	var req actorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return req, false
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "actor is required")
		return req, false
	}
	return req, true
}

func (h *Handler) handleRuleCreate(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	if perr := rules.ValidateRule(rule, h.knownPolicy(ctx), notify.KnownChannel); perr != nil {
		writeRuleError(w, perr)
		return
	}
	rule.Status = rules.StatusActive
	if err := h.Store.CreateRule(ctx, &rule); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to persist rule")
		return
	}
	h.Rules.Invalidate()
	_ = h.Bus.Publish(bus.SubjectRuleCreated, map[string]any{"rule_id": rule.ID})
	writeJSON(w, http.StatusOK, map[string]any{"rule_id": rule.ID, "rule": rule})
}

func (h *Handler) handleRuleList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	list, err := h.Store.ListRules(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to list rules")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": list, "count": len(list)})
}

func (h *Handler) handleRuleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	rule, err := h.Store.GetRule(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "rule not found")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *Handler) handleRuleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var rule rules.Rule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	rule.ID = id
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	if perr := rules.ValidateRule(rule, h.knownPolicy(ctx), notify.KnownChannel); perr != nil {
		writeRuleError(w, perr)
		return
	}
	// a successful update revalidates, so a previously flagged rule is active again
	rule.Status = rules.StatusActive
	rule.LastError = ""
	if err := h.Store.UpdateRule(ctx, rule); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "rule not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to update rule")
		return
	}
	h.Rules.Invalidate()
	_ = h.Bus.Publish(bus.SubjectRuleUpdated, map[string]any{"rule_id": id})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "rule": rule})
}

func (h *Handler) handleRuleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	if err := h.Store.DeleteRule(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "rule not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to delete rule")
		return
	}
	h.Rules.Invalidate()
	_ = h.Bus.Publish(bus.SubjectRuleDeleted, map[string]any{"rule_id": id})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleOnCall(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "scheduleID")
	at := time.Now().UTC()
	if v := r.URL.Query().Get("at"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "at must be RFC3339")
			return
		}
		at = t
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	sched, err := h.Store.GetSchedule(ctx, scheduleID)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "schedule not found")
		return
	}
	c, err := oncall.Resolve(sched, at)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scheduleId": scheduleID, "at": at, "onCall": c})
}

func (h *Handler) handleScheduleCreate(w http.ResponseWriter, r *http.Request) {
	var s oncall.Schedule
	if err := decodeJSON(r, &s); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if err := s.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	if err := h.Store.CreateSchedule(ctx, &s); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to persist schedule")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule_id": s.ID, "schedule": s})
}

func (h *Handler) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	list, err := h.Store.ListSchedules(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to list schedules")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": list, "count": len(list)})
}

func (h *Handler) handleScheduleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	s, err := h.Store.GetSchedule(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "schedule not found")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) handlePolicyCreate(w http.ResponseWriter, r *http.Request) {
	var p oncall.Policy
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if err := p.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	for i, l := range p.Levels {
		if l.ScheduleID == "" {
			continue
		}
		if _, err := h.Store.GetSchedule(ctx, l.ScheduleID); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR",
				"levels["+strconv.Itoa(i)+"]: schedule "+l.ScheduleID+" not found")
			return
		}
	}
	if err := h.Store.CreatePolicy(ctx, &p); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to persist policy")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policy_id": p.ID, "policy": p})
}

func (h *Handler) handlePolicyList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	list, err := h.Store.ListPolicies(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to list policies")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": list, "count": len(list)})
}

func (h *Handler) handlePolicyGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	p, err := h.Store.GetPolicy(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "policy not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) knownPolicy(ctx context.Context) func(string) bool {
	return func(id string) bool {
		_, err := h.Store.GetPolicy(ctx, id)
		return err == nil
	}
}

func writeTransitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "alert not found")
	case errors.Is(err, alert.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, "ALREADY_TERMINAL", err.Error())
	case errors.Is(err, alert.ErrInvalidState):
		writeError(w, http.StatusConflict, "INVALID_STATE", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", "transition failed")
	}
}

func writeRuleError(w http.ResponseWriter, parseErr *rules.ParseError) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Ok:      false,
		Code:    parseErr.Code,
		Message: parseErr.Message,
		Details: parseErr.Details,
	})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Ok: false, Code: code, Message: message})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
