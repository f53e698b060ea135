package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pulsewatch-backend/internal/oncall"
)

func TestWebhookNotifierSend(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %s", ct)
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(2 * time.Second)
	tgt := Target{
		Contact: oncall.Contact{ID: "alice"},
		Channel: ChannelWebhook,
		Address: srv.URL,
	}
	if err := n.Send(context.Background(), tgt, Message{AlertID: "a1", Metric: "cpu"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload["contactId"] != "alice" {
		t.Fatalf("expected contact id in payload got %v", payload)
	}
	al, ok := payload["alert"].(map[string]any)
	if !ok || al["alertId"] != "a1" {
		t.Fatalf("expected alert payload got %v", payload)
	}
}

func TestWebhookNotifierRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(2 * time.Second)
	tgt := Target{Contact: oncall.Contact{ID: "alice"}, Channel: ChannelWebhook, Address: srv.URL}
	err := n.Send(context.Background(), tgt, Message{AlertID: "a1"})
	if err == nil || !strings.Contains(err.Error(), "HTTP 502") {
		t.Fatalf("expected HTTP 502 error got %v", err)
	}
}

func TestGatewayNotifierSend(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}))
	defer srv.Close()

	n := NewGatewayNotifier(srv.URL, 2*time.Second)
	tgt := Target{
		Contact: oncall.Contact{ID: "alice"},
		Channel: ChannelSMS,
		Address: "+15550100",
	}
	if err := n.Send(context.Background(), tgt, Message{AlertID: "a1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload["channel"] != "sms" || payload["to"] != "+15550100" || payload["contactId"] != "alice" {
		t.Fatalf("unexpected payload %v", payload)
	}
}
