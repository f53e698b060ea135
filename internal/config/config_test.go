package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pulsewatch-backend/internal/notify"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != DefaultPort {
		t.Fatalf("expected default port got %d", cfg.Server.Port)
	}
	if cfg.Detection.Quorum != 2 {
		t.Fatalf("expected quorum 2 got %d", cfg.Detection.Quorum)
	}
	if len(cfg.Routing.DefaultChannels) != 1 || cfg.Routing.DefaultChannels[0] != notify.ChannelInApp {
		t.Fatalf("unexpected default channels %v", cfg.Routing.DefaultChannels)
	}
	if cfg.Notify.MaxRetries != DefaultMaxRetries {
		t.Fatalf("expected %d retries got %d", DefaultMaxRetries, cfg.Notify.MaxRetries)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  request_timeout_seconds: 2.5
detection:
  quorum: 3
  zscore_k: 2.5
ingest:
  shards: 8
  queue_size: 512
routing:
  snapshot_ttl_seconds: 1
  default_channels: [inapp, webhook]
  default_policy_id: standard
notify:
  max_retries: 5
  backoff_seconds: 0.5
escalation:
  final_grace_seconds: 60
schedules:
  - id: primary
    rotation_start: 2026-01-05T09:00:00Z
    period_seconds: 604800
    contacts:
      - id: alice
        channels:
          inapp: alice
policies:
  - id: standard
    levels:
      - timeout_seconds: 0
        contacts:
          - id: ops
            channels:
              inapp: ops
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090 got %d", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout() != 2500*time.Millisecond {
		t.Fatalf("unexpected timeout %s", cfg.Server.RequestTimeout())
	}
	if cfg.Detection.Quorum != 3 || cfg.Detection.ZScoreK != 2.5 {
		t.Fatalf("unexpected detection config %+v", cfg.Detection)
	}
	// keys the file does not mention keep their defaults
	if cfg.Detection.IQRFactor != 1.5 {
		t.Fatalf("expected default iqr factor got %g", cfg.Detection.IQRFactor)
	}
	if cfg.Ingest.Shards != 8 || cfg.Ingest.QueueSize != 512 {
		t.Fatalf("unexpected ingest config %+v", cfg.Ingest)
	}
	if cfg.Routing.SnapshotTTL() != time.Second {
		t.Fatalf("unexpected snapshot ttl %s", cfg.Routing.SnapshotTTL())
	}
	if cfg.Notify.MaxRetries != 5 || cfg.Notify.Backoff() != 500*time.Millisecond {
		t.Fatalf("unexpected notify config %+v", cfg.Notify)
	}
	if cfg.Escalation.FinalGrace() != time.Minute {
		t.Fatalf("unexpected final grace %s", cfg.Escalation.FinalGrace())
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].ID != "primary" {
		t.Fatalf("unexpected schedules %+v", cfg.Schedules)
	}
	want := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	if !cfg.Schedules[0].RotationStart.Equal(want) {
		t.Fatalf("unexpected rotation start %s", cfg.Schedules[0].RotationStart)
	}
	if len(cfg.Policies) != 1 || len(cfg.Policies[0].Levels) != 1 {
		t.Fatalf("unexpected policies %+v", cfg.Policies)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [broken\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			"port out of range",
			"server:\n  port: 70000\n",
			"server.port",
		},
		{
			"unknown default channel",
			"routing:\n  default_channels: [pager]\n",
			"unknown channel",
		},
		{
			"default policy undefined",
			"routing:\n  default_policy_id: ghost\n",
			"not defined",
		},
		{
			"severity thresholds not ascending",
			"detection:\n  severity:\n    medium: 0.9\n    high: 0.6\n    critical: 0.85\n",
			"ascending",
		},
		{
			"schedule without contacts",
			"schedules:\n  - id: primary\n    rotation_start: 2026-01-05T09:00:00Z\n    period_seconds: 604800\n",
			"contact",
		},
		{
			"negative retries",
			"notify:\n  max_retries: -1\n",
			"max_retries",
		},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.yaml)
		_, err := Load(path)
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

func TestDurationHelpers(t *testing.T) {
	if d := (ServerConfig{RequestTimeoutSeconds: 2.5}).RequestTimeout(); d != 2500*time.Millisecond {
		t.Fatalf("unexpected request timeout %s", d)
	}
	if d := (RoutingConfig{SnapshotTTLSeconds: 5}).SnapshotTTL(); d != 5*time.Second {
		t.Fatalf("unexpected snapshot ttl %s", d)
	}
	if d := (NotifyConfig{BackoffSeconds: 0.25}).Backoff(); d != 250*time.Millisecond {
		t.Fatalf("unexpected backoff %s", d)
	}
	if d := (NotifyConfig{WebhookTimeoutSeconds: 10}).WebhookTimeout(); d != 10*time.Second {
		t.Fatalf("unexpected webhook timeout %s", d)
	}
	if d := (EscalationConfig{FinalGraceSeconds: 300}).FinalGrace(); d != 5*time.Minute {
		t.Fatalf("unexpected final grace %s", d)
	}
}
