package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"pulsewatch-backend/internal/detect"
	"pulsewatch-backend/internal/notify"
	"pulsewatch-backend/internal/oncall"
	"pulsewatch-backend/internal/rules"
)

const (
	DefaultPort              = 8080
	DefaultRequestTimeout    = 10.0
	DefaultShards            = 4
	DefaultQueueSize         = 256
	DefaultSnapshotTTL       = 5.0
	DefaultMaxRetries        = 3
	DefaultBackoffSeconds    = 1.0
	DefaultWebhookTimeout    = 10.0
	DefaultFinalGraceSeconds = 300.0
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Detection  detect.Config    `yaml:"detection"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Routing    RoutingConfig    `yaml:"routing"`
	Notify     NotifyConfig     `yaml:"notify"`
	Escalation EscalationConfig `yaml:"escalation"`

	// Seed data loaded into the store at boot.
	Schedules []oncall.Schedule `yaml:"schedules"`
	Policies  []oncall.Policy   `yaml:"policies"`
}

type ServerConfig struct {
	Port                  int     `yaml:"port"`
	RequestTimeoutSeconds float64 `yaml:"request_timeout_seconds"`
}

func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds * float64(time.Second))
}

type RoutingConfig struct {
	SnapshotTTLSeconds float64      `yaml:"snapshot_ttl_seconds"`
	DefaultChannels    []string     `yaml:"default_channels"`
	DefaultPolicyID    string       `yaml:"default_policy_id"`
	Rules              []rules.Rule `yaml:"rules"`
}

func (r RoutingConfig) SnapshotTTL() time.Duration {
	return time.Duration(r.SnapshotTTLSeconds * float64(time.Second))
}

type NotifyConfig struct {
	MaxRetries            int     `yaml:"max_retries"`
	BackoffSeconds        float64 `yaml:"backoff_seconds"`
	PoolWorkers           int     `yaml:"pool_workers"`
	PoolQueue             int     `yaml:"pool_queue"`
	WebhookTimeoutSeconds float64 `yaml:"webhook_timeout_seconds"`
}

func (n NotifyConfig) Backoff() time.Duration {
	return time.Duration(n.BackoffSeconds * float64(time.Second))
}

func (n NotifyConfig) WebhookTimeout() time.Duration {
	return time.Duration(n.WebhookTimeoutSeconds * float64(time.Second))
}

type EscalationConfig struct {
	FinalGraceSeconds float64 `yaml:"final_grace_seconds"`
}

func (e EscalationConfig) FinalGrace() time.Duration {
	return time.Duration(e.FinalGraceSeconds * float64(time.Second))
}

type IngestConfig struct {
	Shards    int `yaml:"shards"`
	QueueSize int `yaml:"queue_size"`
}

// Load reads the YAML config at path, fills defaults, and validates. An empty
// path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                  DefaultPort,
			RequestTimeoutSeconds: DefaultRequestTimeout,
		},
		Detection: detect.DefaultConfig(),
		Ingest: IngestConfig{
			Shards:    DefaultShards,
			QueueSize: DefaultQueueSize,
		},
		Routing: RoutingConfig{
			SnapshotTTLSeconds: DefaultSnapshotTTL,
			DefaultChannels:    []string{notify.ChannelInApp},
		},
		Notify: NotifyConfig{
			MaxRetries:            DefaultMaxRetries,
			BackoffSeconds:        DefaultBackoffSeconds,
			PoolWorkers:           notify.DefaultPoolWorkers,
			PoolQueue:             notify.DefaultPoolQueue,
			WebhookTimeoutSeconds: DefaultWebhookTimeout,
		},
		Escalation: EscalationConfig{
			FinalGraceSeconds: DefaultFinalGraceSeconds,
		},
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be positive")
	}
	if err := cfg.Detection.Validate(); err != nil {
		return fmt.Errorf("detection: %w", err)
	}
	if cfg.Ingest.Shards < 0 {
		return fmt.Errorf("ingest.shards must not be negative")
	}
	if cfg.Ingest.QueueSize < 0 {
		return fmt.Errorf("ingest.queue_size must not be negative")
	}
	for _, ch := range cfg.Routing.DefaultChannels {
		if !notify.KnownChannel(ch) {
			return fmt.Errorf("routing.default_channels: unknown channel %q", ch)
		}
	}
	if cfg.Notify.MaxRetries < 0 {
		return fmt.Errorf("notify.max_retries must not be negative")
	}
	if cfg.Notify.BackoffSeconds < 0 {
		return fmt.Errorf("notify.backoff_seconds must not be negative")
	}
	if cfg.Escalation.FinalGraceSeconds < 0 {
		return fmt.Errorf("escalation.final_grace_seconds must not be negative")
	}
	for i, s := range cfg.Schedules {
		if s.ID == "" {
			return fmt.Errorf("schedules[%d]: id is required", i)
		}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("schedules[%d] (%s): %w", i, s.ID, err)
		}
	}
	for i, p := range cfg.Policies {
		if p.ID == "" {
			return fmt.Errorf("policies[%d]: id is required", i)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("policies[%d] (%s): %w", i, p.ID, err)
		}
	}
	if cfg.Routing.DefaultPolicyID != "" && !hasPolicy(cfg.Policies, cfg.Routing.DefaultPolicyID) {
		return fmt.Errorf("routing.default_policy_id %q not defined in policies", cfg.Routing.DefaultPolicyID)
	}
	return nil
}

func hasPolicy(policies []oncall.Policy, id string) bool {
	for _, p := range policies {
		if p.ID == id {
			return true
		}
	}
	return false
}
