package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pulsewatch-backend/internal/api"
	"pulsewatch-backend/internal/bus"
	"pulsewatch-backend/internal/config"
	"pulsewatch-backend/internal/detect"
	"pulsewatch-backend/internal/escalate"
	"pulsewatch-backend/internal/lifecycle"
	"pulsewatch-backend/internal/metrics"
	"pulsewatch-backend/internal/notify"
	"pulsewatch-backend/internal/oncall"
	"pulsewatch-backend/internal/rules"
	"pulsewatch-backend/internal/store"
	"pulsewatch-backend/internal/store/postgres"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	configPath := getenv("CONFIG_PATH", "")
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	port := getenv("PORT", strconv.Itoa(cfg.Server.Port))
	dsn := getenv("DATABASE_URL", "")
	natsURL := getenv("NATS_URL", "")

	ctx := context.Background()

	var st store.Store
	if dsn != "" {
		pg, err := postgres.New(ctx, dsn)
		if err != nil {
			logger.Error("failed to connect to db", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Error("failed to ensure schema", slog.String("error", err.Error()))
			os.Exit(1)
		}
		st = pg
	} else {
		logger.Warn("DATABASE_URL not set, alerts are kept in memory")
		st = store.NewMemory()
	}

	var publisher *bus.Publisher
	if natsURL != "" {
		publisher, err = bus.NewPublisher(natsURL)
		if err != nil {
			logger.Error("failed to connect to nats", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer publisher.Close()
	}

	if err := seed(ctx, st, cfg, logger); err != nil {
		logger.Error("failed to seed store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	source := rules.NewSource(st.ListRules, cfg.Routing.SnapshotTTL())
	defer source.Stop()
	matcher := rules.NewMatcher(rules.Rule{
		ID:     "fallback",
		Name:   "default route",
		Status: rules.StatusActive,
		Actions: rules.Actions{
			Channels: cfg.Routing.DefaultChannels,
			PolicyID: cfg.Routing.DefaultPolicyID,
		},
	})

	notifiers := notify.NewRegistry()
	notifiers.Register(notify.ChannelWebhook, notify.NewWebhookNotifier(cfg.Notify.WebhookTimeout()))
	notifiers.Register(notify.ChannelInApp, notify.NewInAppNotifier(publisher))
	if url := getenv("EMAIL_GATEWAY_URL", ""); url != "" {
		notifiers.Register(notify.ChannelEmail, notify.NewGatewayNotifier(url, cfg.Notify.WebhookTimeout()))
	}
	if url := getenv("SMS_GATEWAY_URL", ""); url != "" {
		notifiers.Register(notify.ChannelSMS, notify.NewGatewayNotifier(url, cfg.Notify.WebhookTimeout()))
	}

	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		MaxRetries:  cfg.Notify.MaxRetries,
		Backoff:     cfg.Notify.Backoff(),
		PoolWorkers: cfg.Notify.PoolWorkers,
		PoolQueue:   cfg.Notify.PoolQueue,
	}, notifiers, st, logger, m)
	defer dispatcher.Stop()

	engine := escalate.NewEngine(st, dispatcher, publisher, logger, m)
	engine.SetFinalGrace(cfg.Escalation.FinalGrace())
	defer engine.Stop()

	manager := &lifecycle.Manager{
		Store:         st,
		Rules:         source,
		Matcher:       matcher,
		Engine:        engine,
		Bus:           publisher,
		Logger:        logger,
		Metrics:       m,
		DefaultPolicy: defaultPolicy(cfg),
	}

	ingestor := detect.NewIngestor(cfg.Detection, cfg.Ingest.Shards, cfg.Ingest.QueueSize, func(ev detect.Event) {
		evCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		manager.HandleEvent(evCtx, ev)
	}, logger, m)
	defer ingestor.Stop()

	if configPath != "" {
		watchCtx, cancelWatch := context.WithCancel(ctx)
		defer cancelWatch()
		go func() {
			if err := config.Watch(watchCtx, configPath, logger, func(c *config.Config) {
				ingestor.SetConfig(c.Detection)
			}); err != nil {
				logger.Error("config watch stopped", slog.String("error", err.Error()))
			}
		}()
	}

	handler := &api.Handler{
		Store:   st,
		Manager: manager,
		Ingest:  ingestor,
		Rules:   source,
		Bus:     publisher,
		Logger:  logger,
		Timeout: cfg.Server.RequestTimeout(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout()))

	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	logger.Info("pulsewatch listening", slog.String("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", slog.String("error", err.Error()))
	}
}

// seed loads schedules, policies and routing rules declared in the config
// file into the store. Existing rows win so restarts never clobber edits made
// through the API.
func seed(ctx context.Context, st store.Store, cfg *config.Config, logger *slog.Logger) error {
	for i := range cfg.Schedules {
		sc := cfg.Schedules[i]
		if _, err := st.GetSchedule(ctx, sc.ID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := st.CreateSchedule(ctx, &sc); err != nil {
			return err
		}
		logger.Info("seeded schedule", slog.String("id", sc.ID))
	}
	for i := range cfg.Policies {
		p := cfg.Policies[i]
		if _, err := st.GetPolicy(ctx, p.ID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := st.CreatePolicy(ctx, &p); err != nil {
			return err
		}
		logger.Info("seeded policy", slog.String("id", p.ID))
	}
	for i := range cfg.Routing.Rules {
		rule := cfg.Routing.Rules[i]
		if rule.ID == "" {
			logger.Warn("skipping seed rule without id", slog.String("name", rule.Name))
			continue
		}
		if _, err := st.GetRule(ctx, rule.ID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		rule.Status = rules.StatusActive
		if err := st.CreateRule(ctx, &rule); err != nil {
			return err
		}
		logger.Info("seeded routing rule", slog.String("id", rule.ID))
	}
	return nil
}

func defaultPolicy(cfg *config.Config) oncall.Policy {
	for _, p := range cfg.Policies {
		if p.ID == cfg.Routing.DefaultPolicyID {
			return p
		}
	}
	return oncall.Policy{}
}

func getenv(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
