package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxtask/voxtask/internal/bus"
	"github.com/voxtask/voxtask/internal/config"
	"github.com/voxtask/voxtask/internal/httpapi"
	"github.com/voxtask/voxtask/internal/observability"
	"github.com/voxtask/voxtask/internal/session"
	"github.com/voxtask/voxtask/internal/tasks"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Runtime  *Runtime
	Metrics  *observability.Metrics
	Bus      bus.Bus
	Store    tasks.Store

	// Cleanup should be called on shutdown to release external resources
	// (broker connection, DB pool).
	Cleanup func() error
}

// Build wires the whole service: store and bus backends are picked from
// config, sessions expire through the runtime so an idle room also
// tears its upstream leg down.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, storeMode, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("task store init failed: %w", err)
	}

	roomBus, busMode, err := buildBus(ctx, cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("room bus init failed: %w", err)
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	runtime := NewRuntime(ctx, cfg, roomBus, metrics, logger)
	sessions.SetExpireHook(func(s *session.Session) {
		logger.Info("session expired by inactivity", "session_id", s.ID)
		metrics.SessionEvent("expired")
		metrics.SetActiveSessions(sessions.ActiveCount())
		go runtime.Stop(s.ID)
	})

	api := httpapi.New(cfg, sessions, runtime, roomBus, store, metrics, logger)
	logger.Info("service wired", "store", storeMode, "bus", busMode)

	cleanup := func() error {
		runtime.StopAll()
		if closer, ok := roomBus.(interface{ Close(context.Context) error }); ok {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = closer.Close(closeCtx)
		}
		return store.Close()
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Runtime:  runtime,
		Metrics:  metrics,
		Bus:      roomBus,
		Store:    store,
		Cleanup:  cleanup,
	}, nil
}

func buildStore(ctx context.Context, cfg config.Config) (tasks.Store, string, error) {
	if cfg.DatabaseURL != "" {
		store, err := tasks.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, "", err
		}
		return store, "postgres", nil
	}
	return tasks.NewMemoryStore(), "in-memory", nil
}

func buildBus(ctx context.Context, cfg config.Config, logger *slog.Logger) (bus.Bus, string, error) {
	if cfg.MQTTBrokerURL != "" {
		b, err := bus.NewMQTTBus(ctx, bus.MQTTConfig{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.AgentIdentityPrefix,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
		}, logger)
		if err != nil {
			return nil, "", err
		}
		return b, "mqtt", nil
	}
	return bus.NewMemoryBus(logger), "in-memory", nil
}
