// Package server provides the public entry point for initializing the
// LoopStacks control plane.
//
// This package exists in pkg/ (not internal/) so that embedders can
// compose the full control plane and mount it behind their own listener:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/loopstacks/control-plane/internal/api"
	"github.com/loopstacks/control-plane/internal/api/handlers"
	"github.com/loopstacks/control-plane/internal/cluster"
	"github.com/loopstacks/control-plane/internal/config"
	"github.com/loopstacks/control-plane/internal/coordinator"
	"github.com/loopstacks/control-plane/internal/fanout"
	"github.com/loopstacks/control-plane/internal/heartbeat"
	"github.com/loopstacks/control-plane/internal/store"
	"github.com/loopstacks/control-plane/internal/telemetry"
	"github.com/loopstacks/control-plane/pkg/models"
)

// Server holds the initialized control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the execution state store (Redis-backed when REDIS_URL is
	// set, in-memory otherwise).
	Store store.Store

	// Directory is the declarative resource catalog.
	Directory cluster.Directory

	// Coordinator drives distributed loop executions.
	Coordinator *coordinator.Coordinator

	// Hub fans execution events out to WebSocket clients.
	Hub *fanout.Hub

	// Port is the port the server should listen on.
	Port int

	monitor *heartbeat.Monitor

	// shutdownTelemetry flushes telemetry on graceful shutdown.
	shutdownTelemetry func(context.Context) error
}

// New initializes all control plane components from the environment.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the control plane with an explicit
// configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	directory := cluster.NewMemoryDirectory()
	seedDefaultRealm(ctx, directory)
	if cfg.Loopstacks.DefinitionsDir != "" {
		if err := cluster.LoadLoopStackDir(ctx, directory, cfg.Loopstacks.DefinitionsDir); err != nil {
			return nil, fmt.Errorf("seed loopstacks: %w", err)
		}
	}

	coord := coordinator.New(dataStore, directory, coordinator.Config{
		BiddingWindow:   cfg.Coordinator.BiddingWindow,
		ExecutionWindow: cfg.Coordinator.ExecutionWindow,
	})

	hub := fanout.NewHub(dataStore)

	monitor := heartbeat.NewMonitor(dataStore, cfg.Heartbeat.PollInterval)
	monitor.OnJoin = func(agent models.AgentRecord) {
		hub.BroadcastSystemEvent("agent_joined", agent)
	}
	monitor.OnLeave = func(agentID string) {
		hub.BroadcastSystemEvent("agent_left", map[string]string{"agentId": agentID})
	}
	monitor.Start(ctx)

	h := handlers.New(dataStore, directory, coord)
	router := api.NewRouter(cfg, h, hub)

	return &Server{
		Handler:           router,
		Store:             dataStore,
		Directory:         directory,
		Coordinator:       coord,
		Hub:               hub,
		Port:              cfg.Port,
		monitor:           monitor,
		shutdownTelemetry: shutdown,
	}, nil
}

// Shutdown drains in-flight executions and releases resources.
func (s *Server) Shutdown(ctx context.Context) {
	s.monitor.Stop()
	s.Hub.Close()
	s.Coordinator.Drain()
	if err := s.shutdownTelemetry(ctx); err != nil {
		log.Warn().Err(err).Msg("telemetry shutdown failed")
	}
	if err := s.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("store close failed")
	}
}

// newStore connects to Redis when configured, falling back to the
// in-memory store so a bare `go run` still works.
func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Redis.URL == "" {
		log.Info().Msg("✅ In-memory store initialized")
		return store.NewMemoryStore(), nil
	}
	s, err := store.NewRedisStore(ctx, cfg.Redis.URL)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, falling back to in-memory store")
		return store.NewMemoryStore(), nil
	}
	log.Info().Msg("✅ Redis store initialized")
	return s, nil
}

func seedDefaultRealm(ctx context.Context, d cluster.Directory) {
	_, err := d.Get(ctx, models.KindRealm, cluster.DefaultNamespace, models.DefaultRealm)
	if err == nil {
		return
	}
	realm := &models.Resource{
		Kind: models.KindRealm,
		Metadata: models.ResourceMeta{
			Name:      models.DefaultRealm,
			Namespace: cluster.DefaultNamespace,
		},
		Spec: map[string]any{"description": "The default routing domain"},
	}
	if err := d.Create(ctx, realm); err != nil {
		log.Warn().Err(err).Msg("Failed to seed default realm")
	} else {
		log.Info().Msg("✅ Default realm seeded")
	}
}
