// Package server provides the public entry point for initializing the
// OpSleuth investigation server.
//
// This package exists in pkg/ (not internal/) so that embedders can
// compose the server with their own providers before starting it.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/opsleuth/opsleuth/internal/api"
	"github.com/opsleuth/opsleuth/internal/api/handlers"
	"github.com/opsleuth/opsleuth/internal/config"
	"github.com/opsleuth/opsleuth/internal/coordinator"
	"github.com/opsleuth/opsleuth/internal/events"
	"github.com/opsleuth/opsleuth/internal/memory"
	"github.com/opsleuth/opsleuth/internal/orchestrator"
	"github.com/opsleuth/opsleuth/internal/planner"
	"github.com/opsleuth/opsleuth/internal/providers"
	"github.com/opsleuth/opsleuth/internal/reflection"
	"github.com/opsleuth/opsleuth/internal/registry"
	"github.com/opsleuth/opsleuth/internal/store"
	"github.com/opsleuth/opsleuth/internal/telemetry"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized OpSleuth service.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Registry is exposed so embedders can register extra providers
	// before serving.
	Registry *registry.Registry

	// Store backs the tiered memory; Close flushes its snapshot.
	Store store.Store

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error

	consolidator *memory.Consolidator
}

// New initializes all components and returns a ready Server. The ctx
// bounds background work (memory consolidation); cancel it to stop.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the service with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore := store.NewMemoryStore()
	log.Info().Msg("✅ In-memory store initialized")

	reg := registry.New()
	providers.RegisterBuiltins(reg)
	log.Info().Int("capabilities", len(reg.Capabilities())).Msg("✅ Capability registry initialized")

	mem := memory.NewManager(dataStore, memory.Config{
		ReferencePeriod: cfg.Memory.ReferencePeriod,
	})
	consolidator := memory.NewConsolidator(mem, cfg.Memory.ConsolidateInterval)
	go consolidator.Start(ctx)
	log.Info().
		Dur("interval", cfg.Memory.ConsolidateInterval).
		Msg("✅ Memory manager initialized, consolidation running")

	pl := planner.New(reg)
	coord := coordinator.New(reg, coordinator.Config{
		MaxParallel:   cfg.Orchestrator.MaxParallel,
		StepTimeout:   cfg.Orchestrator.StepTimeout,
		MaxRetries:    cfg.Orchestrator.MaxRetries,
		RetryInterval: cfg.Orchestrator.RetryInterval,
	})
	engine := reflection.NewEngine(reflection.Config{
		Threshold: cfg.Orchestrator.QualityThreshold,
	})
	hub := events.NewHub()
	orch := orchestrator.New(pl, coord, engine, mem, reg, hub, orchestrator.Config{
		MaxReflectionLoops: cfg.Orchestrator.MaxReflectionLoops,
		ResultCap:          cfg.Orchestrator.ResultCap,
	})
	log.Info().Msg("✅ Orchestrator initialized")

	h := handlers.New(orch, mem, reg)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:      router,
		Registry:     reg,
		Store:        dataStore,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
		consolidator: consolidator,
	}, nil
}
