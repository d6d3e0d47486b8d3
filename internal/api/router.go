package api

import (
	"encoding/json"
	"net/http"

	"github.com/opsleuth/opsleuth/internal/api/handlers"
	"github.com/opsleuth/opsleuth/internal/api/middleware"
	"github.com/opsleuth/opsleuth/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Investigations
		r.Route("/investigations", func(r chi.Router) {
			r.Post("/", h.SubmitInvestigation)
			r.Route("/{investigationId}", func(r chi.Router) {
				r.Get("/", h.GetInvestigation)
				r.Get("/result", h.GetInvestigationResult)
				r.Get("/events", h.StreamEvents)
				r.Post("/cancel", h.CancelInvestigation)
			})
		})

		// Capability discovery
		r.Route("/capabilities", func(r chi.Router) {
			r.Get("/", h.ListCapabilities)
			r.Get("/match", h.MatchCapabilities)
		})

		// Tiered memory
		r.Route("/memory", func(r chi.Router) {
			r.Post("/", h.StoreMemory)
			r.Post("/consolidate", h.ConsolidateMemory)
			r.Route("/{tier}", func(r chi.Router) {
				r.Get("/", h.RetrieveMemory)
				r.Get("/{memoryId}", h.GetMemory)
				r.Delete("/{memoryId}", h.ForgetMemory)
			})
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "opsleuth",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "opsleuth",
		})
	}
}
