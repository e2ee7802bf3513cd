// Package api wires the HTTP surface of the control plane.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/loopstacks/control-plane/internal/api/handlers"
	"github.com/loopstacks/control-plane/internal/api/middleware"
	"github.com/loopstacks/control-plane/internal/config"
	"github.com/loopstacks/control-plane/internal/fanout"
	"github.com/loopstacks/control-plane/pkg/models"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, hub *fanout.Hub) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))
	r.Get("/ws", hub.ServeWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/executions", func(r chi.Router) {
			r.Post("/", h.CreateExecution)
			r.Route("/{executionId}", func(r chi.Router) {
				r.Get("/", h.GetExecution)
				r.Post("/cancel", h.CancelExecution)
			})
		})

		// Declarative resource directory. Agents here are the declared
		// objects; /agents/active reflects live heartbeats.
		r.Route("/agents", func(r chi.Router) {
			r.Get("/active", h.ActiveAgents)
			resourceRoutes(r, h, models.KindAgent)
		})
		r.Route("/agentinstances", func(r chi.Router) {
			resourceRoutes(r, h, models.KindAgentInstance)
		})
		r.Route("/realms", func(r chi.Router) {
			resourceRoutes(r, h, models.KindRealm)
		})
		r.Route("/loopstacks", func(r chi.Router) {
			resourceRoutes(r, h, models.KindLoopStack)
		})
	})

	return r
}

func resourceRoutes(r chi.Router, h *handlers.Handlers, kind string) {
	r.Get("/", h.ListResources(kind))
	r.Post("/", h.CreateResource(kind))
	r.Route("/{name}", func(r chi.Router) {
		r.Get("/", h.GetResource(kind))
		r.Put("/", h.UpdateResource(kind))
		r.Delete("/", h.DeleteResource(kind))
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "loopstacks-control-plane",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "loopstacks-control-plane",
		})
	}
}
