// Package handlers implements the HTTP handlers for the LoopStacks
// control plane: execution lifecycle, the declarative resource directory,
// and agent presence.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/loopstacks/control-plane/internal/cluster"
	"github.com/loopstacks/control-plane/internal/coordinator"
	"github.com/loopstacks/control-plane/internal/store"
	"github.com/loopstacks/control-plane/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store       store.Store
	Directory   cluster.Directory
	Coordinator *coordinator.Coordinator
}

// New creates a Handlers instance.
func New(s store.Store, dir cluster.Directory, coord *coordinator.Coordinator) *Handlers {
	return &Handlers{Store: s, Directory: dir, Coordinator: coord}
}

// ── Executions ───────────────────────────────────────────────

func (h *Handlers) CreateExecution(w http.ResponseWriter, r *http.Request) {
	var req coordinator.ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Namespace = namespaceParam(r)

	exec, err := h.Coordinator.StartExecution(r.Context(), req)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	log.Info().Str("execution", exec.ExecutionID).Str("loopstack", exec.Loopstack).Msg("execution accepted")
	respondJSON(w, http.StatusCreated, map[string]any{
		"executionId": exec.ExecutionID,
		"status":      exec.Status,
	})
}

func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionId")
	exec, err := h.Store.GetExecution(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

func (h *Handlers) CancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionId")
	if err := h.Coordinator.Cancel(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"executionId": id,
		"status":      models.ExecutionCancelled,
	})
}

// ── Agent presence ───────────────────────────────────────────

func (h *Handlers) ActiveAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.Store.ActiveAgents(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if agents == nil {
		agents = []models.AgentRecord{}
	}
	respondJSON(w, http.StatusOK, agents)
}

// ── Resource directory ───────────────────────────────────────
//
// One handler set serves all four resource kinds; the route binds the
// kind.

func (h *Handlers) ListResources(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := h.Directory.List(r.Context(), kind, namespaceParam(r))
		if err != nil {
			respondStoreError(w, err)
			return
		}
		if items == nil {
			items = []models.Resource{}
		}
		respondJSON(w, http.StatusOK, items)
	}
}

func (h *Handlers) CreateResource(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, ok := decodeResource(w, r, kind)
		if !ok {
			return
		}
		if err := h.Directory.Create(r.Context(), res); err != nil {
			respondStoreError(w, err)
			return
		}
		log.Info().Str("kind", kind).Str("name", res.Metadata.Name).Msg("resource created")
		respondJSON(w, http.StatusCreated, res)
	}
}

func (h *Handlers) GetResource(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		res, err := h.Directory.Get(r.Context(), kind, namespaceParam(r), name)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, res)
	}
}

func (h *Handlers) UpdateResource(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, ok := decodeResource(w, r, kind)
		if !ok {
			return
		}
		res.Metadata.Name = chi.URLParam(r, "name")
		if err := h.Directory.Update(r.Context(), res); err != nil {
			respondStoreError(w, err)
			return
		}
		log.Info().Str("kind", kind).Str("name", res.Metadata.Name).Msg("resource updated")
		respondJSON(w, http.StatusOK, res)
	}
}

func (h *Handlers) DeleteResource(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := h.Directory.Delete(r.Context(), kind, namespaceParam(r), name); err != nil {
			respondStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// decodeResource parses and validates the request body. LoopStack specs
// get schema validation before they reach the directory.
func decodeResource(w http.ResponseWriter, r *http.Request, kind string) (*models.Resource, bool) {
	var res models.Resource
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	res.Kind = kind
	if res.Metadata.Name == "" {
		respondError(w, http.StatusBadRequest, "metadata.name is required")
		return nil, false
	}
	if res.Metadata.Namespace == "" {
		res.Metadata.Namespace = namespaceParam(r)
	}

	if kind == models.KindLoopStack {
		spec, err := models.LoopStackSpecFromResource(&res)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return nil, false
		}
		def := models.LoopStackDefinition{
			Metadata: models.LoopStackMetadata{
				Name:    res.Metadata.Name,
				Version: versionLabel(&res),
			},
			Spec: spec,
		}
		if err := def.Validate(); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return nil, false
		}
	}
	return &res, true
}

func versionLabel(res *models.Resource) string {
	if v := res.Metadata.Labels["version"]; v != "" {
		return v
	}
	return "v0.1.0"
}

func namespaceParam(r *http.Request) string {
	if ns := r.URL.Query().Get("namespace"); ns != "" {
		return ns
	}
	return cluster.DefaultNamespace
}

// ── Responses ────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps the model error classes onto HTTP statuses.
func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrValidation):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrConflict):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrNoCapableAgents):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
