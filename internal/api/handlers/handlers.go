// Package handlers implements the HTTP handlers for the OpSleuth
// investigation service: investigation lifecycle, capability discovery,
// memory access, and the progress event stream.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/opsleuth/opsleuth/internal/memory"
	"github.com/opsleuth/opsleuth/internal/orchestrator"
	"github.com/opsleuth/opsleuth/internal/registry"
	"github.com/opsleuth/opsleuth/internal/store"
	"github.com/opsleuth/opsleuth/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Orchestrator *orchestrator.Orchestrator
	Memory       *memory.Manager
	Registry     *registry.Registry
}

// New creates a new Handlers instance with all dependencies.
func New(o *orchestrator.Orchestrator, m *memory.Manager, r *registry.Registry) *Handlers {
	return &Handlers{Orchestrator: o, Memory: m, Registry: r}
}

// ── Investigation Handlers ───────────────────────────────────

func (h *Handlers) SubmitInvestigation(w http.ResponseWriter, r *http.Request) {
	var req models.InvestigationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Query == "" && len(req.Capabilities) == 0 {
		respondError(w, http.StatusBadRequest, "request needs a query or an explicit capability list")
		return
	}

	id, err := h.Orchestrator.Submit(req)
	if err != nil {
		var already *orchestrator.AlreadyRunningError
		if errors.As(err, &already) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"investigation_id": id})
}

func (h *Handlers) GetInvestigation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "investigationId")
	info, err := h.Orchestrator.Status(id)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (h *Handlers) GetInvestigationResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "investigationId")
	result, err := h.Orchestrator.Result(id)
	if err != nil {
		var notFound *orchestrator.NotFoundError
		if errors.As(err, &notFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handlers) CancelInvestigation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "investigationId")
	if !h.Orchestrator.Cancel(id) {
		respondError(w, http.StatusNotFound, "no running investigation with id "+id)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"investigation_id": id, "status": "cancelling"})
}

// ── Event Stream ─────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamEvents upgrades to a websocket and relays progress events from
// the moment of subscription on. Earlier events are not replayed.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "investigationId")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("investigation_id", id).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch, cancel := h.Orchestrator.Subscribe(id)
	defer cancel()

	// Reader goroutine: detect client close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Type == models.EventInvestigationDone {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "investigation finished"))
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// ── Capability Handlers ──────────────────────────────────────

func (h *Handlers) ListCapabilities(w http.ResponseWriter, r *http.Request) {
	caps := h.Registry.Capabilities()
	if caps == nil {
		caps = []registry.CapabilityInfo{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"capabilities": caps,
		"count":        len(caps),
	})
}

func (h *Handlers) MatchCapabilities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		respondError(w, http.StatusBadRequest, "missing query parameter q")
		return
	}
	matched := h.Registry.Match(q)
	if matched == nil {
		matched = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"query":   q,
		"matched": matched,
	})
}

// ── Memory Handlers ──────────────────────────────────────────

type storeMemoryRequest struct {
	Tier       models.Tier            `json:"tier"`
	Key        string                 `json:"key"`
	Content    map[string]interface{} `json:"content"`
	Importance models.Importance      `json:"importance"`
}

func (h *Handlers) StoreMemory(w http.ResponseWriter, r *http.Request) {
	var req storeMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	id, err := h.Memory.Store(r.Context(), req.Tier, req.Key, req.Content, req.Importance)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handlers) RetrieveMemory(w http.ResponseWriter, r *http.Request) {
	tier := models.Tier(chi.URLParam(r, "tier"))
	q := r.URL.Query().Get("q")
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := h.Memory.Retrieve(r.Context(), tier, q, limit)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if entries == nil {
		entries = []models.MemoryEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (h *Handlers) GetMemory(w http.ResponseWriter, r *http.Request) {
	tier := models.Tier(chi.URLParam(r, "tier"))
	id := chi.URLParam(r, "memoryId")
	entry, err := h.Memory.Get(r.Context(), tier, id)
	if err != nil {
		var notFound *store.ErrNotFound
		if errors.As(err, &notFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (h *Handlers) ForgetMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "memoryId")
	if !h.Memory.Forget(r.Context(), id) {
		respondError(w, http.StatusNotFound, "memory not found: "+id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ConsolidateMemory(w http.ResponseWriter, r *http.Request) {
	report, err := h.Memory.Consolidate(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
