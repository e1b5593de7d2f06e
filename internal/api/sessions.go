package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/pagesmith/internal/domain"
	"github.com/ashureev/pagesmith/internal/identity"
)

// SessionHandler handles the session lifecycle endpoints.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// ResetRequest is the body of POST /api/sessions/{id}/reset.
type ResetRequest struct {
	Stage string `json:"stage"`
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/me", h.GetMe)
	r.Get("/api/config", h.GetConfig)
	r.Get("/api/stages", h.Stages)
	r.Post("/api/sessions", h.Create)
	r.Get("/api/sessions/{id}", h.Get)
	r.Delete("/api/sessions/{id}", h.Delete)
	r.Post("/api/sessions/{id}/reset", h.Reset)
}

// GetMe returns the anonymous owner id of the caller.
func (h *SessionHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	if ownerID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"owner_id": ownerID})
}

// GetConfig returns the server configuration for the frontend.
func (h *SessionHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{
		"model":           h.orch.ModelName(),
		"preview_enabled": false,
	}
	if h.cfg != nil {
		out["preview_enabled"] = h.cfg.Preview.Enabled
		out["sse_retry_ms"] = h.cfg.SSE.RetryDelay.Milliseconds()
	}
	JSON(w, http.StatusOK, out)
}

// Stages lists the stages in transition order.
func (h *SessionHandler) Stages(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"stages": domain.Stages()})
}

// Create starts a new session for the caller.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	if ownerID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sess, err := h.orch.CreateSession(r.Context(), ownerID)
	if err != nil {
		slog.Error("Failed to create session", "error", err, "owner_id", ownerID)
		fail(w, err)
		return
	}
	JSON(w, http.StatusCreated, sess)
}

// Get returns one of the caller's sessions.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.orch.Session(r.Context(), chi.URLParam(r, "id"), identity.OwnerIDFromContext(r.Context()))
	if err != nil {
		fail(w, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// Delete removes a session and drops its replay buffer.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ownerID := identity.OwnerIDFromContext(r.Context())
	if err := h.orch.DeleteSession(r.Context(), id, ownerID); err != nil {
		fail(w, err)
		return
	}
	if h.hub != nil {
		h.hub.Forget(id)
	}
	slog.Info("Session deleted", "session_id", id, "owner_id", ownerID)
	w.WriteHeader(http.StatusNoContent)
}

// Reset moves a session back to an earlier stage.
func (h *SessionHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	stage, err := domain.ParseStage(req.Stage)
	if err != nil {
		fail(w, err)
		return
	}
	sess, err := h.orch.ResetToStage(r.Context(), chi.URLParam(r, "id"), identity.OwnerIDFromContext(r.Context()), stage)
	if err != nil {
		fail(w, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}
