// Package api provides the HTTP handlers for the pagesmith API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/ashureev/pagesmith/internal/agent"
	"github.com/ashureev/pagesmith/internal/config"
	"github.com/ashureev/pagesmith/internal/store"
)

// Handler provides common handler utilities.
type Handler struct {
	repo store.Repository
	orch *agent.Orchestrator
	hub  *agent.Hub
	cfg  *config.Config
}

// NewHandler creates a new Handler with common dependencies. hub may be nil.
func NewHandler(repo store.Repository, orch *agent.Orchestrator, hub *agent.Hub, cfg *config.Config) *Handler {
	return &Handler{
		repo: repo,
		orch: orch,
		hub:  hub,
		cfg:  cfg,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// fail writes the status agent.StatusFor picks for err. Internal errors
// are not echoed to the client.
func fail(w http.ResponseWriter, err error) {
	status := agent.StatusFor(err)
	if status == http.StatusInternalServerError {
		Error(w, status, "internal error")
		return
	}
	Error(w, status, err.Error())
}
