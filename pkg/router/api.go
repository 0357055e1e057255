package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// RegisterRoutes adds the agent's notification and inspection endpoints to
// the given mux.
//
//	POST /api/v1/routers-updated — deliver a batch of router descriptors
//	POST /api/v1/router-deleted  — announce a router deletion
//	GET  /api/v1/status          — registry snapshot
func (a *Agent) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/routers-updated", a.handleRoutersUpdated)
	mux.HandleFunc("/api/v1/router-deleted", a.handleRouterDeleted)
	mux.HandleFunc("/api/v1/status", a.handleStatus)
}

func (a *Agent) handleRoutersUpdated(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var routers []Router
	if err := json.NewDecoder(r.Body).Decode(&routers); err != nil {
		http.Error(w, fmt.Sprintf("decoding body: %v", err), http.StatusBadRequest)
		return
	}
	// Malformed descriptors are rejected here, before any of them reach
	// the reconciler.
	for _, rt := range routers {
		if err := rt.Validate(); err != nil {
			http.Error(w, fmt.Sprintf("invalid router descriptor: %v", err), http.StatusBadRequest)
			return
		}
	}

	if err := a.RoutersUpdated(r.Context(), routers); err != nil {
		status := http.StatusServiceUnavailable
		if !errors.Is(err, ErrNotRunning) {
			status = http.StatusInternalServerError
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Agent) handleRouterDeleted(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decoding body: %v", err), http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	if err := a.RouterDeleted(r.Context(), req.ID); err != nil {
		status := http.StatusServiceUnavailable
		if !errors.Is(err, ErrNotRunning) {
			status = http.StatusInternalServerError
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st, err := a.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, st)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
