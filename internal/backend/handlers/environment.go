package handlers

import (
	"io"
	"log"
	"net/http"

	"ecocity.ai/internal/backend/store"
	"ecocity.ai/internal/sim/environment"
)

type EnvironmentHandler struct {
	store *store.Store
	log   *log.Logger
}

// Get handles GET /api/environment/. With no document the body is null.
func (h *EnvironmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	doc, err := h.store.GetEnvironment(r.Context())
	if err != nil {
		h.log.Printf("get environment: %v", err)
		respondError(w, http.StatusInternalServerError, "server error")
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

// Update handles POST /api/environment/metrics.
func (h *EnvironmentHandler) Update(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p, err := environment.ParsePartial(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	doc, err := h.store.UpsertEnvironment(r.Context(), p)
	if err != nil {
		h.log.Printf("update environment: %v", err)
		respondError(w, http.StatusInternalServerError, "server error")
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

// Delete handles DELETE /api/environment/metrics.
func (h *EnvironmentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	doc, err := h.store.DeleteEnvironment(r.Context())
	if err != nil {
		h.log.Printf("delete environment: %v", err)
		respondError(w, http.StatusInternalServerError, "server error")
		return
	}
	respondJSON(w, http.StatusOK, doc)
}
