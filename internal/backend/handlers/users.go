package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ecocity.ai/internal/backend/store"
	"ecocity.ai/internal/sim/players"
)

type UserHandler struct {
	store *store.Store
	log   *log.Logger
}

func (h *UserHandler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, store.ErrInsufficientFunds):
		respondError(w, http.StatusBadRequest, "insufficient balance")
	default:
		h.log.Printf("%s: %v", op, err)
		respondError(w, http.StatusInternalServerError, "server error")
	}
}

// List handles GET /api/users.
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.fail(w, "list users", err)
		return
	}
	respondJSON(w, http.StatusOK, users)
}

// Upsert handles POST /api/users.
func (h *UserHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	var p players.Player
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if p.UserID == "" || p.Name == "" {
		respondError(w, http.StatusBadRequest, "userId and name are required")
		return
	}
	u, _, err := h.store.UpsertUser(r.Context(), p)
	if err != nil {
		h.fail(w, "upsert user", err)
		return
	}
	respondJSON(w, http.StatusCreated, u)
}

// Get handles GET /api/users/{userId}.
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	u, err := h.store.GetUser(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		h.fail(w, "get user", err)
		return
	}
	respondJSON(w, http.StatusOK, u)
}

// Update handles PUT /api/users/{userId}.
func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	var body struct {
		store.UserPatch
		MoveMode *struct {
			Current *string `json:"current"`
		} `json:"moveMode,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	patch := body.UserPatch
	if body.MoveMode != nil {
		patch.CurrentMode = body.MoveMode.Current
	}
	u, err := h.store.UpdateUser(r.Context(), chi.URLParam(r, "userId"), patch)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) && patch.CurrentMode != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.fail(w, "update user", err)
		return
	}
	respondJSON(w, http.StatusOK, u)
}

// Delete handles DELETE /api/users/{userId}.
func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteUser(r.Context(), chi.URLParam(r, "userId")); err != nil {
		h.fail(w, "delete user", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// positive decodes {"<field>": number} and requires the number to be > 0.
func positive(r *http.Request, field string) (float64, bool) {
	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return 0, false
	}
	raw, ok := body[field]
	if !ok {
		return 0, false
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil || !(v > 0) {
		return 0, false
	}
	return v, true
}

// AddMoney handles POST /api/users/{userId}/money/add.
func (h *UserHandler) AddMoney(w http.ResponseWriter, r *http.Request) {
	amount, ok := positive(r, "amount")
	if !ok {
		respondError(w, http.StatusBadRequest, "amount must be a positive number")
		return
	}
	u, err := h.store.AddMoney(r.Context(), chi.URLParam(r, "userId"), amount)
	if err != nil {
		h.fail(w, "add money", err)
		return
	}
	respondJSON(w, http.StatusOK, u)
}

// SubtractMoney handles POST /api/users/{userId}/money/subtract.
func (h *UserHandler) SubtractMoney(w http.ResponseWriter, r *http.Request) {
	amount, ok := positive(r, "amount")
	if !ok {
		respondError(w, http.StatusBadRequest, "amount must be a positive number")
		return
	}
	u, err := h.store.SubtractMoney(r.Context(), chi.URLParam(r, "userId"), amount)
	if err != nil {
		h.fail(w, "subtract money", err)
		return
	}
	respondJSON(w, http.StatusOK, u)
}

// ToggleMovement handles POST /api/users/{userId}/toggle-movement.
func (h *UserHandler) ToggleMovement(w http.ResponseWriter, r *http.Request) {
	u, err := h.store.ToggleMovement(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		h.fail(w, "toggle movement", err)
		return
	}
	respondJSON(w, http.StatusOK, u)
}

// IncrementKills handles POST /api/users/{userId}/kills/increment.
func (h *UserHandler) IncrementKills(w http.ResponseWriter, r *http.Request) {
	u, err := h.store.IncrementKills(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		h.fail(w, "increment kills", err)
		return
	}
	respondJSON(w, http.StatusOK, u)
}

// AddExperience handles POST /api/users/{userId}/experience.
func (h *UserHandler) AddExperience(w http.ResponseWriter, r *http.Request) {
	exp, ok := positive(r, "exp")
	if !ok || int(exp) <= 0 {
		respondError(w, http.StatusBadRequest, "exp must be a positive number")
		return
	}
	u, err := h.store.AddExperience(r.Context(), chi.URLParam(r, "userId"), int(exp))
	if err != nil {
		h.fail(w, "add experience", err)
		return
	}
	respondJSON(w, http.StatusOK, u)
}
