package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ecocity.ai/internal/protocol"
	"ecocity.ai/internal/sim/environment"
	"ecocity.ai/internal/sim/players"
	"ecocity.ai/internal/transport/ws"
)

// app bundles what the HTTP surface needs. Everything except host and
// players may be nil.
type app struct {
	host    *environment.Host
	players *players.Registry
	widgets *ws.Server
	saver   *environment.AsyncSaver
	idx     runtimeIndex
	log     *log.Logger

	adminHTTP bool
}

func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	r.Get("/metrics", a.handleMetrics)
	if a.widgets != nil {
		r.Get("/v1/widget", a.widgets.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: a.log, NoColor: true}))

		r.Route("/v1/players/{id}", func(r chi.Router) {
			r.Post("/join", a.handleJoin)
			r.Post("/leave", a.handleLeave)
			r.Post("/toggle-movement", a.handleToggle)
			r.Post("/kill", a.handleKill)
		})

		if !a.adminHTTP {
			return
		}
		r.Route("/admin/v1", func(r chi.Router) {
			r.Use(loopbackOnly)
			r.Get("/state", a.handleState)
			r.Post("/delta", a.handleDelta)
			r.Post("/sync", a.handleSync)
			r.Post("/reset", a.handleReset)

			r.Get("/players/{id}", a.handlePlayerInfo)
			r.Post("/players/{id}/reset-move", a.handleResetMove)
			r.Post("/players/{id}/move-mode", a.handleSetMove)
		})
	})

	r.NotFound(func(rw http.ResponseWriter, r *http.Request) {
		writeError(rw, http.StatusNotFound, protocol.ErrBadRequest, "route not found")
	})
	return r
}

func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			writeError(rw, http.StatusForbidden, protocol.ErrForbidden, "forbidden")
			return
		}
		next.ServeHTTP(rw, r)
	})
}

type joinRequest struct {
	Name string `json:"name"`
}

func (a *app) handleJoin(rw http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req joinRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = id
	}
	p, err := a.players.Join(r.Context(), id, name)
	if err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, p)
}

func (a *app) handleLeave(rw http.ResponseWriter, r *http.Request) {
	p, err := a.players.Leave(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.playerError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, p)
}

func (a *app) handleToggle(rw http.ResponseWriter, r *http.Request) {
	p, err := a.players.ToggleMode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.playerError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, p)
}

type killResponse struct {
	Reward  players.Reward      `json:"reward"`
	Metrics environment.Metrics `json:"metrics"`
}

func (a *app) handleKill(rw http.ResponseWriter, r *http.Request) {
	reward, err := a.players.RecordKill(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.playerError(rw, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if _, err := a.host.ApplyKillReward(ctx, reward.CarbonReduction, reward.RecyclingIncrease); err != nil {
		writeError(rw, http.StatusServiceUnavailable, protocol.ErrUnavailable, err.Error())
		return
	}
	snap, err := a.host.State(ctx)
	if err != nil {
		writeError(rw, http.StatusServiceUnavailable, protocol.ErrUnavailable, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, killResponse{Reward: reward, Metrics: snap.Metrics})
}

func (a *app) playerError(rw http.ResponseWriter, err error) {
	if errors.Is(err, players.ErrUnknownPlayer) {
		writeError(rw, http.StatusNotFound, protocol.ErrUnknownPlayer, err.Error())
		return
	}
	a.log.Printf("players: %v", err)
	writeError(rw, http.StatusInternalServerError, protocol.ErrInternal, "internal error")
}

func (a *app) handleState(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	snap, err := a.host.State(ctx)
	if err != nil {
		writeError(rw, http.StatusServiceUnavailable, protocol.ErrUnavailable, err.Error())
		return
	}
	resp := struct {
		environment.Snapshot
		Players int `json:"players"`
		Widgets int `json:"widgets"`
	}{Snapshot: snap, Players: a.players.Count()}
	if a.widgets != nil {
		resp.Widgets = int(a.widgets.Active())
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (a *app) handleDelta(rw http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	delta, err := environment.ParsePartial(raw)
	if err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	changed, err := a.host.ApplyDelta(ctx, delta)
	if err != nil {
		writeError(rw, http.StatusServiceUnavailable, protocol.ErrUnavailable, err.Error())
		return
	}
	snap, err := a.host.State(ctx)
	if err != nil {
		writeError(rw, http.StatusServiceUnavailable, protocol.ErrUnavailable, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"changed": changed, "metrics": snap.Metrics})
}

func (a *app) handleSync(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := a.host.Sync(ctx); err != nil {
		writeJSON(rw, http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	snap, err := a.host.State(ctx)
	if err != nil {
		writeError(rw, http.StatusServiceUnavailable, protocol.ErrUnavailable, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "metrics": snap.Metrics})
}

func (a *app) handleReset(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := a.host.Reset(ctx); err != nil {
		writeError(rw, http.StatusServiceUnavailable, protocol.ErrUnavailable, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

// handlePlayerInfo shows money, kills and the move-mode table of a player,
// online or stored.
func (a *app) handlePlayerInfo(rw http.ResponseWriter, r *http.Request) {
	p, ok := a.players.Get(chi.URLParam(r, "id"))
	if !ok {
		a.playerError(rw, players.ErrUnknownPlayer)
		return
	}
	writeJSON(rw, http.StatusOK, p)
}

func (a *app) handleResetMove(rw http.ResponseWriter, r *http.Request) {
	p, err := a.players.ResetMoveMode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.playerError(rw, err)
		return
	}
	a.log.Printf("staff: move mode of %s reset", p.UserID)
	writeJSON(rw, http.StatusOK, p)
}

type moveModeRequest struct {
	Mode string `json:"mode"`
}

func (a *app) handleSetMove(rw http.ResponseWriter, r *http.Request) {
	var req moveModeRequest
	if err := decodeOptional(r, &req); err != nil || strings.TrimSpace(req.Mode) == "" {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "mode is required")
		return
	}
	p, err := a.players.SetMode(r.Context(), chi.URLParam(r, "id"), strings.ToUpper(strings.TrimSpace(req.Mode)))
	if err != nil {
		if errors.Is(err, players.ErrUnknownPlayer) {
			a.playerError(rw, err)
			return
		}
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, p)
}

// decodeOptional decodes a JSON body into v; an empty body leaves v untouched.
func decodeOptional(r *http.Request, v any) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, code, message string) {
	writeJSON(rw, status, protocol.ErrorMsg{Code: code, Message: message})
}
