// Package handlers exposes the companion backend over HTTP.
package handlers

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"ecocity.ai/internal/backend/store"
)

type Config struct {
	Store  *store.Store
	Logger *log.Logger
	// Development allows every origin. Otherwise only CORSWhitelist is allowed.
	Development   bool
	CORSWhitelist []string
}

// SetupRoutes configures all routes and returns the router.
func SetupRoutes(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: cfg.Logger, NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(corsOptions(cfg.Development, cfg.CORSWhitelist)))

	env := &EnvironmentHandler{store: cfg.Store, log: cfg.Logger}
	users := &UserHandler{store: cfg.Store, log: cfg.Logger}

	r.Route("/api", func(r chi.Router) {
		r.Route("/environment", func(r chi.Router) {
			r.Get("/", env.Get)
			r.Post("/metrics", env.Update)
			r.Delete("/metrics", env.Delete)
		})
		r.Route("/users", func(r chi.Router) {
			r.Get("/", users.List)
			r.Post("/", users.Upsert)
			r.Get("/{userId}", users.Get)
			r.Put("/{userId}", users.Update)
			r.Delete("/{userId}", users.Delete)
			r.Post("/{userId}/money/add", users.AddMoney)
			r.Post("/{userId}/money/subtract", users.SubtractMoney)
			r.Post("/{userId}/toggle-movement", users.ToggleMovement)
			r.Post("/{userId}/kills/increment", users.IncrementKills)
			r.Post("/{userId}/experience", users.AddExperience)
		})
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"message": "ecocity backend"})
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "resource not found")
	})
	return r
}

// corsOptions mirrors the browser widget's needs: credentials, JSON bodies and
// a one-day preflight cache. Development accepts every origin.
func corsOptions(development bool, whitelist []string) cors.Options {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           86400,
	}
	if development {
		opts.AllowOriginFunc = func(r *http.Request, origin string) bool { return true }
		return opts
	}
	for _, o := range whitelist {
		if o = strings.TrimSpace(o); o != "" {
			opts.AllowedOrigins = append(opts.AllowedOrigins, o)
		}
	}
	return opts
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
