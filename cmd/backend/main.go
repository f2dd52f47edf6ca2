// Command backend is the companion REST service that stores the environment
// document and the user records.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"ecocity.ai/internal/backend/handlers"
	"ecocity.ai/internal/backend/store"
	"ecocity.ai/internal/sim/tuning"
)

func main() {
	var (
		addr       = flag.String("addr", envOr("PORT_ADDR", ":3000"), "http listen address")
		dbPath     = flag.String("db", "./data/backend/backend.sqlite", "sqlite database path")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "tuning.yaml used for movement mode definitions")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[backend] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		tune = tuning.Defaults()
	}

	_ = os.MkdirAll(filepath.Dir(*dbPath), 0o755)
	st, err := store.Open(*dbPath, tune.MoveModes)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer st.Close()

	development := strings.EqualFold(strings.TrimSpace(os.Getenv("ECO_ENV")), "development")
	handler := handlers.SetupRoutes(handlers.Config{
		Store:         st,
		Logger:        logger,
		Development:   development,
		CORSWhitelist: splitList(os.Getenv("CORS_WHITELIST")),
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s (development=%v)", *addr, development)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
