package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ecocity.ai/internal/persistence/blob"
	persistlog "ecocity.ai/internal/persistence/log"
	"ecocity.ai/internal/persistence/remote"
	"ecocity.ai/internal/sim/environment"
	"ecocity.ai/internal/sim/players"
	"ecocity.ai/internal/sim/tuning"
	"ecocity.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite history index")
		remoteURL  = flag.String("remote", envString("ECO_API_URL", ""), "companion backend API root, e.g. http://localhost:3000/api (empty disables remote sync)")
		syncEvery  = flag.Duration("sync_interval", envSeconds("ECO_SYNC_INTERVAL_SEC", 0), "push metrics to the backend this often (0 disables periodic sync)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)
	envLog := log.New(os.Stdout, "[env] ", log.LstdFlags|log.Lmicroseconds)
	staffLog := log.New(os.Stderr, "[staff] ", log.LstdFlags|log.Lmicroseconds)

	_ = os.MkdirAll(*dataDir, 0o755)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	idx, err := openRuntimeIndex(*dataDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertTuning(tune); err != nil {
			logger.Printf("index backend: upsert tuning: %v", err)
		}
	}

	storage := blob.Open(filepath.Join(*dataDir, "storage.json.zst"))
	metricsStore := blob.NewMetricsStore(storage)

	var rc *remote.Client
	if u := strings.TrimSpace(*remoteURL); u != "" {
		rc, err = remote.New(remote.Config{
			BaseURL:  u,
			Token:    envString("ECO_API_TOKEN", ""),
			Attempts: envInt("ECO_API_ATTEMPTS", 3),
			Logger:   staffLog,
		})
		if err != nil {
			logger.Fatalf("remote: %v", err)
		}
		logger.Printf("remote sync enabled: %s", rc.BaseURL())
	}

	saver := environment.NewAsyncSaver(metricsStore, staffLog)
	if idx != nil {
		saver.OnSaved = idx.RecordSave
	}

	crossLog := persistlog.NewCrossingLogger(*dataDir)
	defer crossLog.Close()

	engCfg := environment.ConfigFromTuning(tune)
	engCfg.Store = metricsStore
	engCfg.Saver = saver
	engCfg.Logger = envLog
	engCfg.Staff = staffLog
	engCfg.OnCrossing = func(c environment.Crossing) {
		if err := crossLog.WriteCrossing(c); err != nil {
			staffLog.Printf("crossing log: %v", err)
		}
		if idx != nil {
			idx.RecordCrossing(c)
		}
	}
	if rc != nil {
		engCfg.Remote = rc
	}
	eng := environment.New(engCfg)

	regCfg := players.Config{
		Tuning: tune,
		Store:  blob.NewUsersStore(storage),
		Logger: logger,
	}
	if rc != nil {
		regCfg.Syncer = rc
	}
	reg := players.NewRegistry(regCfg)

	ctx, cancel := signalContext()
	defer cancel()

	if err := reg.Load(ctx); err != nil {
		staffLog.Printf("players: %v", err)
	}

	host := environment.NewHost(eng, environment.HostConfig{
		FrameInterval: tune.FrameInterval(),
		SyncInterval:  *syncEvery,
		Source:        reg,
		Logger:        envLog,
	})
	go func() {
		if err := host.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("environment host stopped: %v", err)
		}
	}()

	a := &app{
		host:      host,
		players:   reg,
		widgets:   ws.NewServer(host, logger),
		saver:     saver,
		idx:       idx,
		log:       logger,
		adminHTTP: envBool("ECO_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()),
	}
	if !a.adminHTTP {
		logger.Printf("admin endpoints disabled (ECO_ENABLE_ADMIN_HTTP=false)")
	}

	var handler http.Handler = a.routes()
	if envBool("ECO_ENABLE_PPROF_HTTP", false) {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		mux.Handle("/", handler)
		handler = mux
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("ListenAndServe: %v", err)
	}

	host.Stop()
	<-host.Done()
	saver.Close()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer flushCancel()
	if err := reg.Flush(flushCtx); err != nil {
		staffLog.Printf("players: flush: %v", err)
	}
	logger.Printf("shutdown complete")
}
