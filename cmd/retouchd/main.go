package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/throw-if-null/retouch/internal/config"
	"github.com/throw-if-null/retouch/internal/engine"
	"github.com/throw-if-null/retouch/internal/flux"
	"github.com/throw-if-null/retouch/internal/images"
	"github.com/throw-if-null/retouch/internal/paths"
	"github.com/throw-if-null/retouch/internal/store"
	"github.com/throw-if-null/retouch/internal/telemetry"
	"github.com/throw-if-null/retouch/internal/version"

	_ "modernc.org/sqlite"
)

// indirections for tests
var (
	dotenvLoad    = godotenv.Load
	telemetryInit = telemetry.Init
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler, addr, shutdown, err := setup(ctx)
	if err != nil {
		log.Fatalf("retouchd: %v", err)
	}

	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Printf("retouchd %s (%s) listening on http://%s", version.Version, version.Commit, addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("retouchd: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

// setup assembles the service in the current working directory and returns
// the HTTP handler, listen address and a shutdown function that drains the
// orchestrator and flushes telemetry.
func setup(ctx context.Context) (http.Handler, string, func(context.Context) error, error) {
	// .env is optional; a missing file is fine
	_ = dotenvLoad()

	root, err := os.Getwd()
	if err != nil {
		return nil, "", nil, err
	}

	res := config.Load(root)
	if res.ParseError != nil {
		return nil, "", nil, fmt.Errorf("config %s: %w", res.Path, res.ParseError)
	}
	cfg := res.Config

	apiKey := os.Getenv("FLUX_API_KEY")
	if apiKey == "" {
		return nil, "", nil, fmt.Errorf("FLUX_API_KEY is not set")
	}

	var telemetryShutdown func(context.Context) error
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		telemetryShutdown, err = telemetryInit(ctx, telemetry.Config{
			ServiceName:    "retouchd",
			ServiceVersion: version.Version,
			OTLPEndpoint:   ep,
		})
		if err != nil {
			return nil, "", nil, fmt.Errorf("telemetry: %w", err)
		}
	}

	ts, err := openTaskStore(root, cfg.Storage.Backend)
	if err != nil {
		return nil, "", nil, err
	}

	repo, err := images.NewFSStore(filepath.Join(root, paths.UploadsDir()))
	if err != nil {
		return nil, "", nil, fmt.Errorf("image store: %w", err)
	}

	client := flux.NewClient(cfg.Flux.BaseURL, apiKey,
		time.Duration(cfg.Flux.SubmitTimeoutMS)*time.Millisecond,
		time.Duration(cfg.Flux.DownloadTimeoutMS)*time.Millisecond)

	orch := engine.New(ts, client, repo, engine.Options{
		Root:            root,
		PollInterval:    time.Duration(cfg.Poller.IntervalMS) * time.Millisecond,
		PollConcurrency: cfg.Poller.Concurrency,
		MaxTaskAge:      time.Duration(cfg.Poller.MaxTaskAgeMS) * time.Millisecond,
	})
	orch.Start()

	shutdown := func(ctx context.Context) error {
		orch.Stop()
		if telemetryShutdown != nil {
			return telemetryShutdown(ctx)
		}
		return nil
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	return engine.NewServer(orch, repo, root).Handler(), addr, shutdown, nil
}

func openTaskStore(root, backend string) (engine.TaskStore, error) {
	switch backend {
	case "", "snapshot":
		s, err := store.OpenSnapshot(filepath.Join(root, paths.SnapshotFile()))
		if err != nil {
			return nil, fmt.Errorf("task store: %w", err)
		}
		return s, nil
	case "sqlite":
		dir := filepath.Join(root, paths.DataDir())
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("task store: %w", err)
		}
		db, err := sql.Open("sqlite", filepath.Join(dir, "retouch.db"))
		if err != nil {
			return nil, fmt.Errorf("task store: %w", err)
		}
		s := store.NewSQLite(db)
		if err := s.Init(); err != nil {
			return nil, fmt.Errorf("task store schema: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
