// Package main provides the habitsync daemon: the local sync core serving
// app surfaces over REST and WebSocket on localhost.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dkarlsson/habitsync/cmd/habitsyncd/handlers"
	"github.com/dkarlsson/habitsync/internal/config"
	"github.com/dkarlsson/habitsync/internal/db"
	"github.com/dkarlsson/habitsync/internal/logging"
	"github.com/dkarlsson/habitsync/internal/metrics"
	"github.com/dkarlsson/habitsync/internal/remote"
	syncpkg "github.com/dkarlsson/habitsync/internal/sync"
	"github.com/dkarlsson/habitsync/internal/sync/queue"
	"github.com/dkarlsson/habitsync/internal/sync/scheduler"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error("Failed to load configuration", err)
		os.Exit(1)
	}

	logging.Init(os.Stderr, logging.LogLevel(strings.ToUpper(cfg.LogLevel)))
	logging.Info("habitsyncd starting",
		map[string]interface{}{"data_dir": cfg.DataDir, "addr": cfg.Server.Addr})

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		logging.Error("Failed to open database", err)
		os.Exit(1)
	}
	defer database.Close()

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		logging.Error("Failed to initialize migrations", err)
		os.Exit(1)
	}
	if err := migrator.Up(); err != nil {
		logging.Error("Failed to apply migrations", err)
		os.Exit(1)
	}

	repo := db.NewRepository(database.DB)

	q, err := queue.New(repo)
	if err != nil {
		logging.Error("Failed to initialize mutation queue", err)
		os.Exit(1)
	}

	api := remote.NewHTTPClient(remote.HTTPClientOptions{
		BaseURL: cfg.Remote.BaseURL,
		Timeout: cfg.Remote.RequestTimeout,
		Token:   tokenProvider(repo, cfg.DeviceID),
	})
	engine := syncpkg.NewEngine(cfg, q, repo, api)
	sched := scheduler.New(engine, cfg.Sync.PullInterval)
	hub := NewWSHub(engine)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine.Start(ctx)
	sched.Start(ctx)

	syncHandler := handlers.NewSyncHandler(repo, engine, sched, cfg.DeviceID)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"habitsyncd"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", syncHandler.GetStatus)
		r.Post("/sync", syncHandler.TriggerSync)
		r.Post("/connectivity", syncHandler.SetOnline)

		r.Post("/mutations", syncHandler.EnqueueMutation)
		r.Get("/mutations/failed", syncHandler.ListFailedMutations)
		r.Delete("/mutations/failed", syncHandler.ClearFailedMutations)

		r.Post("/maintenance/force-sync", syncHandler.ForceSync)
		r.Post("/maintenance/reset-checkpoint", syncHandler.ResetCheckpoint)

		r.Get("/credentials", syncHandler.GetCredentials)
		r.Post("/credentials", syncHandler.SetCredentials)
		r.Delete("/credentials", syncHandler.DeleteCredentials)
	})

	r.Get("/ws", HandleWebSocket(hub))
	r.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	go func() {
		logging.Info("HTTP server listening", map[string]interface{}{"addr": cfg.Server.Addr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("HTTP server failed", err)
			stop()
		}
	}()

	<-ctx.Done()
	logging.Info("Shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error("HTTP server shutdown failed", err)
	}

	sched.Stop()
	engine.Stop()
	logging.Info("habitsyncd stopped", nil)
}

// tokenProvider reads the stored credential and decrypts the auth token on
// each request, so a token saved mid-session takes effect without restart.
func tokenProvider(repo *db.Repository, deviceID string) remote.TokenProvider {
	return func(ctx context.Context) (string, error) {
		creds, err := repo.GetCredential()
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return "", nil
			}
			return "", err
		}
		if !creds.IsEnabled {
			return "", nil
		}
		return creds.GetToken(deviceID)
	}
}
