package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/callgrid/callgrid/internal/api"
	"github.com/callgrid/callgrid/internal/config"
	"github.com/callgrid/callgrid/internal/database"
	"github.com/callgrid/callgrid/internal/metrics"
	"github.com/callgrid/callgrid/internal/router"
	"github.com/callgrid/callgrid/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if cfg.GlobalID == "" {
		cfg.GlobalID = uuid.NewString()
	}

	slog.Info("starting callgrid",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"shards", cfg.Shards,
		"max_calls", cfg.MaxCalls,
		"global_id", cfg.GlobalID,
	)

	// Open the application directory.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	apps := database.NewApplicationRepository(db)
	ensureDefaultApp(db, apps, cfg.AppID)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Router pool and counters.
	counters := metrics.NewCounters()
	pool := router.New(cfg.Global(), apps, counters, logger)

	// Prometheus registry with the callgrid collector.
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(counters, pool, time.Now()))

	// SIP ingest.
	sipSrv, err := transport.NewServer(cfg, pool)
	if err != nil {
		slog.Error("failed to create sip transport", "error", err)
		os.Exit(1)
	}
	if err := sipSrv.Start(appCtx); err != nil {
		slog.Error("failed to start sip transport", "error", err)
		os.Exit(1)
	}

	// HTTP observability server.
	handler := api.NewServer(pool, reg)
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers")
	sipSrv.Stop()
	pool.Stop()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("callgrid stopped")
}

// ensureDefaultApp seeds the application directory with the app the SIP
// listeners are bound to, so a fresh install can route calls immediately.
// An existing row is left untouched.
func ensureDefaultApp(db *database.DB, apps *database.ApplicationRepository, appID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := apps.GetAppOptions(ctx, appID)
	if err == nil {
		return
	}
	if !errors.Is(err, database.ErrNotFound) {
		slog.Error("failed to query default application", "app", appID, "error", err)
		return
	}

	// GetAppOptions hides disabled rows; a disabled row still exists.
	var rows int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM applications WHERE app_id = ?`, appID).Scan(&rows); err != nil {
		slog.Error("failed to query default application", "app", appID, "error", err)
		return
	}
	if rows > 0 {
		return
	}

	opts := database.AppOptions{
		AppID:     appID,
		Name:      appID,
		UserAgent: "callgrid",
		Enabled:   true,
	}
	if err := apps.Upsert(ctx, opts); err != nil {
		slog.Error("failed to seed default application", "app", appID, "error", err)
		return
	}
	slog.Info("seeded default application", "app", appID)
}
